package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at component boundaries. Only
// validation errors surface to clients as 4xx; everything else is
// absorbed, retried or reported on a status topic.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindNotFound   ErrorKind = "not_found"
	KindRejected   ErrorKind = "rejected"
	KindInternal   ErrorKind = "internal"
)

// KindedError wraps an error with its classification
type KindedError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindedError) Unwrap() error {
	return e.Err
}

// Validationf builds a client-visible validation error
func Validationf(format string, args ...interface{}) error {
	return &KindedError{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// NotFoundf builds a not-found error
func NotFoundf(format string, args ...interface{}) error {
	return &KindedError{Kind: KindNotFound, Err: fmt.Errorf(format, args...)}
}

// Rejectedf builds a risk-limit rejection error
func Rejectedf(format string, args ...interface{}) error {
	return &KindedError{Kind: KindRejected, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of an error, defaulting to internal
func KindOf(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

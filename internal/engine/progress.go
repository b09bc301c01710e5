package engine

import (
	"sync"
	"time"
)

// ProgressTracker coalesces per-item progress into a bounded number of
// callback invocations: updates fire when the minimum interval has
// passed and either the item threshold is reached or the percentage
// moved, and always on completion.
type ProgressTracker struct {
	mu sync.Mutex

	total     int
	processed int
	threshold int

	minInterval  time.Duration
	lastUpdate   time.Time
	lastProgress int

	callback func(progress int)
}

// NewProgressTracker creates a tracker over total items. maxUpdates
// bounds how many callback invocations the item threshold permits.
func NewProgressTracker(total int, minInterval time.Duration, maxUpdates int, callback func(int)) *ProgressTracker {
	if total < 1 {
		total = 1
	}
	if maxUpdates < 1 {
		maxUpdates = 100
	}
	threshold := total / maxUpdates
	if threshold < 1 {
		threshold = 1
	}
	return &ProgressTracker{
		total:       total,
		threshold:   threshold,
		minInterval: minInterval,
		callback:    callback,
	}
}

// Update advances by items and returns (progress, true) when an update
// fired
func (p *ProgressTracker) Update(items int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.processed += items
	now := time.Now()

	progress := p.processed * 100 / p.total
	if progress > 100 {
		progress = 100
	}

	timePassed := now.Sub(p.lastUpdate) >= p.minInterval
	thresholdReached := p.processed%p.threshold == 0
	progressChanged := progress > p.lastProgress
	complete := p.processed >= p.total

	if (timePassed && (thresholdReached || progressChanged)) || complete {
		p.lastUpdate = now
		p.lastProgress = progress
		if p.callback != nil {
			p.callback(progress)
		}
		return progress, true
	}
	return progress, false
}

// SetProgress forces the progress forward, e.g. for stage boundaries.
// Regressions are ignored.
func (p *ProgressTracker) SetProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if progress <= p.lastProgress {
		return
	}
	p.lastProgress = progress
	p.lastUpdate = time.Now()
	if p.callback != nil {
		p.callback(progress)
	}
}

// Progress returns the last reported percentage
func (p *ProgressTracker) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastProgress
}

// Complete reports whether every item has been processed
func (p *ProgressTracker) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed >= p.total
}

// Package tasks runs long jobs (backtests) in the background with
// bounded concurrency, tracks their lifecycle and pushes snapshots to
// subscribers.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Status of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Snapshot is the externally visible state of a task
type Snapshot struct {
	ID          string      `json:"task_id"`
	Status      Status      `json:"status"`
	Progress    int         `json:"progress"`
	Results     interface{} `json:"results,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	StartedAt   int64       `json:"started_at,omitempty"`
	CompletedAt int64       `json:"completed_at,omitempty"`
}

// Fn is the task body. It runs under the manager's concurrency limit
// and must honor ctx cancellation. The returned value becomes the
// task's results.
type Fn func(ctx context.Context, task *Handle) (interface{}, error)

// Handle is passed to a running task for progress reporting
type Handle struct {
	id  string
	mgr *Manager
}

// ID of the task
func (h *Handle) ID() string { return h.id }

// SetProgress reports completion percentage; unchanged values are not
// pushed
func (h *Handle) SetProgress(progress int) {
	h.mgr.UpdateProgress(h.id, progress)
}

type task struct {
	snap    Snapshot
	cancel  context.CancelFunc
	subs    map[int]chan Snapshot
	touched time.Time
}

// Options tune the manager
type Options struct {
	MaxConcurrent int           // parallel task bodies, default 3
	MaxTasks      int           // retained tasks before oldest-first eviction, default 100
	TTL           time.Duration // terminal task retention, default 1h
	SweepInterval time.Duration // cleanup cadence, default 10m
}

// Manager owns the task table: bounded concurrency via a semaphore,
// TTL expiry of terminal tasks, oldest-first eviction past MaxTasks
// and per-task subscriber push.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	tasks     map[string]*task
	order     []string // creation order for eviction
	nextSubID int

	sem  chan struct{}
	cron *cron.Cron
}

// NewManager creates a manager; Start begins the cleanup schedule
func NewManager(opts Options, log zerolog.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 100
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	return &Manager{
		opts:  opts,
		log:   log.With().Str("component", "tasks").Logger(),
		tasks: make(map[string]*task),
		sem:   make(chan struct{}, opts.MaxConcurrent),
	}
}

// Start schedules the periodic TTL sweep
func (m *Manager) Start() {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.opts.SweepInterval), func() {
		removed := m.Sweep()
		if removed > 0 {
			m.log.Info().Int("removed", removed).Msg("expired tasks swept")
		}
	})
	if err != nil {
		m.log.Error().Err(err).Msg("failed to schedule task sweep")
		return
	}
	m.cron.Start()
}

// Stop halts the cleanup schedule and cancels running tasks
func (m *Manager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	for _, t := range m.tasks {
		if !t.snap.Status.Terminal() && t.cancel != nil {
			t.cancel()
		}
	}
	m.mu.Unlock()
}

// Submit registers a new task and runs fn in the background once a
// concurrency slot frees up. Queued tasks start in FIFO order.
func (m *Manager) Submit(fn Fn) string {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.evictLocked()
	m.tasks[id] = &task{
		snap: Snapshot{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: time.Now().Unix(),
		},
		cancel:  cancel,
		subs:    make(map[int]chan Snapshot),
		touched: time.Now(),
	}
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.log.Info().Str("task", id).Msg("task submitted")

	go m.run(ctx, id, fn)
	return id
}

func (m *Manager) run(ctx context.Context, id string, fn Fn) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(id, nil, ctx.Err())
		return
	}
	defer func() { <-m.sem }()

	// Cancelled while queued
	if ctx.Err() != nil {
		m.finish(id, nil, ctx.Err())
		return
	}

	m.mu.Lock()
	if t, ok := m.tasks[id]; ok {
		t.snap.Status = StatusRunning
		t.snap.StartedAt = time.Now().Unix()
		m.pushLocked(t)
	}
	m.mu.Unlock()

	results, err := fn(ctx, &Handle{id: id, mgr: m})
	m.finish(id, results, err)
}

func (m *Manager) finish(id string, results interface{}, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.snap.Status.Terminal() {
		return
	}

	t.snap.CompletedAt = time.Now().Unix()
	switch {
	case err == nil:
		t.snap.Status = StatusCompleted
		t.snap.Progress = 100
		t.snap.Results = results
	case errors.Is(err, context.Canceled):
		t.snap.Status = StatusCancelled
		t.snap.Error = "cancelled"
	default:
		t.snap.Status = StatusFailed
		t.snap.Error = err.Error()
	}
	t.touched = time.Now()

	m.pushLocked(t)
	// Terminal state: close subscriber channels
	for subID, ch := range t.subs {
		close(ch)
		delete(t.subs, subID)
	}

	m.log.Info().Str("task", id).Str("status", string(t.snap.Status)).Msg("task finished")
}

// UpdateProgress sets the task's progress and pushes to subscribers
// when it changed
func (m *Manager) UpdateProgress(id string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.snap.Status.Terminal() {
		return
	}
	if t.snap.Progress == progress {
		return
	}
	t.snap.Progress = progress
	m.pushLocked(t)
}

// Cancel requests cooperative cancellation of a pending or running task
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok || t.snap.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	cancel := t.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Get returns the task snapshot
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snap, true
}

// List returns all snapshots, newest first
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Subscribe returns a channel that receives the current snapshot
// immediately, then every transition, and closes once the task is
// terminal. The returned cancel function detaches early.
func (m *Manager) Subscribe(id string) (<-chan Snapshot, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Snapshot, 16)
	ch <- t.snap

	if t.snap.Status.Terminal() {
		close(ch)
		return ch, func() {}, true
	}

	m.nextSubID++
	subID := m.nextSubID
	t.subs[subID] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if tt, ok := m.tasks[id]; ok {
			if c, ok := tt.subs[subID]; ok {
				delete(tt.subs, subID)
				close(c)
			}
		}
	}
	return ch, cancel, true
}

// pushLocked fans the current snapshot out to subscribers, dropping
// for slow ones
func (m *Manager) pushLocked(t *task) {
	for _, ch := range t.subs {
		select {
		case ch <- t.snap:
		default:
		}
	}
}

// Sweep removes terminal tasks older than the TTL and returns the
// count removed
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.opts.TTL)
	removed := 0
	for id, t := range m.tasks {
		if t.snap.Status.Terminal() && t.touched.Before(cutoff) {
			m.removeLocked(id)
			removed++
		}
	}
	return removed
}

// evictLocked drops the oldest tasks once the table is full, preferring
// terminal ones
func (m *Manager) evictLocked() {
	for len(m.tasks) >= m.opts.MaxTasks {
		evicted := false
		// Oldest terminal task first
		for _, id := range m.order {
			if t, ok := m.tasks[id]; ok && t.snap.Status.Terminal() {
				m.removeLocked(id)
				evicted = true
				break
			}
		}
		if !evicted {
			// Everything is live: drop the oldest regardless
			for _, id := range m.order {
				if t, ok := m.tasks[id]; ok {
					if t.cancel != nil {
						t.cancel()
					}
					m.removeLocked(id)
					evicted = true
					break
				}
			}
		}
		if !evicted {
			return
		}
	}
}

func (m *Manager) removeLocked(id string) {
	if t, ok := m.tasks[id]; ok {
		for subID, ch := range t.subs {
			close(ch)
			delete(t.subs, subID)
		}
		delete(m.tasks, id)
	}
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Stats summarizes the task table
type Stats struct {
	Total         int `json:"total_tasks"`
	Pending       int `json:"pending_tasks"`
	Running       int `json:"running_tasks"`
	Completed     int `json:"completed_tasks"`
	Failed        int `json:"failed_tasks"`
	Cancelled     int `json:"cancelled_tasks"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Stats returns current counts by status
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Total: len(m.tasks), MaxConcurrent: m.opts.MaxConcurrent}
	for _, t := range m.tasks {
		switch t.snap.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

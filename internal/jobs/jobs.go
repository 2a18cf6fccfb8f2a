// Package jobs runs background work: portal refreshes, guide refreshes, and
// database maintenance. Jobs are named; starting a job that is already
// queued or running coalesces into the existing run instead of stacking up.
package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/snapetech/macbridge/internal/logging"
)

// Status of one job record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the visible state of one job.
type Record struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Manager serializes jobs through one worker goroutine. The queue is small
// by design; heavy parallelism lives inside the jobs themselves.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	pending map[string]struct{}
	queue   chan queued

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type queued struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

// NewManager starts the worker. Stop with Close.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		records: map[string]*Record{},
		pending: map[string]struct{}{},
		queue:   make(chan queued, 32),
		cancel:  cancel,
	}
	m.wg.Add(1)
	go m.worker(ctx)
	return m
}

// Close stops the worker after the current job finishes.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Submit queues fn under name. Returns false when a run with the same name
// is already queued or running; the caller's request coalesces into it.
func (m *Manager) Submit(name string, fn func(ctx context.Context) (string, error)) bool {
	m.mu.Lock()
	if _, busy := m.pending[name]; busy {
		m.mu.Unlock()
		return false
	}
	m.pending[name] = struct{}{}
	m.records[name] = &Record{Name: name, Status: StatusQueued, QueuedAt: time.Now()}
	m.mu.Unlock()

	select {
	case m.queue <- queued{name: name, fn: fn}:
		return true
	default:
		// Queue full: drop the reservation so a later attempt can try again.
		m.mu.Lock()
		delete(m.pending, name)
		m.records[name].Status = StatusFailed
		m.records[name].Error = "job queue full"
		m.mu.Unlock()
		return false
	}
}

// Record returns the last known state for name.
func (m *Manager) Record(name string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[name]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Records lists every job record.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	return out
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-m.queue:
			m.run(ctx, q)
		}
	}
}

func (m *Manager) run(ctx context.Context, q queued) {
	m.mu.Lock()
	rec := m.records[q.name]
	rec.Status = StatusRunning
	rec.StartedAt = time.Now()
	m.mu.Unlock()

	detail, err := m.safeCall(ctx, q)

	m.mu.Lock()
	delete(m.pending, q.name)
	rec.FinishedAt = time.Now()
	rec.Detail = detail
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = StatusCompleted
		rec.Error = ""
	}
	m.mu.Unlock()

	if err != nil {
		logging.Errorf("jobs: %s failed after %s: %v", q.name, rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond), err)
	} else {
		logging.Infof("jobs: %s done in %s %s", q.name, rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond), detail)
	}
}

// safeCall keeps a panicking job from taking the worker down with it.
func (m *Manager) safeCall(ctx context.Context, q queued) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("jobs: %s panicked: %v\n%s", q.name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.fn(ctx)
}

// Every runs submit on a fixed interval until ctx ends. The first tick fires
// after initialDelay, letting the process finish startup first.
func Every(ctx context.Context, interval, initialDelay time.Duration, name string, m *Manager, fn func(ctx context.Context) (string, error)) {
	go func() {
		if initialDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(initialDelay):
			}
		}
		m.Submit(name, fn)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Submit(name, fn)
			}
		}
	}()
}

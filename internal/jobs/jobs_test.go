package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, m *Manager, name string, want Status) Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := m.Record(name); ok && r.Status == want {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	r, _ := m.Record(name)
	t.Fatalf("job %s never reached %s, last: %+v", name, want, r)
	return Record{}
}

func TestSubmitRunsJob(t *testing.T) {
	m := NewManager()
	defer m.Close()
	if !m.Submit("refresh", func(ctx context.Context) (string, error) {
		return "channels=5", nil
	}) {
		t.Fatal("submit refused")
	}
	r := waitFor(t, m, "refresh", StatusCompleted)
	if r.Detail != "channels=5" || r.Error != "" {
		t.Fatalf("record = %+v", r)
	}
}

func TestSubmitCoalesces(t *testing.T) {
	m := NewManager()
	defer m.Close()
	release := make(chan struct{})
	var runs atomic.Int32
	m.Submit("slow", func(ctx context.Context) (string, error) {
		runs.Add(1)
		<-release
		return "", nil
	})
	waitFor(t, m, "slow", StatusRunning)
	for i := 0; i < 5; i++ {
		if m.Submit("slow", func(ctx context.Context) (string, error) {
			runs.Add(1)
			return "", nil
		}) {
			t.Fatal("duplicate submit accepted while running")
		}
	}
	close(release)
	waitFor(t, m, "slow", StatusCompleted)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	m := NewManager()
	defer m.Close()
	m.Submit("bad", func(ctx context.Context) (string, error) {
		return "", errors.New("portal unreachable")
	})
	r := waitFor(t, m, "bad", StatusFailed)
	if r.Error != "portal unreachable" {
		t.Fatalf("record = %+v", r)
	}
	// The name is reusable after failure.
	if !m.Submit("bad", func(ctx context.Context) (string, error) { return "", nil }) {
		t.Fatal("resubmit after failure refused")
	}
	waitFor(t, m, "bad", StatusCompleted)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	m := NewManager()
	defer m.Close()
	m.Submit("explode", func(ctx context.Context) (string, error) {
		panic("boom")
	})
	r := waitFor(t, m, "explode", StatusFailed)
	if r.Error == "" {
		t.Fatalf("record = %+v", r)
	}
	m.Submit("after", func(ctx context.Context) (string, error) { return "ok", nil })
	waitFor(t, m, "after", StatusCompleted)
}

func TestEveryTicks(t *testing.T) {
	m := NewManager()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	Every(ctx, 30*time.Millisecond, 0, "tick", m, func(ctx context.Context) (string, error) {
		runs.Add(1)
		return "", nil
	})
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestTableReserveRespectsLimit(t *testing.T) {
	table := NewTable()
	a := NewSession("p1", "100", "00:1A:79:00:00:01", "c1")
	b := NewSession("p1", "100", "00:1A:79:00:00:01", "c2")
	c := NewSession("p1", "100", "00:1A:79:00:00:01", "c3")

	if !table.Reserve(a, 2) || !table.Reserve(b, 2) {
		t.Fatal("reserve within limit failed")
	}
	if table.Reserve(c, 2) {
		t.Fatal("reserve above limit succeeded")
	}
	if got := table.Active("p1", "00:1A:79:00:00:01"); got != 2 {
		t.Fatalf("active = %d", got)
	}
	table.Release(a)
	if !table.Reserve(c, 2) {
		t.Fatal("reserve after release failed")
	}
	table.Release(a) // double release must not underflow
	if got := table.Active("p1", "00:1A:79:00:00:01"); got != 2 {
		t.Fatalf("active after double release = %d", got)
	}
}

func TestTableReserveConcurrent(t *testing.T) {
	table := NewTable()
	const limit = 3
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
			if table.Reserve(s, limit) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != limit {
		t.Fatalf("granted = %d, want %d", granted, limit)
	}
}

func TestTableMove(t *testing.T) {
	table := NewTable()
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	if !table.Reserve(s, 1) {
		t.Fatal("reserve failed")
	}
	if !table.Move(s, "00:1A:79:00:00:02", 1) {
		t.Fatal("move failed")
	}
	if table.Active("p1", "00:1A:79:00:00:01") != 0 || table.Active("p1", "00:1A:79:00:00:02") != 1 {
		t.Fatal("move did not transfer the slot")
	}
	if s.MAC != "00:1A:79:00:00:02" {
		t.Fatalf("session mac = %s", s.MAC)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	table := NewTable()
	early := NewSession("p1", "1", "00:1A:79:00:00:01", "c1")
	early.StartedAt = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	late := NewSession("p1", "2", "00:1A:79:00:00:02", "c2")
	late.StartedAt = early.StartedAt.Add(time.Minute)
	table.Reserve(late, 1)
	table.Reserve(early, 1)
	snap := table.Snapshot()
	if len(snap) != 2 || snap[0].ChannelID != "1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	template := "-re -http_proxy <proxy> -timeout <timeout> -i <url> -codec copy -f mpegts pipe:"
	got := BuildFFmpegArgs(template, "http://origin/s.m3u8", "", 5*time.Second)
	want := []string{"-re", "-timeout", "5000000", "-i", "http://origin/s.m3u8", "-codec", "copy", "-f", "mpegts", "pipe:"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("no proxy:\n got %v\nwant %v", got, want)
	}
	got = BuildFFmpegArgs(template, "http://origin/s.m3u8", "http://proxy:3128", 5*time.Second)
	if got[1] != "-http_proxy" || got[2] != "http://proxy:3128" {
		t.Errorf("with proxy: %v", got)
	}
}

func TestPipeDirectStreams(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 188*100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	d := &Dispatcher{Table: NewTable(), StartupGrace: time.Second}
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	var buf bytes.Buffer
	err := d.Pipe(context.Background(), &buf, s, srv.URL, ModeDirect, "")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("got %d bytes, want %d", buf.Len(), len(payload))
	}
	if s.State() != StateClosed || s.BytesOut() != int64(len(payload)) {
		t.Fatalf("state=%s bytes=%d", s.State(), s.BytesOut())
	}
}

func TestPipeDirectStartupTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := &Dispatcher{Table: NewTable(), StartupGrace: 200 * time.Millisecond}
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	var buf bytes.Buffer
	start := time.Now()
	err := d.Pipe(context.Background(), &buf, s, srv.URL, ModeDirect, "")
	if !errors.Is(err, ErrStartup) {
		t.Fatalf("err = %v, want ErrStartup", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond+100*time.Millisecond {
		t.Errorf("startup failure took %s", elapsed)
	}
	if s.State() != StateFailover {
		t.Errorf("state = %s", s.State())
	}
}

func TestPipeDirectBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	d := &Dispatcher{Table: NewTable(), StartupGrace: time.Second}
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	if err := d.Pipe(context.Background(), &bytes.Buffer{}, s, srv.URL, ModeDirect, ""); !errors.Is(err, ErrStartup) {
		t.Fatalf("err = %v, want ErrStartup", err)
	}
}

func TestPipeDirectRejectsNonHTTP(t *testing.T) {
	d := &Dispatcher{Table: NewTable()}
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	err := d.Pipe(context.Background(), &bytes.Buffer{}, s, "file:///etc/passwd", ModeDirect, "")
	if err == nil || errors.Is(err, ErrStartup) {
		t.Fatalf("err = %v", err)
	}
	if s.State() != StateErrored {
		t.Errorf("state = %s", s.State())
	}
}

func TestPipeCancellationLatency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		for {
			if _, err := w.Write(bytes.Repeat([]byte{0x47}, 188)); err != nil {
				return
			}
			f.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	grace := 300 * time.Millisecond
	d := &Dispatcher{Table: NewTable(), StartupGrace: grace}
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var buf syncBuffer
	go func() { done <- d.Pipe(ctx, &buf, s, srv.URL, ModeDirect, "") }()

	// Let a few chunks flow, then hang up.
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(grace + 100*time.Millisecond):
		t.Fatal("cancellation did not unwind in time")
	}
	if elapsed := time.Since(start); elapsed > grace+100*time.Millisecond {
		t.Errorf("teardown took %s", elapsed)
	}
	if s.BytesOut() == 0 {
		t.Error("no bytes flowed before cancel")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

func TestFFmpegKillEscalation(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh and POSIX signals")
	}
	// A child that ignores SIGTERM: teardown must escalate to SIGKILL after
	// KillTimeout instead of blocking on Wait forever.
	script := filepath.Join(t.TempDir(), "ffmpeg-stub.sh")
	body := "#!/bin/sh\ntrap '' TERM\necho streamdata\nsleep 30\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	d := &Dispatcher{
		Table:        NewTable(),
		FFmpegPath:   script,
		Template:     "-i <url>",
		StartupGrace: 2 * time.Second,
		KillTimeout:  300 * time.Millisecond,
	}
	s := NewSession("p1", "100", "00:1A:79:00:00:01", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var buf syncBuffer
	done := make(chan error, 1)
	go func() { done <- d.Pipe(ctx, &buf, s, "http://origin/s.m3u8", ModeFFmpeg, "") }()

	deadline := time.Now().Add(2 * time.Second)
	for s.BytesOut() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.BytesOut() == 0 {
		t.Fatal("no bytes from child before cancel")
	}

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("teardown never finished; SIGKILL escalation did not fire")
	}
	if elapsed := time.Since(start); elapsed > d.KillTimeout+time.Second {
		t.Errorf("teardown took %s", elapsed)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

package dispatch

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/snapetech/macbridge/internal/logging"
)

// ErrStartup means the upstream produced no data within the startup grace.
// Before the first byte reaches the client a session is still eligible for
// failover to another MAC or alternate channel id.
var ErrStartup = errors.New("no stream data before startup deadline")

const (
	defaultStartupGrace = 3 * time.Second
	defaultKillTimeout  = 5 * time.Second
	stderrRingSize      = 50
	copyChunk           = 64 * 1024
)

// stderrRing keeps the last lines of ffmpeg stderr for error reports.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *stderrRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > stderrRingSize {
		r.lines = r.lines[len(r.lines)-stderrRingSize:]
	}
}

func (r *stderrRing) tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

// BuildFFmpegArgs expands the operator's command template. <url> is the
// upstream stream, <timeout> the microsecond socket timeout, <proxy> an
// optional forward proxy (dropped with its flag when empty).
func BuildFFmpegArgs(template, url, proxy string, timeout time.Duration) []string {
	micros := int64(timeout / time.Microsecond)
	fields := strings.Fields(template)
	var out []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case strings.Contains(f, "<proxy>"):
			if proxy == "" {
				// Drop the flag that precedes the empty value.
				if len(out) > 0 && strings.HasPrefix(out[len(out)-1], "-") {
					out = out[:len(out)-1]
				}
				continue
			}
			out = append(out, strings.ReplaceAll(f, "<proxy>", proxy))
		case strings.Contains(f, "<timeout>"):
			out = append(out, strings.ReplaceAll(f, "<timeout>", intToStr(micros)))
		case strings.Contains(f, "<url>"):
			out = append(out, strings.ReplaceAll(f, "<url>", url))
		default:
			out = append(out, f)
		}
	}
	return out
}

func intToStr(v int64) string {
	if v <= 0 {
		return "5000000"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// runFFmpeg spawns ffmpeg and copies its stdout to w. The first read must
// land within grace or the run fails with ErrStartup. On context cancel the
// child gets SIGTERM, then SIGKILL after killTimeout.
func (d *Dispatcher) runFFmpeg(ctx context.Context, w io.Writer, s *Session, args []string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.Command(d.ffmpegBin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	ring := &stderrRing{}
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 16*1024), 64*1024)
		for sc.Scan() {
			ring.add(sc.Text())
		}
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(d.killTimeout()):
				cmd.Process.Kill()
			}
		case <-done:
		}
	}()

	err = d.copyWithGrace(runCtx, w, stdout, s)
	cancel()
	// done closes only after Wait returns, so the signal goroutine still
	// escalates to SIGKILL when the child ignores SIGTERM.
	waitErr := cmd.Wait()
	close(done)
	if err != nil {
		if errors.Is(err, ErrStartup) {
			logging.Warnf("dispatch: session=%s ffmpeg produced no data: %s", s.ID, lastLine(ring.tail()))
		}
		return err
	}
	// Client hung up or stream ended; either way the child exiting after a
	// kill signal is expected.
	if waitErr != nil && ctx.Err() == nil && s.BytesOut() == 0 {
		return errors.New("ffmpeg: " + lastLine(ring.tail()))
	}
	return nil
}

func lastLine(tail string) string {
	lines := strings.Split(strings.TrimSpace(tail), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// copyWithGrace relays src to w. The startup deadline covers only the wait
// for the first chunk; once bytes flow the stream runs until EOF or cancel.
func (d *Dispatcher) copyWithGrace(ctx context.Context, w io.Writer, src io.Reader, s *Session) error {
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk, 4)
	go func() {
		for {
			buf := make([]byte, copyChunk)
			n, err := src.Read(buf)
			c := chunk{err: err}
			if n > 0 {
				c.data = buf[:n]
			}
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	first := true
	startupTimer := time.NewTimer(d.startupGrace())
	defer startupTimer.Stop()
	flusher, _ := w.(interface{ Flush() })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-startupTimer.C:
			if first {
				return ErrStartup
			}
		case c := <-chunks:
			if len(c.data) > 0 {
				if first {
					first = false
					startupTimer.Stop()
					s.setState(StatePiping)
				}
				if _, werr := w.Write(c.data); werr != nil {
					return nil // client gone
				}
				s.AddBytes(int64(len(c.data)))
				if flusher != nil {
					flusher.Flush()
				}
			}
			if c.err != nil {
				if first {
					return ErrStartup
				}
				return nil
			}
		}
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/snapetech/macbridge/internal/httpclient"
	"github.com/snapetech/macbridge/internal/logging"
	"github.com/snapetech/macbridge/internal/safeurl"
)

// Mode selects how upstream bytes reach the client.
type Mode string

const (
	// ModeFFmpeg remuxes through an ffmpeg child process.
	ModeFFmpeg Mode = "ffmpeg"
	// ModeDirect proxies the upstream HTTP stream without transcoding.
	ModeDirect Mode = "direct"
)

// Dispatcher runs playback sessions.
type Dispatcher struct {
	Table *Table

	FFmpegPath  string
	FFprobePath string

	// Template is the ffmpeg argument template with <url>, <timeout>,
	// <proxy> placeholders.
	Template string

	StartupGrace time.Duration
	KillTimeout  time.Duration

	// Timeout feeds the <timeout> template placeholder (ffmpeg socket
	// timeout, passed as microseconds).
	Timeout time.Duration

	// Client for direct-mode proxying.
	Client *http.Client
}

func (d *Dispatcher) ffmpegBin() string {
	if d.FFmpegPath != "" {
		return d.FFmpegPath
	}
	return "ffmpeg"
}

func (d *Dispatcher) ffprobeBin() string {
	if d.FFprobePath != "" {
		return d.FFprobePath
	}
	return "ffprobe"
}

func (d *Dispatcher) startupGrace() time.Duration {
	if d.StartupGrace > 0 {
		return d.StartupGrace
	}
	return defaultStartupGrace
}

func (d *Dispatcher) killTimeout() time.Duration {
	if d.KillTimeout > 0 {
		return d.KillTimeout
	}
	return defaultKillTimeout
}

func (d *Dispatcher) socketTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 5 * time.Second
}

func (d *Dispatcher) httpClient() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return httpclient.Streaming()
}

// Pipe streams url to w under the chosen mode. The caller owns slot
// accounting; Pipe only moves bytes and the session state machine. A nil
// return means the client got data and the stream ended normally (including
// client disconnect). ErrStartup means failover is still possible.
func (d *Dispatcher) Pipe(ctx context.Context, w io.Writer, s *Session, url string, mode Mode, proxy string) error {
	var err error
	switch mode {
	case ModeDirect:
		err = d.pipeDirect(ctx, w, s, url)
	default:
		args := BuildFFmpegArgs(d.Template, url, proxy, d.socketTimeout())
		err = d.runFFmpeg(ctx, w, s, args)
	}
	switch {
	case err == nil:
		s.setState(StateClosed)
	case errors.Is(err, ErrStartup):
		s.setState(StateFailover)
	case errors.Is(err, context.Canceled):
		s.setState(StateClosed)
	default:
		s.setState(StateErrored)
	}
	return err
}

func (d *Dispatcher) pipeDirect(ctx context.Context, w io.Writer, s *Session, url string) error {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return errors.New("refusing non-http upstream " + url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return ErrStartup
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ErrStartup
	}
	return d.copyWithGrace(ctx, w, resp.Body, s)
}

// ProbeResult is the subset of ffprobe output the pre-test needs.
type ProbeResult struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// Pretest asks ffprobe whether the URL actually carries a video stream.
// Used before committing a MAC slot to a stream that may be dead.
func (d *Dispatcher) Pretest(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, d.ffprobeBin(),
		"-v", "quiet", "-print_format", "json", "-show_streams", url)
	out, err := cmd.Output()
	if err != nil {
		return errors.New("ffprobe: stream not reachable")
	}
	var res ProbeResult
	if err := json.Unmarshal(out, &res); err != nil {
		return errors.New("ffprobe: unparseable output")
	}
	for _, st := range res.Streams {
		if st.CodecType == "video" {
			return nil
		}
	}
	logging.Debugf("dispatch: pretest found no video stream at %s", url)
	return errors.New("ffprobe: no video stream")
}

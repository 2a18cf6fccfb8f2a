package stalker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/portal.php", "00:1a:79:aa:bb:cc", Options{Timeout: 2 * time.Second})
}

func TestTokenHandshake(t *testing.T) {
	var gotUA, gotCookie string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, `{"js":{"token":"tok123"}}`)
	})
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "tok123" {
		t.Errorf("token = %q", tok)
	}
	if !strings.Contains(gotUA, "MAG200") {
		t.Errorf("missing STB user agent, got %q", gotUA)
	}
	if !strings.Contains(gotCookie, "mac=00%3A1A%3A79%3AAA%3ABB%3ACC") {
		t.Errorf("cookie missing uppercased mac: %q", gotCookie)
	}
}

func TestTokenAuthFailedNotRetried(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.Token(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if calls != 1 {
		t.Errorf("auth failure retried: %d calls", calls)
	}
}

func TestThrottledRetried(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"js":{"token":"tok"}}`)
	})
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestThrottledBudgetExhausted(t *testing.T) {
	var calls int
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.Token(context.Background())
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
	if calls != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestAllChannelsPaginatesAndDedupes(t *testing.T) {
	pages := map[string]string{
		"":  `{"js":{"data":[{"id":1,"name":"One","cmd":"ffmpeg http://localhost/ch/1"},{"id":"2","name":"Two","cmd":"ffmpeg http://origin/2.m3u8"}]}}`,
		"1": `{"js":{"data":[{"id":2,"name":"Two dup"},{"id":3,"name":"Three"}]}}`,
		"2": `{"js":{"data":[{"id":"3","name":"Three again"}]}}`,
	}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pages[r.URL.Query().Get("p")])
	})
	chs, err := c.AllChannels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(chs) != 3 {
		t.Fatalf("channels = %d, want 3 (dedup across pages)", len(chs))
	}
	if chs[0].ID.String() != "1" || chs[2].ID.String() != "3" {
		t.Errorf("ids = %v %v %v", chs[0].ID, chs[1].ID, chs[2].ID)
	}
}

func TestProfileLooseTypes(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{"watchdog_timeout":"900","playback_limit":2,"status":1}}`)
	})
	p, err := c.Profile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.WatchdogTimeout.Int() != 900 || p.PlaybackLimit.Int() != 2 {
		t.Errorf("profile = %+v", p)
	}
}

func TestStreamURL(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") != "create_link" {
			t.Errorf("unexpected action %q", r.URL.Query().Get("action"))
		}
		fmt.Fprint(w, `{"js":{"cmd":"ffmpeg http://origin.example/live/123.m3u8"}}`)
	})

	// Direct cmd: no portal round trip needed.
	u, err := c.StreamURL(context.Background(), "ffmpeg http://direct.example/9.m3u8")
	if err != nil || u != "http://direct.example/9.m3u8" {
		t.Errorf("direct cmd: url=%q err=%v", u, err)
	}

	// Localhost sentinel: resolved through create_link.
	u, err = c.StreamURL(context.Background(), "ffmpeg http://localhost/ch/123")
	if err != nil || u != "http://origin.example/live/123.m3u8" {
		t.Errorf("create_link: url=%q err=%v", u, err)
	}

	// Null sentinels.
	for _, cmd := range []string{"", "null", "NULL", "   "} {
		if _, err := c.StreamURL(context.Background(), cmd); !errors.Is(err, ErrNoLink) {
			t.Errorf("cmd %q: err = %v, want ErrNoLink", cmd, err)
		}
	}
}

func TestStreamURLCreateLinkNull(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{"cmd":null}}`)
	})
	_, err := c.StreamURL(context.Background(), "ffmpeg http://localhost/ch/5")
	if !errors.Is(err, ErrNoLink) {
		t.Errorf("err = %v, want ErrNoLink", err)
	}
}

func TestLastCmdToken(t *testing.T) {
	tests := []struct {
		cmd  string
		want string
		ok   bool
	}{
		{"ffmpeg http://a/b.m3u8", "http://a/b.m3u8", true},
		{"http://a/b.ts", "http://a/b.ts", true},
		{"auto https://a/b", "https://a/b", true},
		{"ffmpeg", "", false},
	}
	for _, tc := range tests {
		got, err := lastCmdToken(tc.cmd)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("lastCmdToken(%q) = %q, %v", tc.cmd, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("lastCmdToken(%q) should fail", tc.cmd)
		}
	}
}

func TestEPGPayload(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"js":{"data":{"12":[{"name":"News","descr":"d","start_timestamp":1700000000,"stop_timestamp":"1700003600"}]}}}`)
	})
	epg, err := c.EPG(context.Background(), 24)
	if err != nil {
		t.Fatal(err)
	}
	rows := epg["12"]
	if len(rows) != 1 || rows[0].Name.String() != "News" || rows[0].StopTimestamp.Int() != 1700003600 {
		t.Errorf("epg rows = %+v", rows)
	}
}

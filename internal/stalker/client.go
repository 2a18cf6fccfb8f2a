// Package stalker speaks the Stalker/MAG portal JSON protocol for one
// (portal URL, MAC) pair. Clients are cheap to construct and are built per
// call site; tokens live only for the client's lifetime.
package stalker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	// MAG250 firmware UA; portals gate on it.
	stbUserAgent  = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"
	stbXUserAgent = "Model: MAG250; Link: WiFi"

	DefaultTimeout = 10 * time.Second

	maxAttempts = 3
)

// per-portal rate limiters so a catalog refresh cannot hammer one portal.
var (
	limMu    sync.Mutex
	limiters = map[string]*rate.Limiter{}
)

func limiterFor(base string) *rate.Limiter {
	limMu.Lock()
	defer limMu.Unlock()
	l, ok := limiters[base]
	if !ok {
		l = rate.NewLimiter(rate.Limit(10), 20)
		limiters[base] = l
	}
	return l
}

// Client talks to one portal handler URL with one MAC.
type Client struct {
	baseURL  string // handler URL, e.g. http://host/portal.php
	mac      string
	timezone string
	http     *http.Client
	limiter  *rate.Limiter

	mu    sync.Mutex
	token string
}

// Options tunes a Client. Zero values give sane defaults.
type Options struct {
	Proxy    string        // optional http(s) proxy URL
	Timezone string        // sent in the Cookie; default Europe/London
	Timeout  time.Duration // per-call timeout; default 10s
}

// New builds a client for the portal handler URL and MAC.
func New(portalURL, mac string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.Proxy != "" {
		if pu, err := url.Parse(opts.Proxy); err == nil {
			tr.Proxy = http.ProxyURL(pu)
		}
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "Europe/London"
	}
	return &Client{
		baseURL:  strings.TrimSpace(portalURL),
		mac:      strings.ToUpper(strings.TrimSpace(mac)),
		timezone: tz,
		http:     &http.Client{Timeout: timeout, Transport: tr},
		limiter:  limiterFor(portalURL),
	}
}

// MAC returns the credential this client was built with.
func (c *Client) MAC() string { return c.mac }

// ─── raw JSON shapes ───

// flexString tolerates the portal's loose typing: strings, numbers, null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	t := strings.TrimSpace(string(b))
	if t == "null" {
		*s = ""
		return nil
	}
	if len(t) >= 2 && t[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(t)
	return nil
}

func (s flexString) String() string { return string(s) }

// flexInt tolerates ints encoded as strings.
type flexInt int

func (n *flexInt) UnmarshalJSON(b []byte) error {
	t := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if t == "" || t == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexInt(int(f))
	return nil
}

func (n flexInt) Int() int { return int(n) }

type envelope struct {
	Js json.RawMessage `json:"js"`
}

// Channel is one raw channel row from get_all_channels.
type Channel struct {
	ID      flexString `json:"id"`
	Name    flexString `json:"name"`
	Number  flexString `json:"number"`
	GenreID flexString `json:"tv_genre_id"`
	Logo    flexString `json:"logo"`
	Cmd     flexString `json:"cmd"`
}

// Genre is one portal genre.
type Genre struct {
	ID    flexString `json:"id"`
	Title flexString `json:"title"`
}

// Profile is the subset of get_profile the rest of the system consumes.
type Profile struct {
	WatchdogTimeout flexInt    `json:"watchdog_timeout"`
	PlaybackLimit   flexInt    `json:"playback_limit"`
	Status          flexString `json:"status"`
}

// Programme is one raw EPG row from the portal.
type Programme struct {
	Name           flexString `json:"name"`
	Descr          flexString `json:"descr"`
	StartTimestamp flexInt    `json:"start_timestamp"`
	StopTimestamp  flexInt    `json:"stop_timestamp"`
}

// ─── transport ───

func (c *Client) headers(req *http.Request, authed bool) {
	req.Header.Set("User-Agent", stbUserAgent)
	req.Header.Set("X-User-Agent", stbXUserAgent)
	req.Header.Set("Referer", baseRef(c.baseURL))
	req.Header.Set("Cookie", "mac="+url.QueryEscape(c.mac)+"; stb_lang=en; timezone="+url.QueryEscape(c.timezone)+";")
	if authed {
		c.mu.Lock()
		tok := c.token
		c.mu.Unlock()
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func baseRef(handlerURL string) string {
	u, err := url.Parse(handlerURL)
	if err != nil {
		return handlerURL
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String()
}

// call performs one portal request with the retry policy: up to 3 attempts,
// 250ms initial backoff, x4 growth, 20% jitter. Only unreachable and
// throttled outcomes are retried.
func (c *Client) call(ctx context.Context, authed bool, params url.Values) (json.RawMessage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 4
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 4 * time.Second

	var out json.RawMessage
	op := func() error {
		raw, err := c.callOnce(ctx, authed, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = raw
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrThrottled)
}

func (c *Client) callOnce(ctx context.Context, authed bool, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	u := c.baseURL
	if strings.Contains(u, "?") {
		u += "&" + params.Encode()
	} else {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	c.headers(req, authed)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: HTTP %d", ErrThrottled, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrAuthFailed, err)
	}
	if len(env.Js) == 0 {
		return nil, fmt.Errorf("%w: empty js payload", ErrAuthFailed)
	}
	return env.Js, nil
}

// ─── operations ───

// Token performs the handshake and caches the token for subsequent calls.
func (c *Client) Token(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "handshake")
	params.Set("token", "")
	params.Set("JsHttpRequest", "1-xml")
	js, err := c.call(ctx, false, params)
	if err != nil {
		return "", err
	}
	var v struct {
		Token flexString `json:"token"`
	}
	if err := json.Unmarshal(js, &v); err != nil || v.Token == "" {
		return "", fmt.Errorf("%w: handshake returned no token", ErrAuthFailed)
	}
	c.mu.Lock()
	c.token = v.Token.String()
	c.mu.Unlock()
	return v.Token.String(), nil
}

// Profile fetches the account profile; called opportunistically after Token
// so the MAC record can be refreshed.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "get_profile")
	params.Set("hd", "1")
	params.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	params.Set("JsHttpRequest", "1-xml")
	js, err := c.call(ctx, true, params)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(js, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed profile: %v", ErrAuthFailed, err)
	}
	return &p, nil
}

// Expiry fetches the subscription end date as the portal prints it.
// Best-effort: a portal that does not expose it yields "".
func (c *Client) Expiry(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("type", "account_info")
	params.Set("action", "get_main_info")
	params.Set("JsHttpRequest", "1-xml")
	js, err := c.call(ctx, true, params)
	if err != nil {
		return "", err
	}
	var v struct {
		Phone   flexString `json:"phone"`
		EndDate flexString `json:"end_date"`
	}
	if err := json.Unmarshal(js, &v); err != nil {
		return "", nil
	}
	if v.Phone != "" {
		return v.Phone.String(), nil
	}
	return v.EndDate.String(), nil
}

// AllChannels lists the full channel inventory. Pages with p=N until a page
// contributes no new ids; rows are deduplicated by id within the response.
func (c *Client) AllChannels(ctx context.Context) ([]Channel, error) {
	seen := map[string]struct{}{}
	var out []Channel
	for page := 0; ; page++ {
		params := url.Values{}
		params.Set("type", "itv")
		params.Set("action", "get_all_channels")
		params.Set("JsHttpRequest", "1-xml")
		if page > 0 {
			params.Set("p", strconv.Itoa(page))
		}
		js, err := c.call(ctx, true, params)
		if err != nil {
			return nil, err
		}
		rows, err := decodeChannelPage(js)
		if err != nil {
			return nil, err
		}
		added := 0
		for _, ch := range rows {
			id := ch.ID.String()
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, ch)
			added++
		}
		if added == 0 {
			break
		}
	}
	return out, nil
}

func decodeChannelPage(js json.RawMessage) ([]Channel, error) {
	// Some portals wrap the rows in {data: [...]}, others return the array.
	var wrapped struct {
		Data []Channel `json:"data"`
	}
	if err := json.Unmarshal(js, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}
	var plain []Channel
	if err := json.Unmarshal(js, &plain); err == nil {
		return plain, nil
	}
	return nil, fmt.Errorf("%w: unrecognized channel listing shape", ErrAuthFailed)
}

// Genres lists the portal's channel categories.
func (c *Client) Genres(ctx context.Context) ([]Genre, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "get_genres")
	params.Set("JsHttpRequest", "1-xml")
	js, err := c.call(ctx, true, params)
	if err != nil {
		return nil, err
	}
	var out []Genre
	if err := json.Unmarshal(js, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed genres: %v", ErrAuthFailed, err)
	}
	return out, nil
}

// StreamURL resolves a channel cmd to a playable URL. Cmds pointing at the
// portal's localhost sentinel need a create_link round trip; anything else
// already embeds the URL as its last token. An empty or "null" result is
// ErrNoLink.
func (c *Client) StreamURL(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.EqualFold(cmd, "null") {
		return "", ErrNoLink
	}
	if strings.Contains(cmd, "http://localhost/") {
		return c.createLink(ctx, cmd)
	}
	return lastCmdToken(cmd)
}

func (c *Client) createLink(ctx context.Context, cmd string) (string, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "create_link")
	params.Set("cmd", cmd)
	params.Set("series", "")
	params.Set("forced_storage", "undefined")
	params.Set("disable_ad", "0")
	params.Set("JsHttpRequest", "1-xml")
	js, err := c.call(ctx, true, params)
	if err != nil {
		return "", err
	}
	var v struct {
		Cmd flexString `json:"cmd"`
	}
	if err := json.Unmarshal(js, &v); err != nil {
		return "", fmt.Errorf("%w: malformed create_link: %v", ErrAuthFailed, err)
	}
	if v.Cmd == "" || strings.EqualFold(v.Cmd.String(), "null") {
		return "", ErrNoLink
	}
	return lastCmdToken(v.Cmd.String())
}

// lastCmdToken extracts the URL from a cmd like "ffmpeg http://...".
func lastCmdToken(cmd string) (string, error) {
	fields := strings.Fields(cmd)
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.HasPrefix(fields[i], "http://") || strings.HasPrefix(fields[i], "https://") {
			return fields[i], nil
		}
	}
	return "", ErrNoLink
}

// EPG fetches the portal's programme data for the given look-ahead period in
// hours, keyed by portal channel id.
func (c *Client) EPG(ctx context.Context, periodHours int) (map[string][]Programme, error) {
	if periodHours <= 0 {
		periodHours = 24
	}
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "get_epg_info")
	params.Set("period", strconv.Itoa(periodHours))
	params.Set("JsHttpRequest", "1-xml")
	js, err := c.call(ctx, true, params)
	if err != nil {
		return nil, err
	}
	var v struct {
		Data map[string][]Programme `json:"data"`
	}
	if err := json.Unmarshal(js, &v); err != nil {
		return nil, fmt.Errorf("%w: malformed epg payload: %v", ErrAuthFailed, err)
	}
	return v.Data, nil
}

// ResolveHandlerURL probes the well-known Stalker handler locations for a
// portal given as a bare host or landing URL. Returns the first handler that
// answers a handshake.
func ResolveHandlerURL(ctx context.Context, portalURL string, opts Options) (string, error) {
	portalURL = strings.TrimSuffix(strings.TrimSpace(portalURL), "/")
	if strings.HasSuffix(portalURL, ".php") {
		return portalURL, nil
	}
	u, err := url.Parse(portalURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: bad portal url %q", ErrAuthFailed, portalURL)
	}
	base := u.Scheme + "://" + u.Host
	var lastErr error
	for _, p := range []string{"/portal.php", "/stalker_portal/server/load.php", "/server/load.php", "/c/portal.php"} {
		candidate := base + p
		probe := New(candidate, "00:1A:79:00:00:00", opts)
		if _, err := probe.Token(ctx); err == nil {
			return candidate, nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = ErrUnreachable
	}
	return "", fmt.Errorf("no stalker handler found at %s: %w", portalURL, lastErr)
}

package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy governs re-attempts for bulk downloads (guide feeds, station
// logos). Public XMLTV mirrors throttle aggressively and flap through their
// CDNs, so the policy centers on honoring Retry-After rather than hammering.
type RetryPolicy struct {
	// Attempts is the total number of tries, the first included.
	Attempts int

	// ThrottleCap bounds a server-requested Retry-After wait. A mirror
	// asking for more than this gets its throttled response returned
	// as-is instead of blocking the refresh loop.
	ThrottleCap time.Duration

	// ServerErrDelay is the wait before re-trying a 5xx that carried no
	// Retry-After. It doubles per attempt.
	ServerErrDelay time.Duration
}

// DefaultRetryPolicy: three tries, server-requested waits capped at two
// minutes, bare 5xx retried after 2s then 4s.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	ThrottleCap:    2 * time.Minute,
	ServerErrDelay: 2 * time.Second,
}

// retryable reports whether the status is worth another attempt and how long
// to wait first. 429 and 503 honor Retry-After; other 5xx use the policy
// delay for the given attempt.
func (p RetryPolicy) retryable(resp *http.Response, attempt int) (time.Duration, bool) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable:
		wait := retryAfter(resp.Header.Get("Retry-After"))
		if wait > p.throttleCap() {
			return 0, false
		}
		if wait <= 0 {
			wait = p.serverErrDelay(attempt)
		}
		return wait, true
	case resp.StatusCode >= 500:
		return p.serverErrDelay(attempt), true
	}
	return 0, false
}

func (p RetryPolicy) throttleCap() time.Duration {
	if p.ThrottleCap > 0 {
		return p.ThrottleCap
	}
	return 2 * time.Minute
}

func (p RetryPolicy) serverErrDelay(attempt int) time.Duration {
	d := p.ServerErrDelay
	if d <= 0 {
		d = time.Second
	}
	return d << attempt
}

// DoWithRetry performs req, re-attempting throttled (429/503, honoring
// Retry-After) and failed (other 5xx) responses per policy. Transport errors
// return immediately; they usually mean the URL is wrong, not that the
// mirror is busy. Requests with a non-rewindable body never retry. Caller
// closes resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if req.Body != nil && req.GetBody == nil {
		attempts = 1
	}

	for attempt := 0; ; attempt++ {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if attempt == attempts-1 {
			return resp, nil
		}
		wait, again := policy.retryable(resp, attempt)
		if !again {
			return resp, nil
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}
	}
}

// retryAfter parses a Retry-After header, either delta-seconds or an
// HTTP-date. Zero means absent or unparseable.
func retryAfter(s string) time.Duration {
	if s == "" {
		return 0
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(s); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

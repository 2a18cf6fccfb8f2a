package stalker

import "errors"

// Sentinel errors for portal calls. Callers branch with errors.Is; wrapped
// errors carry the transport detail.
var (
	// ErrUnreachable: network/transport failure. Retried up to the attempt
	// budget, then surfaced.
	ErrUnreachable = errors.New("portal unreachable")

	// ErrAuthFailed: the portal answered but refused or returned an
	// unusable payload (missing token, HTTP 4xx other than 429). Never
	// retried.
	ErrAuthFailed = errors.New("portal auth failed")

	// ErrThrottled: HTTP 429 or 503. Retried with backoff.
	ErrThrottled = errors.New("portal throttled")

	// ErrNoLink: the portal returned its null/empty cmd sentinel for a
	// specific channel. The dispatcher fails over to the next MAC.
	ErrNoLink = errors.New("portal returned no link")
)

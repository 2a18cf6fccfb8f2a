// Package httpclient holds the process's shared HTTP clients and the retry
// and concurrency plumbing for talking to guide mirrors and stream origins.
package httpclient

import (
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds one-shot calls: portal API requests, logo
	// fetches, small downloads.
	DefaultTimeout = 30 * time.Second

	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var (
	defaultClient *http.Client
	streamClient  *http.Client
)

func init() {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: transport,
	}
	// A live stream runs for hours; an overall client timeout would cut it
	// off. Only the wait for response headers is bounded.
	streamClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
			IdleConnTimeout:       DefaultIdleConnTimeout,
			ResponseHeaderTimeout: 15 * time.Second,
		},
	}
}

// Default returns the shared client for short-lived calls.
func Default() *http.Client {
	return defaultClient
}

// Streaming returns the client for long-lived stream proxying: no overall
// deadline, headers due within 15s.
func Streaming() *http.Client {
	return streamClient
}

// WithTimeout returns a client sharing Default's transport tuning with a
// different overall timeout. Used for bulk feed downloads that legitimately
// run for minutes.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

package httpclient

import (
	"net/url"
	"strings"
	"sync"
)

// HostSemaphore caps concurrent requests per upstream host. Guide refreshes
// fan out in parallel, and several sources often live on the same mirror;
// without a cap one busy host eats every connection the refresh pool has.
type HostSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	per   int
}

// GlobalHostSem is the process-wide limiter for feed downloads: at most 4
// in-flight requests per host.
var GlobalHostSem = NewHostSemaphore(4)

// NewHostSemaphore allows up to per concurrent requests for each host.
func NewHostSemaphore(per int) *HostSemaphore {
	if per < 1 {
		per = 1
	}
	return &HostSemaphore{
		slots: make(map[string]chan struct{}),
		per:   per,
	}
}

// Acquire blocks until a slot for rawURL's host frees up and returns the
// release func. Call release exactly once, after the response body is done.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	slot := h.slotFor(hostKey(rawURL))
	slot <- struct{}{}
	return func() { <-slot }
}

// hostKey buckets URLs by host:port, case-folded. Scheme is ignored: the
// same mirror on http and https is still one mirror.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Host)
}

func (h *HostSemaphore) slotFor(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[key]
	if !ok {
		s = make(chan struct{}, h.per)
		h.slots[key] = s
	}
	return s
}

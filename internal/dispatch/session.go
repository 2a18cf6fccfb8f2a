// Package dispatch turns a resolved upstream URL into bytes on a client
// socket, tracking every active session and the per-MAC slot accounting the
// scheduler depends on.
package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State of one session. Transitions only move forward:
// accepted -> piping -> closed, or accepted -> failover -> ... -> errored.
type State string

const (
	StateAccepted State = "accepted"
	StatePiping   State = "piping"
	StateFailover State = "failover"
	StateClosed   State = "closed"
	StateErrored  State = "errored"
)

// Session is one client playback attempt.
type Session struct {
	ID         string
	PortalID   string
	ChannelID  string
	MAC        string
	ClientAddr string
	StartedAt  time.Time

	mu    sync.Mutex
	state State

	bytesOut atomic.Int64
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// AddBytes is called from the copy loop.
func (s *Session) AddBytes(n int64) { s.bytesOut.Add(n) }

// BytesOut read so far.
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Info is the read-only snapshot served on the streaming status page.
type Info struct {
	ID         string    `json:"id"`
	PortalID   string    `json:"portal_id"`
	ChannelID  string    `json:"channel_id"`
	MAC        string    `json:"mac"`
	ClientAddr string    `json:"client"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	BytesOut   int64     `json:"bytes_out"`
}

// Table tracks sessions and per-MAC occupancy. One mutex covers both so a
// reserve-then-register pair can never race a snapshot into inconsistency.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
	occupied map[string]int // portalID + "|" + MAC -> active count
}

func NewTable() *Table {
	return &Table{
		sessions: map[string]*Session{},
		occupied: map[string]int{},
	}
}

func slotKey(portalID, mac string) string { return portalID + "|" + mac }

// Reserve atomically claims a slot on (portal, mac) if fewer than limit are
// taken, registering the session under that MAC. Returns false with no side
// effects when the MAC is full.
func (t *Table) Reserve(s *Session, limit int) bool {
	if limit <= 0 {
		limit = 1
	}
	key := slotKey(s.PortalID, s.MAC)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.occupied[key] >= limit {
		return false
	}
	t.occupied[key]++
	t.sessions[s.ID] = s
	return true
}

// Move re-pins an existing session to another MAC during failover, releasing
// the old slot and claiming the new one in a single step.
func (t *Table) Move(s *Session, newMAC string, limit int) bool {
	if limit <= 0 {
		limit = 1
	}
	oldKey := slotKey(s.PortalID, s.MAC)
	newKey := slotKey(s.PortalID, newMAC)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.occupied[newKey] >= limit {
		return false
	}
	t.release(oldKey)
	t.occupied[newKey]++
	s.MAC = newMAC
	return true
}

// Release drops the session and frees its MAC slot. Idempotent.
func (t *Table) Release(s *Session) {
	key := slotKey(s.PortalID, s.MAC)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID]; !ok {
		return
	}
	delete(t.sessions, s.ID)
	t.release(key)
}

func (t *Table) release(key string) {
	if n := t.occupied[key]; n > 1 {
		t.occupied[key] = n - 1
	} else {
		delete(t.occupied, key)
	}
}

// Active returns the current occupancy of (portal, mac).
func (t *Table) Active(portalID, mac string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.occupied[slotKey(portalID, mac)]
}

// Snapshot lists all sessions for the status page, oldest first.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			ID:         s.ID,
			PortalID:   s.PortalID,
			ChannelID:  s.ChannelID,
			MAC:        s.MAC,
			ClientAddr: s.ClientAddr,
			State:      s.State(),
			StartedAt:  s.StartedAt,
			BytesOut:   s.BytesOut(),
		})
	}
	sortInfosByStart(out)
	return out
}

func sortInfosByStart(infos []Info) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].StartedAt.Before(infos[j-1].StartedAt); j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

// NewSession builds a session in the accepted state.
func NewSession(portalID, channelID, mac, clientAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		PortalID:   portalID,
		ChannelID:  channelID,
		MAC:        mac,
		ClientAddr: clientAddr,
		StartedAt:  time.Now(),
		state:      StateAccepted,
	}
}

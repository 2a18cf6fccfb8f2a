package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"

	"github.com/snapetech/macbridge/internal/logging"
)

// ─── config.json types ───

// MAC is one portal credential. Profile fields come from the portal on add
// and on each opportunistic refresh; 0 means the portal never reported them.
type MAC struct {
	Expiry          string `json:"expiry"`
	WatchdogTimeout int    `json:"watchdog_timeout"`
	PlaybackLimit   int    `json:"playback_limit"`
}

// ExpiryTime parses the portal-supplied expiry date. Zero time when missing
// or unparseable (treated as "never expires" by the scheduler).
func (m MAC) ExpiryTime() time.Time {
	s := m.Expiry
	if s == "" || s == "Unknown" {
		return time.Time{}
	}
	for _, layout := range []string{
		"January 2, 2006, 3:04 pm",
		"January 2, 2006",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Portal is one Stalker portal definition from config.json.
type Portal struct {
	Enabled        bool           `json:"enabled"`
	Name           string         `json:"name"`
	URL            string         `json:"url"`
	MACs           map[string]MAC `json:"macs"`
	StreamsPerMAC  int            `json:"streams per mac"`
	EPGOffset      int            `json:"epg offset"` // minutes added to programme times at emission
	Proxy          string         `json:"proxy"`
	FetchEPG       bool           `json:"fetch epg"`
	AutoNormalize  bool           `json:"auto normalize names"`
	AutoMatch      bool           `json:"auto match"`
	SelectedGenres []string       `json:"selected_genres"`
}

// EPGSource is one custom XMLTV feed from settings.
type EPGSource struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	Enabled       bool    `json:"enabled"`
	IntervalHours float64 `json:"interval_hours"`
}

// Settings is the typed view of the settings block. Keys keep the historical
// space-separated names so existing config files round-trip.
type Settings struct {
	StreamMethod  string `json:"stream method"`
	FFmpegCommand string `json:"ffmpeg command"`
	FFmpegTimeout int    `json:"ffmpeg timeout"`

	EPGRefreshHours     float64     `json:"epg refresh interval"`
	ChannelRefreshHours float64     `json:"channel refresh interval"`
	EPGFutureHours      int         `json:"epg future hours"`
	EPGPastHours        int         `json:"epg past hours"`
	EPGCustomSources    []EPGSource `json:"epg custom sources"`
	EPGRetentionHours   int         `json:"epg retention hours"`

	TestStreams bool `json:"test streams"`
	TryAllMACs  bool `json:"try all macs"`

	UseChannelGenres  bool `json:"use channel genres"`
	UseChannelNumbers bool `json:"use channel numbers"`
	SortByGenre       bool `json:"sort playlist by channel genre"`
	SortByNumber      bool `json:"sort playlist by channel number"`
	SortByName        bool `json:"sort playlist by channel name"`

	EnableHDHR bool   `json:"enable hdhr"`
	HDHRName   string `json:"hdhr name"`
	HDHRID     string `json:"hdhr id"`
	HDHRTuners int    `json:"hdhr tuners"`

	TagCountryCodes     string  `json:"tag country codes"`
	TagResolutionRules  string  `json:"tag resolution patterns"`
	TagVideoCodecRules  string  `json:"tag video codec patterns"`
	TagAudioRules       string  `json:"tag audio patterns"`
	TagEventRules       string  `json:"tag event patterns"`
	TagMiscRules        string  `json:"tag misc patterns"`
	TagHeaderRules      string  `json:"tag header patterns"`
	MatchThreshold      float64 `json:"match threshold"`
	StationsDBPath      string  `json:"stations db path"`
	ChannelDeleteTTLHrs int     `json:"channel delete ttl hours"`
	VacuumChannelsHours float64 `json:"vacuum channels interval hours"`
	VacuumEPGHours      float64 `json:"vacuum epg interval hours"`
}

// DefaultSettings are applied for any key missing from config.json.
func DefaultSettings() Settings {
	return Settings{
		StreamMethod:        "ffmpeg",
		FFmpegCommand:       "-re -http_proxy <proxy> -timeout <timeout> -i <url> -map 0 -codec copy -f mpegts -flush_packets 0 -fflags +nobuffer -flags low_delay -analyzeduration 0 -probesize 32 -copyts pipe:",
		FFmpegTimeout:       5,
		EPGRefreshHours:     0.5,
		ChannelRefreshHours: 24,
		EPGFutureHours:      24,
		EPGPastHours:        2,
		EPGRetentionHours:   48,
		TestStreams:         true,
		TryAllMACs:          true,
		UseChannelGenres:    true,
		UseChannelNumbers:   true,
		SortByNumber:        true,
		EnableHDHR:          true,
		HDHRName:            "macbridge",
		HDHRTuners:          10,
		MatchThreshold:      0.65,
		ChannelDeleteTTLHrs: 72,
	}
}

type document struct {
	Settings json.RawMessage            `json:"settings"`
	Portals  map[string]json.RawMessage `json:"portals"`
}

// Store is the config.json backing store. Reads are served from memory;
// writes rewrite the whole file atomically. Unknown keys in the file are
// preserved across read-modify-write.
type Store struct {
	path string

	mu          sync.RWMutex
	settings    Settings
	portals     map[string]Portal
	rawDoc      map[string]json.RawMessage // top-level unknown keys
	rawSettings map[string]json.RawMessage
	rawPortals  map[string]map[string]json.RawMessage

	onChange []func()
}

// OpenStore loads (or initializes) config.json at path. A corrupt file is
// renamed aside and replaced with defaults, matching operator expectations
// over a hard startup failure.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path:        path,
		portals:     map[string]Portal{},
		rawDoc:      map[string]json.RawMessage{},
		rawSettings: map[string]json.RawMessage{},
		rawPortals:  map[string]map[string]json.RawMessage{},
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	// Write back so defaults and coercions land on disk.
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	s.settings = DefaultSettings()
	s.portals = map[string]Portal{}
	s.rawDoc = map[string]json.RawMessage{}
	s.rawSettings = map[string]json.RawMessage{}
	s.rawPortals = map[string]map[string]json.RawMessage{}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		backup := s.path + ".corrupt." + time.Now().UTC().Format("20060102150405")
		if rerr := os.Rename(s.path, backup); rerr == nil {
			logging.Warnf("config: unreadable config.json moved to %s err=%v", backup, err)
		}
		return nil
	}
	for k, v := range top {
		if k == "settings" || k == "portals" {
			continue
		}
		s.rawDoc[k] = v
	}
	if raw, ok := top["settings"]; ok {
		_ = json.Unmarshal(raw, &s.rawSettings)
		if err := json.Unmarshal(raw, &s.settings); err != nil {
			logging.Warnf("config: settings block ignored err=%v", err)
			s.settings = DefaultSettings()
		}
	}
	if raw, ok := top["portals"]; ok {
		var portals map[string]json.RawMessage
		if err := json.Unmarshal(raw, &portals); err == nil {
			for id, praw := range portals {
				p := defaultPortal()
				if err := json.Unmarshal(praw, &p); err != nil {
					logging.Warnf("config: portal %s ignored err=%v", id, err)
					continue
				}
				if p.MACs == nil {
					p.MACs = map[string]MAC{}
				}
				s.portals[id] = p
				var extra map[string]json.RawMessage
				_ = json.Unmarshal(praw, &extra)
				s.rawPortals[id] = extra
			}
		}
	}
	return nil
}

func defaultPortal() Portal {
	return Portal{
		Enabled:       true,
		MACs:          map[string]MAC{},
		StreamsPerMAC: 1,
		FetchEPG:      true,
	}
}

// save writes the current state atomically, folding unknown keys back in.
// Caller must not hold s.mu.
func (s *Store) save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	settingsRaw, err := overlay(s.rawSettings, s.settings)
	if err != nil {
		return err
	}
	portalsOut := map[string]json.RawMessage{}
	for id, p := range s.portals {
		praw, err := overlay(s.rawPortals[id], p)
		if err != nil {
			return err
		}
		portalsOut[id] = praw
	}
	portalsRaw, err := json.Marshal(portalsOut)
	if err != nil {
		return err
	}
	top := map[string]json.RawMessage{}
	for k, v := range s.rawDoc {
		top[k] = v
	}
	top["settings"] = settingsRaw
	top["portals"] = portalsRaw
	data, err := json.MarshalIndent(top, "", "    ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.path, append(data, '\n'), 0o644)
}

// overlay marshals v and merges its keys over extra, so keys we do not model
// survive a read-modify-write.
func overlay(extra map[string]json.RawMessage, v interface{}) (json.RawMessage, error) {
	known, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return known, nil
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(extra)+len(knownMap))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range knownMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SaveSettings replaces the settings block and persists.
func (s *Store) SaveSettings(set Settings) error {
	s.mu.Lock()
	s.settings = set
	s.mu.Unlock()
	if err := s.save(); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Portals returns a copy of all portals keyed by id.
func (s *Store) Portals() map[string]Portal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Portal, len(s.portals))
	for id, p := range s.portals {
		out[id] = copyPortal(p)
	}
	return out
}

// Portal returns one portal by id.
func (s *Store) Portal(id string) (Portal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portals[id]
	if !ok {
		return Portal{}, false
	}
	return copyPortal(p), true
}

func copyPortal(p Portal) Portal {
	macs := make(map[string]MAC, len(p.MACs))
	for k, v := range p.MACs {
		macs[k] = v
	}
	p.MACs = macs
	p.SelectedGenres = append([]string(nil), p.SelectedGenres...)
	return p
}

// SavePortal creates or replaces a portal and persists.
func (s *Store) SavePortal(id string, p Portal) error {
	if id == "" {
		return fmt.Errorf("config: empty portal id")
	}
	if p.MACs == nil {
		p.MACs = map[string]MAC{}
	}
	if p.StreamsPerMAC <= 0 {
		p.StreamsPerMAC = 1
	}
	s.mu.Lock()
	s.portals[id] = copyPortal(p)
	s.mu.Unlock()
	if err := s.save(); err != nil {
		return err
	}
	s.notify()
	return nil
}

// DeletePortal removes a portal and persists. The catalog cascade is the
// caller's job.
func (s *Store) DeletePortal(id string) error {
	s.mu.Lock()
	delete(s.portals, id)
	delete(s.rawPortals, id)
	s.mu.Unlock()
	if err := s.save(); err != nil {
		return err
	}
	s.notify()
	return nil
}

// OnChange registers fn to run after any persisted mutation or external
// file change. Callbacks run on the mutating/watcher goroutine; keep them
// short.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	fns := append([]func(){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Watch reloads the store when config.json changes on disk (operator edits
// outside the API). Atomic replaces show up as Create in the parent dir, so
// the directory is watched, not the file. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	var debounce *time.Timer
	reload := func() {
		if err := s.load(); err != nil {
			logging.Errorf("config: reload failed err=%v", err)
			return
		}
		logging.Infof("config: reloaded %s", s.path)
		s.notify()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Coalesce bursts from editors that write in several syscalls.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("config: watcher err=%v", err)
		}
	}
}

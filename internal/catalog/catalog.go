// Package catalog is the durable channel store: channels, groups, per-portal
// stats, and EPG source metadata in one SQLite database. Writes are
// serialized per portal; readers go straight to the database.
package catalog

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Channel is one catalog row.
type Channel struct {
	PortalID   string
	ChannelID  string
	PortalName string

	// Raw portal fields.
	Name    string
	Number  string
	Genre   string
	GenreID string
	Logo    string
	Cmd     string

	// Operator overrides.
	CustomName   string
	CustomNumber string
	CustomGenre  string
	CustomEPGID  string
	Enabled      bool

	// Derived by the normalizer.
	AutoName    string
	DisplayName string
	Resolution  string
	VideoCodec  string
	Country     string
	AudioTags   []string
	EventTags   []string
	MiscTags    []string
	IsHeader    bool
	IsEvent     bool
	IsRaw       bool

	// Derived by the matcher.
	MatchedName      string
	MatchedSource    string
	MatchedStationID string
	MatchedCallSign  string
	MatchedLogo      string
	MatchedScore     float64

	AvailableMACs []string
	AlternateIDs  []string

	Hash string

	// Soft-delete bookkeeping: MissingSince is zero while the channel is
	// present in the portal listing. PriorEnabled preserves the operator's
	// enabled choice across a disappearance.
	MissingSince time.Time
	PriorEnabled bool
}

// EffectiveDisplayName resolves custom_name ?: auto_name ?: name.
func (c *Channel) EffectiveDisplayName() string {
	if c.CustomName != "" {
		return c.CustomName
	}
	if c.AutoName != "" {
		return c.AutoName
	}
	return c.Name
}

// EffectiveEPGID resolves custom_epg_id ?: matched_station_id ?: a stable
// per-channel fallback.
func (c *Channel) EffectiveEPGID() string {
	if c.CustomEPGID != "" {
		return c.CustomEPGID
	}
	if c.MatchedStationID != "" {
		return c.MatchedStationID
	}
	return c.PortalID + "." + c.ChannelID
}

// EffectiveNumber resolves custom_number ?: number.
func (c *Channel) EffectiveNumber() string {
	if c.CustomNumber != "" {
		return c.CustomNumber
	}
	return c.Number
}

// EffectiveGenre resolves custom_genre ?: genre.
func (c *Channel) EffectiveGenre() string {
	if c.CustomGenre != "" {
		return c.CustomGenre
	}
	return c.Genre
}

// HashOf fingerprints the raw portal fields. A changed hash is what triggers
// re-normalization and re-matching on refresh.
func HashOf(name, number, genre, genreID, logo, cmd string) string {
	h := sha256.Sum256([]byte(name + "|" + number + "|" + genre + "|" + genreID + "|" + logo + "|" + cmd))
	return hex.EncodeToString(h[:])
}

// Group is one portal genre with its activation flag.
type Group struct {
	PortalID     string
	GenreID      string
	Name         string
	ChannelCount int
	Active       bool
}

// PortalStats is the denormalized per-portal summary.
type PortalStats struct {
	PortalID       string
	PortalName     string
	TotalChannels  int
	ActiveChannels int
	TotalGroups    int
	ActiveGroups   int
	UpdatedAt      string
}

// EPGSourceMeta is the epg_sources row for one feed.
type EPGSourceMeta struct {
	SourceID      string
	Name          string
	URL           string
	SourceType    string // "portal" or "custom"
	Enabled       bool
	IntervalHours float64
	LastFetch     time.Time
	LastRefresh   time.Time
}

// EPGChannel is per-source channel metadata from an XMLTV feed.
type EPGChannel struct {
	SourceID    string
	ChannelID   string
	DisplayName string
	Icon        string
	LCN         string
	AltNames    []string
}

// Store wraps the catalog database.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	portalMu map[string]*sync.Mutex
}

// Open opens (or creates) the catalog database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	s := &Store{db: db, portalMu: map[string]*sync.Mutex{}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only consumers (emitters).
func (s *Store) DB() *sql.DB { return s.db }

// Vacuum reclaims space after hard deletes.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// lockPortal serializes writers per portal. Returns the unlock func.
func (s *Store) lockPortal(portalID string) func() {
	s.mu.Lock()
	m, ok := s.portalMu[portalID]
	if !ok {
		m = &sync.Mutex{}
		s.portalMu[portalID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			portal_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			portal_name TEXT,
			name TEXT,
			number TEXT,
			genre TEXT,
			genre_id TEXT,
			logo TEXT,
			cmd TEXT,
			custom_name TEXT DEFAULT '',
			custom_number TEXT DEFAULT '',
			custom_genre TEXT DEFAULT '',
			custom_epg_id TEXT DEFAULT '',
			enabled INTEGER DEFAULT 0,
			auto_name TEXT DEFAULT '',
			display_name TEXT DEFAULT '',
			resolution TEXT DEFAULT '',
			video_codec TEXT DEFAULT '',
			country TEXT DEFAULT '',
			audio_tags TEXT DEFAULT '',
			event_tags TEXT DEFAULT '',
			misc_tags TEXT DEFAULT '',
			is_header INTEGER DEFAULT 0,
			is_event INTEGER DEFAULT 0,
			is_raw INTEGER DEFAULT 0,
			matched_name TEXT DEFAULT '',
			matched_source TEXT DEFAULT '',
			matched_station_id TEXT DEFAULT '',
			matched_call_sign TEXT DEFAULT '',
			matched_logo TEXT DEFAULT '',
			matched_score REAL DEFAULT 0,
			available_macs TEXT DEFAULT '',
			alternate_ids TEXT DEFAULT '',
			channel_hash TEXT DEFAULT '',
			missing_since INTEGER,
			prior_enabled INTEGER DEFAULT 0,
			PRIMARY KEY (portal_id, channel_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_enabled ON channels(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_portal ON channels(portal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_genre ON channels(portal_id, genre_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_name ON channels(name)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_missing ON channels(missing_since)`,

		`CREATE TABLE IF NOT EXISTS groups (
			portal_id TEXT NOT NULL,
			genre_id TEXT NOT NULL,
			name TEXT,
			channel_count INTEGER DEFAULT 0,
			active INTEGER DEFAULT 1,
			PRIMARY KEY (portal_id, genre_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_groups_active ON groups(portal_id, active)`,

		`CREATE TABLE IF NOT EXISTS portal_stats (
			portal_id TEXT PRIMARY KEY,
			portal_name TEXT,
			total_channels INTEGER DEFAULT 0,
			active_channels INTEGER DEFAULT 0,
			total_groups INTEGER DEFAULT 0,
			active_groups INTEGER DEFAULT 0,
			updated_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS group_stats (
			portal_id TEXT NOT NULL,
			portal_name TEXT,
			group_name TEXT NOT NULL,
			channel_count INTEGER DEFAULT 0,
			updated_at TEXT,
			PRIMARY KEY (portal_id, group_name)
		)`,

		`CREATE TABLE IF NOT EXISTS channel_tags (
			portal_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			tag_type TEXT NOT NULL,
			tag_value TEXT NOT NULL,
			PRIMARY KEY (portal_id, channel_id, tag_type, tag_value)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_tags_type ON channel_tags(tag_type, tag_value)`,

		`CREATE TABLE IF NOT EXISTS epg_sources (
			source_id TEXT PRIMARY KEY,
			name TEXT,
			url TEXT,
			source_type TEXT,
			enabled INTEGER DEFAULT 1,
			interval_hours REAL,
			last_fetch REAL,
			last_refresh REAL
		)`,

		`CREATE TABLE IF NOT EXISTS epg_channels (
			source_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			display_name TEXT,
			icon TEXT,
			lcn TEXT,
			updated_at REAL,
			PRIMARY KEY (source_id, channel_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_epg_channels_channel ON epg_channels(channel_id)`,

		`CREATE TABLE IF NOT EXISTS epg_channel_names (
			source_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (source_id, channel_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_epg_channel_names_name ON epg_channel_names(name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// joinList and splitList store string sets as comma-joined TEXT, matching
// the on-disk format operators already have.
func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

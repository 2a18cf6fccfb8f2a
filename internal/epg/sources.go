// Package epg manages guide data: fetching XMLTV feeds, storing programmes
// in per-source SQLite files, and emitting a merged guide for the channels
// the operator actually enabled.
package epg

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/snapetech/macbridge/internal/catalog"
	"github.com/snapetech/macbridge/internal/httpclient"
	"github.com/snapetech/macbridge/internal/logging"
)

// Programme is one guide entry. Extra holds source metadata with no column
// of its own (air date, previously-shown) as JSON.
type Programme struct {
	ChannelID string
	Start     time.Time
	Stop      time.Time
	Title     string
	SubTitle  string
	Desc      string
	Category  string
	Icon      string
	Episode   string
	Rating    string
	Extra     string
}

// RefreshResult summarizes one source refresh.
type RefreshResult struct {
	SourceID   string
	Channels   int
	Programmes int
	Skipped    int
	Pruned     int64
	Duration   time.Duration
}

// defaultRetention: programmes ending before now-retention are pruned on
// every ingest, keeping source files from growing without bound.
const defaultRetention = 24 * time.Hour

// Manager owns the per-source programme databases under dir. Concurrent
// refreshes of the same source collapse into one underlying fetch.
type Manager struct {
	dir     string
	catalog *catalog.Store
	client  *http.Client

	// Retention overrides the prune horizon for ended programmes. Set it
	// before the first refresh; zero means defaultRetention.
	Retention time.Duration

	group singleflight.Group

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func (m *Manager) retention() time.Duration {
	if m.Retention > 0 {
		return m.Retention
	}
	return defaultRetention
}

// NewManager creates a manager storing source databases under dir.
func NewManager(dir string, cat *catalog.Store) *Manager {
	return &Manager{
		dir:     dir,
		catalog: cat,
		client:  httpclient.WithTimeout(5 * time.Minute),
		dbs:     map[string]*sql.DB{},
	}
}

var unsafeSourceID = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (m *Manager) sourcePath(sourceID string) string {
	return filepath.Join(m.dir, unsafeSourceID.ReplaceAllString(sourceID, "_")+".db")
}

func (m *Manager) sourceDB(sourceID string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[sourceID]; ok {
		return db, nil
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", m.sourcePath(sourceID))
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS programmes (
			channel_id TEXT NOT NULL,
			start INTEGER NOT NULL,
			stop INTEGER NOT NULL,
			title TEXT,
			sub_title TEXT,
			descr TEXT,
			category TEXT,
			icon TEXT,
			episode TEXT,
			rating TEXT,
			extra_json TEXT
		)`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(
		"CREATE INDEX IF NOT EXISTS idx_programmes_channel ON programmes(channel_id, start)"); err != nil {
		db.Close()
		return nil, err
	}
	m.dbs[sourceID] = db
	return db, nil
}

// Close closes every open source database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, db := range m.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.dbs, id)
	}
	return first
}

// Vacuum reclaims space in every open source database.
func (m *Manager) Vacuum() error {
	m.mu.Lock()
	dbs := make(map[string]*sql.DB, len(m.dbs))
	for id, db := range m.dbs {
		dbs[id] = db
	}
	m.mu.Unlock()
	var first error
	for id, db := range dbs {
		if _, err := db.Exec("VACUUM"); err != nil && first == nil {
			first = fmt.Errorf("vacuum %s: %w", id, err)
		}
	}
	return first
}

// RemoveSource drops the source's database file and catalog metadata.
func (m *Manager) RemoveSource(sourceID string) error {
	m.mu.Lock()
	if db, ok := m.dbs[sourceID]; ok {
		db.Close()
		delete(m.dbs, sourceID)
	}
	m.mu.Unlock()
	if err := m.catalog.DeleteEPGSource(sourceID); err != nil {
		return err
	}
	path := m.sourcePath(sourceID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// WAL sidecars.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	return nil
}

// Due reports whether the source wants a refresh given its interval.
func Due(meta catalog.EPGSourceMeta, now time.Time, defaultInterval time.Duration) bool {
	if !meta.Enabled {
		return false
	}
	interval := defaultInterval
	if meta.IntervalHours > 0 {
		interval = time.Duration(meta.IntervalHours * float64(time.Hour))
	}
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return meta.LastRefresh.IsZero() || now.Sub(meta.LastRefresh) >= interval
}

// Programmes returns a channel's guide rows overlapping [from, to).
func (m *Manager) Programmes(sourceID, channelID string, from, to time.Time) ([]Programme, error) {
	db, err := m.sourceDB(sourceID)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT channel_id, start, stop, title, sub_title, descr, category, icon, episode, rating, extra_json
		FROM programmes
		WHERE channel_id = ? AND stop > ? AND start < ?
		ORDER BY start`,
		channelID, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Programme
	for rows.Next() {
		var p Programme
		var start, stop int64
		if err := rows.Scan(&p.ChannelID, &start, &stop, &p.Title, &p.SubTitle, &p.Desc, &p.Category, &p.Icon, &p.Episode, &p.Rating, &p.Extra); err != nil {
			return nil, err
		}
		p.Start = time.Unix(start, 0).UTC()
		p.Stop = time.Unix(stop, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplaceProgrammes swaps the full programme set for channels present in
// rows, then prunes stale history. Used by portal-sourced guides where the
// data arrives as structs rather than XMLTV.
func (m *Manager) ReplaceProgrammes(sourceID string, rows []Programme) (*RefreshResult, error) {
	db, err := m.sourceDB(sourceID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res := &RefreshResult{SourceID: sourceID}

	chans := map[string]struct{}{}
	for _, p := range rows {
		chans[p.ChannelID] = struct{}{}
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for id := range chans {
		if _, err := tx.Exec("DELETE FROM programmes WHERE channel_id = ?", id); err != nil {
			return nil, err
		}
	}
	stmt, err := tx.Prepare(
		"INSERT INTO programmes (channel_id, start, stop, title, sub_title, descr, category, icon, episode, rating, extra_json) VALUES (?,?,?,?,?,?,?,?,?,?,?)")
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, p := range rows {
		if _, err := stmt.Exec(p.ChannelID, p.Start.Unix(), p.Stop.Unix(), p.Title, p.SubTitle, p.Desc, p.Category, p.Icon, p.Episode, p.Rating, p.Extra); err != nil {
			return nil, err
		}
		res.Programmes++
	}
	pr, err := tx.Exec("DELETE FROM programmes WHERE stop < ?", time.Now().Add(-m.retention()).Unix())
	if err != nil {
		return nil, err
	}
	res.Pruned, _ = pr.RowsAffected()
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	res.Channels = len(chans)
	res.Duration = time.Since(start)
	return res, nil
}

// Refresh fetches and ingests one XMLTV source. Concurrent calls for the
// same source share a single fetch.
func (m *Manager) Refresh(ctx context.Context, meta catalog.EPGSourceMeta) (*RefreshResult, error) {
	v, err, _ := m.group.Do(meta.SourceID, func() (interface{}, error) {
		return m.refreshOnce(ctx, meta)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RefreshResult), nil
}

func (m *Manager) refreshOnce(ctx context.Context, meta catalog.EPGSourceMeta) (*RefreshResult, error) {
	start := time.Now()
	body, err := Fetch(ctx, m.client, meta.URL)
	if err != nil {
		m.catalog.MarkEPGFetch(meta.SourceID, time.Now(), false)
		return nil, fmt.Errorf("source %s: %w", meta.SourceID, err)
	}
	defer body.Close()

	db, err := m.sourceDB(meta.SourceID)
	if err != nil {
		return nil, err
	}
	res, chans, err := m.ingest(ctx, db, body)
	if err != nil {
		m.catalog.MarkEPGFetch(meta.SourceID, time.Now(), false)
		return nil, fmt.Errorf("source %s: %w", meta.SourceID, err)
	}
	res.SourceID = meta.SourceID
	res.Duration = time.Since(start)

	if err := m.catalog.ReplaceEPGChannels(meta.SourceID, chans); err != nil {
		return nil, err
	}
	if err := m.catalog.MarkEPGFetch(meta.SourceID, time.Now(), true); err != nil {
		return nil, err
	}
	logging.Infof("epg: source=%s channels=%d programmes=%d skipped=%d pruned=%d took=%s",
		meta.SourceID, res.Channels, res.Programmes, res.Skipped, res.Pruned, res.Duration.Round(time.Millisecond))
	return res, nil
}

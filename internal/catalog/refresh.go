package catalog

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"
)

// PortalChannel is one raw channel as listed by a portal for one MAC.
type PortalChannel struct {
	ID      string
	Name    string
	Number  string
	GenreID string
	Logo    string
	Cmd     string
}

// PortalGenre is one raw genre entry.
type PortalGenre struct {
	ID    string
	Title string
}

// MACListing is the outcome of listing channels through one MAC. A failed
// MAC carries Err and contributes nothing to the merge; the refresh still
// proceeds as long as at least one MAC succeeded.
type MACListing struct {
	MAC      string
	Channels []PortalChannel
	Genres   []PortalGenre
	Err      error
}

// Normalized is the name-derived channel metadata the refresher stores.
type Normalized struct {
	AutoName   string
	Resolution string
	VideoCodec string
	Country    string
	AudioTags  []string
	EventTags  []string
	MiscTags   []string
	IsHeader   bool
	IsEvent    bool
	IsRaw      bool
}

// Match is a station-directory hit for a channel.
type Match struct {
	Name      string
	Source    string
	StationID string
	CallSign  string
	Logo      string
	Score     float64
}

// RefreshStats summarizes one refresh pass.
type RefreshStats struct {
	PortalID    string
	Total       int
	Added       int
	Updated     int
	Unchanged   int
	Merged      int
	Restored    int
	SoftDeleted int
	HardDeleted int
	MACsOK      int
	MACsFailed  int
	Duration    time.Duration
}

// DefaultDeleteTTL is how long a channel may stay missing from portal
// listings before its row is removed for good.
const DefaultDeleteTTL = 72 * time.Hour

// Refresher merges per-MAC portal listings into the catalog. Normalize and
// Matcher are optional hooks; when nil the raw name passes through untouched
// and no station matching happens. Both run only for rows whose content hash
// changed, so a steady-state refresh touches almost nothing.
type Refresher struct {
	Store     *Store
	Normalize func(rawName string) Normalized
	Matcher   func(n Normalized, rawName string) (Match, bool)
	DeleteTTL time.Duration
	Now       func() time.Time
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresher) deleteTTL() time.Duration {
	if r.DeleteTTL > 0 {
		return r.DeleteTTL
	}
	return DefaultDeleteTTL
}

type mergedChannel struct {
	PortalChannel
	macs   []string
	genre  string
	altIDs []string
}

// merge unions the per-MAC listings: one entry per channel id, first listing
// wins for raw fields, every listing contributes to available_macs. Channels
// sharing an identical raw name fold into one: the lowest id survives, takes
// the others' MACs, and records the absorbed ids as alternates. Absorbed ids
// get no entry of their own.
func merge(listings []MACListing) (map[string]*mergedChannel, map[string]string, int, int, int) {
	channels := map[string]*mergedChannel{}
	genres := map[string]string{}
	ok, failed := 0, 0
	for _, l := range listings {
		if l.Err != nil {
			failed++
			continue
		}
		ok++
		for _, g := range l.Genres {
			if g.ID != "" && genres[g.ID] == "" {
				genres[g.ID] = g.Title
			}
		}
		for _, ch := range l.Channels {
			if ch.ID == "" {
				continue
			}
			m, seen := channels[ch.ID]
			if !seen {
				m = &mergedChannel{PortalChannel: ch}
				channels[ch.ID] = m
			}
			m.macs = appendUniqueStr(m.macs, strings.ToUpper(l.MAC))
		}
	}
	for _, m := range channels {
		m.genre = genres[m.GenreID]
		sort.Strings(m.macs)
	}

	byName := map[string][]string{}
	for id, m := range channels {
		key := strings.ToLower(strings.Join(strings.Fields(m.Name), " "))
		if key != "" {
			byName[key] = append(byName[key], id)
		}
	}
	merged := 0
	for _, ids := range byName {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		survivor := channels[ids[0]]
		for _, id := range ids[1:] {
			dup := channels[id]
			for _, mac := range dup.macs {
				survivor.macs = appendUniqueStr(survivor.macs, mac)
			}
			survivor.altIDs = append(survivor.altIDs, id)
			delete(channels, id)
			merged++
		}
		sort.Strings(survivor.macs)
		sort.Strings(survivor.altIDs)
	}
	return channels, genres, merged, ok, failed
}

type existingRow struct {
	hash         string
	enabled      bool
	priorEnabled bool
	missing      bool
}

// Refresh runs the incremental merge for one portal. All row changes happen
// in a single transaction, so readers never observe a half-applied listing.
func (r *Refresher) Refresh(ctx context.Context, portalID, portalName string, listings []MACListing) (*RefreshStats, error) {
	start := r.now()
	stats := &RefreshStats{PortalID: portalID}

	channels, genres, merged, macsOK, macsFailed := merge(listings)
	stats.MACsOK, stats.MACsFailed = macsOK, macsFailed
	stats.Merged = merged
	stats.Total = len(channels)
	if macsOK == 0 {
		// Nothing listed successfully: leave the catalog alone rather than
		// soft-deleting everything.
		if len(listings) > 0 && listings[0].Err != nil {
			return stats, listings[0].Err
		}
		return stats, nil
	}

	unlock := r.Store.lockPortal(portalID)
	defer unlock()

	tx, err := r.Store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing := map[string]existingRow{}
	rows, err := tx.QueryContext(ctx,
		"SELECT channel_id, channel_hash, enabled, prior_enabled, missing_since IS NOT NULL FROM channels WHERE portal_id = ?",
		portalID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id, hash string
		var enabled, prior, missing int
		if err := rows.Scan(&id, &hash, &enabled, &prior, &missing); err != nil {
			rows.Close()
			return nil, err
		}
		existing[id] = existingRow{hash: hash, enabled: enabled != 0, priorEnabled: prior != 0, missing: missing != 0}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// An id absorbed into another channel keeps no row of its own.
	for _, m := range channels {
		for _, alt := range m.altIDs {
			if _, known := existing[alt]; !known {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM channels WHERE portal_id = ? AND channel_id = ?", portalID, alt); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM channel_tags WHERE portal_id = ? AND channel_id = ?", portalID, alt); err != nil {
				return nil, err
			}
			delete(existing, alt)
		}
	}

	nowUnix := r.now().Unix()
	for id, m := range channels {
		hash := HashOf(m.Name, m.Number, m.genre, m.GenreID, m.Logo, m.Cmd)
		prev, known := existing[id]
		switch {
		case known && prev.hash == hash && !prev.missing:
			if _, err := tx.ExecContext(ctx,
				"UPDATE channels SET available_macs = ?, alternate_ids = ? WHERE portal_id = ? AND channel_id = ?",
				joinList(m.macs), joinList(m.altIDs), portalID, id); err != nil {
				return nil, err
			}
			stats.Unchanged++
		case known && prev.hash == hash && prev.missing:
			restored := 0
			if prev.priorEnabled {
				restored = 1
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE channels SET missing_since = NULL, enabled = ?, available_macs = ?, alternate_ids = ? WHERE portal_id = ? AND channel_id = ?",
				restored, joinList(m.macs), joinList(m.altIDs), portalID, id); err != nil {
				return nil, err
			}
			stats.Restored++
		default:
			n := r.normalized(m.Name)
			match, matched := r.matched(n, m.Name)
			if known {
				if err := r.updateRow(ctx, tx, portalID, portalName, id, m, hash, n, match, matched, prev); err != nil {
					return nil, err
				}
				stats.Updated++
			} else {
				if err := r.insertRow(ctx, tx, portalID, portalName, id, m, hash, n, match, matched); err != nil {
					return nil, err
				}
				stats.Added++
			}
			if err := writeTags(ctx, tx, portalID, id, n); err != nil {
				return nil, err
			}
		}
	}

	// Rows no longer listed: mark missing, remember the enabled choice, and
	// drop them from emissions until they come back.
	for id, prev := range existing {
		if _, present := channels[id]; present || prev.missing {
			continue
		}
		prior := 0
		if prev.enabled {
			prior = 1
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE channels SET missing_since = ?, prior_enabled = ?, enabled = 0 WHERE portal_id = ? AND channel_id = ?",
			nowUnix, prior, portalID, id); err != nil {
			return nil, err
		}
		stats.SoftDeleted++
	}

	cutoff := r.now().Add(-r.deleteTTL()).Unix()
	res, err := tx.ExecContext(ctx,
		"DELETE FROM channels WHERE portal_id = ? AND missing_since IS NOT NULL AND missing_since < ?",
		portalID, cutoff)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil {
		stats.HardDeleted = int(n)
	}

	if err := upsertGroups(ctx, tx, portalID, genres, channels); err != nil {
		return nil, err
	}
	if _, err := recomputeStatsTx(tx, portalID, portalName); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	stats.Duration = r.now().Sub(start)
	return stats, nil
}

func (r *Refresher) normalized(rawName string) Normalized {
	if r.Normalize == nil {
		return Normalized{AutoName: rawName}
	}
	return r.Normalize(rawName)
}

func (r *Refresher) matched(n Normalized, rawName string) (Match, bool) {
	if r.Matcher == nil || n.IsHeader {
		return Match{}, false
	}
	return r.Matcher(n, rawName)
}

func (r *Refresher) insertRow(ctx context.Context, tx *sql.Tx, portalID, portalName, id string, m *mergedChannel, hash string, n Normalized, match Match, matched bool) error {
	header, event, raw := boolInt(n.IsHeader), boolInt(n.IsEvent), boolInt(n.IsRaw)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO channels (
			portal_id, channel_id, portal_name, name, number, genre, genre_id, logo, cmd,
			enabled, auto_name, display_name, resolution, video_codec, country,
			audio_tags, event_tags, misc_tags, is_header, is_event, is_raw,
			matched_name, matched_source, matched_station_id, matched_call_sign, matched_logo, matched_score,
			available_macs, alternate_ids, channel_hash, missing_since, prior_enabled
		) VALUES (?,?,?,?,?,?,?,?,?, 0,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?, NULL, 0)`,
		portalID, id, portalName, m.Name, m.Number, m.genre, m.GenreID, m.Logo, m.Cmd,
		n.AutoName, n.AutoName, n.Resolution, n.VideoCodec, n.Country,
		joinList(n.AudioTags), joinList(n.EventTags), joinList(n.MiscTags), header, event, raw,
		matchField(matched, match.Name), matchField(matched, match.Source), matchField(matched, match.StationID),
		matchField(matched, match.CallSign), matchField(matched, match.Logo), matchScore(matched, match),
		joinList(m.macs), joinList(m.altIDs), hash)
	return err
}

func (r *Refresher) updateRow(ctx context.Context, tx *sql.Tx, portalID, portalName, id string, m *mergedChannel, hash string, n Normalized, match Match, matched bool, prev existingRow) error {
	header, event, raw := boolInt(n.IsHeader), boolInt(n.IsEvent), boolInt(n.IsRaw)
	enabled := boolInt(prev.enabled)
	if prev.missing {
		enabled = boolInt(prev.priorEnabled)
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE channels SET
			portal_name = ?, name = ?, number = ?, genre = ?, genre_id = ?, logo = ?, cmd = ?,
			enabled = ?, auto_name = ?, display_name = ?, resolution = ?, video_codec = ?, country = ?,
			audio_tags = ?, event_tags = ?, misc_tags = ?, is_header = ?, is_event = ?, is_raw = ?,
			matched_name = ?, matched_source = ?, matched_station_id = ?, matched_call_sign = ?, matched_logo = ?, matched_score = ?,
			available_macs = ?, alternate_ids = ?, channel_hash = ?, missing_since = NULL
		WHERE portal_id = ? AND channel_id = ?`,
		portalName, m.Name, m.Number, m.genre, m.GenreID, m.Logo, m.Cmd,
		enabled, n.AutoName, n.AutoName, n.Resolution, n.VideoCodec, n.Country,
		joinList(n.AudioTags), joinList(n.EventTags), joinList(n.MiscTags), header, event, raw,
		matchField(matched, match.Name), matchField(matched, match.Source), matchField(matched, match.StationID),
		matchField(matched, match.CallSign), matchField(matched, match.Logo), matchScore(matched, match),
		joinList(m.macs), joinList(m.altIDs), hash,
		portalID, id)
	return err
}

func writeTags(ctx context.Context, tx *sql.Tx, portalID, channelID string, n Normalized) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM channel_tags WHERE portal_id = ? AND channel_id = ?", portalID, channelID); err != nil {
		return err
	}
	put := func(tagType, v string) error {
		if v == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO channel_tags (portal_id, channel_id, tag_type, tag_value) VALUES (?,?,?,?)",
			portalID, channelID, tagType, v)
		return err
	}
	if err := put("resolution", n.Resolution); err != nil {
		return err
	}
	if err := put("video_codec", n.VideoCodec); err != nil {
		return err
	}
	if err := put("country", n.Country); err != nil {
		return err
	}
	for _, v := range n.AudioTags {
		if err := put("audio", v); err != nil {
			return err
		}
	}
	for _, v := range n.EventTags {
		if err := put("event", v); err != nil {
			return err
		}
	}
	for _, v := range n.MiscTags {
		if err := put("misc", v); err != nil {
			return err
		}
	}
	return nil
}

// upsertGroups refreshes names and counts but never touches the operator's
// active flag on rows that already exist.
func upsertGroups(ctx context.Context, tx *sql.Tx, portalID string, genres map[string]string, channels map[string]*mergedChannel) error {
	counts := map[string]int{}
	for _, m := range channels {
		counts[m.GenreID]++
	}
	for genreID, title := range genres {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO groups (portal_id, genre_id, name, channel_count, active)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(portal_id, genre_id) DO UPDATE SET
				name = excluded.name, channel_count = excluded.channel_count`,
			portalID, genreID, title, counts[genreID]); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func matchField(matched bool, v string) string {
	if !matched {
		return ""
	}
	return v
}

func matchScore(matched bool, m Match) float64 {
	if !matched {
		return 0
	}
	return m.Score
}

func appendUniqueStr(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

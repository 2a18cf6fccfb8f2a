package catalog

import (
	"database/sql"
	"strings"
	"time"
)

// A channel counts as active when its group is active, or when it has no
// groups row at all (ungrouped channels are never filtered out).
const activeGroupCond = "(g.active = 1 OR g.active IS NULL)"

const channelCols = `c.portal_id, c.channel_id, c.portal_name, c.name, c.number, c.genre, c.genre_id,
	c.logo, c.cmd, c.custom_name, c.custom_number, c.custom_genre, c.custom_epg_id, c.enabled,
	c.auto_name, c.display_name, c.resolution, c.video_codec, c.country, c.audio_tags, c.event_tags, c.misc_tags,
	c.is_header, c.is_event, c.is_raw, c.matched_name, c.matched_source, c.matched_station_id,
	c.matched_call_sign, c.matched_logo, c.matched_score, c.available_macs, c.alternate_ids,
	c.channel_hash, c.missing_since, c.prior_enabled`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(r rowScanner) (*Channel, error) {
	var c Channel
	var enabled, isHeader, isEvent, isRaw, priorEnabled int
	var audioTags, eventTags, miscTags, availableMACs, alternateIDs string
	var missingSince sql.NullInt64
	err := r.Scan(
		&c.PortalID, &c.ChannelID, &c.PortalName, &c.Name, &c.Number, &c.Genre, &c.GenreID,
		&c.Logo, &c.Cmd, &c.CustomName, &c.CustomNumber, &c.CustomGenre, &c.CustomEPGID, &enabled,
		&c.AutoName, &c.DisplayName, &c.Resolution, &c.VideoCodec, &c.Country, &audioTags, &eventTags, &miscTags,
		&isHeader, &isEvent, &isRaw, &c.MatchedName, &c.MatchedSource, &c.MatchedStationID,
		&c.MatchedCallSign, &c.MatchedLogo, &c.MatchedScore, &availableMACs, &alternateIDs,
		&c.Hash, &missingSince, &priorEnabled,
	)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	c.IsHeader = isHeader != 0
	c.IsEvent = isEvent != 0
	c.IsRaw = isRaw != 0
	c.PriorEnabled = priorEnabled != 0
	c.AudioTags = splitList(audioTags)
	c.EventTags = splitList(eventTags)
	c.MiscTags = splitList(miscTags)
	c.AvailableMACs = splitList(availableMACs)
	c.AlternateIDs = splitList(alternateIDs)
	if missingSince.Valid {
		c.MissingSince = time.Unix(missingSince.Int64, 0).UTC()
	}
	return &c, nil
}

// Channel fetches one row; sql.ErrNoRows when absent.
func (s *Store) Channel(portalID, channelID string) (*Channel, error) {
	row := s.db.QueryRow(
		"SELECT "+channelCols+" FROM channels c WHERE c.portal_id = ? AND c.channel_id = ?",
		portalID, channelID)
	return scanChannel(row)
}

// EnabledChannels returns emission-ready channels: enabled, group active,
// not header rows, ordered by effective display name with a stable
// (portal_id, channel_id) tie-break.
func (s *Store) EnabledChannels() ([]Channel, error) {
	rows, err := s.db.Query(`
		SELECT ` + channelCols + `
		FROM channels c
		LEFT JOIN groups g ON c.portal_id = g.portal_id AND c.genre_id = g.genre_id
		WHERE c.enabled = 1 AND c.is_header = 0 AND ` + activeGroupCond + `
		ORDER BY COALESCE(NULLIF(c.custom_name,''), NULLIF(c.auto_name,''), c.name), c.portal_id, c.channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// PortalChannels returns every row for one portal, including soft-deleted.
func (s *Store) PortalChannels(portalID string) ([]Channel, error) {
	rows, err := s.db.Query(
		"SELECT "+channelCols+" FROM channels c WHERE c.portal_id = ? ORDER BY c.channel_id",
		portalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Overrides are the operator-editable channel fields.
type Overrides struct {
	CustomName   *string
	CustomNumber *string
	CustomGenre  *string
	CustomEPGID  *string
	Enabled      *bool
}

// UpdateOverrides applies non-nil override fields to one channel.
func (s *Store) UpdateOverrides(portalID, channelID string, o Overrides) error {
	unlock := s.lockPortal(portalID)
	defer unlock()
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if o.CustomName != nil {
		add("custom_name", *o.CustomName)
	}
	if o.CustomNumber != nil {
		add("custom_number", *o.CustomNumber)
	}
	if o.CustomGenre != nil {
		add("custom_genre", *o.CustomGenre)
	}
	if o.CustomEPGID != nil {
		add("custom_epg_id", *o.CustomEPGID)
	}
	if o.Enabled != nil {
		v := 0
		if *o.Enabled {
			v = 1
		}
		add("enabled", v)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, portalID, channelID)
	res, err := s.db.Exec(
		"UPDATE channels SET "+strings.Join(sets, ", ")+" WHERE portal_id = ? AND channel_id = ?",
		args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Groups returns the groups for one portal ordered by name.
func (s *Store) Groups(portalID string) ([]Group, error) {
	rows, err := s.db.Query(
		"SELECT portal_id, genre_id, name, channel_count, active FROM groups WHERE portal_id = ? ORDER BY name",
		portalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		var active int
		if err := rows.Scan(&g.PortalID, &g.GenreID, &g.Name, &g.ChannelCount, &active); err != nil {
			return nil, err
		}
		g.Active = active != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetActiveGenres activates exactly the given genre ids for the portal and
// recomputes stats. Channels are untouched: group toggling never deletes or
// re-imports anything.
func (s *Store) SetActiveGenres(portalID, portalName string, genreIDs []string) (*PortalStats, error) {
	unlock := s.lockPortal(portalID)
	defer unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if len(genreIDs) == 0 {
		// Empty selection means all groups active.
		if _, err := tx.Exec("UPDATE groups SET active = 1 WHERE portal_id = ?", portalID); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.Exec("UPDATE groups SET active = 0 WHERE portal_id = ?", portalID); err != nil {
			return nil, err
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(genreIDs)), ",")
		args := make([]interface{}, 0, len(genreIDs)+1)
		args = append(args, portalID)
		for _, g := range genreIDs {
			args = append(args, g)
		}
		if _, err := tx.Exec(
			"UPDATE groups SET active = 1 WHERE portal_id = ? AND genre_id IN ("+placeholders+")",
			args...); err != nil {
			return nil, err
		}
	}
	stats, err := recomputeStatsTx(tx, portalID, portalName)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stats, nil
}

// Stats returns the cached per-portal summary.
func (s *Store) Stats(portalID string) (*PortalStats, error) {
	row := s.db.QueryRow(
		"SELECT portal_id, portal_name, total_channels, active_channels, total_groups, active_groups, updated_at FROM portal_stats WHERE portal_id = ?",
		portalID)
	var st PortalStats
	if err := row.Scan(&st.PortalID, &st.PortalName, &st.TotalChannels, &st.ActiveChannels,
		&st.TotalGroups, &st.ActiveGroups, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// DeletePortal removes every trace of a portal from the catalog.
func (s *Store) DeletePortal(portalID string) error {
	unlock := s.lockPortal(portalID)
	defer unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		"DELETE FROM channels WHERE portal_id = ?",
		"DELETE FROM groups WHERE portal_id = ?",
		"DELETE FROM channel_tags WHERE portal_id = ?",
		"DELETE FROM portal_stats WHERE portal_id = ?",
		"DELETE FROM group_stats WHERE portal_id = ?",
	} {
		if _, err := tx.Exec(stmt, portalID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func recomputeStatsTx(tx *sql.Tx, portalID, portalName string) (*PortalStats, error) {
	st := PortalStats{PortalID: portalID, PortalName: portalName, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}

	row := tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN active = 1 THEN 1 ELSE 0 END), 0) FROM groups WHERE portal_id = ?`, portalID)
	if err := row.Scan(&st.TotalGroups, &st.ActiveGroups); err != nil {
		return nil, err
	}
	row = tx.QueryRow(`SELECT COUNT(*) FROM channels WHERE portal_id = ?`, portalID)
	if err := row.Scan(&st.TotalChannels); err != nil {
		return nil, err
	}
	row = tx.QueryRow(`
		SELECT COUNT(*)
		FROM channels c
		LEFT JOIN groups g ON c.portal_id = g.portal_id AND c.genre_id = g.genre_id
		WHERE c.portal_id = ? AND c.enabled = 1 AND `+activeGroupCond, portalID)
	if err := row.Scan(&st.ActiveChannels); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO portal_stats (portal_id, portal_name, total_channels, active_channels, total_groups, active_groups, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(portal_id) DO UPDATE SET
			portal_name = excluded.portal_name,
			total_channels = excluded.total_channels,
			active_channels = excluded.active_channels,
			total_groups = excluded.total_groups,
			active_groups = excluded.active_groups,
			updated_at = excluded.updated_at`,
		st.PortalID, st.PortalName, st.TotalChannels, st.ActiveChannels,
		st.TotalGroups, st.ActiveGroups, st.UpdatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.Exec("DELETE FROM group_stats WHERE portal_id = ?", portalID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		INSERT INTO group_stats (portal_id, portal_name, group_name, channel_count, updated_at)
		SELECT c.portal_id, ?, COALESCE(NULLIF(c.genre,''),'(none)'), COUNT(*), ?
		FROM channels c WHERE c.portal_id = ? GROUP BY COALESCE(NULLIF(c.genre,''),'(none)')`,
		portalName, st.UpdatedAt, portalID); err != nil {
		return nil, err
	}
	return &st, nil
}

// ─── EPG source metadata ───

// UpsertEPGSource creates or updates an epg_sources row.
func (s *Store) UpsertEPGSource(m EPGSourceMeta) error {
	enabled := 0
	if m.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO epg_sources (source_id, name, url, source_type, enabled, interval_hours, last_fetch, last_refresh)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE((SELECT last_fetch FROM epg_sources WHERE source_id = ?), 0),
			COALESCE((SELECT last_refresh FROM epg_sources WHERE source_id = ?), 0))
		ON CONFLICT(source_id) DO UPDATE SET
			name = excluded.name, url = excluded.url, source_type = excluded.source_type,
			enabled = excluded.enabled, interval_hours = excluded.interval_hours`,
		m.SourceID, m.Name, m.URL, m.SourceType, enabled, m.IntervalHours, m.SourceID, m.SourceID)
	return err
}

// EPGSources lists all source rows.
func (s *Store) EPGSources() ([]EPGSourceMeta, error) {
	rows, err := s.db.Query(
		"SELECT source_id, name, url, source_type, enabled, COALESCE(interval_hours,0), COALESCE(last_fetch,0), COALESCE(last_refresh,0) FROM epg_sources ORDER BY source_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EPGSourceMeta
	for rows.Next() {
		var m EPGSourceMeta
		var enabled int
		var lastFetch, lastRefresh float64
		if err := rows.Scan(&m.SourceID, &m.Name, &m.URL, &m.SourceType, &enabled, &m.IntervalHours, &lastFetch, &lastRefresh); err != nil {
			return nil, err
		}
		m.Enabled = enabled != 0
		if lastFetch > 0 {
			m.LastFetch = time.Unix(int64(lastFetch), 0).UTC()
		}
		if lastRefresh > 0 {
			m.LastRefresh = time.Unix(int64(lastRefresh), 0).UTC()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkEPGFetch records fetch and (on success) refresh timestamps.
func (s *Store) MarkEPGFetch(sourceID string, fetchedAt time.Time, refreshed bool) error {
	if refreshed {
		_, err := s.db.Exec("UPDATE epg_sources SET last_fetch = ?, last_refresh = ? WHERE source_id = ?",
			float64(fetchedAt.Unix()), float64(fetchedAt.Unix()), sourceID)
		return err
	}
	_, err := s.db.Exec("UPDATE epg_sources SET last_fetch = ? WHERE source_id = ?",
		float64(fetchedAt.Unix()), sourceID)
	return err
}

// DeleteEPGSource removes a source row and its channel metadata. The
// per-source programme DB file is the source manager's to remove.
func (s *Store) DeleteEPGSource(sourceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		"DELETE FROM epg_sources WHERE source_id = ?",
		"DELETE FROM epg_channels WHERE source_id = ?",
		"DELETE FROM epg_channel_names WHERE source_id = ?",
	} {
		if _, err := tx.Exec(stmt, sourceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceEPGChannels swaps the channel metadata for one source in a single
// transaction.
func (s *Store) ReplaceEPGChannels(sourceID string, chans []EPGChannel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM epg_channels WHERE source_id = ?", sourceID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM epg_channel_names WHERE source_id = ?", sourceID); err != nil {
		return err
	}
	now := float64(time.Now().Unix())
	chStmt, err := tx.Prepare("INSERT OR REPLACE INTO epg_channels (source_id, channel_id, display_name, icon, lcn, updated_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer chStmt.Close()
	nameStmt, err := tx.Prepare("INSERT OR IGNORE INTO epg_channel_names (source_id, channel_id, name) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer nameStmt.Close()
	for _, c := range chans {
		if c.ChannelID == "" {
			continue
		}
		if _, err := chStmt.Exec(sourceID, c.ChannelID, c.DisplayName, c.Icon, c.LCN, now); err != nil {
			return err
		}
		for _, n := range c.AltNames {
			if n == "" {
				continue
			}
			if _, err := nameStmt.Exec(sourceID, c.ChannelID, n); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// EPGRef points at a channel within a source.
type EPGRef struct {
	SourceID  string
	ChannelID string
}

// VerbatimEPGIndex maps channel_id → source for ids present as-is in a
// source's channel table. When several sources carry the same id, the
// lexicographically first source wins, which keeps emissions stable.
func (s *Store) VerbatimEPGIndex() (map[string]EPGRef, error) {
	rows, err := s.db.Query("SELECT channel_id, source_id FROM epg_channels ORDER BY source_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]EPGRef{}
	for rows.Next() {
		var cid, sid string
		if err := rows.Scan(&cid, &sid); err != nil {
			return nil, err
		}
		if _, seen := out[cid]; !seen {
			out[cid] = EPGRef{SourceID: sid, ChannelID: cid}
		}
	}
	return out, rows.Err()
}

// AliasEPGIndex maps case-folded display-name aliases → source channel.
func (s *Store) AliasEPGIndex() (map[string]EPGRef, error) {
	out := map[string]EPGRef{}
	collect := func(query string) error {
		rows, err := s.db.Query(query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name, sid, cid string
			if err := rows.Scan(&name, &sid, &cid); err != nil {
				return err
			}
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" {
				continue
			}
			if _, seen := out[key]; !seen {
				out[key] = EPGRef{SourceID: sid, ChannelID: cid}
			}
		}
		return rows.Err()
	}
	if err := collect("SELECT display_name, source_id, channel_id FROM epg_channels WHERE display_name != '' ORDER BY source_id"); err != nil {
		return nil, err
	}
	if err := collect("SELECT name, source_id, channel_id FROM epg_channel_names ORDER BY source_id"); err != nil {
		return nil, err
	}
	return out, nil
}

package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/macbridge/internal/catalog"
	"github.com/snapetech/macbridge/internal/config"
	"github.com/snapetech/macbridge/internal/epg"
	"github.com/snapetech/macbridge/internal/jobs"
	"github.com/snapetech/macbridge/internal/logging"
	"github.com/snapetech/macbridge/internal/playlist"
	"github.com/snapetech/macbridge/internal/stalker"
)

// perMACTimeout bounds one MAC's full listing during a refresh so a single
// dead credential cannot stall the whole job.
const perMACTimeout = 60 * time.Second

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// portalFrom reads the portal id from a JSON body ({"portal": id}), falling
// back to the ?portal query parameter.
func portalFrom(r *http.Request) string {
	var req struct {
		Portal string `json:"portal"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Portal != "" {
		return req.Portal
	}
	return r.URL.Query().Get("portal")
}

// ─── emission ───

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Catalog.EnabledChannels()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	set := s.Store.Settings()
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	opts := playlist.Options{
		BaseURL:        s.publicBase(r),
		IncludeNumbers: set.UseChannelNumbers,
		IncludeGenres:  set.UseChannelGenres,
		SortByName:     set.SortByName,
		SortByNumber:   set.SortByNumber,
		SortByGenre:    set.SortByGenre,
	}
	if err := playlist.Write(w, channels, opts); err != nil {
		logging.Warnf("playlist: write aborted err=%v", err)
	}
}

// publicBase is the externally reachable URL prefix. PUBLIC_HOST wins; the
// request Host header is the fallback so clients behind NAT get usable links.
func (s *Server) publicBase(r *http.Request) string {
	host := s.Cfg.PublicHost
	if host == "" && r != nil && r.Host != "" {
		host = r.Host
	}
	if host == "" {
		host = fmt.Sprintf("127.0.0.1:%d", s.Cfg.Port)
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimSuffix(host, "/")
}

func (s *Server) emitter() *epg.Emitter {
	offsets := map[string]int{}
	for id, p := range s.Store.Portals() {
		offsets[id] = p.EPGOffset
	}
	set := s.Store.Settings()
	window := time.Duration(set.EPGFutureHours) * time.Hour
	past := time.Duration(set.EPGPastHours) * time.Hour
	return &epg.Emitter{Manager: s.EPG, Catalog: s.Catalog, OffsetMinutes: offsets, Window: window, Past: past}
}

func (s *Server) handleXMLTV(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Catalog.EnabledChannels()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	doc, err := s.Cache.Render(s.emitter(), channels)
	if err != nil {
		// Serve the stale cache over a 500 if we have one.
		if stale, _, rerr := s.Cache.Read(); rerr == nil {
			logging.Warnf("xmltv: render failed, serving cache err=%v", err)
			doc = stale
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/xml")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gz.Write(doc)
		return
	}
	w.Write(doc)
}

// streamingEntry is one live session as shown on /streaming.
type streamingEntry struct {
	PortalName  string `json:"portal_name"`
	ChannelName string `json:"channel_name"`
	MAC         string `json:"mac"`
	Client      string `json:"client"`
	StartTime   string `json:"start_time"`
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	out := map[string][]streamingEntry{}
	for _, info := range s.Table.Snapshot() {
		entry := streamingEntry{
			MAC:       info.MAC,
			Client:    info.ClientAddr,
			StartTime: info.StartedAt.UTC().Format(time.RFC3339),
		}
		if p, ok := s.Store.Portal(info.PortalID); ok {
			entry.PortalName = p.Name
		}
		if ch, err := s.Catalog.Channel(info.PortalID, info.ChannelID); err == nil {
			entry.ChannelName = ch.EffectiveDisplayName()
		} else {
			entry.ChannelName = info.ChannelID
		}
		out[info.PortalID] = append(out[info.PortalID], entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── portal refresh ───

// listMAC produces one MAC's listing with its own deadline.
func (s *Server) listMAC(ctx context.Context, portal config.Portal, mac string) catalog.MACListing {
	ctx, cancel := context.WithTimeout(ctx, perMACTimeout)
	defer cancel()
	out := catalog.MACListing{MAC: mac}
	client := s.factory()(portal.URL, mac, stalker.Options{Proxy: portal.Proxy, Timezone: s.Cfg.Timezone})
	if _, err := client.Token(ctx); err != nil {
		out.Err = err
		return out
	}
	chans, err := client.AllChannels(ctx)
	if err != nil {
		out.Err = err
		return out
	}
	genres, err := client.Genres(ctx)
	if err != nil {
		out.Err = err
		return out
	}
	for _, c := range chans {
		out.Channels = append(out.Channels, catalog.PortalChannel{
			ID:      c.ID.String(),
			Name:    c.Name.String(),
			Number:  c.Number.String(),
			GenreID: c.GenreID.String(),
			Logo:    c.Logo.String(),
			Cmd:     c.Cmd.String(),
		})
	}
	for _, g := range genres {
		out.Genres = append(out.Genres, catalog.PortalGenre{ID: g.ID.String(), Title: g.Title.String()})
	}
	return out
}

// RefreshPortal runs the full listing+merge for one portal. Exposed for the
// scheduler loops and the CLI as well as the API handler.
func (s *Server) RefreshPortal(ctx context.Context, portalID string) (*catalog.RefreshStats, error) {
	portal, ok := s.Store.Portal(portalID)
	if !ok {
		return nil, fmt.Errorf("unknown portal %q", portalID)
	}
	macs := make([]string, 0, len(portal.MACs))
	for mac := range portal.MACs {
		macs = append(macs, mac)
	}
	if len(macs) == 0 {
		return nil, fmt.Errorf("portal %q has no MACs", portalID)
	}

	// A bare host or landing URL gets resolved to its handler once and saved.
	if !strings.HasSuffix(strings.TrimSuffix(portal.URL, "/"), ".php") {
		resolved, err := stalker.ResolveHandlerURL(ctx, portal.URL, stalker.Options{Proxy: portal.Proxy, Timezone: s.Cfg.Timezone})
		if err != nil {
			return nil, err
		}
		portal.URL = resolved
		if err := s.Store.SavePortal(portalID, portal); err != nil {
			logging.Warnf("refresh: portal=%s could not persist resolved url err=%v", portalID, err)
		}
		logging.Infof("refresh: portal=%s handler resolved to %s", portalID, resolved)
	}

	listings := make([]catalog.MACListing, len(macs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, mac := range macs {
		i, mac := i, mac
		g.Go(func() error {
			s.touchMAC(portalID, mac)
			listings[i] = s.listMAC(gctx, portal, mac)
			if listings[i].Err != nil {
				logging.Warnf("refresh: portal=%s mac=%s listing failed err=%v", portalID, mac, listings[i].Err)
			}
			return nil
		})
	}
	g.Wait()

	set := s.Store.Settings()
	refresher := &catalog.Refresher{
		Store:     s.Catalog,
		DeleteTTL: time.Duration(set.ChannelDeleteTTLHrs) * time.Hour,
	}
	if portal.AutoNormalize {
		rs := s.ruleSet()
		refresher.Normalize = func(raw string) catalog.Normalized {
			r := rs.Apply(raw)
			return catalog.Normalized{
				AutoName: r.AutoName, Resolution: r.Resolution, VideoCodec: r.VideoCodec,
				Country: r.Country, AudioTags: r.Audio, EventTags: r.EventTags, MiscTags: r.MiscTags,
				IsHeader: r.IsHeader, IsEvent: r.IsEvent, IsRaw: r.IsRaw,
			}
		}
	}
	if portal.AutoMatch {
		if m := s.stationMatcher(); m != nil {
			refresher.Matcher = func(n catalog.Normalized, rawName string) (catalog.Match, bool) {
				name := n.AutoName
				if name == "" {
					name = rawName
				}
				res, ok := m.Match(name, n.Country)
				if !ok {
					return catalog.Match{}, false
				}
				return catalog.Match{
					Name: res.Name, Source: res.Source, StationID: res.StationID,
					CallSign: res.CallSign, Logo: res.Logo, Score: res.Score,
				}, true
			}
		}
	}

	stats, err := refresher.Refresh(ctx, portalID, portal.Name, listings)
	if err != nil {
		return stats, err
	}
	logging.Infof("refresh: portal=%s total=%d added=%d updated=%d unchanged=%d merged=%d restored=%d soft_deleted=%d hard_deleted=%d macs_ok=%d macs_failed=%d",
		portalID, stats.Total, stats.Added, stats.Updated, stats.Unchanged, stats.Merged, stats.Restored,
		stats.SoftDeleted, stats.HardDeleted, stats.MACsOK, stats.MACsFailed)

	if portal.FetchEPG {
		if err := s.refreshPortalEPG(ctx, portalID, portal); err != nil {
			logging.Warnf("refresh: portal=%s epg fetch failed err=%v", portalID, err)
		}
	}
	return stats, nil
}

// refreshPortalEPG pulls the portal's own guide through any working MAC.
func (s *Server) refreshPortalEPG(ctx context.Context, portalID string, portal config.Portal) error {
	set := s.Store.Settings()
	var lastErr error
	for mac := range portal.MACs {
		client := s.factory()(portal.URL, mac, stalker.Options{Proxy: portal.Proxy, Timezone: s.Cfg.Timezone})
		if _, err := client.Token(ctx); err != nil {
			lastErr = err
			continue
		}
		data, err := client.EPG(ctx, set.EPGFutureHours)
		if err != nil {
			lastErr = err
			continue
		}
		var rows []epg.Programme
		for chID, progs := range data {
			for _, p := range progs {
				rows = append(rows, epg.Programme{
					ChannelID: chID,
					Start:     time.Unix(int64(p.StartTimestamp.Int()), 0).UTC(),
					Stop:      time.Unix(int64(p.StopTimestamp.Int()), 0).UTC(),
					Title:     p.Name.String(),
					Desc:      p.Descr.String(),
				})
			}
		}
		sourceID := epg.PortalSourceID(portalID)
		// The portal guide shows up in /api/epg/status like any other
		// source; the refresh loop skips it by source_type.
		if err := s.Catalog.UpsertEPGSource(catalog.EPGSourceMeta{
			SourceID: sourceID, Name: portal.Name, URL: portal.URL,
			SourceType: "portal", Enabled: true,
		}); err != nil {
			logging.Warnf("refresh: portal=%s epg source upsert failed err=%v", portalID, err)
		}
		res, err := s.EPG.ReplaceProgrammes(sourceID, rows)
		if err != nil {
			s.Catalog.MarkEPGFetch(sourceID, time.Now(), false)
			return err
		}
		if err := s.Catalog.MarkEPGFetch(sourceID, time.Now(), true); err != nil {
			logging.Warnf("refresh: portal=%s epg fetch mark failed err=%v", portalID, err)
		}
		logging.Infof("refresh: portal=%s epg channels=%d programmes=%d", portalID, res.Channels, res.Programmes)
		return nil
	}
	return lastErr
}

func refreshJobName(portalID string) string { return "portal-refresh:" + portalID }

// jobStatusBody maps one job record onto the admin API's reply shape.
func jobStatusBody(rec jobs.Record) map[string]interface{} {
	body := map[string]interface{}{"status": string(rec.Status)}
	if rec.Detail != "" {
		body["stats"] = rec.Detail
	}
	if rec.Error != "" {
		body["error"] = rec.Error
	}
	return body
}

func (s *Server) handlePortalRefresh(w http.ResponseWriter, r *http.Request) {
	portalID := portalFrom(r)
	if portalID == "" {
		apiError(w, http.StatusBadRequest, "portal required")
		return
	}
	if _, ok := s.Store.Portal(portalID); !ok {
		apiError(w, http.StatusNotFound, "unknown portal")
		return
	}
	s.Jobs.Submit(refreshJobName(portalID), func(ctx context.Context) (string, error) {
		stats, err := s.RefreshPortal(ctx, portalID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("total=%d added=%d updated=%d unchanged=%d soft_deleted=%d",
			stats.Total, stats.Added, stats.Updated, stats.Unchanged, stats.SoftDeleted), nil
	})
	rec, _ := s.Jobs.Record(refreshJobName(portalID))
	writeJSON(w, http.StatusOK, jobStatusBody(rec))
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	portalID := portalFrom(r)
	if portalID == "" {
		apiError(w, http.StatusBadRequest, "portal required")
		return
	}
	rec, ok := s.Jobs.Record(refreshJobName(portalID))
	if !ok {
		apiError(w, http.StatusNotFound, "no refresh recorded for portal")
		return
	}
	writeJSON(w, http.StatusOK, jobStatusBody(rec))
}

// ─── MAC management ───

func (s *Server) handleMACDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Portal string `json:"portal"`
		MAC    string `json:"mac"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Portal == "" || req.MAC == "" {
		apiError(w, http.StatusBadRequest, "portal and mac required")
		return
	}
	portal, ok := s.Store.Portal(req.Portal)
	if !ok {
		apiError(w, http.StatusNotFound, "unknown portal")
		return
	}
	mac := strings.ToUpper(req.MAC)
	if _, ok := portal.MACs[mac]; !ok {
		apiError(w, http.StatusNotFound, "unknown mac")
		return
	}
	delete(portal.MACs, mac)
	if err := s.Store.SavePortal(req.Portal, portal); err != nil {
		apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"portal": req.Portal, "macs": len(portal.MACs)})
}

// handleMACsRefresh revalidates every MAC on a portal: handshake, profile,
// expiry. Dead MACs are reported, not removed; removal is the operator's
// call.
func (s *Server) handleMACsRefresh(w http.ResponseWriter, r *http.Request) {
	portalID := portalFrom(r)
	portal, ok := s.Store.Portal(portalID)
	if !ok {
		apiError(w, http.StatusNotFound, "unknown portal")
		return
	}
	type macStatus struct {
		MAC    string `json:"mac"`
		OK     bool   `json:"ok"`
		Expiry string `json:"expiry,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	var results []macStatus
	changed := false
	for mac, info := range portal.MACs {
		st := macStatus{MAC: mac}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		client := s.factory()(portal.URL, mac, stalker.Options{Proxy: portal.Proxy, Timezone: s.Cfg.Timezone})
		s.touchMAC(portalID, mac)
		err := func() error {
			if _, err := client.Token(ctx); err != nil {
				return err
			}
			if profile, err := client.Profile(ctx); err == nil {
				info.WatchdogTimeout = profile.WatchdogTimeout.Int()
				info.PlaybackLimit = profile.PlaybackLimit.Int()
			}
			expiry, err := client.Expiry(ctx)
			if err == nil && expiry != "" {
				info.Expiry = expiry
			}
			return nil
		}()
		cancel()
		if err != nil {
			st.Error = err.Error()
		} else {
			st.OK = true
			st.Expiry = info.Expiry
			portal.MACs[mac] = info
			changed = true
		}
		results = append(results, st)
	}
	if changed {
		if err := s.Store.SavePortal(portalID, portal); err != nil {
			apiError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"portal": portalID, "macs": results})
}

// ─── groups and genres ───

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	portalID := portalFrom(r)
	if portalID == "" {
		apiError(w, http.StatusBadRequest, "portal required")
		return
	}
	groups, err := s.Catalog.Groups(portalID)
	if err != nil {
		apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := 0
	for _, g := range groups {
		if g.Active {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"portal": portalID,
		"groups": groups,
		"active": active,
		"total":  len(groups),
	})
}

// handleGenresSet activates the selected genres. Emission filtering only;
// the catalog rows are untouched.
func (s *Server) handleGenresSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Portal string   `json:"portal"`
		Genres []string `json:"genres"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Portal == "" {
		apiError(w, http.StatusBadRequest, "portal required")
		return
	}
	portal, ok := s.Store.Portal(req.Portal)
	if !ok {
		apiError(w, http.StatusNotFound, "unknown portal")
		return
	}
	stats, err := s.Catalog.SetActiveGenres(req.Portal, portal.Name, req.Genres)
	if err != nil {
		apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	portal.SelectedGenres = req.Genres
	if err := s.Store.SavePortal(req.Portal, portal); err != nil {
		apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGenresList asks the portal live for its genre list, as a fallback
// when the catalog has no groups yet.
func (s *Server) handleGenresList(w http.ResponseWriter, r *http.Request) {
	portalID := portalFrom(r)
	portal, ok := s.Store.Portal(portalID)
	if !ok {
		apiError(w, http.StatusNotFound, "unknown portal")
		return
	}
	var lastErr error
	for mac := range portal.MACs {
		client := s.factory()(portal.URL, mac, stalker.Options{Proxy: portal.Proxy, Timezone: s.Cfg.Timezone})
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		genres, err := func() ([]stalker.Genre, error) {
			if _, err := client.Token(ctx); err != nil {
				return nil, err
			}
			return client.Genres(ctx)
		}()
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		out := make([]map[string]string, 0, len(genres))
		for _, g := range genres {
			out = append(out, map[string]string{"id": g.ID.String(), "title": g.Title.String()})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"portal": portalID, "genres": out})
		return
	}
	apiError(w, http.StatusBadGateway, fmt.Sprintf("no MAC could list genres: %v", lastErr))
}

// ─── EPG API ───

// RefreshEPGSources refreshes custom sources. With ids non-empty only those
// sources run; otherwise every enabled source that is due (or all, when
// force). Exposed for the scheduler loop.
func (s *Server) RefreshEPGSources(ctx context.Context, ids []string, force bool) (int, error) {
	set := s.Store.Settings()
	defaultInterval := time.Duration(set.EPGRefreshHours * float64(time.Hour))
	if s.Cfg.EPGRefreshHours > 0 {
		defaultInterval = time.Duration(s.Cfg.EPGRefreshHours) * time.Hour
	}
	for _, src := range set.EPGCustomSources {
		if src.ID == "" || src.URL == "" {
			continue
		}
		if err := s.Catalog.UpsertEPGSource(catalog.EPGSourceMeta{
			SourceID: src.ID, Name: src.Name, URL: src.URL,
			SourceType: "custom", Enabled: src.Enabled, IntervalHours: src.IntervalHours,
		}); err != nil {
			logging.Warnf("epg: source=%s upsert failed err=%v", src.ID, err)
		}
	}
	wanted := map[string]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	sources, err := s.Catalog.EPGSources()
	if err != nil {
		return 0, err
	}
	refreshed := 0
	var lastErr error
	for _, meta := range sources {
		if meta.SourceType != "custom" {
			continue
		}
		if len(wanted) > 0 && !wanted[meta.SourceID] {
			continue
		}
		if len(wanted) == 0 && !force && !epg.Due(meta, time.Now(), defaultInterval) {
			continue
		}
		if _, err := s.EPG.Refresh(ctx, meta); err != nil {
			logging.Warnf("epg: source=%s refresh failed err=%v", meta.SourceID, err)
			lastErr = err
			continue
		}
		refreshed++
	}
	if refreshed == 0 && lastErr != nil {
		return 0, lastErr
	}
	return refreshed, nil
}

func (s *Server) handleEPGRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EPGIDs []string `json:"epg_ids"`
		Force  bool     `json:"force"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	s.Jobs.Submit("epg-refresh", func(ctx context.Context) (string, error) {
		n, err := s.RefreshEPGSources(ctx, req.EPGIDs, req.Force || len(req.EPGIDs) > 0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sources=%d", n), nil
	})
	rec, _ := s.Jobs.Record("epg-refresh")
	writeJSON(w, http.StatusOK, jobStatusBody(rec))
}

func (s *Server) handleEPGStatus(w http.ResponseWriter, r *http.Request) {
	sources, err := s.Catalog.EPGSources()
	if err != nil {
		apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refreshing := false
	if rec, ok := s.Jobs.Record("epg-refresh"); ok {
		refreshing = rec.Status == jobs.StatusQueued || rec.Status == jobs.StatusRunning
	}
	var last time.Time
	type sourceStatus struct {
		ID            string  `json:"id"`
		Name          string  `json:"name"`
		URL           string  `json:"url"`
		Type          string  `json:"type"`
		Enabled       bool    `json:"enabled"`
		IntervalHours float64 `json:"interval_hours,omitempty"`
		LastFetch     string  `json:"last_fetch,omitempty"`
		LastRefresh   string  `json:"last_refresh,omitempty"`
	}
	out := make([]sourceStatus, 0, len(sources))
	for _, m := range sources {
		st := sourceStatus{
			ID: m.SourceID, Name: m.Name, URL: m.URL, Type: m.SourceType,
			Enabled: m.Enabled, IntervalHours: m.IntervalHours,
		}
		if !m.LastFetch.IsZero() {
			st.LastFetch = m.LastFetch.UTC().Format(time.RFC3339)
		}
		if !m.LastRefresh.IsZero() {
			st.LastRefresh = m.LastRefresh.UTC().Format(time.RFC3339)
			if m.LastRefresh.After(last) {
				last = m.LastRefresh
			}
		}
		out = append(out, st)
	}
	body := map[string]interface{}{
		"is_refreshing": refreshing,
		"sources":       out,
	}
	if !last.IsZero() {
		body["last_refresh"] = last.UTC().Format(time.RFC3339)
	}
	if _, meta, err := s.Cache.Read(); err == nil {
		body["cache"] = meta
	}
	writeJSON(w, http.StatusOK, body)
}

// ─── HDHomeRun surface ───

func (s *Server) hdhrID() string {
	set := s.Store.Settings()
	if set.HDHRID != "" {
		return set.HDHRID
	}
	return "macbridge01"
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	set := s.Store.Settings()
	tuners := set.HDHRTuners
	if tuners <= 0 {
		tuners = 2
	}
	name := set.HDHRName
	if name == "" {
		name = "macbridge"
	}
	base := s.publicBase(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"FriendlyName": name,
		"BaseURL":      base,
		"LineupURL":    base + "/lineup.json",
		"TunerCount":   tuners,
		"DeviceID":     s.hdhrID(),
	})
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ScanInProgress": 0,
		"ScanPossible":   1,
	})
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Catalog.EnabledChannels()
	if err != nil {
		apiError(w, http.StatusInternalServerError, err.Error())
		return
	}
	base := s.publicBase(r)
	out := make([]map[string]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, map[string]string{
			"GuideNumber": c.EffectiveNumber(),
			"GuideName":   c.EffectiveDisplayName(),
			"URL":         base + "/play/" + c.PortalID + "/" + c.ChannelID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Catalog.EnabledChannels()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}
	if len(channels) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"channels": len(channels),
	})
}

// Package server is the HTTP surface: playlist and guide emission, stream
// dispatch, and the operator API.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/snapetech/macbridge/internal/catalog"
	"github.com/snapetech/macbridge/internal/config"
	"github.com/snapetech/macbridge/internal/dispatch"
	"github.com/snapetech/macbridge/internal/epg"
	"github.com/snapetech/macbridge/internal/jobs"
	"github.com/snapetech/macbridge/internal/logging"
	"github.com/snapetech/macbridge/internal/match"
	"github.com/snapetech/macbridge/internal/normalize"
	"github.com/snapetech/macbridge/internal/stalker"
)

// PortalClient is the slice of the portal protocol the server needs. The
// indirection exists so handler tests can run against a fake portal.
type PortalClient interface {
	Token(ctx context.Context) (string, error)
	Profile(ctx context.Context) (*stalker.Profile, error)
	Expiry(ctx context.Context) (string, error)
	AllChannels(ctx context.Context) ([]stalker.Channel, error)
	Genres(ctx context.Context) ([]stalker.Genre, error)
	StreamURL(ctx context.Context, cmd string) (string, error)
	EPG(ctx context.Context, periodHours int) (map[string][]stalker.Programme, error)
}

// ClientFactory builds a portal client for one (portal URL, MAC) pair.
type ClientFactory func(portalURL, mac string, opts stalker.Options) PortalClient

func defaultFactory(portalURL, mac string, opts stalker.Options) PortalClient {
	return stalker.New(portalURL, mac, opts)
}

// Server wires the whole service together.
type Server struct {
	Cfg     *config.Config
	Store   *config.Store
	Catalog *catalog.Store
	EPG     *epg.Manager
	Cache   *epg.Cache
	Jobs    *jobs.Manager
	Table   *dispatch.Table

	// NewClient defaults to the real portal client.
	NewClient ClientFactory

	// lastSeen tracks when each (portal, mac) last touched the portal, for
	// idle scoring.
	seenMu   sync.Mutex
	lastSeen map[string]time.Time

	matcherMu sync.Mutex
	matcher   *match.Matcher
}

// New builds a server over opened stores.
func New(cfg *config.Config, store *config.Store, cat *catalog.Store, mgr *epg.Manager, jm *jobs.Manager) *Server {
	s := &Server{
		Cfg:       cfg,
		Store:     store,
		Catalog:   cat,
		EPG:       mgr,
		Cache:     &epg.Cache{Path: cfg.EPGCachePath()},
		Jobs:      jm,
		Table:     dispatch.NewTable(),
		NewClient: defaultFactory,
		lastSeen:  map[string]time.Time{},
	}
	store.OnChange(s.invalidateMatcher)
	return s
}

func (s *Server) factory() ClientFactory {
	if s.NewClient != nil {
		return s.NewClient
	}
	return defaultFactory
}

func (s *Server) invalidateMatcher() {
	s.matcherMu.Lock()
	s.matcher = nil
	s.matcherMu.Unlock()
}

// stationMatcher lazily loads the station directory named in settings.
func (s *Server) stationMatcher() *match.Matcher {
	s.matcherMu.Lock()
	defer s.matcherMu.Unlock()
	if s.matcher != nil {
		return s.matcher
	}
	set := s.Store.Settings()
	if set.StationsDBPath == "" {
		return nil
	}
	stations, err := match.LoadFile(set.StationsDBPath)
	if err != nil {
		logging.Warnf("server: station directory %s unavailable err=%v", set.StationsDBPath, err)
		return nil
	}
	s.matcher = match.New(stations, set.MatchThreshold)
	return s.matcher
}

// ruleSet compiles the tag rules from the current settings.
func (s *Server) ruleSet() *normalize.RuleSet {
	set := s.Store.Settings()
	rules := normalize.ParseLabeled(normalize.GroupResolution, set.TagResolutionRules)
	rules = append(rules, normalize.ParseLabeled(normalize.GroupVideoCodec, set.TagVideoCodecRules)...)
	rules = append(rules, normalize.ParseLabeled(normalize.GroupAudio, set.TagAudioRules)...)
	rules = append(rules, normalize.ParseList(normalize.GroupEvent, set.TagEventRules)...)
	rules = append(rules, normalize.ParseList(normalize.GroupMisc, set.TagMiscRules)...)
	headers := normalize.ParseList("header", set.TagHeaderRules)
	headerPatterns := make([]string, 0, len(headers))
	for _, h := range headers {
		headerPatterns = append(headerPatterns, h.Pattern)
	}
	rs := normalize.NewRuleSet(rules, headerPatterns, normalize.ParseCountryCodes(set.TagCountryCodes))
	for _, p := range rs.Invalid {
		logging.Warnf("server: tag pattern skipped (not valid RE2): %s", p)
	}
	return rs
}

func (s *Server) touchMAC(portalID, mac string) {
	s.seenMu.Lock()
	s.lastSeen[portalID+"|"+mac] = time.Now()
	s.seenMu.Unlock()
}

func (s *Server) idleSeconds(portalID, mac string) float64 {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	t, ok := s.lastSeen[portalID+"|"+mac]
	if !ok {
		// Never used this run: fully rested.
		return 1e9
	}
	return time.Since(t).Seconds()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /playlist.m3u", s.handlePlaylist)
	mux.HandleFunc("GET /xmltv", s.handleXMLTV)
	mux.HandleFunc("GET /play/{portal_id}/{channel_id}", s.handlePlay)
	mux.HandleFunc("GET /streaming", s.handleStreaming)

	mux.HandleFunc("POST /api/portal/refresh", s.handlePortalRefresh)
	mux.HandleFunc("POST /api/portal/refresh/status", s.handleRefreshStatus)
	mux.HandleFunc("POST /api/portal/mac/delete", s.handleMACDelete)
	mux.HandleFunc("POST /api/portal/macs/refresh", s.handleMACsRefresh)
	mux.HandleFunc("POST /api/portal/groups", s.handleGroups)
	mux.HandleFunc("POST /api/portal/genres/list", s.handleGenresList)
	mux.HandleFunc("POST /api/portal/genres", s.handleGenresSet)

	mux.HandleFunc("POST /api/epg/refresh", s.handleEPGRefresh)
	mux.HandleFunc("GET /api/epg/status", s.handleEPGStatus)

	mux.HandleFunc("GET /discover.json", s.ifHDHR(s.handleDiscover))
	mux.HandleFunc("GET /lineup_status.json", s.ifHDHR(s.handleLineupStatus))
	mux.HandleFunc("GET /lineup.json", s.ifHDHR(s.handleLineup))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return logRequests(mux)
}

// ifHDHR serves the HDHomeRun surface only while the operator has it
// enabled. Checked per request: the setting can change without a restart.
func (s *Server) ifHDHR(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Store.Settings().EnableHDHR {
			http.NotFound(w, r)
			return
		}
		next(w, r)
	}
}

// Run blocks until ctx is cancelled or the listener fails. On shutdown it
// stops accepting connections and drains in-flight requests briefly; live
// streams are cut by the context.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Cfg.BindHost + ":" + strconv.Itoa(s.Cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	serverErr := make(chan error, 1)
	go func() {
		logging.Infof("server: listening on %s public=%s", addr, s.Cfg.PublicHost)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		logging.Infof("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("server: shutdown err=%v", err)
		}
		<-serverErr
		return nil
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		logging.Infof("http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}

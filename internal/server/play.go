package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/snapetech/macbridge/internal/catalog"
	"github.com/snapetech/macbridge/internal/config"
	"github.com/snapetech/macbridge/internal/dispatch"
	"github.com/snapetech/macbridge/internal/logging"
	"github.com/snapetech/macbridge/internal/macsched"
	"github.com/snapetech/macbridge/internal/stalker"
)

// streamLimit resolves the per-MAC cap: the smaller of the operator's
// streams-per-mac setting and the portal-reported playback limit, ignoring
// zeros; 1 when neither is known.
func streamLimit(portal config.Portal, mac config.MAC) int {
	configured := portal.StreamsPerMAC
	reported := mac.PlaybackLimit
	switch {
	case configured > 0 && reported > 0:
		if reported < configured {
			return reported
		}
		return configured
	case configured > 0:
		return configured
	case reported > 0:
		return reported
	default:
		return 1
	}
}

func (s *Server) candidates(portalID string, portal config.Portal) []macsched.Candidate {
	out := make([]macsched.Candidate, 0, len(portal.MACs))
	for mac, info := range portal.MACs {
		// The portal-reported watchdog timeout is the idle signal; our own
		// last-contact tracking fills in when the portal never reported one.
		idle := float64(info.WatchdogTimeout)
		if info.WatchdogTimeout <= 0 {
			idle = s.idleSeconds(portalID, mac)
		}
		out = append(out, macsched.Candidate{
			MAC:         mac,
			IdleSeconds: idle,
			Limit:       streamLimit(portal, info),
			Active:      s.Table.Active(portalID, mac),
			Expiry:      info.ExpiryTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (s *Server) dispatcher() *dispatch.Dispatcher {
	set := s.Store.Settings()
	return &dispatch.Dispatcher{
		Table:        s.Table,
		FFmpegPath:   s.Cfg.FFmpeg,
		FFprobePath:  s.Cfg.FFprobe,
		Template:     set.FFmpegCommand,
		StartupGrace: 3 * time.Second,
		Timeout:      time.Duration(set.FFmpegTimeout) * time.Second,
	}
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	portalID := r.PathValue("portal_id")
	channelID := r.PathValue("channel_id")

	portal, ok := s.Store.Portal(portalID)
	if !ok || !portal.Enabled {
		http.Error(w, "unknown portal", http.StatusNotFound)
		return
	}
	ch, err := s.Catalog.Channel(portalID, channelID)
	if err != nil {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	set := s.Store.Settings()
	mode := dispatch.ModeFFmpeg
	if set.StreamMethod == "direct" || set.StreamMethod == "redirect" {
		mode = dispatch.ModeDirect
	}

	ctx := r.Context()
	d := s.dispatcher()
	session := dispatch.NewSession(portalID, channelID, "", r.RemoteAddr)

	cands := s.candidates(portalID, portal)
	ranked := macsched.Rank(cands, macsched.DefaultWeights, time.Now())
	if len(ranked) == 0 {
		logging.Warnf("play: portal=%s channel=%s no usable MAC", portalID, channelID)
		http.Error(w, "no capacity", http.StatusBadGateway)
		return
	}

	streamed := false
	for _, cand := range ranked {
		if ctx.Err() != nil {
			break
		}
		limit := streamLimit(portal, portal.MACs[cand.MAC])
		if session.MAC == "" {
			session.MAC = cand.MAC
			if !s.Table.Reserve(session, limit) {
				session.MAC = ""
				continue
			}
		} else if !s.Table.Move(session, cand.MAC, limit) {
			continue
		}

		if s.tryStream(ctx, w, d, session, portal, ch, cand.MAC, mode) {
			streamed = true
			break
		}
		if !set.TryAllMACs {
			break
		}
	}
	if session.MAC != "" {
		s.Table.Release(session)
	}
	if !streamed && session.BytesOut() == 0 && ctx.Err() == nil {
		http.Error(w, "stream unavailable", http.StatusBadGateway)
	}
}

// updateMACProfile records fresh watchdog/limit values on the MAC, best
// effort. A failed profile call never blocks playback.
func (s *Server) updateMACProfile(ctx context.Context, client PortalClient, portalID, mac string) {
	profile, err := client.Profile(ctx)
	if err != nil {
		return
	}
	portal, ok := s.Store.Portal(portalID)
	if !ok {
		return
	}
	info, ok := portal.MACs[mac]
	if !ok {
		return
	}
	watchdog, limit := profile.WatchdogTimeout.Int(), profile.PlaybackLimit.Int()
	if info.WatchdogTimeout == watchdog && info.PlaybackLimit == limit {
		return
	}
	info.WatchdogTimeout = watchdog
	info.PlaybackLimit = limit
	portal.MACs[mac] = info
	if err := s.Store.SavePortal(portalID, portal); err != nil {
		logging.Debugf("play: portal=%s mac=%s profile save failed err=%v", portalID, mac, err)
	}
}

// tryStream resolves a link on one MAC and pipes it. Returns true when the
// client received data (success or mid-stream termination, neither of which
// allows another attempt).
func (s *Server) tryStream(ctx context.Context, w http.ResponseWriter, d *dispatch.Dispatcher,
	session *dispatch.Session, portal config.Portal, ch *catalog.Channel, mac string, mode dispatch.Mode) bool {

	client := s.factory()(portal.URL, mac, stalker.Options{Proxy: portal.Proxy, Timezone: s.Cfg.Timezone})
	s.touchMAC(session.PortalID, mac)
	if _, err := client.Token(ctx); err != nil {
		logging.Warnf("play: portal=%s mac=%s handshake failed err=%v", session.PortalID, mac, err)
		return false
	}
	s.updateMACProfile(ctx, client, session.PortalID, mac)

	set := s.Store.Settings()
	url, err := client.StreamURL(ctx, ch.Cmd)
	if err != nil {
		if errors.Is(err, stalker.ErrNoLink) {
			return false
		}
		logging.Warnf("play: portal=%s mac=%s link failed err=%v", session.PortalID, mac, err)
		return false
	}
	if set.TestStreams {
		if err := d.Pretest(ctx, url); err != nil {
			logging.Debugf("play: portal=%s channel=%s pretest rejected %s: %v", session.PortalID, session.ChannelID, url, err)
			return false
		}
	}

	w.Header().Set("Content-Type", "video/mp2t")
	err = d.Pipe(ctx, w, session, url, mode, portal.Proxy)
	if err == nil || session.BytesOut() > 0 {
		logging.Infof("play: portal=%s channel=%s mac=%s bytes=%d state=%s",
			session.PortalID, session.ChannelID, mac, session.BytesOut(), session.State())
		return true
	}
	return false
}

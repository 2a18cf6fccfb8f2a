package epg

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/snapetech/macbridge/internal/catalog"
)

// PortalSourceID names the implicit guide source fed by a portal's own EPG
// endpoint.
func PortalSourceID(portalID string) string { return "portal:" + portalID }

// Emitter writes the merged XMLTV guide for a set of catalog channels.
// Programme data per channel resolves in order: the channel's effective EPG
// id verbatim in a source, then a display-name alias, then the portal's own
// guide. The first source with any rows wins; later ones are not merged in.
type Emitter struct {
	Manager *Manager
	Catalog *catalog.Store

	// OffsetMinutes shifts a portal's programme times, keyed by portal id.
	OffsetMinutes map[string]int

	// Window is how far ahead the guide extends. Zero means 48h.
	Window time.Duration

	// Past is how far back the guide reaches. Zero means 2h.
	Past time.Duration

	Now func() time.Time
}

func (e *Emitter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Emitter) window() time.Duration {
	if e.Window > 0 {
		return e.Window
	}
	return 48 * time.Hour
}

func (e *Emitter) past() time.Duration {
	if e.Past > 0 {
		return e.Past
	}
	return 2 * time.Hour
}

func escape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// WriteXMLTV streams the guide document to w. Channels sharing an effective
// EPG id are emitted once.
func (e *Emitter) WriteXMLTV(w io.Writer, channels []catalog.Channel) error {
	verbatim, err := e.Catalog.VerbatimEPGIndex()
	if err != nil {
		return err
	}
	aliases, err := e.Catalog.AliasEPGIndex()
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(w, 64<<10)
	fmt.Fprintln(bw, `<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintln(bw, `<tv generator-info-name="macbridge">`)

	type emitted struct {
		channel catalog.Channel
		epgID   string
	}
	seen := map[string]struct{}{}
	var order []emitted
	for _, c := range channels {
		id := c.EffectiveEPGID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, emitted{channel: c, epgID: id})

		fmt.Fprintf(bw, "  <channel id=\"%s\">\n", escape(id))
		fmt.Fprintf(bw, "    <display-name>%s</display-name>\n", escape(c.EffectiveDisplayName()))
		if icon := channelIcon(c); icon != "" {
			fmt.Fprintf(bw, "    <icon src=\"%s\" />\n", escape(icon))
		}
		if lcn := c.EffectiveNumber(); lcn != "" {
			fmt.Fprintf(bw, "    <lcn>%s</lcn>\n", escape(lcn))
		}
		fmt.Fprintln(bw, "  </channel>")
	}

	from := e.now().Add(-e.past())
	to := e.now().Add(e.window())
	for _, em := range order {
		rows, err := e.programmesFor(em.channel, em.epgID, verbatim, aliases, from, to)
		if err != nil {
			return err
		}
		offset := time.Duration(e.OffsetMinutes[em.channel.PortalID]) * time.Minute
		for _, p := range rows {
			writeProgramme(bw, em.epgID, p, offset)
		}
	}
	fmt.Fprintln(bw, "</tv>")
	return bw.Flush()
}

func channelIcon(c catalog.Channel) string {
	if c.Logo != "" {
		return c.Logo
	}
	return c.MatchedLogo
}

func (e *Emitter) programmesFor(c catalog.Channel, epgID string, verbatim, aliases map[string]catalog.EPGRef, from, to time.Time) ([]Programme, error) {
	var refs []catalog.EPGRef
	if ref, ok := verbatim[epgID]; ok {
		refs = append(refs, ref)
	}
	nameKey := strings.ToLower(strings.TrimSpace(c.EffectiveDisplayName()))
	if ref, ok := aliases[nameKey]; ok {
		refs = append(refs, ref)
	}
	refs = append(refs, catalog.EPGRef{SourceID: PortalSourceID(c.PortalID), ChannelID: c.ChannelID})

	for _, ref := range refs {
		rows, err := e.Manager.Programmes(ref.SourceID, ref.ChannelID, from, to)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}
	return nil, nil
}

func writeProgramme(w io.Writer, epgID string, p Programme, offset time.Duration) {
	fmt.Fprintf(w, "  <programme start=\"%s\" stop=\"%s\" channel=\"%s\">\n",
		FormatXMLTVTime(p.Start.Add(offset)), FormatXMLTVTime(p.Stop.Add(offset)), escape(epgID))
	fmt.Fprintf(w, "    <title>%s</title>\n", escape(p.Title))
	if p.SubTitle != "" {
		fmt.Fprintf(w, "    <sub-title>%s</sub-title>\n", escape(p.SubTitle))
	}
	if p.Desc != "" {
		fmt.Fprintf(w, "    <desc>%s</desc>\n", escape(p.Desc))
	}
	if p.Category != "" {
		fmt.Fprintf(w, "    <category>%s</category>\n", escape(p.Category))
	}
	if p.Episode != "" {
		fmt.Fprintf(w, "    <episode-num>%s</episode-num>\n", escape(p.Episode))
	}
	if p.Rating != "" {
		fmt.Fprintf(w, "    <rating><value>%s</value></rating>\n", escape(p.Rating))
	}
	if p.Icon != "" {
		fmt.Fprintf(w, "    <icon src=\"%s\" />\n", escape(p.Icon))
	}
	fmt.Fprintln(w, "  </programme>")
}

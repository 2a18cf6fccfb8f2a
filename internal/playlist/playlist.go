// Package playlist renders the M3U playlist clients tune from. Output is
// deterministic: same catalog state, same bytes.
package playlist

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/snapetech/macbridge/internal/catalog"
)

// Options configures one rendering.
type Options struct {
	// BaseURL is the public origin clients reach us on, no trailing slash.
	BaseURL string
	// GuidePath is appended to BaseURL for url-tvg. Default "/xmltv".
	GuidePath string

	// IncludeNumbers emits tvg-chno; IncludeGenres emits group-title.
	IncludeNumbers bool
	IncludeGenres  bool

	// Ordering, first match wins: name keeps the catalog's display-name
	// order, then numeric channel number (needs IncludeNumbers), then
	// genre (needs IncludeGenres).
	SortByName   bool
	SortByNumber bool
	SortByGenre  bool
}

func (o Options) guideURL() string {
	p := o.GuidePath
	if p == "" {
		p = "/xmltv"
	}
	return strings.TrimSuffix(o.BaseURL, "/") + p
}

// Write renders the playlist for channels, which must already be filtered by
// the catalog and arrive in display-name order. Attribute order inside
// #EXTINF is fixed so the output is byte-stable across runs.
func Write(w io.Writer, channels []catalog.Channel, o Options) error {
	channels = reorder(channels, o)
	bw := bufio.NewWriterSize(w, 64<<10)
	bw.WriteString("#EXTM3U url-tvg=\"" + o.guideURL() + "\"\n")
	base := strings.TrimSuffix(o.BaseURL, "/")
	for _, c := range channels {
		name := strings.ReplaceAll(c.EffectiveDisplayName(), ",", " ")
		bw.WriteString("#EXTINF:-1")
		attr(bw, "tvg-id", c.EffectiveEPGID())
		attr(bw, "tvg-name", name)
		attr(bw, "tvg-logo", logoFor(c))
		if o.IncludeNumbers {
			attr(bw, "tvg-chno", c.EffectiveNumber())
		}
		if o.IncludeGenres {
			attr(bw, "group-title", c.EffectiveGenre())
		}
		bw.WriteString("," + name + "\n")
		bw.WriteString(base + "/play/" + c.PortalID + "/" + c.ChannelID + "\n")
	}
	return bw.Flush()
}

// reorder applies the operator's sort preference. Input order (display name)
// is the tiebreak, so equal keys stay stable.
func reorder(channels []catalog.Channel, o Options) []catalog.Channel {
	switch {
	case o.SortByName:
		return channels
	case o.IncludeNumbers && o.SortByNumber:
		out := append([]catalog.Channel(nil), channels...)
		sort.SliceStable(out, func(i, j int) bool {
			return numberKey(out[i]) < numberKey(out[j])
		})
		return out
	case o.IncludeGenres && o.SortByGenre:
		out := append([]catalog.Channel(nil), channels...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EffectiveGenre() < out[j].EffectiveGenre()
		})
		return out
	}
	return channels
}

// numberKey sorts numbered channels numerically, unnumbered ones last.
func numberKey(c catalog.Channel) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.EffectiveNumber()))
	if err != nil || n <= 0 {
		return int(^uint(0) >> 1)
	}
	return n
}

func logoFor(c catalog.Channel) string {
	if c.Logo != "" {
		return c.Logo
	}
	return c.MatchedLogo
}

// attr appends key="value", skipping empty values entirely rather than
// emitting empty attributes.
func attr(w *bufio.Writer, key, value string) {
	if value == "" {
		return
	}
	w.WriteString(" " + key + "=\"" + escapeAttr(value) + "\"")
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "\"", "'")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

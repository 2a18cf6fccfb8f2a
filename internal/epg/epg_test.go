package epg

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snapetech/macbridge/internal/catalog"
)

func testManager(t *testing.T) (*Manager, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })
	m := NewManager(filepath.Join(dir, "epg"), cat)
	t.Cleanup(func() { m.Close() })
	return m, cat
}

func sampleFeed(start time.Time) string {
	s := FormatXMLTVTime(start)
	e := FormatXMLTVTime(start.Add(time.Hour))
	return `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1.uk"><display-name>BBC One</display-name><display-name>BBC 1</display-name><icon src="http://logo/bbc1.png"/></channel>
  <channel id="espn.us"><display-name>ESPN</display-name></channel>
  <programme start="` + s + `" stop="` + e + `" channel="bbc1.uk"><title>News &amp; Weather</title><desc>Evening bulletin</desc></programme>
  <programme start="` + s + `" stop="` + e + `" channel="espn.us"><title>Game</title></programme>
  <programme start="bogus" stop="x" channel="espn.us"><title>Skipped</title></programme>
</tv>`
}

func TestRefreshIngestsFeed(t *testing.T) {
	m, cat := testManager(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sampleFeed(start))
	}))
	defer srv.Close()

	meta := catalog.EPGSourceMeta{SourceID: "src1", URL: srv.URL, Enabled: true}
	if err := cat.UpsertEPGSource(meta); err != nil {
		t.Fatal(err)
	}
	res, err := m.Refresh(context.Background(), meta)
	if err != nil {
		t.Fatal(err)
	}
	if res.Channels != 2 || res.Programmes != 2 {
		t.Fatalf("result = %+v", res)
	}

	rows, err := m.Programmes("src1", "bbc1.uk", start.Add(-time.Hour), start.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Title != "News & Weather" {
		t.Fatalf("rows = %+v", rows)
	}

	sources, err := cat.EPGSources()
	if err != nil || len(sources) != 1 {
		t.Fatalf("sources = %v err = %v", sources, err)
	}
	if sources[0].LastRefresh.IsZero() {
		t.Error("last_refresh not recorded")
	}

	aliases, err := cat.AliasEPGIndex()
	if err != nil {
		t.Fatal(err)
	}
	if ref, ok := aliases["bbc 1"]; !ok || ref.ChannelID != "bbc1.uk" {
		t.Errorf("alias index = %v", aliases)
	}
}

func TestRefreshToleratesMismatchedEndTag(t *testing.T) {
	m, cat := testManager(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(time.Hour)
	s := FormatXMLTVTime(start)
	e := FormatXMLTVTime(start.Add(time.Hour))
	feed := `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1.uk"><display-name>BBC One</display-name></channel>
  <programme start="` + s + `" stop="` + e + `" channel="bbc1.uk"><title>First</title></programme>
  <programme start="` + s + `" stop="` + e + `" channel="bbc1.uk"><title>bad</wrong></programme>
  <programme start="` + s + `" stop="` + e + `" channel="bbc1.uk"><title>Last</title></programme>
</tv>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	meta := catalog.EPGSourceMeta{SourceID: "src1", URL: srv.URL, Enabled: true}
	if err := cat.UpsertEPGSource(meta); err != nil {
		t.Fatal(err)
	}
	res, err := m.Refresh(context.Background(), meta)
	if err != nil {
		t.Fatalf("one broken element failed the whole feed: %v", err)
	}
	if res.Channels != 1 || res.Programmes == 0 || res.Skipped == 0 {
		t.Fatalf("result = %+v", res)
	}
	rows, err := m.Programmes("src1", "bbc1.uk", start.Add(-time.Hour), start.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	titles := map[string]bool{}
	for _, p := range rows {
		titles[p.Title] = true
	}
	if !titles["First"] {
		t.Fatalf("valid programmes lost, rows = %+v", rows)
	}
	sources, err := cat.EPGSources()
	if err != nil || len(sources) != 1 {
		t.Fatalf("sources = %v err = %v", sources, err)
	}
	if sources[0].LastRefresh.IsZero() {
		t.Error("partial success did not record last_refresh")
	}
}

func TestRefreshKeepsRowsBeforeUnrecoverableGarbage(t *testing.T) {
	m, cat := testManager(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(time.Hour)
	s := FormatXMLTVTime(start)
	e := FormatXMLTVTime(start.Add(time.Hour))
	feed := `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="bbc1.uk"><display-name>BBC One</display-name></channel>
  <programme start="` + s + `" stop="` + e + `" channel="bbc1.uk"><title>Kept</title></programme>
  <programme <<<garbage
</tv>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	meta := catalog.EPGSourceMeta{SourceID: "src1", URL: srv.URL, Enabled: true}
	if err := cat.UpsertEPGSource(meta); err != nil {
		t.Fatal(err)
	}
	res, err := m.Refresh(context.Background(), meta)
	if err != nil {
		t.Fatalf("garbage tail failed the whole feed: %v", err)
	}
	if res.Programmes != 1 || res.Skipped == 0 {
		t.Fatalf("result = %+v", res)
	}
	rows, err := m.Programmes("src1", "bbc1.uk", start.Add(-time.Hour), start.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Title != "Kept" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestReplaceProgrammesHonorsRetention(t *testing.T) {
	m, _ := testManager(t)
	m.Retention = 2 * time.Hour
	now := time.Now().UTC()
	res, err := m.ReplaceProgrammes("src1", []Programme{
		{ChannelID: "a", Start: now.Add(-4 * time.Hour), Stop: now.Add(-3 * time.Hour), Title: "Stale"},
		{ChannelID: "a", Start: now, Stop: now.Add(time.Hour), Title: "Fresh"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Pruned != 1 {
		t.Fatalf("result = %+v", res)
	}
	rows, err := m.Programmes("src1", "a", now.Add(-24*time.Hour), now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Title != "Fresh" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestFetchGzipFeed(t *testing.T) {
	start := time.Now().UTC().Add(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, sampleFeed(start))
		gz.Close()
	}))
	defer srv.Close()

	rc, err := Fetch(context.Background(), srv.Client(), srv.URL+"/guide.xml")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "<tv>") {
		t.Errorf("decoded body missing xml: %q", buf.String()[:60])
	}
}

func TestFetchSniffsUnlabeledGzip(t *testing.T) {
	start := time.Now().UTC().Add(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Encoding, no .gz suffix; only the magic bytes give
		// the compression away.
		w.Header().Set("Content-Type", "application/octet-stream")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, sampleFeed(start))
		gz.Close()
	}))
	defer srv.Close()

	rc, err := Fetch(context.Background(), srv.Client(), srv.URL+"/guide")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "<tv>") {
		t.Errorf("decoded body missing xml: %q", buf.String()[:60])
	}
}

func TestParseXMLTVTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"20260105180000 +0000", time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC), true},
		{"20260105180000 +0100", time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC), true},
		{"20260105180000", time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC), true},
		{"garbage", time.Time{}, false},
	}
	for _, tc := range tests {
		got, err := ParseXMLTVTime(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("ParseXMLTVTime(%q) err = %v", tc.in, err)
			continue
		}
		if tc.ok && !got.Equal(tc.want) {
			t.Errorf("ParseXMLTVTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEmitterRoundTrip(t *testing.T) {
	m, cat := testManager(t)
	start := time.Now().UTC().Truncate(time.Minute).Add(time.Hour)
	if _, err := m.ReplaceProgrammes("src1", []Programme{
		{ChannelID: "bbc1.uk", Start: start, Stop: start.Add(time.Hour), Title: "News <live>", SubTitle: "Late Edition", Desc: "A & B", Rating: "PG"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := cat.ReplaceEPGChannels("src1", []catalog.EPGChannel{
		{ChannelID: "bbc1.uk", DisplayName: "BBC One"},
	}); err != nil {
		t.Fatal(err)
	}

	chans := []catalog.Channel{
		{PortalID: "p1", ChannelID: "77", Name: "BBC ONE FHD", Number: "101", AutoName: "BBC One", CustomEPGID: "bbc1.uk", Enabled: true},
	}
	e := &Emitter{Manager: m, Catalog: cat}
	var buf bytes.Buffer
	if err := e.WriteXMLTV(&buf, chans); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `<channel id="bbc1.uk">`) {
		t.Errorf("missing channel element:\n%s", out)
	}
	if !strings.Contains(out, "News &lt;live&gt;") {
		t.Errorf("title not escaped:\n%s", out)
	}
	if !strings.Contains(out, "<lcn>101</lcn>") {
		t.Errorf("channel number missing:\n%s", out)
	}
	if !strings.Contains(out, "<sub-title>Late Edition</sub-title>") {
		t.Errorf("sub-title missing:\n%s", out)
	}
	if !strings.Contains(out, "<rating><value>PG</value></rating>") {
		t.Errorf("rating missing:\n%s", out)
	}
	// The emitted document must parse back cleanly.
	dec := xml.NewDecoder(strings.NewReader(out))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("emitted xml does not parse: %v", err)
		}
	}
}

func TestEmitterOffsetAndFallback(t *testing.T) {
	m, cat := testManager(t)
	start := time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC)
	now := start.Add(-time.Hour)
	// Guide rows only in the portal's own source.
	if _, err := m.ReplaceProgrammes(PortalSourceID("p1"), []Programme{
		{ChannelID: "42", Start: start, Stop: start.Add(time.Hour), Title: "Portal Show"},
	}); err != nil {
		t.Fatal(err)
	}
	chans := []catalog.Channel{{PortalID: "p1", ChannelID: "42", Name: "Some Channel", Enabled: true}}
	e := &Emitter{
		Manager:       m,
		Catalog:       cat,
		OffsetMinutes: map[string]int{"p1": 60},
		Now:           func() time.Time { return now },
	}
	var buf bytes.Buffer
	if err := e.WriteXMLTV(&buf, chans); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `<channel id="p1.42">`) {
		t.Errorf("fallback epg id missing:\n%s", out)
	}
	if !strings.Contains(out, "Portal Show") {
		t.Errorf("portal guide fallback missing:\n%s", out)
	}
	shifted := FormatXMLTVTime(start.Add(time.Hour))
	if !strings.Contains(out, `start="`+shifted+`"`) {
		t.Errorf("offset not applied, want start %s in:\n%s", shifted, out)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := &Cache{Path: filepath.Join(t.TempDir(), "epg_cache.xml")}
	doc := []byte("<tv></tv>")
	if err := c.Write(doc, 3); err != nil {
		t.Fatal(err)
	}
	got, meta, err := c.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, doc) || meta.Channels != 3 || meta.Bytes != len(doc) {
		t.Fatalf("got %q meta %+v", got, meta)
	}
	if _, _, err := (&Cache{Path: filepath.Join(t.TempDir(), "none.xml")}).Read(); !os.IsNotExist(err) {
		t.Errorf("err = %v", err)
	}
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		meta catalog.EPGSourceMeta
		want bool
	}{
		{catalog.EPGSourceMeta{Enabled: false}, false},
		{catalog.EPGSourceMeta{Enabled: true}, true},
		{catalog.EPGSourceMeta{Enabled: true, LastRefresh: now.Add(-13 * time.Hour)}, true},
		{catalog.EPGSourceMeta{Enabled: true, LastRefresh: now.Add(-1 * time.Hour)}, false},
		{catalog.EPGSourceMeta{Enabled: true, IntervalHours: 0.5, LastRefresh: now.Add(-45 * time.Minute)}, true},
	}
	for i, tc := range tests {
		if got := Due(tc.meta, now, 12*time.Hour); got != tc.want {
			t.Errorf("case %d: Due = %v, want %v", i, got, tc.want)
		}
	}
}

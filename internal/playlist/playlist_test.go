package playlist

import (
	"bytes"
	"strings"
	"testing"

	"github.com/snapetech/macbridge/internal/catalog"
)

func testChannels() []catalog.Channel {
	return []catalog.Channel{
		{
			PortalID: "p1", ChannelID: "100",
			Name: "UK: BBC ONE FHD", AutoName: "BBC One",
			Number: "1", Genre: "Entertainment",
			Logo:             "http://logo/bbc1.png",
			MatchedStationID: "bbc1.uk",
		},
		{
			PortalID: "p2", ChannelID: "55",
			Name:        "ESPN \"HD\", live",
			CustomName:  "ESPN",
			CustomGenre: "Sports",
			MatchedLogo: "http://logo/espn.png",
		},
	}
}

func TestWritePlaylist(t *testing.T) {
	var buf bytes.Buffer
	o := Options{BaseURL: "http://host:8001", IncludeNumbers: true, IncludeGenres: true, SortByName: true}
	if err := Write(&buf, testChannels(), o); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %d:\n%s", len(lines), buf.String())
	}
	if lines[0] != `#EXTM3U url-tvg="http://host:8001/xmltv"` {
		t.Errorf("header = %q", lines[0])
	}
	want := `#EXTINF:-1 tvg-id="bbc1.uk" tvg-name="BBC One" tvg-logo="http://logo/bbc1.png" tvg-chno="1" group-title="Entertainment",BBC One`
	if lines[1] != want {
		t.Errorf("extinf:\n got %q\nwant %q", lines[1], want)
	}
	if lines[2] != "http://host:8001/play/p1/100" {
		t.Errorf("stream url = %q", lines[2])
	}
	if !strings.Contains(lines[3], `tvg-id="p2.55"`) {
		t.Errorf("fallback epg id missing: %q", lines[3])
	}
	if !strings.Contains(lines[3], `tvg-logo="http://logo/espn.png"`) {
		t.Errorf("matched logo not used: %q", lines[3])
	}
	if strings.Contains(lines[3], "tvg-chno") {
		t.Errorf("empty attr emitted: %q", lines[3])
	}
	if strings.Contains(lines[3], `"HD"`) {
		t.Errorf("quotes not escaped: %q", lines[3])
	}
}

func TestWriteByteStable(t *testing.T) {
	var a, b bytes.Buffer
	o := Options{BaseURL: "http://host:8001/"}
	if err := Write(&a, testChannels(), o); err != nil {
		t.Fatal(err)
	}
	if err := Write(&b, testChannels(), o); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("same input produced different bytes")
	}
}

func TestWriteSortAndAttributeToggles(t *testing.T) {
	chans := []catalog.Channel{
		{PortalID: "p1", ChannelID: "1", Name: "Alpha", Number: "20", Genre: "News"},
		{PortalID: "p1", ChannelID: "2", Name: "Bravo", Number: "3", Genre: "Sports"},
		{PortalID: "p1", ChannelID: "3", Name: "Charlie", Genre: "Kids"},
	}

	// Numeric sort: 3, 20, then the unnumbered channel.
	var buf bytes.Buffer
	o := Options{BaseURL: "http://h", IncludeNumbers: true, SortByNumber: true}
	if err := Write(&buf, chans, o); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if bravo, alpha := strings.Index(out, "Bravo"), strings.Index(out, "Alpha"); bravo > alpha {
		t.Errorf("numeric sort wrong:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "/play/p1/3") {
		t.Errorf("unnumbered channel not last:\n%s", out)
	}
	if strings.Contains(out, "group-title") {
		t.Errorf("genres emitted while disabled:\n%s", out)
	}

	// Genre sort, numbers off.
	buf.Reset()
	o = Options{BaseURL: "http://h", IncludeGenres: true, SortByGenre: true}
	if err := Write(&buf, chans, o); err != nil {
		t.Fatal(err)
	}
	out = buf.String()
	if strings.Contains(out, "tvg-chno") {
		t.Errorf("numbers emitted while disabled:\n%s", out)
	}
	kids, news, sports := strings.Index(out, "Kids"), strings.Index(out, "News"), strings.Index(out, "Sports")
	if !(kids < news && news < sports) {
		t.Errorf("genre sort wrong:\n%s", out)
	}

	// Name sort wins over the others and keeps input order.
	buf.Reset()
	o = Options{BaseURL: "http://h", IncludeNumbers: true, SortByName: true, SortByNumber: true}
	if err := Write(&buf, chans, o); err != nil {
		t.Fatal(err)
	}
	out = buf.String()
	if alpha, bravo := strings.Index(out, "Alpha"), strings.Index(out, "Bravo"); alpha > bravo {
		t.Errorf("name sort did not keep catalog order:\n%s", out)
	}
}

func TestWriteEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, nil, Options{BaseURL: "http://h"}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "#EXTM3U url-tvg=\"http://h/xmltv\"\n" {
		t.Errorf("empty playlist = %q", got)
	}
}

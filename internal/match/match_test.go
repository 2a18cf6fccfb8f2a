package match

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func testStations() []Station {
	return []Station{
		{StationID: "bbc1-uk", Name: "BBC One", CallSign: "BBC1", Country: "UK", Source: "dir"},
		{StationID: "bbc1-us", Name: "BBC One", Country: "US", Source: "dir"},
		{StationID: "espn", Name: "ESPN", CallSign: "ESPN", Country: "US", Source: "dir"},
		{StationID: "espn2", Name: "ESPN 2", Country: "US", Source: "dir"},
		{StationID: "sky-sports-main", Name: "Sky Sports Main Event", Country: "UK", Source: "dir"},
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"BBC One FHD", "bbc one"},
		{"Sky Sports+ HD", "sky sports plus"},
		{"A&E", "a and e"},
		{"  The   ESPN Channel ", "espn"},
	}
	for _, tc := range tests {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExactMatchPrefersCountry(t *testing.T) {
	m := New(testStations(), 0)
	r, ok := m.Match("BBC One FHD", "UK")
	if !ok || r.StationID != "bbc1-uk" || r.Score != 1.0 {
		t.Fatalf("got %+v ok=%v", r, ok)
	}
	// No country hint: lexicographically first station id wins, so the
	// answer is stable run to run.
	r, ok = m.Match("BBC One", "")
	if !ok || r.StationID != "bbc1-uk" {
		t.Fatalf("got %+v ok=%v", r, ok)
	}
}

func TestFuzzyMatchAboveThreshold(t *testing.T) {
	m := New(testStations(), 0)
	r, ok := m.Match("Sky Sports Main Event UHD", "UK")
	if !ok || r.StationID != "sky-sports-main" {
		t.Fatalf("got %+v ok=%v", r, ok)
	}
	if r.Score < DefaultThreshold {
		t.Errorf("score = %v", r.Score)
	}
}

func TestNoMatchBelowThreshold(t *testing.T) {
	m := New(testStations(), 0)
	if r, ok := m.Match("Sports Documentary Network", ""); ok {
		t.Fatalf("unexpected match %+v", r)
	}
	if _, ok := m.Match("", "UK"); ok {
		t.Fatal("empty name matched")
	}
}

func TestCallSignMatch(t *testing.T) {
	m := New(testStations(), 0)
	r, ok := m.Match("BBC1", "")
	if !ok || r.StationID != "bbc1-uk" {
		t.Fatalf("got %+v ok=%v", r, ok)
	}
}

func TestMatchDeterministic(t *testing.T) {
	m := New(testStations(), 0)
	a, _ := m.Match("ESPN HD", "US")
	for i := 0; i < 20; i++ {
		b, _ := m.Match("ESPN HD", "US")
		if a.StationID != b.StationID || a.Score != b.Score {
			t.Fatalf("run %d: %+v != %+v", i, b, a)
		}
	}
	if a.StationID != "espn" {
		t.Fatalf("got %+v", a)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.json")
	data, _ := json.Marshal(testStations())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	stations, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(stations) != 5 || stations[0].StationID != "bbc1-uk" {
		t.Fatalf("stations = %+v", stations)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	p := Portal{
		Enabled:       true,
		Name:          "test portal",
		URL:           "http://portal.example/c/portal.php",
		MACs:          map[string]MAC{"00:1A:79:00:00:01": {Expiry: "January 2, 2027, 3:04 pm", WatchdogTimeout: 120, PlaybackLimit: 2}},
		StreamsPerMAC: 2,
		EPGOffset:     60,
		FetchEPG:      true,
	}
	if err := s.SavePortal("p1", p); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.Portal("p1")
	if !ok {
		t.Fatal("portal p1 missing after reopen")
	}
	if got.Name != "test portal" || got.StreamsPerMAC != 2 || got.EPGOffset != 60 {
		t.Errorf("portal fields lost: %+v", got)
	}
	mac, ok := got.MACs["00:1A:79:00:00:01"]
	if !ok || mac.WatchdogTimeout != 120 || mac.PlaybackLimit != 2 {
		t.Errorf("mac fields lost: %+v", mac)
	}
}

func TestStoreDefaultsApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	set := s.Settings()
	if set.StreamMethod != "ffmpeg" {
		t.Errorf("StreamMethod = %q", set.StreamMethod)
	}
	if set.EPGRefreshHours != 0.5 || set.ChannelRefreshHours != 24 {
		t.Errorf("intervals = %v %v", set.EPGRefreshHours, set.ChannelRefreshHours)
	}
	if set.ChannelDeleteTTLHrs != 72 {
		t.Errorf("ChannelDeleteTTLHrs = %d", set.ChannelDeleteTTLHrs)
	}
}

func TestStorePreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	doc := `{
  "settings": {"stream method": "redirect", "future knob": 42},
  "portals": {"p1": {"name": "x", "url": "http://x/portal.php", "macs": {}, "vendor extra": true}},
  "top extra": "keep me"
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Settings().StreamMethod; got != "redirect" {
		t.Errorf("StreamMethod = %q", got)
	}
	// Mutate and persist; the unknown keys must survive.
	set := s.Settings()
	set.FFmpegTimeout = 9
	if err := s.SaveSettings(set); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if _, ok := out["top extra"]; !ok {
		t.Error("top-level unknown key dropped")
	}
	if !strings.Contains(string(out["settings"]), "future knob") {
		t.Error("settings unknown key dropped")
	}
	if !strings.Contains(string(out["portals"]), "vendor extra") {
		t.Error("portal unknown key dropped")
	}
}

func TestStoreCorruptFileBackedUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("corrupt config should not fail startup: %v", err)
	}
	if len(s.Portals()) != 0 {
		t.Error("corrupt config should load as empty")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var backup bool
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt.") {
			backup = true
		}
	}
	if !backup {
		t.Error("corrupt file was not backed up")
	}
}

func TestMACExpiryTime(t *testing.T) {
	tests := []struct {
		in   string
		zero bool
	}{
		{"January 2, 2027, 3:04 pm", false},
		{"April 23, 2026", false},
		{"2026-04-23", false},
		{"Unknown", true},
		{"", true},
		{"garbage", true},
	}
	for _, tc := range tests {
		got := MAC{Expiry: tc.in}.ExpiryTime()
		if got.IsZero() != tc.zero {
			t.Errorf("ExpiryTime(%q).IsZero() = %v, want %v", tc.in, got.IsZero(), tc.zero)
		}
		if !tc.zero && got.Before(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("ExpiryTime(%q) = %v, implausible", tc.in, got)
		}
	}
}

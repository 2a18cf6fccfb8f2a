package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"BIND_HOST", "PORT", "PUBLIC_HOST", "CONFIG", "DB_PATH",
		"DATA_DIR", "LOG_DIR", "FFMPEG", "FFPROBE",
		"EPG_REFRESH_INTERVAL", "CHANNEL_REFRESH_INTERVAL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	c := Load()
	if c.BindHost != "0.0.0.0" {
		t.Errorf("BindHost = %q", c.BindHost)
	}
	if c.Port != 8001 {
		t.Errorf("Port = %d", c.Port)
	}
	if c.FFmpeg != "ffmpeg" || c.FFprobe != "ffprobe" {
		t.Errorf("binaries = %q %q", c.FFmpeg, c.FFprobe)
	}
	if c.ConfigPath != filepath.Join(c.DataDir, "config.json") {
		t.Errorf("ConfigPath = %q", c.ConfigPath)
	}
	if c.DBPath != filepath.Join(c.DataDir, "channels.db") {
		t.Errorf("DBPath = %q", c.DBPath)
	}
	if c.EPGRefreshHours != -1 || c.ChannelRefreshHours != -1 {
		t.Errorf("unset intervals should be -1, got %d %d", c.EPGRefreshHours, c.ChannelRefreshHours)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BIND_HOST", "127.0.0.1")
	t.Setenv("PORT", "9000")
	t.Setenv("DATA_DIR", "/tmp/mb-data")
	t.Setenv("CONFIG", "/etc/macbridge.json")
	t.Setenv("CHANNEL_REFRESH_INTERVAL", "0")
	t.Setenv("EPG_REFRESH_INTERVAL", "6")
	c := Load()
	if c.BindHost != "127.0.0.1" || c.Port != 9000 {
		t.Errorf("bind = %q:%d", c.BindHost, c.Port)
	}
	if c.ConfigPath != "/etc/macbridge.json" {
		t.Errorf("ConfigPath = %q", c.ConfigPath)
	}
	if c.DBPath != filepath.Join("/tmp/mb-data", "channels.db") {
		t.Errorf("DBPath = %q", c.DBPath)
	}
	if c.ChannelRefreshHours != 0 {
		t.Errorf("ChannelRefreshHours = %d, want 0 (disabled)", c.ChannelRefreshHours)
	}
	if c.EPGRefreshHours != 6 {
		t.Errorf("EPGRefreshHours = %d", c.EPGRefreshHours)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nMB_TEST_A=plain\nMB_TEST_B=\"quoted value\"\nMB_TEST_C='single'\n\nnot-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MB_TEST_A", "")
	t.Setenv("MB_TEST_B", "")
	t.Setenv("MB_TEST_C", "")
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct{ key, want string }{
		{"MB_TEST_A", "plain"},
		{"MB_TEST_B", "quoted value"},
		{"MB_TEST_C", "single"},
	} {
		if got := os.Getenv(tc.key); got != tc.want {
			t.Errorf("%s = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing env file should not error: %v", err)
	}
}

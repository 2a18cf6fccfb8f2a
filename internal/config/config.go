// Package config holds process configuration: environment variables read once
// at startup, and the operator-managed config.json store (portals, MACs,
// settings) with atomic writes and change watching.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the environment-derived process configuration.
// Call LoadEnvFile(".env") before Load() to use a .env file.
type Config struct {
	BindHost   string // BIND_HOST
	Port       int    // PORT
	PublicHost string // PUBLIC_HOST; empty = use the request Host header

	DataDir    string // DATA_DIR
	LogDir     string // LOG_DIR
	ConfigPath string // CONFIG; default DATA_DIR/config.json
	DBPath     string // DB_PATH; default DATA_DIR/channels.db

	Timezone string // TZ; log timestamps only, never EPG math
	FFmpeg   string // FFMPEG binary path
	FFprobe  string // FFPROBE binary path

	// Refresh intervals in hours. -1 means the env var was not set and the
	// settings value governs. CHANNEL_REFRESH_INTERVAL=0 disables the loop.
	EPGRefreshHours     int
	ChannelRefreshHours int
}

// Load reads configuration from the environment and applies defaults.
func Load() *Config {
	dataDir := getEnv("DATA_DIR", "./data")
	c := &Config{
		BindHost:            getEnv("BIND_HOST", "0.0.0.0"),
		Port:                getEnvInt("PORT", 8001),
		PublicHost:          os.Getenv("PUBLIC_HOST"),
		DataDir:             dataDir,
		LogDir:              getEnv("LOG_DIR", "./logs"),
		ConfigPath:          getEnv("CONFIG", filepath.Join(dataDir, "config.json")),
		DBPath:              getEnv("DB_PATH", filepath.Join(dataDir, "channels.db")),
		Timezone:            getEnv("TZ", "UTC"),
		FFmpeg:              getEnv("FFMPEG", "ffmpeg"),
		FFprobe:             getEnv("FFPROBE", "ffprobe"),
		EPGRefreshHours:     getEnvInt("EPG_REFRESH_INTERVAL", -1),
		ChannelRefreshHours: getEnvInt("CHANNEL_REFRESH_INTERVAL", -1),
	}
	if c.Port <= 0 {
		c.Port = 8001
	}
	return c
}

// EPGSourcesDir is where per-source programme databases live.
func (c *Config) EPGSourcesDir() string {
	return filepath.Join(c.DataDir, "epg_sources")
}

// EPGCachePath is the persisted merged-XMLTV cache.
func (c *Config) EPGCachePath() string {
	return filepath.Join(c.DataDir, "epg_cache.xml")
}

// EnsureDirs creates DATA_DIR, LOG_DIR, and the EPG sources dir.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, c.LogDir, c.EPGSourcesDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

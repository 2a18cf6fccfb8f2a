package epg

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/snapetech/macbridge/internal/catalog"
)

// CacheMeta is the sidecar next to the rendered guide file.
type CacheMeta struct {
	GeneratedAt time.Time `json:"generated_at"`
	Channels    int       `json:"channels"`
	Bytes       int       `json:"bytes"`
}

// Cache persists the last rendered guide so startup and slow rebuilds can
// serve something immediately.
type Cache struct {
	Path string // e.g. DATA_DIR/epg_cache.xml; meta lives at Path+".meta"
}

// Write atomically stores the rendered document and its sidecar.
func (c *Cache) Write(doc []byte, channels int) error {
	if err := renameio.WriteFile(c.Path, doc, 0o644); err != nil {
		return err
	}
	meta := CacheMeta{GeneratedAt: time.Now().UTC(), Channels: channels, Bytes: len(doc)}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.Path+".meta", raw, 0o644)
}

// Read returns the cached document and metadata, or os.ErrNotExist.
func (c *Cache) Read() ([]byte, CacheMeta, error) {
	doc, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, CacheMeta{}, err
	}
	var meta CacheMeta
	if raw, err := os.ReadFile(c.Path + ".meta"); err == nil {
		json.Unmarshal(raw, &meta)
	}
	return doc, meta, nil
}

// Render builds the guide into memory and stores it in the cache.
func (c *Cache) Render(e *Emitter, channels []catalog.Channel) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.WriteXMLTV(&buf, channels); err != nil {
		return nil, err
	}
	if err := c.Write(buf.Bytes(), len(channels)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package epg

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"github.com/snapetech/macbridge/internal/httpclient"
)

// maxFeedBytes bounds a decompressed guide download. Some public feeds are
// hundreds of megabytes; past this we assume a broken or hostile server.
const maxFeedBytes = 2 << 30

// Fetch downloads an XMLTV feed and returns a reader of decoded UTF-8 XML.
// Transparent gzip and brotli are handled by content type, content encoding,
// a .gz/.br URL suffix, or the gzip magic bytes; legacy charsets are
// transcoded on the fly.
func Fetch(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("User-Agent", "macbridge/1.0")

	release := httpclient.GlobalHostSem.Acquire(url)
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		release()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		release()
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	var r io.Reader = io.LimitReader(resp.Body, maxFeedBytes)
	closers := []io.Closer{resp.Body, closerFunc(release)}

	enc := encodingOf(resp, url)
	if enc == "" {
		// Mislabeled feeds are common; the gzip magic bytes settle it.
		br := bufio.NewReader(r)
		if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
			enc = "gzip"
		}
		r = br
	}
	switch enc {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, fmt.Errorf("fetch %s: gzip: %w", url, err)
		}
		closers = append(closers, gz)
		r = gz
	case "br":
		r = brotli.NewReader(r)
	}

	decoded, err := charset.NewReader(r, resp.Header.Get("Content-Type"))
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, fmt.Errorf("fetch %s: charset: %w", url, err)
	}
	return &multiCloser{Reader: decoded, closers: closers}, nil
}

func encodingOf(resp *http.Response, url string) string {
	enc := strings.ToLower(resp.Header.Get("Content-Encoding"))
	if enc == "gzip" || enc == "br" {
		return enc
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "gzip") {
		return "gzip"
	}
	clean := url
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	switch {
	case strings.HasSuffix(clean, ".gz"), strings.HasSuffix(clean, ".gzip"):
		return "gzip"
	case strings.HasSuffix(clean, ".br"):
		return "br"
	}
	return ""
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

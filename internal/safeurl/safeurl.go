// Package safeurl vets URLs that arrive from outside: portal stream
// commands and operator-entered sources. Anything that is not plain
// http(s) stays unopened.
package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS reports whether raw parses as a URL we are willing to
// dial. file, ftp, javascript and friends are rejected, as are strings
// that do not parse at all.
func IsHTTPOrHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "http") || strings.EqualFold(u.Scheme, "https")
}

// Package cookiejar parses Netscape cookies.txt files and matches cookie
// records against outgoing requests, per SPEC_FULL.md §3 and §6.
package cookiejar

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/seckatie/monolith/internal/core"
)

const httpOnlyPrefix = "#HttpOnly_"

// ParseFile parses the contents of a Netscape/Mozilla cookies.txt file.
// Lines beginning with "#" are comments, except "#HttpOnly_" which is
// stripped and marks the resulting cookie as HTTP-only. Blank lines are
// skipped.
func ParseFile(contents string) ([]core.Cookie, error) {
	var cookies []core.Cookie

	for lineNo, line := range strings.Split(contents, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("line %d: expected 7 tab-separated fields, got %d: %w", lineNo+1, len(fields), core.ErrConfig)
		}

		expires, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid expires epoch %q: %w", lineNo+1, fields[4], core.ErrConfig)
		}

		cookies = append(cookies, core.Cookie{
			Domain:            fields[0],
			IncludeSubdomains: strings.EqualFold(fields[1], "TRUE"),
			Path:              fields[2],
			SecureOnly:        strings.EqualFold(fields[3], "TRUE"),
			ExpiresEpoch:      expires,
			Name:              fields[5],
			Value:             fields[6],
			HTTPOnly:          httpOnly,
		})
	}

	return cookies, nil
}

// Matches reports whether cookie c should be sent on a request to rawURL at
// time now, per spec.md §3: domain (honoring the subdomain rule), path
// prefix, and scheme/secure predicate must all hold, and the cookie must be
// unexpired. A cookie domain that is itself a public suffix (e.g. "co.uk")
// never matches, guarding against overly broad cookie scope the way modern
// browsers' public-suffix cookie rules do.
func Matches(c core.Cookie, rawURL string, now time.Time) bool {
	if c.ExpiresEpoch != 0 && now.After(time.Unix(c.ExpiresEpoch, 0)) {
		return false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))

	if eTLD, icann := publicsuffix.PublicSuffix(domain); icann && eTLD == domain {
		return false
	}

	if c.IncludeSubdomains {
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			return false
		}
	} else if host != domain {
		return false
	}

	path := c.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(u.Path, path) && u.Path != strings.TrimSuffix(path, "/") {
		return false
	}

	if c.SecureOnly && u.Scheme != "https" {
		return false
	}

	return true
}

// Header builds the value of the Cookie: header to send for rawURL, given
// the full ordered list of configured cookies. Matching cookies are joined
// in the order they were configured, per spec.md's cookie-record ordering.
func Header(cookies []core.Cookie, rawURL string, now time.Time) string {
	var parts []string
	for _, c := range cookies {
		if Matches(c, rawURL, now) {
			parts = append(parts, c.Name+"="+c.Value)
		}
	}
	return strings.Join(parts, "; ")
}

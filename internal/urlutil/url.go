// Package urlutil implements the URL utilities from SPEC_FULL.md §4.1:
// scheme detection, resolution, classification, domain extraction, and the
// allow/deny policy check.
package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/seckatie/monolith/internal/core"
)

// Scheme is the classification returned by Classify.
type Scheme int

const (
	Other Scheme = iota
	Data
	File
	HTTP
	HTTPS
	About
)

var schemeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*:`)

// HasScheme reports whether s begins with a URI scheme, per RFC 3986,
// case-insensitively. A leading "//" or "/" does not count as a scheme.
func HasScheme(s string) bool {
	return schemeRe.MatchString(s)
}

// Resolve resolves reference against base, mirroring net/url's reference
// resolution (RFC 3986 §5). If base is empty and reference is itself
// relative, resolution fails with core.ErrResolve.
func Resolve(base, reference string) (string, error) {
	ref, err := url.Parse(reference)
	if err != nil {
		return "", fmt.Errorf("parsing reference %q: %w", reference, core.ErrParse)
	}

	if base == "" {
		if ref.IsAbs() {
			return ref.String(), nil
		}
		return "", fmt.Errorf("resolving %q without a base: %w", reference, core.ErrResolve)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base %q: %w", base, core.ErrParse)
	}

	return baseURL.ResolveReference(ref).String(), nil
}

// Classify reports the scheme class of an absolute URL.
func Classify(raw string) Scheme {
	u, err := url.Parse(raw)
	if err != nil {
		return Other
	}
	switch strings.ToLower(u.Scheme) {
	case "data":
		return Data
	case "file":
		return File
	case "http":
		return HTTP
	case "https":
		return HTTPS
	case "about":
		return About
	default:
		return Other
	}
}

// DomainOf returns the lower-cased host of url with any port stripped, with
// internationalized hostnames converted to their ASCII (punycode) form.
func DomainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", raw, core.ErrParse)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", nil
	}
	ascii, err := idna.ToASCII(host)
	if err != nil {
		// Not a valid IDN label; fall back to the lower-cased host as-is,
		// matching the original monolith's lenient host handling.
		return host, nil
	}
	return ascii, nil
}

// IsAllowed applies the domain allow/deny policy from spec.md §4.1: an empty
// Domains list always allows, otherwise membership (host equals a listed
// domain, or a listed domain is a dot-suffix of the host) XORs with
// BlacklistDomains.
func IsAllowed(raw string, opts core.Options) bool {
	if len(opts.Domains) == 0 {
		return true
	}

	host, err := DomainOf(raw)
	if err != nil || host == "" {
		return false
	}

	matched := false
	for _, d := range opts.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			matched = true
			break
		}
	}

	return matched != opts.BlacklistDomains
}

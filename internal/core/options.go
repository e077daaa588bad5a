// Package core holds the types shared across the asset-inlining pipeline:
// run options, cookie records, and the error kinds the pipeline can surface.
package core

import "time"

// Defaults mirrored from the original monolith CLI (see SPEC_FULL.md §7).
const (
	DefaultTimeout         = 120 * time.Second
	DefaultUserAgent       = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0"
	CacheSpillThreshold    = 10 * 1024 // bytes; assets at or above this size may spill to the scratch file
	MaxRedirects           = 20
	MetaCharsetSniffWindow = 1024 // bytes of a text/html response inspected for a declared charset
)

// Cookie is one Netscape cookies.txt record (see SPEC_FULL.md §3).
type Cookie struct {
	Domain            string
	IncludeSubdomains bool
	Path              string
	SecureOnly        bool
	ExpiresEpoch      int64
	Name              string
	Value             string
	HTTPOnly          bool
}

// Options is the configuration recognized by the core pipeline, one field per
// spec.md §3 entry.
type Options struct {
	NoAudio          bool
	NoCSS            bool
	NoFonts          bool
	NoFrames         bool
	NoImages         bool
	NoJS             bool
	NoVideo          bool
	UnwrapNoscript   bool
	Isolate          bool
	NoMetadata       bool
	IgnoreErrors     bool
	Insecure         bool
	BaseURL          string
	Encoding         string
	Domains          []string
	BlacklistDomains bool
	Cookies          []Cookie
	UserAgent        string
	Timeout          time.Duration
	Silent           bool
}

// Default returns an Options value with the same defaults as the original
// monolith CLI.
func Default() Options {
	return Options{
		UserAgent: DefaultUserAgent,
		Timeout:   DefaultTimeout,
	}
}

// Package orchestrator implements the entry-point flow from
// SPEC_FULL.md §4.7: resolve the source (stdin, URL, or local path),
// determine charset and base URL, parse, rewrite, and serialize.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/seckatie/monolith/internal/assetcache"
	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/htmlrewrite"
	"github.com/seckatie/monolith/internal/netfetch"
	"github.com/seckatie/monolith/internal/retrieve"
	"github.com/seckatie/monolith/internal/urlutil"
)

// Run bundles the shared, one-run state (cache, session, filesystem,
// metrics recorder) so that recursive iframe calls reuse the same cache and
// never re-fetch a fingerprint already seen elsewhere in the document graph.
type Run struct {
	Cache    *assetcache.Cache
	Session  *netfetch.Session
	Fs       afero.Fs
	Recorder retrieve.Recorder
	Opts     core.Options
}

// New builds a Run: a fresh cache, a session, and the supplied filesystem
// (afero.NewOsFs() in production).
func New(fs afero.Fs, opts core.Options, recorder retrieve.Recorder) *Run {
	if recorder == nil {
		recorder = retrieve.NopRecorder{}
	}
	return &Run{
		Cache:    assetcache.New(fs, core.CacheSpillThreshold),
		Session:  netfetch.New(fs, opts),
		Fs:       fs,
		Recorder: recorder,
		Opts:     opts,
	}
}

// Destroy shreds the cache's scratch file. Callers must defer this exactly
// once per Run (spec.md §3 "Lifecycles").
func (rn *Run) Destroy() error {
	return rn.Cache.Destroy()
}

// CreateMonolithicDocument is the top-level entry point: given a source
// (URL, local path, or "-" for stdin) and options, it returns the final
// serialized, self-contained HTML5 document.
func (rn *Run) CreateMonolithicDocument(ctx context.Context, source string, opts core.Options) ([]byte, error) {
	rawBytes, fetchedURL, contentType, charsetHint, err := rn.loadSource(ctx, source)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fetchedURL
	}

	declaredCharset := charsetHint
	if declaredCharset == "" {
		declaredCharset = detectCharset(rawBytes, contentType)
	}
	effectiveCharset := declaredCharset
	if opts.Encoding != "" {
		effectiveCharset = opts.Encoding
	}

	utf8Bytes, err := toUTF8(rawBytes, effectiveCharset)
	if err != nil {
		return nil, fmt.Errorf("decoding document as %q: %w", effectiveCharset, core.ErrDecode)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(utf8Bytes))
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", core.ErrParse)
	}

	rc := retrieve.New(rn.Cache, rn.Session, opts)
	rc.Stats = rn.Recorder

	params := htmlrewrite.New(baseURL, displaySource(source, fetchedURL), opts, rc, rn.frameFetcher(ctx, opts))

	out, err := htmlrewrite.Rewrite(ctx, doc, params)
	if err != nil {
		return nil, err
	}

	return []byte(out), nil
}

// frameFetcher lets the HTML rewriter recurse back into the orchestrator
// for <iframe>/<frame> elements, reusing this Run's cache and session so an
// asset shared between the outer document and a frame is fetched once.
func (rn *Run) frameFetcher(ctx context.Context, opts core.Options) htmlrewrite.FrameFetcher {
	return func(_ context.Context, absoluteURL string) ([]byte, error) {
		return rn.CreateMonolithicDocument(ctx, absoluteURL, opts)
	}
}

// loadSource resolves source per spec.md §4.7 step 1: "-" reads stdin, a
// scheme-bearing source is fetched, otherwise it is read as a local path.
// charsetHint carries netfetch's already-determined declared charset
// (Content-Type param, BOM, or <meta charset> sniff — spec.md §4.3's
// priority order) so the caller doesn't re-derive it from a bare media
// type with no charset parameter attached.
func (rn *Run) loadSource(ctx context.Context, source string) (data []byte, fetchedURL, contentType, charsetHint string, err error) {
	if source == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", "", "", fmt.Errorf("reading stdin: %w", core.ErrIO)
		}
		return data, "", "", "", nil
	}

	if urlutil.HasScheme(source) {
		result, err := rn.Session.Fetch(ctx, source)
		if err != nil {
			return nil, "", "", "", err
		}
		return result.Data, result.FinalURL, result.MediaType, result.Charset, nil
	}

	data, err = afero.ReadFile(rn.Fs, source)
	if err != nil {
		return nil, "", "", "", fmt.Errorf("reading %q: %w", source, core.ErrIO)
	}
	return data, "file://" + source, "", "", nil
}

func displaySource(source, fetchedURL string) string {
	if fetchedURL != "" {
		return fetchedURL
	}
	return source
}

// metaCharsetRe finds a charset declared in a <meta charset> or
// <meta http-equiv ... content="...; charset=..."> tag.
var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([a-z0-9_:.\-]+)`)

// detectCharset applies the (declared) half of the charset state machine:
// a BOM or a Content-Type charset param, then a <meta> charset declaration
// within the first 1024 bytes of the document, else UTF-8.
func detectCharset(data []byte, contentType string) string {
	window := data
	if len(window) > core.MetaCharsetSniffWindow {
		window = window[:core.MetaCharsetSniffWindow]
	}
	_, name, ok := charset.DetermineEncoding(window, contentType)
	if ok && name != "" {
		return name
	}
	if m := metaCharsetRe.FindSubmatch(window); m != nil {
		if _, name := charset.Lookup(string(m[1])); name != "" {
			return name
		}
	}
	return "utf-8"
}

// toUTF8 transcodes data from the named charset to UTF-8. An unrecognized
// or already-UTF-8 charset is a no-op.
func toUTF8(data []byte, name string) ([]byte, error) {
	if strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return data, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return data, nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, err
	}
	return out, nil
}


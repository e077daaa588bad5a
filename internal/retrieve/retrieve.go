// Package retrieve implements the shared retrieve_asset primitive from
// SPEC_FULL.md §4 and the asset-retrieval state machine from spec.md §4.7's
// "State machine" section: Unknown → InFlight → Cached | Failed.
package retrieve

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/seckatie/monolith/internal/assetcache"
	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/dataurl"
	"github.com/seckatie/monolith/internal/netfetch"
	"github.com/seckatie/monolith/internal/urlutil"
)

// Context bundles everything retrieve_asset needs and is threaded explicitly
// through the CSS and HTML rewriters rather than kept as module-level state.
type Context struct {
	Cache   *assetcache.Cache
	Session *netfetch.Session
	Opts    core.Options
	Stats   Recorder

	failed    map[string]error
	importing map[string]bool
}

// Recorder receives fetch/cache-hit/byte-count events. Implementations are
// expected to be cheap and non-blocking (see internal/metrics).
type Recorder interface {
	RecordFetch(bytes int)
	RecordCacheHit()
	RecordPolicyDenied()
	RecordFailure()
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) RecordFetch(int)       {}
func (NopRecorder) RecordCacheHit()       {}
func (NopRecorder) RecordPolicyDenied()   {}
func (NopRecorder) RecordFailure()        {}

// New builds a retrieval Context with a discarding Recorder.
func New(cache *assetcache.Cache, session *netfetch.Session, opts core.Options) *Context {
	return &Context{
		Cache:     cache,
		Session:   session,
		Opts:      opts,
		Stats:     NopRecorder{},
		failed:    make(map[string]error),
		importing: make(map[string]bool),
	}
}

// Asset fetches reference (resolved against base), consulting the cache
// first, then the session, then re-encoding the result as a data URL. It
// never fetches the same fingerprint twice: a prior success replays the
// cached bytes, a prior failure replays the same error.
func (c *Context) Asset(ctx context.Context, base, reference string) (dataURL string, err error) {
	resolved, err := urlutil.Resolve(base, reference)
	if err != nil {
		return "", err
	}

	if !urlutil.IsAllowed(resolved, c.Opts) {
		c.Stats.RecordPolicyDenied()
		return "", fmt.Errorf("%q denied by domain policy: %w", resolved, core.ErrPolicyDenied)
	}

	if mt, cs, data, ok := c.Cache.Get(resolved); ok {
		c.Stats.RecordCacheHit()
		return dataurl.Encode(mt, dataURLCharset(mt, cs), data), nil
	}

	if prevErr, failed := c.failed[resolved]; failed {
		return "", prevErr
	}

	result, err := c.Session.Fetch(ctx, resolved)
	if err != nil {
		c.failed[resolved] = err
		c.Stats.RecordFailure()
		if !c.Opts.Silent {
			log.Printf("failed to retrieve %s: %v", resolved, err)
		}
		return "", err
	}

	if err := c.Cache.Put(result.FinalURL, result.MediaType, result.Charset, result.Data); err != nil {
		return "", err
	}
	c.Stats.RecordFetch(len(result.Data))

	return dataurl.Encode(result.MediaType, dataURLCharset(result.MediaType, result.Charset), result.Data), nil
}

// dataURLCharset returns the charset parameter to carry in a data URL:
// text/* assets keep theirs, every other media type carries none.
func dataURLCharset(mediaType, charset string) string {
	if strings.HasPrefix(mediaType, "text/") {
		return charset
	}
	return ""
}

// BeginImport marks absolute as currently being expanded by a CSS @import
// recursion and reports whether it was already in progress. It is distinct
// from the byte cache: a cache hit alone does not prevent re-entrancy, since
// the cached body is still handed to Rewrite for @import expansion on every
// reference. Cyclic or self-referential @import (spec.md §4.5 step 5, §8
// "a cyclic CSS @import terminates") must check this before recursing.
func (c *Context) BeginImport(absolute string) (alreadyInProgress bool) {
	if c.importing[absolute] {
		return true
	}
	c.importing[absolute] = true
	return false
}

// EndImport clears the in-progress marker set by BeginImport. Callers must
// pair every successful BeginImport with exactly one EndImport.
func (c *Context) EndImport(absolute string) {
	delete(c.importing, absolute)
}

// Resolved resolves reference against base without fetching it, for callers
// (like the CSS rewriter's @import and url() handling) that only need the
// absolutized URL.
func Resolved(base, reference string) (string, error) {
	return urlutil.Resolve(base, reference)
}

// Package cssrewrite implements the tokenizer-level CSS rewriter from
// SPEC_FULL.md §4.5: it walks url(...) tokens and @import rules, resolves
// and inlines what they reference, and strips @font-face blocks under
// no_fonts. It does not parse CSS into a full AST — only enough tokens to
// find url(...) and @import, mirroring the teacher's inlineCSSURLs in
// inline.go (generalized here to also recurse into @import and to honor
// strict vs. ignore-errors failure semantics).
package cssrewrite

import (
	"context"
	"strings"

	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/retrieve"
	"github.com/seckatie/monolith/internal/urlutil"
)

// Rewrite rewrites css, resolving relative references against base. In
// strict mode (opts.IgnoreErrors == false) the first retrieval failure
// aborts and returns an error; in ignore-errors mode a failed reference is
// replaced with an empty string and rewriting continues.
func Rewrite(ctx context.Context, rc *retrieve.Context, css, base string, opts core.Options) (string, error) {
	if opts.NoFonts {
		css = stripFontFace(css)
	}
	css, err := rewriteImports(ctx, rc, css, base, opts)
	if err != nil {
		return "", err
	}
	return rewriteURLTokens(ctx, rc, css, base, opts)
}

// stripFontFace removes every @font-face { ... } block, including nested
// braces inside the declaration block (there are none in valid CSS, but we
// track depth defensively rather than assume).
func stripFontFace(css string) string {
	var b strings.Builder
	remaining := css
	for {
		idx := indexFold(remaining, "@font-face")
		if idx == -1 {
			b.WriteString(remaining)
			break
		}
		b.WriteString(remaining[:idx])
		rest := remaining[idx:]

		open := strings.IndexByte(rest, '{')
		if open == -1 {
			b.WriteString(rest)
			break
		}
		depth := 1
		i := open + 1
		for ; i < len(rest) && depth > 0; i++ {
			switch rest[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
		}
		remaining = rest[i:]
	}
	return b.String()
}

func indexFold(s, substr string) int {
	low := strings.ToLower(s)
	return strings.Index(low, strings.ToLower(substr))
}

// rewriteURLTokens processes url(...) occurrences outside of @import
// statements (which rewriteImports already consumed).
func rewriteURLTokens(ctx context.Context, rc *retrieve.Context, css, base string, opts core.Options) (string, error) {
	var result strings.Builder
	remaining := css

	for {
		startIdx := indexFold(remaining, "url(")
		if startIdx == -1 {
			result.WriteString(remaining)
			break
		}

		result.WriteString(remaining[:startIdx])
		afterKeyword := remaining[startIdx : startIdx+4]
		afterURL := remaining[startIdx+4:]
		endIdx := strings.IndexByte(afterURL, ')')
		if endIdx == -1 {
			result.WriteString(remaining[startIdx:])
			break
		}

		rawRef := strings.TrimSpace(afterURL[:endIdx])
		ref := strings.Trim(rawRef, `"'`)

		replacement, denied, err := resolveOne(ctx, rc, base, ref, opts)
		switch {
		case err != nil && !opts.IgnoreErrors:
			return "", err
		case denied || (err != nil && opts.IgnoreErrors):
			result.WriteString("url(\"\")")
		case replacement == "":
			result.WriteString(afterKeyword)
			result.WriteString(rawRef)
			result.WriteString(")")
		default:
			result.WriteString("url(\"")
			result.WriteString(replacement)
			result.WriteString("\")")
		}

		remaining = afterURL[endIdx+1:]
	}

	return result.String(), nil
}

// rewriteImports handles @import "url" and @import url(...) forms,
// recursing the CSS rewriter into the imported stylesheet's body with the
// fetched URL as the new base (spec.md §4.5 step 5).
func rewriteImports(ctx context.Context, rc *retrieve.Context, css, base string, opts core.Options) (string, error) {
	var result strings.Builder
	remaining := css

	for {
		idx := indexFold(remaining, "@import")
		if idx == -1 {
			result.WriteString(remaining)
			break
		}
		result.WriteString(remaining[:idx])
		rest := remaining[idx:]

		semi := strings.IndexByte(rest, ';')
		if semi == -1 {
			result.WriteString(rest)
			break
		}
		statement := rest[len("@import"):semi]
		ref := extractImportRef(statement)

		if ref == "" || opts.NoCSS {
			remaining = rest[semi+1:]
			continue
		}

		absolute, resolveErr := retrieve.Resolved(base, ref)
		if resolveErr != nil {
			if !opts.IgnoreErrors {
				return "", resolveErr
			}
			remaining = rest[semi+1:]
			continue
		}

		if !urlAllowed(rc, absolute) {
			remaining = rest[semi+1:]
			continue
		}

		if rc.BeginImport(absolute) {
			// Cyclic or self-referential @import: absolute is already being
			// expanded further up the recursion, so stop here rather than
			// inline it again (spec.md §8 "a cyclic CSS @import terminates").
			remaining = rest[semi+1:]
			continue
		}

		body, fetchErr := fetchCSS(ctx, rc, absolute)
		if fetchErr != nil {
			rc.EndImport(absolute)
			if !opts.IgnoreErrors {
				return "", fetchErr
			}
			result.WriteString(`@import url("`)
			result.WriteString(absolute)
			result.WriteString(`");`)
			remaining = rest[semi+1:]
			continue
		}

		rewritten, err := Rewrite(ctx, rc, body, absolute, opts)
		rc.EndImport(absolute)
		if err != nil {
			return "", err
		}
		result.WriteString(rewritten)

		remaining = rest[semi+1:]
	}

	return result.String(), nil
}

func extractImportRef(statement string) string {
	statement = strings.TrimSpace(statement)
	if strings.HasPrefix(strings.ToLower(statement), "url(") {
		inner := statement[4:]
		if close := strings.IndexByte(inner, ')'); close != -1 {
			statement = inner[:close]
		}
	}
	return strings.Trim(strings.TrimSpace(statement), `"'`)
}

// fetchCSS retrieves the already-resolved absolute URL as raw text,
// bypassing the data-URL re-encoding that retrieve.Context.Asset performs,
// since @import needs the CSS source itself, not a data URL pointing at it.
// It still consults and populates the shared cache, so a stylesheet fetched
// once via @import and again via a direct reference is only ever fetched
// once (spec.md §3 invariant 2).
func fetchCSS(ctx context.Context, rc *retrieve.Context, absolute string) (string, error) {
	if _, _, data, ok := rc.Cache.Get(absolute); ok {
		rc.Stats.RecordCacheHit()
		return string(data), nil
	}
	result, err := rc.Session.Fetch(ctx, absolute)
	if err != nil {
		rc.Stats.RecordFailure()
		return "", err
	}
	if err := rc.Cache.Put(result.FinalURL, result.MediaType, result.Charset, result.Data); err != nil {
		return "", err
	}
	rc.Stats.RecordFetch(len(result.Data))
	return string(result.Data), nil
}

func urlAllowed(rc *retrieve.Context, absolute string) bool {
	allowed := urlutil.IsAllowed(absolute, rc.Opts)
	if !allowed {
		rc.Stats.RecordPolicyDenied()
	}
	return allowed
}

// resolveOne resolves and fetches a single url(...) reference, returning
// the data URL to substitute. denied reports a policy rejection (always
// replaced with an empty string, regardless of ignore_errors, per spec.md
// §7).
func resolveOne(ctx context.Context, rc *retrieve.Context, base, ref string, opts core.Options) (dataURL string, denied bool, err error) {
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return "", false, nil
	}

	absolute, err := retrieve.Resolved(base, ref)
	if err != nil {
		return "", false, err
	}
	if !urlAllowed(rc, absolute) {
		return "", true, nil
	}

	dataURL, err = rc.Asset(ctx, base, ref)
	if err != nil {
		return "", false, err
	}
	return dataURL, false, nil
}

// Package htmlrewrite implements the HTML DOM rewriter from
// SPEC_FULL.md §4.6: a goquery-driven walk that applies the per-element
// policy table, generalizing the teacher's fixed stylesheet/script/image
// handling in inline.go to the complete element table the spec calls for.
package htmlrewrite

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/cssrewrite"
	"github.com/seckatie/monolith/internal/retrieve"
	"github.com/seckatie/monolith/internal/urlutil"
)

// FrameFetcher recurses the orchestrator to produce a self-contained inner
// document for an <iframe>/<frame>. It is injected rather than imported
// directly to avoid an import cycle between htmlrewrite and orchestrator.
type FrameFetcher func(ctx context.Context, absoluteURL string) ([]byte, error)

// Params bundles everything Rewrite needs for one document.
type Params struct {
	BaseURL      string
	SourceURL    string // original source, for the provenance comment
	Opts         core.Options
	Retrieve     *retrieve.Context
	Frames       FrameFetcher
	now          func() time.Time
}

func (p Params) nowFunc() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// loadingAttrs lists the attributes, per element, that hold a URL in a
// loading position (spec.md GLOSSARY).
var loadingAttrs = map[string][]string{
	"img":    {"src", "srcset", "data-src"},
	"source": {"src", "srcset"},
	"script": {"src"},
	"audio":  {"src"},
	"video":  {"src", "poster"},
	"iframe": {"src"},
	"frame":  {"src"},
	"link":   {"href"},
}

// Rewrite walks doc in document order, applying the per-element policy
// table and returns the serialized, fully self-contained HTML document.
func Rewrite(ctx context.Context, doc *goquery.Document, p Params) (string, error) {
	r := &rewriter{ctx: ctx, doc: doc, base: p.BaseURL, p: p}

	if err := r.run(); err != nil {
		return "", err
	}

	if !p.Opts.NoMetadata {
		r.injectProvenance(p.SourceURL)
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serializing document: %w", core.ErrIO)
	}
	return out, nil
}

type rewriter struct {
	ctx  context.Context
	doc  *goquery.Document
	base string
	p    Params
}

func (r *rewriter) run() error {
	// <base href> must be processed first since it changes the base URL
	// used to resolve every subsequent reference (spec.md §4.6, §8 boundary
	// behavior: a <base> only affects assets after it in document order).
	r.doc.Find("base[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if resolved, err := urlutil.Resolve(r.base, href); err == nil {
			r.base = resolved
		}
		s.Remove()
	})

	steps := []func() error{
		r.rewriteMetaCharset,
		r.rewriteStylesheets,
		r.rewriteIcons,
		r.rewriteStyleElements,
		r.rewriteStyleAttributes,
		r.rewriteScripts,
		r.rewriteImages,
		r.rewriteMedia,
		r.rewriteFrames,
		r.rewriteNoscript,
		r.absolutizeNavigational,
		r.stripIntegrity,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if r.p.Opts.Isolate {
		r.isolate()
	}

	return nil
}

func (r *rewriter) rewriteMetaCharset() error {
	r.doc.Find("meta[charset]").Each(func(i int, s *goquery.Selection) {
		s.SetAttr("charset", "utf-8")
	})
	r.doc.Find(`meta[http-equiv]`).Each(func(i int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(equiv, "Content-Type") {
			return
		}
		s.SetAttr("content", "text/html; charset=utf-8")
	})
	return nil
}

func (r *rewriter) rewriteStylesheets() error {
	var stepErr error
	r.doc.Find(`link[rel~="stylesheet"]`).Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		if r.p.Opts.NoCSS {
			s.Remove()
			return
		}
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}

		absolute, err := urlutil.Resolve(r.base, href)
		if err != nil {
			return
		}
		css, err := r.fetchText(absolute)
		if err != nil {
			if errors.Is(err, core.ErrPolicyDenied) {
				s.Remove()
				return
			}
			if r.p.Opts.IgnoreErrors {
				return
			}
			stepErr = err
			return
		}

		rewritten, err := cssrewrite.Rewrite(r.ctx, r.p.Retrieve, css, absolute, r.p.Opts)
		if err != nil {
			if r.p.Opts.IgnoreErrors {
				return
			}
			stepErr = err
			return
		}

		s.ReplaceWithHtml(fmt.Sprintf("<style>%s</style>", rewritten))
	})
	return stepErr
}

func (r *rewriter) rewriteIcons() error {
	var stepErr error
	r.doc.Find(`link[rel~="icon"]`).Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		if r.p.Opts.NoImages {
			s.Remove()
			return
		}
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}
		dataURL, err := r.p.Retrieve.Asset(r.ctx, r.base, href)
		if err != nil {
			r.recoverableAssetErr(s, "href", href, err, &stepErr)
			return
		}
		s.SetAttr("href", dataURL)
	})
	return stepErr
}

func (r *rewriter) rewriteStyleElements() error {
	var stepErr error
	r.doc.Find("style").Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		if r.p.Opts.NoCSS {
			s.Remove()
			return
		}
		css := s.Text()
		rewritten, err := cssrewrite.Rewrite(r.ctx, r.p.Retrieve, css, r.base, r.p.Opts)
		if err != nil {
			if r.p.Opts.IgnoreErrors {
				return
			}
			stepErr = err
			return
		}
		s.SetHtml(rewritten)
	})
	return stepErr
}

func (r *rewriter) rewriteStyleAttributes() error {
	var stepErr error
	r.doc.Find("[style]").Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		style, _ := s.Attr("style")
		if !strings.Contains(style, "url(") {
			return
		}
		if r.p.Opts.NoCSS {
			s.RemoveAttr("style")
			return
		}
		rewritten, err := cssrewrite.Rewrite(r.ctx, r.p.Retrieve, style, r.base, r.p.Opts)
		if err != nil {
			if r.p.Opts.IgnoreErrors {
				return
			}
			stepErr = err
			return
		}
		s.SetAttr("style", rewritten)
	})
	return stepErr
}

func (r *rewriter) rewriteScripts() error {
	var stepErr error
	r.doc.Find("script").Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		if r.p.Opts.NoJS {
			s.Remove()
			return
		}
		src, exists := s.Attr("src")
		if !exists || src == "" {
			return
		}
		absolute, err := urlutil.Resolve(r.base, src)
		if err != nil {
			return
		}
		js, err := r.fetchText(absolute)
		if err != nil {
			if errors.Is(err, core.ErrPolicyDenied) {
				s.SetAttr("src", "")
				return
			}
			if r.p.Opts.IgnoreErrors {
				s.SetAttr("src", absolute)
				return
			}
			stepErr = err
			return
		}
		s.RemoveAttr("src")
		s.SetText(js)
	})
	return stepErr
}

func (r *rewriter) rewriteImages() error {
	var stepErr error
	r.doc.Find("img, picture source, source").Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		if r.p.Opts.NoImages {
			s.RemoveAttr("src")
			s.RemoveAttr("srcset")
			s.RemoveAttr("data-src")
			return
		}
		for _, attr := range []string{"src", "data-src"} {
			val, exists := s.Attr(attr)
			if !exists || val == "" || strings.HasPrefix(val, "data:") {
				continue
			}
			dataURL, err := r.p.Retrieve.Asset(r.ctx, r.base, val)
			if err != nil {
				if r.recoverableAssetErr(s, attr, val, err, &stepErr) {
					return
				}
				continue
			}
			s.SetAttr(attr, dataURL)
		}
		if srcset, exists := s.Attr("srcset"); exists && srcset != "" {
			rewritten, err := r.rewriteSrcset(srcset)
			if err != nil {
				if !r.p.Opts.IgnoreErrors {
					stepErr = err
					return
				}
			} else {
				s.SetAttr("srcset", rewritten)
			}
		}
	})
	return stepErr
}

// rewriteSrcset resolves and inlines each candidate in a srcset list
// independently, preserving order and descriptors (spec.md §8 boundary
// behavior).
func (r *rewriter) rewriteSrcset(srcset string) (string, error) {
	candidates := strings.Split(srcset, ",")
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		url := fields[0]
		descriptor := ""
		if len(fields) > 1 {
			descriptor = " " + strings.Join(fields[1:], " ")
		}
		if strings.HasPrefix(url, "data:") {
			out = append(out, url+descriptor)
			continue
		}
		dataURL, err := r.p.Retrieve.Asset(r.ctx, r.base, url)
		if err != nil {
			if errors.Is(err, core.ErrPolicyDenied) {
				out = append(out, strings.TrimSpace(descriptor))
				continue
			}
			if r.p.Opts.IgnoreErrors {
				out = append(out, url+descriptor)
				continue
			}
			return "", err
		}
		out = append(out, dataURL+descriptor)
	}
	return strings.Join(out, ", "), nil
}

func (r *rewriter) rewriteMedia() error {
	var stepErr error
	r.doc.Find("audio, audio source, video, video source").Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		tag := goquery.NodeName(s)
		drop := (tag == "audio" && r.p.Opts.NoAudio) || (tag == "video" && r.p.Opts.NoVideo)
		if !drop {
			if parent := s.Parent(); parent.Length() > 0 {
				parentTag := goquery.NodeName(parent)
				if (parentTag == "audio" && r.p.Opts.NoAudio) || (parentTag == "video" && r.p.Opts.NoVideo) {
					drop = true
				}
			}
		}
		if drop {
			s.Remove()
			return
		}

		src, exists := s.Attr("src")
		if !exists || src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		dataURL, err := r.p.Retrieve.Asset(r.ctx, r.base, src)
		if err != nil {
			r.recoverableAssetErr(s, "src", src, err, &stepErr)
			return
		}
		s.SetAttr("src", dataURL)
	})
	return stepErr
}

func (r *rewriter) rewriteFrames() error {
	var stepErr error
	r.doc.Find("iframe, frame").Each(func(i int, s *goquery.Selection) {
		if stepErr != nil {
			return
		}
		if r.p.Opts.NoFrames {
			s.Remove()
			return
		}
		src, exists := s.Attr("src")
		if !exists || src == "" || strings.HasPrefix(src, "about:") {
			return
		}
		absolute, err := urlutil.Resolve(r.base, src)
		if err != nil {
			return
		}
		if !urlutil.IsAllowed(absolute, r.p.Opts) {
			s.SetAttr("src", "")
			return
		}
		if r.p.Frames == nil {
			return
		}
		inner, err := r.p.Frames(r.ctx, absolute)
		if err != nil {
			if r.p.Opts.IgnoreErrors {
				return
			}
			stepErr = err
			return
		}
		s.SetAttr("src", "data:text/html;base64,"+base64.StdEncoding.EncodeToString(inner))
	})
	return stepErr
}

func (r *rewriter) rewriteNoscript() error {
	if !r.p.Opts.UnwrapNoscript {
		return nil
	}
	r.doc.Find("noscript").Each(func(i int, s *goquery.Selection) {
		inner := s.Text()
		s.ReplaceWithHtml(inner)
	})
	return nil
}

func (r *rewriter) absolutizeNavigational() error {
	r.doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		if absolute, err := urlutil.Resolve(r.base, href); err == nil {
			s.SetAttr("href", absolute)
		}
	})
	r.doc.Find("form[action]").Each(func(i int, s *goquery.Selection) {
		action, _ := s.Attr("action")
		if action == "" {
			return
		}
		if absolute, err := urlutil.Resolve(r.base, action); err == nil {
			s.SetAttr("action", absolute)
		}
	})
	return nil
}

func (r *rewriter) stripIntegrity() error {
	r.doc.Find("[integrity]").Each(func(i int, s *goquery.Selection) {
		s.RemoveAttr("integrity")
	})
	return nil
}

// isolate blanks any remaining non-data, non-about URL left in a loading
// attribute (spec.md §3 invariant, scenario 4).
func (r *rewriter) isolate() {
	for tag, attrs := range loadingAttrs {
		r.doc.Find(tag).Each(func(i int, s *goquery.Selection) {
			for _, attr := range attrs {
				val, exists := s.Attr(attr)
				if !exists || val == "" {
					continue
				}
				if strings.HasPrefix(val, "data:") || strings.HasPrefix(val, "about:") {
					continue
				}
				s.SetAttr(attr, "")
			}
		})
	}
}

func (r *rewriter) injectProvenance(sourceURL string) {
	comment := fmt.Sprintf(" Saved from %s at %s ", sourceURL, r.p.nowFunc().UTC().Format(time.RFC3339))
	html := r.doc.Find("html")
	if html.Length() == 0 {
		return
	}
	html.PrependHtml(fmt.Sprintf("<!--%s-->", comment))
}

// fetchText retrieves absolute as raw text (for CSS/JS bodies), consulting
// the shared cache so the same fingerprint is never fetched twice even
// when referenced by both a direct tag and another rewriter.
func (r *rewriter) fetchText(absolute string) (string, error) {
	if !urlutil.IsAllowed(absolute, r.p.Opts) {
		return "", fmt.Errorf("%q denied by domain policy: %w", absolute, core.ErrPolicyDenied)
	}
	if _, _, data, ok := r.p.Retrieve.Cache.Get(absolute); ok {
		r.p.Retrieve.Stats.RecordCacheHit()
		return string(data), nil
	}
	result, err := r.p.Retrieve.Session.Fetch(r.ctx, absolute)
	if err != nil {
		r.p.Retrieve.Stats.RecordFailure()
		return "", err
	}
	if err := r.p.Retrieve.Cache.Put(result.FinalURL, result.MediaType, result.Charset, result.Data); err != nil {
		return "", err
	}
	r.p.Retrieve.Stats.RecordFetch(len(result.Data))
	return string(result.Data), nil
}

// recoverableAssetErr applies spec.md §7's propagation policy for a single
// attribute asset failure. A PolicyDenied (domain filter) is always
// recovered silently regardless of ignore_errors, per the binding
// invariant that a denied reference never produces a diagnostic. Any other
// failure is recovered (attribute keeps its original absolute URL) only
// under ignore_errors; otherwise *stepErr is set and true is returned so
// the caller stops.
func (r *rewriter) recoverableAssetErr(s *goquery.Selection, attr, original string, err error, stepErr *error) bool {
	if errors.Is(err, core.ErrPolicyDenied) {
		s.SetAttr(attr, "")
		return false
	}
	if r.p.Opts.IgnoreErrors {
		if absolute, resolveErr := urlutil.Resolve(r.base, original); resolveErr == nil {
			s.SetAttr(attr, absolute)
		}
		return false
	}
	*stepErr = err
	return true
}

// New constructs Params. now is optional and is used only by tests that
// need a deterministic provenance timestamp.
func New(baseURL, sourceURL string, opts core.Options, rc *retrieve.Context, frames FrameFetcher) Params {
	return Params{BaseURL: baseURL, SourceURL: sourceURL, Opts: opts, Retrieve: rc, Frames: frames}
}

package htmlrewrite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"

	"github.com/seckatie/monolith/internal/assetcache"
	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/netfetch"
	"github.com/seckatie/monolith/internal/retrieve"
)

func init() {
	netfetch.AllowLoopbackForTesting = true
}

func newTestParams(t *testing.T, baseURL string, opts core.Options) Params {
	t.Helper()
	cache := assetcache.New(afero.NewMemMapFs(), core.CacheSpillThreshold)
	session := netfetch.New(afero.NewOsFs(), opts)
	rc := retrieve.New(cache, session, opts)
	p := New(baseURL, baseURL, opts, rc, nil)
	p.now = func() time.Time { return time.Unix(0, 0) }
	return p
}

func parse(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parsing html: %v", err)
	}
	return doc
}

func TestRewriteInlinesImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PN"))
	}))
	defer srv.Close()

	doc := parse(t, `<html><body><img src="/a.png"></body></html>`)
	opts := core.Default()
	opts.NoMetadata = true
	out, err := Rewrite(context.Background(), doc, newTestParams(t, srv.URL+"/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if !strings.Contains(out, `src="data:image/png;base64,iVBO"`) {
		t.Errorf("Rewrite() = %q, missing inlined image", out)
	}
}

func TestRewriteStylesheetBecomesInlineStyle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/s.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{background:url(b.png)}"))
		case "/b.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("AAA"))
		}
	}))
	defer srv.Close()

	doc := parse(t, `<html><head><link rel="stylesheet" href="s.css"></head><body></body></html>`)
	opts := core.Default()
	opts.NoMetadata = true
	out, err := Rewrite(context.Background(), doc, newTestParams(t, srv.URL+"/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "<link") {
		t.Errorf("Rewrite() left a <link> element: %q", out)
	}
	if !strings.Contains(out, `<style>body{background:url("data:image/png;base64,QUFB")}</style>`) {
		t.Errorf("Rewrite() = %q, missing inlined stylesheet", out)
	}
}

func TestIsolateBlanksRemoteImageButKeepsLink(t *testing.T) {
	doc := parse(t, `<html><body><a href="http://ext/">x</a><img src="http://ext/x.png"></body></html>`)
	opts := core.Default()
	opts.Isolate = true
	opts.NoMetadata = true
	out, err := Rewrite(context.Background(), doc, newTestParams(t, "http://ext/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if !strings.Contains(out, `href="http://ext/"`) {
		t.Errorf("Rewrite() dropped navigational link: %q", out)
	}
	if !strings.Contains(out, `src=""`) {
		t.Errorf("Rewrite() did not blank remote image src: %q", out)
	}
}

func TestDomainBlacklist(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{color:red}"))
	}))
	defer badSrv.Close()

	host := strings.TrimPrefix(badSrv.URL, "http://")
	doc := parse(t, `<html><head><link rel="stylesheet" href="s.css"></head></html>`)
	opts := core.Default()
	opts.NoMetadata = true
	opts.Domains = []string{"good.test"}
	opts.BlacklistDomains = true
	_ = host

	out, err := Rewrite(context.Background(), doc, newTestParams(t, badSrv.URL+"/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if !strings.Contains(out, "body{color:red}") {
		t.Errorf("Rewrite() should have embedded bad.test stylesheet under blacklist mode: %q", out)
	}
}

func TestUnwrapNoscript(t *testing.T) {
	doc := parse(t, `<html><body><noscript>&lt;p&gt;hi&lt;/p&gt;</noscript></body></html>`)
	opts := core.Default()
	opts.UnwrapNoscript = true
	opts.NoMetadata = true
	out, err := Rewrite(context.Background(), doc, newTestParams(t, "http://x.test/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "noscript") {
		t.Errorf("Rewrite() kept <noscript>: %q", out)
	}
}

func TestIntegrityAttributeStripped(t *testing.T) {
	doc := parse(t, `<html><body><script src="/a.js" integrity="sha384-x"></script></body></html>`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("console.log(1)"))
	}))
	defer srv.Close()
	opts := core.Default()
	opts.NoMetadata = true
	out, err := Rewrite(context.Background(), doc, newTestParams(t, srv.URL+"/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "integrity") {
		t.Errorf("Rewrite() kept integrity attribute: %q", out)
	}
}

func TestPolicyDeniedImageRecoveredEvenInStrictMode(t *testing.T) {
	doc := parse(t, `<html><body><img src="http://bad.test/x.png"></body></html>`)
	opts := core.Default()
	opts.NoMetadata = true
	opts.Domains = []string{"good.test"}
	out, err := Rewrite(context.Background(), doc, newTestParams(t, "http://good.test/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v, want nil (policy denial must never abort a strict-mode run)", err)
	}
	if !strings.Contains(out, `src=""`) {
		t.Errorf("Rewrite() = %q, want denied image src emptied", out)
	}
}

func TestNoJSRemovesScript(t *testing.T) {
	doc := parse(t, `<html><body><script src="/a.js"></script></body></html>`)
	opts := core.Default()
	opts.NoJS = true
	opts.NoMetadata = true
	out, err := Rewrite(context.Background(), doc, newTestParams(t, "http://x.test/", opts))
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "<script") {
		t.Errorf("Rewrite() kept <script> under no_js: %q", out)
	}
}

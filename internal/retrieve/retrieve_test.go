package retrieve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"

	"github.com/seckatie/monolith/internal/assetcache"
	"github.com/seckatie/monolith/internal/core"
	"github.com/seckatie/monolith/internal/netfetch"
)

func newTestContext(t *testing.T, opts core.Options) *Context {
	t.Helper()
	netfetch.AllowLoopbackForTesting = true
	cache := assetcache.New(afero.NewMemMapFs(), core.CacheSpillThreshold)
	session := netfetch.New(afero.NewOsFs(), opts)
	return New(cache, session, opts)
}

func TestAssetFetchesOnceAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("AAA"))
	}))
	defer srv.Close()

	rc := newTestContext(t, core.Default())

	first, err := rc.Asset(context.Background(), "", srv.URL)
	if err != nil {
		t.Fatalf("Asset() error: %v", err)
	}
	second, err := rc.Asset(context.Background(), "", srv.URL)
	if err != nil {
		t.Fatalf("Asset() error: %v", err)
	}

	if first != second {
		t.Errorf("Asset() not idempotent: %q != %q", first, second)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1", hits)
	}
}

func TestAssetPolicyDenied(t *testing.T) {
	opts := core.Default()
	opts.Domains = []string{"good.test"}
	rc := newTestContext(t, opts)

	if _, err := rc.Asset(context.Background(), "http://bad.test/", "/x.png"); err == nil {
		t.Error("expected policy-denied error")
	}
}

func TestAssetFailureIsReplayed(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	rc := newTestContext(t, core.Default())

	if _, err := rc.Asset(context.Background(), "", srv.URL); err == nil {
		t.Fatal("expected error on first fetch")
	}
	if _, err := rc.Asset(context.Background(), "", srv.URL); err == nil {
		t.Fatal("expected error replayed on second fetch")
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1 (failure must not be retried)", hits)
	}
}

// Package metrics provides optional Prometheus counters for a run: assets
// fetched, cache hits, policy denials, failures, and bytes inlined. Wiring
// is opt-in via --metrics-addr; a run that never sets it never starts a
// listener and the counters are simply never scraped.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements retrieve.Recorder backed by Prometheus counters.
type Recorder struct {
	fetches       prometheus.Counter
	cacheHits     prometheus.Counter
	policyDenials prometheus.Counter
	failures      prometheus.Counter
	bytesInlined  prometheus.Counter
}

// New registers the counters against a fresh registry, so repeated runs in
// the same process (as in tests) never panic on duplicate registration.
func New() (*Recorder, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		fetches:       promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "monolith_assets_fetched_total", Help: "Assets fetched from the network or disk."}),
		cacheHits:     promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "monolith_cache_hits_total", Help: "Asset requests served from the in-run cache."}),
		policyDenials: promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "monolith_policy_denied_total", Help: "Asset references dropped by domain policy."}),
		failures:      promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "monolith_fetch_failures_total", Help: "Asset fetches that failed."}),
		bytesInlined:  promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "monolith_bytes_inlined_total", Help: "Bytes of asset content inlined as data URLs."}),
	}
	return r, reg
}

func (r *Recorder) RecordFetch(bytes int) {
	r.fetches.Inc()
	r.bytesInlined.Add(float64(bytes))
}

func (r *Recorder) RecordCacheHit()     { r.cacheHits.Inc() }
func (r *Recorder) RecordPolicyDenied() { r.policyDenials.Inc() }
func (r *Recorder) RecordFailure()      { r.failures.Inc() }

// Serve starts a /metrics HTTP listener on addr until ctx is canceled. It
// runs in a goroutine started by the caller; errors other than a clean
// shutdown are logged, not fatal, since metrics are diagnostic only.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("metrics listener on %s stopped: %v", addr, err)
	}
}

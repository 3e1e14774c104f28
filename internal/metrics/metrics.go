package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CrawlRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedipulse_crawl_runs_total",
		Help: "Total crawl passes started",
	})
	CrawlErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedipulse_crawl_errors_total",
		Help: "Total crawl passes that failed",
	})
	CrawlDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fedipulse_crawl_duration_seconds",
		Help:    "Crawl pass duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	PostsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedipulse_posts_discovered_total",
		Help: "Posts seen across all discovery strategies",
	})
	PostsStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedipulse_posts_stored_total",
		Help: "Posts newly inserted into the post store",
	})
	PostsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedipulse_posts_skipped_total",
		Help: "Posts skipped during acceptance, by reason",
	}, []string{"reason"})
	InstanceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedipulse_instance_failures_total",
		Help: "Request failures per instance",
	}, []string{"instance"})
	LifecycleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedipulse_lifecycle_transitions_total",
		Help: "Lifecycle stage transitions applied by the sweep",
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(CrawlRuns, CrawlErrors, CrawlDuration,
		PostsDiscovered, PostsStored, PostsSkipped, InstanceFailures,
		LifecycleTransitions)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveCrawlDuration records a pass duration.
func ObserveCrawlDuration(start time.Time) {
	CrawlDuration.Observe(time.Since(start).Seconds())
}

// IncSkipped increments the skip counter for a reason (opt_out, language, duplicate).
func IncSkipped(reason string) { PostsSkipped.WithLabelValues(reason).Inc() }

// IncInstanceFailure increments the failure counter for an instance.
func IncInstanceFailure(instance string) { InstanceFailures.WithLabelValues(instance).Inc() }

// Package acceptor implements spec.md §4.6 (C6): it owns the HTTP event
// loop, serving metrics, console, and bridge endpoints. spec.md §9's
// Design Notes call out that a target without fork replaces the
// fork-per-connection model with a thread-pool: here, every request is
// its own goroutine (net/http's native model) and the scrape cache's
// CAS lock plays the role the supervisor's shared-memory lock played
// in the C original.
package acceptor

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/collector"
	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/emitter"
	"github.com/pgexporter/pgexporter/internal/pgexporter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

const indexPage = `<html>
<head><title>pgexporter</title></head>
<body>
<h1>pgexporter</h1>
<p><a href="%s">Metrics</a></p>
</body>
</html>
`

// Acceptor is the HTTP handler for the metrics endpoint: it serves
// scrapes through a Collector, behind the scrape cache of
// internal/cache. The listener itself is bound by the caller.
type Acceptor struct {
	Config    *config.Config
	Collector *collector.Collector
	Cache     *cache.Cache

	selfRegistry       *prometheus.Registry
	up                 prometheus.Gauge
	lastScrapeDuration prometheus.Gauge
	lastScrapeErrors   prometheus.Gauge
}

// New builds an Acceptor wired to the given dependencies. Besides the
// hand-rolled pgexporter_* body, every scrape also carries a small set
// of self-observability metrics (up, last_scrape_duration/errors) plus
// the Go runtime and process metrics client_golang's collectors package
// ships, registered against a private registry so they never collide
// with registry-driven metric tags.
func New(cfg *config.Config, coll *collector.Collector, c *cache.Cache) *Acceptor {
	up := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pgexporter_up",
		Help: "Whether the last scrape completed without a collector error (1) or not (0).",
	})
	lastScrapeDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pgexporter_last_scrape_duration_seconds",
		Help: "Duration of the last scrape, in seconds.",
	})
	lastScrapeErrors := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pgexporter_last_scrape_errors",
		Help: "Number of per-server or per-metric errors the last scrape tolerated.",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(up, lastScrapeDuration, lastScrapeErrors)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Acceptor{
		Config: cfg, Collector: coll, Cache: c,
		selfRegistry: reg, up: up, lastScrapeDuration: lastScrapeDuration, lastScrapeErrors: lastScrapeErrors,
	}
}

// Handler returns the root http.Handler, wiring the configured
// metrics_path plus the index page (spec.md §6 "Metrics endpoint").
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	a.MountOn(mux)
	return mux
}

// MountOn registers the metrics and index routes onto a caller-supplied
// mux, letting main() share one listener between the metrics endpoint
// and the console (spec.md §3's ini schema has no separate console
// port, so the console rides the metrics listener under /console/).
func (a *Acceptor) MountOn(mux *http.ServeMux) {
	path := a.Config.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	mux.HandleFunc(path, a.handleMetrics)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		fmt.Fprintf(w, indexPage, path)
	})
}

// handleMetrics serves a scrape, consulting the cache first per
// spec.md §4.5's Acquire/Serve-from-cache/Build-into-cache contract.
func (a *Acceptor) handleMetrics(w http.ResponseWriter, r *http.Request) {
	logger := pgexporter.With("acceptor")

	ticket, err := a.Cache.Acquire(a.Config.BlockingTimeout)
	if err != nil {
		level.Warn(logger).Log("msg", "cache lock timeout", "err", err)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	defer ticket.Release()

	now := time.Now()
	if body, hit := ticket.Serve(now); hit {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write(body)
		return
	}

	buf := emitter.NewBuffer()
	errs := a.Collector.Collect(a.Config, buf)
	for _, err := range errs {
		level.Warn(logger).Log("msg", "scrape error", "err", err)
	}

	var rendered bytes.Buffer
	if err := buf.WriteTo(&rendered); err != nil {
		level.Error(logger).Log("msg", "rendering metrics", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	a.lastScrapeErrors.Set(float64(len(errs)))
	a.lastScrapeDuration.Set(time.Since(now).Seconds())
	if len(errs) == 0 {
		a.up.Set(1)
	} else {
		a.up.Set(0)
	}
	a.appendSelfMetrics(&rendered, logger)
	body := rendered.Bytes()

	builder := ticket.Build()
	if builder.Append(body) {
		builder.Finalize(now)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(body)
}

// appendSelfMetrics gathers the self-observability registry (up,
// last_scrape_*, Go runtime, process) and encodes it in Prometheus text
// format onto the end of the already-rendered registry-driven body, so
// a single scrape response carries both.
func (a *Acceptor) appendSelfMetrics(w *bytes.Buffer, logger log.Logger) {
	families, err := a.selfRegistry.Gather()
	if err != nil {
		level.Warn(logger).Log("msg", "gathering self metrics", "err", err)
		return
	}
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			level.Warn(logger).Log("msg", "encoding self metric", "name", mf.GetName(), "err", err)
		}
	}
}

// Signals registers the termination and reload signal set of spec.md
// §4.6 ("Registers signal handlers for termination, reload, and child
// reap"). Child reap has no analogue here: acceptor uses a goroutine
// per request rather than forking, per spec.md §9's thread-pool
// redesign for non-fork targets, so there is no child process to wait
// on.
func Signals() (terminate, reload <-chan os.Signal) {
	termCh := make(chan os.Signal, 1)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(termCh, syscall.SIGTERM, syscall.SIGINT)
	signal.Notify(reloadCh, syscall.SIGHUP)
	return termCh, reloadCh
}

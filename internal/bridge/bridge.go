// Package bridge implements spec.md §6's federation bridge: it fetches
// /metrics from a configured set of upstream exporters of the same
// format, concatenates their text bodies, and reuses internal/cache's
// TTL discipline exactly as the primary scrape path does. A JSON
// sibling reshapes the same parsed families, per spec.md §6's "JSON
// sibling port" note (served here as a sibling path on the same
// listener, simpler than a second bound port for an identical payload).
package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/pgexporter/pgexporter/internal/cache"
)

// Fetcher retrieves one upstream exporter's raw scrape body.
type Fetcher interface {
	Fetch(target string) ([]byte, error)
}

// HTTPFetcher is the production Fetcher, a thin wrapper over
// http.Client.Get.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch issues GET target and returns the response body.
func (f *HTTPFetcher) Fetch(target string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(target)
	if err != nil {
		return nil, fmt.Errorf("bridge: fetching %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge: %s returned status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Bridge aggregates a configured list of upstream targets behind a
// shared scrape cache.
type Bridge struct {
	Targets []string
	Fetcher Fetcher
	Cache   *cache.Cache
	Timeout time.Duration
	Logger  log.Logger
}

// New builds a Bridge over the given upstream target URLs.
func New(targets []string, fetcher Fetcher, c *cache.Cache, timeout time.Duration, logger log.Logger) *Bridge {
	return &Bridge{Targets: targets, Fetcher: fetcher, Cache: c, Timeout: timeout, Logger: logger}
}

// Handler serves "/metrics" (concatenated text) and "/metrics.json"
// (the same families reshaped to JSON).
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", b.handleText)
	mux.HandleFunc("/metrics.json", b.handleJSON)
	return mux
}

func (b *Bridge) handleText(w http.ResponseWriter, r *http.Request) {
	body, err := b.aggregate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(body)
}

func (b *Bridge) handleJSON(w http.ResponseWriter, r *http.Request) {
	body, err := b.aggregate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(string(body)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reshapeFamilies(families))
}

type jsonFamily struct {
	Name    string       `json:"name"`
	Type    string       `json:"type"`
	Samples []jsonSample `json:"samples"`
}

type jsonSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

func reshapeFamilies(families map[string]*dto.MetricFamily) []jsonFamily {
	out := make([]jsonFamily, 0, len(families))
	for name, mf := range families {
		jf := jsonFamily{Name: name, Type: mf.GetType().String()}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			jf.Samples = append(jf.Samples, jsonSample{Labels: labels, Value: sampleValue(m)})
		}
		out = append(out, jf)
	}
	return out
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	default:
		return 0
	}
}

// aggregate consults the cache first, then fetches every target and
// concatenates their bodies on a miss, following the same
// Acquire/Serve/Build-into-cache contract as the primary scrape path
// (internal/acceptor.handleMetrics).
func (b *Bridge) aggregate() ([]byte, error) {
	ticket, err := b.Cache.Acquire(b.Timeout)
	if err != nil {
		return nil, fmt.Errorf("bridge: cache lock timeout: %w", err)
	}
	defer ticket.Release()

	now := time.Now()
	if body, hit := ticket.Serve(now); hit {
		return body, nil
	}

	var combined strings.Builder
	for _, target := range b.Targets {
		body, err := b.Fetcher.Fetch(target)
		if err != nil {
			level.Warn(b.Logger).Log("msg", "bridge: upstream fetch failed, skipping", "target", target, "err", err)
			continue
		}
		combined.Write(body)
		if combined.Len() > 0 && combined.String()[combined.Len()-1] != '\n' {
			combined.WriteByte('\n')
		}
	}

	result := []byte(combined.String())
	builder := ticket.Build()
	if builder.Append(result) {
		builder.Finalize(now)
	}
	return result, nil
}

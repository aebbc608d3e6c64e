// Package console implements spec.md §4.6's console endpoint (C6): a
// read-only HTML/JSON view that clusters the already-emitted metrics
// text into tabs by name prefix, per original_source/console.c's
// category clustering (documented in SPEC_FULL.md's supplemented
// features).
package console

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// metricNamePrefix is the metric family name all emitted series share,
// per internal/emitter's "pgexporter_" naming convention.
const metricNamePrefix = "pgexporter_"

// MetricsFetcher returns the current scrape body, the same bytes the
// metrics endpoint would serve (cache-backed or fresh).
type MetricsFetcher func() ([]byte, error)

// StatusFetcher returns the management status payload, mirroring the
// control plane's "status" command.
type StatusFetcher func() (map[string]interface{}, error)

// Console serves the operator HTML/JSON console.
type Console struct {
	Metrics MetricsFetcher
	Status  StatusFetcher
}

// New builds a Console wired to the given fetchers.
func New(metrics MetricsFetcher, status StatusFetcher) *Console {
	return &Console{Metrics: metrics, Status: status}
}

// Metric is one sample line flattened for console display.
type Metric struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Category groups metrics sharing a name prefix.
type Category struct {
	Name    string   `json:"name"`
	Metrics []Metric `json:"metrics"`
}

// apiPayload is GET /api's compact JSON shape: {categories:[{name,
// metrics:[{name,type,value}]}], status:{...}}. Status mirrors the
// control plane's "status" command (spec.md §4.6's "internally scrape
// ... the management status call"), and is omitted entirely when no
// StatusFetcher was wired.
type apiPayload struct {
	Categories []Category             `json:"categories"`
	Status     map[string]interface{} `json:"status,omitempty"`
}

// Handler returns the console's http.Handler: "/" for the HTML tab
// view, "/api" for the JSON mirror.
func (c *Console) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleHTML)
	mux.HandleFunc("/api", c.handleAPI)
	return mux
}

func (c *Console) handleHTML(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	payload, err := c.build()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := htmlTemplate.Execute(w, payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (c *Console) handleAPI(w http.ResponseWriter, r *http.Request) {
	payload, err := c.build()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// build assembles the full console payload: categorized metrics plus,
// when a StatusFetcher is wired, the management status block.
func (c *Console) build() (apiPayload, error) {
	categories, err := c.categorize()
	if err != nil {
		return apiPayload{}, err
	}
	payload := apiPayload{Categories: categories}
	if c.Status != nil {
		status, err := c.Status()
		if err != nil {
			return apiPayload{}, fmt.Errorf("console: fetching status: %w", err)
		}
		payload.Status = status
	}
	return payload, nil
}

// categorize scrapes the metrics endpoint, parses the Prometheus text
// exposition format, and clusters families into tabs by the name
// segment up to the first underscore after "pgexporter_".
func (c *Console) categorize() ([]Category, error) {
	body, err := c.Metrics()
	if err != nil {
		return nil, fmt.Errorf("console: fetching metrics: %w", err)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("console: parsing metrics text: %w", err)
	}

	byCategory := map[string][]Metric{}
	for name, mf := range families {
		cat := categoryFor(name)
		typ := mf.GetType().String()
		for _, m := range mf.GetMetric() {
			value := formatValue(m)
			byCategory[cat] = append(byCategory[cat], Metric{Name: name, Type: typ, Value: value})
		}
	}

	categories := make([]Category, 0, len(byCategory))
	for name, metrics := range byCategory {
		sort.Slice(metrics, func(i, j int) bool { return metrics[i].Name < metrics[j].Name })
		categories = append(categories, Category{Name: name, Metrics: metrics})
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

// categoryFor strips "pgexporter_" and returns the segment up to the
// next underscore, per original_source/console.c's clustering rule.
func categoryFor(metricName string) string {
	trimmed := strings.TrimPrefix(metricName, metricNamePrefix)
	if idx := strings.IndexByte(trimmed, '_'); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

func formatValue(m *dto.Metric) string {
	switch {
	case m.Gauge != nil:
		return formatFloat(m.Gauge.GetValue())
	case m.Counter != nil:
		return formatFloat(m.Counter.GetValue())
	case m.Histogram != nil:
		return formatFloat(m.Histogram.GetSampleSum())
	case m.Untyped != nil:
		return formatFloat(m.Untyped.GetValue())
	default:
		return ""
	}
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

var htmlTemplate = template.Must(template.New("console").Parse(`<html>
<head><title>pgexporter console</title></head>
<body>
<h1>pgexporter</h1>
{{if .Status}}
<h2>status</h2>
<table border="1">
<tr><th>Key</th><th>Value</th></tr>
{{range $k, $v := .Status}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>
{{end}}</table>
{{end}}
{{range .Categories}}
<h2>{{.Name}}</h2>
<table border="1">
<tr><th>Metric</th><th>Type</th><th>Value</th></tr>
{{range .Metrics}}<tr><td>{{.Name}}</td><td>{{.Type}}</td><td>{{.Value}}</td></tr>
{{end}}</table>
{{end}}
</body>
</html>
`))

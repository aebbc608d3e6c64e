package acceptor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/pgexporter/pgexporter/internal/collector"
	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/registry"
	"github.com/pgexporter/pgexporter/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	rows *wire.RowSet
}

func (f *fakeQuerier) SimpleQuery(sql string) (*wire.RowSet, error) { return f.rows, nil }
func (f *fakeQuerier) Close() error                                 { return nil }

type fakeConnector struct{ q *fakeQuerier }

func (f *fakeConnector) Connect(server *config.Server, database string) (collector.Querier, error) {
	return f.q, nil
}

func newTestAcceptor(t *testing.T, maxAge time.Duration) *Acceptor {
	t.Helper()
	dir := t.TempDir()
	yamlText := `
metrics:
  - tag: test_widget_count
    collector: widgets
    sort: by_name
    server: both
    alternatives:
      - version: "1"
        query: "SELECT count FROM test_widgets"
        columns:
          - description: widgets
            type: gauge
`
	path := filepath.Join(dir, "widgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlText), 0o644))
	reg, err := registry.Load(path)
	require.NoError(t, err)

	rs := &wire.RowSet{Rows: []wire.Row{{Values: []wire.NullString{{String: "5", Valid: true}}}}}
	conn := &fakeConnector{q: &fakeQuerier{rows: rs}}
	c := collector.New(reg, conn)

	cfg := &config.Config{
		MetricsPath:         "/metrics",
		MetricsCacheMaxAge:  maxAge,
		MetricsCacheMaxSize: 1024,
		BlockingTimeout:     time.Second,
		Servers:             []*config.Server{{Name: "s1", MajorVersion: 1, Username: "pgexporter"}},
		CollectorFilter:     map[string]bool{},
	}

	return New(cfg, c, cache.New(1024, maxAge))
}

func TestHandleMetricsServesScrapeBody(t *testing.T) {
	a := newTestAcceptor(t, 5*time.Second)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `pgexporter_test_widget_count{server="s1"} 5`)
}

func TestHandleMetricsCacheHitAvoidsRecollection(t *testing.T) {
	a := newTestAcceptor(t, 5*time.Second)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp1, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()

	require.Equal(t, body1, body2)
}

func TestIndexPageListsMetricsLink(t *testing.T) {
	a := newTestAcceptor(t, 0)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `href="/metrics"`)
}

func TestHandleMetricsAppendsSelfObservabilityMetrics(t *testing.T) {
	a := newTestAcceptor(t, 0)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	require.Contains(t, text, "pgexporter_up 1")
	require.Contains(t, text, "pgexporter_last_scrape_errors 0")
	require.Contains(t, text, "go_goroutines")
}

func TestUnknownPathIsForbidden(t *testing.T) {
	a := newTestAcceptor(t, 0)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

package console

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMetrics = `# HELP pgexporter_postgresql_primary Is the server a primary
# TYPE pgexporter_postgresql_primary gauge
pgexporter_postgresql_primary{server="s1"} 1
# HELP pgexporter_wal_bytes WAL bytes written
# TYPE pgexporter_wal_bytes counter
pgexporter_wal_bytes{server="s1"} 42
`

func fixedMetrics(body string) MetricsFetcher {
	return func() ([]byte, error) { return []byte(body), nil }
}

func TestAPIGroupsMetricsByPrefixCategory(t *testing.T) {
	c := New(fixedMetrics(sampleMetrics), nil)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	require.Contains(t, text, `"name":"postgresql"`)
	require.Contains(t, text, `"name":"wal"`)
	require.Contains(t, text, `"name":"pgexporter_postgresql_primary"`)
}

func TestHTMLPageListsCategoryTabs(t *testing.T) {
	c := New(fixedMetrics(sampleMetrics), nil)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	require.Contains(t, text, "postgresql")
	require.Contains(t, text, "wal")
	require.Contains(t, text, "pgexporter_postgresql_primary")
}

func TestCategoryForStripsPrefixAndTakesFirstSegment(t *testing.T) {
	require.Equal(t, "postgresql", categoryFor("pgexporter_postgresql_primary"))
	require.Equal(t, "walsize", categoryFor("pgexporter_walsize"))
}

func TestUnknownHTMLPathIsForbidden(t *testing.T) {
	c := New(fixedMetrics(sampleMetrics), nil)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsFetchErrorSurfacesAsInternalError(t *testing.T) {
	c := New(func() ([]byte, error) { return nil, io.ErrUnexpectedEOF }, nil)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTextParserRejectsMalformedBody(t *testing.T) {
	c := New(fixedMetrics("not prometheus text {{{"), nil)
	_, err := c.categorize()
	require.Error(t, err)
}

func TestAPIMergesStatusWhenFetcherWired(t *testing.T) {
	status := func() (map[string]interface{}, error) {
		return map[string]interface{}{"servers": float64(2)}, nil
	}
	c := New(fixedMetrics(sampleMetrics), status)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	require.Contains(t, text, `"status":{"servers":2}`)
}

func TestHTMLIncludesStatusTableWhenFetcherWired(t *testing.T) {
	status := func() (map[string]interface{}, error) {
		return map[string]interface{}{"servers": float64(2)}, nil
	}
	c := New(fixedMetrics(sampleMetrics), status)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	require.Contains(t, text, "servers")
}

func TestAPIStatusErrorSurfacesAsInternalError(t *testing.T) {
	status := func() (map[string]interface{}, error) { return nil, io.ErrUnexpectedEOF }
	c := New(fixedMetrics(sampleMetrics), status)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

package bridge

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pgexporter/pgexporter/internal/cache"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	bodies map[string][]byte
	errs   map[string]error
	calls  []string
}

func (f *fakeFetcher) Fetch(target string) ([]byte, error) {
	f.calls = append(f.calls, target)
	if err, ok := f.errs[target]; ok {
		return nil, err
	}
	return f.bodies[target], nil
}

func TestAggregateConcatenatesUpstreamBodies(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"http://a:9187/metrics": []byte("metric_a 1\n"),
		"http://b:9187/metrics": []byte("metric_b 2\n"),
	}}
	b := New([]string{"http://a:9187/metrics", "http://b:9187/metrics"}, fetcher, cache.New(4096, time.Second), time.Second, log.NewNopLogger())

	body, err := b.aggregate()
	require.NoError(t, err)
	require.Contains(t, string(body), "metric_a 1")
	require.Contains(t, string(body), "metric_b 2")
}

func TestAggregateSkipsFailedUpstreamsAndKeepsOthers(t *testing.T) {
	fetcher := &fakeFetcher{
		bodies: map[string][]byte{"http://b:9187/metrics": []byte("metric_b 2\n")},
		errs:   map[string]error{"http://a:9187/metrics": fmt.Errorf("connection refused")},
	}
	b := New([]string{"http://a:9187/metrics", "http://b:9187/metrics"}, fetcher, cache.New(4096, time.Second), time.Second, log.NewNopLogger())

	body, err := b.aggregate()
	require.NoError(t, err)
	require.NotContains(t, string(body), "metric_a")
	require.Contains(t, string(body), "metric_b 2")
}

func TestAggregateCachesWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{"http://a:9187/metrics": []byte("metric_a 1\n")}}
	b := New([]string{"http://a:9187/metrics"}, fetcher, cache.New(4096, time.Minute), time.Second, log.NewNopLogger())

	_, err := b.aggregate()
	require.NoError(t, err)
	_, err = b.aggregate()
	require.NoError(t, err)
	require.Len(t, fetcher.calls, 1, "a cache hit must not re-fetch upstreams")
}

func TestHandleJSONReshapesParsedFamilies(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"http://a:9187/metrics": []byte("# TYPE widget_count gauge\nwidget_count{server=\"s1\"} 3\n"),
	}}
	b := New([]string{"http://a:9187/metrics"}, fetcher, cache.New(4096, time.Second), time.Second, log.NewNopLogger())
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `"name":"widget_count"`)
	require.Contains(t, string(body), `"value":3`)
}

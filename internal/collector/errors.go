package collector

import "fmt"

// ScrapeError records one (server, metric) failure collected during a
// scrape; the scrape continues past it per spec.md §4.3's per-database
// fan-out failure handling and §4.1's "affected server is marked down
// and subsequent metrics for it are skipped for this scrape".
type ScrapeError struct {
	Server   string
	Database string
	Metric   string
	Err      error
}

func (e *ScrapeError) Error() string {
	if e.Database != "" {
		return fmt.Sprintf("collector: server %s database %s metric %s: %v", e.Server, e.Database, e.Metric, e.Err)
	}
	return fmt.Sprintf("collector: server %s metric %s: %v", e.Server, e.Metric, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

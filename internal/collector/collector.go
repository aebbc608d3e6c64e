// Package collector implements spec.md §4.3 (C3): it drives the query
// registry over the wire client for every configured server, fanning
// out across databases where a metric demands it, and feeds the
// resulting rows to an emitter.Buffer.
package collector

import (
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/emitter"
	"github.com/pgexporter/pgexporter/internal/pgexporter"
	"github.com/pgexporter/pgexporter/internal/registry"
	"github.com/pgexporter/pgexporter/internal/wire"
)

const databaseListQuery = `SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY 1`

// Collector owns the per-server connection pool for one process and
// drives scrapes against a Registry.
type Collector struct {
	Registry  *registry.Registry
	Connector Connector

	conns map[string]Querier // key: server name + "/" + database
}

// New builds a Collector against the given registry and connector.
func New(reg *registry.Registry, connector Connector) *Collector {
	return &Collector{Registry: reg, Connector: connector, conns: map[string]Querier{}}
}

// Collect runs one full scrape over cfg.Servers, appending rows into
// buf, and returns every per-(server, metric) failure it tolerated
// along the way. A fresh "down this scrape" set is tracked internally
// so a mid-scrape wire failure does not retry the same server for
// every remaining metric (spec.md §4.1's failure semantics).
func (c *Collector) Collect(cfg *config.Config, buf *emitter.Buffer) []error {
	var errs []error
	down := map[string]bool{}

	for _, m := range c.Registry.Metrics() {
		if !cfg.CollectorEnabled(m.CollectorName) {
			continue
		}
		for _, server := range cfg.Servers {
			if server.Unavailable || down[server.Name] {
				continue
			}
			if !m.AppliesToRole(server.CurrentRole) {
				continue
			}
			alt, ok := m.Lookup(server)
			if !ok {
				continue // version skip, per spec.md §3's lookup rule
			}

			databases := []string{server.DefaultDatabase()}
			if m.ExecuteOnAllDatabases {
				dbs, err := c.databasesFor(server)
				if err != nil {
					errs = append(errs, &ScrapeError{Server: server.Name, Metric: m.Tag, Err: err})
					if isAuthFailure(err) {
						server.Unavailable = true
					} else {
						down[server.Name] = true
					}
					continue
				}
				databases = dbs
			}

			for _, db := range databases {
				if err := c.collectOne(server, db, m, alt, buf, m.ExecuteOnAllDatabases); err != nil {
					errs = append(errs, &ScrapeError{Server: server.Name, Database: db, Metric: m.Tag, Err: err})
					if isAuthFailure(err) {
						server.Unavailable = true
						break
					}
					down[server.Name] = true
					break
				}
			}
		}
	}
	return errs
}

// collectOne issues alt's query against (server, database) and feeds
// every row to buf. iteratingDatabases is spec.md §4.4's "the collector
// is iterating databases" condition: only then does a missing explicit
// database label get synthesized from the current database name.
func (c *Collector) collectOne(server *config.Server, database string, m *registry.MetricDefinition, alt *registry.QueryAlternative, buf *emitter.Buffer, iteratingDatabases bool) error {
	q, err := c.querierFor(server, database)
	if err != nil {
		return err
	}

	rs, err := q.SimpleQuery(alt.SQLText)
	if err != nil {
		c.dropConn(server, database)
		return err
	}

	hasExplicitDatabase := alt.HasLabelColumn("database")
	databaseLabel := ""
	if iteratingDatabases {
		databaseLabel = database
	}
	for _, row := range rs.Rows {
		values := make([]string, len(row.Values))
		for i, v := range row.Values {
			if v.Valid {
				values[i] = v.String
			}
		}
		if err := buf.AddRow(m.Tag, m.CollectorName, m.SortPolicy, alt, values, server.Name, databaseLabel, hasExplicitDatabase); err != nil {
			level.Warn(pgexporter.WithServer("collector", server.Name)).Log("msg", "skipping row", "tag", m.Tag, "err", err)
		}
	}
	return nil
}

func (c *Collector) databasesFor(server *config.Server) ([]string, error) {
	if len(server.Databases) > 0 {
		return server.Databases, nil
	}
	q, err := c.querierFor(server, server.DefaultDatabase())
	if err != nil {
		return nil, err
	}
	rs, err := q.SimpleQuery(databaseListQuery)
	if err != nil {
		c.dropConn(server, server.DefaultDatabase())
		return nil, err
	}
	dbs := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if len(row.Values) > 0 && row.Values[0].Valid {
			dbs = append(dbs, row.Values[0].String)
		}
	}
	server.Databases = dbs
	return dbs, nil
}

func (c *Collector) querierFor(server *config.Server, database string) (Querier, error) {
	key := connKey(server.Name, database)
	if q, ok := c.conns[key]; ok {
		return q, nil
	}
	q, err := c.Connector.Connect(server, database)
	if err != nil {
		return nil, err
	}
	if !server.ExtensionProbeOK {
		if err := c.ensureProbed(server, q); err != nil {
			level.Warn(pgexporter.WithServer("collector", server.Name)).Log("msg", "self-check probe failed", "err", err)
		}
	}
	c.conns[key] = q
	return q, nil
}

func (c *Collector) dropConn(server *config.Server, database string) {
	key := connKey(server.Name, database)
	if q, ok := c.conns[key]; ok {
		q.Close()
		delete(c.conns, key)
	}
}

// Close closes every pooled connection; called at shutdown or reload.
func (c *Collector) Close() {
	for key, q := range c.conns {
		q.Close()
		delete(c.conns, key)
	}
}

func connKey(server, database string) string {
	return fmt.Sprintf("%s/%s", server, database)
}

func isAuthFailure(err error) bool {
	wireErr, ok := err.(*wire.Error)
	if !ok {
		return false
	}
	return wireErr.Kind == wire.KindAuthBadPassword || wireErr.Kind == wire.KindAuthUnsupported
}

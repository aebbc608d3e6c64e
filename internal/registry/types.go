// Package registry holds the version-indexed set of SQL query
// alternatives per metric tag (spec.md §4.2, C2), loaded from an
// embedded core YAML document and from operator-supplied YAML/JSON
// files or directories.
package registry

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColumnType is the Prometheus metric shape a column maps to.
type ColumnType int

const (
	ColumnLabel ColumnType = iota
	ColumnGauge
	ColumnCounter
	ColumnHistogram
)

func (t ColumnType) String() string {
	switch t {
	case ColumnLabel:
		return "label"
	case ColumnGauge:
		return "gauge"
	case ColumnCounter:
		return "counter"
	case ColumnHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// UnmarshalYAML accepts the textual column type names used by both the
// embedded core YAML document and operator-supplied files.
func (t *ColumnType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return t.fromString(s)
}

// UnmarshalJSON accepts the same textual names for user metrics
// supplied as JSON (spec.md §4.2's "external YAML or JSON file").
func (t *ColumnType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return t.fromString(s)
}

func (t *ColumnType) fromString(s string) error {
	switch strings.ToLower(s) {
	case "label":
		*t = ColumnLabel
	case "gauge":
		*t = ColumnGauge
	case "counter":
		*t = ColumnCounter
	case "histogram":
		*t = ColumnHistogram
	default:
		return errUnknownColumnType(s)
	}
	return nil
}

type errUnknownColumnType string

func (e errUnknownColumnType) Error() string { return "registry: unknown column type " + string(e) }

// SortPolicy controls how the Emitter orders rows within a store
// (spec.md §4.4).
type SortPolicy int

const (
	SortByName SortPolicy = iota
	SortByFirstDataColumn
)

// UnmarshalYAML accepts "by_name" / "by_first_data_column".
func (s *SortPolicy) UnmarshalYAML(value *yaml.Node) error {
	var v string
	if err := value.Decode(&v); err != nil {
		return err
	}
	return s.fromString(v)
}

func (s *SortPolicy) fromString(v string) error {
	switch v {
	case "", "by_name":
		*s = SortByName
	case "by_first_data_column":
		*s = SortByFirstDataColumn
	default:
		return errUnknownColumnType(v)
	}
	return nil
}

// UnmarshalJSON accepts "by_name" / "by_first_data_column".
func (s *SortPolicy) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.fromString(v)
}

// ServerSelector restricts a metric to primary servers, replicas, or
// both.
type ServerSelector int

const (
	SelectBoth ServerSelector = iota
	SelectPrimary
	SelectReplica
)

// UnmarshalYAML accepts "primary" / "replica" / "both".
func (s *ServerSelector) UnmarshalYAML(value *yaml.Node) error {
	var v string
	if err := value.Decode(&v); err != nil {
		return err
	}
	return s.fromString(v)
}

func (s *ServerSelector) fromString(v string) error {
	switch v {
	case "", "both":
		*s = SelectBoth
	case "primary":
		*s = SelectPrimary
	case "replica":
		*s = SelectReplica
	default:
		return errUnknownColumnType(v)
	}
	return nil
}

// UnmarshalJSON accepts "primary" / "replica" / "both".
func (s *ServerSelector) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.fromString(v)
}

// Column is one declared column of a query alternative (spec.md §3).
type Column struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Type        ColumnType `yaml:"type" json:"type"`
}

// QueryAlternative is one SQL text plus its column schema, keyed to a
// Postgres major version or an extension version (spec.md §3).
type QueryAlternative struct {
	SQLText     string   `yaml:"query"`
	IsHistogram bool     `yaml:"-"`
	Columns     []Column `yaml:"columns"`
}

// HasLabelColumn reports whether the alternative already declares a
// label column with the given name, so the emitter knows not to
// synthesize one.
func (q *QueryAlternative) HasLabelColumn(name string) bool {
	for _, c := range q.Columns {
		if c.Type == ColumnLabel && c.Name == name {
			return true
		}
	}
	return false
}

func (q *QueryAlternative) computeIsHistogram() {
	for _, c := range q.Columns {
		if c.Type == ColumnHistogram {
			q.IsHistogram = true
			return
		}
	}
}

// rawAlternative is the on-disk shape: a version key plus the fields of
// QueryAlternative, since YAML doesn't let us embed a map key as a
// struct field cleanly when the key is itself structured (extension
// 3-tuples).
type rawAlternative struct {
	Version string   `yaml:"version" json:"version"`
	SQLText string   `yaml:"query" json:"query"`
	Columns []Column `yaml:"columns" json:"columns"`
}

// MetricDefinition is {tag, collector_name, sort_policy,
// server_selector, execute_on_all_databases, version_tree} of spec.md
// §3.
type MetricDefinition struct {
	Tag                   string
	CollectorName         string
	SortPolicy            SortPolicy
	ServerSelector        ServerSelector
	ExecuteOnAllDatabases bool
	ExtensionName         string // empty for core metrics

	tree *VersionTree
}

// rawMetric is the on-disk shape for one metric's YAML/JSON entry.
type rawMetric struct {
	Tag                   string           `yaml:"tag" json:"tag"`
	Collector             string           `yaml:"collector" json:"collector"`
	Sort                  SortPolicy       `yaml:"sort" json:"sort"`
	ServerRole            ServerSelector   `yaml:"server" json:"server"`
	AllDatabases          bool             `yaml:"all_databases" json:"all_databases"`
	Extension             string           `yaml:"extension" json:"extension"`
	Alternatives          []rawAlternative `yaml:"alternatives" json:"alternatives"`
}

// prometheusIdentifier validates that a generated metric name is
// Prometheus-legal (spec.md §4.2 "Validation on load").
var prometheusIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

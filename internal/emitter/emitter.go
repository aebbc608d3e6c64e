// Package emitter turns a Collector's row stream into Prometheus text,
// per spec.md §4.4 (C4). Output is a sequence of column stores, one per
// (tag, column, type) triple actually observed in the scrape.
package emitter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pgexporter/pgexporter/internal/registry"
)

// Sample is one row's contribution to one column store: the labels in
// declaration order (server first, any synthesized database label
// last) plus the raw text value the query produced. first holds the
// value of the row's first non-label column, used for by_first_data_column
// grouping.
type Sample struct {
	Labels []Label
	Value  string
	first  string

	// Histogram-only fields, populated when the owning store's column
	// type is histogram.
	bucketBounds []string
	bucketCounts []string
	sum          string
	count        string
}

// Label is one name=value pair of an emitted line.
type Label struct {
	Name  string
	Value string
}

// storeKey identifies a column store: two rows share a store iff they
// share (tag, column, type), per spec.md §4.4 "Column store identity".
type storeKey struct {
	tag    string
	column string
	typ    registry.ColumnType
}

func (k storeKey) metricName() string {
	if k.column == "" {
		return "pgexporter_" + k.tag
	}
	return "pgexporter_" + k.tag + "_" + k.column
}

func (k storeKey) promType() string {
	switch k.typ {
	case registry.ColumnCounter:
		return "counter"
	case registry.ColumnHistogram:
		return "histogram"
	default:
		return "gauge"
	}
}

// store accumulates samples for one (tag, column, type) triple across
// the whole scrape; HELP/TYPE is emitted exactly once per store.
type store struct {
	key         storeKey
	description string
	sortPolicy  registry.SortPolicy
	samples     []Sample
}

// Buffer collects column stores in first-observed order and renders
// them to Prometheus text. A Buffer is used for exactly one scrape.
type Buffer struct {
	order  []storeKey
	stores map[storeKey]*store
}

// NewBuffer returns an empty Buffer ready to accumulate one scrape.
func NewBuffer() *Buffer {
	return &Buffer{stores: map[storeKey]*store{}}
}

// AddRow feeds one row of a RowSet into the buffer, fanning it out into
// one sample per non-label column, per spec.md §4.4's metric-line shape
// and histogram handling. serverLabel and databaseLabel implement the
// "server label always present" / "synthesized database label"
// invariants of spec.md §3.
func (b *Buffer) AddRow(tag, collectorName string, sortPolicy registry.SortPolicy, alt *registry.QueryAlternative, values []string, serverLabel string, databaseLabel string, hasExplicitDatabase bool) error {
	labels := []Label{{Name: "server", Value: escapeLabelValue(serverLabel)}}

	// Label columns declared before the histogram/data columns, in
	// declaration order (spec.md §4.4 "Label columns defined before the
	// histogram column become labels on every emitted bucket/sum/count
	// line").
	for i, c := range alt.Columns {
		if c.Type != registry.ColumnLabel {
			continue
		}
		if i >= len(values) {
			return fmt.Errorf("emitter: row has %d values, column schema declares %d", len(values), len(alt.Columns))
		}
		name := c.Name
		if name == "database" {
			hasExplicitDatabase = true
		}
		labels = append(labels, Label{Name: name, Value: escapeLabelValue(values[i])})
	}
	if !hasExplicitDatabase && databaseLabel != "" {
		labels = append(labels, Label{Name: "database", Value: escapeLabelValue(databaseLabel)})
	}

	// Pre-validate every histogram column before committing any sample
	// for this row: spec.md §8 requires a length-mismatched histogram
	// row be skipped whole, not partially emitted into its sibling
	// column stores.
	type histResult struct {
		bounds, counts []string
		sum, count     string
	}
	histByIdx := map[int]histResult{}
	consumed := map[int]bool{}
	for i, c := range alt.Columns {
		if c.Type != registry.ColumnHistogram {
			continue
		}
		if i >= len(values) {
			return fmt.Errorf("emitter: row has %d values, column schema declares %d", len(values), len(alt.Columns))
		}
		bounds, counts, sum, count, companions, err := parseHistogramRow(alt, values, i)
		if err != nil {
			return err
		}
		histByIdx[i] = histResult{bounds: bounds, counts: counts, sum: sum, count: count}
		for _, idx := range companions {
			consumed[idx] = true
		}
	}

	firstDataValue := ""
	firstSeen := false

	for i, c := range alt.Columns {
		if c.Type == registry.ColumnLabel || consumed[i] {
			continue
		}
		if i >= len(values) {
			return fmt.Errorf("emitter: row has %d values, column schema declares %d", len(values), len(alt.Columns))
		}
		if !firstSeen {
			firstDataValue = values[i]
			firstSeen = true
		}

		key := storeKey{tag: tag, column: c.Name, typ: c.Type}
		st := b.storeFor(key, c.Description, sortPolicy)

		if h, ok := histByIdx[i]; ok {
			st.samples = append(st.samples, Sample{
				Labels:       labels,
				first:        firstDataValue,
				bucketBounds: h.bounds,
				bucketCounts: h.counts,
				sum:          h.sum,
				count:        h.count,
			})
			continue
		}

		st.samples = append(st.samples, Sample{
			Labels: labels,
			Value:  normalizeValue(values[i]),
			first:  firstDataValue,
		})
	}
	return nil
}

func (b *Buffer) storeFor(key storeKey, description string, sortPolicy registry.SortPolicy) *store {
	st, ok := b.stores[key]
	if !ok {
		st = &store{key: key, description: description, sortPolicy: sortPolicy}
		b.stores[key] = st
		b.order = append(b.order, key)
	}
	return st
}

// WriteTo renders every store to Prometheus text v0.0.1, HELP/TYPE
// preamble first, lines ordered per the store's sort policy (spec.md
// §4.4 "Ordering and grouping within a store").
func (b *Buffer) WriteTo(w io.Writer) error {
	for _, key := range b.order {
		st := b.stores[key]
		if len(st.samples) == 0 {
			continue // a query returning zero rows creates no store output
		}
		name := key.metricName()
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, st.description); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, key.promType()); err != nil {
			return err
		}

		samples := orderSamples(st.samples, st.sortPolicy)

		for _, s := range samples {
			if key.typ == registry.ColumnHistogram {
				if err := writeHistogramSample(w, name, s); err != nil {
					return err
				}
				continue
			}
			if err := writeLine(w, name, s.Labels, s.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeLine(w io.Writer, name string, labels []Label, value string) error {
	_, err := fmt.Fprintf(w, "%s{%s} %s\n", name, renderLabels(labels), value)
	return err
}

func renderLabels(labels []Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf(`%s="%s"`, l.Name, l.Value)
	}
	return strings.Join(parts, ",")
}

func writeHistogramSample(w io.Writer, name string, s Sample) error {
	for i, bound := range s.bucketBounds {
		labels := append(append([]Label{}, s.Labels...), Label{Name: "le", Value: bound})
		if err := writeLine(w, name+"_bucket", labels, s.bucketCounts[i]); err != nil {
			return err
		}
	}
	infLabels := append(append([]Label{}, s.Labels...), Label{Name: "le", Value: "+Inf"})
	if err := writeLine(w, name+"_bucket", infLabels, s.count); err != nil {
		return err
	}
	if err := writeLine(w, name+"_sum", s.Labels, s.sum); err != nil {
		return err
	}
	return writeLine(w, name+"_count", s.Labels, s.count)
}

// orderSamples implements spec.md §4.4's "Ordering and grouping"
// clause: by_first_data_column groups rows with equal first-data-column
// value adjacently, preserving intra-group order (stable sort); spec.md
// §9 fixes ties to fall back to insertion order, which Go's
// sort.SliceStable already guarantees.
func orderSamples(samples []Sample, policy registry.SortPolicy) []Sample {
	if policy != registry.SortByFirstDataColumn {
		return samples
	}
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].first < out[j].first })
	return out
}

// escapeLabelValue implements spec.md §4.4's label escaping: `"` and
// `\` are backslash-prefixed, `.` is replaced with `_` (a trailing `.`
// is dropped rather than turned into a trailing `_`).
func escapeLabelValue(v string) string {
	v = strings.TrimSuffix(v, ".")
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '.':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeValue implements spec.md §4.4's value normalization table.
func normalizeValue(raw string) string {
	switch raw {
	case "":
		return "0"
	case "on", "t":
		return "1"
	case "off", "f", "(disabled)":
		return "0"
	case "NaN":
		return "NaN"
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return raw
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) {
		return raw
	}
	return "1" // presence indicator
}

package emitter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pgexporter/pgexporter/internal/registry"
)

// ErrHistogramLengthMismatch is returned when a histogram row's size[]
// and size_bucket[] arrays have differing lengths (spec.md §8 boundary
// behavior); callers log a warning and skip the row rather than failing
// the scrape.
var ErrHistogramLengthMismatch = errors.New("emitter: histogram bucket bounds and counts have differing lengths")

// parseHistogramRow extracts the parallel bucket-bounds/bucket-counts
// arrays and the *_sum/*_count scalars for the histogram column at
// index histIdx, per spec.md §4.4's naming convention: a histogram
// column named "size" pairs with "size_bucket" (counts), "size_sum",
// and "size_count" columns elsewhere in the same alternative.
func parseHistogramRow(alt *registry.QueryAlternative, values []string, histIdx int) (bounds, counts []string, sum, count string, companions []int, err error) {
	base := alt.Columns[histIdx].Name

	bucketIdx := findColumn(alt.Columns, base+"_bucket")
	sumIdx := findColumn(alt.Columns, base+"_sum")
	countIdx := findColumn(alt.Columns, base+"_count")
	if bucketIdx < 0 || sumIdx < 0 || countIdx < 0 {
		return nil, nil, "", "", nil, fmt.Errorf("emitter: histogram column %q missing companion _bucket/_sum/_count columns", base)
	}

	bounds = parsePostgresArray(values[histIdx])
	counts = parsePostgresArray(values[bucketIdx])
	if len(bounds) != len(counts) {
		return nil, nil, "", "", nil, ErrHistogramLengthMismatch
	}

	return bounds, counts, normalizeValue(values[sumIdx]), normalizeValue(values[countIdx]), []int{bucketIdx, sumIdx, countIdx}, nil
}

func findColumn(cols []registry.Column, name string) int {
	for i, c := range cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// parsePostgresArray splits a Postgres text-format array literal such
// as "{1,5,10}" into its elements. Empty or malformed input yields nil.
func parsePostgresArray(raw string) []string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
		return nil
	}
	inner := raw[1 : len(raw)-1]
	if inner == "" {
		return nil
	}
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.Trim(parts[i], `" `)
	}
	return parts
}

package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pgexporter/pgexporter/internal/config"
	"gopkg.in/yaml.v3"
)

//go:embed core_metrics.yaml
var coreMetricsYAML []byte

// Registry is the C2 query registry: a validated, hot-swappable set of
// metric definitions indexed by tag.
type Registry struct {
	metrics map[string]*MetricDefinition
	order   []string // declaration order, for Collector iteration
}

// Load builds a Registry from the embedded core metrics document plus
// every user metric file/directory path given, validating as it goes
// (spec.md §4.2's "Validation on load"). It never mutates any
// already-live Registry; callers swap it in only after Load succeeds
// (spec.md §4.2 "Hot-swap").
func Load(userPaths ...string) (*Registry, error) {
	reg := &Registry{metrics: map[string]*MetricDefinition{}}
	seenColumnNames := map[string]string{} // "tag_column" -> source description, for collision detection

	if err := reg.loadYAMLBytes(coreMetricsYAML, "embedded core metrics", seenColumnNames); err != nil {
		return nil, fmt.Errorf("registry: loading core metrics: %w", err)
	}

	for _, p := range userPaths {
		if err := reg.loadPath(p, seenColumnNames); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func (r *Registry) loadPath(path string, seen map[string]string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("registry: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return r.loadFile(path, seen)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("registry: reading directory %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names) // deterministic load order
	for _, name := range names {
		if err := r.loadFile(filepath.Join(path, name), seen); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) loadFile(path string, seen map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return r.loadYAMLBytes(data, path, seen)
	case ".json":
		return r.loadJSONBytes(data, path, seen)
	default:
		return fmt.Errorf("registry: %s has unrecognized extension (want .yaml/.yml/.json)", path)
	}
}

type rawDocument struct {
	Metrics []rawMetric `yaml:"metrics" json:"metrics"`
}

func (r *Registry) loadYAMLBytes(data []byte, source string, seen map[string]string) error {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parsing YAML from %s: %w", source, err)
	}
	return r.ingest(doc.Metrics, source, seen)
}

func (r *Registry) loadJSONBytes(data []byte, source string, seen map[string]string) error {
	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: parsing JSON from %s: %w", source, err)
	}
	return r.ingest(doc.Metrics, source, seen)
}

func (r *Registry) ingest(raws []rawMetric, source string, seen map[string]string) error {
	fileTags := map[string]bool{}
	for _, raw := range raws {
		if raw.Tag == "" {
			return fmt.Errorf("registry: %s: metric with empty tag", source)
		}
		if fileTags[raw.Tag] {
			return fmt.Errorf("registry: %s: duplicate tag %q within file", source, raw.Tag)
		}
		fileTags[raw.Tag] = true
		if _, exists := r.metrics[raw.Tag]; exists {
			return fmt.Errorf("registry: %s: tag %q already loaded from another source", source, raw.Tag)
		}

		def := &MetricDefinition{
			Tag:                   raw.Tag,
			CollectorName:         raw.Collector,
			SortPolicy:            raw.Sort,
			ServerSelector:        raw.ServerRole,
			ExecuteOnAllDatabases: raw.AllDatabases,
			ExtensionName:         raw.Extension,
			tree:                  NewVersionTree(),
		}

		for _, ra := range raw.Alternatives {
			alt := &QueryAlternative{SQLText: ra.SQLText, Columns: ra.Columns}
			alt.computeIsHistogram()

			histCount := 0
			for _, c := range alt.Columns {
				if c.Type == ColumnHistogram {
					histCount++
				}
			}
			if histCount > 1 {
				return fmt.Errorf("registry: %s: metric %q has %d histogram columns, at most 1 allowed", source, raw.Tag, histCount)
			}

			for _, c := range alt.Columns {
				if c.Type == ColumnLabel {
					continue
				}
				name := columnMetricName(raw.Tag, c.Name)
				if !prometheusIdentifier.MatchString(name) {
					return fmt.Errorf("registry: %s: metric %q column %q produces illegal identifier %q", source, raw.Tag, c.Name, name)
				}
				if prevSource, exists := seen[name]; exists && prevSource != source+":"+raw.Tag {
					return fmt.Errorf("registry: %s: identifier %q from metric %q collides with one already loaded from %s", source, name, raw.Tag, prevSource)
				}
				seen[name] = source + ":" + raw.Tag
			}

			if def.ExtensionName != "" {
				v, err := parseExtensionVersion(ra.Version)
				if err != nil {
					return fmt.Errorf("registry: %s: metric %q: %w", source, raw.Tag, err)
				}
				if err := def.tree.InsertExtension(v, alt); err != nil {
					return fmt.Errorf("registry: %s: metric %q: %w", source, raw.Tag, err)
				}
			} else {
				major, err := strconv.Atoi(strings.TrimSpace(ra.Version))
				if err != nil {
					return fmt.Errorf("registry: %s: metric %q has non-numeric core version %q", source, raw.Tag, ra.Version)
				}
				if err := def.tree.InsertCore(major, alt); err != nil {
					return fmt.Errorf("registry: %s: metric %q: %w", source, raw.Tag, err)
				}
			}
		}

		r.metrics[raw.Tag] = def
		r.order = append(r.order, raw.Tag)
	}
	return nil
}

// columnMetricName mirrors the Emitter's naming: pgexporter_<tag> for
// the bare-column case is handled by the emitter; here we only need
// tag_column for collision checking, matching spec.md §4.2's
// "(tag, column_name)" pairing.
func columnMetricName(tag, column string) string {
	if column == "" {
		return tag
	}
	return tag + "_" + column
}

func parseExtensionVersion(s string) (config.ExtensionVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return config.ExtensionVersion{}, fmt.Errorf("extension version %q must be major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return config.ExtensionVersion{}, fmt.Errorf("extension version %q has non-numeric component %q", s, p)
		}
		nums[i] = n
	}
	return config.ExtensionVersion{Major: nums[0], Minor: nums[1], Patch: nums[2], Set: true}, nil
}

package collector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver"
	"github.com/pgexporter/pgexporter/internal/config"
)

const (
	serverVersionQuery = "SHOW server_version"
	extensionQuery     = "SELECT extname, extversion FROM pg_extension"
)

// ensureProbed runs the one-time self-check original_source/utils.c
// performs on first connection to a server: determine its Postgres
// major/minor version and populate installed_extensions[], reused for
// every extension-version lookup for the rest of the process lifetime.
func (c *Collector) ensureProbed(server *config.Server, q Querier) error {
	if server.ExtensionProbeOK {
		return nil
	}

	rs, err := q.SimpleQuery(serverVersionQuery)
	if err != nil {
		return fmt.Errorf("collector: probing server_version: %w", err)
	}
	if len(rs.Rows) == 0 || len(rs.Rows[0].Values) == 0 {
		return fmt.Errorf("collector: server_version probe returned no rows")
	}
	major, minor, err := parseServerVersion(rs.Rows[0].Values[0].String)
	if err != nil {
		return fmt.Errorf("collector: parsing server_version: %w", err)
	}
	server.MajorVersion = major
	server.MinorVersion = minor

	extRows, err := q.SimpleQuery(extensionQuery)
	if err != nil {
		return fmt.Errorf("collector: probing pg_extension: %w", err)
	}
	extensions := make([]config.Extension, 0, len(extRows.Rows))
	for _, row := range extRows.Rows {
		if len(row.Values) < 2 || !row.Values[0].Valid {
			continue
		}
		version, err := parseExtensionVersion(row.Values[1].String)
		if err != nil {
			continue
		}
		extensions = append(extensions, config.Extension{Name: row.Values[0].String, InstalledVersion: version})
	}
	server.InstalledExtensions = extensions
	server.ExtensionProbeOK = true
	return nil
}

// parseServerVersion extracts (major, minor) from a server_version
// string such as "16.3", "9.6.24", or "17beta1". Everything from the
// first character that is neither a digit nor '.' is dropped before
// parsing ("17beta1" becomes "17"), since semver.ParseTolerant rejects
// such a suffix on a version with fewer than three components.
func parseServerVersion(raw string) (major, minor int, err error) {
	normalized := strings.TrimSpace(raw)
	if i := strings.IndexFunc(normalized, func(r rune) bool { return r != '.' && (r < '0' || r > '9') }); i >= 0 {
		normalized = strings.TrimRight(normalized[:i], ".")
	}
	// Postgres 10+ reports a two-component version ("16.3"); pre-10
	// reports three ("9.6.24"). semver.ParseTolerant pads a missing
	// patch component, so both shapes parse.
	v, err := semver.ParseTolerant(normalized)
	if err != nil {
		return 0, 0, fmt.Errorf("unrecognized server_version %q: %w", raw, err)
	}
	return int(v.Major), int(v.Minor), nil
}

// parseExtensionVersion tolerates the 1- to 3-component version strings
// pg_extension.extversion actually contains (e.g. "1.2", "2.0.1"),
// padding missing components with zero.
func parseExtensionVersion(raw string) (config.ExtensionVersion, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return config.ExtensionVersion{}, fmt.Errorf("extension version %q has an unexpected shape", raw)
	}
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return config.ExtensionVersion{}, fmt.Errorf("extension version %q has non-numeric component %q", raw, p)
		}
		nums[i] = n
	}
	return config.ExtensionVersion{Major: nums[0], Minor: nums[1], Patch: nums[2], Set: true}, nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Default and clamp values for the scrape cache capacity policy
// (spec.md §4.5 "Capacity policy").
const (
	DefaultCacheSize = 256 * 1024
	MaxCacheSize     = 64 * 1024 * 1024
)

// Load parses the ini-style main configuration file at path into a
// Config. This is the load-time path (spec.md §3 "Lifecycles": Server
// and Metric definitions live for the process lifetime, created here).
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, AllowNonUniqueSections: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return buildConfig(f)
}

// LoadBytes is Load's in-memory counterpart, used by reload's
// staging-and-validate path and by tests.
func LoadBytes(data []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, AllowNonUniqueSections: true}, data)
	if err != nil {
		return nil, fmt.Errorf("config: parsing buffer: %w", err)
	}
	return buildConfig(f)
}

// parseBridgeEndpoints splits the comma-separated bridge_endpoints ini
// value into trimmed, non-empty upstream URLs.
func parseBridgeEndpoints(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildConfig(f *ini.File) (*Config, error) {
	main, err := f.GetSection("pgexporter")
	if err != nil {
		return nil, fmt.Errorf("config: missing [pgexporter] section: %w", err)
	}

	c := &Config{
		Host:            main.Key("host").MustString("*"),
		Metrics:         main.Key("metrics").MustInt(0),
		Bridge:          main.Key("bridge").MustInt(0),
		Management:      main.Key("management").MustInt(0),
		BridgeEndpoints: parseBridgeEndpoints(main.Key("bridge_endpoints").String()),
		TLS:             main.Key("tls").MustBool(false),
		TLSCAFile:       main.Key("tls_ca_file").String(),
		TLSCertFile:     main.Key("tls_cert_file").String(),
		TLSKeyFile:      main.Key("tls_key_file").String(),
		PidFile:         main.Key("pidfile").String(),
		LogPath:         main.Key("log_path").String(),
		LogMode:         main.Key("log_mode").MustString("append"),
		LogLinePrefix:   main.Key("log_line_prefix").String(),
		UnixSocketDir:   main.Key("unix_socket_dir").MustString("/tmp"),
		KeepAlive:       main.Key("keep_alive").MustBool(true),
		NoDelay:         main.Key("nodelay").MustBool(true),
		NonBlocking:     main.Key("non_blocking").MustBool(true),
		Backlog:         main.Key("backlog").MustInt(16),
		MetricsPath:     main.Key("metrics_path").MustString("/metrics"),
		CollectorFilter: map[string]bool{},
	}

	if c.MetricsCacheMaxAge, err = ParseAge(main.Key("metrics_cache_max_age").String(), 0); err != nil {
		return nil, err
	}
	if c.MetricsCacheMaxSize, err = ParseSize(main.Key("metrics_cache_max_size").String(), DefaultCacheSize); err != nil {
		return nil, err
	}
	if c.BlockingTimeout, err = ParseAge(main.Key("blocking_timeout").String(), 30*time.Second); err != nil {
		return nil, err
	}
	if c.AuthenticationTimeout, err = ParseAge(main.Key("authentication_timeout").String(), 5*time.Second); err != nil {
		return nil, err
	}
	if c.LogRotationSize, err = ParseSize(main.Key("log_rotation_size").String(), 0); err != nil {
		return nil, err
	}
	if c.LogRotationAge, err = ParseAge(main.Key("log_rotation_age").String(), 0); err != nil {
		return nil, err
	}

	switch strings.ToLower(main.Key("log_type").MustString("console")) {
	case "file":
		c.LogType = LogTypeFile
	case "syslog":
		c.LogType = LogTypeSyslog
	default:
		c.LogType = LogTypeConsole
	}
	c.LogLevel = main.Key("log_level").MustString("info")

	switch strings.ToLower(main.Key("hugepage").MustString("try")) {
	case "off":
		c.HugePage = HugePageOff
	case "on":
		c.HugePage = HugePageOn
	default:
		c.HugePage = HugePageTry
	}

	switch strings.ToLower(main.Key("update_process_title").MustString("verbose")) {
	case "never":
		c.ProcessTitle = ProcessTitleNever
	case "strict":
		c.ProcessTitle = ProcessTitleStrict
	case "minimal":
		c.ProcessTitle = ProcessTitleMinimal
	default:
		c.ProcessTitle = ProcessTitleVerbose
	}

	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection || sec.Name() == "pgexporter" {
			continue
		}
		if len(sec.Name()) > 256 {
			return nil, fmt.Errorf("config: server section name %q exceeds maximum length", sec.Name())
		}
		if c.ServerByName(sec.Name()) != nil {
			return nil, fmt.Errorf("config: duplicate server %q", sec.Name())
		}
		srv := &Server{
			Name:        sec.Name(),
			Host:        sec.Key("host").MustString("localhost"),
			Port:        sec.Key("port").MustInt(5432),
			Username:    sec.Key("user").String(),
			Database:    sec.Key("database").String(),
			DataDir:     sec.Key("data_dir").String(),
			WalDir:      sec.Key("wal_dir").String(),
			TLSCAFile:   sec.Key("tls_ca_file").String(),
			TLSCertFile: sec.Key("tls_cert_file").String(),
			TLSKeyFile:  sec.Key("tls_key_file").String(),
			FD:          -1,
		}
		if srv.Host == "" || srv.Username == "" {
			return nil, fmt.Errorf("config: server %q missing required field (host/user)", sec.Name())
		}
		c.Servers = append(c.Servers, srv)
	}

	if len(c.Servers) == 0 {
		return nil, fmt.Errorf("config: no servers configured")
	}

	return c, nil
}

// Validate runs the checks a reload must pass before a shadow config is
// swapped in (spec.md §4.7 "Reload semantics").
func (c *Config) Validate() error {
	if c.Metrics <= 0 && c.Bridge <= 0 && c.Management <= 0 {
		return fmt.Errorf("config: at least one of metrics/bridge/management must be configured")
	}
	if c.MetricsCacheMaxSize < 0 {
		return fmt.Errorf("config: metrics_cache_max_size must be non-negative")
	}
	seen := map[string]bool{}
	for _, s := range c.Servers {
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate server %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Get returns the string form of a top-level [pgexporter] setting by
// its ini key name, for the control plane's conf_get command.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "host":
		return c.Host, true
	case "metrics":
		return fmt.Sprintf("%d", c.Metrics), true
	case "bridge":
		return fmt.Sprintf("%d", c.Bridge), true
	case "bridge_endpoints":
		return strings.Join(c.BridgeEndpoints, ","), true
	case "management":
		return fmt.Sprintf("%d", c.Management), true
	case "metrics_cache_max_age":
		return c.MetricsCacheMaxAge.String(), true
	case "metrics_cache_max_size":
		return fmt.Sprintf("%d", c.MetricsCacheMaxSize), true
	case "metrics_path":
		return c.MetricsPath, true
	case "log_level":
		return c.LogLevel, true
	case "unix_socket_dir":
		return c.UnixSocketDir, true
	default:
		return "", false
	}
}

// RestartRequired reports whether moving from c to other changed any
// field in RestartRequiredFields.
func (c *Config) RestartRequired(other *Config) bool {
	return c.Metrics != other.Metrics ||
		c.Bridge != other.Bridge ||
		c.Management != other.Management ||
		c.PidFile != other.PidFile ||
		c.UnixSocketDir != other.UnixSocketDir ||
		c.ProcessTitle != other.ProcessTitle ||
		c.HugePage != other.HugePage ||
		c.MetricsCacheMaxSize != other.MetricsCacheMaxSize ||
		!stringSlicesEqual(c.BridgeEndpoints, other.BridgeEndpoints)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Package config holds the data model of spec.md §3 (Server, extension
// descriptors, and the top-level [pgexporter] settings) and the loader
// that turns an ini-style configuration file into it. The file format
// itself is an external collaborator's concern; this package owns only
// the Go-native shape and the load/validate/reload lifecycle.
package config

import "time"

// Role is a Postgres server's replication role, distinguished by
// pg_is_in_recovery().
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "unknown"
	}
}

// LogType enumerates the sink a deployment's log_type setting selects.
type LogType int

const (
	LogTypeConsole LogType = iota
	LogTypeFile
	LogTypeSyslog
)

// HugePage enumerates the hugepage setting.
type HugePage int

const (
	HugePageOff HugePage = iota
	HugePageTry
	HugePageOn
)

// ProcessTitlePolicy enumerates update_process_title.
type ProcessTitlePolicy int

const (
	ProcessTitleNever ProcessTitlePolicy = iota
	ProcessTitleStrict
	ProcessTitleMinimal
	ProcessTitleVerbose
)

// ExtensionVersion is the explicit 3-tuple with an "unset" sentinel, per
// spec.md §3's Extension descriptor.
type ExtensionVersion struct {
	Major, Minor, Patch int
	Set                 bool
}

// Compare returns -1, 0, or 1 the way sort.Interface-adjacent helpers
// expect, comparing lexicographically on (major, minor, patch).
func (v ExtensionVersion) Compare(other ExtensionVersion) int {
	if v.Major != other.Major {
		return cmpInt(v.Major, other.Major)
	}
	if v.Minor != other.Minor {
		return cmpInt(v.Minor, other.Minor)
	}
	return cmpInt(v.Patch, other.Patch)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Extension is an {name, installed_version} descriptor populated by
// probing pg_extension once per (server, startup).
type Extension struct {
	Name             string
	InstalledVersion ExtensionVersion
}

// Server is the identity and runtime state of one configured PostgreSQL
// server, per spec.md §3.
type Server struct {
	// Identity, loaded once and never mutated after load.
	Name        string
	Host        string
	Port        int
	Username    string
	Database    string // default database to connect to for non-fan-out metrics
	DataDir     string
	WalDir      string
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string

	// Runtime state, reset on every reconfigure.
	FD                 int
	MajorVersion        int
	MinorVersion        int
	CurrentRole         Role
	ExtensionProbeOK    bool
	InstalledExtensions []Extension
	Databases           []string // cached non-template database list

	// Unavailable latches on an authentication failure, per spec.md
	// §4.1 "the server is considered permanently unavailable until
	// reconfigure" — distinct from a per-scrape transient wire failure.
	Unavailable bool
}

// DefaultDatabase returns the database a non-fan-out scrape connects
// to, falling back to the connection username the way libpq does when
// no dbname is given.
func (s *Server) DefaultDatabase() string {
	if s.Database != "" {
		return s.Database
	}
	return s.Username
}

// Extension looks up an installed extension by name; ok is false if the
// server never reported it.
func (s *Server) Extension(name string) (Extension, bool) {
	for _, e := range s.InstalledExtensions {
		if e.Name == name {
			return e, true
		}
	}
	return Extension{}, false
}

// Config is the [pgexporter] section plus the loaded server list. The
// text ini parser that produces this lives in ini.go; this struct is the
// stable contract the rest of the module depends on.
type Config struct {
	Host     string
	Metrics  int
	Bridge   int
	Management int

	// BridgeEndpoints is the comma-separated bridge_endpoints ini key
	// (original_source/src/libpgexporter/configuration.c): upstream
	// exporter /metrics URLs the federation bridge fetches and
	// concatenates (spec.md §4.6 / internal/bridge).
	BridgeEndpoints []string

	TLS         bool
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string

	MetricsCacheMaxAge  time.Duration
	MetricsCacheMaxSize int64

	BlockingTimeout      time.Duration
	AuthenticationTimeout time.Duration

	PidFile string

	LogType          LogType
	LogLevel         string
	LogPath          string
	LogRotationSize  int64
	LogRotationAge   time.Duration
	LogMode          string
	LogLinePrefix    string

	UnixSocketDir string

	KeepAlive    bool
	NoDelay      bool
	NonBlocking  bool
	Backlog      int
	HugePage     HugePage
	ProcessTitle ProcessTitlePolicy
	MetricsPath  string

	Servers []*Server

	// CollectorFilter is the operator-supplied allow-list of collector
	// names (-C on the CLI); empty means all collectors are enabled.
	CollectorFilter map[string]bool
}

// RestartRequiredFields lists the config fields whose change forces a
// restart=true control-plane reply rather than a hot reload, per
// spec.md §4.7.
var RestartRequiredFields = []string{
	"Metrics", "Bridge", "Management", "PidFile", "UnixSocketDir",
	"ProcessTitle", "HugePage", "MetricsCacheMaxSize", "BridgeEndpoints",
}

// ServerByName returns the server with the given name, or nil.
func (c *Config) ServerByName(name string) *Server {
	for _, s := range c.Servers {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// CollectorEnabled reports whether a collector name passes the
// operator-supplied allow-list (spec.md §4.3 "Collector filtering").
func (c *Config) CollectorEnabled(name string) bool {
	if len(c.CollectorFilter) == 0 {
		return true
	}
	return c.CollectorFilter[name]
}

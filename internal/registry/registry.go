package registry

import "github.com/pgexporter/pgexporter/internal/config"

// Metrics returns every metric definition in declaration order, the
// order the Collector iterates in (spec.md §4.3).
func (r *Registry) Metrics() []*MetricDefinition {
	out := make([]*MetricDefinition, 0, len(r.order))
	for _, tag := range r.order {
		out = append(out, r.metrics[tag])
	}
	return out
}

// Lookup implements spec.md §4.2: given (metric, server major version)
// or (metric, probed extension version), return the alternative whose
// version key is the greatest not exceeding the probed version, or
// ok=false if none qualifies.
func (m *MetricDefinition) Lookup(server *config.Server) (*QueryAlternative, bool) {
	if m.ExtensionName == "" {
		return m.tree.LookupCore(server.MajorVersion)
	}
	ext, ok := server.Extension(m.ExtensionName)
	if !ok {
		return nil, false
	}
	return m.tree.LookupExtension(ext.InstalledVersion)
}

// AppliesToRole reports whether this metric's server selector admits
// the given role.
func (m *MetricDefinition) AppliesToRole(role config.Role) bool {
	switch m.ServerSelector {
	case SelectPrimary:
		return role == config.RolePrimary
	case SelectReplica:
		return role == config.RoleReplica
	default:
		return true
	}
}

// Reload builds a fresh Registry from the same sources and returns it
// without touching the receiver, implementing spec.md §4.2's hot-swap:
// callers validate the result then atomically replace their pointer to
// the live Registry; a failed reload leaves the live Registry untouched.
func Reload(userPaths ...string) (*Registry, error) {
	return Load(userPaths...)
}

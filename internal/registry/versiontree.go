package registry

import (
	"sort"

	"github.com/pgexporter/pgexporter/internal/config"
)

// versionKey is a comparable, orderable key: either a Postgres major
// version (core metrics) or an extension's 3-tuple version (extension
// metrics). spec.md §9 notes a sorted vector with binary search is
// acceptable in place of a balanced BST since keys are fixed at load
// time; this is that vector.
type versionKey struct {
	major int
	ext   config.ExtensionVersion
}

func (k versionKey) less(other versionKey) bool {
	if k.ext.Set || other.ext.Set {
		return k.ext.Compare(other.ext) < 0
	}
	return k.major < other.major
}

func (k versionKey) lessOrEqual(other versionKey) bool {
	return !other.less(k)
}

// VersionTree maps a version key to a query alternative, supporting
// insert-unique at load time and find-greatest-key-≤ at lookup time
// (spec.md §3 "Version tree").
type VersionTree struct {
	entries []treeEntry
}

type treeEntry struct {
	key  versionKey
	alt  *QueryAlternative
}

// NewVersionTree returns an empty tree; alternatives are added with
// InsertCore/InsertExtension, which reject a duplicate key.
func NewVersionTree() *VersionTree {
	return &VersionTree{}
}

// InsertCore inserts a core-metric alternative keyed by Postgres major
// version.
func (t *VersionTree) InsertCore(majorVersion int, alt *QueryAlternative) error {
	return t.insert(versionKey{major: majorVersion}, alt)
}

// InsertExtension inserts an extension-metric alternative keyed by the
// extension's 3-tuple version.
func (t *VersionTree) InsertExtension(v config.ExtensionVersion, alt *QueryAlternative) error {
	v.Set = true
	return t.insert(versionKey{ext: v}, alt)
}

func (t *VersionTree) insert(key versionKey, alt *QueryAlternative) error {
	for _, e := range t.entries {
		if e.key == key {
			return errDuplicateVersionKey
		}
	}
	t.entries = append(t.entries, treeEntry{key: key, alt: alt})
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].key.less(t.entries[j].key) })
	return nil
}

var errDuplicateVersionKey = duplicateVersionKeyError{}

type duplicateVersionKeyError struct{}

func (duplicateVersionKeyError) Error() string { return "registry: duplicate version key" }

// LookupCore returns the alternative whose major-version key is the
// greatest not exceeding probedMajor, per spec.md §3's lookup rule. ok
// is false if no alternative qualifies.
func (t *VersionTree) LookupCore(probedMajor int) (*QueryAlternative, bool) {
	return t.lookup(versionKey{major: probedMajor})
}

// LookupExtension returns the alternative whose extension-version key
// is the greatest not exceeding probed, compared lexicographically.
func (t *VersionTree) LookupExtension(probed config.ExtensionVersion) (*QueryAlternative, bool) {
	probed.Set = true
	return t.lookup(versionKey{ext: probed})
}

func (t *VersionTree) lookup(probed versionKey) (*QueryAlternative, bool) {
	var best *QueryAlternative
	var bestKey versionKey
	found := false
	for _, e := range t.entries {
		if e.key.lessOrEqual(probed) {
			if !found || bestKey.less(e.key) {
				best = e.alt
				bestKey = e.key
				found = true
			}
		}
	}
	return best, found
}

// Len reports how many alternatives are in the tree.
func (t *VersionTree) Len() int { return len(t.entries) }

// Package config models the configuration collaborator (spec §6 "this
// module reads configuration through an injected interface; the
// mechanism for storing/serving config is out of scope") while keeping
// the git-config key semantics the teacher's own reader implements:
// multi-valued keys, and prefix matching at '.' component boundaries.
package config

import (
	"strconv"
	"strings"
)

// Source is the collaborator interface every limit/policy lookup in this
// module goes through. A production deployment backs this with whatever
// actually serves git-config semantics (a real gitconfig file, a
// database-backed settings service, ...); this package carries two
// concrete implementations itself: the in-memory MapSource, and
// GitExecSource, preserved from the teacher's shelling-to-`git config`
// strategy for environments that do have a real on-disk repository.
type Source interface {
	// Get returns the last value set for key, and whether it was set at
	// all (git config semantics: later entries in `git config --list`
	// order win).
	Get(key string) (string, bool)
	// GetAll returns every value set for key, in file order, for
	// multi-valued keys such as hideRefs rules.
	GetAll(key string) []string
	// GetPrefix returns every key/value pair whose key matches prefix at
	// a '.' component boundary, with prefix stripped from the returned
	// keys (mirrors the teacher's GetConfig(repo, prefix) behavior).
	GetPrefix(prefix string) map[string]string
}

// MatchesPrefix reports whether key starts with prefix at a component
// boundary (i.e. at a '.'), returning the suffix with prefix stripped.
// Grounded verbatim on the teacher's configKeyMatchesPrefix.
func MatchesPrefix(key, prefix string) (bool, string) {
	if prefix == "" {
		return true, key
	}
	if !strings.HasPrefix(key, prefix) {
		return false, ""
	}
	if prefix[len(prefix)-1] == '.' {
		return true, key[len(prefix):]
	}
	if len(key) == len(prefix) {
		return true, ""
	}
	if key[len(prefix)] == '.' {
		return true, key[len(prefix)+1:]
	}
	return false, ""
}

// ParseSigned parses a git-config integer value, including the
// k/m/g suffixes git itself accepts (spec §6: "numeric config values use
// git's own suffix conventions").
func ParseSigned(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	multiplier := int64(1)
	switch value[len(value)-1] {
	case 'k', 'K':
		multiplier = 1024
		value = value[:len(value)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		value = value[:len(value)-1]
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		value = value[:len(value)-1]
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

// ParseBool reports whether value is one of git-config's truthy spellings
// (generalized from the teacher's own `== "true"` comparisons in
// isReportStatusFFConfigEnabled/isFsckConfigEnabled to also accept the
// other forms git-config itself treats as true).
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// MapSource is an in-memory Source, useful for tests and for callers that
// have already loaded configuration by some other means.
type MapSource struct {
	entries []entry
}

type entry struct {
	key, value string
}

// NewMapSource builds a MapSource from ordered key/value pairs (later
// duplicates of the same key shadow earlier ones in Get, per git-config
// semantics, but all survive in GetAll).
func NewMapSource(pairs ...[2]string) *MapSource {
	m := &MapSource{}
	for _, p := range pairs {
		m.entries = append(m.entries, entry{key: p[0], value: p[1]})
	}
	return m
}

// Get implements Source.
func (m *MapSource) Get(key string) (string, bool) {
	var val string
	var found bool
	for _, e := range m.entries {
		if e.key == key {
			val, found = e.value, true
		}
	}
	return val, found
}

// GetAll implements Source.
func (m *MapSource) GetAll(key string) []string {
	var out []string
	for _, e := range m.entries {
		if e.key == key {
			out = append(out, e.value)
		}
	}
	return out
}

// GetPrefix implements Source.
func (m *MapSource) GetPrefix(prefix string) map[string]string {
	out := map[string]string{}
	for _, e := range m.entries {
		if ok, rest := MatchesPrefix(e.key, prefix); ok {
			out[rest] = e.value
		}
	}
	return out
}

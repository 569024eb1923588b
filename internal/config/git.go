package config

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
)

// GitExecSource is a Source backed by shelling out to `git config --list`
// against a real on-disk repository (grounded on the teacher's
// GetConfig/configKeyMatchesPrefix). It is the one Source this module
// ships that reads a real repository's configuration (MapSource is the
// in-memory one); everything else consumes the Source interface so that
// a deployment can plug in its own config backend instead.
type GitExecSource struct {
	entries []entry
}

// LoadGitExecSource runs `git config --list -z` in repoDir and returns a
// Source over its entries.
func LoadGitExecSource(repoDir string) (*GitExecSource, error) {
	cmd := exec.Command("git", "config", "--list", "-z")
	cmd.Dir = repoDir

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("config: reading git configuration: %w", err)
	}

	src := &GitExecSource{}
	for len(out) > 0 {
		keyEnd := bytes.IndexByte(out, '\n')
		if keyEnd == -1 {
			return nil, errors.New("config: invalid output from 'git config'")
		}
		key := string(out[:keyEnd])
		out = out[keyEnd+1:]

		valueEnd := bytes.IndexByte(out, 0)
		if valueEnd == -1 {
			return nil, errors.New("config: invalid output from 'git config'")
		}
		value := string(out[:valueEnd])
		out = out[valueEnd+1:]

		src.entries = append(src.entries, entry{key: key, value: value})
	}
	return src, nil
}

// Get implements Source.
func (s *GitExecSource) Get(key string) (string, bool) {
	var val string
	var found bool
	for _, e := range s.entries {
		if e.key == key {
			val, found = e.value, true
		}
	}
	return val, found
}

// GetAll implements Source.
func (s *GitExecSource) GetAll(key string) []string {
	var out []string
	for _, e := range s.entries {
		if e.key == key {
			out = append(out, e.value)
		}
	}
	return out
}

// GetPrefix implements Source.
func (s *GitExecSource) GetPrefix(prefix string) map[string]string {
	out := map[string]string{}
	for _, e := range s.entries {
		if ok, rest := MatchesPrefix(e.key, prefix); ok {
			out[rest] = e.value
		}
	}
	return out
}

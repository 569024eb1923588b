package config

import (
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesPrefix(t *testing.T) {
	for _, p := range []struct {
		key, prefix    string
		expectedBool   bool
		expectedString string
	}{
		{"foo.bar", "", true, "foo.bar"},
		{"foo.bar", "foo", true, "bar"},
		{"foo.bar", "foo.", true, "bar"},
		{"foo.bar", "foo.bar", true, ""},
		{"foo.bar", "foo.bar.", false, ""},
		{"foo.bar", "foo.bar.baz", false, ""},
		{"foo.bar", "foo.barbaz", false, ""},
		{"foo.bar.baz", "foo.bar", true, "baz"},
		{"foo.barbaz", "foo.bar", false, ""},
		{"foo.bar", "bar", false, ""},
	} {
		t.Run(
			fmt.Sprintf("MatchesPrefix(%q, %q)", p.key, p.prefix),
			func(t *testing.T) {
				ok, s := MatchesPrefix(p.key, p.prefix)
				assert.Equal(t, p.expectedBool, ok)
				assert.Equal(t, p.expectedString, s)
			},
		)
	}
}

func TestParseSignedSuffixes(t *testing.T) {
	n, err := ParseSigned("10k")
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024), n)

	n, err = ParseSigned("5m")
	require.NoError(t, err)
	assert.Equal(t, int64(5*1024*1024), n)

	n, err = ParseSigned("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMapSourceGetAll(t *testing.T) {
	src := NewMapSource(
		[2]string{"receive.hiderefs", "refs/pull/"},
		[2]string{"receive.hiderefs", "refs/gh/"},
		[2]string{"receive.maxsize", "10m"},
	)

	assert.Equal(t, []string{"refs/pull/", "refs/gh/"}, src.GetAll("receive.hiderefs"))
	v, ok := src.Get("receive.maxsize")
	require.True(t, ok)
	assert.Equal(t, "10m", v)

	prefixed := src.GetPrefix("receive.")
	assert.Equal(t, "10m", prefixed["maxsize"])
}

func TestLoadGitExecSourceMultipleValues(t *testing.T) {
	localRepo, err := os.MkdirTemp("", "repo")
	require.NoError(t, err)
	defer os.RemoveAll(localRepo)

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = localRepo
		require.NoError(t, cmd.Run())
	}
	run("init")
	run("config", "user.email", "git-transfer-pack@example.com")
	run("config", "user.name", "git-transfer-pack")
	run("config", "receive.hiderefs", "refs/pull/")
	run("config", "--add", "receive.hiderefs", "refs/gh/")
	run("config", "--add", "receive.hiderefs", "refs/__gh__")

	src, err := LoadGitExecSource(localRepo)
	require.NoError(t, err)

	values := src.GetAll("receive.hiderefs")
	require.Len(t, values, 3)
	assert.Equal(t, "refs/pull/", values[0])
	assert.Equal(t, "refs/gh/", values[1])
	assert.Equal(t, "refs/__gh__", values[2])
}

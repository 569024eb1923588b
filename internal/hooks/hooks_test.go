package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/objutil"
)

func oid(b byte) objutil.ID {
	raw := make([]byte, 20)
	raw[19] = b
	id, err := objutil.New(objutil.SHA1, raw)
	if err != nil {
		panic(err)
	}
	return id
}

func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func TestMissingHookIsSilentAllow(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	d, err := r.Run(context.Background(), PreReceive, Environment{GitDir: dir}, nil, Options{})
	require.NoError(t, err)
	require.False(t, d.Ran)
	require.True(t, d.Allowed)
}

func TestPreReceiveAllowsOnZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "pre-receive", "#!/bin/sh\ncat >/dev/null\nexit 0\n")
	r := New(dir)

	cmds := []CommandLine{{Old: oid(1), New: oid(2), Name: "refs/heads/main"}}
	d, err := r.Run(context.Background(), PreReceive, Environment{GitDir: dir}, cmds, Options{})
	require.NoError(t, err)
	require.True(t, d.Ran)
	require.True(t, d.Allowed)
}

func TestPreReceiveDeniesOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "pre-receive", "#!/bin/sh\necho 'denied by policy' >&2\nexit 1\n")
	r := New(dir)

	cmds := []CommandLine{{Old: oid(1), New: oid(2), Name: "refs/heads/main"}}
	d, err := r.Run(context.Background(), PreReceive, Environment{GitDir: dir}, cmds, Options{})
	require.NoError(t, err)
	require.True(t, d.Ran)
	require.False(t, d.Allowed)
	require.Equal(t, "denied by policy", d.Message)
}

func TestOutputOverflowTruncatesAndFails(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "pre-receive", "#!/bin/sh\nyes | head -c 1000000 >&2\nexit 0\n")
	r := New(dir)

	cmds := []CommandLine{{Old: oid(1), New: oid(2), Name: "refs/heads/main"}}
	d, err := r.Run(context.Background(), PreReceive, Environment{GitDir: dir}, cmds, Options{MaxOutputSize: 10})
	require.NoError(t, err)
	require.True(t, d.Truncated)
	require.False(t, d.Allowed)
}

func TestSequenceDropsRejectedCommands(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "update", "#!/bin/sh\nif [ \"$1\" = \"refs/heads/blocked\" ]; then exit 1; fi\nexit 0\n")
	r := New(dir)

	cmds := []CommandLine{
		{Old: oid(1), New: oid(2), Name: "refs/heads/main"},
		{Old: oid(1), New: oid(2), Name: "refs/heads/blocked"},
	}
	allowed, rejected, err := Sequence(context.Background(), r, Environment{GitDir: dir}, cmds, Options{})
	require.NoError(t, err)
	require.Len(t, allowed, 1)
	require.Equal(t, "refs/heads/main", allowed[0].Name)
	require.Contains(t, rejected, "refs/heads/blocked")
}

func TestResolveOptionsReadsTimeoutAndMaxOutputSize(t *testing.T) {
	src := config.NewMapSource(
		[2]string{"hooks.timeout", "5000"},
		[2]string{"hooks.maxoutputsize", "2048"},
	)
	opts := ResolveOptions(src)
	require.Equal(t, 5*time.Second, opts.Timeout)
	require.Equal(t, int64(2048), opts.MaxOutputSize)
	require.Nil(t, opts.Relay)
}

func TestResolveOptionsDefaultsToZero(t *testing.T) {
	opts := ResolveOptions(config.NewMapSource())
	require.Zero(t, opts.Timeout)
	require.Zero(t, opts.MaxOutputSize)
}

func TestSidebandRelayEnabled(t *testing.T) {
	require.False(t, SidebandRelayEnabled(config.NewMapSource()))
	require.True(t, SidebandRelayEnabled(config.NewMapSource([2]string{"hooks.sidebandrelay", "true"})))
	require.False(t, SidebandRelayEnabled(config.NewMapSource([2]string{"hooks.sidebandrelay", "false"})))
}

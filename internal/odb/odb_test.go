package odb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActivateCreatesLayout(t *testing.T) {
	main := t.TempDir()
	q, err := Activate(main, "test1")
	require.NoError(t, err)
	require.True(t, q.Active())

	require.DirExists(t, q.PackDir)
	require.DirExists(t, q.InfoDir)

	alt, err := os.ReadFile(filepath.Join(q.InfoDir, "alternates"))
	require.NoError(t, err)
	require.Equal(t, main+"\n", string(alt))
}

func TestMigrateOnSuccessMovesPacks(t *testing.T) {
	main := t.TempDir()
	q, err := Activate(main, "test2")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(q.PackDir, "pack-abc.pack"), []byte("pack"), 0o666))
	require.NoError(t, os.WriteFile(filepath.Join(q.PackDir, "pack-abc.idx"), []byte("idx"), 0o666))

	require.NoError(t, q.MigrateOnSuccess())
	require.NoDirExists(t, q.Root)
	require.FileExists(t, filepath.Join(main, "pack", "pack-abc.pack"))
	require.FileExists(t, filepath.Join(main, "pack", "pack-abc.idx"))
	require.False(t, q.Active())
}

func TestDropOnFailureRemovesQuarantine(t *testing.T) {
	main := t.TempDir()
	q, err := Activate(main, "test3")
	require.NoError(t, err)

	require.NoError(t, q.DropOnFailure())
	require.NoDirExists(t, q.Root)
	require.False(t, q.Active())

	// idempotent
	require.NoError(t, q.DropOnFailure())
}

func TestMigrateAfterResolvedFails(t *testing.T) {
	main := t.TempDir()
	q, err := Activate(main, "test4")
	require.NoError(t, err)
	require.NoError(t, q.DropOnFailure())
	require.Error(t, q.MigrateOnSuccess())
}

func TestAlternateObjectDirsEnv(t *testing.T) {
	main := t.TempDir()
	q, err := Activate(main, "test5")
	require.NoError(t, err)
	defer q.DropOnFailure()

	env := q.AlternateObjectDirsEnv()
	require.Contains(t, env, "GIT_ALTERNATE_OBJECT_DIRECTORIES="+main)
	require.Contains(t, env, "GIT_OBJECT_DIRECTORY="+q.Root)
}

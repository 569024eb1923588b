// Package odb models the Object Database collaborator (spec §1, §6: loose
// and packed object storage is explicitly out of scope; this module
// consumes it through an interface) and implements the Quarantine
// lifecycle (spec §3, §4.6, Design Note "Quarantine alternates").
package odb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/github/git-transfer-pack/internal/objutil"
)

// Object is one object's parsed header plus its raw (undeltified) content,
// as the Pack Generator and Policy Engine need it.
type Object struct {
	ID      objutil.ID
	Kind    objutil.ObjectKind
	Size    int64
	Content []byte
}

// Database is the collaborator interface the implementer supplies for
// reading (and, via a Quarantine, writing) objects. A production
// implementation is backed by the real loose/packed object store; this
// module never implements one itself.
type Database interface {
	// Has reports whether id exists, in the main store or any active
	// quarantine alternate.
	Has(ctx context.Context, id objutil.ID) (bool, error)
	// Read returns the parsed object for id.
	Read(ctx context.Context, id objutil.ID) (Object, error)
	// Parents returns the direct parent commit ids of a commit object.
	Parents(ctx context.Context, commit objutil.ID) ([]objutil.ID, error)
	// CommitterTime returns the committer timestamp (Unix seconds) of a
	// commit object, used by deepen-since (spec §4.5 Since(t)).
	CommitterTime(ctx context.Context, commit objutil.ID) (int64, error)
	// Tree returns the root tree id of a commit, or the tree id itself if
	// given a tree.
	Tree(ctx context.Context, commitOrTree objutil.ID) (objutil.ID, error)
	// TreeEntries returns the direct child object ids reachable from a
	// tree, together with whether each child is itself a tree.
	TreeEntries(ctx context.Context, tree objutil.ID) ([]TreeEntry, error)
	// TagTarget follows an annotated tag to the object it references.
	TagTarget(ctx context.Context, tag objutil.ID) (objutil.ID, error)
}

// TreeEntry is one child of a tree object.
type TreeEntry struct {
	ID     objutil.ID
	IsTree bool
	IsBlob bool
}

// Writer is the collaborator interface a Quarantine (and the pure-Go
// UnpackObjects ingestion path) uses to materialize new objects.
type Writer interface {
	// WriteObject stores one object under the quarantine's object
	// directory.
	WriteObject(ctx context.Context, kind objutil.ObjectKind, content []byte) (objutil.ID, error)
	// WritePack stores a raw pack + index byte pair as
	// pack-<name>.pack/.idx under the quarantine's pack directory,
	// returning the name assigned.
	WritePack(ctx context.Context, pack, index []byte) (name string, err error)
}

// Quarantine is an ephemeral object directory that collaborates with the
// main Database via an alternates link (spec §3 Quarantine, Design Note
// "Quarantine alternates"): reads see through to main objects, writes
// never escape the quarantine until migration.
//
// A Quarantine is exclusively owned by the session that creates it (spec
// §3 Ownership); its file handles must not escape that session.
type Quarantine struct {
	// Root is the quarantine directory path
	// ("<objects>/incoming-<unique>").
	Root string
	// PackDir is Root/pack, where incoming packs and their indexes land.
	PackDir string
	// InfoDir is Root/info, holding the alternates pointer.
	InfoDir string

	mainObjectsDir string
	active         bool
	resolved       bool // migrated or dropped — terminal
}

// Activate creates the quarantine directory structure and writes the
// alternates pointer at mainObjectsDir (spec §4.6 step 1). mainObjectsDir
// must be an absolute path.
func Activate(mainObjectsDir string, id string) (*Quarantine, error) {
	if id == "" {
		id = uuid.NewString()
	}
	root := filepath.Join(mainObjectsDir, "incoming-"+id)
	packDir := filepath.Join(root, "pack")
	infoDir := filepath.Join(root, "info")

	if err := os.MkdirAll(packDir, 0o777); err != nil {
		return nil, fmt.Errorf("odb: creating quarantine pack dir: %w", err)
	}
	if err := os.MkdirAll(infoDir, 0o777); err != nil {
		return nil, fmt.Errorf("odb: creating quarantine info dir: %w", err)
	}
	alternatesPath := filepath.Join(infoDir, "alternates")
	if err := os.WriteFile(alternatesPath, []byte(mainObjectsDir+"\n"), 0o666); err != nil {
		return nil, fmt.Errorf("odb: writing quarantine alternates: %w", err)
	}

	return &Quarantine{
		Root:           root,
		PackDir:        packDir,
		InfoDir:        infoDir,
		mainObjectsDir: mainObjectsDir,
		active:         true,
	}, nil
}

// Active reports whether the quarantine is still open for writes (neither
// migrated nor dropped).
func (q *Quarantine) Active() bool {
	return q != nil && q.active && !q.resolved
}

// MigrateOnSuccess moves every pack/index file from the quarantine into
// the main objects directory, then removes the quarantine (spec §4.6 step
// 4). It is an error to call this more than once, or after DropOnFailure.
func (q *Quarantine) MigrateOnSuccess() error {
	if q == nil {
		return nil
	}
	if q.resolved {
		return fmt.Errorf("odb: quarantine %s already resolved", q.Root)
	}
	q.resolved = true
	q.active = false

	entries, err := os.ReadDir(q.PackDir)
	if err != nil {
		return fmt.Errorf("odb: reading quarantine pack dir: %w", err)
	}
	destPackDir := filepath.Join(q.mainObjectsDir, "pack")
	if err := os.MkdirAll(destPackDir, 0o777); err != nil {
		return fmt.Errorf("odb: creating main pack dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(q.PackDir, e.Name())
		dst := filepath.Join(destPackDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("odb: migrating %s: %w", e.Name(), err)
		}
	}

	return os.RemoveAll(q.Root)
}

// DropOnFailure removes the quarantine directory entirely, leaving the
// main objects directory untouched (spec §3 Quarantine invariant:
// "failure after activation MUST drop"). Safe to call on a nil or
// already-resolved Quarantine.
func (q *Quarantine) DropOnFailure() error {
	if q == nil {
		return nil
	}
	if q.resolved {
		return nil
	}
	q.resolved = true
	q.active = false
	return os.RemoveAll(q.Root)
}

// AlternateObjectDirsEnv returns the environment variables an external
// process (e.g. a hook, or the IndexPack fallback path) needs in order to
// write into this quarantine while still reading through to main objects
// (spec §4.6, grounded on the teacher's getAlternateObjectDirsEnv).
func (q *Quarantine) AlternateObjectDirsEnv() []string {
	return []string{
		"GIT_ALTERNATE_OBJECT_DIRECTORIES=" + q.mainObjectsDir,
		"GIT_OBJECT_DIRECTORY=" + q.Root,
		"GIT_QUARANTINE_PATH=" + q.Root,
	}
}

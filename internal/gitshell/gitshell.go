// Package gitshell is the concrete Object Database and Ref Store
// implementation cmd/git-transfer-pack wires in for real repositories.
// Both are explicitly out of scope for the rest of this module (object
// and ref storage are collaborators the implementer supplies); this
// package fills that role the way the teacher fills every storage and
// plumbing need — by shelling out to real `git` subcommands
// (spokes.go's readPack/performCheckConnectivity/getHiddenRefs all do
// the same exec.CommandContext-plus-env-vars dance).
package gitshell

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/refstore"
)

func run(ctx context.Context, gitDir string, env []string, args ...string) ([]byte, error) {
	full := append([]string{"--git-dir", gitDir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gitshell: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Database is a real odb.Database backed by `git cat-file`, scoped to
// gitDir plus whatever quarantine-alternates env vars the caller
// supplies (odb.Quarantine.AlternateObjectDirsEnv).
type Database struct {
	gitDir string
	env    []string
}

// NewDatabase returns a Database rooted at gitDir. env, if non-nil,
// is typically odb.Quarantine.AlternateObjectDirsEnv() so reads see
// through to both the quarantine and main storage.
func NewDatabase(gitDir string, env []string) *Database {
	return &Database{gitDir: gitDir, env: env}
}

func (d *Database) Has(ctx context.Context, id objutil.ID) (bool, error) {
	if _, err := run(ctx, d.gitDir, d.env, "cat-file", "-e", id.String()); err != nil {
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (d *Database) objectKind(ctx context.Context, id objutil.ID) (objutil.ObjectKind, error) {
	out, err := run(ctx, d.gitDir, d.env, "cat-file", "-t", id.String())
	if err != nil {
		return 0, err
	}
	switch strings.TrimSpace(string(out)) {
	case "commit":
		return objutil.ObjCommit, nil
	case "tree":
		return objutil.ObjTree, nil
	case "blob":
		return objutil.ObjBlob, nil
	case "tag":
		return objutil.ObjTag, nil
	default:
		return 0, fmt.Errorf("gitshell: unrecognized object type for %s", id)
	}
}

func (d *Database) Read(ctx context.Context, id objutil.ID) (odb.Object, error) {
	kind, err := d.objectKind(ctx, id)
	if err != nil {
		return odb.Object{}, err
	}
	content, err := run(ctx, d.gitDir, d.env, "cat-file", "-p", id.String())
	if err != nil {
		return odb.Object{}, err
	}
	return odb.Object{ID: id, Kind: kind, Size: int64(len(content)), Content: content}, nil
}

func (d *Database) Parents(ctx context.Context, commit objutil.ID) ([]objutil.ID, error) {
	content, err := run(ctx, d.gitDir, d.env, "cat-file", "-p", commit.String())
	if err != nil {
		return nil, err
	}
	var parents []objutil.ID
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if rest, ok := strings.CutPrefix(line, "parent "); ok {
			id, perr := objutil.ParseHex(strings.TrimSpace(rest))
			if perr != nil {
				return nil, perr
			}
			parents = append(parents, id)
		}
	}
	return parents, sc.Err()
}

func (d *Database) CommitterTime(ctx context.Context, commit objutil.ID) (int64, error) {
	content, err := run(ctx, d.gitDir, d.env, "cat-file", "-p", commit.String())
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		rest, ok := strings.CutPrefix(line, "committer ")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 2 {
			continue
		}
		ts, perr := strconv.ParseInt(fields[len(fields)-2], 10, 64)
		if perr != nil {
			continue
		}
		return ts, nil
	}
	return 0, fmt.Errorf("gitshell: no committer line in %s", commit)
}

func (d *Database) Tree(ctx context.Context, commitOrTree objutil.ID) (objutil.ID, error) {
	kind, err := d.objectKind(ctx, commitOrTree)
	if err != nil {
		return objutil.ID{}, err
	}
	if kind == objutil.ObjTree {
		return commitOrTree, nil
	}
	content, err := run(ctx, d.gitDir, d.env, "cat-file", "-p", commitOrTree.String())
	if err != nil {
		return objutil.ID{}, err
	}
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "tree "); ok {
			return objutil.ParseHex(strings.TrimSpace(rest))
		}
	}
	return objutil.ID{}, fmt.Errorf("gitshell: no tree line in %s", commitOrTree)
}

func (d *Database) TreeEntries(ctx context.Context, tree objutil.ID) ([]odb.TreeEntry, error) {
	content, err := run(ctx, d.gitDir, d.env, "cat-file", "-p", tree.String())
	if err != nil {
		return nil, err
	}
	var entries []odb.TreeEntry
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 2)
		if len(parts) != 2 {
			continue
		}
		fields := strings.Fields(parts[0])
		if len(fields) != 3 {
			continue
		}
		id, perr := objutil.ParseHex(fields[2])
		if perr != nil {
			return nil, perr
		}
		entries = append(entries, odb.TreeEntry{ID: id, IsTree: fields[1] == "tree", IsBlob: fields[1] == "blob"})
	}
	return entries, sc.Err()
}

func (d *Database) TagTarget(ctx context.Context, tag objutil.ID) (objutil.ID, error) {
	content, err := run(ctx, d.gitDir, d.env, "cat-file", "-p", tag.String())
	if err != nil {
		return objutil.ID{}, err
	}
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "object "); ok {
			return objutil.ParseHex(strings.TrimSpace(rest))
		}
	}
	return objutil.ID{}, fmt.Errorf("gitshell: no object line in tag %s", tag)
}

var _ odb.Database = (*Database)(nil)

// Writer materializes loose objects via `git hash-object -w`; the
// UnpackObjects ingestion path writes each object through WriteObject.
// The index-pack ingestion path never calls this — it writes pack/index
// files straight into the quarantine through GIT_OBJECT_DIRECTORY — and
// neither path calls WritePack, which exists only to satisfy odb.Writer
// and always returns an error.
type Writer struct {
	gitDir string
	env    []string
}

func NewWriter(gitDir string, env []string) *Writer {
	return &Writer{gitDir: gitDir, env: env}
}

func kindName(kind objutil.ObjectKind) string {
	switch kind {
	case objutil.ObjCommit:
		return "commit"
	case objutil.ObjTree:
		return "tree"
	case objutil.ObjTag:
		return "tag"
	default:
		return "blob"
	}
}

func (w *Writer) WriteObject(ctx context.Context, kind objutil.ObjectKind, content []byte) (objutil.ID, error) {
	cmd := exec.CommandContext(ctx, "git", "--git-dir", w.gitDir, "hash-object", "-w", "-t", kindName(kind), "--stdin")
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Stdin = bytes.NewReader(content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return objutil.ID{}, fmt.Errorf("gitshell: git hash-object: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return objutil.ParseHex(strings.TrimSpace(stdout.String()))
}

func (w *Writer) WritePack(ctx context.Context, pack, index []byte) (string, error) {
	return "", fmt.Errorf("gitshell: WritePack is unused by the index-pack ingestion path")
}

var _ odb.Writer = (*Writer)(nil)

// RefStore is a real refstore.Store backed by `git for-each-ref` and
// `git symbolic-ref`/`git rev-parse` for HEAD, which for-each-ref never
// enumerates on its own.
type RefStore struct {
	gitDir string
}

func NewRefStore(gitDir string) *RefStore { return &RefStore{gitDir: gitDir} }

const refFormat = "%(refname)%00%(objectname)%00%(symref)%00%(*objectname)"

func parseForEachRefLine(line string) refstore.Record {
	fields := strings.Split(line, "\x00")
	for len(fields) < 4 {
		fields = append(fields, "")
	}
	rec := refstore.Record{Name: fields[0]}
	if fields[2] != "" {
		rec.Target = refstore.Target{Symref: fields[2]}
	} else if id, err := objutil.ParseHex(fields[1]); err == nil {
		rec.Target = refstore.Target{OID: id}
	}
	if fields[3] != "" {
		if peeled, err := objutil.ParseHex(fields[3]); err == nil {
			rec.Peeled = peeled
			rec.HasPeeled = true
		}
	}
	return rec
}

func (s *RefStore) ListRefs(ctx context.Context) ([]refstore.Record, error) {
	out, err := run(ctx, s.gitDir, nil, "for-each-ref", "--format="+refFormat)
	if err != nil {
		return nil, err
	}
	var records []refstore.Record
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		records = append(records, parseForEachRefLine(sc.Text()))
	}
	if head, ok, err := s.resolveHead(ctx); err != nil {
		return nil, err
	} else if ok {
		records = append(records, head)
	}
	return records, sc.Err()
}

func (s *RefStore) resolveHead(ctx context.Context) (refstore.Record, bool, error) {
	out, err := run(ctx, s.gitDir, nil, "symbolic-ref", "--quiet", "HEAD")
	if err == nil {
		return refstore.Record{Name: "HEAD", Target: refstore.Target{Symref: strings.TrimSpace(string(out))}}, true, nil
	}
	out, err = run(ctx, s.gitDir, nil, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		return refstore.Record{}, false, nil
	}
	id, perr := objutil.ParseHex(strings.TrimSpace(string(out)))
	if perr != nil {
		return refstore.Record{}, false, perr
	}
	return refstore.Record{Name: "HEAD", Target: refstore.Target{OID: id}}, true, nil
}

func (s *RefStore) Resolve(ctx context.Context, name string) (refstore.Record, bool, error) {
	if name == "HEAD" {
		return s.resolveHead(ctx)
	}
	out, err := run(ctx, s.gitDir, nil, "for-each-ref", "--format="+refFormat, name)
	if err != nil {
		return refstore.Record{}, false, err
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return refstore.Record{}, false, nil
	}
	return parseForEachRefLine(strings.SplitN(line, "\n", 2)[0]), true, nil
}

var _ refstore.Store = (*RefStore)(nil)

// RefWriter commits ref updates in one `git update-ref --stdin`
// invocation — already an all-or-nothing transaction in git itself,
// regardless of the atomic flag Begin receives.
type RefWriter struct {
	gitDir string
}

func NewRefWriter(gitDir string) *RefWriter { return &RefWriter{gitDir: gitDir} }

func (w *RefWriter) Begin(ctx context.Context, atomic bool) (refstore.Transaction, error) {
	return &refTransaction{gitDir: w.gitDir}, nil
}

type refTransaction struct {
	gitDir  string
	updates []string
}

func (t *refTransaction) Update(name string, old, new objutil.ID) error {
	switch {
	case new.IsZero():
		t.updates = append(t.updates, fmt.Sprintf("delete %s %s", name, old))
	case old.IsZero():
		t.updates = append(t.updates, fmt.Sprintf("create %s %s", name, new))
	default:
		t.updates = append(t.updates, fmt.Sprintf("update %s %s %s", name, new, old))
	}
	return nil
}

func (t *refTransaction) Commit(ctx context.Context) error {
	if len(t.updates) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "--git-dir", t.gitDir, "update-ref", "--stdin")
	cmd.Stdin = strings.NewReader(strings.Join(t.updates, "\n") + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gitshell: git update-ref --stdin: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (t *refTransaction) Abort(ctx context.Context) error {
	t.updates = nil
	return nil
}

var _ refstore.Writer = (*RefWriter)(nil)

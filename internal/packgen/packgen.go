// Package packgen implements the Pack Generator (spec §4.5): given a
// negotiated want/have set, it computes the exclusion set, traverses
// history and trees down to the boundary the client doesn't already
// have, applies the negotiated filter, and streams a byte-accurate pack
// with a trailing digest.
package packgen

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/sync/errgroup"

	"github.com/github/git-transfer-pack/internal/errtax"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/reachability"
)

// magic/version are the literal pack header fields (spec §4.5 step 5).
var packMagic = [4]byte{'P', 'A', 'C', 'K'}

const packVersion = 2

// object type codes as they appear in a pack's variable-length object
// header. 5 is reserved; 6/7 (OFS/REF delta) are never emitted since this
// generator always writes base objects.
const (
	typeCommit = 1
	typeTree   = 2
	typeBlob   = 3
	typeTag    = 4
)

// Filter captures the negotiated object filter (spec §4.5 step 3).
// Negative bounds mean "no limit".
type Filter struct {
	BlobNone  bool
	BlobLimit int64
	TreeDepth int
}

// DefaultFilter returns a Filter that drops nothing.
func DefaultFilter() Filter {
	return Filter{BlobLimit: -1, TreeDepth: -1}
}

// Deepen captures the negotiated deepen spec (spec §4.5 step 2).  At
// most one of Depth/Since/NotRefs is normally set by a given protocol
// exchange, but the generator honors any combination by unioning the
// resulting boundaries.
type Deepen struct {
	Depth   int
	Since   int64
	NotRefs []objutil.ID
}

// Request is the negotiated input to one pack generation (spec §4.5
// "Input").
type Request struct {
	Wants   []objutil.ID
	Haves   []objutil.ID
	Common  []objutil.ID
	Shallow []objutil.ID
	Deepen  Deepen
	Filter  Filter

	// OrderCommitsByTime sorts commits newest-first for locality (spec
	// §4.5 step 4 "commits optionally by reverse commit-time").
	OrderCommitsByTime bool
}

// Stats summarizes what was written (spec §3 PackStats).
type Stats struct {
	ObjectCount int
	Commits     int
	Trees       int
	Blobs       int
	Tags        int
	DeltaCount  int
	ByteSize    int64
}

// Options configures one Generate call.
type Options struct {
	// Parallelism bounds the worker pool used to compress object payloads
	// (spec §5 "bounded worker pool, default = available cores, capped at
	// 8"). Zero selects the default.
	Parallelism int
	// OnProgress, if set, is called after each object is written with the
	// running count of objects written so far.
	OnProgress func(written int)
}

func (o Options) parallelism() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	n := runtime.GOMAXPROCS(0)
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Generator produces packs from an injected Object Database.
type Generator struct {
	db    odb.Database
	hash  objutil.Hash
	reach *reachability.Checker
}

// New builds a Generator reading through db and finalizing pack trailers
// with hash.
func New(db odb.Database, hash objutil.Hash) *Generator {
	return &Generator{db: db, hash: hash, reach: reachability.New(db)}
}

// Generate writes a complete pack for req to w (spec §4.5). w is
// typically a sideband Multiplexer's DataWriter, but any io.Writer
// works (e.g. a plain io.Writer for v0 transports with no sideband).
func (g *Generator) Generate(ctx context.Context, req Request, w io.Writer, opts Options) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, errtax.Wrap(errtax.Cancelled, errtax.NewContext("packgen.Generate"), "generation cancelled before start", err)
	}

	excluded, err := g.exclusionSet(ctx, append(append([]objutil.ID{}, req.Haves...), req.Common...), req.Shallow)
	if err != nil {
		return Stats{}, err
	}

	objects := map[objutil.ID]odb.Object{}
	commitWants, tagIDs, directIDs, err := g.classifyWants(ctx, req.Wants, objects)
	if err != nil {
		return Stats{}, err
	}

	boundaries, err := g.computeBoundaries(ctx, commitWants, req.Deepen)
	if err != nil {
		return Stats{}, err
	}

	commitIDs, err := g.collectCommits(ctx, commitWants, excluded, boundaries)
	if err != nil {
		return Stats{}, err
	}

	var treeIDs, blobIDs []objutil.ID
	for _, c := range commitIDs {
		if _, ok := objects[c]; !ok {
			obj, err := g.db.Read(ctx, c)
			if err != nil {
				return Stats{}, fmt.Errorf("packgen: reading commit %s: %w", c, err)
			}
			objects[c] = obj
		}
		root, err := g.db.Tree(ctx, c)
		if err != nil {
			return Stats{}, fmt.Errorf("packgen: resolving tree of %s: %w", c, err)
		}
		if err := g.collectTree(ctx, root, excluded, req.Filter, 0, objects, &treeIDs, &blobIDs); err != nil {
			return Stats{}, err
		}
	}
	for _, id := range directIDs {
		if err := g.collectDirect(ctx, id, excluded, req.Filter, objects, &treeIDs, &blobIDs); err != nil {
			return Stats{}, err
		}
	}

	ordered, err := g.order(ctx, req, commitIDs, treeIDs, blobIDs, tagIDs)
	if err != nil {
		return Stats{}, err
	}

	return g.encode(ctx, w, ordered, objects, opts)
}

// exclusionSet computes the ids the client can be assumed to already
// have (spec §4.5 step 1): haves/common (and the client's existing
// shallow tips) plus, for each that is a commit, every tree and blob
// reachable from it.
func (g *Generator) exclusionSet(ctx context.Context, haveLike, shallow []objutil.ID) (map[objutil.ID]bool, error) {
	excluded := map[objutil.ID]bool{}
	for _, id := range append(append([]objutil.ID{}, haveLike...), shallow...) {
		if excluded[id] {
			continue
		}
		excluded[id] = true
		obj, err := g.db.Read(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("packgen: reading have %s: %w", id, err)
		}
		if obj.Kind != objutil.ObjCommit {
			continue
		}
		tree, err := g.db.Tree(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("packgen: resolving tree of have %s: %w", id, err)
		}
		if err := g.markReachable(ctx, tree, excluded); err != nil {
			return nil, err
		}
	}
	return excluded, nil
}

// markReachable marks tree and everything reachable from it as excluded,
// with no filter applied: a have's full content is assumed present
// regardless of what filter this request negotiates.
func (g *Generator) markReachable(ctx context.Context, tree objutil.ID, excluded map[objutil.ID]bool) error {
	if excluded[tree] {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	excluded[tree] = true
	entries, err := g.db.TreeEntries(ctx, tree)
	if err != nil {
		return fmt.Errorf("packgen: reading tree entries of %s: %w", tree, err)
	}
	for _, e := range entries {
		if e.IsTree {
			if err := g.markReachable(ctx, e.ID, excluded); err != nil {
				return err
			}
			continue
		}
		excluded[e.ID] = true
	}
	return nil
}

// classifyWants splits wants into commit tips to walk, tag objects to
// include verbatim, and ids to include directly (non-commit, non-tag
// wants, and tag targets that aren't themselves commits).
func (g *Generator) classifyWants(ctx context.Context, wants []objutil.ID, objects map[objutil.ID]odb.Object) (commits, tags, direct []objutil.ID, err error) {
	for _, w := range wants {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		obj, rerr := g.db.Read(ctx, w)
		if rerr != nil {
			return nil, nil, nil, fmt.Errorf("packgen: reading want %s: %w", w, rerr)
		}
		switch obj.Kind {
		case objutil.ObjCommit:
			commits = append(commits, w)
		case objutil.ObjTag:
			objects[w] = obj
			tags = append(tags, w)
			target, terr := g.db.TagTarget(ctx, w)
			if terr != nil {
				return nil, nil, nil, fmt.Errorf("packgen: resolving tag %s: %w", w, terr)
			}
			targetObj, terr := g.db.Read(ctx, target)
			if terr != nil {
				return nil, nil, nil, fmt.Errorf("packgen: reading tag target %s: %w", target, terr)
			}
			if targetObj.Kind == objutil.ObjCommit {
				commits = append(commits, target)
			} else {
				direct = append(direct, target)
			}
		default:
			direct = append(direct, w)
		}
	}
	return commits, tags, direct, nil
}

// computeBoundaries unions the shallow boundary sets implied by every
// clause of req.Deepen that was actually set (spec §4.5 step 2).
func (g *Generator) computeBoundaries(ctx context.Context, commitWants []objutil.ID, deepen Deepen) (map[objutil.ID]bool, error) {
	boundaries := map[objutil.ID]bool{}
	if len(commitWants) == 0 {
		return boundaries, nil
	}
	if deepen.Depth > 0 {
		ids, err := g.reach.ShallowFromDepth(ctx, commitWants, deepen.Depth)
		if err != nil {
			return nil, fmt.Errorf("packgen: computing depth boundary: %w", err)
		}
		for _, id := range ids {
			boundaries[id] = true
		}
	}
	if deepen.Since > 0 {
		ids, err := g.reach.ShallowFromSince(ctx, commitWants, deepen.Since)
		if err != nil {
			return nil, fmt.Errorf("packgen: computing since boundary: %w", err)
		}
		for _, id := range ids {
			boundaries[id] = true
		}
	}
	if len(deepen.NotRefs) > 0 {
		ids, err := g.reach.ShallowFromExcludeRefs(ctx, commitWants, deepen.NotRefs)
		if err != nil {
			return nil, fmt.Errorf("packgen: computing exclude-refs boundary: %w", err)
		}
		for _, id := range ids {
			boundaries[id] = true
		}
	}
	return boundaries, nil
}

// collectCommits walks commit ancestry from commitWants, stopping at any
// id already in excluded and not recursing past a boundary commit (spec
// §4.5 step 2).
func (g *Generator) collectCommits(ctx context.Context, commitWants []objutil.ID, excluded, boundaries map[objutil.ID]bool) ([]objutil.ID, error) {
	visited := map[objutil.ID]bool{}
	queue := append([]objutil.ID(nil), commitWants...)
	for _, w := range commitWants {
		visited[w] = true
	}

	var order []objutil.ID
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		if excluded[cur] {
			continue
		}
		order = append(order, cur)
		if boundaries[cur] {
			continue
		}
		parents, err := g.db.Parents(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("packgen: reading parents of %s: %w", cur, err)
		}
		for _, p := range parents {
			if excluded[p] || visited[p] {
				continue
			}
			visited[p] = true
			queue = append(queue, p)
		}
	}
	return order, nil
}

// collectTree walks a tree recursively, applying the tree-depth and blob
// filters and deduplicating against objects already collected (spec
// §4.5 steps 2-3).
func (g *Generator) collectTree(ctx context.Context, id objutil.ID, excluded map[objutil.ID]bool, filter Filter, depth int, objects map[objutil.ID]odb.Object, treeIDs, blobIDs *[]objutil.ID) error {
	if excluded[id] {
		return nil
	}
	if _, ok := objects[id]; ok {
		return nil
	}
	if filter.TreeDepth >= 0 && depth > filter.TreeDepth {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	obj, err := g.db.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("packgen: reading tree %s: %w", id, err)
	}
	objects[id] = obj
	*treeIDs = append(*treeIDs, id)

	entries, err := g.db.TreeEntries(ctx, id)
	if err != nil {
		return fmt.Errorf("packgen: reading tree entries of %s: %w", id, err)
	}
	for _, e := range entries {
		if excluded[e.ID] {
			continue
		}
		if e.IsTree {
			if err := g.collectTree(ctx, e.ID, excluded, filter, depth+1, objects, treeIDs, blobIDs); err != nil {
				return err
			}
			continue
		}
		if _, ok := objects[e.ID]; ok {
			continue
		}
		if filter.BlobNone {
			continue
		}
		blobObj, err := g.db.Read(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("packgen: reading blob %s: %w", e.ID, err)
		}
		if filter.BlobLimit >= 0 && blobObj.Size > filter.BlobLimit {
			continue
		}
		objects[blobObj.ID] = blobObj
		*blobIDs = append(*blobIDs, blobObj.ID)
	}
	return nil
}

// collectDirect includes a non-commit want (or tag target) directly:
// a tree is walked like any other tree, a blob is added as a leaf.
func (g *Generator) collectDirect(ctx context.Context, id objutil.ID, excluded map[objutil.ID]bool, filter Filter, objects map[objutil.ID]odb.Object, treeIDs, blobIDs *[]objutil.ID) error {
	if excluded[id] {
		return nil
	}
	if _, ok := objects[id]; ok {
		return nil
	}
	obj, err := g.db.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("packgen: reading direct want %s: %w", id, err)
	}
	if obj.Kind == objutil.ObjTree {
		return g.collectTree(ctx, id, excluded, filter, 0, objects, treeIDs, blobIDs)
	}
	objects[id] = obj
	*blobIDs = append(*blobIDs, id)
	return nil
}

// order produces the final, stably-ordered object list (spec §4.5 step
// 4: kind order commit/tree/blob/tag, then by id; commits optionally by
// reverse commit-time).
func (g *Generator) order(ctx context.Context, req Request, commits, trees, blobs, tags []objutil.ID) ([]objutil.ID, error) {
	if req.OrderCommitsByTime {
		times := make(map[objutil.ID]int64, len(commits))
		for _, c := range commits {
			t, err := g.db.CommitterTime(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("packgen: reading committer time of %s: %w", c, err)
			}
			times[c] = t
		}
		sort.SliceStable(commits, func(i, j int) bool {
			if times[commits[i]] != times[commits[j]] {
				return times[commits[i]] > times[commits[j]]
			}
			return commits[i].Compare(commits[j]) < 0
		})
	} else {
		sortByID(commits)
	}
	sortByID(trees)
	sortByID(blobs)
	sortByID(tags)

	out := make([]objutil.ID, 0, len(commits)+len(trees)+len(blobs)+len(tags))
	out = append(out, commits...)
	out = append(out, trees...)
	out = append(out, blobs...)
	out = append(out, tags...)
	return out, nil
}

func sortByID(ids []objutil.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

// encode streams the pack header, every object's variable-length
// type/size header plus zlib body, and the trailing digest (spec §4.5
// step 5), compressing payloads over a bounded worker pool (spec §5)
// while preserving input order.
func (g *Generator) encode(ctx context.Context, w io.Writer, ordered []objutil.ID, objects map[objutil.ID]odb.Object, opts Options) (Stats, error) {
	stats := Stats{}
	objs := make([]odb.Object, len(ordered))
	for i, id := range ordered {
		obj, ok := objects[id]
		if !ok {
			return Stats{}, fmt.Errorf("packgen: internal error: %s missing from object set", id)
		}
		objs[i] = obj
		switch obj.Kind {
		case objutil.ObjCommit:
			stats.Commits++
		case objutil.ObjTree:
			stats.Trees++
		case objutil.ObjBlob:
			stats.Blobs++
		case objutil.ObjTag:
			stats.Tags++
		}
	}
	stats.ObjectCount = len(objs)

	compressed, err := compressAll(ctx, opts.parallelism(), objs)
	if err != nil {
		return Stats{}, errtax.Wrap(errtax.Io, errtax.NewContext("packgen.encode"), "compressing pack objects", err)
	}

	hasher := g.hash.NewIncremental()
	mw := io.MultiWriter(w, hasher)

	header := make([]byte, 12)
	copy(header[0:4], packMagic[:])
	binary.BigEndian.PutUint32(header[4:8], packVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(objs)))
	n, err := mw.Write(header)
	if err != nil {
		return Stats{}, errtax.Wrap(errtax.Io, errtax.NewContext("packgen.encode"), "writing pack header", err)
	}
	stats.ByteSize += int64(n)

	for i, obj := range objs {
		if err := ctx.Err(); err != nil {
			return Stats{}, errtax.Wrap(errtax.Cancelled, errtax.NewContext("packgen.encode"), "generation cancelled mid-stream", err)
		}
		entryHeader := encodeObjectHeader(obj.Kind, int64(len(obj.Content)))
		if _, err := mw.Write(entryHeader); err != nil {
			return Stats{}, errtax.Wrap(errtax.Io, errtax.NewContext("packgen.encode").WithObjectID(obj.ID), "writing object header", err)
		}
		if _, err := mw.Write(compressed[i]); err != nil {
			return Stats{}, errtax.Wrap(errtax.Io, errtax.NewContext("packgen.encode").WithObjectID(obj.ID), "writing object body", err)
		}
		stats.ByteSize += int64(len(entryHeader) + len(compressed[i]))
		if opts.OnProgress != nil {
			opts.OnProgress(i + 1)
		}
	}

	trailer := hasher.Sum().Bytes()
	if _, err := w.Write(trailer); err != nil {
		return Stats{}, errtax.Wrap(errtax.Io, errtax.NewContext("packgen.encode"), "writing pack trailer", err)
	}
	stats.ByteSize += int64(len(trailer))

	return stats, nil
}

// compressAll zlib-compresses every object's content over a bounded
// worker pool, reassembling results in input order (spec §5 "bounded
// worker pool...results reassembled in input order").
func compressAll(ctx context.Context, parallelism int, objs []odb.Object) ([][]byte, error) {
	results := make([][]byte, len(objs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for i, obj := range objs {
		i, obj := i, obj
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			if _, err := zw.Write(obj.Content); err != nil {
				return fmt.Errorf("compressing %s: %w", obj.ID, err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("closing compressor for %s: %w", obj.ID, err)
			}
			results[i] = buf.Bytes()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// packTypeCode maps an ObjectKind to its pack-format type code.
func packTypeCode(kind objutil.ObjectKind) int {
	switch kind {
	case objutil.ObjCommit:
		return typeCommit
	case objutil.ObjTree:
		return typeTree
	case objutil.ObjTag:
		return typeTag
	default:
		return typeBlob
	}
}

// encodeObjectHeader builds the variable-length type/size header that
// precedes every object's zlib body (spec §4.5 step 5): the first byte
// packs the type in bits 4-6 and the low 4 size bits, with a
// continuation bit; subsequent bytes each carry 7 more size bits.
func encodeObjectHeader(kind objutil.ObjectKind, size int64) []byte {
	typeCode := packTypeCode(kind)
	b := byte(typeCode<<4) | byte(size&0x0f)
	size >>= 4
	header := make([]byte, 0, 4)
	if size > 0 {
		b |= 0x80
	}
	header = append(header, b)
	for size > 0 {
		b = byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		header = append(header, b)
	}
	return header
}

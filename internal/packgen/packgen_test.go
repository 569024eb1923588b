package packgen

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"hash"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
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

// sha1Hash is a minimal objutil.Hash built on stdlib crypto/sha1, used
// only to exercise the trailer-writing path under test.
type sha1Hash struct{}

func (sha1Hash) Kind() objutil.Kind { return objutil.SHA1 }
func (sha1Hash) Sum(data []byte) objutil.ID {
	sum := sha1.Sum(data)
	id, _ := objutil.New(objutil.SHA1, sum[:])
	return id
}
func (sha1Hash) NewIncremental() objutil.IncrementalHash {
	return &sha1Incremental{h: sha1.New()}
}

type sha1Incremental struct{ h hash.Hash }

func (s *sha1Incremental) Write(p []byte) (int, error) { return s.h.Write(p) }
func (s *sha1Incremental) Sum() objutil.ID {
	sum := s.h.Sum(nil)
	id, _ := objutil.New(objutil.SHA1, sum)
	return id
}

type fakeDB struct {
	objects map[objutil.ID]odb.Object
	parents map[objutil.ID][]objutil.ID
	trees   map[objutil.ID]objutil.ID
	entries map[objutil.ID][]odb.TreeEntry
	times   map[objutil.ID]int64
	tags    map[objutil.ID]objutil.ID
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		objects: map[objutil.ID]odb.Object{},
		parents: map[objutil.ID][]objutil.ID{},
		trees:   map[objutil.ID]objutil.ID{},
		entries: map[objutil.ID][]odb.TreeEntry{},
		times:   map[objutil.ID]int64{},
		tags:    map[objutil.ID]objutil.ID{},
	}
}

func (f *fakeDB) Has(ctx context.Context, id objutil.ID) (bool, error) {
	_, ok := f.objects[id]
	return ok, nil
}
func (f *fakeDB) Read(ctx context.Context, id objutil.ID) (odb.Object, error) {
	obj, ok := f.objects[id]
	if !ok {
		return odb.Object{}, errors.New("packgen_test: object not found")
	}
	return obj, nil
}
func (f *fakeDB) Parents(ctx context.Context, commit objutil.ID) ([]objutil.ID, error) {
	return f.parents[commit], nil
}
func (f *fakeDB) CommitterTime(ctx context.Context, commit objutil.ID) (int64, error) {
	return f.times[commit], nil
}
func (f *fakeDB) Tree(ctx context.Context, commitOrTree objutil.ID) (objutil.ID, error) {
	if tree, ok := f.trees[commitOrTree]; ok {
		return tree, nil
	}
	return commitOrTree, nil
}
func (f *fakeDB) TreeEntries(ctx context.Context, tree objutil.ID) ([]odb.TreeEntry, error) {
	return f.entries[tree], nil
}
func (f *fakeDB) TagTarget(ctx context.Context, tag objutil.ID) (objutil.ID, error) {
	target, ok := f.tags[tag]
	if !ok {
		return objutil.ID{}, errors.New("packgen_test: not a tag")
	}
	return target, nil
}

var _ odb.Database = (*fakeDB)(nil)

// singleCommitFixture builds one commit -> one tree -> one blob, with no
// haves, so a pack generation for that commit's want includes all three.
func singleCommitFixture() (*fakeDB, objutil.ID) {
	db := newFakeDB()
	commit, tree, blob := oid(1), oid(2), oid(3)

	db.objects[commit] = odb.Object{ID: commit, Kind: objutil.ObjCommit, Content: []byte("commit body")}
	db.objects[tree] = odb.Object{ID: tree, Kind: objutil.ObjTree, Content: []byte("tree body")}
	db.objects[blob] = odb.Object{ID: blob, Kind: objutil.ObjBlob, Size: 5, Content: []byte("hello")}

	db.trees[commit] = tree
	db.entries[tree] = []odb.TreeEntry{{ID: blob, IsBlob: true}}
	db.times[commit] = 100

	return db, commit
}

func TestGenerateWritesValidPackHeaderAndTrailer(t *testing.T) {
	db, commit := singleCommitFixture()
	gen := New(db, sha1Hash{})

	var buf bytes.Buffer
	stats, err := gen.Generate(context.Background(), Request{
		Wants:  []objutil.ID{commit},
		Filter: DefaultFilter(),
	}, &buf, Options{})
	require.NoError(t, err)

	require.Equal(t, 3, stats.ObjectCount)
	require.Equal(t, 1, stats.Commits)
	require.Equal(t, 1, stats.Trees)
	require.Equal(t, 1, stats.Blobs)

	out := buf.Bytes()
	require.Equal(t, "PACK", string(out[0:4]))
	require.Equal(t, []byte{0, 0, 0, 2}, out[4:8]) // version 2
	require.Equal(t, []byte{0, 0, 0, 3}, out[8:12]) // 3 objects

	trailer := out[len(out)-20:]
	expectedHash := sha1Hash{}.Sum(out[:len(out)-20])
	require.Equal(t, expectedHash.Bytes(), trailer)
}

func TestGenerateExcludesHaveContent(t *testing.T) {
	db := newFakeDB()
	parentCommit, parentTree, sharedBlob := oid(1), oid(2), oid(3)
	childCommit, childTree, newBlob := oid(4), oid(5), oid(6)

	db.objects[parentCommit] = odb.Object{ID: parentCommit, Kind: objutil.ObjCommit}
	db.objects[parentTree] = odb.Object{ID: parentTree, Kind: objutil.ObjTree}
	db.objects[sharedBlob] = odb.Object{ID: sharedBlob, Kind: objutil.ObjBlob, Size: 1, Content: []byte("a")}
	db.trees[parentCommit] = parentTree
	db.entries[parentTree] = []odb.TreeEntry{{ID: sharedBlob, IsBlob: true}}

	db.objects[childCommit] = odb.Object{ID: childCommit, Kind: objutil.ObjCommit}
	db.objects[childTree] = odb.Object{ID: childTree, Kind: objutil.ObjTree}
	db.objects[newBlob] = odb.Object{ID: newBlob, Kind: objutil.ObjBlob, Size: 1, Content: []byte("b")}
	db.trees[childCommit] = childTree
	db.entries[childTree] = []odb.TreeEntry{
		{ID: sharedBlob, IsBlob: true},
		{ID: newBlob, IsBlob: true},
	}
	db.parents[childCommit] = []objutil.ID{parentCommit}

	gen := New(db, sha1Hash{})
	var buf bytes.Buffer
	stats, err := gen.Generate(context.Background(), Request{
		Wants:  []objutil.ID{childCommit},
		Haves:  []objutil.ID{parentCommit},
		Filter: DefaultFilter(),
	}, &buf, Options{})
	require.NoError(t, err)

	// parentCommit and its tree/blob are excluded; only childCommit,
	// childTree, and newBlob should be written.
	require.Equal(t, 3, stats.ObjectCount)
	require.Equal(t, 1, stats.Commits)
	require.Equal(t, 1, stats.Trees)
	require.Equal(t, 1, stats.Blobs)
}

func TestGenerateBlobNoneFilterDropsBlobs(t *testing.T) {
	db, commit := singleCommitFixture()
	gen := New(db, sha1Hash{})

	var buf bytes.Buffer
	stats, err := gen.Generate(context.Background(), Request{
		Wants:  []objutil.ID{commit},
		Filter: Filter{BlobNone: true, BlobLimit: -1, TreeDepth: -1},
	}, &buf, Options{})
	require.NoError(t, err)

	require.Equal(t, 0, stats.Blobs)
	require.Equal(t, 2, stats.ObjectCount) // commit + tree only
}

func TestGenerateBlobLimitDropsOversizedBlobs(t *testing.T) {
	db, commit := singleCommitFixture() // blob content "hello" is 5 bytes
	gen := New(db, sha1Hash{})

	var buf bytes.Buffer
	stats, err := gen.Generate(context.Background(), Request{
		Wants:  []objutil.ID{commit},
		Filter: Filter{BlobLimit: 3, TreeDepth: -1},
	}, &buf, Options{})
	require.NoError(t, err)

	require.Equal(t, 0, stats.Blobs)
}

func TestObjectBodyRoundTripsThroughZlib(t *testing.T) {
	db, commit := singleCommitFixture()
	gen := New(db, sha1Hash{})

	var buf bytes.Buffer
	_, err := gen.Generate(context.Background(), Request{
		Wants:  []objutil.ID{commit},
		Filter: DefaultFilter(),
	}, &buf, Options{})
	require.NoError(t, err)

	out := buf.Bytes()
	body := out[12 : len(out)-20]

	// The first object's header is one byte here (sizes for our fixture
	// content are all < 16 bytes), so its zlib stream starts at offset 1.
	zr, err := zlib.NewReader(bytes.NewReader(body[1:]))
	require.NoError(t, err)
	defer zr.Close()

	var decoded bytes.Buffer
	_, err = decoded.ReadFrom(zr)
	require.NoError(t, err)
	require.Equal(t, "commit body", decoded.String())
}

func TestEncodeObjectHeaderRoundTripsSize(t *testing.T) {
	header := encodeObjectHeader(objutil.ObjBlob, 1000)
	require.NotEmpty(t, header)

	// Decode it back by hand: first byte has type in bits4-6, low 4 size
	// bits; continuation bytes add 7 bits each, little-endian.
	size := int64(header[0] & 0x0f)
	shift := uint(4)
	for i := 1; header[i-1]&0x80 != 0; i++ {
		size |= int64(header[i]&0x7f) << shift
		shift += 7
	}
	require.Equal(t, int64(1000), size)
	require.Equal(t, typeBlob, int(header[0]>>4&0x07))
}

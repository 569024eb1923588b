package reachability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/odb"
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

// fakeDB is a minimal in-memory commit graph: parents[x] = direct
// parents of x, times[x] = committer timestamp of x.
type fakeDB struct {
	parents map[objutil.ID][]objutil.ID
	times   map[objutil.ID]int64
}

func (f *fakeDB) Has(ctx context.Context, id objutil.ID) (bool, error) { return true, nil }
func (f *fakeDB) Read(ctx context.Context, id objutil.ID) (odb.Object, error) {
	return odb.Object{}, errors.New("not implemented")
}
func (f *fakeDB) Parents(ctx context.Context, commit objutil.ID) ([]objutil.ID, error) {
	return f.parents[commit], nil
}
func (f *fakeDB) CommitterTime(ctx context.Context, commit objutil.ID) (int64, error) {
	return f.times[commit], nil
}
func (f *fakeDB) Tree(ctx context.Context, commitOrTree objutil.ID) (objutil.ID, error) {
	return objutil.ID{}, errors.New("not implemented")
}
func (f *fakeDB) TreeEntries(ctx context.Context, tree objutil.ID) ([]odb.TreeEntry, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDB) TagTarget(ctx context.Context, tag objutil.ID) (objutil.ID, error) {
	return objutil.ID{}, errors.New("not implemented")
}

var _ odb.Database = (*fakeDB)(nil)

// linear chain: a <- b <- c <- d (d is newest, a is root)
func linearChain() *fakeDB {
	a, b, c, d := oid(1), oid(2), oid(3), oid(4)
	return &fakeDB{
		parents: map[objutil.ID][]objutil.ID{
			d: {c}, c: {b}, b: {a}, a: nil,
		},
		times: map[objutil.ID]int64{
			a: 100, b: 200, c: 300, d: 400,
		},
	}
}

func TestIsAncestorAlongChain(t *testing.T) {
	db := linearChain()
	c := New(db)

	ok, err := c.IsAncestor(context.Background(), oid(1), oid(4))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.IsAncestor(context.Background(), oid(4), oid(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsAncestorZeroOldIsAlwaysFastForward(t *testing.T) {
	db := linearChain()
	c := New(db)

	ok, err := c.IsAncestor(context.Background(), objutil.Zero(objutil.SHA1), oid(4))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestShallowFromDepth(t *testing.T) {
	db := linearChain()
	c := New(db)

	boundaries, err := c.ShallowFromDepth(context.Background(), []objutil.ID{oid(4)}, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []objutil.ID{oid(4)}, boundaries)

	boundaries, err = c.ShallowFromDepth(context.Background(), []objutil.ID{oid(4)}, 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []objutil.ID{oid(3)}, boundaries)
}

func TestShallowFromSince(t *testing.T) {
	db := linearChain()
	c := New(db)

	boundaries, err := c.ShallowFromSince(context.Background(), []objutil.ID{oid(4)}, 250)
	require.NoError(t, err)
	require.ElementsMatch(t, []objutil.ID{oid(2)}, boundaries)
}

func TestShallowFromExcludeRefs(t *testing.T) {
	db := linearChain()
	c := New(db)

	boundaries, err := c.ShallowFromExcludeRefs(context.Background(), []objutil.ID{oid(4)}, []objutil.ID{oid(2)})
	require.NoError(t, err)
	require.ElementsMatch(t, []objutil.ID{oid(3)}, boundaries)
}

package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/config"
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

type fakeFF struct{ result bool }

func (f fakeFF) IsFastForward(ctx context.Context, db odb.Database, old, new objutil.ID) (bool, error) {
	return f.result, nil
}

func TestDenyDeleteCurrentTakesPrecedence(t *testing.T) {
	set := Default()
	set.DeleteCurrentPolicy = Deny
	cmd := Command{Ref: "refs/heads/main", Old: oid(1), New: objutil.Zero(objutil.SHA1)}

	d, err := Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonDenyDeleteCurrent, d.ReasonCode)
}

func TestDenyCurrentBranchWithUpdateInstead(t *testing.T) {
	set := Default()
	set.CurrentBranchPolicy = Deny
	set.UpdateInsteadEnabled = true
	cmd := Command{Ref: "refs/heads/main", Old: oid(1), New: oid(2)}

	d, err := Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, ReasonUpdateInstead, d.ReasonCode)
	require.NotNil(t, d.Delegated)
	require.Equal(t, "refs/heads/main", d.Delegated.Ref)
}

func TestDenyCurrentBranchWithoutUpdateInstead(t *testing.T) {
	set := Default()
	set.CurrentBranchPolicy = Deny
	cmd := Command{Ref: "refs/heads/main", Old: oid(1), New: oid(2)}

	d, err := Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonDenyCurrentBranch, d.ReasonCode)
}

func TestDenyDeletes(t *testing.T) {
	set := Default()
	set.DenyDeletes = true
	cmd := Command{Ref: "refs/heads/topic", Old: oid(1), New: objutil.Zero(objutil.SHA1)}

	d, err := Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonDenyDeletes, d.ReasonCode)
}

func TestDenyNonFastForwards(t *testing.T) {
	set := Default()
	set.DenyNonFastForwards = true
	cmd := Command{Ref: "refs/heads/topic", Old: oid(1), New: oid(2)}

	d, err := Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{result: false})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonNonFastForward, d.ReasonCode)

	d, err = Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{result: true})
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAllowedByDefault(t *testing.T) {
	set := Default()
	cmd := Command{Ref: "refs/heads/topic", Old: oid(1), New: oid(2)}

	d, err := Evaluate(context.Background(), set, cmd, "refs/heads/main", nil, fakeFF{})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, ReasonAllowed, d.ReasonCode)
}

func TestCommandKindClassification(t *testing.T) {
	require.Equal(t, CommandCreate, Command{Old: objutil.Zero(objutil.SHA1), New: oid(1)}.Kind())
	require.Equal(t, CommandDelete, Command{Old: oid(1), New: objutil.Zero(objutil.SHA1)}.Kind())
	require.Equal(t, CommandUpdate, Command{Old: oid(1), New: oid(2)}.Kind())
}

func TestResolveReadsDenyKeys(t *testing.T) {
	src := config.NewMapSource(
		[2]string{"receive.denydeletes", "true"},
		[2]string{"receive.denynonfastforwards", "true"},
		[2]string{"receive.denydeletecurrent", "refuse"},
	)
	set := Resolve(src)
	require.True(t, set.DenyDeletes)
	require.True(t, set.DenyNonFastForwards)
	require.Equal(t, Deny, set.DeleteCurrentPolicy)
	require.Equal(t, Allow, set.CurrentBranchPolicy)
	require.False(t, set.UpdateInsteadEnabled)
}

func TestResolveDenyCurrentBranchUpdateInstead(t *testing.T) {
	src := config.NewMapSource([2]string{"receive.denycurrentbranch", "updateInstead"})
	set := Resolve(src)
	require.Equal(t, Deny, set.CurrentBranchPolicy)
	require.True(t, set.UpdateInsteadEnabled)
}

func TestResolveDenyCurrentBranchWarn(t *testing.T) {
	src := config.NewMapSource([2]string{"receive.denycurrentbranch", "warn"})
	set := Resolve(src)
	require.Equal(t, Warn, set.CurrentBranchPolicy)
	require.False(t, set.UpdateInsteadEnabled)
}

func TestResolveStandaloneUpdateInstead(t *testing.T) {
	src := config.NewMapSource(
		[2]string{"receive.denycurrentbranch", "refuse"},
		[2]string{"receive.updateinstead", "true"},
	)
	set := Resolve(src)
	require.Equal(t, Deny, set.CurrentBranchPolicy)
	require.True(t, set.UpdateInsteadEnabled)
}

func TestResolveDefaultsMatchDefault(t *testing.T) {
	require.Equal(t, Default(), Resolve(config.NewMapSource()))
}

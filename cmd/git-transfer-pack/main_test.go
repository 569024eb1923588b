package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/capability"
	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/refstore"
	"github.com/github/git-transfer-pack/internal/sideband"
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

func TestServiceFromProgName(t *testing.T) {
	require.Equal(t, "receive-pack", serviceFromProgName("git-receive-pack"))
	require.Equal(t, "receive-pack", serviceFromProgName("/usr/libexec/git-core/git-receive-pack"))
	require.Equal(t, "upload-pack", serviceFromProgName("git-upload-pack"))
	require.Equal(t, "upload-pack", serviceFromProgName("git-transfer-pack"))
}

func TestFsckSkipSet(t *testing.T) {
	require.Nil(t, fsckSkipSet(nil))

	a, b := oid(1), oid(2)
	set := fsckSkipSet([]objutil.ID{a, b})
	require.Len(t, set, 2)
	require.True(t, set[a])
	require.True(t, set[b])
	require.False(t, set[oid(3)])
}

func TestCapAdmit(t *testing.T) {
	server := capability.NewSet(
		capability.Token{Name: capability.SideBand64k},
		capability.Token{Name: capability.OfsDelta},
	)
	client := capability.NewSet(
		capability.Token{Name: capability.SideBand64k},
		capability.Token{Name: capability.Filter},
	)

	admitted, rejected := capAdmit(server, client)
	require.True(t, admitted.Has(capability.SideBand64k))
	require.False(t, admitted.Has(capability.Filter))
	require.Equal(t, []string{capability.Filter}, rejected)
}

func TestUploadPackServerCapsDefaultsDenyWantAdmission(t *testing.T) {
	caps := uploadPackServerCaps(config.NewMapSource())
	require.False(t, caps.Has(capability.AllowAnySha1InWant))
	require.False(t, caps.Has(capability.AllowReachableSha1InWant))
	require.False(t, caps.Has(capability.AllowTipSha1InWant))
	require.False(t, caps.Has(capability.Filter))
	require.True(t, caps.Has(capability.ThinPack))
}

func TestUploadPackServerCapsHonorsConfig(t *testing.T) {
	src := config.NewMapSource(
		[2]string{"uploadpack.allowanysha1inwant", "true"},
		[2]string{"uploadpack.allowfilter", "true"},
	)
	caps := uploadPackServerCaps(src)
	require.True(t, caps.Has(capability.AllowAnySha1InWant))
	require.True(t, caps.Has(capability.Filter))
	require.False(t, caps.Has(capability.AllowReachableSha1InWant))
}

func TestResolveKeepaliveDefaultsTo5Seconds(t *testing.T) {
	policy, interval := resolveKeepalive(config.NewMapSource())
	require.Equal(t, sideband.KeepaliveAlways, policy)
	require.Equal(t, 5*time.Second, interval)
}

func TestResolveKeepaliveZeroDisables(t *testing.T) {
	policy, interval := resolveKeepalive(config.NewMapSource([2]string{"uploadpack.keepalive", "0"}))
	require.Equal(t, sideband.KeepaliveNever, policy)
	require.Zero(t, interval)
}

func TestResolveKeepaliveHonorsConfiguredInterval(t *testing.T) {
	policy, interval := resolveKeepalive(config.NewMapSource([2]string{"uploadpack.keepalive", "10"}))
	require.Equal(t, sideband.KeepaliveAlways, policy)
	require.Equal(t, 10*time.Second, interval)
}

func TestConfigBoolFallsBackToDefault(t *testing.T) {
	require.True(t, configBool(config.NewMapSource(), "missing.key", true))
	require.False(t, configBool(config.NewMapSource([2]string{"some.key", "false"}), "some.key", true))
}

func TestAdvertisementTokens(t *testing.T) {
	s := capability.NewSet(
		capability.Token{Name: capability.Agent, Value: "git/test", HasEq: true},
		capability.Token{Name: capability.ThinPack},
	)
	toks := advertisementTokens(s)
	require.Len(t, toks, 2)

	byName := map[string]capability.Token{}
	for _, tok := range toks {
		byName[tok.Name] = tok
	}
	require.Equal(t, "git/test", byName[capability.Agent].Value)
	require.True(t, byName[capability.ThinPack].Name == capability.ThinPack)
}

type fakeStore struct {
	records map[string]refstore.Record
}

func (s *fakeStore) ListRefs(ctx context.Context) ([]refstore.Record, error) {
	out := make([]refstore.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Resolve(ctx context.Context, name string) (refstore.Record, bool, error) {
	r, ok := s.records[name]
	return r, ok, nil
}

var _ refstore.Store = (*fakeStore)(nil)

func TestResolveRefNames(t *testing.T) {
	store := &fakeStore{records: map[string]refstore.Record{
		"refs/heads/main": {Name: "refs/heads/main", Target: refstore.Target{OID: oid(1)}},
		"HEAD":            {Name: "HEAD", Target: refstore.Target{Symref: "refs/heads/main"}},
	}}

	ids, err := resolveRefNames(context.Background(), store, []string{"refs/heads/main", "HEAD", "refs/heads/missing"})
	require.NoError(t, err)
	require.Equal(t, []objutil.ID{oid(1)}, ids)
}

package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/objutil"
)

func TestResolveLimitsDefaultsToUnbounded(t *testing.T) {
	src := config.NewMapSource()
	limits, err := ResolveLimits(src)
	require.NoError(t, err)
	require.Zero(t, limits.MaxInputSize)
	require.Zero(t, limits.RefUpdateCommandLimit)
}

func TestResolveLimitsParsesSuffixes(t *testing.T) {
	src := config.NewMapSource(
		[2]string{"receive.maxsize", "10m"},
		[2]string{"receive.refupdatecommandlimit", "100"},
	)
	limits, err := ResolveLimits(src)
	require.NoError(t, err)
	require.Equal(t, int64(10*1024*1024), limits.MaxInputSize)
	require.Equal(t, int64(100), limits.RefUpdateCommandLimit)
}

func TestResolvePolicyTruthy(t *testing.T) {
	src := config.NewMapSource(
		[2]string{"receive.fsckobjects", "true"},
		[2]string{"receive.reportstatusff", "1"},
	)
	p := ResolvePolicy(src)
	require.True(t, p.FsckObjects)
	require.True(t, p.ReportStatusFastForwardOnly)
}

func TestResolvePolicyFallsBackToTransferFsck(t *testing.T) {
	src := config.NewMapSource([2]string{"transfer.fsckobjects", "yes"})
	p := ResolvePolicy(src)
	require.True(t, p.FsckObjects)
}

func TestNewBuildsContext(t *testing.T) {
	src := config.NewMapSource([2]string{"receive.maxsize", "1g"})
	ctx, err := New("sess-1", ProtocolV2, objutil.SHA1, src, "git/2.40")
	require.NoError(t, err)
	require.Equal(t, "sess-1", ctx.ID)
	require.Equal(t, "v2", ctx.Protocol.String())
	require.Equal(t, int64(1024*1024*1024), ctx.Limits.MaxInputSize)
	require.Len(t, ctx.Fields(), 3)
}

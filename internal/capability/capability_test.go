package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndFormatRoundTrip(t *testing.T) {
	set, err := Parse([]byte("multi_ack side-band-64k agent=git/2.40.0 ofs-delta"))
	require.NoError(t, err)
	require.True(t, set.Has(MultiAck))
	require.True(t, set.Has(SideBand64k))
	require.Equal(t, "git/2.40.0", set.Value(Agent))
	require.Equal(t, "multi_ack side-band-64k agent=git/2.40.0 ofs-delta", Format(set, Idiomatic))
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte("quiet quiet"))
	require.Error(t, err)
}

func TestAdmissionRejectsUnadvertised(t *testing.T) {
	adv := NewAdvertisement(Token{Name: ReportStatus}, Token{Name: Atomic})
	client, err := Parse([]byte("report-status side-band-64k"))
	require.NoError(t, err)

	negotiated, rejected := adv.Negotiate(client)
	require.True(t, negotiated.Has(ReportStatus))
	require.False(t, negotiated.Has(SideBand64k))
	require.Equal(t, []string{SideBand64k}, rejected)
}

func TestAdmissionAcceptsKeyForKeyValue(t *testing.T) {
	adv := NewAdvertisement(Token{Name: Agent})
	client, err := Parse([]byte("agent=git/2.40.0"))
	require.NoError(t, err)

	negotiated, rejected := adv.Negotiate(client)
	require.Empty(t, rejected)
	require.Equal(t, "git/2.40.0", negotiated.Value(Agent))
}

func TestAdmissionRejectsUnsafeAgentValue(t *testing.T) {
	adv := NewAdvertisement(Token{Name: Agent})
	client, err := Parse([]byte("agent=evil value"))
	require.NoError(t, err)

	_, rejected := adv.Negotiate(client)
	require.NotEmpty(t, rejected)
}

func TestFormatLexicographic(t *testing.T) {
	set := NewSet(Token{Name: Quiet}, Token{Name: Atomic}, Token{Name: DeleteRefs})
	require.Equal(t, "atomic delete-refs quiet", Format(set, Lexicographic))
}

func TestIsSafeValue(t *testing.T) {
	require.True(t, IsSafeValue("git/2.40.0"))
	require.False(t, IsSafeValue("has space"))
	require.False(t, IsSafeValue("has\ttab"))
}

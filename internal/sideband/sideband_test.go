package sideband

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/pktline"
)

func TestWriteDataChunking(t *testing.T) {
	var buf bytes.Buffer
	mux := New(pktline.NewWriter(&buf), KeepaliveNever, 0)

	payload := bytes.Repeat([]byte("x"), MaxChannelPayload+10)
	require.NoError(t, mux.WriteData(payload))

	r := pktline.NewReader(&buf, false)
	var total int
	for {
		line, err := r.ReadLine()
		if err != nil {
			break
		}
		require.LessOrEqual(t, len(line.Payload)-1, MaxChannelPayload)
		require.Equal(t, byte(1), line.Payload[0])
		total += len(line.Payload) - 1
	}
	require.Equal(t, len(payload), total)
}

func TestProgressTerminalSuffix(t *testing.T) {
	var buf bytes.Buffer
	mux := New(pktline.NewWriter(&buf), KeepaliveNever, 0)

	require.NoError(t, mux.WriteProgress("50%", false))
	require.NoError(t, mux.WriteProgress("done", true))

	r := pktline.NewReader(&buf, false)
	line, _ := r.ReadLine()
	require.Equal(t, "\x0250%\r", string(line.Payload))
	line, _ = r.ReadLine()
	require.Equal(t, "\x02done\n", string(line.Payload))
}

func TestKeepaliveAlways(t *testing.T) {
	var buf bytes.Buffer
	mux := New(pktline.NewWriter(&buf), KeepaliveAlways, time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, mux.Tick())

	r := pktline.NewReader(&buf, false)
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0}, line.Payload)
}

func TestKeepaliveNeverEmitsNothing(t *testing.T) {
	var buf bytes.Buffer
	mux := New(pktline.NewWriter(&buf), KeepaliveNever, time.Nanosecond)
	require.NoError(t, mux.Tick())
	require.Equal(t, 0, buf.Len())
}

func TestKeepaliveAfterNul(t *testing.T) {
	var buf bytes.Buffer
	mux := New(pktline.NewWriter(&buf), KeepaliveAfterNul, 0)
	require.NoError(t, mux.Tick())
	require.Equal(t, 0, buf.Len())

	mux.NoteNulObserved()
	require.NoError(t, mux.Tick())
	require.Greater(t, buf.Len(), 0)
}

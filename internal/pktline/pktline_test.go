package pktline

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteData([]byte("want "+"deadbeef")))
	require.NoError(t, w.WriteFlush())
	require.NoError(t, w.WriteDelim())
	require.NoError(t, w.WriteRespEnd())

	r := NewReader(&buf, false)

	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, Data, line.Kind)
	require.Equal(t, "want deadbeef", string(line.Payload))

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.True(t, line.IsFlush())

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.True(t, line.IsDelim())

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.True(t, line.IsRespEnd())
}

func TestReadEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), false)
	_, err := r.ReadLine()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadTruncated(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("0010ab")), false)
	_, err := r.ReadLine()
	require.Error(t, err)
}

func TestReadMalformedLength(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("zzzz")), false)
	_, err := r.ReadLine()
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestWriteDataTooLarge(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.WriteData(make([]byte, MaxPayload+1))
	require.Error(t, err)
}

func TestPeekDoesNotConsume(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteData([]byte("hello")))
	require.NoError(t, w.WriteFlush())

	r := NewReader(&buf, false)
	peeked, err := r.Peek()
	require.NoError(t, err)
	require.Equal(t, "hello", string(peeked.Payload))

	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello", string(line.Payload))

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.True(t, line.IsFlush())
}

func TestErrLineSurfaced(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDataf("ERR %s", "access denied"))

	r := NewReader(&buf, true)
	_, err := r.ReadLine()
	var errLine *ErrLine
	require.ErrorAs(t, err, &errLine)
	require.Equal(t, "access denied", errLine.Message)
}

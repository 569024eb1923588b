package progress

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/pktline"
	"github.com/github/git-transfer-pack/internal/sideband"
)

func TestUpdateRateLimitsByPercentage(t *testing.T) {
	var buf bytes.Buffer
	mux := sideband.New(pktline.NewWriter(&buf), sideband.KeepaliveNever, 0)
	r := New(mux, "Counting objects", time.Millisecond)
	r.SetTotal(100)

	require.NoError(t, r.Update(1))
	require.NoError(t, r.Update(1)) // same percentage, should not re-emit

	reader := pktline.NewReader(&buf, false)
	var count int
	for {
		_, err := reader.ReadLine()
		if err != nil {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}

func TestDoneEmitsTerminalLine(t *testing.T) {
	var buf bytes.Buffer
	mux := sideband.New(pktline.NewWriter(&buf), sideband.KeepaliveNever, 0)
	r := New(mux, "Writing objects", 0)
	r.SetTotal(10)

	require.NoError(t, r.Done(10))
	reader := pktline.NewReader(&buf, false)
	line, err := reader.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(line.Payload), "done.")
}

func TestRunKeepaliveStopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mux := sideband.New(pktline.NewWriter(&buf), sideband.KeepaliveAlways, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunKeepalive(ctx, mux, time.Millisecond)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunKeepalive did not stop after cancel")
	}
}

// Package sideband implements the three-channel multiplexer layered over
// pkt-lines (spec §4.2): channel 1 data, channel 2 progress, channel 3
// error, plus a keepalive policy for long silent stretches.
package sideband

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/github/git-transfer-pack/internal/pktline"
)

// MaxChannelPayload is the largest payload a single channel-1 frame may
// carry: pktline.MaxPayload minus the one-byte channel prefix.
const MaxChannelPayload = pktline.MaxPayload - 1

const (
	channelData     byte = 1
	channelProgress byte = 2
	channelError    byte = 3
)

// KeepalivePolicy selects when the Multiplexer emits a lone-NUL keepalive
// on the progress channel (spec §4.2).
type KeepalivePolicy int

const (
	// KeepaliveNever never emits a keepalive.
	KeepaliveNever KeepalivePolicy = iota
	// KeepaliveAfterNul emits only after the caller reports (via
	// NoteNulObserved) that a logical NUL has been seen downstream.
	KeepaliveAfterNul
	// KeepaliveAlways emits whenever Tick is called after the configured
	// interval has elapsed since the last keepalive.
	KeepaliveAlways
)

// Multiplexer writes data/progress/error frames onto a single pkt-line
// writer, honoring the buffering invariant that pack bytes are chunked at
// this boundary, not at arbitrary writer boundaries (spec §4.2).
type Multiplexer struct {
	pw *pktline.Writer

	mu       sync.Mutex
	policy   KeepalivePolicy
	interval time.Duration
	lastBeat time.Time
	nulSeen  bool
}

// New wraps pw (a raw pkt-line writer over the transport) as a Multiplexer.
func New(pw *pktline.Writer, policy KeepalivePolicy, interval time.Duration) *Multiplexer {
	return &Multiplexer{pw: pw, policy: policy, interval: interval, lastBeat: time.Now()}
}

// WriteData chunks p into MaxChannelPayload-sized channel-1 frames. The
// chunking happens here, not at the caller's write boundary, so that
// fragmenting one logical pack write across undersized frames (a
// correctness bug for clients) cannot happen by accident.
func (m *Multiplexer) WriteData(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > MaxChannelPayload {
			n = MaxChannelPayload
		}
		if err := m.writeChannel(channelData, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// WriteProgress writes one progress update on channel 2. If terminal is
// false the line is formatted to end with '\r' (in-place update);
// otherwise it ends with '\n'. The whole update is written as a single
// frame so it can never interleave within a chunk (spec §4.2).
func (m *Multiplexer) WriteProgress(msg string, terminal bool) error {
	suffix := "\r"
	if terminal {
		suffix = "\n"
	}
	return m.writeChannel(channelProgress, []byte(msg+suffix))
}

// WriteError writes an error message on channel 3, ending with '\n'.
func (m *Multiplexer) WriteError(msg string) error {
	return m.writeChannel(channelError, []byte(msg+"\n"))
}

// NoteNulObserved records that a logical NUL has been seen downstream, for
// KeepaliveAfterNul policy bookkeeping (the mux itself has no input view;
// spec §4.2).
func (m *Multiplexer) NoteNulObserved() {
	m.mu.Lock()
	m.nulSeen = true
	m.mu.Unlock()
}

// Tick evaluates the keepalive policy and emits a lone-NUL channel-2 frame
// if appropriate. Safe to call on any schedule; it is a no-op unless the
// policy and elapsed time say otherwise.
func (m *Multiplexer) Tick() error {
	m.mu.Lock()
	switch m.policy {
	case KeepaliveNever:
		m.mu.Unlock()
		return nil
	case KeepaliveAfterNul:
		if !m.nulSeen {
			m.mu.Unlock()
			return nil
		}
	case KeepaliveAlways:
		if time.Since(m.lastBeat) < m.interval {
			m.mu.Unlock()
			return nil
		}
	}
	m.lastBeat = time.Now()
	m.mu.Unlock()

	return m.writeChannel(channelProgress, []byte{0})
}

func (m *Multiplexer) writeChannel(channel byte, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = channel
	copy(buf[1:], payload)
	if err := m.pw.WriteData(buf); err != nil {
		return fmt.Errorf("sideband: writing channel %d: %w", channel, err)
	}
	return nil
}

// dataWriter adapts a Multiplexer to io.Writer for producers (like the
// Pack Generator, spec §4.5 "write to a sideband-aware writer") that
// don't otherwise need to know about channels.
type dataWriter struct{ m *Multiplexer }

// DataWriter returns an io.Writer that chunks writes onto channel 1.
func (m *Multiplexer) DataWriter() io.Writer {
	return dataWriter{m: m}
}

func (d dataWriter) Write(p []byte) (int, error) {
	if err := d.m.WriteData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NoSidebandError writes an error the way a session without sideband
// negotiated must: as a plain ERR pkt-line rather than a channel-3 frame
// (spec §4.2, §4.13).
func NoSidebandError(pw *pktline.Writer, msg string) error {
	return pw.WriteErr(msg)
}

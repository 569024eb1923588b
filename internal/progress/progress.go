// Package progress implements the Progress & Keepalive component (spec
// §4.11): rate-limited progress emission and keepalive emission during
// long silent stretches, layered over the sideband Multiplexer.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/github/git-transfer-pack/internal/sideband"
)

// DefaultInterval is the minimum spacing between progress emissions when
// no total is known (spec §4.11 "default 100 ms").
const DefaultInterval = 100 * time.Millisecond

// Reporter rate-limits progress text written to a sideband Multiplexer,
// and drives its keepalive ticks on a schedule, mirroring the teacher's
// `time.Ticker`/`select` polling idiom (internal/pipe/memorylimit.go).
type Reporter struct {
	mux      *sideband.Multiplexer
	interval time.Duration

	label     string
	total     int64
	lastEmit  time.Time
	lastPct   int
	haveTotal bool
}

// New builds a Reporter over mux. label prefixes every progress line
// (e.g. "Counting objects"); interval overrides DefaultInterval when
// positive.
func New(mux *sideband.Multiplexer, label string, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{mux: mux, label: label, interval: interval}
}

// SetTotal establishes a known total, switching the rate limit from a
// fixed time interval to "once per percentage point" (spec §4.11 "or one
// per percentage tick where a total is known").
func (r *Reporter) SetTotal(total int64) {
	r.total = total
	r.haveTotal = total > 0
	r.lastPct = -1
}

// Update reports progress toward r.total (or, with no total set, simply
// rate-limits by time) and emits a sideband progress line if the rate
// limit allows it.
func (r *Reporter) Update(done int64) error {
	now := time.Now()

	if r.haveTotal {
		pct := int(done * 100 / r.total)
		if pct == r.lastPct {
			return nil
		}
		r.lastPct = pct
		r.lastEmit = now
		return r.mux.WriteProgress(fmt.Sprintf("%s: %3d%% (%d/%d)", r.label, pct, done, r.total), false)
	}

	if !r.lastEmit.IsZero() && now.Sub(r.lastEmit) < r.interval {
		return nil
	}
	r.lastEmit = now
	return r.mux.WriteProgress(fmt.Sprintf("%s: %d", r.label, done), false)
}

// Done emits the terminal progress line.
func (r *Reporter) Done(total int64) error {
	if r.haveTotal {
		return r.mux.WriteProgress(fmt.Sprintf("%s: 100%% (%d/%d), done.", r.label, total, total), true)
	}
	return r.mux.WriteProgress(fmt.Sprintf("%s: %d, done.", r.label, total), true)
}

// RunKeepalive ticks mux's keepalive policy on interval until ctx is
// done, for use as a background goroutine during long silent stretches
// (spec §4.11 "emit keepalives per the configured policy to prevent
// client timeouts").
func RunKeepalive(ctx context.Context, mux *sideband.Multiplexer, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = mux.Tick()
		}
	}
}

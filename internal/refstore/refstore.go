// Package refstore models the Ref Store collaborator (spec §1, §6: "Ref
// Store: loose refs, packed-refs, reflog" is explicitly out of scope, but
// this module consumes it through an interface) and implements the Ref
// Snapshot & Filter component (spec §4 "Ref Snapshot & Filter"): hidden-ref
// pattern matching, symref resolution, and peeled tag computation.
package refstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/github/git-transfer-pack/internal/objutil"
)

// Target is either a resolved ObjectId or a symbolic reference name.
// Exactly one of the two is meaningful at a time.
type Target struct {
	OID    objutil.ID
	Symref string // non-empty iff this target is symbolic
}

// IsSymbolic reports whether this Target points at another ref name.
func (t Target) IsSymbolic() bool { return t.Symref != "" }

// Record is one reference as read from the Ref Store (spec §3 RefRecord).
type Record struct {
	Name   string
	Target Target
	// Peeled is the non-tag object id this ref (an annotated tag)
	// ultimately resolves to. Only meaningful when Name has the
	// "refs/tags/" prefix and the tag is annotated.
	Peeled    objutil.ID
	HasPeeled bool
}

// Store is the collaborator interface this module borrows a read-capable
// view of, and (for receive-pack) a write transaction interface for.
// Implementations of the loose/packed-refs/reflog storage itself are
// explicitly out of scope (spec §1).
type Store interface {
	// ListRefs returns every ref in the store, in storage order.
	ListRefs(ctx context.Context) ([]Record, error)
	// Resolve returns the Record stored under name without following a
	// symbolic target (ResolveSymrefChain does that), or returns
	// (Record{}, false, nil) if name doesn't exist.
	Resolve(ctx context.Context, name string) (Record, bool, error)
}

// Writer is the transaction interface receive-pack borrows to apply
// accepted ref updates (spec §3 "receive-pack additionally borrows a
// write transaction interface").
type Writer interface {
	// Begin starts a ref transaction. If atomic is true, either every
	// Update call's change lands or none does (spec §4.9 step 6, §5
	// "atomic mode linearizes all ref writes").
	Begin(ctx context.Context, atomic bool) (Transaction, error)
}

// Transaction accumulates ref changes and applies them as one unit.
type Transaction interface {
	// Update stages name to move from old to new (objutil.Zero for
	// create/delete semantics, per spec §3 CommandUpdate).
	Update(name string, old, new objutil.ID) error
	// Commit applies all staged updates. On failure in atomic mode, no
	// staged update has taken effect.
	Commit(ctx context.Context) error
	// Abort discards all staged updates without applying any of them.
	Abort(ctx context.Context) error
}

// HiddenPattern is one compiled entry of a transfer.hideRefs /
// receive.hideRefs configuration list (spec §6, Design Note "Hidden-ref
// predicate"). The teacher's own isHiddenRef only supports prefix
// matching plus a single level of "!"-negated unhiding, which is what
// every example in the pack and gix's own docs assume; a full glob
// engine is not warranted (see DESIGN.md).
type HiddenPattern struct {
	Prefix   string
	Negative bool
}

// ParseHiddenPatterns compiles a list of raw hideRefs config values (as
// returned by Config.GetAll("transfer.hiderefs")/("receive.hiderefs")).
func ParseHiddenPatterns(raw []string) []HiddenPattern {
	patterns := make([]HiddenPattern, 0, len(raw))
	for _, rule := range raw {
		if rule == "" {
			continue
		}
		if rule[0] == '!' {
			patterns = append(patterns, HiddenPattern{Prefix: rule[1:], Negative: true})
		} else {
			patterns = append(patterns, HiddenPattern{Prefix: rule})
		}
	}
	return patterns
}

// IsHidden evaluates ref against patterns. The last matching pattern wins,
// mirroring the teacher's isHiddenRef loop (later rules can "unhide" refs
// hidden by earlier, broader rules).
func IsHidden(ref string, patterns []HiddenPattern) bool {
	hidden := false
	for _, p := range patterns {
		if strings.HasPrefix(ref, p.Prefix) {
			hidden = !p.Negative
		}
	}
	return hidden
}

// AlternateTipsSource optionally supplies extra ref tips to advertise
// alongside the primary Store's refs — e.g. a fork's parent-repository
// tips (SPEC_FULL.md "Fork/alternates ref advertisement"), grounded on the
// teacher's parent-repo ".have" line advertisement.
type AlternateTipsSource interface {
	AlternateTips(ctx context.Context) ([]Record, error)
}

// Snapshot is the consistent view of visible refs computed once at
// advertise time (spec §4 "re-evaluate against the snapshot at advertise
// time only, so negotiation sees a consistent view").
type Snapshot struct {
	Visible   []Record
	Alternate []Record // advertised but not eligible for negotiation state
}

// TakeSnapshot enumerates store, drops hidden refs, and appends any
// alternate tips, building the consistent view advertisement will use.
func TakeSnapshot(ctx context.Context, store Store, patterns []HiddenPattern, alt AlternateTipsSource) (Snapshot, error) {
	all, err := store.ListRefs(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("refstore: listing refs: %w", err)
	}

	visible := make([]Record, 0, len(all))
	for _, r := range all {
		if IsHidden(r.Name, patterns) {
			continue
		}
		visible = append(visible, r)
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].Name < visible[j].Name })

	snap := Snapshot{Visible: visible}
	if alt != nil {
		alternate, err := alt.AlternateTips(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("refstore: collecting alternate tips: %w", err)
		}
		snap.Alternate = alternate
	}
	return snap, nil
}

// ResolveSymrefChain follows name's symbolic chain to its terminal
// reference, bounded by maxDepth and guarded against cycles (spec §4.7
// "Current-branch resolution": bounded depth ≤ 5, cycle detection).
func ResolveSymrefChain(ctx context.Context, store Store, name string, maxDepth int) (string, error) {
	visited := map[string]bool{}
	current := name
	for i := 0; i < maxDepth; i++ {
		if visited[current] {
			return "", fmt.Errorf("refstore: symref cycle detected involving %q", current)
		}
		visited[current] = true

		rec, ok, err := store.Resolve(ctx, current)
		if err != nil {
			return "", fmt.Errorf("refstore: resolving %q: %w", current, err)
		}
		if !ok {
			return current, nil
		}
		if !rec.Target.IsSymbolic() {
			return current, nil
		}
		current = rec.Target.Symref
	}
	return "", fmt.Errorf("refstore: symref chain from %q exceeds max depth %d", name, maxDepth)
}

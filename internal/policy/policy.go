// Package policy implements the Policy Engine (spec §4.7): evaluating
// each ref update command against a configured PolicySet in a fixed
// precedence order, independent of the Ref Store or Object Database
// implementation (both consumed through interfaces).
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/refstore"
)

// Enforcement is the policy level applied to a specific kind of update.
type Enforcement int

const (
	Allow Enforcement = iota
	Deny
	Warn
)

// ReasonCode classifies why a PolicyDecision came out the way it did
// (spec §4.7 ReasonCode), used by reporting (spec §4.9) to choose the
// rejection message a client sees.
type ReasonCode int

const (
	ReasonAllowed ReasonCode = iota
	ReasonDenyDeletes
	ReasonNonFastForward
	ReasonDenyCurrentBranch
	ReasonDenyDeleteCurrent
	ReasonUpdateInstead
	ReasonHookRejected
	ReasonProcReceiveRejected
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonAllowed:
		return "allowed"
	case ReasonDenyDeletes:
		return "deny_deletes"
	case ReasonNonFastForward:
		return "non_fast_forward"
	case ReasonDenyCurrentBranch:
		return "deny_current_branch"
	case ReasonDenyDeleteCurrent:
		return "deny_delete_current"
	case ReasonUpdateInstead:
		return "update_instead"
	case ReasonHookRejected:
		return "hook_rejected"
	case ReasonProcReceiveRejected:
		return "proc_receive_rejected"
	default:
		return "unknown"
	}
}

// Set bundles every policy a receive-pack session enforces against
// incoming commands (spec §4.7 PolicySet).
type Set struct {
	DenyDeletes          bool
	DenyNonFastForwards  bool
	CurrentBranchPolicy  Enforcement
	DeleteCurrentPolicy  Enforcement
	UpdateInsteadEnabled bool
}

// Default returns the permissive PolicySet a repository has if no
// receive.deny*/receive.denyCurrentBranch configuration overrides it.
func Default() Set {
	return Set{
		CurrentBranchPolicy: Allow,
		DeleteCurrentPolicy: Allow,
	}
}

// Resolve reads a PolicySet from src (spec §6: receive.denyDeletes,
// receive.denyNonFastForwards, receive.denyCurrentBranch,
// receive.denyDeleteCurrent, receive.updateInstead), following the same
// config-value-or-default resolution session.ResolveLimits/ResolvePolicy
// use.
func Resolve(src config.Source) Set {
	set := Default()

	if v, ok := src.Get("receive.denydeletes"); ok {
		set.DenyDeletes = config.ParseBool(v)
	}
	if v, ok := src.Get("receive.denynonfastforwards"); ok {
		set.DenyNonFastForwards = config.ParseBool(v)
	}
	if v, ok := src.Get("receive.denycurrentbranch"); ok {
		if strings.EqualFold(strings.TrimSpace(v), "updateinstead") {
			set.CurrentBranchPolicy = Deny
			set.UpdateInsteadEnabled = true
		} else {
			set.CurrentBranchPolicy = parseEnforcement(v)
		}
	}
	if v, ok := src.Get("receive.denydeletecurrent"); ok {
		set.DeleteCurrentPolicy = parseEnforcement(v)
	}
	if v, ok := src.Get("receive.updateinstead"); ok && config.ParseBool(v) {
		set.UpdateInsteadEnabled = true
	}

	return set
}

// parseEnforcement maps a receive.denyCurrentBranch/denyDeleteCurrent
// value (allow/warn/refuse, plus git's own true/false spellings) to an
// Enforcement level.
func parseEnforcement(v string) Enforcement {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "warn":
		return Warn
	case "refuse", "true", "1", "yes", "on":
		return Deny
	default:
		return Allow
	}
}

// CommandKind distinguishes the three shapes a ref update command can
// take (spec §3 CommandUpdate).
type CommandKind int

const (
	CommandCreate CommandKind = iota
	CommandUpdate
	CommandDelete
)

// Command is one ref update requested by a push, in the shape the Policy
// Engine needs (old/new zero ids carry create/delete semantics, per spec
// §3 CommandUpdate).
type Command struct {
	Ref string
	Old objutil.ID
	New objutil.ID
}

// Kind classifies the command by which of Old/New is the zero id.
func (c Command) Kind() CommandKind {
	switch {
	case c.Old.IsZero():
		return CommandCreate
	case c.New.IsZero():
		return CommandDelete
	default:
		return CommandUpdate
	}
}

// Delegated describes an update-instead action handed off to a worktree
// updater rather than applied as a ref-only change (spec §4.7
// UpdateInstead).
type Delegated struct {
	Ref string
	Old objutil.ID
	New objutil.ID
}

// Decision is the full result of evaluating one Command (spec §4.7
// PolicyDecision), consumed by reporting (spec §4.9) to build the
// per-command report-status line.
type Decision struct {
	Allowed    bool
	ReasonCode ReasonCode
	Message    string
	Delegated  *Delegated
}

// FastForwardChecker abstracts the ancestor test the Policy Engine needs
// for deny_non_fast_forwards, deferred to the Reachability component
// (spec §4.5) so this package never walks commit history itself.
type FastForwardChecker interface {
	IsFastForward(ctx context.Context, db odb.Database, old, new objutil.ID) (bool, error)
}

// Evaluate runs command through set's precedence chain:
//  1. deny_delete_current
//  2. deny_current_branch (checking update_instead before denying)
//  3. deny_deletes
//  4. deny_non_fast_forwards
//
// currentBranch is the ref name HEAD's symref chain resolves to, or ""
// for a detached HEAD (spec §4.7 "Current-branch resolution").
func Evaluate(ctx context.Context, set Set, command Command, currentBranch string, db odb.Database, ff FastForwardChecker) (Decision, error) {
	isCurrent := currentBranch != "" && currentBranch == command.Ref

	if command.Kind() == CommandDelete && isCurrent && set.DeleteCurrentPolicy == Deny {
		return Decision{
			ReasonCode: ReasonDenyDeleteCurrent,
			Message:    fmt.Sprintf("deletion of the current branch %q is denied", command.Ref),
		}, nil
	}

	if isCurrent && set.CurrentBranchPolicy == Deny {
		switch command.Kind() {
		case CommandCreate, CommandUpdate:
			if set.UpdateInsteadEnabled && command.Kind() == CommandUpdate {
				return Decision{
					Allowed:    true,
					ReasonCode: ReasonUpdateInstead,
					Message:    fmt.Sprintf("update to current branch %q delegated to worktree updater", command.Ref),
					Delegated: &Delegated{
						Ref: command.Ref,
						Old: command.Old,
						New: command.New,
					},
				}, nil
			}
			return Decision{
				ReasonCode: ReasonDenyCurrentBranch,
				Message:    fmt.Sprintf("updates to the current branch %q are denied", command.Ref),
			}, nil
		case CommandDelete:
			// handled by precedence 1; falling through means delete_current
			// policy allows it.
		}
	}

	if command.Kind() == CommandDelete && set.DenyDeletes {
		return Decision{
			ReasonCode: ReasonDenyDeletes,
			Message:    fmt.Sprintf("deletion of reference %q is denied", command.Ref),
		}, nil
	}

	if command.Kind() == CommandUpdate && set.DenyNonFastForwards {
		isFF, err := ff.IsFastForward(ctx, db, command.Old, command.New)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: checking fast-forward for %q: %w", command.Ref, err)
		}
		if !isFF {
			return Decision{
				ReasonCode: ReasonNonFastForward,
				Message:    fmt.Sprintf("non-fast-forward update to %q is denied", command.Ref),
			}, nil
		}
	}

	return Decision{
		Allowed:    true,
		ReasonCode: ReasonAllowed,
		Message:    fmt.Sprintf("operation on %q is allowed", command.Ref),
	}, nil
}

// ResolveCurrentBranch follows HEAD's symref chain (spec §4.7
// "Current-branch resolution", bounded ≤5, cycle-detecting). Returns ""
// for a detached HEAD, and an error only if the chain itself is invalid
// (cyclic or too deep) — a missing HEAD is not an error.
func ResolveCurrentBranch(ctx context.Context, store refstore.Store) (string, error) {
	head, ok, err := store.Resolve(ctx, "HEAD")
	if err != nil {
		return "", fmt.Errorf("policy: reading HEAD: %w", err)
	}
	if !ok {
		return "", nil
	}
	if !head.Target.IsSymbolic() {
		return "", nil
	}
	resolved, err := refstore.ResolveSymrefChain(ctx, store, head.Target.Symref, 5)
	if err != nil {
		return "", fmt.Errorf("policy: invalid HEAD symref chain: %w", err)
	}
	return resolved, nil
}

// Package receivepack implements the Receive State Machine (spec §4.9):
// the server side of git push — ref advertisement, command-list and
// push-option parsing, pack ingestion into a quarantine, connectivity
// verification, per-command policy evaluation, hook execution, ref
// transaction application, and the report-status response. Grounded on
// the teacher's internal/spokes orchestration (Exec/execute's overall
// phase ordering: discover refs, read commands, quarantine, ingest,
// check connectivity, report), rewritten around this module's own
// collaborators in place of the teacher's raw index-pack/rev-list
// subprocess calls and hand-rolled pkt-line parsing.
package receivepack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/github/git-transfer-pack/internal/capability"
	"github.com/github/git-transfer-pack/internal/connectivity"
	"github.com/github/git-transfer-pack/internal/errtax"
	"github.com/github/git-transfer-pack/internal/hooks"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/packingest"
	"github.com/github/git-transfer-pack/internal/pktline"
	"github.com/github/git-transfer-pack/internal/policy"
	"github.com/github/git-transfer-pack/internal/reachability"
	"github.com/github/git-transfer-pack/internal/refstore"
	"github.com/github/git-transfer-pack/internal/session"
	"github.com/github/git-transfer-pack/internal/sideband"
	"github.com/github/git-transfer-pack/internal/uploadpack"
	"github.com/pingcap/failpoint"
)

// knownReachableWalkBudget bounds the one-time walk that establishes
// which objects were already reachable before this push, mirroring
// reachability's own conservative walk-budget convention.
const knownReachableWalkBudget = 1_000_000

// CommandSet is the parsed command block plus the capabilities and
// push-options carried alongside it (spec §4.9 step 1).
type CommandSet struct {
	Commands    []policy.Command
	Caps        capability.Set
	PushOptions []string
}

// CollectCommands reads the "<old> <new> <ref>[\x00<capabilities>]"
// command lines until a flush, then — if push-options was negotiated —
// the push-option block up to its own flush (spec §4.9 step 1). A bare
// flush with no commands at all is a legal no-op push.
func CollectCommands(pr *pktline.Reader) (CommandSet, error) {
	var cs CommandSet
	first := true

	for {
		line, err := pr.ReadLine()
		if err != nil {
			return CommandSet{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("receivepack.CollectCommands"), "reading command line", err)
		}
		if line.IsFlush() {
			break
		}

		text := strings.TrimSuffix(string(line.Payload), "\n")
		if first {
			if idx := strings.IndexByte(text, 0); idx >= 0 {
				capsPart := text[idx+1:]
				text = text[:idx]
				caps, cerr := capability.Parse([]byte(capsPart))
				if cerr != nil {
					return CommandSet{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("receivepack.CollectCommands"), "parsing capabilities", cerr)
				}
				cs.Caps = caps
			}
			first = false
		}

		fields := strings.SplitN(text, " ", 3)
		if len(fields) != 3 {
			return CommandSet{}, errtax.New(errtax.Protocol, errtax.NewContext("receivepack.CollectCommands"), fmt.Sprintf("malformed command line %q", text))
		}
		oldID, perr := objutil.ParseHex(fields[0])
		if perr != nil {
			return CommandSet{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("receivepack.CollectCommands"), "parsing old oid", perr)
		}
		newID, perr := objutil.ParseHex(fields[1])
		if perr != nil {
			return CommandSet{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("receivepack.CollectCommands"), "parsing new oid", perr)
		}
		cs.Commands = append(cs.Commands, policy.Command{Ref: fields[2], Old: oldID, New: newID})
	}

	if cs.Caps.Has(capability.PushOptions) {
		for {
			line, err := pr.ReadLine()
			if err != nil {
				return CommandSet{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("receivepack.CollectCommands"), "reading push-option line", err)
			}
			if line.IsFlush() {
				break
			}
			cs.PushOptions = append(cs.PushOptions, strings.TrimSuffix(string(line.Payload), "\n"))
		}
	}

	return cs, nil
}

// negotiate admits only the client tokens the server actually advertised
// (spec §4.3's admission rule, reused verbatim via capability.Advertisement).
func negotiate(server, client capability.Set) capability.Set {
	names := server.Names()
	toks := make([]capability.Token, 0, len(names))
	for _, n := range names {
		if t, ok := server.Get(n); ok {
			toks = append(toks, t)
		}
	}
	negotiated, _ := capability.NewAdvertisement(toks...).Negotiate(client)
	return negotiated
}

// CommandResult is one command's outcome, as rendered by the
// report-status response (spec §4.9 steps 7-8).
type CommandResult struct {
	Ref     string
	OK      bool
	Message string
}

// Report is the full outcome of one Execute call (spec §4.9 steps 7-8).
type Report struct {
	UnpackOK    bool
	UnpackError string
	Results     []CommandResult
}

// Request bundles every collaborator and per-connection input Execute
// needs. Implementations of the Ref Store, Object Database, and hook
// filesystem are supplied by the caller; this package only consumes them
// through the interfaces spec §1/§6 already name as out of scope.
type Request struct {
	Session session.Context

	Store          refstore.Store
	Writer         refstore.Writer
	HiddenPatterns []refstore.HiddenPattern
	Alternates     refstore.AlternateTipsSource

	// DB is the plain (non-quarantine) Database view, used directly for
	// delete-only pushes that never activate a quarantine.
	DB odb.Database
	// MainObjectsDir is the absolute path odb.Activate roots a quarantine
	// under, for any push that carries a pack.
	MainObjectsDir string
	// NewQuarantineDB builds a Database view rooted at an activated
	// quarantine (reads fall through its alternates to main storage).
	NewQuarantineDB func(*odb.Quarantine) odb.Database
	// NewQuarantineWriter builds the Writer the UnpackObjects ingestion
	// path materializes objects through.
	NewQuarantineWriter func(*odb.Quarantine) odb.Writer

	GitDir string

	Policy          policy.Set
	IngestionPolicy packingest.IngestionPolicy
	Fsck            packingest.FsckConfig
	Memory          packingest.MemoryConfig

	Hooks *hooks.Runner
	// HookOptions carries the resolved timeout/max-output-size (hooks.timeout,
	// hooks.maxOutputSize); Relay is left nil here and filled in locally once
	// the sideband multiplexer, if any, is known (see HookSidebandRelay).
	HookOptions hooks.Options
	// HookSidebandRelay mirrors hooks.sidebandRelay (spec §6): when true and
	// the negotiated capabilities include side-band-64k, hook stdout/stderr
	// is mirrored onto the same progress channel as pack-generation progress.
	HookSidebandRelay bool
	PusherName        string
	PusherEmail       string

	ConnectivityOpts connectivity.Options

	ServerCaps capability.Set
	CapFormat  capability.FormatMode
}

// Advertise emits the ref advertisement (spec §4.9 step 1, sharing the
// Ref Snapshot & Filter / symref-resolution machinery upload-pack's
// advertisement already implements — the wire shape is identical between
// the two dialects per spec §4.3) and returns the snapshot taken, which
// Execute needs to compute the pre-push reachable boundary.
func Advertise(ctx context.Context, pw *pktline.Writer, req Request) (refstore.Snapshot, error) {
	snap, err := refstore.TakeSnapshot(ctx, req.Store, req.HiddenPatterns, req.Alternates)
	if err != nil {
		return refstore.Snapshot{}, fmt.Errorf("receivepack: taking ref snapshot: %w", err)
	}
	refs, err := uploadpack.ResolveAdvertised(ctx, req.Store, snap)
	failpoint.Inject("receivepack-reference-discovery-error", func(val failpoint.Value) {
		if err == nil {
			if msg, ok := val.(string); ok {
				err = errors.New(msg)
			} else {
				err = errors.New("injected reference discovery failure")
			}
		}
	})
	if err != nil {
		return refstore.Snapshot{}, fmt.Errorf("receivepack: resolving advertised refs: %w", err)
	}
	if err := uploadpack.AdvertiseRefs(pw, refs, req.Session.ObjectFormat, req.ServerCaps, req.CapFormat); err != nil {
		return refstore.Snapshot{}, fmt.Errorf("receivepack: writing ref advertisement: %w", err)
	}
	return snap, nil
}

func snapshotTips(snap refstore.Snapshot) []objutil.ID {
	var tips []objutil.ID
	for _, r := range snap.Visible {
		if !r.Target.IsSymbolic() && !r.Target.OID.IsZero() {
			tips = append(tips, r.Target.OID)
		}
	}
	for _, r := range snap.Alternate {
		if !r.Target.IsSymbolic() && !r.Target.OID.IsZero() {
			tips = append(tips, r.Target.OID)
		}
	}
	return tips
}

// reachableFromTips walks forward from tips through db, collecting every
// object already reachable before this push — the boundary the
// connectivity check uses to stop early (spec §4.12 "stopping each
// traversal as soon as it reaches an object already known to be
// reachable from the pre-existing refs"), shaped after connectivity's
// own per-object traversal but building a flat membership set rather
// than validating presence.
func reachableFromTips(ctx context.Context, db odb.Database, tips []objutil.ID) (map[objutil.ID]bool, error) {
	visited := map[objutil.ID]bool{}
	queue := make([]objutil.ID, 0, len(tips))
	for _, t := range tips {
		if !t.IsZero() && !visited[t] {
			visited[t] = true
			queue = append(queue, t)
		}
	}

	walked := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if walked >= knownReachableWalkBudget {
			return visited, nil
		}
		current := queue[0]
		queue = queue[1:]
		walked++

		has, err := db.Has(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("receivepack: checking presence of %s: %w", current, err)
		}
		if !has {
			continue
		}
		obj, err := db.Read(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("receivepack: reading %s: %w", current, err)
		}

		enqueue := func(id objutil.ID) {
			if !visited[id] {
				visited[id] = true
				queue = append(queue, id)
			}
		}

		switch obj.Kind {
		case objutil.ObjCommit:
			parents, err := db.Parents(ctx, current)
			if err != nil {
				return nil, fmt.Errorf("receivepack: reading parents of %s: %w", current, err)
			}
			for _, p := range parents {
				enqueue(p)
			}
			tree, err := db.Tree(ctx, current)
			if err != nil {
				return nil, fmt.Errorf("receivepack: reading tree of %s: %w", current, err)
			}
			enqueue(tree)
		case objutil.ObjTree:
			entries, err := db.TreeEntries(ctx, current)
			if err != nil {
				return nil, fmt.Errorf("receivepack: reading tree entries of %s: %w", current, err)
			}
			for _, e := range entries {
				enqueue(e.ID)
			}
		case objutil.ObjTag:
			target, err := db.TagTarget(ctx, current)
			if err != nil {
				return nil, fmt.Errorf("receivepack: reading tag target of %s: %w", current, err)
			}
			enqueue(target)
		case objutil.ObjBlob:
			// leaf node.
		}
	}
	return visited, nil
}

// sidebandProgressWriter adapts a sideband.Multiplexer's progress
// channel to io.Writer, for relaying index-pack's stderr the way the
// teacher's startSidebandMultiplexer does.
type sidebandProgressWriter struct{ mux *sideband.Multiplexer }

func (w sidebandProgressWriter) Write(p []byte) (int, error) {
	if err := w.mux.WriteProgress(string(p), false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Execute runs the full receive-pack pipeline after Advertise has
// already run on this connection: command-list parsing, pack ingestion,
// connectivity verification, policy evaluation, hooks, ref application,
// and report-status framing (spec §4.9 steps 1-9). It writes the
// report-status response itself, on pw, once client and server have
// negotiated it — a push with no report-status capability gets none,
// per protocol.
func Execute(ctx context.Context, pr *pktline.Reader, pw *pktline.Writer, packStream io.Reader, snap refstore.Snapshot, req Request) (Report, error) {
	cs, err := CollectCommands(pr)
	failpoint.Inject("receivepack-read-commands-error", func(val failpoint.Value) {
		if err == nil {
			if msg, ok := val.(string); ok {
				err = fmt.Errorf("receivepack: %s", msg)
			}
		}
	})
	if err != nil {
		return Report{}, err
	}
	if len(cs.Commands) == 0 {
		return Report{UnpackOK: true}, nil
	}

	if limit := req.Session.Limits.RefUpdateCommandLimit; limit > 0 && int64(len(cs.Commands)) > limit {
		return Report{}, errtax.New(errtax.Validation, errtax.NewContext("receivepack.Execute"),
			fmt.Sprintf("command count %d exceeds configured limit %d", len(cs.Commands), limit))
	}
	if limit := req.Session.Limits.PushOptionsCountLimit; limit > 0 && int64(len(cs.PushOptions)) > limit {
		return Report{}, errtax.New(errtax.Validation, errtax.NewContext("receivepack.Execute"),
			fmt.Sprintf("push-option count %d exceeds configured limit %d", len(cs.PushOptions), limit))
	}

	negotiated := negotiate(req.ServerCaps, cs.Caps)
	atomic := negotiated.Has(capability.Atomic)
	quiet := negotiated.Has(capability.Quiet)
	reportStatus := negotiated.Has(capability.ReportStatus) || negotiated.Has(capability.ReportStatusV2)

	var mux *sideband.Multiplexer
	if negotiated.Has(capability.SideBand64k) {
		mux = sideband.New(pw, sideband.KeepaliveNever, 0)
	}

	hookOpts := req.HookOptions
	if req.HookSidebandRelay && mux != nil {
		hookOpts.Relay = func(chunk []byte) { _ = mux.WriteProgress(string(chunk), false) }
	}

	hasNonDelete := false
	for _, c := range cs.Commands {
		if c.Kind() != policy.CommandDelete {
			hasNonDelete = true
			break
		}
	}

	var quarantine *odb.Quarantine
	db := req.DB
	var writer odb.Writer

	report := Report{}
	finalize := func(ok bool) {
		if quarantine == nil {
			return
		}
		if ok {
			_ = quarantine.MigrateOnSuccess()
		} else {
			_ = quarantine.DropOnFailure()
		}
	}
	writeAndReturn := func(r Report) (Report, error) {
		if reportStatus {
			if werr := WriteReport(pw, mux, r); werr != nil {
				return r, werr
			}
		}
		return r, nil
	}

	if hasNonDelete {
		quarantine, err = odb.Activate(req.MainObjectsDir, "")
		failpoint.Inject("receivepack-make-quarantine-dirs-error", func() {
			if err == nil {
				err = fmt.Errorf("injected quarantine activation failure")
			}
		})
		if err != nil {
			return Report{}, fmt.Errorf("receivepack: activating quarantine: %w", err)
		}
		db = req.NewQuarantineDB(quarantine)
		writer = req.NewQuarantineWriter(quarantine)
	}

	existingTips := snapshotTips(snap)
	preExisting, err := reachableFromTips(ctx, db, existingTips)
	if err != nil {
		finalize(false)
		return Report{}, fmt.Errorf("receivepack: computing pre-existing reachable set: %w", err)
	}

	if hasNonDelete {
		var stderrRelay io.Writer
		if mux != nil && !quiet {
			stderrRelay = sidebandProgressWriter{mux: mux}
		}

		_, fsckResult, ierr := packingest.Ingest(ctx, packingest.Request{
			Pack:               packStream,
			Quarantine:         quarantine,
			DB:                 db,
			Writer:             writer,
			ThinPackNegotiated: negotiated.Has(capability.ThinPack),
			Policy:             req.IngestionPolicy,
			Memory:             req.Memory,
			MaxPackBytes:       req.Session.Limits.MaxInputSize,
			Fsck:               req.Fsck,
			GitDir:             req.GitDir,
			WarnObjectSize:     req.Session.Limits.WarnObjectSize,
			StderrRelay:        stderrRelay,
		})
		failpoint.Inject("receivepack-unpack-error", func(val failpoint.Value) {
			if ierr == nil {
				if msg, ok := val.(string); ok {
					ierr = errors.New(msg)
				} else {
					ierr = errors.New("injected unpack failure")
				}
			}
		})
		if ierr != nil {
			finalize(false)
			report.UnpackError = ierr.Error()
			for _, c := range cs.Commands {
				report.Results = append(report.Results, CommandResult{Ref: c.Ref, OK: false, Message: "unpacker error"})
			}
			return writeAndReturn(report)
		}
		if fsckResult.HasErrors() {
			finalize(false)
			report.UnpackError = fmt.Sprintf("fsck found %d issue(s)", fsckResult.IssueCount())
			for _, c := range cs.Commands {
				report.Results = append(report.Results, CommandResult{Ref: c.Ref, OK: false, Message: "fsck error"})
			}
			return writeAndReturn(report)
		}
	}
	report.UnpackOK = true

	results := make(map[string]CommandResult, len(cs.Commands))
	for _, c := range cs.Commands {
		results[c.Ref] = CommandResult{Ref: c.Ref, OK: true}
	}

	connRefs := make([]connectivity.Ref, 0, len(cs.Commands))
	for _, c := range cs.Commands {
		if c.Kind() == policy.CommandDelete {
			continue
		}
		connRefs = append(connRefs, connectivity.Ref{Name: c.Ref, NewID: c.New})
	}
	if len(connRefs) > 0 {
		connChecker := connectivity.New(db)
		connResult, cerr := connChecker.Check(ctx, connRefs, func(id objutil.ID) bool { return preExisting[id] }, req.ConnectivityOpts)
		if cerr != nil {
			finalize(false)
			return Report{}, fmt.Errorf("receivepack: connectivity check: %w", cerr)
		}
		for ref, ferr := range connResult.Failures {
			results[ref] = CommandResult{Ref: ref, OK: false, Message: ferr.Error()}
		}
	}

	currentBranch, err := policy.ResolveCurrentBranch(ctx, req.Store)
	if err != nil {
		finalize(false)
		return Report{}, fmt.Errorf("receivepack: resolving current branch: %w", err)
	}
	reach := reachability.New(db)

	var policyApproved []policy.Command
	for _, c := range cs.Commands {
		if !results[c.Ref].OK {
			continue
		}
		decision, derr := policy.Evaluate(ctx, req.Policy, c, currentBranch, db, reach)
		if derr != nil {
			finalize(false)
			return Report{}, fmt.Errorf("receivepack: evaluating policy for %q: %w", c.Ref, derr)
		}
		if !decision.Allowed {
			results[c.Ref] = CommandResult{Ref: c.Ref, OK: false, Message: decision.Message}
			continue
		}
		policyApproved = append(policyApproved, c)
	}

	env := hooks.Environment{
		GitDir:      req.GitDir,
		PushOptions: cs.PushOptions,
		PusherName:  req.PusherName,
		PusherEmail: req.PusherEmail,
	}
	if quarantine != nil && quarantine.Active() {
		env.QuarantinePath = quarantine.Root
	}

	hookLines := make([]hooks.CommandLine, 0, len(policyApproved))
	for _, c := range policyApproved {
		hookLines = append(hookLines, hooks.CommandLine{Old: c.Old, New: c.New, Name: c.Ref})
	}

	var hookApproved []hooks.CommandLine
	if req.Hooks != nil && len(hookLines) > 0 {
		allowed, rejections, herr := hooks.Sequence(ctx, req.Hooks, env, hookLines, hookOpts)
		if herr != nil {
			finalize(false)
			return Report{}, fmt.Errorf("receivepack: running hooks: %w", herr)
		}
		hookApproved = allowed
		for ref, msg := range rejections {
			results[ref] = CommandResult{Ref: ref, OK: false, Message: msg}
		}
	} else {
		hookApproved = hookLines
	}

	var applied []hooks.CommandLine
	if len(hookApproved) > 0 {
		if req.Writer == nil {
			finalize(false)
			return Report{}, errtax.New(errtax.Bug, errtax.NewContext("receivepack.Execute"), "no ref transaction writer configured")
		}
		txn, terr := req.Writer.Begin(ctx, atomic)
		if terr != nil {
			finalize(false)
			return Report{}, fmt.Errorf("receivepack: beginning ref transaction: %w", terr)
		}
		var applyErr error
		for _, c := range hookApproved {
			if uerr := txn.Update(c.Name, c.Old, c.New); uerr != nil {
				applyErr = uerr
				break
			}
		}
		if applyErr == nil {
			applyErr = txn.Commit(ctx)
		}
		if applyErr != nil {
			_ = txn.Abort(ctx)
			finalize(false)
			for _, c := range hookApproved {
				results[c.Name] = CommandResult{Ref: c.Name, OK: false, Message: fmt.Sprintf("failed to update ref: %v", applyErr)}
			}
		} else {
			applied = hookApproved
			for _, c := range hookApproved {
				results[c.Name] = CommandResult{Ref: c.Name, OK: true}
			}
		}
	}

	finalize(true)

	if req.Hooks != nil && len(applied) > 0 {
		hooks.RunPostReceive(ctx, req.Hooks, env, applied, hookOpts)
	}

	report.Results = make([]CommandResult, 0, len(cs.Commands))
	for _, c := range cs.Commands {
		report.Results = append(report.Results, results[c.Ref])
	}
	return writeAndReturn(report)
}

// WriteReport writes the report-status response (spec §4.9 step 7): an
// "unpack ok"/"unpack <error>" line, then one "ok <ref>"/"ng <ref>
// <reason>" line per command, terminated by a flush. When mux is
// non-nil each line is relayed through the sideband data channel
// (negotiated side-band-64k); otherwise lines go directly as plain
// pkt-lines.
func WriteReport(pw *pktline.Writer, mux *sideband.Multiplexer, report Report) error {
	var buf bytes.Buffer
	if report.UnpackOK {
		fmt.Fprintf(&buf, "unpack ok\n")
	} else {
		fmt.Fprintf(&buf, "unpack %s\n", report.UnpackError)
	}
	for _, r := range report.Results {
		if r.OK {
			fmt.Fprintf(&buf, "ok %s\n", r.Ref)
		} else {
			fmt.Fprintf(&buf, "ng %s %s\n", r.Ref, r.Message)
		}
	}

	for _, line := range strings.SplitAfter(buf.String(), "\n") {
		if line == "" {
			continue
		}
		var err error
		if mux != nil {
			err = mux.WriteData([]byte(line))
		} else {
			err = pw.WriteData([]byte(line))
		}
		if err != nil {
			return fmt.Errorf("receivepack: writing report line: %w", err)
		}
	}
	return pw.WriteFlush()
}

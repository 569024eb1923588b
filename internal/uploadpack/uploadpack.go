// Package uploadpack implements the Upload State Machine (spec §4.4):
// the server side of fetch/clone, in both the stateful v0/v1 dialect
// (advertise → want/have → ACK/NAK → pack) and the command-oriented v2
// dialect (capability advertisement → command dispatch over
// ls-refs/fetch/object-info). Neither dialect is attempted by the
// teacher repo, which only ever serves receive-pack; this package is
// grounded directly on the specification's wire-level description, with
// line shapes cross-checked against bored-engineer/git-protocol-v2's
// client-side parser for the same v2 grammar.
package uploadpack

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/github/git-transfer-pack/internal/capability"
	"github.com/github/git-transfer-pack/internal/errtax"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/packgen"
	"github.com/github/git-transfer-pack/internal/pktline"
	"github.com/github/git-transfer-pack/internal/reachability"
	"github.com/github/git-transfer-pack/internal/refstore"
)

// emptyRepoPlaceholder is the refname an empty repository advertises in
// place of any real ref (spec §4.4 step 1).
const emptyRepoPlaceholder = "capabilities^{}"

// maxConsecutiveUnknownHaves bounds how many "have" lines in a row the
// server will accept not having before giving up on further negotiation
// (spec §4.4 step 3).
const maxConsecutiveUnknownHaves = 256

// AdvertisedRef is one ref resolved to a concrete object id, ready for
// either the v0/v1 ref-advertisement or the v2 ls-refs response. A
// symbolic ref (HEAD) carries both its resolved OID and the name of the
// ref it points at.
type AdvertisedRef struct {
	Name         string
	OID          objutil.ID
	SymrefTarget string
	Peeled       objutil.ID
	HasPeeled    bool
	Unborn       bool
}

// ResolveAdvertised turns a refstore.Snapshot into concrete
// AdvertisedRefs, following each symbolic ref's chain through store
// (spec §4.4 step 1, v2 step 3 "symref-target"). A symref whose chain
// ends at a ref that does not exist is reported Unborn rather than
// erroring (spec v2 step3's "unborn HEAD" case).
func ResolveAdvertised(ctx context.Context, store refstore.Store, snap refstore.Snapshot) ([]AdvertisedRef, error) {
	all := make([]refstore.Record, 0, len(snap.Visible)+len(snap.Alternate))
	all = append(all, snap.Visible...)
	all = append(all, snap.Alternate...)

	out := make([]AdvertisedRef, 0, len(all))
	for _, r := range all {
		ar := AdvertisedRef{Name: r.Name, Peeled: r.Peeled, HasPeeled: r.HasPeeled}
		if !r.Target.IsSymbolic() {
			ar.OID = r.Target.OID
			out = append(out, ar)
			continue
		}
		ar.SymrefTarget = r.Target.Symref
		terminal, err := refstore.ResolveSymrefChain(ctx, store, r.Name, 5)
		if err != nil {
			return nil, fmt.Errorf("uploadpack: resolving symref %s: %w", r.Name, err)
		}
		rec, ok, err := store.Resolve(ctx, terminal)
		if err != nil {
			return nil, fmt.Errorf("uploadpack: resolving %s: %w", terminal, err)
		}
		if !ok || rec.Target.IsSymbolic() {
			ar.Unborn = true
		} else {
			ar.OID = rec.Target.OID
		}
		out = append(out, ar)
	}
	return out, nil
}

// Tips returns every resolved, non-unborn oid among refs, the set
// against which allow-tip-sha1-in-want admits a want (spec §4.4 edge
// cases).
func Tips(refs []AdvertisedRef) []objutil.ID {
	tips := make([]objutil.ID, 0, len(refs))
	for _, r := range refs {
		if !r.Unborn {
			tips = append(tips, r.OID)
		}
	}
	return tips
}

// MultiAckMode is the negotiated ACK strategy for the v0/v1 haves loop
// (spec §4.4 step 3).
type MultiAckMode int

const (
	MultiAckNone MultiAckMode = iota
	MultiAckBasic
	MultiAckDetailed
)

func (m MultiAckMode) String() string {
	switch m {
	case MultiAckBasic:
		return "multi_ack"
	case MultiAckDetailed:
		return "multi_ack_detailed"
	default:
		return "none"
	}
}

// NegotiatedMultiAckMode reads the strongest ACK strategy the client
// negotiated, preferring Detailed over Basic over None.
func NegotiatedMultiAckMode(caps capability.Set) MultiAckMode {
	switch {
	case caps.Has(capability.MultiAckDetailed):
		return MultiAckDetailed
	case caps.Has(capability.MultiAck):
		return MultiAckBasic
	default:
		return MultiAckNone
	}
}

// AdvertiseRefs emits the v0/v1 ref advertisement (spec §4.4 step 1):
// the first line carries the capability string after a NUL; an empty
// repository advertises a single zero-oid "capabilities^{}" line.
func AdvertiseRefs(pw *pktline.Writer, refs []AdvertisedRef, zeroKind objutil.Kind, caps capability.Set, mode capability.FormatMode) error {
	capsStr := capability.Format(caps, mode)

	if len(refs) == 0 {
		if err := pw.WriteDataf("%s %s\x00%s\n", objutil.Zero(zeroKind), emptyRepoPlaceholder, capsStr); err != nil {
			return err
		}
		return pw.WriteFlush()
	}

	for i, r := range refs {
		var err error
		if i == 0 {
			err = pw.WriteDataf("%s %s\x00%s\n", r.OID, r.Name, capsStr)
		} else {
			err = pw.WriteDataf("%s %s\n", r.OID, r.Name)
		}
		if err != nil {
			return err
		}
		if r.HasPeeled {
			if err := pw.WriteDataf("%s %s^{}\n", r.Peeled, r.Name); err != nil {
				return err
			}
		}
	}
	return pw.WriteFlush()
}

// Negotiation is the parsed state from the v0/v1 want-collection phase
// (spec §4.4 step 2).
type Negotiation struct {
	Wants         []objutil.ID
	Caps          capability.Set
	Shallow       []objutil.ID
	DeepenDepth   int
	DeepenSince   int64
	DeepenNotRefs []string
	DoneEarly     bool
}

// CollectWants reads want/shallow/deepen* lines until a flush or a
// "done" line (spec §4.4 step 2). Capabilities are only accepted on the
// first want line; a repeat on a later line is ignored rather than
// erroring, matching the tolerance most clients rely on.
func CollectWants(pr *pktline.Reader) (Negotiation, error) {
	var neg Negotiation
	first := true

	for {
		line, err := pr.ReadLine()
		if err != nil {
			return Negotiation{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), "reading want line", err)
		}
		if line.IsFlush() {
			return neg, nil
		}

		text := strings.TrimSuffix(string(line.Payload), "\n")
		switch {
		case strings.HasPrefix(text, "want "):
			rest := strings.TrimPrefix(text, "want ")
			if first {
				if idx := strings.IndexByte(rest, ' '); idx >= 0 {
					caps, err := capability.Parse([]byte(rest[idx+1:]))
					if err != nil {
						return Negotiation{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), "parsing capabilities", err)
					}
					neg.Caps = caps
					rest = rest[:idx]
				}
				first = false
			} else if idx := strings.IndexByte(rest, ' '); idx >= 0 {
				rest = rest[:idx]
			}
			id, err := objutil.ParseHex(rest)
			if err != nil {
				return Negotiation{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), "parsing want oid", err)
			}
			neg.Wants = append(neg.Wants, id)
		case strings.HasPrefix(text, "shallow "):
			id, err := objutil.ParseHex(strings.TrimPrefix(text, "shallow "))
			if err != nil {
				return Negotiation{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), "parsing shallow oid", err)
			}
			neg.Shallow = append(neg.Shallow, id)
		case strings.HasPrefix(text, "deepen-since "):
			t, err := strconv.ParseInt(strings.TrimPrefix(text, "deepen-since "), 10, 64)
			if err != nil {
				return Negotiation{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), "parsing deepen-since", err)
			}
			neg.DeepenSince = t
		case strings.HasPrefix(text, "deepen-not "):
			neg.DeepenNotRefs = append(neg.DeepenNotRefs, strings.TrimPrefix(text, "deepen-not "))
		case strings.HasPrefix(text, "deepen "):
			n, err := strconv.Atoi(strings.TrimPrefix(text, "deepen "))
			if err != nil {
				return Negotiation{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), "parsing deepen depth", err)
			}
			neg.DeepenDepth = n
		case text == "done":
			neg.DoneEarly = true
			return neg, nil
		default:
			return Negotiation{}, errtax.New(errtax.Protocol, errtax.NewContext("uploadpack.CollectWants"), fmt.Sprintf("unrecognized line %q", text))
		}
	}
}

// ValidateWants enforces the admission rule on every requested oid
// (spec §4.4 step 2, edge cases): present among the advertised tips, or
// — when the corresponding allow-*-sha1-in-want capability was
// negotiated — present anywhere in the object database
// (allow-any-sha1-in-want) or reachable from some advertised tip
// (allow-reachable-sha1-in-want).
func ValidateWants(ctx context.Context, db odb.Database, reach *reachability.Checker, tips []objutil.ID, negotiated capability.Set, wants []objutil.ID) error {
	tipSet := make(map[objutil.ID]bool, len(tips))
	for _, t := range tips {
		tipSet[t] = true
	}
	allowAny := negotiated.Has(capability.AllowAnySha1InWant)
	allowReachable := negotiated.Has(capability.AllowReachableSha1InWant)

	for _, w := range wants {
		if tipSet[w] {
			continue
		}
		if allowAny {
			has, err := db.Has(ctx, w)
			if err != nil {
				return fmt.Errorf("uploadpack: checking object %s: %w", w, err)
			}
			if has {
				continue
			}
		}
		if allowReachable {
			reachable := false
			for _, t := range tips {
				ok, err := reach.IsAncestor(ctx, w, t)
				if err != nil {
					return fmt.Errorf("uploadpack: checking reachability of %s: %w", w, err)
				}
				if ok {
					reachable = true
					break
				}
			}
			if reachable {
				continue
			}
		}
		return errtax.New(errtax.Validation, errtax.NewContext("uploadpack.ValidateWants").WithObjectID(w), "want refers to an object not advertised or reachable")
	}
	return nil
}

// NegotiateHaves runs the v0/v1 haves loop (spec §4.4 step 3): each
// known have is marked common and, per the negotiated ACK mode,
// acknowledged immediately; an unbroken run of unknown haves past
// maxConsecutiveUnknownHaves ends the loop early so the server can
// proceed to finalization.
func NegotiateHaves(ctx context.Context, pr *pktline.Reader, pw *pktline.Writer, db odb.Database, mode MultiAckMode) (common []objutil.ID, doneSeen bool, err error) {
	unknownStreak := 0

	for {
		line, rerr := pr.ReadLine()
		if rerr != nil {
			return nil, false, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.NegotiateHaves"), "reading have line", rerr)
		}
		if line.IsFlush() {
			return common, false, nil
		}

		text := strings.TrimSuffix(string(line.Payload), "\n")
		if text == "done" {
			return common, true, nil
		}
		rest, ok := strings.CutPrefix(text, "have ")
		if !ok {
			return nil, false, errtax.New(errtax.Protocol, errtax.NewContext("uploadpack.NegotiateHaves"), fmt.Sprintf("unrecognized line %q", text))
		}

		id, perr := objutil.ParseHex(rest)
		if perr != nil {
			return nil, false, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.NegotiateHaves"), "parsing have oid", perr)
		}

		has, herr := db.Has(ctx, id)
		if herr != nil {
			return nil, false, fmt.Errorf("uploadpack: checking have %s: %w", id, herr)
		}
		if !has {
			unknownStreak++
			if unknownStreak > maxConsecutiveUnknownHaves {
				return common, false, nil
			}
			continue
		}
		unknownStreak = 0
		common = append(common, id)

		switch mode {
		case MultiAckBasic:
			if err := pw.WriteDataf("ACK %s continue\n", id); err != nil {
				return nil, false, err
			}
		case MultiAckDetailed:
			if err := pw.WriteDataf("ACK %s common\n", id); err != nil {
				return nil, false, err
			}
		}
	}
}

// FinalizeAck sends the terminal ACK/NAK once haves negotiation is over
// (spec §4.4 step 4): NAK when no common object was found; otherwise a
// final plain ACK, preceded by "ACK <oid> ready" under the Detailed
// strategy.
func FinalizeAck(pw *pktline.Writer, common []objutil.ID, mode MultiAckMode) error {
	if len(common) == 0 {
		return pw.WriteDataf("NAK\n")
	}
	last := common[len(common)-1]
	if mode == MultiAckDetailed {
		if err := pw.WriteDataf("ACK %s ready\n", last); err != nil {
			return err
		}
	}
	return pw.WriteDataf("ACK %s\n", last)
}

// ShallowBoundaries unions the boundary sets implied by whichever
// deepen clause was actually set (spec §4.10, §4.5 step 2), resolving
// deepen-not ref names through store first.
func ShallowBoundaries(ctx context.Context, reach *reachability.Checker, store refstore.Store, wants []objutil.ID, depth int, since int64, notRefs []string) (map[objutil.ID]bool, error) {
	boundaries := map[objutil.ID]bool{}
	if len(wants) == 0 {
		return boundaries, nil
	}
	if depth > 0 {
		ids, err := reach.ShallowFromDepth(ctx, wants, depth)
		if err != nil {
			return nil, fmt.Errorf("uploadpack: computing depth boundary: %w", err)
		}
		for _, id := range ids {
			boundaries[id] = true
		}
	}
	if since > 0 {
		ids, err := reach.ShallowFromSince(ctx, wants, since)
		if err != nil {
			return nil, fmt.Errorf("uploadpack: computing since boundary: %w", err)
		}
		for _, id := range ids {
			boundaries[id] = true
		}
	}
	if len(notRefs) > 0 {
		excludeTips, err := resolveRefNames(ctx, store, notRefs)
		if err != nil {
			return nil, err
		}
		if len(excludeTips) > 0 {
			ids, err := reach.ShallowFromExcludeRefs(ctx, wants, excludeTips)
			if err != nil {
				return nil, fmt.Errorf("uploadpack: computing exclude-refs boundary: %w", err)
			}
			for _, id := range ids {
				boundaries[id] = true
			}
		}
	}
	return boundaries, nil
}

func resolveRefNames(ctx context.Context, store refstore.Store, names []string) ([]objutil.ID, error) {
	ids := make([]objutil.ID, 0, len(names))
	for _, name := range names {
		rec, ok, err := store.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("uploadpack: resolving ref %s: %w", name, err)
		}
		if !ok || rec.Target.IsSymbolic() {
			continue
		}
		ids = append(ids, rec.Target.OID)
	}
	return ids, nil
}

// NewShallowSet returns the boundaries the client doesn't already know
// about, sorted for deterministic output (spec §4.4 step 5 "shallow").
func NewShallowSet(clientShallow []objutil.ID, boundaries map[objutil.ID]bool) []objutil.ID {
	known := make(map[objutil.ID]bool, len(clientShallow))
	for _, id := range clientShallow {
		known[id] = true
	}
	out := make([]objutil.ID, 0, len(boundaries))
	for id := range boundaries {
		if !known[id] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// UnshallowSet returns the client's existing shallow boundaries that the
// new boundary computation no longer cuts at (spec §4.4 step 5
// "unshallow").
func UnshallowSet(clientShallow []objutil.ID, boundaries map[objutil.ID]bool) []objutil.ID {
	var out []objutil.ID
	for _, id := range clientShallow {
		if !boundaries[id] {
			out = append(out, id)
		}
	}
	return out
}

// ShallowResponse emits the v0/v1 shallow/unshallow block (spec §4.4
// step 5), terminated by a flush.
func ShallowResponse(pw *pktline.Writer, newShallow, unshallow []objutil.ID) error {
	for _, id := range newShallow {
		if err := pw.WriteDataf("shallow %s\n", id); err != nil {
			return err
		}
	}
	for _, id := range unshallow {
		if err := pw.WriteDataf("unshallow %s\n", id); err != nil {
			return err
		}
	}
	return pw.WriteFlush()
}

// ParseFilterSpec parses a negotiated filter-spec value (spec §4.5 step
// 3) into a packgen.Filter. sparse:... is accepted but left unfiltered:
// a sparse path evaluator is a distinct, non-trivial collaborator this
// module doesn't have a grounded implementation for (see DESIGN.md).
func ParseFilterSpec(spec string) (packgen.Filter, error) {
	filter := packgen.DefaultFilter()
	switch {
	case spec == "":
		return filter, nil
	case spec == "blob:none":
		filter.BlobNone = true
	case strings.HasPrefix(spec, "blob:limit="):
		n, err := strconv.ParseInt(strings.TrimPrefix(spec, "blob:limit="), 10, 64)
		if err != nil {
			return packgen.Filter{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFilterSpec"), "parsing blob:limit", err)
		}
		filter.BlobLimit = n
	case strings.HasPrefix(spec, "tree:"):
		d, err := strconv.Atoi(strings.TrimPrefix(spec, "tree:"))
		if err != nil {
			return packgen.Filter{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFilterSpec"), "parsing tree depth", err)
		}
		filter.TreeDepth = d
	case strings.HasPrefix(spec, "sparse:"):
		// left unfiltered, see doc comment above.
	default:
		return packgen.Filter{}, errtax.New(errtax.Protocol, errtax.NewContext("uploadpack.ParseFilterSpec"), fmt.Sprintf("unrecognized filter spec %q", spec))
	}
	return filter, nil
}

// --- protocol v2 ---

// AdvertiseV2 emits the protocol v2 capability advertisement (spec §4.4
// v2 step 1): a version line, then one line per supported command (with
// its sub-features) and the object-format, terminated by flush.
func AdvertiseV2(pw *pktline.Writer, agent, objectFormat string) error {
	if err := pw.WriteDataf("version 2\n"); err != nil {
		return err
	}
	lines := []string{
		"ls-refs=unborn",
		"fetch=shallow wait-for-done filter",
		"object-format=" + objectFormat,
	}
	if agent != "" {
		lines = append(lines, "agent="+agent)
	}
	for _, l := range lines {
		if err := pw.WriteDataf("%s\n", l); err != nil {
			return err
		}
	}
	return pw.WriteFlush()
}

// Arg is one parsed v2 command argument line: "<key>[ <value>]" (spec
// §4.4 v2 step 2). Unlike capability tokens these are space-separated,
// not "=" joined.
type Arg struct {
	Key   string
	Value string
}

func parseArg(s string) Arg {
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return Arg{Key: s[:idx], Value: s[idx+1:]}
	}
	return Arg{Key: s}
}

// Command is one parsed v2 command block (spec §4.4 v2 step 2).
type Command struct {
	Name string
	Args []Arg
}

// ReadCommand reads one "command=<name>" line followed by its argument
// lines, stopping at a flush or delimiter (spec §4.4 v2 step 2). Returns
// io.EOF if the stream ends with a bare flush instead of a command,
// which a v2 request loop treats as "no more commands this round".
func ReadCommand(pr *pktline.Reader) (Command, error) {
	line, err := pr.ReadLine()
	if err != nil {
		return Command{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ReadCommand"), "reading command line", err)
	}
	if line.IsFlush() {
		return Command{}, io.EOF
	}
	text := strings.TrimSuffix(string(line.Payload), "\n")
	name, ok := strings.CutPrefix(text, "command=")
	if !ok {
		return Command{}, errtax.New(errtax.Protocol, errtax.NewContext("uploadpack.ReadCommand"), fmt.Sprintf("expected command=, got %q", text))
	}

	cmd := Command{Name: name}
	for {
		line, err := pr.ReadLine()
		if err != nil {
			return Command{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ReadCommand"), "reading argument line", err)
		}
		if line.IsFlush() || line.IsDelim() {
			break
		}
		cmd.Args = append(cmd.Args, parseArg(strings.TrimSuffix(string(line.Payload), "\n")))
	}
	return cmd, nil
}

// LsRefs handles the v2 ls-refs command (spec §4.4 v2 step 3): symrefs,
// peel, and unborn flags, plus zero or more ref-prefix filters (applied
// as a display-time optimization only — a server MAY show non-matching
// refs, per spec).
func LsRefs(pw *pktline.Writer, refs []AdvertisedRef, args []Arg) error {
	var symrefs, peel, unborn bool
	var prefixes []string
	for _, a := range args {
		switch a.Key {
		case "symrefs":
			symrefs = true
		case "peel":
			peel = true
		case "unborn":
			unborn = true
		case "ref-prefix":
			prefixes = append(prefixes, a.Value)
		}
	}

	for _, r := range refs {
		if len(prefixes) > 0 && !hasAnyPrefix(r.Name, prefixes) {
			continue
		}
		if r.Unborn {
			if !unborn {
				continue
			}
			if err := pw.WriteDataf("unborn %s symref-target:%s\n", r.Name, r.SymrefTarget); err != nil {
				return err
			}
			continue
		}
		line := fmt.Sprintf("%s %s", r.OID, r.Name)
		if symrefs && r.SymrefTarget != "" {
			line += " symref-target:" + r.SymrefTarget
		}
		if peel && r.HasPeeled {
			line += " peeled:" + r.Peeled.String()
		}
		if err := pw.WriteDataf("%s\n", line); err != nil {
			return err
		}
	}
	return pw.WriteFlush()
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// FetchArgs is the parsed v2 fetch command request (spec §4.4 v2 step
// 4).
type FetchArgs struct {
	Wants         []objutil.ID
	Haves         []objutil.ID
	Shallow       []objutil.ID
	DeepenDepth   int
	DeepenSince   int64
	DeepenNotRefs []string
	Filter        string
	IncludeTag    bool
	ThinPack      bool
	OfsDelta      bool
	NoProgress    bool
	SidebandAll   bool
	WaitForDone   bool
	Done          bool
}

// ParseFetchArgs parses a fetch Command's argument lines (spec §4.4 v2
// step 4).
func ParseFetchArgs(args []Arg) (FetchArgs, error) {
	var fa FetchArgs
	for _, a := range args {
		switch a.Key {
		case "want":
			id, err := objutil.ParseHex(a.Value)
			if err != nil {
				return FetchArgs{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFetchArgs"), "parsing want oid", err)
			}
			fa.Wants = append(fa.Wants, id)
		case "have":
			id, err := objutil.ParseHex(a.Value)
			if err != nil {
				return FetchArgs{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFetchArgs"), "parsing have oid", err)
			}
			fa.Haves = append(fa.Haves, id)
		case "shallow":
			id, err := objutil.ParseHex(a.Value)
			if err != nil {
				return FetchArgs{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFetchArgs"), "parsing shallow oid", err)
			}
			fa.Shallow = append(fa.Shallow, id)
		case "deepen":
			n, err := strconv.Atoi(a.Value)
			if err != nil {
				return FetchArgs{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFetchArgs"), "parsing deepen depth", err)
			}
			fa.DeepenDepth = n
		case "deepen-since":
			t, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return FetchArgs{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseFetchArgs"), "parsing deepen-since", err)
			}
			fa.DeepenSince = t
		case "deepen-not":
			fa.DeepenNotRefs = append(fa.DeepenNotRefs, a.Value)
		case "filter":
			fa.Filter = a.Value
		case "include-tag":
			fa.IncludeTag = true
		case "thin-pack":
			fa.ThinPack = true
		case "ofs-delta":
			fa.OfsDelta = true
		case "no-progress":
			fa.NoProgress = true
		case "sideband-all":
			fa.SidebandAll = true
		case "wait-for-done":
			fa.WaitForDone = true
		case "done":
			fa.Done = true
		}
	}
	return fa, nil
}

// FetchAck is the negotiation outcome feeding WriteFetchResponse's
// acknowledgments section (spec §4.4 v2 step 4). A nil *FetchAck means
// negotiation hasn't happened at all this round (no haves were sent
// yet), in which case the acknowledgments section is omitted entirely.
type FetchAck struct {
	Common []objutil.ID
	Ready  bool
}

// WriteFetchResponse writes the v2 fetch response sections in order —
// acknowledgments, shallow-info, packfile — separated by delimiter
// packets (spec §4.4 v2 step 4). The caller writes the actual pack
// bytes (via a sideband.Multiplexer) immediately after this call
// returns, then terminates the overall response with a flush.
func WriteFetchResponse(pw *pktline.Writer, ack *FetchAck, newShallow, unshallow []objutil.ID) error {
	if ack != nil {
		if err := pw.WriteDataf("acknowledgments\n"); err != nil {
			return err
		}
		if len(ack.Common) == 0 {
			if err := pw.WriteDataf("NAK\n"); err != nil {
				return err
			}
		} else {
			for _, id := range ack.Common {
				if err := pw.WriteDataf("ACK %s\n", id); err != nil {
					return err
				}
			}
			if ack.Ready {
				if err := pw.WriteDataf("ready\n"); err != nil {
					return err
				}
			}
		}
		if err := pw.WriteDelim(); err != nil {
			return err
		}
	}

	if len(newShallow) > 0 || len(unshallow) > 0 {
		if err := pw.WriteDataf("shallow-info\n"); err != nil {
			return err
		}
		for _, id := range newShallow {
			if err := pw.WriteDataf("shallow %s\n", id); err != nil {
				return err
			}
		}
		for _, id := range unshallow {
			if err := pw.WriteDataf("unshallow %s\n", id); err != nil {
				return err
			}
		}
		if err := pw.WriteDelim(); err != nil {
			return err
		}
	}

	return pw.WriteDataf("packfile\n")
}

// ObjectInfoArgs is the parsed v2 object-info command request (spec
// §4.4 v2 step 5, optional).
type ObjectInfoArgs struct {
	IDs  []objutil.ID
	Size bool
	Type bool
}

// ParseObjectInfoArgs parses an object-info Command's argument lines.
func ParseObjectInfoArgs(args []Arg) (ObjectInfoArgs, error) {
	var oi ObjectInfoArgs
	for _, a := range args {
		switch a.Key {
		case "oid":
			id, err := objutil.ParseHex(a.Value)
			if err != nil {
				return ObjectInfoArgs{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("uploadpack.ParseObjectInfoArgs"), "parsing oid", err)
			}
			oi.IDs = append(oi.IDs, id)
		case "size":
			oi.Size = true
		case "type":
			oi.Type = true
		}
	}
	return oi, nil
}

// WriteObjectInfo emits "<oid> [size <n>] [type <kind>]" per requested
// id (spec §4.4 v2 step 5), terminated by flush.
func WriteObjectInfo(ctx context.Context, pw *pktline.Writer, db odb.Database, req ObjectInfoArgs) error {
	for _, id := range req.IDs {
		obj, err := db.Read(ctx, id)
		if err != nil {
			return fmt.Errorf("uploadpack: reading object %s: %w", id, err)
		}
		line := id.String()
		if req.Size {
			line += fmt.Sprintf(" size %d", obj.Size)
		}
		if req.Type {
			line += " type " + obj.Kind.String()
		}
		if err := pw.WriteDataf("%s\n", line); err != nil {
			return err
		}
	}
	return pw.WriteFlush()
}

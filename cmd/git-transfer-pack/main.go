// Command git-transfer-pack serves the server side of the Git smart
// transfer protocol — upload-pack for fetch/clone, receive-pack for
// push — over stdin/stdout, wiring the protocol state machines in
// internal/uploadpack and internal/receivepack to a real git
// repository via internal/gitshell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/github/git-transfer-pack/internal/capability"
	"github.com/github/git-transfer-pack/internal/config"
	"github.com/github/git-transfer-pack/internal/connectivity"
	"github.com/github/git-transfer-pack/internal/gitshell"
	"github.com/github/git-transfer-pack/internal/governor"
	"github.com/github/git-transfer-pack/internal/hooks"
	"github.com/github/git-transfer-pack/internal/objectformat"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/packgen"
	"github.com/github/git-transfer-pack/internal/packingest"
	"github.com/github/git-transfer-pack/internal/pktline"
	"github.com/github/git-transfer-pack/internal/policy"
	"github.com/github/git-transfer-pack/internal/progress"
	"github.com/github/git-transfer-pack/internal/reachability"
	"github.com/github/git-transfer-pack/internal/receivepack"
	"github.com/github/git-transfer-pack/internal/refstore"
	"github.com/github/git-transfer-pack/internal/session"
	"github.com/github/git-transfer-pack/internal/sideband"
	"github.com/github/git-transfer-pack/internal/uploadpack"
)

const agentString = "git/git-transfer-pack"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, filepath.Base(os.Args[0])); err != nil {
		fmt.Fprintf(os.Stderr, "git-transfer-pack: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, progName string) error {
	flags := pflag.NewFlagSet("git-transfer-pack", pflag.ContinueOnError)
	service := flags.String("service", serviceFromProgName(progName), "upload-pack or receive-pack")
	// stateless-rpc is accepted for compatibility with HTTP-backend
	// invocations; this process already handles exactly one request per
	// invocation, which is what the flag asks for.
	flags.Bool("stateless-rpc", false, "use the stateless (HTTP) variant of the protocol")
	advertiseRefs := flags.Bool("advertise-refs", false, "only emit the initial ref advertisement and exit")
	flags.BoolVar(advertiseRefs, "http-backend-info-refs", false, "alias of --advertise-refs")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("expected exactly one repository argument, got %d", flags.NArg())
	}
	repoPath := flags.Arg(0)

	if err := os.Chdir(repoPath); err != nil {
		return fmt.Errorf("entering repository: %w", err)
	}
	gitDir, err := os.Getwd()
	if err != nil {
		return err
	}

	src, err := config.LoadGitExecSource(gitDir)
	if err != nil {
		return fmt.Errorf("loading git config: %w", err)
	}

	objectFormat := objutil.SHA1
	if of, oerr := objectformat.GetObjectFormat(gitDir); oerr == nil {
		if k, perr := objutil.ParseKind(string(of)); perr == nil {
			objectFormat = k
		}
	} else if v, ok := src.Get("extensions.objectformat"); ok && v != "" {
		// git rev-parse unavailable (e.g. not on PATH in this process's
		// environment); fall back to reading the repo config directly.
		if k, perr := objutil.ParseKind(v); perr == nil {
			objectFormat = k
		}
	}

	protocol := session.ProtocolV0
	if gp := os.Getenv("GIT_PROTOCOL"); strings.Contains(gp, "version=2") {
		protocol = session.ProtocolV2
	}

	sess, err := session.New(requestID(), protocol, objectFormat, src, agentString)
	if err != nil {
		return fmt.Errorf("resolving session context: %w", err)
	}
	db := gitshell.NewDatabase(gitDir, nil)
	store := gitshell.NewRefStore(gitDir)
	hidden := refstore.ParseHiddenPatterns(src.GetAll("transfer.hiderefs"))

	snap, err := refstore.TakeSnapshot(ctx, store, hidden, nil)
	if err != nil {
		return fmt.Errorf("taking ref snapshot: %w", err)
	}

	pr := pktline.NewReader(stdin, true)
	pw := pktline.NewWriter(stdout)

	switch *service {
	case "upload-pack":
		return runUploadPack(ctx, pr, pw, stdout, db, store, snap, sess, src, *advertiseRefs)
	case "receive-pack":
		return runReceivePack(ctx, pr, pw, stdin, db, store, sess, src, gitDir, hidden, *advertiseRefs)
	default:
		return fmt.Errorf("unknown service %q", *service)
	}
}

// serviceFromProgName mirrors git's own dispatch-by-argv0 convention
// (git-upload-pack / git-receive-pack symlinks to a single binary).
func serviceFromProgName(name string) string {
	switch {
	case strings.Contains(name, "receive"):
		return "receive-pack"
	default:
		return "upload-pack"
	}
}

func requestID() string {
	if v := os.Getenv("GIT_SOCKSTAT_VAR_request_id"); v != "" {
		return v
	}
	return fmt.Sprintf("%d", os.Getpid())
}

func advertisedRefs(ctx context.Context, store refstore.Store, snap refstore.Snapshot) ([]uploadpack.AdvertisedRef, error) {
	return uploadpack.ResolveAdvertised(ctx, store, snap)
}

func fsckSkipSet(ids []objutil.ID) map[objutil.ID]bool {
	if len(ids) == 0 {
		return nil
	}
	skip := make(map[objutil.ID]bool, len(ids))
	for _, id := range ids {
		skip[id] = true
	}
	return skip
}

// configBool reads a boolean config key, falling back to def when unset.
func configBool(src config.Source, key string, def bool) bool {
	if v, ok := src.Get(key); ok {
		return config.ParseBool(v)
	}
	return def
}

// resolveKeepalive reads uploadpack.keepAlive (spec §6, seconds): a
// positive value enables a steady keepalive on that interval, 0 disables
// keepalives outright, and an unset key falls back to git's own 5-second
// default.
func resolveKeepalive(src config.Source) (sideband.KeepalivePolicy, time.Duration) {
	v, ok := src.Get("uploadpack.keepalive")
	if !ok || v == "" {
		return sideband.KeepaliveAlways, 5 * time.Second
	}
	secs, err := config.ParseSigned(v)
	if err != nil || secs <= 0 {
		return sideband.KeepaliveNever, 0
	}
	return sideband.KeepaliveAlways, time.Duration(secs) * time.Second
}

// uploadPackServerCaps builds the advertised capability set, gating the
// want-admission tokens (spec §6 uploadpack.allowAnySHA1InWant/
// allowReachableSHA1InWant/allowTipSHA1InWant/allowFilter) on configuration
// rather than granting the broadest admission unconditionally; unset keys
// default to off, matching git's own default-safe posture.
func uploadPackServerCaps(src config.Source) capability.Set {
	toks := []capability.Token{
		{Name: capability.MultiAckDetailed},
		{Name: capability.ThinPack},
		{Name: capability.SideBand},
		{Name: capability.SideBand64k},
		{Name: capability.OfsDelta},
		{Name: capability.NoProgress},
		{Name: capability.IncludeTag},
		{Name: capability.NoDone},
		{Name: capability.Agent, Value: agentString, HasEq: true},
	}
	if configBool(src, "uploadpack.allowfilter", false) {
		toks = append(toks, capability.Token{Name: capability.Filter})
	}
	if configBool(src, "uploadpack.allowreachablesha1inwant", false) {
		toks = append(toks, capability.Token{Name: capability.AllowReachableSha1InWant})
	}
	if configBool(src, "uploadpack.allowanysha1inwant", false) {
		toks = append(toks, capability.Token{Name: capability.AllowAnySha1InWant})
	}
	if configBool(src, "uploadpack.allowtipsha1inwant", false) {
		toks = append(toks, capability.Token{Name: capability.AllowTipSha1InWant})
	}
	return capability.NewSet(toks...)
}

func runUploadPack(
	ctx context.Context,
	pr *pktline.Reader,
	pw *pktline.Writer,
	stdout io.Writer,
	db odb.Database,
	store refstore.Store,
	snap refstore.Snapshot,
	sess session.Context,
	src config.Source,
	advertiseOnly bool,
) error {
	refs, err := advertisedRefs(ctx, store, snap)
	if err != nil {
		return fmt.Errorf("resolving advertised refs: %w", err)
	}

	if sess.Protocol == session.ProtocolV2 {
		if err := uploadpack.AdvertiseV2(pw, agentString, sess.ObjectFormat.String()); err != nil {
			return err
		}
		if advertiseOnly {
			return nil
		}
		return runUploadPackV2(ctx, pr, pw, stdout, db, store, refs, sess, src)
	}

	serverCaps := uploadPackServerCaps(src)
	if err := uploadpack.AdvertiseRefs(pw, refs, sess.ObjectFormat, serverCaps, capability.Idiomatic); err != nil {
		return err
	}
	if advertiseOnly {
		return nil
	}
	return runUploadPackClassic(ctx, pr, pw, stdout, db, store, refs, serverCaps, sess, src)
}

func runUploadPackClassic(
	ctx context.Context,
	pr *pktline.Reader,
	pw *pktline.Writer,
	stdout io.Writer,
	db odb.Database,
	store refstore.Store,
	refs []uploadpack.AdvertisedRef,
	serverCaps capability.Set,
	sess session.Context,
	src config.Source,
) error {
	neg, err := uploadpack.CollectWants(pr)
	if err != nil {
		return err
	}
	if len(neg.Wants) == 0 {
		return nil
	}

	admitted, _ := capAdmit(serverCaps, neg.Caps)

	reach := reachability.New(db)
	tips := uploadpack.Tips(refs)
	if err := uploadpack.ValidateWants(ctx, db, reach, tips, admitted, neg.Wants); err != nil {
		return err
	}

	boundaries, err := uploadpack.ShallowBoundaries(ctx, reach, store, neg.Wants, neg.DeepenDepth, neg.DeepenSince, neg.DeepenNotRefs)
	if err != nil {
		return err
	}
	newShallow := uploadpack.NewShallowSet(neg.Shallow, boundaries)
	unshallow := uploadpack.UnshallowSet(neg.Shallow, boundaries)
	if len(newShallow) > 0 || len(unshallow) > 0 {
		if err := uploadpack.ShallowResponse(pw, newShallow, unshallow); err != nil {
			return err
		}
	}

	mode := uploadpack.NegotiatedMultiAckMode(admitted)
	var common []objutil.ID
	if !neg.DoneEarly {
		common, _, err = uploadpack.NegotiateHaves(ctx, pr, pw, db, mode)
		if err != nil {
			return err
		}
	}
	if err := uploadpack.FinalizeAck(pw, common, mode); err != nil {
		return err
	}

	notRefs, err := resolveRefNames(ctx, store, neg.DeepenNotRefs)
	if err != nil {
		return err
	}
	hash, err := gitshell.NewHash(sess.ObjectFormat)
	if err != nil {
		return err
	}
	gen := packgen.New(db, hash)
	req := packgen.Request{
		Wants:   neg.Wants,
		Haves:   neg.Haves,
		Common:  common,
		Shallow: append(append([]objutil.ID{}, newShallow...), neg.Shallow...),
		Deepen: packgen.Deepen{
			Depth:   neg.DeepenDepth,
			Since:   neg.DeepenSince,
			NotRefs: notRefs,
		},
		Filter:             packgen.DefaultFilter(),
		OrderCommitsByTime: true,
	}

	if admitted.Has(capability.SideBand64k) || admitted.Has(capability.SideBand) {
		keepalivePolicy, keepaliveInterval := resolveKeepalive(src)
		mux := sideband.New(pw, keepalivePolicy, keepaliveInterval)
		opts, reporter := packgenOptions(mux, admitted.Has(capability.NoProgress))

		keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
		defer stopKeepalive()
		go progress.RunKeepalive(keepaliveCtx, mux, keepaliveInterval)

		stats, err := gen.Generate(ctx, req, mux.DataWriter(), opts)
		if err != nil {
			return err
		}
		if reporter != nil {
			_ = reporter.Done(int64(stats.ObjectCount))
		}
		return pw.WriteFlush()
	}

	_, err = gen.Generate(ctx, req, stdout, packgen.Options{})
	return err
}

// packgenOptions wires a progress.Reporter over mux into Generate's
// OnProgress hook, unless the client negotiated no-progress (spec §4.11).
// Returns a nil reporter when progress is suppressed.
func packgenOptions(mux *sideband.Multiplexer, noProgress bool) (packgen.Options, *progress.Reporter) {
	if noProgress {
		return packgen.Options{}, nil
	}
	reporter := progress.New(mux, "Enumerating objects", 0)
	return packgen.Options{OnProgress: func(written int) { _ = reporter.Update(int64(written)) }}, reporter
}

func resolveRefNames(ctx context.Context, store refstore.Store, names []string) ([]objutil.ID, error) {
	ids := make([]objutil.ID, 0, len(names))
	for _, name := range names {
		rec, ok, err := store.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving ref %s: %w", name, err)
		}
		if !ok || rec.Target.IsSymbolic() {
			continue
		}
		ids = append(ids, rec.Target.OID)
	}
	return ids, nil
}

func capAdmit(server, client capability.Set) (capability.Set, []string) {
	adv := capability.NewAdvertisement(advertisementTokens(server)...)
	return adv.Negotiate(client)
}

func advertisementTokens(s capability.Set) []capability.Token {
	names := s.Names()
	toks := make([]capability.Token, 0, len(names))
	for _, n := range names {
		if t, ok := s.Get(n); ok {
			toks = append(toks, t)
		}
	}
	return toks
}

func runUploadPackV2(
	ctx context.Context,
	pr *pktline.Reader,
	pw *pktline.Writer,
	stdout io.Writer,
	db odb.Database,
	store refstore.Store,
	refs []uploadpack.AdvertisedRef,
	sess session.Context,
	src config.Source,
) error {
	for {
		cmd, err := uploadpack.ReadCommand(pr)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch cmd.Name {
		case "ls-refs":
			if err := uploadpack.LsRefs(pw, refs, cmd.Args); err != nil {
				return err
			}
		case "fetch":
			if err := handleFetchCommand(ctx, pw, db, store, refs, cmd.Args, sess, src); err != nil {
				return err
			}
		case "object-info":
			args, err := uploadpack.ParseObjectInfoArgs(cmd.Args)
			if err != nil {
				return err
			}
			if err := uploadpack.WriteObjectInfo(ctx, pw, db, args); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported v2 command %q", cmd.Name)
		}
	}
}

func handleFetchCommand(
	ctx context.Context,
	pw *pktline.Writer,
	db odb.Database,
	store refstore.Store,
	refs []uploadpack.AdvertisedRef,
	args []uploadpack.Arg,
	sess session.Context,
	src config.Source,
) error {
	fa, err := uploadpack.ParseFetchArgs(args)
	if err != nil {
		return err
	}

	reach := reachability.New(db)
	tips := uploadpack.Tips(refs)
	// protocol v2's fetch command has no capability negotiation channel of
	// its own, so the same uploadpack.allow*SHA1InWant config gating used
	// for v0/v1's advertised tokens is applied directly here.
	var admitTokens []capability.Token
	if configBool(src, "uploadpack.allowanysha1inwant", false) {
		admitTokens = append(admitTokens, capability.Token{Name: capability.AllowAnySha1InWant})
	}
	if configBool(src, "uploadpack.allowreachablesha1inwant", false) {
		admitTokens = append(admitTokens, capability.Token{Name: capability.AllowReachableSha1InWant})
	}
	if configBool(src, "uploadpack.allowtipsha1inwant", false) {
		admitTokens = append(admitTokens, capability.Token{Name: capability.AllowTipSha1InWant})
	}
	admitted := capability.NewSet(admitTokens...)
	if err := uploadpack.ValidateWants(ctx, db, reach, tips, admitted, fa.Wants); err != nil {
		return err
	}

	boundaries, err := uploadpack.ShallowBoundaries(ctx, reach, store, fa.Wants, fa.DeepenDepth, fa.DeepenSince, fa.DeepenNotRefs)
	if err != nil {
		return err
	}
	newShallow := uploadpack.NewShallowSet(fa.Shallow, boundaries)
	unshallow := uploadpack.UnshallowSet(fa.Shallow, boundaries)

	var common []objutil.ID
	var ack *uploadpack.FetchAck
	if len(fa.Haves) > 0 || fa.Done {
		common = make([]objutil.ID, 0, len(fa.Haves))
		for _, id := range fa.Haves {
			has, err := db.Has(ctx, id)
			if err != nil {
				return err
			}
			if has {
				common = append(common, id)
			}
		}
		ack = &uploadpack.FetchAck{Common: common, Ready: fa.Done || len(common) > 0}
	}

	if err := uploadpack.WriteFetchResponse(pw, ack, newShallow, unshallow); err != nil {
		return err
	}
	if ack != nil && !fa.Done && !fa.WaitForDone {
		return nil
	}

	filter := packgen.DefaultFilter()
	if fa.Filter != "" {
		filter, err = uploadpack.ParseFilterSpec(fa.Filter)
		if err != nil {
			return err
		}
	}

	notRefs, err := resolveRefNames(ctx, store, fa.DeepenNotRefs)
	if err != nil {
		return err
	}
	hash, err := gitshell.NewHash(sess.ObjectFormat)
	if err != nil {
		return err
	}
	gen := packgen.New(db, hash)
	req := packgen.Request{
		Wants:              fa.Wants,
		Haves:              fa.Haves,
		Common:             common,
		Shallow:            append(append([]objutil.ID{}, newShallow...), fa.Shallow...),
		Deepen:             packgen.Deepen{Depth: fa.DeepenDepth, Since: fa.DeepenSince, NotRefs: notRefs},
		Filter:             filter,
		OrderCommitsByTime: true,
	}
	keepalivePolicy, keepaliveInterval := resolveKeepalive(src)
	mux := sideband.New(pw, keepalivePolicy, keepaliveInterval)
	opts, reporter := packgenOptions(mux, fa.NoProgress)

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go progress.RunKeepalive(keepaliveCtx, mux, keepaliveInterval)

	stats, err := gen.Generate(ctx, req, mux.DataWriter(), opts)
	if err != nil {
		return err
	}
	if reporter != nil {
		_ = reporter.Done(int64(stats.ObjectCount))
	}
	return pw.WriteFlush()
}

func receivePackServerCaps(objectFormat objutil.Kind) capability.Set {
	toks := []capability.Token{
		{Name: capability.ReportStatus},
		{Name: capability.ReportStatusV2},
		{Name: capability.DeleteRefs},
		{Name: capability.Quiet},
		{Name: capability.Atomic},
		{Name: capability.OfsDelta},
		{Name: capability.SideBand64k},
		{Name: capability.PushOptions},
		{Name: capability.Agent, Value: agentString, HasEq: true},
	}
	if objectFormat == objutil.SHA256 {
		toks = append(toks, capability.Token{Name: capability.ObjectFormat, Value: "sha256", HasEq: true})
	}
	return capability.NewSet(toks...)
}

func runReceivePack(
	ctx context.Context,
	pr *pktline.Reader,
	pw *pktline.Writer,
	stdin io.Reader,
	db odb.Database,
	store refstore.Store,
	sess session.Context,
	src config.Source,
	gitDir string,
	hidden []refstore.HiddenPattern,
	advertiseOnly bool,
) error {
	gov, err := governor.Start(ctx, gitDir)
	if err != nil {
		return fmt.Errorf("starting governor session: %w", err)
	}
	defer gov.Finish(ctx)

	mainObjectsDir := filepath.Join(gitDir, "objects")
	counted := &countingReader{r: stdin}

	unpackLimit := int64(100) // git's own default for transfer.unpackLimit
	if v, ok := src.Get("transfer.unpacklimit"); ok && v != "" {
		if n, perr := config.ParseSigned(v); perr == nil {
			unpackLimit = n
		}
	}

	req := receivepack.Request{
		Session:        sess,
		Store:          store,
		Writer:         gitshell.NewRefWriter(gitDir),
		HiddenPatterns: hidden,
		DB:             db,
		MainObjectsDir: mainObjectsDir,
		NewQuarantineDB: func(q *odb.Quarantine) odb.Database {
			return gitshell.NewDatabase(gitDir, q.AlternateObjectDirsEnv())
		},
		NewQuarantineWriter: func(q *odb.Quarantine) odb.Writer {
			return gitshell.NewWriter(gitDir, q.AlternateObjectDirsEnv())
		},
		GitDir: gitDir,
		Policy: policy.Resolve(src),
		IngestionPolicy: packingest.IngestionPolicy{
			UnpackObjectsAvailable: true,
			UnpackLimit:            unpackLimit,
		},
		Fsck:              packingest.FsckConfig{Enabled: sess.Policy.FsckObjects, SkipObjects: fsckSkipSet(sess.Policy.FsckSkipList)},
		Hooks:             hooks.New(filepath.Join(gitDir, "hooks")),
		HookOptions:       hooks.ResolveOptions(src),
		HookSidebandRelay: hooks.SidebandRelayEnabled(src),
		PusherName:        os.Getenv("GIT_PUSHER_NAME"),
		PusherEmail:       os.Getenv("GIT_PUSHER_EMAIL"),
		ConnectivityOpts: connectivity.Options{
			Parallelism: runtime.NumCPU(),
			DeferLimit:  1000,
		},
		ServerCaps: receivePackServerCaps(sess.ObjectFormat),
		CapFormat:  capability.Idiomatic,
	}

	advertiseSnap, err := receivepack.Advertise(ctx, pw, req)
	if err != nil {
		gov.SetError(1, err.Error())
		return fmt.Errorf("advertising refs: %w", err)
	}
	if advertiseOnly {
		return nil
	}

	report, err := receivepack.Execute(ctx, pr, pw, counted, advertiseSnap, req)
	gov.SetReceivePackSize(counted.n)
	if err != nil {
		gov.SetError(1, err.Error())
		return fmt.Errorf("executing receive-pack: %w", err)
	}
	if !report.UnpackOK {
		gov.SetError(1, report.UnpackError)
		return fmt.Errorf("receive-pack: unpack failed: %s", report.UnpackError)
	}
	return nil
}

// countingReader tracks bytes read from the incoming pack stream so the
// governor session can report its size on finish.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

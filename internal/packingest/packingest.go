// Package packingest implements the Pack Ingestor (spec §4.6):
// bounded-memory streaming of an incoming pack into a quarantine, path
// selection between an in-process unpack and a shelled index-pack, fsck
// validation, and the migrate/drop decision the caller makes from the
// result.
package packingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/github/git-transfer-pack/internal/errtax"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/pipe"
)

// MemoryConfig bounds the streaming reader's in-flight byte accounting
// (spec §4.6 "Streaming reader").
type MemoryConfig struct {
	// MaxBytes is the hard cap on in-flight bytes. Zero means the
	// package default of 256 MiB.
	MaxBytes int64
	// PressureThreshold is the ratio of MaxBytes at which OnPressure
	// runs. Zero means the package default of 0.8.
	PressureThreshold float64
	// FailThreshold is the ratio of MaxBytes above which, once
	// OnPressure has run, allocation fails outright. Zero means the
	// package default of 0.95.
	FailThreshold float64
	// OnPressure runs (synchronously, at most once per Accountant) the
	// first time usage crosses PressureThreshold, to let the caller
	// flush buffers or shrink pools before the harder FailThreshold
	// bites.
	OnPressure func()
}

const (
	defaultMaxBytes       = 256 << 20
	defaultPressureThresh = 0.8
	defaultFailThresh     = 0.95
)

func (c MemoryConfig) resolved() MemoryConfig {
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.PressureThreshold <= 0 {
		c.PressureThreshold = defaultPressureThresh
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = defaultFailThresh
	}
	return c
}

// Accountant tracks in-flight bytes for one ingestion, enforcing the
// bounded-memory streaming contract (spec §4.6, grounded on
// gix-receive-pack's StreamingConfig/MemoryTracker: a hard cap, a
// pressure threshold that triggers a cleanup hook, and a harder fail
// threshold above which allocation is refused outright).
type Accountant struct {
	cfg MemoryConfig

	current   int64
	peak      int64
	allocated int64 // monotonic total ever allocated, never decremented
	pressured int32 // 0/1, set once OnPressure has fired
}

// NewAccountant builds an Accountant from cfg, applying package defaults
// for any zero field.
func NewAccountant(cfg MemoryConfig) *Accountant {
	return &Accountant{cfg: cfg.resolved()}
}

// Allocate records n more in-flight bytes, running the pressure hook and
// enforcing the fail threshold and hard cap (spec §4.6 "allocations
// above the cap fail with Resource").
func (a *Accountant) Allocate(n int64) error {
	cur := atomic.AddInt64(&a.current, n)
	atomic.AddInt64(&a.allocated, n)
	for {
		peak := atomic.LoadInt64(&a.peak)
		if cur <= peak || atomic.CompareAndSwapInt64(&a.peak, peak, cur) {
			break
		}
	}

	max := a.cfg.MaxBytes
	if cur > max {
		return errtax.New(errtax.Resource, errtax.NewContext("packingest.Allocate"),
			fmt.Sprintf("in-flight bytes %d exceed hard cap %d", cur, max))
	}

	if float64(cur) >= a.cfg.PressureThreshold*float64(max) {
		if atomic.CompareAndSwapInt32(&a.pressured, 0, 1) && a.cfg.OnPressure != nil {
			a.cfg.OnPressure()
		}
		if atomic.LoadInt32(&a.pressured) == 1 && float64(cur) >= a.cfg.FailThreshold*float64(max) {
			return errtax.New(errtax.Resource, errtax.NewContext("packingest.Allocate"),
				fmt.Sprintf("in-flight bytes %d exceed fail threshold after pressure cleanup", cur))
		}
	}
	return nil
}

// Release returns n in-flight bytes.
func (a *Accountant) Release(n int64) {
	atomic.AddInt64(&a.current, -n)
}

// Stats reports the current accounting state.
type Stats struct {
	Current   int64
	Peak      int64
	Allocated int64
}

// Stats returns a snapshot of current, peak, and cumulative usage.
func (a *Accountant) Stats() Stats {
	return Stats{
		Current:   atomic.LoadInt64(&a.current),
		Peak:      atomic.LoadInt64(&a.peak),
		Allocated: atomic.LoadInt64(&a.allocated),
	}
}

// accountedReader wraps r, allocating and immediately releasing each
// chunk read through the Accountant (bounding transient usage rather
// than the whole stream), checking ctx at every chunk boundary (spec
// §4.6 "Cancellation flag: checked at every chunk boundary"), and
// aborting as soon as the cumulative total would exceed maxTotal (the
// configured max_pack_bytes guard, checked inline rather than only after
// the whole pack has already been read).
type accountedReader struct {
	ctx        context.Context
	r          io.Reader
	acct       *Accountant
	maxTotal   int64 // 0 means unbounded
	onProgress func(total int64)
	total      int64
}

func (a *accountedReader) Read(p []byte) (int, error) {
	if err := a.ctx.Err(); err != nil {
		return 0, errtax.Wrap(errtax.Cancelled, errtax.NewContext("packingest.read"), "ingestion cancelled", err)
	}
	n, err := a.r.Read(p)
	if n > 0 {
		if aerr := a.acct.Allocate(int64(n)); aerr != nil {
			return n, aerr
		}
		a.acct.Release(int64(n))
		a.total += int64(n)
		if a.maxTotal > 0 && a.total > a.maxTotal {
			return n, errtax.New(errtax.Resource, errtax.NewContext("packingest.read").WithPackSize(a.total),
				fmt.Sprintf("pack size %d exceeds configured maximum %d", a.total, a.maxTotal))
		}
		if a.onProgress != nil {
			a.onProgress(a.total)
		}
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

// IngestionPath names which of the two ingestion strategies was used
// (spec §4.6 "Policy/path selection").
type IngestionPath int

const (
	// PathUnpackObjects writes each object as a loose object in-process.
	PathUnpackObjects IngestionPath = iota
	// PathIndexPack shells out to `git index-pack` to write a pack and
	// its index.
	PathIndexPack
)

func (p IngestionPath) String() string {
	if p == PathUnpackObjects {
		return "unpack-objects"
	}
	return "index-pack"
}

// IngestionPolicy decides which ingestion path a pack should take (spec
// §4.6 "IngestionPolicy.choose_path").
type IngestionPolicy struct {
	// UnpackLimit is transfer.unpackLimit: object-count hints at or
	// below this may use the in-process UnpackObjects path.
	UnpackLimit int64
	// UnpackObjectsAvailable lets the caller disable the in-process path
	// entirely (e.g. a repository configuration that always wants
	// index-pack).
	UnpackObjectsAvailable bool
}

// ChoosePath picks a path for a pack whose object count is estimated by
// objectCountHint (0 meaning "unknown"). A thin pack (the client
// negotiated ofs-delta/thin-pack) always takes IndexPack, since the
// in-process UnpackObjects path never resolves deltas (spec §4.5 notes
// delta encoding is only emitted when negotiated; the ingest side must
// route those packs to the tool that can resolve them).
func (p IngestionPolicy) ChoosePath(objectCountHint int64, thinPackNegotiated bool) IngestionPath {
	if thinPackNegotiated {
		return PathIndexPack
	}
	if p.UnpackObjectsAvailable && objectCountHint > 0 && objectCountHint <= p.UnpackLimit {
		return PathUnpackObjects
	}
	return PathIndexPack
}

// FsckLevel selects how pedantic fsck validation is (spec §4.6 "Levels:
// Basic, Normal, Strict").
type FsckLevel int

const (
	// FsckBasic checks connectivity only.
	FsckBasic FsckLevel = iota
	// FsckNormal adds parsing and basic structural checks.
	FsckNormal
	// FsckStrict adds pedantic checks.
	FsckStrict
)

// FsckConfig configures one fsck run (spec §4.6 step 3, grounded on
// gix-receive-pack's FsckConfig).
type FsckConfig struct {
	Enabled     bool
	Level       FsckLevel
	SkipObjects map[objutil.ID]bool
	SkipKinds   map[objutil.ObjectKind]bool
}

// MissingObject names an object referenced by the new content but absent
// from both quarantine and main storage.
type MissingObject struct {
	ID   objutil.ID
	Kind objutil.ObjectKind
}

// FsckMessage is one non-fatal or fatal finding against a specific
// object.
type FsckMessage struct {
	ObjectID objutil.ID
	Message  string
}

// FsckResult is the outcome of one fsck run (spec §4.6 step 3, §3
// FsckResult).
type FsckResult struct {
	ValidatedObjects int
	Warnings         []FsckMessage
	Errors           []FsckMessage
	MissingObjects   []MissingObject
}

// HasErrors reports whether the run found anything that must fail
// ingestion.
func (r FsckResult) HasErrors() bool {
	return len(r.Errors) > 0 || len(r.MissingObjects) > 0
}

// HasWarnings reports whether the run found anything worth surfacing but
// not failing on.
func (r FsckResult) HasWarnings() bool {
	return len(r.Warnings) > 0
}

// IssueCount is the total number of findings of any severity.
func (r FsckResult) IssueCount() int {
	return len(r.Warnings) + len(r.Errors) + len(r.MissingObjects)
}

// Fsck validates the object ids in newObjects (everything the ingest
// just wrote) against db, which must already see through the quarantine
// alternate (spec §4.6 step 3). At every level each object's structural
// references (parents, tree, tag target) are resolved; a failure there is
// a missing object, recorded as a warning at FsckBasic and in
// MissingObjects (an error) at FsckNormal and FsckStrict. FsckStrict
// further flags zero-byte blobs as a pedantic warning.
func Fsck(ctx context.Context, db odb.Database, newObjects []odb.Object, cfg FsckConfig) (FsckResult, error) {
	var result FsckResult
	if !cfg.Enabled {
		return result, nil
	}

	for _, obj := range newObjects {
		if err := ctx.Err(); err != nil {
			return FsckResult{}, err
		}
		if cfg.SkipObjects[obj.ID] || cfg.SkipKinds[obj.Kind] {
			continue
		}

		missing, parseErr := fsckOne(ctx, db, obj, cfg.Level)
		if missing != nil {
			sev := cfg.Level != FsckBasic
			if sev {
				result.MissingObjects = append(result.MissingObjects, *missing)
			} else {
				result.Warnings = append(result.Warnings, FsckMessage{
					ObjectID: obj.ID,
					Message:  fmt.Sprintf("missing referenced object %s", missing.ID),
				})
			}
			continue
		}
		if parseErr != nil {
			result.Errors = append(result.Errors, FsckMessage{ObjectID: obj.ID, Message: parseErr.Error()})
			continue
		}

		if cfg.Level == FsckStrict && obj.Kind == objutil.ObjBlob && obj.Size == 0 {
			result.Warnings = append(result.Warnings, FsckMessage{
				ObjectID: obj.ID,
				Message:  "zero-byte blob",
			})
		}

		result.ValidatedObjects++
	}

	return result, nil
}

// fsckOne resolves obj's direct structural references through db
// (parents/tree, tree entries, tag target), reporting the first missing
// reference it finds. It checks the same things at every level; Fsck
// decides how severe a missing reference is.
func fsckOne(ctx context.Context, db odb.Database, obj odb.Object, level FsckLevel) (*MissingObject, error) {
	switch obj.Kind {
	case objutil.ObjCommit:
		if _, err := db.Parents(ctx, obj.ID); err != nil {
			return &MissingObject{ID: obj.ID, Kind: objutil.ObjCommit}, nil
		}
		if _, err := db.Tree(ctx, obj.ID); err != nil {
			return &MissingObject{ID: obj.ID, Kind: objutil.ObjCommit}, nil
		}
	case objutil.ObjTree:
		if _, err := db.TreeEntries(ctx, obj.ID); err != nil {
			return &MissingObject{ID: obj.ID, Kind: objutil.ObjTree}, nil
		}
	case objutil.ObjTag:
		target, err := db.TagTarget(ctx, obj.ID)
		if err != nil {
			return &MissingObject{ID: obj.ID, Kind: objutil.ObjTag}, nil
		}
		if has, herr := db.Has(ctx, target); herr == nil && !has {
			return &MissingObject{ID: target, Kind: objutil.ObjCommit}, nil
		}
	case objutil.ObjBlob:
		// leaf; nothing further to resolve.
	}
	return nil, nil
}

// Request bundles everything one Ingest call needs (spec §4.6
// orchestration "streaming read -> quarantine write -> fsck").
type Request struct {
	// Pack is the raw incoming pack stream.
	Pack io.Reader
	// Quarantine is the already-activated destination (spec §3
	// Quarantine, already built by the caller via odb.Activate).
	Quarantine *odb.Quarantine
	// DB is the Database view that sees through the quarantine's
	// alternates link to main storage, used by Fsck to resolve
	// structural references (UnpackObjects path only).
	DB odb.Database
	// Writer materializes objects/packs into Quarantine (the
	// UnpackObjects path calls WriteObject; the IndexPack path writes
	// its own pack/index files directly via the subprocess, so Writer
	// is unused on that path).
	Writer odb.Writer

	// ObjectCountHint estimates the pack's object count, if the client
	// advertised one; 0 means unknown.
	ObjectCountHint int64
	// ThinPackNegotiated is true if the client negotiated ofs-delta or
	// thin-pack, forcing the IndexPack path.
	ThinPackNegotiated bool
	Policy             IngestionPolicy

	Memory       MemoryConfig
	MaxPackBytes int64
	TimeBudget   time.Duration

	Fsck FsckConfig

	// GitDir is the repository directory the index-pack subprocess runs
	// in (IndexPack path only).
	GitDir string
	// GitBinary overrides the git executable name ("git" if empty).
	GitBinary string
	// StrictFsck, when set, passes --strict to index-pack (IndexPack
	// path only; independent of Fsck.Level, which governs the in-process
	// validator).
	StrictFsck bool
	// WarnObjectSize, if positive, is passed to index-pack as
	// --warn-object-size (IndexPack path only).
	WarnObjectSize int64
	// StderrRelay receives index-pack's stderr (progress/warnings),
	// typically wired to a sideband progress channel; may be nil.
	StderrRelay io.Writer

	OnProgress func(bytesRead int64)
}

// Result is what one Ingest call produces (spec §4.6).
type Result struct {
	Path      IngestionPath
	ObjectIDs []objutil.ID
	PackName  string
	Objects   []odb.Object // populated only on the UnpackObjects path, for Fsck
	BytesRead int64
	Duration  time.Duration
}

// Ingest runs the streaming read, path-selected write into req.Quarantine,
// guard checks, and (if req.Fsck.Enabled) validation, returning a Result
// the caller uses to decide migrate vs. drop. It does not itself call
// MigrateOnSuccess or DropOnFailure: those stay the caller's decision,
// made after policy/hooks have also run (spec §4.6 orchestration).
func Ingest(ctx context.Context, req Request) (Result, FsckResult, error) {
	start := time.Now()
	acct := NewAccountant(req.Memory)

	ingestCtx := ctx
	if req.TimeBudget > 0 {
		var cancel context.CancelFunc
		ingestCtx, cancel = context.WithTimeout(ctx, req.TimeBudget)
		defer cancel()
	}

	path := req.Policy.ChoosePath(req.ObjectCountHint, req.ThinPackNegotiated)

	result, err := ingestVia(ingestCtx, path, req, acct)
	if err != nil && acct.Stats().Allocated == 0 && isRecoverable(err) {
		alt := alternatePath(path)
		if altResult, altErr := ingestVia(ingestCtx, alt, req, acct); altErr == nil {
			path, result, err = alt, altResult, nil
		}
	}
	if err != nil {
		if req.TimeBudget > 0 && ingestCtx.Err() == context.DeadlineExceeded {
			return Result{}, FsckResult{}, errtax.New(errtax.Resource,
				errtax.NewContext("packingest.Ingest").WithElapsed(time.Since(start)),
				"ingestion exceeded time budget")
		}
		return Result{}, FsckResult{}, err
	}
	result.Path = path
	result.Duration = time.Since(start)

	var fsckResult FsckResult
	if req.Fsck.Enabled && path == PathUnpackObjects {
		fsckResult, err = Fsck(ingestCtx, req.DB, result.Objects, req.Fsck)
		if err != nil {
			return result, FsckResult{}, err
		}
	}

	return result, fsckResult, nil
}

func isRecoverable(err error) bool {
	var terr *errtax.Error
	if e, ok := err.(*errtax.Error); ok {
		terr = e
	} else if m, ok := err.(*errtax.Multiple); ok {
		return m.IsRecoverable()
	}
	if terr == nil {
		return false
	}
	return terr.IsRecoverable()
}

func alternatePath(p IngestionPath) IngestionPath {
	if p == PathUnpackObjects {
		return PathIndexPack
	}
	return PathUnpackObjects
}

func ingestVia(ctx context.Context, path IngestionPath, req Request, acct *Accountant) (Result, error) {
	switch path {
	case PathUnpackObjects:
		return ingestViaUnpackObjects(ctx, req, acct)
	default:
		return ingestViaIndexPack(ctx, req, acct)
	}
}

// ---- UnpackObjects path: pure-Go base-object-only pack parser ----

// ingestViaUnpackObjects reads a pack produced without deltas (spec
// §4.5 never emits them unless ofs-delta/thin-pack was negotiated, and
// IngestionPolicy.ChoosePath already routes those to IndexPack), writing
// each decoded object through req.Writer. Encountering a delta type byte
// here means a thin pack reached this path unexpectedly; it fails with a
// Protocol error rather than silently misdecoding.
func ingestViaUnpackObjects(ctx context.Context, req Request, acct *Accountant) (Result, error) {
	ar := &accountedReader{ctx: ctx, r: req.Pack, acct: acct, maxTotal: req.MaxPackBytes, onProgress: req.OnProgress}
	br := &countingReader{r: ar}

	var header [12]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return Result{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "reading pack header", err)
	}
	if string(header[0:4]) != "PACK" {
		return Result{}, errtax.New(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "missing PACK magic")
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != 2 && version != 3 {
		return Result{}, errtax.New(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), fmt.Sprintf("unsupported pack version %d", version))
	}
	count := binary.BigEndian.Uint32(header[8:12])

	ids := make([]objutil.ID, 0, count)
	objs := make([]odb.Object, 0, count)

	for i := uint32(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, errtax.Wrap(errtax.Cancelled, errtax.NewContext("packingest.unpack-objects"), "ingestion cancelled", err)
		}

		kind, size, err := readObjectHeader(br)
		if err != nil {
			return Result{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "reading object header", err)
		}
		if kind < 0 {
			return Result{}, errtax.New(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"),
				"pack contains delta objects but no thin-pack resolver is wired on this path")
		}

		zr, err := zlib.NewReader(br)
		if err != nil {
			return Result{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "opening object zlib stream", err)
		}
		content := make([]byte, 0, size)
		buf := bytes.NewBuffer(content)
		if _, err := io.Copy(buf, zr); err != nil {
			return Result{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "inflating object", err)
		}
		if err := zr.Close(); err != nil {
			return Result{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "closing object zlib stream", err)
		}

		id, err := req.Writer.WriteObject(ctx, kind, buf.Bytes())
		if err != nil {
			return Result{}, errtax.Wrap(errtax.Io, errtax.NewContext("packingest.unpack-objects"), "writing object", err)
		}

		ids = append(ids, id)
		objs = append(objs, odb.Object{ID: id, Kind: kind, Size: int64(buf.Len()), Content: buf.Bytes()})
	}

	// Trailing hash digest; read and discard (verification would need
	// an objutil.Hash collaborator over every byte seen, which the
	// caller's IndexPack path already gets, for free, from git itself).
	trailerSize := objutil.SHA1.Size()
	if _, err := io.CopyN(io.Discard, br, int64(trailerSize)); err != nil && err != io.EOF {
		return Result{}, errtax.Wrap(errtax.Protocol, errtax.NewContext("packingest.unpack-objects"), "reading pack trailer", err)
	}

	return Result{ObjectIDs: ids, Objects: objs, BytesRead: br.n}, nil
}

// countingReader tracks total bytes read through it, for BytesRead
// accounting independent of the Accountant's transient usage. It
// implements io.ByteReader so that chaining zlib.NewReader directly over
// it (one object body after another, sharing the one underlying stream)
// never over-reads past a given object's compressed stream: without
// ByteReader, flate's decompressor is free to pull ahead into its own
// internal buffer and silently consume bytes that belong to the next
// object's header.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(c, b[:])
	return b[0], err
}

// readObjectHeader decodes one pack object header: type in bits 4-6 of
// the first byte, size accumulated 4 bits from the first byte then 7
// bits per continuation byte (spec §4.5 step 5, mirrored in reverse from
// packgen.encodeObjectHeader). kind is -1 for the two delta type codes
// (6 ofs-delta, 7 ref-delta), which this parser does not resolve.
func readObjectHeader(r io.Reader) (objutil.ObjectKind, int64, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	typeCode := int(b[0] >> 4 & 0x07)
	size := int64(b[0] & 0x0f)
	shift := uint(4)
	for b[0]&0x80 != 0 {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		size |= int64(b[0]&0x7f) << shift
		shift += 7
	}

	switch typeCode {
	case 1:
		return objutil.ObjCommit, size, nil
	case 2:
		return objutil.ObjTree, size, nil
	case 3:
		return objutil.ObjBlob, size, nil
	case 4:
		return objutil.ObjTag, size, nil
	case 6, 7:
		return -1, size, nil
	default:
		return 0, 0, fmt.Errorf("packingest: unknown pack object type code %d", typeCode)
	}
}

// ---- IndexPack path: shells `git index-pack --stdin` through internal/pipe ----

// ingestViaIndexPack streams req.Pack into `git index-pack --stdin`
// (grounded on the teacher's readPack: --fix-thin so thin packs resolve
// against the quarantine's alternates, --max-input-size/--warn-object-size
// mirroring the configured guards, stderr relayed for progress/warnings),
// running it through internal/pipe so the quarantine's alternate
// environment applies the same way it does to any other git subprocess
// in this codebase. No memory limit is applied to the subprocess.
func ingestViaIndexPack(ctx context.Context, req Request, acct *Accountant) (Result, error) {
	args := []string{"--stdin", "--fix-thin"}
	if req.StrictFsck {
		args = append(args, "--strict")
	}
	if req.MaxPackBytes > 0 {
		args = append(args, fmt.Sprintf("--max-input-size=%d", req.MaxPackBytes))
	}
	if req.WarnObjectSize > 0 {
		args = append(args, fmt.Sprintf("--warn-object-size=%d", req.WarnObjectSize))
	}

	stage, cmd := pipe.GitCommand2("index-pack", args...)
	if req.StderrRelay != nil {
		cmd.Stderr = req.StderrRelay
	}

	reader := &accountedReader{ctx: ctx, r: req.Pack, acct: acct, maxTotal: req.MaxPackBytes, onProgress: req.OnProgress}
	counter := &countingReader{r: reader}

	var stdout bytes.Buffer
	opts := []pipe.Option{
		pipe.WithStdin(counter),
		pipe.WithStdout(&stdout),
	}
	if req.Quarantine != nil {
		opts = append(opts, pipe.WithEnvVars(envVars(req.Quarantine.AlternateObjectDirsEnv())))
	}

	p := pipe.New(req.GitDir, opts...)
	p.Add(stage)
	if err := p.Run(ctx); err != nil {
		return Result{}, errtax.Wrap(errtax.Io, errtax.NewContext("packingest.index-pack"), "index-pack failed", err)
	}

	name := parseIndexPackOutput(stdout.Bytes())
	return Result{PackName: name, BytesRead: counter.n}, nil
}

func envVars(raw []string) []pipe.EnvVar {
	out := make([]pipe.EnvVar, 0, len(raw))
	for _, kv := range raw {
		if idx := bytes.IndexByte([]byte(kv), '='); idx >= 0 {
			out = append(out, pipe.EnvVar{Key: kv[:idx], Value: kv[idx+1:]})
		}
	}
	return out
}

// parseIndexPackOutput extracts the pack id from index-pack's stdout,
// which (with --report-end-of-input omitted) is a single line of the
// form "<sha>\n" or, with keep-unreachable options, "pack\t<sha>\n"
// (grounded on the teacher's readPack stdout parsing).
func parseIndexPackOutput(out []byte) string {
	line := bytes.TrimSpace(out)
	if i := bytes.IndexByte(line, '\t'); i >= 0 {
		line = line[i+1:]
	}
	return string(bytes.TrimSpace(line))
}

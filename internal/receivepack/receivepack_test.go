package receivepack

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/github/git-transfer-pack/internal/capability"
	"github.com/github/git-transfer-pack/internal/connectivity"
	"github.com/github/git-transfer-pack/internal/hooks"
	"github.com/github/git-transfer-pack/internal/objutil"
	"github.com/github/git-transfer-pack/internal/odb"
	"github.com/github/git-transfer-pack/internal/packingest"
	"github.com/github/git-transfer-pack/internal/pktline"
	"github.com/github/git-transfer-pack/internal/policy"
	"github.com/github/git-transfer-pack/internal/refstore"
	"github.com/github/git-transfer-pack/internal/session"
)

func oid(b byte) objutil.ID {
	raw := make([]byte, 20)
	raw[19] = b
	id, err := objutil.New(objutil.SHA1, raw)
	if err != nil {
		panic(err)
	}
	return id
}

func zeroOID() objutil.ID { return objutil.Zero(objutil.SHA1) }

type fakeDB struct {
	objects map[objutil.ID]odb.Object
	parents map[objutil.ID][]objutil.ID
}

func newFakeDB() *fakeDB {
	return &fakeDB{objects: map[objutil.ID]odb.Object{}, parents: map[objutil.ID][]objutil.ID{}}
}

func (f *fakeDB) addCommit(id objutil.ID, parents ...objutil.ID) {
	f.objects[id] = odb.Object{ID: id, Kind: objutil.ObjCommit}
	f.parents[id] = parents
}

func (f *fakeDB) Has(ctx context.Context, id objutil.ID) (bool, error) {
	_, ok := f.objects[id]
	return ok, nil
}
func (f *fakeDB) Read(ctx context.Context, id objutil.ID) (odb.Object, error) {
	obj, ok := f.objects[id]
	if !ok {
		return odb.Object{}, errors.New("receivepack_test: object not found")
	}
	return obj, nil
}
func (f *fakeDB) Parents(ctx context.Context, commit objutil.ID) ([]objutil.ID, error) {
	return f.parents[commit], nil
}
func (f *fakeDB) CommitterTime(ctx context.Context, commit objutil.ID) (int64, error) { return 0, nil }
func (f *fakeDB) Tree(ctx context.Context, commitOrTree objutil.ID) (objutil.ID, error) {
	return zeroOID(), nil
}
func (f *fakeDB) TreeEntries(ctx context.Context, tree objutil.ID) ([]odb.TreeEntry, error) {
	return nil, nil
}
func (f *fakeDB) TagTarget(ctx context.Context, tag objutil.ID) (objutil.ID, error) {
	return objutil.ID{}, errors.New("receivepack_test: not a tag")
}

var _ odb.Database = (*fakeDB)(nil)

type fakeStore struct {
	records map[string]refstore.Record
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]refstore.Record{}} }

func (s *fakeStore) ListRefs(ctx context.Context) ([]refstore.Record, error) {
	out := make([]refstore.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Resolve(ctx context.Context, name string) (refstore.Record, bool, error) {
	r, ok := s.records[name]
	return r, ok, nil
}

var _ refstore.Store = (*fakeStore)(nil)

type fakeTxn struct {
	store   *fakeStore
	updates []policy.Command
}

func (t *fakeTxn) Update(name string, old, new objutil.ID) error {
	t.updates = append(t.updates, policy.Command{Ref: name, Old: old, New: new})
	return nil
}
func (t *fakeTxn) Commit(ctx context.Context) error {
	for _, u := range t.updates {
		if u.New.IsZero() {
			delete(t.store.records, u.Ref)
			continue
		}
		t.store.records[u.Ref] = refstore.Record{Name: u.Ref, Target: refstore.Target{OID: u.New}}
	}
	return nil
}
func (t *fakeTxn) Abort(ctx context.Context) error { t.updates = nil; return nil }

type fakeWriter struct{ store *fakeStore }

func (w *fakeWriter) Begin(ctx context.Context, atomic bool) (refstore.Transaction, error) {
	return &fakeTxn{store: w.store}, nil
}

var _ refstore.Writer = (*fakeWriter)(nil)

func baseRequest(store *fakeStore, db *fakeDB, writer *fakeWriter, hooksDir string) Request {
	return Request{
		Session: session.Context{ObjectFormat: objutil.SHA1},
		Store:   store,
		Writer:  writer,
		DB:      db,
		GitDir:  hooksDir,
		Policy:  policy.Default(),
		IngestionPolicy: packingest.IngestionPolicy{
			UnpackLimit:            0,
			UnpackObjectsAvailable: true,
		},
		Hooks:            hooks.New(hooksDir),
		HookOptions:      hooks.Options{},
		ConnectivityOpts: connectivity.Options{Parallelism: 2, DeferLimit: 1000},
		ServerCaps: capability.NewSet(
			capability.Token{Name: capability.ReportStatus},
			capability.Token{Name: capability.DeleteRefs},
			capability.Token{Name: capability.OfsDelta},
		),
		CapFormat: capability.Idiomatic,
	}
}

func TestCollectCommandsParsesCapabilitiesAndPushOptions(t *testing.T) {
	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	old := oid(1)
	new := oid(2)
	require.NoError(t, pw.WriteDataf("%s %s refs/heads/main\x00report-status push-options\n", old, new))
	require.NoError(t, pw.WriteFlush())
	require.NoError(t, pw.WriteData([]byte("opt1\n")))
	require.NoError(t, pw.WriteData([]byte("opt2\n")))
	require.NoError(t, pw.WriteFlush())

	pr := pktline.NewReader(&buf, false)
	cs, err := CollectCommands(pr)
	require.NoError(t, err)
	require.Len(t, cs.Commands, 1)
	require.Equal(t, "refs/heads/main", cs.Commands[0].Ref)
	require.True(t, cs.Caps.Has(capability.ReportStatus))
	require.Equal(t, []string{"opt1", "opt2"}, cs.PushOptions)
}

func TestCollectCommandsNoCommandsIsLegal(t *testing.T) {
	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	require.NoError(t, pw.WriteFlush())

	pr := pktline.NewReader(&buf, false)
	cs, err := CollectCommands(pr)
	require.NoError(t, err)
	require.Empty(t, cs.Commands)
}

func TestCollectCommandsRejectsMalformedLine(t *testing.T) {
	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	require.NoError(t, pw.WriteData([]byte("not a command\n")))
	require.NoError(t, pw.WriteFlush())

	pr := pktline.NewReader(&buf, false)
	_, err := CollectCommands(pr)
	require.Error(t, err)
}

func TestExecuteDeleteOnlyPushSkipsQuarantineAndApplies(t *testing.T) {
	store := newFakeStore()
	store.records["refs/heads/doomed"] = refstore.Record{Name: "refs/heads/doomed", Target: refstore.Target{OID: oid(1)}}
	db := newFakeDB()
	db.addCommit(oid(1))
	writer := &fakeWriter{store: store}

	req := baseRequest(store, db, writer, t.TempDir())

	snap := refstore.Snapshot{Visible: []refstore.Record{store.records["refs/heads/doomed"]}}

	var in bytes.Buffer
	pw := pktline.NewWriter(&in)
	require.NoError(t, pw.WriteDataf("%s %s refs/heads/doomed\x00report-status\n", oid(1), zeroOID()))
	require.NoError(t, pw.WriteFlush())

	pr := pktline.NewReader(&in, false)
	var out bytes.Buffer
	report, err := Execute(context.Background(), pr, pktline.NewWriter(&out), nil, snap, req)
	require.NoError(t, err)
	require.True(t, report.UnpackOK)
	require.Len(t, report.Results, 1)
	require.True(t, report.Results[0].OK)
	_, stillThere := store.records["refs/heads/doomed"]
	require.False(t, stillThere)

	outPr := pktline.NewReader(&out, false)
	line, err := outPr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "unpack ok\n", string(line.Payload))
	line, err = outPr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ok refs/heads/doomed\n", string(line.Payload))
}

func TestExecuteEnforcesCommandCountLimit(t *testing.T) {
	store := newFakeStore()
	store.records["refs/heads/a"] = refstore.Record{Name: "refs/heads/a", Target: refstore.Target{OID: oid(1)}}
	store.records["refs/heads/b"] = refstore.Record{Name: "refs/heads/b", Target: refstore.Target{OID: oid(2)}}
	db := newFakeDB()
	db.addCommit(oid(1))
	db.addCommit(oid(2))
	writer := &fakeWriter{store: store}

	req := baseRequest(store, db, writer, t.TempDir())
	req.Session.Limits.RefUpdateCommandLimit = 1

	snap := refstore.Snapshot{Visible: []refstore.Record{store.records["refs/heads/a"], store.records["refs/heads/b"]}}

	var in bytes.Buffer
	pw := pktline.NewWriter(&in)
	require.NoError(t, pw.WriteDataf("%s %s refs/heads/a\x00report-status\n", oid(1), zeroOID()))
	require.NoError(t, pw.WriteData([]byte(zeroOID().String() + " " + oid(2).String() + " refs/heads/b\n")))
	require.NoError(t, pw.WriteFlush())

	pr := pktline.NewReader(&in, false)
	_, err := Execute(context.Background(), pr, pktline.NewWriter(&bytes.Buffer{}), nil, snap, req)
	require.Error(t, err)
}

func TestExecuteEnforcesPushOptionsLimit(t *testing.T) {
	store := newFakeStore()
	store.records["refs/heads/a"] = refstore.Record{Name: "refs/heads/a", Target: refstore.Target{OID: oid(1)}}
	db := newFakeDB()
	db.addCommit(oid(1))
	writer := &fakeWriter{store: store}

	req := baseRequest(store, db, writer, t.TempDir())
	req.Session.Limits.PushOptionsCountLimit = 1

	snap := refstore.Snapshot{Visible: []refstore.Record{store.records["refs/heads/a"]}}

	var in bytes.Buffer
	pw := pktline.NewWriter(&in)
	require.NoError(t, pw.WriteDataf("%s %s refs/heads/a\x00report-status push-options\n", oid(1), zeroOID()))
	require.NoError(t, pw.WriteFlush())
	require.NoError(t, pw.WriteData([]byte("opt1\n")))
	require.NoError(t, pw.WriteData([]byte("opt2\n")))
	require.NoError(t, pw.WriteFlush())

	pr := pktline.NewReader(&in, false)
	_, err := Execute(context.Background(), pr, pktline.NewWriter(&bytes.Buffer{}), nil, snap, req)
	require.Error(t, err)
}

func TestWriteReportFormatsLinesAndFlush(t *testing.T) {
	var buf bytes.Buffer
	pw := pktline.NewWriter(&buf)
	err := WriteReport(pw, nil, Report{
		UnpackOK: true,
		Results: []CommandResult{
			{Ref: "refs/heads/main", OK: true},
			{Ref: "refs/heads/feature", OK: false, Message: "non-fast-forward"},
		},
	})
	require.NoError(t, err)

	pr := pktline.NewReader(&buf, false)
	line, err := pr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "unpack ok\n", string(line.Payload))
	line, err = pr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ok refs/heads/main\n", string(line.Payload))
	line, err = pr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "ng refs/heads/feature non-fast-forward\n", string(line.Payload))
	line, err = pr.ReadLine()
	require.NoError(t, err)
	require.True(t, line.IsFlush())
}

func TestNegotiateAdmitsOnlyAdvertisedTokens(t *testing.T) {
	server := capability.NewSet(capability.Token{Name: capability.ReportStatus}, capability.Token{Name: capability.Atomic})
	client, err := capability.Parse([]byte("report-status atomic side-band-64k"))
	require.NoError(t, err)

	negotiated := negotiate(server, client)
	require.True(t, negotiated.Has(capability.ReportStatus))
	require.True(t, negotiated.Has(capability.Atomic))
	require.False(t, negotiated.Has(capability.SideBand64k))
}

func TestSnapshotTipsSkipsSymbolicAndZero(t *testing.T) {
	snap := refstore.Snapshot{
		Visible: []refstore.Record{
			{Name: "HEAD", Target: refstore.Target{Symref: "refs/heads/main"}},
			{Name: "refs/heads/main", Target: refstore.Target{OID: oid(1)}},
			{Name: "refs/heads/empty", Target: refstore.Target{OID: zeroOID()}},
		},
	}
	tips := snapshotTips(snap)
	require.Equal(t, []objutil.ID{oid(1)}, tips)
}

func TestReachableFromTipsWalksParents(t *testing.T) {
	db := newFakeDB()
	db.addCommit(oid(3), oid(2))
	db.addCommit(oid(2), oid(1))
	db.addCommit(oid(1))

	reachable, err := reachableFromTips(context.Background(), db, []objutil.ID{oid(3)})
	require.NoError(t, err)
	require.True(t, reachable[oid(1)])
	require.True(t, reachable[oid(2)])
	require.True(t, reachable[oid(3)])
}

func TestAdvertiseWritesRefsFromStore(t *testing.T) {
	store := newFakeStore()
	store.records["refs/heads/main"] = refstore.Record{Name: "refs/heads/main", Target: refstore.Target{OID: oid(1)}}
	req := baseRequest(store, newFakeDB(), &fakeWriter{store: store}, t.TempDir())

	var buf bytes.Buffer
	snap, err := Advertise(context.Background(), pktline.NewWriter(&buf), req)
	require.NoError(t, err)
	require.Len(t, snap.Visible, 1)

	pr := pktline.NewReader(&buf, false)
	line, err := pr.ReadLine()
	require.NoError(t, err)
	require.Contains(t, string(line.Payload), "refs/heads/main")
}

func TestQuarantineActivationPath(t *testing.T) {
	dir := t.TempDir()
	mainObjects := filepath.Join(dir, "objects")
	q, err := odb.Activate(mainObjects, "")
	require.NoError(t, err)
	require.True(t, q.Active())
	require.NoError(t, q.DropOnFailure())
}

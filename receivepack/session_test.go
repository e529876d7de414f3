package receivepack_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/connectivity"
	"github.com/opengit/wireproto/nonce"
	"github.com/opengit/wireproto/pktline"
	"github.com/opengit/wireproto/protocol"
	"github.com/opengit/wireproto/protocol/hash"
	"github.com/opengit/wireproto/receivepack"
	"github.com/opengit/wireproto/storage"
)

type fakePackParser struct {
	objectIds []protocol.ObjectId
	unlocked  bool
	failWith  error
}

func (f *fakePackParser) Parse(ctx context.Context, r io.Reader, lockMessage string) (*storage.ParsedPack, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	io.Copy(io.Discard, r)
	return &storage.ParsedPack{ObjectIds: f.objectIds, Lock: fakeLock{f}}, nil
}

type fakeLock struct{ p *fakePackParser }

func (l fakeLock) Unlock() error {
	l.p.unlocked = true
	return nil
}

func oid(t *testing.T, h string) protocol.ObjectId {
	t.Helper()
	return hash.MustFromHex(h)
}

func setup(t *testing.T) (*storage.InMemoryRefDatabase, *storage.InMemoryStore, protocol.ObjectId) {
	t.Helper()
	refs := storage.NewInMemoryRefDatabase()
	store := storage.NewInMemoryStore()

	base := oid(t, "1111111111111111111111111111111111111111")
	store.Put(base, storage.InMemoryObject{Type: hash.TypeCommit})
	refs.Put(protocol.Ref{Name: "refs/heads/main", ObjectId: base})

	return refs, store, base
}

func commandLine(oldID, newID protocol.ObjectId, name string) string {
	return oldID.String() + " " + newID.String() + " " + name
}

func TestSessionFullFastForwardPush(t *testing.T) {
	refs, store, base := setup(t)
	newTip := oid(t, "2222222222222222222222222222222222222222")
	store.Put(newTip, storage.InMemoryObject{Type: hash.TypeCommit, Parents: []protocol.ObjectId{base}})

	parser := &fakePackParser{objectIds: []protocol.ObjectId{newTip}}
	checker := connectivity.NewFull(store)

	session, err := receivepack.NewSession(refs, store, parser, checker, protocol.NewCapabilitySet("report-status"))
	require.NoError(t, err)

	var advBuf bytes.Buffer
	require.NoError(t, session.Advertise(context.Background(), pktline.NewWriter(&advBuf), nil))
	require.Contains(t, advBuf.String(), "refs/heads/main")

	var cmdBuf bytes.Buffer
	cw := pktline.NewWriter(&cmdBuf)
	require.NoError(t, cw.WriteString(commandLine(base, newTip, "refs/heads/main")+"\x00report-status\n"))
	require.NoError(t, cw.WriteFlush())

	batch, err := session.ReadCommands(context.Background(), pktline.NewReader(&cmdBuf))
	require.NoError(t, err)
	require.Len(t, batch.Commands, 1)

	parsed, err := session.ReceivePack(context.Background(), bytes.NewReader([]byte("pack-bytes")), batch)
	require.NoError(t, err)
	require.NotNil(t, parsed)

	require.NoError(t, session.Validate(context.Background(), batch))

	pushOpts, err := session.CheckConnectivity(context.Background(), batch, parsed, []protocol.ObjectId{base}, nil)
	require.NoError(t, err)
	require.Empty(t, pushOpts)

	require.NoError(t, session.Execute(context.Background(), batch))
	require.Equal(t, protocol.OK, batch.Commands[0].Result)

	var reportBuf bytes.Buffer
	require.NoError(t, session.Report(context.Background(), pktline.NewWriter(&reportBuf), batch, nil))
	require.Contains(t, reportBuf.String(), "unpack ok")
	require.Contains(t, reportBuf.String(), "ok refs/heads/main")

	require.NoError(t, session.Unlock(parsed))
	require.True(t, parser.unlocked)

	updated, ok, err := refs.Get(context.Background(), "refs/heads/main")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, updated.ObjectId.Is(newTip))
}

func TestSessionIterativeCheckerUsesReducedHavesFromCommandBatch(t *testing.T) {
	refs, store, base := setup(t)
	newTip := oid(t, "2222222222222222222222222222222222222222")
	store.Put(newTip, storage.InMemoryObject{Type: hash.TypeCommit, Parents: []protocol.ObjectId{base}})

	parser := &fakePackParser{objectIds: []protocol.ObjectId{newTip}}
	checker := connectivity.NewIterative(store)

	session, err := receivepack.NewSession(refs, store, parser, checker, protocol.NewCapabilitySet("report-status"))
	require.NoError(t, err)

	var advBuf bytes.Buffer
	require.NoError(t, session.Advertise(context.Background(), pktline.NewWriter(&advBuf), nil))

	var cmdBuf bytes.Buffer
	cw := pktline.NewWriter(&cmdBuf)
	require.NoError(t, cw.WriteString(commandLine(base, newTip, "refs/heads/main")+"\x00report-status\n"))
	require.NoError(t, cw.WriteFlush())

	batch, err := session.ReadCommands(context.Background(), pktline.NewReader(&cmdBuf))
	require.NoError(t, err)

	parsed, err := session.ReceivePack(context.Background(), bytes.NewReader([]byte("pack-bytes")), batch)
	require.NoError(t, err)

	require.NoError(t, session.Validate(context.Background(), batch))

	// No complete haves are passed in: the push can only be accepted via
	// the reduced set the session computes from the command batch (the
	// UPDATE command's old id, base, covers newTip's one parent).
	_, err = session.CheckConnectivity(context.Background(), batch, parsed, nil, nil)
	require.NoError(t, err)
	require.Contains(t, checker.Reduced.UpdateOldIds, base)

	require.NoError(t, session.Execute(context.Background(), batch))
	require.Equal(t, protocol.OK, batch.Commands[0].Result)
}

func TestSessionRejectsNonFastForwardByDefault(t *testing.T) {
	refs, store, base := setup(t)
	divergent := oid(t, "3333333333333333333333333333333333333333")
	store.Put(divergent, storage.InMemoryObject{Type: hash.TypeCommit})

	parser := &fakePackParser{objectIds: []protocol.ObjectId{divergent}}
	checker := connectivity.NewFull(store)

	session, err := receivepack.NewSession(refs, store, parser, checker, protocol.NewCapabilitySet())
	require.NoError(t, err)

	var advBuf bytes.Buffer
	require.NoError(t, session.Advertise(context.Background(), pktline.NewWriter(&advBuf), nil))

	var cmdBuf bytes.Buffer
	cw := pktline.NewWriter(&cmdBuf)
	require.NoError(t, cw.WriteString(commandLine(base, divergent, "refs/heads/main")+"\n"))
	require.NoError(t, cw.WriteFlush())

	batch, err := session.ReadCommands(context.Background(), pktline.NewReader(&cmdBuf))
	require.NoError(t, err)

	_, err = session.ReceivePack(context.Background(), bytes.NewReader(nil), batch)
	require.NoError(t, err)

	require.NoError(t, session.Validate(context.Background(), batch))
	require.Equal(t, protocol.RejectedNonFastForward, batch.Commands[0].Result)
	require.Equal(t, protocol.CommandUpdateNonFastForward, batch.Commands[0].Type)
}

func TestSessionAtomicAbortsWholeBatchOnRejection(t *testing.T) {
	refs, store, _ := setup(t)
	secondBase := oid(t, "4444444444444444444444444444444444444444")
	store.Put(secondBase, storage.InMemoryObject{Type: hash.TypeCommit})
	refs.Put(protocol.Ref{Name: "refs/heads/other", ObjectId: secondBase})

	newOther := oid(t, "5555555555555555555555555555555555555555")
	store.Put(newOther, storage.InMemoryObject{Type: hash.TypeCommit, Parents: []protocol.ObjectId{secondBase}})
	staleOld := oid(t, "6666666666666666666666666666666666666666")

	parser := &fakePackParser{objectIds: []protocol.ObjectId{newOther}}
	checker := connectivity.NewFull(store)

	session, err := receivepack.NewSession(refs, store, parser, checker, protocol.NewCapabilitySet("atomic", "report-status"))
	require.NoError(t, err)

	var advBuf bytes.Buffer
	require.NoError(t, session.Advertise(context.Background(), pktline.NewWriter(&advBuf), nil))

	var cmdBuf bytes.Buffer
	cw := pktline.NewWriter(&cmdBuf)
	require.NoError(t, cw.WriteString(commandLine(staleOld, oid(t, "7777777777777777777777777777777777777777"), "refs/heads/main")+"\x00atomic report-status\n"))
	require.NoError(t, cw.WriteString(commandLine(secondBase, newOther, "refs/heads/other")+"\n"))
	require.NoError(t, cw.WriteFlush())

	batch, err := session.ReadCommands(context.Background(), pktline.NewReader(&cmdBuf))
	require.NoError(t, err)
	require.Len(t, batch.Commands, 2)
	require.True(t, batch.Capabilities.Has(protocol.CapAtomic))

	_, err = session.ReceivePack(context.Background(), bytes.NewReader(nil), batch)
	require.NoError(t, err)

	require.NoError(t, session.Validate(context.Background(), batch))

	require.Equal(t, protocol.RejectedRemoteChanged, batch.Commands[0].Result)
	require.Equal(t, protocol.RejectedOtherReason, batch.Commands[1].Result)
}

func TestSessionRejectsOnMissingObject(t *testing.T) {
	refs, store, base := setup(t)
	newTip := oid(t, "8888888888888888888888888888888888888888")
	missingParent := oid(t, "9999999999999999999999999999999999999999")
	store.Put(newTip, storage.InMemoryObject{Type: hash.TypeCommit, Parents: []protocol.ObjectId{missingParent}})

	parser := &fakePackParser{objectIds: []protocol.ObjectId{newTip}}
	checker := connectivity.NewFull(store)

	session, err := receivepack.NewSession(refs, store, parser, checker, protocol.NewCapabilitySet())
	require.NoError(t, err)

	var advBuf bytes.Buffer
	require.NoError(t, session.Advertise(context.Background(), pktline.NewWriter(&advBuf), nil))

	var cmdBuf bytes.Buffer
	cw := pktline.NewWriter(&cmdBuf)
	require.NoError(t, cw.WriteString(commandLine(base, newTip, "refs/heads/main")+"\n"))
	require.NoError(t, cw.WriteFlush())

	batch, err := session.ReadCommands(context.Background(), pktline.NewReader(&cmdBuf))
	require.NoError(t, err)

	parsed, err := session.ReceivePack(context.Background(), bytes.NewReader(nil), batch)
	require.NoError(t, err)

	require.NoError(t, session.Validate(context.Background(), batch))

	_, err = session.CheckConnectivity(context.Background(), batch, parsed, nil, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.RejectedMissingObject, batch.Commands[0].Result)
}

type fakePhaseRecorder struct {
	phases       []string
	nonceResults []string
}

func (f *fakePhaseRecorder) ObservePhase(component, phase string, seconds float64) {
	f.phases = append(f.phases, component+"/"+phase)
}

func (f *fakePhaseRecorder) ObserveNonceVerify(status string) {
	f.nonceResults = append(f.nonceResults, status)
}

func TestSessionRecordsPhaseAndNonceMetrics(t *testing.T) {
	refs, store, _ := setup(t)
	parser := &fakePackParser{}
	checker := connectivity.NewFull(store)
	rec := &fakePhaseRecorder{}

	session, err := receivepack.NewSession(refs, store, parser, checker, protocol.NewCapabilitySet(),
		receivepack.WithSignedPush(nonce.NewService([]byte("seed")), 5),
		receivepack.WithMetrics(rec))
	require.NoError(t, err)
	require.NotEqual(t, session.SessionID.String(), "")

	var advBuf bytes.Buffer
	require.NoError(t, session.Advertise(context.Background(), pktline.NewWriter(&advBuf), nil))
	require.Contains(t, rec.phases, "receivepack/advertise")

	issued := extractNonce(t, advBuf.String())

	cert := strings.Join([]string{
		"version 0.1",
		"pusher Jane Doe <jane@example.com> 1700000000 +0000",
		"nonce " + issued,
		"",
		"0000000000000000000000000000000000000000 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa refs/heads/main",
		"",
		"-----BEGIN PGP SIGNATURE-----",
		"",
		"iQIzBAAB...",
		"-----END PGP SIGNATURE-----",
		"",
	}, "\n")

	_, err = session.ReadCertificate(context.Background(), strings.NewReader(cert))
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, rec.nonceResults)
}

func extractNonce(t *testing.T, advertised string) string {
	t.Helper()
	idx := strings.Index(advertised, "push-cert=")
	require.GreaterOrEqual(t, idx, 0, "advertisement missing push-cert capability: %q", advertised)
	rest := advertised[idx+len("push-cert="):]
	end := strings.IndexAny(rest, " \x00\n")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}

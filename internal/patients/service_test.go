package patients

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/contentstore"
	"github.com/dmitrijs2005/healthsync/internal/contentstore/memstore"
	"github.com/dmitrijs2005/healthsync/internal/cryptobox"
	"github.com/dmitrijs2005/healthsync/internal/filex"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/localdb"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/notary"
	"github.com/dmitrijs2005/healthsync/internal/registry"
)

type env struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	store    *contentstore.Store
	registry *registry.Registry
	chain    *notary.Chain
	svc      *Service
}

// newEnv opens a device on path (":memory:" or a file) that shares net and
// ptr with other devices.
func newEnv(t *testing.T, path string, net *memstore.Store, ptr registry.PointerStore, key cryptobox.Key) *env {
	t.Helper()
	ctx := context.Background()
	db, err := localdb.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	chain, err := notary.OpenMemChain("device_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })

	l := ledger.New(db)
	store := contentstore.New(db, []contentstore.Backend{net})
	reg := registry.New(store, ptr, localdb.NewState(db), l, key, "device_test")
	svc := New(l, store, key, "device_test",
		WithRegistry(reg),
		WithNotary(&notary.Fallback{Mock: chain}),
		WithUser("dr.house"))
	return &env{db: db, ledger: l, store: store, registry: reg, chain: chain, svc: svc}
}

func newKey(t *testing.T) cryptobox.Key {
	t.Helper()
	k, err := cryptobox.GenerateKey()
	require.NoError(t, err)
	return k
}

func TestAddPatient_JaneDoeEndToEnd(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)
	net := memstore.New("kubo")
	e := newEnv(t, ":memory:", net, &registry.MemPointer{}, key)

	in := models.Metadata{Name: " Jane Doe ", Age: "40", Diagnosis: "undefined"}
	rec, err := e.svc.AddPatient(ctx, in)
	require.NoError(t, err)

	stored, err := e.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Rev, stored.Rev)
	assert.True(t, stored.ContentRef.IsDurable())
	assert.Equal(t, "kubo", stored.ContentRef.Backend)
	assert.Equal(t, "Jane Doe", stored.Metadata.Name)
	assert.Empty(t, stored.Metadata.Diagnosis)
	assert.Equal(t, "dr.house", stored.Metadata.CreatedBy)

	blob, err := e.store.Get(ctx, stored.ContentRef)
	require.NoError(t, err)
	var payload models.PatientPayload
	require.NoError(t, cryptobox.Decrypt(blob, key, &payload))
	assert.Equal(t, rec.ID, payload.ID)
	assert.Equal(t, stored.Metadata, payload.Metadata)
	assert.Equal(t, "40", payload.Metadata.Age)

	proof, err := e.chain.Verify(ctx, stored.BlockchainHash)
	require.NoError(t, err)
	assert.True(t, proof.IsMock)
	assert.Equal(t, "patient_record", proof.Metadata["type"])
	hash, err := cryptobox.HashJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, hash, proof.DataHash)

	snap, err := e.registry.Local(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, rec.ID, snap.Records[0].RecordID)

	got, err := e.svc.GetPatient(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, "Jane Doe", got.Metadata.Name)
}

func TestAddPatient_RequiresName(t *testing.T) {
	e := newEnv(t, ":memory:", memstore.New("kubo"), nil, newKey(t))
	_, err := e.svc.AddPatient(context.Background(), models.Metadata{Name: "undefined"})
	require.ErrorIs(t, err, ErrNameRequired)
}

type failingNotary struct{}

func (failingNotary) CreateProof(context.Context, string, map[string]string) (notary.Proof, error) {
	return notary.Proof{}, errors.New("rpc down")
}

func TestAddPatient_NotaryFailureDoesNotBlock(t *testing.T) {
	e := newEnv(t, ":memory:", memstore.New("kubo"), nil, newKey(t))
	e.svc.notary = failingNotary{}

	rec, err := e.svc.AddPatient(context.Background(), models.Metadata{Name: "Jane Doe"})
	require.NoError(t, err)
	assert.Empty(t, rec.BlockchainHash)
}

func TestUpdatePatient_StaleRevisionConflicts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ":memory:", memstore.New("kubo"), nil, newKey(t))

	rec, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe", Age: "40"})
	require.NoError(t, err)

	updated, err := e.svc.UpdatePatient(ctx, rec.ID, rec.Rev, models.Metadata{Name: "Jane Doe", Age: "41"})
	require.NoError(t, err)
	assert.NotEqual(t, rec.Rev, updated.Rev)
	assert.False(t, rec.ContentRef.Equal(updated.ContentRef))
	assert.Equal(t, "dr.house", updated.Metadata.CreatedBy)
	assert.Equal(t, "dr.house", updated.Metadata.UpdatedBy)

	_, err = e.svc.UpdatePatient(ctx, rec.ID, rec.Rev, models.Metadata{Name: "Jane Doe", Age: "42"})
	require.ErrorIs(t, err, common.ErrConflict)

	got, err := e.svc.GetPatient(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, "41", got.Metadata.Age)
}

func TestUpdatePatient_PayloadAndLedgerAgreeOnUpdatedAt(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)
	e := newEnv(t, ":memory:", memstore.New("kubo"), &registry.MemPointer{}, key)

	rec, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe", Diagnosis: "Flu"})
	require.NoError(t, err)
	rec, err = e.svc.UpdatePatient(ctx, rec.ID, rec.Rev, models.Metadata{Name: "Jane Doe", Diagnosis: "Cold"})
	require.NoError(t, err)

	stored, err := e.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	blob, err := e.store.Get(ctx, stored.ContentRef)
	require.NoError(t, err)
	var payload models.PatientPayload
	require.NoError(t, cryptobox.Decrypt(blob, key, &payload))

	assert.Equal(t, "Cold", payload.Metadata.Diagnosis)
	assert.True(t, payload.UpdatedAt.Equal(stored.UpdatedAt),
		"payload %s, ledger %s", payload.UpdatedAt, stored.UpdatedAt)
}

func TestDeleteListSearch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ":memory:", memstore.New("kubo"), nil, newKey(t))

	jane, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe", Diagnosis: "Hypertension"})
	require.NoError(t, err)
	_, err = e.svc.AddPatient(ctx, models.Metadata{Name: "John Roe", Diagnosis: "Asthma"})
	require.NoError(t, err)

	found, err := e.svc.SearchPatients(ctx, "hyper")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, jane.ID, found[0].ID)

	_, err = e.svc.DeletePatient(ctx, jane.ID, "1-stale")
	require.ErrorIs(t, err, common.ErrConflict)
	_, err = e.svc.DeletePatient(ctx, jane.ID, jane.Rev)
	require.NoError(t, err)

	_, err = e.svc.GetPatient(ctx, jane.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
	all, err := e.svc.ListPatients(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "John Roe", all[0].Metadata.Name)
}

func TestGetPatient_WrongKeyIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	net := memstore.New("kubo")
	e := newEnv(t, ":memory:", net, nil, newKey(t))
	rec, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe"})
	require.NoError(t, err)

	other := New(e.ledger, e.store, newKey(t), "device_other")
	_, err = other.GetPatient(ctx, rec.ID)
	require.ErrorIs(t, err, common.ErrIntegrity)
}

func TestGetPatient_UnreachablePayloadFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	net := memstore.New("kubo")
	e := newEnv(t, ":memory:", net, nil, newKey(t))
	rec, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe"})
	require.NoError(t, err)

	net.SetOffline(true)
	got, err := e.svc.GetPatient(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Verified)
	assert.Equal(t, "Jane Doe", got.Metadata.Name)
}

func TestOfflineAddThenDrain(t *testing.T) {
	ctx := context.Background()
	net := memstore.New("kubo")
	ptr := &registry.MemPointer{}
	e := newEnv(t, ":memory:", net, ptr, newKey(t))

	net.SetOffline(true)
	ptr.SetOffline(true)
	rec, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe"})
	require.NoError(t, err, "local writes work with every backend down")
	require.True(t, rec.ContentRef.IsPending())

	got, err := e.svc.GetPatient(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified, "pending payload resolves from the queue")

	net.SetOffline(false)
	ptr.SetOffline(false)
	res, err := e.svc.DrainQueue(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Drained, 1)

	after, err := e.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, after.ContentRef.IsDurable())

	snap, err := e.registry.Local(ctx)
	require.NoError(t, err)
	for _, entry := range snap.Records {
		assert.False(t, entry.ContentRef.IsPending(), "registry still points at %s", entry.ContentRef)
	}

	got, err = e.svc.GetPatient(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)
}

func pdf(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	copy(data, "%PDF-1.7\n")
	return data
}

func TestAttachment_TwoMegabytePDFSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)
	net := memstore.New("kubo")
	path := filepath.Join(t.TempDir(), "healthsync.db")
	data := pdf(t, 2<<20)

	var patientID, attachmentID string
	{
		e := newEnv(t, path, net, nil, key)
		rec, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe"})
		require.NoError(t, err)
		rec, att, err := e.svc.AddAttachment(ctx, rec.ID, rec.Rev, filex.Upload{
			Filename: "scan.pdf", ContentType: "application/pdf", Description: "MRI report", Data: data,
		})
		require.NoError(t, err)
		require.Len(t, rec.Attachments, 1)
		assert.Equal(t, int64(len(data)), att.Size)
		assert.NotEmpty(t, att.BlockchainHash)
		patientID, attachmentID = rec.ID, att.ID
		require.NoError(t, e.db.Close())
	}

	e := newEnv(t, path, net, nil, key)
	got, meta, err := e.svc.GetAttachment(ctx, patientID, attachmentID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "attachment bytes differ after restart")
	assert.Equal(t, "scan.pdf", meta.Filename)
	assert.Equal(t, "application/pdf", meta.ContentType)
	assert.Equal(t, "MRI report", meta.Description)
	assert.Equal(t, cryptobox.HashBytes(data), meta.SHA256)

	// the local copy is enough when the network is gone
	net.SetOffline(true)
	got, meta, err = e.svc.GetAttachment(ctx, patientID, attachmentID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, attachmentID, meta.AttachmentID)
}

func TestAttachment_FetchedFromContentStoreOnOtherDevice(t *testing.T) {
	ctx := context.Background()
	key := newKey(t)
	net := memstore.New("kubo")
	a := newEnv(t, ":memory:", net, nil, key)
	b := newEnv(t, ":memory:", net, nil, key)

	rec, err := a.svc.AddPatient(ctx, models.Metadata{Name: "Jane Doe"})
	require.NoError(t, err)
	_, _, err = a.svc.AddAttachment(ctx, rec.ID, "0-wrong", filex.Upload{Filename: "x.txt", Data: []byte("x")})
	require.ErrorIs(t, err, common.ErrConflict)
	rec, att, err := a.svc.AddAttachment(ctx, rec.ID, rec.Rev, filex.Upload{Filename: "lab.txt", ContentType: "text/plain", Data: []byte("potassium 4.1")})
	require.NoError(t, err)

	_, err = b.ledger.Merge(ctx, rec, ledger.LastWriterWins, "couchdb")
	require.NoError(t, err)
	_, err = b.ledger.GetAttachmentBlob(ctx, rec.ID, att.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	got, meta, err := b.svc.GetAttachment(ctx, rec.ID, att.ID)
	require.NoError(t, err)
	assert.Equal(t, "potassium 4.1", string(got))
	assert.Equal(t, "lab.txt", meta.Filename)

	_, err = b.ledger.GetAttachmentBlob(ctx, rec.ID, att.ID)
	require.NoError(t, err, "fetched blob is cached locally")

	_, _, err = b.svc.GetAttachment(ctx, rec.ID, "file_missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestExport_WritesJSONLines(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, ":memory:", memstore.New("kubo"), nil, newKey(t))
	for _, n := range []string{"Jane Doe", "John Roe", "Ann Poe"} {
		_, err := e.svc.AddPatient(ctx, models.Metadata{Name: n})
		require.NoError(t, err)
	}
	gone, err := e.svc.AddPatient(ctx, models.Metadata{Name: "Deleted Person"})
	require.NoError(t, err)
	_, err = e.svc.DeletePatient(ctx, gone.ID, gone.Rev)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := e.svc.Export(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	names := map[string]bool{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line ExportLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		assert.True(t, line.ContentRef.IsDurable())
		assert.False(t, line.ExportedAt.IsZero())
		names[line.Metadata.Name] = true
	}
	assert.Equal(t, map[string]bool{"Jane Doe": true, "John Roe": true, "Ann Poe": true}, names)
}

package docsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/docsync/api"
	"github.com/dmitrijs2005/healthsync/internal/docsync/auth"
	"github.com/dmitrijs2005/healthsync/internal/docsync/server"
	"github.com/dmitrijs2005/healthsync/internal/docsync/store"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/localdb"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

const secret = "adapter-test-secret"

// listen serves register on a bufconn listener and returns a client
// connection plus a stop function.
func listen(t *testing.T, register func(*grpc.Server)) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	stop := func() { srv.Stop() }
	t.Cleanup(func() {
		_ = conn.Close()
		stop()
	})
	return conn, stop
}

// startService runs the real service with an in-memory store.
func startService(t *testing.T) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := server.NewGRPCServer("bufnet", logging.Nop{}, store.NewMemory(), secret)
	srv := s.Register()
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
	})
	return conn, srv.Stop
}

func token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := auth.GenerateToken(owner, []byte(secret), time.Hour)
	require.NoError(t, err)
	return tok
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return ledger.New(db)
}

func put(t *testing.T, l *ledger.Ledger, id, name string) models.Record {
	t.Helper()
	r, err := l.Put(context.Background(), models.Record{
		ID:          id,
		Metadata:    models.Metadata{Name: name, Age: "52", Diagnosis: "Hypertension"},
		ContentRef:  models.Durable("kubo", "cid-"+id),
		Attachments: nil,
	}, "")
	require.NoError(t, err)
	return r
}

func TestPushPull_BetweenTwoDevices(t *testing.T) {
	ctx := context.Background()
	conn, _ := startService(t)
	tok := token(t, "clinic-a")

	la, lb := newLedger(t), newLedger(t)
	a := New(conn, tok, time.Second, la, logging.Nop{})
	b := New(conn, tok, time.Second, lb, logging.Nop{})
	assert.True(t, a.IsAvailable(ctx))

	jane := put(t, la, "patient_jane", "Jane Doe")
	res, err := a.Push(ctx, []models.Record{jane, {ID: "device_x"}})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, []string{"patient_jane", "device_x"}, res.Succeeded)

	res, err = b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	got, err := lb.Get(ctx, "patient_jane")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.Metadata.Name)
	assert.Equal(t, jane.ContentRef, got.ContentRef)
	assert.Equal(t, Name, got.SyncedFrom)
	assert.True(t, jane.UpdatedAt.Equal(got.UpdatedAt))

	// b edits later; a's stale copy must not win anywhere
	got.Metadata.Room = "4C"
	newer, err := lb.Put(ctx, got, got.Rev)
	require.NoError(t, err)
	res, err = b.Push(ctx, []models.Record{newer})
	require.NoError(t, err)
	require.NoError(t, res.Err())

	res, err = a.Push(ctx, []models.Record{jane})
	require.NoError(t, err)
	require.NoError(t, res.Err())

	res, err = a.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	final, err := la.Get(ctx, "patient_jane")
	require.NoError(t, err)
	assert.Equal(t, "4C", final.Metadata.Room)

	res, err = a.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Count, "pull is idempotent")
}

func TestAuthAndOutageAreClassified(t *testing.T) {
	ctx := context.Background()
	conn, stop := startService(t)
	l := newLedger(t)
	r := put(t, l, "patient_1", "Jane Doe")

	bad := New(conn, "not-a-token", time.Second, l, logging.Nop{})
	_, err := bad.Push(ctx, []models.Record{r})
	require.ErrorIs(t, err, common.ErrAuthFailed)
	_, err = bad.Pull(ctx)
	require.ErrorIs(t, err, common.ErrAuthFailed)

	good := New(conn, token(t, "clinic-a"), 200*time.Millisecond, l, logging.Nop{})
	stop()
	assert.False(t, good.IsAvailable(ctx))
	_, err = good.Pull(ctx)
	require.ErrorIs(t, err, common.ErrUnavailable)
	_, err = good.Push(ctx, []models.Record{r})
	require.ErrorIs(t, err, common.ErrUnavailable)
}

// pickyServer refuses one document and stores nothing.
type pickyServer struct {
	refuse string
	seen   []string
}

func (p *pickyServer) Upsert(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()[api.FieldID].GetStringValue()
	p.seen = append(p.seen, id)
	if id == p.refuse {
		return nil, status.Error(codes.InvalidArgument, "schema violation")
	}
	return structpb.NewStruct(map[string]any{api.FieldID: id, api.FieldApplied: true})
}

func (p *pickyServer) QueryAll(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	return &structpb.ListValue{}, nil
}

func TestPush_OneFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	picky := &pickyServer{refuse: "patient_06"}
	conn, _ := listen(t, func(s *grpc.Server) { api.RegisterServer(s, picky) })

	l := newLedger(t)
	var recs []models.Record
	for i := 1; i <= 10; i++ {
		recs = append(recs, put(t, l, fmt.Sprintf("patient_%02d", i), fmt.Sprintf("P%d", i)))
	}

	a := New(conn, "unused", time.Second, l, logging.Nop{})
	res, err := a.Push(ctx, recs)
	require.NoError(t, err)
	assert.Len(t, picky.seen, 10)
	assert.Len(t, res.Succeeded, 9)

	var pf *common.PartialFailureError
	require.ErrorAs(t, res.Err(), &pf)
	assert.Equal(t, []string{"patient_06"}, pf.FailedIDs())
}

func TestPull_BadDocumentIsReportedNotFatal(t *testing.T) {
	ctx := context.Background()
	good, err := toStruct(models.Record{ID: "patient_ok", Metadata: models.Metadata{Name: "Ok"}, UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	forged, err := structpb.NewStruct(map[string]any{api.FieldID: "patient_a", "id": "patient_b"})
	require.NoError(t, err)

	conn, _ := listen(t, func(s *grpc.Server) {
		api.RegisterServer(s, listServer{docs: []*structpb.Struct{good, forged}})
	})
	l := newLedger(t)
	a := New(conn, "unused", time.Second, l, logging.Nop{})

	res, err := a.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"patient_ok"}, res.Succeeded)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "patient_a", res.Errors[0].RecordID)
	assert.ErrorIs(t, res.Errors[0], common.ErrIntegrity)
}

type listServer struct{ docs []*structpb.Struct }

func (listServer) Upsert(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "read only")
}

func (s listServer) QueryAll(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	out := &structpb.ListValue{}
	for _, d := range s.docs {
		out.Values = append(out.Values, structpb.NewStructValue(d))
	}
	return out, nil
}

func TestMapError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{status.Error(codes.Unauthenticated, "x"), common.ErrAuthFailed},
		{status.Error(codes.PermissionDenied, "x"), common.ErrAuthFailed},
		{status.Error(codes.Unavailable, "x"), common.ErrUnavailable},
		{status.Error(codes.DeadlineExceeded, "x"), common.ErrUnavailable},
		{status.Error(codes.NotFound, "x"), common.ErrNotFound},
		{status.Error(codes.Canceled, "x"), context.Canceled},
		{context.DeadlineExceeded, common.ErrUnavailable},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, mapError(tt.in), tt.want, "%v", tt.in)
	}

	other := mapError(status.Error(codes.InvalidArgument, "x"))
	assert.False(t, errors.Is(other, common.ErrAuthFailed) || errors.Is(other, common.ErrUnavailable))
	assert.Nil(t, mapError(nil))
}

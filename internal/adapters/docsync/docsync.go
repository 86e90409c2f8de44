// Package docsync replicates ledger records with the document sync
// service over gRPC. Records travel as JSON objects wrapped in
// google.protobuf.Struct.
package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/docsync/api"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/netx"
)

const Name = "docsync"

type Config struct {
	Address string
	Token   string
	Timeout time.Duration
}

type Adapter struct {
	client  *api.Client
	health  healthpb.HealthClient
	closer  io.Closer
	token   string
	timeout time.Duration
	ledger  adapters.Merger
	logger  logging.Logger
}

// Dial connects to the service at cfg.Address. The connection is lazy;
// nothing is sent until the first call.
func Dial(cfg Config, l adapters.Merger, logger logging.Logger) (*Adapter, error) {
	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("docsync dial %s: %w", cfg.Address, err)
	}
	a := New(conn, cfg.Token, cfg.Timeout, l, logger)
	a.closer = conn
	return a, nil
}

func New(cc grpc.ClientConnInterface, token string, timeout time.Duration, l adapters.Merger, logger logging.Logger) *Adapter {
	if timeout <= 0 {
		timeout = netx.DefaultTimeout
	}
	return &Adapter{
		client:  api.NewClient(cc),
		health:  healthpb.NewHealthClient(cc),
		token:   token,
		timeout: timeout,
		ledger:  l,
		logger:  logger.With("adapter", Name),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

func (a *Adapter) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	return metadata.AppendToOutgoingContext(ctx, api.AuthorizationHeader, "Bearer "+a.token), cancel
}

// mapError turns a gRPC status into the error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return adapters.Classify(err)
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%s: %w", st.Message(), common.ErrAuthFailed)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%s: %w", st.Message(), common.ErrUnavailable)
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), common.ErrNotFound)
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}

// toStruct encodes r as a document. Local bookkeeping (revision, origin)
// stays on this device.
func toStruct(r models.Record) (*structpb.Struct, error) {
	r.Rev, r.SyncedFrom = "", ""
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m[api.FieldID] = r.ID
	m[api.FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct) (models.Record, error) {
	m := s.AsMap()
	id, _ := m[api.FieldID].(string)
	delete(m, api.FieldID)
	delete(m, api.FieldVersion)

	var r models.Record
	b, err := json.Marshal(m)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("document %s: %w", id, err)
	}
	if r.ID == "" {
		r.ID = id
	}
	if r.ID != id {
		return r, fmt.Errorf("document %s carries record %s: %w", id, r.ID, common.ErrIntegrity)
	}
	return r, nil
}

// Push upserts records one by one. An outage or auth failure stops the
// batch; any other failure is recorded against its record.
func (a *Adapter) Push(ctx context.Context, records []models.Record) (adapters.Result, error) {
	var res adapters.Result
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !adapters.EligibleID(r.ID) {
			res.Succeed(r.ID)
			continue
		}

		doc, err := toStruct(r)
		if err != nil {
			res.Fail(r.ID, err)
			continue
		}

		cctx, cancel := a.callContext(ctx)
		reply, err := a.client.Upsert(cctx, doc)
		cancel()
		if err != nil {
			err = mapError(err)
			if adapters.Fatal(err) || errors.Is(err, context.Canceled) {
				return res, err
			}
			res.Fail(r.ID, err)
			continue
		}
		if !reply.GetFields()[api.FieldApplied].GetBoolValue() {
			a.logger.Debug(ctx, "remote document is newer, keeping it", "id", r.ID)
		}
		res.Succeed(r.ID)
	}
	return res, nil
}

// Pull fetches every document and merges it last-writer-wins.
func (a *Adapter) Pull(ctx context.Context) (adapters.Result, error) {
	cctx, cancel := a.callContext(ctx)
	list, err := a.client.QueryAll(cctx)
	cancel()
	if err != nil {
		return adapters.Result{}, mapError(err)
	}

	var bad []common.RecordError
	records := make([]models.Record, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			continue
		}
		r, err := fromStruct(s)
		if err != nil {
			id, _ := s.AsMap()[api.FieldID].(string)
			bad = append(bad, common.RecordError{RecordID: id, Err: err})
			continue
		}
		records = append(records, r)
	}

	res, err := adapters.MergeAll(ctx, a.ledger, Name, records)
	res.Errors = append(res.Errors, bad...)
	return res, err
}

// IsAvailable asks the standard gRPC health service.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.health.Check(ctx, &healthpb.HealthCheckRequest{Service: api.ServiceName})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

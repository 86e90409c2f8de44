package server

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dmitrijs2005/healthsync/internal/docsync/api"
	"github.com/dmitrijs2005/healthsync/internal/docsync/store"
)

func (s *GRPCServer) Upsert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, ok := ownerFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no owner")
	}

	fields := in.GetFields()
	id := fields[api.FieldID].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "document without _id")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields[api.FieldUpdatedAt].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "document %s: bad updated_at: %v", id, err)
	}

	body, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "document %s: %v", id, err)
	}

	doc, applied, err := s.store.Upsert(ctx, store.Document{Owner: owner, ID: id, Body: body, UpdatedAt: updatedAt})
	if err != nil {
		s.logger.Error(ctx, "upsert failed", "owner", owner, "id", id, "error", err)
		return nil, status.Error(codes.Internal, "store error")
	}

	return structpb.NewStruct(map[string]any{
		api.FieldID:      id,
		api.FieldVersion: float64(doc.Version),
		api.FieldApplied: applied,
	})
}

func (s *GRPCServer) QueryAll(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	owner, ok := ownerFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no owner")
	}

	docs, err := s.store.All(ctx, owner)
	if err != nil {
		s.logger.Error(ctx, "query failed", "owner", owner, "error", err)
		return nil, status.Error(codes.Internal, "store error")
	}

	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(docs))}
	for _, d := range docs {
		var m map[string]any
		if err := json.Unmarshal(d.Body, &m); err != nil {
			s.logger.Warn(ctx, "skipping undecodable document", "owner", owner, "id", d.ID, "error", err)
			continue
		}
		m[api.FieldVersion] = float64(d.Version)
		st, err := structpb.NewStruct(m)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "document %s: %v", d.ID, err)
		}
		out.Values = append(out.Values, structpb.NewStructValue(st))
	}
	return out, nil
}

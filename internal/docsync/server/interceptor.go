package server

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/healthsync/internal/docsync/api"
	"github.com/dmitrijs2005/healthsync/internal/docsync/auth"
)

type ctxKey string

const ownerKey ctxKey = "owner"

func ownerFrom(ctx context.Context) (string, bool) {
	o, ok := ctx.Value(ownerKey).(string)
	return o, ok && o != ""
}

// accessTokenInterceptor authenticates every call of the service with the
// bearer token in the authorization header.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+api.ServiceName+"/") {
		return handler(ctx, req)
	}

	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(api.AuthorizationHeader); len(values) > 0 {
			token = strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer "))
		}
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	owner, err := auth.OwnerFromToken(token, s.jwtSecret)
	if errors.Is(err, auth.ErrTokenExpired) {
		return nil, status.Error(codes.Unauthenticated, auth.ErrTokenExpired.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, auth.ErrInvalidToken.Error())
	}

	return handler(context.WithValue(ctx, ownerKey, owner), req)
}

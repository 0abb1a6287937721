// Package grpcauth carries the session onto gRPC calls. It shares the request
// pipeline's credential handling: the stored access credential is attached,
// and an Unauthenticated status triggers one refresh and one retry.
package grpcauth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ericfisherdev/nestfind/internal/application"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ Authenticator = (*application.Pipeline)(nil)

// Authenticator supplies and recovers credentials. *application.Pipeline
// implements it.
type Authenticator interface {
	AccessToken(ctx context.Context) (string, error)
	Recover(ctx context.Context) (model.CredentialPair, error)
}

// metadata keys are lower case on the wire.
var headerRequestID = strings.ToLower(application.HeaderRequestID)

// UnaryClientInterceptor returns a client interceptor that authenticates
// every unary call through auth. When recovery fails the original
// Unauthenticated error is returned.
func UnaryClientInterceptor(auth Authenticator, logger *slog.Logger) grpc.UnaryClientInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		id := requestID(ctx)

		token, err := auth.AccessToken(ctx)
		if err != nil && !errors.Is(err, driven.ErrNoCredential) {
			logger.Warn("sending grpc call without credential", "method", method, "request_id", id, "error", err)
		}

		callErr := invoker(outgoing(ctx, id, token), method, req, reply, cc, opts...)
		if status.Code(callErr) != codes.Unauthenticated {
			return callErr
		}

		logger.Info("unauthenticated grpc call, recovering", "method", method, "request_id", id)
		pair, err := auth.Recover(ctx)
		if err != nil {
			logger.Warn("credential recovery failed", "method", method, "request_id", id, "error", err)
			return callErr
		}

		return invoker(outgoing(ctx, id, pair.AccessToken), method, req, reply, cc, opts...)
	}
}

// requestID reuses an id already present in the outgoing metadata.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		if v := md.Get(headerRequestID); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.NewString()
}

// outgoing returns ctx with the request id and authorization set, replacing
// any values a previous attempt or the caller placed there.
func outgoing(ctx context.Context, id, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(headerRequestID, id)
	if token != "" {
		md.Set("authorization", "Bearer "+token)
	} else {
		md.Delete("authorization")
	}
	return metadata.NewOutgoingContext(ctx, md)
}

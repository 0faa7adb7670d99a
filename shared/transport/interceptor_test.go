package transport

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/buildmesh-io/buildmesh/shared/identity"
)

func TestInterceptorValidateAcceptsMatchingInvocationID(t *testing.T) {
	local := identity.ID{RelatedActivityID: "build-1", Environment: "prod", EngineVersion: "1.0"}
	i := NewInterceptor(InterceptorConfig{LocalID: local, Logger: zap.NewNop()})

	md := identity.BuildHeaders(local, uuid.New(), "")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	outCtx, err := i.validate(ctx, "/distribution.v1.WorkerService/Attach")
	require.NoError(t, err)
	assert.NotEmpty(t, SenderFromContext(outCtx))
}

func TestInterceptorValidateRejectsMismatchedInvocationID(t *testing.T) {
	local := identity.ID{RelatedActivityID: "build-1", Environment: "prod", EngineVersion: "1.0"}
	other := identity.ID{RelatedActivityID: "build-2", Environment: "prod", EngineVersion: "1.0"}
	i := NewInterceptor(InterceptorConfig{LocalID: local, Logger: zap.NewNop()})

	md := identity.BuildHeaders(other, uuid.New(), "")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := i.validate(ctx, "/distribution.v1.WorkerService/Attach")
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestInterceptorValidateRejectsBadToken(t *testing.T) {
	local := identity.ID{RelatedActivityID: "build-1", Environment: "prod", EngineVersion: "1.0"}
	i := NewInterceptor(InterceptorConfig{
		LocalID:               local,
		AuthenticationEnabled: true,
		ExpectedToken:         "correct-token",
		Logger:                zap.NewNop(),
	})

	md := identity.BuildHeaders(local, uuid.New(), "wrong-token")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := i.validate(ctx, "/distribution.v1.WorkerService/Attach")
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unauthenticated, st.Code())
}

func TestInterceptorValidateAcceptsCorrectToken(t *testing.T) {
	local := identity.ID{RelatedActivityID: "build-1", Environment: "prod", EngineVersion: "1.0"}
	i := NewInterceptor(InterceptorConfig{
		LocalID:               local,
		AuthenticationEnabled: true,
		ExpectedToken:         "correct-token",
		Logger:                zap.NewNop(),
	})

	md := identity.BuildHeaders(local, uuid.New(), "correct-token")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	_, err := i.validate(ctx, "/distribution.v1.WorkerService/Attach")
	assert.NoError(t, err)
}

package hostserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildmesh-io/buildmesh/worker/internal/execsvc"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

func TestExecutePipsRejectsUntilAttached(t *testing.T) {
	runner := execsvc.NewInMemoryRunner(4)
	svc := New(nil, runner, nil, nil)

	_, err := svc.ExecutePips(context.Background(), &proto.ExecutePipsRequest{
		Pips: []*proto.PipDescriptor{{PipId: "pip-1"}},
	})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestExecutePipsDispatchesAfterAttach(t *testing.T) {
	runner := execsvc.NewInMemoryRunner(4)
	svc := New(nil, runner, nil, nil)

	_, err := svc.Attach(context.Background(), &proto.AttachRequest{WorkerLocation: "worker-1:7090"})
	require.NoError(t, err)

	resp, err := svc.ExecutePips(context.Background(), &proto.ExecutePipsRequest{
		Pips: []*proto.PipDescriptor{{PipId: "pip-1"}, {PipId: "pip-2"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.GetAcceptedCount())
}

func TestHeartbeatReportsPendingPipsWithoutSampler(t *testing.T) {
	runner := execsvc.NewInMemoryRunner(4)
	svc := New(nil, runner, nil, nil)

	resp, err := svc.Heartbeat(context.Background(), &proto.HeartbeatRequest{})
	require.NoError(t, err)
	assert.False(t, resp.GetHasPendingPips())
	assert.Zero(t, resp.GetCpuPercent())
}

func TestExitInvokesHandlerWithReason(t *testing.T) {
	runner := execsvc.NewInMemoryRunner(4)
	var gotReason string
	svc := New(nil, runner, nil, func(reason string) { gotReason = reason })

	resp, err := svc.Exit(context.Background(), &proto.ExitRequest{Reason: "maintenance"})
	require.NoError(t, err)
	assert.True(t, resp.GetOk())
	assert.Equal(t, "maintenance", gotReason)
}

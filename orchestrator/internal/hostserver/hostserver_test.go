package hostserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildmesh-io/buildmesh/orchestrator/internal/workerpool"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

func TestHelloInvokesHandler(t *testing.T) {
	pool := workerpool.New(nil)
	var gotLocation, gotVersion string
	svc := New(nil, pool, func(ctx context.Context, workerLocation, version string) error {
		gotLocation, gotVersion = workerLocation, version
		return nil
	})

	resp, err := svc.Hello(context.Background(), &proto.HelloRequest{WorkerLocation: "worker-1:7090", Version: "v1"})
	require.NoError(t, err)
	assert.True(t, resp.GetOk())
	assert.Equal(t, "worker-1:7090", gotLocation)
	assert.Equal(t, "v1", gotVersion)
}

func TestHelloReportsNotOkWhenHandlerFails(t *testing.T) {
	pool := workerpool.New(nil)
	svc := New(nil, pool, func(ctx context.Context, workerLocation, version string) error {
		return assert.AnError
	})

	resp, err := svc.Hello(context.Background(), &proto.HelloRequest{WorkerLocation: "worker-1:7090"})
	require.NoError(t, err)
	assert.False(t, resp.GetOk())
}

func TestReportPipResultsTouchesPoolAndCountsReceived(t *testing.T) {
	pool := workerpool.New(nil)
	pool.Attach("worker-1:7090", nil)
	svc := New(nil, pool, nil)

	resp, err := svc.ReportPipResults(context.Background(), &proto.ReportPipResultsRequest{
		Results: []*proto.PipResult{{PipId: "pip-1", Succeeded: true}, {PipId: "pip-2", Succeeded: false}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.GetReceivedCount())
}

func TestAttachCompletedTouchesPool(t *testing.T) {
	pool := workerpool.New(nil)
	pool.Attach("worker-1:7090", nil)
	svc := New(nil, pool, nil)

	_, err := svc.AttachCompleted(context.Background(), &proto.AttachCompletedRequest{WorkerLocation: "worker-1:7090"})
	require.NoError(t, err)

	e, ok := pool.Get("worker-1:7090")
	require.True(t, ok)
	assert.False(t, e.LastContact.IsZero())
}

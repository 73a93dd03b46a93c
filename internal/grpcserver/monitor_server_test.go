package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"GoLiveInterview/internal/backend"
	"GoLiveInterview/internal/relay"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/store"
)

func setupServer(t *testing.T) (*relay.Manager, *grpc.ClientConn) {
	t.Helper()

	mgr := relay.NewManager(relay.DefaultConfig(), store.NewMemoryStore(), backend.NewWSDialer("ws://127.0.0.1:1/ws"))
	srv := NewServer("127.0.0.1:0", mgr)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return mgr, conn
}

func TestHealthCheck(t *testing.T) {
	_, conn := setupServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestMonitorViolationFlow(t *testing.T) {
	mgr, conn := setupServer(t)
	client := NewMonitorClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	iv, err := mgr.CreateInterview(ctx, "resume-grpc", session.LevelMid)
	require.NoError(t, err)

	got, err := client.GetInterview(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got["status"])

	report, err := client.ReportViolation(ctx, iv.ID, "tab_switch", 1.0, map[string]any{"source": "admin"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), report["strikes"])
	assert.Equal(t, false, report["terminated"])

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1), sessions["count"])

	summary, err := client.EndInterview(ctx, iv.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", summary["status"])

	_, err = client.EndInterview(ctx, iv.ID)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	stats, err := client.GetServerStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats["total_requests"], float64(5))
}

func TestMonitorErrors(t *testing.T) {
	_, conn := setupServer(t)
	client := NewMonitorClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.GetInterview(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetInterview(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.ReportViolation(ctx, "missing", "", 1, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// Package testutil 面试服务的端到端测试夹具：模拟后端、relay、REST 路由和测试用浏览器。
package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/backend"
	"GoLiveInterview/internal/httpserver"
	"GoLiveInterview/internal/relay"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/store"
)

// ServerOptions 测试服务器参数
type ServerOptions struct {
	Relay        relay.Config
	RelayOptions []relay.Option
	Mock         *backend.MockConfig
}

// TestServer 模拟后端 + relay + HTTP 路由
type TestServer struct {
	Backend *backend.MockServer
	Manager *relay.Manager
	Store   *store.MemoryStore

	http *httptest.Server
	t    *testing.T
}

// NewTestServer 创建并启动测试服务器，测试结束时自动关闭
func NewTestServer(t *testing.T, customizers ...func(*ServerOptions)) *TestServer {
	t.Helper()

	opts := &ServerOptions{
		Relay: relay.DefaultConfig(),
		Mock:  backend.DefaultMockConfig(""),
	}
	for _, c := range customizers {
		c(opts)
	}

	mock := backend.NewMockServer(opts.Mock)
	backendSrv := httptest.NewServer(http.HandlerFunc(mock.HandleWebSocket))

	dialer := backend.NewWSDialer("ws" + strings.TrimPrefix(backendSrv.URL, "http"))
	dialer.ConnectTimeout = 2 * time.Second

	st := store.NewMemoryStore()
	mgr := relay.NewManager(opts.Relay, st, dialer, opts.RelayOptions...)
	api := httpserver.NewAPIServer(":0", mgr, nil, httpserver.Options{})
	srv := httptest.NewServer(api.Handler())

	ts := &TestServer{Backend: mock, Manager: mgr, Store: st, http: srv, t: t}
	t.Cleanup(ts.Stop)
	return ts
}

// Stop 结束所有会话并关闭监听
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ts.Manager.Shutdown(ctx)
	ts.http.Close()
}

// HTTPURL REST 基础地址
func (ts *TestServer) HTTPURL() string {
	return ts.http.URL
}

// SessionURL 面试会话的 WebSocket 地址
func (ts *TestServer) SessionURL(interviewID string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/interview/" + interviewID
}

// CreateInterview 直接通过 relay 创建面试
func (ts *TestServer) CreateInterview(resumeID string) *store.Interview {
	ts.t.Helper()
	iv, err := ts.Manager.CreateInterview(context.Background(), resumeID, session.LevelMid)
	require.NoError(ts.t, err, "Failed to create interview")
	return iv
}

// WaitForStatus 等待面试在存储中进入指定状态（落库发生在连接关闭之后）
func (ts *TestServer) WaitForStatus(interviewID string, status session.Status) *store.Interview {
	ts.t.Helper()
	var got *store.Interview
	require.Eventually(ts.t, func() bool {
		iv, err := ts.Store.GetInterview(context.Background(), interviewID)
		if err != nil {
			return false
		}
		got = iv
		return iv.Status == status
	}, 3*time.Second, 10*time.Millisecond, "interview %s never reached %s", interviewID, status)
	return got
}

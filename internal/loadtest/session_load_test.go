package loadtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/audio"
	"GoLiveInterview/internal/testutil"
)

func testConfig(baseURL string) *SessionLoadTestConfig {
	cfg := DefaultSessionLoadTestConfig(baseURL)
	cfg.ConcurrentSessions = 4
	cfg.SessionDuration = 200 * time.Millisecond
	cfg.RampUpInterval = 0
	cfg.ConnectTimeout = 3 * time.Second
	cfg.DeviceFactory = func() audio.Device {
		return testutil.NewSilentDevice(10 * time.Millisecond)
	}
	return cfg
}

func TestSessionLoadCompletes(t *testing.T) {
	ts := testutil.NewTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := NewSessionLoadTester(testConfig(ts.HTTPURL())).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.TotalSessions)
	assert.Equal(t, int64(4), result.Completed)
	assert.Zero(t, result.Failed)
	assert.Greater(t, result.FramesCaptured, int64(0))
	assert.Greater(t, result.AvgConnectLatency, 0.0)
	assert.LessOrEqual(t, result.MinConnectLatency, result.P95ConnectLatency)
}

func TestSessionLoadWithViolations(t *testing.T) {
	ts := testutil.NewTestServer(t)

	cfg := testConfig(ts.HTTPURL())
	cfg.ConcurrentSessions = 2
	cfg.Violations = 2
	cfg.SessionDuration = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := NewSessionLoadTester(cfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Terminated)
	assert.Equal(t, int64(2), result.Warnings)
}

func TestSessionLoadInvalidConfig(t *testing.T) {
	_, err := NewSessionLoadTester(&SessionLoadTestConfig{}).Run(context.Background())
	assert.Error(t, err)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.ConcurrentSessions = 1
	result, err := NewSessionLoadTester(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Failed)
	assert.Equal(t, int64(1), result.ErrorsByType["create"])
}

package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoLiveInterview/internal/session"
)

// TestAssertions 测试断言助手
type TestAssertions struct {
	t  *testing.T
	ts *TestServer
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T, ts *TestServer) *TestAssertions {
	return &TestAssertions{t: t, ts: ts}
}

// AssertTerminated 断言面试因违规终止，strike 数达到上限并写明原因
func (ta *TestAssertions) AssertTerminated(interviewID string, maxStrikes int) {
	ta.t.Helper()
	iv := ta.ts.WaitForStatus(interviewID, session.StatusTerminated)
	assert.Equal(ta.t, maxStrikes, iv.Strikes, "strike count on termination")
	assert.Contains(ta.t, iv.TerminationReason, "Detected events", "termination reason")
	ta.t.Logf("✅ Termination assertion passed: %s", iv.TerminationReason)
}

// AssertCompleted 断言面试正常完成
func (ta *TestAssertions) AssertCompleted(interviewID string) {
	ta.t.Helper()
	iv := ta.ts.WaitForStatus(interviewID, session.StatusCompleted)
	assert.Empty(ta.t, iv.TerminationReason)
	require.NotNil(ta.t, iv.EndTime)
	ta.t.Logf("✅ Completion assertion passed: %.2fs", iv.DurationSeconds())
}

// AssertEventCount 断言记录的违规事件数和其中计为 strike 的数量
func (ta *TestAssertions) AssertEventCount(interviewID string, total, strikes int) {
	ta.t.Helper()
	events, err := ta.ts.Store.ListEvents(context.Background(), interviewID)
	require.NoError(ta.t, err)
	assert.Len(ta.t, events, total, "recorded events")

	counted := 0
	for _, ev := range events {
		if ev.ResultedInStrike {
			counted++
		}
	}
	assert.Equal(ta.t, strikes, counted, "events that resulted in a strike")
}

// AssertSessionCount 断言当前运行中的会话数
func (ta *TestAssertions) AssertSessionCount(expected int) {
	ta.t.Helper()
	assert.Len(ta.t, ta.ts.Manager.Sessions(), expected, "live sessions")
}

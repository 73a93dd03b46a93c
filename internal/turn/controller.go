// Package turn 管理会话生命周期和说话轮次。
package turn

import (
	"context"
	"log"
	"sync"

	"GoLiveInterview/internal/session"
)

// TurnState 说话轮次
type TurnState int32

const (
	TurnIdle TurnState = iota
	TurnAgentSpeaking
	TurnHumanSpeaking
	TurnTerminating
)

func (t TurnState) String() string {
	switch t {
	case TurnIdle:
		return "IDLE"
	case TurnAgentSpeaking:
		return "AGENT_SPEAKING"
	case TurnHumanSpeaking:
		return "HUMAN_SPEAKING"
	case TurnTerminating:
		return "TERMINATING"
	default:
		return "UNKNOWN"
	}
}

// StateChangeHandler 状态变化回调，在锁外调用
type StateChangeHandler func(oldState, newState session.State)

// TeardownStep 会话结束时按注册顺序执行的清理步骤
type TeardownStep struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Controller 会话生命周期和轮次控制器。
// 所有状态变更都在同一把锁内完成；多个结束请求同时到达时只有第一个生效，清理步骤只执行一次。
type Controller struct {
	sess *session.Session

	mu       sync.Mutex
	turn     TurnState
	final    bool
	claimed  bool
	target   session.State
	reason   string
	teardown []TeardownStep

	onStateChange StateChangeHandler

	done     chan struct{}
	doneOnce sync.Once
}

// NewController 为会话创建控制器
func NewController(sess *session.Session) *Controller {
	return &Controller{
		sess: sess,
		turn: TurnIdle,
		done: make(chan struct{}),
	}
}

// Session 被控制的会话
func (c *Controller) Session() *session.Session {
	return c.sess
}

// SetStateChangeHandler 设置状态变化回调
func (c *Controller) SetStateChangeHandler(h StateChangeHandler) {
	c.mu.Lock()
	c.onStateChange = h
	c.mu.Unlock()
}

// AddTeardown 追加清理步骤
func (c *Controller) AddTeardown(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.teardown = append(c.teardown, TeardownStep{Name: name, Fn: fn})
	c.mu.Unlock()
}

// State 当前会话状态
func (c *Controller) State() session.State {
	return c.sess.State()
}

// Turn 当前轮次
func (c *Controller) Turn() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// Done 会话进入终态后关闭
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Reason 结束原因
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Target 结束请求的目标终态，会话未结束时返回 false
func (c *Controller) Target() (session.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.final
}

// transition 必须持有 c.mu，返回需要在锁外触发的回调
func (c *Controller) transition(next session.State) func() {
	prev := c.sess.State()
	if prev == next {
		return func() {}
	}
	c.sess.SetState(next)
	handler := c.onStateChange
	return func() {
		if handler != nil {
			handler(prev, next)
		}
	}
}

// Activate Connecting -> Active
func (c *Controller) Activate() bool {
	c.mu.Lock()
	if c.final || c.sess.State() != session.StateConnecting {
		c.mu.Unlock()
		return false
	}
	notify := c.transition(session.StateActive)
	c.mu.Unlock()
	notify()
	return true
}

// Warn Active -> Warned，已是 Warned 时保持不变
func (c *Controller) Warn() bool {
	c.mu.Lock()
	if c.final || !c.sess.State().IsLive() {
		c.mu.Unlock()
		return false
	}
	notify := c.transition(session.StateWarned)
	c.mu.Unlock()
	notify()
	return true
}

// Acknowledge 候选人确认警告后 Warned -> Active，strike 数不变
func (c *Controller) Acknowledge() bool {
	c.mu.Lock()
	if c.final || c.sess.State() != session.StateWarned {
		c.mu.Unlock()
		return false
	}
	notify := c.transition(session.StateActive)
	c.mu.Unlock()
	notify()
	return true
}

// Claim 抢占结束权但暂不清理：其他结束请求和新的轮次立即被拒绝，
// 终止目标会立即进入 Terminating。之后以相同目标调用 Terminate/Complete/Disconnect 执行清理。
func (c *Controller) Claim(target session.State, reason string) bool {
	c.mu.Lock()
	if c.final {
		c.mu.Unlock()
		return false
	}
	notify := c.claim(target, reason)
	c.claimed = true
	c.mu.Unlock()
	notify()
	return true
}

// claim 必须持有 c.mu
func (c *Controller) claim(target session.State, reason string) func() {
	c.final = true
	c.target = target
	c.reason = reason
	c.turn = TurnTerminating
	if target == session.StateTerminated {
		c.sess.SetTerminationReason(reason)
		return c.transition(session.StateTerminating)
	}
	return func() {}
}

// Terminate 因违规终止：进入 Terminating，执行清理，然后进入 Terminated
func (c *Controller) Terminate(ctx context.Context, reason string) bool {
	return c.finish(ctx, session.StateTerminated, reason)
}

// Complete 正常结束：直接进入 Completed
func (c *Controller) Complete(ctx context.Context, reason string) bool {
	return c.finish(ctx, session.StateCompleted, reason)
}

// Disconnect 连接意外断开：进入 Disconnected
func (c *Controller) Disconnect(ctx context.Context, reason string) bool {
	return c.finish(ctx, session.StateDisconnected, reason)
}

func (c *Controller) finish(ctx context.Context, target session.State, reason string) bool {
	c.mu.Lock()
	var notify func()
	switch {
	case !c.final:
		notify = c.claim(target, reason)
	case c.claimed && c.target == target:
		// 由 Claim 抢占的结束请求，沿用抢占时的原因
		notify = func() {}
		reason = c.reason
	default:
		c.mu.Unlock()
		return false
	}
	c.claimed = false
	steps := c.teardown
	c.teardown = nil
	c.mu.Unlock()
	notify()

	log.Printf("[turn] session %s finishing as %s: %s", c.sess.ID, target, reason)
	for _, step := range steps {
		if err := step.Fn(ctx); err != nil {
			log.Printf("[turn] teardown step %s failed: %v", step.Name, err)
		}
	}

	c.mu.Lock()
	notify = c.transition(target)
	c.mu.Unlock()
	notify()

	c.doneOnce.Do(func() { close(c.done) })
	return true
}

// BeginAgentTurn 面试官开始说话。候选人正在说话时不抢占，返回 false。
func (c *Controller) BeginAgentTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final || !c.sess.State().IsLive() {
		return false
	}
	switch c.turn {
	case TurnIdle:
		c.turn = TurnAgentSpeaking
		return true
	case TurnAgentSpeaking:
		return true
	default:
		return false
	}
}

// EndAgentTurn 面试官说完
func (c *Controller) EndAgentTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == TurnAgentSpeaking {
		c.turn = TurnIdle
	}
}

// BeginHumanTurn 候选人开始说话。面试官正在说话时视为插话，bargeIn 为 true。
func (c *Controller) BeginHumanTurn() (bargeIn bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final || !c.sess.State().IsLive() {
		return false, false
	}
	switch c.turn {
	case TurnAgentSpeaking:
		c.turn = TurnHumanSpeaking
		return true, true
	case TurnIdle:
		c.turn = TurnHumanSpeaking
		return false, true
	case TurnHumanSpeaking:
		return false, true
	default:
		return false, false
	}
}

// EndHumanTurn 候选人说完
func (c *Controller) EndHumanTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn != TurnHumanSpeaking {
		return false
	}
	c.turn = TurnIdle
	return true
}

package signals

import (
	"context"
	"sync"

	"GoLiveInterview/internal/violation"
)

const (
	TabSwitchConfidence  = 1.0
	WindowBlurConfidence = 0.85
	RightClickConfidence = 0.7
	CopyConfidence       = 0.9
)

// EdgeSource 监视一个布尔状态（页面可见、窗口聚焦），
// 每次从 active 变为 inactive 产生一个事件，inactive 期间不重复产生。
type EdgeSource struct {
	name       string
	kind       violation.Kind
	confidence float64

	mu     sync.Mutex
	active bool
	emit   EmitFunc
}

// NewVisibilitySource 页面可见性信号，隐藏时产生 tab_switch
func NewVisibilitySource() *EdgeSource {
	return &EdgeSource{name: "visibility", kind: violation.KindTabSwitch, confidence: TabSwitchConfidence, active: true}
}

// NewFocusSource 窗口焦点信号，失焦时产生 window_blur
func NewFocusSource() *EdgeSource {
	return &EdgeSource{name: "focus", kind: violation.KindWindowBlur, confidence: WindowBlurConfidence, active: true}
}

func (s *EdgeSource) Name() string { return s.name }

// Start 绑定输出并阻塞到 ctx 结束
func (s *EdgeSource) Start(ctx context.Context, emit EmitFunc) error {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.emit = nil
	s.mu.Unlock()
	return nil
}

// Observe 输入一次状态观测，返回是否产生了事件
func (s *EdgeSource) Observe(active bool) bool {
	s.mu.Lock()
	wasActive := s.active
	s.active = active
	emit := s.emit
	s.mu.Unlock()

	if !wasActive || active || emit == nil {
		return false
	}
	emit(violation.NewEvent(s.kind, s.confidence, map[string]any{"source": s.name}))
	return true
}

// Action 可被拦截的用户操作
type Action string

const (
	ActionContextMenu Action = "context_menu"
	ActionCopy        Action = "copy"
	ActionCut         Action = "cut"
	ActionPaste       Action = "paste"
)

// ActionGuard 拦截右键菜单和剪贴板操作，每次尝试都产生一个事件
type ActionGuard struct {
	mu   sync.Mutex
	emit EmitFunc
}

// NewActionGuard 创建操作拦截器
func NewActionGuard() *ActionGuard {
	return &ActionGuard{}
}

func (g *ActionGuard) Name() string { return "action_guard" }

// Start 绑定输出并阻塞到 ctx 结束
func (g *ActionGuard) Start(ctx context.Context, emit EmitFunc) error {
	g.mu.Lock()
	g.emit = emit
	g.mu.Unlock()

	<-ctx.Done()

	g.mu.Lock()
	g.emit = nil
	g.mu.Unlock()
	return nil
}

// Intercept 处理一次操作尝试，返回 true 表示该操作应被阻止
func (g *ActionGuard) Intercept(action Action) bool {
	var (
		kind       violation.Kind
		confidence float64
	)
	switch action {
	case ActionContextMenu:
		kind, confidence = violation.KindRightClick, RightClickConfidence
	case ActionCopy, ActionCut, ActionPaste:
		kind, confidence = violation.KindCopyAttempt, CopyConfidence
	default:
		return false
	}

	g.mu.Lock()
	emit := g.emit
	g.mu.Unlock()
	if emit != nil {
		emit(violation.NewEvent(kind, confidence, map[string]any{"action": string(action)}))
	}
	return true
}

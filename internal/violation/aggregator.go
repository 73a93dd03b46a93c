package violation

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"
)

// Config 聚合器配置
type Config struct {
	MaxStrikes int
	// Threshold 置信度 >= Threshold 的事件才可能计为 strike
	Threshold float64
	// Cooldown 同类型事件产生 strike 的最小间隔
	Cooldown time.Duration
	// FocusDedupeWindow 内先后出现的 tab_switch / window_blur 视为同一次用户操作
	FocusDedupeWindow time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxStrikes:        2,
		Threshold:         0.6,
		Cooldown:          5 * time.Second,
		FocusDedupeWindow: time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxStrikes <= 0 {
		c.MaxStrikes = def.MaxStrikes
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		c.Threshold = def.Threshold
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.FocusDedupeWindow < 0 {
		c.FocusDedupeWindow = 0
	}
	return c
}

// Observer 在 Submit 完成后（锁外）被调用，调用顺序与判定顺序一致
type Observer func(outcome Outcome, record Record)

// Gate 在聚合器锁内、strike 生效前调用。返回 false 表示会话已由其他途径结束，
// 该事件记为忽略（session_closed），不计 strike。
type Gate func(outcome Outcome) bool

type focusMark struct {
	kind Kind
	at   time.Time
}

// Aggregator 把各信号源的事件串行化为 strike 计数和终止判定。
// 所有事件经过同一把锁处理，判定只依赖事件顺序与事件时间戳。
type Aggregator struct {
	mu           sync.Mutex
	cfg          Config
	log          *Log
	strikes      []Strike
	lastStrikeAt map[Kind]time.Time
	lastFocus    *focusMark
	terminated   bool
	gate         Gate

	observersMu sync.RWMutex
	observers   []Observer
	// dispatchMu 在释放 mu 之前获取，保证观察者按判定顺序执行
	dispatchMu sync.Mutex
}

// NewAggregator 创建聚合器，事件追加到 eventLog（为 nil 时内部新建）
func NewAggregator(cfg Config, eventLog *Log) *Aggregator {
	if eventLog == nil {
		eventLog = NewLog()
	}
	return &Aggregator{
		cfg:          cfg.normalized(),
		log:          eventLog,
		lastStrikeAt: make(map[Kind]time.Time),
	}
}

// Subscribe 注册结果观察者
func (a *Aggregator) Subscribe(fn Observer) {
	a.observersMu.Lock()
	a.observers = append(a.observers, fn)
	a.observersMu.Unlock()
}

// SetGate 设置 strike 生效前的检查
func (a *Aggregator) SetGate(g Gate) {
	a.mu.Lock()
	a.gate = g
	a.mu.Unlock()
}

// UpdateTuning 热更新阈值和冷却时间，已记录的 strike 不受影响
func (a *Aggregator) UpdateTuning(threshold float64, cooldown, focusDedupe time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.cfg
	next.Threshold = threshold
	next.Cooldown = cooldown
	next.FocusDedupeWindow = focusDedupe
	a.cfg = next.normalized()
}

// Submit 处理一个事件并返回结果
func (a *Aggregator) Submit(ev Event) Outcome {
	a.mu.Lock()
	outcome, record := a.evaluate(ev)
	a.log.Append(record)
	a.dispatchMu.Lock()
	a.mu.Unlock()

	a.observersMu.RLock()
	observers := a.observers
	a.observersMu.RUnlock()
	for _, fn := range observers {
		fn(outcome, record)
	}
	a.dispatchMu.Unlock()

	return outcome
}

// evaluate 必须持有 a.mu
func (a *Aggregator) evaluate(ev Event) (Outcome, Record) {
	ignore := func(reason IgnoreReason) (Outcome, Record) {
		return Outcome{Kind: Ignored, StrikeNumber: len(a.strikes), MaxStrikes: a.cfg.MaxStrikes, Reason: reason},
			Record{Event: ev, Outcome: Ignored, Reason: reason}
	}

	if a.terminated {
		return ignore(ReasonAlreadyTerminated)
	}
	if ev.Confidence < a.cfg.Threshold {
		return ignore(ReasonBelowThreshold)
	}
	if last, ok := a.lastStrikeAt[ev.Kind]; ok && a.cfg.Cooldown > 0 && ev.Timestamp.Sub(last) < a.cfg.Cooldown {
		return ignore(ReasonCooldown)
	}
	if ev.Kind.IsFocusLoss() && a.lastFocus != nil && a.lastFocus.kind != ev.Kind &&
		absDuration(ev.Timestamp.Sub(a.lastFocus.at)) < a.cfg.FocusDedupeWindow {
		return ignore(ReasonDuplicateFocusLoss)
	}

	number := len(a.strikes) + 1
	strike := Strike{Number: number, Event: ev}
	outcome := Outcome{
		Kind:         Warned,
		StrikeNumber: number,
		MaxStrikes:   a.cfg.MaxStrikes,
		Strike:       &strike,
		Message:      WarningMessage(number, a.cfg.MaxStrikes),
	}
	if number >= a.cfg.MaxStrikes {
		outcome.Kind = Terminated
		outcome.Message = TerminatedMessage
		outcome.TerminationReason = a.terminationReason(append(slices.Clone(a.strikes), strike))
	}
	if a.gate != nil && !a.gate(outcome) {
		return ignore(ReasonSessionClosed)
	}

	a.strikes = append(a.strikes, strike)
	a.lastStrikeAt[ev.Kind] = ev.Timestamp
	if ev.Kind.IsFocusLoss() {
		a.lastFocus = &focusMark{kind: ev.Kind, at: ev.Timestamp}
	}
	if outcome.Kind == Terminated {
		a.terminated = true
		log.Printf("[violation] strike %d/%d (%s, confidence=%.2f): terminating",
			number, a.cfg.MaxStrikes, ev.Kind, ev.Confidence)
	} else {
		log.Printf("[violation] strike %d/%d (%s, confidence=%.2f): warning",
			number, a.cfg.MaxStrikes, ev.Kind, ev.Confidence)
	}

	return outcome, Record{
		Event:            ev,
		ResultedInStrike: true,
		StrikeNumber:     number,
		Outcome:          outcome.Kind,
	}
}

// Strikes 当前 strike 数
func (a *Aggregator) Strikes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.strikes)
}

// MaxStrikes 终止阈值
func (a *Aggregator) MaxStrikes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.MaxStrikes
}

// Terminated 是否已经作出终止判定
func (a *Aggregator) Terminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

// StrikeList 返回 strike 副本
func (a *Aggregator) StrikeList() []Strike {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Strike, len(a.strikes))
	copy(out, a.strikes)
	return out
}

// Log 返回事件日志
func (a *Aggregator) Log() *Log {
	return a.log
}

// TerminationReason 终止原因，未终止时为空
func (a *Aggregator) TerminationReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.terminated {
		return ""
	}
	return a.terminationReason(a.strikes)
}

// terminationReason 必须持有 a.mu
func (a *Aggregator) terminationReason(strikes []Strike) string {
	kinds := make([]string, 0, len(strikes))
	for _, s := range strikes {
		kinds = append(kinds, string(s.Event.Kind))
	}
	return fmt.Sprintf("Interview terminated after %d cheating violations. Detected events: %s. "+
		"This session has been flagged for manual review.", a.cfg.MaxStrikes, strings.Join(kinds, ", "))
}

// TerminatedMessage 终止时发给候选人的提示
const TerminatedMessage = "Interview terminated due to suspected cheating. This session has been flagged for review."

// WarningMessage 根据 strike 编号生成警告文案
func WarningMessage(strike, maxStrikes int) string {
	if strike >= maxStrikes {
		return TerminatedMessage
	}
	if strike == maxStrikes-1 {
		return fmt.Sprintf("STRIKE %d/%d: Suspicious activity detected. One more violation will terminate your interview.",
			strike, maxStrikes)
	}
	return fmt.Sprintf("STRIKE %d/%d: Suspicious activity detected.", strike, maxStrikes)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

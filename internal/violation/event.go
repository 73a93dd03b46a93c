package violation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind 违规事件类型
type Kind string

const (
	KindTabSwitch     Kind = "tab_switch"
	KindWindowBlur    Kind = "window_blur"
	KindRightClick    Kind = "right_click"
	KindCopyAttempt   Kind = "copy_attempt"
	KindNoFace        Kind = "no_face"
	KindMultipleFaces Kind = "multiple_faces"
	// KindLookingAway 是兜底类型，未知的上报类型都归到这里
	KindLookingAway Kind = "looking_away"
)

// ParseKind 解析上报的事件类型，未知值回退为 looking_away
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindTabSwitch, KindWindowBlur, KindRightClick, KindCopyAttempt,
		KindNoFace, KindMultipleFaces, KindLookingAway:
		return k
	default:
		return KindLookingAway
	}
}

// IsFocusLoss 标签页切换和窗口失焦属于同一类焦点丢失信号
func (k Kind) IsFocusLoss() bool {
	return k == KindTabSwitch || k == KindWindowBlur
}

// String 实现 fmt.Stringer
func (k Kind) String() string {
	return string(k)
}

// Event 一次可疑行为检测结果，创建后不可修改
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"event_type"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewEvent 以当前时间创建事件
func NewEvent(kind Kind, confidence float64, details map[string]any) Event {
	return NewEventAt(kind, confidence, details, time.Now())
}

// NewEventAt 以指定时间创建事件，置信度被截断到 [0,1]
func NewEventAt(kind Kind, confidence float64, details map[string]any, at time.Time) Event {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}

	return Event{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Kind:       kind,
		Confidence: confidence,
		Timestamp:  at,
		Details:    copied,
	}
}

// Strike 一次确认的违规，编号从 1 开始单调递增
type Strike struct {
	Number int   `json:"number"`
	Event  Event `json:"event"`
}

// OutcomeKind 聚合器处理结果
type OutcomeKind int

const (
	Ignored OutcomeKind = iota
	Warned
	Terminated
)

func (k OutcomeKind) String() string {
	switch k {
	case Ignored:
		return "IGNORED"
	case Warned:
		return "WARNED"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 以小写名称序列化
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(k.String())), nil
}

// IgnoreReason 事件未产生 strike 的原因
type IgnoreReason string

const (
	ReasonNone               IgnoreReason = ""
	ReasonBelowThreshold     IgnoreReason = "below_threshold"
	ReasonCooldown           IgnoreReason = "cooldown"
	ReasonDuplicateFocusLoss IgnoreReason = "duplicate_focus_loss"
	ReasonAlreadyTerminated  IgnoreReason = "terminated"
	ReasonSessionClosed      IgnoreReason = "session_closed"
)

// Outcome Submit 的返回值
type Outcome struct {
	Kind         OutcomeKind
	StrikeNumber int
	MaxStrikes   int
	Strike       *Strike
	Reason       IgnoreReason
	// Message 是发给候选人的警告或终止提示
	Message string
	// TerminationReason 仅在 Terminated 时填写
	TerminationReason string
}

func (o Outcome) String() string {
	switch o.Kind {
	case Warned, Terminated:
		return fmt.Sprintf("%s(%d)", o.Kind, o.StrikeNumber)
	default:
		if o.Reason != ReasonNone {
			return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
		}
		return o.Kind.String()
	}
}

package protocol

// MessageType 控制消息类型（JSON 文本帧中的 type 字段）
type MessageType string

const (
	// 服务端 -> 客户端
	TypeConnected   MessageType = "connected"
	TypeTranscript  MessageType = "transcript"
	TypeWarning     MessageType = "warning"
	TypeTerminated  MessageType = "terminated"
	TypeError       MessageType = "error"
	TypeInterrupted MessageType = "interrupted"

	// 客户端 -> 服务端
	TypeCheatingDetected MessageType = "cheating_detected"
	TypeEndInterview     MessageType = "end_interview"
	TypeText             MessageType = "text"
	TypeAudio            MessageType = "audio"
	TypeSignal           MessageType = "signal"
	// TypeWarningAck 候选人已看到警告，会话回到 Active
	TypeWarningAck MessageType = "warning_ack"
)

// String 实现 fmt.Stringer
func (t MessageType) String() string {
	return string(t)
}

// IsValidType 检查消息类型是否已知
func IsValidType(t MessageType) bool {
	return IsServerType(t) || IsClientType(t)
}

// IsServerType 判断是否为服务端下发的消息类型
func IsServerType(t MessageType) bool {
	switch t {
	case TypeConnected, TypeTranscript, TypeWarning, TypeTerminated, TypeError, TypeInterrupted:
		return true
	default:
		return false
	}
}

// IsClientType 判断是否为客户端上行的消息类型
func IsClientType(t MessageType) bool {
	switch t {
	case TypeCheatingDetected, TypeEndInterview, TypeText, TypeAudio, TypeSignal, TypeWarningAck:
		return true
	default:
		return false
	}
}

// IsFinalType 判断消息是否意味着会话结束
func IsFinalType(t MessageType) bool {
	return t == TypeTerminated
}

// 信号名称（signal 消息中的 signal 字段），由浏览器原始事件映射而来
const (
	SignalVisibility  = "visibility"
	SignalFocus       = "focus"
	SignalContextMenu = "context_menu"
	SignalCopy        = "copy"
	SignalCut         = "cut"
	SignalPaste       = "paste"
	SignalFaces       = "faces"
)

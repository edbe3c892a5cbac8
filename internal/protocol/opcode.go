package protocol

// 操作码定义
const (
	// 会话握手
	OpSessionOffer uint16 = 1001 // broker -> agent，下发待接入的会话
	OpAgentAccept  uint16 = 1002 // agent -> broker，确认接入
	OpAttached     uint16 = 1003 // broker -> viewer/agent，接入成功

	// 心跳
	OpHeartbeat     uint16 = 1100
	OpHeartbeatResp uint16 = 1101

	// 远程Shell
	OpShellCommand uint16 = 2001
	OpShellOutput  uint16 = 2002

	// 屏幕镜像
	OpScreenFrame uint16 = 3001

	// 会话控制
	OpControl       uint16 = 4001
	OpSessionClosed uint16 = 4002

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpSessionOffer:
		return "SESSION_OFFER"
	case OpAgentAccept:
		return "AGENT_ACCEPT"
	case OpAttached:
		return "ATTACHED"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatResp:
		return "HEARTBEAT_RESP"
	case OpShellCommand:
		return "SHELL_COMMAND"
	case OpShellOutput:
		return "SHELL_OUTPUT"
	case OpScreenFrame:
		return "SCREEN_FRAME"
	case OpControl:
		return "CONTROL"
	case OpSessionClosed:
		return "SESSION_CLOSED"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	return OpcodeToString(op) != "UNKNOWN"
}

// IsRelayOpcode 判断是否为会话内转发的数据单元
func IsRelayOpcode(op uint16) bool {
	switch op {
	case OpShellCommand, OpShellOutput, OpScreenFrame, OpControl:
		return true
	default:
		return false
	}
}

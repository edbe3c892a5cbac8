package broker

import "errors"

var (
	// ErrAlreadyActive 同一节点同一类型已存在未结束的会话
	ErrAlreadyActive = errors.New("session already active for node")
	// ErrNotFound 会话不存在或已被清理
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition 非法的状态转换
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrInvalidSettings 会话参数不合法
	ErrInvalidSettings = errors.New("invalid session settings")
	// ErrUnknownKind 未知的会话类型
	ErrUnknownKind = errors.New("unknown session kind")
	// ErrBrokerClosed broker已关闭
	ErrBrokerClosed = errors.New("broker is shut down")
)

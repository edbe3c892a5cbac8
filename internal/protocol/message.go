package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// 握手与控制消息的消息体统一使用 google.protobuf.Struct 编码，
// 转发单元（命令、输出、屏幕帧）的消息体为原始字节。

// SessionOffer broker 下发给 agent 的待接入会话
type SessionOffer struct {
	SessionID   string          `json:"session_id"`
	Kind        string          `json:"kind"`
	RequestedBy string          `json:"requested_by"`
	Settings    json.RawMessage `json:"settings,omitempty"`
}

// AgentAccept agent 确认接入
type AgentAccept struct {
	SessionID string `json:"session_id"`
}

// Attached 接入成功通知
type Attached struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Role      string `json:"role"`
}

// SessionClosed 会话关闭通知
type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ErrorBody 错误响应
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal 将消息编码为 Struct 消息体
func Marshal(v interface{}) ([]byte, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Unmarshal 将 Struct 消息体解码到 v
func Unmarshal(body []byte, v interface{}) error {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return fmt.Errorf("decode struct body: %w", err)
	}
	return FromStruct(&s, v)
}

// ToStruct 借助 JSON 标签把任意结构转换为 Struct
func ToStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode %T: not an object: %w", v, err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// FromStruct ToStruct 的逆操作
func FromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode into %T: %w", v, err)
	}
	return nil
}

// EncodeMessage 编码一个带 Struct 消息体的完整帧
func EncodeMessage(op uint16, v interface{}) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(op, body), nil
}

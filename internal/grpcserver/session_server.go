package grpcserver

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/logger"
	"FleetBroker/internal/protocol"
)

// UserMetadataKey 调用方身份所在的 metadata 键
const UserMetadataKey = "x-user-id"

// Control gRPC 层依赖的 broker 能力
type Control interface {
	Create(nodeID, userID string, kind broker.Kind, settings broker.Settings) (string, error)
	List(includeClosed bool) []broker.Snapshot
	Close(id, reason string) error
	PollPending(nodeID string, kind broker.Kind) (broker.Snapshot, bool)
}

// CreateSessionRequest CreateSession 请求字段
type CreateSessionRequest struct {
	NodeID   string          `json:"node_id"`
	Kind     string          `json:"kind"`
	Settings broker.Settings `json:"settings"`
}

// ListSessionsRequest ListSessions 请求字段
type ListSessionsRequest struct {
	IncludeClosed bool   `json:"include_closed"`
	NodeID        string `json:"node_id,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

// CloseSessionRequest CloseSession 请求字段
type CloseSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// PollPendingRequest PollPending 请求字段
type PollPendingRequest struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
}

// SessionServer SessionControl 的实现
type SessionServer struct {
	control Control
	log     *logrus.Entry

	requestCount atomic.Int64
	errorCount   atomic.Int64
	startTime    time.Time

	grpc *grpc.Server
}

// NewSessionServer 创建服务并注册到新的 grpc.Server
func NewSessionServer(control Control, opts ...grpc.ServerOption) *SessionServer {
	s := &SessionServer{
		control:   control,
		log:       logger.NewLogger("grpcserver"),
		startTime: time.Now(),
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.statsInterceptor))
	s.grpc = grpc.NewServer(opts...)
	RegisterSessionControlServer(s.grpc, s)
	return s
}

// Serve 在 lis 上阻塞服务，GracefulStop 后返回 nil
func (s *SessionServer) Serve(lis net.Listener) error {
	s.log.WithField("addr", lis.Addr().String()).Info("grpc server listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop 优雅停止，ctx 到期后强制停止
func (s *SessionServer) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func (s *SessionServer) statsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	s.requestCount.Add(1)
	resp, err := handler(ctx, req)
	entry := s.log.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).String(),
	})
	if err != nil {
		s.errorCount.Add(1)
		entry.WithError(err).Debug("rpc failed")
	} else {
		entry.Debug("rpc")
	}
	return resp, err
}

// CreateSession 创建会话，需要 x-user-id
func (s *SessionServer) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := userFromContext(ctx)
	if userID == "" {
		return nil, status.Error(codes.Unauthenticated, "missing "+UserMetadataKey+" metadata")
	}
	var req CreateSessionRequest
	if err := protocol.FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	kind, err := broker.ParseKind(req.Kind)
	if err != nil {
		return nil, StatusError(err)
	}
	id, err := s.control.Create(req.NodeID, userID, kind, req.Settings)
	if err != nil {
		return nil, StatusError(err)
	}
	return structpb.NewStruct(map[string]interface{}{"session_id": id})
}

// ListSessions 列出会话，可按节点和类型过滤
func (s *SessionServer) ListSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListSessionsRequest
	if err := protocol.FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var kind broker.Kind
	if req.Kind != "" {
		k, err := broker.ParseKind(req.Kind)
		if err != nil {
			return nil, StatusError(err)
		}
		kind = k
	}

	sessions := make([]broker.Snapshot, 0)
	for _, snap := range s.control.List(req.IncludeClosed) {
		if req.NodeID != "" && snap.NodeID != req.NodeID {
			continue
		}
		if kind != 0 && snap.Kind != kind {
			continue
		}
		sessions = append(sessions, snap)
	}
	out, err := protocol.ToStruct(struct {
		Sessions []broker.Snapshot `json:"sessions"`
	}{sessions})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// CloseSession 关闭会话，已关闭的会话视为成功
func (s *SessionServer) CloseSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CloseSessionRequest
	if err := protocol.FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if err := s.control.Close(req.SessionID, req.Reason); err != nil {
		return nil, StatusError(err)
	}
	s.log.WithFields(logrus.Fields{"session_id": req.SessionID, "user_id": userFromContext(ctx)}).Info("session closed by operator")
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

// PollPending 查询节点上等待接入的会话，没有时返回 NotFound
func (s *SessionServer) PollPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PollPendingRequest
	if err := protocol.FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	kind, err := broker.ParseKind(req.Kind)
	if err != nil {
		return nil, StatusError(err)
	}
	snap, ok := s.control.PollPending(req.NodeID, kind)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no pending %s session for node %s", kind, req.NodeID)
	}
	out, err := protocol.ToStruct(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// StatusError broker 错误到 gRPC 状态码
func StatusError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, broker.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, broker.ErrAlreadyActive):
		code = codes.AlreadyExists
	case errors.Is(err, broker.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, broker.ErrInvalidSettings), errors.Is(err, broker.ErrUnknownKind):
		code = codes.InvalidArgument
	case errors.Is(err, broker.ErrBrokerClosed):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// GetStats 获取服务器统计信息
func (s *SessionServer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"request_count":  s.requestCount.Load(),
		"error_count":    s.errorCount.Load(),
	}
}

func userFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(UserMetadataKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

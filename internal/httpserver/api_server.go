package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/logger"
)

// UserHeader 上游认证组件写入的调用方身份
const UserHeader = "X-User-ID"

// SessionControl REST 层依赖的 broker 能力
type SessionControl interface {
	Create(nodeID, userID string, kind broker.Kind, settings broker.Settings) (string, error)
	Get(id string) (broker.Snapshot, bool)
	List(includeClosed bool) []broker.Snapshot
	Close(id, reason string) error
	Pause(id string) error
	Resume(id string) error
	PollPending(nodeID string, kind broker.Kind) (broker.Snapshot, bool)
	Stats() map[string]interface{}
}

// APIServer 运维 REST 接口
type APIServer struct {
	router  *mux.Router
	server  *http.Server
	control SessionControl
	log     *logrus.Entry

	// 统计信息
	requestCount int64
	errorCount   int64
	responseTime []time.Duration
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// PaginatedResponse 分页响应
type PaginatedResponse struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
	Timestamp  int64       `json:"timestamp"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// CreateSessionRequest 创建会话请求体
type CreateSessionRequest struct {
	NodeID   string          `json:"node_id"`
	Kind     string          `json:"kind"`
	Settings broker.Settings `json:"settings"`
}

// NewAPIServer 创建 REST 服务，allowedOrigins 为空时允许所有来源
func NewAPIServer(addr string, control SessionControl, allowedOrigins []string) *APIServer {
	s := &APIServer{
		router:    mux.NewRouter(),
		control:   control,
		log:       logger.NewLogger("httpserver"),
		startTime: time.Now(),
	}
	s.setupRoutes()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", UserHeader},
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sessions", s.createSessionHandler).Methods("POST")
	api.HandleFunc("/sessions", s.listSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.closeSessionHandler).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/pause", s.pauseSessionHandler).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume", s.resumeSessionHandler).Methods("POST")

	// agent 轮询路径
	api.HandleFunc("/nodes/{node}/pending", s.pendingHandler).Methods("GET")

	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
}

// Handler 带 CORS 的完整路由
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保留最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

func (s *APIServer) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		s.writeErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "missing "+UserHeader+" header")
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	kind, err := broker.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id, err := s.control.Create(req.NodeID, userID, kind, req.Settings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, APIResponse{
		Success:   true,
		Data:      map[string]string{"session_id": id},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeClosed, _ := strconv.ParseBool(q.Get("include_closed"))
	nodeID := q.Get("node_id")
	var kind broker.Kind
	if k := q.Get("kind"); k != "" {
		parsed, err := broker.ParseKind(k)
		if err != nil {
			s.writeError(w, err)
			return
		}
		kind = parsed
	}

	var sessions []broker.Snapshot
	for _, snap := range s.control.List(includeClosed) {
		if nodeID != "" && snap.NodeID != nodeID {
			continue
		}
		if kind != 0 && snap.Kind != kind {
			continue
		}
		sessions = append(sessions, snap)
	}

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	total := len(sessions)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	s.writeJSONResponse(w, http.StatusOK, PaginatedResponse{
		Success: true,
		Data:    append([]broker.Snapshot{}, sessions[start:end]...),
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: (total + pageSize - 1) / pageSize,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.control.Get(id)
	if !ok {
		s.writeError(w, broker.ErrNotFound)
		return
	}
	s.writeSuccessResponse(w, snap)
}

func (s *APIServer) closeSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if err := s.control.Close(id, reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.WithFields(logrus.Fields{"session_id": id, "user_id": userFromRequest(r)}).Info("session closed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) pauseSessionHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.control.Pause)
}

func (s *APIServer) resumeSessionHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.control.Resume)
}

func (s *APIServer) transition(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := mux.Vars(r)["id"]
	if err := fn(id); err != nil {
		s.writeError(w, err)
		return
	}
	snap, _ := s.control.Get(id)
	s.writeSuccessResponse(w, snap)
}

func (s *APIServer) pendingHandler(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node"]
	kind, err := broker.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, ok := s.control.PollPending(nodeID, kind)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeSuccessResponse(w, snap)
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := s.GetStats()
	for k, v := range s.control.Stats() {
		metrics["broker_"+k] = v
	}
	s.writeSuccessResponse(w, metrics)
}

// StatusFor broker 错误到 HTTP 状态码与错误码
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, broker.ErrAlreadyActive):
		return http.StatusConflict, "already_active"
	case errors.Is(err, broker.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(err, broker.ErrInvalidSettings), errors.Is(err, broker.ErrUnknownKind):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, broker.ErrBrokerClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeErrorResponse(w, status, code, err.Error())
}

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	s.writeJSONResponse(w, statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 阻塞监听，正常关闭时返回 nil
func (s *APIServer) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("http api server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭
func (s *APIServer) Stop(ctx context.Context) error {
	s.log.Info("stopping http api server")
	return s.server.Shutdown(ctx)
}

// GetStats 请求统计
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avg float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avg = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}
	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avg,
	}
}

// userFromRequest 调用方身份，由上游认证组件保证可信
func userFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

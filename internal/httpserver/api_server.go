package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"GoLiveInterview/internal/logger"
	"GoLiveInterview/internal/relay"
	"GoLiveInterview/internal/session"
	"GoLiveInterview/internal/store"
)

// Options HTTP 服务选项
type Options struct {
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// APIServer 面试生命周期 REST 接口和 WebSocket 入口
type APIServer struct {
	router  *mux.Router
	server  *http.Server
	handler http.Handler
	manager *relay.Manager
	monitor *logger.Broadcaster

	// 统计信息
	requestCount atomic.Int64
	errorCount   atomic.Int64
	responseTime []time.Duration
	startTime    time.Time
	mu           sync.RWMutex
}

// APIResponse API响应结构
type APIResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CreateInterviewRequest 创建面试请求
type CreateInterviewRequest struct {
	ResumeID        string `json:"resume_id"`
	ExperienceLevel string `json:"experience_level"`
}

// ViolationRequest 违规上报请求
type ViolationRequest struct {
	InterviewID string         `json:"interview_id,omitempty"`
	EventType   string         `json:"event_type"`
	Confidence  float64        `json:"confidence"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewAPIServer 创建新的HTTP API服务器，monitor 为 nil 时不提供 /ws/monitor
func NewAPIServer(addr string, manager *relay.Manager, monitor *logger.Broadcaster, opts Options) *APIServer {
	s := &APIServer{
		router:    mux.NewRouter(),
		manager:   manager,
		monitor:   monitor,
		startTime: time.Now(),
	}
	s.setupRoutes()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	s.handler = c.Handler(s.router)

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 15 * time.Second
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler 带 CORS 的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.handler
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 面试生命周期
	api.HandleFunc("/interviews", s.createInterviewHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}", s.getInterviewHandler).Methods("GET")
	api.HandleFunc("/interviews/{id}/end", s.endInterviewHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}/violations", s.reportViolationHandler).Methods("POST")
	api.HandleFunc("/interviews/{id}/events", s.listEventsHandler).Methods("GET")

	// 运行中的会话
	api.HandleFunc("/sessions", s.getSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}/timeline", s.getTimelineHandler).Methods("GET")

	// 健康检查和监控
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws/interview/{id}", s.interviewSocketHandler)
	if s.monitor != nil {
		s.router.HandleFunc("/ws/monitor", s.monitor.HandleWebSocket)
	}
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.requestCount.Add(1)
		s.mu.Lock()
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

func (s *APIServer) createInterviewHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateInterviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.ResumeID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "resume_id is required")
		return
	}
	level, err := session.ParseExperienceLevel(req.ExperienceLevel)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_experience_level", err.Error())
		return
	}

	iv, err := s.manager.CreateInterview(r.Context(), req.ResumeID, level)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Data: map[string]any{
			"interview_id": iv.ID,
			"status":       iv.Status,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) getInterviewHandler(w http.ResponseWriter, r *http.Request) {
	iv, err := s.manager.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, iv)
}

func (s *APIServer) endInterviewHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.manager.EndInterview(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, summary)
}

func (s *APIServer) reportViolationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ViolationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.EventType == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "event_type is required")
		return
	}
	if req.InterviewID != "" && req.InterviewID != id {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "interview_id does not match path")
		return
	}

	report, err := s.manager.ReportViolation(r.Context(), id, req.EventType, req.Confidence, req.Details)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, report)
}

func (s *APIServer) listEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.manager.Store().GetInterview(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	events, err := s.manager.Store().ListEvents(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccessResponse(w, events)
}

func (s *APIServer) getSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	if sessions == nil {
		sessions = []session.Snapshot{}
	}
	s.writeSuccessResponse(w, sessions)
}

func (s *APIServer) getTimelineHandler(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.manager.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	data, err := rt.Session().Recorder.ExportJSON()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, json.RawMessage(data))
}

func (s *APIServer) interviewSocketHandler(w http.ResponseWriter, r *http.Request) {
	s.manager.HandleWebSocket(w, r, mux.Vars(r)["id"])
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	storeStatus := "ok"
	if err := s.manager.Store().Ping(ctx); err != nil {
		status, code, storeStatus = "degraded", http.StatusServiceUnavailable, err.Error()
	}
	s.writeJSONResponse(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]any{
			"status":          status,
			"store":           storeStatus,
			"active_sessions": s.manager.ActiveSessions(),
			"uptime":          time.Since(s.startTime).Seconds(),
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.GetStats()
	stats["active_sessions"] = s.manager.ActiveSessions()
	if s.monitor != nil {
		stats["monitor_clients"] = s.monitor.Clients()
	}
	s.writeSuccessResponse(w, stats)
}

// writeDomainError 把领域错误映射为 HTTP 状态码
func (s *APIServer) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrConflict):
		s.writeErrorResponse(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, relay.ErrNotLive):
		s.writeErrorResponse(w, http.StatusConflict, "not_live", err.Error())
	case errors.Is(err, store.ErrInvalidStatus):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_status", err.Error())
	default:
		log.Printf("[http] internal error: %v", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data any) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.errorCount.Add(1)
	s.writeJSONResponse(w, statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器（阻塞）
func (s *APIServer) Start() error {
	log.Printf("Starting HTTP API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	log.Printf("Stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]any{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount.Load(),
		"error_count":          s.errorCount.Load(),
		"avg_response_time_ms": avgResponseTime,
	}
}

package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"GoLiveInterview/internal/relay"
	"GoLiveInterview/internal/store"
)

// ServiceName 监控服务的完整名称
const ServiceName = "interview.v1.Monitor"

// MonitorService 面试监控服务接口
type MonitorService interface {
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetInterview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportViolation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndInterview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetServerStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// MonitorServiceDesc 手写的服务描述，消息统一使用 structpb
var MonitorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MonitorService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: emptyHandler("ListSessions", MonitorService.ListSessions)},
		{MethodName: "GetInterview", Handler: structHandler("GetInterview", MonitorService.GetInterview)},
		{MethodName: "ReportViolation", Handler: structHandler("ReportViolation", MonitorService.ReportViolation)},
		{MethodName: "EndInterview", Handler: structHandler("EndInterview", MonitorService.EndInterview)},
		{MethodName: "GetServerStats", Handler: emptyHandler("GetServerStats", MonitorService.GetServerStats)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "interview/v1/monitor.proto",
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func emptyHandler(name string, fn func(MonitorService, context.Context, *emptypb.Empty) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(MonitorService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(srv.(MonitorService), ctx, req.(*emptypb.Empty))
		})
	}
}

func structHandler(name string, fn func(MonitorService, context.Context, *structpb.Struct) (*structpb.Struct, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(MonitorService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(srv.(MonitorService), ctx, req.(*structpb.Struct))
		})
	}
}

// MonitorServer gRPC 监控服务实现
type MonitorServer struct {
	mgr *relay.Manager

	requestCount atomic.Int64
	startTime    time.Time
}

// NewMonitorServer 创建监控服务
func NewMonitorServer(mgr *relay.Manager) *MonitorServer {
	return &MonitorServer{mgr: mgr, startTime: time.Now()}
}

// ListSessions 当前进程内所有运行中的会话
func (s *MonitorServer) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.requestCount.Add(1)
	sessions := s.mgr.Sessions()
	return toStruct(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetInterview 查询面试状态，请求字段: interview_id
func (s *MonitorServer) GetInterview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.requestCount.Add(1)
	id, err := requiredString(req, "interview_id")
	if err != nil {
		return nil, err
	}
	iv, err := s.mgr.GetStatus(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(iv)
}

// ReportViolation 上报违规，请求字段: interview_id, event_type, confidence, details
func (s *MonitorServer) ReportViolation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.requestCount.Add(1)
	id, err := requiredString(req, "interview_id")
	if err != nil {
		return nil, err
	}
	eventType, err := requiredString(req, "event_type")
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	confidence := 1.0
	if v, ok := fields["confidence"]; ok {
		confidence = v.GetNumberValue()
	}
	var details map[string]any
	if v, ok := fields["details"]; ok && v.GetStructValue() != nil {
		details = v.GetStructValue().AsMap()
	}

	report, err := s.mgr.ReportViolation(ctx, id, eventType, confidence, details)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

// EndInterview 由管理端结束面试，请求字段: interview_id
func (s *MonitorServer) EndInterview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.requestCount.Add(1)
	id, err := requiredString(req, "interview_id")
	if err != nil {
		return nil, err
	}
	summary, err := s.mgr.EndInterview(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(summary)
}

// GetServerStats 服务统计
func (s *MonitorServer) GetServerStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.requestCount.Add(1)
	return toStruct(map[string]any{
		"active_sessions": s.mgr.ActiveSessions(),
		"total_requests":  s.requestCount.Load(),
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
	})
}

func requiredString(req *structpb.Struct, key string) (string, error) {
	v := req.GetFields()[key].GetStringValue()
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// toStruct 经由 JSON 转换，保证与 REST 接口的字段名一致
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, relay.ErrNotLive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrInvalidStatus):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Server gRPC 服务器，包含监控服务和标准健康检查
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
}

// NewServer 创建 gRPC 服务器
func NewServer(addr string, mgr *relay.Manager) *Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	s.RegisterService(&MonitorServiceDesc, NewMonitorServer(mgr))
	reflection.Register(s)

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Server{addr: addr, grpc: s, health: hs}
}

// Serve 在给定监听器上提供服务
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start 监听配置的地址并在后台提供服务
func (s *Server) Start() (net.Addr, error) {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("❌ gRPC服务器错误: %v", err)
		}
	}()
	log.Printf("🚀 gRPC server listening on %s", lis.Addr())
	return lis.Addr(), nil
}

// Shutdown 优雅关闭，超时后强制停止
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.grpc.GracefulStop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("⚠️  gRPC关闭超时，强制停止")
		s.grpc.Stop()
	}
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("gRPC %s failed in %v: %v", info.FullMethod, time.Since(start), err)
	}
	return resp, err
}

package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// MonitorClient 监控服务客户端
type MonitorClient struct {
	cc grpc.ClientConnInterface
}

// NewMonitorClient 基于已有连接创建客户端
func NewMonitorClient(cc grpc.ClientConnInterface) *MonitorClient {
	return &MonitorClient{cc: cc}
}

func (c *MonitorClient) invoke(ctx context.Context, method string, in any, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *MonitorClient) ListSessions(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, "ListSessions", &emptypb.Empty{}, opts...)
}

func (c *MonitorClient) GetInterview(ctx context.Context, id string, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"interview_id": id})
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "GetInterview", req, opts...)
}

// ReportViolation details 允许为 nil
func (c *MonitorClient) ReportViolation(ctx context.Context, id, eventType string, confidence float64, details map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	fields := map[string]any{
		"interview_id": id,
		"event_type":   eventType,
		"confidence":   confidence,
	}
	if details != nil {
		fields["details"] = details
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "ReportViolation", req, opts...)
}

func (c *MonitorClient) EndInterview(ctx context.Context, id string, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"interview_id": id})
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "EndInterview", req, opts...)
}

func (c *MonitorClient) GetServerStats(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, "GetServerStats", &emptypb.Empty{}, opts...)
}

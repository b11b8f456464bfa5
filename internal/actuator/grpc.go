package actuator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

// DeviceService is served by device gateways. Messages are structpb.Struct
// so no generated stubs are needed.
const (
	deviceServiceName   = "irrigation.DeviceService"
	startWateringMethod = "/irrigation.DeviceService/StartWatering"
)

// DeviceServer is implemented by device gateways.
type DeviceServer interface {
	StartWatering(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func startWateringHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServer).StartWatering(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: startWateringMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DeviceServer).StartWatering(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var deviceServiceDesc = grpc.ServiceDesc{
	ServiceName: deviceServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartWatering", Handler: startWateringHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "irrigation/device.proto",
}

// RegisterDeviceServer registers srv on s.
func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceServer) {
	s.RegisterService(&deviceServiceDesc, srv)
}

// GRPCServer exposes any Actuator over gRPC. The device gateway uses it to
// bridge gRPC requests onto the MQTT command topic.
type GRPCServer struct {
	next    Actuator
	timeout time.Duration
}

var _ DeviceServer = (*GRPCServer)(nil)

func NewGRPCServer(next Actuator, timeout time.Duration) *GRPCServer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GRPCServer{next: next, timeout: timeout}
}

func (s *GRPCServer) StartWatering(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd := commandFromStruct(req)
	if strings.TrimSpace(cmd.DeviceID) == "" {
		return nil, status.Error(codes.InvalidArgument, "deviceId is required")
	}
	if cmd.WaterAmountMl < 1 {
		return nil, status.Error(codes.InvalidArgument, "waterAmountMl must be >= 1")
	}
	if cmd.DurationSeconds < MinPumpSeconds || cmd.DurationSeconds > MaxPumpSeconds {
		cmd.DurationSeconds = DurationFor(cmd.WaterAmountMl, DefaultFlowMlPerSecond)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.next.Water(cctx, cmd)
	if err != nil {
		if errors.Is(err, model.ErrActuationTimeout) {
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	log.Printf("device-gateway: %s watered %dml (%ds) success=%v", cmd.DeviceID, cmd.WaterAmountMl, cmd.DurationSeconds, resp.Success)
	return responseToStruct(resp)
}

// GRPCRouter keeps one client connection per device.
type GRPCRouter struct {
	mu    sync.RWMutex
	conns map[string]grpc.ClientConnInterface
	close []*grpc.ClientConn
}

var _ Actuator = (*GRPCRouter)(nil)

// NewGRPCRouter accepts "dev1=host1:50051,dev2=host2:50051".
func NewGRPCRouter(ctx context.Context, mapStr string) (*GRPCRouter, error) {
	r := &GRPCRouter{conns: make(map[string]grpc.ClientConnInterface)}
	for _, p := range strings.Split(mapStr, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			r.Close()
			return nil, fmt.Errorf("invalid device address entry: %q", p)
		}
		device, addr := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])

		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := grpc.DialContext(
			dctx,
			addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithReturnConnectionError(),
		)
		cancel()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("dial %s (%s): %w", device, addr, err)
		}
		r.conns[device] = conn
		r.close = append(r.close, conn)
	}
	return r, nil
}

// NewGRPCRouterFromConns wraps existing connections, keyed by device id.
func NewGRPCRouterFromConns(conns map[string]grpc.ClientConnInterface) *GRPCRouter {
	r := &GRPCRouter{conns: make(map[string]grpc.ClientConnInterface, len(conns))}
	for k, v := range conns {
		r.conns[k] = v
	}
	return r
}

func (r *GRPCRouter) Water(ctx context.Context, cmd model.DeviceCommand) (model.DeviceResponse, error) {
	r.mu.RLock()
	conn, ok := r.conns[cmd.DeviceID]
	r.mu.RUnlock()
	if !ok {
		return model.DeviceResponse{}, fmt.Errorf("%w: no device client for %s", model.ErrActuationFailed, cmd.DeviceID)
	}

	in, err := commandToStruct(cmd)
	if err != nil {
		return model.DeviceResponse{}, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, startWateringMethod, in, out); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.DeviceResponse{}, fmt.Errorf("%w: %s: %v", model.ErrActuationTimeout, cmd.DeviceID, err)
		}
		return model.DeviceResponse{}, fmt.Errorf("%w: %s: %v", model.ErrActuationFailed, cmd.DeviceID, err)
	}
	return responseFromStruct(out), nil
}

func (r *GRPCRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.close {
		if c != nil {
			_ = c.Close()
		}
	}
	r.close = nil
	r.conns = map[string]grpc.ClientConnInterface{}
}

// ===================== struct codec =====================

func commandToStruct(cmd model.DeviceCommand) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"deviceId":        cmd.DeviceID,
		"waterAmountMl":   float64(cmd.WaterAmountMl),
		"durationSeconds": float64(cmd.DurationSeconds),
	})
}

func commandFromStruct(s *structpb.Struct) model.DeviceCommand {
	f := s.GetFields()
	return model.DeviceCommand{
		DeviceID:        f["deviceId"].GetStringValue(),
		WaterAmountMl:   int(f["waterAmountMl"].GetNumberValue()),
		DurationSeconds: int(f["durationSeconds"].GetNumberValue()),
	}
}

func responseToStruct(r model.DeviceResponse) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"success":   r.Success,
		"errorCode": r.ErrorCode,
		"message":   r.Message,
	})
}

func responseFromStruct(s *structpb.Struct) model.DeviceResponse {
	f := s.GetFields()
	return model.DeviceResponse{
		Success:   f["success"].GetBoolValue(),
		ErrorCode: f["errorCode"].GetStringValue(),
		Message:   f["message"].GetStringValue(),
	}
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matt-riley/lldrules/internal/repository"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultGRPCStreamPollInterval = time.Second

	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "lldrules.v1.DiscoveryRuleService"

	paramsField = "params"
	resultField = "result"
)

// DiscoveryRuleServiceServer is the gRPC surface of the discovery rule API.
// Every message is a google.protobuf.Struct: requests carry the JSON
// parameters under "params" and responses the JSON result under "result".
type DiscoveryRuleServiceServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Copy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// RegisterDiscoveryRuleService registers srv on registrar.
func RegisterDiscoveryRuleService(registrar grpc.ServiceRegistrar, srv DiscoveryRuleServiceServer) {
	registrar.RegisterService(&discoveryRuleServiceDesc, srv)
}

var discoveryRuleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiscoveryRuleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Create", DiscoveryRuleServiceServer.Create),
		unaryMethod("Update", DiscoveryRuleServiceServer.Update),
		unaryMethod("Get", DiscoveryRuleServiceServer.Get),
		unaryMethod("Delete", DiscoveryRuleServiceServer.Delete),
		unaryMethod("Copy", DiscoveryRuleServiceServer.Copy),
		unaryMethod("Evaluate", DiscoveryRuleServiceServer.Evaluate),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lldrules/v1/discovery_rules.proto",
}

func unaryMethod(name string, call func(DiscoveryRuleServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(DiscoveryRuleServiceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiscoveryRuleServiceServer).Watch(in, stream)
}

// GRPCServer serves the discovery rule API over gRPC.
type GRPCServer struct {
	api                dispatcher
	streamPollInterval time.Duration
}

var _ DiscoveryRuleServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates a [GRPCServer] with a default stream poll interval of
// 1 second.
func NewGRPCServer(svc Service) *GRPCServer {
	return NewGRPCServerWithStreamPollInterval(svc, defaultGRPCStreamPollInterval)
}

// NewGRPCServerWithStreamPollInterval creates a [GRPCServer] with the specified
// poll interval for the Watch streaming RPC.
func NewGRPCServerWithStreamPollInterval(svc Service, streamPollInterval time.Duration) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultGRPCStreamPollInterval
	}

	return &GRPCServer{
		api:                dispatcher{service: svc},
		streamPollInterval: streamPollInterval,
	}
}

func (s *GRPCServer) Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.invoke(ctx, opCreate, req)
}

func (s *GRPCServer) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.invoke(ctx, opUpdate, req)
}

func (s *GRPCServer) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.invoke(ctx, opGet, req)
}

func (s *GRPCServer) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.invoke(ctx, opDelete, req)
}

func (s *GRPCServer) Copy(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.invoke(ctx, opCopy, req)
}

// Evaluate expects the rule id inside params: {"itemid": ..., "macros": ...,
// "prototypes": [...]}.
func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.invoke(ctx, opEvaluate, req)
}

func (s *GRPCServer) invoke(ctx context.Context, op string, req *structpb.Struct) (*structpb.Struct, error) {
	params, err := paramsJSON(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid params")
	}

	result, err := s.api.call(ctx, op, params)
	if err != nil {
		return nil, toGRPCError(err)
	}

	out, err := resultStruct(result)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return out, nil
}

// Watch streams committed rule events after params.since, polling for new
// ones until the client goes away.
func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	var params struct {
		Since int64 `json:"since"`
	}
	raw, err := paramsJSON(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid params")
	}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &params); err != nil {
			return status.Error(codes.InvalidArgument, "invalid params")
		}
	}
	if params.Since < 0 {
		return status.Error(codes.InvalidArgument, "since must be non-negative")
	}

	ctx := scoped(stream.Context())
	lastEventID := params.Since
	sendEvents := func() error {
		events, err := s.api.service.ListEventsSince(ctx, lastEventID)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			if toSSEEventName(event.EventType) == "" {
				continue
			}
			msg, err := eventStruct(event)
			if err != nil {
				return toGRPCError(err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendEvents(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(); err != nil {
				return err
			}
		}
	}
}

// paramsJSON renders the "params" member of req as JSON; a missing member
// is JSON null.
func paramsJSON(req *structpb.Struct) ([]byte, error) {
	value, ok := req.GetFields()[paramsField]
	if !ok || value == nil {
		return []byte("null"), nil
	}
	return protojson.Marshal(value)
}

func resultStruct(result any) (*structpb.Struct, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	value := new(structpb.Value)
	if err := protojson.Unmarshal(data, value); err != nil {
		return nil, fmt.Errorf("convert result: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{resultField: value}}, nil
}

func eventStruct(event repository.RuleEvent) (*structpb.Struct, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert event: %w", err)
	}
	return out, nil
}

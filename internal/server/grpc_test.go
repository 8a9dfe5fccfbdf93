package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/middleware"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/service"
	"github.com/matt-riley/lldrules/internal/validation"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1 << 20

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}
	return s
}

// startGRPC serves svc on an in-memory listener and returns a connection to
// it.
func startGRPC(t *testing.T, svc Service, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(opts...)
	RegisterDiscoveryRuleService(gs, NewGRPCServerWithStreamPollInterval(svc, 5*time.Millisecond))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); lis.Close() })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
	return out, err
}

func TestGRPCCreateOverWire(t *testing.T) {
	svc := &fakeService{
		createFunc: func(_ context.Context, params any) ([]core.ID, error) {
			rules, ok := params.([]any)
			if !ok || len(rules) != 1 {
				t.Errorf("Create params = %#v, want one rule", params)
			}
			return []core.ID{101}, nil
		},
	}
	conn := startGRPC(t, svc)

	out, err := invoke(context.Background(), conn, "Create", mustStruct(t, map[string]any{
		"params": []any{map[string]any{"hostid": "10", "name": "Mounted filesystems", "key_": "vfs.fs.discovery", "type": 0}},
	}))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ids := out.GetFields()["result"].GetStructValue().GetFields()["itemids"].GetListValue().GetValues()
	if len(ids) != 1 || ids[0].GetStringValue() != "101" {
		t.Fatalf("result = %v, want itemids [101]", out)
	}
}

func TestGRPCAuthScopesServiceCalls(t *testing.T) {
	var scopedKey string
	svc := &fakeService{
		getFunc: func(ctx context.Context, _ service.GetParams) ([]map[string]any, error) {
			scopedKey = service.APIKeyFromContext(ctx)
			return []map[string]any{}, nil
		},
	}
	conn := startGRPC(t, svc, grpc.ChainUnaryInterceptor(middleware.UnaryBearerAuthInterceptor(staticKeyValidator{})))

	in := mustStruct(t, map[string]any{"params": map[string]any{"output": "extend"}})
	if _, err := invoke(context.Background(), conn, "Get", in); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("unauthenticated code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer key-1.s3cret")
	out, err := invoke(ctx, conn, "Get", in)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if scopedKey != "key-1" {
		t.Fatalf("service scope = %q, want key-1", scopedKey)
	}
	if out.GetFields()["result"].GetListValue() == nil {
		t.Fatalf("result = %v, want empty list", out)
	}
}

func TestGRPCErrorsCarryKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantKind string
	}{
		{name: "shape", err: validation.Errorf(validation.KindShape, "/1/name", "cannot be empty"), wantCode: codes.InvalidArgument, wantKind: "shape"},
		{name: "no permissions", err: service.ErrNoPermission, wantCode: codes.PermissionDenied, wantKind: "referential_integrity"},
		{name: "uniqueness", err: validation.Message(validation.KindUniqueness, "duplicate"), wantCode: codes.AlreadyExists, wantKind: "uniqueness"},
		{name: "named dependency", err: validation.Message(validation.KindNamedDependency, "templated"), wantCode: codes.FailedPrecondition, wantKind: "named_dependency"},
		{name: "not found", err: service.ErrRuleNotFound, wantCode: codes.NotFound},
		{name: "internal", err: errors.New("boom"), wantCode: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				deleteFunc: func(context.Context, []core.ID) ([]core.ID, error) {
					return nil, tt.err
				},
			}
			server := NewGRPCServer(svc)

			_, err := server.Delete(context.Background(), mustStruct(t, map[string]any{"params": []any{"5"}}))
			st, _ := status.FromError(err)
			if st.Code() != tt.wantCode {
				t.Fatalf("code = %v, want %v", st.Code(), tt.wantCode)
			}

			var gotKind string
			for _, detail := range st.Details() {
				if info, ok := detail.(*errdetails.ErrorInfo); ok {
					gotKind = info.GetReason()
				}
			}
			if gotKind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", gotKind, tt.wantKind)
			}
			if tt.wantCode == codes.Internal && st.Message() != "internal server error" {
				t.Fatalf("message = %q, want internal server error", st.Message())
			}
		})
	}
}

func TestGRPCEvaluateReadsItemIDFromParams(t *testing.T) {
	svc := &fakeService{
		evaluateFunc: func(_ context.Context, itemID core.ID, request service.EvaluateRequest) (core.Result, error) {
			if itemID != 42 || request.Macros["{#FSTYPE}"] != "ext4" {
				t.Errorf("Evaluate(%d, %+v)", itemID, request)
			}
			return core.Result{Discovered: true, Prototypes: request.Prototypes, AppliedSteps: []int{}}, nil
		},
	}
	server := NewGRPCServer(svc)

	out, err := server.Evaluate(context.Background(), mustStruct(t, map[string]any{
		"params": map[string]any{
			"itemid":     42,
			"macros":     map[string]any{"{#FSTYPE}": "ext4"},
			"prototypes": []any{map[string]any{"kind": 0, "name": "Free space on /", "status": 0, "discover": 0}},
		},
	}))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !out.GetFields()["result"].GetStructValue().GetFields()["discovered"].GetBoolValue() {
		t.Fatalf("result = %v, want discovered", out)
	}

	_, err = server.Evaluate(context.Background(), mustStruct(t, map[string]any{"params": map[string]any{"macros": map[string]any{}}}))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("missing itemid code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}

func TestGRPCCopyReturnsResultTrue(t *testing.T) {
	svc := &fakeService{
		copyFunc: func(_ context.Context, params service.CopyParams) error {
			if len(params.DiscoveryIDs) != 1 || len(params.HostIDs) != 1 {
				t.Errorf("Copy(%+v)", params)
			}
			return nil
		},
	}

	out, err := NewGRPCServer(svc).Copy(context.Background(), mustStruct(t, map[string]any{
		"params": map[string]any{"discoveryids": []any{"42"}, "hostids": []any{"11"}},
	}))
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if !out.GetFields()["result"].GetStructValue().GetFields()["result"].GetBoolValue() {
		t.Fatalf("result = %v, want result true", out)
	}
}

func TestGRPCWatchStreamsEvents(t *testing.T) {
	svc := &fakeService{
		listEventsSinceFunc: func(_ context.Context, since int64) ([]repository.RuleEvent, error) {
			if since != 3 {
				return nil, nil
			}
			return []repository.RuleEvent{
				{EventID: 4, ItemID: 42, EventType: service.EventTypeCreated, Payload: json.RawMessage(`{"itemid":"42"}`)},
				{EventID: 5, ItemID: 42, EventType: "unknown"},
				{EventID: 6, ItemID: 42, EventType: service.EventTypeDeleted, Payload: json.RawMessage(`{"itemid":"42"}`)},
			}, nil
		},
	}
	conn := startGRPC(t, svc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+ServiceName+"/Watch")
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	if err := stream.SendMsg(mustStruct(t, map[string]any{"params": map[string]any{"since": 3}})); err != nil {
		t.Fatalf("SendMsg() error = %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend() error = %v", err)
	}

	var got []string
	for len(got) < 2 {
		event := new(structpb.Struct)
		if err := stream.RecvMsg(event); err != nil {
			t.Fatalf("RecvMsg() error = %v", err)
		}
		got = append(got, event.GetFields()["event_type"].GetStringValue())
	}
	if got[0] != service.EventTypeCreated || got[1] != service.EventTypeDeleted {
		t.Fatalf("event types = %v, want created then deleted", got)
	}
}

func TestGRPCWatchRejectsNegativeSince(t *testing.T) {
	conn := startGRPC(t, &fakeService{})

	stream, err := conn.NewStream(context.Background(), &grpc.StreamDesc{ServerStreams: true}, "/"+ServiceName+"/Watch")
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	if err := stream.SendMsg(mustStruct(t, map[string]any{"params": map[string]any{"since": -1}})); err != nil {
		t.Fatalf("SendMsg() error = %v", err)
	}
	_ = stream.CloseSend()

	err = stream.RecvMsg(new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}

func TestNewGRPCServerPanicsOnNilService(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewGRPCServer(nil) did not panic")
		}
	}()
	NewGRPCServer(nil)
}

// Package grpc provides a gRPC client for the discovery rule service.
//
// Requests and responses are google.protobuf.Struct messages: parameters are
// sent under "params" and the reply carries the JSON result under "result".
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lldrules "github.com/matt-riley/lldrules/clients/go"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the server's gRPC service.
const ServiceName = "lldrules.v1.DiscoveryRuleService"

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements lldrules.RuleManager, lldrules.Evaluator, and
// lldrules.Streamer over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var (
	_ lldrules.RuleManager = (*Client)(nil)
	_ lldrules.Evaluator   = (*Client)(nil)
	_ lldrules.Streamer    = (*Client)(nil)
)

// NewGRPCClient creates a client for the server at cfg.Address.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("lldrules: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

// -- wire helpers ------------------------------------------------------------

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// encodeParams wraps params as {"params": params} in a Struct.
func encodeParams(params any) (*structpb.Struct, error) {
	data, err := json.Marshal(map[string]any{"params": params})
	if err != nil {
		return nil, fmt.Errorf("lldrules: marshal params: %w", err)
	}
	in := new(structpb.Struct)
	if err := protojson.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("lldrules: convert params: %w", err)
	}
	return in, nil
}

// decodeResult unmarshals the "result" field of out into dst.
func decodeResult(out *structpb.Struct, dst any) error {
	result, ok := out.GetFields()["result"]
	if !ok {
		return errors.New("lldrules: response has no result")
	}
	data, err := protojson.Marshal(result)
	if err != nil {
		return fmt.Errorf("lldrules: convert result: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("lldrules: decode result: %w", err)
	}
	return nil
}

// toAPIError converts a gRPC status into an *lldrules.APIError carrying the
// ErrorInfo reason as Kind.
func toAPIError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("lldrules: %s: %w", method, err)
	}
	apiErr := &lldrules.APIError{StatusCode: int(st.Code()), Message: st.Message()}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			apiErr.Kind = info.GetReason()
		}
	}
	return apiErr
}

func (c *Client) invoke(ctx context.Context, method string, params, dst any) error {
	in, err := encodeParams(params)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), fullMethod(method), in, out); err != nil {
		return toAPIError(method, err)
	}
	return decodeResult(out, dst)
}

type itemIDsResult struct {
	ItemIDs []string `json:"itemids"`
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRules(ctx context.Context, rules []lldrules.Rule) ([]string, error) {
	var out itemIDsResult
	if err := c.invoke(ctx, "Create", rules, &out); err != nil {
		return nil, err
	}
	return out.ItemIDs, nil
}

func (c *Client) UpdateRules(ctx context.Context, rules []lldrules.Rule) ([]string, error) {
	var out itemIDsResult
	if err := c.invoke(ctx, "Update", rules, &out); err != nil {
		return nil, err
	}
	return out.ItemIDs, nil
}

func (c *Client) GetRules(ctx context.Context, params lldrules.GetParams) ([]lldrules.Rule, error) {
	var out []lldrules.Rule
	if err := c.invoke(ctx, "Get", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteRules(ctx context.Context, itemIDs []string) ([]string, error) {
	var out itemIDsResult
	if err := c.invoke(ctx, "Delete", itemIDs, &out); err != nil {
		return nil, err
	}
	return out.ItemIDs, nil
}

func (c *Client) CopyRules(ctx context.Context, discoveryIDs, hostIDs []string) error {
	params := map[string][]string{"discoveryids": discoveryIDs, "hostids": hostIDs}
	var out struct {
		Result bool `json:"result"`
	}
	if err := c.invoke(ctx, "Copy", params, &out); err != nil {
		return err
	}
	if !out.Result {
		return errors.New("lldrules: copy returned result false")
	}
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, itemID string, req lldrules.EvaluateRequest) (lldrules.Result, error) {
	params := struct {
		ItemID string `json:"itemid"`
		lldrules.EvaluateRequest
	}{ItemID: itemID, EvaluateRequest: req}

	var out lldrules.Result
	if err := c.invoke(ctx, "Evaluate", params, &out); err != nil {
		return lldrules.Result{}, err
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

var eventNames = map[string]string{
	"created": "create",
	"updated": "update",
	"deleted": "delete",
}

// Stream opens the Watch stream and emits RuleEvents on the returned channel.
// The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan lldrules.RuleEvent, error) {
	in, err := encodeParams(map[string]int64{"since": lastEventID})
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(c.authCtx(ctx), &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}, fullMethod("Watch"))
	if err != nil {
		return nil, toAPIError("Watch", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, toAPIError("Watch", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, toAPIError("Watch", err)
	}

	ch := make(chan lldrules.RuleEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			select {
			case ch <- eventFromStruct(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func eventFromStruct(msg *structpb.Struct) lldrules.RuleEvent {
	fields := msg.GetFields()
	ev := lldrules.RuleEvent{
		Type:    eventNames[fields["event_type"].GetStringValue()],
		ItemID:  fields["itemid"].GetStringValue(),
		EventID: int64(fields["event_id"].GetNumberValue()),
	}
	if ev.Type == "" {
		ev.Type = "unknown"
	}
	if payload, ok := fields["payload"]; ok {
		if data, err := protojson.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

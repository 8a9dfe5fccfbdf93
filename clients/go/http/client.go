// Package http provides an HTTP client for the discovery rule service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	lldrules "github.com/matt-riley/lldrules/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements lldrules.RuleManager, lldrules.Evaluator, and
// lldrules.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ lldrules.RuleManager = (*Client)(nil)
	_ lldrules.Evaluator   = (*Client)(nil)
	_ lldrules.Streamer    = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

const rulesPath = "/v1/discoveryrules"

type itemIDsResponse struct {
	ItemIDs []string `json:"itemids"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lldrules: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("lldrules: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lldrules: http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("lldrules: decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads the {"error","kind"} body, falling back to the raw
// text when it is not JSON.
func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	apiErr := &lldrules.APIError{StatusCode: resp.StatusCode}
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Kind = body.Kind
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRules(ctx context.Context, rules []lldrules.Rule) ([]string, error) {
	var out itemIDsResponse
	if err := c.do(ctx, http.MethodPost, rulesPath, rules, &out); err != nil {
		return nil, err
	}
	return out.ItemIDs, nil
}

func (c *Client) UpdateRules(ctx context.Context, rules []lldrules.Rule) ([]string, error) {
	var out itemIDsResponse
	if err := c.do(ctx, http.MethodPatch, rulesPath, rules, &out); err != nil {
		return nil, err
	}
	return out.ItemIDs, nil
}

func (c *Client) GetRules(ctx context.Context, params lldrules.GetParams) ([]lldrules.Rule, error) {
	var out []lldrules.Rule
	if err := c.do(ctx, http.MethodPost, rulesPath+"/get", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRule returns the full stored form of one rule.
func (c *Client) GetRule(ctx context.Context, itemID string) (lldrules.Rule, error) {
	var out lldrules.Rule
	if err := c.do(ctx, http.MethodGet, rulesPath+"/"+url.PathEscape(itemID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteRules(ctx context.Context, itemIDs []string) ([]string, error) {
	var out itemIDsResponse
	if err := c.do(ctx, http.MethodPost, rulesPath+"/delete", itemIDs, &out); err != nil {
		return nil, err
	}
	return out.ItemIDs, nil
}

func (c *Client) CopyRules(ctx context.Context, discoveryIDs, hostIDs []string) error {
	body := map[string][]string{"discoveryids": discoveryIDs, "hostids": hostIDs}
	var out struct {
		Result bool `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, rulesPath+"/copy", body, &out); err != nil {
		return err
	}
	if !out.Result {
		return errors.New("lldrules: copy returned result false")
	}
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, itemID string, req lldrules.EvaluateRequest) (lldrules.Result, error) {
	var out lldrules.Result
	path := rulesPath + "/" + url.PathEscape(itemID) + "/evaluate"
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return lldrules.Result{}, err
	}
	return out, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the event stream and emits RuleEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan lldrules.RuleEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("lldrules: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lldrules: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}

	ch := make(chan lldrules.RuleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Rule payloads with many overrides can exceed the default line size.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads id, event and data fields from r and sends one RuleEvent
// per blank-line terminated block that carries data. Multiple data lines are
// joined with newlines.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- lldrules.RuleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := newEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func newEvent(eventType string, eventID int64, data string) lldrules.RuleEvent {
	ev := lldrules.RuleEvent{Type: eventType, EventID: eventID}
	if !json.Valid([]byte(data)) {
		return ev
	}
	ev.Payload = json.RawMessage(data)
	if eventType == "error" {
		return ev
	}
	var rule struct {
		ItemID json.RawMessage `json:"itemid"`
	}
	if err := json.Unmarshal(ev.Payload, &rule); err == nil && len(rule.ItemID) > 0 {
		var id string
		if json.Unmarshal(rule.ItemID, &id) == nil {
			ev.ItemID = id
		} else {
			ev.ItemID = string(rule.ItemID)
		}
	}
	return ev
}

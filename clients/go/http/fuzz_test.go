// Fuzz tests for the SSE parser. Uses the white-box package (package http)
// to reach unexported symbols.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	lldrules "github.com/matt-riley/lldrules/clients/go"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
func runParseSSE(b []byte) []lldrules.RuleEvent {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan lldrules.RuleEvent, 256)
	go func() {
		defer close(ch)
		br := bufio.NewReaderSize(bytes.NewReader(b), 1<<20)
		parseSSE(ctx, br, ch)
	}()
	var evs []lldrules.RuleEvent
	for e := range ch {
		evs = append(evs, e)
	}
	return evs
}

func TestParseSSEMultiLineData(t *testing.T) {
	evs := runParseSSE([]byte("id: 7\nevent: update\ndata: {\"itemid\":\ndata: \"42\"}\n\n"))
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].ItemID != "42" || evs[0].EventID != 7 || evs[0].Type != "update" {
		t.Errorf("event = %+v", evs[0])
	}
}

func TestParseSSEErrorEvent(t *testing.T) {
	evs := runParseSSE([]byte("event: error\ndata: {\"error\":\"internal server error\"}\n\n"))
	if len(evs) != 1 || evs[0].Type != "error" || evs[0].ItemID != "" {
		t.Fatalf("events = %+v", evs)
	}
	var body map[string]string
	if err := json.Unmarshal(evs[0].Payload, &body); err != nil || body["error"] != "internal server error" {
		t.Errorf("payload = %s", evs[0].Payload)
	}
}

// FuzzParseSSE ensures the SSE parser never panics on arbitrary input and
// produces no more events than blank lines in the input.
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("id:1\nevent:create\ndata:{\"itemid\":\"1\"}\n\n"))
	f.Add([]byte("id:2\nevent:delete\ndata:{\"itemid\":2}\n\n"))
	f.Add([]byte("event:update\ndata:first\ndata:second\n\n"))
	f.Add([]byte(":comment\ndata:hello\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte("id:9999999999999999999999\nevent:update\ndata:{}\n\n"))
	f.Add([]byte(strings.Repeat("data:x\n", 1000) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs := runParseSSE(data)
		blankLines := bytes.Count(data, []byte("\n\n"))
		if len(evs) > blankLines+1 {
			t.Errorf("got %d events from input with %d blank lines", len(evs), blankLines)
		}
		for _, ev := range evs {
			if len(ev.Payload) > 0 && !json.Valid(ev.Payload) {
				t.Errorf("payload %q is not valid JSON", ev.Payload)
			}
		}
	})
}

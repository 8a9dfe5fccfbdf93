package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})), &buf
}

func TestHTTPRequestLogging(t *testing.T) {
	t.Run("generates request id", func(t *testing.T) {
		logger, buf := newBufferLogger()

		var reqID string
		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, _ = RequestIDFromContext(r.Context())
			LoggerFromContext(r.Context()).Info("inside handler")
			w.WriteHeader(http.StatusNotFound)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/discoveryrules/42", nil))

		if _, err := uuid.Parse(reqID); err != nil {
			t.Fatalf("request id %q is not a UUID: %v", reqID, err)
		}
		if got := rec.Header().Get(RequestIDHeader); got != reqID {
			t.Fatalf("%s = %q, want %q", RequestIDHeader, got, reqID)
		}

		output := buf.String()
		for _, want := range []string{
			"inside handler",
			"request completed",
			"request_id=" + reqID,
			"method=GET",
			"path=/v1/discoveryrules/42",
			"status_code=404",
			"duration=",
		} {
			if !strings.Contains(output, want) {
				t.Fatalf("log output missing %q: %s", want, output)
			}
		}
	})

	t.Run("keeps incoming uuid", func(t *testing.T) {
		logger, _ := newBufferLogger()
		incoming := uuid.NewString()

		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, incoming)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get(RequestIDHeader); got != incoming {
			t.Fatalf("%s = %q, want %q", RequestIDHeader, got, incoming)
		}
	})

	t.Run("replaces malformed incoming id", func(t *testing.T) {
		logger, _ := newBufferLogger()
		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "not\nan id")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
			t.Fatalf("%s = %q, want a generated UUID", RequestIDHeader, rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("server errors log at error level", func(t *testing.T) {
		logger, buf := newBufferLogger()
		handler := HTTPRequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

		if !strings.Contains(buf.String(), "level=ERROR") {
			t.Fatalf("log output = %s, want level=ERROR", buf.String())
		}
	})

	t.Run("nil logger uses default", func(t *testing.T) {
		handler := HTTPRequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestUnaryRequestLoggingInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/lldrules.v1.DiscoveryRuleService/Get"}

	t.Run("logs method and status", func(t *testing.T) {
		logger, buf := newBufferLogger()
		interceptor := UnaryRequestLoggingInterceptor(logger)

		var reqID string
		_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, _ any) (any, error) {
			reqID, _ = RequestIDFromContext(ctx)
			return nil, status.Error(codes.InvalidArgument, "bad")
		})
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
		}

		output := buf.String()
		for _, want := range []string{"request_id=" + reqID, info.FullMethod, "status_code=InvalidArgument"} {
			if !strings.Contains(output, want) {
				t.Fatalf("log output missing %q: %s", want, output)
			}
		}
	})

	t.Run("keeps incoming id from metadata", func(t *testing.T) {
		logger, _ := newBufferLogger()
		incoming := uuid.NewString()
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", incoming))

		var reqID string
		_, _ = UnaryRequestLoggingInterceptor(logger)(ctx, "req", info, func(ctx context.Context, _ any) (any, error) {
			reqID, _ = RequestIDFromContext(ctx)
			return "ok", nil
		})
		if reqID != incoming {
			t.Fatalf("request id = %q, want %q", reqID, incoming)
		}
	})
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("LoggerFromContext() did not return slog.Default()")
	}
}

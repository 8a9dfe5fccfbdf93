package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/matt-riley/lldrules/internal/core"
	"github.com/matt-riley/lldrules/internal/metrics"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

type HTTPServer struct {
	api                dispatcher
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
	auth               func(http.Handler) http.Handler
	metrics            *metrics.Metrics
}

// HTTPOption configures the HTTP handler.
type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often /v1/events polls for new events.
func WithStreamPollInterval(interval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithMaxJSONBodySize caps request bodies; larger bodies get 413.
func WithMaxJSONBodySize(size int64) HTTPOption {
	return func(s *HTTPServer) {
		if size > 0 {
			s.maxJSONBodyBytes = size
		}
	}
}

// WithAuthMiddleware guards every /v1 route.
func WithAuthMiddleware(auth func(http.Handler) http.Handler) HTTPOption {
	return func(s *HTTPServer) {
		s.auth = auth
	}
}

// WithMetrics records request metrics and serves the registry on /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		api:                dispatcher{service: svc},
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if server.metrics != nil {
		r.Use(server.withMetrics)
	}

	r.Get("/healthz", server.handleHealthz)
	if server.metrics != nil {
		r.Method(http.MethodGet, "/metrics", server.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if server.auth != nil {
			r.Use(server.auth)
		}
		r.Route("/v1/discoveryrules", func(r chi.Router) {
			r.Post("/", server.handleOperation(opCreate, http.StatusCreated))
			r.Patch("/", server.handleOperation(opUpdate, http.StatusOK))
			r.Post("/get", server.handleOperation(opGet, http.StatusOK))
			r.Post("/delete", server.handleOperation(opDelete, http.StatusOK))
			r.Post("/copy", server.handleOperation(opCopy, http.StatusOK))
			r.Get("/{itemid}", server.handleGetRule)
			r.Post("/{itemid}/evaluate", server.handleEvaluate)
		})
		r.Get("/v1/events", server.handleEvents)
	})

	return r
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		statusCode := ww.Status()
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(r.Method, route, statusCode, time.Since(start))
	})
}

func (s *HTTPServer) handleOperation(op string, successStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.readJSONBody(w, r)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		result, err := s.api.call(r.Context(), op, body)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, successStatus, result)
	}
}

func (s *HTTPServer) handleGetRule(w http.ResponseWriter, r *http.Request) {
	itemID, err := core.ParseID(chi.URLParam(r, "itemid"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid itemid")
		return
	}

	rule, err := s.api.getRule(r.Context(), itemID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	itemID, err := core.ParseID(chi.URLParam(r, "itemid"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid itemid")
		return
	}

	body, err := s.readJSONBody(w, r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var request evaluateParams
	if err := decodeStrict(body, &request); err != nil {
		writeServiceError(w, err)
		return
	}
	if request.ItemID != 0 && request.ItemID != itemID {
		writeJSONError(w, http.StatusBadRequest, "path itemid and body itemid must match")
		return
	}
	request.ItemID = itemID

	result, err := s.api.evaluate(scoped(r.Context()), request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleEvents streams committed rule events as server-sent events, resuming
// after Last-Event-ID (or ?since) when given.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	resumeFrom := r.Header.Get("Last-Event-ID")
	if resumeFrom == "" {
		resumeFrom = r.URL.Query().Get("since")
	}
	lastEventID, err := parseLastEventID(resumeFrom)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	ctx := scoped(r.Context())
	controller := http.NewResponseController(w)

	initialEvents, err := s.api.service.ListEventsSince(ctx, lastEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.metrics != nil {
		done := s.metrics.TrackStream("http")
		defer done()
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		return
	}

	currentEventID := lastEventID
	writeEvents := func(events []repository.RuleEvent) error {
		for _, event := range events {
			currentEventID = event.EventID
			eventName := toSSEEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			if err := controller.Flush(); err != nil {
				return err
			}
		}

		return nil
	}

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.api.service.ListEventsSince(ctx, currentEventID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, controller, classify(err).message)
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("%w: empty body", errInvalidJSON)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, errJSONBodyTooLarge
		}
		return nil, fmt.Errorf("read body: %w", err)
	}

	if !json.Valid(body) {
		return nil, errInvalidJSON
	}

	return body, nil
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func toSSEEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case service.EventTypeCreated:
		return "create"
	case service.EventTypeUpdated:
		return "update"
	case service.EventTypeDeleted:
		return "delete"
	default:
		return ""
	}
}

func writeSSEError(w http.ResponseWriter, controller *http.ResponseController, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	_ = controller.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

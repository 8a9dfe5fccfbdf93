package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// KeyValidator checks the secret of an API key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, keyID, secret string) error
}

// KeyValidatorFunc adapts a function to KeyValidator.
type KeyValidatorFunc func(ctx context.Context, keyID, secret string) error

func (f KeyValidatorFunc) ValidateKey(ctx context.Context, keyID, secret string) error {
	return f(ctx, keyID, secret)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter throttles repeated authentication failures per client IP.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// failed records an authentication failure and reports whether ip may keep
// trying.
func (c authConfig) failed(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(ip)
}

// HTTPBearerAuthMiddleware requires "Authorization: Bearer <keyid>.<secret>"
// and stores the key id in the request context.
func HTTPBearerAuthMiddleware(validator KeyValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, err := authorize(r.Context(), []string{r.Header.Get("Authorization")}, validator)
			if err != nil {
				if !cfg.failed(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithAPIKeyID(r.Context(), keyID)))
		})
	}
}

// UnaryBearerAuthInterceptor is the gRPC counterpart of
// HTTPBearerAuthMiddleware; the token is read from the "authorization"
// metadata.
func UnaryBearerAuthInterceptor(validator KeyValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		keyID, err := authorize(ctx, md.Get("authorization"), validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(NewContextWithAPIKeyID(ctx, keyID), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC
// requests.
func StreamBearerAuthInterceptor(validator KeyValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		md, _ := metadata.FromIncomingContext(ctx)
		keyID, err := authorize(ctx, md.Get("authorization"), validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: NewContextWithAPIKeyID(ctx, keyID)})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const apiKeyIDKey contextKey = "api_key_id"

// APIKeyIDFromContext returns the authenticated API key id.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

// authorize accepts the first header that carries a valid key.
func authorize(ctx context.Context, headers []string, validator KeyValidator) (string, error) {
	if validator == nil {
		return "", errors.New("key validator is nil")
	}

	err := errMissingAuthorizationHeader
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, parseErr := parseBearerToken(header)
		if parseErr != nil {
			err = parseErr
			continue
		}
		keyID, secret, ok := SplitAPIKey(token)
		if !ok {
			err = errInvalidAuthorizationHeader
			continue
		}
		if err = validator.ValidateKey(ctx, keyID, secret); err == nil {
			return keyID, nil
		}
	}
	return "", err
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}

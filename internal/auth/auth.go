// Package auth checks and attaches credentials on the relay's gRPC block
// stream and its admin HTTP API.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServerConfig holds authentication configuration for servers (receiver, admin API).
type ServerConfig struct {
	// Enabled enables authentication for the server.
	Enabled bool `yaml:"enabled"`
	// BearerToken is the expected bearer token for authentication.
	BearerToken string `yaml:"bearer_token"`
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string `yaml:"basic_username"`
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string `yaml:"basic_password"`
}

// ClientConfig holds authentication configuration for clients (shard pools, status CLI).
type ClientConfig struct {
	// BearerToken is the bearer token to send with requests.
	BearerToken string `yaml:"bearer_token"`
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string `yaml:"basic_username"`
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string `yaml:"basic_password"`
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string `yaml:"headers"`
}

// IsSet reports whether the client sends any credentials or headers.
func (c ClientConfig) IsSet() bool {
	return c.BearerToken != "" || c.BasicAuthUsername != "" || len(c.Headers) > 0
}

var (
	errMissingHeader = errors.New("missing authorization header")
	errBadFormat     = errors.New("invalid authorization header format")
	errBadToken      = errors.New("invalid bearer token")
	errBadBasic      = errors.New("invalid basic auth credentials")
)

// check validates an Authorization header value against cfg.
func check(header string, cfg ServerConfig) error {
	if cfg.BearerToken != "" {
		if header == "" {
			return errMissingHeader
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return errBadFormat
		}
		if !equal(token, cfg.BearerToken) {
			return errBadToken
		}
		return nil
	}

	if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
		if header == "" {
			return errMissingHeader
		}
		expected := "Basic " + basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)
		if !equal(header, expected) {
			return errBadBasic
		}
		return nil
	}

	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GRPCStreamServerInterceptor returns a stream interceptor that rejects
// streams without valid credentials with codes.Unauthenticated.
func GRPCStreamServerInterceptor(cfg ServerConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !cfg.Enabled {
			return handler(srv, ss)
		}

		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
		if err := check(header, cfg); err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, ss)
	}
}

// GRPCStreamClientInterceptor returns a stream interceptor that attaches the
// configured credentials and headers to every outgoing stream.
func GRPCStreamClientInterceptor(cfg ClientConfig) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if md := outgoing(cfg); len(md) > 0 {
			ctx = metadata.NewOutgoingContext(ctx, metadata.Join(md, outgoingFrom(ctx)))
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

func outgoing(cfg ClientConfig) metadata.MD {
	md := metadata.MD{}
	if cfg.BearerToken != "" {
		md.Set("authorization", "Bearer "+cfg.BearerToken)
	}
	if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
		md.Set("authorization", "Basic "+basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword))
	}
	for k, v := range cfg.Headers {
		md.Set(k, v)
	}
	return md
}

func outgoingFrom(ctx context.Context) metadata.MD {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}

// HTTPMiddleware returns an HTTP middleware for authentication.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if err := check(r.Header.Get("Authorization"), cfg); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPTransport returns an http.RoundTripper that adds authentication headers.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{
		base: base,
		cfg:  cfg,
	}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())

	if t.cfg.BearerToken != "" {
		reqClone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		reqClone.SetBasicAuth(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword)
	}
	for k, v := range t.cfg.Headers {
		reqClone.Header.Set(k, v)
	}

	return t.base.RoundTrip(reqClone)
}

// basicAuthEncoded returns the base64 encoded basic auth string.
func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

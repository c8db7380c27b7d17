// Package serverutil adapts inbound HTTP requests and gRPC gateway metadata to
// the narrow request view used by tenant resolution, audit and sessions.
package serverutil

import (
	"context"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Request is the part of an inbound request that guards and services read.
type Request interface {
	// Host without port.
	Host() string
	// Header returns the first value of the named header, or "".
	Header(name string) string
	// IP of the client.
	IP() string
	UserAgent() string
}

type ctxKey struct{}

// WithRequest attaches the inbound request to the context.
func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// RequestFromContext returns the request attached to ctx. When there is none,
// a request with no host or headers is returned.
func RequestFromContext(ctx context.Context) Request {
	if r, ok := ctx.Value(ctxKey{}).(Request); ok && r != nil {
		return r
	}
	return emptyRequest{}
}

// FromHTTP adapts an http.Request.
func FromHTTP(r *http.Request) Request {
	return httpRequest{r: r}
}

type httpRequest struct {
	r *http.Request
}

func (h httpRequest) Host() string {
	return stripPort(h.r.Host)
}

func (h httpRequest) Header(name string) string {
	return h.r.Header.Get(name)
}

func (h httpRequest) IP() string {
	if ip := firstForwarded(h.r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	return stripPort(h.r.RemoteAddr)
}

func (h httpRequest) UserAgent() string {
	return h.r.UserAgent()
}

// FromMetadata returns a request view over incoming gRPC metadata, as
// populated by the gRPC gateway.
func FromMetadata(ctx context.Context) Request {
	md, _ := metadata.FromIncomingContext(ctx)
	m := mdRequest{md: md}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		m.peerAddr = p.Addr.String()
	}
	return m
}

type mdRequest struct {
	md       metadata.MD
	peerAddr string
}

func (m mdRequest) Host() string {
	return stripPort(m.first("x-forwarded-host", "grpcgateway-host", ":authority"))
}

func (m mdRequest) Header(name string) string {
	if v := gatewayHeader(m.md, name); v != "" {
		return v
	}
	return m.first(strings.ToLower(name))
}

func (m mdRequest) IP() string {
	if ip := firstForwarded(m.first("x-forwarded-for")); ip != "" {
		return ip
	}
	return stripPort(m.peerAddr)
}

func (m mdRequest) UserAgent() string {
	return m.first("grpcgateway-user-agent", "user-agent")
}

func (m mdRequest) first(keys ...string) string {
	for _, k := range keys {
		if v := m.md.Get(k); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}

// StaticRequest is a fixed request, useful for background jobs and tests.
type StaticRequest struct {
	HostName string
	Headers  map[string]string
	ClientIP string
	ClientUA string
}

func (s StaticRequest) Host() string { return stripPort(s.HostName) }

func (s StaticRequest) Header(name string) string {
	for k, v := range s.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (s StaticRequest) IP() string        { return s.ClientIP }
func (s StaticRequest) UserAgent() string { return s.ClientUA }

type emptyRequest struct{}

func (emptyRequest) Host() string         { return "" }
func (emptyRequest) Header(string) string { return "" }
func (emptyRequest) IP() string           { return "" }
func (emptyRequest) UserAgent() string    { return "" }

func stripPort(hostport string) string {
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func firstForwarded(v string) string {
	if v == "" {
		return ""
	}
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

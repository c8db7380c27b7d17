package serverutil

import (
	"context"
	"net/textproto"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// MetadataHeaderPrefix is added to headers allowed through the gateway with
// HeaderMatcher.
const MetadataHeaderPrefix = "fg-header-"

// HTTPHeader returns the value of a "permanent HTTP header" or a header that
// was added to the allow-list by a HeaderMatcher.
//
// For permanent headers, see https://github.com/grpc-ecosystem/grpc-gateway/blob/main/runtime/context.go
//
// This will only ever return a value for requests coming via the GRPC Gateway.
func HTTPHeader(ctx context.Context, header string) string {
	md, _ := metadata.FromIncomingContext(ctx)
	return gatewayHeader(md, header)
}

func gatewayHeader(md metadata.MD, header string) string {
	header = strings.ToLower(header)
	for _, k := range []string{MetadataHeaderPrefix + header, runtime.MetadataPrefix + header} {
		if v := md.Get(k); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}

// HeaderMatcher appends the given headers to the allow-list for incoming
// requests. Use it to forward the tenant header through the gateway.
//
// See: runtime.WithIncomingHeaderMatcher.
func HeaderMatcher(headers []string) func(string) (string, bool) {
	headerMap := map[string]bool{}
	for _, h := range headers {
		headerMap[textproto.CanonicalMIMEHeaderKey(h)] = true
	}
	return func(key string) (string, bool) {
		key = textproto.CanonicalMIMEHeaderKey(key)
		if headerMap[key] {
			return MetadataHeaderPrefix + key, true
		}
		return runtime.DefaultHeaderMatcher(key)
	}
}

package serverutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/metadata"
)

func TestHeaderMatcher(t *testing.T) {
	tests := []struct {
		name       string
		headers    []string
		key        string
		wantResult string
		wantMatch  bool
	}{
		{"Permanent header not in setup args", []string{"X-Tenant-ID"}, "Authorization", "grpcgateway-Authorization", true},
		{"Empty list of headers", []string{}, "Any-Key", "", false},
		{"Key with different case", []string{"X-Tenant-ID"}, "x-tenant-id", MetadataHeaderPrefix + "X-Tenant-Id", true},
		{"Key with non-standard capitalization", []string{"X-Custom-Header"}, "X-CUSTOM-HEADER", MetadataHeaderPrefix + "X-Custom-Header", true},
		{"Empty string as input key", []string{"Content-Type"}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, match := HeaderMatcher(tt.headers)(tt.key)
			assert.Equal(t, tt.wantResult, result)
			assert.Equal(t, tt.wantMatch, match)
		})
	}
}

func TestHTTPHeader(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		key  string
		want string
	}{
		{"allow-listed header", metadata.MD{MetadataHeaderPrefix + "x-tenant-id": []string{"acme"}}, "X-Tenant-ID", "acme"},
		{"permanent header via runtime", metadata.MD{"grpcgateway-authorization": []string{"Bearer x"}}, "authorization", "Bearer x"},
		{"non-header metadata ignored", metadata.MD{"other-metadata": []string{"v"}}, "other-metadata", ""},
		{"multiple values, first returned", metadata.MD{MetadataHeaderPrefix + "multi": []string{"first", "second"}}, "multi", "first"},
		{"no metadata", metadata.MD{}, "missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tt.md)
			assert.Equal(t, tt.want, HTTPHeader(ctx, tt.key))
		})
	}
}

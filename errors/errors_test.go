package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
)

func TestGrpcCode(t *testing.T) {
	assert.Equal(t, codes.OK, Code(nil), "code should be OK")

	err := fmt.Errorf("test error")
	assert.Equal(t, codes.Unknown, Code(err), "code should be unknown")

	err = WithCode(err, codes.InvalidArgument)
	assert.Equal(t, codes.InvalidArgument, Code(err), "code should be InvalidArgument")

	err = WithCode(err, codes.AlreadyExists)
	assert.Equal(t, codes.AlreadyExists, Code(err), "code should be AlreadyExists")

	err = WrapPrefix(err, "wrapped", 0)
	assert.Equal(t, codes.AlreadyExists, Code(err), "code should still be AlreadyExists")
}

func TestHttpStatusCode(t *testing.T) {
	assert.Equal(t, 200, HTTPStatusCode(nil), "non errors should 200")

	err := fmt.Errorf("test error")
	assert.Equal(t, 500, HTTPStatusCode(err), "should default to 500")

	err = WithCode(err, codes.PermissionDenied)
	assert.Equal(t, 403, HTTPStatusCode(err))

	err = WithHTTPStatusCode(err, 409)
	assert.Equal(t, 409, HTTPStatusCode(err), "http status code should override grpc code")

	err = WrapPrefix(err, "wrapped", 0)
	assert.Equal(t, 409, HTTPStatusCode(err), "http status code should still be 409")
}

func TestPrefix(t *testing.T) {
	err := WrapPrefix(fmt.Errorf("test error"), "wrapped", 0)
	assert.Equal(t, "wrapped: test error", err.Error(), "error should have prefix")

	err = WrapPrefix(err, "outer", 0)
	assert.Equal(t, "outer: wrapped: test error", err.Error())
}

func TestGRPCStatus(t *testing.T) {
	badRequest := &errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: "test_field", Description: "Test field was empty"},
		},
	}

	err := NewC("test error", codes.InvalidArgument).WithDetails(badRequest)
	st := err.GRPCStatus()
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "test error", st.Message())
	assert.Equal(t, "test_field", st.Details()[0].(*errdetails.BadRequest).FieldViolations[0].Field)
}

func TestGRPCStatus_reason(t *testing.T) {
	err := NewC("forbidden", codes.PermissionDenied).WithReason("FORBIDDEN")
	st := err.GRPCStatus()
	require.Len(t, st.Details(), 1)

	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	assert.Equal(t, "FORBIDDEN", info.Reason)
	assert.Equal(t, Domain, info.Domain)
}

func TestPublicMessage(t *testing.T) {
	err := New("test error")
	assert.Equal(t, "test error", err.GRPCStatus().Message())

	err = err.WithUserPresentableMessage("public %s", "message")
	assert.Equal(t, "public message", err.GRPCStatus().Message())
	assert.Equal(t, "public message", PublicMessage(fmt.Errorf("ctx: %w", err)))
	assert.Equal(t, "test error", err.Error(), "internal message is unchanged")
}

func TestWrappedError(t *testing.T) {
	err := NewC("test error", codes.InvalidArgument)
	wrappedErr := fmt.Errorf("%w : wrapped error", err)

	assert.Equal(t, codes.InvalidArgument, Code(wrappedErr))
}

func TestMark(t *testing.T) {
	sentinel := NewC("test error", codes.InvalidArgument).WithReason("BAD")
	markedErr := Mark(sentinel, 0)

	assert.NotSame(t, sentinel, markedErr)
	assert.True(t, Is(markedErr, sentinel), "Marked error should still satisfy Is")
	require.ErrorIs(t, markedErr, sentinel, "stdlib errors.Is should also match")
	assert.Equal(t, codes.InvalidArgument, Code(markedErr))
	assert.Equal(t, "BAD", Reason(markedErr))
}

func TestMark_doesNotMutateSentinel(t *testing.T) {
	sentinel := NewC("denied", codes.PermissionDenied)
	_ = WithUserPresentableMessage(Mark(sentinel, 0), "missing role %q", "admin")
	assert.Equal(t, "denied", sentinel.PublicMessage())
}

func TestAppend(t *testing.T) {
	sentinel := NewC("invalid model", codes.InvalidArgument)
	err := Mark(sentinel, 0).Append("json: cycle")

	assert.Equal(t, "invalid model: json: cycle", err.Error())
	require.ErrorIs(t, err, sentinel)
}

func TestReason(t *testing.T) {
	assert.Empty(t, Reason(nil))
	assert.Empty(t, Reason(io.EOF))

	err := WithReason(io.EOF, "EOF")
	assert.Equal(t, "EOF", Reason(fmt.Errorf("reading: %w", err)))
}

func TestRecovered(t *testing.T) {
	err := Recovered("boom")
	assert.Equal(t, codes.Internal, err.Code())
	assert.Equal(t, "panic", err.TypeName())
	assert.Contains(t, err.Error(), "boom")

	err = Recovered(io.EOF)
	require.ErrorIs(t, err, io.EOF)
}

func TestMaybeWrap(t *testing.T) {
	require.NoError(t, MaybeWrap(nil, 0))

	err := MaybeWrap(io.EOF, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, io.EOF)
	assert.NotEmpty(t, err.(*Error).StackFrames())
}

type customIsError struct {
	Key string
	Err error
}

func (e customIsError) Error() string {
	return "[" + e.Key + "]: " + e.Err.Error()
}

func (e customIsError) Is(target error) bool {
	matched, ok := target.(customIsError)
	return ok && matched.Key == e.Key
}

func TestIs(t *testing.T) {
	regularErr := fmt.Errorf("just a regular error")
	custErr := customIsError{Key: "TestForFun", Err: io.EOF}
	shouldMatch := customIsError{Key: "TestForFun"}
	shouldNotMatch := customIsError{Key: "notOk"}

	tests := []struct {
		name     string
		target   error
		original error
		want     bool
	}{
		{name: "custom error with same key", target: custErr, original: shouldMatch, want: true},
		{name: "custom error with different key", target: custErr, original: shouldNotMatch, want: false},
		{name: "custom error with same key, wrapped", target: Wrap(custErr, 0), original: shouldMatch, want: true},
		{name: "wrapped custom error with same key", target: custErr, original: Wrap(shouldMatch, 0), want: true},
		{name: "wrapped custom error with different key", target: custErr, original: Wrap(shouldNotMatch, 0), want: false},
		{name: "regular error", target: regularErr, original: regularErr, want: true},
		{name: "regular error, wrapped target", target: Wrap(regularErr, 0), original: regularErr, want: true},
		{name: "regular error, wrapped original", target: regularErr, original: Wrap(regularErr, 0), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.target, tt.original))
		})
	}
}

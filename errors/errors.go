// Package errors provides a stack carrying error type that also knows how it
// should be presented to a client: a gRPC status code, an HTTP status code, a
// user presentable message and a stable reason tag.
//
// Reasons are short upper-case identifiers such as "FORBIDDEN" that callers can
// switch on without parsing messages. They are attached to the gRPC status as
// an errdetails.ErrorInfo.
//
//	var ErrForbidden = errors.NewC("forbidden", codes.PermissionDenied).
//		WithReason("FORBIDDEN")
//
//	func check(role string) error {
//		return errors.WithUserPresentableMessage(
//			errors.Mark(ErrForbidden, 0), "missing required role %q", role)
//	}
//
// Marked errors keep satisfying errors.Is against the sentinel they were
// created from.
package errors

import (
	"bytes"
	"fmt"
	"net/http"
	"reflect"
	"runtime"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/runtime/protoiface"
)

// Domain reported in the ErrorInfo attached to errors that carry a reason.
var Domain = "fieldguard"

// The maximum number of stackframes on any error.
var MaxStackDepth = 50

// Error is an error with an attached stacktrace. It can be used wherever the
// builtin error interface is expected.
type Error struct {
	Err    error
	stack  []uintptr
	frames []StackFrame
	prefix string

	// gRPC status code to associate with an error response.
	code codes.Code

	// Error details which gRPC returns the client.
	details []protoiface.MessageV1

	// HTTP status code to associate with an error response.
	httpStatusCode int

	// Error message to return to client.
	publicMessage string

	// Stable machine readable tag, e.g. "FORBIDDEN".
	reason string
}

// New makes an Error from the given value. If that value is already an error
// then it will be used directly, if not, it will be passed to fmt.Errorf("%v").
// The stacktrace will point to the line of code that called New.
func New(e any) *Error {
	return newError(e, codes.Unknown, 1)
}

// NewC makes an Error with a status code defined.
func NewC(e any, code codes.Code) *Error {
	return newError(e, code, 1)
}

// Codef creates a new error with the given code and formatted message.
func Codef(code codes.Code, format string, a ...any) *Error {
	return newError(fmt.Errorf(format, a...), code, 1)
}

func newError(e any, code codes.Code, skip int) *Error {
	var err error
	switch e := e.(type) {
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}
	return &Error{
		Err:   err,
		stack: callers(skip + 1),
		code:  code,
	}
}

// Wrap makes an Error from the given value. If that value is already an *Error
// it is returned as is. The skip parameter indicates how far up the stack to
// start the stacktrace. 0 is from the current call, 1 from its caller, etc.
func Wrap(e any, skip int) *Error {
	if e == nil {
		return nil
	}
	if err, ok := e.(*Error); ok {
		return err
	}
	return newError(e, codes.Unknown, skip+1)
}

// MaybeWrap wraps err if it is not nil, returning a nil error otherwise. Unlike
// Wrap the result is typed as error, so it is safe to return directly.
func MaybeWrap(err error, skip int) error {
	if err == nil {
		return nil
	}
	return Wrap(err, skip+1)
}

// WrapPrefix makes an Error from the given value with a prefix that is added
// to the message returned by Error().
func WrapPrefix(e any, prefix string, skip int) *Error {
	if e == nil {
		return nil
	}
	err := Wrap(e, 1+skip)
	if err.prefix != "" {
		prefix = fmt.Sprintf("%s: %s", prefix, err.prefix)
	}
	cp := err.clone()
	cp.prefix = prefix
	return cp
}

// Mark takes an error and sets the stack trace from the point it was called,
// overriding any previous stack trace. Use it when returning package level
// sentinels so that the trace points at the failure site.
func Mark(e any, skip int) *Error {
	if e == nil {
		return nil
	}
	if err, ok := e.(*Error); ok {
		cp := err.clone()
		cp.stack = callers(skip + 1)
		cp.frames = nil
		return cp
	}
	return Wrap(e, 1+skip)
}

// Errorf creates a new error with the given message. You can use it as a
// drop-in replacement for fmt.Errorf() to provide descriptive errors in return
// values.
func Errorf(format string, a ...any) *Error {
	return Wrap(fmt.Errorf(format, a...), 1)
}

// WithPublicMessage takes an error and adds a public message to it. If the
// error is not already an `Error`, it will be wrapped in one.
func WithPublicMessage(err error, publicMessage string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).clone().WithPublicMessage(publicMessage)
}

// WithUserPresentableMessage is like WithPublicMessage but accepts a format
// string.
func WithUserPresentableMessage(err error, format string, a ...any) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).clone().WithPublicMessage(fmt.Sprintf(format, a...))
}

// WithCode takes an error and adds a gRPC status code to it.
func WithCode(err error, code codes.Code) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).clone().WithCode(code)
}

// WithHTTPStatusCode takes an error and adds an explicit HTTP status code to
// it, overriding the HTTP status mapped from the gRPC code.
func WithHTTPStatusCode(err error, code int) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).clone().WithHTTPStatusCode(code)
}

// WithDetails takes an error and adds gRPC details to it.
func WithDetails(err error, details ...protoiface.MessageV1) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).clone().WithDetails(details...)
}

// WithReason takes an error and tags it with a stable reason.
func WithReason(err error, reason string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).clone().WithReason(reason)
}

// Error returns the underlying error's message.
func (err *Error) Error() string {
	msg := err.Err.Error()
	if err.prefix != "" {
		msg = fmt.Sprintf("%s: %s", err.prefix, msg)
	}
	return msg
}

// Is reports whether target is an *Error created from the same underlying
// error. This is what lets a marked or annotated copy of a sentinel match the
// sentinel.
func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || t.Err == nil {
		return false
	}
	return Is(err.Err, t.Err)
}

// Append returns a copy of the error with msg appended to its message. The
// copy still matches the original with Is.
func (err *Error) Append(msg string) *Error {
	cp := err.clone()
	cp.Err = fmt.Errorf("%w: %s", err.Err, msg)
	return cp
}

// Stack returns the callstack formatted the same way that go does in
// runtime/debug.Stack().
func (err *Error) Stack() []byte {
	buf := bytes.Buffer{}
	for _, frame := range err.StackFrames() {
		buf.WriteString(frame.String())
	}
	return buf.Bytes()
}

// Callers returns the raw program counters of the stack.
func (err *Error) Callers() []uintptr {
	return err.stack
}

// ErrorStack returns a string that contains both the error message and the
// callstack.
func (err *Error) ErrorStack() string {
	return err.TypeName() + " " + err.Error() + "\n" + string(err.Stack())
}

// StackFrames returns an array of frames containing information about the
// stack.
func (err *Error) StackFrames() []StackFrame {
	if err.frames == nil {
		err.frames = make([]StackFrame, len(err.stack))
		for i, pc := range err.stack {
			err.frames[i] = NewStackFrame(pc)
		}
	}
	return err.frames
}

// TypeName returns the type this error. e.g. *errors.stringError.
func (err *Error) TypeName() string {
	if _, ok := err.Err.(recoveredPanic); ok {
		return "panic"
	}
	return reflect.TypeOf(err.Err).String()
}

// Unwrap the error.
func (err *Error) Unwrap() error {
	return err.Err
}

// Code returns the gRPC status code associated with the error.
func (err *Error) Code() codes.Code {
	return err.code
}

// WithCode sets the gRPC status code associated with the error.
func (err *Error) WithCode(code codes.Code) *Error {
	err.code = code
	return err
}

// Details returns the gRPC details associated with the error.
func (err *Error) Details() []protoiface.MessageV1 {
	return err.details
}

// WithDetails sets the gRPC details associated with the error.
func (err *Error) WithDetails(details ...protoiface.MessageV1) *Error {
	err.details = append(err.details, details...)
	return err
}

// Reason returns the stable reason tag, or an empty string.
func (err *Error) Reason() string {
	return err.reason
}

// WithReason sets the stable reason tag.
func (err *Error) WithReason(reason string) *Error {
	err.reason = reason
	return err
}

// HTTPStatusCode returns the HTTP status code that should be returned to the
// client. If a code is set, it will be used, otherwise a default will be
// returned based on the gRPC code.
func (err *Error) HTTPStatusCode() int {
	if err.httpStatusCode != 0 {
		return err.httpStatusCode
	}
	switch err.code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WithHTTPStatusCode sets the HTTP status code that should be returned to the
// client.
func (err *Error) WithHTTPStatusCode(code int) *Error {
	err.httpStatusCode = code
	return err
}

// PublicMessage returns the error string that should be returned to the client.
func (err *Error) PublicMessage() string {
	if err.publicMessage != "" {
		return err.publicMessage
	}
	return err.Error()
}

// WithPublicMessage sets the error string that should be returned to the client.
func (err *Error) WithPublicMessage(publicMessage string) *Error {
	err.publicMessage = publicMessage
	return err
}

// WithUserPresentableMessage sets a formatted public message.
func (err *Error) WithUserPresentableMessage(format string, a ...any) *Error {
	err.publicMessage = fmt.Sprintf(format, a...)
	return err
}

// GRPCStatus returns a gRPC status object for the error.
func (err *Error) GRPCStatus() *status.Status {
	st := status.New(err.Code(), err.PublicMessage())
	details := err.details
	if err.reason != "" {
		details = append([]protoiface.MessageV1{&errdetails.ErrorInfo{
			Reason: err.reason,
			Domain: Domain,
		}}, details...)
	}
	if len(details) > 0 {
		if withDetails, dErr := st.WithDetails(details...); dErr == nil {
			st = withDetails
		}
	}
	return st
}

func (err *Error) clone() *Error {
	cp := *err
	cp.details = append([]protoiface.MessageV1(nil), err.details...)
	return &cp
}

func callers(skip int) []uintptr {
	stack := make([]uintptr, MaxStackDepth)
	length := runtime.Callers(2+skip, stack)
	return stack[:length]
}

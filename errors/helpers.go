package errors

import (
	baseErrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Is reports whether any error in e's chain matches original. If original is
// an *Error, errors created from the same underlying value also match.
func Is(e error, original error) bool {
	if baseErrors.Is(e, original) {
		return true
	}
	if o, ok := original.(*Error); ok && o != nil && o.Err != nil {
		return baseErrors.Is(e, o.Err)
	}
	return false
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return baseErrors.As(err, target)
}

// Join returns an error that wraps the given errors, nil if all are nil.
func Join(errs ...error) error {
	return baseErrors.Join(errs...)
}

// Code returns a gRPC status code for an error. If the error is nil, it returns
// codes.OK. If any error in the chain exposes a `Code()` method, it is
// returned. Otherwise codes.Unknown is returned.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce codedError
	if As(err, &ce) {
		return ce.Code()
	}
	return codes.Unknown
}

// HTTPStatusCode returns an HTTP status code for an error. If the error is nil,
// it returns http.StatusOK.
func HTTPStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var he httpError
	if As(err, &he) {
		return he.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// Reason returns the stable reason tag of the first tagged error in the chain.
func Reason(err error) string {
	for err != nil {
		if r, ok := err.(reasonedError); ok && r.Reason() != "" {
			return r.Reason()
		}
		err = baseErrors.Unwrap(err)
	}
	return ""
}

// PublicMessage returns the message that is safe to show to a client.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe publicError
	if As(err, &pe) {
		return pe.PublicMessage()
	}
	return err.Error()
}

// Recovered converts a value returned by recover() into an *Error with an
// Internal code. The stack points at the caller of Recovered.
func Recovered(r any) *Error {
	if err, ok := r.(error); ok {
		return newError(recoveredPanic{message: err.Error(), cause: err}, codes.Internal, 1)
	}
	return newError(recoveredPanic{message: fmt.Sprint(r)}, codes.Internal, 1)
}

type recoveredPanic struct {
	message string
	cause   error
}

func (p recoveredPanic) Error() string {
	return "panic: " + p.message
}

func (p recoveredPanic) Unwrap() error {
	return p.cause
}

type codedError interface {
	Code() codes.Code
}

type httpError interface {
	HTTPStatusCode() int
}

type reasonedError interface {
	Reason() string
}

type publicError interface {
	PublicMessage() string
}

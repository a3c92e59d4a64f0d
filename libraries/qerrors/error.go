package qerrors

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Error carries enough context to build the user-visible failure message
// required by spec.md §7: worker id, request id, and the server-provided
// error string, layered on top of github.com/pkg/errors so Cause/Wrap keep
// working for callers that don't care about the extra fields.
type Error struct {
	Worker    string
	RequestID string
	Extended  Extended
	ServerMsg string
	cause     error
}

func New(worker, requestID string, ext Extended, serverMsg string, cause error) *Error {
	return &Error{Worker: worker, RequestID: requestID, Extended: ext, ServerMsg: serverMsg, cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("worker=%s request=%s status=%s", e.Worker, e.RequestID, e.Extended)
	if e.ServerMsg != "" {
		msg += ": " + e.ServerMsg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Cause() error { return e.cause }

// Wrap attaches additional context to err in the teacher's pkg/errors idiom.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// FatalFunc is the injection point for conditions spec.md §7 calls fatal to
// the process (bad schema version at startup, a memory-lock violation on a
// worker). Production wiring logs at zap.Fatal, which os.Exit(1)s; tests
// substitute a function that records the call instead of killing the test
// binary.
type FatalFunc func(msg string, fields ...zap.Field)

// ZapFatal returns a FatalFunc bound to logger.
func ZapFatal(logger *zap.Logger) FatalFunc {
	return func(msg string, fields ...zap.Field) {
		logger.Fatal(msg, fields...)
	}
}

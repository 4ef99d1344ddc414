package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/queue"
)

// ErrorType represents a category of send error for metrics and retry decisions.
type ErrorType string

const (
	// ErrorTypeNetwork represents connection-level errors (refused, reset, unavailable).
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents deadline and timeout errors.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeRemote represents other errors returned by the remote shard.
	ErrorTypeRemote ErrorType = "remote"
	// ErrorTypeUnreadable represents a local block file that could not be read.
	ErrorTypeUnreadable ErrorType = "unreadable"
	// ErrorTypeMalformed represents a block that failed validation, locally or remotely.
	ErrorTypeMalformed ErrorType = "malformed"
	// ErrorTypeCanceled represents a send abandoned because of shutdown.
	ErrorTypeCanceled ErrorType = "canceled"
)

// ErrCanceled is returned when a send is abandoned before it started.
var ErrCanceled = errors.New("send canceled")

// SendError is a structured error returned by Sender.Send.
type SendError struct {
	// Type is the classified error type.
	Type ErrorType
	// Key is the offending block when the error concerns one local file.
	Key uint64
	// HasKey reports whether Key is set.
	HasKey bool
	// Remote is true when the remote shard refused the transfer.
	Remote bool
	// Code is the gRPC status code, codes.OK for non-gRPC errors.
	Code codes.Code
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.HasKey {
		fmt.Fprintf(&b, " (block %d)", e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the same unit may succeed on a later attempt.
func (e *SendError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRemote, ErrorTypeUnreadable:
		return true
	default:
		return false
	}
}

// IsMalformed returns true if retrying can never succeed because a block is corrupt.
func (e *SendError) IsMalformed() bool {
	return e.Type == ErrorTypeMalformed
}

// Classify turns any error from a pool, connection or block iterator into a
// *SendError. A *SendError is returned unchanged.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	var be *queue.BlockError
	if errors.As(err, &be) {
		typ := ErrorTypeUnreadable
		if errors.Is(be.Err, block.ErrMalformed) {
			typ = ErrorTypeMalformed
		}
		return &SendError{Type: typ, Key: be.Key, HasKey: true, Err: err}
	}

	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return &SendError{Type: ErrorTypeCanceled, Code: codes.Canceled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err) {
		return &SendError{Type: ErrorTypeTimeout, Code: codes.DeadlineExceeded, Err: err}
	}

	if st, ok := status.FromError(err); ok {
		return &SendError{Type: classifyGRPCCode(st.Code()), Code: st.Code(), Remote: true, Err: err}
	}

	if isNetworkError(err) {
		return &SendError{Type: ErrorTypeNetwork, Err: err}
	}
	return &SendError{Type: ErrorTypeRemote, Err: err}
}

// classifyGRPCCode categorizes a gRPC status code into an error type.
func classifyGRPCCode(code codes.Code) ErrorType {
	switch code {
	case codes.Unavailable:
		return ErrorTypeNetwork
	case codes.DeadlineExceeded:
		return ErrorTypeTimeout
	case codes.Canceled:
		return ErrorTypeCanceled
	case codes.InvalidArgument, codes.DataLoss:
		return ErrorTypeMalformed
	default:
		return ErrorTypeRemote
	}
}

// isTimeoutError checks if the error is a timeout error.
func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isNetworkError checks if the error is a network error.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errLower := strings.ToLower(err.Error())
	return strings.Contains(errLower, "connection refused") ||
		strings.Contains(errLower, "no such host") ||
		strings.Contains(errLower, "network is unreachable") ||
		strings.Contains(errLower, "connection reset") ||
		strings.Contains(errLower, "broken pipe")
}

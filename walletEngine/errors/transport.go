package errors

import (
	"context"
	"errors"
	"strings"
)

// rpcCoder matches JSON-RPC application errors returned by a node.
type rpcCoder interface {
	ErrorCode() int
}

// IsEndpointFailure reports whether err means the endpoint itself failed
// (unreachable, timed out, rate limited) rather than the node answering with
// a JSON-RPC error. Only endpoint failures should trigger failover.
func IsEndpointFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var coder rpcCoder
	if errors.As(err, &coder) {
		// -32005 limit exceeded is an endpoint problem, not a request problem
		return coder.ErrorCode() == -32005
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Reason == ReasonRpcUnavailable
	}

	// Encoding problems are the caller's fault and would fail on any endpoint.
	errStr := strings.ToLower(err.Error())
	requestPatterns := []string{
		"json: unsupported",
		"json: cannot unmarshal",
		"invalid argument",
	}
	for _, pattern := range requestPatterns {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	return true
}

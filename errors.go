package grpchost

import (
	"fmt"

	"google.golang.org/grpc/codes"
)

// ConfigurationError reports an invalid .proto, missing file, or invalid
// method specification discovered at setup time. Never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "grpchost: configuration: " + e.Reason }

// FileNotFoundError is a configuration-kind error (a distinct type, not a
// *ConfigurationError) raised when a .proto path is not readable.
type FileNotFoundError struct {
	Path string
	Err  error
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("grpchost: file not found: %s: %v", e.Path, e.Err)
}

func (e *FileNotFoundError) Unwrap() error { return e.Err }

// CompileFailedError is raised when the Protocol Buffer compiler rejects a
// .proto file.
type CompileFailedError struct {
	Path string
	Err  error
}

func (e *CompileFailedError) Error() string {
	return fmt.Sprintf("grpchost: compile failed: %s: %v", e.Path, e.Err)
}

func (e *CompileFailedError) Unwrap() error { return e.Err }

// ParseError reports malformed service/rpc syntax in a .proto file.
type ParseError struct {
	Reason  string
	RPCName string // empty when not attributable to a single rpc
}

func (e *ParseError) Error() string {
	if e.RPCName != "" {
		return fmt.Sprintf("grpchost: parse error in rpc %q: %s", e.RPCName, e.Reason)
	}
	return "grpchost: parse error: " + e.Reason
}

// DescriptorMissingError is raised when a referenced message type cannot be
// resolved after compilation.
type DescriptorMissingError struct {
	FQName string
}

func (e *DescriptorMissingError) Error() string {
	return "grpchost: descriptor missing: " + e.FQName
}

// WrongRequestTypeError is raised by a client stub when the message passed
// to call() does not match the method's request descriptor.
type WrongRequestTypeError struct {
	Expected string
	Actual   string
}

func (e *WrongRequestTypeError) Error() string {
	return fmt.Sprintf("grpchost: wrong request type: expected %s, got %s", e.Expected, e.Actual)
}

// TransportError reports a channel-creation, port-binding, or serve
// failure. Fatal for the operation. Batch-start failures are reported as
// [BatchStartFailedError] instead.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("grpchost: transport: %s: %v", e.Reason, e.Err)
	}
	return "grpchost: transport: " + e.Reason
}

func (e *TransportError) Unwrap() error { return e.Err }

// BatchStartFailedError reports that the gRPC runtime rejected the
// operation batch before it could be dispatched.
type BatchStartFailedError struct {
	Err error
}

func (e *BatchStartFailedError) Error() string {
	return fmt.Sprintf("grpchost: batch start failed: %v", e.Err)
}

func (e *BatchStartFailedError) Unwrap() error { return e.Err }

// DeadlineError reports that the completion queue returned a timeout before
// the batch completed; the call has been cancelled with CANCELLED.
type DeadlineError struct{}

func (e *DeadlineError) Error() string { return "grpchost: deadline exceeded" }

// ServerStatusError reports a non-OK status returned by the peer.
type ServerStatusError struct {
	Code    codes.Code
	Details string
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("grpchost: server status %s: %s", e.Code, e.Details)
}

// BatchFailedError reports that the batch completed with failure
// (network/peer error) independent of any server-supplied status.
type BatchFailedError struct {
	LastStatus *codes.Code
	Details    string
}

func (e *BatchFailedError) Error() string {
	if e.LastStatus != nil {
		return fmt.Sprintf("grpchost: batch failed (last status %s): %s", *e.LastStatus, e.Details)
	}
	return "grpchost: batch failed: " + e.Details
}

// HandlerError wraps an exception raised by a host handler. Mapped to
// codes.Internal with Message as the status details.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string { return "grpchost: handler error: " + e.Message }

package grpchost

import (
	"github.com/dop251/goja"
	"google.golang.org/grpc/codes"
)

var statusCodeNames = []struct {
	name string
	code codes.Code
}{
	{"OK", codes.OK},
	{"CANCELLED", codes.Canceled},
	{"UNKNOWN", codes.Unknown},
	{"INVALID_ARGUMENT", codes.InvalidArgument},
	{"DEADLINE_EXCEEDED", codes.DeadlineExceeded},
	{"NOT_FOUND", codes.NotFound},
	{"ALREADY_EXISTS", codes.AlreadyExists},
	{"PERMISSION_DENIED", codes.PermissionDenied},
	{"RESOURCE_EXHAUSTED", codes.ResourceExhausted},
	{"FAILED_PRECONDITION", codes.FailedPrecondition},
	{"ABORTED", codes.Aborted},
	{"OUT_OF_RANGE", codes.OutOfRange},
	{"UNIMPLEMENTED", codes.Unimplemented},
	{"INTERNAL", codes.Internal},
	{"UNAVAILABLE", codes.Unavailable},
	{"DATA_LOSS", codes.DataLoss},
	{"UNAUTHENTICATED", codes.Unauthenticated},
}

// statusObject exposes gRPC status codes and an error factory to JS as
// grpchost.status, mirroring the shape goja-grpc gives grpc.status.
func (m *Module) statusObject() *goja.Object {
	obj := m.runtime.NewObject()
	for _, c := range statusCodeNames {
		_ = obj.Set(c.name, int32(c.code))
	}
	_ = obj.Set("createError", m.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		code := codes.Code(call.Argument(0).ToInteger())
		message := call.Argument(1).String()
		return m.jsErrorObject(code, message)
	}))
	return obj
}

func (m *Module) jsErrorObject(code codes.Code, message string) *goja.Object {
	obj := m.runtime.NewObject()
	_ = obj.Set("code", int32(code))
	_ = obj.Set("message", message)
	_ = obj.Set("name", "GrpcError")
	return obj
}

// jsErrorFromGo converts an error produced by the client call core (C3)
// into a JS-facing error object carrying a status code, per the taxonomy
// of §7.
func (m *Module) jsErrorFromGo(err error) *goja.Object {
	switch e := err.(type) {
	case *ServerStatusError:
		return m.jsErrorObject(e.Code, e.Details)
	case *DeadlineError:
		return m.jsErrorObject(codes.DeadlineExceeded, e.Error())
	case *BatchStartFailedError:
		return m.jsErrorObject(codes.Unavailable, e.Error())
	case *BatchFailedError:
		return m.jsErrorObject(codes.Unavailable, e.Details)
	case *WrongRequestTypeError:
		return m.jsErrorObject(codes.InvalidArgument, e.Error())
	case *ConfigurationError:
		return m.jsErrorObject(codes.InvalidArgument, e.Error())
	default:
		return m.jsErrorObject(codes.Unknown, err.Error())
	}
}

// metadataObject exposes metadata construction helpers to JS as
// grpchost.metadata.
func (m *Module) metadataObject() *goja.Object {
	obj := m.runtime.NewObject()
	_ = obj.Set("of", m.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		md := make(Metadata, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			md = append(md, arg.String())
		}
		return m.runtime.ToValue([]string(md))
	}))
	return obj
}

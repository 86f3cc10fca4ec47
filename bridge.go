package grpchost

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Module is the host bridge (C7): it exposes the method table parser
// (C1), client stubs (C3/C4), and server (C5/C6) to a goja runtime,
// grounded on the require.ModuleLoader / setupExports shape used to embed
// gRPC into JavaScript.
type Module struct {
	runtime *goja.Runtime
}

// New constructs a Module bound to runtime.
func New(runtime *goja.Runtime) *Module {
	return &Module{runtime: runtime}
}

// Require returns a require.ModuleLoader that initializes the module when
// loaded by a goja.Runtime:
//
//	registry := require.NewRegistry()
//	registry.RegisterNativeModule("grpchost", grpchost.Require())
//	registry.Enable(runtime)
//
// JavaScript then loads it with const grpchost = require('grpchost').
func Require() require.ModuleLoader {
	return func(runtime *goja.Runtime, module *goja.Object) {
		m := New(runtime)
		exports := module.Get("exports").(*goja.Object)
		m.setupExports(exports)
	}
}

func (m *Module) setupExports(exports *goja.Object) {
	_ = exports.Set("parseProtoFile", m.runtime.ToValue(m.jsParseProtoFile))
	_ = exports.Set("createClient", m.runtime.ToValue(m.jsCreateClient))
	_ = exports.Set("createServer", m.runtime.ToValue(m.jsCreateServer))
	_ = exports.Set("status", m.statusObject())
	_ = exports.Set("metadata", m.metadataObject())
}

// jsParseProtoFile exposes ParseFile (C1) as grpchost.parseProtoFile(path).
func (m *Module) jsParseProtoFile(call goja.FunctionCall) goja.Value {
	path := call.Argument(0).String()
	table, err := ParseFile(path)
	if err != nil {
		panic(m.runtime.NewGoError(err))
	}
	return m.methodTableToJS(table)
}

func (m *Module) methodTableToJS(table *MethodTable) goja.Value {
	arr := make([]any, 0, table.Len())
	for _, rec := range table.Methods() {
		arr = append(arr, map[string]any{
			"simpleName":      rec.SimpleName,
			"fullPath":        rec.FullPath,
			"clientStreaming": rec.ClientStreaming,
			"serverStreaming": rec.ServerStreaming,
		})
	}
	return m.runtime.ToValue(arr)
}

// jsCreateClient exposes C3/C4 as:
//
//	grpchost.createClient(target, protoPath, serviceName) -> client proxy
//
// Each rpc belonging to serviceName becomes a lowerCamelCase method on the
// returned object: client.sayHello(request, metadata?).
func (m *Module) jsCreateClient(call goja.FunctionCall) goja.Value {
	target := call.Argument(0).String()
	protoPath := call.Argument(1).String()
	serviceName := call.Argument(2).String()

	table, err := ParseFile(protoPath)
	if err != nil {
		panic(m.runtime.NewGoError(err))
	}

	channel := NewChannel(target)
	stubs := NewStubSet(table, channel, nil)

	obj := m.runtime.NewObject()
	for _, rec := range table.Methods() {
		if !belongsToService(rec.FullPath, serviceName) {
			continue
		}
		stub := stubs.Stub(rec.SimpleName)
		_ = obj.Set(lowerFirst(rec.SimpleName), m.runtime.ToValue(m.jsStubCall(stub)))
	}
	_ = obj.Set("close", m.runtime.ToValue(func(goja.FunctionCall) goja.Value {
		_ = stubs.Close()
		return goja.Undefined()
	}))
	return obj
}

func (m *Module) jsStubCall(stub *Stub) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		reqMsg := stub.Build()
		if err := jsToMessage(call.Argument(0), reqMsg); err != nil {
			panic(m.runtime.NewGoError(err))
		}
		md := jsToMetadata(call.Argument(1))

		respMsg, err := stub.Call(context.Background(), reqMsg, CallOptions{Metadata: md})
		if err != nil {
			panic(m.jsErrorFromGo(err))
		}
		jsResp, err := messageToJS(m.runtime, respMsg)
		if err != nil {
			panic(m.runtime.NewGoError(err))
		}
		return jsResp
	}
}

// jsCreateServer exposes C5/C6 as a builder:
//
//	const server = grpchost.createServer()
//	server.addService(protoPath, serviceName, { sayHello(req) { ... } })
//	server.addHook('bind', port => ...)
//	const addr = server.listen('localhost:0')
//	server.shutdown()
func (m *Module) jsCreateServer(call goja.FunctionCall) goja.Value {
	srv := NewServer()
	builder := m.runtime.NewObject()

	_ = builder.Set("addService", m.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		protoPath := call.Argument(0).String()
		serviceName := call.Argument(1).String()
		handlersObj := call.Argument(2).ToObject(m.runtime)

		table, err := ParseFile(protoPath)
		if err != nil {
			panic(m.runtime.NewGoError(err))
		}
		for _, rec := range table.Methods() {
			if !belongsToService(rec.FullPath, serviceName) {
				continue
			}
			fn, ok := goja.AssertFunction(handlersObj.Get(lowerFirst(rec.SimpleName)))
			if !ok {
				continue
			}
			if err := srv.AddMethod(rec.FullPath, m.jsHandler(rec, fn)); err != nil {
				panic(m.runtime.NewGoError(err))
			}
		}
		return builder
	}))

	_ = builder.Set("addHook", m.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return builder
		}
		m.bindHook(srv, name, fn)
		return builder
	}))

	_ = builder.Set("listen", m.runtime.ToValue(func(call goja.FunctionCall) goja.Value {
		bindAddress := call.Argument(0).String()
		runErrCh := make(chan error, 1)
		go func() { runErrCh <- srv.Run(bindAddress) }()
		for i := 0; i < 5000 && srv.Addr() == ""; i++ {
			select {
			case err := <-runErrCh:
				if err != nil {
					panic(m.runtime.NewGoError(err))
				}
			default:
				time.Sleep(time.Millisecond)
			}
		}
		return m.runtime.ToValue(srv.Addr())
	}))

	_ = builder.Set("shutdown", m.runtime.ToValue(func(goja.FunctionCall) goja.Value {
		srv.Interrupt()
		return goja.Undefined()
	}))

	return builder
}

// jsHandler wraps a goja function as a [Handler] (C6), converting between
// wire bytes and JS values via the codec at the dispatch boundary. JS
// handlers run synchronously on the calling goroutine — a goja.Runtime is
// not safe for concurrent access, so hosts must ensure the server's
// dispatch mutex is the only path invoking JS alongside whatever drives
// the runtime's own event loop (see DESIGN.md).
func (m *Module) jsHandler(rec *MethodRecord, fn goja.Callable) Handler {
	codec := NewDynamicCodec()
	return func(ctx context.Context, reqBytes []byte) ([]byte, error) {
		reqMsg, err := codec.Deserialize(rec.RequestDescriptor, reqBytes)
		if err != nil {
			return nil, err
		}
		jsReq, err := messageToJS(m.runtime, reqMsg)
		if err != nil {
			return nil, err
		}
		jsResp, err := fn(goja.Undefined(), jsReq)
		if err != nil {
			return nil, &HandlerError{Message: err.Error()}
		}
		respMsg := NewMessage(rec.ResponseDescriptor)
		if err := jsToMessage(jsResp, respMsg); err != nil {
			return nil, err
		}
		return codec.Serialize(respMsg)
	}
}

func (m *Module) bindHook(srv *Server, name string, fn goja.Callable) {
	call0 := func() { _, _ = fn(goja.Undefined()) }
	switch name {
	case "server_create":
		srv.hooks.OnServerCreate = call0
	case "queue_create":
		srv.hooks.OnQueueCreate = call0
	case "bind":
		srv.hooks.OnBind = func(port int) { _, _ = fn(goja.Undefined(), m.runtime.ToValue(port)) }
	case "server_start":
		srv.hooks.OnServerStart = call0
	case "run":
		srv.hooks.OnRun = call0
	case "shutdown":
		srv.hooks.OnShutdown = call0
	case "stopped":
		srv.hooks.OnStopped = call0
	case "exit":
		srv.hooks.OnExit = call0
	}
}

// belongsToService reports whether fullPath ("/pkg.Service/Method" or
// "/Service/Method") names a method of serviceName.
func belongsToService(fullPath, serviceName string) bool {
	fullPath = strings.TrimPrefix(fullPath, "/")
	idx := strings.LastIndex(fullPath, "/")
	if idx < 0 {
		return false
	}
	qualifiedService := fullPath[:idx]
	if qualifiedService == serviceName {
		return true
	}
	return strings.HasSuffix(qualifiedService, "."+serviceName)
}

// lowerFirst converts an RPC's PascalCase simple name to the lowerCamelCase
// name JS handler/client objects use.
func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// jsToMessage populates dst from v by round-tripping through JSON + the
// protobuf JSON mapping, since goja values are plain JS objects rather
// than typed protobuf messages.
func jsToMessage(v goja.Value, dst proto.Message) error {
	exported := v.Export()
	data, err := json.Marshal(exported)
	if err != nil {
		return &ConfigurationError{Reason: "invalid request value: " + err.Error()}
	}
	if err := protojson.Unmarshal(data, dst); err != nil {
		return &ConfigurationError{Reason: "invalid request shape: " + err.Error()}
	}
	return nil
}

// messageToJS converts a decoded protobuf message into a plain goja value
// via the protobuf JSON mapping.
func messageToJS(runtime *goja.Runtime, msg proto.Message) (goja.Value, error) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return runtime.ToValue(v), nil
}

// jsToMetadata flattens a JS array of strings into a flat [Metadata]
// sequence.
func jsToMetadata(v goja.Value) Metadata {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	arr, ok := exported.([]any)
	if !ok {
		return nil
	}
	md := make(Metadata, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			md = append(md, s)
		}
	}
	return md
}

package grpchost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func greeterTable(t *testing.T) (*MethodTable, *MethodRecord) {
	t.Helper()
	path := writeProto(t, "greeter.proto", greeterProto)
	table, err := ParseFile(path)
	require.NoError(t, err)
	rec, ok := table.Lookup("SayHello")
	require.True(t, ok)
	return table, rec
}

func fieldString(msg proto.Message, name protoreflect.Name) string {
	fd := msg.ProtoReflect().Descriptor().Fields().ByName(name)
	return msg.ProtoReflect().Get(fd).String()
}

func setField(msg proto.Message, name protoreflect.Name, value string) {
	fd := msg.ProtoReflect().Descriptor().Fields().ByName(name)
	msg.ProtoReflect().Set(fd, protoreflect.ValueOfString(value))
}

// startServer runs srv in the background and returns its bound address
// once the bind hook has fired (or t.Fatal on timeout), matching scenario
// 6's ephemeral-port contract.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	addrCh := make(chan int, 1)
	orig := srv.hooks.OnBind
	srv.hooks.OnBind = func(port int) {
		if orig != nil {
			orig(port)
		}
		addrCh <- port
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run("localhost:0") }()
	t.Cleanup(func() {
		srv.Interrupt()
		select {
		case <-runErrCh:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})

	select {
	case port := <-addrCh:
		require.Greater(t, port, 0)
		require.LessOrEqual(t, port, 65535)
	case err := <-runErrCh:
		t.Fatalf("server exited before binding: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not bind in time")
	}
	return srv.Addr()
}

// Scenario 1: Greeter echo.
func TestEndToEnd_GreeterEcho(t *testing.T) {
	table, rec := greeterTable(t)
	codec := NewDynamicCodec()
	rec.Handler = func(_ context.Context, reqBytes []byte) ([]byte, error) {
		req, err := codec.Deserialize(rec.RequestDescriptor, reqBytes)
		if err != nil {
			return nil, err
		}
		resp := NewMessage(rec.ResponseDescriptor)
		setField(resp, "message", "Hello, "+fieldString(req, "name"))
		return codec.Serialize(resp)
	}

	srv := NewServer()
	require.NoError(t, srv.AddMethodTable(table))
	addr := startServer(t, srv)

	channel := NewChannel(addr)
	stubs := NewStubSet(table, channel, nil)
	t.Cleanup(func() { _ = stubs.Close() })

	stub := stubs.Stub("SayHello")
	req := stub.Build()
	setField(req, "name", "World")

	resp, err := stub.Call(context.Background(), req, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World", fieldString(resp, "message"))
}

// Scenario 2: method not found -> UNIMPLEMENTED.
func TestEndToEnd_MethodNotFound(t *testing.T) {
	table, _ := greeterTable(t)
	srv := NewServer()
	addr := startServer(t, srv)

	channel := NewChannel(addr)
	t.Cleanup(func() { _ = channel.Release() })
	channel.Retain()

	_, err := Invoke(context.Background(), channel, "/helloworld.Greeter/SayBye", []byte{0x01}, CallOptions{})
	require.Error(t, err)
	var se *ServerStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, codes.Unimplemented, se.Code)
	assert.Contains(t, se.Details, "SayBye")
	_ = table
}

// Scenario 3: handler exception -> INTERNAL, then recovery on next call.
func TestEndToEnd_HandlerExceptionThenRecovery(t *testing.T) {
	table, rec := greeterTable(t)
	codec := NewDynamicCodec()
	calls := 0
	rec.Handler = func(_ context.Context, reqBytes []byte) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		req, err := codec.Deserialize(rec.RequestDescriptor, reqBytes)
		if err != nil {
			return nil, err
		}
		resp := NewMessage(rec.ResponseDescriptor)
		setField(resp, "message", "Hello, "+fieldString(req, "name"))
		return codec.Serialize(resp)
	}

	srv := NewServer()
	require.NoError(t, srv.AddMethodTable(table))
	addr := startServer(t, srv)

	channel := NewChannel(addr)
	stubs := NewStubSet(table, channel, nil)
	t.Cleanup(func() { _ = stubs.Close() })
	stub := stubs.Stub("SayHello")

	req1 := stub.Build()
	setField(req1, "name", "World")
	_, err := stub.Call(context.Background(), req1, CallOptions{})
	require.Error(t, err)
	var se *ServerStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, codes.Internal, se.Code)
	assert.Equal(t, "boom", se.Details)

	req2 := stub.Build()
	setField(req2, "name", "Again")
	resp2, err := stub.Call(context.Background(), req2, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Again", fieldString(resp2, "message"))
}

// Scenario 4: client deadline vs. slow handler.
func TestEndToEnd_Deadline(t *testing.T) {
	table, rec := greeterTable(t)
	rec.Handler = func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}

	srv := NewServer()
	require.NoError(t, srv.AddMethodTable(table))
	addr := startServer(t, srv)

	channel := NewChannel(addr)
	stubs := NewStubSet(table, channel, nil)
	t.Cleanup(func() { _ = stubs.Close() })
	stub := stubs.Stub("SayHello")

	req := stub.Build()
	setField(req, "name", "World")

	_, err := stub.Call(context.Background(), req, CallOptions{Deadline: 200 * time.Millisecond})
	require.Error(t, err)
	var de *DeadlineError
	require.ErrorAs(t, err, &de)
}

// Scenario 5: metadata pass-through.
func TestEndToEnd_MetadataPassThrough(t *testing.T) {
	table, rec := greeterTable(t)
	codec := NewDynamicCodec()
	rec.Handler = func(ctx context.Context, _ []byte) ([]byte, error) {
		md := fromIncomingContext(ctx)
		var trace string
		for i := 0; i+1 < len(md); i += 2 {
			if md[i] == "x-trace" {
				trace = md[i+1]
			}
		}
		resp := NewMessage(rec.ResponseDescriptor)
		setField(resp, "message", trace)
		return codec.Serialize(resp)
	}

	srv := NewServer()
	require.NoError(t, srv.AddMethodTable(table))
	addr := startServer(t, srv)

	channel := NewChannel(addr)
	stubs := NewStubSet(table, channel, nil)
	t.Cleanup(func() { _ = stubs.Close() })
	stub := stubs.Stub("SayHello")

	req := stub.Build()
	setField(req, "name", "World")

	resp, err := stub.Call(context.Background(), req, CallOptions{Metadata: Metadata{"x-trace", "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", fieldString(resp, "message"))
}

// Scenario 6: ephemeral port + bind hook + second client.
func TestEndToEnd_EphemeralPortAndBindHook(t *testing.T) {
	table, rec := greeterTable(t)
	codec := NewDynamicCodec()
	rec.Handler = func(_ context.Context, reqBytes []byte) ([]byte, error) {
		req, err := codec.Deserialize(rec.RequestDescriptor, reqBytes)
		if err != nil {
			return nil, err
		}
		resp := NewMessage(rec.ResponseDescriptor)
		setField(resp, "message", "Hello, "+fieldString(req, "name"))
		return codec.Serialize(resp)
	}

	var observedPort int
	srv := NewServer(WithHooks(ServerHooks{OnBind: func(port int) { observedPort = port }}))
	require.NoError(t, srv.AddMethodTable(table))
	addr := startServer(t, srv)
	assert.Greater(t, observedPort, 0)
	assert.LessOrEqual(t, observedPort, 65535)

	channel := NewChannel(addr)
	stubs := NewStubSet(table, channel, nil)
	t.Cleanup(func() { _ = stubs.Close() })
	stub := stubs.Stub("SayHello")

	req := stub.Build()
	setField(req, "name", "Second")
	resp, err := stub.Call(context.Background(), req, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Second", fieldString(resp, "message"))
}

// Lifecycle hook ordering, per §8.
func TestServerLifecycleHookOrdering(t *testing.T) {
	var order []string
	record := func(name string) func() { return func() { order = append(order, name) } }

	table, rec := greeterTable(t)
	codec := NewDynamicCodec()
	rec.Handler = func(_ context.Context, reqBytes []byte) ([]byte, error) {
		req, err := codec.Deserialize(rec.RequestDescriptor, reqBytes)
		if err != nil {
			return nil, err
		}
		return codec.Serialize(req)
	}

	srv := NewServer(WithHooks(ServerHooks{
		OnServerCreate: record("server_create"),
		OnQueueCreate:  record("queue_create"),
		OnBind:         func(int) { order = append(order, "bind") },
		OnServerStart:  record("server_start"),
		OnRun:          record("run"),
		OnShutdown:     record("shutdown"),
		OnStopped:      record("stopped"),
		OnExit:         record("exit"),
	}))
	require.NoError(t, srv.AddMethodTable(table))
	startServer(t, srv)
	srv.Interrupt()

	require.Eventually(t, func() bool {
		return len(order) > 0 && order[len(order)-1] == "exit"
	}, 5*time.Second, 10*time.Millisecond)

	expected := []string{"server_create", "queue_create", "bind", "server_start", "run", "shutdown", "stopped", "exit"}
	require.Equal(t, expected, order)
}

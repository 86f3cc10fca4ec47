package grpchost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// DefaultDeadline is the per-call deadline applied when none is supplied,
// per §4.3.
const DefaultDeadline = 15 * time.Second

// runtimeRefs is the process-wide, reference-counted "did we init the gRPC
// runtime" handle described in §9's re-architecture note: every increment
// that transitions 0->1 performs one-time setup, every decrement that
// transitions 1->0 tears it down, eliminating the hidden global boolean
// the source used.
var runtimeRefs atomic.Int64

func acquireRuntime() {
	if runtimeRefs.Add(1) == 1 {
		// First holder: nothing process-global to configure beyond what
		// grpc-go already does lazily; the count only records how many
		// holders are active.
	}
}

func releaseRuntime() {
	if runtimeRefs.Add(-1) == 0 {
		// Last holder released; grpc-go has no process-wide shutdown
		// call, so there is nothing further to release here, but the
		// decrement must still happen on every exit path per §4.3 step 7.
	}
}

// bytesCodec passes pre-encoded request/response bytes straight through
// the gRPC wire framing, letting this package own message encoding via
// [ProtoCodec] instead of requiring generated protobuf types. Grounded on
// the transparent-proxy bytesCodec pattern of forwarding raw payloads
// through grpc.ForceCodec.
type bytesCodec struct{}

func (bytesCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("grpchost: bytesCodec.Marshal: unsupported type %T", v)
	}
	return *b, nil
}

func (bytesCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpchost: bytesCodec.Unmarshal: unsupported type %T", v)
	}
	*b = data
	return nil
}

func (bytesCodec) Name() string { return "proto" }

// Channel is a handle to a connection target string plus credential
// selection (§3's ClientChannel). It is shared by all [Stub]s produced
// from the same target; the underlying [grpc.ClientConn] is dialed lazily
// on first use and closed once the last retaining stub set releases it.
type Channel struct {
	target string

	mu   sync.Mutex
	conn *grpc.ClientConn
	refs int
}

// NewChannel returns a Channel bound to target, using insecure transport
// credentials (TLS credential creation is an extension point outside this
// core, per §1 Out of scope).
func NewChannel(target string) *Channel {
	return &Channel{target: target}
}

// Retain increments the channel's holder count. Paired with Release.
func (c *Channel) Retain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// Release decrements the channel's holder count, closing the underlying
// connection once the last holder releases it.
func (c *Channel) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs <= 0 && c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Channel) acquire() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// CallOptions configures one client call core invocation (C3).
type CallOptions struct {
	// Deadline is the per-call deadline. Zero means DefaultDeadline.
	Deadline time.Duration
	// Metadata is the flat ordered key/value sequence sent with the call.
	Metadata Metadata
}

// Invoke executes one unary RPC end-to-end against channel, per §4.3's
// seven-step algorithm. The six logical ops (send-initial-metadata,
// send-message, send-close-from-client, recv-initial-metadata,
// recv-message, recv-status-on-client) are composed by
// [grpc.ClientConn.Invoke] itself — re-implementing them op-by-op here
// would mean bypassing grpc-go's HTTP/2 transport, which §1 explicitly
// rules out ("no wire-format changes").
func Invoke(ctx context.Context, channel *Channel, fullPath string, requestBytes []byte, opts CallOptions) (responseBytes []byte, err error) {
	acquireRuntime()
	defer releaseRuntime()

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	callCtx, err = opts.Metadata.toOutgoingContext(callCtx)
	if err != nil {
		// Configuration error: metadata list has odd length. Cleanup
		// (runtime decrement, cancel) still runs via the deferred calls
		// above even though no batch was ever started.
		return nil, err
	}

	conn, err := channel.acquire()
	if err != nil {
		return nil, &TransportError{Reason: "channel dial failed", Err: err}
	}

	req := requestBytes
	var resp []byte
	invokeErr := conn.Invoke(callCtx, fullPath, &req, &resp, grpc.ForceCodec(bytesCodec{}))
	// Mandatory cleanup: response/request buffers are local and collected
	// by the garbage collector, metadata slices were copied into callCtx
	// by toOutgoingContext and released with it, the call itself is
	// released when grpc.ClientConn.Invoke returns, and the channel is
	// retained by the caller's Channel/Stub lifetime rather than
	// destroyed per call. Only the runtime refcount decrement (deferred
	// above) remains, matching §4.3 step 7.
	if invokeErr == nil {
		return resp, nil
	}

	if callCtx.Err() == context.DeadlineExceeded {
		return nil, &DeadlineError{}
	}

	st, ok := status.FromError(invokeErr)
	if !ok {
		return nil, &BatchFailedError{Details: invokeErr.Error()}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return nil, &DeadlineError{}
	case codes.Unavailable:
		// The runtime never reached a server to get a status from: picker
		// failure, refused connection, or a transport that never became
		// ready. Per §1's Transport category ("...batch start failure"),
		// this is a rejected batch start, not a mid-call failure.
		return nil, &BatchStartFailedError{Err: invokeErr}
	case codes.Unknown:
		code := st.Code()
		return nil, &BatchFailedError{LastStatus: &code, Details: st.Message()}
	default:
		return nil, &ServerStatusError{Code: st.Code(), Details: st.Message()}
	}
}

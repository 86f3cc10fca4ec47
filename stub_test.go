package grpchost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// TestStubCall_WrongRequestType verifies §8's client-builder type
// enforcement property: a message whose descriptor differs from the
// method's request descriptor fails with WrongRequestTypeError and
// performs no network I/O (the channel here is never dialed, since
// acquire() is only reached after the type check passes).
func TestStubCall_WrongRequestType(t *testing.T) {
	_, rec := greeterTable(t)

	channel := NewChannel("127.0.0.1:0")
	stub := &Stub{record: rec, channel: channel, codec: NewDynamicCodec()}

	wrongType := NewMessage(rec.ResponseDescriptor) // HelloReply, not HelloRequest
	_, err := stub.Call(context.Background(), wrongType, CallOptions{})
	require.Error(t, err)
	var wrt *WrongRequestTypeError
	require.ErrorAs(t, err, &wrt)

	// No dial occurred: the lazily-dialed connection field stays nil.
	channel.mu.Lock()
	defer channel.mu.Unlock()
	require.Nil(t, channel.conn)
}

// TestDynamicCodec_EmptyResponseIdempotence verifies §8's client
// empty-response idempotence: decoding zero bytes yields a default value
// indistinguishable from one constructed directly.
func TestDynamicCodec_EmptyResponseIdempotence(t *testing.T) {
	_, rec := greeterTable(t)
	codec := NewDynamicCodec()

	decoded, err := codec.Deserialize(rec.ResponseDescriptor, nil)
	require.NoError(t, err)

	direct := NewMessage(rec.ResponseDescriptor)
	require.True(t, proto.Equal(decoded, direct))
}

package grpchost

import (
	"context"

	"google.golang.org/protobuf/proto"
)

// Stub is the per-method object the client stub generator (C4) produces:
// build(...) constructs a request value, call(message, metadata) invokes
// it.
type Stub struct {
	record  *MethodRecord
	channel *Channel
	codec   ProtoCodec
}

// StubSet is the full set of stubs for a [MethodTable], keyed by simple
// method name — what host code types.
type StubSet struct {
	channel *Channel
	codec   ProtoCodec
	stubs   map[string]*Stub
}

// NewStubSet binds every method in table to channel, producing one Stub
// per method keyed by simple name. codec defaults to [NewDynamicCodec] if
// nil.
func NewStubSet(table *MethodTable, channel *Channel, codec ProtoCodec) *StubSet {
	if codec == nil {
		codec = NewDynamicCodec()
	}
	channel.Retain()
	set := &StubSet{channel: channel, codec: codec, stubs: make(map[string]*Stub, table.Len())}
	for _, rec := range table.Methods() {
		set.stubs[rec.SimpleName] = &Stub{record: rec, channel: channel, codec: codec}
	}
	return set
}

// Stub returns the stub for simpleName, or nil if no such method exists.
func (s *StubSet) Stub(simpleName string) *Stub {
	return s.stubs[simpleName]
}

// Close releases the underlying channel. Call once the stub set is no
// longer needed.
func (s *StubSet) Close() error {
	return s.channel.Release()
}

// Build constructs a zero-valued request message of this stub's request
// descriptor, for the host to populate before calling Call.
func (s *Stub) Build() proto.Message {
	return NewMessage(s.record.RequestDescriptor)
}

// Call executes the RPC per §4.4:
//  1. verify message's descriptor matches the method's request descriptor
//     (WrongRequestTypeError otherwise, with no network I/O performed);
//  2. encode via ProtoCodec;
//  3. invoke the client call core (C3);
//  4. on empty/nil response bytes, return a default-constructed response
//     value;
//  5. otherwise decode via ProtoCodec using the response descriptor.
func (s *Stub) Call(ctx context.Context, message proto.Message, opts CallOptions) (proto.Message, error) {
	if err := checkMessageType(s.record.RequestDescriptor, message); err != nil {
		return nil, err
	}

	reqBytes, err := s.codec.Serialize(message)
	if err != nil {
		return nil, &ConfigurationError{Reason: "encode failed: " + err.Error()}
	}

	respBytes, err := Invoke(ctx, s.channel, s.record.FullPath, reqBytes, opts)
	if err != nil {
		return nil, err
	}

	return s.codec.Deserialize(s.record.ResponseDescriptor, respBytes)
}

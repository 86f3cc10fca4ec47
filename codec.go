package grpchost

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ProtoCodec is the external Protocol Buffer runtime contract (component
// C2). Serialize encodes a message value; Deserialize decodes bytes into a
// value of the given descriptor, returning a default/empty instance for
// empty input.
type ProtoCodec interface {
	// Serialize encodes value to bytes. It is not given an expected
	// descriptor and does not check value's descriptor; [Stub.Call]
	// performs that check (checkMessageType) before calling Serialize.
	Serialize(value proto.Message) ([]byte, error)

	// Deserialize decodes data into a value of the given descriptor.
	// Empty data produces a default/empty instance, never an error.
	Deserialize(descriptor protoreflect.MessageDescriptor, data []byte) (proto.Message, error)
}

// dynamicCodec is the default [ProtoCodec], backed by
// [google.golang.org/protobuf/types/dynamicpb]. It treats descriptor
// identity as FullName() equality, matching the comparison
// grpcdynamic.Stub.checkMessageType uses for the same purpose.
type dynamicCodec struct{}

// NewDynamicCodec returns the default dynamicpb-backed ProtoCodec. Hosts
// may supply their own ProtoCodec (e.g. to bridge to a JS-native message
// representation) in place of this default.
func NewDynamicCodec() ProtoCodec { return dynamicCodec{} }

func (dynamicCodec) Serialize(value proto.Message) ([]byte, error) {
	return proto.Marshal(value)
}

func (dynamicCodec) Deserialize(descriptor protoreflect.MessageDescriptor, data []byte) (proto.Message, error) {
	msg := dynamicpb.NewMessage(descriptor)
	if len(data) == 0 {
		return msg, nil
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewMessage constructs a zero-valued dynamic message for descriptor,
// usable as the target of build() in the client stub generator (C4).
func NewMessage(descriptor protoreflect.MessageDescriptor) *dynamicpb.Message {
	return dynamicpb.NewMessage(descriptor)
}

// checkMessageType enforces the descriptor-identity comparison required by
// C4's call() contract: message's descriptor must equal expected, compared
// by fully-qualified name, not by Go type.
func checkMessageType(expected protoreflect.MessageDescriptor, message proto.Message) error {
	actual := message.ProtoReflect().Descriptor()
	if actual.FullName() != expected.FullName() {
		return &WrongRequestTypeError{Expected: string(expected.FullName()), Actual: string(actual.FullName())}
	}
	return nil
}

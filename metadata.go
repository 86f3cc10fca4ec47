package grpchost

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// Metadata is a flat, ordered sequence of alternating UTF-8 key/value
// strings, per §6. On the wire, the order of values under one key is
// preserved; the order across distinct keys is not, since grpc-go carries
// metadata as a map of key -> []string.
type Metadata []string

// pairs converts a flat Metadata slice into the ordered key/value pairs
// grpc/metadata.Pairs expects, rejecting odd-length lists as a
// Configuration error (§9's decided Open Question: the source silently
// ignored an odd-length list; this spec treats it as a precondition
// violation instead).
func (m Metadata) pairs() ([]string, error) {
	if len(m)%2 != 0 {
		return nil, &ConfigurationError{Reason: "metadata list has odd length"}
	}
	return []string(m), nil
}

// toOutgoingContext attaches m to ctx as outgoing gRPC metadata.
func (m Metadata) toOutgoingContext(ctx context.Context) (context.Context, error) {
	if len(m) == 0 {
		return ctx, nil
	}
	pairs, err := m.pairs()
	if err != nil {
		return nil, err
	}
	return metadata.NewOutgoingContext(ctx, metadata.Pairs(pairs...)), nil
}

// fromIncomingContext flattens the incoming metadata of ctx back into an
// ordered Metadata slice, preserving per-key value order but not
// necessarily the original interleaving across distinct keys (gRPC's own
// metadata.MD is itself a map of key -> []string and does not retain
// cross-key ordering once received off the wire).
func fromIncomingContext(ctx context.Context) Metadata {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	out := make(Metadata, 0, len(md)*2)
	for k, values := range md {
		for _, v := range values {
			out = append(out, k, v)
		}
	}
	return out
}

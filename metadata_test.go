package grpchost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMetadata_OddLengthIsConfigurationError records the decided Open
// Question from §9: an odd-length metadata list is a precondition
// violation, not silently ignored.
func TestMetadata_OddLengthIsConfigurationError(t *testing.T) {
	md := Metadata{"x-trace"}
	_, err := md.toOutgoingContext(context.Background())
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestMetadata_EvenLengthPassesThrough(t *testing.T) {
	md := Metadata{"x-trace", "abc", "x-other", "def"}
	ctx, err := md.toOutgoingContext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ctx)
}

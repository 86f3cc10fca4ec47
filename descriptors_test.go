package grpchost

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeterProto = `
syntax = "proto3";

package helloworld;

message HelloRequest {
  string name = 1;
}

message HelloReply {
  string message = 1;
}

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply);
}
`

const noPackageProto = `
syntax = "proto3";

message PingRequest {
  string value = 1;
}

message PingResponse {
  string value = 1;
}

service Pinger {
  rpc Ping (PingRequest) returns (PingResponse);
}
`

func writeProto(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseFile_Greeter(t *testing.T) {
	path := writeProto(t, "greeter.proto", greeterProto)

	table, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	rec, ok := table.Lookup("SayHello")
	require.True(t, ok)
	assert.Equal(t, "/helloworld.Greeter/SayHello", rec.FullPath)
	assert.False(t, rec.ClientStreaming)
	assert.False(t, rec.ServerStreaming)
	require.NotNil(t, rec.RequestDescriptor)
	require.NotNil(t, rec.ResponseDescriptor)
	assert.Equal(t, "HelloRequest", string(rec.RequestDescriptor.Name()))
	assert.Equal(t, "HelloReply", string(rec.ResponseDescriptor.Name()))

	byPath, ok := table.LookupPath("/helloworld.Greeter/SayHello")
	require.True(t, ok)
	assert.Same(t, rec, byPath)
}

func TestParseFile_NoPackage(t *testing.T) {
	path := writeProto(t, "pinger.proto", noPackageProto)

	table, err := ParseFile(path)
	require.NoError(t, err)

	rec, ok := table.Lookup("Ping")
	require.True(t, ok)
	assert.Equal(t, "/Pinger/Ping", rec.FullPath)
}

func TestParseFile_FileNotFound(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "missing.proto"))
	require.Error(t, err)
	var fnf *FileNotFoundError
	require.ErrorAs(t, err, &fnf)
}

func TestParseFile_DuplicateRPCNameAcrossServices(t *testing.T) {
	const dup = `
syntax = "proto3";
package dup;

message Req { string v = 1; }
message Res { string v = 1; }

service A {
  rpc Do (Req) returns (Res);
}

service B {
  rpc Do (Req) returns (Res);
}
`
	path := writeProto(t, "dup.proto", dup)
	_, err := ParseFile(path)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseFile_StreamingFlags(t *testing.T) {
	const streaming = `
syntax = "proto3";
package s;

message Req { string v = 1; }
message Res { string v = 1; }

service S {
  rpc Upload (stream Req) returns (Res);
  rpc Download (Req) returns (stream Res);
}
`
	path := writeProto(t, "streaming.proto", streaming)
	table, err := ParseFile(path)
	require.NoError(t, err)

	up, ok := table.Lookup("Upload")
	require.True(t, ok)
	assert.True(t, up.ClientStreaming)
	assert.False(t, up.ServerStreaming)

	down, ok := table.Lookup("Download")
	require.True(t, ok)
	assert.False(t, down.ClientStreaming)
	assert.True(t, down.ServerStreaming)
}

// TestParserTotality_And_PathComposition verifies the §8 universal
// properties: exactly R entries for R total rpcs, every full_path begins
// with '/' and contains exactly one '/' after the qualified segment, and
// the path-composition round trip holds.
func TestParserTotality_And_PathComposition(t *testing.T) {
	path := writeProto(t, "greeter.proto", greeterProto)
	table, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, table.Len())

	for _, rec := range table.Methods() {
		require.True(t, strings.HasPrefix(rec.FullPath, "/"))
		require.Equal(t, 1, strings.Count(rec.FullPath[1:], "/"))
		require.Equal(t, "/"+"helloworld"+"."+"Greeter"+"/"+rec.SimpleName, rec.FullPath)
		require.NotNil(t, rec.RequestDescriptor)
		require.NotNil(t, rec.ResponseDescriptor)
	}
}

func TestTokenize(t *testing.T) {
	toks := tokenize([]byte("service Greeter { rpc SayHello (HelloRequest) returns (HelloReply); } // trailing"))
	assert.Equal(t, []string{
		"service", "Greeter", "{", "rpc", "SayHello", "(", "HelloRequest", ")",
		"returns", "(", "HelloReply", ")", ";", "}",
	}, toks)
}

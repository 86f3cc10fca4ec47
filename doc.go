// Package grpchost embeds a gRPC unary-RPC client and server into a goja
// JavaScript runtime, letting host (JavaScript) code expose service methods
// as callbacks and invoke remote methods through stubs derived from
// Protocol Buffer service definitions.
//
// # Overview
//
// A .proto file is parsed by [ParseFile] into a [MethodTable]: one
// [MethodRecord] per rpc declaration, keyed by simple method name and
// carrying the method's wire-level full path, request/response
// descriptors, and streaming flags.
//
// On the client side, [NewStubSet] binds a MethodTable to a [Channel] to
// produce one [Stub] per method. On the server side, a [Server] from
// [NewServer] holds a dispatch table of full-path -> handler (filled with
// [Server.AddMethod] or [Server.AddMethodTable]) and runs a single-threaded
// accept/read/dispatch/respond loop over a real HTTP/2 listener.
//
// # JavaScript API
//
// require('grpchost') exposes:
//
//	grpchost.parseProtoFile(path)                    -> method table
//	grpchost.createClient(target, protoPath, service) -> client proxy
//	grpchost.createServer()                          -> server builder
//	grpchost.status                                  -> status codes/factory
//	grpchost.metadata                                -> metadata helpers
//
// See [Require] for registering the module with a [goja.Runtime].
package grpchost

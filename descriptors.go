package grpchost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// MethodRecord identifies one unary RPC discovered by [ParseFile].
//
// FullPath is the wire-level method path: "/pkg.Service/Method" when the
// file declares a package, "/Service/Method" otherwise.
type MethodRecord struct {
	SimpleName         string
	FullPath           string
	RequestDescriptor  protoreflect.MessageDescriptor
	ResponseDescriptor protoreflect.MessageDescriptor
	ClientStreaming    bool
	ServerStreaming    bool

	// Handler is populated by the server side when a handler is bound to
	// this record; it is nil for client-side method tables.
	Handler Handler
}

// MethodTable is an immutable simple-name -> MethodRecord mapping produced
// by [ParseFile], with a secondary full-path index for O(1) wire-level
// dispatch.
type MethodTable struct {
	byName map[string]*MethodRecord
	byPath map[string]*MethodRecord
	order  []string
}

// Lookup resolves a method by the simple name host code calls.
func (t *MethodTable) Lookup(simpleName string) (*MethodRecord, bool) {
	r, ok := t.byName[simpleName]
	return r, ok
}

// LookupPath resolves a method by its wire-level full path.
func (t *MethodTable) LookupPath(fullPath string) (*MethodRecord, bool) {
	r, ok := t.byPath[fullPath]
	return r, ok
}

// Len returns the number of methods in the table.
func (t *MethodTable) Len() int { return len(t.order) }

// Methods returns the table's records in declaration order.
func (t *MethodTable) Methods() []*MethodRecord {
	out := make([]*MethodRecord, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.byName[name])
	}
	return out
}

func (t *MethodTable) withHandler(simpleName string, h Handler) error {
	r, ok := t.byName[simpleName]
	if !ok {
		return &ConfigurationError{Reason: fmt.Sprintf("unknown method %q", simpleName)}
	}
	r.Handler = h
	return nil
}

// ParseFile converts a .proto source file into a [MethodTable]. See
// component C1: the compile pass resolves message descriptors via
// protocompile; the parse pass tokenizes the same source text to discover
// package/service/rpc structure, independent of the compiler's own AST, so
// that the method table reflects exactly what a textual reading of the file
// implies.
func ParseFile(path string) (*MethodTable, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileNotFoundError{Path: path, Err: err}
	}

	files, err := compilePass(path)
	if err != nil {
		return nil, &CompileFailedError{Path: path, Err: err}
	}

	decls, err := parsePass(src)
	if err != nil {
		return nil, err
	}

	table := &MethodTable{
		byName: make(map[string]*MethodRecord),
		byPath: make(map[string]*MethodRecord),
	}
	for _, svc := range decls {
		for _, rpc := range svc.rpcs {
			if _, exists := table.byName[rpc.name]; exists {
				return nil, &ParseError{Reason: fmt.Sprintf("duplicate rpc name %q across services", rpc.name), RPCName: rpc.name}
			}

			fqReq := qualify(svc.pkg, rpc.reqType)
			fqRes := qualify(svc.pkg, rpc.resType)

			reqDesc, err := resolveMessage(files, fqReq, rpc.reqType, svc.pkg)
			if err != nil {
				return nil, err
			}
			resDesc, err := resolveMessage(files, fqRes, rpc.resType, svc.pkg)
			if err != nil {
				return nil, err
			}

			fullPath := methodPath(svc.pkg, svc.name, rpc.name)
			rec := &MethodRecord{
				SimpleName:         rpc.name,
				FullPath:           fullPath,
				RequestDescriptor:  reqDesc,
				ResponseDescriptor: resDesc,
				ClientStreaming:    rpc.clientStreaming,
				ServerStreaming:    rpc.serverStreaming,
			}
			table.byName[rpc.name] = rec
			table.byPath[fullPath] = rec
			table.order = append(table.order, rpc.name)
		}
	}
	return table, nil
}

// methodPath computes the wire-level method path per §6: "/pkg.Service/RPC"
// when a package is declared, "/Service/RPC" otherwise.
func methodPath(pkg, service, rpc string) string {
	if pkg == "" {
		return "/" + service + "/" + rpc
	}
	return "/" + pkg + "." + service + "/" + rpc
}

func qualify(pkg, typeName string) string {
	if pkg == "" {
		return typeName
	}
	return pkg + "." + typeName
}

// resolveMessage resolves a message descriptor by fully-qualified name
// first; on miss, with a package set, it retries with the unqualified
// short name (tolerates runtimes that pre-registered types without package
// qualification). This fallback is a documented workaround — see
// DESIGN.md — and should be dropped by implementations that guarantee
// qualified registration.
func resolveMessage(files *protoregistry.Files, fqName, shortName, pkg string) (protoreflect.MessageDescriptor, error) {
	if d, err := files.FindDescriptorByName(protoreflect.FullName(fqName)); err == nil {
		if md, ok := d.(protoreflect.MessageDescriptor); ok {
			return md, nil
		}
	}
	if pkg != "" {
		if d, err := files.FindDescriptorByName(protoreflect.FullName(shortName)); err == nil {
			if md, ok := d.(protoreflect.MessageDescriptor); ok {
				return md, nil
			}
		}
	}
	return nil, &DescriptorMissingError{FQName: fqName}
}

// compilePass hands the file to protocompile so that message descriptors
// become resolvable by fully-qualified name, registering the compiled file
// and its transitive imports into a private registry (never the global
// one, so repeated parses of differently-named-but-identical files never
// collide).
func compilePass(path string) (*protoregistry.Files, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: []string{dir},
		}),
	}
	results, err := compiler.Compile(context.Background(), base)
	if err != nil {
		return nil, err
	}

	files := new(protoregistry.Files)
	for _, fd := range results {
		if err := files.RegisterFile(fd); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// --- parse pass: tokenizer + recursive-descent walker ---

type rpcDecl struct {
	name            string
	reqType         string
	resType         string
	clientStreaming bool
	serverStreaming bool
}

type serviceDecl struct {
	name string
	pkg  string
	rpcs []rpcDecl
}

// tokenize splits .proto source on whitespace and the delimiters
// "{ } ( ) ;", dropping "//" line comments, per §4.1's parse-pass
// algorithm.
func tokenize(src []byte) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	s := string(src)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			flush()
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			flush()
		case strings.IndexByte("{}();", c) >= 0:
			flush()
			tokens = append(tokens, string(c))
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}

// parsePass walks the token stream recognizing exactly the three
// top-level keywords "package", "service", "rpc" per §4.1.
func parsePass(src []byte) ([]serviceDecl, error) {
	tokens := tokenize(src)
	var services []serviceDecl
	pkg := ""

	i := 0
	next := func() (string, bool) {
		if i >= len(tokens) {
			return "", false
		}
		t := tokens[i]
		i++
		return t, true
	}
	peek := func() (string, bool) {
		if i >= len(tokens) {
			return "", false
		}
		return tokens[i], true
	}
	expect := func(tok string) error {
		t, ok := next()
		if !ok || t != tok {
			return &ParseError{Reason: fmt.Sprintf("expected %q, got %q", tok, t)}
		}
		return nil
	}

	// skipBalanced consumes a brace-balanced "{ ... }" block, the opening
	// brace already consumed by the caller.
	skipBalanced := func() error {
		depth := 1
		for depth > 0 {
			t, ok := next()
			if !ok {
				return &ParseError{Reason: "unexpected end of file inside block"}
			}
			switch t {
			case "{":
				depth++
			case "}":
				depth--
			}
		}
		return nil
	}

	for {
		tok, ok := next()
		if !ok {
			break
		}
		switch tok {
		case "package":
			name, ok := next()
			if !ok {
				return nil, &ParseError{Reason: "expected package name"}
			}
			pkg = name
			// consume up to and including ';'
			for {
				t, ok := next()
				if !ok {
					return nil, &ParseError{Reason: "unterminated package directive"}
				}
				if t == ";" {
					break
				}
			}
		case "service":
			name, ok := next()
			if !ok {
				return nil, &ParseError{Reason: "expected service name"}
			}
			if err := expect("{"); err != nil {
				return nil, err
			}
			svc := serviceDecl{name: name, pkg: pkg}
			for {
				t, ok := peek()
				if !ok {
					return nil, &ParseError{Reason: "unterminated service block", RPCName: ""}
				}
				if t == "}" {
					next()
					break
				}
				if t == "rpc" {
					next()
					rpc, err := parseRPC(next, peek, expect, skipBalanced)
					if err != nil {
						return nil, err
					}
					svc.rpcs = append(svc.rpcs, *rpc)
					continue
				}
				// unknown statement (e.g. "option ...;") inside the
				// service block: skip to the next top-level ';' or
				// brace-balanced block.
				next()
				if err := skipStatement(t, next, skipBalanced); err != nil {
					return nil, err
				}
			}
			services = append(services, svc)
		default:
			// top-level statement we don't recognize (message, enum,
			// option, import, syntax, ...): skip it. Message/enum bodies
			// are delegated to the Protocol Buffer runtime in the compile
			// pass; the parse pass only cares about package/service/rpc.
			if err := skipStatement(tok, next, skipBalanced); err != nil {
				return nil, err
			}
		}
	}
	return services, nil
}

func parseRPC(next func() (string, bool), peek func() (string, bool), expect func(string) error, skipBalanced func() error) (*rpcDecl, error) {
	name, ok := next()
	if !ok {
		return nil, &ParseError{Reason: "expected rpc name"}
	}
	rpc := &rpcDecl{name: name}

	if err := expect("("); err != nil {
		return nil, &ParseError{Reason: err.Error(), RPCName: name}
	}
	if t, ok := peek(); ok && t == "stream" {
		next()
		rpc.clientStreaming = true
	}
	reqType, ok := next()
	if !ok {
		return nil, &ParseError{Reason: "expected request type", RPCName: name}
	}
	rpc.reqType = reqType
	if err := expect(")"); err != nil {
		return nil, &ParseError{Reason: err.Error(), RPCName: name}
	}

	ret, ok := next()
	if !ok || ret != "returns" {
		return nil, &ParseError{Reason: "expected \"returns\"", RPCName: name}
	}
	if err := expect("("); err != nil {
		return nil, &ParseError{Reason: err.Error(), RPCName: name}
	}
	if t, ok := peek(); ok && t == "stream" {
		next()
		rpc.serverStreaming = true
	}
	resType, ok := next()
	if !ok {
		return nil, &ParseError{Reason: "expected response type", RPCName: name}
	}
	rpc.resType = resType
	if err := expect(")"); err != nil {
		return nil, &ParseError{Reason: err.Error(), RPCName: name}
	}

	// Trailing ";" or brace-balanced "{ options... }".
	t, ok := next()
	if !ok {
		return nil, &ParseError{Reason: "unterminated rpc declaration", RPCName: name}
	}
	switch t {
	case ";":
	case "{":
		if err := skipBalanced(); err != nil {
			return nil, err
		}
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unexpected token %q after rpc signature", t), RPCName: name}
	}
	return rpc, nil
}

// skipStatement consumes tokens up to and including the next top-level
// ';', or a brace-balanced block if one is encountered first. first is the
// already-consumed opening token of the statement.
func skipStatement(first string, next func() (string, bool), skipBalanced func() error) error {
	switch first {
	case ";":
		return nil
	case "{":
		return skipBalanced()
	}
	for {
		t, ok := next()
		if !ok {
			return nil
		}
		switch t {
		case ";":
			return nil
		case "{":
			return skipBalanced()
		}
	}
}

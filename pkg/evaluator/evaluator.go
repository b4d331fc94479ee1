// Package evaluator resolves the "dynamic-typed evaluation of user
// expressions" redesign note (spec §9): a TaskEnvelope's expr is never
// interpreted by the dispatcher or worker — it is a {func, args} pair
// dispatched through a process-local registry of named Go functions. This
// is the idiomatic-Go rendition of a serialized closure.
package evaluator

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/cloudburst/pkg/blob"
)

// Func is a registered unit of work: given decoded arguments and the
// envelope's captured globals, it returns a value or an error.
type Func func(args blob.Value, globals blob.Value) (blob.Value, error)

// Registry maps a function name to its implementation. Workers look up
// TaskEnvelope.Expr's "func" field here; an unregistered name is a
// TaskFailed-class error, not a crash.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any existing registration. Not
// safe to call concurrently with Lookup under a differently-locked
// registry instance, but is safe on a shared *Registry since both take
// the same mutex.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function registered under name, if any.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Expr is the decoded shape of TaskEnvelope.Expr.
type Expr struct {
	Func string     `cbor:"func"`
	Args blob.Value `cbor:"args"`
}

// Result is what Evaluate returns: a success value plus captured stdout,
// or an error record. It is encoded as the ResultEnvelope (§6.3).
type Result struct {
	Error   bool       `cbor:"error"`
	Value   blob.Value `cbor:"value,omitempty"`
	Message string     `cbor:"message,omitempty"`
	Stdout  string      `cbor:"stdout"`
	Visible bool        `cbor:"visible"`
}

// Evaluate decodes exprBlob and runs the named function against the
// registry, capturing anything the function writes to the io.Writer
// returned by Stdout as the Result's stdout, and never panics out of the
// worker — evaluation errors are captured in the Result (§4.7 step 2-3).
func Evaluate(reg *Registry, exprBlob []byte, globals blob.Value) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Error: true, Message: fmt.Sprintf("panic during evaluation: %v", r)}
		}
	}()

	var expr Expr
	if err := blob.Decode(exprBlob, &expr); err != nil {
		return Result{Error: true, Message: "malformed expression: " + err.Error()}
	}

	fn, ok := reg.Lookup(expr.Func)
	if !ok {
		return Result{Error: true, Message: "unregistered function: " + expr.Func}
	}

	var buf bytes.Buffer
	value, err := runCapturingStdout(&buf, func() (blob.Value, error) {
		return fn(expr.Args, globals)
	})
	if err != nil {
		return Result{Error: true, Message: err.Error(), Stdout: buf.String()}
	}
	return Result{Value: value, Stdout: buf.String(), Visible: true}
}

// stdoutFuncs run with a captured writer available via context-free
// injection: the registry's Func signature doesn't carry an io.Writer, so
// capture happens around the call instead of inside it. Functions that
// want to emit captured output write to the Writer value stashed in a
// package-level, evaluation-scoped slot guarded by a mutex — mirroring
// how the worker, being single-threaded per container (§5), never runs
// two evaluations concurrently.
var stdoutMu sync.Mutex
var currentStdout io.Writer

// Stdout returns the io.Writer the currently-running evaluation should
// write captured output to. Outside of an Evaluate call it returns
// io.Discard.
func Stdout() io.Writer {
	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	if currentStdout == nil {
		return io.Discard
	}
	return currentStdout
}

func runCapturingStdout(w io.Writer, f func() (blob.Value, error)) (blob.Value, error) {
	stdoutMu.Lock()
	prev := currentStdout
	currentStdout = w
	stdoutMu.Unlock()

	defer func() {
		stdoutMu.Lock()
		currentStdout = prev
		stdoutMu.Unlock()
	}()

	return f()
}

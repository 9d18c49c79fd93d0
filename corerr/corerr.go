// Package corerr provides the structured error type shared by every
// composition-subsystem package (manifest, iface, registry, depgraph, dlink,
// bridge, extension). It is a trimmed adaptation of the engine layer's
// errors package, scoped to the seven error kinds enumerated in the core's
// error handling design: NotFound, AlreadyExists, ChecksumMismatch,
// CircularDependency, MissingInterface, MissingFunction,
// UnresolvedReference, and a catch-all Unexpected.
//
// Use the Builder for structured construction:
//
//	err := corerr.New(corerr.KindNotFound).Resource("manifest").Build()
//
// or one of the convenience constructors:
//
//	err := corerr.NotFound("manifest")
//	err := corerr.MissingFunction("B", "math/lib", "sub", "A")
//
// All errors implement error, Unwrap, and Is so that errors.Is/errors.As
// compose normally.
package corerr

import (
	"fmt"
	"strings"
)

// Kind categorizes a structured error per spec §7.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindChecksumMismatch   Kind = "checksum_mismatch"
	KindCircularDependency Kind = "circular_dependency"
	KindMissingInterface   Kind = "missing_interface"
	KindMissingFunction    Kind = "missing_function"
	KindUnresolvedRef      Kind = "unresolved_reference"
	KindUnexpected         Kind = "unexpected"
)

// Error is the structured error type used across the composition subsystem.
type Error struct {
	Cause    error
	Kind     Kind
	Resource string
	Detail   string

	// Dependency-validation context (set for MissingInterface/MissingFunction).
	Importer  string
	Interface string
	Function  string
	Exporter  string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteByte(']')

	switch e.Kind {
	case KindMissingInterface:
		fmt.Fprintf(&b, " extension %q imports interface %q which is not exported by any installed extension",
			e.Importer, e.Interface)
	case KindMissingFunction:
		fmt.Fprintf(&b, " extension %q imports function %q from interface %q, but it is not exported by %q",
			e.Importer, e.Function, e.Interface, e.Exporter)
	default:
		if e.Resource != "" {
			fmt.Fprintf(&b, " %s", e.Resource)
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Detail)
		}
	}

	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %s)", e.Cause.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind. Resource-less
// comparisons let callers write `errors.Is(err, corerr.KindNotFound)`-style
// checks via corerr.Is instead, since Kind alone is the useful sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Builder constructs an *Error field by field.
type Builder struct {
	err Error
}

// New starts a Builder for the given Kind.
func New(kind Kind) *Builder {
	return &Builder{err: Error{Kind: kind}}
}

func (b *Builder) Resource(r string) *Builder  { b.err.Resource = r; return b }
func (b *Builder) Cause(err error) *Builder    { b.err.Cause = err; return b }
func (b *Builder) Importer(s string) *Builder  { b.err.Importer = s; return b }
func (b *Builder) Interface(s string) *Builder { b.err.Interface = s; return b }
func (b *Builder) Function(s string) *Builder  { b.err.Function = s; return b }
func (b *Builder) Exporter(s string) *Builder  { b.err.Exporter = s; return b }

func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *Builder) Build() *Error { return &b.err }

// Convenience constructors mirroring spec §7.

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Resource: resource}
}

func AlreadyExists(name string) *Error {
	return &Error{Kind: KindAlreadyExists, Resource: name}
}

func ChecksumMismatch(name string) *Error {
	return &Error{Kind: KindChecksumMismatch, Resource: name}
}

func CircularDependency(formatted string) *Error {
	return &Error{Kind: KindCircularDependency, Detail: formatted}
}

func MissingInterface(importer, iface string) *Error {
	return &Error{Kind: KindMissingInterface, Importer: importer, Interface: iface}
}

func MissingFunction(importer, iface, function, exporter string) *Error {
	return &Error{
		Kind:      KindMissingFunction,
		Importer:  importer,
		Interface: iface,
		Function:  function,
		Exporter:  exporter,
	}
}

func UnresolvedReference(function string) *Error {
	return &Error{Kind: KindUnresolvedRef, Resource: function}
}

func Unexpected(cause error) *Error {
	return &Error{Kind: KindUnexpected, Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind, unwrapping as
// errors.Is would.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

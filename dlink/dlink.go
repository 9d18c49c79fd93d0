// Package dlink implements the dynamic linker (C5): it sits between the
// engine's host-import surface and the function registry, installing
// forwarding stubs for an extension's imported library interfaces and, once
// an extension is instantiated, resolving its exported library interfaces
// into the registry so other extensions' stubs can forward to them.
package dlink

import (
	"context"
	"fmt"

	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/manifest"
	"github.com/icp-tools/corectl/registry"
	"go.bytecodealliance.org/wit"
)

// Signature describes an import or export function's WIT parameter and
// result types, as detected by the interface detector (C2).
type Signature struct {
	ParamTypes  []wit.Type
	ResultTypes []wit.Type
}

// HostStub is the forwarding behavior installed at an import site. It
// receives already-decoded component-level parameters and returns
// component-level results; the engine adapter is responsible for the
// canonical ABI encode/decode at the wasm boundary.
type HostStub func(ctx context.Context, params []any) ([]any, error)

// EngineLinker is the subset of the engine's linker object the dynamic
// linker depends on: the ability to install a host-provided import at a
// given (interface, function) path with a declared signature. Production
// code backs this with the real component linker; tests use a fake.
type EngineLinker interface {
	DefineImport(iface, function string, sig Signature, stub HostStub) error
}

// ExportSource is the subset of an instantiated extension the dynamic linker
// depends on to pull exported functions out after instantiation.
type ExportSource interface {
	Export(iface, function string) (registry.Func, bool)
}

// state is the per-extension linking state machine (§4.5):
// Unseen -> ImportsLinked -> Instantiated -> ExportsResolved.
type state int

const (
	stateUnseen state = iota
	stateImportsLinked
	stateInstantiated
	stateExportsResolved
)

// Linker tracks, per extension, which linking phase it has reached, and
// forwards import/export wiring through a single shared Registry.
type Linker struct {
	registry *registry.Registry
	states   map[string]state
}

// New returns a Linker backed by reg. reg is typically shared across the
// whole process (§9): one registry, so a stub installed while linking
// extension A can resolve against an export produced later by extension B.
func New(reg *registry.Registry) *Linker {
	return &Linker{registry: reg, states: make(map[string]state)}
}

// LinkImports installs forwarding stubs on el for each (iface, fn) pair
// named by imports, skipping non-library interfaces (the host supplies those
// directly). Re-entrant: if extensionName has already reached ImportsLinked
// or later, this is a no-op, matching the "shared stub" re-entrancy rule.
func (l *Linker) LinkImports(el EngineLinker, extensionName string, imports []manifest.ImportedInterface, sigs map[string]Signature) error {
	if l.states[extensionName] >= stateImportsLinked {
		return nil
	}

	for _, imp := range imports {
		if !manifest.IsLibraryInterface(imp.Name) {
			continue
		}

		for _, fn := range imp.Functions {
			key := registry.Key(imp.Name, fn)

			if l.registry.Contains(key) {
				// Shared stub: another extension already imports this
				// (iface, fn) and installed the forwarding stub.
				continue
			}

			if err := l.registry.Register(key); err != nil {
				return corerr.Unexpected(fmt.Errorf("dlink: register %s: %w", key, err))
			}

			sig := sigs[key]
			stub := l.buildStub(imp.Name, fn)
			if err := el.DefineImport(imp.Name, fn, sig, stub); err != nil {
				return corerr.Unexpected(fmt.Errorf("dlink: install import %s: %w", key, err))
			}
		}
	}

	l.states[extensionName] = stateImportsLinked
	return nil
}

// buildStub returns the forwarding closure installed at (iface, fn). It
// reads the registry slot on every call (never caching a stale reference),
// and never holds the registry lock across the underlying call.
func (l *Linker) buildStub(iface, fn string) HostStub {
	return func(ctx context.Context, params []any) ([]any, error) {
		results, err := l.registry.Call(ctx, iface, fn, params)
		if err != nil {
			return nil, fmt.Errorf("dlink: forward %s: %w", registry.Key(iface, fn), err)
		}
		return results, nil
	}
}

// MarkInstantiated records that extensionName's instance has been produced,
// allowing ResolveExports to proceed. Calling ResolveExports before this is
// a programming error, not a recoverable one; this method exists so callers
// mirror the state machine explicitly rather than relying on ResolveExports
// to infer it.
func (l *Linker) MarkInstantiated(extensionName string) {
	if l.states[extensionName] < stateInstantiated {
		l.states[extensionName] = stateInstantiated
	}
}

// ResolveExports looks up, for each of extensionName's exported library
// interfaces, the corresponding function on src, and resolves the matching
// registry slot. Idempotent: a second call for an extension already at
// ExportsResolved is a no-op.
func (l *Linker) ResolveExports(src ExportSource, extensionName string, exports []manifest.ExportedInterface) error {
	if l.states[extensionName] == stateExportsResolved {
		return nil
	}

	for _, exp := range exports {
		if !manifest.IsLibraryInterface(exp.Name) {
			continue
		}

		for _, fn := range exp.Funcs {
			f, ok := src.Export(exp.Name, fn)
			if !ok {
				return corerr.Unexpected(fmt.Errorf(
					"dlink: extension %q export %q missing function %q on instance",
					extensionName, exp.Name, fn))
			}

			key := registry.Key(exp.Name, fn)
			if !l.registry.Contains(key) {
				// No importer ever registered a slot for this export; still
				// worth registering so late lookups (e.g. the invocation
				// bridge, C6) can resolve it directly.
				if err := l.registry.Register(key); err != nil {
					return corerr.Unexpected(fmt.Errorf("dlink: register export %s: %w", key, err))
				}
			}
			if err := l.registry.Resolve(key, f); err != nil {
				return corerr.Unexpected(fmt.Errorf("dlink: resolve %s: %w", key, err))
			}
		}
	}

	l.states[extensionName] = stateExportsResolved
	return nil
}

// State returns the current linking state of extensionName as a string, for
// diagnostics (e.g. startup progress logging).
func (l *Linker) State(extensionName string) string {
	switch l.states[extensionName] {
	case stateImportsLinked:
		return "imports-linked"
	case stateInstantiated:
		return "instantiated"
	case stateExportsResolved:
		return "exports-resolved"
	default:
		return "unseen"
	}
}

// Package corectl composes a fleet of independently-authored WebAssembly
// Component-Model extensions into a single process.
//
// Each extension is a compiled component that may import "library"
// interfaces exported by other extensions and may export library interfaces
// of its own. corectl discovers that import/export graph (package iface),
// resolves a load order over it (package depgraph), wires each extension's
// imports to forward references filled in once the exporting extension is
// instantiated (package dlink backed by package registry), and lets
// extensions invoke each other's exports dynamically by name (package
// bridge). Package manifest persists the installed set between runs, and
// package extension drives add/remove/list against all of the above.
//
// The underlying WebAssembly engine is treated as an external capability:
// package wasmengine is this module's concrete implementation of that
// contract, built on wazero and go.bytecodealliance.org/wit. Core packages
// depend only on the small interfaces wasmengine exposes, not on wazero
// directly.
//
// # Architecture overview
//
//	corectl/              this file; no exported API of its own
//	├── manifest/          durable store of installed extensions (C1)
//	├── iface/             import/export interface detection (C2)
//	├── registry/          process-wide resolved-function slots (C3)
//	├── depgraph/          provider graph, cycle detection, load order (C4)
//	├── dlink/             import stubs + export resolution (C5)
//	├── bridge/            ValueEnvelope codec + dynamic invocation (C6)
//	├── extension/         add/remove/list lifecycle (C7)
//	├── host/              host-provided imports (misc, filesystem, command)
//	├── clispec/           CLI command-spec JSON schema
//	├── corerr/            structured error kinds shared by every package above
//	├── wasmengine/        opaque engine contract on top of the packages below
//	├── engine/            wazero integration and canonical ABI (teacher-derived)
//	├── linker/            component instantiation and import resolution
//	├── component/         component binary parsing and validation
//	├── transcoder/        canonical ABI encoding/decoding between Go and WASM
//	├── wasm/              core WASM binary manipulation primitives
//	├── wat/               WAT text format to WASM binary compiler
//	├── asyncify/          pure Go asyncify transform for async operations
//	├── resource/          resource handle table implementation
//	├── errors/            structured error types used by the engine layer
//	└── wasi/              WASI preview2 host implementations
//
// # Quick start
//
//	m, _ := manifest.NewStore(manifestPath).Load()
//	g := depgraph.New(m)
//	order, _ := g.ResolveOrder()
//
//	reg := registry.New()
//	lk := dlink.New(reg)
//	for _, name := range order {
//	    ext := m.Find(name)
//	    mod, _ := eng.Compile(ctx, ext)
//	    lk.LinkImports(mod, ext.Name, ext.Imports, sigs)
//	    _ = mod.Instantiate(ctx)
//	    lk.MarkInstantiated(ext.Name)
//	    lk.ResolveExports(mod, ext.Name, ext.Exports)
//	}
package corectl

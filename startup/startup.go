// Package startup drives the load -> graph -> link -> instantiate ->
// resolve sequence that brings an installed extension set up from a
// manifest document to a fully wired registry, ready for component.invoke
// or a direct CLI dispatch to an extension's export.
package startup

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/icp-tools/corectl/bridge"
	"github.com/icp-tools/corectl/clispec"
	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/depgraph"
	"github.com/icp-tools/corectl/dlink"
	"github.com/icp-tools/corectl/engine"
	"github.com/icp-tools/corectl/host"
	"github.com/icp-tools/corectl/manifest"
	"github.com/icp-tools/corectl/registry"
	"github.com/icp-tools/corectl/runtime"
	"github.com/icp-tools/corectl/wasmengine"
)

// System is the fully-started composition: every installed extension
// linked and instantiated, in dependency order, against one shared
// registry.
type System struct {
	Manifest *manifest.Manifest
	Graph    *depgraph.Graph
	Registry *registry.Registry
	Linker   *dlink.Linker
	Order    []string

	// CLI holds the parsed command spec for every extension that exports
	// a cli interface, keyed by extension name. An extension with no cli
	// export has no entry here.
	CLI map[string]*clispec.Command

	modules map[string]moduleHandle
}

// Module returns the instantiated module for name, if started.
func (s *System) Module(name string) (moduleHandle, bool) {
	m, ok := s.modules[name]
	return m, ok
}

// moduleHandle is the subset of a loaded, instantiated extension a started
// System depends on: installing imports (dlink.EngineLinker), pulling
// exports (dlink.ExportSource), and the two ordering steps between them.
// *wasmengine.Module satisfies this directly; tests back it with a fake.
type moduleHandle interface {
	dlink.EngineLinker
	dlink.ExportSource
	Compile(ctx context.Context) error
	Instantiate(ctx context.Context) error
}

// moduleLoader turns one extension's wasm bytes into a moduleHandle ready
// for import linking, binding the always-available host surface along the
// way. Production code backs this with the real wazero engine and a
// runtime.HostRegistry (see engineLoader); tests back it with a fake that
// skips straight to canned exports, exercising Start's orchestration
// (load order, init-before-cli, cli-spec discovery) without a real guest
// binary.
type moduleLoader interface {
	Load(ctx context.Context, wasmBytes []byte) (moduleHandle, error)
}

// engineLoader is the production moduleLoader.
type engineLoader struct {
	engine *engine.WazeroEngine
	hosts  *runtime.HostRegistry
}

func (l *engineLoader) Load(ctx context.Context, wasmBytes []byte) (moduleHandle, error) {
	wm, err := l.engine.LoadModule(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}
	if err := l.hosts.Bind(wm); err != nil {
		return nil, err
	}
	return wasmengine.NewModule(wm), nil
}

// RunCLI dispatches args to the named extension's cli.run export, returning
// the exit code it reports. It fails with corerr.NotFound if the extension
// was not started or does not export a cli interface.
func (s *System) RunCLI(ctx context.Context, name string, args []string) (uint8, error) {
	mod, ok := s.Module(name)
	if !ok {
		return 0, corerr.NotFound(name)
	}

	fn, ok := mod.Export("cli", "run")
	if !ok {
		return 0, corerr.NotFound(name + "/cli#run")
	}

	results, err := fn.Call(ctx, []any{args})
	if err != nil {
		return 0, corerr.Unexpected(fmt.Errorf("startup: %q cli.run: %w", name, err))
	}
	defer fn.PostReturn(ctx)

	if len(results) == 0 {
		return 0, corerr.Unexpected(fmt.Errorf("startup: %q cli.run returned no value", name))
	}
	code, _ := results[0].(uint8)
	return code, nil
}

// Start loads the manifest at manifestPath, builds and validates the
// dependency graph, and links + instantiates every extension in
// topological order. A failure partway through does not roll back
// extensions already instantiated; it is a startup error, not a
// transactional one (the manifest itself is never mutated here).
func Start(ctx context.Context, wasmEngine *engine.WazeroEngine, manifestPath string, logger *zap.Logger) (*System, error) {
	reg := registry.New()
	loader := &engineLoader{engine: wasmEngine, hosts: builtinHosts(reg, logger)}
	return start(ctx, loader, reg, manifestPath, logger)
}

// start runs the load -> graph -> link -> instantiate -> resolve sequence
// against an injected moduleLoader, so the orchestration (ordering,
// init-before-cli, cli-spec discovery) can be exercised against a fake in
// tests without a real wasm engine.
func start(ctx context.Context, loader moduleLoader, reg *registry.Registry, manifestPath string, logger *zap.Logger) (*System, error) {
	store := manifest.NewStore(manifestPath)
	m, err := store.Load()
	if err != nil {
		return nil, err
	}

	g := depgraph.New(m)
	if err := g.Validate(m); err != nil {
		return nil, err
	}

	order, err := g.ResolveOrder()
	if err != nil {
		return nil, err
	}

	lk := dlink.New(reg)

	sys := &System{
		Manifest: m,
		Graph:    g,
		Registry: reg,
		Linker:   lk,
		Order:    order,
		CLI:      make(map[string]*clispec.Command),
		modules:  make(map[string]moduleHandle),
	}

	for _, name := range order {
		ext := m.Find(name)
		if ext == nil {
			return nil, corerr.Unexpected(fmt.Errorf("startup: %q in load order but missing from manifest", name))
		}

		wasmBytes, err := os.ReadFile(ext.Wasm)
		if err != nil {
			return nil, corerr.Unexpected(fmt.Errorf("startup: read %q: %w", ext.Wasm, err))
		}

		mod, err := loader.Load(ctx, wasmBytes)
		if err != nil {
			return nil, corerr.Unexpected(fmt.Errorf("startup: load %q: %w", name, err))
		}
		if err := lk.LinkImports(mod, name, ext.Imports, nil); err != nil {
			return nil, err
		}
		if err := mod.Compile(ctx); err != nil {
			return nil, err
		}
		if err := mod.Instantiate(ctx); err != nil {
			return nil, err
		}
		lk.MarkInstantiated(name)
		if err := lk.ResolveExports(mod, name, ext.Exports); err != nil {
			return nil, err
		}

		sys.modules[name] = mod

		if err := callInit(ctx, mod, name); err != nil {
			return nil, err
		}
		if cmd, ok, err := discoverCLI(ctx, mod, name); err != nil {
			return nil, err
		} else if ok {
			sys.CLI[name] = cmd
		}

		logger.Info("extension started", zap.String("name", name), zap.String("state", lk.State(name)))
	}

	return sys, nil
}

// callInit runs an extension's init.init export, if it has one, before any
// CLI dispatch reaches it (§6 "called once, in load order, before any CLI
// dispatch"). init returns a result<unit, string>; an err case fails
// startup for this extension.
func callInit(ctx context.Context, mod moduleHandle, name string) error {
	fn, ok := mod.Export("init", "init")
	if !ok {
		return nil
	}

	results, err := fn.Call(ctx, nil)
	if err != nil {
		return corerr.Unexpected(fmt.Errorf("startup: %q init: %w", name, err))
	}
	defer fn.PostReturn(ctx)

	if len(results) == 0 {
		return nil
	}
	outcome, ok := results[0].(map[string]any)
	if !ok {
		return nil
	}
	if errMsg, isErr := outcome["err"]; isErr {
		return corerr.Unexpected(fmt.Errorf("startup: %q init failed: %v", name, errMsg))
	}
	return nil
}

// discoverCLI calls an extension's cli.spec export, if it has one, and
// parses and validates the returned JSON command spec. The bool result is
// false when the extension declares no cli interface at all.
func discoverCLI(ctx context.Context, mod moduleHandle, name string) (*clispec.Command, bool, error) {
	fn, ok := mod.Export("cli", "spec")
	if !ok {
		return nil, false, nil
	}

	results, err := fn.Call(ctx, nil)
	if err != nil {
		return nil, false, corerr.Unexpected(fmt.Errorf("startup: %q cli.spec: %w", name, err))
	}
	defer fn.PostReturn(ctx)

	if len(results) == 0 {
		return nil, false, corerr.Unexpected(fmt.Errorf("startup: %q cli.spec returned no value", name))
	}
	raw, _ := results[0].(string)

	cmd, err := clispec.Parse([]byte(raw))
	if err != nil {
		return nil, false, corerr.Unexpected(fmt.Errorf("startup: %q cli.spec: %w", name, err))
	}
	if err := clispec.Validate(cmd); err != nil {
		return nil, false, err
	}
	return cmd, true, nil
}

// builtinHosts registers the always-available host-provided interfaces
// (misc, filesystem, command, component) against a fresh
// runtime.HostRegistry, one per Start call so every extension's bind sees
// the same bridge and working directory. Bind tolerates an extension that
// imports none of these namespaces: RegisterHostFuncTyped's "no canon
// lower found" case is swallowed by HostRegistry.Bind itself.
func builtinHosts(reg *registry.Registry, logger *zap.Logger) *runtime.HostRegistry {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	hr := runtime.NewHostRegistry()
	_ = hr.RegisterHost(host.NewMiscHost(nil))
	_ = hr.RegisterHost(host.NewFilesystemHost(wd))
	_ = hr.RegisterHost(host.NewCommandHost(nil))
	_ = hr.RegisterHost(host.NewInvokeHost(bridge.New(reg, logger)))
	return hr
}

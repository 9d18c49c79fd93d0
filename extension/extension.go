// Package extension implements the extension lifecycle (C7): adding,
// removing, and listing installed extensions. Add is the interesting
// operation: it resolves the component's bytes from a local path or a
// remote URI, precompiles and detects its interfaces, and only commits the
// result to the manifest once the resulting dependency graph has been
// validated acyclic. A failure at any step after bytes are written leaves
// no trace on disk and no change to the manifest.
package extension

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/depgraph"
	"github.com/icp-tools/corectl/iface"
	"github.com/icp-tools/corectl/manifest"
	"go.uber.org/zap"
)

// Engine is the subset of the component engine the lifecycle depends on:
// precompiling a raw component to the engine's serialized form, and
// detecting the interfaces of a precompiled component. Production code
// backs this with the real wasmengine adapter; tests use a fake.
type Engine interface {
	Precompile(ctx context.Context, wasmBytes []byte) ([]byte, error)
	Detect(ctx context.Context, precompiled []byte) (iface.ComponentInterfaces, error)
}

// Source resolves an extension's raw component bytes from a location that
// is either a local filesystem path or a URI.
type Source interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// LocalOrHTTPSource is the default Source: a location that names an
// existing local file is read directly; otherwise it is parsed as a URI
// and fetched over HTTP.
type LocalOrHTTPSource struct{}

// Fetch implements Source.
func (LocalOrHTTPSource) Fetch(ctx context.Context, location string) ([]byte, error) {
	if _, err := os.Stat(location); err == nil {
		bs, err := os.ReadFile(location)
		if err != nil {
			return nil, corerr.Unexpected(fmt.Errorf("extension: read %q: %w", location, err))
		}
		return bs, nil
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, corerr.Unexpected(fmt.Errorf("extension: %q is neither an existing local file nor a valid uri", location))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, corerr.Unexpected(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, corerr.Unexpected(fmt.Errorf("extension: fetch %q: %w", location, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, corerr.Unexpected(fmt.Errorf("extension: fetch %q: status %s", location, resp.Status))
	}
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, corerr.Unexpected(fmt.Errorf("extension: read body of %q: %w", location, err))
	}
	return bs, nil
}

// AddOptions controls optional behavior of Adder.Add.
type AddOptions struct {
	// Checksum, if non-empty, is the expected lowercase hex SHA-256 digest
	// of the fetched bytes. A mismatch is reported before precompilation.
	Checksum string

	// Force allows Add to replace an existing extension of the same name
	// instead of failing with AlreadyExists.
	Force bool
}

// Adder implements the add operation.
type Adder struct {
	engine        Engine
	source        Source
	store         *manifest.Store
	extensionsDir string
	precompileDir string
	logger        *zap.Logger
}

// NewAdder returns an Adder. extensionsDir and precompileDir are created on
// demand under the first successful Add.
func NewAdder(engine Engine, source Source, store *manifest.Store, extensionsDir, precompileDir string, logger *zap.Logger) *Adder {
	return &Adder{
		engine:        engine,
		source:        source,
		store:         store,
		extensionsDir: extensionsDir,
		precompileDir: precompileDir,
		logger:        logger,
	}
}

// Add resolves location's bytes, precompiles and detects interfaces, and
// commits the result under name. On any failure after the component and
// precompile artifacts are written, both are removed and the manifest is
// left untouched.
func (a *Adder) Add(ctx context.Context, name, location string, opts AddOptions) error {
	m, err := a.loadOrEmpty()
	if err != nil {
		return err
	}

	if existing := m.Find(name); existing != nil {
		if !opts.Force {
			return corerr.AlreadyExists(name)
		}
		removeExtension(m, name)
	}

	wasmBytes, err := a.source.Fetch(ctx, location)
	if err != nil {
		return err
	}

	if opts.Checksum != "" {
		sum := sha256.Sum256(wasmBytes)
		got := hex.EncodeToString(sum[:])
		if !strings.EqualFold(got, opts.Checksum) {
			return corerr.ChecksumMismatch(name)
		}
	}

	precompiled, err := a.engine.Precompile(ctx, wasmBytes)
	if err != nil {
		return corerr.Unexpected(fmt.Errorf("extension: precompile %q: %w", name, err))
	}

	if err := os.MkdirAll(a.extensionsDir, 0o755); err != nil {
		return corerr.Unexpected(err)
	}
	if err := os.MkdirAll(a.precompileDir, 0o755); err != nil {
		return corerr.Unexpected(err)
	}

	wasmPath := filepath.Join(a.extensionsDir, name+".component.wasm")
	precompilePath := filepath.Join(a.precompileDir, name+".precompile.bin")

	if err := os.WriteFile(wasmPath, wasmBytes, 0o644); err != nil {
		return corerr.Unexpected(err)
	}
	if err := os.WriteFile(precompilePath, precompiled, 0o644); err != nil {
		os.Remove(wasmPath)
		return corerr.Unexpected(err)
	}

	cleanup := func() {
		os.Remove(precompilePath)
		os.Remove(wasmPath)
	}

	detected, err := a.engine.Detect(ctx, precompiled)
	if err != nil {
		cleanup()
		return corerr.Unexpected(fmt.Errorf("extension: detect interfaces for %q: %w", name, err))
	}

	candidate := manifest.Extension{
		Name:    name,
		Wasm:    wasmPath,
		Pre:     precompilePath,
		Imports: toImported(detected.Imports),
		Exports: toExported(detected.Exports),
	}

	if err := depgraph.ValidateAddition(candidate, m); err != nil {
		cleanup()
		return err
	}

	m.Extensions = append(m.Extensions, candidate)
	if err := a.store.Store(m); err != nil {
		cleanup()
		return err
	}

	a.logger.Info("extension added",
		zap.String("name", name),
		zap.Int("imports", len(candidate.Imports)),
		zap.Int("exports", len(candidate.Exports)),
	)
	return nil
}

func (a *Adder) loadOrEmpty() (*manifest.Manifest, error) {
	m, err := a.store.Load()
	if err != nil {
		if corerr.IsKind(err, corerr.KindNotFound) {
			return &manifest.Manifest{}, nil
		}
		return nil, err
	}
	return m, nil
}

// toImported filters to library interfaces only; Provider is left as a
// placeholder since the real provider is resolved later, during linking,
// from the manifest's exports rather than recorded at detection time.
func toImported(ifaces []iface.Interface) []manifest.ImportedInterface {
	var out []manifest.ImportedInterface
	for _, i := range ifaces {
		if !manifest.IsLibraryInterface(i.Name) {
			continue
		}
		out = append(out, manifest.ImportedInterface{Name: i.Name, Provider: "TODO", Functions: i.Funcs})
	}
	return out
}

func toExported(ifaces []iface.Interface) []manifest.ExportedInterface {
	var out []manifest.ExportedInterface
	for _, i := range ifaces {
		if !manifest.IsLibraryInterface(i.Name) {
			continue
		}
		out = append(out, manifest.ExportedInterface{Name: i.Name, Funcs: i.Funcs})
	}
	return out
}

func removeExtension(m *manifest.Manifest, name string) {
	filtered := m.Extensions[:0]
	for _, e := range m.Extensions {
		if e.Name != name {
			filtered = append(filtered, e)
		}
	}
	m.Extensions = filtered
}

// Remover implements the remove operation.
type Remover struct {
	store  *manifest.Store
	logger *zap.Logger
}

// NewRemover returns a Remover.
func NewRemover(store *manifest.Store, logger *zap.Logger) *Remover {
	return &Remover{store: store, logger: logger}
}

// Remove deletes name's artifacts on disk (best effort) and drops it from
// the manifest. Unknown names fail with corerr.KindNotFound.
func (r *Remover) Remove(name string) error {
	m, err := r.store.Load()
	if err != nil {
		return err
	}

	ext := m.Find(name)
	if ext == nil {
		return corerr.NotFound(name)
	}

	if ext.Pre != "" {
		if err := os.Remove(ext.Pre); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove precompile artifact", zap.String("name", name), zap.Error(err))
		}
	}
	if ext.Wasm != "" {
		if err := os.Remove(ext.Wasm); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to remove component artifact", zap.String("name", name), zap.Error(err))
		}
	}

	removeExtension(m, name)
	return r.store.Store(m)
}

// Lister implements the list operation.
type Lister struct {
	store *manifest.Store
}

// NewLister returns a Lister.
func NewLister(store *manifest.Store) *Lister {
	return &Lister{store: store}
}

// List returns installed extension names in manifest order. A manifest
// that has never been created reports no extensions rather than an error.
func (l *Lister) List() ([]string, error) {
	m, err := l.store.Load()
	if err != nil {
		if corerr.IsKind(err, corerr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m.Names(), nil
}

// Package manifest persists the set of installed extensions as a single
// document (C1 in the composition-subsystem design). It mirrors the data
// model in the original icp-cli manifest crate: an ordered list of
// Extension records, each carrying the interfaces it imports and exports,
// serialized as deterministic, indented JSON.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/icp-tools/corectl/corerr"
)

// ExportedInterface is an interface an extension exports, with the function
// names it claims to provide.
type ExportedInterface struct {
	Name  string   `json:"name"`
	Funcs []string `json:"funcs"`
}

// ImportedInterface is an interface an extension imports. Provider is
// best-effort and advisory (§3): the dependency graph derives the real
// provider from exports and cross-checks Provider only to warn on mismatch.
type ImportedInterface struct {
	Name      string   `json:"name"`
	Provider  string   `json:"provider"`
	Functions []string `json:"functions"`
}

// Extension is a uniquely named installed component.
type Extension struct {
	Name    string              `json:"name"`
	Wasm    string              `json:"wasm"`
	Pre     string              `json:"pre"`
	Imports []ImportedInterface `json:"imports"`
	Exports []ExportedInterface `json:"exports"`
}

// LibraryExports returns the subset of Exports whose name is a library
// interface (ends in "/lib", optionally versioned).
func (e *Extension) LibraryExports() []ExportedInterface {
	var out []ExportedInterface
	for _, exp := range e.Exports {
		if IsLibraryInterface(exp.Name) {
			out = append(out, exp)
		}
	}
	return out
}

// LibraryImports returns the subset of Imports whose name is a library
// interface.
func (e *Extension) LibraryImports() []ImportedInterface {
	var out []ImportedInterface
	for _, imp := range e.Imports {
		if IsLibraryInterface(imp.Name) {
			out = append(out, imp)
		}
	}
	return out
}

// IsLibraryInterface reports whether name ends in the reserved "/lib"
// suffix, optionally followed by "@version" (§3). Only library interfaces
// participate in cross-extension wiring.
func IsLibraryInterface(name string) bool {
	base := name
	if i := indexByte(name, '@'); i >= 0 {
		base = name[:i]
	}
	return len(base) >= 4 && base[len(base)-4:] == "/lib"
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Manifest is the ordered sequence of installed extensions. Names are
// invariantly unique (enforced by the extension lifecycle, C7, at add-time).
type Manifest struct {
	Extensions []Extension `json:"extensions"`
}

// Find returns the extension with the given name, or nil.
func (m *Manifest) Find(name string) *Extension {
	for i := range m.Extensions {
		if m.Extensions[i].Name == name {
			return &m.Extensions[i]
		}
	}
	return nil
}

// Names returns extension names in manifest order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Extensions))
	for i, e := range m.Extensions {
		names[i] = e.Name
	}
	return names
}

// Clone returns a deep-enough copy of m suitable for speculative mutation
// (e.g. validate_addition building a candidate manifest).
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{Extensions: make([]Extension, len(m.Extensions))}
	copy(out.Extensions, m.Extensions)
	return out
}

// Store is a durable location for a Manifest document, keyed by filesystem
// path. The zero value is not usable; construct with NewStore.
type Store struct {
	path string
}

// NewStore returns a Store backed by the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and parses the manifest document. A missing file is reported
// as corerr.KindNotFound; a malformed document as corerr.KindUnexpected.
func (s *Store) Load() (*Manifest, error) {
	bs, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.NotFound(s.path)
		}
		return nil, corerr.Unexpected(err)
	}

	var m Manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, corerr.Unexpected(err)
	}
	return &m, nil
}

// Store serializes m as stable, indented JSON and writes it to the
// configured path, creating the parent directory if needed.
func (s *Store) Store(m *Manifest) error {
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return corerr.Unexpected(err)
		}
	}

	bs, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return corerr.Unexpected(err)
	}
	bs = append(bs, '\n')

	if err := os.WriteFile(s.path, bs, 0o644); err != nil {
		return corerr.Unexpected(err)
	}
	return nil
}

// Path returns the configured document path.
func (s *Store) Path() string { return s.path }

// Package depgraph builds the provider graph over an extension manifest's
// library interfaces (C4): who exports what, who depends on whom, whether
// the graph has cycles, and what order extensions must load in.
package depgraph

import (
	"sort"
	"strings"

	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/manifest"
)

// Graph is the dependency graph derived from a Manifest's library interfaces.
// It is immutable once built; rebuild via New when the manifest changes.
type Graph struct {
	names       []string            // extension names, manifest order
	deps        map[string][]string // extension -> extensions it depends on
	dependents  map[string][]string // extension -> extensions that depend on it
	providers   map[string]string   // interface -> providing extension
	exports     map[string][]string // extension -> exported library interface names
	imports     map[string][]string // extension -> imported library interface names
	ifaceFuncs  map[string]map[string]bool
	cycles      [][]string
}

// New builds a Graph from m. Building never fails on its own; cycles are
// recorded, not rejected (they are fatal only for ResolveOrder).
func New(m *manifest.Manifest) *Graph {
	g := &Graph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		providers:  make(map[string]string),
		exports:    make(map[string][]string),
		imports:    make(map[string][]string),
		ifaceFuncs: make(map[string]map[string]bool),
	}
	g.build(m)
	g.cycles = g.detectCycles()
	return g
}

func (g *Graph) build(m *manifest.Manifest) {
	for _, ext := range m.Extensions {
		g.names = append(g.names, ext.Name)
		g.deps[ext.Name] = nil
		g.dependents[ext.Name] = nil

		var exported []string
		for _, exp := range ext.LibraryExports() {
			exported = append(exported, exp.Name)
			g.providers[exp.Name] = ext.Name

			funcs := make(map[string]bool, len(exp.Funcs))
			for _, f := range exp.Funcs {
				funcs[f] = true
			}
			g.ifaceFuncs[exp.Name] = funcs
		}
		g.exports[ext.Name] = exported

		var imported []string
		for _, imp := range ext.LibraryImports() {
			imported = append(imported, imp.Name)
		}
		g.imports[ext.Name] = imported
	}

	for _, ext := range m.Extensions {
		for _, imp := range ext.LibraryImports() {
			provider, ok := g.providers[imp.Name]
			if !ok {
				continue
			}
			if !contains(g.deps[ext.Name], provider) {
				g.deps[ext.Name] = append(g.deps[ext.Name], provider)
			}
			if !contains(g.dependents[provider], ext.Name) {
				g.dependents[provider] = append(g.dependents[provider], ext.Name)
			}
		}
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// color marks DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

// detectCycles runs DFS with three-color marking: a gray-to-gray edge closes
// a cycle, recorded as the path slice from the target vertex to the current
// one. Cycles are canonicalized (rotated to their lexicographically smallest
// vertex) and deduplicated, since the same cycle can be discovered from more
// than one DFS start (§9).
func (g *Graph) detectCycles() [][]string {
	colors := make(map[string]color, len(g.names))
	for _, n := range g.names {
		colors[n] = white
	}

	var path []string
	var found [][]string

	var visit func(v string)
	visit = func(v string) {
		colors[v] = gray
		path = append(path, v)

		for _, dep := range g.deps[v] {
			switch colors[dep] {
			case white:
				visit(dep)
			case gray:
				start := indexOf(path, dep)
				cycle := append([]string(nil), path[start:]...)
				found = append(found, cycle)
			case black:
				// already fully explored, no cycle through dep
			}
		}

		path = path[:len(path)-1]
		colors[v] = black
	}

	for _, n := range g.names {
		if colors[n] == white {
			visit(n)
		}
	}

	return canonicalizeCycles(found)
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func canonicalizeCycles(cycles [][]string) [][]string {
	seen := make(map[string]bool)
	var out [][]string
	for _, c := range cycles {
		rotated := rotateToSmallest(c)
		key := strings.Join(rotated, ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rotated)
	}
	return out
}

func rotateToSmallest(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	min := 0
	for i, v := range cycle {
		if v < cycle[min] {
			min = i
		}
	}
	out := make([]string, len(cycle))
	copy(out, cycle[min:])
	copy(out[len(cycle)-min:], cycle[:min])
	return out
}

// HasCycles reports whether the graph contains at least one cycle.
func (g *Graph) HasCycles() bool { return len(g.cycles) > 0 }

// Cycles returns the canonicalized, deduplicated cycles found in the graph.
func (g *Graph) Cycles() [][]string { return g.cycles }

// FormatCycles renders the cycles as "A → B → C → A" lines, one per cycle.
func (g *Graph) FormatCycles() string {
	if len(g.cycles) == 0 {
		return "no cycles detected"
	}
	var b strings.Builder
	for i, cycle := range g.cycles {
		b.WriteString("cycle ")
		b.WriteString(itoa(i + 1))
		b.WriteString(": ")
		b.WriteString(strings.Join(cycle, " → "))
		b.WriteString(" → ")
		b.WriteString(cycle[0])
		b.WriteByte('\n')
	}
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// ResolveOrder produces a load order via Kahn's algorithm: extensions with
// zero remaining indegree are emitted in manifest-insertion order (a stable
// tie-break, not map iteration order). Fails with corerr.KindCircularDependency
// if the graph has cycles, or if (unexpectedly) not all vertices are
// processed.
func (g *Graph) ResolveOrder() ([]string, error) {
	if g.HasCycles() {
		return nil, corerr.CircularDependency(g.FormatCycles())
	}

	inDegree := make(map[string]int, len(g.names))
	var queue []string
	for _, n := range g.names {
		inDegree[n] = len(g.deps[n])
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var order []string
	for len(queue) > 0 {
		ext := queue[0]
		queue = queue[1:]
		order = append(order, ext)

		// dependents in manifest order among the extension list, so the
		// tie-break when multiple dependents hit zero indegree at the same
		// step stays stable.
		for _, dependent := range g.dependents[ext] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
		sort.SliceStable(queue, func(i, j int) bool {
			return indexOf(g.names, queue[i]) < indexOf(g.names, queue[j])
		})
	}

	if len(order) != len(g.names) {
		return nil, corerr.CircularDependency("unexpected cycle detected during topological sort")
	}
	return order, nil
}

// Validate checks, for every library interface each extension in m imports:
// that some extension exports it (else MissingInterface), and that every
// function it imports is in the exporter's export list (else MissingFunction).
func (g *Graph) Validate(m *manifest.Manifest) error {
	for _, ext := range m.Extensions {
		for _, imp := range ext.LibraryImports() {
			provider, ok := g.providers[imp.Name]
			if !ok {
				return corerr.MissingInterface(ext.Name, imp.Name)
			}
			provided := g.ifaceFuncs[imp.Name]
			for _, fn := range imp.Functions {
				if !provided[fn] {
					return corerr.MissingFunction(ext.Name, imp.Name, fn, provider)
				}
			}
		}
	}
	return nil
}

// ValidateAddition runs Validate as if candidate were already present in m,
// checks candidate's exports don't collide with an existing provider, and
// rebuilds the graph on m ∪ {candidate} to reject a new cycle.
func ValidateAddition(candidate manifest.Extension, m *manifest.Manifest) error {
	for _, exp := range candidate.LibraryExports() {
		if _, exists := New(m).providers[exp.Name]; exists {
			return corerr.AlreadyExists(exp.Name)
		}
	}

	// Validate candidate's own imports against the current manifest.
	found := false
	for _, imp := range candidate.LibraryImports() {
		found = false
		for _, existing := range m.Extensions {
			for _, exp := range existing.LibraryExports() {
				if exp.Name != imp.Name {
					continue
				}
				found = true
				for _, fn := range imp.Functions {
					if !containsStr(exp.Funcs, fn) {
						return corerr.MissingFunction(candidate.Name, imp.Name, fn, existing.Name)
					}
				}
			}
		}
		if !found {
			return corerr.MissingInterface(candidate.Name, imp.Name)
		}
	}

	candidateManifest := m.Clone()
	candidateManifest.Extensions = append(candidateManifest.Extensions, candidate)

	tmp := New(candidateManifest)
	if tmp.HasCycles() {
		return corerr.CircularDependency(tmp.FormatCycles())
	}

	return nil
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// FormatText renders the full graph as an indented tree, per extension:
// its exports (with the functions each provides) and its imports (with the
// provider it resolved to, or "(provider not found)").
func (g *Graph) FormatText() string {
	var b strings.Builder
	for _, ext := range g.names {
		b.WriteString("Extension: ")
		b.WriteString(ext)
		b.WriteByte('\n')

		exports := g.exports[ext]
		if len(exports) == 0 {
			b.WriteString("├── Exports: none\n")
		} else {
			b.WriteString("├── Exports:\n")
			for i, iface := range exports {
				prefix := "    ├── "
				if i == len(exports)-1 {
					prefix = "    └── "
				}
				b.WriteString(prefix)
				b.WriteString(iface)
				b.WriteByte('\n')

				funcs := sortedKeys(g.ifaceFuncs[iface])
				for j, fn := range funcs {
					funcPrefix := "        ├── "
					if j == len(funcs)-1 {
						funcPrefix = "        └── "
					}
					b.WriteString(funcPrefix)
					b.WriteString(fn)
					b.WriteByte('\n')
				}
			}
		}

		imports := g.imports[ext]
		if len(imports) == 0 {
			b.WriteString("└── Imports: none\n")
		} else {
			b.WriteString("└── Imports:\n")
			for i, iface := range imports {
				prefix := "    ├── "
				if i == len(imports)-1 {
					prefix = "    └── "
				}
				provider, ok := g.providers[iface]
				suffix := " (provider not found)"
				if ok {
					suffix = " (from " + provider + ")"
				}
				b.WriteString(prefix)
				b.WriteString(iface)
				b.WriteString(suffix)
				b.WriteByte('\n')
			}
		}

		b.WriteByte('\n')
	}
	return b.String()
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

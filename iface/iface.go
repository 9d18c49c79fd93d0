// Package iface implements the interface detector (C2): given a decoded
// component's instance-typed imports and exports, it produces the named
// library interfaces and their function lists that the dependency graph
// (C4), dynamic linker (C5), and extension lifecycle (C7) build on.
//
// Detection never fails on structural oddities it doesn't fully support.
// A nested instance inside an instance type, or two imports sharing the
// same interface name, are logged as warnings and the scan continues; only
// a caller-supplied decode error is a hard failure.
package iface

import "go.uber.org/zap"

// Interface is a single named collection of functions, e.g. "math/lib"
// with functions ["add", "subtract"].
type Interface struct {
	Name  string
	Funcs []string
}

// ComponentInterfaces groups everything detected on one component.
type ComponentInterfaces struct {
	Imports []Interface
	Exports []Interface
}

// ExternKind classifies one declaration inside an instance type.
type ExternKind int

const (
	ExternFunc ExternKind = iota
	ExternInstance
	ExternOther
)

// Extern is one declaration inside an instance type: either a function
// (collected by name) or a nested instance (flattened with a warning).
type Extern struct {
	Name string
	Kind ExternKind
}

// Instance is the minimal shape of a component-model instance-typed import
// or export the detector needs. Producing this from a decoded
// component.Component (walking Imports/TypeIndexSpace for imports, and the
// export/alias index spaces for exports) is the engine adapter's job; the
// detector itself never touches the binary decode representation, so it
// can be exercised with plain fixtures instead of compiled components.
type Instance struct {
	Name    string
	Externs []Extern
}

// Detector walks instance-typed imports and exports and builds their
// Interface lists.
type Detector struct {
	logger *zap.Logger
}

// New returns a Detector. logger may be zap.NewNop() in tests.
func New(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect scans imports and exports independently and returns the interfaces
// found in each. Order is preserved from the input slices.
func (d *Detector) Detect(imports, exports []Instance) ComponentInterfaces {
	return ComponentInterfaces{
		Imports: d.scan(imports, "import"),
		Exports: d.scan(exports, "export"),
	}
}

func (d *Detector) scan(instances []Instance, direction string) []Interface {
	if len(instances) == 0 {
		return nil
	}

	seen := make(map[string]int)
	result := make([]Interface, 0, len(instances))

	for _, inst := range instances {
		var funcs []string
		hasNested := false

		for _, ext := range inst.Externs {
			switch ext.Kind {
			case ExternFunc:
				funcs = append(funcs, ext.Name)
			case ExternInstance:
				hasNested = true
			default:
				continue
			}
		}

		if hasNested {
			d.logger.Warn("nested instance detected, not fully supported",
				zap.String("direction", direction),
				zap.String("interface", inst.Name),
			)
		}

		seen[inst.Name]++
		result = append(result, Interface{Name: inst.Name, Funcs: funcs})
	}

	for name, count := range seen {
		if count > 1 {
			d.logger.Warn("duplicate interface name detected",
				zap.String("direction", direction),
				zap.String("interface", name),
				zap.Int("count", count),
			)
		}
	}

	return result
}

// Package wasmengine adapts the core wazero-backed engine
// (package engine, component, linker) to the seams the composition
// subsystem depends on: dlink.EngineLinker and dlink.ExportSource (so the
// dynamic linker, C5, can install and pull real host/guest functions),
// registry.Func (so a resolved export is directly callable through the
// registry), and extension.Engine (precompile + interface detection for
// the lifecycle, C7).
//
// It is the one package that bridges bridge.Value's fully dynamic
// representation to transcoder's reflect/compile-time-typed one: a
// dynamic-linker stub built here unpacks a WIT signature into concrete Go
// reflect types (the scalar WIT kinds) so engine.WazeroModule's
// reflection-validated RegisterHostFuncTyped can bind it like any other
// host import.
package wasmengine

import (
	"context"
	"fmt"
	"reflect"

	"go.bytecodealliance.org/wit"

	"github.com/icp-tools/corectl/component"
	"github.com/icp-tools/corectl/corerr"
	"github.com/icp-tools/corectl/dlink"
	"github.com/icp-tools/corectl/engine"
	"github.com/icp-tools/corectl/iface"
	"github.com/icp-tools/corectl/registry"
)

// Module wraps a compiled *engine.WazeroModule for one extension, giving it
// the dlink.EngineLinker and dlink.ExportSource surfaces.
type Module struct {
	module   *engine.WazeroModule
	instance *engine.WazeroInstance
}

// NewModule wraps an already-compiled module. Instantiate must be called
// once imports are linked, before ResolveExports can succeed.
func NewModule(m *engine.WazeroModule) *Module {
	return &Module{module: m}
}

// Underlying exposes the wrapped *engine.WazeroModule so callers that need
// to bind against it directly (runtime.HostRegistry.Bind, in particular)
// can do so without this package growing a parallel binding mechanism.
func (m *Module) Underlying() *engine.WazeroModule {
	return m.module
}

// DefineImport implements dlink.EngineLinker by reflect-building a Go
// function whose concrete parameter and result types match sig's WIT
// scalar types, then registering it as a typed host function.
//
// Only the WIT scalar kinds (bool, the fixed-width integers, the two
// floats, char, string) are supported here; a signature using a compound
// type (record, variant, list, tuple, option, flags, result) is rejected
// with corerr.Unexpected rather than silently mis-binding. Compound-typed
// library interfaces exist, but reflect-building a matching Go struct
// type for each one seen at runtime needs a full transcoder.CompiledType
// walk this first pass of the adapter does not attempt.
func (m *Module) DefineImport(ifaceName, function string, sig dlink.Signature, stub dlink.HostStub) error {
	paramTypes := make([]reflect.Type, 0, len(sig.ParamTypes)+1)
	paramTypes = append(paramTypes, reflect.TypeOf((*context.Context)(nil)).Elem())

	for i, t := range sig.ParamTypes {
		rt, err := goType(t)
		if err != nil {
			return corerr.Unexpected(fmt.Errorf("wasmengine: import %s:%s param %d: %w", ifaceName, function, i, err))
		}
		paramTypes = append(paramTypes, rt)
	}

	resultTypes := make([]reflect.Type, 0, len(sig.ResultTypes)+1)
	for i, t := range sig.ResultTypes {
		rt, err := goType(t)
		if err != nil {
			return corerr.Unexpected(fmt.Errorf("wasmengine: import %s:%s result %d: %w", ifaceName, function, i, err))
		}
		resultTypes = append(resultTypes, rt)
	}
	resultTypes = append(resultTypes, reflect.TypeOf((*error)(nil)).Elem())

	fnType := reflect.FuncOf(paramTypes, resultTypes, false)
	handler := reflect.MakeFunc(fnType, func(args []reflect.Value) []reflect.Value {
		ctx := args[0].Interface().(context.Context)
		params := make([]any, len(args)-1)
		for i, a := range args[1:] {
			params[i] = a.Interface()
		}

		results, err := stub(ctx, params)

		out := make([]reflect.Value, len(resultTypes))
		for i := range resultTypes[:len(resultTypes)-1] {
			if err == nil && i < len(results) && results[i] != nil {
				out[i] = reflect.ValueOf(results[i])
			} else {
				out[i] = reflect.Zero(resultTypes[i])
			}
		}
		errOut := reflect.New(resultTypes[len(resultTypes)-1]).Elem()
		if err != nil {
			errOut.Set(reflect.ValueOf(err))
		}
		out[len(out)-1] = errOut
		return out
	})

	return m.module.RegisterHostFuncTyped(ifaceName, function, handler.Interface())
}

// Compile pre-compiles the module, failing fast on an import that cannot
// be satisfied. Call once all DefineImport calls for this extension have
// completed, before Instantiate.
func (m *Module) Compile(ctx context.Context) error {
	if err := m.module.Compile(ctx, nil); err != nil {
		return corerr.Unexpected(fmt.Errorf("wasmengine: compile: %w", err))
	}
	return nil
}

// Instantiate produces the real instance, after all imports have been
// linked via DefineImport.
func (m *Module) Instantiate(ctx context.Context) error {
	inst, err := m.module.Instantiate(ctx)
	if err != nil {
		return corerr.Unexpected(fmt.Errorf("wasmengine: instantiate: %w", err))
	}
	m.instance = inst
	return nil
}

// Export implements dlink.ExportSource, returning a registry.Func that
// forwards to the real instance export.
func (m *Module) Export(ifaceName, function string) (registry.Func, bool) {
	if m.instance == nil {
		return nil, false
	}
	for _, name := range m.module.ExportNames() {
		if name == function || name == ifaceName+"#"+function {
			return &exportFunc{instance: m.instance, name: name}, true
		}
	}
	return nil, false
}

// exportFunc adapts an instantiated export to registry.Func, using the
// phased call so the post-return cleanup stays a distinct, separately
// sequenced step.
type exportFunc struct {
	instance   *engine.WazeroInstance
	name       string
	postReturn func(context.Context) error
}

func (f *exportFunc) Call(ctx context.Context, params []any) ([]any, error) {
	result, err := f.instance.CallWithLift(ctx, f.name, params...)
	if err != nil {
		return nil, err
	}
	if results, ok := result.([]any); ok {
		return results, nil
	}
	return []any{result}, nil
}

func (f *exportFunc) PostReturn(ctx context.Context) error {
	if f.postReturn == nil {
		return nil
	}
	return f.postReturn(ctx)
}

// goType maps a detected WIT scalar type to the concrete Go type
// RegisterHostFuncTyped's reflection-based validation expects.
func goType(t wit.Type) (reflect.Type, error) {
	switch t.(type) {
	case wit.Bool:
		return reflect.TypeOf(bool(false)), nil
	case wit.U8:
		return reflect.TypeOf(uint8(0)), nil
	case wit.S8:
		return reflect.TypeOf(int8(0)), nil
	case wit.U16:
		return reflect.TypeOf(uint16(0)), nil
	case wit.S16:
		return reflect.TypeOf(int16(0)), nil
	case wit.U32:
		return reflect.TypeOf(uint32(0)), nil
	case wit.S32:
		return reflect.TypeOf(int32(0)), nil
	case wit.U64:
		return reflect.TypeOf(uint64(0)), nil
	case wit.S64:
		return reflect.TypeOf(int64(0)), nil
	case wit.F32:
		return reflect.TypeOf(float32(0)), nil
	case wit.F64:
		return reflect.TypeOf(float64(0)), nil
	case wit.Char:
		return reflect.TypeOf(rune(0)), nil
	case wit.String:
		return reflect.TypeOf(""), nil
	default:
		return nil, fmt.Errorf("unsupported WIT type %T for reflective host binding", t)
	}
}

// DetectFromComponent walks a decoded component's instance-typed imports
// (and, where resolvable, exports) and runs them through iface.Detector.
// Export-side instance resolution is narrower than import-side: see
// DESIGN.md's "Known gap" entry.
func DetectFromComponent(d *iface.Detector, c *component.Component) (iface.ComponentInterfaces, error) {
	imports, err := instancesFromImports(c)
	if err != nil {
		return iface.ComponentInterfaces{}, err
	}
	return d.Detect(imports, nil), nil
}

// Precompiler implements extension.Engine (the C7 lifecycle's precompile +
// detect step) directly on top of component.DecodeAndValidate and the
// detector, with no wazero instantiation involved yet. wazero has no
// wasmtime-style "precompile to a serialized blob, deserialize later"
// pair; decode-and-validate is this adapter's stand-in for precompile (it
// does the validation work a real precompile step would need anyway), and
// the "precompiled" bytes it returns are simply the original component
// bytes, since nothing cheaper to re-validate exists to serialize.
type Precompiler struct {
	detector *iface.Detector
}

// NewPrecompiler returns a Precompiler using d to detect interfaces.
func NewPrecompiler(d *iface.Detector) *Precompiler {
	return &Precompiler{detector: d}
}

// Precompile validates wasmBytes decodes as a component and returns it
// unchanged, failing fast on anything that is not a valid component.
func (p *Precompiler) Precompile(_ context.Context, wasmBytes []byte) ([]byte, error) {
	if !component.IsComponent(wasmBytes) {
		return nil, corerr.Unexpected(fmt.Errorf("wasmengine: not a component binary"))
	}
	if _, err := component.DecodeAndValidate(wasmBytes); err != nil {
		return nil, corerr.Unexpected(fmt.Errorf("wasmengine: decode component: %w", err))
	}
	return wasmBytes, nil
}

// Detect decodes precompiled (== the original bytes, see Precompile) and
// runs the detector over its instance-typed imports.
func (p *Precompiler) Detect(_ context.Context, precompiled []byte) (iface.ComponentInterfaces, error) {
	validated, err := component.DecodeAndValidate(precompiled)
	if err != nil {
		return iface.ComponentInterfaces{}, corerr.Unexpected(fmt.Errorf("wasmengine: decode component: %w", err))
	}
	return DetectFromComponent(p.detector, validated.Raw)
}

func instancesFromImports(c *component.Component) ([]iface.Instance, error) {
	var out []iface.Instance

	for _, imp := range c.Imports {
		if imp.ExternKind != component.ExternInstance {
			continue
		}
		if int(imp.TypeIndex) >= len(c.TypeIndexSpace) {
			return nil, corerr.Unexpected(fmt.Errorf(
				"wasmengine: import %q type index %d out of range", imp.Name, imp.TypeIndex))
		}

		instType, ok := c.TypeIndexSpace[imp.TypeIndex].(*component.InstanceType)
		if !ok {
			continue
		}

		externs := make([]iface.Extern, 0, len(instType.Decls))
		for _, decl := range instType.Decls {
			switch decl.ExternKind {
			case component.ExternFunc:
				externs = append(externs, iface.Extern{Name: decl.Name, Kind: iface.ExternFunc})
			case component.ExternInstance:
				externs = append(externs, iface.Extern{Name: decl.Name, Kind: iface.ExternInstance})
			default:
				externs = append(externs, iface.Extern{Name: decl.Name, Kind: iface.ExternOther})
			}
		}

		out = append(out, iface.Instance{Name: imp.Name, Externs: externs})
	}

	return out, nil
}

package wasmengine

import (
	"testing"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/icp-tools/corectl/component"
	"github.com/icp-tools/corectl/iface"
)

func TestGoTypeMapsScalars(t *testing.T) {
	cases := []struct {
		in   wit.Type
		name string
	}{
		{wit.Bool{}, "bool"},
		{wit.U8{}, "uint8"},
		{wit.S32{}, "int32"},
		{wit.U64{}, "uint64"},
		{wit.F64{}, "float64"},
		{wit.Char{}, "int32"}, // rune is an alias for int32
		{wit.String{}, "string"},
	}
	for _, c := range cases {
		rt, err := goType(c.in)
		if err != nil {
			t.Fatalf("goType(%T): %v", c.in, err)
		}
		if rt.Name() != c.name {
			t.Errorf("goType(%T) = %s, want %s", c.in, rt.Name(), c.name)
		}
	}
}

func TestGoTypeRejectsCompoundTypes(t *testing.T) {
	_, err := goType(&wit.Record{})
	if err == nil {
		t.Fatalf("expected error for compound WIT type")
	}
}

func TestDetectFromComponentWalksInstanceImports(t *testing.T) {
	instType := &component.InstanceType{
		Decls: []component.InstanceDecl{
			{Name: "add", ExternKind: component.ExternFunc},
			{Name: "nested", ExternKind: component.ExternInstance},
		},
	}
	c := &component.Component{
		Imports: []component.Import{
			{Name: "math/lib", ExternKind: component.ExternInstance, TypeIndex: 0},
			{Name: "some-func", ExternKind: component.ExternFunc, TypeIndex: 1},
		},
		TypeIndexSpace: []component.Type{instType},
	}

	d := iface.New(zap.NewNop())
	got, err := DetectFromComponent(d, c)
	if err != nil {
		t.Fatalf("DetectFromComponent: %v", err)
	}
	if len(got.Imports) != 1 || got.Imports[0].Name != "math/lib" {
		t.Fatalf("Imports = %+v", got.Imports)
	}
	if len(got.Imports[0].Funcs) != 1 || got.Imports[0].Funcs[0] != "add" {
		t.Fatalf("Funcs = %+v", got.Imports[0].Funcs)
	}
}

func TestDetectFromComponentOutOfRangeTypeIndex(t *testing.T) {
	c := &component.Component{
		Imports: []component.Import{
			{Name: "math/lib", ExternKind: component.ExternInstance, TypeIndex: 5},
		},
	}
	d := iface.New(zap.NewNop())
	_, err := DetectFromComponent(d, c)
	if err == nil {
		t.Fatalf("expected error for out-of-range type index")
	}
}

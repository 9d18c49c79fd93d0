package registry

import (
	"context"
	"testing"

	"github.com/icp-tools/corectl/corerr"
)

type fakeFunc struct {
	calls      int
	postReturn int
	result     any
	callErr    error
	postErr    error
}

func (f *fakeFunc) Call(ctx context.Context, params []any) ([]any, error) {
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return []any{f.result}, nil
}

func (f *fakeFunc) PostReturn(ctx context.Context) error {
	f.postReturn++
	return f.postErr
}

func TestKey(t *testing.T) {
	if got := Key("math/lib", "add"); got != "math/lib:add" {
		t.Fatalf("Key() = %q", got)
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	key := Key("math/lib", "add")

	if err := r.Register(key); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Contains(key) {
		t.Fatalf("Contains(%q) = false after Register", key)
	}
	if r.IsResolved(key) {
		t.Fatalf("IsResolved(%q) = true before Resolve", key)
	}

	fn := &fakeFunc{result: 42}
	if err := r.Resolve(key, fn); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.IsResolved(key) {
		t.Fatalf("IsResolved(%q) = false after Resolve", key)
	}

	got, resolved, err := r.Lookup("math/lib", "add")
	if err != nil || !resolved || got != fn {
		t.Fatalf("Lookup = (%v, %v, %v), want (%v, true, nil)", got, resolved, err, fn)
	}
}

func TestRegisterAlreadyExists(t *testing.T) {
	r := New()
	key := Key("math/lib", "add")
	if err := r.Register(key); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(key)
	if !corerr.IsKind(err, corerr.KindAlreadyExists) {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := New()
	err := r.Resolve(Key("math/lib", "add"), &fakeFunc{})
	if !corerr.IsKind(err, corerr.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestLookupNotFound(t *testing.T) {
	r := New()
	_, _, err := r.Lookup("math/lib", "add")
	if !corerr.IsKind(err, corerr.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestCallUnresolved(t *testing.T) {
	r := New()
	key := Key("math/lib", "add")
	if err := r.Register(key); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := r.Call(context.Background(), "math/lib", "add", nil)
	if !corerr.IsKind(err, corerr.KindUnresolvedRef) {
		t.Fatalf("expected KindUnresolvedRef, got %v", err)
	}
}

func TestCallInvokesThenPostReturns(t *testing.T) {
	r := New()
	key := Key("math/lib", "add")
	if err := r.Register(key); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fn := &fakeFunc{result: 7}
	if err := r.Resolve(key, fn); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	results, err := r.Call(context.Background(), "math/lib", "add", []any{1, 2})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(results) != 1 || results[0] != 7 {
		t.Fatalf("Call results = %v", results)
	}
	if fn.calls != 1 || fn.postReturn != 1 {
		t.Fatalf("calls=%d postReturn=%d, want 1 and 1", fn.calls, fn.postReturn)
	}
}

func TestEmptyAndLen(t *testing.T) {
	r := New()
	if st := r.Stats(); st.Total != 0 || st.Resolved != 0 {
		t.Fatalf("Stats on empty registry = %+v", st)
	}

	keys := []string{Key("math/lib", "add"), Key("math/lib", "sub")}
	for _, k := range keys {
		if err := r.Register(k); err != nil {
			t.Fatalf("Register(%q): %v", k, err)
		}
	}
	if err := r.Resolve(keys[0], &fakeFunc{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	st := r.Stats()
	if st.Total != 2 || st.Resolved != 1 {
		t.Fatalf("Stats = %+v, want {Total:2 Resolved:1}", st)
	}
	if len(r.Keys()) != 2 {
		t.Fatalf("Keys() = %v, want 2 entries", r.Keys())
	}
}

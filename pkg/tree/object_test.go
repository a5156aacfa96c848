package tree

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recordingFactory struct {
	calls []string
	args  []map[string]any
}

func (f *recordingFactory) New(module, className string, kwargs map[string]any) (any, error) {
	f.calls = append(f.calls, module+"."+className)
	f.args = append(f.args, kwargs)
	return fmt.Sprintf("%s.%s", module, className), nil
}

func TestSingleObject_Build(t *testing.T) {
	root := mustRoot(t, rm("o", obj("pkg.mod.ClassName", rm("x", 1, "y", "s"))))
	o, _ := root.GetObject("o")

	f := &recordingFactory{}
	v, err := o.Build(f, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if v != "pkg.mod.ClassName" {
		t.Errorf("unexpected instance %v", v)
	}
	if diff := cmp.Diff([]string{"pkg.mod.ClassName"}, f.calls); diff != "" {
		t.Errorf("calls mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"x": 1, "y": "s"}, f.args[0]); diff != "" {
		t.Errorf("kwargs mismatch (-want +got):\n%s", diff)
	}

	f = &recordingFactory{}
	if _, err := o.Build(f, map[string]any{"y": "override", "z": true}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"x": 1, "y": "override", "z": true}, f.args[0]); diff != "" {
		t.Errorf("overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestSingleObject_UnwrapNested(t *testing.T) {
	root := mustRoot(t, rm("o", obj("net.Model", rm(
		"layers", []any{obj("nn.Linear", rm("units", 4)), obj("nn.ReLU", nil)},
		"optimizer", obj("optim.SGD", rm("lr", 0.1)),
		"extra", rm("debug", true),
		"sizes", []any{1, 2},
	))))
	o, _ := root.GetObject("o")

	f := &recordingFactory{}
	if _, err := o.Build(f, nil); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantCalls := []string{"nn.Linear", "nn.ReLU", "optim.SGD", "net.Model"}
	if diff := cmp.Diff(wantCalls, f.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	kwargs := f.args[3]
	if diff := cmp.Diff([]any{"nn.Linear", "nn.ReLU"}, kwargs["layers"]); diff != "" {
		t.Errorf("layers mismatch:\n%s", diff)
	}
	if kwargs["optimizer"] != "optim.SGD" {
		t.Errorf("optimizer not built: %v", kwargs["optimizer"])
	}
	if _, ok := kwargs["extra"].(*Mapping); !ok {
		t.Errorf("nested mapping should pass through as a node, got %T", kwargs["extra"])
	}
	if diff := cmp.Diff([]any{1, 2}, kwargs["sizes"]); diff != "" {
		t.Errorf("sizes mismatch:\n%s", diff)
	}
}

type point struct{ X, Y int }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("geo.Point", func(kwargs map[string]any) (any, error) {
		x, _ := kwargs["x"].(int)
		y, _ := kwargs["y"].(int)
		return point{X: x, Y: y}, nil
	})
	reg.MustRegister("geo.Broken", func(map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	if err := reg.Register("geo.Point", func(map[string]any) (any, error) { return nil, nil }); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := reg.Register("Point", func(map[string]any) (any, error) { return nil, nil }); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
	if diff := cmp.Diff([]string{"geo.Broken", "geo.Point"}, reg.Types()); diff != "" {
		t.Errorf("types mismatch:\n%s", diff)
	}

	root := mustRoot(t, rm(
		"points", []any{obj("geo.Point", rm("x", 1, "y", 2)), obj("geo.Point", rm("x", 3))},
		"missing", obj("geo.Nope", nil),
		"broken", obj("geo.Broken", nil),
	))

	n, _ := root.Get("points")
	got, err := n.(*ObjectsList).Build(reg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if diff := cmp.Diff([]any{point{1, 2}, point{3, 0}}, got); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}

	missing, _ := root.GetObject("missing")
	if _, err := missing.Build(reg, nil); !errors.Is(err, ErrTypeNotFound) {
		t.Errorf("expected ErrTypeNotFound, got %v", err)
	}

	broken, _ := root.GetObject("broken")
	_, err = broken.Build(reg, nil)
	var ce *ConstructionError
	if !errors.As(err, &ce) || ce.Type != "geo.Broken" {
		t.Errorf("expected ConstructionError for geo.Broken, got %v", err)
	}
	if ClassOf(err) != ErrorClassFactory {
		t.Errorf("expected factory class, got %q", ClassOf(err))
	}
}

func TestEqual(t *testing.T) {
	root := mustRoot(t, rm(
		"a", obj("pkg.A", rm("x", 1)),
		"b", obj("pkg.A", rm("x", 1)),
		"c", obj("pkg.A", rm("x", 2)),
		"m", rm("x", 1),
		"s", 1,
	))
	get := func(k string) Node { n, _ := root.Get(k); return n }

	if eq, err := Equal(get("a"), get("b")); err != nil || !eq {
		t.Errorf("expected equal objects, got %v, %v", eq, err)
	}
	if eq, err := Equal(get("a"), get("c")); err != nil || eq {
		t.Errorf("expected different objects, got %v, %v", eq, err)
	}
	if _, err := Equal(get("a"), get("m")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	if _, err := Equal(get("s"), get("m")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}

	left := mustRoot(t, rm("k", rm("x", 1)))
	right := mustRoot(t, rm("k", 5))
	if _, err := Equal(left, right); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch for nested children, got %v", err)
	}
}

func TestNewSingleObject(t *testing.T) {
	if _, err := NewSingleObject("NoDot", nil); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}

	params := NewMapping()
	params.Set("k", NewScalar("v"))
	o, err := NewSingleObject("a.b.C", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	root := mustRoot(t, rm("o", o))
	if v, _ := GetNode(root, "o.k"); v == nil {
		t.Error("programmatic object not reachable by path")
	}
}

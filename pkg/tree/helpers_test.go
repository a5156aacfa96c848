package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// rm builds a raw mapping from alternating keys and values.
func rm(kv ...any) *RawMap {
	m := &RawMap{}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Add(kv[i], kv[i+1])
	}
	return m
}

// obj builds a raw single object mapping.
func obj(typeName string, params any) *RawMap {
	return rm(ObjectKey{Type: typeName}, params)
}

// memInclude is an IncludeRef over an in-memory file table.
type memInclude struct {
	ref   string
	files map[string]any
	loads *int
}

func (i memInclude) Tag() string       { return "!include" }
func (i memInclude) BuilderKind() Kind { return KindMapping }
func (i memInclude) Ref() string       { return i.ref }

func (i memInclude) Locate(baseDir string) string {
	return filepath.Join(baseDir, i.ref)
}

func (i memInclude) Load(baseDir string) (any, error) {
	if i.loads != nil {
		*i.loads++
	}
	raw, ok := i.files[i.Locate(baseDir)]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", i.Locate(baseDir), os.ErrNotExist)
	}
	return raw, nil
}

type memFrom struct {
	includes []any
}

func (f memFrom) Tag() string       { return "!from" }
func (f memFrom) BuilderKind() Kind { return KindFromIncludes }
func (f memFrom) Includes() []any   { return f.includes }

// countingVar resolves to an incrementing counter.
type countingVar struct {
	n *int
}

func (v countingVar) Tag() string       { return "!count" }
func (v countingVar) BuilderKind() Kind { return KindScalar }
func (v countingVar) Source() any       { return "" }

func (v countingVar) Resolve() (any, error) {
	*v.n++
	return *v.n, nil
}

func mustRoot(t *testing.T, raw *RawMap) *Mapping {
	t.Helper()
	root, err := ConstructRoot(raw, "")
	if err != nil {
		t.Fatalf("ConstructRoot failed: %v", err)
	}
	return root
}

func mustMap(t *testing.T, n Node) map[string]any {
	t.Helper()
	v, err := ToMap(n)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	return m
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
	"gopkg.in/yaml.v3"
)

func newTestLoader(t *testing.T, opts LoaderOptions) *Loader {
	t.Helper()
	l, err := NewLoader(zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func toMap(t *testing.T, n tree.Node) map[string]any {
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

func TestLoadConfigFromString(t *testing.T) {
	root, err := LoadConfigFromString(`
name: resnet
train:
  epochs: 10
  lr: 0.01
  layers: [64, 128]
  enabled: true
  notes: ~
`)
	if err != nil {
		t.Fatalf("LoadConfigFromString failed: %v", err)
	}

	want := map[string]any{
		"name": "resnet",
		"train": map[string]any{
			"epochs":  10,
			"lr":      0.01,
			"layers":  []any{64, 128},
			"enabled": true,
			"notes":   nil,
		},
	}
	if diff := cmp.Diff(want, toMap(t, root)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got := root.Keys(); !cmp.Equal(got, []string{"name", "train"}) {
		t.Errorf("unexpected key order: %v", got)
	}
}

func TestLoad_EmptyDocument(t *testing.T) {
	root, err := LoadConfigFromString("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root.Len() != 0 {
		t.Errorf("expected empty root, got %d keys", root.Len())
	}
}

func TestLoad_NonMappingRoot(t *testing.T) {
	_, err := LoadConfigFromString("- 1\n- 2\n")
	if !errors.Is(err, tree.ErrUnparseable) {
		t.Fatalf("expected ErrUnparseable, got %v", err)
	}
}

func TestLoad_NestedIncludesResolveAgainstBaseDocument(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.yaml":         "model: !include model/net.yaml\nepochs: 3\n",
		"model/net.yaml":    "depth: 4\nhead: !include head.yaml\n",
		"model/head.yaml":   "units: 10\n",
		"head.yaml":         "units: 999\n",
		"other/unused.yaml": "x: 1\n",
	})

	l := newTestLoader(t, DefaultLoaderOptions())
	root, sources, err := l.LoadWithSources(context.Background(), filepath.Join(dir, "main.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]any{
		"model":  map[string]any{"depth": 4, "head": map[string]any{"units": 10}},
		"epochs": 3,
	}
	if diff := cmp.Diff(want, toMap(t, root)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	wantSources := []string{
		filepath.Join(dir, "main.yaml"),
		filepath.Join(dir, "model", "net.yaml"),
		filepath.Join(dir, "model", "head.yaml"),
	}
	if diff := cmp.Diff(wantSources, sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}

	head, err := GetNode(root, "model/head")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if p := head.(*tree.Mapping).Path(); p != filepath.Join(dir, "model", "head.yaml") {
		t.Errorf("unexpected include path %q", p)
	}
}

func TestLoad_RelativeRootPath(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"conf/main.yaml": "sub: !include sub.yaml\n",
		"conf/sub.yaml":  "v: 1\n",
	})
	t.Chdir(dir)

	root, err := LoadConfig("conf/main.yaml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !filepath.IsAbs(root.Path()) {
		t.Errorf("root path should be absolute, got %q", root.Path())
	}
	if v, err := GetNode(root, "sub.v"); err != nil || v == nil {
		t.Errorf("include not resolved: %v", err)
	}
}

func TestLoad_From(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"base.yaml":  "lr: 0.1\nmodel:\n  depth: 2\n  width: 8\n",
		"extra.yaml": "model:\n  width: 16\nseed: 7\n",
		"main.yaml": `train:
  <<: !from [base.yaml, extra.yaml]
  lr: 0.5
single:
  defaults: !from base.yaml
  lr: 1.0
`,
	})

	root, err := newTestLoader(t, DefaultLoaderOptions()).Load(context.Background(), filepath.Join(dir, "main.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := map[string]any{
		"train": map[string]any{
			"lr":    0.5,
			"model": map[string]any{"depth": 2, "width": 16},
			"seed":  7,
		},
		"single": map[string]any{
			"lr":    1.0,
			"model": map[string]any{"depth": 2, "width": 8},
		},
	}
	if diff := cmp.Diff(want, toMap(t, root)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_MultipleFrom(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.yaml":    "x: 1\n",
		"main.yaml": "one: !from a.yaml\ntwo: !from a.yaml\n",
	})

	_, err := LoadConfig(filepath.Join(dir, "main.yaml"))
	if !errors.Is(err, tree.ErrMultipleFrom) {
		t.Fatalf("expected ErrMultipleFrom, got %v", err)
	}
}

func TestLoad_IncludeErrors(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.yaml":       "b: !include b.yaml\n",
		"b.yaml":       "a: !include a.yaml\n",
		"self.yaml":    "again: !include self.yaml\n",
		"missing.yaml": "x: !include nope.yaml\n",
		"list.yaml":    "- 1\n",
		"badref.yaml":  "x: !include list.yaml\n",
	})

	tests := []struct {
		file string
		want error
	}{
		{file: "a.yaml", want: tree.ErrCircularReference},
		{file: "self.yaml", want: tree.ErrCircularReference},
		{file: "missing.yaml", want: os.ErrNotExist},
		{file: "badref.yaml", want: tree.ErrNotMapping},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			_, err := LoadConfig(filepath.Join(dir, tt.file))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_EnvVariable(t *testing.T) {
	env := map[string]string{"DATA_DIR": "/data"}
	l := newTestLoader(t, LoaderOptions{
		LookupEnv: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	})

	root, err := l.LoadString(context.Background(), `
data: !env DATA_DIR
cache: !env CACHE_DIR:/tmp/cache
url: !env URL:http://localhost:8080
missing: !env NOT_SET
`)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	tests := []struct {
		key  string
		want any
	}{
		{key: "data", want: "/data"},
		{key: "cache", want: "/tmp/cache"},
		{key: "url", want: "http://localhost:8080"},
	}
	for _, tt := range tests {
		got, err := root.Value(tt.key)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.key, tt.want, got)
		}
	}

	if _, err := root.Value("missing"); err == nil || !strings.Contains(err.Error(), "NOT_SET") {
		t.Errorf("expected unset variable error, got %v", err)
	}

	env["DATA_DIR"] = "/mnt"
	if got, _ := root.Value("data"); got != "/mnt" {
		t.Errorf("variables should resolve on every access, got %v", got)
	}
}

func TestLoad_ExprVariable(t *testing.T) {
	t.Setenv("XPIPE_WORKERS", "3")

	root, err := LoadConfigFromString(`
workers: !expr int(env["XPIPE_WORKERS"]) * 2
sizes: !expr "[2 * i for i in range(3)]"
`)
	if err != nil {
		t.Fatalf("LoadConfigFromString failed: %v", err)
	}

	if got, err := root.Value("workers"); err != nil || got != 6 {
		t.Errorf("expected 6, got %v (%v)", got, err)
	}
	got, err := root.Value("sizes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{0, 2, 4}, got); diff != "" {
		t.Errorf("sizes mismatch:\n%s", diff)
	}
}

func TestLoad_Objects(t *testing.T) {
	root, err := LoadConfigFromString(`
optimizer:
  !obj torch.optim.Adam:
    lr: 0.001
callbacks:
  - !obj cb.Early: {patience: 3}
  - !obj cb.Log: {}
`)
	if err != nil {
		t.Fatalf("LoadConfigFromString failed: %v", err)
	}

	opt, ok := root.GetObject("optimizer")
	if !ok {
		t.Fatal("optimizer is not a single object")
	}
	if opt.Module() != "torch.optim" || opt.ClassName() != "Adam" {
		t.Errorf("unexpected type split %q %q", opt.Module(), opt.ClassName())
	}
	if lr, err := GetNode(root, "optimizer.lr"); err != nil || lr == nil {
		t.Errorf("parameter not reachable: %v", err)
	}

	cbs, _ := root.Get("callbacks")
	if list, ok := cbs.(*tree.ObjectsList); !ok || list.Len() != 2 {
		t.Errorf("expected an objects list of 2, got %T", cbs)
	}
}

func TestLoad_AliasesAreFollowed(t *testing.T) {
	root, err := LoadConfigFromString(`
defaults: &d
  lr: 0.1
train: *d
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, err := GetNode(root, "train.lr"); err != nil || v == nil {
		t.Fatalf("alias not followed: %v", err)
	}
}

// aliasBomb expands to 10^9 scalars.
const aliasBomb = `a: &a [x, x, x, x, x, x, x, x, x, x]
b: &b [*a, *a, *a, *a, *a, *a, *a, *a, *a, *a]
c: &c [*b, *b, *b, *b, *b, *b, *b, *b, *b, *b]
d: &d [*c, *c, *c, *c, *c, *c, *c, *c, *c, *c]
e: &e [*d, *d, *d, *d, *d, *d, *d, *d, *d, *d]
f: &f [*e, *e, *e, *e, *e, *e, *e, *e, *e, *e]
g: &g [*f, *f, *f, *f, *f, *f, *f, *f, *f, *f]
h: &h [*g, *g, *g, *g, *g, *g, *g, *g, *g, *g]
i: &i [*h, *h, *h, *h, *h, *h, *h, *h, *h, *h]
`

func TestLoad_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{name: "unknown tag", text: "x: !nope 1\n", want: ErrUnknownTag},
		{name: "unknown key tag", text: "!nope k: 1\n", want: ErrUnknownTag},
		{name: "invalid yaml", text: "a: [1, 2\n", want: tree.ErrUnparseable},
		{name: "complex key", text: "? [a, b]\n: 1\n", want: tree.ErrUnparseable},
		{name: "bad object type", text: "o:\n  !obj Adam: {}\n", want: tree.ErrInvalidType},
		{name: "self-referencing alias", text: "a: &x [*x]\n", want: tree.ErrCircularReference},
		{name: "nested self-referencing alias", text: "a: &x {b: [1, {c: *x}]}\n", want: tree.ErrCircularReference},
		{name: "alias bomb", text: aliasBomb, want: tree.ErrUnparseable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromString(tt.text)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := LoadConfigFromString("a: 1\n<<: {b: 2}\n"); err == nil {
		t.Error("expected merge key error")
	}
	if _, err := LoadConfigFromString("x: !include\n  - a\n"); err == nil {
		t.Error("expected error for non-scalar !include")
	}
}

func TestLoader_RegisterTag(t *testing.T) {
	l := newTestLoader(t, DefaultLoaderOptions())

	upper := func(n *yaml.Node, _ DecodeFunc) (any, error) {
		return strings.ToUpper(n.Value), nil
	}
	if err := l.RegisterTag("!upper", upper); err != nil {
		t.Fatalf("RegisterTag failed: %v", err)
	}

	root, err := l.LoadString(context.Background(), "name: !upper resnet\n")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	if v, _ := root.Value("name"); v != "RESNET" {
		t.Errorf("expected RESNET, got %v", v)
	}

	for _, tag := range []string{"!upper", TagInclude, TagFrom, "!!str", "plain"} {
		if err := l.RegisterTag(tag, upper); err == nil {
			t.Errorf("expected error registering %q", tag)
		}
	}
	if err := l.RegisterTag("!nil", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestNewLoader_InvalidOptions(t *testing.T) {
	_, err := NewLoader(zerolog.Nop(), LoaderOptions{ExprTimeout: -time.Second})
	if err == nil {
		t.Fatal("expected validation error for negative timeout")
	}
}

func TestLoader_Metrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.yaml": "a: !include a.yaml\nb: !include a.yaml\n",
		"a.yaml":    "x: 1\n",
		"bad.yaml":  "x: !include missing.yaml\n",
	})

	l := newTestLoader(t, LoaderOptions{Metrics: metrics})
	if _, err := l.Load(context.Background(), filepath.Join(dir, "main.yaml")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := l.Load(context.Background(), filepath.Join(dir, "bad.yaml")); err == nil {
		t.Fatal("expected error")
	}

	expected := `
# HELP test_config_loads_total Total number of configuration loads
# TYPE test_config_loads_total counter
test_config_loads_total{status="failure"} 1
test_config_loads_total{status="success"} 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "test_config_loads_total"); err != nil {
		t.Errorf("loads mismatch: %v", err)
	}

	expected = `
# HELP test_config_includes_total Total number of included files resolved
# TYPE test_config_includes_total counter
test_config_includes_total 3
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "test_config_includes_total"); err != nil {
		t.Errorf("includes mismatch: %v", err)
	}
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := newTestLoader(t, DefaultLoaderOptions())
	if _, err := l.LoadString(ctx, "a: 1\n"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

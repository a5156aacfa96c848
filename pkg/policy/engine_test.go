package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/xpipe/xpipe/pkg/config"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// loadTree loads YAML text with an environment that only contains env.
func loadTree(t *testing.T, text string, env map[string]string) *tree.Mapping {
	t.Helper()
	loader, err := config.NewLoader(zerolog.Nop(), config.LoaderOptions{
		LookupEnv: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
	})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	root, err := loader.LoadString(context.Background(), text)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	return root
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	enabled := map[string]bool{}
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
		enabled[p.Name] = p.Enabled
	}

	want := []string{"empty-values", "env-defaults", "plaintext-secrets", "unresolved-variables"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("built-in policies mismatch (-want +got):\n%s", diff)
	}
	if enabled["empty-values"] {
		t.Error("empty-values should be disabled by default")
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		env         map[string]string
		wantAllowed bool
		want        []Violation
	}{
		{
			name:        "clean configuration",
			yaml:        "train:\n  lr: 0.5\n  epochs: 3\n",
			wantAllowed: true,
		},
		{
			name:        "plaintext password",
			yaml:        "db:\n  host: localhost\n  password: hunter2\n",
			wantAllowed: false,
			want: []Violation{{
				Policy:      "plaintext-secrets",
				Path:        "db.password",
				Message:     "db.password holds a plaintext secret",
				Severity:    SeverityError,
				Remediation: "Replace the value with !env PASSWORD",
			}},
		},
		{
			name:        "secret from environment with default",
			yaml:        "db:\n  api_key: !env API_KEY:none\n",
			wantAllowed: true,
		},
		{
			name:        "environment reference without default",
			yaml:        "data:\n  dir: !env DATA_DIR\n",
			env:         map[string]string{"DATA_DIR": "/data"},
			wantAllowed: true,
			want: []Violation{{
				Policy:      "env-defaults",
				Path:        "data.dir",
				Message:     "data.dir reads DATA_DIR without a default",
				Severity:    SeverityInfo,
				Remediation: "Use !env DATA_DIR:<default> if the variable may be unset",
			}},
		},
		{
			name:        "unresolved environment reference",
			yaml:        "data:\n  dir: !env DATA_DIR\n",
			wantAllowed: false,
			want: []Violation{
				{
					Policy:      "env-defaults",
					Path:        "data.dir",
					Message:     "data.dir reads DATA_DIR without a default",
					Severity:    SeverityInfo,
					Remediation: "Use !env DATA_DIR:<default> if the variable may be unset",
				},
				{
					Policy:   "unresolved-variables",
					Path:     "data.dir",
					Message:  "data.dir (!env DATA_DIR) cannot be resolved: environment variable DATA_DIR is not set",
					Severity: SeverityError,
				},
			},
		},
		{
			name:        "empty secret is not reported",
			yaml:        "token: \"\"\n",
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t)
			root := loadTree(t, tt.yaml, tt.env)

			result, err := eng.Evaluate(context.Background(), root, nil)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
			if diff := cmp.Diff(tt.want, result.Violations); diff != "" {
				t.Errorf("violations mismatch (-want +got):\n%s", diff)
			}
			if len(result.Warnings) > 0 {
				t.Errorf("unexpected warnings: %v", result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 3 {
				t.Errorf("evaluated %v, want the three enabled built-ins", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_IncludedSecret(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "db.yaml", "user: admin\npassword: hunter2\n")
	writeFile(t, dir, "app.yaml", "db: !include db.yaml\n")

	root, err := config.LoadConfig(dir + "/app.yaml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	result, err := newTestEngine(t).Evaluate(context.Background(), root, &Context{Environment: "test"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected configuration to be rejected")
	}
	if len(result.Violations) != 1 || result.Violations[0].Path != "db.password" {
		t.Errorf("violations = %+v, want one for db.password", result.Violations)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	root := loadTree(t, "password: hunter2\nnothing: null\n", nil)

	if err := eng.DisablePolicy("plaintext-secrets"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.EnablePolicy("empty-values"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected configuration to be allowed, got %+v", result.Violations)
	}
	if len(result.Violations) != 1 || result.Violations[0].Policy != "empty-values" || result.Violations[0].Path != "nothing" {
		t.Errorf("violations = %+v, want one empty-values violation for nothing", result.Violations)
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("expected error enabling unknown policy")
	}
}

func TestAddPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{{
		Name:     "max-lr",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package test.lr

import rego.v1

deny contains msg if {
	input.config.train.lr > 1
	msg := "learning rate above 1"
}
`,
	}})
	if err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), loadTree(t, "train:\n  lr: 3\n", nil), nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	want := []Violation{{Policy: "max-lr", Message: "learning rate above 1", Severity: SeverityCritical}}
	if diff := cmp.Diff(want, result.Violations); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
	if result.Allowed {
		t.Error("critical violation should reject the configuration")
	}
}

func TestAddPolicies_Atomic(t *testing.T) {
	eng := newTestEngine(t)
	before := len(eng.ListPolicies())

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Enabled: true, Rego: "package good\n\ndeny contains \"x\" if { false }\n"},
		{Name: "bad", Enabled: true, Rego: "package bad\n\ndeny contains x if {\n"},
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error %q should name the failing policy", err)
	}
	if got := len(eng.ListPolicies()); got != before {
		t.Errorf("policies = %d, want %d after failed add", got, before)
	}
}

func TestReloadAndReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	custom := Policy{Name: "custom", Enabled: true, Rego: "package custom\n\ndeny contains \"x\" if { false }\n"}

	if err := eng.AddPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies failed: %v", err)
	}
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err == nil {
		t.Error("custom policy should be dropped by reload")
	}

	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("custom"); err != nil {
		t.Errorf("custom policy missing after replace: %v", err)
	}
	if _, err := eng.GetPolicy("plaintext-secrets"); err != nil {
		t.Errorf("built-in policy missing after replace: %v", err)
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "not rego"}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("expected error replacing with a broken policy")
	}
	if _, err := eng.GetPolicy("custom"); err != nil {
		t.Error("failed replace should leave the engine unchanged")
	}
}

func TestReplacePolicies_KeepsOverrides(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy("plaintext-secrets"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("plaintext-secrets")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("disabled policy was re-enabled by ReplacePolicies")
	}

	p.Enabled = true
	if p, _ = eng.GetPolicy("plaintext-secrets"); p.Enabled {
		t.Error("GetPolicy should return a copy")
	}
}

func TestEvaluate_PublishesViolations(t *testing.T) {
	eng := newTestEngine(t)
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	eng.SetEventPublisher(events)

	received := make(chan telemetry.Event, 4)
	events.Subscribe(func(e telemetry.Event) { received <- e }, telemetry.FilterByType(telemetry.EventTypePolicyViolation))

	root := loadTree(t, "password: hunter2\n", nil)
	if _, err := eng.Evaluate(context.Background(), root, &Context{Source: "app.yaml"}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Path != "app.yaml" || e.Data["policy"] != "plaintext-secrets" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no policy violation event")
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestEngine(t).Evaluate(ctx, loadTree(t, "a: 1\n", nil), nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}

package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Metrics.Namespace = "test"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, wantErr: true},
		{name: "exporter ignored when disabled", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "missing metrics address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "bad buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetrics_Recording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordLoad("success", 10*time.Millisecond)
	m.RecordLoad("success", 20*time.Millisecond)
	m.RecordLoad("failure", time.Millisecond)
	m.RecordInclude()
	m.RecordReload("failure")
	m.SetWatchedFiles(4)
	m.RecordValidationFailure("cue")
	m.RecordError("cycle")
	m.RecordError("")

	expected := `
# HELP test_config_loads_total Total number of configuration loads
# TYPE test_config_loads_total counter
test_config_loads_total{status="failure"} 1
test_config_loads_total{status="success"} 2
# HELP test_config_watched_files Current number of watched configuration files
# TYPE test_config_watched_files gauge
test_config_watched_files 4
# HELP test_errors_by_class_total Total number of errors by error class
# TYPE test_errors_by_class_total counter
test_errors_by_class_total{class="cycle"} 1
`
	err = testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"test_config_loads_total", "test_config_watched_files", "test_errors_by_class_total")
	if err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}

	if got := testutil.CollectAndCount(m.loadDuration); got != 2 {
		t.Errorf("expected 2 duration series, got %d", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these may panic.
	m.RecordLoad("success", time.Second)
	m.RecordInclude()
	m.SetWatchedFiles(1)

	var nilMetrics *Metrics
	nilMetrics.RecordReload("success")
	nilMetrics.RecordError("structural")

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if srv, err := m.StartMetricsServer(); srv != nil || err != nil {
		t.Errorf("expected no server, got %v, %v", srv, err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from disabled handler, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordInclude()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_config_includes_total 1") {
		t.Errorf("includes counter missing from output:\n%s", rec.Body.String())
	}
}

func TestMetrics_Server(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, ListenAddress: "127.0.0.1:0", Namespace: "srv"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.SetWatchedFiles(2)

	srv, err := m.StartMetricsServer()
	if err != nil {
		t.Fatalf("StartMetricsServer failed: %v", err)
	}
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "srv_config_watched_files 2") {
		t.Errorf("gauge missing from output:\n%s", body)
	}

	busy, _ := NewMetrics(MetricsConfig{Enabled: true, ListenAddress: srv.Addr})
	if _, err := busy.StartMetricsServer(); err == nil {
		t.Error("expected error binding an address in use")
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	received := make(chan Event, 10)
	ep.Subscribe(func(e Event) { received <- e }, FilterByPath("a.yaml"))
	ep.AddFilter(FilterByLevel(EventLevelError))

	_ = ep.PublishConfigLoaded("a.yaml", 1, time.Millisecond)
	_ = ep.PublishConfigLoadFailed("b.yaml", "boom")
	_ = ep.PublishPolicyViolation("a.yaml", "no_plaintext_secrets", "db.password", "plaintext secret")

	select {
	case e := <-received:
		if e.Type != EventTypePolicyViolation {
			t.Errorf("unexpected event %s", e.Type)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Error("event ID and timestamp should be set")
		}
		if e.Data["node"] != "db.password" {
			t.Errorf("unexpected data %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case e := <-received:
		t.Errorf("unexpected extra event %s for %s", e.Type, e.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventPublisher_NilAndDisabled(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishConfigReloaded("a.yaml", 1, time.Second); err != nil {
		t.Errorf("nil publisher should ignore events: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("nil publisher shutdown: %v", err)
	}

	disabled, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := disabled.PublishValidationFailed("a.yaml", "cue", 1); err != nil {
		t.Errorf("disabled publisher should ignore events: %v", err)
	}
}

func TestEventPublisher_Async(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    10,
		MaxBatchSize:  5,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	received := make(chan Event, 10)
	ep.Subscribe(func(e Event) { received <- e }, nil)

	for i := 0; i < 3; i++ {
		if err := ep.PublishConfigLoaded("a.yaml", i, time.Millisecond); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	// The batch is not full and the ticker never fires, so delivery waits
	// for Shutdown.
	select {
	case e := <-received:
		t.Fatalf("event %s delivered before the batch was flushed", e.ID)
	case <-time.After(50 * time.Millisecond):
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("only %d of 3 events delivered", i)
		}
	}

	if err := ep.PublishConfigLoaded("a.yaml", 1, time.Millisecond); err == nil {
		t.Error("expected error publishing after shutdown")
	}
}

func TestRecordValidation(t *testing.T) {
	tel := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	events := make(chan Event, 4)
	tel.Events.Subscribe(func(e Event) { events <- e }, FilterByType(EventTypeValidationFailed))

	problems, err := RecordValidation(ctx, "policy", "train.yaml", func(context.Context) (int, error) {
		return 3, nil
	})
	if err != nil || problems != 3 {
		t.Fatalf("unexpected result %d, %v", problems, err)
	}

	wantErr := errors.New("bad schema")
	if _, err := RecordValidation(ctx, "cue", "train.yaml", func(context.Context) (int, error) {
		return 0, wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected the validator error, got %v", err)
	}

	if got := testutil.ToFloat64(tel.Metrics.validationFailures.WithLabelValues("policy")); got != 1 {
		t.Errorf("expected 1 policy failure, got %v", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.errorsByClass.WithLabelValues("validation")); got != 1 {
		t.Errorf("expected 1 validation error, got %v", got)
	}

	select {
	case e := <-events:
		if e.Path != "train.yaml" || e.Data["errors"] != 3 {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no validation event delivered")
	}
}

func TestRecordValidation_WithoutTelemetry(t *testing.T) {
	called := false
	problems, err := RecordValidation(context.Background(), "cue", "x.yaml", func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if !called || problems != 0 || err != nil {
		t.Errorf("unexpected result %v %d %v", called, problems, err)
	}
}

func TestLogger_Fields(t *testing.T) {
	tel := newTestTelemetry(t)
	logger := tel.Logger.NewComponentLogger("test").WithPath("a.yaml").WithNode("x/y")

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("logger not stored in context")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("expected no telemetry in a bare context")
	}
}

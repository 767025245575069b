package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"threadcast/internal/config"
)

func baseConfig(dir string) *config.Config {
	return &config.Config{
		Logging:  config.LoggingConfig{Level: "error"},
		Storage:  config.StorageConfig{Path: filepath.Join(dir, "threadcast.db")},
		Platform: config.PlatformConfig{ConsumerKey: "ck", ConsumerSecret: "cs"},
		API:      config.APIConfig{Addr: "127.0.0.1:0", DispatchSecret: "s3cret"},
	}
}

func writeConfig(t *testing.T, dir string, cfg *config.Config) string {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDurationOrKeepsExplicitZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 3 * time.Second},
		{raw: "  ", want: 3 * time.Second},
		{raw: "0s", want: 0},
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := durationOr("broadcast.account_delay", tc.raw, 3*time.Second)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t.TempDir())

	bc, err := mapBroadcast(cfg)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if bc.SegmentDelay != defaultSegmentDelay || bc.AccountDelay != defaultAccountDelay {
		t.Fatalf("broadcast=%+v", bc)
	}

	dc, err := mapDispatch(cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !dc.InlineOnCreate || !dc.InlineOnRetry || dc.StaleClaimAfter != defaultStaleClaimAfter {
		t.Fatalf("dispatch=%+v", dc)
	}

	tc, err := mapTrigger(cfg)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if tc.Enabled || tc.Timeout != defaultTriggerTimeout {
		t.Fatalf("trigger=%+v", tc)
	}

	sc, err := mapStorage(cfg)
	if err != nil || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage=%+v err=%v", sc, err)
	}
}

func TestMapAlertsFollowsTelegramLogging(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t.TempDir())
	cfg.Alerts.NotifyFailures = true
	ac, err := mapAlerts(cfg)
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	if ac.Enabled || ac.NotifyFailures {
		t.Fatalf("alerts should be off: %+v", ac)
	}

	cfg.Logging.Telegram.Enabled = true
	ac, _ = mapAlerts(cfg)
	if !ac.Enabled || ac.NotifyFailures {
		t.Fatalf("log sink alone should not notify failures: %+v", ac)
	}

	cfg.Alerts.Enabled = true
	ac, _ = mapAlerts(cfg)
	if !ac.Enabled || !ac.NotifyFailures || ac.DedupWindow != time.Minute {
		t.Fatalf("alerts=%+v", ac)
	}
}

func TestValidateRuntimeRejectsBadSections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{name: "schedule", mutate: func(c *config.Config) {
			c.Trigger = config.TriggerConfig{Enabled: true, Schedule: "every blue moon"}
		}, want: "schedule"},
		{name: "delay", mutate: func(c *config.Config) { c.Broadcast.SegmentDelay = "fast" }, want: "broadcast.segment_delay"},
		{name: "api timeout", mutate: func(c *config.Config) { c.API.ReadTimeout = "-1s" }, want: "api.read_timeout"},
		{name: "telegram timeout", mutate: func(c *config.Config) { c.Telegram.Timeout = "x" }, want: "telegram.timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t.TempDir())
			tc.mutate(cfg)
			err := validateRuntime(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}

	if err := validateRuntime(baseConfig(t.TempDir())); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestNewRejectsMissingConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(filepath.Join(t.TempDir(), "missing.json"), "test"); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestAppLifecycleAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(dir)
	path := writeConfig(t, dir, cfg)

	a, err := New(path, "test")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	st, ok := a.status(ctx).(Status)
	if !ok {
		t.Fatalf("status type %T", a.status(ctx))
	}
	if st.Version != "test" || st.Trigger.Enabled || st.Running == nil {
		t.Fatalf("status=%+v", st)
	}

	// The status payload is served through the router as JSON.
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	a.api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"test"`) {
		t.Fatalf("status route: %d %s", rec.Code, rec.Body.String())
	}

	next := baseConfig(dir)
	next.Trigger = config.TriggerConfig{Enabled: true, Schedule: "1h"}
	a.applyConfig(ctx, cfg, next)
	if !a.trigger.Status().Enabled {
		t.Fatalf("trigger should run after reload")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("done should be closed after stop")
	}
	if a.trigger.Status().Enabled {
		t.Fatalf("trigger still running after stop")
	}
}

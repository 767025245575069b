package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) Deliver(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	l.Info("run finished", Int("attempted", 3), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["message"] != "run finished" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["attempted"].(float64) != 3 {
		t.Fatalf("attempted=%v", m["attempted"])
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should not be rendered")
	}
}

func TestFormatRemoteJSON(t *testing.T) {
	t.Parallel()

	got := formatRemoteJSON([]byte(`{"level":"error","message":"post failed","post_id":"p1","time":"x"}`))
	if !strings.HasPrefix(got, "[ERROR] post failed") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "- post_id=p1") || strings.Contains(got, "time=") {
		t.Fatalf("got %q", got)
	}

	if got := formatRemoteJSON([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("raw fallback: %q", got)
	}
}

func TestServiceRemoteSinkRespectsMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:  "debug",
		Remote: RemoteConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
		File:   FileConfig{Enabled: false},
	})
	defer svc.Close()

	sink := &captureSink{}
	svc.SetSink(sink)

	log.Warn("below threshold")
	log.Error("above threshold", String("post_id", "p9"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines := sink.snapshot()
	if len(lines) != 1 {
		t.Fatalf("expected 1 remote line, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "above threshold") || !strings.Contains(lines[0], "post_id=p9") {
		t.Fatalf("unexpected remote line %q", lines[0])
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

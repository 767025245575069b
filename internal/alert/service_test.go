package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"threadcast/internal/eventbus"
	logx "threadcast/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("telegram down")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotifyDeliversWithRetry(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{fails: 1}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond}, sender, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), Critical, "disk full"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, func() bool { return len(sender.Texts()) == 1 })
	if got := sender.Texts()[0]; got != "🚨 disk full" {
		t.Fatalf("text=%q", got)
	}
	if c := s.Counters(); c.Sent != 1 || c.Failed != 0 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestNotifyDedupAndDisabled(t *testing.T) {
	t.Parallel()

	off := New(Config{}, &recordingSender{}, logx.Nop())
	if err := off.Notify(context.Background(), Info, "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	sender := &recordingSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour}, sender, logx.Nop())
	if err := s.Notify(context.Background(), Info, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	s.Start(context.Background())
	_ = s.Notify(context.Background(), Info, "same")
	_ = s.Notify(context.Background(), Info, "same")
	s.Stop(context.Background())

	if got := sender.Texts(); len(got) != 1 {
		t.Fatalf("dedup let through %v", got)
	}
}

func TestWatchAlertsOnFailedPosts(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	s := New(Config{Enabled: true, RatePerSec: 100, NotifyFailures: true}, sender, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan struct{})
	go func() {
		close(watching)
		s.Watch(ctx, bus)
	}()
	<-watching

	// Subscribe races with the first publish, so keep publishing until seen.
	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.PostFinished, Post: eventbus.PostInfo{ID: "ok", Status: "posted"}})
		bus.Publish(eventbus.Event{Type: eventbus.PostFinished, Post: eventbus.PostInfo{
			ID: "p1", Status: "failed", Error: "beta: rate limited", Accounts: 2, Succeeded: 1,
		}})
		return len(sender.Texts()) > 0
	})
	got := sender.Texts()[0]
	if !strings.Contains(got, "Post p1 failed (1/2 accounts posted)") || !strings.Contains(got, "beta: rate limited") {
		t.Fatalf("alert=%q", got)
	}
	for _, txt := range sender.Texts() {
		if strings.Contains(txt, "Post ok") {
			t.Fatalf("posted post must not alert")
		}
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay=%v", attempt, d)
		}
	}
}

package broadcast

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"threadcast/internal/media"
	"threadcast/internal/platform"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

type call struct {
	handle  string
	text    string
	replyTo string
	media   []string
}

type stubFactory struct {
	mu      sync.Mutex
	calls   []call
	uploads int
	next    int

	// failAt maps handle to the 1-based post call that fails for it.
	failAt     map[string]int
	uploadFail map[string]bool
	panicOn    string
	noClient   map[string]bool
}

func (f *stubFactory) ForAccount(a post.Account) (platform.Client, error) {
	if f.noClient[a.Handle] {
		return nil, fmt.Errorf("account %s has no credentials", a.Handle)
	}
	return &stubClient{f: f, handle: a.Handle}, nil
}

func (f *stubFactory) postsFor(handle string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.handle == handle {
			out = append(out, c)
		}
	}
	return out
}

type stubClient struct {
	f      *stubFactory
	handle string
	posted int
}

func (c *stubClient) UploadMedia(_ context.Context, data []byte, _ string) (string, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.uploads++
	if c.f.uploadFail[c.handle] {
		return "", errors.New("upload rejected")
	}
	return "media-" + c.handle, nil
}

func (c *stubClient) PostText(_ context.Context, text string, opts platform.PostOptions) (string, error) {
	if c.handle == c.f.panicOn {
		panic("boom")
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.posted++
	c.f.calls = append(c.f.calls, call{handle: c.handle, text: text, replyTo: opts.ReplyTo, media: opts.MediaIDs})
	if n, ok := c.f.failAt[c.handle]; ok && n == c.posted {
		return "", &platform.APIError{Op: "POST /2/tweets", StatusCode: 403, Message: "duplicate content"}
	}
	c.f.next++
	return fmt.Sprintf("%s-%d", c.handle, c.f.next), nil
}

func accounts(handles ...string) []post.Account {
	out := make([]post.Account, 0, len(handles))
	for _, h := range handles {
		out = append(out, post.Account{ID: "id-" + h, Handle: h, Active: true})
	}
	return out
}

func newTestEngine(f *stubFactory) (*Engine, *[]time.Duration) {
	e := New(Config{SegmentDelay: time.Second, AccountDelay: 5 * time.Second}, f, logx.Nop())
	var slept []time.Duration
	var mu sync.Mutex
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e, &slept
}

func TestRunChainsRepliesPerAccount(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	e, slept := newTestEngine(f)
	p := &post.ScheduledPost{ID: "p1", TextSegments: []string{"one", "two", "three"}}

	out := e.Run(context.Background(), p, accounts("a", "b"), nil)
	if len(out) != 2 {
		t.Fatalf("outcomes=%d", len(out))
	}
	for _, o := range out {
		if !o.OK() || len(o.IDs) != 3 {
			t.Fatalf("outcome=%+v", o)
		}
		calls := f.postsFor(o.Account.Handle)
		for i, c := range calls {
			if c.text != p.TextSegments[i] {
				t.Fatalf("%s segment %d text=%q", o.Account.Handle, i, c.text)
			}
			want := ""
			if i > 0 {
				want = o.IDs[i-1]
			}
			if c.replyTo != want {
				t.Fatalf("%s segment %d replyTo=%q want %q", o.Account.Handle, i, c.replyTo, want)
			}
		}
	}

	// Two segment pauses per account, one account pause between them.
	want := []time.Duration{time.Second, time.Second, 5 * time.Second, time.Second, time.Second}
	if !reflect.DeepEqual(*slept, want) {
		t.Fatalf("pacing=%v want %v", *slept, want)
	}
	if f.uploads != 0 {
		t.Fatalf("text-only post must not upload, got %d", f.uploads)
	}
}

func TestRunUploadsImagePerAccount(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	e, _ := newTestEngine(f)
	p := &post.ScheduledPost{ID: "p1", TextSegments: []string{"lead", "reply"}}
	m := &media.Media{Kind: post.MediaImage, URL: "https://cdn/x.png", ContentType: "image/png", Bytes: []byte("png")}

	out := e.Run(context.Background(), p, accounts("a", "b", "c"), m)
	if f.uploads != 3 {
		t.Fatalf("uploads=%d want one per account", f.uploads)
	}
	for _, o := range out {
		calls := f.postsFor(o.Account.Handle)
		if !reflect.DeepEqual(calls[0].media, []string{"media-" + o.Account.Handle}) {
			t.Fatalf("lead media=%v", calls[0].media)
		}
		if calls[1].media != nil {
			t.Fatalf("replies carry no media, got %v", calls[1].media)
		}
	}
}

func TestRunPostsStoredSegmentsForVideo(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	e, _ := newTestEngine(f)
	p := &post.ScheduledPost{ID: "p1", TextSegments: []string{"watch", "https://cdn/v.mp4", "more"}}
	m := &media.Media{Kind: post.MediaVideo, URL: "https://cdn/v.mp4"}

	e.Run(context.Background(), p, accounts("a"), m)
	calls := f.postsFor("a")
	if len(calls) != 3 {
		t.Fatalf("calls=%+v", calls)
	}
	for i, c := range calls {
		if c.text != p.TextSegments[i] {
			t.Fatalf("segment %d posted as %q, stored %q", i, c.text, p.TextSegments[i])
		}
	}
	if f.uploads != 0 {
		t.Fatalf("video is never uploaded")
	}
}

func TestRunFailureIsolatedPerAccount(t *testing.T) {
	t.Parallel()

	f := &stubFactory{failAt: map[string]int{"b": 2}}
	e, _ := newTestEngine(f)
	p := &post.ScheduledPost{ID: "p1", TextSegments: []string{"one", "two", "three"}}

	out := e.Run(context.Background(), p, accounts("a", "b", "c"), nil)
	if !out[0].OK() || !out[2].OK() {
		t.Fatalf("a and c should succeed: %+v", out)
	}
	b := out[1]
	if b.OK() || !b.Partial() || len(b.IDs) != 1 {
		t.Fatalf("b=%+v", b)
	}
	if !strings.Contains(b.Err.Error(), "segment 2 of 3") {
		t.Fatalf("b err=%v", b.Err)
	}
	if n := len(f.postsFor("b")); n != 2 {
		t.Fatalf("b chain must stop after the failed segment, posted %d", n)
	}
}

func TestRunRecoversAccountPanic(t *testing.T) {
	t.Parallel()

	f := &stubFactory{panicOn: "a", noClient: map[string]bool{"c": true}, uploadFail: map[string]bool{"d": true}}
	e, _ := newTestEngine(f)
	p := &post.ScheduledPost{ID: "p1", TextSegments: []string{"one"}}
	m := &media.Media{Kind: post.MediaImage, Bytes: []byte("x"), ContentType: "image/png"}

	out := e.Run(context.Background(), p, accounts("a", "b", "c", "d"), m)
	if out[0].OK() || !strings.Contains(out[0].Err.Error(), "panic") {
		t.Fatalf("a=%+v", out[0])
	}
	if !out[1].OK() {
		t.Fatalf("b=%+v", out[1])
	}
	if out[2].OK() || !strings.Contains(out[2].Err.Error(), "no credentials") {
		t.Fatalf("c=%+v", out[2])
	}
	if out[3].OK() || !strings.Contains(out[3].Err.Error(), "media upload") || len(f.postsFor("d")) != 0 {
		t.Fatalf("d=%+v", out[3])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := &stubFactory{}
	e, _ := newTestEngine(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := e.Run(ctx, &post.ScheduledPost{ID: "p1", TextSegments: []string{"one"}}, accounts("a", "b"), nil)
	if len(out) != 2 || out[1].OK() || !errors.Is(out[1].Err, context.Canceled) {
		t.Fatalf("out=%+v", out)
	}
	if len(e.Running()) != 0 {
		t.Fatalf("progress should be cleared")
	}
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadcast/internal/dispatch"
	"threadcast/internal/media"
	"threadcast/internal/metrics"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

type fakePosts struct {
	mu      sync.Mutex
	posts   map[string]*post.ScheduledPost
	runs    int
	filter  post.ListFilter
	history string
}

func newFakePosts() *fakePosts {
	return &fakePosts{posts: map[string]*post.ScheduledPost{}}
}

func (f *fakePosts) Create(_ context.Context, d post.Draft) (*post.ScheduledPost, error) {
	p, err := post.Normalize(d, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = "p1"
	f.posts[p.ID] = p
	return p, nil
}

func (f *fakePosts) Get(_ context.Context, id string) (*post.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return nil, post.ErrNotFound
	}
	return p, nil
}

func (f *fakePosts) List(_ context.Context, filter post.ListFilter) ([]dispatch.ListedPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []dispatch.ListedPost
	for _, p := range f.posts {
		out = append(out, dispatch.ListedPost{ScheduledPost: p, Accounts: []dispatch.AccountInfo{{ID: "a1", Handle: "one"}}})
	}
	return out, nil
}

func (f *fakePosts) Cancel(ctx context.Context, id string) (*post.ScheduledPost, error) {
	p, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != post.StatusPending {
		return nil, post.ConflictError(id, p.Status, "cancel")
	}
	p.Status = post.StatusCancelled
	return p, nil
}

func (f *fakePosts) Retry(ctx context.Context, id string) (*post.ScheduledPost, error) {
	p, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != post.StatusFailed {
		return nil, post.ConflictError(id, p.Status, "retry")
	}
	p.Status = post.StatusPending
	return p, nil
}

func (f *fakePosts) RunDue(context.Context) (dispatch.Summary, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return dispatch.Summary{Attempted: 1, Results: []dispatch.ItemResult{{ID: "p1", Status: post.StatusPosted}}}, nil
}

func (f *fakePosts) History(_ context.Context, accountID string, _ int) ([]post.HistoryEntry, error) {
	f.mu.Lock()
	f.history = accountID
	f.mu.Unlock()
	if accountID == "boom" {
		return nil, errors.New("disk on fire")
	}
	return nil, nil
}

type fakeAccounts struct {
	saved []post.Account
}

func (f *fakeAccounts) List(context.Context) ([]post.Account, error) { return f.saved, nil }

func (f *fakeAccounts) Upsert(_ context.Context, a post.Account) error {
	f.saved = append(f.saved, a)
	return nil
}

type fakeMedia struct {
	readOnly bool
	got      []byte
	ct       string
}

func (f *fakeMedia) Store(_ context.Context, name, ct string, body []byte) (post.MediaRef, error) {
	if f.readOnly {
		return post.MediaRef{}, media.ErrReadOnly
	}
	f.got, f.ct = body, ct
	return post.MediaRef{URL: "https://cdn.example/" + name, Kind: post.MediaImage}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	srv      *Server
	h        http.Handler
	posts    *fakePosts
	accounts *fakeAccounts
	media    *fakeMedia
}

func newHarness(t *testing.T, ping error) *harness {
	t.Helper()
	h := &harness{posts: newFakePosts(), accounts: &fakeAccounts{}, media: &fakeMedia{}}
	srv, err := New(Config{DispatchSecret: "s3cret", MaxUploadBytes: 64}, Deps{
		Posts:    h.posts,
		Accounts: h.accounts,
		Media:    h.media,
		Health:   pinger{err: ping},
		Metrics:  metrics.New("test"),
		Status:   func(context.Context) any { return map[string]int{"running": 0} },
	}, logx.Nop())
	require.NoError(t, err)
	h.srv = srv
	h.h = srv.Handler()
	return h
}

func (h *harness) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetPost(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/posts", map[string]any{
		"textSegments": []string{"  hello world  "},
		"accountIds":   []string{"a1"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created post.ScheduledPost
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "p1", created.ID)
	assert.Equal(t, post.StatusPending, created.Status)
	assert.Equal(t, []string{"hello world"}, created.TextSegments)

	rec = h.do(http.MethodGet, "/api/posts/p1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/api/posts/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePostRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/posts", "{bad json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/posts", map[string]any{
		"textSegments": []string{"hi"},
		"accountIds":   []string{},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accountIds", body["field"])
}

func TestCancelAndRetryStatusCodes(t *testing.T) {
	h := newHarness(t, nil)
	h.posts.posts["p1"] = &post.ScheduledPost{ID: "p1", Status: post.StatusPending}

	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/posts/p1/retry", nil, nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/posts/p1/cancel", nil, nil).Code)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/posts/p1/cancel", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/posts/missing/cancel", nil, nil).Code)

	h.posts.posts["p2"] = &post.ScheduledPost{ID: "p2", Status: post.StatusFailed}
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/posts/p2/retry", nil, nil).Code)
}

func TestDispatchRequiresBearerSecret(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "ok", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := http.Header{}
			if tt.header != "" {
				hdr.Set("Authorization", tt.header)
			}
			rec := h.do(http.MethodPost, "/api/dispatch", nil, hdr)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, 1, h.posts.runs, "only the authorized call may run a batch")

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer s3cret")
	rec := h.do(http.MethodPost, "/api/dispatch", nil, hdr)
	var sum dispatch.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.Attempted)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, post.StatusPosted, sum.Results[0].Status)
}

func TestListPassesFilter(t *testing.T) {
	h := newHarness(t, nil)
	h.posts.posts["p1"] = &post.ScheduledPost{ID: "p1", Status: post.StatusFailed}

	rec := h.do(http.MethodGet, "/api/posts?status=failed&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, post.ListFilter{Status: post.StatusFailed, Limit: 5}, h.posts.filter)
	assert.Contains(t, rec.Body.String(), `"handle":"one"`)

	rec = h.do(http.MethodGet, "/api/posts?limit=lots", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryAndInternalErrors(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/history?account=a1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
	assert.Equal(t, "a1", h.posts.history)

	rec = h.do(http.MethodGet, "/api/history?account=boom", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestAccountsHideSecrets(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPut, "/api/accounts/a1", map[string]any{
		"handle":       "@one",
		"accessToken":  "tok-123",
		"accessSecret": "sec-456",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, h.accounts.saved, 1)
	saved := h.accounts.saved[0]
	assert.Equal(t, "one", saved.Handle)
	assert.True(t, saved.Active)
	assert.Equal(t, post.AccountOfficial, saved.Type)
	assert.Equal(t, "sec-456", saved.Credential.AccessSecret)

	rec = h.do(http.MethodGet, "/api/accounts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "tok-123")
	assert.NotContains(t, rec.Body.String(), "sec-456")

	rec = h.do(http.MethodPut, "/api/accounts/a2", map[string]any{"handle": "two"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartBody(t *testing.T, field, name, ct string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
	hdr.Set("Content-Type", ct)
	w, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, _ = w.Write(data)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadMedia(t *testing.T) {
	h := newHarness(t, nil)

	upload := func(field, ct string, data []byte) *httptest.ResponseRecorder {
		body, contentType := multipartBody(t, field, "cat.png", ct, data)
		req := httptest.NewRequest(http.MethodPost, "/api/media", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		h.h.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("file", "image/png", []byte("png-bytes"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "https://cdn.example/cat.png")
	assert.Equal(t, "image/png", h.media.ct)

	assert.Equal(t, http.StatusBadRequest, upload("other", "image/png", []byte("x")).Code)
	assert.Equal(t, http.StatusBadRequest, upload("file", "text/plain", []byte("hello")).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, upload("file", "image/png", bytes.Repeat([]byte("x"), 65)).Code)

	h.media.readOnly = true
	assert.Equal(t, http.StatusNotImplemented, upload("file", "image/png", []byte("png")).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = h.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "threadcast_http_requests_total"), "metrics should include the healthz request")

	down := newHarness(t, errors.New("database is locked"))
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/healthz", nil, nil).Code)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.srv.Start(ctx)
	require.NotNil(t, h.srv.Supervisor())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	require.NoError(t, h.srv.Stop(stopCtx))
	assert.Nil(t, h.srv.Supervisor())
}

func TestPprofIsOptInAndGuarded(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/debug/pprof/", nil, nil).Code)

	h.srv.cfg.Pprof = true
	h.h = h.srv.Handler()
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/debug/pprof/", nil, nil).Code)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer s3cret")
	rec := h.do(http.MethodGet, "/debug/pprof/", nil, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")

	rec = h.do(http.MethodGet, "/debug/pprof/goroutine?debug=1", nil, hdr)
	assert.Equal(t, http.StatusOK, rec.Code)
}

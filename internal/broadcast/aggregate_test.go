package broadcast

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"threadcast/internal/post"
)

func TestAggregate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &post.ScheduledPost{ID: "p1", TextSegments: []string{"x", "y"}}
	a := post.Account{ID: "A", Handle: "alpha", EntryID: "entry-1"}
	b := post.Account{ID: "B", Handle: "beta"}
	ok := func(acc post.Account, ids ...string) Outcome { return Outcome{Account: acc, IDs: ids} }
	fail := func(acc post.Account, msg string, ids ...string) Outcome {
		return Outcome{Account: acc, IDs: ids, Err: errors.New(msg)}
	}

	tests := []struct {
		name        string
		outcomes    []Outcome
		wantStatus  post.Status
		wantErr     string
		wantResults map[string][]string
		wantPartial map[string][]string
		wantHistory int
	}{
		{
			name:        "all succeed",
			outcomes:    []Outcome{ok(a, "1", "2"), ok(b, "3", "4")},
			wantStatus:  post.StatusPosted,
			wantResults: map[string][]string{"A": {"1", "2"}, "B": {"3", "4"}},
			wantHistory: 2,
		},
		{
			name:        "all fail",
			outcomes:    []Outcome{fail(a, "nope"), fail(b, "nope")},
			wantStatus:  post.StatusFailed,
			wantErr:     AllFailed,
			wantResults: map[string][]string{},
		},
		{
			name:        "mixed keeps successes",
			outcomes:    []Outcome{ok(a, "1", "2"), fail(b, "segment 1 of 2: forbidden")},
			wantStatus:  post.StatusFailed,
			wantErr:     "beta: segment 1 of 2: forbidden",
			wantResults: map[string][]string{"A": {"1", "2"}},
			wantHistory: 1,
		},
		{
			name:        "partial chain recorded apart",
			outcomes:    []Outcome{ok(a, "1", "2"), fail(b, "segment 2 of 2: timeout", "9")},
			wantStatus:  post.StatusFailed,
			wantErr:     "beta: segment 2 of 2: timeout",
			wantResults: map[string][]string{"A": {"1", "2"}},
			wantPartial: map[string][]string{"B": {"9"}},
			wantHistory: 1,
		},
		{
			name:        "reused success not logged twice",
			outcomes:    []Outcome{{Account: a, IDs: []string{"1", "2"}, Reused: true}, ok(b, "3", "4")},
			wantStatus:  post.StatusPosted,
			wantResults: map[string][]string{"A": {"1", "2"}, "B": {"3", "4"}},
			wantHistory: 1,
		},
		{
			name:        "no outcomes",
			wantStatus:  post.StatusFailed,
			wantErr:     AllFailed,
			wantResults: map[string][]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Aggregate(p, tt.outcomes, now)
			if r.Status != tt.wantStatus || r.Error != tt.wantErr {
				t.Fatalf("status=%s err=%q", r.Status, r.Error)
			}
			if !reflect.DeepEqual(r.PerAccountResult, tt.wantResults) {
				t.Fatalf("results=%v want %v", r.PerAccountResult, tt.wantResults)
			}
			if !reflect.DeepEqual(r.PartialResults, tt.wantPartial) {
				t.Fatalf("partial=%v want %v", r.PartialResults, tt.wantPartial)
			}
			if len(r.History) != tt.wantHistory {
				t.Fatalf("history=%d want %d", len(r.History), tt.wantHistory)
			}
		})
	}
}

func TestAggregateHistoryEntry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &post.ScheduledPost{
		ID:           "p1",
		TextSegments: []string{"x"},
		Media:        &post.MediaRef{URL: "https://cdn/a.png", Kind: post.MediaImage},
	}
	r := Aggregate(p, []Outcome{{Account: post.Account{ID: "A", Handle: "alpha", EntryID: "e1"}, IDs: []string{"7"}}}, now)
	h := r.History[0]
	if h.ID == "" || h.PostID != "p1" || h.Handle != "alpha" || h.StoreEntryID != "e1" || !h.CreatedAt.Equal(now) {
		t.Fatalf("entry=%+v", h)
	}
	if h.Media == nil || !reflect.DeepEqual(h.ExternalIDs, []string{"7"}) {
		t.Fatalf("entry=%+v", h)
	}

	r.Apply(p, now)
	if p.Status != post.StatusPosted || p.Error != "" || !p.UpdatedAt.Equal(now) {
		t.Fatalf("applied=%+v", p)
	}
}

func TestAggregateJoinsFailures(t *testing.T) {
	t.Parallel()

	r := Aggregate(&post.ScheduledPost{ID: "p"}, []Outcome{
		{Account: post.Account{ID: "A", Handle: "a"}, IDs: []string{"1"}},
		{Account: post.Account{ID: "B", Handle: "b"}, Err: errors.New("x")},
		{Account: post.Account{ID: "C"}, Err: errors.New("y")},
	}, time.Now())
	if r.Error != "b: x; C: y" || !strings.Contains(r.Error, "; ") {
		t.Fatalf("err=%q", r.Error)
	}
}

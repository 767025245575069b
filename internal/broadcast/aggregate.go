package broadcast

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"threadcast/internal/post"
)

// AllFailed is the post error when no account posted its chain.
const AllFailed = "all accounts failed"

// Result is the final state of a post after one broadcast.
type Result struct {
	Status           post.Status
	PerAccountResult map[string][]string
	PartialResults   map[string][]string
	Error            string

	// History holds one entry per account posted by this run. Reused
	// outcomes are not logged again.
	History []post.HistoryEntry
}

func (r Result) Succeeded() int { return len(r.PerAccountResult) }

// Aggregate folds outcomes into the post's result. Zero successes fail the
// post with AllFailed. Every account succeeding posts it. A mix also fails
// it, with an error naming each failed account.
func Aggregate(p *post.ScheduledPost, outcomes []Outcome, now time.Time) Result {
	r := Result{
		PerAccountResult: map[string][]string{},
	}
	var failures []string
	for _, o := range outcomes {
		if o.OK() {
			r.PerAccountResult[o.Account.ID] = append([]string(nil), o.IDs...)
			if !o.Reused {
				r.History = append(r.History, historyEntry(p, o, now))
			}
			continue
		}
		if o.Partial() {
			if r.PartialResults == nil {
				r.PartialResults = map[string][]string{}
			}
			r.PartialResults[o.Account.ID] = append([]string(nil), o.IDs...)
		}
		failures = append(failures, label(o.Account)+": "+o.Err.Error())
	}

	switch {
	case len(r.PerAccountResult) == 0:
		r.Status = post.StatusFailed
		r.Error = AllFailed
	case len(failures) == 0:
		r.Status = post.StatusPosted
	default:
		r.Status = post.StatusFailed
		r.Error = strings.Join(failures, "; ")
	}
	return r
}

// Apply copies r onto p.
func (r Result) Apply(p *post.ScheduledPost, now time.Time) {
	p.Status = r.Status
	p.PerAccountResult = r.PerAccountResult
	p.PartialResults = r.PartialResults
	p.Error = r.Error
	p.UpdatedAt = now
}

func historyEntry(p *post.ScheduledPost, o Outcome, now time.Time) post.HistoryEntry {
	return post.HistoryEntry{
		ID:           uuid.NewString(),
		PostID:       p.ID,
		AccountID:    o.Account.ID,
		Handle:       o.Account.Handle,
		TextSegments: append([]string(nil), p.TextSegments...),
		Media:        p.Media,
		ExternalIDs:  append([]string(nil), o.IDs...),
		StoreEntryID: o.Account.EntryID,
		CreatedAt:    now,
	}
}

func label(a post.Account) string {
	if a.Handle != "" {
		return a.Handle
	}
	return a.ID
}

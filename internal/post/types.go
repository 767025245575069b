package post

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s only leaves via an explicit operator action.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusPosted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type MediaKind string

const (
	MediaNone  MediaKind = "none"
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points at a blob in object storage.
type MediaRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// ScheduledPost is one logical post fanned out to several accounts as a
// reply-chained thread.
type ScheduledPost struct {
	ID           string    `json:"id"`
	TextSegments []string  `json:"textSegments"`
	Media        *MediaRef `json:"mediaRef,omitempty"`
	AccountIDs   []string  `json:"accountIds"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	Broadcast    bool      `json:"broadcast"`
	Status       Status    `json:"status"`

	// PerAccountResult holds external identifiers for accounts whose whole
	// chain was posted.
	PerAccountResult map[string][]string `json:"perAccountResult"`
	// PartialResults holds identifiers for accounts whose chain stopped
	// after at least one segment went out.
	PartialResults map[string][]string `json:"partialResults,omitempty"`

	Error     string    `json:"error,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p *ScheduledPost) HasMedia() bool {
	return p != nil && p.Media != nil && p.Media.Kind != MediaNone && p.Media.URL != ""
}

// Due reports whether the post is pending and scheduled at or before now.
func (p *ScheduledPost) Due(now time.Time) bool {
	return p.Status == StatusPending && !p.ScheduledAt.After(now)
}

type AccountType string

const (
	AccountOfficial  AccountType = "official"
	AccountPerEntity AccountType = "per-entity"
)

// Credential is the signed-request token pair for one account.
type Credential struct {
	AccessToken  string `json:"-"`
	AccessSecret string `json:"-"`
}

type Account struct {
	ID          string      `json:"id"`
	Handle      string      `json:"handle"`
	DisplayName string      `json:"displayName"`
	Credential  Credential  `json:"-"`
	Active      bool        `json:"active"`
	Type        AccountType `json:"accountType"`
	EntryID     string      `json:"entryId,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// HistoryEntry records one account's successfully posted thread.
type HistoryEntry struct {
	ID           string    `json:"id"`
	PostID       string    `json:"postId"`
	AccountID    string    `json:"accountId"`
	Handle       string    `json:"handle"`
	TextSegments []string  `json:"textSegments"`
	Media        *MediaRef `json:"mediaRef,omitempty"`
	ExternalIDs  []string  `json:"externalIds"`
	StoreEntryID string    `json:"storeEntryId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListFilter narrows Store.List. Zero value lists everything.
type ListFilter struct {
	Status Status
	Limit  int
}

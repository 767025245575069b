package post

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxSegmentLen is the per-segment character limit after normalization.
const MaxSegmentLen = 140

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s]+`)
	spaceRunsPat = regexp.MustCompile(`[ \t]{2,}`)
)

// Draft is caller input for a new post.
type Draft struct {
	TextSegments []string   `json:"textSegments"`
	AccountIDs   []string   `json:"accountIds"`
	Broadcast    bool       `json:"broadcast"`
	Media        *MediaRef  `json:"media,omitempty"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`
	Source       string     `json:"source,omitempty"`
	CreatedBy    string     `json:"createdBy,omitempty"`
}

// Normalize validates d and builds a pending post. The id is left empty for
// the caller to assign.
func Normalize(d Draft, now time.Time) (*ScheduledPost, error) {
	segments, err := NormalizeSegments(d.TextSegments)
	if err != nil {
		return nil, err
	}
	accounts := normalizeIDs(d.AccountIDs)
	if len(accounts) == 0 {
		return nil, invalid("accountIds", "no account selected")
	}
	media, err := normalizeMedia(d.Media)
	if err != nil {
		return nil, err
	}
	if media != nil && media.Kind == MediaVideo {
		if segments, err = withVideoLink(segments, media.URL); err != nil {
			return nil, err
		}
	}

	at := now
	if d.ScheduledAt != nil && !d.ScheduledAt.IsZero() {
		at = *d.ScheduledAt
	}

	return &ScheduledPost{
		TextSegments:     segments,
		Media:            media,
		AccountIDs:       accounts,
		ScheduledAt:      at.UTC(),
		Broadcast:        d.Broadcast,
		Status:           StatusPending,
		PerAccountResult: map[string][]string{},
		Source:           strings.TrimSpace(d.Source),
		CreatedBy:        strings.TrimSpace(d.CreatedBy),
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}, nil
}

// NormalizeSegments trims segments, drops blank ones, moves URLs out of the
// lead segment into a new second segment and enforces MaxSegmentLen.
//
// Applying it to its own output returns the same segments.
func NormalizeSegments(in []string) ([]string, error) {
	segments := make([]string, 0, len(in)+1)
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return nil, invalid("textSegments", "no non-blank segment")
	}

	if urls := urlPattern.FindAllString(segments[0], -1); len(urls) > 0 {
		rest := urlPattern.ReplaceAllString(segments[0], "")
		rest = strings.TrimSpace(spaceRunsPat.ReplaceAllString(rest, " "))
		// A lead made only of links stays as is; there is nothing left to lead with.
		if rest != "" {
			out := make([]string, 0, len(segments)+1)
			out = append(out, rest, strings.Join(urls, "\n"))
			segments = append(out, segments[1:]...)
		}
	}

	for i, s := range segments {
		if n := utf8.RuneCountInString(s); n > MaxSegmentLen {
			return nil, invalid("textSegments", "segment %d has %d characters (max %d)", i, n, MaxSegmentLen)
		}
	}
	return segments, nil
}

// withVideoLink places a video URL in the link segment after the lead, or
// in a new one when there is none. Videos are never uploaded, so the link
// is what followers see.
func withVideoLink(segments []string, url string) ([]string, error) {
	for _, s := range segments {
		if strings.Contains(s, url) {
			return segments, nil
		}
	}
	if utf8.RuneCountInString(url) > MaxSegmentLen {
		return nil, invalid("media.url", "video url longer than %d characters", MaxSegmentLen)
	}
	if len(segments) > 1 && isLinkSegment(segments[1]) {
		joined := segments[1] + "\n" + url
		if utf8.RuneCountInString(joined) <= MaxSegmentLen {
			out := append([]string(nil), segments...)
			out[1] = joined
			return out, nil
		}
	}
	out := make([]string, 0, len(segments)+1)
	out = append(out, segments[0], url)
	return append(out, segments[1:]...), nil
}

func isLinkSegment(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if line == "" || urlPattern.FindString(line) != line {
			return false
		}
	}
	return true
}

func normalizeIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normalizeMedia(m *MediaRef) (*MediaRef, error) {
	if m == nil {
		return nil, nil
	}
	kind := MediaKind(strings.ToLower(strings.TrimSpace(string(m.Kind))))
	url := strings.TrimSpace(m.URL)
	switch kind {
	case "", MediaNone:
		if url == "" {
			return nil, nil
		}
		return nil, invalid("media.kind", "kind is required when a url is given")
	case MediaImage, MediaVideo:
		if url == "" {
			return nil, invalid("media.url", "url is required for %s media", kind)
		}
		if !urlPattern.MatchString(url) {
			return nil, invalid("media.url", "not an http(s) url")
		}
		return &MediaRef{URL: url, Kind: kind}, nil
	default:
		return nil, invalid("media.kind", "unknown kind %q", m.Kind)
	}
}

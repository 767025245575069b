// Package media resolves a post's attachment into bytes once per post and
// stores operator uploads in object storage.
package media

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

// Media is a post attachment ready for upload. Video is passed through by URL
// and never carries bytes.
type Media struct {
	Kind        post.MediaKind
	URL         string
	ContentType string
	Bytes       []byte
}

func (m *Media) HasBytes() bool { return m != nil && len(m.Bytes) > 0 }

type Fetcher struct {
	store   ObjectStore
	timeout time.Duration
	log     logx.Logger
}

func NewFetcher(store ObjectStore, timeout time.Duration, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{store: store, timeout: timeout, log: log.With(logx.String("comp", "media"))}
}

// Fetch returns the post's media, or nil when it has none or the image could
// not be read. A failed read degrades the post to text only.
func (f *Fetcher) Fetch(ctx context.Context, p *post.ScheduledPost) *Media {
	if !p.HasMedia() {
		return nil
	}
	switch p.Media.Kind {
	case post.MediaVideo:
		return &Media{Kind: post.MediaVideo, URL: p.Media.URL}
	case post.MediaImage:
	default:
		return nil
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	b, ct, err := f.store.Get(ctx, p.Media.URL)
	if err != nil || len(b) == 0 {
		f.log.Warn("media fetch failed; posting text only",
			logx.String("post_id", p.ID),
			logx.String("url", p.Media.URL),
			logx.Err(err),
		)
		return nil
	}
	return &Media{Kind: post.MediaImage, URL: p.Media.URL, ContentType: ct, Bytes: b}
}

// Store uploads an operator-provided blob and returns a reference usable in
// a draft.
func (f *Fetcher) Store(ctx context.Context, filename, contentType string, body []byte) (post.MediaRef, error) {
	kind := post.MediaImage
	if strings.HasPrefix(contentType, "video/") {
		kind = post.MediaVideo
	}
	key := time.Now().UTC().Format("2006/01/02") + "/" + uuid.NewString() + strings.ToLower(path.Ext(filename))
	url, err := f.store.Put(ctx, key, contentType, body)
	if err != nil {
		return post.MediaRef{}, err
	}
	return post.MediaRef{URL: url, Kind: kind}, nil
}

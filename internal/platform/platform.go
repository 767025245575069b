// Package platform defines the capability a broadcast needs from an external
// social network: upload media and post text, bound to one account.
package platform

import (
	"context"
	"fmt"

	"threadcast/internal/post"
)

// PostOptions links a post into a thread and attaches uploaded media.
type PostOptions struct {
	ReplyTo  string
	MediaIDs []string
}

// Client acts as a single account.
type Client interface {
	UploadMedia(ctx context.Context, data []byte, contentType string) (string, error)
	PostText(ctx context.Context, text string, opts PostOptions) (string, error)
}

// Factory binds an account's credentials into a Client.
type Factory interface {
	ForAccount(a post.Account) (Client, error)
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

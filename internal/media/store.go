package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrTooLarge = errors.New("media exceeds size limit")
	ErrReadOnly = errors.New("object store is read-only")
)

// ObjectStore is durable blob storage addressed by public URL.
type ObjectStore interface {
	// Put stores body under key and returns its public URL.
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
	// Get returns the bytes and content type behind url.
	Get(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPStore reads public URLs over plain HTTP. It cannot store.
type HTTPStore struct {
	Client   *http.Client
	MaxBytes int64
}

func NewHTTPStore(timeout time.Duration, maxBytes int64) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{Client: &http.Client{Timeout: timeout}, MaxBytes: maxBytes}
}

func (s *HTTPStore) Put(context.Context, string, string, []byte) (string, error) {
	return "", ErrReadOnly
}

func (s *HTTPStore) Get(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	b, err := readLimited(resp.Body, s.MaxBytes)
	if err != nil {
		return nil, "", err
	}
	return b, contentTypeOf(resp.Header.Get("Content-Type"), b), nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return b, nil
}

func contentTypeOf(header string, b []byte) string {
	ct := strings.TrimSpace(strings.Split(header, ";")[0])
	if ct == "" || ct == "application/octet-stream" {
		return http.DetectContentType(b)
	}
	return ct
}

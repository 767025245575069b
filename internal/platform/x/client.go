// Package x posts threads to X (Twitter) with OAuth 1.0a user credentials.
package x

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dghubble/go-twitter/twitter"
	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"threadcast/internal/platform"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

const (
	APIv2  = "v2"
	APIv11 = "v1.1"

	defaultAPIBase    = "https://api.twitter.com"
	defaultUploadBase = "https://upload.twitter.com"
)

// Config holds the app credential and endpoint settings shared by every
// account.
type Config struct {
	ConsumerKey    string
	ConsumerSecret string

	API           string // "v2" (default) or "v1.1"
	APIBaseURL    string
	UploadBaseURL string

	Timeout    time.Duration
	RatePerSec float64 // per account; 0 disables
	Burst      int

	// HTTPClient is the transport under the OAuth signer. Tests point it at
	// a local server.
	HTTPClient *http.Client
}

// Factory builds and caches one signed client per account.
type Factory struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	clients map[string]*cachedClient
}

type cachedClient struct {
	fingerprint string
	client      *Client
}

var _ platform.Factory = (*Factory)(nil)

func NewFactory(cfg Config, log logx.Logger) (*Factory, error) {
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return nil, errors.New("x: consumer key and secret are required")
	}
	switch cfg.API {
	case "":
		cfg.API = APIv2
	case APIv2, APIv11:
	default:
		return nil, fmt.Errorf("x: unknown api %q", cfg.API)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.UploadBaseURL == "" {
		cfg.UploadBaseURL = defaultUploadBase
	}
	cfg.APIBaseURL = strings.TrimSuffix(cfg.APIBaseURL, "/")
	cfg.UploadBaseURL = strings.TrimSuffix(cfg.UploadBaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{cfg: cfg, log: log.With(logx.String("comp", "x")), clients: map[string]*cachedClient{}}, nil
}

// ForAccount returns the cached client for a, rebuilding it when the
// account's credentials changed.
func (f *Factory) ForAccount(a post.Account) (platform.Client, error) {
	if a.Credential.AccessToken == "" || a.Credential.AccessSecret == "" {
		return nil, fmt.Errorf("account %s has no credentials", a.Handle)
	}
	fp := fingerprint(a.Credential)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[a.ID]; ok && c.fingerprint == fp {
		return c.client, nil
	}
	c := f.newClient(a)
	f.clients[a.ID] = &cachedClient{fingerprint: fp, client: c}
	return c, nil
}

func (f *Factory) newClient(a post.Account) *Client {
	base := f.cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: f.cfg.Timeout}
	}
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, base)
	httpClient := oauth1.NewConfig(f.cfg.ConsumerKey, f.cfg.ConsumerSecret).
		Client(ctx, oauth1.NewToken(a.Credential.AccessToken, a.Credential.AccessSecret))
	httpClient.Timeout = f.cfg.Timeout

	var lim *rate.Limiter
	if f.cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(f.cfg.RatePerSec), f.cfg.Burst)
	}
	return &Client{
		cfg:     f.cfg,
		handle:  a.Handle,
		http:    httpClient,
		twitter: twitter.NewClient(httpClient),
		limiter: lim,
		log:     f.log.With(logx.String("handle", a.Handle)),
	}
}

func fingerprint(c post.Credential) string {
	sum := sha256.Sum256([]byte(c.AccessToken + "\x00" + c.AccessSecret))
	return hex.EncodeToString(sum[:8])
}

// Client acts as one account.
type Client struct {
	cfg     Config
	handle  string
	http    *http.Client
	twitter *twitter.Client
	limiter *rate.Limiter
	log     logx.Logger
}

var _ platform.Client = (*Client)(nil)

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

// UploadMedia performs a simple (non-chunked) media upload.
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("media", "upload"+extFor(contentType))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	const op = "POST /1.1/media/upload.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadBaseURL+"/1.1/media/upload.json", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out mediaUploadResp
	if err := c.do(req, op, &out); err != nil {
		return "", err
	}
	id := out.MediaIDString
	if id == "" && out.MediaID != 0 {
		id = strconv.FormatInt(out.MediaID, 10)
	}
	if id == "" {
		return "", fmt.Errorf("%s: missing media_id in response", op)
	}
	c.log.Debug("media uploaded", logx.String("media_id", id), logx.Int("bytes", len(data)))
	return id, nil
}

// PostText creates one post, optionally as a reply and with media.
func (c *Client) PostText(ctx context.Context, text string, opts platform.PostOptions) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	if c.cfg.API == APIv11 {
		return c.postV11(ctx, text, opts)
	}
	return c.postV2(ctx, text, opts)
}

func (c *Client) postV2(ctx context.Context, text string, opts platform.PostOptions) (string, error) {
	payload := tweetReq{Text: text}
	if len(opts.MediaIDs) > 0 {
		payload.Media = &tweetMedia{MediaIDs: opts.MediaIDs}
	}
	if opts.ReplyTo != "" {
		payload.Reply = &tweetReply{InReplyToTweetID: opts.ReplyTo}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	const op = "POST /2/tweets"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/2/tweets", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out tweetResp
	if err := c.do(req, op, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("%s: missing id in response", op)
	}
	return out.Data.ID, nil
}

// postV11 uses statuses/update. The go-twitter client carries no context, so
// cancellation is honoured between calls only.
func (c *Client) postV11(ctx context.Context, text string, opts platform.PostOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twitter.StatusUpdateParams{}
	if opts.ReplyTo != "" {
		id, err := strconv.ParseInt(opts.ReplyTo, 10, 64)
		if err != nil {
			return "", fmt.Errorf("reply id %q: %w", opts.ReplyTo, err)
		}
		params.InReplyToStatusID = id
	}
	for _, m := range opts.MediaIDs {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return "", fmt.Errorf("media id %q: %w", m, err)
		}
		params.MediaIds = append(params.MediaIds, id)
	}
	tweet, resp, err := c.twitter.Statuses.Update(text, params)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return "", &platform.APIError{Op: "POST /1.1/statuses/update.json", StatusCode: status, Message: err.Error()}
	}
	if tweet.IDStr != "" {
		return tweet.IDStr, nil
	}
	return strconv.FormatInt(tweet.ID, 10), nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &platform.APIError{Op: op, StatusCode: resp.StatusCode, Message: diagnose(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

const maxDiagnoseLen = 300

// diagnose extracts a readable message from v2 problem or v1.1 error bodies.
func diagnose(body []byte) string {
	var p v2Problem
	if json.Unmarshal(body, &p) == nil && (p.Title != "" || p.Detail != "") {
		if p.Title == "" || p.Detail == "" {
			return p.Title + p.Detail
		}
		return p.Title + ": " + p.Detail
	}
	var v1 v1Errors
	if json.Unmarshal(body, &v1) == nil && len(v1.Errors) > 0 {
		parts := make([]string, 0, len(v1.Errors))
		for _, e := range v1.Errors {
			parts = append(parts, fmt.Sprintf("code %d: %s", e.Code, e.Message))
		}
		return strings.Join(parts, "; ")
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxDiagnoseLen {
		cut := maxDiagnoseLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func extFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"threadcast/internal/media"
	"threadcast/internal/post"
	logx "threadcast/pkg/logx"
)

// writeError maps domain errors onto status codes. Only validation, not
// found and conflict messages reach the client verbatim.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *post.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, post.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, post.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, post.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, media.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, media.ErrReadOnly):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "media uploads need an object store bucket"})
	default:
		s.log.Error("request failed",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Err(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// requireDispatchSecret accepts only "Authorization: Bearer <secret>".
func (s *Server) requireDispatchSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		secret := strings.TrimSpace(s.cfg.DispatchSecret)
		s.mu.Unlock()

		const prefix = "Bearer "
		h := c.GetHeader("Authorization")
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if secret == "" || !strings.HasPrefix(h, prefix) ||
			subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Health.Ping(ctx); err != nil {
		s.log.Warn("health check failed", logx.Err(err))
		c.String(http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) createPost(c *gin.Context) {
	var d post.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	p, err := s.deps.Posts.Create(c.Request.Context(), d)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listPosts(c *gin.Context) {
	f := post.ListFilter{Status: post.Status(strings.TrimSpace(c.Query("status")))}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer", "field": "limit"})
			return
		}
		f.Limit = n
	}
	posts, err := s.deps.Posts.List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func (s *Server) getPost(c *gin.Context) {
	p, err := s.deps.Posts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) cancelPost(c *gin.Context) {
	p, err := s.deps.Posts.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) retryPost(c *gin.Context) {
	p, err := s.deps.Posts.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) runDispatch(c *gin.Context) {
	sum, err := s.deps.Posts.RunDue(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) history(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer", "field": "limit"})
			return
		}
		limit = n
	}
	entries, err := s.deps.Posts.History(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []post.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.deps.Accounts.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if accounts == nil {
		accounts = []post.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type accountRequest struct {
	Handle       string           `json:"handle" binding:"required"`
	DisplayName  string           `json:"displayName"`
	AccessToken  string           `json:"accessToken" binding:"required"`
	AccessSecret string           `json:"accessSecret" binding:"required"`
	Active       *bool            `json:"active"`
	Type         post.AccountType `json:"accountType"`
	EntryID      string           `json:"entryId"`
}

func (s *Server) upsertAccount(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Type {
	case "", post.AccountOfficial, post.AccountPerEntity:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown account type", "field": "accountType"})
		return
	}
	a := post.Account{
		ID:          strings.TrimSpace(c.Param("id")),
		Handle:      strings.TrimPrefix(strings.TrimSpace(req.Handle), "@"),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Credential:  post.Credential{AccessToken: req.AccessToken, AccessSecret: req.AccessSecret},
		Active:      req.Active == nil || *req.Active,
		Type:        req.Type,
		EntryID:     strings.TrimSpace(req.EntryID),
		UpdatedAt:   time.Now().UTC(),
	}
	if a.Type == "" {
		a.Type = post.AccountOfficial
	}
	if err := s.deps.Accounts.Upsert(c.Request.Context(), a); err != nil {
		s.writeError(c, err)
		return
	}
	s.log.Info("account saved", logx.String("account_id", a.ID), logx.String("handle", a.Handle), logx.Bool("active", a.Active))
	c.JSON(http.StatusOK, a)
}

func (s *Server) uploadMedia(c *gin.Context) {
	s.mu.Lock()
	maxBytes := s.cfg.MaxUploadBytes
	s.mu.Unlock()

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required", "field": "file"})
		return
	}
	if fh.Size > maxBytes {
		s.writeError(c, media.ErrTooLarge)
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer f.Close()
	body, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if int64(len(body)) > maxBytes {
		s.writeError(c, media.ErrTooLarge)
		return
	}

	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(body)
	}
	if !strings.HasPrefix(ct, "image/") && !strings.HasPrefix(ct, "video/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only image and video uploads are accepted", "field": "file"})
		return
	}
	ref, err := s.deps.Media.Store(c.Request.Context(), fh.Filename, ct, body)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}

func (s *Server) status(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Status(c.Request.Context()))
}

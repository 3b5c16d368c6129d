package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"blog-cms/internal/apperr"
	"blog-cms/internal/repository"
	"blog-cms/internal/service"
)

const (
	defaultListSize   = 5
	defaultSearchSize = 10
)

func (h *Handler) ListArticles(c *gin.Context) {
	q, err := h.listQuery(c, defaultListSize)
	if err != nil {
		fail(c, err)
		return
	}
	q.Title = c.Query("title")

	page, err := h.articles.List(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Articles found", page)
}

func (h *Handler) SearchArticles(c *gin.Context) {
	q, err := h.listQuery(c, defaultSearchSize)
	if err != nil {
		fail(c, err)
		return
	}
	q.Title = c.Param("title")

	page, err := h.articles.SearchByTitle(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Articles found", page)
}

func (h *Handler) GetArticle(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	article, err := h.articles.GetByID(c.Request.Context(), id, visibility(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article found", article)
}

func (h *Handler) GetArticleBySlug(c *gin.Context) {
	article, err := h.articles.GetBySlug(c.Request.Context(), c.Param("slug"), visibility(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article found", article)
}

func (h *Handler) CreateArticle(c *gin.Context) {
	cover, err := h.coverImage(c)
	if err != nil {
		fail(c, err)
		return
	}

	scheduledAt, err := h.formTime(c, "scheduledAt")
	if err != nil {
		fail(c, err)
		return
	}
	expiredAt, err := h.formTime(c, "expiredAt")
	if err != nil {
		fail(c, err)
		return
	}

	article, err := h.articles.Create(c.Request.Context(), service.CreateArticleInput{
		Title:       c.PostForm("title"),
		Content:     c.PostForm("content"),
		ScheduledAt: scheduledAt,
		ExpiredAt:   expiredAt,
		Cover:       cover,
		AuthorID:    identity(c).UserID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "Article created", article)
}

func (h *Handler) UpdateArticle(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	cover, err := h.coverImage(c)
	if err != nil {
		fail(c, err)
		return
	}

	in := service.UpdateArticleInput{Cover: cover}
	if title, ok := c.GetPostForm("title"); ok {
		in.Title = &title
	}
	if content, ok := c.GetPostForm("content"); ok {
		in.Content = &content
	}
	if in.ScheduledAt, err = h.formTime(c, "scheduledAt"); err != nil {
		fail(c, err)
		return
	}
	if in.ExpiredAt, err = h.formTime(c, "expiredAt"); err != nil {
		fail(c, err)
		return
	}

	article, err := h.articles.Update(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article updated", article)
}

func (h *Handler) DeleteArticle(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	if err := h.articles.Delete(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article deleted", nil)
}

func (h *Handler) PublishArticle(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	article, err := h.articles.Publish(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article published", article)
}

func (h *Handler) UnpublishArticle(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	article, err := h.articles.Unpublish(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article unpublished", article)
}

type republishRequest struct {
	ExpiredAt string `json:"expiredAt" form:"expiredAt"`
}

func (h *Handler) RepublishArticle(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		fail(c, err)
		return
	}

	var req republishRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBind(&req); err != nil {
			fail(c, apperr.Validation("invalid request body"))
			return
		}
	}
	expiredAt, err := h.parseTime("expiredAt", req.ExpiredAt)
	if err != nil {
		fail(c, err)
		return
	}

	article, err := h.articles.Republish(c.Request.Context(), id, expiredAt)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Article republished", article)
}

// visibility is the admin view for admins and the public view for everyone
// else.
func visibility(c *gin.Context) repository.Visibility {
	if identity(c).IsAdmin() {
		return repository.Visibility{Admin: true}
	}
	return repository.Public
}

// listQuery reads page and size, plus the published and expired filters
// which only admins may use.
func (h *Handler) listQuery(c *gin.Context, defaultSize int) (repository.ListQuery, error) {
	q := repository.ListQuery{Visibility: visibility(c), Page: 1, Size: defaultSize}

	var err error
	if q.Page, err = queryInt(c, "page", 1); err != nil {
		return q, err
	}
	if q.Size, err = queryInt(c, "size", defaultSize); err != nil {
		return q, err
	}

	if q.Visibility.Admin {
		if q.Visibility.Published, err = queryBool(c, "published"); err != nil {
			return q, err
		}
		if q.Visibility.Expired, err = queryBool(c, "expired"); err != nil {
			return q, err
		}
	}
	return q, nil
}

func paramID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil || id == 0 {
		return 0, apperr.Validation("id must be a positive integer")
	}
	return uint(id), nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperr.Validation(key + " must be a positive integer")
	}
	return n, nil
}

func queryBool(c *gin.Context, key string) (*bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Validation(key + " must be true or false")
	}
	return &b, nil
}

// Layouts accepted for timestamps without an explicit offset.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func (h *Handler) formTime(c *gin.Context, key string) (*time.Time, error) {
	return h.parseTime(key, c.PostForm(key))
}

// parseTime reads an RFC 3339 timestamp, or a local one in the configured
// zone. Empty input is nil.
func (h *Handler) parseTime(key, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, h.opts.Location); err == nil {
			return &t, nil
		}
	}
	return nil, apperr.Validation(fmt.Sprintf("%s is not a valid timestamp", key))
}

// coverImage reads the optional "image" file of a multipart form.
func (h *Handler) coverImage(c *gin.Context) (*service.CoverImage, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Validation("invalid multipart form")
	}
	if h.opts.MaxUploadBytes > 0 && fh.Size > h.opts.MaxUploadBytes {
		return nil, apperr.Validation(fmt.Sprintf("image exceeds %d bytes", h.opts.MaxUploadBytes))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &service.CoverImage{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

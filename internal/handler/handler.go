package handler

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blog-cms/internal/auth"
	"blog-cms/internal/service"
)

// Options carries the request-level settings the handlers need.
type Options struct {
	Location       *time.Location // for timestamps without an offset
	MaxUploadBytes int64
	UploadDir      string // served under /uploads when set
	Logger         *slog.Logger
}

type Handler struct {
	articles *service.ArticleService
	auth     *service.AuthService
	users    *service.UserService
	status   *service.StatusService
	tokens   *auth.Tokens
	login    *RateLimiter
	opts     Options
}

func NewHandler(
	articles *service.ArticleService,
	authSvc *service.AuthService,
	users *service.UserService,
	status *service.StatusService,
	tokens *auth.Tokens,
	login *RateLimiter,
	opts Options,
) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		articles: articles,
		auth:     authSvc,
		users:    users,
		status:   status,
		tokens:   tokens,
		login:    login,
		opts:     opts,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(RequestLogger(h.opts.Logger))

	r.GET("/", h.Index)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if h.opts.UploadDir != "" {
		r.Group("/uploads", HideBlobMetadata()).Static("", h.opts.UploadDir)
	}

	api := r.Group("/api", DefineUser(h.tokens))
	admin := RequireAdmin()

	// Articles
	articles := api.Group("/articles")
	{
		articles.GET("", h.ListArticles)
		articles.GET("/:id", h.GetArticle)
		articles.GET("/slug/:slug", h.GetArticleBySlug)
		articles.GET("/title/:title", h.SearchArticles)
		articles.POST("", admin, h.CreateArticle)
		articles.PATCH("/:id", admin, h.UpdateArticle)
		articles.DELETE("/:id", admin, h.DeleteArticle)
		articles.PATCH("/publish/:id", admin, h.PublishArticle)
		articles.PATCH("/unpublish/:id", admin, h.UnpublishArticle)
		articles.PATCH("/republish/:id", admin, h.RepublishArticle)
	}

	// Auth
	loginChain := []gin.HandlerFunc{h.Login}
	if h.login != nil {
		loginChain = append([]gin.HandlerFunc{h.login.Middleware()}, loginChain...)
	}
	api.POST("/auth/login", loginChain...)

	// Users
	users := api.Group("/users", RequireUser())
	{
		users.GET("/:id", h.GetUser)
		users.PATCH("/:id", h.UpdateUser)
		users.PATCH("/password/:id", h.UpdatePassword)
	}

	// Status
	api.GET("/status", admin, h.GetStatus)
}

func (h *Handler) Index(c *gin.Context) {
	ok(c, "Connection successful", nil)
}

func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.status.GetSystemStatus(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "Status found", status)
}

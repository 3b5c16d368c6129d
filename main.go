package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"blog-cms/config"
	"blog-cms/internal/auth"
	"blog-cms/internal/database"
	"blog-cms/internal/handler"
	"blog-cms/internal/repository"
	"blog-cms/internal/scheduler"
	"blog-cms/internal/service"
	"blog-cms/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// 加载配置
	cfg, err := config.Load("config/config.yaml")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	// 初始化数据库
	db, err := database.Open(cfg.Database.Path, time.Now)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	blobs, err := storage.NewLocalStore(cfg.Storage.Dir, cfg.Storage.PublicURL)
	if err != nil {
		logger.Error("failed to open blob storage", "error", err)
		os.Exit(1)
	}
	defer blobs.Close()

	// 初始化服务
	articleRepo := repository.NewArticleRepository(db)
	userRepo := repository.NewUserRepository(db)
	scheduleRepo := repository.NewScheduleRepository(db)
	tokens := auth.NewTokens(auth.TokenConfig{Secret: cfg.Auth.JWTSecret, TTL: cfg.Auth.TokenTTL}, time.Now)

	articleSvc := service.NewArticleService(articleRepo, blobs, logger, time.Now)
	authSvc := service.NewAuthService(userRepo, tokens, logger)
	userSvc := service.NewUserService(userRepo, logger)
	statusSvc := service.NewStatusService(scheduleRepo)

	if err := authSvc.EnsureAdmin(ctx, cfg.Auth.AdminName, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
		logger.Error("failed to create admin", "error", err)
		os.Exit(1)
	}

	// 启动定时任务
	reconciler := scheduler.NewReconciler(scheduleRepo, logger, time.Now)
	sched := scheduler.NewScheduler(reconciler, cfg.Cron, logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()
	statusSvc.SetScheduler(sched)

	// 初始化Gin
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.Storage.MaxUploadBytes

	h := handler.NewHandler(articleSvc, authSvc, userSvc, statusSvc, tokens,
		handler.NewRateLimiter(rate.Limit(cfg.Auth.LoginRate), cfg.Auth.LoginBurst),
		handler.Options{
			Location:       cfg.Location(),
			MaxUploadBytes: cfg.Storage.MaxUploadBytes,
			UploadDir:      blobs.Dir(),
			Logger:         logger,
		})
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		sched.Stop()
		os.Exit(1)
	}
	logger.Info("server exited properly")
}

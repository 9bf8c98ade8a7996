package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/sitewise/eptw-api/api/swagger"
	"github.com/sitewise/eptw-api/internal/handler"
	"github.com/sitewise/eptw-api/internal/middleware"
	"github.com/sitewise/eptw-api/internal/models"
	"github.com/sitewise/eptw-api/internal/repository"
	"github.com/sitewise/eptw-api/internal/service"
	"github.com/sitewise/eptw-api/pkg/cache"
	"github.com/sitewise/eptw-api/pkg/config"
	"github.com/sitewise/eptw-api/pkg/database"
	"github.com/sitewise/eptw-api/pkg/logger"
	corsmiddleware "github.com/sitewise/eptw-api/pkg/middleware/cors"
	reqidmiddleware "github.com/sitewise/eptw-api/pkg/middleware/requestid"
	"github.com/sitewise/eptw-api/pkg/storage"
)

// @title SiteWise EPTW API
// @version 1.0.0
// @description Electronic permit-to-work service for hazardous site work
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	validate := validator.New()

	permitRepo := repository.NewPermitRepository(db, cfg.Permits.SerialPrefix)
	auditRepo := repository.NewAuditRepository(db)
	templateRepo := repository.NewChainTemplateRepository(db)
	siteRepo := repository.NewSiteRepository(db)
	userRepo := repository.NewUserRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)

	metricsSvc := service.NewMetricsService()
	resolver := service.NewChainResolverService(templateRepo, siteRepo, logr)
	siteSvc := service.NewSiteService(siteRepo, logr)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "eptw-api",
	})

	permitOpts := []service.PermitServiceOption{
		service.WithTransitionObserver(metricsSvc),
	}

	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		defer cacheRepo.Close() //nolint:errcheck
		permitOpts = append(permitOpts, service.WithPermitCache(cacheRepo))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier *service.NotificationService
	if cfg.Notifications.Enabled {
		notifier = service.NewNotificationService(service.NewLogSink(logr), logr, service.NotificationConfig{
			Workers:    cfg.Notifications.Workers,
			MaxRetries: cfg.Notifications.MaxRetries,
			RetryDelay: cfg.Notifications.RetryDelay,
		})
		notifier.Start(rootCtx)
		defer notifier.Stop()
		permitOpts = append(permitOpts, service.WithTransitionNotifier(notifier))
	}

	permitSvc := service.NewPermitService(permitRepo, auditRepo, resolver, userRepo, siteRepo, logr, service.PermitServiceConfig{
		DefaultValidity: cfg.Permits.DefaultValidity,
		MaxValidity:     cfg.Permits.MaxValidity,
		MaxExtension:    cfg.Permits.MaxExtension,
		CacheTTL:        cfg.Cache.PermitTTL,
	}, permitOpts...)

	if cfg.Expiry.Enabled {
		expirySvc := service.NewExpiryService(permitRepo, permitSvc, logr, service.ExpiryConfig{
			SweepInterval: cfg.Expiry.SweepInterval,
			BatchSize:     cfg.Expiry.BatchSize,
		}, service.WithSweepObserver(metricsSvc))
		expirySvc.Start(rootCtx)
		defer expirySvc.Stop()
	}

	blobs, err := storage.NewLocalStorage(cfg.Attachments.Dir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init attachment storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Attachments.SigningSecret, cfg.Attachments.URLTTL)
	attachmentSvc := service.NewAttachmentService(attachmentRepo, blobs, signer, permitRepo, userRepo, logr, service.AttachmentConfig{
		MaxSizeBytes: cfg.Attachments.MaxSizeBytes,
	})

	authHandler := handler.NewAuthHandler(authSvc)
	permitHandler := handler.NewPermitHandler(permitSvc)
	templateHandler := handler.NewChainTemplateHandler(resolver)
	siteHandler := handler.NewSiteHandler(siteSvc)
	attachmentHandler := handler.NewAttachmentHandler(attachmentSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	permits := api.Group("/permits", middleware.JWT(authSvc))
	permits.GET("", permitHandler.List)
	permits.POST("", middleware.RequireRoles(models.RoleRequester, models.RoleAdmin, models.RoleSuperAdmin), permitHandler.Create)
	permits.GET("/:id", permitHandler.Get)
	permits.GET("/:id/history", permitHandler.History)
	permits.POST("/:id/submit", permitHandler.Submit)
	permits.POST("/:id/decide", permitHandler.Decide)
	permits.POST("/:id/cancel", permitHandler.Cancel)
	permits.POST("/:id/suspend", permitHandler.Suspend)
	permits.POST("/:id/resume", permitHandler.Resume)
	permits.POST("/:id/close", permitHandler.Close)
	permits.POST("/:id/extension", permitHandler.RequestExtension)
	permits.POST("/:id/extension/decide", permitHandler.DecideExtension)
	permits.GET("/:id/attachments", attachmentHandler.List)
	permits.POST("/:id/attachments", attachmentHandler.Upload)

	api.GET("/attachments/download", attachmentHandler.Download)

	adminRoles := middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin)

	templates := api.Group("/chain-templates", middleware.JWT(authSvc))
	templates.GET("", templateHandler.List)
	templates.POST("", adminRoles, templateHandler.Create)

	sites := api.Group("/sites", middleware.JWT(authSvc))
	sites.GET("", siteHandler.List)
	sites.GET("/:id", siteHandler.Get)
	sites.POST("", adminRoles, siteHandler.Create)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/csrf-lab/internal/auth"
	"github.com/yourusername/csrf-lab/internal/bank"
	"github.com/yourusername/csrf-lab/internal/config"
	"github.com/yourusername/csrf-lab/internal/csrf"
	"github.com/yourusername/csrf-lab/internal/jobs"
	"github.com/yourusername/csrf-lab/internal/lab"
	"github.com/yourusername/csrf-lab/internal/ledger"
	"github.com/yourusername/csrf-lab/internal/logging"
	"github.com/yourusername/csrf-lab/internal/session"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.GinMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to initialize application", "error", err)
	}
	defer app.close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infow("starting server",
			"addr", srv.Addr,
			"mode", cfg.GinMode,
			"sameSite", cfg.SessionCookieSameSite,
			"sessionBackend", cfg.SessionBackend,
			"tokenMode", cfg.CSRFTokenMode,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorw("server shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

type app struct {
	router  *gin.Engine
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp は状態を持つ部品を組み立て、ルーターに配線します。
func newApp(cfg *config.Config, logger *zap.SugaredLogger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, closeStore, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	accounts, err := ledger.New(ledger.DefaultSeeds())
	if err != nil {
		return nil, fmt.Errorf("failed to seed ledger: %w", err)
	}

	gen, err := csrf.NewGenerator(cfg.CSRFTokenMode)
	if err != nil {
		return nil, err
	}

	audit, auditRedis, err := setupAudit(cfg, logger)
	if err != nil {
		return nil, err
	}
	var recorder bank.Recorder
	if audit != nil {
		audit.StartWorkers()
		recorder = audit
		a.closers = append(a.closers, closeAudit(audit, auditRedis, logger))
	}

	secret, err := sessionSecret(cfg, logger)
	if err != nil {
		return nil, err
	}

	tmpl, err := lab.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	router := gin.New()
	// POST 専用ルートに別メソッドで来たときは 404 ではなく 405 を返す
	router.HandleMethodNotAllowed = true
	router.SetHTMLTemplate(tmpl)
	router.Use(logging.RequestLogger(logger), gin.Recovery())

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	// Cookie にはセッションIDだけを載せる
	cookieOpts := auth.CookieOptions{
		Secure:   cfg.SessionCookieSecure,
		SameSite: cfg.SameSite(),
		MaxAge:   int(cfg.SessionMaxLifetime().Seconds()),
	}
	router.Use(sessions.Sessions(auth.SessionCookieName, auth.NewCookieStore(secret, cookieOpts)))

	authManager := auth.NewManager(store, accounts, cookieOpts, logger)
	router.Use(authManager.ResolveSession())

	transfers := bank.NewService(accounts, recorder, logger)
	tokens := csrf.NewService(store, gen, logger)

	setupRoutes(router, cfg, authManager, audit, lab.Routes{
		Transfers:    transfers,
		Tokens:       tokens,
		AttackTarget: cfg.AttackTargetBaseURL,
	})

	a.router = router
	return a, nil
}

// setupRoutes はヘルスチェック・認証・送金・攻撃ページの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, authManager *auth.Manager, audit *jobs.Manager, labRoutes lab.Routes) {
	// まずは誰でも叩けるヘルスチェックとメトリクスを登録
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/protected/detail")
	})
	router.GET("/login", authManager.LoginPage)
	router.POST("/login", authManager.Login)
	router.GET("/logout", authManager.Logout)

	labRoutes.Register(router)

	if audit != nil {
		router.GET("/history", authManager.RequireSession(), historyHandler(audit, cfg.AuditHistoryLimit))
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "csrf-lab",
		"version": "0.1.0",
	})
}

func newSessionStore(cfg *config.Config) (session.Store, func(), error) {
	opts := session.Options{
		MaxLifetime: cfg.SessionMaxLifetime(),
		IdleTimeout: cfg.SessionIdleTimeout(),
	}
	if cfg.SessionBackend != config.SessionBackendRedis {
		store := session.NewMemoryStore(opts)
		// 二度と参照されないセッションもここで消える
		return store, store.StartJanitor(time.Minute), nil
	}

	opt, err := redis.ParseURL(cfg.SessionRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse SESSION_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect session redis: %w", err)
	}
	return session.NewRedisStore(rdb, opts), func() { _ = rdb.Close() }, nil
}

// sessionSecret は Cookie 署名鍵を返します。未設定の開発環境では起動ごとに生成します。
func sessionSecret(cfg *config.Config, logger *zap.SugaredLogger) ([]byte, error) {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}
	logger.Warn("SESSION_SECRET is not set; using a random key, sessions will not survive a restart")
	return secret, nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

package app

import (
	"context"
	"errors"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/controller"
	"listening_game_backend/internal/repository"
	"listening_game_backend/internal/service"
	"listening_game_backend/internal/util"
	"listening_game_backend/pkg/configwatcher"
	"listening_game_backend/pkg/database"
	"listening_game_backend/pkg/logger"
	"listening_game_backend/pkg/monitoring"
	"listening_game_backend/pkg/security"
	"listening_game_backend/pkg/tracing"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConfigDir configs/config.yaml 所在目录，热更新监听同一目录
const ConfigDir = "configs"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	rateLimiter     *security.RateLimiter
	tracer          *sdktrace.TracerProvider
	configCallbacks []func(*config.Config)
	background      context.Context
	stopBackground  context.CancelFunc
}

type repositories struct {
	challenge  *repository.ChallengeRepository
	session    *repository.GameSessionRepository
	round      *repository.GameRoundRepository
	submission *repository.RoundSubmissionRepository
}

type services struct {
	storage   *service.StorageService
	ai        *service.AIService
	tts       *service.TTSService
	challenge *service.ChallengeService
	scoring   *service.ScoringService
	round     *service.RoundService
	session   *service.SessionService
	prefetch  *service.PrefetchWorker
}

type controllers struct {
	game   *controller.GameController
	health *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		challenge:  repository.NewChallengeRepository(db),
		session:    repository.NewGameSessionRepository(db),
		round:      repository.NewGameRoundRepository(db),
		submission: repository.NewRoundSubmissionRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*services, error) {
	storage, err := service.NewStorageService(cfg)
	if err != nil {
		return nil, err
	}
	prompts, err := service.LoadPromptLibrary(cfg.Prompts.Dir)
	if err != nil {
		return nil, err
	}

	s := &services{storage: storage}
	s.ai = service.NewAIService(cfg.LLM, prompts)
	if cfg.TTS.Joiner == "ffmpeg" {
		version, err := util.GetFFmpegVersion()
		if err != nil {
			return nil, err
		}
		logger.Log.Info("FFmpeg available", zap.String("version", firstLine(version)))
	}
	s.tts = service.NewTTSService(cfg.TTS, cfg.Storage.AudioFormat)
	s.challenge = service.NewChallengeService(repos.challenge, s.ai, s.tts, storage)
	s.scoring = service.NewScoringService(s.ai)
	s.round = service.NewRoundService(db, repos.session, repos.round, repos.submission, s.challenge, s.scoring)
	s.session = service.NewSessionService(db, repos.session, repos.round, repos.submission, s.round, s.challenge)
	s.session.PrefetchDepth = cfg.Prefetch.Depth
	s.session.SignedURLTTL = cfg.Storage.SignedURLTTL

	if cfg.Prefetch.Enabled {
		s.prefetch = service.NewPrefetchWorker(repos.session, s.round, rdb, cfg.Prefetch)
		s.session.Prefetch = s.prefetch
	}

	logger.Log.Info("Services initialized",
		zap.String("promptVersion", prompts.Version),
		zap.String("storage", cfg.Storage.Type),
		zap.Bool("prefetch", cfg.Prefetch.Enabled),
	)
	return s, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		game:   controller.NewGameController(s.session),
		health: controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	a.rateLimiter = security.NewRateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute)
	go a.rateLimiter.Cleanup(a.background)
	router.Use(a.rateLimiter.Middleware())

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// registerReloadCallbacks 热更新只调整运行期可变的参数
func (a *App) registerReloadCallbacks() {
	a.RegisterConfigCallback(func(cfg *config.Config) {
		logger.SetMode(cfg.Server.Mode)
	})
	a.RegisterConfigCallback(func(cfg *config.Config) {
		a.rateLimiter.Update(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute)
	})
	if a.services.prefetch != nil {
		a.RegisterConfigCallback(func(cfg *config.Config) {
			a.services.prefetch.Tune(cfg.Prefetch)
		})
	}
}

func (a *App) startBackgroundTasks() {
	if _, err := os.Stat(ConfigDir); err != nil {
		return
	}
	go func() {
		err := configwatcher.WatchConfig(a.background, ConfigDir, func(cfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(cfg)
			}
		})
		if err != nil {
			logger.Log.Error("Config watcher stopped", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	app.Redis = rdb
	app.background, app.stopBackground = context.WithCancel(context.Background())

	repos := app.initRepositories(db)
	services, err := app.initServices(repos, cfg, db, rdb)
	if err != nil {
		logger.Log.Fatal("Failed to initialize services", zap.Error(err))
	}
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("listening-game", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	app.Router = router

	app.setupMiddlewares(router, cfg)
	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.registerReloadCallbacks()
	app.startBackgroundTasks()

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:              ":" + a.Config.Server.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	a.stopBackground()
	// 先停预取，再关连接
	if a.services.prefetch != nil {
		a.services.prefetch.Stop()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Log.Info("Server exiting")
}

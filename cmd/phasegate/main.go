package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/nimo-phasegate/internal/config"
	"github.com/bitfantasy/nimo-phasegate/internal/middleware"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/bootstrap"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/handler"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/metrics"
	"github.com/bitfantasy/nimo-phasegate/internal/pm/sse"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/feishu"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/notify"
	"github.com/bitfantasy/nimo-phasegate/internal/shared/storage"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载环境变量
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := bootstrap.InitLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting phase gate engine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	// 阶段表
	phases, err := bootstrap.PhaseTable(cfg.Phases)
	if err != nil {
		zapLogger.Fatal("Invalid phase table", zap.Error(err))
	}

	// 初始化数据库
	gormLevel := logger.Warn
	if cfg.Log.Level == "debug" {
		gormLevel = logger.Info
	}
	db, err := bootstrap.OpenDatabase(cfg.Database, "", gormLevel)
	if err != nil {
		zapLogger.Fatal("Failed to connect database", zap.Error(err))
	}
	if err := bootstrap.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}
	zapLogger.Info("Database migrated successfully")

	// 指标
	m := metrics.New(prometheus.DefaultRegisterer)

	// 按键锁
	var rdb *redis.Client
	if cfg.Lock.Backend == "redis" {
		rdb = bootstrap.NewRedisClient(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect redis", zap.Error(err))
		}
		cancel()
		defer rdb.Close()
	}
	var lockClient redis.UniversalClient
	if rdb != nil {
		lockClient = rdb
	}
	guard, err := bootstrap.NewGuard(cfg.Lock, lockClient, m, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to init lock", zap.Error(err))
	}

	// 通知通道：SSE 必开，NATS 和飞书按配置启用
	hub := sse.NewHub(zapLogger)
	notifiers := []notify.Notifier{hub}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("nimo-phasegate"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			zapLogger.Warn("NATS unavailable, notifications will not be published", zap.Error(err))
		} else {
			defer nc.Drain()
			notifiers = append(notifiers, notify.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, zapLogger))
			zapLogger.Info("NATS publisher enabled", zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
		}
	}

	if cfg.Feishu.AppID != "" && cfg.Feishu.AppSecret != "" {
		client := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret)
		notifiers = append(notifiers, feishu.NewNotifier(client, cfg.Feishu.ChatID, cfg.Feishu.LinkBase, nil, zapLogger))
		zapLogger.Info("Feishu notifier enabled")
	}

	// 文件存储
	var files storage.FileStore = storage.PassThrough{}
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIOStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey,
			cfg.MinIO.Bucket, cfg.MinIO.UseSSL, cfg.MinIO.PresignTTL)
		if err != nil {
			zapLogger.Warn("MinIO unavailable, photo references are returned as-is", zap.Error(err))
		} else {
			files = store
		}
	}

	// 初始化服务
	services := bootstrap.NewServices(db, phases, guard, bootstrap.Extras{
		Notifier: notify.Multi(notifiers),
		Files:    files,
		Metrics:  m,
		Logger:   zapLogger,
	})

	if n, err := bootstrap.SeedTemplates(context.Background(), services.Inspection, cfg.ChecklistTemplates); err != nil {
		zapLogger.Fatal("Failed to seed checklist templates", zap.Error(err))
	} else if n > 0 {
		zapLogger.Info("Checklist templates seeded", zap.Int("count", n))
	}

	handlers := handler.NewHandlers(services, hub)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/sse/events"})))

	// 注册路由
	registerRoutes(router, handlers, cfg, db)

	// 创建HTTP服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE 长连接
	}

	// 启动服务器
	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config, db *gorm.DB) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWT.Secret, cfg.JWT.Issuer))
	handler.RegisterRoutes(api, h)
}

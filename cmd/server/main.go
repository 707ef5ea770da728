package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"boardsync/internal/auth"
	"boardsync/internal/board"
	"boardsync/internal/boardsync"
	"boardsync/internal/cache"
	"boardsync/internal/config"
	"boardsync/internal/database"
	"boardsync/internal/gateway"
	"boardsync/internal/handler"
	"boardsync/internal/metrics"
	"boardsync/internal/presence"
	"boardsync/internal/relay"
	"boardsync/internal/repository"
	"boardsync/internal/server"
	"boardsync/internal/storage"
	"boardsync/internal/tasks"
	"boardsync/internal/worker"
)

func main() {
	// 설정 로드
	cfg := config.Load()

	logger := newLogger(&cfg.Log)
	log := logrus.NewEntry(logger)

	nodeID := nodeName()
	log = log.WithField("node", nodeID)

	m := metrics.New()

	// 레코드 저장소
	db, records := openRecordStore(cfg, log)
	if db != nil {
		defer database.Close(db)
	}

	// Blob 저장소
	blobs, staticDir := openBlobStore(cfg, log)

	svc := boardsync.NewService(records, blobs, log, boardsync.Options{
		Limits:            board.Limits{MaxDepth: cfg.Board.MaxDepth, MaxNodes: cfg.Board.MaxNodes},
		Timeout:           cfg.Board.PersistTimeout,
		UploadConcurrency: cfg.Board.UploadConcurrency,
		Metrics:           m,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	gwOptions := []gateway.Option{gateway.WithMetrics(m)}

	// Redis (선택): relay, presence, 작업 큐
	var (
		rdb          *redis.Client
		rel          *relay.Relay
		presenceMgr  *presence.Manager
		queue        *tasks.Queue
		asynqClient  *asynq.Client
		workerServer *worker.WorkerServer
	)
	if cfg.Redis.Addr != "" {
		var err error
		rdb, err = cache.NewRedisClient(&cfg.Redis, log)
		if err != nil {
			log.WithError(err).Warn("⚠️ Redis unavailable, running as a single instance")
			rdb = nil
		}
	} else {
		log.Info("ℹ️ Redis not configured (relay, presence and task queue disabled)")
	}

	if rdb != nil {
		defer rdb.Close()

		rel = relay.New(rdb, nodeID, 4096, log, m)
		presenceMgr = presence.NewManager(rdb, nodeID, presence.DefaultTTL)
		gwOptions = append(gwOptions, gateway.WithRelay(rel), gateway.WithPresence(presenceMgr))

		asynqClient = asynq.NewClient(worker.RedisOpt(&cfg.Redis))
		defer asynqClient.Close()
		queue = tasks.NewQueue(asynqClient, log)
	}

	gw := gateway.New(svc, log, gateway.NewOptions(cfg), gwOptions...)

	// relay 수신은 게이트웨이가 만들어진 뒤에 시작한다
	if rel != nil {
		go func() {
			if err := rel.Run(ctx, gw.Deliver); err != nil {
				log.WithError(err).Error("relay stopped")
			}
		}()
	}

	// 보드 작업: Redis가 있으면 asynq, 없으면 요청 안에서 즉시 실행
	var presenceClear worker.PresenceClearer
	var presenceList handler.PresenceLister
	if presenceMgr != nil {
		presenceClear = presenceMgr
		presenceList = presenceMgr
	}
	processor := worker.NewProcessor(svc, presenceClear, queue, log)

	var jobs handler.BoardJobs = worker.NewInline(processor)
	if queue != nil {
		jobs = queue
		if cfg.Worker.Enabled {
			workerServer = worker.NewWorkerServer(worker.RedisOpt(&cfg.Redis), &cfg.Worker, processor, log)
			if err := workerServer.Start(); err != nil {
				log.WithError(err).Fatal("❌ Worker server failed to start")
			}
		}
	}

	// JWT (선택)
	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, 24*time.Hour)
	} else {
		log.Warn("⚠️ JWT_SECRET not set, board admin routes are unauthenticated")
	}

	// 서버 생성 및 설정
	srv := server.New(cfg, server.Deps{
		Board:      handler.NewBoardHandler(svc, jobs, presenceList, gw, log),
		BoardWS:    handler.NewBoardWSHandler(gw, cfg.WebSocket.MaxMessageSize, log),
		Health:     handler.NewHealthHandler(db, rdb),
		JWTManager: jwtManager,
		Registry:   m.Registry,
		StaticDir:  staticDir,
	}, log)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	// Graceful Shutdown 설정
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-quit:
		log.Info("🛑 Shutting down server...")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 새 요청을 막고, 연결을 끊고, 남은 저장 작업을 마친 뒤 나머지를 정리한다
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown error")
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Gateway shutdown error")
	}
	if workerServer != nil {
		workerServer.Shutdown()
	}
	stop()

	log.Info("👋 Server stopped")
}

// newLogger LOG_LEVEL/LOG_FORMAT에 따라 logrus 설정
func newLogger(cfg *config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// nodeName 인스턴스 식별자 (hostname + 짧은 랜덤 값)
func nodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// openRecordStore DB_DRIVER에 따라 Postgres 또는 메모리 저장소
func openRecordStore(cfg *config.Config, log *logrus.Entry) (*gorm.DB, boardsync.RecordStore) {
	if cfg.Database.Driver == "memory" {
		log.Warn("⚠️ Using in-memory record store (boards are lost on restart)")
		return nil, repository.NewMemoryRecordStore()
	}

	db, err := database.Connect(database.DSN(&cfg.Database), log)
	if err != nil {
		log.WithError(err).Fatal("❌ Database connection failed")
	}
	if err := database.Ping(db); err != nil {
		log.WithError(err).Fatal("❌ Database ping failed")
	}
	log.Info("✅ Database connected successfully")

	return db, repository.NewGormRecordStore(db)
}

// openBlobStore STORAGE_DRIVER에 따라 S3, MinIO 또는 로컬 디스크.
// 로컬 디스크일 때만 정적 제공 디렉터리를 반환한다.
func openBlobStore(cfg *config.Config, log *logrus.Entry) (boardsync.BlobStore, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	folder := cfg.Board.AssetFolder
	public := cfg.Storage.PublicBaseURL

	switch cfg.Storage.Driver {
	case "s3":
		s3, err := storage.NewS3Service(ctx, &cfg.Storage.S3, folder, public)
		if err == nil {
			log.Infof("✅ S3 storage initialized (bucket: %s)", cfg.Storage.S3.BucketName)
			return s3, ""
		}
		log.WithError(err).Warn("⚠️ S3 storage initialization failed, falling back to local disk")
	case "minio":
		mc, err := storage.NewMinioStore(ctx, &cfg.Storage.MinIO, folder, public)
		if err == nil {
			log.Infof("✅ MinIO storage initialized (bucket: %s)", cfg.Storage.MinIO.BucketName)
			return mc, ""
		}
		log.WithError(err).Warn("⚠️ MinIO storage initialization failed, falling back to local disk")
	}

	local, err := storage.NewLocalStore(&cfg.Storage.Local, folder, public)
	if err != nil {
		log.WithError(err).Fatal("❌ Local storage initialization failed")
	}
	log.Infof("ℹ️ Local storage at %s", local.Dir())
	return local, local.Dir()
}

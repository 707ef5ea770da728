package server

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"boardsync/internal/auth"
	"boardsync/internal/config"
	"boardsync/internal/handler"
)

// Deps 라우트에 연결할 핸들러와 공용 구성요소
type Deps struct {
	Board      *handler.BoardHandler
	BoardWS    *handler.BoardWSHandler
	Health     *handler.HealthHandler
	JWTManager *auth.JWTManager     // nil이면 REST 인증 비활성화
	Registry   *prometheus.Registry // nil이면 /metrics 비활성화
	StaticDir  string               // 로컬 저장소 디렉터리 (비어있으면 정적 제공 안 함)
}

// Server Fiber 서버 래퍼
type Server struct {
	app  *fiber.App
	cfg  *config.Config
	deps Deps
	log  *logrus.Entry
}

// New 새 서버 인스턴스 생성
func New(cfg *config.Config, deps Deps, log *logrus.Entry) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Board Sync Gateway",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // WebSocket과 호환성 문제로 비활성화
		ReadBufferSize:        16384, // 16KB - 큰 헤더 허용
		WriteBufferSize:       16384,
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	return &Server{
		app:  app,
		cfg:  cfg,
		deps: deps,
		log:  log.WithField("component", "http"),
	}
}

// App 테스트용 Fiber 앱
func (s *Server) App() *fiber.App {
	return s.app
}

// SetupMiddleware 미들웨어 설정
func (s *Server) SetupMiddleware() {
	// 패닉 복구
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// 로깅 (logrus 출력으로 통일)
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "Asia/Seoul",
		Output:     s.log.Logger.Writer(),
		Next: func(c *fiber.Ctx) bool {
			// 헬스체크/메트릭 수집은 로그에서 제외
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
	}))

	// CORS
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.CORS.AllowOrigins,
		AllowHeaders: s.cfg.CORS.AllowHeaders,
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// 정적 파일 제공 (로컬 저장소에 업로드된 파일)
	if s.deps.StaticDir != "" {
		s.app.Static(s.cfg.Storage.Local.URLPrefix, s.deps.StaticDir)
	}
}

// SetupRoutes 라우트 설정
func (s *Server) SetupRoutes() {
	// 헬스체크 엔드포인트
	s.app.Get("/health", s.deps.Health.Check)
	s.app.Get("/health/live", s.deps.Health.Liveness)
	s.app.Get("/health/ready", s.deps.Health.Readiness)

	// Prometheus 메트릭
	if s.deps.Registry != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	// Rate Limiter 설정 (업로드 엔드포인트용)
	uploadLimiter := limiter.New(limiter.Config{
		Max:        30,              // 최대 30회
		Expiration: 1 * time.Minute, // 1분당
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() // IP 기반 제한
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	authRequired := auth.AuthMiddleware(s.deps.JWTManager)

	// 에셋 업로드
	s.app.Post("/boards/upload", uploadLimiter, authRequired, s.deps.Board.Upload)

	// Board 라우트 그룹
	boardGroup := s.app.Group("/api/boards")
	boardGroup.Get("/:roomId", s.deps.Board.GetBoard)
	boardGroup.Get("/:roomId/presence", s.deps.Board.GetPresence)
	boardGroup.Delete("/:roomId", authRequired, s.deps.Board.DeleteBoard)
	boardGroup.Post("/:roomId/prune", authRequired, s.deps.Board.PruneBoard)

	// WebSocket 보드 동기화 엔드포인트
	s.app.Get("/ws/board", s.deps.BoardWS.Upgrade, websocket.New(s.deps.BoardWS.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start 서버 시작. Shutdown이 호출될 때까지 블록된다.
func (s *Server) Start() error {
	s.log.Infof("🚀 Board Sync Gateway starting on %s", s.cfg.Server.Port)
	s.log.Infof("📡 WebSocket endpoint: ws://localhost%s/ws/board?roomId=&userId=&userName=", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown 서버 종료 (진행 중인 요청은 ctx 기한까지 기다린다)
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return s.app.ShutdownWithTimeout(timeout)
}

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config 애플리케이션 전체 설정
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Board     BoardConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Log       LogConfig
}

// ServerConfig HTTP 서버 설정
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    int
}

// WebSocketConfig WebSocket 관련 설정
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	WriteTimeout    time.Duration
}

// Persist modes
const (
	PersistImmediate = "immediate"
	PersistDebounce  = "debounce"
)

// BoardConfig 보드 동기화 설정
type BoardConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // 0이면 pong 기반 연결 종료 안 함
	PersistMode       string        // immediate | debounce
	DebounceWindow    time.Duration
	PersistTimeout    time.Duration
	MaxDepth          int
	MaxNodes          int
	CursorRate        float64 // 초당 커서 이벤트 수
	CursorBurst       int
	AssetFolder       string
	UploadConcurrency int
}

// DatabaseConfig 데이터베이스 설정
type DatabaseConfig struct {
	Driver   string // postgres | memory
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

// StorageConfig Blob Store 설정
type StorageConfig struct {
	Driver        string // s3 | minio | local
	PublicBaseURL string
	S3            S3Config
	MinIO         MinIOConfig
	Local         LocalConfig
}

// S3Config AWS S3 설정
type S3Config struct {
	Region          string
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // S3 호환 엔드포인트 (선택)
}

// MinIOConfig MinIO 설정
type MinIOConfig struct {
	Endpoint        string
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// LocalConfig 로컬 디스크 저장 설정
type LocalConfig struct {
	Dir       string
	URLPrefix string
}

// AuthConfig 인증 설정
type AuthConfig struct {
	JWTSecret string // 비어있으면 REST 인증 비활성화
}

// RedisConfig Redis 설정
type RedisConfig struct {
	Addr     string // 비어있으면 relay/presence/worker 비활성화
	Password string
	DB       int
}

// WorkerConfig 백그라운드 작업 설정
type WorkerConfig struct {
	Enabled       bool
	Concurrency   int
	PruneSchedule string // 비어있으면 주기적 고아 에셋 정리 안 함 (예: @every 6h)
}

// CORSConfig CORS 설정
type CORSConfig struct {
	AllowOrigins string
	AllowHeaders string
}

// LogConfig 로깅 설정
type LogConfig struct {
	Level  string
	Format string // text | json
}

// Load 환경 변수에서 설정 로드
func Load() *Config {
	// .env 파일 로드 (없어도 에러 무시)
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ️ No .env file found, using environment variables")
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "change-this-secret-in-production" {
		log.Fatal("🚨 CRITICAL: JWT_SECRET must be changed from default value in production!")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
			BodyLimit:    getInt("BODY_LIMIT", 50*1024*1024),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize: getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			MaxMessageSize:  int64(getInt("WS_MAX_MESSAGE_SIZE", 50*1024*1024)),
			SendBuffer:      getInt("WS_SEND_BUFFER", 256),
			WriteTimeout:    getDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
		Board: BoardConfig{
			HeartbeatInterval: getDuration("BOARD_HEARTBEAT_INTERVAL", 25*time.Second),
			HeartbeatTimeout:  getDuration("BOARD_HEARTBEAT_TIMEOUT", 0),
			PersistMode:       getEnv("BOARD_PERSIST_MODE", PersistImmediate),
			DebounceWindow:    getDuration("BOARD_DEBOUNCE_WINDOW", 1500*time.Millisecond),
			PersistTimeout:    getDuration("BOARD_PERSIST_TIMEOUT", 15*time.Second),
			MaxDepth:          getInt("BOARD_MAX_DEPTH", 64),
			MaxNodes:          getInt("BOARD_MAX_NODES", 100_000),
			CursorRate:        getFloat("BOARD_CURSOR_RATE", 30),
			CursorBurst:       getInt("BOARD_CURSOR_BURST", 10),
			AssetFolder:       getEnv("BOARD_ASSET_FOLDER", "ys_academy"),
			UploadConcurrency: getInt("BOARD_UPLOAD_CONCURRENCY", 4),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "postgres"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "Asia/Seoul"),
		},
		Storage: StorageConfig{
			Driver:        getEnv("STORAGE_DRIVER", "local"),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
			S3: S3Config{
				Region:          getEnv("AWS_REGION", "ap-northeast-2"),
				BucketName:      getEnv("AWS_S3_BUCKET", ""),
				AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
				Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
			},
			MinIO: MinIOConfig{
				Endpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
				BucketName:      getEnv("MINIO_BUCKET", "boards"),
				AccessKeyID:     getEnv("MINIO_ACCESS_KEY", ""),
				SecretAccessKey: getEnv("MINIO_SECRET_KEY", ""),
				UseSSL:          getBool("MINIO_USE_SSL", false),
			},
			Local: LocalConfig{
				Dir:       getEnv("LOCAL_UPLOAD_DIR", "./uploads"),
				URLPrefix: getEnv("LOCAL_UPLOAD_URL_PREFIX", "/uploads"),
			},
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Worker: WorkerConfig{
			Enabled:       getBool("WORKER_ENABLED", true),
			Concurrency:   getInt("WORKER_CONCURRENCY", 5),
			PruneSchedule: getEnv("WORKER_PRUNE_SCHEDULE", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// getEnv 환경 변수 조회 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt 정수형 환경 변수 조회
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getFloat 실수형 환경 변수 조회
func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getBool 불리언 환경 변수 조회
func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration 시간 환경 변수 조회
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// 숫자만 있으면 초로 간주
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

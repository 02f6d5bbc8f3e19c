package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Mongo     MongoConfig
	Fallback  FallbackConfig
	Store     StoreConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebRTC    WebRTCConfig
	AWS       AWSConfig
	Broadcast BroadcastConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	PublicBaseURL      string // used to build shareable broadcast links
}

// MongoConfig holds the primary document store connection settings.
type MongoConfig struct {
	URI      string
	Database string
}

// FallbackConfig holds the local Badger store used when Mongo is unreachable.
type FallbackConfig struct {
	Enabled  bool
	Dir      string
	InMemory bool
}

// StoreConfig holds per-operation timeout and circuit breaker settings.
type StoreConfig struct {
	Timeout            time.Duration
	BreakerMinRequests uint32
	BreakerFailureRate float64
	BreakerOpenTimeout time.Duration
}

// RedisConfig holds Redis connection settings. Empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings for admin endpoints.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds ICE servers and the alternative transport URLs.
type WebRTCConfig struct {
	ICEUrls       []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	HLSBaseURL    string
	DemoStreamURL string
}

// AWSConfig holds AWS credentials and the archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

// BroadcastConfig holds liveness, chat and signaling tuning.
type BroadcastConfig struct {
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	SweepOnStatus   bool
	SignalBatch     int
	SignalTTL       time.Duration
	ReactionCap     int
	ChatPageDefault int
	ChatPageMax     int
}

// RateLimitConfig holds per-client limits for polling endpoints.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DATABASE", "media_portal"),
		},
		Fallback: FallbackConfig{
			Enabled:  getEnvBool("FALLBACK_ENABLED", true),
			Dir:      getEnv("FALLBACK_DIR", "data/fallback"),
			InMemory: getEnvBool("FALLBACK_IN_MEMORY", false),
		},
		Store: StoreConfig{
			Timeout:            time.Duration(getEnvInt("STORE_TIMEOUT_SEC", 5)) * time.Second,
			BreakerMinRequests: uint32(getEnvInt("BREAKER_MIN_REQUESTS", 5)),
			BreakerFailureRate: getEnvFloat("BREAKER_FAILURE_RATE", 0.6),
			BreakerOpenTimeout: time.Duration(getEnvInt("BREAKER_OPEN_TIMEOUT_SEC", 30)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:       splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"), ","),
			HLSBaseURL:    strings.TrimRight(getEnv("HLS_BASE_URL", "http://localhost:8080/hls"), "/"),
			DemoStreamURL: getEnv("DEMO_STREAM_URL", "https://test-streams.mux.dev/x36xhzz/x36xhzz.m3u8"),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", "broadcast-archive-bucket"),
		},
		Broadcast: BroadcastConfig{
			StaleAfter:      time.Duration(getEnvInt("STALE_AFTER_MIN", 120)) * time.Minute,
			SweepInterval:   time.Duration(getEnvInt("SWEEP_INTERVAL_SEC", 300)) * time.Second,
			SweepOnStatus:   getEnvBool("SWEEP_ON_STATUS", true),
			SignalBatch:     getEnvInt("SIGNAL_BATCH", 10),
			SignalTTL:       time.Duration(getEnvInt("SIGNAL_TTL_SEC", 600)) * time.Second,
			ReactionCap:     getEnvInt("REACTION_CAP", 100),
			ChatPageDefault: getEnvInt("CHAT_PAGE_DEFAULT", 50),
			ChatPageMax:     getEnvInt("CHAT_PAGE_MAX", 200),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 20),
		},
	}
	return cfg, nil
}

// ShareLink returns the public link viewers use to join a broadcast.
func (c ServerConfig) ShareLink(sessionID string) string {
	return c.PublicBaseURL + "/live/" + sessionID
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port string

	PGURL string
	Redis string

	AsynqConcurrency int // worker concurrency (default 8)

	// PublicBaseURL is the externally reachable base of this API, used to build
	// provider webhook callback URLs, e.g. https://api.mosaiq.app
	PublicBaseURL string

	ReplicateToken string

	RunningHubAPIURL string // e.g. https://www.runninghub.ai
	RunningHubAPIKey string

	JWTSecret string // HS256 verification secret; unused when JWKSURL is set
	JWKSURL   string // remote JWKS endpoint for RS256 token verification

	// Jobs older than this (minutes) without a terminal status are swept:
	// reconciled once more if dispatched, failed otherwise.
	JobTimeoutMins    int
	SweepIntervalMins int

	// S3/R2 compatible (Cloudflare R2, MinIO, AWS S3) for mirroring artifacts
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PublicURL string // e.g. https://media.mosaiq.app for public read URLs

	// CORS: comma-separated origins. Empty = allow "*"
	CORSOrigins string
}

func Load() *Config {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		PGURL:             getEnv("DATABASE_URL", "postgres://localhost/mosaiq?sslmode=disable"),
		Redis:             getEnv("REDIS_URL", "redis://localhost:6379"),
		AsynqConcurrency:  getEnvInt("ASYNQ_CONCURRENCY", 8),
		PublicBaseURL:     strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", ""), "/"),
		ReplicateToken:    getEnv("REPLICATE_API_TOKEN", ""),
		RunningHubAPIURL:  strings.TrimSuffix(getEnv("RUNNINGHUB_API_URL", "https://www.runninghub.ai"), "/"),
		RunningHubAPIKey:  getEnv("RUNNINGHUB_API_KEY", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		JWKSURL:           strings.TrimSpace(getEnv("JWKS_URL", "")),
		JobTimeoutMins:    getEnvInt("JOB_TIMEOUT_MINS", 15),
		SweepIntervalMins: getEnvInt("SWEEP_INTERVAL_MINS", 5),
		S3Endpoint:        s3Endpoint(),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3Bucket:          getEnv("S3_BUCKET", "mosaiq"),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:       getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:          getEnvBool("S3_USE_SSL", true),
		S3PublicURL:       strings.TrimSuffix(getEnv("S3_PUBLIC_URL", ""), "/"),
		CORSOrigins:       strings.TrimSpace(getEnv("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
	}
	// A garbled env value parses to 0 and a zero interval would panic the
	// sweep ticker at startup.
	if cfg.JobTimeoutMins < 1 {
		cfg.JobTimeoutMins = 15
	}
	if cfg.SweepIntervalMins < 1 {
		cfg.SweepIntervalMins = 5
	}
	if cfg.AsynqConcurrency < 1 {
		cfg.AsynqConcurrency = 8
	}
	return cfg
}

func getEnv(k, defaultV string) string {
	if v := os.Getenv(k); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultV
}

// s3Endpoint returns S3_ENDPOINT with the scheme stripped for the AWS SDK.
func s3Endpoint() string {
	raw := strings.TrimSpace(getEnv("S3_ENDPOINT", ""))
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	return raw
}

func getEnvInt(k string, defaultV int) int {
	if v := os.Getenv(k); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultV
}

func getEnvBool(k string, defaultV bool) bool {
	if v := os.Getenv(k); v != "" {
		return v == "1" || v == "true" || v == "yes"
	}
	return defaultV
}

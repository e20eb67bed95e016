package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	JWTSecret    string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	CORSOrigin   string
	DefaultSpace string
	// Invite codes gate registration when true
	RequireInvite bool
	AppBaseURL    string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Redis Configuration
	RedisURL string
	// Album object storage (S3-compatible)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8788"),
		JWTSecret:     getenv("FAMILYTREE_JWT_SECRET", "familytree-dev-secret"),
		AccessTTL:     time.Duration(getenvInt("FAMILYTREE_ACCESS_TTL_SECONDS", 3600)) * time.Second,
		RefreshTTL:    time.Duration(getenvInt("FAMILYTREE_REFRESH_TTL_SECONDS", 2592000)) * time.Second,
		CORSOrigin:    getenv("FAMILYTREE_CORS_ORIGIN", "*"),
		DefaultSpace:  getenv("FAMILYTREE_DEFAULT_SPACE", "demo"),
		RequireInvite: getenvInt("FAMILYTREE_REQUIRE_INVITE", 1) == 1,
		AppBaseURL:    getenv("FAMILYTREE_APP_BASE_URL", "http://localhost:3000"),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Family Tree"),
		// Redis - the document store backing every collection
		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),
		// Album storage - album routes disabled when endpoint is empty
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "familytree-album"),
		MinioUseSSL:    getenvInt("MINIO_USE_SSL", 0) == 1,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

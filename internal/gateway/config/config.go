package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string
	GitHub   GitHubConfig
	Database DatabaseConfig
	LogStore LogStoreConfig
	Side     SideStoreConfig
	Delivery DeliveryConfig
}

type GitHubConfig struct {
	Token   string
	BaseURL string
}

type DatabaseConfig struct {
	// URL is the postgres DSN; empty keeps analysis records in memory.
	URL string
	// CacheSize is the LRU entry count for the read-through record cache.
	CacheSize int
}

type LogStoreConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// CanUseS3 reports whether the S3 log store is fully configured.
func (c LogStoreConfig) CanUseS3() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

type SideStoreConfig struct {
	// Root is the on-disk side store directory; empty keeps counters and
	// buffers in memory.
	Root string
	TTL  time.Duration
}

type DeliveryConfig struct {
	SeverityThreshold int
	PostDelay         time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	port := flag.String("port", ":8081", "server port")
	flag.Parse()

	if envPort := os.Getenv("PORT"); envPort != "" {
		if strings.HasPrefix(envPort, ":") {
			*port = envPort
		} else {
			*port = ":" + envPort
		}
	}

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	return &Config{
		Port: *port,
		Env:  env,
		GitHub: GitHubConfig{
			Token:   strings.TrimSpace(os.Getenv("GITHUB_TOKEN")),
			BaseURL: strings.TrimSpace(os.Getenv("GITHUB_BASE_URL")),
		},
		Database: DatabaseConfig{
			URL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
			CacheSize: envInt("ANALYSIS_CACHE_SIZE", 512),
		},
		LogStore: loadLogStoreConfig(env),
		Side: SideStoreConfig{
			Root: strings.TrimSpace(os.Getenv("SIDE_STORE_ROOT")),
			TTL:  envDuration("SIDE_STORE_TTL", 24*time.Hour),
		},
		Delivery: DeliveryConfig{
			SeverityThreshold: envInt("REVIEW_SEVERITY_THRESHOLD", 0),
			PostDelay:         envDuration("REVIEW_POST_DELAY", 2*time.Second),
		},
	}, nil
}

func loadLogStoreConfig(env string) LogStoreConfig {
	endpoint := resolveLogStoreEndpoint(env)
	return LogStoreConfig{
		Enabled:   strings.EqualFold(strings.TrimSpace(env), "local") || endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_S3_BUCKET")), "reviewstream-logs"),
		UseSSL:    resolveLogStoreUseSSL(env),
	}
}

func resolveLogStoreEndpoint(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_MINIO_ENDPOINT")), "minio:9000")
	}
	return strings.TrimSpace(os.Getenv("LOG_S3_ENDPOINT"))
}

func resolveLogStoreUseSSL(env string) bool {
	if strings.EqualFold(strings.TrimSpace(env), "local") {
		return false
	}
	raw := strings.TrimSpace(os.Getenv("LOG_S3_USE_SSL"))
	if raw == "" {
		return true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return true
	}
	return v
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

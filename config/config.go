package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// APIKeyName is the entry holding the composition API key in the secrets file.
const APIKeyName = "BEATOVEN_API_KEY"

// Config stores the application configuration.
type Config struct {
	HTTPAddr string

	// Composition API
	ComposeBaseURL    string
	SecretsFile       string
	ComposeAPIKey     string // loaded from SecretsFile, empty disables generation
	PollInterval      time.Duration
	GenerationTimeout time.Duration
	AutoPlayDelay     time.Duration

	AssetCacheDir string
	AudioOutput   bool // false plays layers silently, e.g. on a headless server
	JWTSecret     string

	// Remote persistence is enabled only when DBHost is set.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	LogLevel   string
	LogFile    string
	LogConsole bool
}

// PersistenceEnabled reports whether a remote document store is configured.
func (c *Config) PersistenceEnabled() bool {
	return c.DBHost != ""
}

// FeedEnabled reports whether the realtime layer feed is configured.
func (c *Config) FeedEnabled() bool {
	return c.RedisHost != ""
}

// BlobStorageEnabled reports whether assets are uploaded to MinIO.
func (c *Config) BlobStorageEnabled() bool {
	return c.MinioEndpoint != ""
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() does not override variables already in the environment
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		ComposeBaseURL:    getEnv("COMPOSE_BASE_URL", "https://public-api.beatoven.ai/api/v1"),
		SecretsFile:       getEnv("SECRETS_FILE", "secrets.env"),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 2*time.Second),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 120*time.Second),
		AutoPlayDelay:     getEnvDuration("AUTO_PLAY_DELAY", 500*time.Millisecond),
		AssetCacheDir:     getEnv("ASSET_CACHE_DIR", defaultCacheDir()),
		AudioOutput:       getEnvBool("AUDIO_OUTPUT", true),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret-change-me"),
		DBHost:            getEnv("DB_HOST", ""),
		DBPort:            getEnv("DB_PORT", "3306"),
		DBUser:            getEnv("DB_USER", "root"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            getEnv("DB_NAME", "strata"),
		RedisHost:         getEnv("REDIS_HOST", ""),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		MinioEndpoint:     getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:    getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:    getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:       getEnv("MINIO_BUCKET", "strata-layers"),
		MinioRegion:       getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:       getEnvBool("MINIO_USE_SSL", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", ""),
		LogConsole:        getEnvBool("LOG_CONSOLE", false),
	}

	key, err := LoadAPIKey(cfg.SecretsFile)
	if err != nil {
		log.Printf("Composition API key unavailable (%v); layer generation is disabled.", err)
	}
	cfg.ComposeAPIKey = key
	return cfg
}

// LoadAPIKey reads the composition API key from a dotenv formatted secrets file.
func LoadAPIKey(path string) (string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(values[APIKeyName]), nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "strata", "layers")
	}
	return filepath.Join(".cache", "strata", "layers")
}

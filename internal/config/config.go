package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/joho/godotenv"

	"pyramidview/internal/raster"
)

type Config struct {
	Port            int
	DataDir         string
	Workers         int
	Decoder         string
	ScaleFilter     string
	Store           string
	StoreMaxImages  int
	WarmupImages    int
	WarmupLayers    int
	RequestTimeout  time.Duration
	VipsMaxCacheMB  int
	VipsConcurrency int
	LogLevel        string
	LogFile         string
	AllowedOrigin   string
}

// Load reads the configuration from the environment. Variables from a .env
// file in the working directory fill in anything the environment leaves
// unset.
func Load() *Config {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnvInt("PORT", 8080),
		DataDir:         getEnv("DATA_DIR", "/data"),
		Workers:         getEnvInt("WORKERS", runtime.NumCPU()),
		Decoder:         getEnv("DECODER", "std"),
		ScaleFilter:     getEnv("SCALE_FILTER", string(raster.FilterLinear)),
		Store:           getEnv("STORE", "unbounded"),
		StoreMaxImages:  getEnvInt("STORE_MAX_IMAGES", 16),
		WarmupImages:    getEnvInt("WARMUP_IMAGES", 0),
		WarmupLayers:    getEnvInt("WARMUP_LAYERS", 0),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", ""),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", ""),
	}

	return cfg
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return errors.Newf(errors.CodeInvalidConfig, "WORKERS must be positive, got %d", c.Workers)
	}
	if c.RequestTimeout <= 0 {
		return errors.Newf(errors.CodeInvalidConfig, "REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	switch c.Decoder {
	case "std", "vips":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown DECODER: %s", c.Decoder)
	}
	switch c.Store {
	case "unbounded":
	case "lru":
		if c.StoreMaxImages <= 0 {
			return errors.Newf(errors.CodeInvalidConfig, "STORE_MAX_IMAGES must be positive, got %d", c.StoreMaxImages)
		}
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown STORE: %s", c.Store)
	}
	if _, err := raster.ParseFilter(c.ScaleFilter); err != nil {
		return err
	}
	return nil
}

func (c *Config) UsesVips() bool {
	return c.Decoder == "vips"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

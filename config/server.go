package config

import (
	"sync"
	"time"
)

var (
	serverOnce   sync.Once
	serverConfig *ServerConfig
)

type ServerConfig struct {
	Host string
	Port int
	// GinMode is "debug", "release" or "test".
	GinMode string

	EnableAuth     bool
	APIKeys        []string
	AllowedOrigins []string

	// StorageType selects pkg/storage: "s3" or "minio".
	StorageType   string
	MaxUploadSize int64

	WorkerConcurrency int
	JobTimeout        time.Duration
	JobRetention      time.Duration

	LogLevel string
	LogFile  string
}

func GetServerConfig() *ServerConfig {
	serverOnce.Do(func() {
		loadEnv()
		serverConfig = &ServerConfig{
			Host:              getEnv("API_HOST", "0.0.0.0"),
			Port:              getEnvInt("PORT", getEnvInt("API_PORT", 8000)),
			GinMode:           getEnv("GIN_MODE", "release"),
			EnableAuth:        getEnvBool("API_ENABLE_AUTH", false),
			APIKeys:           getEnvList("API_KEY", nil),
			AllowedOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			StorageType:       getEnv("STORAGE_TYPE", "minio"),
			MaxUploadSize:     int64(getEnvInt("MAX_UPLOAD_SIZE_MB", 25)) << 20,
			WorkerConcurrency: getEnvInt("API_MAX_CONCURRENT_EXTRACTIONS", 5),
			JobTimeout:        getEnvDuration("JOB_TIMEOUT", 30*time.Minute),
			JobRetention:      time.Duration(getEnvInt("CLEANUP_PDF_DAYS", 7)) * 24 * time.Hour,
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFile:           getEnv("LOG_FILE", ""),
		}
	})
	return serverConfig
}

package config

import "os"

// Config holds server configuration sourced from the environment.
// Secrets only ever arrive via environment variables, never the
// settings file.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	IngestSecret string
	KillSecret   string
	SealSecret   string
	AdminSecret  string

	OTLPEndpoint   string
	MetricsEnabled bool

	SettingsPath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "quorum.db"
	}

	settingsPath := os.Getenv("SETTINGS_PATH")
	if settingsPath == "" {
		settingsPath = "quorum.yaml"
	}

	return &Config{
		Port:           port,
		LogLevel:       logLevel,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     sqlitePath,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		IngestSecret:   os.Getenv("INGEST_SECRET"),
		KillSecret:     os.Getenv("KILL_SECRET"),
		SealSecret:     os.Getenv("SEAL_SECRET"),
		AdminSecret:    os.Getenv("ADMIN_JWT_SECRET"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsEnabled: os.Getenv("METRICS_ENABLED") == "true",
		SettingsPath:   settingsPath,
	}
}

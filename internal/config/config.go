// Package config loads runtime settings from the environment and an optional
// .env file.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds every tunable of the pipeline.
type Config struct {
	OutputDir   string
	ResultsFile string
	OverlayDir  string
	LogLevel    string

	ExtractFPS       int
	UseExtensions    bool
	PreferExtensions bool
	Extensions       []string

	UnitMs       int64
	ArchiveEvery int64
	DesiredSize  int
	Refresh      time.Duration
	Repeat       bool

	ReferencePose  string
	ScoreThreshold float64

	OllamaURL   string
	OllamaPort  int
	OllamaModel string

	PostgresEnabled  bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	EmbeddingWorkers int
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading .env")
	}

	cfg := &Config{
		OutputDir:   getEnv("OUTPUT_DIR", "output"),
		ResultsFile: getEnv("RESULTS_FILE", "pose_results.json"),
		OverlayDir:  getEnv("OVERLAY_DIR", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		ExtractFPS:       getEnvInt("EXTRACT_FPS", 30),
		UseExtensions:    getEnvBool("USE_EXTENSION_RENDERERS", false),
		PreferExtensions: getEnvBool("PREFER_EXTENSION_RENDERERS", false),
		Extensions:       getEnvList("DECODER_EXTENSIONS", nil),

		UnitMs:       int64(getEnvInt("UNIT_MS", 1000)),
		ArchiveEvery: int64(getEnvInt("ARCHIVE_EVERY", 3)),
		DesiredSize:  getEnvInt("DESIRED_SIZE", 500),
		Refresh:      getEnvDuration("REFRESH_INTERVAL", 33*time.Millisecond),
		Repeat:       getEnvBool("REPEAT", false),

		ReferencePose:  getEnv("REFERENCE_POSE", ""),
		ScoreThreshold: getEnvFloat("SCORE_THRESHOLD", 50),

		OllamaURL:   getEnv("OLLAMA_URL", "http://localhost"),
		OllamaPort:  getEnvInt("OLLAMA_PORT", 11434),
		OllamaModel: getEnv("OLLAMA_MODEL", "llama3.2-vision:11b"),

		PostgresEnabled:  getEnvBool("POSTGRES_ENABLED", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "posepace"),
		EmbeddingWorkers: getEnvInt("EMBEDDING_WORKERS", 4),
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.OutputDir == "":
		return errors.New("output directory must be set")
	case c.ResultsFile == "":
		return errors.New("results file must be set")
	case c.ExtractFPS <= 0:
		return errors.Errorf("extract fps must be positive, got %d", c.ExtractFPS)
	case c.UnitMs <= 0:
		return errors.Errorf("unit length must be positive, got %dms", c.UnitMs)
	case c.ArchiveEvery < 0:
		return errors.Errorf("archive interval must not be negative, got %d", c.ArchiveEvery)
	case c.DesiredSize <= 0:
		return errors.Errorf("desired size must be positive, got %d", c.DesiredSize)
	case c.Refresh <= 0:
		return errors.Errorf("refresh interval must be positive, got %s", c.Refresh)
	case c.ScoreThreshold < 0 || c.ScoreThreshold > 100:
		return errors.Errorf("score threshold must be within [0, 100], got %v", c.ScoreThreshold)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, errors.Wrapf(err, "invalid log level %q", s)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Disabled turns off an optional model path, e.g. SINGLET_AGGREGATE_MODEL=none.
const Disabled = "none"

var defaultOrigins = []string{
	"https://msc-classification.vercel.app",
	"http://localhost:3000",
}

type Config struct {
	Env    string
	Server ServerConfig
	Models Models
}

type ServerConfig struct {
	Port           string
	Mode           string
	AllowedOrigins []string
	MaxUploadBytes int64
}

// Models holds the artifact locations read at startup. An empty
// SingletAggregate selects the live/dead-only pipeline.
type Models struct {
	OrtLibrary        string
	ExtractorModel    string
	ExtractorMetadata string
	LiveDead          string
	SingletAggregate  string
}

func Load() *Config {
	modelDir := getEnv("MODEL_DIR", "models")

	singlet := getEnv("SINGLET_AGGREGATE_MODEL", filepath.Join(modelDir, "singlet_aggregate.json"))
	if strings.EqualFold(singlet, Disabled) {
		singlet = ""
	}

	return &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Mode:           getEnv("GIN_MODE", "release"),
			AllowedOrigins: getList("ALLOWED_ORIGINS", defaultOrigins),
			MaxUploadBytes: int64(getInt("MAX_UPLOAD_MB", 32)) << 20,
		},
		Models: Models{
			OrtLibrary:        os.Getenv("ONNXRUNTIME_LIB"),
			ExtractorModel:    getEnv("EXTRACTOR_MODEL", filepath.Join(modelDir, "inception_v3_notop.onnx")),
			ExtractorMetadata: getEnv("EXTRACTOR_METADATA", filepath.Join(modelDir, "extractor_metadata.json")),
			LiveDead:          getEnv("LIVE_DEAD_MODEL", filepath.Join(modelDir, "live_dead.json")),
			SingletAggregate:  singlet,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("Invalid numeric setting, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultValue...)
	}
	return out
}

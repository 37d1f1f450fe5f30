// Package config reads settings from the environment. A .env file in the
// working directory is loaded first if present.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

var ErrMissing = errors.New("required setting is not set")

type Server struct {
	Addr      string
	DSN       string
	JWTSecret string
	RedisAddr string
	NodeID    int64
	LogLevel  string

	// Requests per second and burst per user for message writes.
	WriteRPS   float64
	WriteBurst int

	Assistant Assistant
}

type Assistant struct {
	Name     string
	Provider string // "gemini", "openai" or empty to disable
	APIKey   string
	Model    string
	BaseURL  string
	Prompt   string
}

type Client struct {
	ServerURL    string
	UploadURL    string
	UploadPreset string
	SessionFile  string
	LogLevel     string
	LogFile      string
	// AssistantID is the user id the server posts assistant replies as.
	AssistantID string
}

func loadDotenv() {
	_ = godotenv.Load(".env")
}

// LoadServer reads DB_DSN and JWT_SECRET (required) plus optional settings.
// addr is the value of the -addr flag.
func LoadServer(addr string) (Server, error) {
	loadDotenv()
	cfg := Server{
		Addr:       addr,
		DSN:        os.Getenv("DB_DSN"),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		WriteBurst: 10,
		WriteRPS:   5,
		Assistant: Assistant{
			Name:     getenv("ASSISTANT_NAME", "Gemini"),
			Provider: os.Getenv("ASSISTANT_PROVIDER"),
			Model:    os.Getenv("ASSISTANT_MODEL"),
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			Prompt:   os.Getenv("ASSISTANT_PROMPT"),
		},
	}
	if cfg.DSN == "" {
		return cfg, fmt.Errorf("DB_DSN: %w", ErrMissing)
	}
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET: %w", ErrMissing)
	}

	var err error
	if cfg.NodeID, err = getint("NODE_ID", 1); err != nil {
		return cfg, err
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if cfg.WriteRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return cfg, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
	}
	burst, err := getint("RATE_LIMIT_BURST", int64(cfg.WriteBurst))
	if err != nil {
		return cfg, err
	}
	cfg.WriteBurst = int(burst)

	switch cfg.Assistant.Provider {
	case "":
	case "gemini":
		cfg.Assistant.APIKey = os.Getenv("GEMINI_API_KEY")
	case "openai":
		cfg.Assistant.APIKey = os.Getenv("OPENAI_API_KEY")
	default:
		return cfg, fmt.Errorf("ASSISTANT_PROVIDER: unknown provider %q", cfg.Assistant.Provider)
	}
	if cfg.Assistant.Provider != "" && cfg.Assistant.APIKey == "" {
		return cfg, fmt.Errorf("API key for assistant provider %s: %w", cfg.Assistant.Provider, ErrMissing)
	}
	return cfg, nil
}

// LoadClient reads the CLI settings. Nothing is required.
func LoadClient() (Client, error) {
	loadDotenv()
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".vibez")
	return Client{
		ServerURL:    getenv("VIBEZ_SERVER", "http://localhost:8080"),
		UploadURL:    os.Getenv("MEDIA_UPLOAD_URL"),
		UploadPreset: os.Getenv("MEDIA_UPLOAD_PRESET"),
		SessionFile:  getenv("VIBEZ_SESSION", filepath.Join(dir, "session.json")),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFile:      getenv("VIBEZ_LOG", filepath.Join(dir, "vibez.log")),
		AssistantID:  getenv("VIBEZ_ASSISTANT_ID", "1"),
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"pergola/internal/auth"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile    string
	AdminAddr string
	APIAddr   string
	// AuthSecret is the raw HS256 signing secret, any string. AuthConfig
	// encodes it for auth.Config.
	AuthSecret    string
	TokenExpiry   time.Duration
	LogLevel      string
	LogFormat     string
	QueueSize     int
	PingInterval  time.Duration
	PresenceScope string
}

func Load(cliMode bool) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", auth.DefaultTokenExpiry.String()))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}

	pingInterval, err := time.ParseDuration(getEnv("WS_PING_INTERVAL", "25s"))
	if err != nil {
		return nil, fmt.Errorf("WS_PING_INTERVAL: %w", err)
	}

	queueSize, err := strconv.Atoi(getEnv("WS_QUEUE_SIZE", "64"))
	if err != nil {
		return nil, fmt.Errorf("WS_QUEUE_SIZE: %w", err)
	}

	cfg := &Config{
		DBFile:        getEnv("PERGOLA_DB", "pergola.db"),
		AdminAddr:     getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		TokenExpiry:   tokenExpiry,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		QueueSize:     queueSize,
		PingInterval:  pingInterval,
		PresenceScope: getEnv("PRESENCE_SCOPE", "followers"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("WS_QUEUE_SIZE must be greater than 0")
	}

	if c.PingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be greater than 0")
	}

	switch c.PresenceScope {
	case "followers", "global":
	default:
		return fmt.Errorf("PRESENCE_SCOPE must be followers or global, got %q", c.PresenceScope)
	}

	return nil
}

// AuthConfig returns the token settings for auth.NewAuthService.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(c.AuthSecret)),
		TokenExpiry: c.TokenExpiry,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// Config is the server configuration, read from the environment.
type Config struct {
	Port              string
	DataDir           string
	StorageType       string // local or s3
	AWSBucket         string
	AWSRegion         string
	RegistrationToken string

	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	LedgerBackend      string // memory or bolt
	LedgerSweep        time.Duration

	CookieSecure   bool
	AMQPURL        string // relay between instances; each keeps its own storage
	ChannelRecheck time.Duration
}

// LoadConfig reads a .env file if present, then the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using defaults/env vars")
	}

	cfg := Config{
		Port:               envOr("PORT", transport.DefaultServerPort),
		DataDir:            envOr("DATA_DIR", "server_data"),
		StorageType:        envOr("STORAGE_TYPE", "local"),
		AWSBucket:          os.Getenv("AWS_BUCKET"),
		AWSRegion:          os.Getenv("AWS_REGION"),
		RegistrationToken:  os.Getenv("REGISTRATION_TOKEN"),
		AccessTokenSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: os.Getenv("REFRESH_TOKEN_SECRET"),
		LedgerBackend:      envOr("LEDGER_BACKEND", "memory"),
		AMQPURL:            os.Getenv("AMQP_URL"),
	}

	var err error
	if cfg.AccessTokenTTL, err = envDuration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.LedgerSweep, err = envDuration("LEDGER_SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ChannelRecheck, err = envDuration("CHANNEL_RECHECK_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CookieSecure, err = envBool("COOKIE_SECURE", true); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no safe default.
func (c Config) Validate() error {
	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET are required")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("access and refresh token secrets must differ")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		return errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL")
	}
	switch c.StorageType {
	case "local":
	case "s3":
		if c.AWSBucket == "" {
			return fmt.Errorf("AWS_BUCKET required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}
	switch c.LedgerBackend {
	case "memory", "bolt":
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	return nil
}

// Addr returns the listen address with a leading colon.
func (c Config) Addr() string {
	if c.Port == "" {
		return transport.DefaultServerPort
	}
	if c.Port[0] != ':' {
		return ":" + c.Port
	}
	return c.Port
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

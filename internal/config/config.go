// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port            int           `env:"PORT,default=8083" validate:"min=1,max=65535"`
	GRPCPort        int           `env:"GRPC_PORT,default=9083" validate:"min=1,max=65535,nefield=Port"`
	DatabaseDSN     string        `env:"DB_DSN"`
	StoreOrigin     string        `env:"STORE_ORIGIN"`
	QueuePath       string        `env:"QUEUE_PATH"`
	AMQPURL         string        `env:"AMQP_URL"`
	AMQPExchange    string        `env:"AMQP_EXCHANGE,default=messaging.events" validate:"required_with=AMQPURL"`
	OTLPEndpoint    string        `env:"OTLP_ENDPOINT"`
	JWTSecret       string        `env:"JWT_SECRET" validate:"required,min=16"`
	TypingTTL       time.Duration `env:"TYPING_TTL,default=8s" validate:"gt=0"`
	HubBuffer       int           `env:"HUB_BUFFER,default=64" validate:"min=1"`
	PageLimitMax    int           `env:"PAGE_LIMIT_MAX,default=200" validate:"min=1"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL,default=5s" validate:"gt=0"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn warning error"`
	LogFormat       string        `env:"LOG_FORMAT,default=json" validate:"oneof=json text"`
	DebugRoutes     bool          `env:"DEBUG_ROUTES,default=false"`
	Environment     string        `env:"APP_ENV,default=development"`
}

// Load reads an optional .env file and then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnviron()
}

// FromEnviron decodes and validates the current environment.
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if cfg.StoreOrigin == "" {
		host, _ := os.Hostname()
		cfg.StoreOrigin = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// GRPCAddr is the gRPC listen address.
func (c Config) GRPCAddr() string { return fmt.Sprintf(":%d", c.GRPCPort) }

// NewLogger builds the process logger and installs it as the slog default.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel), AddSource: true}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

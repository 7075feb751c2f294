// Package server provides configuration helpers that define runtime defaults,
// validation, and environment loading for the room relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/room"
)

// Config holds the server configuration settings.
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	AllowedOrigins     []string
	MaxMessageSize     int64
	SendBuffer         int
	HistoryLimit       int
	PasswordIterations int
	RoomIDLength       int
	IdleRoomTTL        time.Duration
	SweepInterval      time.Duration
	ShutdownTimeout    time.Duration
}

const (
	defaultPort            = ":8080"
	defaultEnv             = "dev"
	defaultLogLevel        = "info"
	defaultMaxMessageSize  = 4096
	defaultSendBuffer      = 256
	defaultRoomIDLength    = 11
	defaultSweepInterval   = time.Minute
	defaultShutdownTimeout = 10 * time.Second
	maxRoomIDLength        = 64
)

func defaultConfig() Config {
	return Config{
		Port:               defaultPort,
		Env:                defaultEnv,
		LogLevel:           defaultLogLevel,
		AllowedOrigins:     []string{"*"},
		MaxMessageSize:     defaultMaxMessageSize,
		SendBuffer:         defaultSendBuffer,
		HistoryLimit:       room.DefaultHistoryLimit,
		PasswordIterations: credential.DefaultIterations,
		RoomIDLength:       defaultRoomIDLength,
		SweepInterval:      defaultSweepInterval,
		ShutdownTimeout:    defaultShutdownTimeout,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Sanitize returns a copy of cfg with invalid values replaced by defaults.
func (cfg Config) Sanitize() Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.Env == "" {
		cfg.Env = defaultEnv
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = room.DefaultHistoryLimit
	}
	if cfg.PasswordIterations < credential.MinIterations {
		cfg.PasswordIterations = credential.DefaultIterations
	}
	if cfg.PasswordIterations > credential.MaxIterations {
		cfg.PasswordIterations = credential.MaxIterations
	}
	if cfg.RoomIDLength < 2 || cfg.RoomIDLength > maxRoomIDLength {
		cfg.RoomIDLength = defaultRoomIDLength
	}
	if cfg.IdleRoomTTL < 0 {
		cfg.IdleRoomTTL = 0
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Env = env
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if buffer := os.Getenv("SEND_BUFFER"); buffer != "" {
		cfg.SendBuffer = parseIntValue(buffer, cfg.SendBuffer)
	}

	if limit := os.Getenv("HISTORY_LIMIT"); limit != "" {
		cfg.HistoryLimit = parseIntValue(limit, cfg.HistoryLimit)
	}

	if iterations := os.Getenv("PASSWORD_ITERATIONS"); iterations != "" {
		cfg.PasswordIterations = parseIntValue(iterations, cfg.PasswordIterations)
	}

	if length := os.Getenv("ROOM_ID_LENGTH"); length != "" {
		cfg.RoomIDLength = parseIntValue(length, cfg.RoomIDLength)
	}

	if ttl := os.Getenv("IDLE_ROOM_TTL"); ttl != "" {
		cfg.IdleRoomTTL = parseSeconds(ttl, cfg.IdleRoomTTL)
	}

	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		cfg.SweepInterval = parseSeconds(interval, cfg.SweepInterval)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	sanitized := cfg.Sanitize()
	return &sanitized
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

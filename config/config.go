// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// envPrefix namespaces every variable, e.g. RELAY_PORT.
const envPrefix = "relay"

// Config holds the runtime settings for the relay process.
type Config struct {
	// Port is the HTTP/websocket listen port.
	Port int `envconfig:"PORT" default:"8080"`
	// AllowedOrigins are the origin patterns accepted on the websocket
	// handshake and the CORS allowlist for the code endpoint.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	// ReadLimitBytes caps a single inbound websocket frame. The default
	// matches the 10MB message ceiling the clients chunk against.
	ReadLimitBytes int64 `envconfig:"READ_LIMIT_BYTES" default:"10485760"`
	// WriteTimeout bounds one outbound websocket write.
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	// SendQueueSize is the per-connection outbound queue length.
	SendQueueSize int `envconfig:"SEND_QUEUE_SIZE" default:"64"`
	// UnclaimedRoomTTL is how long an issued but never-bound code is
	// kept before its room is reclaimed.
	UnclaimedRoomTTL time.Duration `envconfig:"UNCLAIMED_ROOM_TTL" default:"10m"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the optional .env file and processes RELAY_* variables over
// the defaults above.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using process environment")
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

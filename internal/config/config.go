package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// New loads configuration from environment variables into any given struct type.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads ENV_FILE, or .env when unset, into the environment. A missing
// file is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		envfile = ".env"
	}
	if err := godotenv.Load(envfile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Pretty bool   `env:"PRETTY" envDefault:"true"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Prefix   string `env:"PREFIX" envDefault:"yacall:v1"`
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type CallConfig struct {
	Media              []string      `env:"MEDIA" envDefault:"audio" envSeparator:","`
	RingTimeout        time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`
	NegotiationTimeout time.Duration `env:"NEGOTIATION_TIMEOUT" envDefault:"15s"`
	MediaWait          time.Duration `env:"MEDIA_WAIT" envDefault:"2s"`
	PresenceTimeout    time.Duration `env:"PRESENCE_TIMEOUT" envDefault:"500ms"`
	MaxCalls           int           `env:"MAX_CALLS" envDefault:"4"`
}

type ServerConfig struct {
	Addr            string        `env:"YACALL_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"YACALL_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	PresenceTTL     time.Duration `env:"YACALL_PRESENCE_TTL" envDefault:"90s"`

	Log   LogConfig   `envPrefix:"YACALL_LOG_"`
	Redis RedisConfig `envPrefix:"YACALL_REDIS_"`
}

type PeerConfig struct {
	Peer string `env:"YACALL_PEER,required"`
	// Transport is "ws" or "redis".
	Transport   string   `env:"YACALL_TRANSPORT" envDefault:"ws"`
	RelayURL    string   `env:"YACALL_RELAY_URL" envDefault:"ws://localhost:8080/ws"`
	PresenceURL string   `env:"YACALL_PRESENCE_URL"`
	ControlAddr string   `env:"YACALL_CONTROL_ADDR" envDefault:"127.0.0.1:8081"`
	ICEServers  []string `env:"YACALL_ICE_SERVERS" envDefault:"stun:stun.l.google.com:19302" envSeparator:","`
	AutoAccept  bool     `env:"YACALL_AUTO_ACCEPT" envDefault:"false"`
	Devices     bool     `env:"YACALL_DEVICES" envDefault:"false"`
	Silence     bool     `env:"YACALL_SILENCE" envDefault:"true"`

	Call  CallConfig  `envPrefix:"YACALL_CALL_"`
	Log   LogConfig   `envPrefix:"YACALL_LOG_"`
	Redis RedisConfig `envPrefix:"YACALL_REDIS_"`
}

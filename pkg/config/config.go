// Package config loads convsync settings from a viper instance (config file,
// CONVSYNC_ environment variables and bound cobra flags).
package config

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/convsync/pkg/errs"
	"github.com/go-go-golems/convsync/pkg/offlinequeue"
	"github.com/go-go-golems/convsync/pkg/signals"
	"github.com/go-go-golems/convsync/pkg/transport"
)

const EnvPrefix = "CONVSYNC"

const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"

	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Backend is one backend configuration, the config half of a connection key.
type Backend struct {
	Endpoint  string            `mapstructure:"endpoint"`
	Transport string            `mapstructure:"transport"`
	Headers   map[string]string `mapstructure:"headers"`
}

type Connection struct {
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout"`
	PingInterval   time.Duration `mapstructure:"ping-interval"`
	SendBuffer     int           `mapstructure:"send-buffer"`
	HighWaterMark  int           `mapstructure:"high-water-mark"`
}

type Attachments struct {
	MaxPerConversation int      `mapstructure:"max-per-conversation"`
	OwnerID            string   `mapstructure:"owner-id"`
	SignalTypes        []string `mapstructure:"signal-types"`
}

type Queue struct {
	Backend      string        `mapstructure:"backend"`
	Key          string        `mapstructure:"key"`
	SyncInterval time.Duration `mapstructure:"sync-interval"`
	Concurrency  int           `mapstructure:"concurrency"`
	InitialDelay time.Duration `mapstructure:"initial-delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max-delay"`
	Jitter       bool          `mapstructure:"jitter"`
}

type Storage struct {
	SQLitePath string `mapstructure:"sqlite-path"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	Prefix   string `mapstructure:"prefix"`
}

type Settings struct {
	Backends    map[string]Backend `mapstructure:"backends"`
	Connection  Connection         `mapstructure:"connection"`
	Attachments Attachments        `mapstructure:"attachments"`
	Queue       Queue              `mapstructure:"queue"`
	Storage     Storage            `mapstructure:"storage"`
	Redis       Redis              `mapstructure:"redis"`
}

// DefaultDir is $HOME/.convsync, or .convsync when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".convsync"
	}
	return filepath.Join(home, ".convsync")
}

func DefaultConfigFile() string { return filepath.Join(DefaultDir(), "config.yaml") }

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("connection.connect-timeout", 10*time.Second)
	v.SetDefault("connection.write-timeout", 10*time.Second)
	v.SetDefault("connection.ping-interval", 30*time.Second)
	v.SetDefault("connection.send-buffer", 64)
	v.SetDefault("connection.high-water-mark", 48)

	v.SetDefault("attachments.max-per-conversation", 20)
	v.SetDefault("attachments.owner-id", "local")
	v.SetDefault("attachments.signal-types", []string{signals.TypeWorkoutGenerated, signals.TypeWorkoutApproved})

	b := offlinequeue.DefaultBackoffConfig()
	v.SetDefault("queue.backend", QueueSQLite)
	v.SetDefault("queue.key", offlinequeue.DefaultKey)
	v.SetDefault("queue.sync-interval", 15*time.Second)
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.initial-delay", b.InitialDelay)
	v.SetDefault("queue.multiplier", b.Multiplier)
	v.SetDefault("queue.max-delay", b.MaxDelay)
	v.SetDefault("queue.jitter", b.Jitter)

	v.SetDefault("storage.sqlite-path", filepath.Join(DefaultDir(), "convsync.db"))

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "convsync")
	v.SetDefault("redis.consumer", "convsync-1")
	v.SetDefault("redis.prefix", "convsync")
}

// NewViper returns a viper instance with defaults and the CONVSYNC_ env
// binding. A non-empty configFile is read; a missing default config file is
// not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
		return v, nil
	}
	v.SetConfigFile(DefaultConfigFile())
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(DefaultConfigFile()); statErr == nil {
			return nil, errors.Wrapf(err, "read config %s", DefaultConfigFile())
		}
	}
	return v, nil
}

// Load applies defaults, unmarshals v into Settings, then normalizes and
// validates the result.
func Load(v *viper.Viper) (Settings, error) {
	if v == nil {
		return Settings{}, errors.New("config: viper is nil")
	}
	SetDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "config: unmarshal")
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) normalize() {
	backends := make(map[string]Backend, len(s.Backends))
	for name, b := range s.Backends {
		b.Endpoint = strings.TrimSpace(b.Endpoint)
		b.Transport = strings.ToLower(strings.TrimSpace(b.Transport))
		if b.Transport == "" {
			b.Transport = TransportWebSocket
		}
		backends[strings.TrimSpace(name)] = b
	}
	s.Backends = backends
	s.Queue.Backend = strings.ToLower(strings.TrimSpace(s.Queue.Backend))
	s.Attachments.OwnerID = strings.TrimSpace(s.Attachments.OwnerID)
	if s.Connection.HighWaterMark > s.Connection.SendBuffer {
		s.Connection.HighWaterMark = s.Connection.SendBuffer
	}
}

func (s Settings) Validate() error {
	const op = "config.validate"
	if len(s.Backends) == 0 {
		return errs.Validation(op, "backends", "at least one backend is required")
	}
	for _, name := range s.BackendNames() {
		b := s.Backends[name]
		if name == "" {
			return errs.Validation(op, "backends", "backend name is empty")
		}
		switch b.Transport {
		case TransportWebSocket:
			if b.Endpoint == "" {
				return errs.Validation(op, name, "websocket backend needs an endpoint")
			}
		case TransportRedis:
		default:
			return errs.Validation(op, name, "unknown transport %q", b.Transport)
		}
	}
	if s.Attachments.MaxPerConversation < 1 {
		return errs.Validation(op, "attachments.max-per-conversation", "must be >= 1, got %d", s.Attachments.MaxPerConversation)
	}
	if s.Attachments.OwnerID == "" {
		return errs.Validation(op, "attachments.owner-id", "owner id is required")
	}
	switch s.Queue.Backend {
	case QueueSQLite:
		if strings.TrimSpace(s.Storage.SQLitePath) == "" {
			return errs.Validation(op, "storage.sqlite-path", "sqlite queue needs a path")
		}
	case QueueRedis, QueueMemory:
	default:
		return errs.Validation(op, "queue.backend", "unknown queue backend %q", s.Queue.Backend)
	}
	if s.Connection.SendBuffer < 1 {
		return errs.Validation(op, "connection.send-buffer", "must be >= 1")
	}
	return nil
}

// BackendNames returns the configured backend keys, sorted.
func (s Settings) BackendNames() []string {
	out := make([]string, 0, len(s.Backends))
	for name := range s.Backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Endpoints maps each backend key to its endpoint, for registry.Options.
func (s Settings) Endpoints() map[string]string {
	out := make(map[string]string, len(s.Backends))
	for name, b := range s.Backends {
		out[name] = b.Endpoint
	}
	return out
}

func (s Settings) NeedsRedis() bool {
	if s.Queue.Backend == QueueRedis {
		return true
	}
	for _, b := range s.Backends {
		if b.Transport == TransportRedis {
			return true
		}
	}
	return false
}

func (s Settings) Backoff() offlinequeue.BackoffConfig {
	return offlinequeue.BackoffConfig{
		InitialDelay: s.Queue.InitialDelay,
		Multiplier:   s.Queue.Multiplier,
		MaxDelay:     s.Queue.MaxDelay,
		Jitter:       s.Queue.Jitter,
	}
}

func (s Settings) DriverOptions() offlinequeue.DriverOptions {
	return offlinequeue.DriverOptions{
		Interval:    s.Queue.SyncInterval,
		Backoff:     s.Backoff(),
		Concurrency: s.Queue.Concurrency,
	}
}

// WebSocketOptions builds transport options for the named backend.
func (s Settings) WebSocketOptions(backend string) transport.WebSocketOptions {
	o := transport.WebSocketOptions{
		HandshakeTimeout: s.Connection.ConnectTimeout,
		WriteTimeout:     s.Connection.WriteTimeout,
		PingInterval:     s.Connection.PingInterval,
		SendBuffer:       s.Connection.SendBuffer,
		HighWaterMark:    s.Connection.HighWaterMark,
	}
	if b, ok := s.Backends[backend]; ok && len(b.Headers) > 0 {
		o.Header = http.Header{}
		for k, v := range b.Headers {
			o.Header.Set(k, v)
		}
	}
	return o
}

func (s Settings) RedisStreamOptions() transport.RedisStreamOptions {
	return transport.RedisStreamOptions{
		Addr:     s.Redis.Addr,
		Group:    s.Redis.Group,
		Consumer: s.Redis.Consumer,
		Prefix:   s.Redis.Prefix,
	}
}

package framegate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/YuminosukeSato/framegate/internal/framing"
)

// Config holds all configuration for framegate
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig defines listener and connection runtime settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ListenBacklog   int           `mapstructure:"listen_backlog"`
	IdleTimeout     time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`
	MaxConnections  int           `mapstructure:"max_connections"`
	AcceptRate      float64       `mapstructure:"accept_rate"`
	AcceptBurst     int           `mapstructure:"accept_burst"`
	WriteQueueSize  int           `mapstructure:"write_queue_frames"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
}

// ProtocolConfig defines framing and dispatch policy
type ProtocolConfig struct {
	MaxFrameLength  int      `mapstructure:"max_frame_length"`
	MaxAuthFailures int      `mapstructure:"max_auth_failures"`
	AllowedTypes    []uint16 `mapstructure:"allowed_types"`
	AckData         bool     `mapstructure:"ack_data"`
}

// AuthConfig selects and configures the Authenticator
type AuthConfig struct {
	Mode         string   `mapstructure:"mode"`
	Tokens       []string `mapstructure:"tokens"`
	HMACSecret   string   `mapstructure:"hmac_secret"`
	JWTSecret    string   `mapstructure:"jwt_secret"`
	JWTPublicKey string   `mapstructure:"jwt_public_key"`
	CacheSize    int      `mapstructure:"cache_size"`
}

// SinkConfig selects and configures the downstream sink
type SinkConfig struct {
	Type        string        `mapstructure:"type"`
	URL         string        `mapstructure:"url"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisStream string        `mapstructure:"redis_stream"`
	Codec       CodecType     `mapstructure:"codec"`
	Timeout     time.Duration `mapstructure:"-"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines the admin endpoint settings
type MetricsConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Endpoint           string `mapstructure:"endpoint"`
	Path               string `mapstructure:"path"`
	GRPCHealthEndpoint string `mapstructure:"grpc_health_endpoint"`
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/framegate")
	}

	// Read environment variables
	v.SetEnvPrefix("FRAMEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file doesn't exist, we have defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Duration settings are plain integers in files and env vars alike
	cfg.Server.IdleTimeout = time.Duration(v.GetInt("server.idle_timeout_seconds")) * time.Second
	cfg.Server.ShutdownTimeout = time.Duration(v.GetInt("server.shutdown_timeout_seconds")) * time.Second
	cfg.Sink.Timeout = time.Duration(v.GetInt("sink.timeout_ms")) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns the configuration LoadConfig produces when no
// file or environment overrides are present
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            9000,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AcceptBurst:     256,
			WriteQueueSize:  1024,
			ReadBufferSize:  4096,
		},
		Protocol: ProtocolConfig{
			MaxFrameLength: framing.DefaultMaxFrameLength,
			AckData:        true,
		},
		Auth: AuthConfig{
			Mode:      AuthModeToken,
			CacheSize: 1024,
		},
		Sink: SinkConfig{
			Type:        SinkTypeLog,
			RedisStream: "framegate",
			Codec:       CodecJSON,
			Timeout:     2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			TraceEnabled: true,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: ":9090",
			Path:     "/metrics",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.listen_backlog", 0) // OS max
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.accept_rate", 0)
	v.SetDefault("server.accept_burst", d.Server.AcceptBurst)
	v.SetDefault("server.write_queue_frames", d.Server.WriteQueueSize)
	v.SetDefault("server.read_buffer_size", d.Server.ReadBufferSize)

	// Protocol defaults
	v.SetDefault("protocol.max_frame_length", 10485760) // 10MB
	v.SetDefault("protocol.max_auth_failures", 0)       // unlimited retries
	v.SetDefault("protocol.allowed_types", []uint16{})
	v.SetDefault("protocol.ack_data", true)

	// Auth defaults
	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.tokens", []string{})
	v.SetDefault("auth.cache_size", d.Auth.CacheSize)

	// Sink defaults
	v.SetDefault("sink.type", d.Sink.Type)
	v.SetDefault("sink.redis_stream", d.Sink.RedisStream)
	v.SetDefault("sink.codec", string(d.Sink.Codec))
	v.SetDefault("sink.timeout_ms", 2000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.grpc_health_endpoint", "")
}

// Validate rejects settings the runtime cannot honor
func (c *Config) Validate() error {
	if c.Protocol.MaxFrameLength < framing.MinFrameLength {
		return fmt.Errorf("protocol.max_frame_length must be >= %d, got %d",
			framing.MinFrameLength, c.Protocol.MaxFrameLength)
	}
	if c.Protocol.MaxAuthFailures < 0 {
		return fmt.Errorf("protocol.max_auth_failures must be >= 0")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.IdleTimeout < 0 || c.Server.ShutdownTimeout < 0 || c.Sink.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Server.MaxConnections < 0 || c.Server.ListenBacklog < 0 {
		return fmt.Errorf("server limits must not be negative")
	}
	switch c.Auth.Mode {
	case AuthModeToken, AuthModeHMAC, AuthModeJWT, AuthModeAllowAll:
	default:
		return fmt.Errorf("unknown auth.mode: %q", c.Auth.Mode)
	}
	switch c.Sink.Type {
	case SinkTypeLog, SinkTypeMem, SinkTypePubSub, SinkTypeRedis:
	default:
		return fmt.Errorf("unknown sink.type: %q", c.Sink.Type)
	}
	if _, err := NewCodec(c.Sink.Codec); err != nil {
		return err
	}
	return nil
}

// Addr returns the host:port the server listens on
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// allowedTypeSet converts the whitelist to a lookup set
func (c ProtocolConfig) allowedTypeSet() map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(c.AllowedTypes))
	for _, code := range c.AllowedTypes {
		set[code] = struct{}{}
	}
	return set
}

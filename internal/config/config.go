package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "INBOXSYNC"
	defaultHTTPAddress         = "127.0.0.1:8787"
	defaultDatabasePath        = "inboxsync.db"
	defaultLogLevel            = "info"
	defaultTransport           = TransportWebSocket
	defaultChannelPrefix       = "inbox"
	defaultKafkaTopicPrefix    = "inbox."
	defaultPresenceBackend     = PresenceBackendSQL
	defaultPresenceInterval    = 30 * time.Second
	defaultPresenceTTL         = 10 * time.Second
	defaultRedisPrefix         = "inbox"
	defaultAPITimeout          = 15 * time.Second
	defaultAPIRatePerSecond    = 10.0
	defaultAPIBurst            = 5
	defaultBreakerMaxFailures  = 5
	defaultBreakerOpenTimeout  = 30 * time.Second
	defaultAuthIssuer          = "inboxsync"
	defaultAuthCookieName      = "inbox_session"
	defaultSessionTTL          = 12 * time.Hour
	defaultStreamHeartbeat     = 25 * time.Second
	defaultTimelineLocation    = "Local"
	defaultEventLoopQueueDepth = 256
)

// Transport names accepted by realtime.transport.
const (
	TransportMemory    = "memory"
	TransportWebSocket = "websocket"
	TransportKafka     = "kafka"
)

// Presence backends accepted by presence.backend.
const (
	PresenceBackendSQL   = "sql"
	PresenceBackendRedis = "redis"
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	StreamHeartbeat time.Duration
	DatabasePath    string
	LogLevel        string

	Transport          string
	RealtimeURL        string
	RealtimeToken      string
	ChannelPrefix      string
	KafkaBrokers       []string
	KafkaTopicPrefix   string
	EventLoopQueueSize int

	PresenceBackend  string
	PresenceInterval time.Duration
	PresenceTTL      time.Duration
	RedisAddress     string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string

	APIBaseURL            string
	APIToken              string
	APITimeout            time.Duration
	APIRatePerSecond      float64
	APIBurst              int
	APIBreakerMaxFailures uint32
	APIBreakerOpenTimeout time.Duration

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthSessionTTL    time.Duration

	TimelineLocation *time.Location
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.stream_heartbeat", defaultStreamHeartbeat)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("realtime.transport", defaultTransport)
	configViper.SetDefault("realtime.channel_prefix", defaultChannelPrefix)
	configViper.SetDefault("realtime.queue_size", defaultEventLoopQueueDepth)
	configViper.SetDefault("kafka.topic_prefix", defaultKafkaTopicPrefix)

	configViper.SetDefault("presence.backend", defaultPresenceBackend)
	configViper.SetDefault("presence.poll_interval", defaultPresenceInterval)
	configViper.SetDefault("presence.typing_ttl", defaultPresenceTTL)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)

	configViper.SetDefault("api.timeout", defaultAPITimeout)
	configViper.SetDefault("api.rate_per_second", defaultAPIRatePerSecond)
	configViper.SetDefault("api.burst", defaultAPIBurst)
	configViper.SetDefault("api.breaker_max_failures", defaultBreakerMaxFailures)
	configViper.SetDefault("api.breaker_open_timeout", defaultBreakerOpenTimeout)

	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)

	configViper.SetDefault("timeline.location", defaultTimelineLocation)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("timeline.location")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("timeline.location: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  SplitList(configViper.GetStringSlice("http.allowed_origins")),
		StreamHeartbeat: configViper.GetDuration("http.stream_heartbeat"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),

		Transport:          strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.transport"))),
		RealtimeURL:        configViper.GetString("realtime.url"),
		RealtimeToken:      configViper.GetString("realtime.token"),
		ChannelPrefix:      configViper.GetString("realtime.channel_prefix"),
		EventLoopQueueSize: configViper.GetInt("realtime.queue_size"),
		KafkaBrokers:       SplitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaTopicPrefix:   configViper.GetString("kafka.topic_prefix"),

		PresenceBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("presence.backend"))),
		PresenceInterval: configViper.GetDuration("presence.poll_interval"),
		PresenceTTL:      configViper.GetDuration("presence.typing_ttl"),
		RedisAddress:     configViper.GetString("redis.addr"),
		RedisPassword:    configViper.GetString("redis.password"),
		RedisDB:          configViper.GetInt("redis.db"),
		RedisPrefix:      configViper.GetString("redis.prefix"),

		APIBaseURL:            configViper.GetString("api.base_url"),
		APIToken:              configViper.GetString("api.token"),
		APITimeout:            configViper.GetDuration("api.timeout"),
		APIRatePerSecond:      configViper.GetFloat64("api.rate_per_second"),
		APIBurst:              configViper.GetInt("api.burst"),
		APIBreakerMaxFailures: configViper.GetUint32("api.breaker_max_failures"),
		APIBreakerOpenTimeout: configViper.GetDuration("api.breaker_open_timeout"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthSessionTTL:    configViper.GetDuration("auth.session_ttl"),

		TimelineLocation: location,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch c.Transport {
	case TransportMemory:
	case TransportWebSocket:
		if strings.TrimSpace(c.RealtimeURL) == "" {
			return fmt.Errorf("realtime.url is required for the websocket transport")
		}
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka transport")
		}
	default:
		return fmt.Errorf("realtime.transport %q is not supported", c.Transport)
	}
	switch c.PresenceBackend {
	case PresenceBackendSQL:
	case PresenceBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.addr is required for the redis presence backend")
		}
	default:
		return fmt.Errorf("presence.backend %q is not supported", c.PresenceBackend)
	}
	if c.PresenceInterval <= 0 {
		return fmt.Errorf("presence.poll_interval must be positive")
	}
	return nil
}

// SplitList accepts both repeated values and a single comma separated env value.
func SplitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

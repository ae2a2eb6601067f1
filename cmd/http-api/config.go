package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/uswitch/subscriptions/pkg/authnz"
	"github.com/uswitch/subscriptions/pkg/middleware"
	"github.com/uswitch/subscriptions/pkg/observability"
	"github.com/uswitch/subscriptions/pkg/pubsub"
)

type ServerConfig struct {
	Addr string

	WriteTimeoutSecs uint
	ReadTimeoutSecs  uint
	IdleTimeoutSecs  uint
}

type WSConfig struct {
	ReadBufferSize  int
	WriteBufferSize int

	AllowedOrigins []string

	WriteTimeoutSecs uint
}

type ApiConfig struct {
	Server ServerConfig
	CORS   middleware.CORSConfig
	WS     WSConfig
}

type OpsConfig struct {
	Server ServerConfig
}

type LogConfig struct {
	Level  string
	Pretty bool
	Audit  bool
}

type ProtocolConfig struct {
	// zero disables keep-alive messages
	KeepAliveSecs       uint
	ShutdownTimeoutSecs uint
	AuthTokenKey        string
}

type BreakerConfig struct {
	MaxRequests         uint32
	IntervalSecs        uint
	TimeoutSecs         uint
	ConsecutiveFailures uint32
}

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	DialTimeoutSecs uint

	Breaker BreakerConfig
}

type PubSubConfig struct {
	// inmem or redis
	Backend string
	Redis   RedisConfig
}

type TracingConfig struct {
	// OTLP gRPC endpoint, tracing is off when empty
	Endpoint    string
	ServiceName string
}

type Config struct {
	Api ApiConfig
	Ops OpsConfig

	GracefulTimeoutSecs uint

	Log      LogConfig
	Protocol ProtocolConfig
	PubSub   PubSubConfig
	Tracing  TracingConfig

	Providers []authnz.OIDCConfig
	// user of every request when no providers are configured
	AnonymousUser string
}

func defaultConfig() Config {
	return Config{
		GracefulTimeoutSecs: 15,
		Api: ApiConfig{
			Server: ServerConfig{
				Addr: "127.0.0.1:8080",

				WriteTimeoutSecs: 15,
				ReadTimeoutSecs:  15,
				IdleTimeoutSecs:  60,
			},
			CORS: middleware.CORSConfig{
				AllowedOrigins: []string{},
				MaxAge:         86400, // 24 hours
			},
			WS: WSConfig{
				AllowedOrigins:   []string{},
				ReadBufferSize:   1024,
				WriteBufferSize:  1024,
				WriteTimeoutSecs: 10,
			},
		},
		Ops: OpsConfig{
			Server: ServerConfig{
				Addr: "127.0.0.1:8081",

				WriteTimeoutSecs: 15,
				ReadTimeoutSecs:  15,
				IdleTimeoutSecs:  60,
			},
		},
		Log: LogConfig{
			Level: "info",
			Audit: true,
		},
		Protocol: ProtocolConfig{
			ShutdownTimeoutSecs: 5,
			AuthTokenKey:        authnz.DefaultTokenKey,
		},
		PubSub: PubSubConfig{
			Backend: "inmem",
			Redis: RedisConfig{
				Addr:            "127.0.0.1:6379",
				DialTimeoutSecs: 5,
				Breaker: BreakerConfig{
					MaxRequests:         1,
					IntervalSecs:        60,
					TimeoutSecs:         30,
					ConsecutiveFailures: 5,
				},
			},
		},
		Tracing: TracingConfig{
			ServiceName: "subscriptions",
		},
		AnonymousUser: "anonymous",
	}
}

func secs(n uint) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) validate() error {
	for idx := range c.Providers {
		provider := &c.Providers[idx]

		if _, err := url.Parse(provider.URL); err != nil || provider.URL == "" {
			return fmt.Errorf("provider %d has an invalid URL '%s': %v", idx, provider.URL, err)
		}

		if provider.ClientID == "" {
			return fmt.Errorf("provider %s needs a client id", provider.URL)
		}

		if provider.UserClaim == "" {
			provider.UserClaim = "sub"
		}
	}

	if len(c.Providers) == 0 && c.AnonymousUser == "" {
		return fmt.Errorf("You need an OIDC provider or an anonymous user")
	}

	for _, origin := range c.Api.CORS.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if _, err := url.Parse(origin); err != nil {
			return fmt.Errorf("%v has an invalid URL '%s': %v", c.Api.CORS.AllowedOrigins, origin, err)
		}
	}

	for _, origin := range c.Api.WS.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if _, err := url.Parse(origin); err != nil {
			return fmt.Errorf("%v has an invalid URL '%s': %v", c.Api.WS.AllowedOrigins, origin, err)
		}
	}

	if _, ok := observability.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("unknown log level '%s'", c.Log.Level)
	}

	switch strings.ToLower(c.PubSub.Backend) {
	case "inmem":
	case "redis":
		if c.PubSub.Redis.Addr == "" {
			return fmt.Errorf("the redis pubsub backend needs an address")
		}
	default:
		return fmt.Errorf("unknown pubsub backend '%s'", c.PubSub.Backend)
	}

	return nil
}

func (c RedisConfig) pubsubConfig() pubsub.RedisConfig {
	return pubsub.RedisConfig{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: secs(c.DialTimeoutSecs),
		Breaker: pubsub.BreakerConfig{
			MaxRequests:         c.Breaker.MaxRequests,
			Interval:            secs(c.Breaker.IntervalSecs),
			Timeout:             secs(c.Breaker.TimeoutSecs),
			ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		},
	}
}

func ConfigFromPath(path string) (*Config, error) {
	config := defaultConfig()

	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

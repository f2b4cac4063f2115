package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port       int    `mapstructure:"port"`
		InstanceID string `mapstructure:"instanceId"`
		// base url other services use to reach this instance
		AdvertiseURL   string   `mapstructure:"advertiseUrl"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"running"`
	Redis struct {
		// one address means a single node, several a cluster
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Bus struct {
		Driver  string `mapstructure:"driver"` // redis | kafka | memory
		Channel string `mapstructure:"channel"`
	} `mapstructure:"bus"`
	Kafka struct {
		Brokers     []string `mapstructure:"brokers"`
		Topic       string   `mapstructure:"topic"`
		GroupPrefix string   `mapstructure:"groupPrefix"`
		Dispatcher  struct {
			QueueSize      int           `mapstructure:"queueSize"`
			Workers        int           `mapstructure:"workers"`
			MaxRetry       int           `mapstructure:"maxRetry"`
			BaseBackoff    time.Duration `mapstructure:"baseBackoff"`
			MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
			MaxConcurrency int64         `mapstructure:"maxConcurrency"`
		} `mapstructure:"dispatcher"`
	} `mapstructure:"kafka"`
	MySQL struct {
		// empty disables the archive
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Engine struct {
		SnapshotTTL        time.Duration `mapstructure:"snapshotTtl"`
		SweepInterval      time.Duration `mapstructure:"sweepInterval"`
		IdleThreshold      time.Duration `mapstructure:"idleThreshold"`
		RecentOpsLimit     int           `mapstructure:"recentOpsLimit"`
		MaxConcurrentEdits int64         `mapstructure:"maxConcurrentEdits"`
	} `mapstructure:"engine"`
	Auth struct {
		Mode   string `mapstructure:"mode"` // none | jwt | remote
		Secret string `mapstructure:"secret"`
		Path   string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Presence struct {
		TTL       time.Duration `mapstructure:"ttl"`
		Heartbeat time.Duration `mapstructure:"heartbeat"`
	} `mapstructure:"presence"`
	Gateway struct {
		Port     int           `mapstructure:"port"`
		Backends []string      `mapstructure:"backends"`
		Refresh  time.Duration `mapstructure:"refresh"`
		AuthPath string        `mapstructure:"authPath"`
	} `mapstructure:"gateway"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
}

const envPrefix = "DOCSYNC"

var searchPaths = []string{"./backend/config", "./config", "."}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.allowedOrigins", []string{})
	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.channel", "document-updates")
	v.SetDefault("kafka.topic", "document-updates")
	v.SetDefault("kafka.groupPrefix", "docsync")
	v.SetDefault("kafka.dispatcher.queueSize", 10_000)
	v.SetDefault("kafka.dispatcher.workers", 4)
	v.SetDefault("kafka.dispatcher.maxRetry", 3)
	v.SetDefault("kafka.dispatcher.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.dispatcher.maxBackoff", time.Second)
	v.SetDefault("kafka.dispatcher.maxConcurrency", 16)
	v.SetDefault("engine.snapshotTtl", 24*time.Hour)
	v.SetDefault("engine.sweepInterval", 5*time.Minute)
	v.SetDefault("engine.idleThreshold", 30*time.Minute)
	v.SetDefault("engine.recentOpsLimit", 50)
	v.SetDefault("engine.maxConcurrentEdits", 256)
	v.SetDefault("auth.mode", "none")
	v.SetDefault("presence.ttl", 30*time.Second)
	v.SetDefault("presence.heartbeat", 10*time.Second)
	v.SetDefault("gateway.port", 3000)
	v.SetDefault("gateway.refresh", 5*time.Second)
	v.SetDefault("log.level", "info")
}

// Load reads collabConfig.yaml from the usual places (a missing file is
// fine), applies DOCSYNC_* overrides, and validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = searchPaths
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	if c.Running.InstanceID == "" {
		c.Running.InstanceID = uuid.NewString()
	}
	if c.Running.AdvertiseURL == "" {
		c.Running.AdvertiseURL = fmt.Sprintf("http://127.0.0.1:%d", c.Running.Port)
	}
	switch c.Bus.Driver {
	case "redis", "memory":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("config: bus.driver kafka needs kafka.brokers")
		}
	default:
		return fmt.Errorf("config: unknown bus.driver %q", c.Bus.Driver)
	}
	switch c.Auth.Mode {
	case "none":
	case "jwt":
		if c.Auth.Secret == "" {
			return errors.New("config: auth.mode jwt needs auth.secret")
		}
	case "remote":
		if c.Auth.Path == "" {
			return errors.New("config: auth.mode remote needs auth.path")
		}
	default:
		return fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode)
	}
	return nil
}

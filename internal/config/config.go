// Package config loads the service configuration from a YAML file with
// environment overrides. A .env file is honoured when present.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Bus        BusConfig        `yaml:"bus"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type InstanceConfig struct {
	ID string `yaml:"id"`
	// Service identity: ed25519 signing key and its certificate chain.
	KeyPath  string `yaml:"key_path"`
	CertPath string `yaml:"cert_path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type BusConfig struct {
	URL      string `yaml:"url"`
	Prefetch int    `yaml:"prefetch"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Certificate claims cache TTL in seconds.
	CacheTTL int `yaml:"cache_ttl"`
}

type MonitoringConfig struct {
	Port string `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads the YAML configuration at path, then applies environment
// overrides. Path may be empty, in which case only the environment and
// defaults apply.
func Load(path string) (*Config, error) {
	// Best effort; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}

	overrideString(&cfg.Instance.ID, "INSTANCE_ID")
	overrideString(&cfg.Instance.KeyPath, "CERT_KEY_PATH")
	overrideString(&cfg.Instance.CertPath, "CERT_CHAIN_PATH")
	overrideString(&cfg.Mongo.URI, "MONGO_URI")
	overrideString(&cfg.Mongo.Database, "MONGO_DATABASE")
	overrideString(&cfg.Bus.URL, "AMQP_URL")
	overrideInt(&cfg.Bus.Prefetch, "AMQP_PREFETCH")
	overrideString(&cfg.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideInt(&cfg.Redis.DB, "REDIS_DB")
	overrideString(&cfg.Monitoring.Port, "MONITORING_PORT")
	overrideString(&cfg.Logging.Level, "LOG_LEVEL")

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "millegrilles"
	}
	if c.Bus.URL == "" {
		c.Bus.URL = "amqps://localhost:5673"
	}
	if c.Bus.Prefetch == 0 {
		c.Bus.Prefetch = 1
	}
	if c.Redis.CacheTTL == 0 {
		c.Redis.CacheTTL = 300
	}
	if c.Monitoring.Port == "" {
		c.Monitoring.Port = "8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

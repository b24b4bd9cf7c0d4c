package config

import (
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// DispatcherConfig tunes the outbox polling worker. Durations are seconds.
type DispatcherConfig struct {
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	BatchSize       int    `yaml:"batch_size"`
	MaxAttempts     int    `yaml:"max_attempts"`
	BackoffBaseSec  int    `yaml:"backoff_base_sec"`
	BackoffMaxSec   int    `yaml:"backoff_max_sec"`
	QuarantineSec   int    `yaml:"quarantine_sec"`
	RPS             int    `yaml:"rps"`
	Burst           int    `yaml:"burst"`
	Channel         string `yaml:"channel"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}

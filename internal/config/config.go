// Package config loads hub configuration from an optional YAML file with
// environment variables layered on top. Environment always wins so deploys
// can override a baked-in config file per node.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type ServerConfig struct {
	Port          string `yaml:"port" envconfig:"PORT"`
	Region        string `yaml:"region" envconfig:"HUB_REGION"`
	SecretKeyBase string `yaml:"secret_key_base" envconfig:"SECRET_KEY_BASE"`
	// AllowedOrigins is a comma-separated browser origin allowlist for the
	// WebSocket upgrade. Empty allows every origin.
	AllowedOrigins string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
}

type ClusterConfig struct {
	// Strategy is one of none, gossip, dns, epmd. Anything but none
	// requires Redis for the cross-node pub/sub bridge.
	Strategy string `yaml:"strategy" envconfig:"CLUSTER_STRATEGY"`
}

type StorageConfig struct {
	RedisURL    string `yaml:"redis_url" envconfig:"REDIS_URL"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	// TaskStore is "ets" (in-process) or "redis".
	TaskStore string `yaml:"task_store" envconfig:"TASK_STORE"`
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers" envconfig:"KAFKA_BROKERS"`
}

var validStrategies = map[string]bool{
	"none": true, "gossip": true, "dns": true, "epmd": true,
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Port: "4000"},
		Cluster: ClusterConfig{Strategy: "none"},
		Storage: StorageConfig{TaskStore: "ets"},
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	for _, section := range []interface{}{
		&cfg.Server, &cfg.Cluster, &cfg.Storage, &cfg.Kafka,
	} {
		if err := envconfig.Process("", section); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !validStrategies[c.Cluster.Strategy] {
		return fmt.Errorf("invalid CLUSTER_STRATEGY %q", c.Cluster.Strategy)
	}
	if c.Storage.TaskStore != "ets" && c.Storage.TaskStore != "redis" {
		return fmt.Errorf("invalid TASK_STORE %q", c.Storage.TaskStore)
	}
	if c.Cluster.Strategy != "none" && c.Storage.RedisURL == "" {
		return fmt.Errorf("CLUSTER_STRATEGY %q requires REDIS_URL", c.Cluster.Strategy)
	}
	if c.Storage.TaskStore == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("TASK_STORE redis requires REDIS_URL")
	}
	return nil
}

// Addr is the HTTP listen address derived from the port.
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}

// Origins splits the origin allowlist, dropping empty entries.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

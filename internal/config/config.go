// Package config loads the process configuration from file and
// environment. Keys can be set in a YAML config file or as environment
// variables prefixed with SYNQX_ (dots replaced by underscores).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the control plane and agents.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Redis     Redis     `mapstructure:"redis"`
	Engine    Engine    `mapstructure:"engine"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Agent     Agent     `mapstructure:"agent"`
	Cache     Cache     `mapstructure:"cache"`
	Log       Log       `mapstructure:"log"`
}

type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type Redis struct {
	URL string `mapstructure:"url"`
}

type Engine struct {
	// QuarantineRows caps the in-memory forensic buffer for quarantined
	// rows on nodes without a quarantine asset.
	QuarantineRows int `mapstructure:"quarantine_rows"`
	// ChunkBuffer is the bounded per-edge chunk channel size.
	ChunkBuffer int `mapstructure:"chunk_buffer"`
}

type Scheduler struct {
	Tick    time.Duration `mapstructure:"tick"`
	SLATick time.Duration `mapstructure:"sla_tick"`
}

type Agent struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessWindow    time.Duration `mapstructure:"liveness_window"`
	ServerURL         string        `mapstructure:"server_url"`
	ClientID          string        `mapstructure:"client_id"`
	APIKey            string        `mapstructure:"api_key"`
	Groups            []string      `mapstructure:"groups"`
	Concurrency       int           `mapstructure:"concurrency"`
}

type Cache struct {
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the optional file path and the
// environment, applying defaults for unset keys.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("synqx")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("engine.quarantine_rows", 10000)
	v.SetDefault("engine.chunk_buffer", 4)
	v.SetDefault("scheduler.tick", time.Minute)
	v.SetDefault("scheduler.sla_tick", 5*time.Minute)
	v.SetDefault("agent.heartbeat_interval", 30*time.Second)
	v.SetDefault("agent.liveness_window", 2*time.Minute)
	v.SetDefault("agent.concurrency", 1)
	v.SetDefault("cache.result_ttl", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

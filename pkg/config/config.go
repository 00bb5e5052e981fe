// Package config loads chat-agent settings: defaults, then an optional YAML
// file, then CHAT_AGENT_* environment variables (a .env file is read first).
// Command-line flags are applied on top by the caller.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatagent/pkg/redisstream"
)

const EnvPrefix = "CHAT_AGENT_"

type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	EvictIdle     time.Duration `yaml:"evict_idle"`
	EvictInterval time.Duration `yaml:"evict_interval"`
	SendBuffer    int           `yaml:"send_buffer"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	// DBPath is the SQLite file holding conversation logs. Empty keeps logs
	// in memory.
	DBPath string `yaml:"db_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type GeneratorConfig struct {
	Name   string        `yaml:"name"`
	Delay  time.Duration `yaml:"delay"`
	Prefix string        `yaml:"prefix"`
}

type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Storage   StorageConfig        `yaml:"storage"`
	Logging   LoggingConfig        `yaml:"logging"`
	Generator GeneratorConfig      `yaml:"generator"`
	Redis     redisstream.Settings `yaml:"redis"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			EvictIdle:     15 * time.Minute,
			EvictInterval: time.Minute,
			SendBuffer:    256,
			WriteTimeout:  10 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		Generator: GeneratorConfig{Name: "echo"},
		Redis:     redisstream.DefaultSettings(),
	}
}

// Load builds the effective configuration. dotenv and path may be empty; a
// missing dotenv file is not an error, a missing config file is.
func Load(path, dotenv string) (Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "load %s", dotenv)
		}
	}
	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// ApplyEnv overlays CHAT_AGENT_* variables found through lookup onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, EnvPrefix+name+": "+err.Error())
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, EnvPrefix+name+": "+err.Error())
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, EnvPrefix+name+": "+err.Error())
				return
			}
			*dst = b
		}
	}

	str("ADDR", &cfg.Server.Addr)
	dur("EVICT_IDLE", &cfg.Server.EvictIdle)
	dur("EVICT_INTERVAL", &cfg.Server.EvictInterval)
	num("SEND_BUFFER", &cfg.Server.SendBuffer)
	dur("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	str("DB", &cfg.Storage.DBPath)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("GENERATOR", &cfg.Generator.Name)
	dur("ECHO_DELAY", &cfg.Generator.Delay)
	str("ECHO_PREFIX", &cfg.Generator.Prefix)
	flag("REDIS_ENABLED", &cfg.Redis.Enabled)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_GROUP", &cfg.Redis.Group)
	str("REDIS_CONSUMER", &cfg.Redis.Consumer)

	if len(errs) > 0 {
		return errors.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server addr is required")
	}
	if c.Server.EvictIdle < 0 || c.Server.EvictInterval < 0 {
		return errors.New("eviction durations must not be negative")
	}
	if c.Server.SendBuffer < 0 {
		return errors.New("send buffer must not be negative")
	}
	if c.Generator.Delay < 0 {
		return errors.New("generator delay must not be negative")
	}
	return c.Redis.Validate()
}

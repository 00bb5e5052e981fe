package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chat-agent",
		Consumer: "chat-agent-1",
	}
}

// Validate checks the settings needed when the transport is enabled.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis addr is required when redis is enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis consumer group is required when redis is enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis consumer name is required when redis is enabled")
	}
	return nil
}

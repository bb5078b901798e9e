// Package config loads the worker's YAML configuration (spec.md §6.3):
// the broker endpoint and, per event type, the event pipeline, generators,
// and output pipeline spec.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// QueueConfig is the queue.backend block (spec.md §6.3).
type QueueConfig struct {
	Backend          string        `yaml:"backend"`
	Host             string        `yaml:"host"`
	Port             string        `yaml:"port"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	VirtualHost      string        `yaml:"virtual_host"`
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
}

// OutputSpec is the tagged variant an event's `output` key takes: either a
// dotted path to a generator callable, or a flat list of backend class
// paths — sugar for "yield send(*backends)" (spec.md §6.3, §9).
type OutputSpec struct {
	Generator string
	Backends  []string
}

// UnmarshalYAML accepts either form: a YAML sequence becomes Backends, a
// scalar becomes Generator.
func (o *OutputSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var backends []string
		if err := value.Decode(&backends); err != nil {
			return fmt.Errorf("config: decode output backend list: %w", err)
		}
		o.Backends = backends
		return nil
	case yaml.ScalarNode:
		var generator string
		if err := value.Decode(&generator); err != nil {
			return fmt.Errorf("config: decode output generator path: %w", err)
		}
		o.Generator = generator
		return nil
	default:
		return fmt.Errorf("config: output must be a string or a list of strings, got %v", value.Kind)
	}
}

// EventConfig is one `events.<type>` block.
type EventConfig struct {
	EventPipeline    []string   `yaml:"event_pipeline"`
	Generators       []string   `yaml:"generators"`
	Output           OutputSpec `yaml:"output"`
	AvailableOutputs []string   `yaml:"available_outputs"`
}

// Config is the whole worker configuration document.
type Config struct {
	Queue  QueueConfig            `yaml:"queue"`
	// CleanupTimeout bounds how long a tmp generation queue may sit idle
	// before the worker's single Generation consumer cancels and deletes
	// it (spec.md §4.4). Applies to every event type, since there is one
	// Generation consumer per worker, not one per event type.
	CleanupTimeout time.Duration          `yaml:"cleanup_timeout"`
	Events         map[string]EventConfig `yaml:"events"`
}

// Load reads path as YAML, first applying a .env file from the current
// working directory (if present) so deployment secrets can be kept out of
// the committed config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	applyEnvOverrides(&cfg.Queue)
	return &cfg, nil
}

// applyEnvOverrides lets deployment environment variables win over the
// checked-in config file for connection details.
func applyEnvOverrides(q *QueueConfig) {
	q.Host = getEnv("AIOMESSAGING_QUEUE_HOST", q.Host)
	q.Port = getEnv("AIOMESSAGING_QUEUE_PORT", q.Port)
	q.Username = getEnv("AIOMESSAGING_QUEUE_USERNAME", q.Username)
	q.Password = getEnv("AIOMESSAGING_QUEUE_PASSWORD", q.Password)
	q.VirtualHost = getEnv("AIOMESSAGING_QUEUE_VHOST", q.VirtualHost)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

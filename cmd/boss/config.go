package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	modeGather = "gather"
	modeStream = "stream"
)

// config of a demo run, loaded from yaml and overridden by flags
type config struct {
	Workers       int           `yaml:"workers"`        // 0 for cpu count
	QueueCapacity *int          `yaml:"queue_capacity"` // nil for unbounded queue
	Mode          string        `yaml:"mode"`
	Items         int           `yaml:"items"`
	Delay         time.Duration `yaml:"delay"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	Debug         bool          `yaml:"debug"`
}

func defaultConfig() config {
	return config{Mode: modeGather, Items: 10, Delay: 100 * time.Millisecond}
}

// loadConfig reads yaml file on top of defaults, empty path returns defaults
func loadConfig(path string) (config, error) {
	res := defaultConfig()
	if path == "" {
		return res, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path from the command line
	if err != nil {
		return config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &res); err != nil {
		return config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return res, nil
}

func (c config) validate() error {
	if c.Mode != modeGather && c.Mode != modeStream {
		return fmt.Errorf("unknown mode %q, must be %s or %s", c.Mode, modeGather, modeStream)
	}
	if c.Workers < 0 {
		return fmt.Errorf("negative workers %d", c.Workers)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 0 {
		return fmt.Errorf("negative queue capacity %d", *c.QueueCapacity)
	}
	if c.Items < 0 {
		return fmt.Errorf("negative items %d", c.Items)
	}
	return nil
}

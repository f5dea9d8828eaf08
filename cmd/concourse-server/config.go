package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the cobra flags defined in main.go for an
// optional YAML config file, the way the teacher's `apply.go` decodes
// a YAML resource manifest with `yaml.Unmarshal`. A flag explicitly
// passed on the command line always wins over the file; the file only
// supplies values for flags not set on the command line.
type fileConfig struct {
	BufferDir        string        `yaml:"buffer-dir"`
	DatabaseDir      string        `yaml:"database-dir"`
	BufferPageSize   int64         `yaml:"buffer-page-size"`
	BlockSize        int64         `yaml:"block-size"`
	ListenAddr       string        `yaml:"listen-addr"`
	MetricsAddr      string        `yaml:"metrics-addr"`
	AuthToken        string        `yaml:"auth-token"`
	LogLevel         string        `yaml:"log-level"`
	LogJSON          bool          `yaml:"log-json"`
	TransferInterval time.Duration `yaml:"transfer-interval"`
}

// loadFileConfig reads and decodes the YAML config file at path.
func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

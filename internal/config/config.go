// Package config loads the bootstrap configuration. Only what the
// process needs before the database is open lives here; everything
// else is a runtime setting.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the YAML bootstrap file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	OutputDir  string `yaml:"output_dir"`
	FFmpegPath string `yaml:"ffmpeg_path"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: ":8000",
		DBPath:     "comfyui_queue.db",
		OutputDir:  "output",
		FFmpegPath: "ffmpeg",
		LogLevel:   "info",
	}
}

// Load reads the file at path over the defaults. An empty path returns
// the defaults; a missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize makes paths absolute so later chdirs cannot break them.
func (c *Config) normalize() error {
	var err error
	if c.DBPath, err = filepath.Abs(c.DBPath); err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	if c.OutputDir, err = filepath.Abs(c.OutputDir); err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return nil
}

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port     string
	LogLevel slog.Level

	Pacing    pacingConfig
	Generator generatorConfig
	Socket    socketConfig
}

type pacingConfig struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	InitialDelay time.Duration
}

type generatorConfig struct {
	Pick      int      `yaml:"pick"`
	Fragments []string `yaml:"fragments"`
}

type socketConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func defaultConfig() config {
	return config{
		Port:     "3000",
		LogLevel: slog.LevelInfo,
		Pacing: pacingConfig{
			MinDelay:     services.DefaultMinDelay,
			MaxDelay:     services.DefaultMaxDelay,
			InitialDelay: services.DefaultInitialDelay,
		},
		Generator: generatorConfig{
			Pick: services.DefaultPick,
		},
		Socket: socketConfig{
			PingInterval: 25 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// defaultConfigPath returns the config file looked up when no path is given.
func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "streamchat", "config.yaml"), nil
}

// loadConfig reads the config at path on top of the defaults. A missing file is not an error unless it
// was asked for explicitly. PORT overrides the port from the file.
func loadConfig(path string, explicit bool) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		// An empty file decodes to io.EOF and leaves the defaults in place.
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < 0 || c.Pacing.InitialDelay < 0 {
		return errors.New("pacing delays must not be negative")
	}
	if c.Pacing.MaxDelay < c.Pacing.MinDelay {
		return fmt.Errorf("pacing maxDelay %s is below minDelay %s", c.Pacing.MaxDelay, c.Pacing.MinDelay)
	}
	if c.Generator.Pick < 0 {
		return errors.New("generator pick must not be negative")
	}
	return nil
}

func (c config) handlersConfig() handlers.Config {
	return handlers.Config{
		MinDelay:     c.Pacing.MinDelay,
		MaxDelay:     c.Pacing.MaxDelay,
		InitialDelay: c.Pacing.InitialDelay,
		PingInterval: c.Socket.PingInterval,
		WriteTimeout: c.Socket.WriteTimeout,
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port      string            `yaml:"port"`
		LogLevel  string            `yaml:"logLevel"`
		Pacing    map[string]string `yaml:"pacing"`
		Generator *generatorConfig  `yaml:"generator"`
		Socket    map[string]string `yaml:"socket"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid logLevel: %w", err)
		}
	}

	durations := []struct {
		section map[string]string
		key     string
		dst     *time.Duration
	}{
		{rawConfig.Pacing, "minDelay", &c.Pacing.MinDelay},
		{rawConfig.Pacing, "maxDelay", &c.Pacing.MaxDelay},
		{rawConfig.Pacing, "initialDelay", &c.Pacing.InitialDelay},
		{rawConfig.Socket, "pingInterval", &c.Socket.PingInterval},
		{rawConfig.Socket, "writeTimeout", &c.Socket.WriteTimeout},
	}
	for _, d := range durations {
		raw, ok := d.section[d.key]
		if !ok {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if g := rawConfig.Generator; g != nil {
		if g.Pick != 0 {
			c.Generator.Pick = g.Pick
		}
		if len(g.Fragments) > 0 {
			c.Generator.Fragments = g.Fragments
		}
	}

	return nil
}

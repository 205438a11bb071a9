// Package config loads the configuration of a command-line peer.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/round"
)

// EnvPrefix prefixes the environment variables that override file settings,
// with dots replaced by underscores: RENDEZVOUS_SYNC_TIMEOUT,
// RENDEZVOUS_LOG_LEVEL and so on.
const EnvPrefix = "RENDEZVOUS"

// ErrInvalidConfig is returned when a loaded configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Port binds one port of the peer.
type Port struct {
	Index int `mapstructure:"index"`
	// Bind is "native", "active" or "passive".
	Bind    string `mapstructure:"bind"`
	Address string `mapstructure:"address"`
	// Direction is required for native ports.
	Direction string `mapstructure:"direction"`
}

// Op is one staged operation of a scripted batch.
type Op struct {
	Port    int    `mapstructure:"port"`
	Op      string `mapstructure:"op"`
	Payload string `mapstructure:"payload"`
}

// Log configures the standard logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Monitor configures the HTTP monitor.
type Monitor struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config is everything a command-line peer needs.
type Config struct {
	Name            string        `mapstructure:"name"`
	ID              uint32        `mapstructure:"id"`
	Catalog         string        `mapstructure:"catalog"`
	Entry           string        `mapstructure:"entry"`
	TieBreak        string        `mapstructure:"tie_break"`
	DecisionGrace   time.Duration `mapstructure:"decision_grace"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	SyncTimeout     time.Duration `mapstructure:"sync_timeout"`
	TraceCapacity   int           `mapstructure:"trace_capacity"`
	HistoryCapacity int           `mapstructure:"history_capacity"`
	Record          string        `mapstructure:"record"`
	Rounds          int           `mapstructure:"rounds"`
	Ports           []Port        `mapstructure:"ports"`
	Batches         [][]Op        `mapstructure:"batches"`
	Log             Log           `mapstructure:"log"`
	Monitor         Monitor       `mapstructure:"monitor"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("id", 0)
	v.SetDefault("catalog", "")
	v.SetDefault("entry", "")
	v.SetDefault("tie_break", "first")
	v.SetDefault("decision_grace", 10*time.Second)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("sync_timeout", 5*time.Second)
	v.SetDefault("trace_capacity", 1024)
	v.SetDefault("history_capacity", 64)
	v.SetDefault("record", "")
	v.SetDefault("rounds", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 0)
}

// Load reads the configuration file at path, then applies variables from a
// .env file in the working directory, if any, and from the environment.
func Load(path string) (*Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		err = v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	c := &Config{}

	err = v.Unmarshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the settings that Load cannot check by type alone.
func (c *Config) Validate() error {
	if c.Catalog == "" {
		return fmt.Errorf("%w: no catalog", ErrInvalidConfig)
	}

	if c.Entry == "" {
		return fmt.Errorf("%w: no entry point", ErrInvalidConfig)
	}

	if _, err := c.ParseTieBreak(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig,
			c.Log.Format)
	}

	if c.SyncTimeout <= 0 || c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}

	if c.Rounds < 0 {
		return fmt.Errorf("%w: negative round count", ErrInvalidConfig)
	}

	for _, p := range c.Ports {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%w: port %d: %v", ErrInvalidConfig, p.Index, err)
		}
	}

	for i, b := range c.Batches {
		for _, op := range b {
			if op.Op != "put" && op.Op != "get" {
				return fmt.Errorf("%w: batch %d: unknown op %q",
					ErrInvalidConfig, i, op.Op)
			}
		}
	}

	return nil
}

func (p Port) validate() error {
	switch p.Bind {
	case "native":
		_, err := port.ParsePolarity(p.Direction)
		return err
	case "active", "passive":
		if p.Address == "" {
			return errors.New("no address")
		}

		return nil
	default:
		return fmt.Errorf("unknown binding %q", p.Bind)
	}
}

// ParseTieBreak resolves the tie-break policy.
func (c *Config) ParseTieBreak() (round.TieBreak, error) {
	return round.ParseTieBreak(c.TieBreak)
}

// ApplyLog configures logger according to the log settings.
func (c *Config) ApplyLog(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err == nil {
		logger.SetLevel(level)
	}

	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/guseggert/evalclient/connector"
	"github.com/guseggert/evalclient/internal/files"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	// FileName is the config file looked up from the working directory upwards when no path is given.
	FileName  = ".evalctl.yaml"
	EnvPrefix = "EVALCTL"
)

// Config is the evalctl configuration. Precedence, lowest first: defaults, config file, EVALCTL_* env vars, flags.
type Config struct {
	Coordinator    string        `mapstructure:"coordinator"`
	ClientID       string        `mapstructure:"client-id"`
	WebSocket      bool          `mapstructure:"websocket"`
	ShortDelay     time.Duration `mapstructure:"short-delay"`
	LongDelay      time.Duration `mapstructure:"long-delay"`
	MaxAttempts    int           `mapstructure:"max-attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt-timeout"`
	LogLevel       string        `mapstructure:"log-level"`
	ListenAddr     string        `mapstructure:"listen-addr"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator", "http://127.0.0.1:8080/servers")
	v.SetDefault("client-id", "")
	v.SetDefault("websocket", false)
	v.SetDefault("short-delay", connector.DefaultShortDelay)
	v.SetDefault("long-delay", connector.DefaultLongDelay)
	v.SetDefault("max-attempts", 0)
	v.SetDefault("attempt-timeout", time.Duration(0))
	v.SetDefault("log-level", "info")
	v.SetDefault("listen-addr", "127.0.0.1:8080")
}

// Load reads the config file at path, or the nearest FileName found from dir upwards when path is empty,
// and layers the environment on top.
func Load(path, dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" && dir != "" {
		found, err := files.FindUp(FileName, dir)
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", FileName, err)
		}
		path = found
	}
	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{File: path}
	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max-attempts must not be negative, got %d", c.MaxAttempts)
	}
	if c.ShortDelay < 0 || c.LongDelay < 0 {
		return fmt.Errorf("retry delays must not be negative, got %s and %s", c.ShortDelay, c.LongDelay)
	}
	_, err := c.Level()
	return err
}

func (c *Config) Level() (zapcore.Level, error) {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return l, fmt.Errorf("parsing log level: %w", err)
	}
	return l, nil
}

// ConnectorOptions translates the config into connector options.
func (c *Config) ConnectorOptions() []connector.Option {
	opts := []connector.Option{
		connector.WithWebSocket(c.WebSocket),
		connector.WithRetryDelays(c.ShortDelay, c.LongDelay),
		connector.WithMaxAttempts(c.MaxAttempts),
		connector.WithAttemptTimeout(c.AttemptTimeout),
	}
	if c.ClientID != "" {
		opts = append(opts, connector.WithClientID(c.ClientID))
	}
	return opts
}

package main

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	AccessToken     string        `mapstructure:"access_token"`
	Debug           bool          `mapstructure:"debug"`
	Database        string        `mapstructure:"database"`
	Filename        string        `mapstructure:"filename"`
	PostgresURL     string        `mapstructure:"postgres_url"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	Recorders       []string      `mapstructure:"recorders"`
	Channels        []string      `mapstructure:"channels"`
	LeaderboardSize int           `mapstructure:"leaderboard_size"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
}

// loadConfig reads envFile (if it exists), the environment and any flags that
// were set, in increasing order of precedence.
func loadConfig(envFile string, flags *pflag.FlagSet) (*config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "unable to load %s", envFile)
		}
	}

	v := viper.New()
	v.SetDefault("debug", false)
	v.SetDefault("database", "sqlite")
	v.SetDefault("filename", "elo.db")
	v.SetDefault("leaderboard_size", defaultLeaderboardSize)
	v.SetDefault("command_timeout", 5*time.Second)

	for _, key := range []string{
		"access_token", "debug", "database", "filename", "postgres_url",
		"metrics_addr", "recorders", "channels", "leaderboard_size", "command_timeout",
	} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, errors.Wrapf(err, "unable to bind %s", key)
		}
	}

	if flags != nil {
		for _, name := range []string{"debug", "database", "filename", "postgres-url", "metrics-addr"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f); err != nil {
					return nil, errors.Wrapf(err, "unable to bind flag %s", name)
				}
			}
		}
	}

	var c config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration")
	}

	// lists arrive from the environment as a single comma separated value
	c.Recorders = splitList(v.GetString("recorders"), c.Recorders)
	c.Channels = splitList(v.GetString("channels"), c.Channels)

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func splitList(raw string, parsed []string) []string {
	if raw == "" {
		return parsed
	}

	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

func (c *config) validate() error {
	switch c.Database {
	case "sqlite", "boltdb":
		if c.Filename == "" {
			return errors.New("filename is required for file based databases")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("postgres_url is required for the postgres database")
		}
	default:
		return errors.Errorf("invalid database %q, expected sqlite, boltdb or postgres", c.Database)
	}

	if c.LeaderboardSize <= 0 {
		return errors.New("leaderboard_size must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command_timeout must be positive")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// canRecord reports whether userID may record games in channelID. Empty
// allow-lists permit everyone.
func (c *config) canRecord(userID, channelID string) bool {
	if len(c.Recorders) > 0 && !contains(c.Recorders, userID) {
		return false
	}
	return c.canUse(channelID)
}

// canUse reports whether the bot answers commands in channelID.
func (c *config) canUse(channelID string) bool {
	return len(c.Channels) == 0 || contains(c.Channels, channelID)
}

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	for _, key := range []string{
		"ACCESS_TOKEN", "DEBUG", "DATABASE", "FILENAME", "POSTGRES_URL",
		"METRICS_ADDR", "RECORDERS", "CHANNELS", "LEADERBOARD_SIZE", "COMMAND_TIMEOUT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	c, err := loadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Database)
	assert.Equal(t, "elo.db", c.Filename)
	assert.Equal(t, defaultLeaderboardSize, c.LeaderboardSize)
	assert.Equal(t, 5*time.Second, c.CommandTimeout)
	assert.False(t, c.Debug)
	assert.Empty(t, c.Recorders)
}

func TestLoadConfigEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ACCESS_TOKEN", "xoxb-test")
	t.Setenv("DATABASE", "boltdb")
	t.Setenv("FILENAME", "ladder.bolt")
	t.Setenv("RECORDERS", "U1, U2,,U3")
	t.Setenv("CHANNELS", "C1")
	t.Setenv("LEADERBOARD_SIZE", "25")
	t.Setenv("COMMAND_TIMEOUT", "2s")

	c, err := loadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-test", c.AccessToken)
	assert.Equal(t, "boltdb", c.Database)
	assert.Equal(t, "ladder.bolt", c.Filename)
	assert.Equal(t, []string{"U1", "U2", "U3"}, c.Recorders)
	assert.Equal(t, []string{"C1"}, c.Channels)
	assert.Equal(t, 25, c.LeaderboardSize)
	assert.Equal(t, 2*time.Second, c.CommandTimeout)
}

func TestLoadConfigEnvFile(t *testing.T) {
	clearConfigEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ACCESS_TOKEN=from-file\nDEBUG=true\n"), 0600))
	t.Cleanup(func() {
		os.Unsetenv("ACCESS_TOKEN")
		os.Unsetenv("DEBUG")
	})

	c, err := loadConfig(envFile, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-file", c.AccessToken)
	assert.True(t, c.Debug)
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	clearConfigEnv(t)

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.env"), nil)
	assert.NoError(t, err)
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATABASE", "boltdb")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("database", "sqlite", "")
	flags.String("filename", "elo.db", "")
	require.NoError(t, flags.Parse([]string{"--database=sqlite", "--filename=other.db"}))

	c, err := loadConfig("", flags)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Database)
	assert.Equal(t, "other.db", c.Filename)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		c     config
		valid bool
	}{
		{"sqlite", config{Database: "sqlite", Filename: "a.db", LeaderboardSize: 10, CommandTimeout: time.Second}, true},
		{"postgres", config{Database: "postgres", PostgresURL: "postgres://x", LeaderboardSize: 10, CommandTimeout: time.Second}, true},
		{"postgres without url", config{Database: "postgres", LeaderboardSize: 10, CommandTimeout: time.Second}, false},
		{"bolt without file", config{Database: "boltdb", LeaderboardSize: 10, CommandTimeout: time.Second}, false},
		{"unknown database", config{Database: "mysql", Filename: "a", LeaderboardSize: 10, CommandTimeout: time.Second}, false},
		{"empty leaderboard", config{Database: "sqlite", Filename: "a.db", CommandTimeout: time.Second}, false},
		{"no timeout", config{Database: "sqlite", Filename: "a.db", LeaderboardSize: 10}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.c.validate()
			if test.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPermissions(t *testing.T) {
	open := &config{}
	assert.True(t, open.canRecord("U1", "C1"))
	assert.True(t, open.canUse("C1"))

	c := &config{Recorders: []string{"U1"}, Channels: []string{"C1"}}
	assert.True(t, c.canRecord("U1", "C1"))
	assert.False(t, c.canRecord("U2", "C1"))
	assert.False(t, c.canRecord("U1", "C2"))
	assert.True(t, c.canUse("C1"))
	assert.False(t, c.canUse("C2"))
}

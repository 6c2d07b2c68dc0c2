package cmd

import (
	"bytes"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/debatedragon/debatedragon/debatedragon"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DD_DATABASE=/home/foo/debatedragon.sqlite3
DD_DATABASE_TYPE=sqlite
DD_DATABASE_LOG_LEVEL=INFO
DD_DATABASE_SLOW_THRESHOLD=200ms
DD_LOG_LEVEL=INFO
DD_STARTUP_TIMEOUT=30s
DD_SHUTDOWN_TIMEOUT=60s
DD_DEVELOPMENT=true

# Discord bot config

DD_DISCORD_TOKEN=your-discord-bot-token
DD_DISCORD_TOKEN_DEV=your-dev-bot-token
DD_DISCORD_APPLICATION_ID=your-discord-bot-app-id
DD_DISCORD_GUILD_ID=
DD_DISCORD_LOG_LEVEL=WARN
DD_DISCORD_DISCORDGO_LOG_LEVEL=WARN
DD_DISCORD_GATEWAY_INTENTS=33281

# Rambling detector

DD_RAMBLING_AUTHOR_ID=1234
DD_RAMBLING_GUILD_ID=5678
DD_RAMBLING_CHANNEL_NAME=debate-club
DD_RAMBLING_MESSAGE_LIMIT=7
DD_RAMBLING_WINDOW_MINUTES=3
DD_RAMBLING_WINDOW_MODE=elapsed
DD_RAMBLING_SUBSCRIBERS=111 222
DD_RAMBLING_NOTIFY_INTERVAL=30s
DD_RAMBLING_CHANNEL_CACHE_TTL=1h

# API server

DD_API_ENABLED=false
DD_API_LISTEN=127.0.0.1:5050
DD_API_LOG_LEVEL=DEBUG
DD_API_READ_TIMEOUT=5s
DD_API_READ_HEADER_TIMEOUT=5s
DD_API_WRITE_TIMEOUT=10s
DD_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	var out bytes.Buffer
	setCommandOutput(t, &out)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/debatedragon.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/debatedragon.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assert.Equal(t, "INFO", viper.GetString("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assert.Equal(t, "INFO", viper.GetString("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-dev-bot-token", viper.GetString("discord.token_dev"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(t, "WARN", viper.GetString("discord.log_level"))
	assert.Equal(t, "WARN", viper.GetString("discord.discordgo_log_level"))
	assert.Equal(t, 33281, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, []string{"111", "222"}, viper.GetStringSlice("rambling.subscribers"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("rambling.notify_interval"))

	assert.False(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "DEBUG", viper.GetString("api.log_level"))

	// Unmarshal the configuration into a new Config, the same way
	// the root command does
	config := debatedragon.DefaultConfig()
	require.NoError(t, unmarshalConfig(config))

	assert.Equal(t, "/home/foo/debatedragon.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)
	assert.True(t, config.Development)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-dev-bot-token", config.Discord.TokenDev)
	assert.Equal(t, "your-dev-bot-token", config.DiscordToken())
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(33281), config.Discord.GatewayIntents)

	assert.Equal(t, "1234", config.Rambling.AuthorID)
	assert.Equal(t, "5678", config.Rambling.GuildID)
	assert.Equal(t, "debate-club", config.Rambling.ChannelName)
	assert.Equal(t, 7, config.Rambling.MessageLimit)
	assert.Equal(t, 3, config.Rambling.WindowMinutes)
	assert.Equal(t, debatedragon.WindowModeElapsed, config.Rambling.WindowMode)
	assert.Equal(t, []string{"111", "222"}, config.Rambling.Subscribers)
	assert.Equal(t, 30*time.Second, config.Rambling.NotifyInterval)
	assert.Equal(t, time.Hour, config.Rambling.ChannelCacheTTL)

	assert.False(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", config.API.Listen)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(t, 5*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 5*time.Second, config.API.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.API.IdleTimeout)

	assert.NoError(t, debatedragon.ValidateConfig(config))
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})

	t.Run(
		"level name", func(t *testing.T) {
			v, err := hook(reflect.TypeOf(""), levelVarType, "warn")
			require.NoError(t, err)
			assertLogLevel(t, slog.LevelWarn, v)
		},
	)

	t.Run(
		"invalid level", func(t *testing.T) {
			_, err := hook(reflect.TypeOf(""), levelVarType, "loud")
			assert.Error(t, err)
		},
	)

	t.Run(
		"level var element type", func(t *testing.T) {
			v, err := hook(reflect.TypeOf(""), levelVarType.Elem(), "ERROR")
			require.NoError(t, err)
			assertLogLevel(t, slog.LevelError, v)
		},
	)

	t.Run(
		"other types untouched", func(t *testing.T) {
			v, err := hook(reflect.TypeOf(""), reflect.TypeOf(""), "warn")
			require.NoError(t, err)
			assert.Equal(t, "warn", v)
		},
	)
}

func TestUnmarshalConfig_LogLevels(t *testing.T) {
	t.Setenv("DD_LOG_LEVEL", "DEBUG")
	t.Setenv("DD_DATABASE_LOG_LEVEL", "ERROR")
	t.Setenv("DD_DISCORD_LOG_LEVEL", "WARN")
	t.Setenv("DD_DISCORD_DISCORDGO_LOG_LEVEL", "INFO")
	t.Setenv("DD_API_LOG_LEVEL", "DEBUG")
	initConfig()

	config := debatedragon.DefaultConfig()
	require.NoError(t, unmarshalConfig(config))

	assert.Equal(t, slog.LevelDebug, config.LogLevel.Level())
	assert.Equal(t, slog.LevelError, config.DatabaseLogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelInfo, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
}

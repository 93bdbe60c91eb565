package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arcward/modmail/modmail"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

MODMAIL_DATABASE=/home/foo/modmail.sqlite3
MODMAIL_DATABASE_TYPE=sqlite
MODMAIL_DATABASE_LOG_LEVEL=INFO
MODMAIL_DATABASE_SLOW_THRESHOLD=200ms
MODMAIL_SETTINGS_PATH=/home/foo/settings.json
MODMAIL_LOG_LEVEL=INFO
MODMAIL_STARTUP_TIMEOUT=30s
MODMAIL_SHUTDOWN_TIMEOUT=60s

# Discord bot config

MODMAIL_DISCORD_TOKEN=your-discord-bot-token
MODMAIL_DISCORD_APPLICATION_ID=your-discord-bot-app-id
MODMAIL_DISCORD_GUILD_ID=
MODMAIL_DISCORD_LOG_LEVEL=WARN
MODMAIL_DISCORD_DISCORDGO_LOG_LEVEL=WARN
MODMAIL_DISCORD_GATEWAY_INTENTS=37379

# API server

MODMAIL_API_ENABLED=true
MODMAIL_API_LISTEN=127.0.0.1:5000
MODMAIL_API_LOG_LEVEL=DEBUG
MODMAIL_API_CORS_ALLOW_ORIGINS=http://127.0.0.1:5000 http://localhost:5000
MODMAIL_API_CORS_ALLOW_METHODS=GET POST PATCH OPTIONS HEAD
MODMAIL_API_READ_TIMEOUT=5s
MODMAIL_API_READ_HEADER_TIMEOUT=5s
MODMAIL_API_WRITE_TIMEOUT=10s
MODMAIL_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/modmail.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/modmail.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(
		t,
		200*time.Millisecond,
		viper.GetDuration("database_slow_threshold"),
	)
	assert.Equal(t, "/home/foo/settings.json", viper.GetString("settings_path"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(
		t,
		"your-discord-bot-app-id",
		viper.GetString("discord.application_id"),
	)
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, 37379, viper.GetInt("discord.gateway_intents"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"http://127.0.0.1:5000", "http://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PATCH", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PATCH", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into a modmail.Config struct
	var config modmail.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/modmail.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, "/home/foo/settings.json", config.SettingsPath)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(37379), config.Discord.GatewayIntents)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"http://127.0.0.1:5000", "http://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
}

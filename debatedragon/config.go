//nolint:lll // struct tags can't be split
package debatedragon

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "DEBATEDRAGON_ENV_PREFIX"
	DefaultEnvPrefix      = "DD"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "debatedragon.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	DefaultDiscordLogLevel      = slog.LevelInfo
	DefaultDiscordgoLogLevel    = slog.LevelWarn

	DefaultRamblingChannelName     = "general"
	DefaultRamblingMessageLimit    = 10
	DefaultRamblingWindowMinutes   = 5
	DefaultRamblingWindowMode      = WindowModeMinuteOfHour
	DefaultRamblingNotifyInterval  = 10 * time.Second
	DefaultRamblingChannelCacheTTL = 30 * time.Minute

	DefaultAPIListen   = "127.0.0.1:5000"
	DefaultAPILogLevel = slog.LevelInfo

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

// WindowMode selects how the gap between two qualifying messages is measured.
type WindowMode string

const (
	// WindowModeMinuteOfHour compares only the minute-of-hour components
	// of the two timestamps. 10:05 -> 11:06 is a gap of 1, and 11:59 -> 12:00
	// is a gap of -59. This is how the counter has always behaved.
	WindowModeMinuteOfHour WindowMode = "minute_of_hour"

	// WindowModeElapsed uses the whole minutes actually elapsed between
	// the two timestamps.
	WindowModeElapsed WindowMode = "elapsed"
)

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to open the database and
	// connect to the discord gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development selects [DiscordConfig.TokenDev] instead of [DiscordConfig.Token]
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	Rambling *RamblingConfig `yaml:"rambling" mapstructure:"rambling" json:"rambling" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordToken returns the bot token to log in with, depending on
// whether [Config.Development] is set.
func (c Config) DiscordToken() string {
	if c.Development && c.Discord.TokenDev != "" {
		return c.Discord.TokenDev
	}
	return c.Discord.Token
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_without=TokenDev"`

	// Token for the development bot, used when [Config.Development] is true
	TokenDev string `yaml:"token_dev" mapstructure:"token_dev" json:"token_dev" log:"[redacted]"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild used by the 'register' command. When the bot is
	// running, commands are registered for every guild it's a member of.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// RamblingConfig configures who is watched, where, and when a
// notification fires.
type RamblingConfig struct {
	// AuthorID is the discord user ID of the monitored author
	AuthorID string `yaml:"author_id" mapstructure:"author_id" json:"author_id" binding:"required"`

	// GuildID is the guild the monitored author is watched in
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// ChannelName is the name of the text channel (in GuildID) notifications
	// are sent to
	ChannelName string `yaml:"channel_name" mapstructure:"channel_name" json:"channel_name" binding:"required"`

	// MessageLimit is the number of counted messages a burst must exceed
	// before a notification is sent
	MessageLimit int `yaml:"message_limit" mapstructure:"message_limit" json:"message_limit" binding:"min=0"`

	// WindowMinutes is the maximum gap between two messages of one burst
	WindowMinutes int `yaml:"window_minutes" mapstructure:"window_minutes" json:"window_minutes" binding:"min=1"`

	WindowMode WindowMode `yaml:"window_mode" mapstructure:"window_mode" json:"window_mode" binding:"oneof=minute_of_hour elapsed"`

	// Subscribers are user IDs always mentioned in notifications, in
	// addition to users who used /subscribe
	Subscribers []string `yaml:"subscribers" mapstructure:"subscribers" json:"subscribers"`

	// NotifyInterval is the minimum time between two notifications
	NotifyInterval time.Duration `yaml:"notify_interval" mapstructure:"notify_interval" json:"notify_interval"`

	// ChannelCacheTTL is how long a resolved notification channel ID is kept
	ChannelCacheTTL time.Duration `yaml:"channel_cache_ttl" mapstructure:"channel_cache_ttl" json:"channel_cache_ttl"`
}

// APIConfig configures the status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// ValidateConfig checks the given config against its `binding` tags, and
// that [Config.DiscordToken] has a token to log in with
func ValidateConfig(c *Config) error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DiscordToken() == "" {
		if c.Development {
			return errors.New("invalid config: discord token_dev or token is required")
		}
		return errors.New("invalid config: discord token is required when development is false")
	}
	return nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Rambling: &RamblingConfig{
			ChannelName:     DefaultRamblingChannelName,
			MessageLimit:    DefaultRamblingMessageLimit,
			WindowMinutes:   DefaultRamblingWindowMinutes,
			WindowMode:      DefaultRamblingWindowMode,
			Subscribers:     []string{},
			NotifyInterval:  DefaultRamblingNotifyInterval,
			ChannelCacheTTL: DefaultRamblingChannelCacheTTL,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

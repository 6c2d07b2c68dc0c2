package cmd

import (
	"context"
	"fmt"
	"github.com/debatedragon/debatedragon/debatedragon"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = debatedragon.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "debatedragon [flags]",
	Short: "Discord bot that notices when someone won't stop talking",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *debatedragon.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "INFO") into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		// mapstructure hands over the element type for fields that
		// already hold a *slog.LevelVar
		typ := t
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", debatedragon.DefaultDatabase)
	viper.SetDefault("database_type", debatedragon.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		debatedragon.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		debatedragon.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", debatedragon.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", debatedragon.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", debatedragon.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.token_dev", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		debatedragon.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		debatedragon.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		debatedragon.DefaultDiscordGatewayIntent,
	)

	// Rambling detector config
	viper.SetDefault("rambling.author_id", "")
	viper.SetDefault("rambling.guild_id", "")
	viper.SetDefault("rambling.channel_name", debatedragon.DefaultRamblingChannelName)
	viper.SetDefault("rambling.message_limit", debatedragon.DefaultRamblingMessageLimit)
	viper.SetDefault("rambling.window_minutes", debatedragon.DefaultRamblingWindowMinutes)
	viper.SetDefault("rambling.window_mode", string(debatedragon.DefaultRamblingWindowMode))
	viper.SetDefault("rambling.subscribers", []string{})
	viper.SetDefault("rambling.notify_interval", debatedragon.DefaultRamblingNotifyInterval)
	viper.SetDefault("rambling.channel_cache_ttl", debatedragon.DefaultRamblingChannelCacheTTL)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", debatedragon.DefaultAPIListen)
	viper.SetDefault("api.log_level", debatedragon.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", debatedragon.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		debatedragon.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", debatedragon.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", debatedragon.DefaultIdleTimeout)

	envPrefix := os.Getenv(debatedragon.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = debatedragon.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// level names are decoded by LevelToStringHookFunc, but fail early
	// on a bad one
	for _, key := range logLevelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

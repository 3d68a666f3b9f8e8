package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/Zethrus/starboarder/starboarder"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = starboarder.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "starboarder [flags]",
	Short: "A Discord bot for verification, moderation, starboards and awards",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// decode into a zero config, since mapstructure overwrites slices
		// element by element instead of replacing them
		var loaded starboarder.Config
		if err := viper.Unmarshal(
			&loaded,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(","),
					LevelToStringHookFunc(),
				),
			),
		); err != nil {
			return err
		}
		// CORS lists are space-separated in the environment
		loaded.API.CORS.AllowOrigins = viper.GetStringSlice("api.cors.allow_origins")
		loaded.API.CORS.AllowMethods = viper.GetStringSlice("api.cors.allow_methods")
		loaded.API.CORS.AllowHeaders = viper.GetStringSlice("api.cors.allow_headers")
		loaded.API.CORS.ExposeHeaders = viper.GetStringSlice("api.cors.expose_headers")

		*cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like "INFO" into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
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
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

// configDefaults maps every config key to its default, so each one can
// be overridden by an environment variable
func configDefaults() map[string]any {
	d := starboarder.DefaultConfig()
	return map[string]any{
		"database":                d.Database,
		"database_type":           d.DatabaseType,
		"database_slow_threshold": d.DatabaseSlowThreshold,
		"database_log_level":      starboarder.DefaultDatabaseLogLevel.String(),
		"log_level":               starboarder.DefaultLogLevel.String(),
		"dry_run":                 d.DryRun,
		"startup_timeout":         d.StartupTimeout,
		"shutdown_timeout":        d.ShutdownTimeout,

		"discord.token":               "",
		"discord.application_id":      "",
		"discord.guild_id":            "",
		"discord.register_commands":   false,
		"discord.log_level":           starboarder.DefaultDiscordLogLevel.String(),
		"discord.discordgo_log_level": starboarder.DefaultDiscordgoLogLevel.String(),
		"discord.gateway_intents":     int(d.Discord.GatewayIntents),

		"starboard.channel":        d.Starboard.Channel,
		"starboard.required_stars": d.Starboard.RequiredStars,
		"starboard.emoji":          d.Starboard.Emoji,

		"channels.photography":        d.Channels.Photography,
		"channels.theme":              d.Channels.Theme,
		"channels.theme_hashtag":      d.Channels.ThemeHashtag,
		"channels.reaction_role":      d.Channels.ReactionRole,
		"channels.rules":              d.Channels.Rules,
		"channels.how_to_member":      d.Channels.HowToMember,
		"channels.intros":             d.Channels.Intros,
		"channels.review":             d.Channels.Review,
		"channels.log":                d.Channels.Log,
		"channels.reply_delete_delay": d.Channels.ReplyDeleteDelay,

		"verification.verified_role_name":      d.Verification.VerifiedRoleName,
		"verification.unverified_role_name":    d.Verification.UnverifiedRoleName,
		"verification.intro_min_length":        d.Verification.IntroMinLength,
		"verification.min_photos":              d.Verification.MinPhotos,
		"verification.look_back":               d.Verification.LookBack,
		"verification.reminder_delay_days":     d.Verification.ReminderDelayDays,
		"verification.reminder_message":        d.Verification.ReminderMessage,
		"verification.enable_auto_purge":       d.Verification.EnableAutoPurge,
		"verification.purge_delay_days":        d.Verification.PurgeDelayDays,
		"verification.purge_grace_period_days": d.Verification.PurgeGracePeriodDays,
		"verification.sweep_interval":          d.Verification.SweepInterval,
		"verification.deny_reasons":            d.Verification.DenyReasons,

		"ban_evasion.enabled":                     d.BanEvasion.Enabled,
		"ban_evasion.alert_channel":               d.BanEvasion.AlertChannel,
		"ban_evasion.action":                      string(d.BanEvasion.Action),
		"ban_evasion.threshold":                   d.BanEvasion.Threshold,
		"ban_evasion.max_account_age_days":        d.BanEvasion.MaxAccountAgeDays,
		"ban_evasion.new_account_weight":          d.BanEvasion.NewAccountWeight,
		"ban_evasion.default_avatar_weight":       d.BanEvasion.DefaultAvatarWeight,
		"ban_evasion.no_global_name_weight":       d.BanEvasion.NoGlobalNameWeight,
		"ban_evasion.alt_account_threshold_hours": d.BanEvasion.AltAccountThresholdHours,

		"weather.geocode_url":             d.Weather.GeocodeURL,
		"weather.forecast_url":            d.Weather.ForecastURL,
		"weather.user_agent":              d.Weather.UserAgent,
		"weather.geocode_rate_per_second": d.Weather.GeocodeRatePerSecond,
		"weather.request_timeout":         d.Weather.RequestTimeout,

		"api.enabled":             d.API.Enabled,
		"api.listen":              d.API.Listen,
		"api.listen_network":      d.API.ListenNetwork,
		"api.log_level":           starboarder.DefaultAPILogLevel.String(),
		"api.read_timeout":        d.API.ReadTimeout,
		"api.read_header_timeout": d.API.ReadHeaderTimeout,
		"api.write_timeout":       d.API.WriteTimeout,
		"api.idle_timeout":        d.API.IdleTimeout,

		"api.cors.allow_origins":     []string{},
		"api.cors.allow_methods":     starboarder.DefaultCORSAllowMethods,
		"api.cors.allow_headers":     starboarder.DefaultCORSAllowHeaders,
		"api.cors.expose_headers":    starboarder.DefaultCORSExposeHeaders,
		"api.cors.allow_credentials": false,
		"api.cors.max_age":           starboarder.DefaultCORSMaxAge,
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %q: %v", configFile, err)
		}
	}

	for k, v := range configDefaults() {
		viper.SetDefault(k, v)
	}

	envPrefix := os.Getenv(starboarder.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = starboarder.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}

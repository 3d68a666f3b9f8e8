//nolint:lll // struct tags can't be split
package starboarder

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "STARBOARDER_ENV_PREFIX"
	DefaultEnvPrefix   = "SB"

	DefaultDatabaseType          = dbTypeJSON
	DefaultDatabase              = "db.json"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultLogLevel              = slog.LevelInfo
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	DefaultStarboardChannel = "starboard"
	DefaultRequiredStars    = 5
	DefaultStarEmoji        = "⭐"

	DefaultPhotographyChannel  = "photography"
	DefaultThemeChannel        = "theme-of-the-month-submissions"
	DefaultThemeHashtag        = "#theme-of-the-month"
	DefaultReactionRoleChannel = "information"
	DefaultRulesChannel        = "rules"
	DefaultHowToMemberChannel  = "how-2-member"
	DefaultIntrosChannel       = "intros"
	DefaultReviewChannel       = "verification-review"
	DefaultLogChannel          = "logs"
	DefaultReplyDeleteDelay    = 5 * time.Second

	DefaultVerifiedRoleName              = "verified member"
	DefaultUnverifiedRoleName            = "unverified member"
	DefaultIntroMinLength                = 20
	DefaultMinPhotos                     = 3
	DefaultVerificationLookBack          = 100
	DefaultVerificationReminderDelayDays = 3
	DefaultPurgeDelayDays                = 7
	DefaultPurgeGracePeriodDays          = 1
	DefaultSweepInterval                 = 24 * time.Hour
	DefaultVerificationReminderMessage   = "Hi there! 👋 This is a friendly reminder that you haven't finished verifying on the server yet.\n\n" +
		"To get full access, please:\n" +
		"1. Agree to the rules in #rules\n" +
		"2. Post an introduction in #intros\n" +
		"3. Post at least 3 of your photos in #photography\n" +
		"4. React with ✅ on the message in #how-2-member\n\n" +
		"Unverified members are removed after a while, so don't wait too long!"

	DefaultBanEvasionAlertChannel        = "mod-alerts"
	DefaultBanEvasionAction              = BanEvasionActionLog
	DefaultBanEvasionThreshold           = 10
	DefaultBanEvasionMaxAccountAgeDays   = 7
	DefaultBanEvasionNewAccountWeight    = 8
	DefaultBanEvasionDefaultAvatarWeight = 5
	DefaultAltAccountThresholdHours      = 24

	DefaultGeocodeURL            = "https://nominatim.openstreetmap.org/search"
	DefaultForecastURL           = "https://api.open-meteo.com/v1/forecast"
	DefaultWeatherUserAgent      = "Discord Bot - Starboarder"
	DefaultGeocodeRatePerSecond  = 1
	DefaultWeatherRequestTimeout = 10 * time.Second

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// Config is the full bot configuration, resolved once at startup and
// passed by reference to every component.
type Config struct {
	// Database is the store location: a file path for 'json', 'bolt' and
	// 'sqlite', or a connection string for 'postgres'
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType selects the store backend
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=json bolt sqlite postgres"`

	// DatabaseLogLevel sets the log level for store operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow SQL queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DryRun computes and logs every moderation decision, but suppresses
	// kicks, bans and DMs
	DryRun bool `yaml:"dry_run" mapstructure:"dry_run" json:"dry_run"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// load its store and connect to the gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for in-flight handlers to finish.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord      *DiscordConfig      `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Starboard    *StarboardConfig    `yaml:"starboard" mapstructure:"starboard" json:"starboard" binding:"required"`
	Channels     *ChannelsConfig     `yaml:"channels" mapstructure:"channels" json:"channels" binding:"required"`
	Verification *VerificationConfig `yaml:"verification" mapstructure:"verification" json:"verification" binding:"required"`
	BanEvasion   *BanEvasionConfig   `yaml:"ban_evasion" mapstructure:"ban_evasion" json:"ban_evasion" binding:"required"`
	Weather      *WeatherConfig      `yaml:"weather" mapstructure:"weather" json:"weather" binding:"required"`
	API          *APIConfig          `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the gateway connection
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID, used when registering slash commands
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID scopes slash command registration to one guild. Leave empty
	// for global commands.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// RegisterCommands overwrites the slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. The guild members and message content
	// intents are privileged and must be enabled in the dev portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// StarboardConfig configures the starboard mirror
type StarboardConfig struct {
	// Channel is the name of the showcase channel
	Channel string `yaml:"channel" mapstructure:"channel" json:"channel" binding:"required"`

	// RequiredStars is the reaction count at which a message is mirrored
	RequiredStars int `yaml:"required_stars" mapstructure:"required_stars" json:"required_stars" binding:"min=1"`

	// Emoji is either a unicode emoji, or a custom emoji in the
	// form <:name:id> or <a:name:id>
	Emoji string `yaml:"emoji" mapstructure:"emoji" json:"emoji" binding:"required"`
}

// ChannelsConfig names the channels the bot reads from or posts to.
// Every name is resolved per guild, and a missing channel degrades the
// feature using it with a warning.
type ChannelsConfig struct {
	Photography  string `yaml:"photography" mapstructure:"photography" json:"photography"`
	Theme        string `yaml:"theme" mapstructure:"theme" json:"theme"`
	ThemeHashtag string `yaml:"theme_hashtag" mapstructure:"theme_hashtag" json:"theme_hashtag"`
	ReactionRole string `yaml:"reaction_role" mapstructure:"reaction_role" json:"reaction_role"`
	Rules        string `yaml:"rules" mapstructure:"rules" json:"rules"`
	HowToMember  string `yaml:"how_to_member" mapstructure:"how_to_member" json:"how_to_member"`
	Intros       string `yaml:"intros" mapstructure:"intros" json:"intros"`
	Review       string `yaml:"review" mapstructure:"review" json:"review"`
	Log          string `yaml:"log" mapstructure:"log" json:"log"`

	// ReplyDeleteDelay is how long transient bot replies stay visible
	ReplyDeleteDelay time.Duration `yaml:"reply_delete_delay" mapstructure:"reply_delete_delay" json:"reply_delete_delay"`
}

// VerificationConfig configures the verification workflow and the
// unverified-member sweep
type VerificationConfig struct {
	VerifiedRoleName   string `yaml:"verified_role_name" mapstructure:"verified_role_name" json:"verified_role_name" binding:"required"`
	UnverifiedRoleName string `yaml:"unverified_role_name" mapstructure:"unverified_role_name" json:"unverified_role_name" binding:"required"`

	// IntroMinLength is the minimum length of an introduction message
	IntroMinLength int `yaml:"intro_min_length" mapstructure:"intro_min_length" json:"intro_min_length" binding:"min=0"`

	// MinPhotos is the number of image attachments required in the
	// photography channel
	MinPhotos int `yaml:"min_photos" mapstructure:"min_photos" json:"min_photos" binding:"min=0"`

	// LookBack is the number of recent messages scanned per channel
	LookBack int `yaml:"look_back" mapstructure:"look_back" json:"look_back" binding:"min=1,max=100"`

	ReminderDelayDays float64 `yaml:"reminder_delay_days" mapstructure:"reminder_delay_days" json:"reminder_delay_days" binding:"min=0"`
	ReminderMessage   string  `yaml:"reminder_message" mapstructure:"reminder_message" json:"reminder_message" binding:"required"`

	EnableAutoPurge      bool    `yaml:"enable_auto_purge" mapstructure:"enable_auto_purge" json:"enable_auto_purge"`
	PurgeDelayDays       float64 `yaml:"purge_delay_days" mapstructure:"purge_delay_days" json:"purge_delay_days" binding:"min=0"`
	PurgeGracePeriodDays float64 `yaml:"purge_grace_period_days" mapstructure:"purge_grace_period_days" json:"purge_grace_period_days" binding:"min=0"`

	// SweepInterval is the period between scheduled sweeps. 0 disables
	// the recurring sweep (the startup and manual sweeps still run).
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`

	// DenyReasons are the canned reasons offered to staff when denying
	DenyReasons []string `yaml:"deny_reasons" mapstructure:"deny_reasons" json:"deny_reasons"`
}

// BanEvasionConfig configures the join-time suspicion scorer
type BanEvasionConfig struct {
	Enabled      bool             `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	AlertChannel string           `yaml:"alert_channel" mapstructure:"alert_channel" json:"alert_channel"`
	Action       BanEvasionAction `yaml:"action" mapstructure:"action" json:"action" binding:"oneof=log ban"`

	// Threshold is the score at or above which a member is flagged
	Threshold int `yaml:"threshold" mapstructure:"threshold" json:"threshold" binding:"min=1"`

	// MaxAccountAgeDays is the account age below which new_account applies
	MaxAccountAgeDays   float64 `yaml:"max_account_age_days" mapstructure:"max_account_age_days" json:"max_account_age_days" binding:"min=0"`
	NewAccountWeight    int     `yaml:"new_account_weight" mapstructure:"new_account_weight" json:"new_account_weight" binding:"min=0"`
	DefaultAvatarWeight int     `yaml:"default_avatar_weight" mapstructure:"default_avatar_weight" json:"default_avatar_weight" binding:"min=0"`
	NoGlobalNameWeight  int     `yaml:"no_global_name_weight" mapstructure:"no_global_name_weight" json:"no_global_name_weight" binding:"min=0"`

	// AltAccountThresholdHours is the creation-time window used by /check-alts
	AltAccountThresholdHours float64 `yaml:"alt_account_threshold_hours" mapstructure:"alt_account_threshold_hours" json:"alt_account_threshold_hours" binding:"min=0"`
}

// WeatherConfig configures the geocoding and forecast collaborators
type WeatherConfig struct {
	GeocodeURL           string        `yaml:"geocode_url" mapstructure:"geocode_url" json:"geocode_url" binding:"required,url"`
	ForecastURL          string        `yaml:"forecast_url" mapstructure:"forecast_url" json:"forecast_url" binding:"required,url"`
	UserAgent            string        `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent" binding:"required"`
	GeocodeRatePerSecond float64       `yaml:"geocode_rate_per_second" mapstructure:"geocode_rate_per_second" json:"geocode_rate_per_second" binding:"gt=0"`
	RequestTimeout       time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the admin API alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  defaultMethods,
		AllowHeaders:  defaultHeaders,
		ExposeHeaders: defaultExpose,
		MaxAge:        DefaultCORSMaxAge,
	}
}

// DefaultDenyReasons are offered to staff in the deny menu, ahead of the
// free-text option
func DefaultDenyReasons() []string {
	return []string{
		"Introduction is too short or missing details",
		"Photos must be your own work",
		"Photos do not fit the server topic",
		"Account appears to be an alt or spam account",
	}
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
		Starboard: &StarboardConfig{
			Channel:       DefaultStarboardChannel,
			RequiredStars: DefaultRequiredStars,
			Emoji:         DefaultStarEmoji,
		},
		Channels: &ChannelsConfig{
			Photography:      DefaultPhotographyChannel,
			Theme:            DefaultThemeChannel,
			ThemeHashtag:     DefaultThemeHashtag,
			ReactionRole:     DefaultReactionRoleChannel,
			Rules:            DefaultRulesChannel,
			HowToMember:      DefaultHowToMemberChannel,
			Intros:           DefaultIntrosChannel,
			Review:           DefaultReviewChannel,
			Log:              DefaultLogChannel,
			ReplyDeleteDelay: DefaultReplyDeleteDelay,
		},
		Verification: &VerificationConfig{
			VerifiedRoleName:     DefaultVerifiedRoleName,
			UnverifiedRoleName:   DefaultUnverifiedRoleName,
			IntroMinLength:       DefaultIntroMinLength,
			MinPhotos:            DefaultMinPhotos,
			LookBack:             DefaultVerificationLookBack,
			ReminderDelayDays:    DefaultVerificationReminderDelayDays,
			ReminderMessage:      DefaultVerificationReminderMessage,
			EnableAutoPurge:      false,
			PurgeDelayDays:       DefaultPurgeDelayDays,
			PurgeGracePeriodDays: DefaultPurgeGracePeriodDays,
			SweepInterval:        DefaultSweepInterval,
			DenyReasons:          DefaultDenyReasons(),
		},
		BanEvasion: &BanEvasionConfig{
			Enabled:                  false,
			AlertChannel:             DefaultBanEvasionAlertChannel,
			Action:                   DefaultBanEvasionAction,
			Threshold:                DefaultBanEvasionThreshold,
			MaxAccountAgeDays:        DefaultBanEvasionMaxAccountAgeDays,
			NewAccountWeight:         DefaultBanEvasionNewAccountWeight,
			DefaultAvatarWeight:      DefaultBanEvasionDefaultAvatarWeight,
			AltAccountThresholdHours: DefaultAltAccountThresholdHours,
		},
		Weather: &WeatherConfig{
			GeocodeURL:           DefaultGeocodeURL,
			ForecastURL:          DefaultForecastURL,
			UserAgent:            DefaultWeatherUserAgent,
			GeocodeRatePerSecond: DefaultGeocodeRatePerSecond,
			RequestTimeout:       DefaultWeatherRequestTimeout,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

package starboarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/Zethrus/starboarder/starboarder.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var structValidator = validator.New()

const dryRunContextKey contextKey = "dry_run"

// shutdownAnnouncementInterval is how often the remaining shutdown time
// is logged while waiting on in-flight handlers
var shutdownAnnouncementInterval = 10 * time.Second

// Starboarder is the bot. It owns the gateway session, the shared
// document store and the admin API, and dispatches gateway events to
// the verification, moderation, starboard and awards features.
type Starboarder struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	store   Store
	discord *Discord
	api     *API

	geocoder   *Geocoder
	forecaster *Forecaster

	// dryRunFlag is seeded from Config.DryRun, and can be flipped at
	// runtime via the admin API
	dryRunFlag atomic.Bool

	// now is the clock used for every deadline computation
	now func() time.Time

	// userLocks serializes verification changes for a single user
	userLocks keyedMutex

	// messageLocks serializes starboard updates for a single message
	messageLocks keyedMutex

	// lastSweep is the unix time (nanoseconds) of the last finished sweep
	lastSweep atomic.Int64

	// runtimeWG tracks every goroutine spawned to handle a gateway
	// event or a sweep, so shutdown can wait on them
	runtimeWG sync.WaitGroup

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// signalReady has a value sent on it once Run has loaded the store,
	// started the API and connected to the gateway
	signalReady chan struct{}

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// The time Run was called
	startedAt time.Time
}

// New creates a Starboarder from the given config. The store is opened
// and the gateway connected by [Starboarder.Run].
func New(config *Config) (*Starboarder, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeJSON, dbTypeBolt, dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'json', 'bolt', 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	s := &Starboarder{
		config:      config,
		now:         time.Now,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}
	s.dryRunFlag.Store(config.DryRun)

	s.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(s.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	s.discord = newDiscord(
		config.Discord,
		newNamedLogger(config.Discord.LogLevel, "discord"),
	)

	s.geocoder = NewGeocoder(config.Weather, config.HTTPClient)
	s.forecaster = NewForecaster(config.Weather, config.HTTPClient)

	api, err := newAPI(s, config.API)
	errs = append(errs, err)
	s.api = api

	return s, errors.Join(errs...)
}

func (s *Starboarder) ValidateConfig() error {
	return structValidator.Struct(s.config)
}

// session returns the active discord session
func (s *Starboarder) session() DiscordSessionHandler {
	return s.discord.session
}

// dryRun reports whether mutating moderation actions are currently
// suppressed. Callers check it immediately before each mutating call.
// A context from WithDryRun can force dry-run on, never off.
func (s *Starboarder) dryRun(ctx context.Context) bool {
	if forced, ok := ctx.Value(dryRunContextKey).(bool); ok && forced {
		return true
	}
	return s.dryRunFlag.Load()
}

// WithDryRun returns a context in which mutating actions are simulated,
// regardless of the bot's dry-run setting
func WithDryRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, dryRunContextKey, true)
}

// SetDryRun enables or disables dry-run mode for the running process
func (s *Starboarder) SetDryRun(enabled bool) {
	previous := s.dryRunFlag.Swap(enabled)
	if previous != enabled {
		s.logger.Warn("dry run mode changed", "dry_run", enabled)
	}
}

// dryRunPrefix returns the prefix used on log lines and alerts for
// simulated actions
func (s *Starboarder) dryRunPrefix(ctx context.Context) string {
	if s.dryRun(ctx) {
		return "[DRY RUN] "
	}
	return ""
}

// RegisterSlashCommands overwrites the bot's slash commands
func (s *Starboarder) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if s.discord.session == nil {
		disc, err := s.discord.newSession()
		if err != nil {
			return nil, err
		}
		s.discord.session = disc
	}
	return s.discord.registerCommands(slashCommands(), options...)
}

// Run loads the store, starts the admin API (when enabled), connects to
// the discord gateway and blocks until ctx is canceled, then shuts down.
func (s *Starboarder) Run(ctx context.Context) error {
	// prevents concurrent runs
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.startedAt = s.now()
	logger := s.logger

	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", s.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			s.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- s.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			s.closeStore(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if s.config.API.Enabled {
		s.runtimeWG.Add(1)
		go func() {
			defer s.runtimeWG.Done()
			httpErr := s.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				s.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if listener, ok := s.store.(interface {
		Listen(ctx context.Context) error
	}); ok {
		s.runtimeWG.Add(1)
		go func() {
			defer s.runtimeWG.Done()
			if e := listener.Listen(ctx); e != nil && !errors.Is(e, context.Canceled) {
				s.logger.ErrorContext(ctx, "error listening for document updates", tint.Err(e))
			}
		}()
	}

	if err := s.initDiscordSession(ctx); err != nil {
		s.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		s.closeStore(ctx)
		return err
	}

	s.logger.InfoContext(ctx, "connecting to discord")
	if err := s.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		s.closeStore(ctx)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if s.config.Discord.RegisterCommands {
		if _, err := s.RegisterSlashCommands(discordgo.WithContext(startCtx)); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	s.startSweeper(ctx)

	s.signalReady <- struct{}{}
	s.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-ctx.Done()

	return s.shutdown(ctx)
}

// Stop signals a running bot to shut down
func (s *Starboarder) Stop() {
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the store and persists any upgrade applied to the
// stored document
func (s *Starboarder) initRun(startCtx context.Context, _ context.Context) error {
	if s.store == nil {
		store, err := NewStore(
			startCtx,
			s.config,
			newNamedLogger(s.config.DatabaseLogLevel, "store"),
		)
		if err != nil {
			return fmt.Errorf("error opening store: %w", err)
		}
		s.store = store
	}
	if _, err := updateDocument(
		startCtx,
		s.store,
		func(*Document) error { return nil },
	); err != nil {
		return fmt.Errorf("error initializing document: %w", err)
	}
	return nil
}

func (s *Starboarder) closeStore(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.ErrorContext(ctx, "error closing store", tint.Err(err))
	}
}

// initDiscordSession creates the session (if one hasn't been set) and
// attaches the gateway event handlers. Every handler runs in its own
// goroutine, tracked by runtimeWG.
func (s *Starboarder) initDiscordSession(ctx context.Context) error {
	logger := s.logger.With(loggerNameKey, "discord_session")

	if s.discord.session == nil {
		disc, discErr := s.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		s.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range s.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session := s.discord.session
	s.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(s.discord.handlerConnect()),
		session.AddHandler(s.discord.handlerDisconnect()),
		session.AddHandler(s.discord.handlerReady()),
		session.AddHandler(s.discord.handlerGuildCreate()),
		session.AddHandler(s.discord.handlerGuildDelete()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := newGatewayHandler(s.discord.session, i, s.logger)
				s.spawn(ctx, func(ctx context.Context) {
					s.handleInteraction(ctx, handler)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				s.spawn(ctx, func(ctx context.Context) {
					s.handleMessageCreate(ctx, m)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				s.spawn(ctx, func(ctx context.Context) {
					s.handleReactionAdd(ctx, r)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				s.spawn(ctx, func(ctx context.Context) {
					s.handleReactionRemove(ctx, r)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				s.spawn(ctx, func(ctx context.Context) {
					s.HandleJoin(ctx, m.Member)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
				s.spawn(ctx, func(ctx context.Context) {
					s.handleMemberRemove(ctx, m.Member)
				})
			},
		),
	}
	return nil
}

// spawn runs fn in a goroutine tracked by runtimeWG, recovering panics
func (s *Starboarder) spawn(ctx context.Context, fn func(ctx context.Context)) {
	s.runtimeWG.Add(1)
	go func() {
		defer s.runtimeWG.Done()
		defer func() {
			if rc := recover(); rc != nil {
				s.handleRecover(ctx, rc)
			}
		}()
		fn(ctx)
	}()
}

// handleReactionAdd routes a reaction to verification (the ✅ on the
// verification message) or the starboard
func (s *Starboarder) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	if r.UserID == s.discord.BotUserID() {
		return
	}
	if r.Member != nil && r.Member.User != nil && r.Member.User.Bot {
		return
	}
	if r.Emoji.Name == verificationEmoji {
		doc, err := s.store.Load(ctx)
		if err != nil {
			contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error loading document", tint.Err(err))
			return
		}
		if doc.VerificationMessageID != "" && r.MessageID == doc.VerificationMessageID {
			s.RequestVerification(ctx, r.MessageReaction)
			return
		}
	}
	s.HandleStarReaction(ctx, r.MessageReaction)
}

func (s *Starboarder) handleReactionRemove(
	ctx context.Context,
	r *discordgo.MessageReactionRemove,
) {
	if r.MessageReaction == nil || r.GuildID == "" {
		return
	}
	s.HandleStarReaction(ctx, r.MessageReaction)
}

// handleMessageCreate handles theme submissions in the photography channel
func (s *Starboarder) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Message == nil || m.GuildID == "" {
		return
	}
	if m.Author == nil || m.Author.Bot {
		return
	}
	s.HandleThemeSubmission(ctx, m.Message)
}

// handleMemberRemove drops the tracking entry and verification progress
// of a member who left
func (s *Starboarder) handleMemberRemove(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil || member.User.Bot {
		return
	}
	logger := contextLoggerOr(ctx, s.logger).With(
		"guild_id", member.GuildID,
		"user_id", member.User.ID,
	)
	guildCount := len(s.discord.GuildIDs())
	var removed bool
	_, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			entry, tracked := doc.MemberJoinDates[member.User.ID]
			_, inProgress := doc.VerificationProgress[member.User.ID]
			if !tracked && !inProgress {
				return errNoChange
			}
			// leaving one guild doesn't end tracking started in another
			if tracked && !entry.ownedBy(member.GuildID, false, guildCount) {
				return errNoChange
			}
			if !tracked && guildCount > 1 {
				return errNoChange
			}
			delete(doc.MemberJoinDates, member.User.ID)
			delete(doc.VerificationProgress, member.User.ID)
			removed = true
			return nil
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error removing departed member", tint.Err(err))
		return
	}
	if removed {
		logger.InfoContext(ctx, "member left, stopped tracking")
	}
}

// staffLog posts a line to the guild's log channel. Failures are logged.
func (s *Starboarder) staffLog(ctx context.Context, guildID string, content string) {
	s.staffLogComplex(ctx, guildID, &discordgo.MessageSend{Content: content})
}

func (s *Starboarder) staffLogComplex(
	ctx context.Context,
	guildID string,
	msg *discordgo.MessageSend,
) {
	logger := contextLoggerOr(ctx, s.logger)
	ch, err := findChannelByName(
		s.session(),
		guildID,
		s.config.Channels.Log,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "log channel unavailable", "guild_id", guildID, tint.Err(err))
		return
	}
	msg.Content = truncate(msg.Content, discordMessageMaxLength)
	if msg.AllowedMentions == nil {
		msg.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}
	if _, err = s.session().ChannelMessageSendComplex(
		ch.ID,
		msg,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error posting to log channel", tint.Err(err))
	}
}

func (s *Starboarder) shutdown(ctx context.Context) error {
	s.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(s.config.ShutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	s.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", s.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	if s.api.httpServer != nil {
		go func() {
			s.logger.InfoContext(ctx, "stopping http server")
			_ = s.api.httpServer.Shutdown(closeCtx)
			s.logger.InfoContext(ctx, "http server stopped")
		}()
	}

	if s.discord.session != nil {
		s.logger.InfoContext(ctx, "closing discord session")
		_ = s.discord.session.Close()
		for _, h := range s.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		s.discord.discordgoRemoveHandlerFuncs = nil
		s.logger.InfoContext(ctx, "discord session closed")
	}

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		s.runtimeWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	for {
		select {
		case <-gracefulShutdownCh:
			s.closeStore(ctx)
			shutdownEnded := time.Now()
			s.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			s.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			s.logger.Warn("handlers did not stop in time, forcing close")
			if s.api.httpServer != nil {
				go func() {
					_ = s.api.httpServer.Close()
				}()
			}
			s.closeStore(ctx)
			return fmt.Errorf("handlers did not stop in time")
		}
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

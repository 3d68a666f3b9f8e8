package starboarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthz"
	apiPathDocument         = "/document"
	apiPathSweep            = "/sweep"
	apiPathConfig           = "/config"
	apiPathDryRun           = "/dry_run"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathBackfill         = "/backfill"
	apiPathStarboardMigrate = "/starboard/migrate"
	apiPathCheckEvasion     = "/check_evasion"
)

const (
	xRequestIDHeader    = "X-Request-ID"
	bearerPrefix        = "Bearer "
	apiLoggerContextKey = contextKey("api_logger")
)

// API is the admin HTTP server. Every route under /api requires the
// bearer token whose hash is stored in the document.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger

	// authLimiter throttles failed authentication attempts. Once it's
	// exhausted every /api request is refused until it refills.
	authLimiter *rate.Limiter

	handlers *APIHandlers
}

// APIHandlers holds the handlers for the admin API's routes
type APIHandlers struct {
	s      *Starboarder
	logger *slog.Logger
}

func newAPI(s *Starboarder, config *APIConfig) (*API, error) {
	if config == nil {
		return nil, errors.New("api config is required")
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:      config,
		engine:      r,
		logger:      newNamedLogger(config.LogLevel, "api"),
		authLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	api.handlers = &APIHandlers{s: s, logger: api.logger}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(s, api))

	protected.GET(apiPathDocument, api.handlers.getDocument)
	protected.GET(apiPathConfig, api.handlers.getConfig)
	protected.POST(apiPathSweep, api.handlers.sweep)
	protected.POST(apiPathDryRun, api.handlers.setDryRun)
	protected.POST(apiPathRegisterCommands, api.handlers.registerCommands)
	protected.POST(apiPathBackfill, api.handlers.backfill)
	protected.POST(apiPathStarboardMigrate, api.handlers.starboardMigrate)
	protected.POST(apiPathCheckEvasion, api.handlers.checkEvasion)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool       `json:"discord_gateway_connected"`
	DryRun                  bool       `json:"dry_run"`
	Guilds                  int        `json:"guilds"`
	LastSweep               *time.Time `json:"last_sweep,omitempty"`
	StartedAt               time.Time  `json:"started_at"`
}

type httpError struct {
	Error string `json:"error"`
}

// sweepRequest is the payload for POST /api/sweep. An empty GuildID
// sweeps every guild the bot is in. DryRun can only force a rehearsal.
type sweepRequest struct {
	GuildID string `json:"guild_id"`
	DryRun  *bool  `json:"dry_run"`
}

type dryRunRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type dryRunResponse struct {
	DryRun bool `json:"dry_run"`
}

type guildRequest struct {
	GuildID string `json:"guild_id" binding:"required"`
}

type starboardMigrateResponse struct {
	Migrated   int `json:"migrated"`
	Duplicates int `json:"duplicates"`
}

type checkEvasionResponse struct {
	Report string `json:"report"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	s := h.s
	resp := healthCheckResponse{
		DiscordGatewayConnected: s.discord.connected.Load(),
		DryRun:                  s.dryRun(c.Request.Context()),
		Guilds:                  len(s.discord.GuildIDs()),
		StartedAt:               s.startedAt,
	}
	if last, ok := s.LastSweep(); ok {
		resp.LastSweep = &last
	}
	c.JSON(http.StatusOK, resp)
}

// getDocument returns the stored document, without the admin token hash
func (h *APIHandlers) getDocument(c *gin.Context) {
	logger := ginContextLogger(c)
	doc, err := h.s.store.Load(c.Request.Context())
	if err != nil {
		logger.Error("error loading document", tint.Err(err))
		ginReplyError(c, "error loading document")
		return
	}
	doc.AdminTokenHash = ""
	c.JSON(http.StatusOK, doc)
}

// getConfig returns the running configuration, with secrets redacted
func (h *APIHandlers) getConfig(c *gin.Context) {
	cfg := *h.s.config
	discordCfg := *cfg.Discord
	discordCfg.Token = "[redacted]"
	cfg.Discord = &discordCfg
	if cfg.DatabaseType == dbTypePostgres {
		cfg.Database = "[redacted]"
	}
	cfg.HTTPClient = nil
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) sweep(c *gin.Context) {
	logger := ginContextLogger(c)
	var req sweepRequest
	// an empty body sweeps every guild
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := WithLogger(c.Request.Context(), logger)
	if req.DryRun != nil && *req.DryRun {
		ctx = WithDryRun(ctx)
	}

	if req.GuildID == "" {
		reports, err := h.s.SweepAll(ctx, SweepTriggerAPI)
		if err != nil {
			logger.Error("sweep finished with errors", tint.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "reports": reports})
			return
		}
		c.JSON(http.StatusOK, reports)
		return
	}

	report, err := h.s.Sweep(ctx, req.GuildID, SweepTriggerAPI)
	switch {
	case errors.Is(err, ErrSweepSkipped):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		logger.Error("sweep failed", tint.Err(err))
		ginReplyError(c, "sweep failed")
	default:
		c.JSON(http.StatusOK, report)
	}
}

func (h *APIHandlers) setDryRun(c *gin.Context) {
	var req dryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	h.s.SetDryRun(*req.Enabled)
	ginContextLogger(c).Warn("dry run updated via api", "dry_run", *req.Enabled)
	c.JSON(http.StatusOK, dryRunResponse{DryRun: h.s.dryRun(c.Request.Context())})
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Info("registering commands")

	created, err := h.s.RegisterSlashCommands(discordgo.WithContext(c.Request.Context()))
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *APIHandlers) backfill(c *gin.Context) {
	var req guildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logger := ginContextLogger(c)
	result, err := h.s.BackfillJoins(WithLogger(c.Request.Context(), logger), req.GuildID)
	if err != nil {
		logger.Error("error backfilling join dates", tint.Err(err))
		ginReplyError(c, "error backfilling join dates")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) starboardMigrate(c *gin.Context) {
	var req guildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logger := ginContextLogger(c)
	migrated, duplicates, err := h.s.MigrateStarboard(WithLogger(c.Request.Context(), logger), req.GuildID)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "starboard channel not found"})
	case err != nil:
		logger.Error("error migrating starboard", tint.Err(err))
		ginReplyError(c, "error migrating starboard")
	default:
		c.JSON(http.StatusOK, starboardMigrateResponse{Migrated: migrated, Duplicates: duplicates})
	}
}

func (h *APIHandlers) checkEvasion(c *gin.Context) {
	var req guildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	logger := ginContextLogger(c)
	report, err := h.s.CheckEvasion(WithLogger(c.Request.Context(), logger), req.GuildID)
	if err != nil {
		logger.Error("error checking for ban evasion", tint.Err(err))
		ginReplyError(c, "error checking for ban evasion")
		return
	}
	c.JSON(http.StatusOK, checkEvasionResponse{Report: report})
}

// authMiddleware requires an 'Authorization: Bearer <token>' header
// matching the stored admin token hash
func authMiddleware(s *Starboarder, a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.authLimiter.Tokens() < 1 {
			logger.Warn("api request rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}
		// only failed attempts spend from the limiter
		unauthorized := func(msg string) {
			a.authLimiter.Allow()
			if msg != "" {
				logger.Warn(msg)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		}

		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, bearerPrefix)
		if !found || token == "" {
			unauthorized("")
			return
		}

		doc, err := s.store.Load(c.Request.Context())
		if err != nil {
			logger.Error("error loading document", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if doc.AdminTokenHash == "" {
			unauthorized("admin token not set, run 'starboarder init'")
			return
		}
		valid, err := verifyToken(doc.AdminTokenHash, token)
		if err != nil {
			logger.Error("error verifying token", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if !valid {
			unauthorized("invalid admin token")
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			var err error
			id, err = generateRandomHexString(32)
			if err != nil {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set on the gin context,
// creating one with the request details if it doesn't exist yet
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if v, ok := c.Get(string(apiLoggerContextKey)); ok {
		if l, ok := v.(*slog.Logger); ok {
			base = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(string(apiLoggerContextKey), logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

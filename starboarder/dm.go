package starboarder

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DMResult is the outcome of a direct message attempt
type DMResult int

const (
	// DMOk means the message was delivered
	DMOk DMResult = iota

	// DMFailed means the message couldn't be delivered, usually because
	// the recipient doesn't accept DMs
	DMFailed

	// DMRateLimited means the send was rejected by a rate limit, and may
	// succeed later
	DMRateLimited

	// DMSkipped means no attempt was made (dry run)
	DMSkipped
)

func (r DMResult) String() string {
	switch r {
	case DMOk:
		return "ok"
	case DMFailed:
		return "failed"
	case DMRateLimited:
		return "rate_limited"
	case DMSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (r DMResult) LogValue() slog.Value {
	return slog.StringValue(r.String())
}

// sendDM sends a direct message to the given user. It never returns an
// error: failures are logged and reported through the result.
func sendDM(
	ctx context.Context,
	session DiscordSessionHandler,
	logger *slog.Logger,
	userID string,
	msg *discordgo.MessageSend,
) DMResult {
	logger = contextLoggerOr(ctx, logger).With("user_id", userID)

	ch, err := session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return dmResultFromError(ctx, logger, err)
	}
	if _, err = session.ChannelMessageSendComplex(
		ch.ID,
		msg,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	); err != nil {
		return dmResultFromError(ctx, logger, err)
	}
	logger.DebugContext(ctx, "sent DM")
	return DMOk
}

func dmResultFromError(ctx context.Context, logger *slog.Logger, err error) DMResult {
	switch {
	case isRateLimited(err):
		logger.WarnContext(ctx, "rate limited sending DM", tint.Err(err))
		return DMRateLimited
	case isCannotDM(err):
		logger.InfoContext(ctx, "user does not accept DMs")
		return DMFailed
	default:
		logger.WarnContext(ctx, "unable to send DM", tint.Err(err))
		return DMFailed
	}
}

// dm sends a direct message unless dry-run is enabled, in which case the
// message is only logged
func (s *Starboarder) dm(ctx context.Context, userID string, msg *discordgo.MessageSend) DMResult {
	logger := contextLoggerOr(ctx, s.logger)
	if s.dryRun(ctx) {
		logger.InfoContext(
			ctx,
			"[DRY RUN] skipped DM",
			"user_id", userID,
			"content", truncate(msg.Content, 200),
		)
		return DMSkipped
	}
	return sendDM(ctx, s.session(), logger, userID, msg)
}

// dmText is dm for plain text messages
func (s *Starboarder) dmText(ctx context.Context, userID string, content string) DMResult {
	return s.dm(
		ctx,
		userID,
		&discordgo.MessageSend{Content: truncate(content, discordMessageMaxLength)},
	)
}

package starboarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const customIDFormat = "%s:%s"

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions, editing the response
// and sending followups.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Followup sends an additional message for the interaction
	Followup(
		ctx context.Context,
		params *discordgo.WebhookParams,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With(slog.Group("interaction", interactionLogAttrs(i)...)),
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		append(opts, discordgo.WithContext(ctx))...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(
		w.interaction.Interaction,
		true,
		params,
		append(opts, discordgo.WithContext(ctx))...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func interactionLogAttrs(i *discordgo.InteractionCreate) []any {
	if i == nil || i.Interaction == nil {
		return nil
	}
	attrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
		"guild_id", i.GuildID,
		"channel_id", i.ChannelID,
	}
	if u := interactionUser(i.Interaction); u != nil {
		attrs = append(attrs, "user_id", u.ID, "username", u.Username)
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		attrs = append(attrs, "command", i.ApplicationCommandData().Name)
	case discordgo.InteractionMessageComponent:
		attrs = append(attrs, "custom_id", i.MessageComponentData().CustomID)
	case discordgo.InteractionModalSubmit:
		attrs = append(attrs, "custom_id", i.ModalSubmitData().CustomID)
	}
	return attrs
}

// respondEphemeral replies with a message only the invoking user can see
func respondEphemeral(ctx context.Context, h InteractionHandler, content string) error {
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMessageMaxLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// deferEphemeral acknowledges the interaction, so the response can be
// edited in later with editResponse
func deferEphemeral(ctx context.Context, h InteractionHandler) error {
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// deferPublic acknowledges the interaction with a response visible to
// the whole channel
func deferPublic(ctx context.Context, h InteractionHandler) error {
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
}

// deferUpdate acknowledges a component interaction without changing the
// message it's attached to
func deferUpdate(ctx context.Context, h InteractionHandler) error {
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	)
}

func editResponse(ctx context.Context, h InteractionHandler, content string) {
	content = truncate(content, discordMessageMaxLength)
	_, _ = h.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

func editResponseEmbeds(
	ctx context.Context,
	h InteractionHandler,
	content string,
	embeds ...*discordgo.MessageEmbed,
) {
	content = truncate(content, discordMessageMaxLength)
	_, _ = h.Edit(
		ctx,
		&discordgo.WebhookEdit{Content: &content, Embeds: &embeds},
	)
}

func followupEphemeral(ctx context.Context, h InteractionHandler, content string) {
	_, _ = h.Followup(
		ctx,
		&discordgo.WebhookParams{
			Content: truncate(content, discordMessageMaxLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	)
}

// splitCustomID splits a component custom ID of the form 'action:value'
func splitCustomID(customID string) (action string, value string) {
	action, value, _ = strings.Cut(customID, ":")
	return action, value
}

func newCustomID(action string, value string) string {
	return fmt.Sprintf(customIDFormat, action, value)
}

// commandOptions maps the top-level (or subcommand) options by name
func commandOptions(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		m[opt.Name] = opt
	}
	return m
}

// optionString returns a string, user, role or channel option's value
func optionString(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	opt, ok := opts[name]
	if !ok || opt == nil {
		return ""
	}
	s, _ := opt.Value.(string)
	return strings.TrimSpace(s)
}

// modalTextValue returns the value of the text input with the given custom
// ID in a modal submission
func modalTextValue(data discordgo.ModalSubmitInteractionData, customID string) string {
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, rc := range row.Components {
			input, ok := rc.(*discordgo.TextInput)
			if !ok {
				continue
			}
			if input.CustomID == customID {
				return strings.TrimSpace(input.Value)
			}
		}
	}
	return ""
}

// handleRecover handles the recovery from a panic in a handler goroutine
func (*Starboarder) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

package starboarder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandAward             = "award"
	commandSweep             = "sweep"
	commandCheckEvasion      = "check-evasion"
	commandCheckAlts         = "check-alts"
	commandSetupVerification = "setup-verification"
	commandSetupReactions    = "setup-reactions"
	commandBackfillJoins     = "backfill-joins"
	commandStarboardMigrate  = "starboard-migrate"
	commandMove              = "move"
	commandWeather           = "weather"
	commandRainToday         = "raintoday"
	commandSetLocation       = "set-location"
	commandSunrise           = "sunrise"
	commandSunset            = "sunset"
	commandGoldenHour        = "goldenhour"
	commandMoonPhase         = "moonphase"
	commandHelp              = "help"
)

func guildOnly() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

func permissions(p int64) *int64 {
	return &p
}

func locationOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "location",
		Description: description,
	}
}

// slashCommands returns every application command the bot registers
func slashCommands() []*discordgo.ApplicationCommand {
	awardName := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "name",
			Description: description,
			Required:    true,
		}
	}
	awardUser := func(description string, required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        "user",
			Description: description,
			Required:    required,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        commandAward,
			Description: "Manage awards",
			Contexts:    guildOnly(),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "create",
					Description: "Create an award linked to a role",
					Options: []*discordgo.ApplicationCommandOption{
						awardName("The award name"),
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role",
							Description: "The role given with the award",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "delete",
					Description: "Delete an award, removing it from everyone",
					Options:     []*discordgo.ApplicationCommandOption{awardName("The award name")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "add",
					Description: "Give an award to a member",
					Options: []*discordgo.ApplicationCommandOption{
						awardUser("The member to give the award to", true),
						awardName("The award name"),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Take one award away from a member",
					Options: []*discordgo.ApplicationCommandOption{
						awardUser("The member to remove the award from", true),
						awardName("The award name"),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "display",
					Description: "Show a member's awards",
					Options: []*discordgo.ApplicationCommandOption{
						awardUser("The member (defaults to you)", false),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "leaderboard",
					Description: "Show the top award holders",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "award",
							Description: "Limit the leaderboard to one award",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List every award",
				},
			},
		},
		{
			Name:                     commandSweep,
			Description:              "Remind or purge unverified members now",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "dry_run",
					Description: "Only report what would happen",
				},
			},
		},
		{
			Name:                     commandCheckEvasion,
			Description:              "Score every member for ban evasion signals",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
		},
		{
			Name:                     commandCheckAlts,
			Description:              "Find accounts created around the same time as a member",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "The member to compare against",
					Required:    true,
				},
			},
		},
		{
			Name:                     commandSetupVerification,
			Description:              "Post the rules and verification messages",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
		},
		{
			Name:                     commandSetupReactions,
			Description:              "Post the age role buttons",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
		},
		{
			Name:                     commandBackfillJoins,
			Description:              "Start tracking unverified members who joined before the bot",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
		},
		{
			Name:                     commandStarboardMigrate,
			Description:              "Rebuild the starboard index from the starboard channel",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionAdministrator),
		},
		{
			Name:                     commandMove,
			Description:              "Move a message with an image or video to another channel",
			Contexts:                 guildOnly(),
			DefaultMemberPermissions: permissions(discordgo.PermissionManageMessages),
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "message_id",
					Description: "The ID of the message to move (in this channel)",
					Required:    true,
				},
				{
					Type:         discordgo.ApplicationCommandOptionChannel,
					Name:         "destination",
					Description:  "The channel to move the message to",
					Required:     true,
					ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Why the message was moved",
				},
			},
		},
		{
			Name:        commandWeather,
			Description: "Get the current weather for a location",
			Options:     []*discordgo.ApplicationCommandOption{locationOption("e.g. \"Edmonton\" (defaults to your saved location)")},
		},
		{
			Name:        commandRainToday,
			Description: "Check the chance of rain today",
			Options:     []*discordgo.ApplicationCommandOption{locationOption("e.g. \"London\" (defaults to your saved location)")},
		},
		{
			Name:        commandSetLocation,
			Description: "Set your default location for weather and sun commands",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "location",
					Description: "e.g. \"Edmonton\", \"London, UK\"",
					Required:    true,
				},
			},
		},
		{
			Name:        commandSunrise,
			Description: "Get today's sunrise time",
			Options:     []*discordgo.ApplicationCommandOption{locationOption("e.g. \"Tokyo\" (defaults to your saved location)")},
		},
		{
			Name:        commandSunset,
			Description: "Get today's sunset time",
			Options:     []*discordgo.ApplicationCommandOption{locationOption("e.g. \"Tokyo\" (defaults to your saved location)")},
		},
		{
			Name:        commandGoldenHour,
			Description: "Get today's golden hour times",
			Options:     []*discordgo.ApplicationCommandOption{locationOption("e.g. \"Tokyo\" (defaults to your saved location)")},
		},
		{
			Name:        commandMoonPhase,
			Description: "Show the current phase of the moon",
		},
		{
			Name:        commandHelp,
			Description: "List the bot's commands",
		},
	}
}

// optionBool returns a boolean option's value, and whether it was set
func optionBool(
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
	name string,
) (value bool, ok bool) {
	opt, exists := opts[name]
	if !exists || opt == nil {
		return false, false
	}
	value, ok = opt.Value.(bool)
	return value, ok
}

// handleInteraction routes an interaction to the command, button, select
// menu or modal it belongs to
func (s *Starboarder) handleInteraction(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	ctx = WithLogger(ctx, logger)

	user := interactionUser(i.Interaction)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}
	logger.InfoContext(ctx, "received interaction")

	switch i.Type {
	case discordgo.InteractionPing:
		_ = h.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		s.handleCommand(ctx, h)
	case discordgo.InteractionMessageComponent:
		s.handleComponent(ctx, h)
	case discordgo.InteractionModalSubmit:
		action, value := splitCustomID(i.ModalSubmitData().CustomID)
		switch action {
		case customIDVerifyDenyModal:
			s.handleDenyModal(ctx, h, value)
		default:
			logger.WarnContext(ctx, "unknown modal")
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (s *Starboarder) handleComponent(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	action, value := splitCustomID(i.MessageComponentData().CustomID)
	switch action {
	case customIDRulesAgree:
		s.handleRulesAgree(ctx, h)
	case customIDVerifyApprove:
		s.ApproveVerification(ctx, h, value)
	case customIDVerifyDeny:
		s.handleDenyButton(ctx, h, value)
	case customIDVerifyDenyReason:
		s.handleDenyReason(ctx, h, value)
	case customIDEvasionBan:
		s.handleEvasionBan(ctx, h, value)
	case customIDEvasionIgnore:
		s.handleEvasionIgnore(ctx, h, value)
	case customIDReactionRole:
		s.handleReactionRole(ctx, h, value)
	default:
		h.Logger().WarnContext(ctx, "unknown component")
		_ = respondEphemeral(ctx, h, "This button is no longer supported.")
	}
}

func (s *Starboarder) handleCommand(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	name := i.ApplicationCommandData().Name
	if i.GuildID == "" && commandRequiresGuild(name) {
		_ = respondEphemeral(ctx, h, "This command can only be used in a server.")
		return
	}

	switch name {
	case commandAward:
		s.handleAwardCommand(ctx, h)
	case commandSweep:
		s.handleSweepCommand(ctx, h)
	case commandCheckEvasion:
		s.handleCheckEvasionCommand(ctx, h)
	case commandCheckAlts:
		s.handleCheckAltsCommand(ctx, h)
	case commandSetupVerification:
		s.SetupVerification(ctx, h)
	case commandSetupReactions:
		s.SetupReactionRoles(ctx, h)
	case commandBackfillJoins:
		s.handleBackfillCommand(ctx, h)
	case commandStarboardMigrate:
		s.handleStarboardMigrateCommand(ctx, h)
	case commandMove:
		s.handleMoveCommand(ctx, h)
	case commandWeather:
		s.handleWeatherCommand(ctx, h)
	case commandRainToday:
		s.handleRainTodayCommand(ctx, h)
	case commandSetLocation:
		s.handleSetLocationCommand(ctx, h)
	case commandSunrise, commandSunset, commandGoldenHour:
		s.handleSunCommand(ctx, h, name)
	case commandMoonPhase:
		s.handleMoonPhaseCommand(ctx, h)
	case commandHelp:
		_ = respondEphemeral(ctx, h, helpMessage())
	default:
		h.Logger().WarnContext(ctx, "unknown command")
		_ = respondEphemeral(ctx, h, "Unknown command.")
	}
}

func commandRequiresGuild(name string) bool {
	switch name {
	case commandWeather, commandRainToday, commandSetLocation,
		commandSunrise, commandSunset, commandGoldenHour,
		commandMoonPhase, commandHelp:
		return false
	default:
		return true
	}
}

func helpMessage() string {
	commands := slashCommands()
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	lines := make([]string, 0, len(commands)+1)
	lines = append(lines, "**Commands**")
	for _, c := range commands {
		lines = append(lines, fmt.Sprintf("`/%s`: %s", c.Name, c.Description))
	}
	return strings.Join(lines, "\n")
}

func (s *Starboarder) handleSweepCommand(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionAdministrator,
		"You must be an Administrator to run this command.",
	) {
		return
	}
	i := h.GetInteraction()
	if forced, ok := optionBool(commandOptions(i.ApplicationCommandData().Options), "dry_run"); ok && forced {
		ctx = WithDryRun(ctx)
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	report, err := s.Sweep(ctx, i.GuildID, SweepTriggerCommand)
	switch {
	case errors.Is(err, ErrSweepSkipped):
		editResponse(ctx, h, fmt.Sprintf("Sweep skipped: %s", err))
	case err != nil:
		h.Logger().ErrorContext(ctx, "sweep failed", tint.Err(err))
		editResponse(ctx, h, "The sweep failed. Check the logs for details.")
	default:
		editResponse(ctx, h, report.String())
	}
}

func (s *Starboarder) handleCheckEvasionCommand(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionAdministrator,
		"You must be an Administrator to run this command.",
	) {
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	report, err := s.CheckEvasion(ctx, h.GetInteraction().GuildID)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error checking for ban evasion", tint.Err(err))
		editResponse(ctx, h, "An error occurred while checking members. Check the logs for details.")
		return
	}
	editResponse(ctx, h, report)
}

func (s *Starboarder) handleCheckAltsCommand(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionAdministrator,
		"You must be an Administrator to run this command.",
	) {
		return
	}
	i := h.GetInteraction()
	targetID := optionString(commandOptions(i.ApplicationCommandData().Options), "user")
	if targetID == "" {
		_ = respondEphemeral(ctx, h, "Usage: `/check-alts user:<@user>`")
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	report, err := s.CheckAlts(ctx, i.GuildID, targetID)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error checking for alts", tint.Err(err))
		editResponse(ctx, h, "An error occurred while checking members. Check the logs for details.")
		return
	}
	editResponse(ctx, h, report)
}

func (s *Starboarder) handleBackfillCommand(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionAdministrator,
		"You must be an Administrator to run this command.",
	) {
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	result, err := s.BackfillJoins(ctx, h.GetInteraction().GuildID)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error backfilling join dates", tint.Err(err))
		editResponse(
			ctx,
			h,
			"An error occurred while trying to backfill the member data. Check the logs for details.",
		)
		return
	}
	editResponse(
		ctx,
		h,
		fmt.Sprintf(
			"✅ **Backfill Complete!**\n- Added **%d** new members to the tracking database.\n"+
				"- Skipped **%d** members who were already being tracked.",
			result.Added,
			result.Existing,
		),
	)
}

func (s *Starboarder) handleStarboardMigrateCommand(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionAdministrator,
		"You must be an Administrator to run this command.",
	) {
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	migrated, duplicates, err := s.MigrateStarboard(ctx, h.GetInteraction().GuildID)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		editResponse(
			ctx,
			h,
			fmt.Sprintf(
				"Error: The starboard channel #%s was not found.",
				normalizeChannelName(s.config.Starboard.Channel),
			),
		)
	case err != nil:
		h.Logger().ErrorContext(ctx, "error migrating starboard", tint.Err(err))
		editResponse(
			ctx,
			h,
			"An error occurred while trying to migrate the starboard posts. Check the logs for details.",
		)
	default:
		editResponse(
			ctx,
			h,
			fmt.Sprintf(
				"✅ **Migration Complete!**\n- Migrated **%d** new starboard posts to the database.\n"+
					"- Found and skipped **%d** posts that were already logged.",
				migrated,
				duplicates,
			),
		)
	}
}

func (s *Starboarder) handleMoveCommand(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionManageMessages,
		"You need the Manage Messages permission to move messages.",
	) {
		return
	}
	i := h.GetInteraction()
	opts := commandOptions(i.ApplicationCommandData().Options)
	messageID := optionString(opts, "message_id")
	destination := optionString(opts, "destination")
	if messageID == "" || destination == "" {
		_ = respondEphemeral(ctx, h, "Usage: `/move message_id:<id> destination:<#channel> [reason]`")
		return
	}
	if !snowflakePattern.MatchString(messageID) {
		_ = respondEphemeral(ctx, h, "Invalid message ID format. Please use a valid message ID.")
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	_, err := s.MoveMessage(
		ctx,
		i.GuildID,
		i.ChannelID,
		messageID,
		destination,
		interactionUser(i.Interaction),
		optionString(opts, "reason"),
	)
	switch {
	case errors.Is(err, ErrNoMedia):
		editResponse(ctx, h, "The specified message does not contain an image or video attachment.")
	case isUnknownMessage(err):
		editResponse(ctx, h, "Could not find a message with that ID in this channel.")
	case err != nil:
		h.Logger().ErrorContext(ctx, "error moving message", tint.Err(err))
		editResponse(ctx, h, "There was an error moving the message. Please check my permissions and try again.")
	default:
		editResponse(ctx, h, fmt.Sprintf("Successfully moved the message to %s.", channelMention(destination)))
	}
}

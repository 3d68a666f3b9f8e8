package starboarder

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const customIDReactionRole = "reaction_role"

// ageRole is a self-assignable role offered on the reaction role message
type ageRole struct {
	Name  string
	Emoji string
}

var ageRoles = []ageRole{
	{Name: "16-17", Emoji: "🔵"},
	{Name: "18-20", Emoji: "🟢"},
	{Name: "21-24", Emoji: "🟣"},
	{Name: "25-29", Emoji: "🟠"},
	{Name: "30-34", Emoji: "⚪"},
	{Name: "35-39", Emoji: "🔴"},
	{Name: "40+", Emoji: "🟤"},
}

func isAgeRole(name string) bool {
	for _, r := range ageRoles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// ensureAgeRoles creates any age role missing from the guild, and returns
// the role ID for each age role name
func (s *Starboarder) ensureAgeRoles(ctx context.Context, guildID string) (map[string]string, error) {
	session := s.session()
	roles, err := session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error listing roles: %w", err)
	}
	ids := make(map[string]string, len(ageRoles))
	for _, ar := range ageRoles {
		if existing := roleByName(roles, ar.Name); existing != nil {
			ids[ar.Name] = existing.ID
			continue
		}
		created, createErr := session.GuildRoleCreate(
			guildID,
			&discordgo.RoleParams{Name: ar.Name},
			discordgo.WithContext(ctx),
		)
		if createErr != nil {
			return ids, fmt.Errorf("error creating role %q: %w", ar.Name, createErr)
		}
		ids[ar.Name] = created.ID
	}
	return ids, nil
}

func reactionRoleMessage() *discordgo.MessageSend {
	buttons := make([]discordgo.MessageComponent, 0, len(ageRoles))
	for _, ar := range ageRoles {
		buttons = append(
			buttons,
			discordgo.Button{
				Label:    ar.Name,
				Style:    discordgo.SecondaryButton,
				CustomID: newCustomID(customIDReactionRole, ar.Name),
				Emoji:    &discordgo.ComponentEmoji{Name: ar.Emoji},
			},
		)
	}
	var rows []discordgo.MessageComponent
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		rows = append(rows, discordgo.ActionsRow{Components: chunk})
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title: "Select Your Age Range",
				Description: "Click the button that corresponds to your age range to get the " +
					"appropriate role. This is optional and helps personalize your experience.",
				Color: colorBlurple,
			},
		},
		Components: rows,
	}
}

// SetupReactionRoles creates the age roles and posts the role buttons in
// the reaction role channel
func (s *Starboarder) SetupReactionRoles(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx, h, discordgo.PermissionAdministrator,
		"You must be an Administrator to run this command.",
	) {
		return
	}
	i := h.GetInteraction()
	logger := h.Logger()
	session := s.session()

	perms, err := botPermissions(session, i.GuildID, s.discord.BotUserID(), discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error checking bot permissions", tint.Err(err))
	} else if !hasPermission(perms, discordgo.PermissionManageRoles) {
		_ = respondEphemeral(
			ctx,
			h,
			"I need the \"Manage Roles\" permission to automatically create the necessary roles.",
		)
		return
	}

	channel, err := findChannelByName(session, i.GuildID, s.config.Channels.ReactionRole, discordgo.WithContext(ctx))
	if err != nil {
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf(
				"The channel #%s was not found. Please check the configuration.",
				normalizeChannelName(s.config.Channels.ReactionRole),
			),
		)
		return
	}
	if err = deferEphemeral(ctx, h); err != nil {
		return
	}

	if _, err = s.ensureAgeRoles(ctx, i.GuildID); err != nil {
		logger.ErrorContext(ctx, "error creating age roles", tint.Err(err))
		editResponse(ctx, h, "An error occurred creating roles. Please check my permissions and try again.")
		return
	}

	msg, err := session.ChannelMessageSendComplex(channel.ID, reactionRoleMessage(), discordgo.WithContext(ctx))
	if err != nil {
		editResponse(ctx, h, "An error occurred. Please check my permissions (Send Messages, etc.) and try again.")
		return
	}
	if _, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			doc.ReactionRoleMessageID = msg.ID
			return nil
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving reaction role message", tint.Err(err))
	}
	logger.InfoContext(ctx, "set up reaction roles", "message_id", msg.ID)
	editResponse(ctx, h, fmt.Sprintf("✅ Reaction roles posted in %s.", channelMention(channel.ID)))
}

// handleReactionRole handles an age role button, swapping the member's
// age role for the chosen one
func (s *Starboarder) handleReactionRole(ctx context.Context, h InteractionHandler, name string) {
	i := h.GetInteraction()
	logger := h.Logger().With("role_name", name)
	if !isAgeRole(name) || i.Member == nil || i.Member.User == nil {
		_ = respondEphemeral(ctx, h, "That role isn't available.")
		return
	}
	session := s.session()
	roles, err := session.GuildRoles(i.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error listing roles", tint.Err(err))
		_ = respondEphemeral(ctx, h, "Something went wrong, please try again later.")
		return
	}
	chosen := roleByName(roles, name)
	if chosen == nil {
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf("The role `%s` doesn't exist. Please ask a moderator to run /setup-reactions.", name),
		)
		return
	}

	userID := i.Member.User.ID
	if memberHasRole(i.Member, chosen.ID) {
		_ = respondEphemeral(ctx, h, fmt.Sprintf("You already have the **%s** role.", name))
		return
	}
	for _, ar := range ageRoles {
		existing := roleByName(roles, ar.Name)
		if existing == nil || existing.ID == chosen.ID || !memberHasRole(i.Member, existing.ID) {
			continue
		}
		if err = session.GuildMemberRoleRemove(
			i.GuildID,
			userID,
			existing.ID,
			discordgo.WithContext(ctx),
		); err != nil {
			_ = respondEphemeral(ctx, h, "I couldn't update your roles. Please contact a moderator.")
			return
		}
	}
	if err = session.GuildMemberRoleAdd(i.GuildID, userID, chosen.ID, discordgo.WithContext(ctx)); err != nil {
		_ = respondEphemeral(ctx, h, "I couldn't update your roles. Please contact a moderator.")
		return
	}
	logger.InfoContext(ctx, "assigned age role")
	_ = respondEphemeral(ctx, h, fmt.Sprintf("You now have the **%s** role.", name))
}

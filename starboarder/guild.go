package starboarder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrRoleNotFound    = errors.New("role not found")
)

// normalizeChannelName strips a leading '#' so channel names can be
// configured either way
func normalizeChannelName(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "#")
}

// findChannelByName returns the guild text channel with exactly the given
// name
func findChannelByName(
	session DiscordSessionHandler,
	guildID string,
	name string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	name = normalizeChannelName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: no channel name configured", ErrChannelNotFound)
	}
	channels, err := session.GuildChannels(guildID, options...)
	if err != nil {
		return nil, fmt.Errorf("error listing channels: %w", err)
	}
	for _, c := range channels {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: #%s", ErrChannelNotFound, name)
}

// findRoleByName returns the role matching the given name, ignoring case
// and surrounding whitespace
func findRoleByName(
	session DiscordSessionHandler,
	guildID string,
	name string,
	options ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	roles, err := session.GuildRoles(guildID, options...)
	if err != nil {
		return nil, fmt.Errorf("error listing roles: %w", err)
	}
	role := roleByName(roles, name)
	if role == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

func roleByName(roles []*discordgo.Role, name string) *discordgo.Role {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return nil
	}
	for _, r := range roles {
		if strings.ToLower(strings.TrimSpace(r.Name)) == want {
			return r
		}
	}
	return nil
}

func roleByID(roles []*discordgo.Role, id string) *discordgo.Role {
	for _, r := range roles {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func memberHasRole(member *discordgo.Member, roleID string) bool {
	if member == nil || roleID == "" {
		return false
	}
	return slices.Contains(member.Roles, roleID)
}

// memberPermissions computes a member's guild-level permissions from
// their roles
func memberPermissions(
	guild *discordgo.Guild,
	roles []*discordgo.Role,
	member *discordgo.Member,
) int64 {
	if member == nil || member.User == nil {
		return 0
	}
	if guild != nil && guild.OwnerID == member.User.ID {
		return discordgo.PermissionAll
	}
	var perms int64
	for _, r := range roles {
		if guild != nil && r.ID == guild.ID {
			// @everyone
			perms |= r.Permissions
			continue
		}
		if memberHasRole(member, r.ID) {
			perms |= r.Permissions
		}
	}
	if perms&discordgo.PermissionAdministrator != 0 {
		return discordgo.PermissionAll
	}
	return perms
}

// hasPermission reports whether perms includes any of the given
// permissions, or Administrator
func hasPermission(perms int64, anyOf ...int64) bool {
	if perms&discordgo.PermissionAdministrator != 0 {
		return true
	}
	for _, p := range anyOf {
		if perms&p == p {
			return true
		}
	}
	return false
}

// botPermissions returns the bot's own permissions in the guild
func botPermissions(
	session DiscordSessionHandler,
	guildID string,
	botUserID string,
	options ...discordgo.RequestOption,
) (int64, error) {
	guild, err := session.Guild(guildID, options...)
	if err != nil {
		return 0, fmt.Errorf("error fetching guild: %w", err)
	}
	roles := guild.Roles
	if len(roles) == 0 {
		roles, err = session.GuildRoles(guildID, options...)
		if err != nil {
			return 0, fmt.Errorf("error listing roles: %w", err)
		}
	}
	member, err := session.GuildMember(guildID, botUserID, options...)
	if err != nil {
		return 0, fmt.Errorf("error fetching bot member: %w", err)
	}
	return memberPermissions(guild, roles, member), nil
}

// memberDisplayName returns the name shown for a member in reports
func memberDisplayName(member *discordgo.Member) string {
	if member == nil || member.User == nil {
		return "unknown"
	}
	if member.Nick != "" {
		return member.Nick
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}

// interactionUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i == nil {
		return nil
	}
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// interactionPermissions returns the invoking member's permissions in the
// interaction's channel
func interactionPermissions(i *discordgo.Interaction) int64 {
	if i == nil || i.Member == nil {
		return 0
	}
	return i.Member.Permissions
}

// isImageAttachment reports whether the attachment is an image
func isImageAttachment(a *discordgo.MessageAttachment) bool {
	if a == nil {
		return false
	}
	if strings.HasPrefix(a.ContentType, "image/") {
		return true
	}
	if a.ContentType != "" {
		return false
	}
	ext := strings.ToLower(a.Filename)
	for _, suffix := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(ext, suffix) {
			return true
		}
	}
	return false
}

// messageImages returns the image URLs carried by a message, from
// attachments and then embeds
func messageImages(m *discordgo.Message) []string {
	if m == nil {
		return nil
	}
	var images []string
	for _, a := range m.Attachments {
		if isImageAttachment(a) {
			images = append(images, a.URL)
		}
	}
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		if e.Image != nil && e.Image.URL != "" {
			images = append(images, e.Image.URL)
		}
		if e.Thumbnail != nil && e.Thumbnail.URL != "" {
			images = append(images, e.Thumbnail.URL)
		}
	}
	return images
}

func messageAuthor(m *discordgo.Message) *discordgo.User {
	if m == nil {
		return nil
	}
	if m.Author != nil {
		return m.Author
	}
	if m.Member != nil {
		return m.Member.User
	}
	return nil
}

func userMention(userID string) string {
	return "<@" + userID + ">"
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}

// guildMembers fetches every member of the guild, a page at a time
func guildMembers(
	ctx context.Context,
	session DiscordSessionHandler,
	guildID string,
) ([]*discordgo.Member, error) {
	var members []*discordgo.Member
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return members, err
		}
		page, err := session.GuildMembers(
			guildID,
			after,
			discordMaxMembersPerFetch,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return members, fmt.Errorf("error fetching members after %q: %w", after, err)
		}
		members = append(members, page...)
		if len(page) < discordMaxMembersPerFetch {
			return members, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return members, nil
		}
		after = last.User.ID
	}
}

package starboarder

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorGold = 0xFFD700

	starboardFieldOriginal = "Original Message"
	starboardFieldStars    = "Stars"
	starboardFieldChannel  = "Channel"
	starboardFooterPrefix  = "Message ID: "
)

var (
	customEmojiPattern     = regexp.MustCompile(`^<?(a)?:([^\s:]+):(\d+)>?$`)
	starboardFooterPattern = regexp.MustCompile(`Message ID: (\d+)`)
)

// StarEmoji is the parsed form of the configured starboard emoji
type StarEmoji struct {
	Name     string
	ID       string
	Animated bool
}

// ParseStarEmoji parses a unicode emoji, or a custom emoji in the form
// <:name:id> or <a:name:id>
func ParseStarEmoji(s string) StarEmoji {
	s = strings.TrimSpace(s)
	if m := customEmojiPattern.FindStringSubmatch(s); m != nil {
		return StarEmoji{Animated: m[1] == "a", Name: m[2], ID: m[3]}
	}
	return StarEmoji{Name: s}
}

func (e StarEmoji) IsCustom() bool {
	return e.ID != ""
}

// Matches reports whether a reaction emoji is this emoji. Custom emoji
// match by ID.
func (e StarEmoji) Matches(emoji discordgo.Emoji) bool {
	if e.IsCustom() {
		return emoji.ID == e.ID
	}
	return emoji.ID == "" && emoji.Name == e.Name
}

func (e StarEmoji) String() string {
	if !e.IsCustom() {
		return e.Name
	}
	prefix := ""
	if e.Animated {
		prefix = "a"
	}
	return fmt.Sprintf("<%s:%s:%s>", prefix, e.Name, e.ID)
}

// reactionCount returns the count of the emoji on the message
func (e StarEmoji) reactionCount(m *discordgo.Message) int {
	for _, r := range m.Reactions {
		if r == nil || r.Emoji == nil {
			continue
		}
		if e.Matches(*r.Emoji) {
			return r.Count
		}
	}
	return 0
}

// HandleStarReaction brings the starboard mirror of the reacted message in
// line with its live star count
func (s *Starboarder) HandleStarReaction(ctx context.Context, r *discordgo.MessageReaction) {
	emoji := ParseStarEmoji(s.config.Starboard.Emoji)
	if r == nil || !emoji.Matches(r.Emoji) {
		return
	}
	logger := contextLoggerOr(ctx, s.logger).With(
		"guild_id", r.GuildID,
		"channel_id", r.ChannelID,
		"message_id", r.MessageID,
	)
	ctx = WithLogger(ctx, logger)
	session := s.session()

	starboard, err := findChannelByName(
		session,
		r.GuildID,
		s.config.Starboard.Channel,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "starboard channel unavailable", tint.Err(err))
		return
	}
	if r.ChannelID == starboard.ID {
		return
	}

	unlock := s.messageLocks.Lock(r.MessageID)
	defer unlock()

	msg, err := session.ChannelMessage(r.ChannelID, r.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error fetching starred message", tint.Err(err))
		return
	}
	if msg.GuildID == "" {
		msg.GuildID = r.GuildID
	}
	count := emoji.reactionCount(msg)
	logger.DebugContext(ctx, "star reaction", "count", count)

	doc, err := s.store.Load(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading document", tint.Err(err))
		return
	}
	mirrorID, mirrored := doc.StarboardPosts[msg.ID]
	required := s.config.Starboard.RequiredStars

	switch {
	case !mirrored:
		if count < required {
			return
		}
		embed := starboardEmbed(msg, count, emoji, s.now())
		if embed == nil {
			return
		}
		s.createMirror(ctx, starboard.ID, msg, embed, count)
	case count < required:
		s.deleteMirror(ctx, starboard.ID, msg, mirrorID)
	default:
		s.updateMirrorCount(ctx, starboard.ID, msg.ID, mirrorID, count, emoji)
	}
}

func (s *Starboarder) createMirror(
	ctx context.Context,
	starboardID string,
	msg *discordgo.Message,
	embed *discordgo.MessageEmbed,
	count int,
) {
	logger := contextLoggerOr(ctx, s.logger)
	session := s.session()
	mirror, err := session.ChannelMessageSendComplex(
		starboardID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating starboard post", tint.Err(err))
		return
	}
	if _, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			doc.StarboardPosts[msg.ID] = mirror.ID
			return nil
		},
	); err != nil {
		logger.ErrorContext(ctx, "error recording starboard post, removing it", tint.Err(err))
		_ = session.ChannelMessageDelete(starboardID, mirror.ID, discordgo.WithContext(ctx))
		return
	}
	logger.InfoContext(ctx, "created starboard post", "mirror_id", mirror.ID, "count", count)
	s.staffLog(
		ctx,
		msg.GuildID,
		fmt.Sprintf(
			"⭐ **New Starboard Post**: Message by %s in %s reached %d stars.",
			authorName(msg),
			channelMention(msg.ChannelID),
			count,
		),
	)
}

func (s *Starboarder) deleteMirror(
	ctx context.Context,
	starboardID string,
	msg *discordgo.Message,
	mirrorID string,
) {
	logger := contextLoggerOr(ctx, s.logger)
	err := s.session().ChannelMessageDelete(starboardID, mirrorID, discordgo.WithContext(ctx))
	if err != nil && !isUnknownMessage(err) {
		logger.ErrorContext(ctx, "error deleting starboard post", "mirror_id", mirrorID, tint.Err(err))
		return
	}
	s.forgetMirror(ctx, msg.ID, mirrorID)
	if err != nil {
		return
	}
	logger.InfoContext(ctx, "removed starboard post", "mirror_id", mirrorID)
	s.staffLog(
		ctx,
		msg.GuildID,
		fmt.Sprintf(
			"❌ **Starboard Post Removed**: Message by %s in %s fell below %d stars.",
			authorName(msg),
			channelMention(msg.ChannelID),
			s.config.Starboard.RequiredStars,
		),
	)
}

func (s *Starboarder) updateMirrorCount(
	ctx context.Context,
	starboardID string,
	messageID string,
	mirrorID string,
	count int,
	emoji StarEmoji,
) {
	logger := contextLoggerOr(ctx, s.logger)
	session := s.session()
	mirror, err := session.ChannelMessage(starboardID, mirrorID, discordgo.WithContext(ctx))
	if err != nil {
		if isUnknownMessage(err) {
			s.forgetMirror(ctx, messageID, mirrorID)
			return
		}
		logger.ErrorContext(ctx, "error fetching starboard post", tint.Err(err))
		return
	}
	if len(mirror.Embeds) == 0 {
		return
	}
	embed := mirror.Embeds[0]
	value := starCountValue(count, emoji)
	changed := false
	for _, f := range embed.Fields {
		if f.Name == starboardFieldStars && f.Value != value {
			f.Value = value
			changed = true
		}
	}
	if !changed {
		return
	}
	embeds := []*discordgo.MessageEmbed{embed}
	_, err = session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:      mirrorID,
			Channel: starboardID,
			Embeds:  &embeds,
		},
		discordgo.WithContext(ctx),
	)
	switch {
	case isUnknownMessage(err):
		s.forgetMirror(ctx, messageID, mirrorID)
	case err != nil:
		logger.ErrorContext(ctx, "error updating starboard post", tint.Err(err))
	default:
		logger.DebugContext(ctx, "updated starboard count", "count", count)
	}
}

// forgetMirror drops the mapping for a mirror that no longer exists
func (s *Starboarder) forgetMirror(ctx context.Context, messageID string, mirrorID string) {
	logger := contextLoggerOr(ctx, s.logger)
	if _, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			if doc.StarboardPosts[messageID] != mirrorID {
				return errNoChange
			}
			delete(doc.StarboardPosts, messageID)
			return nil
		},
	); err != nil {
		logger.ErrorContext(ctx, "error removing starboard mapping", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "dropped starboard mapping", "mirror_id", mirrorID)
}

// starboardEmbed builds the mirror embed, or returns nil if the message
// has no image
func starboardEmbed(
	msg *discordgo.Message,
	count int,
	emoji StarEmoji,
	now time.Time,
) *discordgo.MessageEmbed {
	images := messageImages(msg)
	if len(images) == 0 {
		return nil
	}
	content := msg.Content
	if strings.TrimSpace(content) == "" {
		content = "_No content provided_"
	}
	embed := &discordgo.MessageEmbed{
		Color:       colorGold,
		Description: truncate(content, 4096),
		Image:       &discordgo.MessageEmbedImage{URL: images[0]},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  starboardFieldOriginal,
				Value: fmt.Sprintf("[Jump to message](%s)", messageLink(msg.GuildID, msg.ChannelID, msg.ID)),
			},
			{
				Name:   starboardFieldStars,
				Value:  starCountValue(count, emoji),
				Inline: true,
			},
			{
				Name:   starboardFieldChannel,
				Value:  channelMention(msg.ChannelID),
				Inline: true,
			},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: starboardFooterPrefix + msg.ID},
	}
	if author := messageAuthor(msg); author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    author.Username,
			IconURL: author.AvatarURL(""),
		}
	}
	return embed
}

func starCountValue(count int, emoji StarEmoji) string {
	return strconv.Itoa(count) + " " + emoji.String()
}

func authorName(msg *discordgo.Message) string {
	if author := messageAuthor(msg); author != nil {
		return author.Username
	}
	return "unknown"
}

// MigrateStarboard rebuilds the starboard mapping from the footers of the
// bot's posts in the starboard channel. It returns the number of mappings
// added, and the number already known.
func (s *Starboarder) MigrateStarboard(ctx context.Context, guildID string) (
	migrated int,
	duplicates int,
	err error,
) {
	logger := contextLoggerOr(ctx, s.logger).With("guild_id", guildID)
	session := s.session()
	starboard, err := findChannelByName(
		session,
		guildID,
		s.config.Starboard.Channel,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return 0, 0, err
	}

	found := map[string]string{}
	before := ""
	for {
		if err = ctx.Err(); err != nil {
			return 0, 0, err
		}
		page, pageErr := session.ChannelMessages(
			starboard.ID,
			discordMaxMessagesPerFetch,
			before,
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if pageErr != nil {
			return 0, 0, fmt.Errorf("error fetching starboard history: %w", pageErr)
		}
		if len(page) == 0 {
			break
		}
		before = page[len(page)-1].ID
		for _, post := range page {
			originalID, ok := starboardOriginalID(post)
			if !ok {
				continue
			}
			if _, seen := found[originalID]; !seen {
				found[originalID] = post.ID
			}
		}
		if len(page) < discordMaxMessagesPerFetch {
			break
		}
	}

	_, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			migrated, duplicates = 0, 0
			for originalID, mirrorID := range found {
				if _, exists := doc.StarboardPosts[originalID]; exists {
					duplicates++
					continue
				}
				doc.StarboardPosts[originalID] = mirrorID
				migrated++
			}
			if migrated == 0 {
				return errNoChange
			}
			return nil
		},
	)
	if err != nil {
		return 0, 0, err
	}
	logger.InfoContext(ctx, "migrated starboard posts", "migrated", migrated, "duplicates", duplicates)
	return migrated, duplicates, nil
}

// starboardOriginalID extracts the original message ID from a bot-authored
// starboard post
func starboardOriginalID(post *discordgo.Message) (string, bool) {
	if post == nil || post.Author == nil || !post.Author.Bot || len(post.Embeds) == 0 {
		return "", false
	}
	footer := post.Embeds[0].Footer
	if footer == nil || footer.Text == "" {
		return "", false
	}
	m := starboardFooterPattern.FindStringSubmatch(footer.Text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

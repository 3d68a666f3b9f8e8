package starboarder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const colorPurple = 0x9B59B6

// themeHashtagPattern matches the hashtag as a whole word, ignoring case
func themeHashtagPattern(hashtag string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^\w#])` + regexp.QuoteMeta(strings.TrimSpace(hashtag)) + `\b`)
}

// HandleThemeSubmission reposts a tagged photo from the photography channel
// to the theme channel
func (s *Starboarder) HandleThemeSubmission(ctx context.Context, m *discordgo.Message) {
	hashtag := strings.TrimSpace(s.config.Channels.ThemeHashtag)
	if m == nil || hashtag == "" {
		return
	}
	pattern := themeHashtagPattern(hashtag)
	if !pattern.MatchString(m.Content) {
		return
	}
	logger := contextLoggerOr(ctx, s.logger).With(
		"guild_id", m.GuildID,
		"channel_id", m.ChannelID,
		"message_id", m.ID,
	)
	ctx = WithLogger(ctx, logger)
	session := s.session()

	photography, err := findChannelByName(
		session,
		m.GuildID,
		s.config.Channels.Photography,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "photography channel unavailable", tint.Err(err))
		return
	}
	if m.ChannelID != photography.ID {
		return
	}

	images := messageImages(m)
	if len(images) != 1 {
		s.replyThenDelete(
			ctx,
			m,
			fmt.Sprintf("Your submission for %s must include exactly one image. Please try again.", hashtag),
		)
		return
	}

	themeChannel, err := findChannelByName(session, m.GuildID, s.config.Channels.Theme, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "theme channel unavailable", tint.Err(err))
		return
	}

	sent, err := session.ChannelMessageSendComplex(
		themeChannel.ID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{themeSubmissionEmbed(m, hashtag, images[0], pattern, s.now())},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting theme submission", tint.Err(err))
		s.replyThenDelete(
			ctx,
			m,
			fmt.Sprintf(
				"There was an error submitting your post to #%s. Please try again later.",
				themeChannel.Name,
			),
		)
		return
	}
	logger.InfoContext(ctx, "posted theme submission", "submission_id", sent.ID)
	s.staffLog(
		ctx,
		m.GuildID,
		fmt.Sprintf(
			"🎨 **New Theme Submission**: %s submitted an entry for %s. [Jump to submission](%s)",
			authorName(m),
			hashtag,
			messageLink(m.GuildID, themeChannel.ID, sent.ID),
		),
	)
	s.replyThenDelete(
		ctx,
		m,
		fmt.Sprintf("Your submission for %s has been posted in %s!", hashtag, channelMention(themeChannel.ID)),
	)
}

func themeSubmissionEmbed(
	m *discordgo.Message,
	hashtag string,
	image string,
	pattern *regexp.Regexp,
	now time.Time,
) *discordgo.MessageEmbed {
	description := strings.TrimSpace(pattern.ReplaceAllString(m.Content, "$1"))
	if description == "" {
		description = "No description provided"
	}
	embed := &discordgo.MessageEmbed{
		Title:       hashtag + " Submission",
		Description: truncate(description, 4096),
		Color:       colorPurple,
		Image:       &discordgo.MessageEmbedImage{URL: image},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Original Message",
				Value: fmt.Sprintf("[Jump to message](%s)", messageLink(m.GuildID, m.ChannelID, m.ID)),
			},
		},
		Timestamp: now.UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "Message ID: " + m.ID},
	}
	if author := messageAuthor(m); author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    author.Username,
			IconURL: author.AvatarURL(""),
			URL:     "https://discord.com/users/" + author.ID,
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Submitted By", Value: userMention(author.ID), Inline: true},
		)
		embed.Footer.Text += " | Author ID: " + author.ID
	}
	return embed
}

// replyThenDelete replies to a message, and deletes the reply after
// ReplyDeleteDelay
func (s *Starboarder) replyThenDelete(ctx context.Context, m *discordgo.Message, content string) {
	logger := contextLoggerOr(ctx, s.logger)
	session := s.session()
	reply, err := session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:         truncate(content, discordMessageMaxLength),
			Reference:       m.Reference(),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error replying to message", tint.Err(err))
		return
	}
	delay := s.config.Channels.ReplyDeleteDelay
	if delay <= 0 {
		return
	}
	s.spawn(
		ctx, func(ctx context.Context) {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if delErr := session.ChannelMessageDelete(
				reply.ChannelID,
				reply.ID,
				discordgo.WithContext(deleteCtx),
			); delErr != nil && !isUnknownMessage(delErr) {
				logger.WarnContext(ctx, "error deleting reply", tint.Err(delErr))
			}
		},
	)
}

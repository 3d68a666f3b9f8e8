package starboarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	colorTeal = 0x00AE86

	// maxMoveAttachmentSize is the largest attachment /move will re-upload
	maxMoveAttachmentSize = 25 << 20
)

var (
	snowflakePattern = regexp.MustCompile(`^\d{17,20}$`)

	ErrInvalidMessageID = errors.New("invalid message ID")
	ErrNoMedia          = errors.New("message has no image or video attachment")
)

// BackfillResult summarizes a join-date backfill
type BackfillResult struct {
	Added    int `json:"added"`
	Existing int `json:"existing"`
}

// BackfillJoins starts tracking every member holding the unverified role
// who isn't tracked yet, using their guild join date
func (s *Starboarder) BackfillJoins(ctx context.Context, guildID string) (BackfillResult, error) {
	var result BackfillResult
	logger := contextLoggerOr(ctx, s.logger).With("guild_id", guildID)
	session := s.session()

	unverified, err := findRoleByName(
		session,
		guildID,
		s.config.Verification.UnverifiedRoleName,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return result, err
	}
	members, err := s.fetchMembers(ctx, guildID)
	if err != nil {
		return result, err
	}
	now := s.now()

	_, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			result = BackfillResult{}
			for _, m := range members {
				if m.User == nil || m.User.Bot || !memberHasRole(m, unverified.ID) {
					continue
				}
				if _, tracked := doc.MemberJoinDates[m.User.ID]; tracked {
					result.Existing++
					continue
				}
				joined := m.JoinedAt
				if joined.IsZero() {
					joined = now
				}
				doc.MemberJoinDates[m.User.ID] = TrackingEntry{Joined: joined.UTC(), GuildID: guildID}
				result.Added++
			}
			if result.Added == 0 {
				return errNoChange
			}
			return nil
		},
	)
	if err != nil {
		return result, err
	}
	logger.InfoContext(ctx, "backfilled join dates", "added", result.Added, "existing", result.Existing)
	return result, nil
}

// MoveMessage reposts a message into another channel as an embed credited
// to its author, then deletes the original. The first image or video
// attachment is re-uploaded with the repost.
func (s *Starboarder) MoveMessage(
	ctx context.Context,
	guildID string,
	sourceChannelID string,
	messageID string,
	targetChannelID string,
	movedBy *discordgo.User,
	reason string,
) (*discordgo.Message, error) {
	if !snowflakePattern.MatchString(messageID) {
		return nil, ErrInvalidMessageID
	}
	logger := contextLoggerOr(ctx, s.logger).With(
		"guild_id", guildID,
		"message_id", messageID,
		"target_channel_id", targetChannelID,
	)
	session := s.session()

	original, err := session.ChannelMessage(sourceChannelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error fetching message: %w", err)
	}
	var attachment *discordgo.MessageAttachment
	for _, a := range original.Attachments {
		if isImageAttachment(a) || strings.HasPrefix(a.ContentType, "video/") {
			attachment = a
			break
		}
	}
	if attachment == nil {
		return nil, ErrNoMedia
	}

	file, err := s.downloadAttachment(ctx, attachment)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		reason = "No reason provided."
	}
	content := original.Content
	if strings.TrimSpace(content) == "" {
		content = "_No original text content._"
	}
	movedByName := "unknown"
	if movedBy != nil {
		movedByName = movedBy.Username
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Content Moved",
		Description: truncate(content, 4096),
		Color:       colorTeal,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Originally Posted In", Value: channelMention(sourceChannelID), Inline: true},
			{Name: "Moved By", Value: movedByName, Inline: true},
			{Name: "Reason", Value: truncate(reason, discordEmbedFieldMaxLength)},
		},
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "Original Message ID: " + original.ID},
	}
	if author := messageAuthor(original); author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    author.Username,
			IconURL: author.AvatarURL(""),
		}
	}
	if isImageAttachment(attachment) {
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + file.Name}
	}

	moved, err := session.ChannelMessageSendComplex(
		targetChannelID,
		&discordgo.MessageSend{
			Content:         fmt.Sprintf("**Content moved from %s:**", channelMention(sourceChannelID)),
			Embeds:          []*discordgo.MessageEmbed{embed},
			Files:           []*discordgo.File{file},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error reposting message: %w", err)
	}
	if err = session.ChannelMessageDelete(sourceChannelID, messageID, discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "reposted message, but couldn't delete the original", tint.Err(err))
		return moved, fmt.Errorf("error deleting original message: %w", err)
	}
	logger.InfoContext(ctx, "moved message", "new_message_id", moved.ID)
	return moved, nil
}

// downloadAttachment fetches an attachment so it can be re-uploaded
func (s *Starboarder) downloadAttachment(
	ctx context.Context,
	a *discordgo.MessageAttachment,
) (*discordgo.File, error) {
	if a.Size > maxMoveAttachmentSize {
		return nil, fmt.Errorf("attachment is too large to move (%d bytes)", a.Size)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading attachment: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error downloading attachment: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMoveAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading attachment: %w", err)
	}
	if len(data) > maxMoveAttachmentSize {
		return nil, errors.New("attachment is too large to move")
	}
	name := a.Filename
	if name == "" {
		name = path.Base(a.URL)
	}
	return &discordgo.File{
		Name:        name,
		ContentType: a.ContentType,
		Reader:      bytes.NewReader(data),
	}, nil
}

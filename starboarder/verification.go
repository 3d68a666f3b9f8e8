package starboarder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	verificationEmoji = "✅"

	customIDRulesAgree       = "rules_agree"
	customIDVerifyApprove    = "verify_approve"
	customIDVerifyDeny       = "verify_deny"
	customIDVerifyDenyReason = "verify_deny_reason"
	customIDVerifyDenyModal  = "verify_deny_modal"

	denyReasonOther   = "other"
	denyReasonInputID = "reason"

	legacyStatusPending = "pending"

	colorBlurple = 0x5865F2
	colorGreen   = 0x57F287
	colorYellow  = 0xFEE75C
	colorRed     = 0xED4245
	colorOrange  = 0xFFA500
)

// VerificationState is where a member is in the verification workflow
type VerificationState string

const (
	StateUnstarted     VerificationState = "unstarted"
	StateRulesAgreed   VerificationState = "rules-agreed"
	StatePendingReview VerificationState = "pending-review"
	StateApproved      VerificationState = "approved"
	StateDenied        VerificationState = "denied"
)

type verificationEvent string

const (
	eventAgree        verificationEvent = "agree"
	eventSubmitPassed verificationEvent = "submit_passed"
	eventSubmitFailed verificationEvent = "submit_failed"
	eventApprove      verificationEvent = "approve"
	eventDeny         verificationEvent = "deny"
)

var (
	ErrAlreadyAgreed     = errors.New("already agreed to the rules")
	ErrAlreadyPending    = errors.New("verification request already pending")
	ErrIllegalTransition = errors.New("illegal verification transition")
)

// VerificationProgress is a member's verification record. It's deleted
// once the member is approved or denied.
type VerificationProgress struct {
	State VerificationState `json:"state,omitempty"`

	// AgreedToRules and Status mirror State for documents read by older
	// versions
	AgreedToRules bool   `json:"agreedToRules,omitempty"`
	Status        string `json:"status,omitempty"`

	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
	ReviewMessageID string     `json:"reviewMessageId,omitempty"`
	ReviewChannelID string     `json:"reviewChannelId,omitempty"`
}

// state returns the record's state, falling back to the legacy flags
func (p VerificationProgress) state() VerificationState {
	switch p.State {
	case StateUnstarted, StateRulesAgreed, StatePendingReview, StateApproved, StateDenied:
		return p.State
	}
	switch {
	case p.Status == legacyStatusPending:
		return StatePendingReview
	case p.AgreedToRules:
		return StateRulesAgreed
	default:
		return StateUnstarted
	}
}

func (p *VerificationProgress) setState(state VerificationState) {
	p.State = state
	p.AgreedToRules = state == StateRulesAgreed || state == StatePendingReview
	p.Status = ""
	if state == StatePendingReview {
		p.Status = legacyStatusPending
	}
}

// transition returns the state reached by applying event to from. On
// error, the returned state is from.
func transition(from VerificationState, event verificationEvent) (VerificationState, error) {
	switch event {
	case eventAgree:
		switch from {
		case StateUnstarted:
			return StateRulesAgreed, nil
		case StateRulesAgreed, StatePendingReview:
			return from, ErrAlreadyAgreed
		}
	case eventSubmitPassed, eventSubmitFailed:
		switch from {
		case StateUnstarted, StateRulesAgreed:
			if event == eventSubmitPassed {
				return StatePendingReview, nil
			}
			return from, nil
		case StatePendingReview:
			return from, ErrAlreadyPending
		}
	case eventApprove:
		if from == StatePendingReview {
			return StateApproved, nil
		}
	case eventDeny:
		if from == StatePendingReview {
			return StateDenied, nil
		}
	}
	return from, fmt.Errorf("%w: %s from %s", ErrIllegalTransition, event, from)
}

// CheckResult is the outcome of a verification content check
type CheckResult struct {
	Passed bool

	// Missing lists the unmet steps, in a stable order
	Missing []string

	// IntroMessage is the most recent qualifying introduction
	IntroMessage *discordgo.Message

	// PhotoMessages are the photography channel messages carrying the
	// member's images
	PhotoMessages []*discordgo.Message
	PhotoCount    int
}

// AgreeToRules records that the user agreed to the rules. Returns
// ErrAlreadyAgreed, without writing anything, if they already had.
func (s *Starboarder) AgreeToRules(ctx context.Context, userID string) error {
	unlock := s.userLocks.Lock(userID)
	defer unlock()

	_, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			progress := doc.VerificationProgress[userID]
			next, err := transition(progress.state(), eventAgree)
			if err != nil {
				return err
			}
			progress.setState(next)
			doc.VerificationProgress[userID] = progress
			return nil
		},
	)
	return err
}

// CheckVerificationStatus checks the member's rule agreement, intro and
// photos against the most recent messages of each channel
func (s *Starboarder) CheckVerificationStatus(
	ctx context.Context,
	guildID string,
	userID string,
	progress VerificationProgress,
) CheckResult {
	logger := contextLoggerOr(ctx, s.logger).With("guild_id", guildID, "user_id", userID)
	cfg := s.config.Verification
	channels := s.config.Channels
	var result CheckResult

	if progress.state() == StateUnstarted {
		result.Missing = append(
			result.Missing,
			fmt.Sprintf("Agree to the rules in #%s.", normalizeChannelName(channels.Rules)),
		)
	}

	introName := normalizeChannelName(channels.Intros)
	intros, err := s.recentMessages(ctx, guildID, channels.Intros)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		result.Missing = append(result.Missing, fmt.Sprintf("Could not find #%s channel.", introName))
	case err != nil:
		logger.ErrorContext(ctx, "error checking intros", tint.Err(err))
		result.Missing = append(result.Missing, "Error checking for an introduction.")
	default:
		for _, m := range intros {
			author := messageAuthor(m)
			if author == nil || author.ID != userID {
				continue
			}
			if utf8.RuneCountInString(strings.TrimSpace(m.Content)) >= cfg.IntroMinLength {
				result.IntroMessage = m
				break
			}
		}
		if result.IntroMessage == nil {
			step := fmt.Sprintf("Post an introduction in #%s", introName)
			if cfg.IntroMinLength > 0 {
				step += fmt.Sprintf(" (at least %d characters)", cfg.IntroMinLength)
			}
			result.Missing = append(result.Missing, step+".")
		}
	}

	photoName := normalizeChannelName(channels.Photography)
	photos, err := s.recentMessages(ctx, guildID, channels.Photography)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		result.Missing = append(result.Missing, fmt.Sprintf("Could not find #%s channel.", photoName))
	case err != nil:
		logger.ErrorContext(ctx, "error checking photos", tint.Err(err))
		result.Missing = append(result.Missing, "Error checking for photos.")
	default:
		for _, m := range photos {
			author := messageAuthor(m)
			if author == nil || author.ID != userID {
				continue
			}
			var count int
			for _, a := range m.Attachments {
				if isImageAttachment(a) {
					count++
				}
			}
			if count > 0 {
				result.PhotoCount += count
				result.PhotoMessages = append(result.PhotoMessages, m)
			}
		}
		if result.PhotoCount < cfg.MinPhotos {
			result.Missing = append(
				result.Missing,
				fmt.Sprintf(
					"Post at least %d photos in #%s (you have posted %d).",
					cfg.MinPhotos,
					photoName,
					result.PhotoCount,
				),
			)
		}
	}

	result.Passed = len(result.Missing) == 0
	return result
}

// recentMessages returns the most recent look-back window of messages in
// the named channel, newest first
func (s *Starboarder) recentMessages(
	ctx context.Context,
	guildID string,
	channelName string,
) ([]*discordgo.Message, error) {
	ch, err := findChannelByName(s.session(), guildID, channelName, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	limit := s.config.Verification.LookBack
	if limit <= 0 || limit > discordMaxMessagesPerFetch {
		limit = discordMaxMessagesPerFetch
	}
	return s.session().ChannelMessages(ch.ID, limit, "", "", "", discordgo.WithContext(ctx))
}

// RequestVerification handles the ✅ reaction on the verification
// message. The reaction is always removed first. A member who passes the
// content check is submitted to the staff review channel.
func (s *Starboarder) RequestVerification(ctx context.Context, r *discordgo.MessageReaction) {
	logger := contextLoggerOr(ctx, s.logger).With(
		"guild_id", r.GuildID,
		"user_id", r.UserID,
	)
	ctx = WithLogger(ctx, logger)
	session := s.session()

	if err := session.MessageReactionRemove(
		r.ChannelID,
		r.MessageID,
		r.Emoji.APIName(),
		r.UserID,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "unable to remove verification reaction", tint.Err(err))
	}

	unlock := s.userLocks.Lock(r.UserID)
	defer unlock()

	doc, err := s.store.Load(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading document", tint.Err(err))
		s.staffLog(
			ctx,
			r.GuildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not load verification progress for %s.",
				userMention(r.UserID),
			),
		)
		return
	}
	progress := doc.VerificationProgress[r.UserID]

	if progress.state() == StatePendingReview {
		logger.InfoContext(ctx, "verification already pending")
		s.dmText(
			ctx,
			r.UserID,
			"⏳ You have already submitted a verification request. "+
				"Staff will review it as soon as possible.",
		)
		return
	}

	member, err := session.GuildMember(r.GuildID, r.UserID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "unable to fetch member", tint.Err(err))
		s.staffLog(
			ctx,
			r.GuildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not fetch %s to check their request: %s",
				userMention(r.UserID),
				err.Error(),
			),
		)
		s.dmText(
			ctx,
			r.UserID,
			"⚠️ Your verification request couldn't be processed right now. "+
				"Please react again in a few minutes, or contact staff.",
		)
		return
	}

	result := s.CheckVerificationStatus(ctx, r.GuildID, r.UserID, progress)
	if !result.Passed {
		logger.InfoContext(ctx, "verification incomplete", "missing", result.Missing)
		dm := s.dmText(ctx, r.UserID, verificationIncompleteMessage(s.config.Channels, result.Missing))
		if dm == DMFailed || dm == DMRateLimited {
			s.staffLog(
				ctx,
				r.GuildID,
				fmt.Sprintf(
					"⚠️ **Verification DM Failed**: Could not send verification failure details to %s.",
					userMention(r.UserID),
				),
			)
		}
		return
	}

	reviewChannel, err := findChannelByName(
		session,
		r.GuildID,
		s.config.Channels.Review,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.WarnContext(ctx, "review channel unavailable", tint.Err(err))
		s.staffLog(
			ctx,
			r.GuildID,
			fmt.Sprintf(
				"⚠️ **Verification Warning**: %s passed verification, but the review channel #%s was not found.",
				userMention(r.UserID),
				normalizeChannelName(s.config.Channels.Review),
			),
		)
		return
	}

	reviewMsg, err := session.ChannelMessageSendComplex(
		reviewChannel.ID,
		reviewRequestMessage(r.GuildID, member, result),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting review request", tint.Err(err))
		s.staffLog(
			ctx,
			r.GuildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not post the review request for %s.",
				userMention(r.UserID),
			),
		)
		return
	}

	submittedAt := s.now().UTC()
	_, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			p := doc.VerificationProgress[r.UserID]
			next, terr := transition(p.state(), eventSubmitPassed)
			if terr != nil {
				return terr
			}
			p.setState(next)
			p.SubmittedAt = &submittedAt
			p.ReviewMessageID = reviewMsg.ID
			p.ReviewChannelID = reviewChannel.ID
			doc.VerificationProgress[r.UserID] = p
			return nil
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error recording verification request", tint.Err(err))
		if delErr := session.ChannelMessageDelete(
			reviewChannel.ID,
			reviewMsg.ID,
			discordgo.WithContext(ctx),
		); delErr != nil {
			logger.ErrorContext(ctx, "error removing unrecorded review request", tint.Err(delErr))
		}
		s.staffLog(
			ctx,
			r.GuildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not record the verification request from %s: %s",
				userMention(r.UserID),
				err.Error(),
			),
		)
		return
	}

	s.dmText(
		ctx,
		r.UserID,
		"📝 **Verification Submitted**\n\nYou've completed all of the verification steps! "+
			"Your request has been sent to the staff team for review.",
	)
	logger.InfoContext(ctx, "verification request submitted", "review_message_id", reviewMsg.ID)
	s.staffLog(
		ctx,
		r.GuildID,
		fmt.Sprintf(
			"📝 **Verification Requested**: %s submitted a verification request in %s.",
			userMention(r.UserID),
			channelMention(reviewChannel.ID),
		),
	)
}

func verificationIncompleteMessage(channels *ChannelsConfig, missing []string) string {
	return fmt.Sprintf(
		"❌ **Verification Incomplete**\n\n"+
			"We noticed you tried to complete the verification process, "+
			"but you are still missing the following step(s):\n\n- %s\n\n"+
			"Please complete these steps and then react to the message in #%s again.",
		strings.Join(missing, "\n- "),
		normalizeChannelName(channels.HowToMember),
	)
}

// reviewRequestMessage builds the staff review request, with links to
// the qualifying messages and the approve/deny buttons
func reviewRequestMessage(
	guildID string,
	member *discordgo.Member,
	result CheckResult,
) *discordgo.MessageSend {
	userID := member.User.ID
	fields := []*discordgo.MessageEmbedField{
		{
			Name:  "User",
			Value: fmt.Sprintf("%s (%s)", userMention(userID), userID),
		},
	}
	if created, err := discordgo.SnowflakeTimestamp(userID); err == nil {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  "Account Created",
				Value: fmt.Sprintf("<t:%d:F>", created.Unix()),
			},
		)
	}
	if result.IntroMessage != nil {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name: "Introduction",
				Value: fmt.Sprintf(
					"[Jump to intro](%s)\n>>> %s",
					messageLink(guildID, result.IntroMessage.ChannelID, result.IntroMessage.ID),
					truncate(result.IntroMessage.Content, 300),
				),
			},
		)
	}
	if len(result.PhotoMessages) > 0 {
		links := make([]string, 0, len(result.PhotoMessages))
		for i, m := range result.PhotoMessages {
			links = append(
				links,
				fmt.Sprintf("[Post %d](%s)", i+1, messageLink(guildID, m.ChannelID, m.ID)),
			)
		}
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("Photos (%d)", result.PhotoCount),
				Value: truncate(strings.Join(links, " · "), discordEmbedFieldMaxLength),
			},
		)
	}

	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title: "Verification Request",
				Description: fmt.Sprintf(
					"**%s** has completed the verification steps and is awaiting review.",
					memberDisplayName(member),
				),
				Color:     colorBlurple,
				Thumbnail: &discordgo.MessageEmbedThumbnail{URL: member.User.AvatarURL("")},
				Fields:    fields,
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Approve",
						Style:    discordgo.SuccessButton,
						CustomID: newCustomID(customIDVerifyApprove, userID),
						Emoji:    &discordgo.ComponentEmoji{Name: "✅"},
					},
					discordgo.Button{
						Label:    "Deny",
						Style:    discordgo.DangerButton,
						CustomID: newCustomID(customIDVerifyDeny, userID),
						Emoji:    &discordgo.ComponentEmoji{Name: "❌"},
					},
				},
			},
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

// requirePermission replies ephemerally and returns false if the invoking
// member lacks the permission
func requirePermission(
	ctx context.Context,
	h InteractionHandler,
	permission int64,
	message string,
) bool {
	if hasPermission(interactionPermissions(h.GetInteraction().Interaction), permission) {
		return true
	}
	_ = respondEphemeral(ctx, h, message)
	return false
}

// handleRulesAgree handles the 'I agree' button on the rules message
func (s *Starboarder) handleRulesAgree(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	user := interactionUser(i.Interaction)
	if user == nil {
		return
	}
	err := s.AgreeToRules(ctx, user.ID)
	switch {
	case err == nil:
		h.Logger().InfoContext(ctx, "agreed to rules")
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf(
				"✅ Thank you for agreeing to the rules! Continue with the steps in #%s.",
				normalizeChannelName(s.config.Channels.HowToMember),
			),
		)
	case errors.Is(err, ErrAlreadyAgreed):
		_ = respondEphemeral(ctx, h, "You have already agreed to the rules.")
	default:
		h.Logger().ErrorContext(ctx, "error recording rule agreement", tint.Err(err))
		_ = respondEphemeral(ctx, h, "Sorry, something went wrong. Please try again later.")
		s.staffLog(
			ctx,
			i.GuildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not record rule agreement for %s: %s",
				userMention(user.ID),
				err.Error(),
			),
		)
	}
}

// ApproveVerification handles the 'approve' button on a review request
func (s *Starboarder) ApproveVerification(
	ctx context.Context,
	h InteractionHandler,
	userID string,
) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionManageRoles,
		"You need the Manage Roles permission to approve verification requests.",
	) {
		return
	}
	i := h.GetInteraction()
	guildID := i.GuildID
	staff := interactionUser(i.Interaction)
	logger := h.Logger().With("candidate_id", userID)
	session := s.session()

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	doc, err := s.store.Load(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error loading document", tint.Err(err))
		_ = respondEphemeral(ctx, h, "Unable to load verification progress, please try again.")
		return
	}
	if _, err = transition(doc.VerificationProgress[userID].state(), eventApprove); err != nil {
		_ = respondEphemeral(ctx, h, "This verification request has already been processed.")
		return
	}

	if err = deferUpdate(ctx, h); err != nil {
		return
	}

	_, err = session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if isUnknownMember(err) {
		_, _ = updateDocument(
			ctx, s.store, func(doc *Document) error {
				delete(doc.VerificationProgress, userID)
				delete(doc.MemberJoinDates, userID)
				return nil
			},
		)
		s.resolveReviewMessage(
			ctx,
			h,
			fmt.Sprintf("⚠️ %s left the server before their request was reviewed.", userMention(userID)),
		)
		followupEphemeral(ctx, h, "That member is no longer in the server.")
		return
	}

	s.applyVerifiedRoles(ctx, guildID, userID)

	_, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			if _, terr := transition(
				doc.VerificationProgress[userID].state(),
				eventApprove,
			); terr != nil {
				return terr
			}
			delete(doc.VerificationProgress, userID)
			delete(doc.MemberJoinDates, userID)
			return nil
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error recording approval", tint.Err(err))
		followupEphemeral(
			ctx,
			h,
			fmt.Sprintf("⚠️ The member's roles were updated, but saving the approval failed: %s", err),
		)
		s.staffLog(
			ctx,
			guildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not record the approval of %s: %s",
				userMention(userID),
				err.Error(),
			),
		)
		return
	}

	s.dmText(
		ctx,
		userID,
		"✅ **Welcome!** Your verification request was approved, "+
			"and you have been granted full access to the server.",
	)
	logger.InfoContext(ctx, "verification approved")
	s.staffLog(
		ctx,
		guildID,
		fmt.Sprintf(
			"✅ **Member Verified**: %s was approved by %s.",
			userMention(userID),
			userMention(staff.ID),
		),
	)
	s.resolveReviewMessage(ctx, h, fmt.Sprintf("✅ Approved by %s", userMention(staff.ID)))
}

// applyVerifiedRoles adds the verified role and removes the unverified
// role. Either role being missing is logged, and doesn't stop the other.
func (s *Starboarder) applyVerifiedRoles(ctx context.Context, guildID string, userID string) {
	logger := contextLoggerOr(ctx, s.logger).With("guild_id", guildID, "user_id", userID)
	session := s.session()
	cfg := s.config.Verification

	roles, err := session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "error listing roles", tint.Err(err))
		return
	}

	if verified := roleByName(roles, cfg.VerifiedRoleName); verified != nil {
		if err = session.GuildMemberRoleAdd(
			guildID,
			userID,
			verified.ID,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error adding verified role", tint.Err(err))
		}
	} else {
		logger.WarnContext(ctx, "verified role not found", "role", cfg.VerifiedRoleName)
		s.staffLog(
			ctx,
			guildID,
			fmt.Sprintf(
				"⚠️ **Verification Warning**: Could not find role \"%s\" to assign to %s.",
				cfg.VerifiedRoleName,
				userMention(userID),
			),
		)
	}

	if unverified := roleByName(roles, cfg.UnverifiedRoleName); unverified != nil {
		if err = session.GuildMemberRoleRemove(
			guildID,
			userID,
			unverified.ID,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "error removing unverified role", tint.Err(err))
		}
	} else {
		logger.WarnContext(ctx, "unverified role not found", "role", cfg.UnverifiedRoleName)
	}
}

// resolveReviewMessage edits the review request the interaction came
// from into its final state, removing the buttons
func (s *Starboarder) resolveReviewMessage(
	ctx context.Context,
	h InteractionHandler,
	content string,
) {
	content = truncate(content, discordMessageMaxLength)
	components := []discordgo.MessageComponent{}
	if _, err := h.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content:         &content,
			Components:      &components,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	); err != nil {
		h.Logger().WarnContext(ctx, "unable to update review message", tint.Err(err))
	}
}

// handleDenyButton offers staff the canned deny reasons
func (s *Starboarder) handleDenyButton(ctx context.Context, h InteractionHandler, userID string) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionManageRoles,
		"You need the Manage Roles permission to deny verification requests.",
	) {
		return
	}
	doc, err := s.store.Load(ctx)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error loading document", tint.Err(err))
		_ = respondEphemeral(ctx, h, "Unable to load verification progress, please try again.")
		return
	}
	if _, err = transition(doc.VerificationProgress[userID].state(), eventDeny); err != nil {
		_ = respondEphemeral(ctx, h, "This verification request has already been processed.")
		return
	}

	_ = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:         fmt.Sprintf("Select a reason for denying %s:", userMention(userID)),
				Flags:           discordgo.MessageFlagsEphemeral,
				Components:      denyReasonComponents(userID, s.config.Verification.DenyReasons),
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		},
	)
}

func denyReasonComponents(userID string, reasons []string) []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(reasons)+1)
	for idx, reason := range reasons {
		// select menus carry at most 25 options
		if idx >= 24 {
			break
		}
		options = append(
			options,
			discordgo.SelectMenuOption{
				Label: truncate(reason, 100),
				Value: strconv.Itoa(idx),
			},
		)
	}
	options = append(
		options,
		discordgo.SelectMenuOption{
			Label:       "Other…",
			Value:       denyReasonOther,
			Description: "Write a custom reason",
		},
	)
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    newCustomID(customIDVerifyDenyReason, userID),
					Placeholder: "Choose a reason",
					Options:     options,
				},
			},
		},
	}
}

// handleDenyReason handles the deny reason select menu. 'Other' opens a
// modal for a free-text reason.
func (s *Starboarder) handleDenyReason(ctx context.Context, h InteractionHandler, userID string) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionManageRoles,
		"You need the Manage Roles permission to deny verification requests.",
	) {
		return
	}
	data := h.GetInteraction().MessageComponentData()
	if len(data.Values) == 0 {
		_ = respondEphemeral(ctx, h, "Please select a reason.")
		return
	}

	value := data.Values[0]
	if value == denyReasonOther {
		_ = h.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseModal,
				Data: &discordgo.InteractionResponseData{
					CustomID: newCustomID(customIDVerifyDenyModal, userID),
					Title:    "Deny verification",
					Components: []discordgo.MessageComponent{
						discordgo.ActionsRow{
							Components: []discordgo.MessageComponent{
								discordgo.TextInput{
									CustomID:    denyReasonInputID,
									Label:       "Reason",
									Style:       discordgo.TextInputParagraph,
									Placeholder: "Explain what the member needs to fix",
									Required:    true,
									MaxLength:   500,
								},
							},
						},
					},
				},
			},
		)
		return
	}

	reasons := s.config.Verification.DenyReasons
	idx, err := strconv.Atoi(value)
	if err != nil || idx < 0 || idx >= len(reasons) {
		_ = respondEphemeral(ctx, h, "That reason is no longer available, please try again.")
		return
	}

	processing := "Processing denial…"
	components := []discordgo.MessageComponent{}
	if err = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    processing,
				Components: components,
			},
		},
	); err != nil {
		return
	}
	editResponse(ctx, h, s.finalizeDenial(ctx, h, userID, reasons[idx]))
}

// handleDenyModal handles a free-text deny reason
func (s *Starboarder) handleDenyModal(ctx context.Context, h InteractionHandler, userID string) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionManageRoles,
		"You need the Manage Roles permission to deny verification requests.",
	) {
		return
	}
	reason := modalTextValue(h.GetInteraction().ModalSubmitData(), denyReasonInputID)
	if reason == "" {
		_ = respondEphemeral(ctx, h, "A reason is required to deny a verification request.")
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	editResponse(ctx, h, s.finalizeDenial(ctx, h, userID, reason))
}

// finalizeDenial clears the member's progress, notifies them and resolves
// the review request. Returns the reply for the staff member.
func (s *Starboarder) finalizeDenial(
	ctx context.Context,
	h InteractionHandler,
	userID string,
	reason string,
) string {
	i := h.GetInteraction()
	guildID := i.GuildID
	staff := interactionUser(i.Interaction)
	logger := h.Logger().With("candidate_id", userID)

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	var progress VerificationProgress
	_, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			p := doc.VerificationProgress[userID]
			if _, terr := transition(p.state(), eventDeny); terr != nil {
				return terr
			}
			progress = p
			delete(doc.VerificationProgress, userID)
			return nil
		},
	)
	switch {
	case errors.Is(err, ErrIllegalTransition):
		return "This verification request has already been processed."
	case err != nil:
		logger.ErrorContext(ctx, "error recording denial", tint.Err(err))
		s.staffLog(
			ctx,
			guildID,
			fmt.Sprintf(
				"⚠️ **Verification Error**: could not record the denial of %s: %s",
				userMention(userID),
				err.Error(),
			),
		)
		return fmt.Sprintf("⚠️ Unable to save the denial: %s", err)
	}

	dm := s.dmText(
		ctx,
		userID,
		fmt.Sprintf(
			"❌ **Verification Denied**\n\nYour verification request was not approved.\n"+
				"**Reason:** %s\n\n"+
				"Please address this, then react to the message in #%s again.",
			reason,
			normalizeChannelName(s.config.Channels.HowToMember),
		),
	)
	logger.InfoContext(ctx, "verification denied", "reason", reason, "dm", dm)
	s.staffLog(
		ctx,
		guildID,
		fmt.Sprintf(
			"❌ **Verification Denied**: %s was denied by %s.\n**Reason:** %s",
			userMention(userID),
			userMention(staff.ID),
			reason,
		),
	)

	if progress.ReviewChannelID != "" && progress.ReviewMessageID != "" {
		content := truncate(
			fmt.Sprintf("❌ Denied by %s\n**Reason:** %s", userMention(staff.ID), reason),
			discordMessageMaxLength,
		)
		components := []discordgo.MessageComponent{}
		_, editErr := s.session().ChannelMessageEditComplex(
			&discordgo.MessageEdit{
				ID:              progress.ReviewMessageID,
				Channel:         progress.ReviewChannelID,
				Content:         &content,
				Components:      &components,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
			discordgo.WithContext(ctx),
		)
		if editErr != nil && !isUnknownMessage(editErr) {
			logger.WarnContext(ctx, "unable to update review message", tint.Err(editErr))
		}
	}

	reply := fmt.Sprintf("❌ Denied %s.", userMention(userID))
	if dm == DMFailed || dm == DMRateLimited {
		reply += " (The member could not be notified by DM.)"
	}
	return reply
}

// SetupVerification posts the rules message with its 'I agree' button
// and the verification message with its ✅ reaction
func (s *Starboarder) SetupVerification(ctx context.Context, h InteractionHandler) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionAdministrator,
		"You need the Administrator permission to set up verification.",
	) {
		return
	}
	if err := deferEphemeral(ctx, h); err != nil {
		return
	}
	guildID := h.GetInteraction().GuildID
	logger := h.Logger()
	session := s.session()
	channels := s.config.Channels

	rulesChannel, err := findChannelByName(session, guildID, channels.Rules, discordgo.WithContext(ctx))
	if err != nil {
		editResponse(ctx, h, fmt.Sprintf("Error: Channel #%s not found.", normalizeChannelName(channels.Rules)))
		return
	}
	howToChannel, err := findChannelByName(
		session,
		guildID,
		channels.HowToMember,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		editResponse(
			ctx,
			h,
			fmt.Sprintf("Error: Channel #%s not found.", normalizeChannelName(channels.HowToMember)),
		)
		return
	}

	rulesMsg, err := session.ChannelMessageSendComplex(
		rulesChannel.ID,
		rulesMessage(),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting rules message", tint.Err(err))
		editResponse(
			ctx,
			h,
			"An error occurred. Please check my permissions in the target channels and try again.",
		)
		return
	}

	verificationMsg, err := session.ChannelMessageSendComplex(
		howToChannel.ID,
		verificationMessage(s.config),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error posting verification message", tint.Err(err))
		editResponse(
			ctx,
			h,
			"An error occurred. Please check my permissions in the target channels and try again.",
		)
		return
	}
	if err = session.MessageReactionAdd(
		howToChannel.ID,
		verificationMsg.ID,
		verificationEmoji,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.WarnContext(ctx, "unable to add verification reaction", tint.Err(err))
	}

	if _, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			doc.RulesMessageID = rulesMsg.ID
			doc.VerificationMessageID = verificationMsg.ID
			return nil
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving verification message IDs", tint.Err(err))
		editResponse(ctx, h, fmt.Sprintf("⚠️ Messages were posted, but saving them failed: %s", err))
		return
	}

	editResponse(
		ctx,
		h,
		fmt.Sprintf(
			"✅ Successfully set up the rules message in %s and the verification message in %s.",
			channelMention(rulesChannel.ID),
			channelMention(howToChannel.ID),
		),
	)
}

func rulesMessage() *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title: "Server Rules",
				Description: "Please read the rules above. " +
					"Click **I Agree to the Rules** to confirm you will follow them.",
				Color: colorBlurple,
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "I Agree to the Rules",
						Style:    discordgo.SuccessButton,
						CustomID: customIDRulesAgree,
						Emoji:    &discordgo.ComponentEmoji{Name: verificationEmoji},
					},
				},
			},
		},
	}
}

func verificationMessage(config *Config) *discordgo.MessageSend {
	cfg := config.Verification
	channels := config.Channels

	intro := fmt.Sprintf("Post an introduction about yourself in #%s", normalizeChannelName(channels.Intros))
	if cfg.IntroMinLength > 0 {
		intro += fmt.Sprintf(" (at least %d characters)", cfg.IntroMinLength)
	}
	steps := []string{
		fmt.Sprintf(
			"**Step 1**. Read the server rules in #%s and click the button to agree.",
			normalizeChannelName(channels.Rules),
		),
		"**Step 2**. " + intro + ".",
		fmt.Sprintf(
			"**Step 3**. Post a minimum of %d photos in #%s.",
			cfg.MinPhotos,
			normalizeChannelName(channels.Photography),
		),
		fmt.Sprintf("**Step 4**. React with %s below to request membership.", verificationEmoji),
	}

	embed := &discordgo.MessageEmbed{
		Title: "Welcome!",
		Description: fmt.Sprintf(
			"Right now you are an **%s**, which limits your access to the server. "+
				"Complete the steps below to apply for full membership.",
			cfg.UnverifiedRoleName,
		),
		Color: colorBlurple,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "What are the steps to get membership?",
				Value: strings.Join(steps, "\n"),
			},
		},
	}
	if cfg.EnableAutoPurge {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Members who don't complete verification within %s days are removed.",
				strconv.FormatFloat(cfg.PurgeDelayDays, 'f', -1, 64),
			),
		}
	}
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
}

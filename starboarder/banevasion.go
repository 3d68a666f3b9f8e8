package starboarder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// BanEvasionAction is what happens to a member whose suspicion score
// reaches the threshold
type BanEvasionAction string

const (
	// BanEvasionActionLog posts an alert with ban/ignore buttons for staff
	BanEvasionActionLog BanEvasionAction = "log"

	// BanEvasionActionBan bans the member, then posts an alert
	BanEvasionActionBan BanEvasionAction = "ban"
)

const (
	customIDEvasionBan    = "evasion_ban"
	customIDEvasionIgnore = "evasion_ignore"

	signalNewAccount    = "new_account"
	signalDefaultAvatar = "default_avatar"
	signalNoGlobalName  = "no_global_name"

	// maxEvasionReportLines limits the members listed by /check-evasion
	// and /check-alts
	maxEvasionReportLines = 25
)

// Signal is one weighted heuristic that contributed to a Score
type Signal struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Detail string `json:"detail"`
}

// Score is a member's suspicion score, and the signals that make it up
type Score struct {
	Total   int      `json:"total"`
	Signals []Signal `json:"signals"`
}

func (s Score) LogValue() slog.Value {
	names := make([]string, 0, len(s.Signals))
	for _, sig := range s.Signals {
		names = append(names, sig.Name)
	}
	return slog.GroupValue(
		slog.Int("total", s.Total),
		slog.String("signals", strings.Join(names, ",")),
	)
}

// accountCreated returns the creation time encoded in a user ID
func accountCreated(userID string) (time.Time, bool) {
	created, err := discordgo.SnowflakeTimestamp(userID)
	if err != nil {
		return time.Time{}, false
	}
	return created, true
}

// ScoreMember computes the suspicion score for a member. Each signal
// adds its weight; signals with a zero weight are never reported.
func ScoreMember(member *discordgo.Member, now time.Time, cfg *BanEvasionConfig) Score {
	var score Score
	if member == nil || member.User == nil {
		return score
	}
	user := member.User

	add := func(name string, weight int, detail string) {
		if weight <= 0 {
			return
		}
		score.Total += weight
		score.Signals = append(score.Signals, Signal{Name: name, Weight: weight, Detail: detail})
	}

	if created, ok := accountCreated(user.ID); ok {
		ageDays := daysSince(created, now)
		if ageDays < cfg.MaxAccountAgeDays {
			add(
				signalNewAccount,
				cfg.NewAccountWeight,
				fmt.Sprintf(
					"Account age is %.1f days, which is less than the configured minimum of %s days.",
					math.Max(ageDays, 0),
					strconv.FormatFloat(cfg.MaxAccountAgeDays, 'f', -1, 64),
				),
			)
		}
	}
	if user.Avatar == "" {
		add(signalDefaultAvatar, cfg.DefaultAvatarWeight, "Account has no custom avatar.")
	}
	if user.GlobalName == "" {
		add(signalNoGlobalName, cfg.NoGlobalNameWeight, "Account has no display name set.")
	}
	return score
}

// HandleJoin starts tracking a newly joined member, then scores them for
// ban evasion
func (s *Starboarder) HandleJoin(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil || member.User.Bot {
		return
	}
	logger := contextLoggerOr(ctx, s.logger).With(
		"guild_id", member.GuildID,
		"user_id", member.User.ID,
		"username", member.User.Username,
	)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "new member joined")

	joined := member.JoinedAt
	if joined.IsZero() {
		joined = s.now()
	}
	if _, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			doc.MemberJoinDates[member.User.ID] = TrackingEntry{
				Joined:  joined.UTC(),
				GuildID: member.GuildID,
			}
			return nil
		},
	); err != nil {
		logger.ErrorContext(ctx, "error recording join date", tint.Err(err))
	}

	cfg := s.config.BanEvasion
	if !cfg.Enabled {
		return
	}
	score := ScoreMember(member, s.now(), cfg)
	logger.DebugContext(ctx, "scored new member", "score", score)
	if score.Total < cfg.Threshold {
		return
	}
	s.raiseEvasionAlert(ctx, member, score)
}

// raiseEvasionAlert posts the alert for a flagged member, banning them
// first when configured to
func (s *Starboarder) raiseEvasionAlert(
	ctx context.Context,
	member *discordgo.Member,
	score Score,
) {
	logger := contextLoggerOr(ctx, s.logger)
	cfg := s.config.BanEvasion
	session := s.session()
	guildID := member.GuildID
	userID := member.User.ID

	actionTaken := "Logged"
	if cfg.Action == BanEvasionActionBan {
		actionTaken = "Banned"
		s.dmText(
			ctx,
			userID,
			"You have been automatically banned from the server for suspected ban evasion.",
		)
		if s.dryRun(ctx) {
			logger.InfoContext(ctx, "[DRY RUN] skipped ban", "score", score)
		} else if err := session.GuildBanCreateWithReason(
			guildID,
			userID,
			"Ban Evasion System: suspicion score "+strconv.Itoa(score.Total),
			0,
			discordgo.WithContext(ctx),
		); err != nil {
			logger.ErrorContext(ctx, "failed to ban member", tint.Err(err))
			actionTaken = "Ban failed"
		}
	}

	prefix := s.dryRunPrefix(ctx)
	embed := evasionAlertEmbed(member, score, cfg, actionTaken, s.now())
	logger.WarnContext(
		ctx,
		prefix+"flagged potential ban evader",
		"score", score,
		"action", actionTaken,
	)

	alertMsg := &discordgo.MessageSend{
		Content: fmt.Sprintf(
			"@here %sA potential ban evader has joined: **%s**. Action taken: **%s**.",
			prefix,
			member.User.Username,
			actionTaken,
		),
		Embeds: []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone},
		},
	}
	if cfg.Action == BanEvasionActionLog {
		alertMsg.Components = evasionAlertComponents(userID)
	}

	var alertChannelID string
	alertChannel, err := findChannelByName(session, guildID, cfg.AlertChannel, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "ban evasion alert channel unavailable", tint.Err(err))
	} else {
		alertChannelID = alertChannel.ID
		sent, sendErr := session.ChannelMessageSendComplex(
			alertChannel.ID,
			alertMsg,
			discordgo.WithContext(ctx),
		)
		switch {
		case sendErr != nil:
			logger.ErrorContext(ctx, "failed to send ban evasion alert", tint.Err(sendErr))
		case cfg.Action == BanEvasionActionLog:
			if _, err = updateDocument(
				ctx, s.store, func(doc *Document) error {
					doc.PendingEvasionAlerts[sent.ID] = userID
					return nil
				},
			); err != nil {
				logger.ErrorContext(ctx, "error recording pending alert", tint.Err(err))
			}
		}
	}

	logChannel, err := findChannelByName(session, guildID, s.config.Channels.Log, discordgo.WithContext(ctx))
	if err != nil || logChannel.ID == alertChannelID {
		return
	}
	if _, err = session.ChannelMessageSendComplex(
		logChannel.ID,
		&discordgo.MessageSend{
			Content: strings.TrimSpace(prefix),
			Embeds:  []*discordgo.MessageEmbed{embed},
		},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "failed to log ban evasion alert", tint.Err(err))
	}
}

func evasionAlertEmbed(
	member *discordgo.Member,
	score Score,
	cfg *BanEvasionConfig,
	actionTaken string,
	now time.Time,
) *discordgo.MessageEmbed {
	user := member.User
	color := colorOrange
	if cfg.Action == BanEvasionActionBan {
		color = colorRed
	}
	reasons := make([]string, 0, len(score.Signals))
	for _, sig := range score.Signals {
		reasons = append(reasons, fmt.Sprintf("**+%d** `%s`: %s", sig.Weight, sig.Name, sig.Detail))
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "User", Value: fmt.Sprintf("%s (%s)", userMention(user.ID), user.ID)},
	}
	if created, ok := accountCreated(user.ID); ok {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{
				Name:  "Account Created",
				Value: fmt.Sprintf("<t:%d:F>", created.Unix()),
			},
		)
	}
	fields = append(
		fields,
		&discordgo.MessageEmbedField{
			Name:  "Score",
			Value: fmt.Sprintf("%d (threshold %d)", score.Total, cfg.Threshold),
		},
		&discordgo.MessageEmbedField{
			Name:  "Reasons",
			Value: truncate(strings.Join(reasons, "\n"), discordEmbedFieldMaxLength),
		},
		&discordgo.MessageEmbedField{
			Name:  "Action Taken",
			Value: "**" + actionTaken + "**",
		},
	)
	return &discordgo.MessageEmbed{
		Title: "🛡️ Ban Evasion System",
		Color: color,
		Author: &discordgo.MessageEmbedAuthor{
			Name:    user.Username,
			IconURL: user.AvatarURL(""),
		},
		Fields:    fields,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

func evasionAlertComponents(userID string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Ban",
					Style:    discordgo.DangerButton,
					CustomID: newCustomID(customIDEvasionBan, userID),
					Emoji:    &discordgo.ComponentEmoji{Name: "🔨"},
				},
				discordgo.Button{
					Label:    "Ignore",
					Style:    discordgo.SecondaryButton,
					CustomID: newCustomID(customIDEvasionIgnore, userID),
				},
			},
		},
	}
}

// handleEvasionBan handles the 'ban' button on a ban evasion alert
func (s *Starboarder) handleEvasionBan(ctx context.Context, h InteractionHandler, userID string) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionAdministrator,
		"You need the Administrator permission to resolve ban evasion alerts.",
	) {
		return
	}
	i := h.GetInteraction()
	staff := interactionUser(i.Interaction)
	logger := h.Logger().With("flagged_user_id", userID)
	session := s.session()

	if err := deferUpdate(ctx, h); err != nil {
		return
	}

	_, err := session.GuildMember(i.GuildID, userID, discordgo.WithContext(ctx))
	if isUnknownMember(err) {
		s.removePendingAlert(ctx, i.Message)
		s.resolveReviewMessage(
			ctx,
			h,
			fmt.Sprintf("⚠️ %s had already left the server.", userMention(userID)),
		)
		followupEphemeral(ctx, h, "That member has already left the server.")
		return
	}

	prefix := s.dryRunPrefix(ctx)
	if s.dryRun(ctx) {
		logger.InfoContext(ctx, "[DRY RUN] skipped ban")
	} else if err = session.GuildBanCreateWithReason(
		i.GuildID,
		userID,
		"Ban Evasion System: confirmed by "+staff.Username,
		0,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "failed to ban member", tint.Err(err))
		followupEphemeral(ctx, h, fmt.Sprintf("Failed to ban %s: %s", userMention(userID), err))
		return
	}

	s.removePendingAlert(ctx, i.Message)
	s.resolveReviewMessage(
		ctx,
		h,
		fmt.Sprintf("%s🔨 %s was banned by %s.", prefix, userMention(userID), userMention(staff.ID)),
	)
	logger.InfoContext(ctx, prefix+"banned flagged member")
	s.staffLog(
		ctx,
		i.GuildID,
		fmt.Sprintf(
			"%s🔨 **Ban Evasion**: %s was banned by %s.",
			prefix,
			userMention(userID),
			userMention(staff.ID),
		),
	)
}

// handleEvasionIgnore handles the 'ignore' button, deleting the alert
func (s *Starboarder) handleEvasionIgnore(ctx context.Context, h InteractionHandler, userID string) {
	if !requirePermission(
		ctx,
		h,
		discordgo.PermissionAdministrator,
		"You need the Administrator permission to resolve ban evasion alerts.",
	) {
		return
	}
	i := h.GetInteraction()
	logger := h.Logger().With("flagged_user_id", userID)

	_ = respondEphemeral(ctx, h, fmt.Sprintf("Dismissed the alert for %s.", userMention(userID)))
	s.removePendingAlert(ctx, i.Message)
	if i.Message != nil {
		if err := s.session().ChannelMessageDelete(
			i.ChannelID,
			i.Message.ID,
			discordgo.WithContext(ctx),
		); err != nil && !isUnknownMessage(err) {
			logger.ErrorContext(ctx, "unable to delete alert", tint.Err(err))
		}
	}
	logger.InfoContext(ctx, "ban evasion alert ignored")
}

func (s *Starboarder) removePendingAlert(ctx context.Context, alert *discordgo.Message) {
	if alert == nil {
		return
	}
	if _, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			if _, ok := doc.PendingEvasionAlerts[alert.ID]; !ok {
				return errNoChange
			}
			delete(doc.PendingEvasionAlerts, alert.ID)
			return nil
		},
	); err != nil {
		contextLoggerOr(ctx, s.logger).ErrorContext(ctx, "error removing pending alert", tint.Err(err))
	}
}

type scoredMember struct {
	member *discordgo.Member
	score  Score
}

// CheckEvasion re-scores every current member, and reports those at or
// above the threshold. Nothing is acted on.
func (s *Starboarder) CheckEvasion(ctx context.Context, guildID string) (string, error) {
	members, err := guildMembers(ctx, s.session(), guildID)
	if err != nil {
		return "", err
	}
	cfg := s.config.BanEvasion
	now := s.now()

	var flagged []scoredMember
	for _, m := range members {
		if m.User == nil || m.User.Bot {
			continue
		}
		score := ScoreMember(m, now, cfg)
		if score.Total >= cfg.Threshold {
			flagged = append(flagged, scoredMember{member: m, score: score})
		}
	}
	sort.SliceStable(
		flagged, func(i, j int) bool {
			if flagged[i].score.Total != flagged[j].score.Total {
				return flagged[i].score.Total > flagged[j].score.Total
			}
			return flagged[i].member.User.ID < flagged[j].member.User.ID
		},
	)

	if len(flagged) == 0 {
		return fmt.Sprintf(
			"✅ Checked %d members. No one is at or above the threshold of %d.",
			len(members),
			cfg.Threshold,
		), nil
	}

	var b strings.Builder
	fmt.Fprintf(
		&b,
		"🛡️ **%d of %d members** are at or above the threshold of %d:\n",
		len(flagged),
		len(members),
		cfg.Threshold,
	)
	for idx, f := range flagged {
		if idx >= maxEvasionReportLines {
			fmt.Fprintf(&b, "…and %d more\n", len(flagged)-idx)
			break
		}
		names := make([]string, 0, len(f.score.Signals))
		for _, sig := range f.score.Signals {
			names = append(names, sig.Name)
		}
		fmt.Fprintf(
			&b,
			"- %s (%s): **%d** (%s)\n",
			userMention(f.member.User.ID),
			memberDisplayName(f.member),
			f.score.Total,
			strings.Join(names, ", "),
		)
	}
	return b.String(), nil
}

// CheckAlts lists members whose accounts were created close to the
// target's
func (s *Starboarder) CheckAlts(ctx context.Context, guildID string, targetID string) (string, error) {
	target, ok := accountCreated(targetID)
	if !ok {
		return "", fmt.Errorf("invalid user ID %q", targetID)
	}
	members, err := guildMembers(ctx, s.session(), guildID)
	if err != nil {
		return "", err
	}
	window := time.Duration(s.config.BanEvasion.AltAccountThresholdHours * float64(time.Hour))

	type candidate struct {
		member *discordgo.Member
		delta  time.Duration
	}
	var found []candidate
	for _, m := range members {
		if m.User == nil || m.User.Bot || m.User.ID == targetID {
			continue
		}
		created, ok := accountCreated(m.User.ID)
		if !ok {
			continue
		}
		delta := created.Sub(target)
		if delta < 0 {
			delta = -delta
		}
		if delta <= window {
			found = append(found, candidate{member: m, delta: delta})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].delta < found[j].delta })

	if len(found) == 0 {
		return fmt.Sprintf(
			"No accounts were created within %s hours of %s.",
			strconv.FormatFloat(s.config.BanEvasion.AltAccountThresholdHours, 'f', -1, 64),
			userMention(targetID),
		), nil
	}
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"🔎 **%d %s** created within %s hours of %s (<t:%d:F>):\n",
		len(found),
		pluralize(len(found), "account", "accounts"),
		strconv.FormatFloat(s.config.BanEvasion.AltAccountThresholdHours, 'f', -1, 64),
		userMention(targetID),
		target.Unix(),
	)
	for idx, c := range found {
		if idx >= maxEvasionReportLines {
			fmt.Fprintf(&b, "…and %d more\n", len(found)-idx)
			break
		}
		fmt.Fprintf(
			&b,
			"- %s (%s): %s apart\n",
			userMention(c.member.User.ID),
			memberDisplayName(c.member),
			c.delta.Round(time.Minute).String(),
		)
	}
	return b.String(), nil
}

package starboarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	// maxReportNames is the number of users named per category in a
	// sweep report
	maxReportNames = 15

	SweepTriggerStartup  = "startup"
	SweepTriggerSchedule = "schedule"
	SweepTriggerCommand  = "command"
	SweepTriggerAPI      = "api"
)

var ErrSweepSkipped = errors.New("sweep skipped")

// Decision is what a sweep does with one tracked member
type Decision int

const (
	// DecisionWait leaves the entry as it is
	DecisionWait Decision = iota

	// DecisionForget removes the entry: the member left, is verified or
	// is no longer unverified
	DecisionForget

	// DecisionRemind sends the reminder DM
	DecisionRemind

	// DecisionPurge kicks the member
	DecisionPurge
)

func (d Decision) String() string {
	switch d {
	case DecisionWait:
		return "wait"
	case DecisionForget:
		return "forget"
	case DecisionRemind:
		return "remind"
	case DecisionPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// sweepPolicy is the guild-resolved input to decide
type sweepPolicy struct {
	verifiedRoleID   string
	unverifiedRoleID string
	canKick          bool

	autoPurge         bool
	purgeAfterDays    float64
	reminderAfterDays float64
}

// decide returns the action for a tracking entry. member is nil when the
// member is no longer in the guild.
func decide(
	entry TrackingEntry,
	member *discordgo.Member,
	now time.Time,
	policy sweepPolicy,
) Decision {
	if member == nil {
		return DecisionForget
	}
	if policy.verifiedRoleID != "" && memberHasRole(member, policy.verifiedRoleID) {
		return DecisionForget
	}
	if !memberHasRole(member, policy.unverifiedRoleID) {
		return DecisionForget
	}
	days := daysSince(entry.Joined, now)
	if policy.autoPurge && policy.canKick && days > policy.purgeAfterDays {
		return DecisionPurge
	}
	if days > policy.reminderAfterDays && !entry.ReminderSent {
		return DecisionRemind
	}
	return DecisionWait
}

// SweepEntry is a named member in a sweep report
type SweepEntry struct {
	UserID string  `json:"user_id"`
	Name   string  `json:"name"`
	Days   float64 `json:"days"`
}

// SweepReport is the outcome of sweeping one guild
type SweepReport struct {
	GuildID string `json:"guild_id"`
	Trigger string `json:"trigger"`
	DryRun  bool   `json:"dry_run"`

	Tracked int `json:"tracked"`

	Purged    []SweepEntry `json:"purged"`
	Reminded  []SweepEntry `json:"reminded"`
	Forgotten []SweepEntry `json:"forgotten"`

	// PurgeFailed and RemindFailed are members whose kick or DM failed.
	// They stay tracked, and are retried on the next sweep.
	PurgeFailed  []SweepEntry `json:"purge_failed"`
	RemindFailed []SweepEntry `json:"remind_failed"`

	// PurgeDisabled is set when auto-purge is enabled, but the bot
	// can't kick members
	PurgeDisabled bool `json:"purge_disabled"`

	Warnings []string `json:"warnings"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r SweepReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", r.GuildID),
		slog.String("trigger", r.Trigger),
		slog.Bool("dry_run", r.DryRun),
		slog.Int("tracked", r.Tracked),
		slog.Int("purged", len(r.Purged)),
		slog.Int("reminded", len(r.Reminded)),
		slog.Int("forgotten", len(r.Forgotten)),
		slog.Int("purge_failed", len(r.PurgeFailed)),
		slog.Int("remind_failed", len(r.RemindFailed)),
		slog.Duration("duration", r.FinishedAt.Sub(r.StartedAt)),
	)
}

// String renders the report as posted to the log channel
func (r SweepReport) String() string {
	var b strings.Builder
	mode := "[LIVE]"
	if r.DryRun {
		mode = "[DRY RUN]"
	}
	fmt.Fprintf(&b, "%s **Unverified Member Sweep** (%s)\n", mode, r.Trigger)
	fmt.Fprintf(&b, "Tracked members: **%d**\n", r.Tracked)
	if r.PurgeDisabled {
		b.WriteString("⚠️ Purge skipped: missing the Kick Members permission.\n")
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "⚠️ %s\n", w)
	}
	writeSection := func(title string, entries []SweepEntry) {
		fmt.Fprintf(&b, "\n**%s:** %d\n", title, len(entries))
		for idx, e := range entries {
			if idx >= maxReportNames {
				fmt.Fprintf(&b, "…and %d more\n", len(entries)-idx)
				break
			}
			fmt.Fprintf(&b, "- %s (%.1f days)\n", e.Name, e.Days)
		}
	}
	purgeTitle, remindTitle := "Purged", "Reminded"
	if r.DryRun {
		purgeTitle, remindTitle = "Would purge", "Would remind"
	}
	writeSection(purgeTitle, r.Purged)
	writeSection(remindTitle, r.Reminded)
	if len(r.PurgeFailed) > 0 {
		writeSection("Kick failed", r.PurgeFailed)
	}
	if len(r.RemindFailed) > 0 {
		writeSection("Reminder not delivered", r.RemindFailed)
	}
	fmt.Fprintf(&b, "\nNo longer tracked: %d", len(r.Forgotten))
	return b.String()
}

type sweepOutcome struct {
	userID   string
	decision Decision
	// applied is false when the mutating call failed
	applied bool
}

// Sweep applies the reminder and purge policy to every tracked member of
// the guild. All store changes are saved at once, when the sweep ends.
func (s *Starboarder) Sweep(ctx context.Context, guildID string, trigger string) (SweepReport, error) {
	logger := contextLoggerOr(ctx, s.logger).With(
		loggerNameKey, "sweep",
		"guild_id", guildID,
		"trigger", trigger,
	)
	ctx = WithLogger(ctx, logger)
	session := s.session()
	cfg := s.config.Verification

	report := SweepReport{
		GuildID:   guildID,
		Trigger:   trigger,
		DryRun:    s.dryRun(ctx),
		StartedAt: s.now(),
	}

	roles, err := session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return report, fmt.Errorf("error listing roles: %w", err)
	}
	unverified := roleByName(roles, cfg.UnverifiedRoleName)
	if unverified == nil {
		logger.WarnContext(ctx, "unverified role not found, skipping guild", "role", cfg.UnverifiedRoleName)
		return report, fmt.Errorf("%w: %w %q", ErrSweepSkipped, ErrRoleNotFound, cfg.UnverifiedRoleName)
	}
	policy := sweepPolicy{
		unverifiedRoleID:  unverified.ID,
		autoPurge:         cfg.EnableAutoPurge,
		purgeAfterDays:    cfg.PurgeDelayDays + cfg.PurgeGracePeriodDays,
		reminderAfterDays: cfg.ReminderDelayDays,
	}
	if verified := roleByName(roles, cfg.VerifiedRoleName); verified != nil {
		policy.verifiedRoleID = verified.ID
	} else {
		logger.WarnContext(ctx, "verified role not found", "role", cfg.VerifiedRoleName)
		report.Warnings = append(
			report.Warnings,
			fmt.Sprintf("Verified role %q not found, ran without that check.", cfg.VerifiedRoleName),
		)
	}

	if cfg.EnableAutoPurge {
		perms, permErr := botPermissions(session, guildID, s.discord.BotUserID(), discordgo.WithContext(ctx))
		switch {
		case permErr != nil:
			logger.WarnContext(ctx, "unable to check kick permission", tint.Err(permErr))
		case hasPermission(perms, discordgo.PermissionKickMembers):
			policy.canKick = true
		}
		if !policy.canKick {
			logger.WarnContext(ctx, "missing kick permission, purge disabled for this sweep")
			report.PurgeDisabled = true
		}
	}

	members, err := s.fetchMembers(ctx, guildID)
	if err != nil {
		return report, err
	}
	byID := make(map[string]*discordgo.Member, len(members))
	for _, m := range members {
		if m.User != nil {
			byID[m.User.ID] = m
		}
	}

	doc, err := s.store.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("error loading document: %w", err)
	}

	// the document is shared by every guild; only this guild's entries
	// are swept
	guildCount := len(s.discord.GuildIDs())
	userIDs := make([]string, 0, len(doc.MemberJoinDates))
	for userID, entry := range doc.MemberJoinDates {
		if entry.ownedBy(guildID, byID[userID] != nil, guildCount) {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs)
	report.Tracked = len(userIDs)

	now := s.now()
	outcomes := make([]sweepOutcome, 0, len(userIDs))
	for _, userID := range userIDs {
		entry := doc.MemberJoinDates[userID]
		member := byID[userID]
		decision := decide(entry, member, now, policy)
		reportEntry := SweepEntry{
			UserID: userID,
			Name:   userID,
			Days:   daysSince(entry.Joined, now),
		}
		if member != nil {
			reportEntry.Name = memberDisplayName(member)
		}
		memberLogger := logger.With("user_id", userID, "days", reportEntry.Days)

		switch decision {
		case DecisionWait:
			continue
		case DecisionForget:
			report.Forgotten = append(report.Forgotten, reportEntry)
			outcomes = append(outcomes, sweepOutcome{userID: userID, decision: decision, applied: true})
		case DecisionPurge:
			// a simulated purge keeps the entry, so later live sweeps
			// reach the same decision
			kicked, simulated := s.purgeMember(ctx, memberLogger, guildID, userID)
			if kicked || simulated {
				report.Purged = append(report.Purged, reportEntry)
			} else {
				report.PurgeFailed = append(report.PurgeFailed, reportEntry)
			}
			outcomes = append(outcomes, sweepOutcome{userID: userID, decision: decision, applied: kicked})
		case DecisionRemind:
			result := s.dmText(ctx, userID, cfg.ReminderMessage)
			memberLogger.InfoContext(ctx, s.dryRunPrefix(ctx)+"sent verification reminder", "result", result)
			switch result {
			case DMOk, DMSkipped:
				report.Reminded = append(report.Reminded, reportEntry)
			default:
				report.RemindFailed = append(report.RemindFailed, reportEntry)
			}
			outcomes = append(
				outcomes,
				sweepOutcome{userID: userID, decision: decision, applied: result == DMOk},
			)
		}
	}

	if err = s.applySweepOutcomes(ctx, outcomes); err != nil {
		report.FinishedAt = s.now()
		return report, err
	}

	report.FinishedAt = s.now()
	s.lastSweep.Store(report.FinishedAt.UnixNano())
	logger.InfoContext(ctx, "sweep finished", "report", report)
	s.staffLog(ctx, guildID, report.String())
	return report, nil
}

// purgeMember kicks the member unless dry-run is enabled
func (s *Starboarder) purgeMember(
	ctx context.Context,
	logger *slog.Logger,
	guildID string,
	userID string,
) (kicked bool, simulated bool) {
	if s.dryRun(ctx) {
		logger.InfoContext(ctx, "[DRY RUN] skipped kick of unverified member")
		return false, true
	}
	err := s.session().GuildMemberDeleteWithReason(
		guildID,
		userID,
		"Did not complete verification in time",
		discordgo.WithContext(ctx),
	)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "kicked unverified member")
		return true, false
	case isUnknownMember(err):
		logger.InfoContext(ctx, "member already left")
		return true, false
	default:
		logger.ErrorContext(ctx, "failed to kick unverified member", tint.Err(err))
		return false, false
	}
}

// applySweepOutcomes writes every change from a sweep in one save. The
// outcomes are re-applied to the latest document, so entries changed by
// other handlers during the sweep are kept.
func (s *Starboarder) applySweepOutcomes(ctx context.Context, outcomes []sweepOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	_, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			var changed bool
			for _, o := range outcomes {
				entry, ok := doc.MemberJoinDates[o.userID]
				if !ok || !o.applied {
					continue
				}
				switch o.decision {
				case DecisionForget, DecisionPurge:
					delete(doc.MemberJoinDates, o.userID)
					changed = true
				case DecisionRemind:
					entry.ReminderSent = true
					doc.MemberJoinDates[o.userID] = entry
					changed = true
				}
			}
			if !changed {
				return errNoChange
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("error saving sweep results: %w", err)
	}
	return nil
}

// fetchMembers fetches the guild member list in its own goroutine, so a
// long fetch never runs on a gateway handler
func (s *Starboarder) fetchMembers(ctx context.Context, guildID string) ([]*discordgo.Member, error) {
	type result struct {
		members []*discordgo.Member
		err     error
	}
	ch := make(chan result, 1)
	s.runtimeWG.Add(1)
	go func() {
		defer s.runtimeWG.Done()
		members, err := guildMembers(ctx, s.session(), guildID)
		ch <- result{members: members, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.members, r.err
	}
}

// SweepAll sweeps every guild concurrently. A failure in one guild doesn't
// stop the others; their errors are joined.
func (s *Starboarder) SweepAll(ctx context.Context, trigger string) ([]SweepReport, error) {
	guildIDs := s.discord.GuildIDs()
	reports := make([]SweepReport, len(guildIDs))
	errs := make([]error, len(guildIDs))

	var g errgroup.Group
	for idx, guildID := range guildIDs {
		idx, guildID := idx, guildID
		g.Go(
			func() error {
				report, err := s.Sweep(ctx, guildID, trigger)
				reports[idx] = report
				if err != nil {
					errs[idx] = fmt.Errorf("guild %s: %w", guildID, err)
					contextLoggerOr(ctx, s.logger).ErrorContext(
						ctx,
						"sweep failed",
						"guild_id", guildID,
						tint.Err(err),
					)
				}
				return nil
			},
		)
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// startSweeper sweeps once the gateway is ready, then on every
// SweepInterval
func (s *Starboarder) startSweeper(ctx context.Context) {
	interval := s.config.Verification.SweepInterval
	s.runtimeWG.Add(1)
	go func() {
		defer s.runtimeWG.Done()
		select {
		case <-ctx.Done():
			return
		case <-s.discord.ready:
		}
		_, _ = s.SweepAll(ctx, SweepTriggerStartup)

		if interval <= 0 {
			s.logger.InfoContext(ctx, "recurring sweep disabled")
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.SweepAll(ctx, SweepTriggerSchedule)
			}
		}
	}()
}

// LastSweep returns the time the last sweep finished
func (s *Starboarder) LastSweep() (time.Time, bool) {
	ns := s.lastSweep.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

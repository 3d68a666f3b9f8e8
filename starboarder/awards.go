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
	leaderboardSize = 10
	unknownRoleName = "Unknown Role"
)

var (
	ErrAwardExists      = errors.New("award already exists")
	ErrAwardNotFound    = errors.New("award not found")
	ErrInvalidAwardName = errors.New("award name must not be empty")
	ErrNoAward          = errors.New("user does not have this award")
	ErrNotMember        = errors.New("user is not a member of this server")
)

var awardNameQuotes = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"“", "”"},
}

// NormalizeAwardName lowercases and trims an award name, strips one pair of
// wrapping quotes and collapses internal whitespace
func NormalizeAwardName(name string) string {
	name = strings.TrimSpace(name)
	for _, q := range awardNameQuotes {
		if len(name) >= len(q[0])+len(q[1]) &&
			strings.HasPrefix(name, q[0]) &&
			strings.HasSuffix(name, q[1]) {
			name = name[len(q[0]) : len(name)-len(q[1])]
			break
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// AwardCount is a single award held by a user
type AwardCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LeaderboardEntry is one user's position on a leaderboard
type LeaderboardEntry struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// AwardListing is a catalog entry with its number of holders
type AwardListing struct {
	Name    string `json:"name"`
	RoleID  string `json:"role_id"`
	Holders int    `json:"holders"`
}

// CreateAward adds an award to the catalog, bound to the given role.
// Returns the normalized name.
func (s *Starboarder) CreateAward(ctx context.Context, name string, roleID string) (string, error) {
	name = NormalizeAwardName(name)
	if name == "" {
		return "", ErrInvalidAwardName
	}
	_, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			if _, exists := doc.Awards[name]; exists {
				return ErrAwardExists
			}
			doc.Awards[name] = roleID
			return nil
		},
	)
	return name, err
}

// DeleteAward removes an award from the catalog and from every user
// holding it. Returns the role the award was bound to, and the number of
// users it was removed from.
func (s *Starboarder) DeleteAward(ctx context.Context, name string) (
	roleID string,
	holders int,
	err error,
) {
	name = NormalizeAwardName(name)
	_, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			var exists bool
			roleID, exists = doc.Awards[name]
			if !exists {
				return ErrAwardNotFound
			}
			delete(doc.Awards, name)
			holders = 0
			for userID, awards := range doc.UserAwards {
				if _, ok := awards[name]; !ok {
					continue
				}
				delete(awards, name)
				holders++
				if len(awards) == 0 {
					delete(doc.UserAwards, userID)
				}
			}
			return nil
		},
	)
	return roleID, holders, err
}

// GrantAward increments a member's count for an award and adds the
// award's role. A failed role change is logged, and doesn't undo the
// count.
func (s *Starboarder) GrantAward(
	ctx context.Context,
	guildID string,
	userID string,
	name string,
) (int, error) {
	logger := contextLoggerOr(ctx, s.logger).With("user_id", userID)
	name = NormalizeAwardName(name)

	doc, err := s.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	if _, exists := doc.Awards[name]; !exists {
		return 0, ErrAwardNotFound
	}
	if _, err = s.session().GuildMember(guildID, userID, discordgo.WithContext(ctx)); err != nil {
		if isUnknownMember(err) {
			return 0, ErrNotMember
		}
		return 0, fmt.Errorf("error fetching member: %w", err)
	}

	var count int
	var roleID string
	if _, err = updateDocument(
		ctx, s.store, func(doc *Document) error {
			var exists bool
			roleID, exists = doc.Awards[name]
			if !exists {
				return ErrAwardNotFound
			}
			awards := doc.UserAwards[userID]
			if awards == nil {
				awards = map[string]int{}
				doc.UserAwards[userID] = awards
			}
			awards[name]++
			count = awards[name]
			return nil
		},
	); err != nil {
		return 0, err
	}

	if roleID != "" {
		if roleErr := s.session().GuildMemberRoleAdd(
			guildID,
			userID,
			roleID,
			discordgo.WithContext(ctx),
		); roleErr != nil {
			logger.ErrorContext(ctx, "error adding award role", "award", name, tint.Err(roleErr))
		}
	}
	logger.InfoContext(ctx, "granted award", "award", name, "count", count)
	return count, nil
}

// RevokeAward decrements a user's count for an award. At zero, the entry
// is removed along with the award's role.
func (s *Starboarder) RevokeAward(
	ctx context.Context,
	guildID string,
	userID string,
	name string,
) (int, error) {
	logger := contextLoggerOr(ctx, s.logger).With("user_id", userID)
	name = NormalizeAwardName(name)

	var count int
	var roleID string
	var keepRole bool
	if _, err := updateDocument(
		ctx, s.store, func(doc *Document) error {
			var exists bool
			roleID, exists = doc.Awards[name]
			if !exists {
				return ErrAwardNotFound
			}
			awards := doc.UserAwards[userID]
			if awards[name] <= 0 {
				return ErrNoAward
			}
			awards[name]--
			count = awards[name]
			if count > 0 {
				return nil
			}
			delete(awards, name)
			if len(awards) == 0 {
				delete(doc.UserAwards, userID)
			}
			// another award held by the user may share the role
			keepRole = false
			for other, n := range awards {
				if n > 0 && doc.Awards[other] == roleID {
					keepRole = true
				}
			}
			return nil
		},
	); err != nil {
		return 0, err
	}

	if count == 0 && roleID != "" && !keepRole {
		if roleErr := s.session().GuildMemberRoleRemove(
			guildID,
			userID,
			roleID,
			discordgo.WithContext(ctx),
		); roleErr != nil && !isUnknownMember(roleErr) {
			logger.ErrorContext(ctx, "error removing award role", "award", name, tint.Err(roleErr))
		}
	}
	logger.InfoContext(ctx, "revoked award", "award", name, "count", count)
	return count, nil
}

// userAwardCounts returns the awards held by a user, by count descending
// then name
func userAwardCounts(doc *Document, userID string) []AwardCount {
	var counts []AwardCount
	for name, n := range doc.UserAwards[userID] {
		if n > 0 {
			counts = append(counts, AwardCount{Name: name, Count: n})
		}
	}
	sort.Slice(
		counts, func(i, j int) bool {
			if counts[i].Count != counts[j].Count {
				return counts[i].Count > counts[j].Count
			}
			return counts[i].Name < counts[j].Name
		},
	)
	return counts
}

// awardLeaderboard returns the top n users for an award, or across every
// award when award is empty
func awardLeaderboard(doc *Document, award string, n int) []LeaderboardEntry {
	award = NormalizeAwardName(award)
	var entries []LeaderboardEntry
	for userID, awards := range doc.UserAwards {
		total := 0
		for name, count := range awards {
			if award == "" || name == award {
				total += count
			}
		}
		if total > 0 {
			entries = append(entries, LeaderboardEntry{UserID: userID, Count: total})
		}
	}
	sort.Slice(
		entries, func(i, j int) bool {
			if entries[i].Count != entries[j].Count {
				return entries[i].Count > entries[j].Count
			}
			return entries[i].UserID < entries[j].UserID
		},
	)
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// awardListings returns the award catalog sorted by name
func awardListings(doc *Document) []AwardListing {
	listings := make([]AwardListing, 0, len(doc.Awards))
	for name, roleID := range doc.Awards {
		holders := 0
		for _, awards := range doc.UserAwards {
			if awards[name] > 0 {
				holders++
			}
		}
		listings = append(listings, AwardListing{Name: name, RoleID: roleID, Holders: holders})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })
	return listings
}

// roleName returns the name of the role with the given ID, or
// "Unknown Role" if it doesn't exist
func roleName(roles []*discordgo.Role, roleID string) string {
	if r := roleByID(roles, roleID); r != nil {
		return r.Name
	}
	return unknownRoleName
}

// handleAwardCommand handles the /award subcommands
func (s *Starboarder) handleAwardCommand(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		_ = respondEphemeral(ctx, h, "Usage: `/award <create|delete|add|remove|display|leaderboard|list>`")
		return
	}
	sub := data.Options[0]
	opts := commandOptions(sub.Options)
	logger := h.Logger().With("subcommand", sub.Name)
	ctx = WithLogger(ctx, logger)

	switch sub.Name {
	case "create":
		if !requirePermission(
			ctx, h, discordgo.PermissionAdministrator,
			"You must be an Administrator to create new awards.",
		) {
			return
		}
		s.awardCreate(ctx, h, optionString(opts, "name"), optionString(opts, "role"))
	case "delete":
		if !requirePermission(
			ctx, h, discordgo.PermissionAdministrator,
			"You must be an Administrator to delete awards.",
		) {
			return
		}
		s.awardDelete(ctx, h, optionString(opts, "name"))
	case "add":
		if !requirePermission(
			ctx, h, discordgo.PermissionManageRoles,
			"You need the Manage Roles permission to give awards.",
		) {
			return
		}
		s.awardAdd(ctx, h, optionString(opts, "user"), optionString(opts, "name"))
	case "remove":
		if !requirePermission(
			ctx, h, discordgo.PermissionManageRoles,
			"You need the Manage Roles permission to remove awards.",
		) {
			return
		}
		s.awardRemove(ctx, h, optionString(opts, "user"), optionString(opts, "name"))
	case "display":
		userID := optionString(opts, "user")
		if userID == "" {
			if u := interactionUser(i.Interaction); u != nil {
				userID = u.ID
			}
		}
		s.awardDisplay(ctx, h, userID)
	case "leaderboard":
		s.awardLeaderboardCommand(ctx, h, optionString(opts, "award"))
	case "list":
		s.awardList(ctx, h)
	default:
		_ = respondEphemeral(ctx, h, fmt.Sprintf("Unknown subcommand %q.", sub.Name))
	}
}

func (s *Starboarder) awardCreate(ctx context.Context, h InteractionHandler, name string, roleID string) {
	if roleID == "" {
		_ = respondEphemeral(ctx, h, "Usage: `/award create name:<award name> role:<@role>`")
		return
	}
	normalized, err := s.CreateAward(ctx, name, roleID)
	guildID := h.GetInteraction().GuildID
	switch {
	case errors.Is(err, ErrInvalidAwardName):
		_ = respondEphemeral(ctx, h, "You must provide a name for the award.")
	case errors.Is(err, ErrAwardExists):
		doc, _ := s.store.Load(ctx)
		existing := ""
		if doc != nil {
			existing = doc.Awards[normalized]
		}
		roles, _ := s.session().GuildRoles(guildID, discordgo.WithContext(ctx))
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf(
				"An award named \"%s\" already exists and is linked to the `%s` role.",
				normalized,
				roleName(roles, existing),
			),
		)
	case err != nil:
		h.Logger().ErrorContext(ctx, "error creating award", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error creating the award.")
	default:
		roles, _ := s.session().GuildRoles(guildID, discordgo.WithContext(ctx))
		h.Logger().InfoContext(ctx, "created award", "award", normalized, "role_id", roleID)
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf(
				"✅ Successfully created the **%s** award, linked to the `%s` role.",
				normalized,
				roleName(roles, roleID),
			),
		)
	}
}

func (s *Starboarder) awardDelete(ctx context.Context, h InteractionHandler, name string) {
	_, holders, err := s.DeleteAward(ctx, name)
	normalized := NormalizeAwardName(name)
	switch {
	case errors.Is(err, ErrAwardNotFound):
		_ = respondEphemeral(ctx, h, fmt.Sprintf("No award named \"%s\" exists.", normalized))
	case err != nil:
		h.Logger().ErrorContext(ctx, "error deleting award", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error deleting the award.")
	default:
		h.Logger().InfoContext(ctx, "deleted award", "award", normalized, "holders", holders)
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf(
				"🗑️ Deleted the **%s** award. It was removed from %d %s.",
				normalized,
				holders,
				pluralize(holders, "member", "members"),
			),
		)
	}
}

func (s *Starboarder) awardAdd(ctx context.Context, h InteractionHandler, userID string, name string) {
	if userID == "" || NormalizeAwardName(name) == "" {
		_ = respondEphemeral(ctx, h, "Usage: `/award add user:<@user> name:<award name>`")
		return
	}
	count, err := s.GrantAward(ctx, h.GetInteraction().GuildID, userID, name)
	normalized := NormalizeAwardName(name)
	switch {
	case errors.Is(err, ErrAwardNotFound):
		_ = respondEphemeral(ctx, h, fmt.Sprintf("No award named \"%s\" exists.", normalized))
	case errors.Is(err, ErrNotMember):
		_ = respondEphemeral(ctx, h, "That user is not a member of this server.")
	case err != nil:
		h.Logger().ErrorContext(ctx, "error granting award", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error giving the award.")
	default:
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf("🏆 Gave **%s** to %s. They now have %d.", normalized, userMention(userID), count),
		)
	}
}

func (s *Starboarder) awardRemove(ctx context.Context, h InteractionHandler, userID string, name string) {
	if userID == "" || NormalizeAwardName(name) == "" {
		_ = respondEphemeral(ctx, h, "Usage: `/award remove user:<@user> name:<award name>`")
		return
	}
	count, err := s.RevokeAward(ctx, h.GetInteraction().GuildID, userID, name)
	normalized := NormalizeAwardName(name)
	switch {
	case errors.Is(err, ErrAwardNotFound):
		_ = respondEphemeral(ctx, h, fmt.Sprintf("No award named \"%s\" exists.", normalized))
	case errors.Is(err, ErrNoAward):
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf("%s doesn't have the **%s** award.", userMention(userID), normalized),
		)
	case err != nil:
		h.Logger().ErrorContext(ctx, "error revoking award", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error removing the award.")
	default:
		_ = respondEphemeral(
			ctx,
			h,
			fmt.Sprintf("Removed one **%s** from %s. They now have %d.", normalized, userMention(userID), count),
		)
	}
}

func (s *Starboarder) awardDisplay(ctx context.Context, h InteractionHandler, userID string) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error loading document", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error loading awards.")
		return
	}
	counts := userAwardCounts(doc, userID)
	if len(counts) == 0 {
		_ = respondEphemeral(ctx, h, fmt.Sprintf("%s has no awards yet.", userMention(userID)))
		return
	}
	lines := make([]string, 0, len(counts))
	for _, c := range counts {
		lines = append(lines, fmt.Sprintf("**%s** × %d", c.Name, c.Count))
	}
	_ = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       "🏆 Awards",
						Description: truncate(userMention(userID)+"\n\n"+strings.Join(lines, "\n"), 4096),
						Color:       colorGold,
					},
				},
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		},
	)
}

func (s *Starboarder) awardLeaderboardCommand(ctx context.Context, h InteractionHandler, award string) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error loading document", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error loading awards.")
		return
	}
	normalized := NormalizeAwardName(award)
	if normalized != "" {
		if _, exists := doc.Awards[normalized]; !exists {
			_ = respondEphemeral(ctx, h, fmt.Sprintf("No award named \"%s\" exists.", normalized))
			return
		}
	}
	entries := awardLeaderboard(doc, normalized, leaderboardSize)
	if len(entries) == 0 {
		_ = respondEphemeral(ctx, h, "Nobody has any awards yet.")
		return
	}
	title := "🏆 Award Leaderboard"
	if normalized != "" {
		title = fmt.Sprintf("🏆 Leaderboard: %s", normalized)
	}
	lines := make([]string, 0, len(entries))
	for n, e := range entries {
		lines = append(lines, fmt.Sprintf("%d. %s: %d", n+1, userMention(e.UserID), e.Count))
	}
	_ = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       title,
						Description: strings.Join(lines, "\n"),
						Color:       colorGold,
					},
				},
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		},
	)
}

func (s *Starboarder) awardList(ctx context.Context, h InteractionHandler) {
	doc, err := s.store.Load(ctx)
	if err != nil {
		h.Logger().ErrorContext(ctx, "error loading document", tint.Err(err))
		_ = respondEphemeral(ctx, h, "There was an error loading awards.")
		return
	}
	listings := awardListings(doc)
	if len(listings) == 0 {
		_ = respondEphemeral(ctx, h, "No awards have been created yet.")
		return
	}
	roles, err := s.session().GuildRoles(h.GetInteraction().GuildID, discordgo.WithContext(ctx))
	if err != nil {
		h.Logger().WarnContext(ctx, "error listing roles", tint.Err(err))
	}
	lines := make([]string, 0, len(listings))
	for _, l := range listings {
		lines = append(
			lines,
			fmt.Sprintf(
				"**%s**: `%s` (%d %s)",
				l.Name,
				roleName(roles, l.RoleID),
				l.Holders,
				pluralize(l.Holders, "holder", "holders"),
			),
		)
	}
	_ = respondEphemeral(ctx, h, "**Awards**\n"+strings.Join(lines, "\n"))
}

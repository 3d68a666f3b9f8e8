package starboarder

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAwardName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"  Best Edit ":       "best edit",
		`"Best   Edit"`:      "best edit",
		"'Golden Hour'":      "golden hour",
		"“Night Owl”":        "night owl",
		`"unbalanced`:        `"unbalanced`,
		`""`:                 "",
		"\tPhoto\nof  Week ": "photo of week",
	}
	for input, want := range tests {
		assert.Equal(t, want, NormalizeAwardName(input), "input %q", input)
	}
}

func TestAwardLifecycle(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	ctx := context.Background()
	role := fake.addRole(guild.ID, "Editor", 0)
	member := newTestUser(testNow.AddDate(-1, 0, 0), 20, "editor")
	fake.addMember(guild.ID, member, testNow.AddDate(0, -1, 0))

	name, err := bot.CreateAward(ctx, ` "Best  Edit" `, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "best edit", name)

	_, err = bot.CreateAward(ctx, "BEST EDIT", role.ID)
	require.ErrorIs(t, err, ErrAwardExists)
	_, err = bot.CreateAward(ctx, "   ", role.ID)
	require.ErrorIs(t, err, ErrInvalidAwardName)

	count, err := bot.GrantAward(ctx, guild.ID, member.ID, "best edit")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = bot.GrantAward(ctx, guild.ID, member.ID, "Best Edit")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, fake.memberRoles(guild.ID, member.ID), role.ID)

	count, err = bot.RevokeAward(ctx, guild.ID, member.ID, "best edit")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Contains(t, fake.memberRoles(guild.ID, member.ID), role.ID)

	count, err = bot.RevokeAward(ctx, guild.ID, member.ID, "best edit")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.NotContains(t, fake.memberRoles(guild.ID, member.ID), role.ID)
	assert.NotContains(t, loadTestDocument(t, bot).UserAwards, member.ID)

	// counts never go below zero
	_, err = bot.RevokeAward(ctx, guild.ID, member.ID, "best edit")
	require.ErrorIs(t, err, ErrNoAward)
}

func TestGrantAwardErrors(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	ctx := context.Background()
	role := fake.addRole(guild.ID, "Editor", 0)

	_, err := bot.GrantAward(ctx, guild.ID, guild.Owner.ID, "missing")
	require.ErrorIs(t, err, ErrAwardNotFound)

	_, err = bot.CreateAward(ctx, "best edit", role.ID)
	require.NoError(t, err)
	_, err = bot.GrantAward(ctx, guild.ID, "404", "best edit")
	require.ErrorIs(t, err, ErrNotMember)
	assert.Empty(t, loadTestDocument(t, bot).UserAwards)

	_, err = bot.RevokeAward(ctx, guild.ID, guild.Owner.ID, "missing")
	require.ErrorIs(t, err, ErrAwardNotFound)
}

func TestRevokeAwardKeepsSharedRole(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	ctx := context.Background()
	role := fake.addRole(guild.ID, "Winner", 0)
	member := newTestUser(testNow.AddDate(-1, 0, 0), 20, "winner")
	fake.addMember(guild.ID, member, testNow.AddDate(0, -1, 0))

	for _, name := range []string{"photo of the week", "photo of the month"} {
		_, err := bot.CreateAward(ctx, name, role.ID)
		require.NoError(t, err)
		_, err = bot.GrantAward(ctx, guild.ID, member.ID, name)
		require.NoError(t, err)
	}

	_, err := bot.RevokeAward(ctx, guild.ID, member.ID, "photo of the week")
	require.NoError(t, err)
	assert.Contains(t, fake.memberRoles(guild.ID, member.ID), role.ID)

	_, err = bot.RevokeAward(ctx, guild.ID, member.ID, "photo of the month")
	require.NoError(t, err)
	assert.NotContains(t, fake.memberRoles(guild.ID, member.ID), role.ID)
}

func TestDeleteAward(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	ctx := context.Background()
	role := fake.addRole(guild.ID, "Editor", 0)
	_, err := bot.CreateAward(ctx, "best edit", role.ID)
	require.NoError(t, err)
	for seq, username := range []string{"one", "two"} {
		member := newTestUser(testNow.AddDate(-1, 0, 0), 30+seq, username)
		fake.addMember(guild.ID, member, testNow.AddDate(0, -1, 0))
		_, err = bot.GrantAward(ctx, guild.ID, member.ID, "best edit")
		require.NoError(t, err)
	}

	roleID, holders, err := bot.DeleteAward(ctx, "Best Edit")
	require.NoError(t, err)
	assert.Equal(t, role.ID, roleID)
	assert.Equal(t, 2, holders)

	doc := loadTestDocument(t, bot)
	assert.Empty(t, doc.Awards)
	assert.Empty(t, doc.UserAwards)

	_, _, err = bot.DeleteAward(ctx, "best edit")
	require.ErrorIs(t, err, ErrAwardNotFound)
}

func TestAwardLeaderboard(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Awards: map[string]string{"a": "1", "b": "2"},
		UserAwards: map[string]map[string]int{
			"300": {"a": 2, "b": 1},
			"100": {"a": 3},
			"200": {"a": 1, "b": 2},
			"400": {"b": 0},
		},
	}

	overall := awardLeaderboard(doc, "", 10)
	assert.Equal(
		t,
		[]LeaderboardEntry{
			{UserID: "100", Count: 3},
			{UserID: "200", Count: 3},
			{UserID: "300", Count: 3},
		},
		overall,
	)

	byAward := awardLeaderboard(doc, " B ", 10)
	assert.Equal(
		t,
		[]LeaderboardEntry{{UserID: "200", Count: 2}, {UserID: "300", Count: 1}},
		byAward,
	)

	assert.Len(t, awardLeaderboard(doc, "", 2), 2)

	assert.Equal(
		t,
		[]AwardCount{{Name: "b", Count: 2}, {Name: "a", Count: 1}},
		userAwardCounts(doc, "200"),
	)
	assert.Equal(
		t,
		[]AwardListing{
			{Name: "a", RoleID: "1", Holders: 3},
			{Name: "b", RoleID: "2", Holders: 2},
		},
		awardListings(doc),
	)
}

func TestAwardCommandPermissions(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	role := fake.addRole(guild.ID, "Editor", 0)

	interact(
		bot, fake, commandInteraction(
			fake, guild.ID, guild.Owner, discordgo.PermissionManageRoles, commandAward,
			subcommand("create", stringOption("name", "best edit"), stringOption("role", role.ID)),
		),
	)
	assert.Equal(t, "You must be an Administrator to create new awards.", fake.lastResponseContent(t))
	assert.Empty(t, loadTestDocument(t, bot).Awards)

	interact(
		bot, fake, commandInteraction(
			fake, guild.ID, guild.Owner, 0, commandAward,
			subcommand("add", userOption("user", guild.Owner.ID), stringOption("name", "best edit")),
		),
	)
	assert.Equal(t, "You need the Manage Roles permission to give awards.", fake.lastResponseContent(t))
}

func TestAwardCommands(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	role := fake.addRole(guild.ID, "Editor", 0)
	member := newTestUser(testNow.AddDate(-1, 0, 0), 20, "editor")
	fake.addMember(guild.ID, member, testNow.AddDate(0, -1, 0))
	admin := int64(discordgo.PermissionAdministrator)

	run := func(sub *discordgo.ApplicationCommandInteractionDataOption) {
		interact(bot, fake, commandInteraction(fake, guild.ID, guild.Owner, admin, commandAward, sub))
	}

	run(subcommand("create", stringOption("name", "Best Edit"), stringOption("role", role.ID)))
	assert.Equal(
		t,
		"✅ Successfully created the **best edit** award, linked to the `Editor` role.",
		fake.lastResponseContent(t),
	)

	run(subcommand("create", stringOption("name", "best edit"), stringOption("role", role.ID)))
	assert.Equal(
		t,
		"An award named \"best edit\" already exists and is linked to the `Editor` role.",
		fake.lastResponseContent(t),
	)

	run(subcommand("add", userOption("user", member.ID), stringOption("name", "best edit")))
	assert.Equal(
		t,
		"🏆 Gave **best edit** to <@"+member.ID+">. They now have 1.",
		fake.lastResponseContent(t),
	)

	run(subcommand("add", userOption("user", member.ID), stringOption("name", "nope")))
	assert.Equal(t, "No award named \"nope\" exists.", fake.lastResponseContent(t))

	run(subcommand("list"))
	assert.Equal(t, "**Awards**\n**best edit**: `Editor` (1 holder)", fake.lastResponseContent(t))

	run(subcommand("display", userOption("user", member.ID)))
	responses := fake.interactionResponses()
	display := responses[len(responses)-1]
	require.Len(t, display.Data.Embeds, 1)
	assert.Contains(t, display.Data.Embeds[0].Description, "**best edit** × 1")

	run(subcommand("leaderboard", stringOption("award", "missing")))
	assert.Equal(t, "No award named \"missing\" exists.", fake.lastResponseContent(t))

	run(subcommand("leaderboard"))
	responses = fake.interactionResponses()
	board := responses[len(responses)-1]
	require.Len(t, board.Data.Embeds, 1)
	assert.Equal(t, "1. <@"+member.ID+">: 1", board.Data.Embeds[0].Description)

	run(subcommand("remove", userOption("user", member.ID), stringOption("name", "best edit")))
	assert.Equal(
		t,
		"Removed one **best edit** from <@"+member.ID+">. They now have 0.",
		fake.lastResponseContent(t),
	)
	run(subcommand("remove", userOption("user", member.ID), stringOption("name", "best edit")))
	assert.Equal(
		t,
		"<@"+member.ID+"> doesn't have the **best edit** award.",
		fake.lastResponseContent(t),
	)

	run(subcommand("delete", stringOption("name", "best edit")))
	assert.Equal(
		t,
		"🗑️ Deleted the **best edit** award. It was removed from 0 members.",
		fake.lastResponseContent(t),
	)
}

func TestRoleName(t *testing.T) {
	t.Parallel()
	roles := []*discordgo.Role{{ID: "1", Name: "Editor"}}
	assert.Equal(t, "Editor", roleName(roles, "1"))
	assert.Equal(t, unknownRoleName, roleName(roles, "2"))
}

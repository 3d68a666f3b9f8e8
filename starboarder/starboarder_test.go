package starboarder

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

// testGuild is the guild seeded by newTestStarboarder, with every
// configured channel and the verification roles
type testGuild struct {
	ID             string
	Owner          *discordgo.User
	Channels       map[string]*discordgo.Channel
	VerifiedRole   *discordgo.Role
	UnverifiedRole *discordgo.Role
	BotRole        *discordgo.Role
}

func (g *testGuild) channel(t testing.TB, name string) *discordgo.Channel {
	t.Helper()
	ch, ok := g.Channels[normalizeChannelName(name)]
	require.True(t, ok, "channel %q not seeded", name)
	return ch
}

// newTestUser returns an established-looking user, created at the given
// time
func newTestUser(created time.Time, seq int, username string) *discordgo.User {
	return &discordgo.User{
		ID:         snowflakeAt(created, seq),
		Username:   username,
		GlobalName: username,
		Avatar:     "a1b2c3",
	}
}

// newTestStarboarder returns a bot backed by a fake discord session and a
// store in a temp dir, with its clock fixed at testNow. If cfg is nil,
// DefaultTestConfig is used.
func newTestStarboarder(t testing.TB, cfg *Config) (*Starboarder, *fakeDiscordSession, *testGuild) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}

	bot, err := New(cfg)
	require.NoError(t, err)

	fake := newFakeDiscordSession(t)
	bot.discord.session = fake
	bot.discord.setBotUserID(fake.botUser.ID)

	store, err := NewStore(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bot.store = store
	bot.now = func() time.Time { return testNow }

	owner := newTestUser(testNow.AddDate(-3, 0, 0), 1, "owner")
	g := fake.addGuild(owner.ID)
	guild := &testGuild{
		ID:       g.ID,
		Owner:    owner,
		Channels: map[string]*discordgo.Channel{},
	}
	for _, name := range []string{
		cfg.Channels.Photography,
		cfg.Channels.Theme,
		cfg.Channels.ReactionRole,
		cfg.Channels.Rules,
		cfg.Channels.HowToMember,
		cfg.Channels.Intros,
		cfg.Channels.Review,
		cfg.Channels.Log,
		cfg.Starboard.Channel,
		cfg.BanEvasion.AlertChannel,
	} {
		name = normalizeChannelName(name)
		if _, exists := guild.Channels[name]; exists || name == "" {
			continue
		}
		guild.Channels[name] = fake.addChannel(g.ID, name)
	}
	guild.VerifiedRole = fake.addRole(g.ID, cfg.Verification.VerifiedRoleName, 0)
	guild.UnverifiedRole = fake.addRole(g.ID, cfg.Verification.UnverifiedRoleName, 0)
	guild.BotRole = fake.addRole(
		g.ID,
		"bot",
		discordgo.PermissionKickMembers|
			discordgo.PermissionBanMembers|
			discordgo.PermissionManageRoles|
			discordgo.PermissionManageMessages,
	)
	fake.addMember(g.ID, fake.botUser, testNow.AddDate(-1, 0, 0), guild.BotRole.ID)
	fake.addMember(g.ID, owner, testNow.AddDate(-2, 0, 0))
	bot.discord.addGuild(g.ID)

	return bot, fake, guild
}

func loadTestDocument(t testing.TB, bot *Starboarder) *Document {
	t.Helper()
	doc, err := bot.store.Load(context.Background())
	require.NoError(t, err)
	return doc
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func userOption(name string, userID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionUser,
		Value: userID,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func subcommand(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:    name,
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Options: options,
	}
}

// newInteraction returns an interaction from user in the guild, or a DM
// when guildID is empty
func newInteraction(
	fake *fakeDiscordSession,
	guildID string,
	channelID string,
	user *discordgo.User,
	perms int64,
) *discordgo.Interaction {
	fake.mu.Lock()
	id := fake.newID()
	fake.mu.Unlock()
	i := &discordgo.Interaction{
		ID:        id,
		AppID:     "1100000000000000001",
		GuildID:   guildID,
		ChannelID: channelID,
		Token:     "interaction-token-" + id,
	}
	if guildID == "" {
		i.User = user
	} else {
		i.Member = &discordgo.Member{GuildID: guildID, User: user, Permissions: perms}
	}
	return i
}

func commandInteraction(
	fake *fakeDiscordSession,
	guildID string,
	user *discordgo.User,
	perms int64,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := newInteraction(fake, guildID, "", user, perms)
	i.Type = discordgo.InteractionApplicationCommand
	i.Data = discordgo.ApplicationCommandInteractionData{
		ID:      "1",
		Name:    name,
		Options: options,
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

func componentInteraction(
	fake *fakeDiscordSession,
	message *discordgo.Message,
	user *discordgo.User,
	perms int64,
	customID string,
	values ...string,
) *discordgo.InteractionCreate {
	i := newInteraction(fake, message.GuildID, message.ChannelID, user, perms)
	i.Type = discordgo.InteractionMessageComponent
	i.Message = message
	componentType := discordgo.ButtonComponent
	if len(values) > 0 {
		componentType = discordgo.SelectMenuComponent
	}
	i.Data = discordgo.MessageComponentInteractionData{
		CustomID:      customID,
		ComponentType: componentType,
		Values:        values,
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

func modalInteraction(
	fake *fakeDiscordSession,
	guildID string,
	user *discordgo.User,
	perms int64,
	customID string,
	inputID string,
	value string,
) *discordgo.InteractionCreate {
	i := newInteraction(fake, guildID, "", user, perms)
	i.Type = discordgo.InteractionModalSubmit
	i.Data = discordgo.ModalSubmitInteractionData{
		CustomID: customID,
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: inputID, Value: value},
				},
			},
		},
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

// interact runs the interaction through the bot's dispatcher, with a
// gateway handler bound to the fake session
func interact(bot *Starboarder, fake *fakeDiscordSession, i *discordgo.InteractionCreate) {
	ctx := context.Background()
	bot.handleInteraction(ctx, newGatewayHandler(fake, i, bot.logger))
}

func TestRunStartsAndStops(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestStarboarder(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err := <-errCh:
		t.Fatalf("bot exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
	assert.Equal(t, testNow, bot.startedAt)

	bot.Stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	bot, _, _ := newTestStarboarder(t, cfg)
	cfg.Starboard.RequiredStars = 0

	err := bot.Run(context.Background())
	require.Error(t, err)
}

func TestDryRunOverrides(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestStarboarder(t, nil)
	ctx := context.Background()

	assert.False(t, bot.dryRun(ctx))
	assert.True(t, bot.dryRun(WithDryRun(ctx)))
	assert.Equal(t, "[DRY RUN] ", bot.dryRunPrefix(WithDryRun(ctx)))
	assert.Equal(t, "", bot.dryRunPrefix(ctx))

	bot.SetDryRun(true)
	assert.True(t, bot.dryRun(ctx))
	bot.SetDryRun(false)
	assert.False(t, bot.dryRun(ctx))
}

func TestDryRunConfigSeedsFlag(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DryRun = true
	bot, _, _ := newTestStarboarder(t, cfg)
	assert.True(t, bot.dryRun(context.Background()))
}

func TestHandleMemberRemoveDropsTracking(t *testing.T) {
	t.Parallel()
	bot, _, guild := newTestStarboarder(t, nil)
	ctx := context.Background()

	user := newTestUser(testNow.AddDate(0, -2, 0), 5, "leaver")
	_, err := updateDocument(
		ctx, bot.store, func(doc *Document) error {
			doc.MemberJoinDates[user.ID] = TrackingEntry{Joined: testNow.AddDate(0, 0, -2)}
			doc.VerificationProgress[user.ID] = VerificationProgress{State: StateRulesAgreed}
			return nil
		},
	)
	require.NoError(t, err)

	bot.handleMemberRemove(ctx, &discordgo.Member{GuildID: guild.ID, User: user})

	doc := loadTestDocument(t, bot)
	assert.NotContains(t, doc.MemberJoinDates, user.ID)
	assert.NotContains(t, doc.VerificationProgress, user.ID)
}

func TestHandleReactionAddIgnoresBot(t *testing.T) {
	t.Parallel()
	bot, fake, guild := newTestStarboarder(t, nil)
	photos := guild.channel(t, bot.config.Channels.Photography)

	msg := fake.addMessage(
		photos.ID,
		&discordgo.Message{
			Author: newTestUser(testNow.AddDate(-1, 0, 0), 2, "artist"),
			Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn.example.com/a.png", Filename: "a.png"},
			},
			Reactions: []*discordgo.MessageReactions{
				{Count: 10, Emoji: &discordgo.Emoji{Name: DefaultStarEmoji}},
			},
		},
	)

	bot.handleReactionAdd(
		context.Background(),
		&discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				UserID:    fake.botUser.ID,
				MessageID: msg.ID,
				ChannelID: photos.ID,
				GuildID:   guild.ID,
				Emoji:     discordgo.Emoji{Name: DefaultStarEmoji},
			},
		},
	)
	assert.Empty(t, fake.sentTo(guild.channel(t, bot.config.Starboard.Channel).ID))
}

func TestStaffLogWithoutLogChannel(t *testing.T) {
	t.Parallel()
	bot, fake, _ := newTestStarboarder(t, nil)
	guildID := bot.discord.GuildIDs()[0]
	bot.config.Channels.Log = "nowhere"

	bot.staffLog(context.Background(), guildID, "hello")
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.sent)
}

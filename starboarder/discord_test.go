package starboarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	discordEpochMillis = 1420070400000
	dmChannelPrefix    = "dm:"
)

// snowflakeAt returns a snowflake ID with the creation time t
func snowflakeAt(t time.Time, seq int) string {
	ms := t.UnixMilli() - discordEpochMillis
	return strconv.FormatInt((ms<<22)|int64(seq&0x3FFFFF), 10)
}

func restError(status int, code int) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: http.StatusText(status)},
	}
}

func unknownMessageError() error {
	return restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
}

func unknownMemberError() error {
	return restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember)
}

type sentMessage struct {
	ChannelID string
	Message   *discordgo.MessageSend
}

type roleChange struct {
	GuildID string
	UserID  string
	RoleID  string
}

type moderationAction struct {
	GuildID string
	UserID  string
	Reason  string
}

// fakeDiscordSession is an in-memory DiscordSessionHandler. It keeps
// guilds, channels, roles, members and messages, and records every
// mutating call so tests can assert on them.
type fakeDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger

	botUser *discordgo.User
	idTime  time.Time
	nextSeq int

	guilds        map[string]*discordgo.Guild
	channels      map[string][]*discordgo.Channel
	channelGuilds map[string]string
	roles         map[string][]*discordgo.Role
	members       map[string]map[string]*discordgo.Member
	messages      map[string][]*discordgo.Message
	users         map[string]*discordgo.User
	dmBlocked     map[string]bool

	sent             []sentMessage
	dms              []sentMessage
	edits            []*discordgo.MessageEdit
	deleted          []string
	kicks            []moderationAction
	bans             []moderationAction
	rolesAdded       []roleChange
	rolesRemoved     []roleChange
	reactionsAdded   []string
	reactionsRemoved []string
	responses        []*discordgo.InteractionResponse
	responseEdits    []*discordgo.WebhookEdit
	followups        []*discordgo.WebhookParams
	commands         []*discordgo.ApplicationCommand

	// injected failures
	kickErr error
	banErr  error
	sendErr map[string]error
}

func newFakeDiscordSession(t testing.TB) *fakeDiscordSession {
	t.Helper()
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelWarn)
	idTime := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeDiscordSession{
		logger: slog.New(
			tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel, AddSource: true}),
		).With(loggerNameKey, "fake_discord_session", "test_name", t.Name()),
		idTime:        idTime,
		nextSeq:       1,
		guilds:        map[string]*discordgo.Guild{},
		channels:      map[string][]*discordgo.Channel{},
		channelGuilds: map[string]string{},
		roles:         map[string][]*discordgo.Role{},
		members:       map[string]map[string]*discordgo.Member{},
		messages:      map[string][]*discordgo.Message{},
		users:         map[string]*discordgo.User{},
		dmBlocked:     map[string]bool{},
		sendErr:       map[string]error{},
	}
	f.botUser = &discordgo.User{
		ID:       snowflakeAt(idTime.Add(-365*24*time.Hour), 0),
		Username: "starboarder",
		Bot:      true,
	}
	f.users[f.botUser.ID] = f.botUser
	return f
}

// newID returns a new snowflake. IDs increase with every call.
func (f *fakeDiscordSession) newID() string {
	id := snowflakeAt(f.idTime, f.nextSeq)
	f.nextSeq++
	return id
}

func (f *fakeDiscordSession) addGuild(ownerID string) *discordgo.Guild {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &discordgo.Guild{ID: f.newID(), Name: "test guild", OwnerID: ownerID}
	f.guilds[g.ID] = g
	f.roles[g.ID] = []*discordgo.Role{{ID: g.ID, Name: "@everyone"}}
	f.members[g.ID] = map[string]*discordgo.Member{}
	return g
}

func (f *fakeDiscordSession) addChannel(guildID string, name string) *discordgo.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &discordgo.Channel{
		ID:      f.newID(),
		GuildID: guildID,
		Name:    name,
		Type:    discordgo.ChannelTypeGuildText,
	}
	f.channels[guildID] = append(f.channels[guildID], ch)
	f.channelGuilds[ch.ID] = guildID
	return ch
}

func (f *fakeDiscordSession) addRole(guildID string, name string, perms int64) *discordgo.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := &discordgo.Role{ID: f.newID(), Name: name, Permissions: perms}
	f.roles[guildID] = append(f.roles[guildID], role)
	return role
}

func (f *fakeDiscordSession) addMember(
	guildID string,
	user *discordgo.User,
	joined time.Time,
	roleIDs ...string,
) *discordgo.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &discordgo.Member{
		GuildID:  guildID,
		User:     user,
		JoinedAt: joined,
		Roles:    append([]string{}, roleIDs...),
	}
	f.members[guildID][user.ID] = m
	f.users[user.ID] = user
	return m
}

func (f *fakeDiscordSession) removeMember(guildID string, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[guildID], userID)
}

// addMessage stores m as the newest message in its channel
func (f *fakeDiscordSession) addMessage(channelID string, m *discordgo.Message) *discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = f.newID()
	}
	m.ChannelID = channelID
	m.GuildID = f.channelGuilds[channelID]
	f.messages[channelID] = append(f.messages[channelID], m)
	return m
}

func (f *fakeDiscordSession) blockDMs(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmBlocked[userID] = true
}

func (f *fakeDiscordSession) memberRoles(guildID string, userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID][userID]
	if !ok {
		return nil
	}
	return append([]string{}, m.Roles...)
}

func (f *fakeDiscordSession) channelMessages(channelID string) []*discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Message{}, f.messages[channelID]...)
}

func (f *fakeDiscordSession) sentTo(channelID string) []*discordgo.MessageSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discordgo.MessageSend
	for _, s := range f.sent {
		if s.ChannelID == channelID {
			out = append(out, s.Message)
		}
	}
	return out
}

func (f *fakeDiscordSession) dmsTo(userID string) []*discordgo.MessageSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discordgo.MessageSend
	for _, s := range f.dms {
		if s.ChannelID == userID {
			out = append(out, s.Message)
		}
	}
	return out
}

func (f *fakeDiscordSession) kicked() []moderationAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]moderationAction{}, f.kicks...)
}

func (f *fakeDiscordSession) banned() []moderationAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]moderationAction{}, f.bans...)
}

func (f *fakeDiscordSession) interactionResponses() []*discordgo.InteractionResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.InteractionResponse{}, f.responses...)
}

func (f *fakeDiscordSession) interactionEdits() []*discordgo.WebhookEdit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.WebhookEdit{}, f.responseEdits...)
}

// lastEditContent returns the content of the latest interaction response
// edit
func (f *fakeDiscordSession) lastEditContent(t testing.TB) string {
	t.Helper()
	edits := f.interactionEdits()
	require.NotEmpty(t, edits, "expected an interaction response edit")
	last := edits[len(edits)-1]
	require.NotNil(t, last.Content)
	return *last.Content
}

// lastResponseContent returns the content of the latest interaction
// response
func (f *fakeDiscordSession) lastResponseContent(t testing.TB) string {
	t.Helper()
	responses := f.interactionResponses()
	require.NotEmpty(t, responses, "expected an interaction response")
	last := responses[len(responses)-1]
	require.NotNil(t, last.Data)
	return last.Data.Content
}

func (f *fakeDiscordSession) findMessage(channelID string, messageID string) (int, *discordgo.Message) {
	for idx, m := range f.messages[channelID] {
		if m.ID == messageID {
			return idx, m
		}
	}
	return -1, nil
}

func copyMessage(m *discordgo.Message) *discordgo.Message {
	cp := *m
	return &cp
}

func (f *fakeDiscordSession) Open() error {
	f.logger.Info("opened session")
	return nil
}

func (f *fakeDiscordSession) Close() error {
	f.logger.Info("closed session")
	return nil
}

func (f *fakeDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (f *fakeDiscordSession) SetHTTPClient(*http.Client) {}

func (f *fakeDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (f *fakeDiscordSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == "@me" {
		return f.botUser, nil
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownUser)
	}
	return u, nil
}

func (f *fakeDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: dmChannelPrefix + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guilds[guildID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownGuild)
	}
	cp := *g
	return &cp, nil
}

func (f *fakeDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Channel{}, f.channels[guildID]...), nil
}

func (f *fakeDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Role{}, f.roles[guildID]...), nil
}

func (f *fakeDiscordSession) GuildRoleCreate(
	guildID string,
	data *discordgo.RoleParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := &discordgo.Role{ID: f.newID(), Name: data.Name}
	if data.Permissions != nil {
		role.Permissions = *data.Permissions
	}
	f.roles[guildID] = append(f.roles[guildID], role)
	return role, nil
}

func (f *fakeDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID][userID]
	if !ok {
		return nil, unknownMemberError()
	}
	cp := *m
	cp.Roles = append([]string{}, m.Roles...)
	return &cp, nil
}

func (f *fakeDiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var afterID uint64
	if after != "" {
		afterID, _ = strconv.ParseUint(after, 10, 64)
	}
	type keyed struct {
		id uint64
		m  *discordgo.Member
	}
	var all []keyed
	for userID, m := range f.members[guildID] {
		id, err := strconv.ParseUint(userID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid member ID %q: %w", userID, err)
		}
		if id > afterID {
			all = append(all, keyed{id: id, m: m})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*discordgo.Member, 0, len(all))
	for _, k := range all {
		cp := *k.m
		cp.Roles = append([]string{}, k.m.Roles...)
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID][userID]
	if !ok {
		return unknownMemberError()
	}
	f.rolesAdded = append(f.rolesAdded, roleChange{GuildID: guildID, UserID: userID, RoleID: roleID})
	if !memberHasRole(m, roleID) {
		m.Roles = append(m.Roles, roleID)
	}
	return nil
}

func (f *fakeDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[guildID][userID]
	if !ok {
		return unknownMemberError()
	}
	f.rolesRemoved = append(f.rolesRemoved, roleChange{GuildID: guildID, UserID: userID, RoleID: roleID})
	roles := m.Roles[:0]
	for _, r := range m.Roles {
		if r != roleID {
			roles = append(roles, r)
		}
	}
	m.Roles = roles
	return nil
}

func (f *fakeDiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kickErr != nil {
		return f.kickErr
	}
	if _, ok := f.members[guildID][userID]; !ok {
		return unknownMemberError()
	}
	f.kicks = append(f.kicks, moderationAction{GuildID: guildID, UserID: userID, Reason: reason})
	delete(f.members[guildID], userID)
	return nil
}

func (f *fakeDiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.banErr != nil {
		return f.banErr
	}
	f.bans = append(f.bans, moderationAction{GuildID: guildID, UserID: userID, Reason: reason})
	delete(f.members[guildID], userID)
	return nil
}

func (f *fakeDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, m := f.findMessage(channelID, messageID)
	if m == nil {
		return nil, unknownMessageError()
	}
	return copyMessage(m), nil
}

func (f *fakeDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[channelID]
	end := len(msgs)
	if beforeID != "" {
		idx, _ := f.findMessage(channelID, beforeID)
		if idx < 0 {
			return nil, nil
		}
		end = idx
	}
	var out []*discordgo.Message
	for idx := end - 1; idx >= 0; idx-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyMessage(msgs[idx]))
	}
	return out, nil
}

func (f *fakeDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return f.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{Content: content}, options...)
}

func (f *fakeDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if userID, ok := strings.CutPrefix(channelID, dmChannelPrefix); ok {
		if f.dmBlocked[userID] {
			return nil, restError(http.StatusForbidden, discordgo.ErrCodeCannotSendMessagesToThisUser)
		}
		f.dms = append(f.dms, sentMessage{ChannelID: userID, Message: data})
		return &discordgo.Message{ID: f.newID(), ChannelID: channelID, Content: data.Content}, nil
	}

	if err := f.sendErr[channelID]; err != nil {
		return nil, err
	}
	if _, ok := f.channelGuilds[channelID]; !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownChannel)
	}
	m := &discordgo.Message{
		ID:         f.newID(),
		ChannelID:  channelID,
		GuildID:    f.channelGuilds[channelID],
		Content:    data.Content,
		Embeds:     data.Embeds,
		Components: data.Components,
		Author:     f.botUser,
		Timestamp:  f.idTime,
	}
	f.messages[channelID] = append(f.messages[channelID], m)
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Message: data})
	return copyMessage(m), nil
}

func (f *fakeDiscordSession) ChannelMessageEditComplex(
	edit *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, m := f.findMessage(edit.Channel, edit.ID)
	if m == nil {
		return nil, unknownMessageError()
	}
	f.edits = append(f.edits, edit)
	if edit.Content != nil {
		m.Content = *edit.Content
	}
	if edit.Embeds != nil {
		m.Embeds = *edit.Embeds
	}
	if edit.Components != nil {
		m.Components = *edit.Components
	}
	return copyMessage(m), nil
}

func (f *fakeDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, m := f.findMessage(channelID, messageID)
	if m == nil {
		return unknownMessageError()
	}
	msgs := f.messages[channelID]
	f.messages[channelID] = append(msgs[:idx:idx], msgs[idx+1:]...)
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeDiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionsAdded = append(f.reactionsAdded, channelID+"/"+messageID+"/"+emojiID)
	return nil
}

func (f *fakeDiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactionsRemoved = append(
		f.reactionsRemoved,
		channelID+"/"+messageID+"/"+emojiID+"/"+userID,
	)
	return nil
}

func (f *fakeDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeDiscordSession) InteractionResponseEdit(
	i *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responseEdits = append(f.responseEdits, newresp)
	m := &discordgo.Message{ID: f.newID(), ChannelID: i.ChannelID}
	if newresp.Content != nil {
		m.Content = *newresp.Content
	}
	return m, nil
}

func (f *fakeDiscordSession) FollowupMessageCreate(
	i *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followups = append(f.followups, data)
	return &discordgo.Message{ID: f.newID(), ChannelID: i.ChannelID, Content: data.Content}, nil
}

func (f *fakeDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		cp := *c
		cp.ID = f.newID()
		cp.ApplicationID = appID
		created = append(created, &cp)
	}
	f.commands = created
	return created, nil
}

func TestDiscordErrorHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, isUnknownMessage(unknownMessageError()))
	assert.True(t, isUnknownMessage(&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}))
	assert.False(t, isUnknownMessage(unknownMemberError()))
	assert.False(t, isUnknownMessage(errors.New("boom")))

	assert.True(t, isUnknownMember(fmt.Errorf("wrapped: %w", unknownMemberError())))
	assert.False(t, isUnknownMember(unknownMessageError()))

	assert.True(t, isCannotDM(restError(http.StatusForbidden, discordgo.ErrCodeCannotSendMessagesToThisUser)))

	assert.True(t, isRateLimited(&discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{}}))
	assert.True(t, isRateLimited(restError(http.StatusTooManyRequests, 0)))
	assert.False(t, isRateLimited(unknownMemberError()))
}

func TestDiscordGuildTracking(t *testing.T) {
	t.Parallel()

	d := newDiscord(&DiscordConfig{}, slog.Default())
	d.addGuild("2")
	d.addGuild("1")
	d.addGuild("")
	assert.Equal(t, []string{"1", "2"}, d.GuildIDs())

	d.removeGuild("2")
	assert.Equal(t, []string{"1"}, d.GuildIDs())

	scoped := newDiscord(&DiscordConfig{GuildID: "1"}, slog.Default())
	assert.Equal(t, []string{"1"}, scoped.GuildIDs())
	scoped.addGuild("2")
	assert.Equal(t, []string{"1"}, scoped.GuildIDs())
}

func TestDiscordReadyHandler(t *testing.T) {
	t.Parallel()

	d := newDiscord(&DiscordConfig{}, slog.Default())
	d.handlerReady()(
		nil,
		&discordgo.Ready{
			User:   &discordgo.User{ID: "42", Username: "bot"},
			Guilds: []*discordgo.Guild{{ID: "7"}},
		},
	)
	assert.Equal(t, "42", d.BotUserID())
	assert.Equal(t, []string{"7"}, d.GuildIDs())

	select {
	case <-d.ready:
	default:
		t.Fatal("expected ready to be closed")
	}

	// a second Ready must not panic on the closed channel
	d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: "42"}})
}

func TestBotUserIDFallsBackToAPI(t *testing.T) {
	t.Parallel()

	fake := newFakeDiscordSession(t)
	d := newDiscord(&DiscordConfig{}, slog.Default())
	d.session = fake
	assert.Equal(t, fake.botUser.ID, d.BotUserID())
}

func TestRegisterCommandsRequiresApplicationID(t *testing.T) {
	t.Parallel()

	fake := newFakeDiscordSession(t)
	d := newDiscord(&DiscordConfig{}, slog.Default())
	d.session = fake
	_, err := d.registerCommands(slashCommands())
	require.Error(t, err)

	d.config.ApplicationID = "123"
	created, err := d.registerCommands(slashCommands())
	require.NoError(t, err)
	assert.Len(t, created, len(slashCommands()))
	for _, c := range created {
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, "123", c.ApplicationID)
	}
}

func TestGuildMembersPaging(t *testing.T) {
	t.Parallel()

	fake := newFakeDiscordSession(t)
	guild := fake.addGuild("")
	base := time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)
	total := discordMaxMembersPerFetch + 5
	for n := 0; n < total; n++ {
		fake.addMember(
			guild.ID,
			&discordgo.User{ID: snowflakeAt(base.Add(time.Duration(n)*time.Minute), n), Username: "u"},
			base,
		)
	}
	members, err := guildMembers(context.Background(), fake, guild.ID)
	require.NoError(t, err)
	assert.Len(t, members, total)
	seen := map[string]bool{}
	for _, m := range members {
		assert.False(t, seen[m.User.ID], "duplicate member %s", m.User.ID)
		seen[m.User.ID] = true
	}
}

func TestMemberPermissions(t *testing.T) {
	t.Parallel()

	guild := &discordgo.Guild{ID: "1", OwnerID: "owner"}
	roles := []*discordgo.Role{
		{ID: "1", Permissions: discordgo.PermissionViewChannel},
		{ID: "mod", Permissions: discordgo.PermissionKickMembers},
		{ID: "admin", Permissions: discordgo.PermissionAdministrator},
	}

	owner := &discordgo.Member{User: &discordgo.User{ID: "owner"}}
	assert.Equal(t, int64(discordgo.PermissionAll), memberPermissions(guild, roles, owner))

	mod := &discordgo.Member{User: &discordgo.User{ID: "m"}, Roles: []string{"mod"}}
	perms := memberPermissions(guild, roles, mod)
	assert.True(t, hasPermission(perms, discordgo.PermissionKickMembers))
	assert.True(t, hasPermission(perms, discordgo.PermissionViewChannel))
	assert.False(t, hasPermission(perms, discordgo.PermissionBanMembers))

	admin := &discordgo.Member{User: &discordgo.User{ID: "a"}, Roles: []string{"admin"}}
	assert.True(
		t,
		hasPermission(memberPermissions(guild, roles, admin), discordgo.PermissionBanMembers),
	)

	nobody := &discordgo.Member{User: &discordgo.User{ID: "n"}}
	assert.False(
		t,
		hasPermission(memberPermissions(guild, roles, nobody), discordgo.PermissionKickMembers),
	)
}

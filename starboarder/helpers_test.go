package starboarder

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{name: "shorter than limit", input: "short", limit: 10, expected: "short"},
		{name: "equal to limit", input: "exactly10!", limit: 10, expected: "exactly10!"},
		{name: "longer than limit", input: "this is too long", limit: 7, expected: "this is"},
		{name: "multibyte runes", input: "⭐⭐⭐⭐", limit: 2, expected: "⭐⭐"},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, truncate(tc.input, tc.limit))
			},
		)
	}
}

func TestChunkItems(t *testing.T) {
	t.Parallel()
	chunks := chunkItems(5, 1, 2, 3, 4, 5, 6, 7)
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}, {6, 7}}, chunks)
	assert.Nil(t, chunkItems[int](5))
}

func TestCustomID(t *testing.T) {
	t.Parallel()
	id := newCustomID(customIDVerifyApprove, "12345")
	assert.Equal(t, customIDVerifyApprove+":12345", id)

	action, value := splitCustomID(id)
	assert.Equal(t, customIDVerifyApprove, action)
	assert.Equal(t, "12345", value)

	action, value = splitCustomID("no_value")
	assert.Equal(t, "no_value", action)
	assert.Empty(t, value)
}

func TestDaysSince(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 1.5, daysSince(testNow.Add(-36*time.Hour), testNow), 1e-9)
	assert.InDelta(t, -1, daysSince(testNow.Add(24*time.Hour), testNow), 1e-9)
}

func TestMessageLink(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://discord.com/channels/1/2/3", messageLink("1", "2", "3"))
}

func TestPluralize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "member", pluralize(1, "member", "members"))
	assert.Equal(t, "members", pluralize(0, "member", "members"))
	assert.Equal(t, "members", pluralize(2, "member", "members"))
}

func TestHashToken(t *testing.T) {
	t.Parallel()
	token, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, token, 48)

	hash, err := HashToken(token)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"))

	other, err := HashToken(token)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts should differ")

	ok, err := verifyToken(hash, token)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = HashToken("")
	require.Error(t, err)

	_, err = verifyToken("not-a-hash", token)
	require.Error(t, err)
	_, err = verifyToken("$argon2id$v=19$m=65536,t=1,p=4$!!!$abc", token)
	require.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)
	found, ok := ContextLogger(ctx)
	assert.True(t, ok)
	assert.Same(t, logger, found)
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	level := &slog.LevelVar{}
	level.Set(slog.LevelDebug)
	v := struct {
		Name   string         `json:"name"`
		Secret string         `json:"secret" log:"[redacted]"`
		Empty  string         `json:"empty"`
		Level  *slog.LevelVar `json:"level"`
		Tags   []string       `json:"tags,omitempty"`
		hidden string
	}{Name: "starboard", Secret: "hunter2", Level: level, hidden: "x"}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("value", "v", structToSlogValue(v))

	out := buf.String()
	assert.Contains(t, out, "v.name=starboard")
	assert.Contains(t, out, "v.secret=[redacted]")
	assert.Contains(t, out, "v.level=DEBUG")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "v.empty")
	assert.NotContains(t, out, "v.tags")
	assert.NotContains(t, out, "hidden")

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, int64(3), structToSlogValue(3).Any())
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()
	var km keyedMutex
	var wg sync.WaitGroup
	counts := map[string]int{}
	var countsMu sync.Mutex
	active := map[string]int{}

	for n := 0; n < 50; n++ {
		key := []string{"a", "b"}[n%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()

			countsMu.Lock()
			active[key]++
			assert.Equal(t, 1, active[key], "only one holder per key")
			countsMu.Unlock()

			time.Sleep(time.Millisecond)

			countsMu.Lock()
			active[key]--
			counts[key]++
			countsMu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 25, "b": 25}, counts)

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks, "released keys are dropped")
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logFunc := discordgoLoggerFunc(
		context.Background(),
		slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)

	logFunc(discordgo.LogInformational, 0, "heartbeat %d", 1)
	assert.Empty(t, buf.String())

	logFunc(discordgo.LogError, 0, "gateway\nclosed: %s", "4004")
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="gatewayclosed: 4004"`)
}

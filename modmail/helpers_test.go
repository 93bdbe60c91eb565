package modmail

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeChannelName(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "SomeUser", "someuser"},
		{"spaces become dashes", "some user", "some-user"},
		{"strips invalid runes", "héllo!@#wörld", "hllowrld"},
		{"keeps digits underscores dashes", "user_123-x", "user_123-x"},
		{"trims leading/trailing dashes", "--user--", "user"},
		{"all-invalid input falls back", "!!!", "user"},
		{"empty input falls back", "", "user"},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, sanitizeChannelName(tc.input))
			},
		)
	}

	t.Run(
		"truncates to 100 chars", func(t *testing.T) {
			long := ""
			for i := 0; i < 150; i++ {
				long += "a"
			}
			assert.Len(t, sanitizeChannelName(long), 100)
		},
	)
}

func TestUserDisplayTag(t *testing.T) {
	assert.Equal(t, "", userDisplayTag(nil))

	assert.Equal(
		t,
		"someone",
		userDisplayTag(&discordgo.User{Username: "someone", Discriminator: "0"}),
	)
	assert.Equal(
		t,
		"someone",
		userDisplayTag(&discordgo.User{Username: "someone"}),
	)
	assert.Equal(
		t,
		"legacy#1234",
		userDisplayTag(
			&discordgo.User{Username: "legacy", Discriminator: "1234"},
		),
	)
}

func TestParseTopicUserID(t *testing.T) {
	thread := newThread(
		&discordgo.User{ID: "12345", Username: "someone", Discriminator: "0"},
		"channel-1",
	)

	userID, ok := parseTopicUserID(thread.Topic())
	require.True(t, ok)
	assert.Equal(t, "12345", userID)

	// usernames containing parenthesized digits shouldn't confuse it
	userID, ok = parseTopicUserID("ModMail thread for agent (007) fan (12345)")
	require.True(t, ok)
	assert.Equal(t, "12345", userID)

	_, ok = parseTopicUserID("General chat")
	assert.False(t, ok)

	_, ok = parseTopicUserID("")
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abc", truncate("abcde", 3))
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(2, "a", "b", "c", "d", "e")
	assert.Equal(
		t,
		[][]string{{"a", "b"}, {"c", "d"}, {"e"}},
		chunks,
	)

	assert.Nil(t, chunkItems[string](3))
}

func TestStructToSlogValueRedactsTaggedFields(t *testing.T) {
	type inner struct {
		Token string `json:"token" log:"[redacted]"`
		Name  string `json:"name"`
	}
	v := structToSlogValue(inner{Token: "secret", Name: "foo"})

	attrs := v.Group()
	require.Len(t, attrs, 2)
	assert.Equal(t, "token", attrs[0].Key)
	assert.Equal(t, "[redacted]", attrs[0].Value.String())
	assert.Equal(t, "name", attrs[1].Key)
}

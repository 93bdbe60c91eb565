package modmail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateThreadLegacyDiscriminator(t *testing.T) {
	m, session := newTestModMail(t)
	user := &discordgo.User{
		ID:            "user-1",
		Username:      "Legacy User",
		Discriminator: "1234",
	}
	thread := openTestThread(t, m, user)

	ch, err := session.Channel(thread.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "legacy-user-1234", ch.Name)
	assert.Equal(t, "legacy#1234", thread.UserTag)
}

func TestCreateThreadSkipsWhenUnconfigured(t *testing.T) {
	m, session := newTestModMail(t)
	m.settings.Update(func(s *Settings) { s.ModmailCategoryID = "" })

	thread, err := m.createThread(
		context.Background(),
		&discordgo.User{ID: "user-1", Username: "someone"},
	)
	require.NoError(t, err)
	assert.Nil(t, thread)
	assert.Equal(t, 0, session.channelCounter)
}

func TestCreateThreadSkipsWhenGuildUnavailable(t *testing.T) {
	m, session := newTestModMail(t)
	m.settings.Update(func(s *Settings) { s.GuildID = "missing-guild" })

	thread, err := m.createThread(
		context.Background(),
		&discordgo.User{ID: "user-1", Username: "someone"},
	)
	require.NoError(t, err)
	assert.Nil(t, thread)
	assert.Equal(t, 0, session.channelCounter)
}

func TestCreateThreadAtCapacity(t *testing.T) {
	m, session := newTestModMail(t)
	m.settings.Update(func(s *Settings) { s.MaxOpenThreads = 1 })

	openTestThread(t, m, &discordgo.User{ID: "user-1", Username: "first"})

	thread, err := m.createThread(
		context.Background(),
		&discordgo.User{ID: "user-2", Username: "second"},
	)
	require.NoError(t, err)
	assert.Nil(t, thread)
	assert.Equal(t, 1, session.channelCounter)

	dms := session.messagesTo("dm-user-2")
	require.Len(t, dms, 1)
	assert.Equal(t, "Staff Inbox Full", dms[0].Embeds[0].Title)
}

func TestCloseThread(t *testing.T) {
	m, session := newTestModMail(t)
	m.settings.Update(func(s *Settings) { s.LogChannelID = "log-channel" })
	session.channels["log-channel"] = &discordgo.Channel{ID: "log-channel"}

	user := &discordgo.User{ID: "user-1", Username: "someone"}
	thread := openTestThread(t, m, user)
	ctx := context.Background()

	closed, err := m.closeThread(ctx, thread.ChannelID, "helper#0001")
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	assert.Equal(t, "helper#0001", closed.ClosedBy)
	assert.NotZero(t, closed.ClosedAt)

	_, ok := m.registry.Get(user.ID)
	assert.False(t, ok)

	var fromDB Thread
	require.NoError(
		t,
		m.db.Where("id = ?", thread.ID).First(&fromDB).Error,
	)
	assert.True(t, fromDB.Closed)
	assert.Equal(t, "helper#0001", fromDB.ClosedBy)

	ch, err := session.Channel(thread.ChannelID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ch.Name, closedChannelPrefix))

	dms := session.messagesTo("dm-" + user.ID)
	require.Len(t, dms, 2)
	assert.Equal(t, "Thread Closed", dms[1].Embeds[0].Title)

	// "Thread Opened" and "Thread Closed" audit events
	audit := session.messagesTo("log-channel")
	require.Len(t, audit, 2)
	assert.Equal(t, "Thread Closed", audit[1].Embeds[0].Title)

	// closing again is a clean no-op
	_, err = m.closeThread(ctx, thread.ChannelID, "helper#0001")
	assert.ErrorIs(t, err, errThreadNotActive)
}

func TestCloseThreadNonThreadChannel(t *testing.T) {
	m, session := newTestModMail(t)
	session.channels["general"] = &discordgo.Channel{
		ID:    "general",
		Topic: "chit chat",
	}

	_, err := m.closeThread(context.Background(), "general", "helper#0001")
	assert.ErrorIs(t, err, errThreadNotActive)
}

func TestResolveThreadTopicFallback(t *testing.T) {
	m, session := newTestModMail(t)
	user := &discordgo.User{ID: "101", Username: "someone"}
	thread := openTestThread(t, m, user)
	ctx := context.Background()

	// simulate a registry that lost the channel index but kept the user
	// entry (the topic is the durable link between the two)
	m.registry.mu.Lock()
	delete(m.registry.byChannel, thread.ChannelID)
	m.registry.mu.Unlock()

	resolved, err := m.resolveThread(ctx, thread.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.UserID)

	// a stale channel whose topic points at a user with a different open
	// channel doesn't resolve
	session.channels["stale-channel"] = &discordgo.Channel{
		ID:    "stale-channel",
		Topic: thread.Topic(),
	}
	_, err = m.resolveThread(ctx, "stale-channel")
	assert.ErrorIs(t, err, errThreadNotActive)
}

func TestBlockUser(t *testing.T) {
	m, session := newTestModMail(t)
	user := &discordgo.User{ID: "user-1", Username: "someone"}
	thread := openTestThread(t, m, user)
	ctx := context.Background()

	blocked, wasBlocked, err := m.blockUser(ctx, thread.ChannelID, "helper#0001")
	require.NoError(t, err)
	assert.True(t, wasBlocked)
	assert.Equal(t, user.ID, blocked.UserID)

	assert.True(t, m.settings.Get().Blocked(user.ID))

	// the thread was closed as part of the block
	_, ok := m.registry.Get(user.ID)
	assert.False(t, ok)

	dms := session.messagesTo("dm-" + user.ID)
	var titles []string
	for _, dm := range dms {
		titles = append(titles, dm.Embeds[0].Title)
	}
	assert.Contains(t, titles, "Blocked")
}

func TestBlockUserAlreadyBlocked(t *testing.T) {
	m, _ := newTestModMail(t)
	user := &discordgo.User{ID: "user-1", Username: "someone"}
	thread := openTestThread(t, m, user)

	m.settings.Block(user.ID)

	blocked, wasBlocked, err := m.blockUser(
		context.Background(),
		thread.ChannelID,
		"helper#0001",
	)
	require.NoError(t, err)
	assert.False(t, wasBlocked)
	assert.Equal(t, user.ID, blocked.UserID)

	// nothing was closed
	_, ok := m.registry.Get(user.ID)
	assert.True(t, ok)
}

func TestCloseIdleThreads(t *testing.T) {
	m, _ := newTestModMail(t)
	ctx := context.Background()

	idleUser := &discordgo.User{ID: "user-1", Username: "quiet"}
	idle := openTestThread(t, m, idleUser)
	idle.LastActivityAt = time.Now().UTC().
		Add(-time.Duration(DefaultAutoCloseHours+1) * time.Hour).
		UnixMilli()

	activeUser := &discordgo.User{ID: "user-2", Username: "chatty"}
	active := openTestThread(t, m, activeUser)

	m.closeIdleThreads(ctx)

	_, ok := m.registry.Get(idleUser.ID)
	assert.False(t, ok, "idle thread should be closed")
	_, ok = m.registry.Get(activeUser.ID)
	assert.True(t, ok, "active thread should stay open")

	var fromDB Thread
	require.NoError(t, m.db.Where("id = ?", idle.ID).First(&fromDB).Error)
	assert.True(t, fromDB.Closed)
	assert.Equal(t, autoCloseActor, fromDB.ClosedBy)

	fromDB = Thread{}
	require.NoError(t, m.db.Where("id = ?", active.ID).First(&fromDB).Error)
	assert.False(t, fromDB.Closed)
}

func TestCloseIdleThreadsDisabled(t *testing.T) {
	m, _ := newTestModMail(t)
	m.settings.Update(func(s *Settings) { s.ThreadAutoCloseHours = 0 })

	user := &discordgo.User{ID: "user-1", Username: "quiet"}
	thread := openTestThread(t, m, user)
	thread.LastActivityAt = time.Now().UTC().Add(-100 * time.Hour).UnixMilli()

	m.closeIdleThreads(context.Background())

	_, ok := m.registry.Get(user.ID)
	assert.True(t, ok)
}

func TestRegisterCommands(t *testing.T) {
	m, session := newTestModMail(t)

	created, err := m.discord.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, commandConfig, session.bulkCommands[0].Name)
	assert.Equal(t, commandThreads, session.bulkCommands[1].Name)
}

package modmail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

type mockReaction struct {
	ChannelID string
	MessageID string
	Emoji     string
}

// mockDiscordSession implements [DiscordSessionHandler] in memory,
// recording every outbound call so tests can assert on what the bot
// sent without a gateway connection.
type mockDiscordSession struct {
	mu sync.Mutex

	guilds   map[string]*discordgo.Guild
	channels map[string]*discordgo.Channel

	// sentMessages is keyed by channel ID
	sentMessages map[string][]*discordgo.MessageSend

	reactions            []mockReaction
	interactionResponses []*discordgo.InteractionResponse
	statusUpdates        []string
	bulkCommands         []*discordgo.ApplicationCommand

	channelCounter int
	messageCounter int

	// sendErrs fails ChannelMessageSendComplex for specific channels
	sendErrs map[string]error

	userChannelErr   error
	channelCreateErr error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		guilds:       map[string]*discordgo.Guild{},
		channels:     map[string]*discordgo.Channel{},
		sentMessages: map[string][]*discordgo.MessageSend{},
		sendErrs:     map[string]error{},
	}
}

var _ DiscordSessionHandler = (*mockDiscordSession)(nil)

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return m.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: message},
	)
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErrs[channelID]; err != nil {
		return nil, err
	}
	m.sentMessages[channelID] = append(m.sentMessages[channelID], data)
	m.messageCounter++
	return &discordgo.Message{
		ID:        fmt.Sprintf("message-%d", m.messageCounter),
		ChannelID: channelID,
	}, nil
}

func (m *mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelCreateErr != nil {
		return nil, m.channelCreateErr
	}
	m.channelCounter++
	ch := &discordgo.Channel{
		ID:       fmt.Sprintf("thread-channel-%d", m.channelCounter),
		GuildID:  guildID,
		Name:     data.Name,
		Topic:    data.Topic,
		Type:     data.Type,
		ParentID: data.ParentID,
	}
	m.channels[ch.ID] = ch
	return ch, nil
}

func (m *mockDiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", channelID)
	}
	if data.Name != "" {
		ch.Name = data.Name
	}
	if data.Topic != "" {
		ch.Topic = data.Topic
	}
	return ch, nil
}

func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", channelID)
	}
	return ch, nil
}

func (m *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		return nil, fmt.Errorf("unknown guild: %s", guildID)
	}
	return g, nil
}

func (m *mockDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var channels []*discordgo.Channel
	for _, ch := range m.channels {
		if ch.GuildID == guildID {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}

func (m *mockDiscordSession) User(
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return &discordgo.User{ID: userID}, nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userChannelErr != nil {
		return nil, m.userChannelErr
	}
	id := "dm-" + recipientID
	ch, ok := m.channels[id]
	if !ok {
		ch = &discordgo.Channel{ID: id, Type: discordgo.ChannelTypeDM}
		m.channels[id] = ch
	}
	return ch, nil
}

func (m *mockDiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(
		m.reactions,
		mockReaction{ChannelID: channelID, MessageID: messageID, Emoji: emojiID},
	)
	return nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactionResponses = append(m.interactionResponses, resp)
	return nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkCommands = commands
	return commands, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, status)
	return nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client)     {}
func (m *mockDiscordSession) SetIdentify(discordgo.Identify) {}
func (m *mockDiscordSession) SetLogLevel(slog.Level) error   { return nil }

// messagesTo returns a snapshot of everything sent to a channel.
func (m *mockDiscordSession) messagesTo(
	channelID string,
) []*discordgo.MessageSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]*discordgo.MessageSend, len(m.sentMessages[channelID]))
	copy(msgs, m.sentMessages[channelID])
	return msgs
}

func (m *mockDiscordSession) lastResponse(
	t testing.TB,
) *discordgo.InteractionResponse {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.interactionResponses)
	return m.interactionResponses[len(m.interactionResponses)-1]
}

func testLogger() *slog.Logger {
	return slog.New(tint.NewHandler(io.Discard, nil))
}

// newTestModMail builds a bot wired to a temp sqlite database, a temp
// settings file with a configured guild/category/staff role, and a mock
// session.
func newTestModMail(t testing.TB) (*ModMail, *mockDiscordSession) {
	t.Helper()

	tmpdir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(tmpdir, "modmail.sqlite3")
	cfg.SettingsPath = filepath.Join(tmpdir, "settings.json")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"

	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		cfg.Database,
		nil,
		nil,
	)
	require.NoError(t, err)

	logger := testLogger()
	session := newMockDiscordSession()
	session.guilds["guild-1"] = &discordgo.Guild{ID: "guild-1"}

	m := &ModMail{
		config:         cfg,
		logger:         logger,
		db:             db,
		writeDB:        NewDatabase(db, logger, false),
		settings:       NewSettingsStore(cfg.SettingsPath, logger),
		registry:       NewThreadRegistry(logger),
		blockedNotices: newBlockedNotices(),
	}
	m.settings.Load()
	m.settings.Update(
		func(st *Settings) {
			st.GuildID = "guild-1"
			st.ModmailCategoryID = "category-1"
			st.StaffRoleIDs = []string{"staff-role"}
		},
	)

	disc := newDiscord(cfg.Discord)
	disc.logger = logger.With(loggerNameKey, "discord")
	disc.session = session
	disc.mm = m
	m.discord = disc

	return m, session
}

// openTestThread creates a thread for the given user through the normal
// creation path and returns it.
func openTestThread(
	t testing.TB,
	m *ModMail,
	user *discordgo.User,
) *Thread {
	t.Helper()
	thread, err := m.createThread(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, thread)
	return thread
}

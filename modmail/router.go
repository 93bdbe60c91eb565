package modmail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	// emptyContentPlaceholder is shown in relay embeds when a message has
	// attachments but no text
	emptyContentPlaceholder = "*No content*"

	reactionRelayOK     = "✅"
	reactionRelayFailed = "❌"

	// blockedNoticeInterval limits how often a blocked user is told
	// they're blocked, so the bot can't be made to spam itself
	blockedNoticeInterval = 30 * time.Second
)

// blockedNotices tracks per-user rate limiters for "you are blocked"
// rejection notices.
type blockedNotices struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newBlockedNotices() *blockedNotices {
	return &blockedNotices{limiters: map[string]*rate.Limiter{}}
}

// Allow reports whether a rejection notice should be sent to this user now.
func (b *blockedNotices) Allow(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	limiter, ok := b.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(blockedNoticeInterval), 1)
		b.limiters[userID] = limiter
	}
	return limiter.Allow()
}

// handlerMessageCreate returns the gateway MessageCreate handler. DMs are
// routed into modmail threads; guild messages inside thread channels are
// relayed back to the thread's user.
func (m *ModMail) handlerMessageCreate() func(
	s *discordgo.Session,
	msg *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, msg *discordgo.MessageCreate) {
		if msg.Author == nil || msg.Author.Bot {
			return
		}
		if s != nil && s.State != nil && s.State.User != nil &&
			msg.Author.ID == s.State.User.ID {
			return
		}
		ctx := WithLogger(context.Background(), m.logger)
		if msg.GuildID == "" {
			m.handleDirectMessage(ctx, msg)
			return
		}
		m.handleGuildMessage(ctx, msg)
	}
}

// handleDirectMessage routes an incoming user DM: rejected if the user is
// blocked, forwarded into their open thread if one exists, or a new
// thread is created first.
func (m *ModMail) handleDirectMessage(
	ctx context.Context,
	msg *discordgo.MessageCreate,
) {
	log := m.logger.With(messageLogAttrs(msg)...)
	settings := m.settings.Get()

	if settings.Blocked(msg.Author.ID) {
		if !m.blockedNotices.Allow(msg.Author.ID) {
			log.DebugContext(ctx, "suppressing repeat blocked notice")
			return
		}
		log.InfoContext(ctx, "rejecting DM from blocked user")
		embed := m.errorEmbed(
			"Blocked",
			"You are blocked from using modmail.",
		)
		if err := m.discord.dmUser(msg.Author.ID, embed); err != nil {
			log.WarnContext(ctx, "error sending blocked notice", tint.Err(err))
		}
		return
	}

	unlock := m.registry.lockUser(msg.Author.ID)
	defer unlock()

	thread, ok := m.registry.Get(msg.Author.ID)
	if !ok {
		var err error
		thread, err = m.createThread(ctx, msg.Author)
		if err != nil {
			log.ErrorContext(ctx, "error creating thread", tint.Err(err))
			return
		}
		if thread == nil {
			// not an error: unconfigured category, or at capacity
			return
		}
	}

	if err := m.forwardToThread(ctx, thread, msg.Message); err != nil {
		log.ErrorContext(ctx, "error forwarding message", tint.Err(err))
	}
}

// handleGuildMessage relays a staff message written in a thread channel
// to the thread's user. Messages from non-staff members, and messages
// starting with the configured prefix, are left alone.
func (m *ModMail) handleGuildMessage(
	ctx context.Context,
	msg *discordgo.MessageCreate,
) {
	thread, ok := m.registry.GetByChannel(msg.ChannelID)
	if !ok {
		return
	}
	log := m.logger.With(messageLogAttrs(msg)...)
	settings := m.settings.Get()

	if settings.Prefix != "" && strings.HasPrefix(msg.Content, settings.Prefix) {
		log.DebugContext(ctx, "ignoring prefixed staff message")
		return
	}
	if !memberHasStaffRole(msg.Member, settings.StaffRoleIDs) {
		log.DebugContext(ctx, "ignoring non-staff message in thread channel")
		return
	}

	err := m.relayToUser(ctx, thread, msg.Message)
	reaction := reactionRelayOK
	if err != nil {
		log.WarnContext(ctx, "error relaying staff message", tint.Err(err))
		reaction = reactionRelayFailed
	}
	if reactErr := m.discord.session.MessageReactionAdd(
		msg.ChannelID,
		msg.ID,
		reaction,
	); reactErr != nil {
		log.WarnContext(ctx, "error adding relay reaction", tint.Err(reactErr))
	}
}

// memberHasStaffRole reports whether the member holds any of the
// configured staff roles. An empty staff role list means nobody relays.
func memberHasStaffRole(member *discordgo.Member, staffRoleIDs []string) bool {
	if member == nil || len(staffRoleIDs) == 0 {
		return false
	}
	for _, roleID := range member.Roles {
		for _, staffID := range staffRoleIDs {
			if roleID == staffID {
				return true
			}
		}
	}
	return false
}

// forwardToThread posts a user's DM into the thread channel as an embed,
// records it in the message log, and bumps the thread's activity clock.
func (m *ModMail) forwardToThread(
	ctx context.Context,
	thread *Thread,
	msg *discordgo.Message,
) error {
	settings := m.settings.Get()
	embed := relayEmbed(msg, settings.Colors.User)
	send := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Files:  m.attachmentFiles(ctx, msg),
	}
	if _, err := m.discord.session.ChannelMessageSendComplex(
		thread.ChannelID,
		send,
	); err != nil {
		return fmt.Errorf("error posting to thread channel: %w", err)
	}
	m.discord.metricMessagesForwarded.Add(1)
	m.recordThreadMessage(ctx, thread, msg, false)
	return nil
}

// relayToUser delivers a staff message to the thread's user via DM.
func (m *ModMail) relayToUser(
	ctx context.Context,
	thread *Thread,
	msg *discordgo.Message,
) error {
	settings := m.settings.Get()
	embed := relayEmbed(msg, settings.Colors.Staff)
	ch, err := m.discord.session.UserChannelCreate(thread.UserID)
	if err != nil {
		return fmt.Errorf("error opening DM channel: %w", err)
	}
	send := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Files:  m.attachmentFiles(ctx, msg),
	}
	if _, err = m.discord.session.ChannelMessageSendComplex(
		ch.ID,
		send,
	); err != nil {
		return fmt.Errorf("error sending DM: %w", err)
	}
	m.discord.metricMessagesRelayed.Add(1)
	m.recordThreadMessage(ctx, thread, msg, true)
	return nil
}

// recordThreadMessage appends a ThreadMessage row and persists the
// thread's updated activity timestamp. Failures are logged, not fatal:
// the relay already happened.
func (m *ModMail) recordThreadMessage(
	ctx context.Context,
	thread *Thread,
	msg *discordgo.Message,
	fromStaff bool,
) {
	thread.Touch()
	record := &ThreadMessage{
		ThreadID:  thread.ID,
		FromStaff: fromStaff,
		MessageID: msg.ID,
		Content:   msg.Content,
	}
	if msg.Author != nil {
		record.AuthorID = msg.Author.ID
		record.AuthorTag = userDisplayTag(msg.Author)
	}
	if len(msg.Attachments) > 0 {
		urls := make([]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			urls = append(urls, a.URL)
		}
		record.AttachmentURLs = strings.Join(urls, "\n")
	}
	if _, err := m.writeDB.Create(ctx, record); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error recording thread message",
			"thread_id", thread.ID,
			tint.Err(err),
		)
	}
	if _, err := m.writeDB.Updates(
		ctx,
		thread,
		map[string]any{"last_activity_at": thread.LastActivityAt},
	); err != nil {
		m.logger.ErrorContext(
			ctx,
			"error updating thread activity",
			"thread_id", thread.ID,
			tint.Err(err),
		)
	}
}

// relayEmbed renders a message for forwarding in either direction.
func relayEmbed(msg *discordgo.Message, color int) *discordgo.MessageEmbed {
	content := msg.Content
	if content == "" {
		content = emptyContentPlaceholder
	}
	embed := &discordgo.MessageEmbed{
		Description: truncate(content, discordMaxMessageLength),
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if msg.Author != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    userDisplayTag(msg.Author),
			IconURL: msg.Author.AvatarURL(""),
		}
	}
	return embed
}

// attachmentFiles downloads a message's attachments so they can be
// re-uploaded alongside the relayed embed. Anything that can't be
// fetched is logged and skipped; the CDN URL still survives in the
// message log.
func (m *ModMail) attachmentFiles(
	ctx context.Context,
	msg *discordgo.Message,
) []*discordgo.File {
	if len(msg.Attachments) == 0 {
		return nil
	}
	client := m.config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	files := make([]*discordgo.File, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
		if err != nil {
			m.logger.WarnContext(
				ctx,
				"error building attachment request",
				"url", a.URL,
				tint.Err(err),
			)
			continue
		}
		rv, err := client.Do(req)
		if err != nil {
			m.logger.WarnContext(
				ctx,
				"error downloading attachment",
				"url", a.URL,
				tint.Err(err),
			)
			continue
		}
		if rv.StatusCode != http.StatusOK {
			_ = rv.Body.Close()
			m.logger.WarnContext(
				ctx,
				"unexpected attachment response",
				"url", a.URL,
				"status", rv.StatusCode,
			)
			continue
		}
		data, err := io.ReadAll(rv.Body)
		_ = rv.Body.Close()
		if err != nil {
			m.logger.WarnContext(
				ctx,
				"error reading attachment",
				"url", a.URL,
				tint.Err(err),
			)
			continue
		}
		files = append(
			files,
			&discordgo.File{
				Name:        a.Filename,
				ContentType: a.ContentType,
				Reader:      bytes.NewReader(data),
			},
		)
	}
	return files
}

// errorEmbed builds an error-colored embed with the configured palette.
func (m *ModMail) errorEmbed(title, description string) *discordgo.MessageEmbed {
	return m.paletteEmbed(title, description, m.settings.Get().Colors.Error)
}

func (m *ModMail) successEmbed(title, description string) *discordgo.MessageEmbed {
	return m.paletteEmbed(title, description, m.settings.Get().Colors.Success)
}

func (m *ModMail) warningEmbed(title, description string) *discordgo.MessageEmbed {
	return m.paletteEmbed(title, description, m.settings.Get().Colors.Warning)
}

func (m *ModMail) defaultEmbed(title, description string) *discordgo.MessageEmbed {
	return m.paletteEmbed(title, description, m.settings.Get().Colors.Default)
}

func (*ModMail) paletteEmbed(
	title string,
	description string,
	color int,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

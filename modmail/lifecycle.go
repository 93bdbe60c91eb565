package modmail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// autoCloseCheckInterval is how often the watcher scans for idle threads
const autoCloseCheckInterval = time.Minute

// autoCloseActor is recorded as ClosedBy when the inactivity watcher
// closes a thread
const autoCloseActor = "auto"

// errThreadNotActive indicates the channel has no open thread: either it
// was already closed, or it was never a thread channel.
var errThreadNotActive = errors.New("no active thread for channel")

// createThread opens a new modmail thread for a user: creates the staff
// channel under the configured category, registers the thread, posts the
// control message, and confirms to the user.
//
// A nil thread with a nil error means creation was deliberately skipped
// (no guild/category configured, or the registry is at capacity); the
// caller shouldn't treat that as a failure.
func (m *ModMail) createThread(
	ctx context.Context,
	user *discordgo.User,
) (*Thread, error) {
	log := m.logger.With("user_id", user.ID, "user_tag", userDisplayTag(user))
	settings := m.settings.Get()

	if settings.GuildID == "" || settings.ModmailCategoryID == "" {
		log.WarnContext(
			ctx,
			"thread creation skipped: guild or category not configured",
		)
		return nil, nil
	}
	if _, err := m.discord.session.Guild(settings.GuildID); err != nil {
		log.WarnContext(
			ctx,
			"thread creation skipped: guild unavailable",
			"guild_id", settings.GuildID,
			tint.Err(err),
		)
		return nil, nil
	}

	if m.registry.AtCapacity(settings.MaxOpenThreads) {
		log.WarnContext(
			ctx,
			"thread creation skipped: registry at capacity",
			"max_open_threads", settings.MaxOpenThreads,
		)
		notice := m.warningEmbed(
			"Staff Inbox Full",
			"Too many threads are currently open. Please try again later.",
		)
		if err := m.discord.dmUser(user.ID, notice); err != nil {
			log.WarnContext(ctx, "error sending capacity notice", tint.Err(err))
		}
		return nil, nil
	}

	name := sanitizeChannelName(user.Username)
	if user.Discriminator != "" && user.Discriminator != "0" {
		name = fmt.Sprintf("%s-%s", name, user.Discriminator)
	}
	topic := fmt.Sprintf(topicFormat, userDisplayTag(user), user.ID)

	ch, err := m.discord.session.GuildChannelCreateComplex(
		settings.GuildID,
		discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildText,
			Topic:    topic,
			ParentID: settings.ModmailCategoryID,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating thread channel: %w", err)
	}

	thread := newThread(user, ch.ID)
	if _, err = m.writeDB.Create(ctx, thread); err != nil {
		log.ErrorContext(
			ctx,
			"error persisting thread",
			"channel_id", ch.ID,
			tint.Err(err),
		)
	}
	m.registry.Set(thread)
	log.InfoContext(ctx, "thread created", "channel_id", ch.ID)

	controlEmbed := &discordgo.MessageEmbed{
		Title: "New Thread",
		Description: fmt.Sprintf(
			"Thread opened by **%s** (`%s`).",
			userDisplayTag(user),
			user.ID,
		),
		Color:     settings.Colors.Default,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err = m.discord.session.ChannelMessageSendComplex(
		ch.ID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{controlEmbed},
			Components: threadControlComponents(),
		},
	); err != nil {
		log.WarnContext(ctx, "error posting control message", tint.Err(err))
	}

	confirmation := m.successEmbed(
		"Thread Created",
		"Staff will be with you shortly.",
	)
	if err = m.discord.dmUser(user.ID, confirmation); err != nil {
		log.WarnContext(ctx, "error sending creation confirmation", tint.Err(err))
	}

	m.auditLog(
		ctx,
		"Thread Opened",
		fmt.Sprintf(
			"Thread opened for **%s** (`%s`) in <#%s>.",
			userDisplayTag(user),
			user.ID,
			ch.ID,
		),
		settings.Colors.Default,
	)

	return thread, nil
}

// threadControlComponents builds the button row attached to every
// thread's control message.
func threadControlComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Close",
					Style:    discordgo.SecondaryButton,
					CustomID: customIDCloseThread,
					Emoji:    &discordgo.ComponentEmoji{Name: "🔒"},
				},
				discordgo.Button{
					Label:    "Block User",
					Style:    discordgo.DangerButton,
					CustomID: customIDBlockUser,
					Emoji:    &discordgo.ComponentEmoji{Name: "⛔"},
				},
			},
		},
	}
}

// resolveThread recovers the thread for a channel. The registry is
// authoritative; the channel topic is the fallback for channels the
// registry has forgotten (e.g. pre-restart threads with a lost DB).
// Returns errThreadNotActive when neither source yields an open thread.
func (m *ModMail) resolveThread(
	ctx context.Context,
	channelID string,
) (*Thread, error) {
	if thread, ok := m.registry.GetByChannel(channelID); ok {
		return thread, nil
	}
	ch, err := m.discord.session.Channel(channelID)
	if err != nil {
		return nil, fmt.Errorf("error fetching channel: %w", err)
	}
	userID, ok := parseTopicUserID(ch.Topic)
	if !ok {
		return nil, errThreadNotActive
	}
	thread, open := m.registry.Get(userID)
	if !open || thread.ChannelID != channelID {
		return nil, errThreadNotActive
	}
	m.logger.DebugContext(
		ctx,
		"thread recovered from channel topic",
		"channel_id", channelID,
		"user_id", userID,
	)
	return thread, nil
}

// closeThread finishes a thread: drops it from the registry, marks the
// row closed, renames the channel with the closed prefix, and notifies
// the user (best effort). Safe to call for a channel that's already
// closed; it returns errThreadNotActive in that case.
func (m *ModMail) closeThread(
	ctx context.Context,
	channelID string,
	closedBy string,
) (*Thread, error) {
	thread, err := m.resolveThread(ctx, channelID)
	if err != nil {
		return nil, err
	}

	unlock := m.registry.lockUser(thread.UserID)
	defer unlock()

	// re-check under the user lock: another closer may have won
	if _, stillOpen := m.registry.GetByChannel(channelID); !stillOpen {
		return nil, errThreadNotActive
	}

	log := m.logger.With(
		"user_id", thread.UserID,
		"channel_id", channelID,
		"closed_by", closedBy,
	)

	notice := m.defaultEmbed(
		"Thread Closed",
		"Your thread has been closed. Send another message to open a new one.",
	)
	if dmErr := m.discord.dmUser(thread.UserID, notice); dmErr != nil {
		log.WarnContext(ctx, "error sending close notice", tint.Err(dmErr))
	}

	m.registry.Delete(thread)

	thread.Closed = true
	thread.ClosedAt = time.Now().UTC().UnixMilli()
	thread.ClosedBy = closedBy
	if _, dbErr := m.writeDB.Updates(
		ctx,
		thread,
		map[string]any{
			"closed":    true,
			"closed_at": thread.ClosedAt,
			"closed_by": thread.ClosedBy,
		},
	); dbErr != nil {
		log.ErrorContext(ctx, "error marking thread closed", tint.Err(dbErr))
	}

	if ch, chErr := m.discord.session.Channel(channelID); chErr == nil {
		if !strings.HasPrefix(ch.Name, closedChannelPrefix) {
			newName := truncate(closedChannelPrefix+ch.Name, 100)
			if _, editErr := m.discord.session.ChannelEdit(
				channelID,
				&discordgo.ChannelEdit{Name: newName},
			); editErr != nil {
				log.WarnContext(
					ctx,
					"error renaming closed channel",
					tint.Err(editErr),
				)
			}
		}
	} else {
		log.WarnContext(ctx, "error fetching channel for rename", tint.Err(chErr))
	}

	log.InfoContext(ctx, "thread closed")
	m.auditLog(
		ctx,
		"Thread Closed",
		fmt.Sprintf(
			"Thread for **%s** (`%s`) closed by %s.",
			thread.UserTag,
			thread.UserID,
			closedBy,
		),
		m.settings.Get().Colors.Default,
	)

	return thread, nil
}

// blockUser adds the thread's user to the blocklist and closes the
// thread. Returns the thread and whether the user was newly blocked
// (false means they were already on the list and nothing changed).
func (m *ModMail) blockUser(
	ctx context.Context,
	channelID string,
	blockedBy string,
) (*Thread, bool, error) {
	thread, err := m.resolveThread(ctx, channelID)
	if err != nil {
		return nil, false, err
	}
	log := m.logger.With(
		"user_id", thread.UserID,
		"channel_id", channelID,
		"blocked_by", blockedBy,
	)

	if !m.settings.Block(thread.UserID) {
		log.InfoContext(ctx, "user already blocked")
		return thread, false, nil
	}
	log.InfoContext(ctx, "user blocked")

	notice := m.errorEmbed(
		"Blocked",
		"You have been blocked from using modmail.",
	)
	if dmErr := m.discord.dmUser(thread.UserID, notice); dmErr != nil {
		log.WarnContext(ctx, "error sending block notice", tint.Err(dmErr))
	}

	if _, closeErr := m.closeThread(ctx, channelID, blockedBy); closeErr != nil &&
		!errors.Is(closeErr, errThreadNotActive) {
		log.WarnContext(
			ctx,
			"error closing thread after block",
			tint.Err(closeErr),
		)
	}

	m.auditLog(
		ctx,
		"User Blocked",
		fmt.Sprintf(
			"**%s** (`%s`) blocked by %s.",
			thread.UserTag,
			thread.UserID,
			blockedBy,
		),
		m.settings.Get().Colors.Error,
	)

	return thread, true, nil
}

// auditLog sends an embed to the configured log channel, if one is set.
func (m *ModMail) auditLog(
	ctx context.Context,
	title string,
	description string,
	color int,
) {
	settings := m.settings.Get()
	if settings.LogChannelID == "" {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := m.discord.session.ChannelMessageSendComplex(
		settings.LogChannelID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		m.logger.WarnContext(
			ctx,
			"error sending audit log message",
			"log_channel_id", settings.LogChannelID,
			tint.Err(err),
		)
	}
}

// autoCloseWatcher periodically closes threads idle past the configured
// window. A zero window disables the watcher's work but not its loop, so
// enabling auto-close later takes effect without a restart.
func (m *ModMail) autoCloseWatcher(ctx context.Context) {
	ticker := time.NewTicker(autoCloseCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.closeIdleThreads(ctx)
		}
	}
}

func (m *ModMail) closeIdleThreads(ctx context.Context) {
	settings := m.settings.Get()
	if settings.ThreadAutoCloseHours <= 0 {
		return
	}
	window := time.Duration(settings.ThreadAutoCloseHours) * time.Hour
	now := time.Now().UTC()
	for _, thread := range m.registry.Active() {
		if thread.IdleFor(now) < window {
			continue
		}
		m.logger.InfoContext(
			ctx,
			"auto-closing idle thread",
			"user_id", thread.UserID,
			"channel_id", thread.ChannelID,
			"idle", thread.IdleFor(now).String(),
		)
		if _, err := m.closeThread(
			ctx,
			thread.ChannelID,
			autoCloseActor,
		); err != nil && !errors.Is(err, errThreadNotActive) {
			m.logger.WarnContext(
				ctx,
				"error auto-closing thread",
				"channel_id", thread.ChannelID,
				tint.Err(err),
			)
		}
	}
}

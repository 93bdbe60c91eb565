package modmail

import (
	"fmt"
	"regexp"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// topicFormat is the thread channel topic. The parenthesized user ID at
	// the end is the authoritative fallback identity for the channel: it
	// survives bot restarts even if the database is lost.
	topicFormat = "ModMail thread for %s (%s)"

	// closedChannelPrefix is prepended to a thread channel's name when the
	// thread is closed
	closedChannelPrefix = "closed-"
)

// topicUserIDPattern matches the trailing "(<snowflake>)" in a thread topic.
var topicUserIDPattern = regexp.MustCompile(`\((\d+)\)`)

// Thread is one modmail conversation: a user's DM stream bridged to a
// dedicated staff channel. Rows outlive the in-memory registry, so open
// threads can be rehydrated after a restart.
//
//nolint:lll // struct tags
type Thread struct {
	ModelUintID
	ModelUnixTime

	// UserID is the Discord user the thread belongs to
	UserID string `json:"user_id" gorm:"index"`

	// ChannelID is the staff-side text channel for this thread
	ChannelID string `json:"channel_id" gorm:"uniqueIndex"`

	// UserTag is the user's display tag at thread creation time
	// (e.g. "someone" or "legacy#1234")
	UserTag string `json:"user_tag"`

	// Closed marks the thread as finished. Closed threads stay in the
	// table for history but are never hydrated into the registry.
	Closed bool `json:"closed" gorm:"index"`

	// ClosedAt is when the thread was closed (unix ms)
	ClosedAt int64 `json:"closed_at,omitempty"`

	// ClosedBy identifies who closed the thread: a staff user tag, or
	// "auto" for the inactivity watcher
	ClosedBy string `json:"closed_by,omitempty"`

	// LastActivityAt is the unix-ms timestamp of the last relayed message
	// in either direction, used by the auto-close watcher
	LastActivityAt int64 `json:"last_activity_at"`

	Messages []ThreadMessage `json:"messages,omitempty" gorm:"foreignKey:ThreadID"`
}

// Topic renders the channel topic for this thread.
func (t Thread) Topic() string {
	return fmt.Sprintf(topicFormat, t.UserTag, t.UserID)
}

// Touch updates the last-activity timestamp to now.
func (t *Thread) Touch() {
	t.LastActivityAt = time.Now().UTC().UnixMilli()
}

// IdleFor reports how long the thread has been without relayed messages.
func (t Thread) IdleFor(now time.Time) time.Duration {
	if t.LastActivityAt == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(t.LastActivityAt))
}

// ThreadMessage is one relayed message in a thread, in either direction.
//
//nolint:lll // struct tags
type ThreadMessage struct {
	ModelUintID
	ModelUnixTime

	ThreadID uint `json:"thread_id" gorm:"index"`

	// FromStaff is true for staff replies relayed to the user, false for
	// user DMs forwarded into the thread channel
	FromStaff bool `json:"from_staff"`

	// AuthorID is the Discord user ID of the message author
	AuthorID string `json:"author_id"`

	// AuthorTag is the author's display tag at send time
	AuthorTag string `json:"author_tag"`

	// MessageID is the ID of the originating Discord message
	MessageID string `json:"message_id"`

	Content string `json:"content"`

	// AttachmentURLs holds the CDN URLs of any attachments, separated by
	// newlines
	AttachmentURLs string `json:"attachment_urls,omitempty"`
}

// parseTopicUserID extracts the user ID from a thread channel topic,
// returning the LAST parenthesized number so usernames containing digits
// in parentheses don't confuse it.
func parseTopicUserID(topic string) (string, bool) {
	matches := topicUserIDPattern.FindAllStringSubmatch(topic, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// newThread builds an (unsaved) Thread for a user and their freshly
// created channel.
func newThread(u *discordgo.User, channelID string) *Thread {
	t := &Thread{
		UserID:    u.ID,
		ChannelID: channelID,
		UserTag:   userDisplayTag(u),
	}
	t.Touch()
	return t
}

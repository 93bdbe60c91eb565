package modmail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ThreadRegistry is the in-memory index of open threads, keyed by user ID
// and (secondarily) by channel ID. The registry is the authoritative
// channel-to-user mapping at runtime; the database and the channel topics
// are its durable backups, in that order.
type ThreadRegistry struct {
	mu        sync.RWMutex
	byUser    map[string]*Thread
	byChannel map[string]*Thread

	// userLocks serializes thread creation and closing per user, so two
	// near-simultaneous first DMs can't open two channels
	userLocks   map[string]*sync.Mutex
	userLocksMu sync.Mutex

	logger *slog.Logger
}

func NewThreadRegistry(logger *slog.Logger) *ThreadRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadRegistry{
		byUser:    map[string]*Thread{},
		byChannel: map[string]*Thread{},
		userLocks: map[string]*sync.Mutex{},
		logger:    logger.With(loggerNameKey, "registry"),
	}
}

// lockUser acquires the per-user mutex and returns its unlock func.
func (r *ThreadRegistry) lockUser(userID string) func() {
	r.userLocksMu.Lock()
	mu, ok := r.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		r.userLocks[userID] = mu
	}
	r.userLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Get returns the open thread for a user, if any.
func (r *ThreadRegistry) Get(userID string) (*Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byUser[userID]
	return t, ok
}

// GetByChannel returns the open thread bound to a channel, if any.
func (r *ThreadRegistry) GetByChannel(channelID string) (*Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byChannel[channelID]
	return t, ok
}

// Set registers an open thread under both indexes.
func (r *ThreadRegistry) Set(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[t.UserID] = t
	r.byChannel[t.ChannelID] = t
}

// Delete removes a thread from both indexes.
func (r *ThreadRegistry) Delete(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser, t.UserID)
	delete(r.byChannel, t.ChannelID)
}

// Len returns the number of open threads.
func (r *ThreadRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Active returns a snapshot of all open threads.
func (r *ThreadRegistry) Active() []*Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	threads := make([]*Thread, 0, len(r.byUser))
	for _, t := range r.byUser {
		threads = append(threads, t)
	}
	return threads
}

// AtCapacity reports whether opening one more thread would exceed the
// configured cap. A zero cap means unlimited.
func (r *ThreadRegistry) AtCapacity(maxOpen int) bool {
	if maxOpen <= 0 {
		return false
	}
	return r.Len() >= maxOpen
}

// Hydrate loads all open threads from the database into the registry.
func (r *ThreadRegistry) Hydrate(ctx context.Context, db DBI) error {
	var threads []Thread
	err := db.DB().WithContext(ctx).Where("closed = ?", false).
		Find(&threads).Error
	if err != nil {
		return fmt.Errorf("error loading open threads: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range threads {
		t := &threads[i]
		r.byUser[t.UserID] = t
		r.byChannel[t.ChannelID] = t
	}
	r.logger.InfoContext(ctx, "registry hydrated", "open_threads", len(threads))
	return nil
}

// Reconcile scans the live channels under the modmail category and adopts
// any thread channel the registry doesn't know about, recovering the user
// identity from the channel topic. This covers threads opened by a
// previous process whose database rows were lost.
func (r *ThreadRegistry) Reconcile(
	ctx context.Context,
	db DBI,
	channels []*discordgo.Channel,
	categoryID string,
) {
	if categoryID == "" {
		return
	}
	for _, ch := range channels {
		if ch.ParentID != categoryID || ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		userID, ok := parseTopicUserID(ch.Topic)
		if !ok {
			continue
		}
		if _, known := r.GetByChannel(ch.ID); known {
			continue
		}
		if existing, open := r.Get(userID); open {
			r.logger.WarnContext(
				ctx,
				"duplicate thread channel for user, ignoring",
				"user_id", userID,
				"channel_id", ch.ID,
				"existing_channel_id", existing.ChannelID,
			)
			continue
		}
		t := &Thread{
			UserID:    userID,
			ChannelID: ch.ID,
			UserTag:   ch.Name,
		}
		t.Touch()
		if _, err := db.Create(ctx, t); err != nil {
			r.logger.ErrorContext(
				ctx,
				"error persisting recovered thread",
				"user_id", userID,
				"channel_id", ch.ID,
				tint.Err(err),
			)
			continue
		}
		r.Set(t)
		r.logger.InfoContext(
			ctx,
			"recovered thread from channel topic",
			"user_id", userID,
			"channel_id", ch.ID,
		)
	}
}

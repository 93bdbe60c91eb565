package modmail

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/lmittmann/tint"
)

// Default embed colors. These match Discord's "blurple" plus a small
// traffic-light palette for status embeds.
const (
	DefaultColorDefault = 0x5865F2
	DefaultColorUser    = 0x2ECC71
	DefaultColorStaff   = 0x3498DB
	DefaultColorError   = 0xE74C3C
	DefaultColorSuccess = 0x2ECC71
	DefaultColorWarning = 0xF1C40F
)

// ColorTheme holds the embed colors used for the different kinds of
// messages the bot sends.
type ColorTheme struct {
	Default int `json:"default" mapstructure:"default"`
	User    int `json:"user" mapstructure:"user"`
	Staff   int `json:"staff" mapstructure:"staff"`
	Error   int `json:"error" mapstructure:"error"`
	Success int `json:"success" mapstructure:"success"`
	Warning int `json:"warning" mapstructure:"warning"`
}

// DefaultColorTheme returns the stock embed palette.
func DefaultColorTheme() ColorTheme {
	return ColorTheme{
		Default: DefaultColorDefault,
		User:    DefaultColorUser,
		Staff:   DefaultColorStaff,
		Error:   DefaultColorError,
		Success: DefaultColorSuccess,
		Warning: DefaultColorWarning,
	}
}

// Settings is the mutable bot configuration, persisted as a flat JSON
// file on disk. Unlike [Config], which is fixed for the lifetime of the
// process, Settings can be changed at runtime via slash commands or the
// admin API, and every mutation is written back to the file.
//
//nolint:lll // struct tags can't be split
type Settings struct {
	// GuildID is the guild the bot serves. Empty until set, in which case
	// thread creation silently aborts.
	GuildID string `json:"guild_id" mapstructure:"guild_id"`

	// ModmailCategoryID is the category under which thread channels are created
	ModmailCategoryID string `json:"modmail_category_id" mapstructure:"modmail_category_id"`

	// LogChannelID, if set, receives an audit embed for thread open/close/block events
	LogChannelID string `json:"log_channel_id" mapstructure:"log_channel_id"`

	// StaffRoleIDs are the roles whose members may reply in thread channels
	// and use the /threads command
	StaffRoleIDs []string `json:"staff_role_ids" mapstructure:"staff_role_ids"`

	// BlockedUserIDs are users whose DMs are rejected instead of forwarded
	BlockedUserIDs []string `json:"blocked_user_ids" mapstructure:"blocked_user_ids"`

	// Colors is the embed palette
	Colors ColorTheme `json:"colors" mapstructure:"colors"`

	// Status is the bot's custom status text
	Status string `json:"status" mapstructure:"status"`

	// Prefix marks staff messages in a thread channel that should NOT be
	// relayed to the user (internal notes, other bots' commands)
	Prefix string `json:"prefix" mapstructure:"prefix"`

	// ThreadAutoCloseHours closes threads with no activity for this many
	// hours. Zero disables auto-close.
	ThreadAutoCloseHours int `json:"thread_auto_close_hours" mapstructure:"thread_auto_close_hours" binding:"omitempty,min=0"`

	// MaxOpenThreads caps the number of concurrently open threads. Zero
	// means unlimited.
	MaxOpenThreads int `json:"max_open_threads" mapstructure:"max_open_threads" binding:"omitempty,min=0"`
}

// DefaultSettings returns a Settings populated with defaults, suitable
// for first-run initialization.
func DefaultSettings() Settings {
	return Settings{
		StaffRoleIDs:         []string{},
		BlockedUserIDs:       []string{},
		Colors:               DefaultColorTheme(),
		Status:               DefaultCustomStatus,
		Prefix:               DefaultCommandPrefix,
		ThreadAutoCloseHours: DefaultAutoCloseHours,
	}
}

// Blocked reports whether the given user ID is on the blocklist.
func (s Settings) Blocked(userID string) bool {
	return slices.Contains(s.BlockedUserIDs, userID)
}

// SettingsUpdate is a partial Settings used by the admin API's PATCH
// endpoint. Nil fields are left unchanged.
//
//nolint:lll // struct tags can't be split
type SettingsUpdate struct {
	GuildID              *string     `json:"guild_id,omitempty"`
	ModmailCategoryID    *string     `json:"modmail_category_id,omitempty"`
	LogChannelID         *string     `json:"log_channel_id,omitempty"`
	StaffRoleIDs         *[]string   `json:"staff_role_ids,omitempty"`
	Colors               *ColorTheme `json:"colors,omitempty"`
	Status               *string     `json:"status,omitempty"`
	Prefix               *string     `json:"prefix,omitempty"`
	ThreadAutoCloseHours *int        `json:"thread_auto_close_hours,omitempty" binding:"omitempty,min=0"`
	MaxOpenThreads       *int        `json:"max_open_threads,omitempty" binding:"omitempty,min=0"`
}

// SettingsStore owns the mutable bot settings and their on-disk JSON
// representation. All reads and writes go through the store; mutators
// persist the updated settings before returning. Save failures are
// logged and swallowed, so a read-only filesystem degrades the bot to
// in-memory settings rather than killing it.
type SettingsStore struct {
	path     string
	mu       sync.RWMutex
	settings Settings
	logger   *slog.Logger
}

func NewSettingsStore(path string, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{
		path:     path,
		settings: DefaultSettings(),
		logger:   logger.With(loggerNameKey, "settings"),
	}
}

// Load reads the settings file. A missing or unparseable file is not an
// error: defaults are kept, and a fresh default file is written so the
// next run starts from something editable.
func (s *SettingsStore) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn(
			"settings file unreadable, writing defaults",
			"path", s.path,
			tint.Err(err),
		)
		s.settings = DefaultSettings()
		s.saveLocked()
		return
	}

	loaded := DefaultSettings()
	if err = json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn(
			"settings file corrupt, writing defaults",
			"path", s.path,
			tint.Err(err),
		)
		s.settings = DefaultSettings()
		s.saveLocked()
		return
	}

	// backfill anything the file omitted
	if loaded.StaffRoleIDs == nil {
		loaded.StaffRoleIDs = []string{}
	}
	if loaded.BlockedUserIDs == nil {
		loaded.BlockedUserIDs = []string{}
	}
	if loaded.Colors == (ColorTheme{}) {
		loaded.Colors = DefaultColorTheme()
	}
	if loaded.Status == "" {
		loaded.Status = DefaultCustomStatus
	}
	if loaded.Prefix == "" {
		loaded.Prefix = DefaultCommandPrefix
	}
	s.settings = loaded
	s.logger.Info("settings loaded", "path", s.path)
}

// Save persists the current settings. Errors are logged, not returned.
func (s *SettingsStore) Save() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.saveLocked()
}

func (s *SettingsStore) saveLocked() {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		s.logger.Error("error serializing settings", tint.Err(err))
		return
	}
	if err = os.WriteFile(s.path, data, 0o600); err != nil {
		s.logger.Error(
			"error writing settings file",
			"path", s.path,
			tint.Err(err),
		)
	}
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.settings
	st.StaffRoleIDs = slices.Clone(s.settings.StaffRoleIDs)
	st.BlockedUserIDs = slices.Clone(s.settings.BlockedUserIDs)
	return st
}

// Update applies fn to the settings under the write lock and persists
// the result.
func (s *SettingsStore) Update(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	s.saveLocked()
}

// Apply merges a partial update into the settings and persists them.
func (s *SettingsStore) Apply(update SettingsUpdate) {
	s.Update(
		func(st *Settings) {
			if update.GuildID != nil {
				st.GuildID = *update.GuildID
			}
			if update.ModmailCategoryID != nil {
				st.ModmailCategoryID = *update.ModmailCategoryID
			}
			if update.LogChannelID != nil {
				st.LogChannelID = *update.LogChannelID
			}
			if update.StaffRoleIDs != nil {
				st.StaffRoleIDs = slices.Clone(*update.StaffRoleIDs)
			}
			if update.Colors != nil {
				st.Colors = *update.Colors
			}
			if update.Status != nil {
				st.Status = *update.Status
			}
			if update.Prefix != nil {
				st.Prefix = *update.Prefix
			}
			if update.ThreadAutoCloseHours != nil {
				st.ThreadAutoCloseHours = *update.ThreadAutoCloseHours
			}
			if update.MaxOpenThreads != nil {
				st.MaxOpenThreads = *update.MaxOpenThreads
			}
		},
	)
}

// Block adds userID to the blocklist. Returns false if the user was
// already blocked (in which case nothing is written).
func (s *SettingsStore) Block(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.settings.BlockedUserIDs, userID) {
		return false
	}
	s.settings.BlockedUserIDs = append(s.settings.BlockedUserIDs, userID)
	s.saveLocked()
	return true
}

// Unblock removes userID from the blocklist. Returns false if the user
// wasn't blocked.
func (s *SettingsStore) Unblock(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix := slices.Index(s.settings.BlockedUserIDs, userID)
	if ix < 0 {
		return false
	}
	s.settings.BlockedUserIDs = slices.Delete(
		s.settings.BlockedUserIDs,
		ix,
		ix+1,
	)
	s.saveLocked()
	return true
}

// AddStaffRole adds roleID to the staff roles. Returns false if already present.
func (s *SettingsStore) AddStaffRole(roleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.settings.StaffRoleIDs, roleID) {
		return false
	}
	s.settings.StaffRoleIDs = append(s.settings.StaffRoleIDs, roleID)
	s.saveLocked()
	return true
}

// RemoveStaffRole removes roleID from the staff roles. Returns false if
// it wasn't present.
func (s *SettingsStore) RemoveStaffRole(roleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix := slices.Index(s.settings.StaffRoleIDs, roleID)
	if ix < 0 {
		return false
	}
	s.settings.StaffRoleIDs = slices.Delete(s.settings.StaffRoleIDs, ix, ix+1)
	s.saveLocked()
	return true
}

func (s *SettingsStore) LogValue() slog.Value {
	return structToSlogValue(s.Get())
}

func (s Settings) LogValue() slog.Value {
	return structToSlogValue(s)
}

var _ fmt.Stringer = (*Settings)(nil)

func (s Settings) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%#v", s)
	}
	return string(data)
}

package modmail

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandConfig  = "modmail-config"
	commandThreads = "threads"

	subcommandShow        = "show"
	subcommandStatus      = "status"
	subcommandCategory    = "category"
	subcommandLogChannel  = "log-channel"
	subcommandAddStaff    = "add-staff"
	subcommandRemoveStaff = "remove-staff"
	subcommandUnblock     = "unblock"
	subcommandCloseTime   = "close-time"

	subcommandList = "list"
	subcommandInfo = "info"
)

// appCommandConfig defines /modmail-config. The command is hidden from
// non-administrators via default member permissions.
func appCommandConfig() *discordgo.ApplicationCommand {
	adminOnly := int64(discordgo.PermissionAdministrator)
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:                     commandConfig,
		Description:              "Configure the modmail bot",
		Type:                     discordgo.ChatApplicationCommand,
		DefaultMemberPermissions: &adminOnly,
		DMPermission:             &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandShow,
				Description: "Show the current configuration",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandStatus,
				Description: "Set the bot's custom status",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "Status text",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandCategory,
				Description: "Set the category for thread channels",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "category",
						Description: "Modmail category",
						Required:    true,
						ChannelTypes: []discordgo.ChannelType{
							discordgo.ChannelTypeGuildCategory,
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandLogChannel,
				Description: "Set the audit log channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Log channel",
						Required:    true,
						ChannelTypes: []discordgo.ChannelType{
							discordgo.ChannelTypeGuildText,
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandAddStaff,
				Description: "Add a staff role",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "role",
						Description: "Role to add",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandRemoveStaff,
				Description: "Remove a staff role",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        "role",
						Description: "Role to remove",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandUnblock,
				Description: "Unblock a user",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "user-id",
						Description: "ID of the user to unblock",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandCloseTime,
				Description: "Set the auto-close window in hours (0 disables)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "hours",
						Description: "Hours of inactivity before auto-close",
						Required:    true,
					},
				},
			},
		},
	}
}

// appCommandThreads defines /threads. Gated at runtime on the configured
// staff roles rather than on a fixed permission bit.
func appCommandThreads() *discordgo.ApplicationCommand {
	dmPerm := false
	return &discordgo.ApplicationCommand{
		Name:         commandThreads,
		Description:  "Inspect open modmail threads",
		Type:         discordgo.ChatApplicationCommand,
		DMPermission: &dmPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandList,
				Description: "List open threads",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandInfo,
				Description: "Show details for a user's thread",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "user-id",
						Description: "ID of the thread's user",
						Required:    true,
					},
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandConfig(),
		appCommandThreads(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

func (m *ModMail) handleCommandInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	data := i.ApplicationCommandData()
	log := m.logger.With("command", data.Name)
	switch data.Name {
	case commandConfig:
		m.handleConfigCommand(ctx, i, user)
	case commandThreads:
		m.handleThreadsCommand(ctx, i)
	default:
		log.DebugContext(ctx, "ignoring unknown command")
	}
}

func (m *ModMail) handleConfigCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	if i.Member == nil ||
		i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.errorEmbed(
				"Permission Denied",
				"You need administrator permissions to configure the bot.",
			),
		)
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	opts := discordInteractionOptions(sub.Options)
	actor := userDisplayTag(user)

	switch sub.Name {
	case subcommandShow:
		m.respondEphemeral(ctx, i.Interaction, m.settingsEmbed())
	case subcommandStatus:
		text := opts["text"].StringValue()
		m.settings.Update(func(s *Settings) { s.Status = text })
		if err := m.discord.updateCustomStatus(text); err != nil {
			m.logger.WarnContext(ctx, "error updating status", tint.Err(err))
		}
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.successEmbed("Status Updated", fmt.Sprintf("Status set to: %s", text)),
		)
	case subcommandCategory:
		channelID := opts["category"].Value.(string)
		m.settings.Update(
			func(s *Settings) {
				s.ModmailCategoryID = channelID
				if s.GuildID == "" {
					s.GuildID = i.GuildID
				}
			},
		)
		m.logger.InfoContext(
			ctx,
			"modmail category updated",
			"category_id", channelID,
			"updated_by", actor,
		)
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.successEmbed(
				"Category Updated",
				fmt.Sprintf("Thread channels will be created under <#%s>.", channelID),
			),
		)
	case subcommandLogChannel:
		channelID := opts["channel"].Value.(string)
		m.settings.Update(func(s *Settings) { s.LogChannelID = channelID })
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.successEmbed(
				"Log Channel Updated",
				fmt.Sprintf("Audit events will be sent to <#%s>.", channelID),
			),
		)
	case subcommandAddStaff:
		roleID := opts["role"].Value.(string)
		if m.settings.AddStaffRole(roleID) {
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.successEmbed(
					"Staff Role Added",
					fmt.Sprintf("<@&%s> can now reply to threads.", roleID),
				),
			)
			return
		}
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.warningEmbed(
				"Already Added",
				fmt.Sprintf("<@&%s> is already a staff role.", roleID),
			),
		)
	case subcommandRemoveStaff:
		roleID := opts["role"].Value.(string)
		if m.settings.RemoveStaffRole(roleID) {
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.successEmbed(
					"Staff Role Removed",
					fmt.Sprintf("<@&%s> is no longer a staff role.", roleID),
				),
			)
			return
		}
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.warningEmbed(
				"Not a Staff Role",
				fmt.Sprintf("<@&%s> was not a staff role.", roleID),
			),
		)
	case subcommandUnblock:
		userID := strings.TrimSpace(opts["user-id"].StringValue())
		if m.settings.Unblock(userID) {
			m.logger.InfoContext(
				ctx,
				"user unblocked",
				"user_id", userID,
				"unblocked_by", actor,
			)
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.successEmbed(
					"User Unblocked",
					fmt.Sprintf("`%s` can use modmail again.", userID),
				),
			)
			return
		}
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.warningEmbed(
				"Not Blocked",
				fmt.Sprintf("`%s` is not on the blocklist.", userID),
			),
		)
	case subcommandCloseTime:
		hours := int(opts["hours"].IntValue())
		if hours < 0 {
			hours = 0
		}
		m.settings.Update(func(s *Settings) { s.ThreadAutoCloseHours = hours })
		description := fmt.Sprintf(
			"Threads will auto-close after %d hours of inactivity.",
			hours,
		)
		if hours == 0 {
			description = "Auto-close disabled."
		}
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.successEmbed("Auto-Close Updated", description),
		)
	}
}

// settingsEmbed renders the current settings for /modmail-config show.
func (m *ModMail) settingsEmbed() *discordgo.MessageEmbed {
	settings := m.settings.Get()
	category := "*(not set)*"
	if settings.ModmailCategoryID != "" {
		category = fmt.Sprintf("<#%s>", settings.ModmailCategoryID)
	}
	logChannel := "*(not set)*"
	if settings.LogChannelID != "" {
		logChannel = fmt.Sprintf("<#%s>", settings.LogChannelID)
	}
	staff := "*(none)*"
	if len(settings.StaffRoleIDs) > 0 {
		mentions := make([]string, 0, len(settings.StaffRoleIDs))
		for _, id := range settings.StaffRoleIDs {
			mentions = append(mentions, fmt.Sprintf("<@&%s>", id))
		}
		staff = strings.Join(mentions, " ")
	}
	autoClose := "disabled"
	if settings.ThreadAutoCloseHours > 0 {
		autoClose = fmt.Sprintf("%d hours", settings.ThreadAutoCloseHours)
	}
	maxOpen := "unlimited"
	if settings.MaxOpenThreads > 0 {
		maxOpen = fmt.Sprintf("%d", settings.MaxOpenThreads)
	}
	return &discordgo.MessageEmbed{
		Title: "Modmail Configuration",
		Color: settings.Colors.Default,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Category", Value: category, Inline: true},
			{Name: "Log Channel", Value: logChannel, Inline: true},
			{Name: "Staff Roles", Value: staff},
			{Name: "Status", Value: settings.Status, Inline: true},
			{Name: "Auto-Close", Value: autoClose, Inline: true},
			{Name: "Max Open Threads", Value: maxOpen, Inline: true},
			{
				Name:   "Blocked Users",
				Value:  fmt.Sprintf("%d", len(settings.BlockedUserIDs)),
				Inline: true,
			},
			{
				Name:   "Open Threads",
				Value:  fmt.Sprintf("%d", m.registry.Len()),
				Inline: true,
			},
		},
	}
}

func (m *ModMail) handleThreadsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	settings := m.settings.Get()
	isAdmin := i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionAdministrator != 0
	if !isAdmin && !memberHasStaffRole(i.Member, settings.StaffRoleIDs) {
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.errorEmbed(
				"Permission Denied",
				"Only staff can inspect threads.",
			),
		)
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]

	switch sub.Name {
	case subcommandList:
		threads := m.registry.Active()
		if len(threads) == 0 {
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.defaultEmbed("Open Threads", "No threads are currently open."),
			)
			return
		}
		lines := make([]string, 0, len(threads))
		for _, t := range threads {
			lines = append(
				lines,
				fmt.Sprintf("**%s** (`%s`) — <#%s>", t.UserTag, t.UserID, t.ChannelID),
			)
		}
		m.respondEphemeral(
			ctx,
			i.Interaction,
			m.defaultEmbed(
				fmt.Sprintf("Open Threads (%d)", len(threads)),
				truncate(strings.Join(lines, "\n"), discordMaxMessageLength),
			),
		)
	case subcommandInfo:
		opts := discordInteractionOptions(sub.Options)
		userID := strings.TrimSpace(opts["user-id"].StringValue())
		thread, ok := m.registry.Get(userID)
		if !ok {
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.warningEmbed(
					"No Thread",
					fmt.Sprintf("`%s` has no open thread.", userID),
				),
			)
			return
		}
		var messageCount int64
		if err := m.db.WithContext(ctx).
			Model(&ThreadMessage{}).
			Where("thread_id = ?", thread.ID).
			Count(&messageCount).Error; err != nil {
			m.logger.WarnContext(ctx, "error counting messages", tint.Err(err))
		}
		embed := &discordgo.MessageEmbed{
			Title: "Thread Info",
			Color: settings.Colors.Default,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "User", Value: fmt.Sprintf("%s (`%s`)", thread.UserTag, thread.UserID)},
				{Name: "Channel", Value: fmt.Sprintf("<#%s>", thread.ChannelID), Inline: true},
				{Name: "Messages", Value: fmt.Sprintf("%d", messageCount), Inline: true},
			},
		}
		m.respondEphemeral(ctx, i.Interaction, embed)
	}
}

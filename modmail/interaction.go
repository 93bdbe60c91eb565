package modmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionLog records each interaction received over the gateway,
// with the raw payload for later inspection.
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		AppID:         i.AppID,
		Payload:       string(p),
	}
	if u != nil {
		interactionLog.UserID = u.ID
		interactionLog.Username = u.String()
	}
	return interactionLog, nil
}

// handlerInteractionCreate returns the gateway InteractionCreate handler,
// dispatching button presses by their fixed custom IDs and slash commands
// by name. Anything else is ignored.
func (m *ModMail) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), m.logger)
		log := m.logger.With(interactionLogAttrs(*i)...)

		user := getDiscordUser(i)
		if interactionLog, err := newInteractionLog(i, user); err != nil {
			log.WarnContext(ctx, "error building interaction log", tint.Err(err))
		} else if _, err = m.writeDB.Create(ctx, interactionLog); err != nil {
			log.WarnContext(ctx, "error saving interaction log", tint.Err(err))
		}

		switch i.Type {
		case discordgo.InteractionMessageComponent:
			m.handleComponentInteraction(ctx, i, user)
		case discordgo.InteractionApplicationCommand:
			m.handleCommandInteraction(ctx, i, user)
		default:
			log.DebugContext(ctx, "ignoring interaction")
		}
	}
}

func (m *ModMail) handleComponentInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	log := m.logger.With(interactionLogAttrs(*i)...)
	customID := i.MessageComponentData().CustomID
	actor := userDisplayTag(user)
	if actor == "" {
		actor = "staff"
	}

	switch customID {
	case customIDCloseThread:
		_, err := m.closeThread(ctx, i.ChannelID, actor)
		switch {
		case errors.Is(err, errThreadNotActive):
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.warningEmbed(
					"Not a Thread",
					"This channel is not an active modmail thread.",
				),
			)
		case err != nil:
			log.ErrorContext(ctx, "error closing thread", tint.Err(err))
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.errorEmbed("Error", "Unable to close this thread."),
			)
		default:
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.successEmbed("Thread Closed", "This thread has been closed."),
			)
		}
	case customIDBlockUser:
		thread, blocked, err := m.blockUser(ctx, i.ChannelID, actor)
		switch {
		case errors.Is(err, errThreadNotActive):
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.warningEmbed(
					"Not a Thread",
					"This channel is not an active modmail thread.",
				),
			)
		case err != nil:
			log.ErrorContext(ctx, "error blocking user", tint.Err(err))
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.errorEmbed("Error", "Unable to block this user."),
			)
		case !blocked:
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.warningEmbed(
					"Already Blocked",
					fmt.Sprintf(
						"**%s** is already blocked.",
						thread.UserTag,
					),
				),
			)
		default:
			m.respondEphemeral(
				ctx,
				i.Interaction,
				m.successEmbed(
					"User Blocked",
					fmt.Sprintf(
						"**%s** (`%s`) has been blocked and the thread closed.",
						thread.UserTag,
						thread.UserID,
					),
				),
			)
		}
	default:
		log.DebugContext(ctx, "ignoring unknown component", "custom_id", customID)
	}
}

// respondEphemeral sends an ephemeral embed response to an interaction.
func (m *ModMail) respondEphemeral(
	ctx context.Context,
	interaction *discordgo.Interaction,
	embed *discordgo.MessageEmbed,
) {
	err := m.discord.session.InteractionRespond(
		interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Flags:  discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		m.logger.WarnContext(
			ctx,
			"error sending interaction response",
			tint.Err(err),
		)
	}
}

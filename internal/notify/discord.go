package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordSession is the subset of *discordgo.Session used for posting.
type DiscordSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord mirrors announcements to a Discord channel.
type Discord struct {
	session   DiscordSession
	channelID string
}

func NewDiscord(session DiscordSession, channelID string) *Discord {
	return &Discord{session: session, channelID: channelID}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Publish(ctx context.Context, a Announcement) error {
	msg := &discordgo.MessageSend{
		Content: fmt.Sprintf("**%s**\n\n%s", a.Title, a.Body),
	}
	if a.ButtonURL != "" {
		msg.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: a.ButtonText, Style: discordgo.LinkButton, URL: a.ButtonURL},
			}},
		}
	}
	if _, err := d.session.ChannelMessageSendComplex(d.channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: discord channel %s: %w", ErrSendFailed, d.channelID, err)
	}
	return nil
}

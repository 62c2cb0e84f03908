package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/atelierbot/atelier/internal/logger"
)

type discord struct {
	session *discordgo.Session
	handler *Handler
	ctx     context.Context
}

func newDiscord(token string, handler *Handler) (Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	d := &discord{
		session: session,
		handler: handler,
	}

	session.AddHandler(d.handleMessage)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	return d, nil
}

func (d *discord) Name() string { return "discord" }

func (d *discord) Start(ctx context.Context) error {
	d.ctx = ctx

	if err := d.session.Open(); err != nil {
		return err
	}

	logger.Info("Discord bot started", "username", d.session.State.User.Username)

	<-ctx.Done()
	return d.session.Close()
}

func (d *discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	incoming := Incoming{
		UserID:   m.Author.ID,
		Username: m.Author.Username,
		Text:     m.Content,
	}
	if m.GuildID != "" {
		incoming.GroupID = m.ChannelID
	}

	// first image attachment becomes an image-to-image draw input
	for _, att := range m.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		if path, err := saveAttachment(att.URL); err != nil {
			logger.Error("Attachment download failed", "error", err)
		} else {
			incoming.ImagePath = path
		}
		break
	}

	logger.Debug("Discord message received", "from", incoming.Username, "text", truncate(m.Content, 50))

	d.handler.Handle(d.ctx, incoming, &discordResponder{
		session:   s,
		channelID: m.ChannelID,
		reference: m.Reference(),
	})
}

type discordResponder struct {
	session   *discordgo.Session
	channelID string
	reference *discordgo.MessageReference
}

func (r *discordResponder) Reply(text string) error {
	_, err := r.session.ChannelMessageSendReply(r.channelID, text, r.reference)
	return err
}

func (r *discordResponder) ReplyImage(path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	_, err = r.session.ChannelMessageSendComplex(r.channelID, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{
			{
				Name:   filepath.Base(path),
				Reader: f,
			},
		},
		Reference: r.reference,
	})
	return err
}

package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atelierbot/atelier/internal/logger"
)

type telegram struct {
	api     *tgbotapi.BotAPI
	handler *Handler
}

func newTelegram(token string, handler *Handler) (Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	return &telegram{api: api, handler: handler}, nil
}

func (t *telegram) Name() string { return "telegram" }

func (t *telegram) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.api.GetUpdatesChan(u)

	logger.Info("Telegram bot started", "username", t.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return ctx.Err()
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			if update.Message.Text == "" && len(update.Message.Photo) == 0 {
				continue
			}

			go t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	incoming := Incoming{
		UserID:   strconv.FormatInt(msg.From.ID, 10),
		Username: msg.From.UserName,
		Text:     msg.Text,
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		incoming.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	// a captioned photo becomes an image-to-image draw input
	if len(msg.Photo) > 0 {
		incoming.Text = msg.Caption

		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := t.downloadPhoto(photo.FileID); err != nil {
			logger.Error("Photo download failed", "error", err)
		} else {
			incoming.ImagePath = path
		}
	}

	logger.Debug("Telegram message received", "from", incoming.Username, "text", truncate(incoming.Text, 50))

	t.handler.Handle(ctx, incoming, &telegramResponder{
		api:       t.api,
		chatID:    msg.Chat.ID,
		messageID: msg.MessageID,
	})
}

func (t *telegram) downloadPhoto(fileID string) (string, error) {
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	return saveAttachment(file.Link(t.api.Token))
}

type telegramResponder struct {
	api       *tgbotapi.BotAPI
	chatID    int64
	messageID int
}

func (r *telegramResponder) Reply(text string) error {
	msg := tgbotapi.NewMessage(r.chatID, text)
	msg.ReplyToMessageID = r.messageID
	_, err := r.api.Send(msg)
	return err
}

func (r *telegramResponder) ReplyImage(path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image %s: %w", path, err)
	}

	photo := tgbotapi.NewPhoto(r.chatID, tgbotapi.FileBytes{
		Name:  filepath.Base(path),
		Bytes: data,
	})
	photo.Caption = caption
	photo.ReplyToMessageID = r.messageID

	_, err = r.api.Send(photo)
	return err
}

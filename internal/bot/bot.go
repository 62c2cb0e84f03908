package bot

import (
	"github.com/atelierbot/atelier/internal/config"
	"github.com/atelierbot/atelier/internal/logger"
)

// New builds one adapter per enabled platform. At least one platform
// must be configured.
func New(cfg config.MultiBot, handler *Handler) ([]Bot, error) {
	var bots []Bot

	if cfg.Telegram.Enabled {
		b, err := newTelegram(cfg.Telegram.Token, handler)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}

	if cfg.Discord.Enabled {
		b, err := newDiscord(cfg.Discord.Token, handler)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}

	if len(bots) == 0 {
		logger.Warn("No bot platforms configured")
	}
	return bots, nil
}

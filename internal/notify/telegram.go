package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points alerts at one chat.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// ThreadID targets a forum topic; zero sends to the main chat.
	ThreadID int `json:"thread_id"`
}

// TelegramSink delivers alerts to a Telegram chat. Send-only: the bot
// never polls for updates.
type TelegramSink struct {
	bot *tele.Bot
	cfg TelegramConfig
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, cfg: cfg}, nil
}

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: s.cfg.ChatID}
	_, err := s.bot.Send(chat, formatText(m), &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

func formatText(m Message) string {
	prefix := "⚠️" // warning sign
	if m.Kind == PermanentFailure {
		prefix = "\U0001f6d1" // stop sign
	}
	return prefix + " " + m.Text + "\n" + m.At.Format(time.RFC3339)
}

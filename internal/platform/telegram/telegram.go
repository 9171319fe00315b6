// Package telegram adapts the Telegram Bot API to the Messenger interface
// for deployments that relay into Telegram chats. The Bot API has no
// history endpoint, so history is answered from the local message log.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"chatrelay/internal/domain"
	"chatrelay/internal/platform"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxMessageLen = 4000

// Messenger implements domain.Messenger on top of a Telegram bot.
type Messenger struct {
	bot    *tgbotapi.BotAPI
	log    domain.MessageLog
	policy platform.RetryPolicy
	logger *slog.Logger
}

type Config struct {
	Token  string
	Log    domain.MessageLog
	Policy platform.RetryPolicy
	Logger *slog.Logger
}

func New(cfg Config) (*Messenger, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = platform.DefaultRetryPolicy()
	}
	logger := cfg.Logger.With("component", "telegram", "token", platform.MaskSecret(cfg.Token))
	logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &Messenger{bot: bot, log: cfg.Log, policy: cfg.Policy, logger: logger}, nil
}

func (m *Messenger) SendMessage(ctx context.Context, chatID, content string, blocks []domain.RichBlock) (*domain.DeliveryResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}
	if len(content) > maxMessageLen {
		content = content[:maxMessageLen]
	}

	var sent tgbotapi.Message
	attempts, err := m.policy.Do(ctx, m.logger, "telegram_send", func() error {
		msg := tgbotapi.NewMessage(id, content)
		msg.ParseMode = tgbotapi.ModeMarkdown
		var sendErr error
		sent, sendErr = m.bot.Send(msg)
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	return &domain.DeliveryResult{MessageID: strconv.Itoa(sent.MessageID), Attempts: attempts}, nil
}

func (m *Messenger) SendMediaMessage(ctx context.Context, chatID, content, mediaURL string, _ *domain.MediaInfo) (*domain.DeliveryResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}

	var sent tgbotapi.Message
	attempts, err := m.policy.Do(ctx, m.logger, "telegram_send_media", func() error {
		photo := tgbotapi.NewPhoto(id, tgbotapi.FileURL(mediaURL))
		photo.Caption = content
		var sendErr error
		sent, sendErr = m.bot.Send(photo)
		return sendErr
	})
	if err != nil {
		return nil, err
	}
	return &domain.DeliveryResult{MessageID: strconv.Itoa(sent.MessageID), Attempts: attempts}, nil
}

// GetMessageHistory serves history from the local message log.
func (m *Messenger) GetMessageHistory(ctx context.Context, chatID string, limit int, _ string) ([]domain.HistoryMessage, error) {
	if m.log == nil {
		return nil, nil
	}
	logged, err := m.log.RecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	history := make([]domain.HistoryMessage, 0, len(logged))
	for _, l := range logged {
		history = append(history, domain.HistoryMessage{
			SenderID:  l.SenderID,
			IsAgent:   l.IsAgent,
			Content:   l.Content,
			MediaURL:  l.MediaURL,
			Timestamp: l.CreatedAt,
		})
	}
	return history, nil
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	return id, nil
}

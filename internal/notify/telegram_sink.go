package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// ErrPushDisabled is returned when no push key is configured.
var ErrPushDisabled = errors.New("push notifications disabled")

// NewTelegramBot builds a bot client without contacting Telegram, so a
// missing network does not block startup. Register verifies the key later.
func NewTelegramBot(cfg config.TelegramPushConfig) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(cfg.ServerKey) == "" {
		return nil, ErrPushDisabled
	}
	bot := &tgbotapi.BotAPI{
		Token:  cfg.ServerKey,
		Debug:  cfg.Debug,
		Buffer: 100,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
	bot.SetAPIEndpoint(tgbotapi.APIEndpoint)
	return bot, nil
}

// TelegramSink pushes notifications to the configured chats.
type TelegramSink struct {
	bot     domain.TelegramSender
	chatIDs []int64
	logger  *zerolog.Logger
}

func NewTelegramSink(bot domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *TelegramSink {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramSink{bot: bot, chatIDs: chatIDs, logger: logger}
}

func (s *TelegramSink) Name() string { return "telegram" }

// Register checks the push key against Telegram.
func (s *TelegramSink) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	me, err := s.bot.GetMe()
	if err != nil {
		return fmt.Errorf("register push sink: %w", err)
	}
	s.logger.Info().Str("bot", me.UserName).Int("chats", len(s.chatIDs)).Msg("push sink registered")
	return nil
}

func (s *TelegramSink) Send(ctx context.Context, n Notification) error {
	text := n.Title
	if n.Body != "" {
		text = fmt.Sprintf("%s\n%s", n.Title, n.Body)
	}

	var errs []error
	for _, chatID := range s.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableNotification = n.Kind == KindSyncCompleted
		if _, err := s.bot.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

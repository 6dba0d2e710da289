// Package notify delivers trade alerts to humans.
package notify

import (
	"errors"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"tracking-core/pkg/logger"
)

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

type chattableSender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram posts alerts to one chat.
type Telegram struct {
	bot    chattableSender
	chatID int64
}

// NewTelegram connects a bot; it fails when the token is rejected.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram token and chat id are required")
	}
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Send(msg string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen-3] + "..."
	}
	_, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg))
	return err
}

func (t *Telegram) Sendf(format string, args ...any) error {
	return t.Send(fmt.Sprintf(format, args...))
}

// Log writes alerts to the structured log.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: logger.OrNop(log).Named("alerts")} }

func (l *Log) Send(msg string) error {
	l.log.Info(msg)
	return nil
}

// Sink is the common alert delivery contract.
type Sink interface {
	Send(msg string) error
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(msg string) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package notify

import (
	"errors"
	"strings"
	"testing"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	sent []tgbot.MessageConfig
	err  error
}

func (f *fakeBot) Send(c tgbot.Chattable) (tgbot.Message, error) {
	if msg, ok := c.(tgbot.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbot.Message{}, f.err
}

func TestTelegramSendTruncates(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 42}

	if err := tg.Sendf("closed %s", "BTCUSDT"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tg.Send(strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("send long: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("sent=%d, expected 2", len(bot.sent))
	}
	if bot.sent[0].ChatID != 42 || bot.sent[0].Text != "closed BTCUSDT" {
		t.Fatalf("first=%+v", bot.sent[0])
	}
	if n := len(bot.sent[1].Text); n != maxMessageLen {
		t.Fatalf("long message length=%d, expected %d", n, maxMessageLen)
	}

	var nilBot *Telegram
	if err := nilBot.Send("x"); err != nil {
		t.Fatalf("nil telegram should be a no-op, got %v", err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	bad := &Telegram{bot: &fakeBot{err: errors.New("blocked")}, chatID: 1}
	good := &fakeBot{}
	m := Multi{NewLog(nil), bad, &Telegram{bot: good, chatID: 2}}

	err := m.Send("hello")
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Fatalf("err=%v, expected joined error", err)
	}
	if len(good.sent) != 1 {
		t.Fatal("a failing sink must not stop delivery to the others")
	}
	if _, err := NewTelegram("", 0); err == nil {
		t.Fatal("expected error without token")
	}
}

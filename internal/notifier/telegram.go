package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatIDs  []int64
	ThreadID int
}

// Telegram sends alerts to a fixed set of chats. The bot is created on the
// first send so a launcher without network still starts.
type Telegram struct {
	cfg TelegramConfig

	mu  sync.Mutex
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat_ids is empty")
	}
	cfg.ChatIDs = append([]int64(nil), cfg.ChatIDs...)
	return &Telegram{cfg: cfg}, nil
}

func (t *Telegram) client() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  t.cfg.Token,
		Client: &http.Client{Timeout: sendTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	t.bot = b
	return b, nil
}

// Send delivers text to every chat and joins the per-chat errors.
func (t *Telegram) Send(ctx context.Context, text string) error {
	b, err := t.client()
	if err != nil {
		return err
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.cfg.ThreadID}
	var errs []error
	for _, id := range t.cfg.ChatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := b.Send(&tele.Chat{ID: id}, text, opt); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

var _ Sender = (*Telegram)(nil)

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	tele "gopkg.in/telebot.v4"

	"cronix/internal/model"
)

// chatRef addresses a chat by numeric ID or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

// telegramChannel sends through the Bot API. Bots are created offline (no
// getMe round trip) and cached per token.
type telegramChannel struct {
	client *http.Client
	apiURL string // empty means the public Bot API

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func newTelegramChannel(client *http.Client) *telegramChannel {
	return &telegramChannel{client: client, bots: map[string]*tele.Bot{}}
}

func (c *telegramChannel) bot(token string) (*tele.Bot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     c.apiURL,
		Token:   token,
		Client:  c.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	c.bots[token] = b
	return b, nil
}

func (c *telegramChannel) Send(ctx context.Context, target model.NotifyTarget, text string) error {
	var cfg model.TelegramConfig
	if err := json.Unmarshal(target.Config, &cfg); err != nil {
		return fmt.Errorf("telegram config: %w", err)
	}
	token := strings.TrimSpace(cfg.BotToken)
	chat := strings.TrimSpace(cfg.ChatID)
	if token == "" || chat == "" {
		return fmt.Errorf("telegram config: bot_token and chat_id are required")
	}
	b, err := c.bot(token)
	if err != nil {
		return err
	}

	// telebot has no per-call context; run the send and give up when ctx ends.
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Send(chatRef(chat), text, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		})
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return &DeliveryError{Type: model.TargetTelegram, Body: err.Error()}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

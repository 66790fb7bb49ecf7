package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TargetType names a notification transport.
type TargetType string

const (
	TargetWebhook  TargetType = "webhook"
	TargetTelegram TargetType = "telegram"
	TargetDingTalk TargetType = "dingtalk"
)

// NotifyTarget is a configured destination for execution reports.
type NotifyTarget struct {
	ID        int64           `json:"id"`
	Type      TargetType      `json:"notify_type"`
	Name      string          `json:"name,omitempty"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WebhookConfig, TelegramConfig and DingTalkConfig are the per-type config shapes.
type WebhookConfig struct {
	URL string `json:"url"`
}

type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type DingTalkConfig struct {
	WebhookURL string `json:"webhook_url"`
	Secret     string `json:"secret"`
}

// Validate checks that Config carries the keys its transport needs.
func (t NotifyTarget) Validate() error {
	if len(t.Config) == 0 {
		return &FieldError{Field: "config", Reason: "required"}
	}
	switch t.Type {
	case TargetWebhook:
		var c WebhookConfig
		if err := json.Unmarshal(t.Config, &c); err != nil {
			return &FieldError{Field: "config", Reason: err.Error()}
		}
		if strings.TrimSpace(c.URL) == "" {
			return &FieldError{Field: "config.url", Reason: "webhook requires url"}
		}
	case TargetTelegram:
		var c TelegramConfig
		if err := json.Unmarshal(t.Config, &c); err != nil {
			return &FieldError{Field: "config", Reason: err.Error()}
		}
		if strings.TrimSpace(c.BotToken) == "" || strings.TrimSpace(c.ChatID) == "" {
			return &FieldError{Field: "config", Reason: "telegram requires bot_token and chat_id"}
		}
	case TargetDingTalk:
		var c DingTalkConfig
		if err := json.Unmarshal(t.Config, &c); err != nil {
			return &FieldError{Field: "config", Reason: err.Error()}
		}
		if strings.TrimSpace(c.WebhookURL) == "" || strings.TrimSpace(c.Secret) == "" {
			return &FieldError{Field: "config", Reason: "dingtalk requires webhook_url and secret"}
		}
	default:
		return &FieldError{Field: "notify_type", Reason: fmt.Sprintf("unknown type %q", t.Type)}
	}
	return nil
}

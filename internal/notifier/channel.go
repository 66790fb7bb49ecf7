package notifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cronix/internal/model"
)

// Channel delivers one message to one target of its type.
type Channel interface {
	Send(ctx context.Context, target model.NotifyTarget, text string) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, target model.NotifyTarget, text string) error

func (f ChannelFunc) Send(ctx context.Context, target model.NotifyTarget, text string) error {
	return f(ctx, target, text)
}

// DeliveryError is returned when a transport answers with a failure.
type DeliveryError struct {
	Type   model.TargetType
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s delivery failed: http %d: %s", e.Type, e.Status, e.Body)
	}
	return fmt.Sprintf("%s delivery failed: %s", e.Type, e.Body)
}

func defaultChannels(client *http.Client) map[model.TargetType]Channel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return map[model.TargetType]Channel{
		model.TargetWebhook:  &webhookChannel{client: client},
		model.TargetDingTalk: &dingTalkChannel{client: client, now: time.Now},
		model.TargetTelegram: newTelegramChannel(client),
	}
}

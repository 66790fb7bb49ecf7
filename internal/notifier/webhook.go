package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cronix/internal/model"
)

// webhookChannel POSTs {"message": text} to the configured URL.
type webhookChannel struct {
	client *http.Client
}

func (c *webhookChannel) Send(ctx context.Context, target model.NotifyTarget, text string) error {
	var cfg model.WebhookConfig
	if err := json.Unmarshal(target.Config, &cfg); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("webhook config: url is required")
	}
	body, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return err
	}
	_, err = postJSON(ctx, c.client, model.TargetWebhook, cfg.URL, body)
	return err
}

// postJSON sends body and returns the response payload; non-2xx is a DeliveryError.
func postJSON(ctx context.Context, client *http.Client, typ model.TargetType, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return payload, &DeliveryError{Type: typ, Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(payload)), 200)}
	}
	return payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

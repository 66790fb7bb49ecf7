package notifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cronix/internal/model"
)

// dingTalkChannel posts a text message to a signed DingTalk robot webhook.
type dingTalkChannel struct {
	client *http.Client
	now    func() time.Time
}

type dingTalkMessage struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

func (c *dingTalkChannel) Send(ctx context.Context, target model.NotifyTarget, text string) error {
	var cfg model.DingTalkConfig
	if err := json.Unmarshal(target.Config, &cfg); err != nil {
		return fmt.Errorf("dingtalk config: %w", err)
	}
	if cfg.WebhookURL == "" || cfg.Secret == "" {
		return fmt.Errorf("dingtalk config: webhook_url and secret are required")
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	endpoint := signedDingTalkURL(cfg.WebhookURL, ts, dingTalkSign(ts, cfg.Secret))

	msg := dingTalkMessage{MsgType: "text"}
	msg.Text.Content = text
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload, err := postJSON(ctx, c.client, model.TargetDingTalk, endpoint, body)
	if err != nil {
		return err
	}

	// The robot API answers 200 with an errcode for rejected messages.
	var res struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if json.Unmarshal(payload, &res) == nil && res.ErrCode != 0 {
		return &DeliveryError{Type: model.TargetDingTalk, Body: fmt.Sprintf("errcode %d: %s", res.ErrCode, res.ErrMsg)}
	}
	return nil
}

// dingTalkSign is base64(HMAC-SHA256(secret, timestamp + "\n" + secret)).
func dingTalkSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func signedDingTalkURL(webhook, timestamp, sign string) string {
	sep := "&"
	if !strings.Contains(webhook, "?") {
		sep = "?"
	}
	return webhook + sep + "timestamp=" + timestamp + "&sign=" + url.QueryEscape(sign)
}

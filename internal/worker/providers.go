package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Provider interface {
	Send(ctx context.Context, message, recipient string) error
}

// NewProvider resolves a provider name: log (default), noop, fail, webhook
// (URL from NOTIF_<CHANNEL>_WEBHOOK_URL) or a literal http(s) URL.
func NewProvider(kind, channel string, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch kind {
	case "", "stub", "log":
		return logProvider{channel: channel, logger: logger}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		url := os.Getenv("NOTIF_" + strings.ToUpper(channel) + "_WEBHOOK_URL")
		token := os.Getenv("NOTIF_" + strings.ToUpper(channel) + "_WEBHOOK_TOKEN")
		if url == "" {
			return logProvider{channel: channel, logger: logger}
		}
		return newWebhookProvider(channel, url, token)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookProvider(channel, kind, "")
		}
		return logProvider{channel: channel, logger: logger}
	}
}

type logProvider struct {
	channel string
	logger  *zap.Logger
}

func (p logProvider) Send(ctx context.Context, message, recipient string) error {
	p.logger.Info("notification sent", zap.String("channel", p.channel), zap.String("recipient", recipient), zap.String("message", message))
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, message, recipient string) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, message, recipient string) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	channel string
	url     string
	token   string
	client  *http.Client
}

func newWebhookProvider(channel, url, token string) webhookProvider {
	return webhookProvider{channel: channel, url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p webhookProvider) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   p.channel,
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: %s", resp.Status)
	}
	return nil
}

// Package gateway holds the messaging-platform client used for fallback
// replies. Only sendMessage is needed; everything else the platform offers
// belongs to the bot workloads themselves.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the public Telegram Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Sender delivers a plain-text message to a chat on behalf of a bot.
type Sender interface {
	SendMessage(ctx context.Context, credential string, chatID int64, text string) error
}

// Telegram implements Sender against the Telegram Bot API.
type Telegram struct {
	client *resty.Client
}

// NewTelegram creates a client for the given API base URL; pass "" for the
// public endpoint. Tests point this at an httptest server.
func NewTelegram(baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)
	return &Telegram{client: client}
}

// apiResponse is the envelope every Bot API call returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage posts text to chatID as the bot identified by credential.
func (t *Telegram) SendMessage(ctx context.Context, credential string, chatID int64, text string) error {
	var result apiResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"chat_id": chatID, "text": text}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", credential))
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	if resp.IsError() || !result.OK {
		desc := result.Description
		if desc == "" {
			desc = resp.Status()
		}
		return fmt.Errorf("sendMessage rejected: %s", desc)
	}
	return nil
}

// Package router delivers inbound platform updates to running bot instances.
//
// Updates arrive at the control plane's HTTP server:
//
//	POST /webhook/{bot}
//
// The router looks up the bot's persisted runtime record, rate-limits per
// bot, and forwards the raw payload to the instance's ingress endpoint:
//
//	POST {bot.ingress_url}/webhook
//
// The hot path is deliberately lock-free with respect to the lifecycle
// orchestrator: it reads the state store and never takes a per-bot lifecycle
// lock, so a slow start or stop cannot stall update delivery for other bots.
// Routing never returns an error to the platform either; failures are
// swallowed into the Outcome and the bot's event trail so the platform does
// not retry-storm the control plane.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmarkov/botsmith/internal/botsmith/gateway"
	"github.com/tmarkov/botsmith/internal/botsmith/store"
)

// DefaultRateLimit is the maximum number of updates per bot per minute when
// no explicit limit is configured.
const DefaultRateLimit = 300

// maxPayloadBytes caps inbound update payloads. Telegram updates are small;
// anything near this size is not a legitimate update.
const maxPayloadBytes = 1 * 1024 * 1024

// forwardTimeout bounds a single delivery to a bot instance. The platform
// expects a fast acknowledgement, so there is no point waiting longer.
const forwardTimeout = 5 * time.Second

// Reasons an update was not delivered. An unknown bot reports not_running:
// the platform-facing contract does not distinguish a bot that was never
// registered from one that is merely down.
const (
	ReasonNotRunning         = "not_running"
	ReasonRateLimited        = "rate_limited"
	ReasonBackendUnreachable = "backend_unreachable"
	ReasonPayloadTooLarge    = "payload_too_large"
)

// Outcome reports what happened to one update. Reason is empty when the
// update was delivered.
type Outcome struct {
	Delivered bool
	Reason    string
}

// botGetter is the minimal interface the Router needs from the Store.
type botGetter interface {
	GetBot(ctx context.Context, id string) (*store.Bot, error)
	AppendBotEvents(ctx context.Context, botID string, lines ...string) error
}

// Router forwards updates to bot instances and falls back to a direct
// platform reply when the target bot is not running.
type Router struct {
	store      botGetter
	sender     gateway.Sender
	limiter    *rateLimiter
	httpClient *http.Client
}

// Config holds options for creating a Router.
type Config struct {
	// RateLimit is the maximum number of updates allowed per bot per
	// minute. Defaults to DefaultRateLimit when zero or negative.
	RateLimit int
	// Sender delivers fallback replies; nil disables fallbacks.
	Sender gateway.Sender
}

// New creates a Router.
func New(st botGetter, cfg Config) *Router {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &Router{
		store:   st,
		sender:  cfg.Sender,
		limiter: newRateLimiter(limit, time.Minute),
		httpClient: &http.Client{
			Timeout: forwardTimeout,
		},
	}
}

// HandleUpdate routes one raw update payload to the bot's instance. It never
// returns an error; every failure mode is an Outcome with a reason.
func (r *Router) HandleUpdate(ctx context.Context, botID string, payload []byte) Outcome {
	if len(payload) > maxPayloadBytes {
		slog.Warn("webhook: payload too large", "bot", botID, "bytes", len(payload))
		return Outcome{Reason: ReasonPayloadTooLarge}
	}

	bot, err := r.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("webhook: update for unknown bot", "bot", botID)
			return Outcome{Reason: ReasonNotRunning}
		}
		slog.Error("webhook: bot lookup failed", "bot", botID, "err", err)
		return Outcome{Reason: ReasonNotRunning}
	}

	if !r.limiter.Allow(botID) {
		slog.Warn("webhook: rate limit exceeded", "bot", botID)
		return Outcome{Reason: ReasonRateLimited}
	}

	if bot.RuntimeStatus != store.StatusRunning || !bot.IngressURL.Valid {
		r.fallback(ctx, bot, payload)
		r.recordEvent(ctx, botID, "webhook: update dropped, bot not running")
		return Outcome{Reason: ReasonNotRunning}
	}

	if err := r.forward(ctx, bot.IngressURL.String, payload); err != nil {
		slog.Warn("webhook: delivery to instance failed",
			"bot", botID, "ingress", bot.IngressURL.String, "err", err)
		r.fallback(ctx, bot, payload)
		r.recordEvent(ctx, botID, fmt.Sprintf("webhook: delivery failed: %v", err))
		return Outcome{Reason: ReasonBackendUnreachable}
	}

	return Outcome{Delivered: true}
}

// forward posts the raw payload to the instance's webhook endpoint.
func (r *Router) forward(ctx context.Context, ingressURL string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ingressURL+"/webhook", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forward update: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("instance responded %s", resp.Status)
	}
	return nil
}

// fallback sends a direct "not available" reply to the chat the update came
// from, so the end user is not met with silence. Best-effort: a missing chat
// ID or an unreachable platform just drops the reply.
func (r *Router) fallback(ctx context.Context, bot *store.Bot, payload []byte) {
	if r.sender == nil {
		return
	}
	chatID, ok := chatIDFromUpdate(payload)
	if !ok {
		return
	}
	if err := r.sender.SendMessage(ctx, bot.Credential, chatID,
		"This bot is currently unavailable. Please try again later."); err != nil {
		slog.Debug("webhook: fallback reply failed", "bot", bot.ID, "err", err)
	}
}

func (r *Router) recordEvent(ctx context.Context, botID, line string) {
	if err := r.store.AppendBotEvents(ctx, botID, line); err != nil {
		slog.Debug("webhook: event append failed", "bot", botID, "err", err)
	}
}

// chatIDFromUpdate extracts message.chat.id from a raw Telegram update.
func chatIDFromUpdate(payload []byte) (int64, bool) {
	var update struct {
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	}
	if err := json.Unmarshal(payload, &update); err != nil {
		return 0, false
	}
	if update.Message.Chat.ID == 0 {
		return 0, false
	}
	return update.Message.Chat.ID, true
}

// Package alerts pushes operator notifications. Partial hedges are the one
// condition that must reach a human: the engine halts the asset and waits.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"krw-contango-bot/internal/config"
	"krw-contango-bot/internal/hedge"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Alerter is what the engine depends on; Telegram is the one implementation.
type Alerter interface {
	Send(ctx context.Context, message string) error
}

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}

// PartialHedgeMessage names the exposed leg so the operator can reconcile
// it on the venue before resolving the tranche.
func PartialHedgeMessage(t hedge.Tranche) string {
	switch t.State {
	case hedge.TrancheOpenFuturesOnly:
		return fmt.Sprintf("PARTIAL HEDGE %s tranche %d: short %.6f on %s is unhedged (spot buy on %s failed). Asset halted until resolved.",
			t.Asset, t.ID, t.Qty, t.FuturesVenue, t.SpotVenue)
	case hedge.TrancheCloseSpotOnly:
		return fmt.Sprintf("PARTIAL HEDGE %s tranche %d: spot sold on %s but short %.6f on %s is still open. Asset halted until resolved.",
			t.Asset, t.ID, t.SpotVenue, t.Qty, t.FuturesVenue)
	default:
		return fmt.Sprintf("PARTIAL HEDGE %s tranche %d in state %s. Asset halted until resolved.", t.Asset, t.ID, t.State)
	}
}

func HaltedOnStartMessage(asset string, faulted int) string {
	return fmt.Sprintf("ASSET HALTED on restart: %s has %d unresolved faulted tranche(s). No automatic action will run.", asset, faulted)
}

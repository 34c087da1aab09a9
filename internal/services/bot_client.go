package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
)

const notifyPath = "/internal/notify"

// BotClient delivers operator notifications through the bot service, which
// owns the Telegram session.
type BotClient struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewBotClient(baseURL string, log *zap.Logger) *BotClient {
	return &BotClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

type notifyRequest struct {
	TelegramUserID int64  `json:"telegram_user_id"`
	Text           string `json:"text"`
}

// SendNotification delivers text to one Telegram user. Transport failures and
// 5xx answers are external dependency errors; any other non-2xx answer means
// the request itself was refused.
func (c *BotClient) SendNotification(ctx context.Context, telegramUserID int64, text string) error {
	if telegramUserID == 0 || text == "" {
		return apperr.Validation("notification needs a recipient and text")
	}
	body, err := json.Marshal(notifyRequest{TelegramUserID: telegramUserID, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+notifyPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.ExternalDependency(err, "bot service unavailable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusInternalServerError {
		return apperr.ExternalDependency(nil, "bot service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	c.log.Warn("bot service refused notification",
		zap.Int64("telegram_user_id", telegramUserID),
		zap.Int("status", resp.StatusCode),
	)
	return apperr.Validation("bot service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

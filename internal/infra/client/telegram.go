package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TelegramClient posts approval requests to the managers' chat through the Bot API.
type TelegramClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	chatID     string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewTelegramClient creates a client. ratePerSec caps outbound messages; the
// Bot API rejects bursts to a single chat.
func NewTelegramClient(httpClient *http.Client, baseURL, token, chatID string, ratePerSec float64, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *TelegramClient {
	return &TelegramClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		chatID:     chatID,
		cb:         cb,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:     logger,
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode,omitempty"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type sendDocumentRequest struct {
	ChatID   string `json:"chat_id"`
	Document string `json:"document"`
	Caption  string `json:"caption,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// SendText posts a plain message.
func (c *TelegramClient) SendText(ctx context.Context, body string) error {
	ctx, span := tracer.Start(ctx, "TelegramClient.SendText")
	defer span.End()

	return c.post(ctx, "sendMessage", sendMessageRequest{ChatID: c.chatID, Text: body, ParseMode: "HTML"})
}

// SendDocument posts a file by URL with an optional caption.
func (c *TelegramClient) SendDocument(ctx context.Context, url, caption string) error {
	ctx, span := tracer.Start(ctx, "TelegramClient.SendDocument")
	defer span.End()

	return c.post(ctx, "sendDocument", sendDocumentRequest{ChatID: c.chatID, Document: url, Caption: caption})
}

// SendApprovalRequest posts body with approve/reject buttons whose callback
// data is "<action>:<project_id>:<gate>".
func (c *TelegramClient) SendApprovalRequest(ctx context.Context, body, projectID string, gate domain.GateKind) error {
	ctx, span := tracer.Start(ctx, "TelegramClient.SendApprovalRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("gate", string(gate)),
	)

	markup := &replyMarkup{InlineKeyboard: [][]inlineButton{{
		{Text: "Approve", CallbackData: fmt.Sprintf("approve:%s:%s", projectID, gate)},
		{Text: "Reject", CallbackData: fmt.Sprintf("reject:%s:%s", projectID, gate)},
	}}}
	return c.post(ctx, "sendMessage", sendMessageRequest{
		ChatID:      c.chatID,
		Text:        body,
		ParseMode:   "HTML",
		ReplyMarkup: markup,
	})
}

func (c *TelegramClient) post(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)

	err = resilience.Call(ctx, c.cb, c.cfg, "telegram", func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return resilience.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var tr telegramResponse
		_ = json.NewDecoder(resp.Body).Decode(&tr)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("telegram %s returned status %d: %s", method, resp.StatusCode, tr.Description)
		case resp.StatusCode != http.StatusOK || !tr.OK:
			return resilience.Permanent(fmt.Errorf("telegram %s returned status %d: %s", method, resp.StatusCode, tr.Description))
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("telegram: send failed", zap.String("method", method), zap.Error(err))
		return &domain.ErrExternalService{Service: "telegram", Err: err}
	}

	c.logger.Debug("telegram: sent", zap.String("method", method))
	return nil
}

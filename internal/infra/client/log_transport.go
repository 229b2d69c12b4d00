package client

import (
	"context"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"go.uber.org/zap"
)

// LogTransport writes manager notifications to the log instead of a chat.
// Used when no bot token is configured.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a transport that only logs.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger.Named("notify")}
}

func (t *LogTransport) SendText(_ context.Context, body string) error {
	t.logger.Info("manager message", zap.String("body", body))
	return nil
}

func (t *LogTransport) SendDocument(_ context.Context, url, caption string) error {
	t.logger.Info("manager document", zap.String("url", url), zap.String("caption", caption))
	return nil
}

func (t *LogTransport) SendApprovalRequest(_ context.Context, body, projectID string, gate domain.GateKind) error {
	t.logger.Info("approval request",
		zap.String("project_id", projectID),
		zap.String("gate", string(gate)),
		zap.String("body", body),
	)
	return nil
}

package supabase

import (
	"context"
	"fmt"
	"net/url"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Project status history: append-only ledger
// ============================================================

func (c *Client) AppendHistory(ctx context.Context, h *domain.ProjectStatusHistory) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = c.now()
	}
	row := map[string]any{
		"id":              h.ID,
		"project_id":      h.ProjectID,
		"status":          h.Status,
		"previous_status": h.PreviousStatus,
		"step":            h.Step,
		"changed_by":      h.ChangedBy,
		"comment":         h.Comment,
		"created_at":      h.CreatedAt,
	}

	return c.call(ctx, "AppendHistory", []attribute.KeyValue{
		attribute.String("project.id", h.ProjectID),
		attribute.String("status", string(h.Status)),
	}, func(ctx context.Context) error {
		_, err := c.doPost(ctx, "project_status_history", row)
		return err
	})
}

func (c *Client) ListHistory(ctx context.Context, projectID string) ([]domain.ProjectStatusHistory, error) {
	var history []domain.ProjectStatusHistory
	err := c.call(ctx, "ListHistory", []attribute.KeyValue{attribute.String("project.id", projectID)}, func(ctx context.Context) error {
		body, err := c.doGet(ctx, fmt.Sprintf("project_status_history?project_id=eq.%s&order=created_at.asc", url.QueryEscape(projectID)))
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.ProjectStatusHistory](body, "project_status_history")
		if err != nil {
			return err
		}
		history = rows
		return nil
	})
	if history == nil && err == nil {
		history = []domain.ProjectStatusHistory{}
	}
	return history, err
}

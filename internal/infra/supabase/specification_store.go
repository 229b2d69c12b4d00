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
// Specification items store: list, bulk insert, full-row update, delete
// ============================================================

func (c *Client) ListItems(ctx context.Context, projectID string, role domain.Role) ([]domain.SpecificationItem, error) {
	var items []domain.SpecificationItem
	err := c.call(ctx, "ListItems", []attribute.KeyValue{
		attribute.String("project.id", projectID),
		attribute.String("role", string(role)),
	}, func(ctx context.Context) error {
		path := fmt.Sprintf("specification_items?project_id=eq.%s&role=eq.%s&order=created_at.asc,id.asc",
			url.QueryEscape(projectID), url.QueryEscape(string(role)))
		body, err := c.doGet(ctx, path)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.SpecificationItem](body, "specification_items")
		if err != nil {
			return err
		}
		items = rows
		return nil
	})
	if items == nil && err == nil {
		items = []domain.SpecificationItem{}
	}
	return items, err
}

func itemRow(it domain.SpecificationItem) map[string]any {
	return map[string]any{
		"id":         it.ID,
		"project_id": it.ProjectID,
		"role":       it.Role,
		"item_name":  it.ItemName,
		"item_code":  it.ItemCode,
		"image_url":  it.ImageURL,
		"quantity":   it.Quantity,
		"unit":       it.Unit,
		"price":      it.Price,
		"total":      it.Total,
		"currency":   it.Currency,
		"created_at": it.CreatedAt,
	}
}

// InsertItems sends every row in one POST so a bulk insert is a single store call.
func (c *Client) InsertItems(ctx context.Context, items []domain.SpecificationItem) ([]domain.SpecificationItem, error) {
	if len(items) == 0 {
		return []domain.SpecificationItem{}, nil
	}

	now := c.now()
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		rows = append(rows, itemRow(it))
	}

	var inserted []domain.SpecificationItem
	err := c.call(ctx, "InsertItems", []attribute.KeyValue{
		attribute.String("project.id", items[0].ProjectID),
		attribute.Int("rows", len(items)),
	}, func(ctx context.Context) error {
		body, err := c.doPost(ctx, "specification_items", rows)
		if err != nil {
			return err
		}
		out, err := decodeRows[domain.SpecificationItem](body, "specification_items")
		if err != nil {
			return err
		}
		if len(out) != len(rows) {
			return fmt.Errorf("specification_items insert returned %d rows, want %d", len(out), len(rows))
		}
		inserted = out
		return nil
	})
	return inserted, err
}

func (c *Client) UpdateItem(ctx context.Context, item domain.SpecificationItem) error {
	row := itemRow(item)
	delete(row, "id")
	delete(row, "created_at")

	return c.call(ctx, "UpdateItem", []attribute.KeyValue{attribute.String("item.id", item.ID)}, func(ctx context.Context) error {
		return c.doPatch(ctx, fmt.Sprintf("specification_items?id=eq.%s", url.QueryEscape(item.ID)), row)
	})
}

func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	return c.call(ctx, "DeleteItem", []attribute.KeyValue{attribute.String("item.id", itemID)}, func(ctx context.Context) error {
		return c.doDelete(ctx, fmt.Sprintf("specification_items?id=eq.%s", url.QueryEscape(itemID)))
	})
}

package supabase

import (
	"context"
	"fmt"
	"net/url"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Hydration sources: templates, carts, suppliers
// ============================================================

// getOne fetches a single row of table by id.
func getOne[T any](ctx context.Context, c *Client, op, table, resource, id string) (*T, error) {
	var out *T
	err := c.call(ctx, op, []attribute.KeyValue{attribute.String(resource+".id", id)}, func(ctx context.Context) error {
		body, err := c.doGet(ctx, fmt.Sprintf("%s?id=eq.%s&limit=1", table, url.QueryEscape(id)))
		if err != nil {
			return err
		}
		rows, err := decodeRows[T](body, table)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: resource, ID: id}
		}
		out = &rows[0]
		return nil
	})
	return out, err
}

func (c *Client) GetTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	return getOne[domain.Template](ctx, c, "GetTemplate", "project_templates", "template", templateID)
}

func (c *Client) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return getOne[domain.Cart](ctx, c, "GetCart", "carts", "cart", cartID)
}

func (c *Client) GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error) {
	return getOne[domain.Supplier](ctx, c, "GetSupplier", "suppliers", "supplier", supplierID)
}

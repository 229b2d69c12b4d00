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
// Projects store: get, status read, create, partial update
// ============================================================

func (c *Client) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var project *domain.Project
	err := c.call(ctx, "GetProject", []attribute.KeyValue{attribute.String("project.id", projectID)}, func(ctx context.Context) error {
		body, err := c.doGet(ctx, fmt.Sprintf("projects?id=eq.%s&limit=1", url.QueryEscape(projectID)))
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Project](body, "project")
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "project", ID: projectID}
		}
		project = &rows[0]
		return nil
	})
	return project, err
}

type statusRow struct {
	Status domain.Status `json:"status"`
}

func (c *Client) GetProjectStatus(ctx context.Context, projectID string) (domain.Status, error) {
	var status domain.Status
	err := c.call(ctx, "GetProjectStatus", []attribute.KeyValue{attribute.String("project.id", projectID)}, func(ctx context.Context) error {
		body, err := c.doGet(ctx, fmt.Sprintf("projects?id=eq.%s&select=status&limit=1", url.QueryEscape(projectID)))
		if err != nil {
			return err
		}
		rows, err := decodeRows[statusRow](body, "project status")
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "project", ID: projectID}
		}
		status = rows[0].Status
		return nil
	})
	return status, err
}

func (c *Client) CreateProject(ctx context.Context, p *domain.Project) (*domain.Project, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := c.now()
	row := map[string]any{
		"id":               p.ID,
		"user_id":          p.UserID,
		"status":           p.Status,
		"current_step":     p.CurrentStep,
		"max_step_reached": p.MaxStepReached,
		"company_data":     p.CompanyData,
		"supplier_data":    p.SupplierData,
		"payment_method":   p.PaymentMethod,
		"amount":           p.Amount,
		"currency":         p.Currency,
		"receipts":         p.Receipts,
		"created_at":       now,
		"updated_at":       now,
	}
	if p.SpecificationID != "" {
		row["specification_id"] = p.SpecificationID
	}
	if p.TemplateID != "" {
		row["template_id"] = p.TemplateID
	}

	var created *domain.Project
	err := c.call(ctx, "CreateProject", []attribute.KeyValue{attribute.String("project.id", p.ID)}, func(ctx context.Context) error {
		body, err := c.doPost(ctx, "projects", row)
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.Project](body, "project")
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("no result returned from projects insert")
		}
		created = &rows[0]
		return nil
	})
	return created, err
}

func (c *Client) UpdateProject(ctx context.Context, projectID string, updates map[string]any) error {
	patch := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		patch[k] = v
	}
	patch["updated_at"] = c.now()

	return c.call(ctx, "UpdateProject", []attribute.KeyValue{
		attribute.String("project.id", projectID),
		attribute.Int("fields", len(updates)),
	}, func(ctx context.Context) error {
		return c.doPatch(ctx, fmt.Sprintf("projects?id=eq.%s", url.QueryEscape(projectID)), patch)
	})
}

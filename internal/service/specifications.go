package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var specTracer = otel.Tracer("service/specifications")

var errNoRowsReturned = errors.New("store returned no rows")

// Specifications is CRUD over the line items of one (project, role) set.
// Every row leaving this service has Total == Quantity*Price.
type Specifications struct {
	store   port.SpecificationStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewSpecifications creates the specification service.
func NewSpecifications(store port.SpecificationStore, metrics *observability.Metrics, logger *zap.Logger) *Specifications {
	return &Specifications{store: store, metrics: metrics, logger: logger}
}

// List returns the rows of a (project, role) set in creation order.
func (s *Specifications) List(ctx context.Context, projectID string, role domain.Role) ([]domain.SpecificationItem, error) {
	ctx, span := specTracer.Start(ctx, "Specifications.List")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID), attribute.String("role", string(role)))

	items, err := s.store.ListItems(ctx, projectID, role)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list_items", Err: err}
	}
	return items, nil
}

// InsertOne inserts a single row.
func (s *Specifications) InsertOne(ctx context.Context, item domain.SpecificationItem) (*domain.SpecificationItem, error) {
	rows, err := s.insert(ctx, "Specifications.InsertOne", []domain.SpecificationItem{item})
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// InsertMany inserts rows in a single store call and returns the id of the
// first inserted row as the batch id, used to backfill Project.SpecificationID.
func (s *Specifications) InsertMany(ctx context.Context, items []domain.SpecificationItem) (string, []domain.SpecificationItem, error) {
	if len(items) == 0 {
		return "", []domain.SpecificationItem{}, nil
	}
	rows, err := s.insert(ctx, "Specifications.InsertMany", items)
	if err != nil {
		return "", nil, err
	}
	return rows[0].ID, rows, nil
}

func (s *Specifications) insert(ctx context.Context, op string, items []domain.SpecificationItem) ([]domain.SpecificationItem, error) {
	ctx, span := specTracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Int("rows", len(items)))

	start := time.Now()
	defer func() { s.metrics.RecordDuration("specifications.insert", time.Since(start)) }()

	prepared := make([]domain.SpecificationItem, 0, len(items))
	for _, it := range items {
		it, err := normalizeItem(it)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, it)
	}

	rows, err := s.store.InsertItems(ctx, prepared)
	if err != nil {
		s.logger.Error("specification insert failed", zap.Int("rows", len(prepared)), zap.Error(err))
		return nil, &domain.ErrPersistence{Op: "insert_items", Err: err}
	}
	if len(rows) == 0 {
		return nil, &domain.ErrPersistence{Op: "insert_items", Err: errNoRowsReturned}
	}
	return rows, nil
}

// Update overwrites a full row. The total is recomputed from quantity and price.
func (s *Specifications) Update(ctx context.Context, item domain.SpecificationItem) (domain.SpecificationItem, error) {
	ctx, span := specTracer.Start(ctx, "Specifications.Update")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", item.ID))

	item, err := normalizeItem(item)
	if err != nil {
		return item, err
	}
	if item.ID == "" {
		return item, &domain.ErrValidation{Field: "id", Message: "is required"}
	}

	if err := s.store.UpdateItem(ctx, item); err != nil {
		s.logger.Error("specification update failed", zap.String("item_id", item.ID), zap.Error(err))
		return item, &domain.ErrPersistence{Op: "update_item", Err: err}
	}
	return item, nil
}

// Delete removes a row.
func (s *Specifications) Delete(ctx context.Context, itemID string) error {
	ctx, span := specTracer.Start(ctx, "Specifications.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	if err := s.store.DeleteItem(ctx, itemID); err != nil {
		s.logger.Error("specification delete failed", zap.String("item_id", itemID), zap.Error(err))
		return &domain.ErrPersistence{Op: "delete_item", Err: err}
	}
	return nil
}

// normalizeItem validates a row and fills explicit defaults.
func normalizeItem(it domain.SpecificationItem) (domain.SpecificationItem, error) {
	if it.ProjectID == "" {
		return it, &domain.ErrValidation{Field: "project_id", Message: "is required"}
	}
	if !it.Role.Valid() {
		return it, &domain.ErrValidation{Field: "role", Message: "must be client or supplier"}
	}
	if it.Quantity < 0 {
		return it, &domain.ErrValidation{Field: "quantity", Message: "must not be negative"}
	}
	if it.Price < 0 {
		return it, &domain.ErrValidation{Field: "price", Message: "must not be negative"}
	}
	it.ItemName = strings.TrimSpace(it.ItemName)
	if strings.TrimSpace(it.Unit) == "" {
		it.Unit = domain.DefaultUnit
	}
	return it.WithTotal(), nil
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/scope"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CommitOutcome describes what a blur did.
type CommitOutcome string

const (
	CommitUpdated   CommitOutcome = "updated"
	CommitUnchanged CommitOutcome = "unchanged"
)

// EditBuffer holds unsaved keystroke edits for one (project, role)
// specification and commits a row only when it loses focus.
type EditBuffer struct {
	projectID string
	role      domain.Role
	specs     *Specifications
	scope     *scope.Scope
	debounce  time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu         sync.Mutex
	rows       []domain.SpecificationItem // authoritative, store order
	shape      []string
	overlay    map[string]domain.ItemPatch
	versions   map[string]uint64
	debouncers map[string]*scope.Debouncer
	onChange   func([]domain.SpecificationItem)

	flights singleflight.Group
}

// NewEditBuffer creates an empty buffer. A positive debounce also commits a
// row after that long without keystrokes; zero commits on blur only.
func NewEditBuffer(sc *scope.Scope, specs *Specifications, projectID string, role domain.Role, debounce time.Duration, metrics *observability.Metrics, logger *zap.Logger) *EditBuffer {
	return &EditBuffer{
		projectID:  projectID,
		role:       role,
		specs:      specs,
		scope:      sc,
		debounce:   debounce,
		metrics:    metrics,
		logger:     logger.With(zap.String("role", string(role))),
		overlay:    make(map[string]domain.ItemPatch),
		versions:   make(map[string]uint64),
		debouncers: make(map[string]*scope.Debouncer),
	}
}

// OnChange registers a callback receiving the merged rows after every change.
func (b *EditBuffer) OnChange(fn func([]domain.SpecificationItem)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Role returns the role owning this specification.
func (b *EditBuffer) Role() domain.Role { return b.role }

// Load fetches the authoritative rows.
func (b *EditBuffer) Load(ctx context.Context) error {
	rows, err := b.specs.List(ctx, b.projectID, b.role)
	if err != nil {
		return err
	}
	b.setAuthoritative(rows)
	return nil
}

// Seed installs rows already fetched elsewhere, such as by hydration.
func (b *EditBuffer) Seed(rows []domain.SpecificationItem) {
	b.setAuthoritative(rows)
}

// Rows returns the authoritative rows with pending edits applied.
// Totals are recomputed from the merged quantity and price.
func (b *EditBuffer) Rows() []domain.SpecificationItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mergedLocked()
}

// Authoritative returns the last rows read from the store.
func (b *EditBuffer) Authoritative() []domain.SpecificationItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.SpecificationItem, len(b.rows))
	copy(out, b.rows)
	return out
}

// Dirty reports whether any row has pending edits.
func (b *EditBuffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.overlay) > 0
}

func (b *EditBuffer) mergedLocked() []domain.SpecificationItem {
	out := make([]domain.SpecificationItem, 0, len(b.rows))
	for _, row := range b.rows {
		if patch, ok := b.overlay[row.ID]; ok {
			out = append(out, patch.Apply(row))
			continue
		}
		out = append(out, row)
	}
	return out
}

func (b *EditBuffer) findLocked(id string) (domain.SpecificationItem, bool) {
	for _, row := range b.rows {
		if row.ID == id {
			return row, true
		}
	}
	return domain.SpecificationItem{}, false
}

// Edit records a keystroke-level change. Nothing is sent to the store.
func (b *EditBuffer) Edit(id string, patch domain.ItemPatch) (domain.SpecificationItem, error) {
	if patch.Quantity != nil && *patch.Quantity < 0 {
		return domain.SpecificationItem{}, &domain.ErrValidation{Field: "quantity", Message: "must not be negative"}
	}
	if patch.Price != nil && *patch.Price < 0 {
		return domain.SpecificationItem{}, &domain.ErrValidation{Field: "price", Message: "must not be negative"}
	}

	b.mu.Lock()
	row, ok := b.findLocked(id)
	if !ok {
		b.mu.Unlock()
		return domain.SpecificationItem{}, &domain.ErrNotFound{Resource: "specification_item", ID: id}
	}
	merged := b.overlay[id].Merge(patch)
	b.overlay[id] = merged
	b.versions[id]++
	view := merged.Apply(row)
	d := b.debouncerLocked(id)
	rows, notify := b.mergedLocked(), b.onChange
	b.mu.Unlock()

	if d != nil {
		d.Trigger()
	}
	if notify != nil {
		notify(rows)
	}
	return view, nil
}

func (b *EditBuffer) debouncerLocked(id string) *scope.Debouncer {
	if b.debounce <= 0 || b.scope == nil {
		return nil
	}
	d, ok := b.debouncers[id]
	if !ok {
		d = b.scope.NewDebouncer(b.debounce, func(ctx context.Context) {
			if _, err := b.Blur(ctx, id); err != nil {
				b.logger.Warn("debounced commit failed", zap.String("item_id", id), zap.Error(err))
			}
		})
		b.debouncers[id] = d
	}
	return d
}

// Blur commits a row's pending edits with one full-row update, refetches the
// set and clears that row's overlay. A Blur arriving while a commit for the
// same row is in flight shares its result.
func (b *EditBuffer) Blur(ctx context.Context, id string) (CommitOutcome, error) {
	v, err, _ := b.flights.Do(id, func() (any, error) {
		return b.commit(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(CommitOutcome), nil
}

func (b *EditBuffer) commit(ctx context.Context, id string) (CommitOutcome, error) {
	ctx, span := specTracer.Start(ctx, "EditBuffer.Commit")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", id))

	b.mu.Lock()
	base, ok := b.findLocked(id)
	patch, dirty := b.overlay[id]
	version := b.versions[id]
	if d := b.debouncers[id]; d != nil {
		d.Cancel()
	}
	b.mu.Unlock()

	if !ok {
		return "", &domain.ErrNotFound{Resource: "specification_item", ID: id}
	}
	if !dirty {
		return CommitUnchanged, nil
	}

	merged := patch.Apply(base)
	if merged.SameContent(base) && merged.Total == base.Total {
		b.mu.Lock()
		if b.versions[id] == version {
			delete(b.overlay, id)
		}
		b.mu.Unlock()
		b.metrics.IncrCommit(string(CommitUnchanged))
		return CommitUnchanged, nil
	}

	saved, err := b.specs.Update(ctx, merged)
	if err != nil {
		// The overlay stays so the user's edits survive and the blur can be retried.
		b.metrics.IncrCommit("error")
		b.logger.Error("row commit failed", zap.String("item_id", id), zap.Error(err))
		return "", err
	}
	b.metrics.IncrCommit(string(CommitUpdated))

	rows, err := b.specs.List(ctx, b.projectID, b.role)
	b.mu.Lock()
	if b.versions[id] == version {
		delete(b.overlay, id)
	}
	if err != nil {
		b.logger.Warn("refetch after commit failed, keeping local copy", zap.String("item_id", id), zap.Error(err))
		for i := range b.rows {
			if b.rows[i].ID == id {
				b.rows[i] = saved
			}
		}
		merged, notify := b.mergedLocked(), b.onChange
		b.mu.Unlock()
		if notify != nil {
			notify(merged)
		}
		return CommitUpdated, nil
	}
	b.mu.Unlock()

	b.setAuthoritative(rows)
	return CommitUpdated, nil
}

// Flush commits every row that has pending edits and returns the first error.
func (b *EditBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.overlay))
	for id := range b.overlay {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if _, err := b.Blur(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Add inserts a new row and reloads the set.
func (b *EditBuffer) Add(ctx context.Context, item domain.SpecificationItem) (*domain.SpecificationItem, error) {
	item.ProjectID = b.projectID
	item.Role = b.role
	row, err := b.specs.InsertOne(ctx, item)
	if err != nil {
		return nil, err
	}
	if err := b.Load(ctx); err != nil {
		b.logger.Warn("reload after insert failed", zap.Error(err))
	}
	return row, nil
}

// AddMany bulk-inserts rows and reloads the set. It returns the batch id.
func (b *EditBuffer) AddMany(ctx context.Context, items []domain.SpecificationItem) (string, []domain.SpecificationItem, error) {
	for i := range items {
		items[i].ProjectID = b.projectID
		items[i].Role = b.role
	}
	batchID, rows, err := b.specs.InsertMany(ctx, items)
	if err != nil {
		return "", nil, err
	}
	if err := b.Load(ctx); err != nil {
		b.logger.Warn("reload after bulk insert failed", zap.Error(err))
	}
	return batchID, rows, nil
}

// Remove deletes a row and reloads the set.
func (b *EditBuffer) Remove(ctx context.Context, id string) error {
	if err := b.specs.Delete(ctx, id); err != nil {
		return err
	}
	if err := b.Load(ctx); err != nil {
		b.logger.Warn("reload after delete failed", zap.Error(err))
	}
	return nil
}

// setAuthoritative installs fresh rows. A different id set discards every
// pending edit so stale edits are never replayed onto rows the user did not touch.
func (b *EditBuffer) setAuthoritative(rows []domain.SpecificationItem) {
	shape := domain.ShapeOf(rows)

	b.mu.Lock()
	if b.shape != nil && !domain.SameShape(b.shape, shape) && len(b.overlay) > 0 {
		b.logger.Debug("specification shape changed, discarding pending edits",
			zap.Int("discarded", len(b.overlay)),
		)
		for id := range b.overlay {
			b.versions[id]++
		}
		b.overlay = make(map[string]domain.ItemPatch)
		for _, d := range b.debouncers {
			d.Cancel()
		}
	}
	b.rows = append([]domain.SpecificationItem(nil), rows...)
	b.shape = shape
	merged, notify := b.mergedLocked(), b.onChange
	b.mu.Unlock()

	if notify != nil {
		notify(merged)
	}
}

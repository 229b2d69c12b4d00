package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"
	"github.com/boddenberg/tradeflow-bfa-go/internal/scope"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"go.uber.org/zap"
)

func newBuffer(t *testing.T, store port.SpecificationStore, debounce time.Duration) (*service.EditBuffer, *service.Specifications) {
	t.Helper()
	sc := scope.New(context.Background())
	t.Cleanup(sc.Close)

	specs := service.NewSpecifications(store, observability.NewMetrics(), zap.NewNop())
	buf := service.NewEditBuffer(sc, specs, "p-1", domain.RoleClient, debounce, observability.NewMetrics(), zap.NewNop())
	return buf, specs
}

func seedItems(t *testing.T, specs *service.Specifications, n int) []domain.SpecificationItem {
	t.Helper()
	items := make([]domain.SpecificationItem, n)
	for i := range items {
		items[i] = domain.SpecificationItem{
			ProjectID: "p-1",
			Role:      domain.RoleClient,
			ItemName:  "Bolt",
			Quantity:  1,
			Price:     10,
		}
	}
	_, rows, err := specs.InsertMany(context.Background(), items)
	if err != nil {
		t.Fatalf("seeding items: %v", err)
	}
	return rows
}

func TestEditBuffer_TwoEditsOneBlurOneUpdate(t *testing.T) {
	store := newFlakyStore()
	buf, specs := newBuffer(t, store, 0)
	rows := seedItems(t, specs, 2)
	ctx := context.Background()
	if err := buf.Load(ctx); err != nil {
		t.Fatal(err)
	}
	id := rows[0].ID

	if _, err := buf.Edit(id, domain.ItemPatch{Quantity: ptr(4.0)}); err != nil {
		t.Fatal(err)
	}
	view, err := buf.Edit(id, domain.ItemPatch{Price: ptr(2.5)})
	if err != nil {
		t.Fatal(err)
	}
	if view.Total != 10 {
		t.Errorf("expected locally recomputed total 10, got %v", view.Total)
	}
	if store.Calls("UpdateItem") != 0 {
		t.Fatal("edits must not reach the store before blur")
	}

	outcome, err := buf.Blur(ctx, id)
	if err != nil {
		t.Fatalf("blur failed: %v", err)
	}
	if outcome != service.CommitUpdated {
		t.Errorf("expected updated, got %s", outcome)
	}
	if got := store.Calls("UpdateItem"); got != 1 {
		t.Fatalf("expected exactly 1 update call, got %d", got)
	}

	stored, _ := store.ListItems(ctx, "p-1", domain.RoleClient)
	for _, it := range stored {
		if it.ID == id && (it.Quantity != 4 || it.Price != 2.5 || it.Total != 10) {
			t.Errorf("unexpected stored row: %+v", it)
		}
	}
	if buf.Dirty() {
		t.Error("overlay must be cleared after commit")
	}
}

func TestEditBuffer_BlurWithoutChangesSkipsStore(t *testing.T) {
	store := newFlakyStore()
	buf, specs := newBuffer(t, store, 0)
	rows := seedItems(t, specs, 1)
	ctx := context.Background()
	_ = buf.Load(ctx)

	// Typing a value and then restoring it leaves the row unchanged.
	_, _ = buf.Edit(rows[0].ID, domain.ItemPatch{Quantity: ptr(9.0)})
	_, _ = buf.Edit(rows[0].ID, domain.ItemPatch{Quantity: ptr(1.0)})

	outcome, err := buf.Blur(ctx, rows[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != service.CommitUnchanged {
		t.Errorf("expected unchanged, got %s", outcome)
	}
	if store.Calls("UpdateItem") != 0 {
		t.Error("unchanged rows must not be written")
	}
}

func TestEditBuffer_FailedCommitKeepsOverlay(t *testing.T) {
	store := newFlakyStore()
	buf, specs := newBuffer(t, store, 0)
	rows := seedItems(t, specs, 1)
	ctx := context.Background()
	_ = buf.Load(ctx)

	_, _ = buf.Edit(rows[0].ID, domain.ItemPatch{Price: ptr(99.0)})
	store.set(func(f *flakyStore) { f.failItem = errStoreDown })

	_, err := buf.Blur(ctx, rows[0].ID)
	var perr *domain.ErrPersistence
	if !errors.As(err, &perr) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !buf.Dirty() {
		t.Fatal("overlay must survive a failed commit")
	}
	if got := buf.Rows()[0].Price; got != 99 {
		t.Errorf("expected edited price to be displayed, got %v", got)
	}

	store.set(func(f *flakyStore) { f.failItem = nil })
	if _, err := buf.Blur(ctx, rows[0].ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if buf.Dirty() {
		t.Error("overlay must clear after a successful retry")
	}
}

func TestEditBuffer_ShapeChangeDiscardsOverlay(t *testing.T) {
	store := newFlakyStore()
	buf, specs := newBuffer(t, store, 0)
	rows := seedItems(t, specs, 2)
	ctx := context.Background()
	_ = buf.Load(ctx)

	_, _ = buf.Edit(rows[0].ID, domain.ItemPatch{ItemName: ptr("Nut")})

	// Another writer adds a row.
	if _, err := specs.InsertOne(ctx, domain.SpecificationItem{ProjectID: "p-1", Role: domain.RoleClient, ItemName: "Washer"}); err != nil {
		t.Fatal(err)
	}
	if err := buf.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if buf.Dirty() {
		t.Error("overlay must be discarded when rows are added or removed")
	}
	if len(buf.Rows()) != 3 {
		t.Errorf("expected 3 rows, got %d", len(buf.Rows()))
	}
	for _, r := range buf.Rows() {
		if r.ItemName == "Nut" {
			t.Error("stale edit was reapplied")
		}
	}
}

func TestEditBuffer_SameShapeReloadKeepsOverlay(t *testing.T) {
	store := newFlakyStore()
	buf, specs := newBuffer(t, store, 0)
	rows := seedItems(t, specs, 2)
	ctx := context.Background()
	_ = buf.Load(ctx)

	_, _ = buf.Edit(rows[1].ID, domain.ItemPatch{Quantity: ptr(3.0)})
	_ = buf.Load(ctx)

	if !buf.Dirty() {
		t.Error("a reload with the same rows must keep pending edits")
	}
}

func TestEditBuffer_EditUnknownRow(t *testing.T) {
	buf, _ := newBuffer(t, newFlakyStore(), 0)

	_, err := buf.Edit("missing", domain.ItemPatch{Quantity: ptr(1.0)})
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = buf.Edit("missing", domain.ItemPatch{Quantity: ptr(-1.0)})
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) {
		t.Errorf("expected ErrValidation for negative quantity, got %v", err)
	}
}

// slowItemStore delays UpdateItem so concurrent blurs overlap.
type slowItemStore struct {
	*flakyStore
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *slowItemStore) UpdateItem(ctx context.Context, item domain.SpecificationItem) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return s.flakyStore.UpdateItem(ctx, item)
}

func TestEditBuffer_OverlappingBlursShareOneCommit(t *testing.T) {
	store := &slowItemStore{flakyStore: newFlakyStore(), release: make(chan struct{})}
	buf, specs := newBuffer(t, store, 0)
	rows := seedItems(t, specs, 1)
	ctx := context.Background()
	_ = buf.Load(ctx)
	_, _ = buf.Edit(rows[0].ID, domain.ItemPatch{Quantity: ptr(5.0)})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := buf.Blur(ctx, rows[0].ID); err != nil {
				t.Errorf("blur failed: %v", err)
			}
		}()
	}

	eventually(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls == 1
	})
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.calls != 1 {
		t.Errorf("expected 1 update for overlapping blurs, got %d", store.calls)
	}
}

func TestEditBuffer_DebounceCommitsAfterQuietPeriod(t *testing.T) {
	store := newFlakyStore()
	buf, specs := newBuffer(t, store, 30*time.Millisecond)
	rows := seedItems(t, specs, 1)
	_ = buf.Load(context.Background())

	for _, q := range []float64{2, 3, 4} {
		_, _ = buf.Edit(rows[0].ID, domain.ItemPatch{Quantity: ptr(q)})
	}

	eventually(t, time.Second, func() bool { return !buf.Dirty() })
	if got := store.Calls("UpdateItem"); got != 1 {
		t.Errorf("expected one debounced update, got %d", got)
	}
}

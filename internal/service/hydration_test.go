package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/cache"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/memory"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/port"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"go.uber.org/zap"
)

func newPipeline(t *testing.T, store port.Store, timeout time.Duration) (*service.HydrationPipeline, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics()
	templates := cache.New[*domain.Template](time.Minute)
	suppliers := cache.New[*domain.Supplier](time.Minute)
	t.Cleanup(templates.Close)
	t.Cleanup(suppliers.Close)

	specs := service.NewSpecifications(store, metrics, zap.NewNop())
	return service.NewHydrationPipeline(store, specs, templates, suppliers, timeout, metrics, zap.NewNop()), metrics
}

func seedSources(store *memory.Store) {
	company := completeCompany()
	store.PutTemplate(domain.Template{
		ID:          "tpl-1",
		UserID:      "user-1",
		Name:        "Monthly order",
		CompanyData: &company,
		Currency:    "eur",
		Items: []domain.SourceItem{
			{Name: "Steel sheet", Quantity: ptr(10.0), Price: ptr(12.5)},
			{Name: "Rivets", Quantity: ptr(500.0), Price: ptr(0.02), Unit: "box"},
			{Name: "", Price: ptr(3.0)},
		},
	})
	store.PutSupplier(domain.Supplier{
		ID:             "sup-1",
		Name:           "Shenzhen Parts",
		Country:        "CN",
		Currency:       "CNY",
		PaymentMethods: []string{domain.PaymentBankTransfer},
		Requisites:     &domain.SupplierData{BankName: "Bank of China", SwiftCode: "BKCHCNBJ"},
	})
	store.PutCart(domain.Cart{
		ID:         "cart-1",
		UserID:     "user-1",
		SupplierID: "sup-1",
		Items:      []domain.SourceItem{{Name: "Bearing", Quantity: ptr(4.0), Price: ptr(7.0)}},
	})
}

func TestHydrate_ScenarioC_TemplateBulkInsert(t *testing.T) {
	store := memory.NewStore()
	seedSources(store)
	h, _ := newPipeline(t, store, time.Second)
	ctx := context.Background()

	draft, err := h.Hydrate(ctx, "user-1", domain.HydrationSignals{TemplateID: "tpl-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draft.Source != domain.SourceTemplate {
		t.Errorf("expected template source, got %s", draft.Source)
	}
	if store.Calls("InsertItems") != 1 {
		t.Errorf("expected one bulk insert, got %d", store.Calls("InsertItems"))
	}

	rows, _ := store.ListItems(ctx, draft.Project.ID, domain.RoleClient)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	found := false
	for _, r := range rows {
		if r.Total != r.Quantity*r.Price {
			t.Errorf("row %s: total %v != %v*%v", r.ID, r.Total, r.Quantity, r.Price)
		}
		if r.ID == draft.Project.SpecificationID {
			found = true
		}
	}
	if !found {
		t.Errorf("specification id %q is not one of the inserted rows", draft.Project.SpecificationID)
	}

	stored, _ := store.GetProject(ctx, draft.Project.ID)
	if stored.SpecificationID != draft.Project.SpecificationID {
		t.Error("specification id must be persisted")
	}

	// Missing fields get explicit defaults.
	last := rows[2]
	if last.ItemName != "Item 3" || last.Quantity != 1 || last.Unit != domain.DefaultUnit || last.Currency != "EUR" {
		t.Errorf("unexpected defaults: %+v", last)
	}
	// Complete company data unlocks the specification step.
	if draft.MaxStepReached != 2 || draft.CurrentStep != 1 {
		t.Errorf("expected steps 1/2, got %d/%d", draft.CurrentStep, draft.MaxStepReached)
	}
}

func TestHydrate_ScenarioD_CartBeatsSupplierEveryRun(t *testing.T) {
	for i := 0; i < 10; i++ {
		store := memory.NewStore()
		seedSources(store)
		h, metrics := newPipeline(t, store, time.Second)

		draft, err := h.Hydrate(context.Background(), "user-1", domain.HydrationSignals{CartID: "cart-1", SupplierID: "sup-1"})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if draft.Source != domain.SourceCart {
			t.Fatalf("run %d: expected cart, got %s", i, draft.Source)
		}
		if len(draft.Items) != 1 || draft.Items[0].ItemName != "Bearing" {
			t.Errorf("run %d: unexpected items %+v", i, draft.Items)
		}
		if draft.MaxStepReached != 2 {
			t.Errorf("run %d: cart must unlock the specification step, got %d", i, draft.MaxStepReached)
		}
		if draft.Project.SupplierData.SwiftCode != "BKCHCNBJ" || draft.Project.PaymentMethod != domain.PaymentBankTransfer {
			t.Errorf("run %d: cart supplier not applied: %+v", i, draft.Project)
		}
		if snap := metrics.WorkflowSnapshot(); snap.HydrationConflicts != 1 {
			t.Errorf("run %d: expected conflict to be counted, got %d", i, snap.HydrationConflicts)
		}
	}
}

func TestHydrate_ProjectSignalWinsOverEverything(t *testing.T) {
	store := memory.NewStore()
	seedSources(store)
	seedProject(store, "p-1", domain.StatusWaitingReceipt)
	h, _ := newPipeline(t, store, time.Second)

	draft, err := h.Hydrate(context.Background(), "user-1", domain.HydrationSignals{
		ProjectID: "p-1", CartID: "cart-1", SupplierID: "sup-1", TemplateID: "tpl-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if draft.Source != domain.SourceProject || draft.Project.ID != "p-1" {
		t.Errorf("expected existing project, got %s %s", draft.Source, draft.Project.ID)
	}
	if draft.MaxStepReached != 4 || draft.CurrentStep != 4 {
		t.Errorf("expected steps 4/4, got %d/%d", draft.CurrentStep, draft.MaxStepReached)
	}
	if store.Calls("CreateProject") != 0 {
		t.Error("resuming must not create a project")
	}
}

func TestHydrate_ProjectOfAnotherUserIsForbidden(t *testing.T) {
	store := memory.NewStore()
	seedProject(store, "p-1", domain.StatusDraft)
	h, _ := newPipeline(t, store, time.Second)

	_, err := h.Hydrate(context.Background(), "intruder", domain.HydrationSignals{ProjectID: "p-1"})
	var ferr *domain.ErrForbidden
	if !errors.As(err, &ferr) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestHydrate_SupplierOnly(t *testing.T) {
	store := memory.NewStore()
	seedSources(store)
	h, _ := newPipeline(t, store, time.Second)

	draft, err := h.Hydrate(context.Background(), "user-1", domain.HydrationSignals{SupplierID: "sup-1"})
	if err != nil {
		t.Fatal(err)
	}
	if draft.MaxStepReached != 1 || len(draft.Items) != 0 {
		t.Errorf("unexpected draft %+v", draft)
	}
	if draft.Project.Currency != "CNY" || draft.Project.SupplierData.Name != "Shenzhen Parts" {
		t.Errorf("supplier not projected: %+v", draft.Project)
	}
}

func TestHydrate_ManualWithoutSignals(t *testing.T) {
	store := memory.NewStore()
	h, _ := newPipeline(t, store, time.Second)

	draft, err := h.Hydrate(context.Background(), "user-1", domain.HydrationSignals{})
	if err != nil {
		t.Fatal(err)
	}
	if draft.Source != domain.SourceManual || draft.Project.Status != domain.StatusDraft {
		t.Errorf("unexpected draft %+v", draft)
	}
	if draft.Project.UserID != "user-1" {
		t.Errorf("expected owner user-1, got %q", draft.Project.UserID)
	}
}

func TestHydrate_MissingSourceIsNotFound(t *testing.T) {
	h, _ := newPipeline(t, memory.NewStore(), time.Second)

	_, err := h.Hydrate(context.Background(), "user-1", domain.HydrationSignals{CartID: "nope"})
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// slowSourceStore never answers before the context ends.
type slowSourceStore struct {
	*memory.Store
}

func (s *slowSourceStore) GetCart(ctx context.Context, _ string) (*domain.Cart, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHydrate_TimeoutIsRetryable(t *testing.T) {
	h, _ := newPipeline(t, &slowSourceStore{Store: memory.NewStore()}, 20*time.Millisecond)

	_, err := h.Hydrate(context.Background(), "user-1", domain.HydrationSignals{CartID: "cart-1"})
	var terr *domain.ErrTimeout
	if !errors.As(err, &terr) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestHydrate_SupplierCacheServesRepeatLoads(t *testing.T) {
	store := memory.NewStore()
	seedSources(store)
	h, _ := newPipeline(t, store, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.Hydrate(ctx, "user-1", domain.HydrationSignals{SupplierID: "sup-1"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := store.Calls("GetSupplier"); got != 1 {
		t.Errorf("expected 1 supplier read, got %d", got)
	}
}

func TestHydrate_InvalidSourceAmountsAreDefaultedBeforeCreate(t *testing.T) {
	store := memory.NewStore()
	store.PutCart(domain.Cart{
		ID:     "cart-bad",
		UserID: "user-1",
		Items: []domain.SourceItem{
			{Name: "Gasket", Quantity: ptr(3.0), Price: ptr(-5.0)},
			{Name: "Seal", Quantity: ptr(-2.0), Price: ptr(4.0)},
		},
	})
	h, _ := newPipeline(t, store, time.Second)
	ctx := context.Background()

	draft, err := h.Hydrate(ctx, "user-1", domain.HydrationSignals{CartID: "cart-bad"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Calls("CreateProject") != 1 {
		t.Errorf("expected one project, got %d", store.Calls("CreateProject"))
	}

	rows, _ := store.ListItems(ctx, draft.Project.ID, domain.RoleClient)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	byName := map[string]domain.SpecificationItem{}
	for _, r := range rows {
		byName[r.ItemName] = r
	}
	if g := byName["Gasket"]; g.Price != 0 || g.Quantity != 3 || g.Total != 0 {
		t.Errorf("negative price must default to 0, got %+v", g)
	}
	if s := byName["Seal"]; s.Quantity != 1 || s.Total != 4 {
		t.Errorf("negative quantity must default to 1, got %+v", s)
	}
}

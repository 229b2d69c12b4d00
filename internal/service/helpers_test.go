package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/memory"
	"github.com/boddenberg/tradeflow-bfa-go/internal/infra/observability"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"go.uber.org/zap"
)

var errStoreDown = errors.New("store down")

// --- Mocks ---

// flakyStore wraps the in-memory store and fails selected operations.
type flakyStore struct {
	*memory.Store

	mu          sync.Mutex
	failUpdate  error
	failHistory error
	failItem    error
	failList    error
	failStatus  error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.NewStore()}
}

func (f *flakyStore) set(fn func(f *flakyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *flakyStore) err(pick func(f *flakyStore) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pick(f)
}

func (f *flakyStore) UpdateProject(ctx context.Context, id string, updates map[string]any) error {
	if err := f.err(func(f *flakyStore) error { return f.failUpdate }); err != nil {
		return err
	}
	return f.Store.UpdateProject(ctx, id, updates)
}

func (f *flakyStore) AppendHistory(ctx context.Context, row *domain.ProjectStatusHistory) error {
	if err := f.err(func(f *flakyStore) error { return f.failHistory }); err != nil {
		return err
	}
	return f.Store.AppendHistory(ctx, row)
}

func (f *flakyStore) UpdateItem(ctx context.Context, item domain.SpecificationItem) error {
	if err := f.err(func(f *flakyStore) error { return f.failItem }); err != nil {
		return err
	}
	return f.Store.UpdateItem(ctx, item)
}

func (f *flakyStore) ListItems(ctx context.Context, projectID string, role domain.Role) ([]domain.SpecificationItem, error) {
	if err := f.err(func(f *flakyStore) error { return f.failList }); err != nil {
		return nil, err
	}
	return f.Store.ListItems(ctx, projectID, role)
}

func (f *flakyStore) GetProjectStatus(ctx context.Context, projectID string) (domain.Status, error) {
	if err := f.err(func(f *flakyStore) error { return f.failStatus }); err != nil {
		return "", err
	}
	return f.Store.GetProjectStatus(ctx, projectID)
}

// mockTransport records approval requests. A non-nil gate blocks sends until closed.
type mockTransport struct {
	mu        sync.Mutex
	approvals []string
	documents []string
	texts     []string
	err       error
	gate      chan struct{}
}

func (m *mockTransport) SendText(_ context.Context, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, body)
	return nil
}

func (m *mockTransport) SendDocument(_ context.Context, url, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents = append(m.documents, url)
	return nil
}

func (m *mockTransport) SendApprovalRequest(_ context.Context, body, projectID string, gate domain.GateKind) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.approvals = append(m.approvals, projectID+":"+string(gate))
	return nil
}

func (m *mockTransport) approvalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.approvals)
}

func (m *mockTransport) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// --- Fixtures ---

func completeCompany() domain.CompanyData {
	return domain.CompanyData{
		Name:          "Acme Trading LLC",
		INN:           "7701234567",
		BankName:      "First Bank",
		BIK:           "044525225",
		AccountNumber: "40702810900000000001",
		Email:         "buyer@acme.test",
	}
}

func seedProject(store interface{ PutProject(domain.Project) }, id string, status domain.Status) *domain.Project {
	p := domain.Project{
		ID:          id,
		UserID:      "user-1",
		Status:      status,
		CompanyData: completeCompany(),
		Currency:    "USD",
	}
	store.PutProject(p)
	return p.Clone()
}

func newController(t *testing.T, store service.LifecycleStore, p *domain.Project) *service.LifecycleController {
	t.Helper()
	c, err := service.NewLifecycleController(p, store, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error creating controller: %v", err)
	}
	return c
}

func ptr[T any](v T) *T { return &v }

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

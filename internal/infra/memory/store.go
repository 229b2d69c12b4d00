// Package memory provides an in-process implementation of port.Store.
// It backs local development (USE_SUPABASE=false) and service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"github.com/google/uuid"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	projects  map[string]domain.Project
	items     map[string]domain.SpecificationItem
	history   map[string][]domain.ProjectStatusHistory
	templates map[string]domain.Template
	carts     map[string]domain.Cart
	suppliers map[string]domain.Supplier
	calls     map[string]int
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		projects:  make(map[string]domain.Project),
		items:     make(map[string]domain.SpecificationItem),
		history:   make(map[string][]domain.ProjectStatusHistory),
		templates: make(map[string]domain.Template),
		carts:     make(map[string]domain.Cart),
		suppliers: make(map[string]domain.Supplier),
		calls:     make(map[string]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

func (s *Store) count(op string) {
	s.calls[op]++
}

// --- seeding ---

// PutProject stores p as-is.
func (s *Store) PutProject(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = *p.Clone()
}

// SetStatus overwrites a project's status, as a manager would from the back office.
func (s *Store) SetStatus(projectID string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok {
		p.Status = status
		s.projects[projectID] = p
	}
}

// PutTemplate stores a template.
func (s *Store) PutTemplate(t domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
}

// PutCart stores a cart.
func (s *Store) PutCart(c domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[c.ID] = c
}

// PutSupplier stores a supplier.
func (s *Store) PutSupplier(sup domain.Supplier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[sup.ID] = sup
}

// --- ProjectStore ---

func (s *Store) GetProject(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetProject")

	p, ok := s.projects[projectID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "project", ID: projectID}
	}
	return p.Clone(), nil
}

func (s *Store) GetProjectStatus(_ context.Context, projectID string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetProjectStatus")

	p, ok := s.projects[projectID]
	if !ok {
		return "", &domain.ErrNotFound{Resource: "project", ID: projectID}
	}
	return p.Status, nil
}

func (s *Store) CreateProject(_ context.Context, p *domain.Project) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CreateProject")

	cp := p.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.projects[cp.ID] = *cp
	return cp.Clone(), nil
}

// UpdateProject applies the same column names the PostgREST adapter sends.
func (s *Store) UpdateProject(_ context.Context, projectID string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("UpdateProject")

	p, ok := s.projects[projectID]
	if !ok {
		return &domain.ErrNotFound{Resource: "project", ID: projectID}
	}
	for k, v := range updates {
		applyColumn(&p, k, v)
	}
	p.UpdatedAt = s.now()
	s.projects[projectID] = p
	return nil
}

func applyColumn(p *domain.Project, column string, v any) {
	switch column {
	case "status":
		p.Status = v.(domain.Status)
	case "current_step":
		p.CurrentStep = v.(int)
	case "max_step_reached":
		p.MaxStepReached = v.(int)
	case "company_data":
		p.CompanyData = v.(domain.CompanyData)
	case "supplier_data":
		p.SupplierData = v.(domain.SupplierData)
	case "specification_id":
		p.SpecificationID = v.(string)
	case "payment_method":
		p.PaymentMethod = v.(string)
	case "amount":
		p.Amount = v.(float64)
	case "currency":
		p.Currency = v.(string)
	case "receipts":
		p.Receipts = v.(map[string]string)
	case "template_id":
		p.TemplateID = v.(string)
	}
}

// --- SpecificationStore ---

func (s *Store) ListItems(_ context.Context, projectID string, role domain.Role) ([]domain.SpecificationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ListItems")

	out := []domain.SpecificationItem{}
	for _, it := range s.items {
		if it.ProjectID == projectID && it.Role == role {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertItems(_ context.Context, items []domain.SpecificationItem) ([]domain.SpecificationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("InsertItems")

	now := s.now()
	out := make([]domain.SpecificationItem, 0, len(items))
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.CreatedAt.IsZero() {
			// Keep insertion order stable for rows inserted in one batch.
			it.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		s.items[it.ID] = it
		out = append(out, it)
	}
	return out, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.SpecificationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("UpdateItem")

	existing, ok := s.items[item.ID]
	if !ok {
		return &domain.ErrNotFound{Resource: "specification_item", ID: item.ID}
	}
	item.CreatedAt = existing.CreatedAt
	s.items[item.ID] = item
	return nil
}

func (s *Store) DeleteItem(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("DeleteItem")

	delete(s.items, itemID)
	return nil
}

// --- HistoryStore ---

func (s *Store) AppendHistory(_ context.Context, h *domain.ProjectStatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("AppendHistory")

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	s.history[h.ProjectID] = append(s.history[h.ProjectID], *h)
	return nil
}

func (s *Store) ListHistory(_ context.Context, projectID string) ([]domain.ProjectStatusHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ListHistory")

	rows := s.history[projectID]
	out := make([]domain.ProjectStatusHistory, len(rows))
	copy(out, rows)
	return out, nil
}

// --- SourceStore ---

func (s *Store) GetTemplate(_ context.Context, templateID string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetTemplate")

	t, ok := s.templates[templateID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "template", ID: templateID}
	}
	return &t, nil
}

func (s *Store) GetCart(_ context.Context, cartID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetCart")

	c, ok := s.carts[cartID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "cart", ID: cartID}
	}
	return &c, nil
}

func (s *Store) GetSupplier(_ context.Context, supplierID string) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetSupplier")

	sup, ok := s.suppliers[supplierID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "supplier", ID: supplierID}
	}
	return &sup, nil
}

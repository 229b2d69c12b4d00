// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
)

// ProjectStore persists the project aggregate root.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	// GetProjectStatus reads only the status column; used by approval polling.
	GetProjectStatus(ctx context.Context, projectID string) (domain.Status, error)
	CreateProject(ctx context.Context, p *domain.Project) (*domain.Project, error)
	UpdateProject(ctx context.Context, projectID string, updates map[string]any) error
}

// SpecificationStore persists specification line items scoped to (project, role).
type SpecificationStore interface {
	ListItems(ctx context.Context, projectID string, role domain.Role) ([]domain.SpecificationItem, error)
	// InsertItems inserts rows in one call and returns them with ids assigned.
	InsertItems(ctx context.Context, items []domain.SpecificationItem) ([]domain.SpecificationItem, error)
	// UpdateItem overwrites the full row.
	UpdateItem(ctx context.Context, item domain.SpecificationItem) error
	DeleteItem(ctx context.Context, itemID string) error
}

// HistoryStore is the append-only status ledger.
type HistoryStore interface {
	AppendHistory(ctx context.Context, row *domain.ProjectStatusHistory) error
	ListHistory(ctx context.Context, projectID string) ([]domain.ProjectStatusHistory, error)
}

// SourceStore reads the records a draft can be hydrated from.
type SourceStore interface {
	GetTemplate(ctx context.Context, templateID string) (*domain.Template, error)
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error)
}

// Store groups every persistence port; both adapters implement all of them.
type Store interface {
	ProjectStore
	SpecificationStore
	HistoryStore
	SourceStore
}

// NotificationTransport delivers messages to the manager chat.
// Failures are returned so callers can treat them as soft warnings.
type NotificationTransport interface {
	SendText(ctx context.Context, body string) error
	SendDocument(ctx context.Context, url, caption string) error
	SendApprovalRequest(ctx context.Context, body, projectID string, gate domain.GateKind) error
}

// DocumentAnalyzer extracts structured fields from an uploaded document.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, fileURL string, docType domain.DocumentType) (*domain.DocumentAnalysis, error)
}

// IdempotencyStore keeps notification gate tokens keyed by (project, gate).
type IdempotencyStore interface {
	Get(ctx context.Context, key domain.GateKey) (*domain.GateToken, error)
	// SetIfAbsent stores the token only when no token exists and reports whether it did.
	SetIfAbsent(ctx context.Context, key domain.GateKey, token domain.GateToken) (bool, error)
	Set(ctx context.Context, key domain.GateKey, token domain.GateToken) error
	Delete(ctx context.Context, key domain.GateKey) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

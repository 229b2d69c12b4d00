package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Notification gate tokens (idempotency records)
// ============================================================

// GateState is the lifecycle of one outbound approval request.
type GateState string

const (
	GateStateSent      GateState = "sent"
	GateStateCompleted GateState = "completed"
)

// GateKey identifies one (project, gate) pair.
type GateKey struct {
	ProjectID string
	Gate      GateKind
}

// String renders the key for key/value backends.
func (k GateKey) String() string {
	return fmt.Sprintf("%s:%s", k.ProjectID, k.Gate)
}

// GateToken records that a notification for a GateKey was dispatched.
type GateToken struct {
	Timestamp time.Time `json:"timestamp"`
	State     GateState `json:"state"`
}

// ApprovalRequest is the payload sent to the manager chat.
type ApprovalRequest struct {
	ProjectID   string   `json:"project_id"`
	Gate        GateKind `json:"gate"`
	Body        string   `json:"body"`
	DocumentURL string   `json:"document_url,omitempty"`
	Caption     string   `json:"caption,omitempty"`
}

// ============================================================
// Document analysis
// ============================================================

// DocumentType declares what kind of document was uploaded.
type DocumentType string

const (
	DocumentCompanyCard   DocumentType = "company_card"
	DocumentSpecification DocumentType = "specification"
	DocumentInvoice       DocumentType = "invoice"
)

// ExtractedField is one best-effort field with a confidence in [0,100].
type ExtractedField struct {
	Value      string `json:"value"`
	Confidence int    `json:"confidence"`
}

// DocumentAnalysis is the document-analysis collaborator's response.
type DocumentAnalysis struct {
	DocumentType DocumentType              `json:"document_type"`
	Fields       map[string]ExtractedField `json:"fields"`
	Items        []SourceItem              `json:"items,omitempty"`
}

package domain

// ============================================================
// Hydration sources: discriminated by SourceKind
// ============================================================

// SourceKind names where a project draft was initialised from.
type SourceKind string

const (
	SourceProject  SourceKind = "project"
	SourceCart     SourceKind = "cart"
	SourceSupplier SourceKind = "supplier"
	SourceTemplate SourceKind = "template"
	SourceManual   SourceKind = "manual"
)

// HydrationSignals are the query-level identifiers a screen is opened with.
type HydrationSignals struct {
	ProjectID  string `json:"projectId,omitempty"`
	CartID     string `json:"cartId,omitempty"`
	SupplierID string `json:"supplierId,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
}

// Present lists the signals that are set, in precedence order.
func (s HydrationSignals) Present() []SourceKind {
	var kinds []SourceKind
	if s.ProjectID != "" {
		kinds = append(kinds, SourceProject)
	}
	if s.CartID != "" {
		kinds = append(kinds, SourceCart)
	}
	if s.SupplierID != "" {
		kinds = append(kinds, SourceSupplier)
	}
	if s.TemplateID != "" {
		kinds = append(kinds, SourceTemplate)
	}
	return kinds
}

// Select returns the winning source: project > cart > supplier > template > manual.
func (s HydrationSignals) Select() SourceKind {
	if kinds := s.Present(); len(kinds) > 0 {
		return kinds[0]
	}
	return SourceManual
}

// SourceItem is a loosely shaped goods line coming from a template, cart or document.
type SourceItem struct {
	Name     string   `json:"name,omitempty"`
	Code     string   `json:"code,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     string   `json:"unit,omitempty"`
	Price    *float64 `json:"price,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// Template is a saved project blueprint.
type Template struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Name          string       `json:"name"`
	CompanyData   *CompanyData `json:"company_data,omitempty"`
	Items         []SourceItem `json:"items,omitempty"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	SupplierID    string       `json:"supplier_id,omitempty"`
	Currency      string       `json:"currency,omitempty"`
}

// Cart is a batch of catalog products added by the client.
type Cart struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	SupplierID string       `json:"supplier_id,omitempty"`
	Items      []SourceItem `json:"items"`
	Currency   string       `json:"currency,omitempty"`
}

// Supplier is a catalog supplier record.
type Supplier struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Country        string        `json:"country,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	PaymentMethods []string      `json:"payment_methods,omitempty"`
	Requisites     *SupplierData `json:"requisites,omitempty"`
}

// ToSupplierData projects a catalog supplier into project supplier data.
func (s *Supplier) ToSupplierData() SupplierData {
	if s == nil {
		return SupplierData{}
	}
	data := SupplierData{}
	if s.Requisites != nil {
		data = *s.Requisites
	}
	data.SupplierID = s.ID
	if data.Name == "" {
		data.Name = s.Name
	}
	if data.Country == "" {
		data.Country = s.Country
	}
	return data
}

// Draft is the working copy a wizard session edits before and after hydration.
type Draft struct {
	Source         SourceKind          `json:"source"`
	Project        *Project            `json:"project"`
	Items          []SpecificationItem `json:"items"`
	CurrentStep    int                 `json:"currentStep"`
	MaxStepReached int                 `json:"maxStepReached"`
}

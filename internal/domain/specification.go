package domain

import (
	"sort"
	"time"
)

// ============================================================
// Specification line items
// ============================================================

// Role owns a specification set within a project.
type Role string

const (
	RoleClient   Role = "client"
	RoleSupplier Role = "supplier"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleSupplier
}

// DefaultUnit is applied when a source leaves the unit empty.
const DefaultUnit = "pcs"

// SpecificationItem mirrors the `specification_items` table.
type SpecificationItem struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      Role      `json:"role"`
	ItemName  string    `json:"item_name"`
	ItemCode  string    `json:"item_code,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Quantity  float64   `json:"quantity"`
	Unit      string    `json:"unit"`
	Price     float64   `json:"price"`
	Total     float64   `json:"total"`
	Currency  string    `json:"currency,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LineTotal is the canonical total for a quantity/price pair.
func LineTotal(quantity, price float64) float64 {
	return quantity * price
}

// WithTotal returns a copy whose Total matches Quantity*Price.
func (it SpecificationItem) WithTotal() SpecificationItem {
	it.Total = LineTotal(it.Quantity, it.Price)
	return it
}

// SameContent compares the user-editable fields of two rows.
func (it SpecificationItem) SameContent(other SpecificationItem) bool {
	return it.ItemName == other.ItemName &&
		it.ItemCode == other.ItemCode &&
		it.ImageURL == other.ImageURL &&
		it.Quantity == other.Quantity &&
		it.Unit == other.Unit &&
		it.Price == other.Price
}

// ItemPatch carries a partial edit; nil fields are untouched.
type ItemPatch struct {
	ItemName *string  `json:"item_name,omitempty"`
	ItemCode *string  `json:"item_code,omitempty"`
	ImageURL *string  `json:"image_url,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     *string  `json:"unit,omitempty"`
	Price    *float64 `json:"price,omitempty"`
}

// IsEmpty reports whether the patch touches nothing.
func (p ItemPatch) IsEmpty() bool {
	return p.ItemName == nil && p.ItemCode == nil && p.ImageURL == nil &&
		p.Quantity == nil && p.Unit == nil && p.Price == nil
}

// Merge layers other on top of p.
func (p ItemPatch) Merge(other ItemPatch) ItemPatch {
	if other.ItemName != nil {
		p.ItemName = other.ItemName
	}
	if other.ItemCode != nil {
		p.ItemCode = other.ItemCode
	}
	if other.ImageURL != nil {
		p.ImageURL = other.ImageURL
	}
	if other.Quantity != nil {
		p.Quantity = other.Quantity
	}
	if other.Unit != nil {
		p.Unit = other.Unit
	}
	if other.Price != nil {
		p.Price = other.Price
	}
	return p
}

// Apply returns the item with the patch applied and the total recomputed.
func (p ItemPatch) Apply(it SpecificationItem) SpecificationItem {
	if p.ItemName != nil {
		it.ItemName = *p.ItemName
	}
	if p.ItemCode != nil {
		it.ItemCode = *p.ItemCode
	}
	if p.ImageURL != nil {
		it.ImageURL = *p.ImageURL
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	if p.Unit != nil {
		it.Unit = *p.Unit
	}
	if p.Price != nil {
		it.Price = *p.Price
	}
	return it.WithTotal()
}

// ShapeOf returns the sorted ids of a row set, used to detect added or removed rows.
func ShapeOf(items []SpecificationItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)
	return ids
}

// SameShape compares two sorted id sets.
func SameShape(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SpecificationTotals sums line totals per currency.
func SpecificationTotals(items []SpecificationItem, fallbackCurrency string) map[string]float64 {
	totals := make(map[string]float64)
	for _, it := range items {
		cur := it.Currency
		if cur == "" {
			cur = fallbackCurrency
		}
		totals[cur] += it.Total
	}
	return totals
}

package domain

import (
	"strings"
	"time"
)

// ============================================================
// Project: the aggregate root of a trade deal
// ============================================================

// ReceiptManagerKey is the Receipts key holding the manager-issued payout receipt.
const ReceiptManagerKey = "manager_receipt"

// ReceiptClientKey is the Receipts key holding the client's payment receipt.
const ReceiptClientKey = "client_receipt"

// Project mirrors the `projects` table.
type Project struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Status          Status            `json:"status"`
	CurrentStep     int               `json:"current_step"`
	MaxStepReached  int               `json:"max_step_reached"`
	CompanyData     CompanyData       `json:"company_data"`
	SpecificationID string            `json:"specification_id,omitempty"`
	PaymentMethod   string            `json:"payment_method,omitempty"`
	SupplierData    SupplierData      `json:"supplier_data"`
	Amount          float64           `json:"amount"`
	Currency        string            `json:"currency,omitempty"`
	Receipts        map[string]string `json:"receipts,omitempty"`
	TemplateID      string            `json:"template_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CompanyData holds the client's identity and bank requisites.
type CompanyData struct {
	Name          string `json:"name"`
	LegalAddress  string `json:"legal_address,omitempty"`
	INN           string `json:"inn"`
	KPP           string `json:"kpp,omitempty"`
	OGRN          string `json:"ogrn,omitempty"`
	BankName      string `json:"bank_name"`
	BIK           string `json:"bik"`
	AccountNumber string `json:"account_number"`
	CorrAccount   string `json:"corr_account,omitempty"`
	ContactName   string `json:"contact_name,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

// SupplierData holds the supplier's payout requisites.
type SupplierData struct {
	SupplierID    string `json:"supplier_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Country       string `json:"country,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	SwiftCode     string `json:"swift_code,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
	CardNumber    string `json:"card_number,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Payment methods offered at the payment step.
const (
	PaymentBankTransfer = "bank-transfer"
	PaymentCard         = "p2p"
	PaymentCrypto       = "crypto"
)

// IsZero reports whether no supplier was selected.
func (s SupplierData) IsZero() bool {
	return s == SupplierData{}
}

// HasReceipt reports whether a receipt reference is stored under key.
func (p *Project) HasReceipt(key string) bool {
	if p == nil || p.Receipts == nil {
		return false
	}
	return strings.TrimSpace(p.Receipts[key]) != ""
}

// Clone returns a deep copy safe to hand out of a session.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Receipts != nil {
		cp.Receipts = make(map[string]string, len(p.Receipts))
		for k, v := range p.Receipts {
			cp.Receipts[k] = v
		}
	}
	return &cp
}

// AllowedStep is the furthest step the project's persisted state justifies.
// A manager receipt unlocks the confirmation step regardless of status.
func AllowedStep(p *Project) (int, error) {
	step, err := StepForStatus(p.Status)
	if err != nil {
		return 0, err
	}
	if p.HasReceipt(ReceiptManagerKey) {
		confirm := stepTable[StatusWaitingClientConfirmation]
		if step < confirm {
			step = confirm
		}
	}
	return step, nil
}

// ============================================================
// Transition requirements
// ============================================================

// RequirementsFor returns the missing fields that block moving p into status to.
func RequirementsFor(p *Project, to Status) []FieldError {
	var missing []FieldError
	need := func(field, value, msg string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, FieldError{Field: field, Message: msg})
		}
	}

	if p.Status == StatusDraft && to != StatusDraft {
		c := p.CompanyData
		need("company_data.name", c.Name, "company name is required")
		need("company_data.inn", c.INN, "tax id is required")
		need("company_data.bank_name", c.BankName, "bank name is required")
		need("company_data.bik", c.BIK, "bank routing code is required")
		need("company_data.account_number", c.AccountNumber, "account number is required")
		if strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == "" {
			missing = append(missing, FieldError{Field: "company_data.contact", Message: "email or phone is required"})
		}
	}

	if to == StatusWaitingApproval {
		need("specification_id", p.SpecificationID, "specification is empty")
		need("payment_method", p.PaymentMethod, "payment method is required")
	}

	return missing
}

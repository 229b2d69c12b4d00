package service

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
)

const defaultCurrency = "USD"

var gateTitles = map[domain.GateKind]string{
	domain.GateProjectApproval: "New project awaiting approval",
	domain.GateReceiptReview:   "Payment receipt uploaded",
	domain.GateManagerReceipt:  "Manager receipt required",
}

var paymentLabels = map[string]string{
	domain.PaymentBankTransfer: "Bank transfer",
	domain.PaymentCard:         "Card (P2P)",
	domain.PaymentCrypto:       "Crypto",
}

// BuildApprovalPayload renders the manager chat message for a gate.
// The body is HTML; every user-provided value is escaped.
func BuildApprovalPayload(p *domain.Project, items []domain.SpecificationItem, gate domain.GateKind) *domain.ApprovalRequest {
	var b strings.Builder

	title, ok := gateTitles[gate]
	if !ok {
		title = "Approval required"
	}
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "Project: <code>%s</code>\n", html.EscapeString(p.ID))

	company := strings.TrimSpace(p.CompanyData.Name)
	if company == "" {
		company = "(no company name)"
	}
	fmt.Fprintf(&b, "Company: %s", html.EscapeString(company))
	if inn := strings.TrimSpace(p.CompanyData.INN); inn != "" {
		fmt.Fprintf(&b, " (INN %s)", html.EscapeString(inn))
	}
	b.WriteString("\n")

	fallback := p.Currency
	if fallback == "" {
		fallback = defaultCurrency
	}
	totals := domain.SpecificationTotals(items, fallback)
	if len(totals) > 0 {
		currencies := make([]string, 0, len(totals))
		for cur := range totals {
			currencies = append(currencies, cur)
		}
		sort.Strings(currencies)

		fmt.Fprintf(&b, "Items: %d\n", len(items))
		for _, cur := range currencies {
			fmt.Fprintf(&b, "Total: %.2f %s\n", totals[cur], html.EscapeString(cur))
		}
	}

	if p.PaymentMethod != "" {
		label, ok := paymentLabels[p.PaymentMethod]
		if !ok {
			label = p.PaymentMethod
		}
		fmt.Fprintf(&b, "Payment: %s\n", html.EscapeString(label))
	}

	if s := p.SupplierData; !s.IsZero() {
		b.WriteString("Supplier:")
		writeField(&b, "", s.Name)
		writeField(&b, "country", s.Country)
		writeField(&b, "bank", s.BankName)
		writeField(&b, "SWIFT", s.SwiftCode)
		writeField(&b, "account", s.AccountNumber)
		writeField(&b, "recipient", s.RecipientName)
		writeField(&b, "card", s.CardNumber)
		writeField(&b, "wallet", s.WalletAddress)
		b.WriteString("\n")
	}

	req := &domain.ApprovalRequest{
		ProjectID: p.ID,
		Gate:      gate,
		Body:      strings.TrimRight(b.String(), "\n"),
	}
	if gate == domain.GateReceiptReview && p.HasReceipt(domain.ReceiptClientKey) {
		req.DocumentURL = p.Receipts[domain.ReceiptClientKey]
		req.Caption = fmt.Sprintf("Receipt for project %s", p.ID)
	}
	return req
}

func writeField(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if label == "" {
		fmt.Fprintf(b, " %s", html.EscapeString(value))
		return
	}
	fmt.Fprintf(b, " | %s: %s", label, html.EscapeString(value))
}

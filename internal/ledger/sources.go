package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice types as stored upstream.
const (
	InvoiceStandard    = 0
	InvoiceReplacement = 1
	InvoiceCreditNote  = 2
	InvoiceDeposit     = 3
)

// InvoiceLine is the part of a mirrored invoice line used for posting.
type InvoiceLine struct {
	Description    string
	VatRate        decimal.Decimal
	TotalHT        decimal.Decimal
	TotalTVA       decimal.Decimal
	TotalTTC       decimal.Decimal
	AccountingCode string
}

// Invoice is a mirrored customer or supplier invoice.
type Invoice struct {
	Kind         SourceType
	ID           string
	Ref          string
	ThirdpartyID string
	Type         int
	Status       int
	IsActive     bool
	DateInvoice  *time.Time
	TotalHT      decimal.Decimal
	TotalTVA     decimal.Decimal
	TotalTTC     decimal.Decimal
	Lines        []InvoiceLine
}

// Payment is a mirrored payment joined with the invoice it settles.
type Payment struct {
	ID            string
	Kind          string
	InvoiceID     string
	Ref           string
	Amount        decimal.Decimal
	Date          *time.Time
	BankAccountID string
	IsActive      bool
	// InvoiceFound is false when the settled invoice is not mirrored.
	InvoiceFound bool
	InvoiceRef   string
	ThirdpartyID string
}

// Salary is a mirrored salary payment.
type Salary struct {
	ID            string
	Ref           string
	Label         string
	UserID        string
	Amount        decimal.Decimal
	DateStart     *time.Time
	DatePayment   *time.Time
	BankAccountID string
	IsActive      bool
}

// Source is a mirrored record the engine can post.
type Source interface {
	Key() (SourceType, string)
	// Eligible reports whether the record should be posted; reason explains a no.
	Eligible() (ok bool, reason string)
	Derive(snap Snapshot) (Batch, error)
}

func (inv Invoice) Key() (SourceType, string) { return inv.Kind, inv.ID }

func (inv Invoice) Eligible() (bool, string) {
	switch {
	case !inv.IsActive:
		return false, "invoice inactive upstream"
	case inv.Status < 1:
		return false, "invoice is a draft"
	case inv.DateInvoice == nil:
		return false, "invoice has no date"
	case inv.TotalTTC.IsZero() && inv.TotalHT.IsZero():
		return false, "invoice amount is zero"
	}
	return true, ""
}

func (inv Invoice) Derive(snap Snapshot) (Batch, error) {
	if inv.Kind == SourceSupplierInvoice {
		return DeriveSupplierInvoice(inv, snap)
	}
	return DeriveCustomerInvoice(inv, snap)
}

func (p Payment) Key() (SourceType, string) { return SourcePayment, p.ID }

func (p Payment) Eligible() (bool, string) {
	switch {
	case !p.IsActive:
		return false, "payment inactive upstream"
	case !p.InvoiceFound:
		return false, "settled invoice not mirrored"
	case p.Date == nil:
		return false, "payment has no date"
	case p.Amount.IsZero():
		return false, "payment amount is zero"
	}
	return true, ""
}

func (p Payment) Derive(snap Snapshot) (Batch, error) { return DerivePayment(p, snap) }

func (s Salary) Key() (SourceType, string) { return SourceSalary, s.ID }

func (s Salary) Eligible() (bool, string) {
	switch {
	case !s.IsActive:
		return false, "salary inactive upstream"
	case !s.Amount.IsPositive():
		return false, "salary amount is not positive"
	case s.postingDate() == nil:
		return false, "salary has no date"
	}
	return true, ""
}

func (s Salary) Derive(snap Snapshot) (Batch, error) { return DeriveSalary(s, snap) }

func (s Salary) postingDate() *time.Time {
	if s.DatePayment != nil {
		return s.DatePayment
	}
	return s.DateStart
}

// Package ledger derives double-entry journal rows from the mirror tables.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
)

// SourceType identifies the mirrored record a journal group was derived from.
type SourceType string

const (
	SourceCustomerInvoice SourceType = "customer_invoice"
	SourceSupplierInvoice SourceType = "supplier_invoice"
	SourcePayment         SourceType = "payment"
	SourceSalary          SourceType = "salary"
)

// AllSources lists source types in generation order.
var AllSources = []SourceType{SourceCustomerInvoice, SourceSupplierInvoice, SourcePayment, SourceSalary}

// ParseSourceType validates raw.
func ParseSourceType(raw string) (SourceType, error) {
	for _, st := range AllSources {
		if string(st) == raw {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, raw)
}

// Journal codes per source type.
const (
	JournalSales     = "VTE"
	JournalPurchases = "ACH"
	JournalBank      = "BQ"
	JournalSalaries  = "SAL"
)

// Leg is one debit-or-credit line of a batch.
type Leg struct {
	AccountCode string          `json:"account_code"`
	Label       string          `json:"label"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// Batch groups the legs derived from one source record.
type Batch struct {
	SourceType   SourceType `json:"source_type"`
	SourceID     string     `json:"source_id"`
	SourceRef    string     `json:"source_ref"`
	ThirdpartyID string     `json:"thirdparty_id"`
	JournalCode  string     `json:"journal_code"`
	EntryDate    time.Time  `json:"entry_date"`
	Legs         []Leg      `json:"legs"`
}

// Totals sums both sides.
func (b Batch) Totals() (debit, credit decimal.Decimal) {
	for _, leg := range b.Legs {
		debit = debit.Add(leg.Debit)
		credit = credit.Add(leg.Credit)
	}
	return debit, credit
}

// Check verifies the batch balances and every leg is single-sided.
func (b Batch) Check() error {
	if len(b.Legs) < 2 {
		return ErrTooFewLegs
	}
	for i, leg := range b.Legs {
		if leg.AccountCode == "" {
			return fmt.Errorf("ledger: leg %d missing account", i)
		}
		if leg.Debit.IsNegative() || leg.Credit.IsNegative() {
			return fmt.Errorf("ledger: leg %d negative amount", i)
		}
		if leg.Debit.IsZero() == leg.Credit.IsZero() {
			return fmt.Errorf("ledger: leg %d must be either debit or credit", i)
		}
	}
	debit, credit := b.Totals()
	if !debit.Equal(credit) {
		return &UnbalancedJournalError{SourceType: b.SourceType, SourceID: b.SourceID, Debit: debit, Credit: credit}
	}
	return nil
}

// OutcomeKind tags the result of generating one source.
type OutcomeKind string

const (
	OutcomeInserted OutcomeKind = "inserted"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome reports what happened to one source record.
type Outcome struct {
	SourceType SourceType  `json:"source_type"`
	SourceID   string      `json:"source_id"`
	Kind       OutcomeKind `json:"kind"`
	Reason     string      `json:"reason,omitempty"`
	PieceNum   int64       `json:"piece_num,omitempty"`
	Legs       int         `json:"legs"`
}

// GenerationReport aggregates outcomes of a regeneration run.
type GenerationReport struct {
	RunID      uuid.UUID  `json:"run_id"`
	SourceType SourceType `json:"source_type,omitempty"`
	Status     string     `json:"status"`
	Inserted   int        `json:"inserted"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Legs       int        `json:"legs"`
	Outcomes   []Outcome  `json:"outcomes"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Error      string     `json:"error,omitempty"`
}

func (r *GenerationReport) add(o Outcome) {
	switch o.Kind {
	case OutcomeInserted:
		r.Inserted++
		r.Legs += o.Legs
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// RegenerateRequest targets one source or, with an empty SourceID, a whole type.
type RegenerateRequest struct {
	SourceType  SourceType
	SourceID    string
	TriggeredBy string
}

// Entry is a stored journal row.
type Entry struct {
	ID           int64           `json:"id"`
	EntryDate    time.Time       `json:"entry_date"`
	JournalCode  string          `json:"journal_code"`
	PieceNum     int64           `json:"piece_num"`
	AccountCode  string          `json:"account_code"`
	Label        string          `json:"label"`
	Debit        decimal.Decimal `json:"debit"`
	Credit       decimal.Decimal `json:"credit"`
	SourceType   SourceType      `json:"source_type"`
	SourceID     string          `json:"source_id"`
	SourceRef    string          `json:"source_ref"`
	ThirdpartyID string          `json:"thirdparty_id"`
	CurrencyCode string          `json:"currency_code"`
	IsLocked     bool            `json:"is_locked"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Filter narrows journal queries. Zero values are ignored.
type Filter struct {
	DateFrom    *time.Time
	DateTo      *time.Time
	AccountCode string
	JournalCode string
	SourceType  SourceType
	SourceID    string
	Page        int
	PerPage     int
}

// AccountTotal is the debit/credit sum of one account over a filter.
type AccountTotal struct {
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

// OrphanGroup is a journal group whose source row no longer exists.
type OrphanGroup struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Rows       int        `json:"rows"`
	Locked     int        `json:"locked"`
}

// LockRequest locks every unlocked row dated on or before DateTo.
type LockRequest struct {
	DateTo time.Time
	Actor  string
}

var (
	// ErrOrphanedSource is returned when no mirrored row backs the requested source.
	ErrOrphanedSource = fmt.Errorf("ledger: source not mirrored: %w", httpx.ErrNotFound)
	// ErrUnknownSource rejects an unsupported source type.
	ErrUnknownSource = fmt.Errorf("ledger: unknown source type: %w", httpx.ErrValidation)
	// ErrUnbalanced is matched by every UnbalancedJournalError.
	ErrUnbalanced = errors.New("ledger: journal legs must balance")
	// ErrTooFewLegs indicates a batch with less than two legs.
	ErrTooFewLegs = errors.New("ledger: journal requires at least two legs")
	// ErrMissingVatAccount is matched by every MissingVatAccountError.
	ErrMissingVatAccount = errors.New("ledger: vat account not configured")
	// ErrMissingConfig indicates a required default account key is empty.
	ErrMissingConfig = errors.New("ledger: config key not set")
	// ErrUnknownAccount indicates a leg posts to a code outside the active chart of accounts.
	ErrUnknownAccount = errors.New("ledger: account not in chart of accounts")
	// ErrRegenerationBusy is returned when another worker holds the source.
	ErrRegenerationBusy = fmt.Errorf("ledger: source regeneration in progress: %w", httpx.ErrConflict)
)

// UnbalancedJournalError describes a batch whose sides differ.
type UnbalancedJournalError struct {
	SourceType SourceType
	SourceID   string
	Debit      decimal.Decimal
	Credit     decimal.Decimal
}

func (e *UnbalancedJournalError) Error() string {
	return fmt.Sprintf("ledger: %s %s unbalanced: debit %s credit %s",
		e.SourceType, e.SourceID, e.Debit.StringFixed(2), e.Credit.StringFixed(2))
}

func (e *UnbalancedJournalError) Is(target error) bool { return target == ErrUnbalanced }

// MissingVatAccountError names the config key a VAT rate needs.
type MissingVatAccountError struct {
	Key  string
	Rate decimal.Decimal
}

func (e *MissingVatAccountError) Error() string {
	return fmt.Sprintf("ledger: vat rate %s%% has no account (set %s)", e.Rate.String(), e.Key)
}

func (e *MissingVatAccountError) Is(target error) bool { return target == ErrMissingVatAccount }

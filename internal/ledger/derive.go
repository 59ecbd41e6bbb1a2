package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	hundred  = decimal.NewFromInt(100)
	minusOne = decimal.NewFromInt(-1)
)

var errNoDate = errors.New("ledger: source has no posting date")

// builder accumulates legs. Amounts are multiplied by sign and rounded to
// cents; a negative amount is posted on the opposite side and a zero amount
// produces no leg.
type builder struct {
	batch Batch
	sign  decimal.Decimal
}

func newBuilder(b Batch) *builder {
	return &builder{batch: b, sign: decimal.NewFromInt(1)}
}

func (b *builder) debit(account, label string, amount decimal.Decimal) {
	b.post(account, label, amount, true)
}

func (b *builder) credit(account, label string, amount decimal.Decimal) {
	b.post(account, label, amount, false)
}

func (b *builder) post(account, label string, amount decimal.Decimal, debit bool) {
	amount = amount.Mul(b.sign).Round(2)
	if amount.IsZero() {
		return
	}
	if amount.IsNegative() {
		amount = amount.Neg()
		debit = !debit
	}
	leg := Leg{AccountCode: account, Label: label}
	if debit {
		leg.Debit = amount
	} else {
		leg.Credit = amount
	}
	b.batch.Legs = append(b.batch.Legs, leg)
}

func (b *builder) finish(snap Snapshot) (Batch, error) {
	if err := b.batch.Check(); err != nil {
		return Batch{}, err
	}
	if err := snap.checkAccounts(b.batch); err != nil {
		return Batch{}, err
	}
	return b.batch, nil
}

type vatGroup struct {
	rate decimal.Decimal
	tva  decimal.Decimal
}

// vatGroups sums line VAT per rate, ordered by rate. Invoices without lines
// fall back to the header totals with the rate implied by them.
func vatGroups(inv Invoice) []vatGroup {
	if len(inv.Lines) == 0 {
		if inv.TotalTVA.IsZero() {
			return nil
		}
		rate := decimal.Zero
		if !inv.TotalHT.IsZero() {
			rate = inv.TotalTVA.Div(inv.TotalHT).Mul(hundred).Round(2)
		}
		return []vatGroup{{rate: rate, tva: inv.TotalTVA}}
	}
	byRate := make(map[string]*vatGroup)
	for _, line := range inv.Lines {
		key := line.VatRate.String()
		g, ok := byRate[key]
		if !ok {
			g = &vatGroup{rate: line.VatRate}
			byRate[key] = g
		}
		g.tva = g.tva.Add(line.TotalTVA)
	}
	out := make([]vatGroup, 0, len(byRate))
	for _, g := range byRate {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rate.LessThan(out[j].rate) })
	return out
}

func invoiceBuilder(inv Invoice, journal string) (*builder, error) {
	if inv.DateInvoice == nil {
		return nil, errNoDate
	}
	b := newBuilder(Batch{
		SourceType:   inv.Kind,
		SourceID:     inv.ID,
		SourceRef:    inv.Ref,
		ThirdpartyID: inv.ThirdpartyID,
		JournalCode:  journal,
		EntryDate:    *inv.DateInvoice,
	})
	// credit notes mirrored with positive totals are posted reversed
	if inv.Type == InvoiceCreditNote && inv.TotalTTC.IsPositive() {
		b.sign = minusOne
	}
	return b, nil
}

// DeriveCustomerInvoice posts AR against revenue and output VAT per rate.
func DeriveCustomerInvoice(inv Invoice, snap Snapshot) (Batch, error) {
	b, err := invoiceBuilder(inv, JournalSales)
	if err != nil {
		return Batch{}, err
	}
	ar, err := snap.Account(KeyARAccount)
	if err != nil {
		return Batch{}, err
	}
	revenue, err := snap.Account(KeyRevenueAccount)
	if err != nil {
		return Batch{}, err
	}

	b.debit(ar, "Customer invoice "+inv.Ref, inv.TotalTTC)
	b.credit(revenue, "Revenue - "+inv.Ref, inv.TotalHT)
	for _, g := range vatGroups(inv) {
		if g.tva.IsZero() {
			continue
		}
		account, err := snap.VatAccount(VatOutput, g.rate)
		if err != nil {
			return Batch{}, err
		}
		b.credit(account, fmt.Sprintf("VAT output %s%% - %s", g.rate.String(), inv.Ref), g.tva)
	}
	return b.finish(snap)
}

// DeriveSupplierInvoice posts expenses and input VAT per rate against AP.
// Expense legs are grouped per resolved account.
func DeriveSupplierInvoice(inv Invoice, snap Snapshot) (Batch, error) {
	b, err := invoiceBuilder(inv, JournalPurchases)
	if err != nil {
		return Batch{}, err
	}
	ap, err := snap.Account(KeyAPAccount)
	if err != nil {
		return Batch{}, err
	}

	type expense struct {
		account string
		amount  decimal.Decimal
	}
	var expenses []*expense
	if len(inv.Lines) == 0 {
		account, err := snap.ExpenseAccount("")
		if err != nil {
			return Batch{}, err
		}
		expenses = append(expenses, &expense{account: account, amount: inv.TotalHT})
	} else {
		index := make(map[string]*expense)
		for _, line := range inv.Lines {
			account, err := snap.ExpenseAccount(line.AccountingCode)
			if err != nil {
				return Batch{}, err
			}
			e, ok := index[account]
			if !ok {
				e = &expense{account: account}
				index[account] = e
				expenses = append(expenses, e)
			}
			e.amount = e.amount.Add(line.TotalHT)
		}
	}
	for _, e := range expenses {
		b.debit(e.account, "Expense - "+inv.Ref, e.amount)
	}
	for _, g := range vatGroups(inv) {
		if g.tva.IsZero() {
			continue
		}
		account, err := snap.VatAccount(VatInput, g.rate)
		if err != nil {
			return Batch{}, err
		}
		b.debit(account, fmt.Sprintf("VAT input %s%% - %s", g.rate.String(), inv.Ref), g.tva)
	}
	b.credit(ap, "Supplier invoice "+inv.Ref, inv.TotalTTC)
	return b.finish(snap)
}

// DerivePayment posts a customer receipt (bank against AR) or a supplier
// payment (AP against bank).
func DerivePayment(p Payment, snap Snapshot) (Batch, error) {
	if p.Date == nil {
		return Batch{}, errNoDate
	}
	bank, err := snap.BankAccount(p.BankAccountID)
	if err != nil {
		return Batch{}, err
	}
	b := newBuilder(Batch{
		SourceType:   SourcePayment,
		SourceID:     p.ID,
		SourceRef:    p.Ref,
		ThirdpartyID: p.ThirdpartyID,
		JournalCode:  JournalBank,
		EntryDate:    *p.Date,
	})
	ref := p.InvoiceRef
	if ref == "" {
		ref = p.Ref
	}
	switch p.Kind {
	case "customer":
		ar, err := snap.Account(KeyARAccount)
		if err != nil {
			return Batch{}, err
		}
		b.debit(bank, "Payment received - "+ref, p.Amount)
		b.credit(ar, "Payment received - "+ref, p.Amount)
	case "supplier":
		ap, err := snap.Account(KeyAPAccount)
		if err != nil {
			return Batch{}, err
		}
		b.debit(ap, "Payment made - "+ref, p.Amount)
		b.credit(bank, "Payment made - "+ref, p.Amount)
	default:
		return Batch{}, fmt.Errorf("ledger: payment %s has unknown kind %q", p.ID, p.Kind)
	}
	return b.finish(snap)
}

// DeriveSalary posts the salary expense against the paying bank account.
func DeriveSalary(s Salary, snap Snapshot) (Batch, error) {
	date := s.postingDate()
	if date == nil {
		return Batch{}, errNoDate
	}
	expense, err := snap.Account(KeySalaryAccount)
	if err != nil {
		return Batch{}, err
	}
	bank, err := snap.BankAccount(s.BankAccountID)
	if err != nil {
		return Batch{}, err
	}
	name := s.Label
	if name == "" {
		name = s.Ref
	}
	if name == "" {
		name = "ID " + s.ID
	}
	b := newBuilder(Batch{
		SourceType:   SourceSalary,
		SourceID:     s.ID,
		SourceRef:    s.Ref,
		ThirdpartyID: s.UserID,
		JournalCode:  JournalSalaries,
		EntryDate:    *date,
	})
	b.debit(expense, "Salary - "+name, s.Amount)
	b.credit(bank, "Salary payment - "+name, s.Amount)
	return b.finish(snap)
}

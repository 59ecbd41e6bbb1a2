package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config keys read by the derivation rules.
const (
	KeyARAccount      = "default_ar_account"
	KeyAPAccount      = "default_ap_account"
	KeyRevenueAccount = "default_revenue_account"
	KeyExpenseAccount = "default_expense_account"
	KeySalaryAccount  = "default_salary_account"
	KeyBankAccount    = "default_bank_account"
)

// VAT directions.
const (
	VatOutput = "output"
	VatInput  = "input"
)

// Snapshot is the configuration state a generation run derives from. It is
// loaded once per run and never shared between runs.
type Snapshot struct {
	// Config holds settings_config key/value pairs.
	Config map[string]string
	// Mappings resolves an upstream accounting code to a chart of accounts code.
	Mappings map[string]string
	// Accounts is the set of active chart of accounts codes.
	Accounts map[string]bool
	// Banks resolves a mirrored bank account id to its account number.
	Banks map[string]string
}

// Account returns the code stored under key.
func (s Snapshot) Account(key string) (string, error) {
	code := s.Config[key]
	if code == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingConfig, key)
	}
	return code, nil
}

// VatKey is the config key holding the account for rate in direction.
func VatKey(direction string, rate decimal.Decimal) string {
	return fmt.Sprintf("vat_%s_%s_account", direction, rate.String())
}

// VatAccount resolves the VAT account of rate. There is no fallback: an
// unconfigured rate fails the source.
func (s Snapshot) VatAccount(direction string, rate decimal.Decimal) (string, error) {
	key := VatKey(direction, rate)
	code := s.Config[key]
	if code == "" {
		return "", &MissingVatAccountError{Key: key, Rate: rate}
	}
	return code, nil
}

// ExpenseAccount resolves an upstream accounting code through the active
// mappings, falling back to the default expense account.
func (s Snapshot) ExpenseAccount(upstreamCode string) (string, error) {
	if upstreamCode != "" {
		if code, ok := s.Mappings[upstreamCode]; ok {
			return code, nil
		}
	}
	return s.Account(KeyExpenseAccount)
}

// BankAccount resolves the ledger code of a mirrored bank account. The
// account number is used only when it is itself an active ledger code.
func (s Snapshot) BankAccount(bankAccountID string) (string, error) {
	if number := s.Banks[bankAccountID]; number != "" && s.Accounts[number] {
		return number, nil
	}
	return s.Account(KeyBankAccount)
}

func (s Snapshot) checkAccounts(b Batch) error {
	for _, leg := range b.Legs {
		if !s.Accounts[leg.AccountCode] {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, leg.AccountCode)
		}
	}
	return nil
}

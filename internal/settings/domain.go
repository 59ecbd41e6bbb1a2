// Package settings manages the chart of accounts, upstream account mappings
// and the key/value configuration read by journal generation.
package settings

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// Account models a chart of accounts entry.
type Account struct {
	ID           int64       `json:"id"`
	Code         string      `json:"account_code"`
	Name         string      `json:"account_name"`
	Type         AccountType `json:"account_type"`
	Category     string      `json:"account_category"`
	ParentCode   string      `json:"parent_code"`
	DisplayOrder int         `json:"display_order"`
	IsActive     bool        `json:"is_active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Mapping links an upstream accounting code to a chart of accounts code.
type Mapping struct {
	ID                int64     `json:"id"`
	UpstreamAccountID string    `json:"upstream_account_id"`
	UpstreamLabel     string    `json:"upstream_label"`
	CostCategory      string    `json:"cost_category"`
	CoaCode           string    `json:"coa_code"`
	Notes             string    `json:"notes"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConfigEntry is one settings_config row.
type ConfigEntry struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountInput creates an account.
type AccountInput struct {
	Code         string      `json:"account_code" validate:"required,max=32,alphanum"`
	Name         string      `json:"account_name" validate:"required,max=200"`
	Type         AccountType `json:"account_type" validate:"required,oneof=asset liability equity revenue expense"`
	Category     string      `json:"account_category" validate:"max=64"`
	ParentCode   string      `json:"parent_code" validate:"omitempty,max=32,alphanum"`
	DisplayOrder int         `json:"display_order" validate:"gte=0"`
	Actor        string      `json:"-"`
}

// AccountUpdate rewrites the mutable fields of an account. The code never changes.
type AccountUpdate struct {
	Name         string      `json:"account_name" validate:"required,max=200"`
	Type         AccountType `json:"account_type" validate:"required,oneof=asset liability equity revenue expense"`
	Category     string      `json:"account_category" validate:"max=64"`
	ParentCode   string      `json:"parent_code" validate:"omitempty,max=32,alphanum"`
	DisplayOrder int         `json:"display_order" validate:"gte=0"`
	IsActive     *bool       `json:"is_active"`
	Actor        string      `json:"-"`
}

// MappingInput creates or rewrites a mapping.
type MappingInput struct {
	UpstreamAccountID string `json:"upstream_account_id" validate:"required,max=64"`
	UpstreamLabel     string `json:"upstream_label" validate:"max=200"`
	CostCategory      string `json:"cost_category" validate:"max=64"`
	CoaCode           string `json:"coa_code" validate:"required,max=32"`
	Notes             string `json:"notes" validate:"max=2000"`
	Actor             string `json:"-"`
}

// ConfigInput upserts a config key.
type ConfigInput struct {
	Key         string `json:"-" validate:"required,max=100"`
	Value       string `json:"value" validate:"required,max=500"`
	Description string `json:"description" validate:"max=500"`
	Actor       string `json:"-"`
}

var (
	// ErrMappingConflict rejects a second active mapping for one upstream account.
	ErrMappingConflict = fmt.Errorf("settings: active mapping already exists: %w", httpx.ErrConflict)
	// ErrAccountNotFound indicates a missing chart of accounts entry.
	ErrAccountNotFound = fmt.Errorf("settings: account not found: %w", httpx.ErrNotFound)
	// ErrDuplicateAccount rejects a reused account code.
	ErrDuplicateAccount = fmt.Errorf("settings: account code already exists: %w", httpx.ErrDuplicate)
	// ErrMappingNotFound indicates a missing mapping.
	ErrMappingNotFound = fmt.Errorf("settings: mapping not found: %w", httpx.ErrNotFound)
	// ErrConfigNotFound indicates a missing config key.
	ErrConfigNotFound = fmt.Errorf("settings: config key not found: %w", httpx.ErrNotFound)
	// ErrInactiveAccount rejects references to unknown or inactive account codes.
	ErrInactiveAccount = fmt.Errorf("settings: account code is not an active account: %w", httpx.ErrValidation)
)

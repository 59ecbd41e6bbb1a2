package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/finmirror/internal/platform/httpx"
	"github.com/odyssey-erp/finmirror/internal/shared"
)

// Repository abstracts settings persistence.
type Repository interface {
	ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error)
	GetAccount(ctx context.Context, code string) (Account, error)
	InsertAccount(ctx context.Context, in AccountInput) (Account, error)
	UpdateAccount(ctx context.Context, code string, in AccountUpdate) (Account, error)
	DeactivateAccount(ctx context.Context, code string) error

	ListMappings(ctx context.Context, activeOnly bool) ([]Mapping, error)
	GetMapping(ctx context.Context, id int64) (Mapping, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	ListConfig(ctx context.Context) ([]ConfigEntry, error)
	GetConfig(ctx context.Context, key string) (ConfigEntry, error)
	UpsertConfig(ctx context.Context, in ConfigInput) (ConfigEntry, error)
	DeleteConfig(ctx context.Context, key string) error
}

// TxRepository exposes the mapping writes that need the uniqueness check in
// the same transaction.
type TxRepository interface {
	// LockUpstreamAccount serializes writers of one upstream account id until commit.
	LockUpstreamAccount(ctx context.Context, upstreamAccountID string) error
	// ActiveMappingID returns the id of the active mapping for the upstream
	// account other than exclude, or 0.
	ActiveMappingID(ctx context.Context, upstreamAccountID string, exclude int64) (int64, error)
	AccountActive(ctx context.Context, code string) (bool, error)
	GetMapping(ctx context.Context, id int64) (Mapping, error)
	InsertMapping(ctx context.Context, in MappingInput) (Mapping, error)
	UpdateMapping(ctx context.Context, id int64, in MappingInput) (Mapping, error)
	DeactivateMapping(ctx context.Context, id int64) error
}

// AuditPort records settings changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates settings reads and audited writes.
type Service struct {
	repo   Repository
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the settings service. audit may be nil.
func NewService(repo Repository, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger.With(slog.String("component", "settings")), now: time.Now}
}

func (s *Service) record(ctx context.Context, actor, action, entity, id string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{Actor: actor, Action: action, Entity: entity, EntityID: id, Meta: meta, At: s.now()}); err != nil {
		s.logger.Warn("audit settings change", slog.String("action", action), slog.Any("error", err))
	}
}

// ListAccounts returns the chart of accounts ordered for display.
func (s *Service) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	return s.repo.ListAccounts(ctx, activeOnly)
}

// GetAccount returns one account by code.
func (s *Service) GetAccount(ctx context.Context, code string) (Account, error) {
	return s.repo.GetAccount(ctx, code)
}

// CreateAccount inserts a new account. Codes are unique forever, including
// deactivated ones.
func (s *Service) CreateAccount(ctx context.Context, in AccountInput) (Account, error) {
	if in.ParentCode != "" {
		_, err := s.repo.GetAccount(ctx, in.ParentCode)
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, fmt.Errorf("%w: parent %s does not exist", httpx.ErrValidation, in.ParentCode)
		}
		if err != nil {
			return Account{}, err
		}
	}
	account, err := s.repo.InsertAccount(ctx, in)
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.Actor, "account.create", "chart_of_accounts", account.Code, map[string]any{"name": account.Name, "type": account.Type})
	return account, nil
}

// UpdateAccount rewrites name, type, category, parent and order.
func (s *Service) UpdateAccount(ctx context.Context, code string, in AccountUpdate) (Account, error) {
	if in.ParentCode == code {
		return Account{}, fmt.Errorf("%w: account cannot be its own parent", httpx.ErrValidation)
	}
	account, err := s.repo.UpdateAccount(ctx, code, in)
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.Actor, "account.update", "chart_of_accounts", code, map[string]any{"name": account.Name, "is_active": account.IsActive})
	return account, nil
}

// DeactivateAccount soft-deletes an account; journal rows keep referencing it.
func (s *Service) DeactivateAccount(ctx context.Context, code, actor string) error {
	if err := s.repo.DeactivateAccount(ctx, code); err != nil {
		return err
	}
	s.record(ctx, actor, "account.deactivate", "chart_of_accounts", code, nil)
	return nil
}

// ListMappings returns mappings, optionally only the active ones.
func (s *Service) ListMappings(ctx context.Context, activeOnly bool) ([]Mapping, error) {
	return s.repo.ListMappings(ctx, activeOnly)
}

// GetMapping returns one mapping.
func (s *Service) GetMapping(ctx context.Context, id int64) (Mapping, error) {
	return s.repo.GetMapping(ctx, id)
}

func checkMapping(ctx context.Context, tx TxRepository, in MappingInput, exclude int64) error {
	if err := tx.LockUpstreamAccount(ctx, in.UpstreamAccountID); err != nil {
		return err
	}
	existing, err := tx.ActiveMappingID(ctx, in.UpstreamAccountID, exclude)
	if err != nil {
		return err
	}
	if existing != 0 {
		return fmt.Errorf("%w: %s is mapped by #%d", ErrMappingConflict, in.UpstreamAccountID, existing)
	}
	active, err := tx.AccountActive(ctx, in.CoaCode)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrInactiveAccount, in.CoaCode)
	}
	return nil
}

// CreateMapping inserts a mapping after checking, inside the same
// transaction, that the upstream account has no other active mapping.
func (s *Service) CreateMapping(ctx context.Context, in MappingInput) (Mapping, error) {
	in.UpstreamAccountID = strings.TrimSpace(in.UpstreamAccountID)
	var mapping Mapping
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := checkMapping(ctx, tx, in, 0); err != nil {
			return err
		}
		var err error
		mapping, err = tx.InsertMapping(ctx, in)
		return err
	})
	if err != nil {
		return Mapping{}, err
	}
	s.record(ctx, in.Actor, "mapping.create", "account_mappings", strconv.FormatInt(mapping.ID, 10),
		map[string]any{"upstream_account_id": mapping.UpstreamAccountID, "coa_code": mapping.CoaCode})
	return mapping, nil
}

// UpdateMapping rewrites a mapping and reactivates it, with the same
// uniqueness check as CreateMapping.
func (s *Service) UpdateMapping(ctx context.Context, id int64, in MappingInput) (Mapping, error) {
	in.UpstreamAccountID = strings.TrimSpace(in.UpstreamAccountID)
	var mapping Mapping
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetMapping(ctx, id); err != nil {
			return err
		}
		if err := checkMapping(ctx, tx, in, id); err != nil {
			return err
		}
		var err error
		mapping, err = tx.UpdateMapping(ctx, id, in)
		return err
	})
	if err != nil {
		return Mapping{}, err
	}
	s.record(ctx, in.Actor, "mapping.update", "account_mappings", strconv.FormatInt(id, 10),
		map[string]any{"upstream_account_id": mapping.UpstreamAccountID, "coa_code": mapping.CoaCode})
	return mapping, nil
}

// DeactivateMapping soft-deletes a mapping.
func (s *Service) DeactivateMapping(ctx context.Context, id int64, actor string) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeactivateMapping(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actor, "mapping.deactivate", "account_mappings", strconv.FormatInt(id, 10), nil)
	return nil
}

// ListConfig returns every config key.
func (s *Service) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	return s.repo.ListConfig(ctx)
}

// GetConfig returns one config key.
func (s *Service) GetConfig(ctx context.Context, key string) (ConfigEntry, error) {
	return s.repo.GetConfig(ctx, key)
}

// PutConfig upserts a key. Keys naming an account must point at an active
// chart of accounts entry.
func (s *Service) PutConfig(ctx context.Context, in ConfigInput) (ConfigEntry, error) {
	if strings.HasSuffix(in.Key, "_account") {
		account, err := s.repo.GetAccount(ctx, in.Value)
		if errors.Is(err, ErrAccountNotFound) || err == nil && !account.IsActive {
			return ConfigEntry{}, fmt.Errorf("%w: %s", ErrInactiveAccount, in.Value)
		}
		if err != nil {
			return ConfigEntry{}, err
		}
	}
	before, err := s.repo.GetConfig(ctx, in.Key)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return ConfigEntry{}, err
	}
	entry, err := s.repo.UpsertConfig(ctx, in)
	if err != nil {
		return ConfigEntry{}, err
	}
	s.record(ctx, in.Actor, "config.put", "settings_config", in.Key, map[string]any{"from": before.Value, "to": entry.Value})
	return entry, nil
}

// DeleteConfig removes a key.
func (s *Service) DeleteConfig(ctx context.Context, key, actor string) error {
	if err := s.repo.DeleteConfig(ctx, key); err != nil {
		return err
	}
	s.record(ctx, actor, "config.delete", "settings_config", key, nil)
	return nil
}

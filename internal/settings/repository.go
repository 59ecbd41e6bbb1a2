package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finmirror/internal/platform/db"
)

const uniqueViolation = "23505"

const accountColumns = `id, account_code, account_name, account_type, account_category, parent_code, display_order, is_active, created_at, updated_at`

const mappingColumns = `id, upstream_account_id, upstream_label, cost_category, coa_code, notes, is_active, created_at, updated_at`

// PostgresRepository persists settings in chart_of_accounts, account_mappings
// and settings_config.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PostgresRepository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanAccount(row pgx.CollectableRow) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.Category, &a.ParentCode, &a.DisplayOrder, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanMapping(row pgx.CollectableRow) (Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.UpstreamAccountID, &m.UpstreamLabel, &m.CostCategory, &m.CoaCode, &m.Notes, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func oneAccount(ctx context.Context, q querier, notFound error, sql string, args ...any) (Account, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return Account{}, err
	}
	account, err := pgx.CollectExactlyOneRow(rows, scanAccount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, notFound
	}
	return account, err
}

func oneMapping(ctx context.Context, q querier, sql string, args ...any) (Mapping, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return Mapping{}, err
	}
	mapping, err := pgx.CollectExactlyOneRow(rows, scanMapping)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, ErrMappingNotFound
	}
	return mapping, err
}

// ListAccounts returns accounts by display order then code.
func (r *PostgresRepository) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM chart_of_accounts
WHERE is_active OR NOT $1 ORDER BY display_order, account_code`, activeOnly)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAccount)
}

// GetAccount returns one account, active or not.
func (r *PostgresRepository) GetAccount(ctx context.Context, code string) (Account, error) {
	return oneAccount(ctx, r.pool, ErrAccountNotFound, `SELECT `+accountColumns+` FROM chart_of_accounts WHERE account_code = $1`, code)
}

// InsertAccount creates an account.
func (r *PostgresRepository) InsertAccount(ctx context.Context, in AccountInput) (Account, error) {
	account, err := oneAccount(ctx, r.pool, ErrAccountNotFound, `INSERT INTO chart_of_accounts
    (account_code, account_name, account_type, account_category, parent_code, display_order)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+accountColumns, in.Code, in.Name, in.Type, in.Category, in.ParentCode, in.DisplayOrder)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return Account{}, fmt.Errorf("%w: %s", ErrDuplicateAccount, in.Code)
	}
	return account, err
}

// UpdateAccount rewrites the mutable columns. A nil IsActive keeps the flag.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, code string, in AccountUpdate) (Account, error) {
	return oneAccount(ctx, r.pool, ErrAccountNotFound, `UPDATE chart_of_accounts SET
    account_name = $2, account_type = $3, account_category = $4, parent_code = $5,
    display_order = $6, is_active = COALESCE($7, is_active), updated_at = NOW()
WHERE account_code = $1
RETURNING `+accountColumns, code, in.Name, in.Type, in.Category, in.ParentCode, in.DisplayOrder, in.IsActive)
}

// DeactivateAccount clears is_active.
func (r *PostgresRepository) DeactivateAccount(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE chart_of_accounts SET is_active = FALSE, updated_at = NOW() WHERE account_code = $1`, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ListMappings returns mappings ordered by upstream code.
func (r *PostgresRepository) ListMappings(ctx context.Context, activeOnly bool) ([]Mapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+mappingColumns+` FROM account_mappings
WHERE is_active OR NOT $1 ORDER BY upstream_account_id, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanMapping)
}

// GetMapping returns one mapping.
func (r *PostgresRepository) GetMapping(ctx context.Context, id int64) (Mapping, error) {
	return oneMapping(ctx, r.pool, `SELECT `+mappingColumns+` FROM account_mappings WHERE id = $1`, id)
}

// WithTx runs fn in a read-committed transaction so statements issued after
// the advisory lock see rows committed by the previous holder.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("settings repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	}, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) LockUpstreamAccount(ctx context.Context, upstreamAccountID string) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('account_mappings:' || $1))`, upstreamAccountID)
	return err
}

func (r *txRepository) ActiveMappingID(ctx context.Context, upstreamAccountID string, exclude int64) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MIN(id), 0) FROM account_mappings
WHERE upstream_account_id = $1 AND is_active AND id <> $2`, upstreamAccountID, exclude).Scan(&id)
	return id, err
}

func (r *txRepository) AccountActive(ctx context.Context, code string) (bool, error) {
	var active bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chart_of_accounts WHERE account_code = $1 AND is_active)`, code).Scan(&active)
	return active, err
}

func (r *txRepository) GetMapping(ctx context.Context, id int64) (Mapping, error) {
	return oneMapping(ctx, r.tx, `SELECT `+mappingColumns+` FROM account_mappings WHERE id = $1 FOR UPDATE`, id)
}

func (r *txRepository) InsertMapping(ctx context.Context, in MappingInput) (Mapping, error) {
	return oneMapping(ctx, r.tx, `INSERT INTO account_mappings
    (upstream_account_id, upstream_label, cost_category, coa_code, notes)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+mappingColumns, in.UpstreamAccountID, in.UpstreamLabel, in.CostCategory, in.CoaCode, in.Notes)
}

func (r *txRepository) UpdateMapping(ctx context.Context, id int64, in MappingInput) (Mapping, error) {
	return oneMapping(ctx, r.tx, `UPDATE account_mappings SET
    upstream_account_id = $2, upstream_label = $3, cost_category = $4, coa_code = $5, notes = $6,
    is_active = TRUE, updated_at = NOW()
WHERE id = $1
RETURNING `+mappingColumns, id, in.UpstreamAccountID, in.UpstreamLabel, in.CostCategory, in.CoaCode, in.Notes)
}

func (r *txRepository) DeactivateMapping(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE account_mappings SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// ListConfig returns every config key ordered by key.
func (r *PostgresRepository) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value, description, updated_at FROM settings_config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[ConfigEntry])
}

// GetConfig returns one key.
func (r *PostgresRepository) GetConfig(ctx context.Context, key string) (ConfigEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value, description, updated_at FROM settings_config WHERE key = $1`, key)
	if err != nil {
		return ConfigEntry{}, err
	}
	entry, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[ConfigEntry])
	if errors.Is(err, pgx.ErrNoRows) {
		return ConfigEntry{}, ErrConfigNotFound
	}
	return entry, err
}

// UpsertConfig inserts or overwrites a key. An empty description keeps the
// stored one.
func (r *PostgresRepository) UpsertConfig(ctx context.Context, in ConfigInput) (ConfigEntry, error) {
	rows, err := r.pool.Query(ctx, `INSERT INTO settings_config (key, value, description)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    description = COALESCE(NULLIF(EXCLUDED.description, ''), settings_config.description),
    updated_at = NOW()
RETURNING key, value, description, updated_at`, in.Key, in.Value, in.Description)
	if err != nil {
		return ConfigEntry{}, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[ConfigEntry])
}

// DeleteConfig removes a key.
func (r *PostgresRepository) DeleteConfig(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM settings_config WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConfigNotFound
	}
	return nil
}

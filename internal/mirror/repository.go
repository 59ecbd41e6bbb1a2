package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finmirror/internal/platform/db"
)

// PostgresRepository provides PostgreSQL backed persistence for mirror tables.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// States loads the hash and active flag of every row of spec's table.
func (r *PostgresRepository) States(ctx context.Context, spec Spec) (map[string]State, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT upstream_id, content_hash, is_active FROM %s`, ident(spec.Table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]State)
	for rows.Next() {
		var id string
		var st State
		if err := rows.Scan(&id, &st.Hash, &st.Active); err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, rows.Err()
}

// Insert creates the row and its lines in one transaction.
func (r *PostgresRepository) Insert(ctx context.Context, spec Spec, rec Record, hash string, at time.Time) error {
	cols := make([]string, 0, len(spec.Columns)+5)
	args := make([]any, 0, len(spec.Columns)+5)
	cols = append(cols, "upstream_id")
	args = append(args, rec.UpstreamID)
	for _, col := range spec.Columns {
		cols = append(cols, ident(col))
		args = append(args, rec.Fields[col])
	}
	cols = append(cols, "content_hash", "first_synced_at", "last_synced_at", "is_active")
	args = append(args, hash, at, at, true)

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, ident(spec.Table), strings.Join(cols, ", "), placeholders(1, len(args)))
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return err
		}
		return replaceLines(ctx, tx, spec, rec)
	}, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

// Update rewrites mapped columns, refreshes last_synced_at and reactivates the
// row. first_synced_at and the surrogate id are left untouched.
func (r *PostgresRepository) Update(ctx context.Context, spec Spec, rec Record, hash string, at time.Time) error {
	sets := make([]string, 0, len(spec.Columns)+3)
	args := make([]any, 0, len(spec.Columns)+3)
	args = append(args, rec.UpstreamID)
	for _, col := range spec.Columns {
		args = append(args, rec.Fields[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), len(args)))
	}
	args = append(args, hash, at)
	sets = append(sets, fmt.Sprintf("content_hash = $%d", len(args)-1), fmt.Sprintf("last_synced_at = $%d", len(args)), "is_active = TRUE")

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE upstream_id = $1`, ident(spec.Table), strings.Join(sets, ", "))
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("mirror: %s %s vanished during update", spec.Table, rec.UpstreamID)
		}
		return replaceLines(ctx, tx, spec, rec)
	}, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

func replaceLines(ctx context.Context, tx pgx.Tx, spec Spec, rec Record) error {
	if spec.LineTable == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE invoice_upstream_id = $1`, ident(spec.LineTable)), rec.UpstreamID); err != nil {
		return err
	}
	if len(rec.Lines) == 0 {
		return nil
	}
	cols := make([]string, 0, len(spec.LineColumns)+1)
	cols = append(cols, "invoice_upstream_id")
	for _, col := range spec.LineColumns {
		cols = append(cols, ident(col))
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, ident(spec.LineTable), strings.Join(cols, ", "), placeholders(1, len(cols)))

	batch := &pgx.Batch{}
	for _, line := range rec.Lines {
		args := make([]any, 0, len(cols))
		args = append(args, rec.UpstreamID)
		for _, col := range spec.LineColumns {
			args = append(args, line[col])
		}
		batch.Queue(query, args...)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// Deactivate soft-deletes the given active rows and reports how many changed.
func (r *PostgresRepository) Deactivate(ctx context.Context, spec Spec, upstreamIDs []string, _ time.Time) (int, error) {
	if len(upstreamIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET is_active = FALSE WHERE upstream_id = ANY($1) AND is_active`, ident(spec.Table)), upstreamIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ActiveIDs lists the upstream ids of active rows.
func (r *PostgresRepository) ActiveIDs(ctx context.Context, spec Spec) ([]string, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT upstream_id FROM %s WHERE is_active ORDER BY upstream_id`, ident(spec.Table)))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Count returns total and active row counts.
func (r *PostgresRepository) Count(ctx context.Context, spec Spec) (TableCount, error) {
	out := TableCount{EntityType: spec.Entity, Table: spec.Table}
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM %s`, ident(spec.Table))).
		Scan(&out.Total, &out.Active)
	return out, err
}

func lastSyncKey(entity EntityType) string {
	return "last_" + string(entity) + "_sync"
}

// LastSyncs reads the last_<entity>_sync config keys.
func (r *PostgresRepository) LastSyncs(ctx context.Context) (map[EntityType]time.Time, error) {
	keys := make([]string, 0, len(AllEntities))
	for _, e := range AllEntities {
		keys = append(keys, lastSyncKey(e))
	}
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM settings_config WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[EntityType]time.Time)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			// hand-edited values are ignored rather than failing the status page
			continue
		}
		out[EntityType(strings.TrimSuffix(strings.TrimPrefix(key, "last_"), "_sync"))] = at
	}
	return out, rows.Err()
}

// SetLastSync stores the last_<entity>_sync config key.
func (r *PostgresRepository) SetLastSync(ctx context.Context, entity EntityType, at time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO settings_config (key, value, description, updated_at)
VALUES ($1, $2, 'last successful sync start', NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, lastSyncKey(entity), at.UTC().Format(time.RFC3339))
	return err
}

func placeholders(from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", from+i)
	}
	return b.String()
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/finmirror/internal/platform/db"
)

var sourceTables = map[SourceType]string{
	SourceCustomerInvoice: "mirror_customer_invoices",
	SourceSupplierInvoice: "mirror_supplier_invoices",
	SourcePayment:         "mirror_payments",
	SourceSalary:          "mirror_salaries",
}

var lineTables = map[SourceType]string{
	SourceCustomerInvoice: "mirror_customer_invoice_lines",
	SourceSupplierInvoice: "mirror_supplier_invoice_lines",
}

// PostgresRepository reads the mirror and config tables and writes journal_entries.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PostgresRepository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func tableFor(sourceType SourceType) (string, error) {
	table, ok := sourceTables[sourceType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, sourceType)
	}
	return table, nil
}

// LoadSnapshot reads config, active mappings, active accounts and bank numbers.
func (r *PostgresRepository) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Config:   map[string]string{},
		Mappings: map[string]string{},
		Accounts: map[string]bool{},
		Banks:    map[string]string{},
	}
	if err := r.collectPairs(ctx, `SELECT key, value FROM settings_config`, snap.Config); err != nil {
		return Snapshot{}, fmt.Errorf("config: %w", err)
	}
	if err := r.collectPairs(ctx, `SELECT upstream_account_id, coa_code FROM account_mappings WHERE is_active ORDER BY id`, snap.Mappings); err != nil {
		return Snapshot{}, fmt.Errorf("mappings: %w", err)
	}
	if err := r.collectPairs(ctx, `SELECT upstream_id, account_number FROM mirror_bank_accounts WHERE account_number <> ''`, snap.Banks); err != nil {
		return Snapshot{}, fmt.Errorf("bank accounts: %w", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT account_code FROM chart_of_accounts WHERE is_active`)
	if err != nil {
		return Snapshot{}, err
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Snapshot{}, fmt.Errorf("accounts: %w", err)
	}
	for _, code := range codes {
		snap.Accounts[code] = true
	}
	return snap, nil
}

func (r *PostgresRepository) collectPairs(ctx context.Context, query string, into map[string]string) error {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		into[k] = v
	}
	return rows.Err()
}

// LoadSource reads one mirrored record with everything its derivation needs.
func (r *PostgresRepository) LoadSource(ctx context.Context, sourceType SourceType, sourceID string) (Source, error) {
	var (
		src Source
		err error
	)
	switch sourceType {
	case SourceCustomerInvoice, SourceSupplierInvoice:
		src, err = r.loadInvoice(ctx, sourceType, sourceID)
	case SourcePayment:
		src, err = r.loadPayment(ctx, sourceID)
	case SourceSalary:
		src, err = r.loadSalary(ctx, sourceID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceType)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrOrphanedSource, sourceType, sourceID)
	}
	return src, err
}

func (r *PostgresRepository) loadInvoice(ctx context.Context, kind SourceType, id string) (Invoice, error) {
	inv := Invoice{Kind: kind}
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT upstream_id, ref, thirdparty_id, invoice_type, status, is_active,
date_invoice, total_ht, total_tva, total_ttc FROM %s WHERE upstream_id = $1`, sourceTables[kind]), id).
		Scan(&inv.ID, &inv.Ref, &inv.ThirdpartyID, &inv.Type, &inv.Status, &inv.IsActive,
			&inv.DateInvoice, &inv.TotalHT, &inv.TotalTVA, &inv.TotalTTC)
	if err != nil {
		return Invoice{}, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT description, vat_rate, total_ht, total_tva, total_ttc, accounting_code
FROM %s WHERE invoice_upstream_id = $1 ORDER BY id`, lineTables[kind]), id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.Description, &line.VatRate, &line.TotalHT, &line.TotalTVA, &line.TotalTTC, &line.AccountingCode); err != nil {
			return Invoice{}, err
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, rows.Err()
}

func (r *PostgresRepository) loadPayment(ctx context.Context, id string) (Payment, error) {
	var p Payment
	err := r.pool.QueryRow(ctx, `SELECT p.upstream_id, p.payment_type, p.invoice_upstream_id, p.ref, p.amount, p.payment_date,
	p.bank_account_id, p.is_active,
	COALESCE(ci.upstream_id, si.upstream_id) IS NOT NULL,
	COALESCE(ci.ref, si.ref, ''),
	COALESCE(ci.thirdparty_id, si.thirdparty_id, '')
FROM mirror_payments p
LEFT JOIN mirror_customer_invoices ci ON p.payment_type = 'customer' AND ci.upstream_id = p.invoice_upstream_id
LEFT JOIN mirror_supplier_invoices si ON p.payment_type = 'supplier' AND si.upstream_id = p.invoice_upstream_id
WHERE p.upstream_id = $1`, id).
		Scan(&p.ID, &p.Kind, &p.InvoiceID, &p.Ref, &p.Amount, &p.Date, &p.BankAccountID, &p.IsActive,
			&p.InvoiceFound, &p.InvoiceRef, &p.ThirdpartyID)
	return p, err
}

func (r *PostgresRepository) loadSalary(ctx context.Context, id string) (Salary, error) {
	var s Salary
	err := r.pool.QueryRow(ctx, `SELECT upstream_id, ref, label, user_id, amount, date_start, date_payment, bank_account_id, is_active
FROM mirror_salaries WHERE upstream_id = $1`, id).
		Scan(&s.ID, &s.Ref, &s.Label, &s.UserID, &s.Amount, &s.DateStart, &s.DatePayment, &s.BankAccountID, &s.IsActive)
	return s, err
}

// SourceIDs lists active mirror ids of sourceType together with every id that
// still owns unlocked journal rows, so deactivated sources get cleared.
func (r *PostgresRepository) SourceIDs(ctx context.Context, sourceType SourceType) ([]string, error) {
	table, err := tableFor(sourceType)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT upstream_id FROM %s WHERE is_active
UNION
SELECT source_id FROM journal_entries WHERE source_type = $1 AND NOT is_locked
ORDER BY 1`, table), sourceType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// WithTx executes fn within a repeatable-read transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) UnlockedPiece(ctx context.Context, sourceType SourceType, sourceID string) (int64, error) {
	var piece int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(MAX(piece_num), 0) FROM journal_entries
WHERE source_type = $1 AND source_id = $2 AND NOT is_locked`, sourceType, sourceID).Scan(&piece)
	return piece, err
}

func (r *txRepository) NextPiece(ctx context.Context) (int64, error) {
	var piece int64
	err := r.tx.QueryRow(ctx, `SELECT nextval('journal_piece_seq')`).Scan(&piece)
	return piece, err
}

func (r *txRepository) DeleteUnlocked(ctx context.Context, sourceType SourceType, sourceID string) (int64, error) {
	tag, err := r.tx.Exec(ctx, `DELETE FROM journal_entries WHERE source_type = $1 AND source_id = $2 AND NOT is_locked`, sourceType, sourceID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch, piece int64) error {
	batch := &pgx.Batch{}
	for _, leg := range b.Legs {
		batch.Queue(`INSERT INTO journal_entries (entry_date, journal_code, piece_num, account_code, label, debit, credit,
source_type, source_id, source_ref, thirdparty_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			b.EntryDate, b.JournalCode, piece, leg.AccountCode, leg.Label, leg.Debit, leg.Credit,
			b.SourceType, b.SourceID, b.SourceRef, b.ThirdpartyID)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DateFrom != nil {
		add("j.entry_date >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("j.entry_date <= $%d", *f.DateTo)
	}
	if f.AccountCode != "" {
		add("j.account_code = $%d", f.AccountCode)
	}
	if f.JournalCode != "" {
		add("j.journal_code = $%d", f.JournalCode)
	}
	if f.SourceType != "" {
		add("j.source_type = $%d", f.SourceType)
	}
	if f.SourceID != "" {
		add("j.source_id = $%d", f.SourceID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns one page of rows and the total row count for f.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	where, args := filterClause(f)
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT j.id, j.entry_date, j.journal_code, j.piece_num, j.account_code, j.label,
	j.debit, j.credit, j.source_type, j.source_id, j.source_ref, j.thirdparty_id, j.currency_code, j.is_locked, j.created_at,
	COUNT(*) OVER ()
FROM journal_entries j%s
ORDER BY j.entry_date, j.piece_num, j.id
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []Entry
		total int
	)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.EntryDate, &e.JournalCode, &e.PieceNum, &e.AccountCode, &e.Label,
			&e.Debit, &e.Credit, &e.SourceType, &e.SourceID, &e.SourceRef, &e.ThirdpartyID, &e.CurrencyCode,
			&e.IsLocked, &e.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && f.Page > 1 {
		// past the last page the window count is unavailable
		err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries j`+where, args[:len(args)-2]...).Scan(&total)
	}
	return out, total, err
}

// Totals sums debit and credit per account code.
func (r *PostgresRepository) Totals(ctx context.Context, f Filter) ([]AccountTotal, error) {
	where, args := filterClause(f)
	rows, err := r.pool.Query(ctx, `SELECT j.account_code, COALESCE(c.account_name, ''), SUM(j.debit), SUM(j.credit)
FROM journal_entries j
LEFT JOIN chart_of_accounts c ON c.account_code = j.account_code`+where+`
GROUP BY j.account_code, c.account_name
ORDER BY j.account_code`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountTotal
	for rows.Next() {
		var t AccountTotal
		if err := rows.Scan(&t.AccountCode, &t.AccountName, &t.Debit, &t.Credit); err != nil {
			return nil, err
		}
		t.Balance = t.Debit.Sub(t.Credit)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Orphans lists journal groups whose source row is missing from the mirror.
func (r *PostgresRepository) Orphans(ctx context.Context) ([]OrphanGroup, error) {
	var out []OrphanGroup
	for _, st := range AllSources {
		rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT j.source_id, COUNT(*), COUNT(*) FILTER (WHERE j.is_locked)
FROM journal_entries j
WHERE j.source_type = $1 AND NOT EXISTS (SELECT 1 FROM %s m WHERE m.upstream_id = j.source_id)
GROUP BY j.source_id
ORDER BY j.source_id`, sourceTables[st]), st)
		if err != nil {
			return nil, err
		}
		groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OrphanGroup, error) {
			g := OrphanGroup{SourceType: st}
			err := row.Scan(&g.SourceID, &g.Rows, &g.Locked)
			return g, err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, groups...)
	}
	return out, nil
}

// LockThrough flags every unlocked row dated on or before dateTo.
func (r *PostgresRepository) LockThrough(ctx context.Context, dateTo time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE journal_entries SET is_locked = TRUE WHERE entry_date <= $1 AND NOT is_locked`, dateTo)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

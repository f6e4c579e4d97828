// invoice/store.go
package invoice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
)

// ErrNotFound is returned when no record with the id belongs to the owner.
var ErrNotFound = &apperr.Error{Kind: apperr.NotFound, Err: errors.New("invoice not found")}

// Store is the record store the sync code reads invoices from and writes
// sync status back to.
type Store interface {
	GetInvoice(ctx context.Context, id string) (*Record, error)
	UpdateSyncStatus(ctx context.Context, id string, status SyncStatus) error
	// ListUnsynced returns records of month (YYYY-MM, empty for all) that are
	// not both uploaded and written to the workbook, oldest sequence first.
	ListUnsynced(ctx context.Context, month string) ([]*Record, error)
	Create(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
}

// SQLStore implements Store on Postgres or SQLite, scoped to one owner.
type SQLStore struct {
	db      *sql.DB
	driver  string
	ownerID string
	now     func() time.Time
}

// Open opens a database for driver "postgres" or "sqlite3".
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLStore creates a store that only sees rows of ownerID
func NewSQLStore(db *sql.DB, driver, ownerID string) *SQLStore {
	return &SQLStore{
		db:      db,
		driver:  driver,
		ownerID: ownerID,
		now:     time.Now,
	}
}

// Migrate creates the invoices table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			sequence_id BIGINT NOT NULL,
			customer_name TEXT NOT NULL,
			invoice_date TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			other_description TEXT NOT NULL DEFAULT '',
			file_ref TEXT NOT NULL DEFAULT '',
			file_kind TEXT NOT NULL DEFAULT '',
			uploaded BOOLEAN NOT NULL DEFAULT FALSE,
			remote_file_url TEXT NOT NULL DEFAULT '',
			excel_synced BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (owner_id, sequence_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_owner_date ON invoices (owner_id, invoice_date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate invoices: %w", err)
		}
	}
	return nil
}

const selectColumns = `id, owner_id, sequence_id, customer_name, invoice_date, amount, category,
	other_description, file_ref, file_kind, uploaded, remote_file_url, excel_synced, created_at`

func (s *SQLStore) GetInvoice(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+selectColumns+` FROM invoices WHERE owner_id = ? AND id = ?`), s.ownerID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.WithInvoice(ErrNotFound, "get_invoice", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) UpdateSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE invoices SET uploaded = ?, remote_file_url = ?, excel_synced = ? WHERE owner_id = ? AND id = ?`),
		status.Uploaded, status.RemoteFileURL, status.ExcelSynced, s.ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to update sync status of %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.WithInvoice(ErrNotFound, "update_sync_status", id)
	}
	return nil
}

func (s *SQLStore) ListUnsynced(ctx context.Context, month string) ([]*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM invoices
		WHERE owner_id = ? AND NOT (uploaded AND excel_synced)`
	args := []interface{}{s.ownerID}
	if month != "" {
		query += ` AND invoice_date LIKE ?`
		args = append(args, month+"-%")
	}
	query += ` ORDER BY sequence_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced invoices: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create inserts rec for the store's owner, assigning an id and the next
// sequence id when they are unset.
func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.SequenceID == 0 {
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COALESCE(MAX(sequence_id), 0) + 1 FROM invoices WHERE owner_id = ?`), s.ownerID).Scan(&rec.SequenceID)
		if err != nil {
			return fmt.Errorf("failed to allocate sequence id: %w", err)
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.OwnerID = s.ownerID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO invoices (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.OwnerID, rec.SequenceID, rec.CustomerName, rec.InvoiceDate, rec.Amount, rec.Category,
		rec.OtherDescription, rec.FileRef, rec.FileKind,
		rec.SyncStatus.Uploaded, rec.SyncStatus.RemoteFileURL, rec.SyncStatus.ExcelSynced, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM invoices WHERE owner_id = ? AND id = ?`), s.ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to delete invoice %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.WithInvoice(ErrNotFound, "delete_invoice", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.SequenceID, &rec.CustomerName, &rec.InvoiceDate, &rec.Amount,
		&rec.Category, &rec.OtherDescription, &rec.FileRef, &rec.FileKind,
		&rec.SyncStatus.Uploaded, &rec.SyncStatus.RemoteFileURL, &rec.SyncStatus.ExcelSynced, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// rebind turns ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

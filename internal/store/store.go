package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"storefront-service/internal/apperr"
	"storefront-service/internal/models"
	"storefront-service/internal/repository"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	*queries
	db *sqlx.DB
}

// queries runs statements against either the pool or an open transaction
type queries struct {
	q sqlx.ExtContext
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: &queries{q: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema files in name order
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// InTx runs fn inside a single database transaction
func (s *Store) InTx(ctx context.Context, fn func(repository.Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetVariant retrieves a variant by ID
func (s *queries) GetVariant(ctx context.Context, id int64) (*models.Variant, error) {
	var v models.Variant
	err := sqlx.GetContext(ctx, s.q, &v, "SELECT * FROM variants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("variant %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantsByIDs retrieves multiple variants by IDs
func (s *queries) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	if len(ids) == 0 {
		return []models.Variant{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)

	var variants []models.Variant
	err = sqlx.SelectContext(ctx, s.q, &variants, query, args...)
	return variants, err
}

// GetStock retrieves the ledger entry of a variant
func (s *queries) GetStock(ctx context.Context, variantID int64) (*models.StockLedgerEntry, error) {
	var e models.StockLedgerEntry
	err := sqlx.GetContext(ctx, s.q, &e, "SELECT * FROM stock_ledger WHERE variant_id = $1", variantID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("stock for variant %d not found", variantID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetStocksByVariantIDs retrieves ledger entries for several variants
func (s *queries) GetStocksByVariantIDs(ctx context.Context, variantIDs []int64) ([]models.StockLedgerEntry, error) {
	if len(variantIDs) == 0 {
		return []models.StockLedgerEntry{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM stock_ledger WHERE variant_id IN (?)", variantIDs)
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)

	var entries []models.StockLedgerEntry
	err = sqlx.SelectContext(ctx, s.q, &entries, query, args...)
	return entries, err
}

// ListStock retrieves all ledger entries
func (s *queries) ListStock(ctx context.Context) ([]models.StockLedgerEntry, error) {
	var entries []models.StockLedgerEntry
	err := sqlx.SelectContext(ctx, s.q, &entries, "SELECT * FROM stock_ledger ORDER BY variant_id")
	return entries, err
}

// ReserveStock reserves stock with a single conditional update
func (s *queries) ReserveStock(ctx context.Context, variantID int64, qty int) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE stock_ledger SET reserved = reserved + $1, updated_at = NOW()
		 WHERE variant_id = $2 AND reserved + $1 <= on_hand`,
		qty, variantID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// distinguish a missing entry from a shortfall
	if _, err := s.GetStock(ctx, variantID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseStock releases reserved stock
func (s *queries) ReleaseStock(ctx context.Context, variantID int64, qty int) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE stock_ledger SET reserved = GREATEST(reserved - $1, 0), updated_at = NOW() WHERE variant_id = $2",
		qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return nil
}

// CommitStock commits reserved stock (final deduction)
func (s *queries) CommitStock(ctx context.Context, variantID int64, qty int) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE stock_ledger SET on_hand = on_hand - $1, reserved = reserved - $1, updated_at = NOW()
		 WHERE variant_id = $2 AND reserved >= $1`,
		qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to commit stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return apperr.Conflict(apperr.CodeReservationLost, "reservation for variant %d no longer covers %d units", variantID, qty)
	}
	return nil
}

// SetOnHand updates the on-hand count unless it would drop below reserved
func (s *queries) SetOnHand(ctx context.Context, variantID int64, onHand int) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE stock_ledger SET on_hand = $1, updated_at = NOW() WHERE variant_id = $2 AND reserved <= $1",
		onHand, variantID)
	if err != nil {
		return false, fmt.Errorf("failed to update on hand: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetStock(ctx, variantID); err != nil {
		return false, err
	}
	return false, nil
}

// Package kyb answers whether a supplier passed know-your-business checks.
// The review workflow itself lives outside this service; only the resulting
// status on the supplier row is read here.
package kyb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradefin/tradefin/internal/shared"
)

// Status values stored in suppliers.kyb_status.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

var (
	ErrSupplierNotFound = fmt.Errorf("%w: supplier", shared.ErrNotFound)
	ErrInvalidStatus    = fmt.Errorf("%w: unknown kyb status", shared.ErrValidation)
)

// Store reads and writes supplier KYB status.
type Store interface {
	Status(ctx context.Context, supplierID int64) (string, error)
	SetStatus(ctx context.Context, supplierID int64, status string) error
}

// PGStore keeps KYB status on the suppliers table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs the store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Status(ctx context.Context, supplierID int64) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT kyb_status FROM suppliers WHERE id = $1`, supplierID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSupplierNotFound
	}
	return status, err
}

func (s *PGStore) SetStatus(ctx context.Context, supplierID int64, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE suppliers SET kyb_status = $2, updated_at = NOW() WHERE id = $1`, supplierID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSupplierNotFound
	}
	return nil
}

// Gate is the verification gate used before invoices and offers move forward.
type Gate struct {
	store  Store
	logger *slog.Logger
}

// NewGate wraps store.
func NewGate(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger.With(slog.String("component", "kyb"))}
}

// IsApproved reports whether supplierID is KYB approved. Unknown suppliers are
// not approved.
func (g *Gate) IsApproved(ctx context.Context, supplierID int64) (bool, error) {
	status, err := g.store.Status(ctx, supplierID)
	if errors.Is(err, ErrSupplierNotFound) {
		g.logger.Warn("kyb check for unknown supplier", slog.Int64("supplier_id", supplierID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kyb status: %w", err)
	}
	return status == StatusApproved, nil
}

// SetStatus records a review outcome.
func (g *Gate) SetStatus(ctx context.Context, supplierID int64, status string) error {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
	default:
		return ErrInvalidStatus
	}
	if err := g.store.SetStatus(ctx, supplierID, status); err != nil {
		return err
	}
	g.logger.Info("kyb status updated", slog.Int64("supplier_id", supplierID), slog.String("status", status))
	return nil
}

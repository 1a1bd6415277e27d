package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recipegen/postgres"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Record is the single durable subscription state per (user, platform).
// The reconciler is its only writer; it is never hard-deleted.
type Record struct {
	ID                    int        `json:"-"`
	UserID                int        `json:"user_id"`
	Platform              Platform   `json:"platform"`
	ProductID             string     `json:"product_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	LatestTransactionID   string     `json:"latest_transaction_id"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpirationDate        time.Time  `json:"expiration_date"`
	CancellationDate      *time.Time `json:"cancellation_date,omitempty"`
	IsTrial               bool       `json:"is_trial"`
	IsAutoRenew           bool       `json:"is_auto_renew"`
	Status                Status     `json:"status"`
	LastVerifiedAt        time.Time  `json:"last_verified_at"`
}

// Clone returns a copy safe for the reconciler to mutate before the write.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CancellationDate != nil {
		d := *r.CancellationDate
		cp.CancellationDate = &d
	}
	return &cp
}

// ErrNotFound is returned when no subscription record matches a lookup.
var ErrNotFound = errors.New("subscription not found")

// Store is the durable keyed storage contract for subscription records.
// UpdateAtomic and UpdateAtomicByUser are single atomic read-modify-write
// operations; they are the only serialization points in the system.
type Store interface {
	FindByLineageID(ctx context.Context, platform Platform, lineageID string) (*Record, error)
	FindByUserAndPlatform(ctx context.Context, userID int, platform Platform) (*Record, error)
	ListByPlatform(ctx context.Context, platform Platform) ([]Record, error)

	// UpdateAtomic locks the lineage row (if any), calls apply with the
	// current record or nil, and persists the full record apply returns.
	// Returning (nil, nil) from apply makes the whole operation a no-op.
	UpdateAtomic(ctx context.Context, platform Platform, lineageID string, apply func(*Record) (*Record, error)) (*Record, error)

	// UpdateAtomicByUser is the first-purchase variant: the row is located
	// by (user, platform) because the caller, not the record store, knows
	// which user the unseen lineage belongs to.
	UpdateAtomicByUser(ctx context.Context, userID int, platform Platform, apply func(*Record) (*Record, error)) (*Record, error)
}

const recordColumns = `
	id, user_id, platform, product_id, original_transaction_id,
	COALESCE(latest_transaction_id, ''), purchase_date, expiration_date,
	cancellation_date, is_trial, is_auto_renew, status, last_verified_at`

// PGStore implements Store on a pgx connection pool. The uniqueness invariant
// on (platform, original_transaction_id) lives in the schema, not here.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var status string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Platform, &rec.ProductID,
		&rec.OriginalTransactionID, &rec.LatestTransactionID,
		&rec.PurchaseDate, &rec.ExpirationDate, &rec.CancellationDate,
		&rec.IsTrial, &rec.IsAutoRenew, &status, &rec.LastVerifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription record: %w", err)
	}
	rec.Status, err = ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGStore) FindByLineageID(ctx context.Context, platform Platform, lineageID string) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM user_subscriptions
		WHERE platform = $1 AND original_transaction_id = $2
	`, platform, lineageID)
	return scanRecord(row)
}

func (s *PGStore) FindByUserAndPlatform(ctx context.Context, userID int, platform Platform) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM user_subscriptions
		WHERE user_id = $1 AND platform = $2
	`, userID, platform)
	return scanRecord(row)
}

func (s *PGStore) ListByPlatform(ctx context.Context, platform Platform) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM user_subscriptions
		WHERE platform = $1
		ORDER BY id
	`, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscription rows: %w", err)
	}
	return records, nil
}

func (s *PGStore) UpdateAtomic(ctx context.Context, platform Platform, lineageID string, apply func(*Record) (*Record, error)) (*Record, error) {
	return s.updateLocked(ctx, `
		SELECT `+recordColumns+`
		FROM user_subscriptions
		WHERE platform = $1 AND original_transaction_id = $2
		FOR UPDATE
	`, []interface{}{platform, lineageID}, apply)
}

func (s *PGStore) UpdateAtomicByUser(ctx context.Context, userID int, platform Platform, apply func(*Record) (*Record, error)) (*Record, error) {
	return s.updateLocked(ctx, `
		SELECT `+recordColumns+`
		FROM user_subscriptions
		WHERE user_id = $1 AND platform = $2
		FOR UPDATE
	`, []interface{}{userID, platform}, apply)
}

// updateLocked runs the read-modify-write under a row lock so that two
// reconciliation attempts for the same lineage cannot interleave. Attempts
// for different lineages lock different rows and proceed in parallel.
func (s *PGStore) updateLocked(ctx context.Context, lockQuery string, args []interface{}, apply func(*Record) (*Record, error)) (*Record, error) {
	var result *Record
	err := postgres.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := scanRecord(tx.QueryRow(ctx, lockQuery, args...))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		updated, err := apply(existing)
		if err != nil {
			return err
		}
		if updated == nil {
			result = existing
			return nil
		}

		if existing != nil {
			updated.ID = existing.ID
			err = s.writeUpdate(ctx, tx, updated)
		} else {
			err = s.writeInsert(ctx, tx, updated)
		}
		if err != nil {
			return mapLineageConflict(err)
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PGStore) writeInsert(ctx context.Context, tx pgx.Tx, rec *Record) error {
	return tx.QueryRow(ctx, `
		INSERT INTO user_subscriptions (
			user_id, platform, product_id, original_transaction_id,
			latest_transaction_id, purchase_date, expiration_date,
			cancellation_date, is_trial, is_auto_renew, status, last_verified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, rec.UserID, rec.Platform, rec.ProductID, rec.OriginalTransactionID,
		rec.LatestTransactionID, rec.PurchaseDate, rec.ExpirationDate,
		rec.CancellationDate, rec.IsTrial, rec.IsAutoRenew, rec.Status,
		rec.LastVerifiedAt).Scan(&rec.ID)
}

func (s *PGStore) writeUpdate(ctx context.Context, tx pgx.Tx, rec *Record) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_subscriptions
		SET
			user_id = $1,
			platform = $2,
			product_id = $3,
			original_transaction_id = $4,
			latest_transaction_id = $5,
			purchase_date = $6,
			expiration_date = $7,
			cancellation_date = $8,
			is_trial = $9,
			is_auto_renew = $10,
			status = $11,
			last_verified_at = $12
		WHERE id = $13
	`, rec.UserID, rec.Platform, rec.ProductID, rec.OriginalTransactionID,
		rec.LatestTransactionID, rec.PurchaseDate, rec.ExpirationDate,
		rec.CancellationDate, rec.IsTrial, rec.IsAutoRenew, rec.Status,
		rec.LastVerifiedAt, rec.ID)
	return err
}

const (
	uniqueViolation         = "23505"
	lineageUniqueConstraint = "user_subscriptions_lineage_key"
)

// mapLineageConflict turns a unique-index violation on the lineage id into
// the taxonomy error without corrupting the winning record. Violations of the
// (user_id, platform) key are a different race and pass through untranslated.
func mapLineageConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == lineageUniqueConstraint {
		return fmt.Errorf("%w: %s", ErrLineageConflict, pgErr.ConstraintName)
	}
	return err
}

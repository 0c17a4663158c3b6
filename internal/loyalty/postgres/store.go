package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/restro77/settlement-service/internal/loyalty"
)

var ErrUserNotFound = errors.New("user not found")

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// Redeem performs a single conditional decrement so two concurrent
// redemptions can never both pass a stale balance check. Returns the new
// balance.
func (s *Store) Redeem(ctx context.Context, userID string, points int64) (int64, error) {
	if points <= 0 {
		return 0, fmt.Errorf("points must be positive")
	}

	var balance int64
	err := s.pool.QueryRow(ctx, `
		UPDATE users
		SET points = points - $2, updated_at = NOW()
		WHERE id = $1 AND points >= $2
		RETURNING points`,
		userID, points,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the user is missing or the balance is short; decide
			// which so the caller gets the right failure.
			exists, eerr := s.exists(ctx, userID)
			if eerr != nil {
				return 0, eerr
			}
			if !exists {
				return 0, ErrUserNotFound
			}
			return 0, loyalty.ErrInsufficientPoints
		}
		return 0, fmt.Errorf("redeem points: %w", err)
	}
	return balance, nil
}

func (s *Store) Credit(ctx context.Context, userID string, points int64) error {
	if points < 0 {
		return fmt.Errorf("points must be non-negative")
	}
	if points == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET points = points + $2, updated_at = NOW()
		WHERE id = $1`,
		userID, points,
	)
	if err != nil {
		return fmt.Errorf("credit points: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT points FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (s *Store) exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return ok, nil
}

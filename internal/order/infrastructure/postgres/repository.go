package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/restro77/settlement-service/internal/order/application"
	"github.com/restro77/settlement-service/internal/order/domain"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

const orderColumns = `id, user_id, items, amount, address, channel, paid,
	points_redeemed, points_earned, status, prep_time_min, delivery_agent,
	created_at, status_at`

func (r *Repository) SaveWithOutbox(ctx context.Context, o domain.Order, events []application.Event, traceparent string) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		o.ID, o.UserID, items, o.Amount, o.Address, o.Channel, o.Paid,
		o.PointsRedeemed, o.PointsEarned, o.Status, o.PrepTimeMin, o.DeliveryAgent,
		o.CreatedAt, o.StatusAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertOutbox(ctx, tx, o.ID, events, traceparent); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, application.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return o, nil
}

// MarkPaid performs the pending→paid transition as a conditional update so
// concurrent confirmations settle exactly once. The events land in the same
// transaction, and only for the winner.
func (r *Repository) MarkPaid(ctx context.Context, id string, events []application.Event, traceparent string) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET paid = TRUE, status = $2, status_at = NOW()
		WHERE id = $1 AND NOT paid`,
		id, domain.StatusPaid,
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race or the order is already settled; nothing to emit.
		return false, tx.Commit(ctx)
	}

	if err := insertOutbox(ctx, tx, id, events, traceparent); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) DeletePending(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id=$1 AND NOT paid`, id)
	if err != nil {
		return false, fmt.Errorf("delete pending order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) UpdateStatusWithOutbox(ctx context.Context, id string, status domain.Status, statusAt time.Time, prepTimeMin int, agent string, events []application.Event, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2,
		    status_at = $3,
		    prep_time_min = CASE WHEN $4 > 0 THEN $4 ELSE prep_time_min END,
		    delivery_agent = CASE WHEN $5 <> '' THEN $5 ELSE delivery_agent END
		WHERE id = $1 AND paid`,
		id, status, statusAt, prepTimeMin, agent,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return application.ErrOrderNotFound
	}

	if err := insertOutbox(ctx, tx, id, events, traceparent); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Archive moves the row to archived_orders keeping its id; the insert and
// delete share one transaction so the order is never in both namespaces.
func (r *Repository) Archive(ctx context.Context, id string, events []application.Event, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO archived_orders
		SELECT * FROM orders WHERE id=$1 AND paid`,
		id,
	)
	if err != nil {
		return fmt.Errorf("copy to archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return application.ErrOrderNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id); err != nil {
		return fmt.Errorf("remove live order: %w", err)
	}

	if err := insertOutbox(ctx, tx, id, events, traceparent); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ArchivedExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM archived_orders WHERE id=$1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check archive: %w", err)
	}
	return ok, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 AND paid ORDER BY created_at DESC`, userID)
}

func (r *Repository) ListPaid(ctx context.Context) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE paid ORDER BY created_at DESC`)
}

func (r *Repository) ListArchivedByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM archived_orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var items []byte
	err := row.Scan(&o.ID, &o.UserID, &items, &o.Amount, &o.Address, &o.Channel, &o.Paid,
		&o.PointsRedeemed, &o.PointsEarned, &o.Status, &o.PrepTimeMin, &o.DeliveryAgent,
		&o.CreatedAt, &o.StatusAt)
	if err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("unmarshal items: %w", err)
	}
	return o, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, orderID string, events []application.Event, traceparent string) error {
	headers := map[string]string{"source": "settlement-service"}
	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
			VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
			"order", orderID, e.Type, e.Payload, headers, traceparent,
		)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

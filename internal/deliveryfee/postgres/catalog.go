package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/restro77/settlement-service/internal/deliveryfee"
)

var ErrPointNotFound = errors.New("delivery point not found")

// Catalog is the read-only view of the reference-point catalog; the catalog
// itself is maintained by another component.
type Catalog struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewCatalog(log *slog.Logger, pool *pgxpool.Pool) *Catalog {
	return &Catalog{log: log, pool: pool}
}

func (c *Catalog) Get(ctx context.Context, id string) (deliveryfee.ReferencePoint, error) {
	var p deliveryfee.ReferencePoint
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, default_distance_km, base_cost
		FROM delivery_points
		WHERE id = $1 AND is_active`,
		id,
	).Scan(&p.ID, &p.Name, &p.DefaultDistanceKm, &p.BaseCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deliveryfee.ReferencePoint{}, ErrPointNotFound
		}
		return deliveryfee.ReferencePoint{}, fmt.Errorf("select delivery point: %w", err)
	}
	return p, nil
}

func (c *Catalog) List(ctx context.Context) ([]deliveryfee.ReferencePoint, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, name, default_distance_km, base_cost
		FROM delivery_points
		WHERE is_active
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list delivery points: %w", err)
	}
	defer rows.Close()

	var points []deliveryfee.ReferencePoint
	for rows.Next() {
		var p deliveryfee.ReferencePoint
		if err := rows.Scan(&p.ID, &p.Name, &p.DefaultDistanceKm, &p.BaseCost); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-coordination-system/internal/models"
)

var ErrLocationNotFound = errors.New("location not found")

// LocationsRepo stores immutable coordinate records. There is no update path;
// a new site means a new row.
type LocationsRepo struct {
	pool *pgxpool.Pool
}

func NewLocationsRepo(pool *pgxpool.Pool) *LocationsRepo {
	return &LocationsRepo{pool: pool}
}

func (r *LocationsRepo) Create(ctx context.Context, lat float64, lng float64, label *string) (models.GeoLocation, error) {
	var loc models.GeoLocation
	err := r.pool.QueryRow(ctx, `
		INSERT INTO geo_locations (location_id, lat, lng, label, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING location_id, lat, lng, label, created_at
	`, uuid.New(), lat, lng, label, time.Now().UTC()).
		Scan(&loc.LocationID, &loc.Lat, &loc.Lng, &loc.Label, &loc.CreatedAt)
	return loc, err
}

func (r *LocationsRepo) GetByID(ctx context.Context, locationID uuid.UUID) (models.GeoLocation, error) {
	var loc models.GeoLocation
	err := r.pool.QueryRow(ctx, `
		SELECT location_id, lat, lng, label, created_at
		FROM geo_locations
		WHERE location_id = $1
	`, locationID).
		Scan(&loc.LocationID, &loc.Lat, &loc.Lng, &loc.Label, &loc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GeoLocation{}, ErrLocationNotFound
	}
	return loc, err
}

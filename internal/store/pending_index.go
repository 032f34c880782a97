package store

import (
	"context"
	"fmt"

	"tripsync/internal/general/config"

	"github.com/redis/go-redis/v9"
)

const pendingTripsKey = "pending_trips_geo"

// PendingTripIndex keeps a Redis GEO set of open trip requests keyed by trip
// id, so drivers can pull nearby requests without scanning the whole Trips
// collection. The document store stays the source of truth; the index is a
// lookup accelerator and tolerates being slightly stale.
type PendingTripIndex struct {
	client *redis.Client
}

// NewPendingTripIndex connects the index to Redis and verifies connectivity.
func NewPendingTripIndex(ctx context.Context, cfg *config.Config) (*PendingTripIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &PendingTripIndex{client: client}, nil
}

// Close releases the Redis connection.
func (index *PendingTripIndex) Close() error {
	return index.client.Close()
}

// Add records (or moves) a pending trip at its pickup point.
func (index *PendingTripIndex) Add(ctx context.Context, tripID string, lat, lng float64) error {
	err := index.client.GeoAdd(ctx, pendingTripsKey, &redis.GeoLocation{
		Name:      tripID,
		Latitude:  lat,
		Longitude: lng,
	}).Err()
	if err != nil {
		return fmt.Errorf("index pending trip %s: %w", tripID, err)
	}
	return nil
}

// Remove drops a trip from the index once it is claimed or cancelled.
// Removing an unknown trip is a no-op.
func (index *PendingTripIndex) Remove(ctx context.Context, tripID string) error {
	if err := index.client.ZRem(ctx, pendingTripsKey, tripID).Err(); err != nil {
		return fmt.Errorf("unindex pending trip %s: %w", tripID, err)
	}
	return nil
}

// Nearby returns the ids of up to limit pending trips within radiusKM of the
// given point, closest first.
func (index *PendingTripIndex) Nearby(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]string, error) {
	locs, err := index.client.GeoRadius(ctx, pendingTripsKey, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusKM,
		Unit:   "km",
		Count:  limit,
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("search pending trips: %w", err)
	}

	ids := make([]string, 0, len(locs))
	for _, loc := range locs {
		ids = append(ids, loc.Name)
	}
	return ids, nil
}

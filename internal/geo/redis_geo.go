package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/dispatch"
)

const defaultKey = "drivers:geo"

// Index wraps a Redis GEO set of driver positions.
type Index struct {
	client redis.Cmdable
	key    string
}

func NewIndex(client redis.Cmdable) *Index {
	return &Index{client: client, key: defaultKey}
}

func (i *Index) Upsert(ctx context.Context, driverID string, p dispatch.Point) error {
	return i.client.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      driverID,
		Longitude: p.Longitude,
		Latitude:  p.Latitude,
	}).Err()
}

func (i *Index) Remove(ctx context.Context, driverID string) error {
	return i.client.ZRem(ctx, i.key, driverID).Err()
}

// WithinRadius returns up to limit drivers within radiusKM of center, nearest
// first. Distances are recomputed with haversine so both index
// implementations agree to the metre.
func (i *Index) WithinRadius(ctx context.Context, center dispatch.Point, radiusKM float64, limit int) ([]dispatch.GeoHit, error) {
	locs, err := i.client.GeoRadius(ctx, i.key, center.Longitude, center.Latitude, &redis.GeoRadiusQuery{
		Radius:    radiusKM,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	hits := make([]dispatch.GeoHit, 0, len(locs))
	for _, loc := range locs {
		pt := dispatch.Point{Latitude: loc.Latitude, Longitude: loc.Longitude}
		hits = append(hits, dispatch.GeoHit{
			DriverID:   loc.Name,
			Point:      pt,
			DistanceKM: dispatch.HaversineKM(center, pt),
		})
	}
	return hits, nil
}

// Hydrate adds every location in a single GEOADD.
func (i *Index) Hydrate(ctx context.Context, locations map[string]dispatch.Point) error {
	if len(locations) == 0 {
		return nil
	}
	batch := make([]*redis.GeoLocation, 0, len(locations))
	for id, p := range locations {
		batch = append(batch, &redis.GeoLocation{Name: id, Longitude: p.Longitude, Latitude: p.Latitude})
	}
	return i.client.GeoAdd(ctx, i.key, batch...).Err()
}

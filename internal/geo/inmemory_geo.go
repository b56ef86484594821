package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"ridedispatch/internal/dispatch"
)

// cellPrecision 4 cells are roughly 39x19.5 km at the equator, so below
// maxCellLatitude a cell plus its neighbours covers any radius up to
// maxCellRadiusKM.
const (
	cellPrecision   = 4
	maxCellRadiusKM = 19
	maxCellLatitude = 60
)

// InMemoryGeo is a geohash-bucketed fallback index used when Redis is not
// configured.
type InMemoryGeo struct {
	mu     sync.RWMutex
	points map[string]dispatch.Point
	cells  map[string]map[string]struct{}
}

func NewInMemoryGeo() *InMemoryGeo {
	return &InMemoryGeo{
		points: make(map[string]dispatch.Point),
		cells:  make(map[string]map[string]struct{}),
	}
}

func cellOf(p dispatch.Point) string {
	return geohash.EncodeWithPrecision(p.Latitude, p.Longitude, cellPrecision)
}

func (g *InMemoryGeo) Upsert(_ context.Context, driverID string, p dispatch.Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(driverID)
	g.points[driverID] = p
	cell := cellOf(p)
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][driverID] = struct{}{}
	return nil
}

func (g *InMemoryGeo) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	g.removeLocked(driverID)
	g.mu.Unlock()
	return nil
}

func (g *InMemoryGeo) removeLocked(driverID string) {
	old, ok := g.points[driverID]
	if !ok {
		return
	}
	cell := cellOf(old)
	delete(g.cells[cell], driverID)
	if len(g.cells[cell]) == 0 {
		delete(g.cells, cell)
	}
	delete(g.points, driverID)
}

func (g *InMemoryGeo) WithinRadius(_ context.Context, center dispatch.Point, radiusKM float64, limit int) ([]dispatch.GeoHit, error) {
	g.mu.RLock()
	var hits []dispatch.GeoHit
	consider := func(id string) {
		p := g.points[id]
		if d := dispatch.HaversineKM(center, p); d <= radiusKM {
			hits = append(hits, dispatch.GeoHit{DriverID: id, Point: p, DistanceKM: d})
		}
	}
	if radiusKM > maxCellRadiusKM || math.Abs(center.Latitude) > maxCellLatitude {
		for id := range g.points {
			consider(id)
		}
	} else {
		home := cellOf(center)
		for _, cell := range append(geohash.Neighbors(home), home) {
			for id := range g.cells[cell] {
				consider(id)
			}
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKM != hits[j].DistanceKM {
			return hits[i].DistanceKM < hits[j].DistanceKM
		}
		return hits[i].DriverID < hits[j].DriverID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (g *InMemoryGeo) Hydrate(ctx context.Context, locations map[string]dispatch.Point) error {
	for id, p := range locations {
		if err := g.Upsert(ctx, id, p); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many drivers are indexed.
func (g *InMemoryGeo) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.points)
}

package storage

import (
	"context"

	"ridedispatch/internal/dispatch"
)

func (p *Postgres) AppendRideEvent(ctx context.Context, evt dispatch.RideEvent) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO ride_events (ride_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, evt.RideID, evt.Type, evt.Payload, evt.ActorID, evt.ActorRole, evt.CreatedAt)
	return mapErr("append ride event", err)
}

func (p *Postgres) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]dispatch.RideEvent, error) {
	rows, err := p.db.Query(ctx, `
SELECT ride_id, event_type, payload, actor_id, actor_role, created_at
FROM ride_events
WHERE ride_id = $1
ORDER BY created_at ASC, id ASC
LIMIT $2 OFFSET $3
`, rideID, limit, offset)
	if err != nil {
		return nil, mapErr("list ride events", err)
	}
	defer rows.Close()
	var out []dispatch.RideEvent
	for rows.Next() {
		var evt dispatch.RideEvent
		if err := rows.Scan(&evt.RideID, &evt.Type, &evt.Payload, &evt.ActorID, &evt.ActorRole, &evt.CreatedAt); err != nil {
			return nil, mapErr("scan ride event", err)
		}
		out = append(out, evt)
	}
	return out, mapErr("list ride events", rows.Err())
}

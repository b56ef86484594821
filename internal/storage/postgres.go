package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridedispatch/internal/dispatch"
)

// DB is the subset of pgxpool.Pool the stores use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements dispatch.Repository on pgx.
type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}

// mapErr translates driver errors into dispatch error kinds.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, dispatch.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "rides_one_active_per_passenger_idx":
			return dispatch.ErrActiveRide
		case "ride_matches_one_accepted_idx":
			return dispatch.ErrMatchNoLongerValid
		}
		return fmt.Errorf("%w: %s: duplicate %s", dispatch.ErrValidation, op, pgErr.ConstraintName)
	}
	if dispatch.KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%w: %s: %v", dispatch.ErrDependency, op, err)
}

const rideColumns = `id, passenger_id, driver_id, status, pickup_lat, pickup_long, pickup_address,
dropoff_lat, dropoff_long, dropoff_address, estimated_distance_km, estimated_duration_min,
actual_distance_km, actual_duration_min, requested_at, matched_at, started_at, completed_at, cancelled_at`

func scanRide(row pgx.Row) (dispatch.Ride, error) {
	var (
		r        dispatch.Ride
		driverID *string
	)
	err := row.Scan(&r.ID, &r.PassengerID, &driverID, &r.Status,
		&r.Pickup.Latitude, &r.Pickup.Longitude, &r.PickupAddress,
		&r.Dropoff.Latitude, &r.Dropoff.Longitude, &r.DropoffAddress,
		&r.EstimatedDistanceKM, &r.EstimatedDurationMin,
		&r.ActualDistanceKM, &r.ActualDurationMin,
		&r.RequestedAt, &r.MatchedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt)
	if driverID != nil {
		r.DriverID = *driverID
	}
	return r, err
}

func (p *Postgres) CreateRide(ctx context.Context, r dispatch.Ride) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO rides (id, passenger_id, status, pickup_lat, pickup_long, pickup_address,
	dropoff_lat, dropoff_long, dropoff_address, estimated_distance_km, estimated_duration_min, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, r.ID, r.PassengerID, r.Status, r.Pickup.Latitude, r.Pickup.Longitude, r.PickupAddress,
		r.Dropoff.Latitude, r.Dropoff.Longitude, r.DropoffAddress, r.EstimatedDistanceKM, r.EstimatedDurationMin, r.RequestedAt)
	return mapErr("create ride", err)
}

func (p *Postgres) GetRide(ctx context.Context, id string) (dispatch.Ride, error) {
	ride, err := scanRide(p.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if err != nil {
		return dispatch.Ride{}, mapErr("get ride", err)
	}
	return ride, nil
}

func (p *Postgres) HasActiveRide(ctx context.Context, passengerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM rides WHERE passenger_id = $1 AND status IN ('requested','matched','in_progress'))
`, passengerID).Scan(&exists)
	return exists, mapErr("active ride check", err)
}

func (p *Postgres) ListRides(ctx context.Context, f dispatch.RideFilter) ([]dispatch.Ride, error) {
	rows, err := p.db.Query(ctx, `
SELECT `+rideColumns+`
FROM rides
WHERE ($1 = '' OR passenger_id = $1) AND ($2 = '' OR driver_id = $2)
ORDER BY requested_at DESC
LIMIT $3 OFFSET $4
`, f.PassengerID, f.DriverID, f.Limit, f.Offset)
	if err != nil {
		return nil, mapErr("list rides", err)
	}
	defer rows.Close()
	var out []dispatch.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, mapErr("scan ride", err)
		}
		out = append(out, r)
	}
	return out, mapErr("list rides", rows.Err())
}

const driverColumns = `id, is_available, is_verified, latitude, longitude, rating, total_rides,
vehicle_make, vehicle_model, vehicle_year, license_plate, updated_at`

func scanDriver(row pgx.Row) (dispatch.Driver, error) {
	var (
		d        dispatch.Driver
		lat, lon *float64
	)
	err := row.Scan(&d.ID, &d.Available, &d.Verified, &lat, &lon, &d.Rating, &d.TotalRides,
		&d.VehicleMake, &d.VehicleModel, &d.VehicleYear, &d.LicensePlate, &d.UpdatedAt)
	if lat != nil && lon != nil {
		d.Location = &dispatch.Point{Latitude: *lat, Longitude: *lon}
	}
	return d, err
}

func (p *Postgres) GetDrivers(ctx context.Context, ids []string) (map[string]dispatch.Driver, error) {
	out := make(map[string]dispatch.Driver, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr("get drivers", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, mapErr("scan driver", err)
		}
		out[d.ID] = d
	}
	return out, mapErr("get drivers", rows.Err())
}

func (p *Postgres) ListDriverLocations(ctx context.Context) (map[string]dispatch.Point, error) {
	rows, err := p.db.Query(ctx, `
SELECT id, latitude, longitude FROM drivers WHERE latitude IS NOT NULL AND longitude IS NOT NULL
`)
	if err != nil {
		return nil, mapErr("list driver locations", err)
	}
	defer rows.Close()
	out := make(map[string]dispatch.Point)
	for rows.Next() {
		var (
			id string
			pt dispatch.Point
		)
		if err := rows.Scan(&id, &pt.Latitude, &pt.Longitude); err != nil {
			return nil, mapErr("scan driver location", err)
		}
		out[id] = pt
	}
	return out, mapErr("list driver locations", rows.Err())
}

func (p *Postgres) SetDriverVerified(ctx context.Context, driverID string, verified bool) error {
	tag, err := p.db.Exec(ctx, `UPDATE drivers SET is_verified = $2, updated_at = NOW() WHERE id = $1`, driverID, verified)
	if err != nil {
		return mapErr("verify driver", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("driver %s: %w", driverID, dispatch.ErrNotFound)
	}
	return nil
}

const matchColumns = `id, ride_id, driver_id, distance_to_pickup_km, estimated_arrival_min, match_score, status, created_at, responded_at`

func scanMatch(row pgx.Row) (dispatch.CandidateMatch, error) {
	var m dispatch.CandidateMatch
	err := row.Scan(&m.ID, &m.RideID, &m.DriverID, &m.DistanceKM, &m.ETAMinutes, &m.Score, &m.Status, &m.CreatedAt, &m.RespondedAt)
	return m, err
}

func (p *Postgres) InsertMatch(ctx context.Context, m dispatch.CandidateMatch) error {
	_, err := p.db.Exec(ctx, `
INSERT INTO ride_matches (`+matchColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, m.ID, m.RideID, m.DriverID, m.DistanceKM, m.ETAMinutes, m.Score, m.Status, m.CreatedAt, m.RespondedAt)
	return mapErr("insert match", err)
}

// FindMatch prefers the pending row when a driver was offered the ride in
// more than one round.
func (p *Postgres) FindMatch(ctx context.Context, rideID, driverID string) (dispatch.CandidateMatch, error) {
	m, err := scanMatch(p.db.QueryRow(ctx, `
SELECT `+matchColumns+`
FROM ride_matches
WHERE ride_id = $1 AND driver_id = $2
ORDER BY (status = 'pending') DESC, created_at DESC
LIMIT 1
`, rideID, driverID))
	if err != nil {
		return dispatch.CandidateMatch{}, mapErr("find match", err)
	}
	return m, nil
}

func (p *Postgres) DeclineMatch(ctx context.Context, matchID string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
UPDATE ride_matches SET status = 'declined', responded_at = $2 WHERE id = $1 AND status = 'pending'
`, matchID, at)
	if err != nil {
		return mapErr("decline match", err)
	}
	if tag.RowsAffected() != 1 {
		return dispatch.ErrMatchNoLongerValid
	}
	return nil
}

func (p *Postgres) ExpireMatch(ctx context.Context, matchID string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
UPDATE ride_matches SET status = 'expired', responded_at = $2 WHERE id = $1 AND status = 'pending'
`, matchID, at)
	if err != nil {
		return mapErr("expire match", err)
	}
	if tag.RowsAffected() != 1 {
		return dispatch.ErrMatchNoLongerValid
	}
	return nil
}

func (p *Postgres) CountPendingMatches(ctx context.Context, rideID string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM ride_matches WHERE ride_id = $1 AND status = 'pending'`, rideID).Scan(&n)
	return n, mapErr("count pending matches", err)
}

func (p *Postgres) PendingDriverIDs(ctx context.Context, rideID string) (map[string]struct{}, error) {
	rows, err := p.db.Query(ctx, `SELECT driver_id FROM ride_matches WHERE ride_id = $1 AND status = 'pending'`, rideID)
	if err != nil {
		return nil, mapErr("pending drivers", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan pending driver", err)
		}
		out[id] = struct{}{}
	}
	return out, mapErr("pending drivers", rows.Err())
}

func (p *Postgres) ListPendingMatches(ctx context.Context, driverID string) ([]dispatch.CandidateMatch, error) {
	rows, err := p.db.Query(ctx, `
SELECT m.id, m.ride_id, m.driver_id, m.distance_to_pickup_km, m.estimated_arrival_min, m.match_score, m.status, m.created_at, m.responded_at
FROM ride_matches m
JOIN rides r ON r.id = m.ride_id
WHERE m.driver_id = $1 AND m.status = 'pending' AND r.status = 'requested'
ORDER BY m.created_at DESC
`, driverID)
	if err != nil {
		return nil, mapErr("list pending matches", err)
	}
	defer rows.Close()
	var out []dispatch.CandidateMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, mapErr("scan match", err)
		}
		out = append(out, m)
	}
	return out, mapErr("list pending matches", rows.Err())
}

// ExpireStaleMatches expires pending rows created before olderThan and
// returns the distinct rides they belonged to.
func (p *Postgres) ExpireStaleMatches(ctx context.Context, olderThan, at time.Time) ([]string, error) {
	rows, err := p.db.Query(ctx, `
UPDATE ride_matches SET status = 'expired', responded_at = $2
WHERE status = 'pending' AND created_at < $1
RETURNING ride_id
`, olderThan, at)
	if err != nil {
		return nil, mapErr("expire stale matches", err)
	}
	defer rows.Close()
	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("scan expired match", err)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, mapErr("expire stale matches", rows.Err())
}

// Users and driver profiles

func (p *Postgres) CreateUser(ctx context.Context, u dispatch.User, driver *dispatch.Driver) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return mapErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO users (id, email, name, phone, role, profile_picture, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, u.ID, u.Email, u.Name, u.Phone, u.Role, u.ProfilePicture, u.CreatedAt); err != nil {
		return mapErr("create user", err)
	}
	if driver != nil {
		if _, err := tx.Exec(ctx, `
INSERT INTO drivers (id, is_available, is_verified, rating, total_rides, vehicle_make, vehicle_model, vehicle_year, license_plate, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, driver.ID, driver.Available, driver.Verified, driver.Rating, driver.TotalRides,
			driver.VehicleMake, driver.VehicleModel, driver.VehicleYear, driver.LicensePlate, driver.UpdatedAt); err != nil {
			return mapErr("create driver", err)
		}
	}
	return mapErr("commit", tx.Commit(ctx))
}

func (p *Postgres) GetProfile(ctx context.Context, userID string) (dispatch.Profile, error) {
	var prof dispatch.Profile
	err := p.db.QueryRow(ctx, `
SELECT id, email, name, phone, role, profile_picture, created_at FROM users WHERE id = $1
`, userID).Scan(&prof.ID, &prof.Email, &prof.Name, &prof.Phone, &prof.Role, &prof.ProfilePicture, &prof.CreatedAt)
	if err != nil {
		return dispatch.Profile{}, mapErr("get profile", err)
	}
	if prof.Role != dispatch.RoleDriver {
		return prof, nil
	}
	d, err := scanDriver(p.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, userID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Profile{}, mapErr("get driver", err)
	}
	if err == nil {
		prof.Driver = &d
	}
	return prof, nil
}

// ApplyProfilePatch runs one fixed statement per present field inside a
// single transaction.
func (p *Postgres) ApplyProfilePatch(ctx context.Context, userID string, patch dispatch.ProfilePatch) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return mapErr("begin", err)
	}
	defer tx.Rollback(ctx)

	exec := func(op, sql string, args ...any) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return mapErr(op, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s %s: %w", op, userID, dispatch.ErrNotFound)
		}
		return nil
	}
	if patch.Name != nil {
		if err := exec("update name", `UPDATE users SET name = $2 WHERE id = $1`, userID, *patch.Name); err != nil {
			return err
		}
	}
	if patch.Phone != nil {
		if err := exec("update phone", `UPDATE users SET phone = $2 WHERE id = $1`, userID, *patch.Phone); err != nil {
			return err
		}
	}
	if patch.ProfilePicture != nil {
		if err := exec("update picture", `UPDATE users SET profile_picture = $2 WHERE id = $1`, userID, *patch.ProfilePicture); err != nil {
			return err
		}
	}
	if patch.IsAvailable != nil {
		if err := setAvailability(ctx, tx, userID, *patch.IsAvailable); err != nil {
			return err
		}
	}
	if loc := patch.CurrentLocation; loc != nil {
		if err := exec("update location", `UPDATE drivers SET latitude = $2, longitude = $3, updated_at = NOW() WHERE id = $1`, userID, loc.Latitude, loc.Longitude); err != nil {
			return err
		}
	}
	return mapErr("commit", tx.Commit(ctx))
}

// setAvailability writes the driver's flag unless going available while the
// driver holds a matched or in_progress ride. The row lock orders it against
// a concurrent accept, whose claim locks the same row; the update then runs
// with a fresh snapshot that sees the committed ride.
func setAvailability(ctx context.Context, tx pgx.Tx, driverID string, available bool) error {
	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM drivers WHERE id = $1 FOR UPDATE`, driverID).Scan(&id); err != nil {
		return mapErr("lock driver", err)
	}
	tag, err := tx.Exec(ctx, `
UPDATE drivers SET is_available = $2, updated_at = NOW()
WHERE id = $1 AND ($2 = FALSE OR NOT EXISTS (
	SELECT 1 FROM rides WHERE driver_id = $1 AND status IN ('matched', 'in_progress')))
`, driverID, available)
	if err != nil {
		return mapErr("update availability", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: driver %s holds an active ride", dispatch.ErrInvalidRideState, driverID)
	}
	return nil
}

// Notifications

func (p *Postgres) Enqueue(ctx context.Context, n dispatch.Notification) error {
	return insertNotification(ctx, p.db, n)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertNotification(ctx context.Context, db execer, n dispatch.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("%w: notification data: %v", dispatch.ErrValidation, err)
	}
	_, err = db.Exec(ctx, `
INSERT INTO notifications (user_id, title, message, type, data, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, n.UserID, n.Title, n.Message, n.Type, data, n.CreatedAt)
	return mapErr("insert notification", err)
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string, limit int) ([]dispatch.Notification, error) {
	rows, err := p.db.Query(ctx, `
SELECT id, user_id, title, message, type, data, created_at
FROM notifications WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, mapErr("list notifications", err)
	}
	defer rows.Close()
	var out []dispatch.Notification
	for rows.Next() {
		var (
			n    dispatch.Notification
			data []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &data, &n.CreatedAt); err != nil {
			return nil, mapErr("scan notification", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &n.Data)
		}
		out = append(out, n)
	}
	return out, mapErr("list notifications", rows.Err())
}

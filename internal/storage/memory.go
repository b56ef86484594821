package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ridedispatch/internal/dispatch"
)

// Memory is an in-process dispatch.Repository with the same compare-and-set
// semantics as Postgres. Transactions hold the store lock for their whole
// body and undo their writes on error.
type Memory struct {
	mu            sync.Mutex
	users         map[string]dispatch.User
	drivers       map[string]dispatch.Driver
	rides         map[string]dispatch.Ride
	matches       map[string]dispatch.CandidateMatch
	matchOrder    []string
	notifications []dispatch.Notification
	nextNoteID    int64
	events        map[string][]dispatch.RideEvent
	idem          map[string]idemEntry
	idemTTL       time.Duration

	// FailNotification and FailMatchInsert inject write failures.
	FailNotification func(dispatch.Notification) bool
	FailMatchInsert  func(dispatch.CandidateMatch) bool
}

type idemEntry struct {
	rideID  string
	expires time.Time
}

var errInjected = fmt.Errorf("%w: injected failure", dispatch.ErrDependency)

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]dispatch.User),
		drivers: make(map[string]dispatch.Driver),
		rides:   make(map[string]dispatch.Ride),
		matches: make(map[string]dispatch.CandidateMatch),
		events:  make(map[string][]dispatch.RideEvent),
		idem:    make(map[string]idemEntry),
		idemTTL: 30 * time.Minute,
	}
}

func (m *Memory) CreateRide(_ context.Context, r dispatch.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("%w: ride %s exists", dispatch.ErrValidation, r.ID)
	}
	for _, existing := range m.rides {
		if existing.PassengerID == r.PassengerID && existing.Status.Active() {
			return dispatch.ErrActiveRide
		}
	}
	m.rides[r.ID] = r
	return nil
}

func (m *Memory) GetRide(_ context.Context, id string) (dispatch.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return dispatch.Ride{}, fmt.Errorf("ride %s: %w", id, dispatch.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) HasActiveRide(_ context.Context, passengerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.PassengerID == passengerID && r.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListRides(_ context.Context, f dispatch.RideFilter) ([]dispatch.Ride, error) {
	m.mu.Lock()
	var out []dispatch.Ride
	for _, r := range m.rides {
		if f.PassengerID != "" && r.PassengerID != f.PassengerID {
			continue
		}
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

// Drivers

func (m *Memory) GetDrivers(_ context.Context, ids []string) (map[string]dispatch.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]dispatch.Driver, len(ids))
	for _, id := range ids {
		if d, ok := m.drivers[id]; ok {
			out[id] = cloneDriver(d)
		}
	}
	return out, nil
}

func (m *Memory) ListDriverLocations(context.Context) (map[string]dispatch.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]dispatch.Point)
	for id, d := range m.drivers {
		if d.Location != nil {
			out[id] = *d.Location
		}
	}
	return out, nil
}

func (m *Memory) SetDriverVerified(_ context.Context, driverID string, verified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, dispatch.ErrNotFound)
	}
	d.Verified = verified
	d.UpdatedAt = time.Now().UTC()
	m.drivers[driverID] = d
	return nil
}

func cloneDriver(d dispatch.Driver) dispatch.Driver {
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	return d
}

// Matches

func (m *Memory) InsertMatch(_ context.Context, cm dispatch.CandidateMatch) error {
	if m.FailMatchInsert != nil && m.FailMatchInsert(cm) {
		return errInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[cm.RideID]; !ok {
		return fmt.Errorf("ride %s: %w", cm.RideID, dispatch.ErrNotFound)
	}
	if _, ok := m.matches[cm.ID]; ok {
		return fmt.Errorf("%w: match %s exists", dispatch.ErrValidation, cm.ID)
	}
	m.matches[cm.ID] = cm
	m.matchOrder = append(m.matchOrder, cm.ID)
	return nil
}

func (m *Memory) FindMatch(_ context.Context, rideID, driverID string) (dispatch.CandidateMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found dispatch.CandidateMatch
		ok    bool
	)
	// newest pending row wins, otherwise the newest row
	for i := len(m.matchOrder) - 1; i >= 0; i-- {
		cm := m.matches[m.matchOrder[i]]
		if cm.RideID != rideID || cm.DriverID != driverID {
			continue
		}
		if cm.Status == dispatch.MatchPending {
			return cm, nil
		}
		if !ok {
			found, ok = cm, true
		}
	}
	if !ok {
		return dispatch.CandidateMatch{}, fmt.Errorf("match for ride %s: %w", rideID, dispatch.ErrNotFound)
	}
	return found, nil
}

func (m *Memory) DeclineMatch(_ context.Context, matchID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.matches[matchID]
	if !ok || cm.Status != dispatch.MatchPending {
		return dispatch.ErrMatchNoLongerValid
	}
	cm.Status = dispatch.MatchDeclined
	cm.RespondedAt = &at
	m.matches[matchID] = cm
	return nil
}

func (m *Memory) ExpireMatch(_ context.Context, matchID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.matches[matchID]
	if !ok || cm.Status != dispatch.MatchPending {
		return dispatch.ErrMatchNoLongerValid
	}
	cm.Status = dispatch.MatchExpired
	cm.RespondedAt = &at
	m.matches[matchID] = cm
	return nil
}

func (m *Memory) CountPendingMatches(_ context.Context, rideID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, cm := range m.matches {
		if cm.RideID == rideID && cm.Status == dispatch.MatchPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) PendingDriverIDs(_ context.Context, rideID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{})
	for _, cm := range m.matches {
		if cm.RideID == rideID && cm.Status == dispatch.MatchPending {
			out[cm.DriverID] = struct{}{}
		}
	}
	return out, nil
}

func (m *Memory) ListPendingMatches(_ context.Context, driverID string) ([]dispatch.CandidateMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatch.CandidateMatch
	for i := len(m.matchOrder) - 1; i >= 0; i-- {
		cm := m.matches[m.matchOrder[i]]
		if cm.DriverID != driverID || cm.Status != dispatch.MatchPending {
			continue
		}
		if m.rides[cm.RideID].Status != dispatch.RideRequested {
			continue
		}
		out = append(out, cm)
	}
	return out, nil
}

func (m *Memory) ExpireStaleMatches(_ context.Context, olderThan, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var rides []string
	for _, id := range m.matchOrder {
		cm := m.matches[id]
		if cm.Status != dispatch.MatchPending || !cm.CreatedAt.Before(olderThan) {
			continue
		}
		cm.Status = dispatch.MatchExpired
		cm.RespondedAt = &at
		m.matches[id] = cm
		if _, ok := seen[cm.RideID]; !ok {
			seen[cm.RideID] = struct{}{}
			rides = append(rides, cm.RideID)
		}
	}
	return rides, nil
}

// Matches returns every row for a ride in insertion order.
func (m *Memory) Matches(rideID string) []dispatch.CandidateMatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatch.CandidateMatch
	for _, id := range m.matchOrder {
		if cm := m.matches[id]; cm.RideID == rideID {
			out = append(out, cm)
		}
	}
	return out
}

// Users

func (m *Memory) CreateUser(_ context.Context, u dispatch.User, driver *dispatch.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s exists", dispatch.ErrValidation, u.ID)
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return fmt.Errorf("%w: email already registered", dispatch.ErrValidation)
		}
	}
	m.users[u.ID] = u
	if driver != nil {
		m.drivers[driver.ID] = cloneDriver(*driver)
	}
	return nil
}

func (m *Memory) GetProfile(_ context.Context, userID string) (dispatch.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return dispatch.Profile{}, fmt.Errorf("profile %s: %w", userID, dispatch.ErrNotFound)
	}
	prof := dispatch.Profile{User: u}
	if d, ok := m.drivers[userID]; ok {
		d = cloneDriver(d)
		prof.Driver = &d
	}
	return prof, nil
}

func (m *Memory) ApplyProfilePatch(_ context.Context, userID string, patch dispatch.ProfilePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("profile %s: %w", userID, dispatch.ErrNotFound)
	}
	d, isDriver := m.drivers[userID]
	if (patch.IsAvailable != nil || patch.CurrentLocation != nil) && !isDriver {
		return fmt.Errorf("driver %s: %w", userID, dispatch.ErrNotFound)
	}
	if patch.IsAvailable != nil && *patch.IsAvailable && m.driverOnRide(userID) {
		return fmt.Errorf("%w: driver %s holds an active ride", dispatch.ErrInvalidRideState, userID)
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Phone != nil {
		u.Phone = *patch.Phone
	}
	if patch.ProfilePicture != nil {
		u.ProfilePicture = *patch.ProfilePicture
	}
	m.users[userID] = u
	if !isDriver {
		return nil
	}
	if patch.IsAvailable != nil {
		d.Available = *patch.IsAvailable
	}
	if patch.CurrentLocation != nil {
		loc := *patch.CurrentLocation
		d.Location = &loc
	}
	d.UpdatedAt = time.Now().UTC()
	m.drivers[userID] = d
	return nil
}

// driverOnRide must be called with mu held.
func (m *Memory) driverOnRide(driverID string) bool {
	for _, r := range m.rides {
		if r.DriverID == driverID && (r.Status == dispatch.RideMatched || r.Status == dispatch.RideInProgress) {
			return true
		}
	}
	return false
}

// Notifications

func (m *Memory) Enqueue(_ context.Context, n dispatch.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertNotification(n)
}

// insertNotification must be called with mu held.
func (m *Memory) insertNotification(n dispatch.Notification) error {
	if m.FailNotification != nil && m.FailNotification(n) {
		return errInjected
	}
	m.nextNoteID++
	n.ID = m.nextNoteID
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string, limit int) ([]dispatch.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatch.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if m.notifications[i].UserID == userID {
			out = append(out, m.notifications[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Ride events

func (m *Memory) AppendRideEvent(_ context.Context, evt dispatch.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[evt.RideID] = append(m.events[evt.RideID], evt)
	return nil
}

func (m *Memory) ListRideEvents(_ context.Context, rideID string, limit, offset int) ([]dispatch.RideEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evts := append([]dispatch.RideEvent(nil), m.events[rideID]...)
	return page(evts, limit, offset), nil
}

// Idempotency keys

func (m *Memory) Remember(_ context.Context, key, rideID string) error {
	if key == "" || rideID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[key] = idemEntry{rideID: rideID, expires: time.Now().Add(m.idemTTL)}
	return nil
}

func (m *Memory) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idem[key]
	if !ok || time.Now().After(e.expires) {
		return "", false, nil
	}
	return e.rideID, true, nil
}

// Transactions

func (m *Memory) InDispatchTx(_ context.Context, fn func(dispatch.DispatchTx) error) error {
	return m.inTx(func(tx *memTx) error { return fn(tx) })
}

func (m *Memory) InLifecycleTx(_ context.Context, fn func(dispatch.LifecycleTx) error) error {
	return m.inTx(func(tx *memTx) error { return fn(tx) })
}

func (m *Memory) inTx(fn func(*memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memTx records an undo step for every write.
type memTx struct {
	m    *Memory
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *memTx) putRide(r dispatch.Ride) {
	prev := t.m.rides[r.ID]
	t.undo = append(t.undo, func() { t.m.rides[r.ID] = prev })
	t.m.rides[r.ID] = r
}

func (t *memTx) putMatch(cm dispatch.CandidateMatch) {
	prev := t.m.matches[cm.ID]
	t.undo = append(t.undo, func() { t.m.matches[cm.ID] = prev })
	t.m.matches[cm.ID] = cm
}

func (t *memTx) putDriver(d dispatch.Driver) {
	prev := t.m.drivers[d.ID]
	t.undo = append(t.undo, func() { t.m.drivers[d.ID] = prev })
	t.m.drivers[d.ID] = d
}

func (t *memTx) AssignRide(_ context.Context, rideID, driverID string, at time.Time) error {
	r, ok := t.m.rides[rideID]
	if !ok || r.Status != dispatch.RideRequested {
		return dispatch.ErrMatchNoLongerValid
	}
	r.Status = dispatch.RideMatched
	r.DriverID = driverID
	r.MatchedAt = &at
	t.putRide(r)
	return nil
}

func (t *memTx) AcceptMatch(_ context.Context, matchID string, at time.Time) error {
	cm, ok := t.m.matches[matchID]
	if !ok || cm.Status != dispatch.MatchPending {
		return dispatch.ErrMatchNoLongerValid
	}
	for _, other := range t.m.matches {
		if other.RideID == cm.RideID && other.Status == dispatch.MatchAccepted {
			return dispatch.ErrMatchNoLongerValid
		}
	}
	cm.Status = dispatch.MatchAccepted
	cm.RespondedAt = &at
	t.putMatch(cm)
	return nil
}

func (t *memTx) ExpireSiblings(_ context.Context, rideID, keepMatchID string, at time.Time) (int, error) {
	return t.expire(rideID, keepMatchID, at), nil
}

func (t *memTx) ExpirePending(_ context.Context, rideID string, at time.Time) (int, error) {
	return t.expire(rideID, "", at), nil
}

func (t *memTx) expire(rideID, keep string, at time.Time) int {
	n := 0
	for _, id := range t.m.matchOrder {
		cm := t.m.matches[id]
		if cm.RideID != rideID || cm.ID == keep || cm.Status != dispatch.MatchPending {
			continue
		}
		cm.Status = dispatch.MatchExpired
		cm.RespondedAt = &at
		t.putMatch(cm)
		n++
	}
	return n
}

func (t *memTx) ClaimDriver(_ context.Context, driverID string) error {
	d, ok := t.m.drivers[driverID]
	if !ok || !d.Available || !d.Verified {
		return dispatch.ErrDriverUnavailable
	}
	d.Available = false
	d.UpdatedAt = time.Now().UTC()
	t.putDriver(d)
	return nil
}

func (t *memTx) EnqueueNotification(_ context.Context, n dispatch.Notification) error {
	before := len(t.m.notifications)
	if err := t.m.insertNotification(n); err != nil {
		return err
	}
	t.undo = append(t.undo, func() { t.m.notifications = t.m.notifications[:before] })
	return nil
}

func (t *memTx) StartRide(_ context.Context, rideID string, at time.Time) error {
	r, ok := t.m.rides[rideID]
	if !ok || r.Status != dispatch.RideMatched {
		return dispatch.ErrInvalidRideState
	}
	r.Status = dispatch.RideInProgress
	r.StartedAt = &at
	t.putRide(r)
	return nil
}

func (t *memTx) CompleteRide(_ context.Context, rideID string, from dispatch.RideStatus, c dispatch.Completion) error {
	r, ok := t.m.rides[rideID]
	if !ok || r.Status != from {
		return dispatch.ErrInvalidRideState
	}
	dur := c.ActualDurationMin
	r.Status = dispatch.RideCompleted
	r.CompletedAt = &c.At
	r.ActualDistanceKM = c.ActualDistanceKM
	r.ActualDurationMin = &dur
	t.putRide(r)
	return nil
}

func (t *memTx) ReleaseDriver(_ context.Context, driverID string) error {
	d, ok := t.m.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, dispatch.ErrNotFound)
	}
	d.Available = true
	d.TotalRides++
	d.UpdatedAt = time.Now().UTC()
	t.putDriver(d)
	return nil
}

func (t *memTx) CancelRide(_ context.Context, rideID string, at time.Time) error {
	r, ok := t.m.rides[rideID]
	if !ok || r.Status != dispatch.RideRequested {
		return dispatch.ErrInvalidRideState
	}
	r.Status = dispatch.RideCancelled
	r.CancelledAt = &at
	t.putRide(r)
	return nil
}

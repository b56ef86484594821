package dispatch

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks ridedispatch/internal/dispatch Redispatcher,Publisher,GeoIndex

import (
	"context"
	"time"
)

type RideStatus string

const (
	RideRequested  RideStatus = "requested"
	RideMatched    RideStatus = "matched"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition may be applied.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Active reports whether the ride blocks its passenger from requesting another.
func (s RideStatus) Active() bool {
	return s == RideRequested || s == RideMatched || s == RideInProgress
}

type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchAccepted MatchStatus = "accepted"
	MatchDeclined MatchStatus = "declined"
	MatchExpired  MatchStatus = "expired"
)

type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

type Ride struct {
	ID                   string     `json:"id"`
	PassengerID          string     `json:"passengerId"`
	DriverID             string     `json:"driverId,omitempty"`
	Status               RideStatus `json:"status"`
	Pickup               Point      `json:"pickup"`
	PickupAddress        string     `json:"pickupAddress"`
	Dropoff              Point      `json:"dropoff"`
	DropoffAddress       string     `json:"dropoffAddress"`
	EstimatedDistanceKM  float64    `json:"estimatedDistanceKm"`
	EstimatedDurationMin int        `json:"estimatedDurationMin"`
	ActualDistanceKM     *float64   `json:"actualDistanceKm,omitempty"`
	ActualDurationMin    *int       `json:"actualDurationMin,omitempty"`
	RequestedAt          time.Time  `json:"requestedAt"`
	MatchedAt            *time.Time `json:"matchedAt,omitempty"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	CancelledAt          *time.Time `json:"cancelledAt,omitempty"`
}

// CandidateMatch is one proposed (ride, driver) pairing from a matching round.
type CandidateMatch struct {
	ID          string      `json:"id"`
	RideID      string      `json:"rideId"`
	DriverID    string      `json:"driverId"`
	DistanceKM  float64     `json:"distanceToPickupKm"`
	ETAMinutes  int         `json:"estimatedArrivalMin"`
	Score       float64     `json:"matchScore"`
	Status      MatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	RespondedAt *time.Time  `json:"respondedAt,omitempty"`
}

// Driver is the availability record consulted during dispatch.
type Driver struct {
	ID           string    `json:"id"`
	Available    bool      `json:"isAvailable"`
	Verified     bool      `json:"isVerified"`
	Location     *Point    `json:"currentLocation,omitempty"`
	Rating       float64   `json:"rating"`
	TotalRides   int       `json:"totalRides"`
	VehicleMake  string    `json:"vehicleMake,omitempty"`
	VehicleModel string    `json:"vehicleModel,omitempty"`
	VehicleYear  int       `json:"vehicleYear,omitempty"`
	LicensePlate string    `json:"licensePlate,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type IdentityRole string

const (
	RolePassenger IdentityRole = "passenger"
	RoleDriver    IdentityRole = "driver"
	RoleAdmin     IdentityRole = "admin"
)

// Valid reports whether r is a known role.
func (r IdentityRole) Valid() bool {
	return r == RolePassenger || r == RoleDriver || r == RoleAdmin
}

type Identity struct {
	ID    string       `json:"id"`
	Role  IdentityRole `json:"role"`
	Token string       `json:"token,omitempty"`
	// ExpiresAt is optional; nil means no expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type User struct {
	ID             string       `json:"id"`
	Email          string       `json:"email"`
	Name           string       `json:"name"`
	Phone          string       `json:"phone"`
	Role           IdentityRole `json:"role"`
	ProfilePicture string       `json:"profilePicture,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Profile is a user plus, for drivers, their availability record.
type Profile struct {
	User
	Driver *Driver `json:"driver,omitempty"`
}

// ProfilePatch names every field a caller may change on their own profile.
// Nil fields are left untouched.
type ProfilePatch struct {
	Name            *string `json:"name,omitempty"`
	Phone           *string `json:"phone,omitempty"`
	ProfilePicture  *string `json:"profile_picture,omitempty"`
	IsAvailable     *bool   `json:"is_available,omitempty"`
	CurrentLocation *Point  `json:"current_location,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ProfilePatch) Empty() bool {
	return p.Name == nil && p.Phone == nil && p.ProfilePicture == nil && p.IsAvailable == nil && p.CurrentLocation == nil
}

// Notification is a record handed to the delivery subsystem.
type Notification struct {
	ID        int64          `json:"id,omitempty"`
	UserID    string         `json:"userId"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type RideEvent struct {
	RideID    string    `json:"rideId"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	ActorRole string    `json:"actorRole,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Completion carries the values written when a ride completes.
type Completion struct {
	At                time.Time
	ActualDistanceKM  *float64
	ActualDurationMin int
}

type GeoHit struct {
	DriverID   string
	Point      Point
	DistanceKM float64
}

// GeoIndex answers radius queries over driver positions.
type GeoIndex interface {
	WithinRadius(ctx context.Context, center Point, radiusKM float64, limit int) ([]GeoHit, error)
	Upsert(ctx context.Context, driverID string, p Point) error
	Remove(ctx context.Context, driverID string) error
}

// NotificationSink enqueues notification records outside any transaction.
type NotificationSink interface {
	Enqueue(ctx context.Context, n Notification) error
}

// Publisher receives committed changes for fan-out. Implementations must not block.
type Publisher interface {
	RideUpdated(ctx context.Context, ride Ride)
	Notified(ctx context.Context, batch []Notification)
}

// Redispatcher schedules a new matching round for a ride.
type Redispatcher interface {
	Redispatch(ctx context.Context, rideID string) error
}

type EventLogger interface {
	AppendRideEvent(ctx context.Context, evt RideEvent) error
	ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]RideEvent, error)
}

type IdempotencyStore interface {
	Remember(ctx context.Context, key, rideID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// DispatchTx exposes the coupled writes that move a ride to matched.
type DispatchTx interface {
	// AssignRide sets matched/driver/matched_at only while the ride is still requested.
	AssignRide(ctx context.Context, rideID, driverID string, at time.Time) error
	// AcceptMatch flips a pending match to accepted.
	AcceptMatch(ctx context.Context, matchID string, at time.Time) error
	// ExpireSiblings expires every other pending match of the ride.
	ExpireSiblings(ctx context.Context, rideID, keepMatchID string, at time.Time) (int, error)
	// ClaimDriver marks an available, verified driver unavailable.
	ClaimDriver(ctx context.Context, driverID string) error
	EnqueueNotification(ctx context.Context, n Notification) error
}

// LifecycleTx exposes the writes used by start, complete and cancel.
type LifecycleTx interface {
	StartRide(ctx context.Context, rideID string, at time.Time) error
	CompleteRide(ctx context.Context, rideID string, from RideStatus, c Completion) error
	ReleaseDriver(ctx context.Context, driverID string) error
	CancelRide(ctx context.Context, rideID string, at time.Time) error
	ExpirePending(ctx context.Context, rideID string, at time.Time) (int, error)
	EnqueueNotification(ctx context.Context, n Notification) error
}

// Transactor runs closures atomically; a returned error rolls everything back.
type Transactor interface {
	InDispatchTx(ctx context.Context, fn func(DispatchTx) error) error
	InLifecycleTx(ctx context.Context, fn func(LifecycleTx) error) error
}

// Repository is the read side plus the independent writes of the ride,
// match and driver records.
type Repository interface {
	Transactor
	NotificationSink

	CreateRide(ctx context.Context, ride Ride) error
	GetRide(ctx context.Context, id string) (Ride, error)
	HasActiveRide(ctx context.Context, passengerID string) (bool, error)
	ListRides(ctx context.Context, filter RideFilter) ([]Ride, error)

	GetDrivers(ctx context.Context, ids []string) (map[string]Driver, error)
	ListDriverLocations(ctx context.Context) (map[string]Point, error)
	SetDriverVerified(ctx context.Context, driverID string, verified bool) error

	InsertMatch(ctx context.Context, m CandidateMatch) error
	FindMatch(ctx context.Context, rideID, driverID string) (CandidateMatch, error)
	DeclineMatch(ctx context.Context, matchID string, at time.Time) error
	// ExpireMatch expires a single pending match.
	ExpireMatch(ctx context.Context, matchID string, at time.Time) error
	CountPendingMatches(ctx context.Context, rideID string) (int, error)
	PendingDriverIDs(ctx context.Context, rideID string) (map[string]struct{}, error)
	ListPendingMatches(ctx context.Context, driverID string) ([]CandidateMatch, error)
	ExpireStaleMatches(ctx context.Context, olderThan, at time.Time) ([]string, error)

	CreateUser(ctx context.Context, u User, driver *Driver) error
	GetProfile(ctx context.Context, userID string) (Profile, error)
	ApplyProfilePatch(ctx context.Context, userID string, patch ProfilePatch) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// RideFilter selects rides for listing. Empty ids mean all rides.
type RideFilter struct {
	PassengerID string
	DriverID    string
	Limit       int
	Offset      int
}

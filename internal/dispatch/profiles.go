package dispatch

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"
)

// Directory serves profiles, ride history and the notification inbox.
type Directory struct {
	Deps
}

func NewDirectory(deps Deps) *Directory {
	return &Directory{Deps: deps.withDefaults()}
}

// Vehicle is supplied by drivers at onboarding.
type Vehicle struct {
	Make         string `json:"vehicleMake"`
	Model        string `json:"vehicleModel"`
	Year         int    `json:"vehicleYear"`
	LicensePlate string `json:"licensePlate"`
}

// CreateProfile stores a user; drivers also get an unverified, offline
// availability record.
func (d *Directory) CreateProfile(ctx context.Context, u User, vehicle *Vehicle) (Profile, error) {
	u.Email = strings.TrimSpace(u.Email)
	u.Name = strings.TrimSpace(u.Name)
	if u.ID == "" || u.Name == "" || u.Email == "" {
		return Profile{}, validationf("id, name and email are required")
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		return Profile{}, validationf("invalid email")
	}
	if !u.Role.Valid() {
		return Profile{}, validationf("invalid role %q", u.Role)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.Clock()
	}

	var driver *Driver
	if u.Role == RoleDriver {
		if vehicle == nil || vehicle.LicensePlate == "" {
			return Profile{}, validationf("drivers must supply a vehicle with a license plate")
		}
		driver = &Driver{
			ID:           u.ID,
			Rating:       5,
			VehicleMake:  vehicle.Make,
			VehicleModel: vehicle.Model,
			VehicleYear:  vehicle.Year,
			LicensePlate: vehicle.LicensePlate,
			UpdatedAt:    u.CreatedAt,
		}
	} else if vehicle != nil {
		return Profile{}, validationf("only drivers have vehicles")
	}
	if err := d.Repo.CreateUser(ctx, u, driver); err != nil {
		return Profile{}, dependency("create profile", err)
	}
	d.Logger.WithFields(logrus.Fields{"user_id": u.ID, "role": u.Role}).Info("profile created")
	return Profile{User: u, Driver: driver}, nil
}

func (d *Directory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	p, err := d.Repo.GetProfile(ctx, userID)
	if err != nil {
		return Profile{}, dependency("load profile", err)
	}
	return p, nil
}

// UpdateProfile applies a patch to the caller's own profile. The store
// refuses is_available=true while the driver holds a matched or in_progress
// ride, in the same statement that writes the flag. Location changes are
// mirrored into the geo index, and going offline drops the driver from it.
func (d *Directory) UpdateProfile(ctx context.Context, caller Identity, patch ProfilePatch) (Profile, error) {
	if patch.Empty() {
		return Profile{}, validationf("no fields to update")
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return Profile{}, validationf("name cannot be empty")
	}
	driverFields := patch.IsAvailable != nil || patch.CurrentLocation != nil
	if driverFields && caller.Role != RoleDriver {
		return Profile{}, validationf("availability and location apply to drivers only")
	}
	if patch.CurrentLocation != nil && !patch.CurrentLocation.Valid() {
		return Profile{}, validationf("coordinates out of range")
	}

	if err := d.Repo.ApplyProfilePatch(ctx, caller.ID, patch); err != nil {
		return Profile{}, dependency("update profile", err)
	}
	profile, err := d.GetProfile(ctx, caller.ID)
	if err != nil {
		return Profile{}, err
	}
	if driverFields {
		d.syncGeo(ctx, profile, patch)
	}
	return profile, nil
}

// syncGeo mirrors a driver patch into the geo index. The store row is
// authoritative; failures are logged and the index catches up at the next
// hydration or location update.
func (d *Directory) syncGeo(ctx context.Context, profile Profile, patch ProfilePatch) {
	if d.Geo == nil || profile.Driver == nil {
		return
	}
	log := d.Logger.WithField("driver_id", profile.ID)
	switch {
	case patch.CurrentLocation != nil:
		if err := d.Geo.Upsert(ctx, profile.ID, *patch.CurrentLocation); err != nil {
			log.WithError(err).Warn("geo upsert failed")
		}
	case patch.IsAvailable != nil && !*patch.IsAvailable:
		if err := d.Geo.Remove(ctx, profile.ID); err != nil {
			log.WithError(err).Warn("geo remove failed")
		}
	case patch.IsAvailable != nil && profile.Driver.Location != nil:
		if err := d.Geo.Upsert(ctx, profile.ID, *profile.Driver.Location); err != nil {
			log.WithError(err).Warn("geo upsert failed")
		}
	}
}

// VerifyDriver flips the admin-controlled verification flag.
func (d *Directory) VerifyDriver(ctx context.Context, driverID string, verified bool) (Profile, error) {
	if err := d.Repo.SetDriverVerified(ctx, driverID, verified); err != nil {
		return Profile{}, dependency("verify driver", err)
	}
	d.Logger.WithFields(logrus.Fields{"driver_id": driverID, "verified": verified}).Info("driver verification changed")
	return d.GetProfile(ctx, driverID)
}

// Ride returns a ride the caller participates in; admins see every ride.
func (d *Directory) Ride(ctx context.Context, caller Identity, rideID string) (Ride, error) {
	ride, err := d.Repo.GetRide(ctx, rideID)
	if err != nil {
		return Ride{}, dependency("load ride", err)
	}
	if !CanView(caller, ride) {
		return Ride{}, fmt.Errorf("%w: not a participant of this ride", ErrNotAuthorized)
	}
	return ride, nil
}

// CanView reports whether caller may see ride.
func CanView(caller Identity, ride Ride) bool {
	switch caller.Role {
	case RoleAdmin:
		return true
	case RolePassenger:
		return ride.PassengerID == caller.ID
	case RoleDriver:
		return ride.DriverID == caller.ID
	}
	return false
}

// Rides lists the caller's rides, newest first.
func (d *Directory) Rides(ctx context.Context, caller Identity, limit, offset int) ([]Ride, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	filter := RideFilter{Limit: limit, Offset: offset}
	switch caller.Role {
	case RolePassenger:
		filter.PassengerID = caller.ID
	case RoleDriver:
		filter.DriverID = caller.ID
	case RoleAdmin:
	default:
		return nil, ErrNotAuthorized
	}
	rides, err := d.Repo.ListRides(ctx, filter)
	if err != nil {
		return nil, dependency("list rides", err)
	}
	return rides, nil
}

func (d *Directory) Notifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	notes, err := d.Repo.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, dependency("list notifications", err)
	}
	return notes, nil
}

func (d *Directory) RideEvents(ctx context.Context, rideID string, limit, offset int) ([]RideEvent, error) {
	if d.Events == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	events, err := d.Events.ListRideEvents(ctx, rideID, limit, offset)
	if err != nil {
		return nil, dependency("list ride events", err)
	}
	return events, nil
}

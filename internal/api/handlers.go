package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
)

func requireRole(w http.ResponseWriter, r *http.Request, allowed ...dispatch.IdentityRole) (dispatch.Identity, bool) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return dispatch.Identity{}, false
	}
	if len(allowed) == 0 {
		return id, true
	}
	for _, role := range allowed {
		if id.Role == role {
			return id, true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return dispatch.Identity{}, false
}

// decodeBody decodes a JSON body. An empty body is accepted when optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

type Handler struct {
	svc  Services
	auth authConfig
	log  logrus.FieldLogger
}

type createProfilePayload struct {
	Email          string            `json:"email"`
	Name           string            `json:"name"`
	Phone          string            `json:"phone"`
	ProfilePicture string            `json:"profilePicture,omitempty"`
	Vehicle        *dispatch.Vehicle `json:"vehicle,omitempty"`
}

// CreateProfile onboards the caller under their authenticated id and role.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	var payload createProfilePayload
	if err := decodeBody(r, &payload, false); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	profile, err := h.svc.Directory.CreateProfile(r.Context(), dispatch.User{
		ID:             identity.ID,
		Email:          payload.Email,
		Name:           payload.Name,
		Phone:          payload.Phone,
		Role:           identity.Role,
		ProfilePicture: payload.ProfilePicture,
	}, payload.Vehicle)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, profile)
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	profile, err := h.svc.Directory.GetProfile(r.Context(), identity.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	var patch dispatch.ProfilePatch
	if err := decodeBody(r, &patch, false); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	profile, err := h.svc.Directory.UpdateProfile(r.Context(), identity, patch)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

type rideResponse struct {
	Ride  dispatch.Ride         `json:"ride"`
	Round *dispatch.RoundResult `json:"matching,omitempty"`
}

// RequestRide creates a ride for the calling passenger and runs the first
// matching round. Idempotency-Key makes retries return the original ride.
func (h *Handler) RequestRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RolePassenger)
	if !ok {
		return
	}
	var req dispatch.RideRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.PassengerID = identity.ID
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	ride, round, err := h.svc.Coordinator.RequestRide(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	resp := rideResponse{Ride: ride}
	if round.RideID != "" {
		resp.Round = &round
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListRides(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	rides, err := h.svc.Directory.Rides(r.Context(), identity, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if rides == nil {
		rides = []dispatch.Ride{}
	}
	respondJSON(w, http.StatusOK, rides)
}

func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.Directory.Ride(r.Context(), identity, chi.URLParam(r, "rideID"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

// RunMatchingRound lets an admin retry dispatch for a stuck ride.
func (h *Handler) RunMatchingRound(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, dispatch.RoleAdmin); !ok {
		return
	}
	res, err := h.svc.Coordinator.RunMatchingRound(r.Context(), chi.URLParam(r, "rideID"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) AcceptRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RoleDriver)
	if !ok {
		return
	}
	ride, err := h.svc.Responses.Accept(r.Context(), chi.URLParam(r, "rideID"), identity.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

type declinePayload struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) DeclineRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RoleDriver)
	if !ok {
		return
	}
	var payload declinePayload
	if err := decodeBody(r, &payload, true); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	res, err := h.svc.Responses.Decline(r.Context(), chi.URLParam(r, "rideID"), identity.ID, payload.Reason)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) StartRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RoleDriver)
	if !ok {
		return
	}
	ride, err := h.svc.Lifecycle.StartRide(r.Context(), chi.URLParam(r, "rideID"), identity.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

type completePayload struct {
	ActualDistance *float64 `json:"actualDistance,omitempty"`
	ActualDuration *int     `json:"actualDuration,omitempty"`
}

func (h *Handler) CompleteRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RoleDriver, dispatch.RolePassenger)
	if !ok {
		return
	}
	var payload completePayload
	if err := decodeBody(r, &payload, true); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ride, err := h.svc.Lifecycle.CompleteRide(r.Context(), chi.URLParam(r, "rideID"), identity.ID, payload.ActualDistance, payload.ActualDuration)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RolePassenger, dispatch.RoleAdmin)
	if !ok {
		return
	}
	ride, err := h.svc.Lifecycle.CancelRide(r.Context(), chi.URLParam(r, "rideID"), identity)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

func (h *Handler) ListPendingMatches(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r, dispatch.RoleDriver)
	if !ok {
		return
	}
	matches, err := h.svc.Responses.ListPendingMatches(r.Context(), identity.ID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if matches == nil {
		matches = []dispatch.CandidateMatch{}
	}
	respondJSON(w, http.StatusOK, matches)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	notes, err := h.svc.Directory.Notifications(r.Context(), identity.ID, queryInt(r, "limit", 50))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if notes == nil {
		notes = []dispatch.Notification{}
	}
	respondJSON(w, http.StatusOK, notes)
}

type verifyPayload struct {
	Verified *bool `json:"verified,omitempty"`
}

func (h *Handler) VerifyDriver(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, dispatch.RoleAdmin); !ok {
		return
	}
	var payload verifyPayload
	if err := decodeBody(r, &payload, true); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	verified := true
	if payload.Verified != nil {
		verified = *payload.Verified
	}
	profile, err := h.svc.Directory.VerifyDriver(r.Context(), chi.URLParam(r, "driverID"), verified)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (h *Handler) ListRideEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, dispatch.RoleAdmin); !ok {
		return
	}
	events, err := h.svc.Directory.RideEvents(r.Context(), chi.URLParam(r, "rideID"), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if events == nil {
		events = []dispatch.RideEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// RideWebsocket streams updates of one ride to a participant. Browsers pass
// the token as ?token= since they cannot set headers on upgrade.
func (h *Handler) RideWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireRole(w, r)
	if !ok {
		return
	}
	ride, err := h.svc.Directory.Ride(r.Context(), identity, chi.URLParam(r, "rideID"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	h.svc.Hub.ServeRide(w, r, ride)
}

type registerPayload struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role"`
	TTL  string `json:"ttl,omitempty"`
}

// RegisterIdentity issues an opaque token; only available with memory auth.
func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if h.auth.store == nil {
		respondError(w, http.StatusServiceUnavailable, "auth not configured")
		return
	}
	if _, ok := requireRole(w, r, dispatch.RoleAdmin); !ok {
		return
	}
	var payload registerPayload
	if err := decodeBody(r, &payload, false); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ttl := h.auth.ttl
	if payload.TTL != "" {
		if parsed, err := time.ParseDuration(payload.TTL); err == nil {
			ttl = parsed
		}
	}
	identity, err := h.auth.store.Register(strings.TrimSpace(payload.ID), dispatch.IdentityRole(payload.Role), ttl)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.auth.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := h.auth.db.Save(ctx, identity, ttl); err != nil {
			h.log.WithError(err).WithField("identity", identity.ID).Warn("identity not persisted")
		}
	}
	respondJSON(w, http.StatusCreated, identity)
}

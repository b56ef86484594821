package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
)

// Services are the dispatch operations exposed over HTTP.
type Services struct {
	Coordinator *dispatch.Coordinator
	Responses   *dispatch.ResponseHandler
	Lifecycle   *dispatch.Lifecycle
	Directory   *dispatch.Directory
	Hub         *dispatch.Hub
}

// AttachRoutes wires HTTP routes to handlers.
func AttachRoutes(r chi.Router, svc Services, authOpts AuthOptions, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	authCfg := newAuthConfig(authOpts)
	handler := &Handler{svc: svc, auth: authCfg, log: log.WithField("component", "api")}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)

		pr.Post("/api/profiles", handler.CreateProfile)
		pr.Get("/api/profiles/me", handler.GetProfile)
		pr.Patch("/api/profiles/me", handler.UpdateProfile)

		pr.Post("/api/rides", handler.RequestRide)
		pr.Get("/api/rides", handler.ListRides)
		pr.Get("/api/rides/{rideID}", handler.GetRide)
		pr.Post("/api/rides/{rideID}/match", handler.RunMatchingRound)
		pr.Post("/api/rides/{rideID}/accept", handler.AcceptRide)
		pr.Post("/api/rides/{rideID}/decline", handler.DeclineRide)
		pr.Post("/api/rides/{rideID}/start", handler.StartRide)
		pr.Post("/api/rides/{rideID}/complete", handler.CompleteRide)
		pr.Post("/api/rides/{rideID}/cancel", handler.CancelRide)

		pr.Get("/api/matches/pending", handler.ListPendingMatches)
		pr.Get("/api/notifications", handler.ListNotifications)

		pr.Get("/ws/rides/{rideID}", handler.RideWebsocket)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/auth/register", handler.RegisterIdentity)
		pr.Post("/api/admin/drivers/{driverID}/verify", handler.VerifyDriver)
		pr.Get("/api/admin/rides/{rideID}/events", handler.ListRideEvents)
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps an operation error to its HTTP status by kind.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := dispatch.KindOf(err)
	status := statusForKind(kind)
	if status >= 500 {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	msg := err.Error()
	if kind == "" {
		kind, msg = "Internal", "internal error"
	}
	respondJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

func statusForKind(kind string) int {
	switch kind {
	case "NotAuthorized":
		return http.StatusForbidden
	case "NotFound":
		return http.StatusNotFound
	case "InvalidRideState", "MatchNoLongerValid":
		return http.StatusConflict
	case "ValidationError":
		return http.StatusBadRequest
	case "DependencyFailure":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

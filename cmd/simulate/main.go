package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/logging"
)

type rideEnvelope struct {
	Ride     dispatch.Ride         `json:"ride"`
	Matching *dispatch.RoundResult `json:"matching,omitempty"`
}

type client struct {
	http *http.Client
	api  string
}

// Drives one ride through request, offer, accept, start and complete.
func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	passengerToken := flag.String("passenger-token", "", "passenger bearer token")
	driverToken := flag.String("driver-token", "", "driver bearer token")
	lat := flag.Float64("lat", 40.758, "pickup latitude")
	lon := flag.Float64("lon", -73.9855, "pickup longitude")
	distance := flag.Float64("distance", 3.2, "actual distance reported at completion, km")
	flag.Parse()

	log := logging.New("info")
	c := &client{http: &http.Client{Timeout: 5 * time.Second}, api: *api}

	var created rideEnvelope
	err := c.do(http.MethodPost, "/api/rides", *passengerToken, map[string]any{
		"pickup":         dispatch.Point{Latitude: *lat, Longitude: *lon},
		"pickupAddress":  "Times Square",
		"dropoff":        dispatch.Point{Latitude: *lat + 0.02, Longitude: *lon + 0.01},
		"dropoffAddress": "Central Park",
	}, &created, "Idempotency-Key", uuid.NewString())
	if err != nil {
		log.WithError(err).Fatal("ride request failed")
	}
	ride := created.Ride
	entry := log.WithField("ride_id", ride.ID)
	if created.Matching != nil {
		entry = entry.WithFields(logrus.Fields{"outcome": created.Matching.Outcome, "candidates": len(created.Matching.Candidates)})
	}
	entry.Info("ride requested")

	if ride.Status == dispatch.RideRequested {
		var pending []dispatch.CandidateMatch
		if err := c.do(http.MethodGet, "/api/matches/pending", *driverToken, nil, &pending); err != nil {
			log.WithError(err).Fatal("pending matches failed")
		}
		log.WithField("pending", len(pending)).Info("driver offers")
		if err := c.do(http.MethodPost, "/api/rides/"+ride.ID+"/accept", *driverToken, nil, &ride); err != nil {
			log.WithError(err).Fatal("accept failed")
		}
		log.WithField("driver_id", ride.DriverID).Info("ride accepted")
	} else {
		log.WithField("driver_id", ride.DriverID).Info("ride auto-assigned")
	}

	if err := c.do(http.MethodPost, "/api/rides/"+ride.ID+"/start", *driverToken, nil, &ride); err != nil {
		log.WithError(err).Fatal("start failed")
	}
	log.Info("ride started")

	if err := c.do(http.MethodPost, "/api/rides/"+ride.ID+"/complete", *driverToken, map[string]any{"actualDistance": *distance}, &ride); err != nil {
		log.WithError(err).Fatal("complete failed")
	}
	log.WithField("duration_min", ride.ActualDurationMin).Info("ride completed")
}

// do sends body as JSON and decodes the response into out. Extra header
// pairs are set verbatim.
func (c *client) do(method, path, token string, body, out any, headers ...string) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.api+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/logging"
)

type wsFrame struct {
	Type string         `json:"type"`
	Ride *dispatch.Ride `json:"ride,omitempty"`
}

// Smoke checks a running server end to end: the driver goes online, the
// passenger requests a ride and watches it over the websocket until it is
// matched. Tokens come from cmd/seed output.
func main() {
	log := logging.New("info")
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")
	passToken := os.Getenv("PASSENGER_TOKEN")
	driverToken := os.Getenv("DRIVER_TOKEN")
	if passToken == "" || driverToken == "" {
		log.Fatal("set PASSENGER_TOKEN and DRIVER_TOKEN from the seed output")
	}

	log.Info("driver going online")
	if _, err := send(http.MethodPatch, api+"/api/profiles/me", driverToken, map[string]any{
		"is_available":     true,
		"current_location": dispatch.Point{Latitude: 40.758, Longitude: -73.9855},
	}, nil); err != nil {
		log.WithError(err).Fatal("driver online failed")
	}

	var created struct {
		Ride dispatch.Ride `json:"ride"`
	}
	if _, err := send(http.MethodPost, api+"/api/rides", passToken, map[string]any{
		"pickup":         dispatch.Point{Latitude: 40.7585, Longitude: -73.985},
		"pickupAddress":  "Broadway & W 46th St",
		"dropoff":        dispatch.Point{Latitude: 40.7829, Longitude: -73.9654},
		"dropoffAddress": "Central Park",
	}, &created, "Idempotency-Key", fmt.Sprintf("smoke-%d", time.Now().UnixNano())); err != nil {
		log.WithError(err).Fatal("request ride failed")
	}
	rideID := created.Ride.ID
	log.WithFields(logrus.Fields{"ride_id": rideID, "status": created.Ride.Status}).Info("ride requested")

	frames := make(chan wsFrame, 8)
	go subscribeWS(log, wsBase, rideID, passToken, frames)

	if created.Ride.Status == dispatch.RideRequested {
		if _, err := send(http.MethodPost, api+"/api/rides/"+rideID+"/accept", driverToken, nil, nil); err != nil {
			log.WithError(err).Fatal("accept failed")
		}
		log.Info("ride accepted")
	}

	waitForStatus(log, frames, dispatch.RideMatched)
	log.Info("smoke test complete")
}

func send(method, target, token string, payload, out any, headers ...string) (int, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %s", resp.Status)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func subscribeWS(log logrus.FieldLogger, base, rideID, token string, sink chan<- wsFrame) {
	parsed, err := url.Parse(strings.TrimRight(base, "/") + "/ws/rides/" + rideID)
	if err != nil {
		log.WithError(err).Error("bad ws url")
		return
	}
	q := parsed.Query()
	q.Set("token", token)
	parsed.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.WithError(err).Error("ws dial failed")
		return
	}
	defer c.Close()
	for {
		var frame wsFrame
		if err := c.ReadJSON(&frame); err != nil {
			return
		}
		sink <- frame
	}
}

func waitForStatus(log logrus.FieldLogger, frames <-chan wsFrame, expect dispatch.RideStatus) {
	timeout := time.After(8 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.Ride == nil {
				continue
			}
			log.WithFields(logrus.Fields{"type": f.Type, "status": f.Ride.Status}).Info("ws frame")
			if f.Ride.Status == expect {
				if f.Ride.DriverID == "" {
					log.Fatal("matched ride without a driver")
				}
				return
			}
		case <-timeout:
			log.Fatalf("expected ws status %q not received", expect)
		}
	}
}

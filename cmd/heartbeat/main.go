package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/logging"
)

type locationPatch struct {
	IsAvailable     *bool           `json:"is_available,omitempty"`
	CurrentLocation *dispatch.Point `json:"current_location"`
}

// Moves a driver by repeatedly patching their profile location.
func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	token := flag.String("token", "", "bearer token (driver identity)")
	lat := flag.Float64("lat", 40.758, "starting latitude")
	lon := flag.Float64("lon", -73.9855, "starting longitude")
	interval := flag.Duration("interval", 3*time.Second, "heartbeat interval")
	count := flag.Int("count", 20, "number of heartbeats to send")
	stepLat := flag.Float64("delta-lat", 0.0001, "increment lat per heartbeat")
	stepLon := flag.Float64("delta-lon", 0.0001, "increment lon per heartbeat")
	online := flag.Bool("online", true, "mark the driver available with the first heartbeat")
	flag.Parse()

	log := logging.New("info")
	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < *count; i++ {
		payload := locationPatch{CurrentLocation: &dispatch.Point{
			Latitude:  *lat + float64(i)*(*stepLat),
			Longitude: *lon + float64(i)*(*stepLon),
		}}
		if i == 0 && *online {
			payload.IsAvailable = online
		}
		entry := log.WithFields(logrus.Fields{"seq": i + 1, "lat": payload.CurrentLocation.Latitude, "lon": payload.CurrentLocation.Longitude})
		err := sendHeartbeat(client, *api, *token, payload)
		if errors.Is(err, errConflict) && payload.IsAvailable != nil {
			// the driver is on a ride and stays unavailable; keep reporting the position
			entry.Info("driver busy, sending location only")
			payload.IsAvailable = nil
			err = sendHeartbeat(client, *api, *token, payload)
		}
		if err != nil {
			entry.WithError(err).Warn("heartbeat failed")
		} else {
			entry.Info("heartbeat sent")
		}
		time.Sleep(*interval)
	}
}

var errConflict = errors.New("conflict")

func sendHeartbeat(client *http.Client, api, token string, payload locationPatch) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPatch, api+"/api/profiles/me", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

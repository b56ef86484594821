package dispatch

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub pushes committed ride changes to websocket subscribers of that ride.
// It implements Publisher.
type Hub struct {
	mu         sync.RWMutex
	rideConns  map[string]map[*peer]struct{}
	register   chan subscription
	unregister chan subscription
	log        logrus.FieldLogger
	upgrader   websocket.Upgrader
}

type subscription struct {
	rideID string
	peer   *peer
}

// peer serialises writes; a websocket connection allows one writer at a time.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// rideMessage is the frame written to subscribers.
type rideMessage struct {
	Type          string         `json:"type"`
	Ride          *Ride          `json:"ride,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		rideConns:  make(map[string]map[*peer]struct{}),
		register:   make(chan subscription),
		unregister: make(chan subscription, 16),
		log:        log.WithField("component", "hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serialises subscription changes until ctx is cancelled, then closes
// every open connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, peers := range h.rideConns {
				for p := range peers {
					p.conn.Close()
				}
			}
			h.rideConns = make(map[string]map[*peer]struct{})
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if h.rideConns[sub.rideID] == nil {
				h.rideConns[sub.rideID] = make(map[*peer]struct{})
			}
			h.rideConns[sub.rideID][sub.peer] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if peers, ok := h.rideConns[sub.rideID]; ok {
				if _, live := peers[sub.peer]; live {
					delete(peers, sub.peer)
					sub.peer.conn.Close()
				}
				if len(peers) == 0 {
					delete(h.rideConns, sub.rideID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeRide upgrades the request and subscribes it to the ride. The caller
// has already checked that the subscriber may view the ride.
func (h *Hub) ServeRide(w http.ResponseWriter, r *http.Request, ride Ride) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	p := &peer{conn: conn}
	h.register <- subscription{rideID: ride.ID, peer: p}
	h.write(ride.ID, p, rideMessage{Type: "ride_snapshot", Ride: &ride})

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unregister <- subscription{rideID: ride.ID, peer: p}
				return
			}
		}
	}()
}

func (h *Hub) RideUpdated(_ context.Context, ride Ride) {
	h.broadcast(ride.ID, rideMessage{Type: "ride_updated", Ride: &ride})
}

// Notified forwards notification records that reference a ride to that
// ride's subscribers.
func (h *Hub) Notified(_ context.Context, batch []Notification) {
	byRide := make(map[string][]Notification)
	for _, n := range batch {
		if rideID, ok := n.Data["ride_id"].(string); ok {
			byRide[rideID] = append(byRide[rideID], n)
		}
	}
	for rideID, notes := range byRide {
		h.broadcast(rideID, rideMessage{Type: "notifications", Notifications: notes})
	}
}

// Subscribers returns the number of open connections for a ride.
func (h *Hub) Subscribers(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rideConns[rideID])
}

func (h *Hub) broadcast(rideID string, msg rideMessage) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.rideConns[rideID]))
	for p := range h.rideConns[rideID] {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	for _, p := range peers {
		h.write(rideID, p, msg)
	}
}

func (h *Hub) write(rideID string, p *peer, msg rideMessage) {
	if err := p.writeJSON(msg); err != nil {
		h.log.WithError(err).WithField("ride_id", rideID).Debug("ws write failed, dropping subscriber")
		select {
		case h.unregister <- subscription{rideID: rideID, peer: p}:
		default:
			p.conn.Close()
		}
	}
}

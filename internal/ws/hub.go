// Package ws fans deployment events out to websocket and SSE
// subscribers keyed by deployment ID.
package ws

import "encoding/json"

// Event types carried on deployment streams.
const (
	EventStatusUpdate       = "status_update"
	EventDeploymentComplete = "deployment_complete"
	EventLogLine            = "log_line"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by deployment ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan membership
	unreg     chan membership
	broadcast chan envelope
	counts    chan chan int
}

type membership struct {
	deploymentID string
	client       Subscriber
}

type envelope struct {
	deploymentID string
	payload      []byte
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan membership),
		unreg:     make(chan membership),
		broadcast: make(chan envelope),
		counts:    make(chan chan int),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case m := <-h.register:
			if _, ok := h.clients[m.deploymentID]; !ok {
				h.clients[m.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[m.deploymentID][m.client] = struct{}{}
		case m := <-h.unreg:
			if subs, ok := h.clients[m.deploymentID]; ok {
				delete(subs, m.client)
				if len(subs) == 0 {
					delete(h.clients, m.deploymentID)
				}
			}
		case ev := <-h.broadcast:
			subs, ok := h.clients[ev.deploymentID]
			if !ok {
				continue
			}
			for c := range subs {
				if err := c.Send(ev.payload); err != nil {
					c.Close()
					delete(subs, c)
				}
			}
			if len(subs) == 0 {
				delete(h.clients, ev.deploymentID)
			}
		case reply := <-h.counts:
			total := 0
			for _, subs := range h.clients {
				total += len(subs)
			}
			reply <- total
		}
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	h.register <- membership{deploymentID: deploymentID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	h.unreg <- membership{deploymentID: deploymentID, client: client}
}

// Broadcast delivers payload to every subscriber of a deployment.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	h.broadcast <- envelope{deploymentID: deploymentID, payload: payload}
}

// BroadcastEvent marshals a typed event and delivers it. Fields beyond
// the type come from data, which may be nil.
func (h *Hub) BroadcastEvent(deploymentID, eventType string, data map[string]any) {
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body["type"] = eventType
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	h.Broadcast(deploymentID, payload)
}

// Subscribers reports the total connected client count.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	h.counts <- reply
	return <-reply
}

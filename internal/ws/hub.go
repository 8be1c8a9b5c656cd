// Package ws streams provisioning events to subscribed operator clients.
package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans provisioning events out to subscribers, keyed by project ID.
// All state is owned by the run goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan event
}

// event couples payload with project identifier.
type event struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan event),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case ev := <-h.broadcast:
			clients, ok := h.clients[ev.projectID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(ev.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, ev.projectID)
			}
		}
	}
}

// Register adds a client to a project's event stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	h.register <- subscription{projectID: projectID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	h.unreg <- subscription{projectID: projectID, client: client}
}

// Broadcast sends payload to all clients watching the project.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	h.broadcast <- event{projectID: projectID, payload: payload}
}

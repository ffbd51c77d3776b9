// Package server coordinates client registration, room membership, message
// fan-out, and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Hub owns every live connection and the room membership table. All
// registration, unregistration, and inbound events are handled one at a time
// by Run, so handlers never interleave.
type Hub struct {
	clients    map[ConnID]*Client
	rooms      *RoomTable
	router     *Router
	exclusive  bool
	inbound    chan inboundEvent
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithExclusiveRooms makes a join leave every room the connection was in before.
func WithExclusiveRooms(exclusive bool) HubOption {
	return func(h *Hub) {
		h.exclusive = exclusive
	}
}

// NewHub creates a Hub that records membership in rooms. A nil table gets a
// fresh one.
func NewHub(rooms *RoomTable, opts ...HubOption) *Hub {
	if rooms == nil {
		rooms = NewRoomTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[ConnID]*Client),
		rooms:      rooms,
		inbound:    make(chan inboundEvent),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.router = NewRouter(rooms, h)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Rooms returns the membership table the hub maintains.
func (h *Hub) Rooms() *RoomTable {
	return h.rooms
}

// Register hands a new client to the hub. It returns false once the hub has
// shut down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) submit(ev inboundEvent) {
	select {
	case h.inbound <- ev:
	case <-h.ctx.Done():
	}
}

func (h *Hub) release(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Deliver queues frame on the connection's send buffer without blocking.
func (h *Hub) Deliver(conn ConnID, frame []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	client, exists := h.clients[conn]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop. It should be called in its own
// goroutine and returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.inbound:
			h.handleEvent(ev)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	log.Printf("A user connected: %s from %s. Total clients: %d", client.id, client.addr, clientCount)

	if client.conn == nil {
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) removeClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	left := h.rooms.LeaveAll(client.id)
	close(client.send)
	log.Printf("A user disconnected: %s (left %d rooms). Total clients: %d", client.id, len(left), clientCount)
}

func (h *Hub) handleEvent(ev inboundEvent) {
	h.mutex.RLock()
	_, live := h.clients[ev.client.id]
	h.mutex.RUnlock()
	if !live {
		return
	}

	switch ev.envelope.Event {
	case protocol.EventJoinRoom:
		h.handleJoin(ev.client, ev.envelope.Data)
	case protocol.EventSendMsg:
		h.handleSend(ev.client, ev.envelope.Data)
	default:
		log.Printf("Ignoring unknown event %q from %s", ev.envelope.Event, ev.client.id)
	}
}

func (h *Hub) handleJoin(client *Client, data json.RawMessage) {
	room, err := protocol.RoomKey(data)
	if err != nil {
		log.Printf("Invalid join_room from %s: %v", client.id, err)
		return
	}

	if h.exclusive {
		for _, prior := range h.rooms.RoomsOf(client.id) {
			if prior != room {
				h.rooms.Leave(client.id, prior)
			}
		}
	}

	h.rooms.Join(client.id, room)
	log.Printf("User with id-%s joined room - %s", client.id, room)
}

func (h *Hub) handleSend(client *Client, data json.RawMessage) {
	room, err := protocol.PeekRoom(data)
	if err != nil {
		log.Printf("Dropping send_msg from %s: %v", client.id, err)
		return
	}

	failed, err := h.router.Route(room, data)
	if err != nil {
		log.Printf("Routing message from %s failed: %v", client.id, err)
		return
	}
	h.removeFailedClients(failed)
}

// removeFailedClients evicts connections whose send buffer was full.
func (h *Hub) removeFailedClients(failed []ConnID) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var evicted []*Client
	for _, id := range failed {
		if client, exists := h.clients[id]; exists {
			delete(h.clients, id)
			client.closed = true
			evicted = append(evicted, client)
		}
	}
	h.mutex.Unlock()

	for _, client := range evicted {
		h.rooms.LeaveAll(client.id)
		close(client.send)
		log.Printf("Client %s from %s removed due to full send buffer", client.id, client.addr)
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()

	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

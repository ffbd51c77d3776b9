// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
)

// Client represents a WebSocket connection attached to the hub. It owns the
// connection's outbound queue and its rate limiter.
type Client struct {
	id             ConnID
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for conn with a fresh connection id. The limits
// in cfg bound inbound frame size and frequency.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config) *Client {
	cfg = cfg.sanitized()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             newConnID(),
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection identity.
func (c *Client) ID() ConnID {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs the error by kind. Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", c.addr, err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Printf("Client %s connection closed: %v", c.addr, err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
	default:
		log.Printf("WebSocket read error from %s: %v", c.addr, err)
	}
}

// checkRateLimit reports whether the next envelope may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		log.Printf("Rate limit exceeded for %s (%d messages per %s); discarding message", c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// processMessage decodes every envelope in a frame and forwards it to the hub.
// A frame may carry several newline-separated envelopes; each one costs a
// rate-limit token.
func (c *Client) processMessage(rawMessage []byte) bool {
	dec := json.NewDecoder(bytes.NewReader(rawMessage))
	forwarded := false
	for {
		var env protocol.Envelope
		err := dec.Decode(&env)
		if errors.Is(err, io.EOF) {
			return forwarded
		}
		if err != nil {
			log.Printf("Invalid frame from %s: %v", c.addr, err)
			return forwarded
		}
		if env.Event == "" {
			log.Printf("Frame from %s has no event name; dropping", c.addr)
			continue
		}
		if !c.checkRateLimit() {
			continue
		}

		c.hub.submit(inboundEvent{client: c, envelope: env})
		forwarded = true
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.release(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.processMessage(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	case <-c.hub.ctx.Done():
		return false
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// writeTextMessage writes a frame plus anything already queued behind it,
// newline separated, in one WebSocket message.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		log.Printf("Error creating writer for %s: %v", c.addr, err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		log.Printf("Error writing message to %s: %v", c.addr, err)
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		log.Printf("Error closing writer for %s: %v", c.addr, err)
		return false
	}
	return true
}

// writeQueuedMessages drains frames that were queued while the previous
// write was in flight.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			log.Printf("Error writing newline to %s: %v", c.addr, err)
			return false
		}
		if _, err := w.Write(queued); err != nil {
			log.Printf("Error writing queued message to %s: %v", c.addr, err)
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}

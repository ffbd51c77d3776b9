// Package server assembles the relay: configuration, hub, origin policy and
// WebSocket upgrader.
package server

import (
	"log"

	"github.com/gorilla/websocket"
)

// Server bundles the hub with the configuration its handlers need.
type Server struct {
	config   Config
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
}

// New creates a Server from cfg. A nil cfg uses the defaults.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := cfg.sanitized()

	s := &Server{
		config:  sanitized,
		hub:     NewHub(NewRoomTable(), WithExclusiveRooms(sanitized.ExclusiveRooms)),
		origins: newOriginPolicy(sanitized.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.config
}

// Hub returns the hub for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub runs the hub event loop in its own goroutine. Call it before
// serving HTTP.
func (s *Server) StartHub() {
	go s.hub.Run()
	log.Println("Hub started and ready to manage WebSocket connections")
}

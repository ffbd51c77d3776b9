// Package server constructs and starts the relay HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"log"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and begins listening for connections.
// It returns http.ErrServerClosed after a graceful shutdown.
func StartServer(server *http.Server) error {
	log.Printf("Relay server is running on %s", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until ctx is done.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	log.Println("Shutting down HTTP server...")

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	log.Println("HTTP server shutdown completed")
	return nil
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/Tyrowin/roomchat/internal/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
)

func main() {
	log.Println("Starting roomchat relay...")

	config, err := server.NewConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv := server.New(config)
	srv.StartHub()

	httpServer := server.CreateServer(srv.Config().Addr(), srv.SetupRoutes())
	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	timeout := srv.Config().ShutdownTimeout
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		timeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				// Stop accepting upgrades before closing live sockets.
				httpErr := server.ShutdownServer(ctx, httpServer)
				hubErr := srv.Hub().Shutdown(timeout)
				return errors.Join(httpErr, hubErr)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Relay exited with code: %d", exitCode)
	os.Exit(exitCode)
}

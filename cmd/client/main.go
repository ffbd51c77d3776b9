// Package main is the terminal client for the roomchat relay.
//
// It joins one room at a time, mirrors every room log it sees into a local
// store, and prints messages as they arrive. Lines typed on stdin are sent to
// the active room; lines starting with a slash are commands:
//
//	/join <room>   switch the active room
//	/clear         forget the active room's history
//	/quit          disconnect
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tyrowin/roomchat/internal/chatlog"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/spf13/pflag"
)

type options struct {
	server    string
	user      string
	room      string
	store     string
	origin    string
	joinDelay time.Duration
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("roomchat", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "ws://localhost:3001/ws", "relay WebSocket URL")
	flagSet.StringVarP(&opts.user, "user", "u", "", "display name attached to your messages (required)")
	flagSet.StringVarP(&opts.room, "room", "r", "", "room to join on start")
	flagSet.StringVar(&opts.store, "store", "roomchat.db", "SQLite path or redis:// URL for the local history mirror")
	flagSet.StringVar(&opts.origin, "origin", "", "Origin header sent with the handshake")
	flagSet.DurationVar(&opts.joinDelay, "join-delay", 4*time.Second, "time after joining before sending is enabled")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if opts.user == "" {
		return opts, errors.New("--user is required")
	}
	return opts, nil
}

func run(args []string, in io.Reader, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	store, err := chatlog.OpenStore(opts.store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	view := newView(out, opts.user)

	header := http.Header{}
	if opts.origin != "" {
		header.Set("Origin", opts.origin)
	}

	sess, err := session.Dial(ctx, opts.server, session.Options{
		Store:     store,
		User:      opts.user,
		JoinDelay: opts.joinDelay,
		Header:    header,
		OnChange:  view.update,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if opts.room != "" {
		if err := joinRoom(ctx, sess, view, opts.room); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return fmt.Errorf("connection lost: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, sess, view, line)
			if err != nil {
				view.notice(err.Error())
			}
			if quit {
				return nil
			}
		}
	}
}

func joinRoom(ctx context.Context, sess *session.Session, view *view, room string) error {
	l, err := sess.Join(ctx, room)
	if err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	view.switchTo(l)
	return nil
}

func handleLine(ctx context.Context, sess *session.Session, view *view, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		_, err := sess.Send(ctx, line)
		switch {
		case errors.Is(err, session.ErrNoRoom):
			return false, errors.New("join a room first with /join <room>")
		case errors.Is(err, session.ErrNotReady):
			return false, errors.New("still joining, try again in a moment")
		}
		return false, err
	}

	command, arg, _ := strings.Cut(line[1:], " ")
	switch command {
	case "join":
		room := strings.TrimSpace(arg)
		if room == "" {
			return false, errors.New("usage: /join <room>")
		}
		return false, joinRoom(ctx, sess, view, room)
	case "clear":
		active := sess.Active()
		if active == nil {
			return false, session.ErrNoRoom
		}
		if err := active.Clear(ctx); err != nil {
			return false, err
		}
		view.switchTo(active)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		log.Printf("Unknown command %q", command)
		return false, fmt.Errorf("unknown command /%s", command)
	}
}

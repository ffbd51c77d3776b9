// Package server implements the room relay: WebSocket transport, room
// membership, and inclusive broadcast of chat messages.
//
// The implementation is organized into specialized files for configuration, hub
// management, membership, routing, clients, and HTTP handlers. Clients exchange
// JSON envelopes naming one of the join_room, send_msg, or receive_msg events.
package server

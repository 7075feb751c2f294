// Package server implements the HTTP and WebSocket surface of the room relay.
//
// The implementation is organized into specialized files for configuration,
// logging, the client transport, hub lifecycle, routing, and HTTP handlers.
// Room state and the session protocol live in the room and session packages.
package server

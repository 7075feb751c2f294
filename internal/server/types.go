// Package server defines the JSON payloads of the room API and utility
// helpers shared by the client and hub logic.
package server

import "strings"

// CreateRoomRequest is the optional body of POST /api/rooms.
type CreateRoomRequest struct {
	Password string `json:"password"`
}

// CreateRoomResponse is returned by POST /api/rooms.
type CreateRoomResponse struct {
	RoomID  string `json:"room_id"`
	RoomURL string `json:"room_url"`
}

// RoomStatusResponse is returned by GET /api/rooms/{room_id}.
type RoomStatusResponse struct {
	RoomID    string `json:"room_id"`
	Protected bool   `json:"protected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

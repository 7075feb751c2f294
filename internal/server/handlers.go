// Package server exposes HTTP handlers, including the room API, WebSocket
// upgrades, health checks, and the built-in pages.
package server

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strings"
)

//go:embed templates/*.html
var pageFiles embed.FS

const maxRoomIDBytes = 128

func parsePages() (*template.Template, error) {
	pages, err := template.ParseFS(pageFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse pages: %w", err)
	}
	return pages, nil
}

// roomIDFromPath extracts and validates the {room_id} path segment.
func roomIDFromPath(r *http.Request) (string, bool) {
	roomID := strings.TrimSpace(r.PathValue("room_id"))
	if roomID == "" || len(roomID) > maxRoomIDBytes {
		return "", false
	}
	return roomID, true
}

// WebSocketHandler upgrades the connection and runs one session in the
// requested room until the client goes away.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromPath(r)
	if !ok {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("ws.upgrade_failed", "err", err)
		return
	}

	client := NewClient(conn, r.RemoteAddr, s.cfg, s.log)
	if err := s.hub.Serve(r.Context(), client, roomID); err != nil {
		s.log.Info("ws.session_ended", "room", roomID, "addr", r.RemoteAddr, "err", err)
	}
}

// CreateRoomHandler creates a room, optionally protected by a password, and
// returns its identifier and URL.
func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateRoom(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	roomID := s.newRoomID()
	if err := s.rooms.SetPassword(roomID, req.Password); err != nil {
		s.log.Error("room.create_failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "could not create room"})
		return
	}

	s.log.Info("room.created", "room", roomID, "protected", s.rooms.IsProtected(roomID))
	writeJSON(w, http.StatusOK, CreateRoomResponse{
		RoomID:  roomID,
		RoomURL: baseURL(r) + "/room/" + roomID,
	})
}

func decodeCreateRoom(r *http.Request) (CreateRoomRequest, error) {
	var req CreateRoomRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		req.Password = r.FormValue("password")
		return req, nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// RoomStatusHandler reports whether a room requires a password.
func (s *Server) RoomStatusHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromPath(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid room id"})
		return
	}

	writeJSON(w, http.StatusOK, RoomStatusResponse{
		RoomID:    roomID,
		Protected: s.rooms.IsProtected(roomID),
	})
}

// RoomPageHandler serves the chat page for a room.
func (s *Server) RoomPageHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.renderPage(w, "room.html", map[string]string{"RoomID": roomID})
}

// ShortLinkHandler redirects /r/{room_id} to the room page.
func (s *Server) ShortLinkHandler(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomIDFromPath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/room/"+roomID, http.StatusTemporaryRedirect)
}

// HomeHandler serves the landing page with the create-room form.
func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.renderPage(w, "index.html", nil)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Room relay is running!")
}

func (s *Server) renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("page.render_failed", "page", name, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

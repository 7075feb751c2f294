// Package session drives one client connection through the room password
// handshake and then dispatches its frames as room operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/room"
)

// Close codes from RFC 6455.
const (
	CloseNormalClosure   = 1000
	ClosePolicyViolation = 1008
)

// AnonymousName is used for chat messages sent without a username.
const AnonymousName = "Anonymous"

// authFailedMessage is sent for every handshake failure.
const authFailedMessage = "authentication failed"

var (
	// ErrConnectionClosed reports that the peer went away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMalformedFrame reports an inbound frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrAuthRejected is returned by Run when the handshake fails.
	ErrAuthRejected = errors.New("authentication rejected")
)

// Frame is an inbound client message.
type Frame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Message  string `json:"message"`
	IsTyping any    `json:"is_typing"`
	Password string `json:"password"`
}

// Typing reports the truthiness of the is_typing field.
func (f Frame) Typing() bool {
	switch v := f.IsTyping.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	}
	return false
}

// Transport is the connection a session runs over.
type Transport interface {
	room.Sender
	// SendWait delivers msg to this connection alone, blocking until it is
	// queued. It fails with ErrConnectionClosed once the connection closes.
	SendWait(ctx context.Context, msg room.Message) error
	// Receive blocks for the next frame. It fails with ErrConnectionClosed
	// or ErrMalformedFrame.
	Receive(ctx context.Context) (Frame, error)
	// Close ends the connection with an RFC 6455 close code.
	Close(code int, reason string) error
}

// Rooms is the subset of the room registry a session uses.
type Rooms interface {
	IsProtected(roomID string) bool
	VerifyPassword(roomID, candidate string) bool
	Connect(roomID string, id uuid.UUID, s room.Sender)
	Authorize(roomID string, id uuid.UUID) bool
	Disconnect(roomID string, id uuid.UUID) bool
	SetUsername(roomID string, id uuid.UUID, name string)
	OnlineUsers(roomID string) []string
	History(roomID string) []room.Message
	Broadcast(ctx context.Context, roomID string, msg room.Message)
	BroadcastEphemeral(ctx context.Context, roomID string, msg room.Message)
}

// Observer is notified of session lifecycle events.
type Observer interface {
	SessionOpened()
	SessionClosed()
	AuthResult(ok bool)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()  {}
func (nopObserver) SessionClosed()  {}
func (nopObserver) AuthResult(bool) {}

// Session is the per-connection state machine.
type Session struct {
	id        uuid.UUID
	roomID    string
	rooms     Rooms
	transport Transport
	log       *slog.Logger
	observer  Observer
	now       func() time.Time

	state  atomic.Int32
	joined bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithID sets the connection handle instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(s *Session) {
		s.id = id
	}
}

// New creates a session for a connection whose transport handshake has
// already completed.
func New(rooms Rooms, roomID string, t Transport, opts ...Option) *Session {
	s := &Session{
		id:        uuid.New(),
		roomID:    roomID,
		rooms:     rooms,
		transport: t,
		log:       slog.Default(),
		observer:  nopObserver{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("room", roomID, "conn", s.id)
	return s
}

// ID returns the connection handle.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("session.state", "state", st)
}

// Run drives the connection until it closes. A clean disconnect returns
// nil; a failed handshake returns ErrAuthRejected.
func (s *Session) Run(ctx context.Context) (err error) {
	s.observer.SessionOpened()
	defer s.observer.SessionClosed()
	defer func() { s.finish(ctx, err) }()

	s.setState(StateConnecting)
	s.rooms.Connect(s.roomID, s.id, s.transport)
	s.joined = true

	if err := s.authenticate(ctx); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		return s.transportError(err)
	}

	s.setState(StateAuthenticated)
	s.rooms.Authorize(s.roomID, s.id)

	for _, msg := range s.rooms.History(s.roomID) {
		if err := s.transport.SendWait(ctx, msg); err != nil {
			return s.transportError(err)
		}
	}
	s.broadcastPresence(ctx)

	for {
		frame, err := s.transport.Receive(ctx)
		if err != nil {
			return s.transportError(err)
		}
		s.dispatch(ctx, frame)
	}
}

func (s *Session) authenticate(ctx context.Context) error {
	if !s.rooms.IsProtected(s.roomID) {
		return s.send(ctx, room.NewNotice(room.TypeAuthOK, "", s.now()))
	}

	s.setState(StateAuthPending)
	if err := s.send(ctx, room.NewNotice(room.TypeAuthRequired, "", s.now())); err != nil {
		return err
	}

	frame, err := s.transport.Receive(ctx)
	switch {
	case err != nil:
		s.log.Info("session.auth_aborted", "err", err)
		return s.reject(ctx, false)
	case frame.Type != room.TypeAuth:
		s.log.Info("session.auth_unexpected_frame", "type", frame.Type)
		return s.reject(ctx, true)
	case !s.rooms.VerifyPassword(s.roomID, frame.Password):
		return s.reject(ctx, true)
	}

	s.observer.AuthResult(true)
	return s.send(ctx, room.NewNotice(room.TypeAuthOK, "", s.now()))
}

func (s *Session) reject(ctx context.Context, notify bool) error {
	s.setState(StateRejected)
	s.observer.AuthResult(false)
	if notify {
		_ = s.transport.SendWait(ctx, room.NewNotice(room.TypeAuthError, authFailedMessage, s.now()))
	}
	if err := s.transport.Close(ClosePolicyViolation, authFailedMessage); err != nil {
		s.log.Debug("session.close_failed", "err", err)
	}
	s.log.Info("session.rejected")
	return ErrAuthRejected
}

// send delivers a notice addressed to this connection.
func (s *Session) send(ctx context.Context, msg room.Message) error {
	return s.transport.SendWait(ctx, msg)
}

func (s *Session) transportError(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return fmt.Errorf("session %s: %w", s.id, err)
}

func (s *Session) dispatch(ctx context.Context, frame Frame) {
	if s.State() != StateAuthenticated {
		return
	}

	switch frame.Type {
	case room.TypePresence:
		name := strings.TrimSpace(frame.Username)
		if name == "" {
			return
		}
		s.rooms.SetUsername(s.roomID, s.id, name)
		s.broadcastPresence(ctx)

	case room.TypeTyping:
		name := strings.TrimSpace(frame.Username)
		if name == "" {
			return
		}
		s.rooms.BroadcastEphemeral(ctx, s.roomID, room.NewTyping(name, frame.Typing(), s.now()))

	case room.TypeChat:
		name := strings.TrimSpace(frame.Username)
		if name == "" {
			name = AnonymousName
		}
		text := strings.TrimSpace(frame.Message)
		if text == "" {
			return
		}
		s.rooms.Broadcast(ctx, s.roomID, room.NewChat(name, text, s.now()))
	}
}

func (s *Session) broadcastPresence(ctx context.Context) {
	users := s.rooms.OnlineUsers(s.roomID)
	s.rooms.BroadcastEphemeral(ctx, s.roomID, room.NewPresence(users, s.now()))
}

// finish deregisters the connection and tells the remaining members.
func (s *Session) finish(ctx context.Context, cause error) {
	s.setState(StateClosed)
	if cause != nil && !errors.Is(cause, ErrAuthRejected) {
		s.log.Warn("session.transport_error", "err", cause)
	}
	if err := s.transport.Close(CloseNormalClosure, ""); err != nil {
		s.log.Debug("session.close_failed", "err", err)
	}
	if !s.joined {
		return
	}
	s.rooms.Disconnect(s.roomID, s.id)
	s.broadcastPresence(context.WithoutCancel(ctx))
}

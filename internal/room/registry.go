package room

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/credential"
)

// Observer is notified after each fan-out completes.
type Observer interface {
	ObserveBroadcast(persisted bool, recipients, failures int)
}

type nopObserver struct{}

func (nopObserver) ObserveBroadcast(bool, int, int) {}

// Registry maps room identifiers to rooms and is the entry point for all
// room operations. Rooms are created lazily on first reference.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	historyLimit int
	hasher       *credential.Hasher
	observer     Observer
	log          *slog.Logger
	now          func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHistoryLimit sets the per-room history bound. Non-positive values
// keep DefaultHistoryLimit.
func WithHistoryLimit(limit int) Option {
	return func(g *Registry) {
		if limit > 0 {
			g.historyLimit = limit
		}
	}
}

// WithHasher sets the hasher used by SetPassword.
func WithHasher(h *credential.Hasher) Option {
	return func(g *Registry) {
		if h != nil {
			g.hasher = h
		}
	}
}

// WithObserver registers an observer for broadcast outcomes.
func WithObserver(o Observer) Option {
	return func(g *Registry) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Registry) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Registry) {
		if now != nil {
			g.now = now
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	g := &Registry{
		rooms:        make(map[string]*Room),
		historyLimit: DefaultHistoryLimit,
		hasher:       credential.NewHasher(credential.DefaultIterations),
		observer:     nopObserver{},
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HistoryLimit reports the per-room history bound.
func (g *Registry) HistoryLimit() int {
	return g.historyLimit
}

// Ensure returns the room for roomID, creating it if it does not exist.
// Concurrent callers for the same unseen id observe a single room.
func (g *Registry) Ensure(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureLocked(roomID)
}

func (g *Registry) ensureLocked(roomID string) *Room {
	r, ok := g.rooms[roomID]
	if !ok {
		r = newRoom(g.now())
		g.rooms[roomID] = r
		g.log.Debug("room.created", "room", roomID)
	}
	return r
}

func (g *Registry) lookup(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	return r, ok
}

// Exists reports whether roomID has been created.
func (g *Registry) Exists(roomID string) bool {
	_, ok := g.lookup(roomID)
	return ok
}

// SetPassword ensures the room and installs a credential derived from
// password. A blank password clears the credential.
func (g *Registry) SetPassword(roomID, password string) error {
	stored, err := g.hasher.Create(password)
	if err != nil {
		return err
	}
	g.Ensure(roomID).setCredential(stored)
	return nil
}

// IsProtected reports whether the room requires a password.
func (g *Registry) IsProtected(roomID string) bool {
	r, ok := g.lookup(roomID)
	if !ok {
		return false
	}
	return r.storedCredential() != ""
}

// VerifyPassword reports whether candidate unlocks the room. Rooms without
// a credential accept any candidate.
func (g *Registry) VerifyPassword(roomID, candidate string) bool {
	r, ok := g.lookup(roomID)
	if !ok {
		return true
	}
	stored := r.storedCredential()
	if stored == "" {
		return true
	}
	return credential.Verify(stored, candidate)
}

// Connect registers a connection as an unauthenticated member with an
// empty display name.
func (g *Registry) Connect(roomID string, id uuid.UUID, s Sender) {
	// Joining under the registry lock keeps Sweep from evicting the room
	// between lookup and join.
	g.mu.Lock()
	g.ensureLocked(roomID).join(id, s, g.now())
	g.mu.Unlock()
	g.log.Debug("room.joined", "room", roomID, "conn", id)
}

// Authorize marks a member as authenticated so that it receives broadcasts.
// It reports false when the connection is not a member.
func (g *Registry) Authorize(roomID string, id uuid.UUID) bool {
	r, ok := g.lookup(roomID)
	if !ok {
		return false
	}
	return r.authorize(id)
}

// Disconnect removes a connection and its display name. Unknown rooms and
// connections are ignored. It reports whether a member was removed.
func (g *Registry) Disconnect(roomID string, id uuid.UUID) bool {
	r, ok := g.lookup(roomID)
	if !ok {
		return false
	}
	removed := r.leave(id, g.now())
	if removed {
		g.log.Debug("room.left", "room", roomID, "conn", id)
	}
	return removed
}

// SetUsername sets the display name of a current member. Updates for
// connections that are no longer members are dropped.
func (g *Registry) SetUsername(roomID string, id uuid.UUID, name string) {
	g.Ensure(roomID).setName(id, name)
}

// OnlineUsers returns the distinct non-blank display names in the room,
// sorted case-insensitively.
func (g *Registry) OnlineUsers(roomID string) []string {
	return g.Ensure(roomID).onlineUsers()
}

// History returns a copy of the stored chat messages in receipt order.
func (g *Registry) History(roomID string) []Message {
	return g.Ensure(roomID).historySnapshot()
}

// Broadcast stores msg in the room history and delivers it to every
// authenticated member. Delivery failures are logged and otherwise ignored.
func (g *Registry) Broadcast(ctx context.Context, roomID string, msg Message) {
	g.fanOut(ctx, roomID, msg, true)
}

// BroadcastEphemeral delivers msg to every authenticated member without
// touching history.
func (g *Registry) BroadcastEphemeral(ctx context.Context, roomID string, msg Message) {
	g.fanOut(ctx, roomID, msg, false)
}

func (g *Registry) fanOut(ctx context.Context, roomID string, msg Message, persist bool) {
	targets := g.Ensure(roomID).record(msg, persist, g.historyLimit, g.now())
	if len(targets) == 0 {
		g.observer.ObserveBroadcast(persist, 0, 0)
		return
	}

	var (
		eg       errgroup.Group
		failures atomic.Int64
	)
	for _, s := range targets {
		eg.Go(func() error {
			if err := s.Send(ctx, msg); err != nil {
				failures.Add(1)
				g.log.Debug("room.delivery_failed", "room", roomID, "type", msg.Type, "err", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	g.observer.ObserveBroadcast(persist, len(targets), int(failures.Load()))
}

// Stats reports the number of rooms and the total number of members.
func (g *Registry) Stats() (rooms, members int) {
	g.mu.Lock()
	snapshot := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		snapshot = append(snapshot, r)
	}
	g.mu.Unlock()

	for _, r := range snapshot {
		members += r.size()
	}
	return len(snapshot), members
}

// Sweep removes unprotected rooms that have had no members for at least
// idle and returns how many were removed. A non-positive idle disables
// eviction. Protected rooms are kept so that a later join cannot recreate
// them without their password.
func (g *Registry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}

	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, r := range g.rooms {
		if since, empty := r.idleSince(now); empty && since >= idle {
			delete(g.rooms, id)
			removed++
		}
	}
	if removed > 0 {
		g.log.Info("room.swept", "removed", removed, "remaining", len(g.rooms))
	}
	return removed
}

// RunJanitor sweeps idle rooms every interval until ctx is cancelled.
func (g *Registry) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	if idle <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(idle)
		}
	}
}

// Package room keeps per-room state in memory and fans messages out to the
// connections registered in each room.
//
// Every read or write of a room's members, history, display names or
// credential happens under that room's mutex. Network sends are performed
// on snapshots after the mutex is released.
package room

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit bounds the number of chat messages kept per room.
const DefaultHistoryLimit = 200

// Sender delivers a message to one connection.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type member struct {
	sender        Sender
	name          string
	authenticated bool
	seq           uint64
}

// Room holds the state of one broadcast domain.
type Room struct {
	mu         sync.Mutex
	members    map[uuid.UUID]*member
	history    []Message
	credential string
	nextSeq    uint64
	lastActive time.Time
}

func newRoom(now time.Time) *Room {
	return &Room{
		members:    make(map[uuid.UUID]*member),
		lastActive: now,
	}
}

func (r *Room) join(id uuid.UUID, s Sender, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = now
	if m, ok := r.members[id]; ok {
		m.sender = s
		return
	}
	r.nextSeq++
	r.members[id] = &member{sender: s, seq: r.nextSeq}
}

func (r *Room) leave(id uuid.UUID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	r.lastActive = now
	return true
}

func (r *Room) authorize(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.authenticated = true
	return true
}

func (r *Room) setName(id uuid.UUID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.name = name
	return true
}

func (r *Room) setCredential(stored string) {
	r.mu.Lock()
	r.credential = stored
	r.mu.Unlock()
}

func (r *Room) storedCredential() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credential
}

// onlineUsers returns distinct trimmed display names sorted without regard
// to case. Names equal under case folding collapse to the one set by the
// earliest joined member.
func (r *Room) onlineUsers() []string {
	r.mu.Lock()
	joined := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		joined = append(joined, &member{name: m.name, seq: m.seq})
	}
	r.mu.Unlock()

	slices.SortFunc(joined, func(a, b *member) int {
		return cmp.Compare(a.seq, b.seq)
	})

	seen := make(map[string]struct{}, len(joined))
	users := make([]string, 0, len(joined))
	for _, m := range joined {
		name := strings.TrimSpace(m.name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		users = append(users, name)
	}

	slices.SortFunc(users, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return users
}

func (r *Room) historySnapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// record appends msg to history when persist is set, trimming the oldest
// entries beyond limit, and returns the authenticated members to deliver to.
func (r *Room) record(msg Message, persist bool, limit int, now time.Time) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = now
	if persist {
		r.history = append(r.history, msg)
		if over := len(r.history) - limit; over > 0 {
			n := copy(r.history, r.history[over:])
			clear(r.history[n:])
			r.history = r.history[:n]
		}
	}

	targets := make([]Sender, 0, len(r.members))
	for _, m := range r.members {
		if m.authenticated {
			targets = append(targets, m.sender)
		}
	}
	return targets
}

func (r *Room) idleSince(now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.members) > 0 || r.credential != "" {
		return 0, false
	}
	return now.Sub(r.lastActive), true
}

func (r *Room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

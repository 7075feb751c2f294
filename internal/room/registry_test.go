package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/credential"
)

type mockSender struct {
	mu       sync.Mutex
	received []Message
	sendErr  error
	block    chan struct{}
}

func (m *mockSender) Send(_ context.Context, msg Message) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, msg)
	return nil
}

func (m *mockSender) getReceived() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.received...)
}

type countingObserver struct {
	mu         sync.Mutex
	calls      int
	recipients int
	failures   int
}

func (o *countingObserver) ObserveBroadcast(_ bool, recipients, failures int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.recipients += recipients
	o.failures += failures
}

func newTestRegistry(opts ...Option) *Registry {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithHasher(credential.NewHasher(1_000)),
	}
	return NewRegistry(append(base, opts...)...)
}

func join(t *testing.T, g *Registry, roomID string) (uuid.UUID, *mockSender) {
	t.Helper()
	id := uuid.New()
	s := &mockSender{}
	g.Connect(roomID, id, s)
	require.True(t, g.Authorize(roomID, id))
	return id, s
}

func chat(text string) Message {
	return NewChat("al", text, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
}

func TestRegistry_EnsureIsIdempotent(t *testing.T) {
	g := newTestRegistry()

	first := g.Ensure("lobby")
	second := g.Ensure("lobby")
	assert.Same(t, first, second)
	assert.True(t, g.Exists("lobby"))
	assert.False(t, g.Exists("elsewhere"))
}

func TestRegistry_EnsureConcurrentCreatesOneRoom(t *testing.T) {
	g := newTestRegistry()

	const workers = 64
	rooms := make([]*Room, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rooms[i] = g.Ensure("fresh")
		}()
	}
	wg.Wait()

	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	count, _ := g.Stats()
	assert.Equal(t, 1, count)
}

func TestRegistry_HistoryBound(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		sends int
	}{
		{name: "below limit", limit: 5, sends: 3},
		{name: "at limit", limit: 5, sends: 5},
		{name: "over limit", limit: 5, sends: 12},
		{name: "limit of one", limit: 1, sends: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestRegistry(WithHistoryLimit(tt.limit))
			for i := range tt.sends {
				g.Broadcast(context.Background(), "r", chat(fmt.Sprintf("m%d", i)))
			}

			history := g.History("r")
			want := min(tt.sends, tt.limit)
			require.Len(t, history, want)
			for i, msg := range history {
				assert.Equal(t, fmt.Sprintf("m%d", tt.sends-want+i), msg.Text)
			}
		})
	}
}

func TestRegistry_DefaultHistoryLimit(t *testing.T) {
	g := newTestRegistry()
	assert.Equal(t, DefaultHistoryLimit, g.HistoryLimit())

	for i := range DefaultHistoryLimit + 10 {
		g.Broadcast(context.Background(), "r", chat(fmt.Sprintf("m%d", i)))
	}
	history := g.History("r")
	require.Len(t, history, DefaultHistoryLimit)
	assert.Equal(t, "m10", history[0].Text)
}

func TestRegistry_HistoryIsSnapshot(t *testing.T) {
	g := newTestRegistry()
	g.Broadcast(context.Background(), "r", chat("one"))

	history := g.History("r")
	history[0].Text = "mutated"

	assert.Equal(t, "one", g.History("r")[0].Text)
}

func TestRegistry_BroadcastDeliversToAuthenticatedMembers(t *testing.T) {
	g := newTestRegistry()
	_, a := join(t, g, "r")
	_, b := join(t, g, "r")
	pending := &mockSender{}
	g.Connect("r", uuid.New(), pending)
	_, other := join(t, g, "other")

	g.Broadcast(context.Background(), "r", chat("hi"))

	assert.Len(t, a.getReceived(), 1)
	assert.Len(t, b.getReceived(), 1)
	assert.Empty(t, pending.getReceived())
	assert.Empty(t, other.getReceived())
}

func TestRegistry_BroadcastEphemeralSkipsHistory(t *testing.T) {
	g := newTestRegistry()
	_, a := join(t, g, "r")

	g.BroadcastEphemeral(context.Background(), "r", NewPresence([]string{"al"}, time.Now()))
	g.BroadcastEphemeral(context.Background(), "r", NewTyping("al", true, time.Now()))

	assert.Empty(t, g.History("r"))
	assert.Len(t, a.getReceived(), 2)
}

func TestRegistry_BroadcastToEmptyRoomRecordsHistory(t *testing.T) {
	g := newTestRegistry()

	assert.NotPanics(t, func() {
		g.Broadcast(context.Background(), "empty", chat("anyone?"))
	})
	require.Len(t, g.History("empty"), 1)
}

func TestRegistry_BroadcastToleratesSendFailures(t *testing.T) {
	obs := &countingObserver{}
	g := newTestRegistry(WithObserver(obs))

	_, healthy := join(t, g, "r")
	broken := &mockSender{sendErr: errors.New("closed socket")}
	brokenID := uuid.New()
	g.Connect("r", brokenID, broken)
	g.Authorize("r", brokenID)
	_, alsoHealthy := join(t, g, "r")

	g.Broadcast(context.Background(), "r", chat("still delivered"))

	assert.Len(t, healthy.getReceived(), 1)
	assert.Len(t, alsoHealthy.getReceived(), 1)
	assert.Len(t, g.History("r"), 1)
	assert.Equal(t, 1, obs.calls)
	assert.Equal(t, 3, obs.recipients)
	assert.Equal(t, 1, obs.failures)
}

func TestRegistry_SlowMemberDoesNotBlockOthers(t *testing.T) {
	g := newTestRegistry()
	_, fast := join(t, g, "r")
	slow := &mockSender{block: make(chan struct{})}
	slowID := uuid.New()
	g.Connect("r", slowID, slow)
	g.Authorize("r", slowID)

	done := make(chan struct{})
	go func() {
		g.Broadcast(context.Background(), "r", chat("hi"))
		close(done)
	}()

	require.Eventually(t, func() bool { return len(fast.getReceived()) == 1 }, time.Second, 5*time.Millisecond)
	close(slow.block)
	<-done
	assert.Len(t, slow.getReceived(), 1)
}

func TestRegistry_SequentialBroadcastOrdering(t *testing.T) {
	g := newTestRegistry()
	_, a := join(t, g, "r")

	for i := range 20 {
		g.Broadcast(context.Background(), "r", chat(fmt.Sprintf("m%d", i)))
	}

	received := a.getReceived()
	require.Len(t, received, 20)
	for i, msg := range received {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.Text)
	}
}

func TestRegistry_ConcurrentBroadcastSafety(t *testing.T) {
	g := newTestRegistry(WithHistoryLimit(1_000))
	_, a := join(t, g, "r")
	g.Broadcast(context.Background(), "r", chat("seed"))

	const m = 100
	var wg sync.WaitGroup
	for i := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Broadcast(context.Background(), "r", chat(fmt.Sprintf("c%d", i)))
		}()
	}
	wg.Wait()

	history := g.History("r")
	require.Len(t, history, m+1)

	seen := make(map[string]bool, m)
	for _, msg := range history[1:] {
		assert.False(t, seen[msg.Text], "duplicate %s", msg.Text)
		seen[msg.Text] = true
	}
	assert.Len(t, seen, m)
	assert.Len(t, a.getReceived(), m+1)
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	g := newTestRegistry()
	id, _ := join(t, g, "r")
	_, other := join(t, g, "r")

	assert.True(t, g.Disconnect("r", id))
	assert.False(t, g.Disconnect("r", id))
	assert.False(t, g.Disconnect("r", uuid.New()))
	assert.False(t, g.Disconnect("missing", uuid.New()))
	assert.False(t, g.Exists("missing"))

	_, members := g.Stats()
	assert.Equal(t, 1, members)

	g.Broadcast(context.Background(), "r", chat("after"))
	assert.Len(t, other.getReceived(), 1)
}

func TestRegistry_SetUsernameIgnoresNonMembers(t *testing.T) {
	g := newTestRegistry()
	id, _ := join(t, g, "r")

	g.SetUsername("r", id, "al")
	g.SetUsername("r", uuid.New(), "ghost")
	assert.Equal(t, []string{"al"}, g.OnlineUsers("r"))

	g.Disconnect("r", id)
	g.SetUsername("r", id, "late")
	assert.Empty(t, g.OnlineUsers("r"))
}

func TestRegistry_OnlineUsers(t *testing.T) {
	g := newTestRegistry()
	for _, name := range []string{"bob", "", "Bob", "alice"} {
		id, _ := join(t, g, "r")
		g.SetUsername("r", id, name)
	}

	assert.Equal(t, []string{"alice", "bob"}, g.OnlineUsers("r"))
}

func TestRegistry_OnlineUsersTrimsAndSorts(t *testing.T) {
	g := newTestRegistry()
	for _, name := range []string{"  Zed ", "   ", "carol", "Alice", "zed"} {
		id, _ := join(t, g, "r")
		g.SetUsername("r", id, name)
	}

	assert.Equal(t, []string{"Alice", "carol", "Zed"}, g.OnlineUsers("r"))
}

func TestRegistry_OnlineUsersIncludesPendingMembers(t *testing.T) {
	g := newTestRegistry()
	id := uuid.New()
	g.Connect("r", id, &mockSender{})
	g.SetUsername("r", id, "waiting")

	assert.Equal(t, []string{"waiting"}, g.OnlineUsers("r"))
}

func TestRegistry_Passwords(t *testing.T) {
	g := newTestRegistry()

	require.NoError(t, g.SetPassword("locked", "secret"))
	assert.True(t, g.IsProtected("locked"))
	assert.True(t, g.VerifyPassword("locked", "secret"))
	assert.False(t, g.VerifyPassword("locked", "wrong"))
	assert.False(t, g.VerifyPassword("locked", ""))

	require.NoError(t, g.SetPassword("locked", ""))
	assert.False(t, g.IsProtected("locked"))
	assert.True(t, g.VerifyPassword("locked", "anything"))
}

func TestRegistry_UnprotectedRoomBypass(t *testing.T) {
	g := newTestRegistry()
	g.Ensure("open")

	for _, candidate := range []string{"", "secret", "ü", "$$$"} {
		assert.True(t, g.VerifyPassword("open", candidate))
		assert.True(t, g.VerifyPassword("never-created", candidate))
	}
	assert.False(t, g.IsProtected("open"))
	assert.False(t, g.IsProtected("never-created"))
	assert.False(t, g.Exists("never-created"))
}

func TestRegistry_CorruptCredentialNeverAuthenticates(t *testing.T) {
	g := newTestRegistry()
	g.Ensure("r").setCredential("pbkdf2_sha256$abc$$")

	assert.True(t, g.IsProtected("r"))
	assert.False(t, g.VerifyPassword("r", ""))
	assert.False(t, g.VerifyPassword("r", "abc"))
}

func TestRegistry_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := newTestRegistry(WithClock(clock))

	g.Ensure("idle")
	require.NoError(t, g.SetPassword("locked", "secret"))
	join(t, g, "busy")

	assert.Equal(t, 0, g.Sweep(0))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 0, g.Sweep(time.Hour))
	assert.Equal(t, 1, g.Sweep(5*time.Minute))

	assert.False(t, g.Exists("idle"))
	assert.True(t, g.Exists("locked"))
	assert.True(t, g.Exists("busy"))
}

func TestRegistry_RunJanitor(t *testing.T) {
	g := newTestRegistry()
	g.Ensure("idle")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.RunJanitor(ctx, 5*time.Millisecond, time.Nanosecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return !g.Exists("idle") }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRegistry_Stats(t *testing.T) {
	g := newTestRegistry()
	join(t, g, "a")
	join(t, g, "a")
	join(t, g, "b")
	g.Ensure("c")

	rooms, members := g.Stats()
	assert.Equal(t, 3, rooms)
	assert.Equal(t, 3, members)
}

func TestMessage_MarshalJSON(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "chat",
			msg:  NewChat("al", "hi", ts),
			want: `{"type":"chat","username":"al","message":"hi","ts":"2024-05-06T07:08:09Z"}`,
		},
		{
			name: "typing false",
			msg:  NewTyping("al", false, ts),
			want: `{"type":"typing","username":"al","is_typing":false,"ts":"2024-05-06T07:08:09Z"}`,
		},
		{
			name: "empty presence",
			msg:  NewPresence(nil, ts),
			want: `{"type":"presence","users":[],"ts":"2024-05-06T07:08:09Z"}`,
		},
		{
			name: "auth ok",
			msg:  NewNotice(TypeAuthOK, "", ts),
			want: `{"type":"auth_ok","ts":"2024-05-06T07:08:09Z"}`,
		},
		{
			name: "auth error",
			msg:  NewNotice(TypeAuthError, "authentication failed", ts),
			want: `{"type":"auth_error","message":"authentication failed","ts":"2024-05-06T07:08:09Z"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

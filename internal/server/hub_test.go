package server

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const quiet = 200 * time.Millisecond

func lookup(h *Hub, username string) (id uuid.UUID, ok bool) {
	h.call(func() { id, ok = h.registry.Lookup(username) })
	return id, ok
}

func roomOf(h *Hub, c *Client) (room string, ok bool) {
	h.call(func() { room, ok = h.rooms.RoomOf(c.id) })
	return room, ok
}

func join(t *testing.T, c *Client, username, room string) {
	t.Helper()
	emit(t, c, EventJoinRoom, JoinRoomPayload{Username: username, Room: room})
}

// waitForRoster skips frames until a roomUsers for room lists exactly users.
func waitForRoster(t *testing.T, c *Client, room string, users ...string) {
	t.Helper()
	for {
		env := waitFor(t, c, EventRoomUsers)
		got := decodeData[RoomUsers](t, env)
		if got.Room == room && assert.ObjectsAreEqual(sorted(users...), got.Users) {
			return
		}
	}
}

// waitForOnline skips frames until an onlineUsers lists exactly users.
func waitForOnline(t *testing.T, c *Client, users ...string) {
	t.Helper()
	for {
		env := waitFor(t, c, EventOnlineUsers)
		if assert.ObjectsAreEqual(sorted(users...), decodeData[[]string](t, env)) {
			return
		}
	}
}

// TestHub_RepeatedJoinKeepsLatestRoom verifies a connection is only ever in
// the room it joined last.
func TestHub_RepeatedJoinKeepsLatestRoom(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	c := connect(t, h)

	for _, room := range []string{"a", "b", "c"} {
		join(t, c, "alice", room)
	}

	room, ok := roomOf(h, c)
	require.True(t, ok)
	assert.Equal(t, "c", room)
	assert.Empty(t, h.RoomUsers("a"))
	assert.Empty(t, h.RoomUsers("b"))
	assert.Equal(t, []string{"alice"}, h.RoomUsers("c"))
}

// TestHub_JoinRefreshesPreviousRoom verifies members left behind get a new roster.
func TestHub_JoinRefreshesPreviousRoom(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	alice := connect(t, h)
	bob := connect(t, h)

	join(t, alice, "alice", "general")
	join(t, bob, "bob", "general")
	waitForRoster(t, alice, "general", "alice", "bob")

	join(t, bob, "bob", "random")
	waitForRoster(t, alice, "general", "alice")
	waitForRoster(t, bob, "random", "bob")
}

// TestHub_RosterAfterDisconnects verifies N joins and M disconnects leave N-M
// names in the roster.
func TestHub_RosterAfterDisconnects(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())

	names := []string{"u0", "u1", "u2", "u3", "u4"}
	clients := make([]*Client, len(names))
	for i, name := range names {
		clients[i] = connect(t, h)
		join(t, clients[i], name, "general")
	}

	disconnect(t, clients[0])
	disconnect(t, clients[3])

	assert.Equal(t, []string{"u1", "u2", "u4"}, h.RoomUsers("general"))
	assert.Equal(t, 3, h.ClientCount())
	waitForRoster(t, clients[4], "general", "u1", "u2", "u4")
}

// TestHub_DisconnectRemovesFromOnline verifies a disconnect is announced and
// persisted.
func TestHub_DisconnectRemovesFromOnline(t *testing.T) {
	st := newFakeStore()
	h := startHub(t, testConfig(), st)
	alice := connect(t, h)
	bob := connect(t, h)

	emit(t, alice, EventUserOnline, "alice")
	emit(t, bob, EventUserOnline, map[string]string{"username": "bob"})
	waitForOnline(t, bob, "alice", "bob")
	require.Eventually(t, func() bool { return st.isOnline("alice") }, frameTimeout, 10*time.Millisecond)

	disconnect(t, alice)

	waitForOnline(t, bob, "bob")
	assert.Equal(t, []string{"bob"}, h.OnlineUsers())
	assert.Eventually(t, func() bool { return !st.isOnline("alice") }, frameTimeout, 10*time.Millisecond)
}

// TestHub_PrivateMessageDelivery verifies a private message reaches the
// recipient and echoes to the sender exactly once each.
func TestHub_AnonymousDisconnectIsSilent(t *testing.T) {
	st := newFakeStore()
	h := startHub(t, testConfig(), st)
	watcher := connect(t, h)
	anonymous := connect(t, h)

	emit(t, watcher, EventUserOnline, "watcher")
	waitForOnline(t, watcher, "watcher")

	disconnect(t, anonymous)
	settle(h)

	frames := framesWithin(watcher, quiet)
	assert.Zero(t, countEvent(frames, EventOnlineUsers), "no presence change to announce")
	assert.Equal(t, []string{"watcher"}, h.OnlineUsers())
	assert.Equal(t, 1, h.ClientCount())
}

func TestHub_PrivateMessageDelivery(t *testing.T) {
	st := newFakeStore()
	h := startHub(t, testConfig(), st)
	alice := connect(t, h)
	bob := connect(t, h)
	carol := connect(t, h)

	emit(t, alice, EventUserOnline, "alice")
	emit(t, bob, EventUserOnline, "bob")
	emit(t, carol, EventUserOnline, "carol")

	emit(t, alice, EventPrivateMessage, PrivateMessagePayload{Sender: "alice", Recipient: "bob", Text: "psst"})

	toBob := framesWithin(bob, quiet)
	toAlice := framesWithin(alice, quiet)
	toCarol := framesWithin(carol, quiet)
	assert.Equal(t, 1, countEvent(toBob, EventPrivateMessage))
	assert.Equal(t, 1, countEvent(toAlice, EventPrivateMessage))
	assert.Zero(t, countEvent(toCarol, EventPrivateMessage))

	disconnect(t, bob)
	emit(t, alice, EventPrivateMessage, PrivateMessagePayload{Sender: "alice", Recipient: "bob", Text: "still there?"})

	env := waitFor(t, alice, EventPrivateMessage)
	msg := decodeData[chat.Message](t, env)
	assert.Equal(t, "still there?", msg.Text)
	assert.Equal(t, "bob", msg.Recipient)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 2, st.count())
}

// TestHub_PrivateMessageToSelf verifies a self-addressed message arrives once.
func TestHub_PrivateMessageToSelf(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	alice := connect(t, h)
	emit(t, alice, EventUserOnline, "alice")

	emit(t, alice, EventPrivateMessage, PrivateMessagePayload{Sender: "alice", Recipient: "alice", Text: "note"})

	assert.Equal(t, 1, countEvent(framesWithin(alice, quiet), EventPrivateMessage))
}

// TestHub_RoomTypingExcludesSender verifies typing reaches every other member
// of the room and never the sender.
func TestHub_RoomTypingExcludesSender(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	x := connect(t, h)
	y := connect(t, h)
	z := connect(t, h)
	outsider := connect(t, h)

	join(t, x, "x", "general")
	join(t, y, "y", "general")
	join(t, z, "z", "general")
	join(t, outsider, "o", "random")

	emit(t, x, EventTyping, TypingPayload{Username: "x", Room: "general"})

	for _, c := range []*Client{y, z} {
		env := waitFor(t, c, EventTyping)
		assert.Equal(t, "x", decodeData[string](t, env))
	}
	assert.Zero(t, countEvent(framesWithin(x, quiet), EventTyping))
	assert.Zero(t, countEvent(framesWithin(outsider, quiet), EventTyping))
}

// TestHub_PrivateTyping verifies typing to a recipient and the silent drop for
// offline recipients.
func TestHub_PrivateTyping(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	alice := connect(t, h)
	bob := connect(t, h)
	emit(t, alice, EventUserOnline, "alice")
	emit(t, bob, EventUserOnline, "bob")

	emit(t, alice, EventStopTyping, TypingPayload{Username: "alice", Recipient: "bob"})
	env := waitFor(t, bob, EventStopTyping)
	assert.Equal(t, "alice", decodeData[string](t, env))

	emit(t, alice, EventTyping, TypingPayload{Username: "alice", Recipient: "carol"})
	emit(t, alice, EventTyping, TypingPayload{Username: "alice", Room: "general", Recipient: "bob"})

	assert.Zero(t, countEvent(framesWithin(bob, quiet), EventTyping))
	assert.Zero(t, countEvent(framesWithin(alice, quiet), EventTyping))
	assert.Equal(t, 2, h.ClientCount())
}

// TestHub_ChatScenario walks two users through joining, chatting and leaving.
func TestHub_ChatScenario(t *testing.T) {
	st := newFakeStore()
	h := startHub(t, testConfig(), st)
	x := connect(t, h)
	y := connect(t, h)

	join(t, x, "x", "general")
	join(t, y, "y", "general")

	emit(t, x, EventChatMessage, ChatMessagePayload{Sender: "x", Text: "hi", Room: "general"})

	for _, c := range []*Client{x, y} {
		env := waitFor(t, c, EventChatMessage)
		msg := decodeData[chat.Message](t, env)
		assert.Equal(t, "x", msg.Sender)
		assert.Equal(t, "hi", msg.Text)
		assert.Equal(t, "general", msg.Room)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
	}

	emit(t, y, EventLeaveRoom, LeaveRoomPayload{Room: "general"})
	waitForRoster(t, x, "general", "x")

	_, inRoom := roomOf(h, y)
	assert.False(t, inRoom)
	assert.Equal(t, []string{"x", "y"}, h.OnlineUsers())
}

// TestHub_DuplicateLoginLastWriterWins verifies the newest connection owns a
// username and the older one's disconnect does not take it offline.
func TestHub_DuplicateLoginLastWriterWins(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	first := connect(t, h)
	second := connect(t, h)
	alice := connect(t, h)

	emit(t, first, EventUserOnline, "bob")
	emit(t, second, EventUserOnline, "bob")
	emit(t, alice, EventUserOnline, "alice")

	id, ok := lookup(h, "bob")
	require.True(t, ok)
	assert.Equal(t, second.ID(), id)

	emit(t, alice, EventPrivateMessage, PrivateMessagePayload{Sender: "alice", Recipient: "bob", Text: "which bob?"})
	assert.Equal(t, 1, countEvent(framesWithin(second, quiet), EventPrivateMessage))
	assert.Zero(t, countEvent(framesWithin(first, quiet), EventPrivateMessage))

	disconnect(t, first)
	assert.Equal(t, []string{"alice", "bob"}, h.OnlineUsers())
	assert.Equal(t, 2, h.ClientCount())
}

// TestHub_DuplicateLoginEvict verifies the evict policy closes the older connection.
func TestHub_DuplicateLoginEvict(t *testing.T) {
	cfg := testConfig()
	cfg.DuplicateLogin = DuplicateLoginEvict
	h := startHub(t, cfg, newFakeStore())
	first := connect(t, h)
	second := connect(t, h)

	join(t, first, "bob", "general")
	emit(t, second, EventUserOnline, "bob")

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, frameTimeout, 10*time.Millisecond)
	framesWithin(first, quiet)
	_, open := <-first.send
	assert.False(t, open)

	assert.Empty(t, h.RoomUsers("general"))
	assert.Equal(t, []string{"bob"}, h.OnlineUsers())
}

// TestHub_RebindReleasesOldName verifies a connection that announces a new
// name gives up the old one.
func TestHub_RebindReleasesOldName(t *testing.T) {
	st := newFakeStore()
	h := startHub(t, testConfig(), st)
	c := connect(t, h)

	join(t, c, "alice", "general")
	emit(t, c, EventUserOnline, "bob")

	waitForOnline(t, c, "bob")
	assert.Equal(t, []string{"bob"}, h.RoomUsers("general"))
	assert.Eventually(t, func() bool { return !st.isOnline("alice") && st.isOnline("bob") }, frameTimeout, 10*time.Millisecond)
}

// TestHub_JoinDeliversHistory verifies the joiner gets the room's recent
// messages oldest first.
func TestHub_JoinDeliversHistory(t *testing.T) {
	st := newFakeStore()
	for _, m := range []chat.Message{
		{Sender: "a", Text: "one", Room: "general"},
		{Sender: "b", Text: "elsewhere", Room: "random"},
		{Sender: "a", Text: "two", Room: "general"},
		{Sender: "c", Text: "three", Room: "general"},
		{Sender: "a", Recipient: "b", Text: "private"},
	} {
		_, err := st.SaveMessage(t.Context(), m)
		require.NoError(t, err)
	}

	cfg := testConfig()
	cfg.HistoryLimit = 2
	h := startHub(t, cfg, st)
	c := connect(t, h)
	other := connect(t, h)

	join(t, c, "alice", "general")
	join(t, other, "bob", "general")

	env := waitFor(t, c, EventRoomHistory)
	history := decodeData[[]chat.Message](t, env)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Text)
	assert.Equal(t, "three", history[1].Text)

	assert.Zero(t, countEvent(framesWithin(c, quiet), EventRoomHistory), "history goes only to the joiner")
}

// TestHub_HistoryFailureSendsEmpty verifies a store fault yields an empty history.
func TestHub_HistoryFailureSendsEmpty(t *testing.T) {
	st := newFakeStore()
	st.failHistory = true
	h := startHub(t, testConfig(), st)
	c := connect(t, h)

	join(t, c, "alice", "general")

	env := waitFor(t, c, EventRoomHistory)
	assert.JSONEq(t, `[]`, string(env.Data))
	assert.Equal(t, []string{"alice"}, h.RoomUsers("general"))
}

// TestHub_StaleHistoryDiscarded verifies history for a room the connection
// already left is not delivered.
func TestHub_StaleHistoryDiscarded(t *testing.T) {
	st := newFakeStore()
	gate := make(chan struct{})
	st.historyGate = gate
	h := startHub(t, testConfig(), st)
	c := connect(t, h)

	join(t, c, "alice", "a")
	join(t, c, "alice", "b")
	close(gate)

	assert.Equal(t, 1, countEvent(framesWithin(c, quiet), EventRoomHistory))
}

// TestHub_SaveFailureSuppressesBroadcast verifies nothing is emitted for a
// message the store rejected.
func TestHub_SaveFailureSuppressesBroadcast(t *testing.T) {
	st := newFakeStore()
	st.failSave = true
	h := startHub(t, testConfig(), st)
	x := connect(t, h)
	y := connect(t, h)
	join(t, x, "x", "general")
	join(t, y, "y", "general")
	emit(t, x, EventUserOnline, "x")

	emit(t, x, EventChatMessage, ChatMessagePayload{Sender: "x", Text: "lost", Room: "general"})
	emit(t, x, EventPrivateMessage, PrivateMessagePayload{Sender: "x", Recipient: "y", Text: "lost"})

	for _, c := range []*Client{x, y} {
		frames := framesWithin(c, quiet)
		assert.Zero(t, countEvent(frames, EventChatMessage))
		assert.Zero(t, countEvent(frames, EventPrivateMessage))
	}
	assert.Equal(t, 2, h.ClientCount())
}

// TestHub_MalformedEventsDropped verifies invalid events change nothing and
// keep the connection open.
func TestHub_MalformedEventsDropped(t *testing.T) {
	st := newFakeStore()
	h := startHub(t, testConfig(), st)
	c := connect(t, h)

	emit(t, c, EventUserOnline, "")
	emit(t, c, EventUserOnline, 42)
	emit(t, c, EventJoinRoom, map[string]string{"username": "alice"})
	emit(t, c, EventJoinRoom, map[string]string{"room": "general"})
	emit(t, c, EventChatMessage, ChatMessagePayload{Sender: "alice", Room: "general"})
	emit(t, c, EventPrivateMessage, PrivateMessagePayload{Sender: "alice", Text: "hi"})
	emit(t, c, EventTyping, TypingPayload{Room: "general"})
	emit(t, c, "shout", map[string]string{"text": "hi"})
	assert.False(t, c.processMessage([]byte("not json")))
	assert.False(t, c.processMessage([]byte(`{"data":{}}`)))

	assert.Empty(t, framesWithin(c, quiet))
	assert.Empty(t, h.OnlineUsers())
	assert.Equal(t, 1, h.ClientCount())
	assert.Zero(t, st.count())
}

// TestHub_LeaveRoomNotMember verifies leaving a room the connection is not in
// is ignored.
func TestHub_LeaveRoomNotMember(t *testing.T) {
	h := startHub(t, testConfig(), newFakeStore())
	x := connect(t, h)
	y := connect(t, h)
	join(t, x, "x", "general")
	join(t, y, "y", "general")

	emit(t, y, EventLeaveRoom, LeaveRoomPayload{Room: "random"})

	assert.Equal(t, []string{"x", "y"}, h.RoomUsers("general"))
	room, ok := roomOf(h, y)
	require.True(t, ok)
	assert.Equal(t, "general", room)
}

// TestHub_SlowClientDropped verifies a connection with a full queue is
// disconnected instead of blocking the hub.
func TestHub_SlowClientDropped(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 1
	h := startHub(t, cfg, newFakeStore())

	slow := connect(t, h)
	fast := NewClient(nil, h, "test")
	fast.send = make(chan []byte, 64)
	require.True(t, h.Register(fast))

	emit(t, slow, EventUserOnline, "slow")
	emit(t, fast, EventUserOnline, "fast")

	waitForOnline(t, fast, "fast")
	assert.Equal(t, 1, h.ClientCount())
	assert.Equal(t, []string{"fast"}, h.OnlineUsers())
}

// TestHub_ShutdownClosesQueues verifies Shutdown ends every connection.
func TestHub_ShutdownClosesQueues(t *testing.T) {
	h := NewHub(testConfig(), newFakeStore(), discardLogger())
	go h.Run()
	c := connect(t, h)
	emit(t, c, EventUserOnline, "alice")
	settle(h)

	require.NoError(t, h.Shutdown(time.Second))

	framesWithin(c, quiet)
	_, open := <-c.send
	assert.False(t, open)
	assert.False(t, h.Register(NewClient(nil, h, "late")))
}

package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/skribble/collab-relay/internal/domain"
)

type fakeConn struct {
	frames chan Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 32)}
}

func (f *fakeConn) TrySend(fr Frame) error {
	select {
	case f.frames <- fr:
		return nil
	default:
		return errors.New("buffer full")
	}
}

func (f *fakeConn) Close() {}

type event map[string]any

func nextEvent(t *testing.T, c *fakeConn) event {
	t.Helper()
	select {
	case f := <-c.frames:
		var e event
		if err := json.Unmarshal(f, &e); err != nil {
			t.Fatalf("bad frame %s: %v", f, err)
		}
		return e
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectEvent(t *testing.T, c *fakeConn, wantType string) event {
	t.Helper()
	e := nextEvent(t, c)
	if e["type"] != wantType {
		t.Fatalf("got event %v, want %s", e["type"], wantType)
	}
	return e
}

func expectNoEvent(t *testing.T, c *fakeConn, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected event: %s", f)
	case <-time.After(d):
	}
}

func joinRoom(t *testing.T, m *SessionManager, roomID domain.RoomID, id, email, name string, owner bool) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	member, err := domain.NewMember(domain.ConnID(id), domain.UserInfo{Email: email, Name: name, IsOwner: owner})
	if err != nil {
		t.Fatalf("NewMember: %v", err)
	}
	if err := m.Join(roomID, NewMemberSession(member, conn)); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return conn
}

// drains the join handshake (status + user list, plus the on-air broadcast
// for owners) so tests start from a quiet connection.
func drain(t *testing.T, c *fakeConn, owner bool) {
	t.Helper()
	expectEvent(t, c, EventRoomStatusChanged)
	expectEvent(t, c, EventRoomUserList)
	if owner {
		expectEvent(t, c, EventRoomStatusChanged)
	}
}

func TestJoinNotifiesStatusThenUserList(t *testing.T) {
	m := NewSessionManager()
	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", false)

	e := expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != false {
		t.Errorf("fresh room should be off air, got %v", e["isOnAir"])
	}

	e = expectEvent(t, c, EventRoomUserList)
	members, ok := e["members"].([]any)
	if !ok || len(members) != 1 {
		t.Fatalf("want 1 member, got %v", e["members"])
	}
	first := members[0].(map[string]any)
	if first["id"] != "c1" || first["email"] != "a@x" || first["name"] != "Alice" || first["isOwner"] != false {
		t.Errorf("unexpected member record: %v", first)
	}

	if m.RoomCount() != 1 {
		t.Errorf("want 1 room, got %d", m.RoomCount())
	}
}

func TestJoinRejectsInvalidInfo(t *testing.T) {
	m := NewSessionManager()
	conn := newFakeConn()

	sess := NewMemberSession(&domain.Member{ID: "c1", Name: "NoEmail"}, conn)
	if err := m.Join("r1", sess); !errors.Is(err, domain.ErrInvalidUserInfo) {
		t.Fatalf("want ErrInvalidUserInfo, got %v", err)
	}
	if m.RoomCount() != 0 {
		t.Errorf("rejected join must not create a room, got %d rooms", m.RoomCount())
	}
	expectNoEvent(t, conn, 50*time.Millisecond)
}

func TestOwnerJoinGoesOnAir(t *testing.T) {
	m := NewSessionManager()
	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)

	// The owner first sees the pre-promotion status, then the list, then
	// the room flipping on air.
	e := expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != false {
		t.Errorf("pre-promotion status should be off air, got %v", e["isOnAir"])
	}
	expectEvent(t, c, EventRoomUserList)
	e = expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != true {
		t.Errorf("promotion should broadcast on air, got %v", e["isOnAir"])
	}

	if !m.Status("r1") {
		t.Error("room should be on air after owner join")
	}
}

func TestLateJoinerSeesCurrentStatus(t *testing.T) {
	m := NewSessionManager()
	owner := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, owner, true)

	c := joinRoom(t, m, "r1", "c2", "b@x", "Bob", false)
	e := expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != true {
		t.Errorf("late joiner should see on-air status, got %v", e["isOnAir"])
	}

	e = expectEvent(t, owner, EventRoomUserList)
	members := e["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("want 2 members, got %d", len(members))
	}
}

func TestJoinDuplicateEmailReplaces(t *testing.T) {
	m := NewSessionManager()
	c1 := joinRoom(t, m, "r1", "c1", "a@x", "Alice", false)
	drain(t, c1, false)

	joinRoom(t, m, "r1", "c2", "a@x", "Alice", false)

	members := m.MembersSnapshot("r1")
	if len(members) != 1 {
		t.Fatalf("want exactly 1 member per email, got %d", len(members))
	}
	if members[0].ID != "c2" {
		t.Errorf("replacement should keep the new connection, got %s", members[0].ID)
	}

	// The replaced connection is out of the room before the list fanout.
	expectNoEvent(t, c1, 50*time.Millisecond)
}

func TestMemberListKeepsJoinOrder(t *testing.T) {
	m := NewSessionManager()
	joinRoom(t, m, "r1", "c1", "a@x", "A", false)
	joinRoom(t, m, "r1", "c2", "b@x", "B", false)
	joinRoom(t, m, "r1", "c3", "c@x", "C", false)

	members := m.MembersSnapshot("r1")
	want := []domain.ConnID{"c1", "c2", "c3"}
	if len(members) != len(want) {
		t.Fatalf("want %d members, got %d", len(want), len(members))
	}
	for i, id := range want {
		if members[i].ID != id {
			t.Errorf("position %d: want %s, got %s", i, id, members[i].ID)
		}
	}
}

func TestHeartbeatExtendsDeadline(t *testing.T) {
	m := NewSessionManager()
	m.ttl = 80 * time.Millisecond

	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, c, true)

	time.Sleep(50 * time.Millisecond)
	m.Heartbeat("r1", "c1")

	// The original deadline would have lapsed by now; the heartbeat
	// superseded it.
	expectNoEvent(t, c, 60*time.Millisecond)

	e := expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != false {
		t.Errorf("lapse should broadcast off air, got %v", e["isOnAir"])
	}

	// Exactly one lapse notification: the superseded timer must not fire.
	expectNoEvent(t, c, 150*time.Millisecond)
	if m.Status("r1") {
		t.Error("room should be off air after lapse")
	}
}

func TestHeartbeatFromNonOwnerIgnored(t *testing.T) {
	m := NewSessionManager()
	m.ttl = 60 * time.Millisecond

	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, c, true)

	time.Sleep(30 * time.Millisecond)
	m.Heartbeat("r1", "someone-else")
	m.Heartbeat("no-such-room", "c1")

	// Neither call extends the deadline.
	e := expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != false {
		t.Errorf("want off-air lapse, got %v", e["isOnAir"])
	}
}

func TestHeartbeatRevivesStaleRoom(t *testing.T) {
	m := NewSessionManager()
	m.ttl = 50 * time.Millisecond

	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, c, true)

	expectEvent(t, c, EventRoomStatusChanged) // lapse
	if m.Status("r1") {
		t.Fatal("room should be stale before revival")
	}

	m.Heartbeat("r1", "c1")
	e := expectEvent(t, c, EventRoomStatusChanged)
	if e["isOnAir"] != true {
		t.Errorf("revival should broadcast on air, got %v", e["isOnAir"])
	}
	if !m.Status("r1") {
		t.Error("room should be back on air")
	}
}

func TestBroadcastAuthorization(t *testing.T) {
	m := NewSessionManager()
	owner := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, owner, true)
	member := joinRoom(t, m, "r1", "c2", "b@x", "Bob", false)
	drain(t, member, false)
	expectEvent(t, owner, EventRoomUserList)

	payload := json.RawMessage(`[{"id":"shape1"}]`)
	if err := m.Broadcast("r1", "c1", payload); err != nil {
		t.Fatalf("owner broadcast: %v", err)
	}
	e := expectEvent(t, member, EventClientBroadcast)
	elements, _ := json.Marshal(e["elements"])
	if string(elements) != `[{"id":"shape1"}]` {
		t.Errorf("payload not relayed verbatim: %s", elements)
	}
	expectEvent(t, owner, EventClientBroadcast)

	if err := m.Broadcast("r1", "c2", payload); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-owner broadcast: want ErrNotAuthorized, got %v", err)
	}
	expectNoEvent(t, owner, 50*time.Millisecond)
	expectNoEvent(t, member, 50*time.Millisecond)
}

func TestBroadcastWhileOffAir(t *testing.T) {
	m := NewSessionManager()
	m.ttl = 50 * time.Millisecond

	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, c, true)
	expectEvent(t, c, EventRoomStatusChanged) // lapse

	if err := m.Broadcast("r1", "c1", json.RawMessage(`[]`)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("off-air broadcast: want ErrNotAuthorized, got %v", err)
	}

	if err := m.Broadcast("no-such-room", "c1", json.RawMessage(`[]`)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("unknown-room broadcast: want ErrNotAuthorized, got %v", err)
	}
}

func TestSendMessageRelaysToRoom(t *testing.T) {
	m := NewSessionManager()
	c1 := joinRoom(t, m, "r1", "c1", "a@x", "Alice", false)
	drain(t, c1, false)
	c2 := joinRoom(t, m, "r1", "c2", "b@x", "Bob", false)
	drain(t, c2, false)
	expectEvent(t, c1, EventRoomUserList)

	m.SendMessage("r1", "hello", "Alice")

	for _, c := range []*fakeConn{c1, c2} {
		e := expectEvent(t, c, EventReceiveMessage)
		if e["message"] != "hello" || e["user"] != "Alice" {
			t.Errorf("unexpected message event: %v", e)
		}
		if _, err := time.Parse(time.RFC3339, e["timestamp"].(string)); err != nil {
			t.Errorf("timestamp not ISO-8601: %v", e["timestamp"])
		}
	}

	// Unknown rooms are a silent no-op.
	m.SendMessage("no-such-room", "hello", "Alice")
}

func TestOwnerDisconnectDemotes(t *testing.T) {
	m := NewSessionManager()
	owner := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, owner, true)
	member := joinRoom(t, m, "r1", "c2", "b@x", "Bob", false)
	drain(t, member, false)
	expectEvent(t, owner, EventRoomUserList)

	m.Disconnect("c1")

	e := expectEvent(t, member, EventRoomStatusChanged)
	if e["isOnAir"] != false {
		t.Errorf("owner disconnect should take room off air, got %v", e["isOnAir"])
	}
	e = expectEvent(t, member, EventRoomUserList)
	members := e["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("want 1 member after owner left, got %d", len(members))
	}

	if m.Status("r1") {
		t.Error("room should be off air")
	}
	if m.RoomCount() != 1 {
		t.Errorf("room with members must survive, got %d rooms", m.RoomCount())
	}
}

func TestLastMemberDisconnectDeletesRoom(t *testing.T) {
	m := NewSessionManager()
	m.ttl = 50 * time.Millisecond

	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", true)
	drain(t, c, true)

	m.Disconnect("c1")
	if m.RoomCount() != 0 {
		t.Fatalf("empty room must be deleted, got %d rooms", m.RoomCount())
	}
	if m.MembersSnapshot("r1") != nil {
		t.Error("deleted room should have no snapshot")
	}

	// The cancelled timer must not resurrect the room, and a heartbeat
	// for the dead room is a no-op.
	m.Heartbeat("r1", "c1")
	time.Sleep(100 * time.Millisecond)
	if m.RoomCount() != 0 {
		t.Errorf("deleted room came back: %d rooms", m.RoomCount())
	}
	expectNoEvent(t, c, 50*time.Millisecond)
}

func TestDisconnectUnknownConnIsNoop(t *testing.T) {
	m := NewSessionManager()
	c := joinRoom(t, m, "r1", "c1", "a@x", "Alice", false)
	drain(t, c, false)

	m.Disconnect("never-seen")
	if m.RoomCount() != 1 {
		t.Errorf("unrelated disconnect must not touch rooms, got %d", m.RoomCount())
	}
	expectNoEvent(t, c, 50*time.Millisecond)
}

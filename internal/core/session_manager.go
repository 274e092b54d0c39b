package core

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skribble/collab-relay/internal/domain"
)

// HeartbeatTTL is how long a room stays on air after the last owner
// heartbeat. Fixed by protocol, not configurable.
const HeartbeatTTL = 10 * time.Second

var ErrNotAuthorized = errors.New("not authorized")

type memberEntry struct {
	meta *domain.Member
	sess MemberSession
}

// room holds membership in join order plus the owner authorization state.
// A room exists iff it has at least one member.
type room struct {
	id       domain.RoomID
	members  []*memberEntry
	owner    domain.ConnID
	onAir    bool
	lastBeat time.Time

	// At most one live timer per room. timerSeq invalidates in-flight
	// fires after a cancel or rearm.
	timer    *time.Timer
	timerSeq uint64
}

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
	IsOnAir     bool          `json:"isOnAir"`
}

// SessionManager is the room session state machine: membership, ownership,
// on-air authorization and owner liveness. All mutation goes through it;
// notifications fan out to member transports with non-blocking sends.
type SessionManager struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*room
	index map[domain.ConnID]domain.RoomID
	ttl   time.Duration
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		rooms: make(map[domain.RoomID]*room),
		index: make(map[domain.ConnID]domain.RoomID),
		ttl:   HeartbeatTTL,
	}
}

// Join adds the session's member to the room, creating the room if needed.
// A member with the same email is replaced first, so a reconnecting user
// never appears twice. The requester gets the pre-promotion on-air status,
// the room gets the updated member list, and a self-declared owner is then
// promoted (which flips the room on air).
func (m *SessionManager) Join(roomID domain.RoomID, sess MemberSession) error {
	meta := sess.Meta()
	if meta == nil || meta.Email == "" || meta.Name == "" {
		return domain.ErrInvalidUserInfo
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		r = &room{id: roomID}
		m.rooms[roomID] = r
		log.Info().Str("module", "core.session").Str("room", string(roomID)).Msg("room created")
	}

	for i, e := range r.members {
		if e.meta.Email == meta.Email {
			delete(m.index, e.meta.ID)
			r.members = append(r.members[:i], r.members[i+1:]...)
			log.Info().Str("module", "core.session").Str("room", string(roomID)).
				Str("email", meta.Email).Msg("duplicate email, replacing member")
			break
		}
	}

	r.members = append(r.members, &memberEntry{meta: meta, sess: sess})
	m.index[meta.ID] = roomID
	log.Info().Str("module", "core.session").Str("room", string(roomID)).
		Str("conn", string(meta.ID)).Str("name", meta.Name).Msg("member joined")

	// Current status goes to the requester before any promotion, so a
	// freshly created room always reads off-air first.
	_ = sess.Signal().TrySend(encode(statusEvent{EventRoomStatusChanged, r.onAir}))
	m.fanoutLocked(r, encode(userListEvent{EventRoomUserList, m.snapshotLocked(r)}))

	if meta.IsOwner {
		m.promoteLocked(r, meta.ID)
	}
	return nil
}

// Heartbeat rearms the owner liveness deadline. Anything but a heartbeat
// from the current owner of a tracked room is a silent no-op. A heartbeat
// that revives a stale room broadcasts the status change; the live
// self-loop stays silent.
func (m *SessionManager) Heartbeat(roomID domain.RoomID, id domain.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok || r.owner != id {
		return
	}

	r.lastBeat = time.Now()
	revived := !r.onAir
	r.onAir = true
	m.armLocked(r)

	if revived {
		m.fanoutLocked(r, encode(statusEvent{EventRoomStatusChanged, true}))
		log.Info().Str("module", "core.session").Str("room", string(roomID)).Msg("room back on air")
	}
}

// SendMessage relays a chat message to every room member. Stateless.
func (m *SessionManager) SendMessage(roomID domain.RoomID, message, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	m.fanoutLocked(r, encode(messageEvent{
		Type:      EventReceiveMessage,
		Message:   message,
		User:      user,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}))
}

// Broadcast relays an owner state update to the room. Authorized iff the
// sender is the current owner and the room is on air; otherwise the
// payload is dropped and ErrNotAuthorized returned for the caller to
// report to the sender alone.
func (m *SessionManager) Broadcast(roomID domain.RoomID, id domain.ConnID, elements json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok || r.owner != id || !r.onAir {
		return ErrNotAuthorized
	}
	m.fanoutLocked(r, encode(broadcastEvent{EventClientBroadcast, elements}))
	return nil
}

// Disconnect removes the connection from its room: owner departure takes
// the room off air, an emptied room is deleted and its timer cancelled.
// The conn->room index is the primary lookup; the full sweep afterwards
// keeps the remove-from-every-room guarantee as an invariant check.
func (m *SessionManager) Disconnect(id domain.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if roomID, ok := m.index[id]; ok {
		delete(m.index, id)
		if r, ok := m.rooms[roomID]; ok {
			m.removeConnLocked(r, id)
		}
	}

	for _, r := range m.rooms {
		if m.removeConnLocked(r, id) {
			log.Warn().Str("module", "core.session").Str("conn", string(id)).
				Str("room", string(r.id)).Msg("connection removed outside index")
		}
	}
}

// Status reports whether the room is on air, false for untracked rooms.
func (m *SessionManager) Status(roomID domain.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return ok && r.onAir
}

func (m *SessionManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *SessionManager) List() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, RoomInfo{ID: r.id, MemberCount: len(r.members), IsOnAir: r.onAir})
	}
	return out
}

// MembersSnapshot returns a copy of the member list in join order.
func (m *SessionManager) MembersSnapshot(roomID domain.RoomID) []domain.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return m.snapshotLocked(r)
}

func (m *SessionManager) snapshotLocked(r *room) []domain.Member {
	out := make([]domain.Member, 0, len(r.members))
	for _, e := range r.members {
		out = append(out, *e.meta)
	}
	return out
}

func (m *SessionManager) promoteLocked(r *room, id domain.ConnID) {
	r.owner = id
	r.onAir = true
	r.lastBeat = time.Now()
	m.armLocked(r)
	m.fanoutLocked(r, encode(statusEvent{EventRoomStatusChanged, true}))
	log.Info().Str("module", "core.session").Str("room", string(r.id)).
		Str("owner", string(id)).Msg("room on air")
}

// removeConnLocked splices the member out if present. The owner record
// lingers after an owner disconnect, but on-air is cleared and the timer
// cancelled so the stale id can never authorize a broadcast.
func (m *SessionManager) removeConnLocked(r *room, id domain.ConnID) bool {
	idx := -1
	for i, e := range r.members {
		if e.meta.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	log.Info().Str("module", "core.session").Str("room", string(r.id)).
		Str("conn", string(id)).Msg("member removed")

	if r.owner == id {
		r.onAir = false
		m.cancelTimerLocked(r)
		m.fanoutLocked(r, encode(statusEvent{EventRoomStatusChanged, false}))
		log.Info().Str("module", "core.session").Str("room", string(r.id)).Msg("owner left, room off air")
	}

	if len(r.members) == 0 {
		m.cancelTimerLocked(r)
		delete(m.rooms, r.id)
		log.Info().Str("module", "core.session").Str("room", string(r.id)).Msg("room deleted")
		return true
	}

	m.fanoutLocked(r, encode(userListEvent{EventRoomUserList, m.snapshotLocked(r)}))
	return true
}

func (m *SessionManager) armLocked(r *room) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerSeq++
	seq := r.timerSeq
	id := r.id
	r.timer = time.AfterFunc(m.ttl, func() { m.expire(id, seq) })
}

func (m *SessionManager) cancelTimerLocked(r *room) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerSeq++
}

// expire is the heartbeat deadline callback. A stale seq means the timer
// was superseded or the room deleted after this fire was scheduled.
func (m *SessionManager) expire(roomID domain.RoomID, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok || r.timerSeq != seq {
		return
	}
	r.timer = nil
	if !r.onAir {
		return
	}
	r.onAir = false
	m.fanoutLocked(r, encode(statusEvent{EventRoomStatusChanged, false}))
	log.Info().Str("module", "core.session").Str("room", string(roomID)).Msg("heartbeat lapsed, room off air")
}

// fanoutLocked delivers a frame to every member, fire and forget. A full
// send buffer drops the frame for that member only.
func (m *SessionManager) fanoutLocked(r *room, f Frame) {
	if f == nil {
		return
	}
	for _, e := range r.members {
		if err := e.sess.Signal().TrySend(f); err != nil {
			log.Debug().Str("module", "core.session").Str("room", string(r.id)).
				Str("conn", string(e.meta.ID)).Msg("frame dropped")
		}
	}
}

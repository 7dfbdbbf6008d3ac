// Package registry implements the Connection Registry (spec §4.2): an
// in-memory structure tracking live duplex client sessions on this
// instance. It is authoritative for who-to-send-to-locally, never for
// room membership — the database is, via the RoomLookup collaborator.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"memecaption/bus"
)

// Session is the transport-level handle the registry multiplexes over. The
// gateway supplies an implementation wrapping a *websocket.Conn; Send must
// not block the registry's caller, and Close is idempotent.
type Session struct {
	UserID string
	Send   func(message []byte) error
	Close  func() error
}

// RoomLookup resolves a user's current room from the database, used so a
// reconnecting client always learns its room from authoritative state
// rather than a stale in-memory hint.
type RoomLookup interface {
	GetUserCurrentRoom(ctx context.Context, userID string) (roomID string, ok bool, err error)
}

// Registry is the per-instance connection table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // userID -> active session
	rooms    map[string]map[string]*Session // roomID -> userID -> session

	lookup RoomLookup
	bus    bus.Bus
	logger *zap.Logger
}

// New creates an empty registry. lookup and the bus are used by Attach and
// Detach respectively; both may be nil in tests that only exercise local
// fan-out.
func New(lookup RoomLookup, eventBus bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		lookup:   lookup,
		bus:      eventBus,
		logger:   logger,
	}
}

// AttachResult is returned to the caller so it can reply with
// connection_established.
type AttachResult struct {
	RoomID string
	InRoom bool
}

// Attach closes any prior session for the same user, registers the new
// one, and resolves the user's authoritative room from the database.
// roomHint does not skip the lookup; it is used only when no lookup is
// configured or the lookup returns an error.
func (r *Registry) Attach(ctx context.Context, userID string, session *Session, roomHint string) (AttachResult, error) {
	r.mu.Lock()
	if prior, ok := r.sessions[userID]; ok {
		r.removeLocked(prior)
		if prior.Close != nil {
			_ = prior.Close()
		}
	}
	r.sessions[userID] = session
	r.mu.Unlock()

	result := AttachResult{RoomID: roomHint, InRoom: roomHint != ""}
	if r.lookup != nil {
		roomID, ok, err := r.lookup.GetUserCurrentRoom(ctx, userID)
		if err == nil {
			result = AttachResult{RoomID: roomID, InRoom: ok}
		}
	}
	if result.InRoom {
		r.JoinRoom(userID, result.RoomID)
	}
	return result, nil
}

// Detach removes the session and, if the user was in a room, publishes
// player_disconnected via the event bus.
func (r *Registry) Detach(ctx context.Context, userID string) {
	r.mu.Lock()
	session, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	roomID := r.removeLocked(session)
	delete(r.sessions, userID)
	r.mu.Unlock()

	if roomID != "" && r.bus != nil {
		_ = r.bus.Publish(ctx, bus.Event{
			RoomID:    roomID,
			Kind:      bus.KindPlayerDisconnected,
			Payload:   map[string]any{"user_id": userID},
			Timestamp: time.Now(),
		})
	}
}

// removeLocked strips session from the room index it belongs to, if any,
// and returns that room's ID. Callers hold r.mu.
func (r *Registry) removeLocked(session *Session) string {
	for roomID, members := range r.rooms {
		if m, ok := members[session.UserID]; ok && m == session {
			delete(members, session.UserID)
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
			return roomID
		}
	}
	return ""
}

// JoinRoom adds the user's current session to roomID's local fan-out set.
// Purely local bookkeeping; it does not touch membership in the store.
func (r *Registry) JoinRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[userID]
	if !ok {
		return
	}
	for rid, members := range r.rooms {
		if rid == roomID {
			continue
		}
		if m, ok := members[userID]; ok && m == session {
			delete(members, userID)
			if len(members) == 0 {
				delete(r.rooms, rid)
			}
		}
	}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[roomID] = members
	}
	members[userID] = session
}

// LeaveRoom removes the user from the local fan-out set of every room it
// is attached to.
func (r *Registry) LeaveRoom(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID, members := range r.rooms {
		if _, ok := members[userID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
}

// Send delivers message to userID's current session, best-effort. On
// transport failure the session is detached so a stale socket does not
// linger in the registry.
func (r *Registry) Send(ctx context.Context, userID string, message []byte) {
	r.mu.RLock()
	session, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := session.Send(message); err != nil {
		r.logger.Debug("registry: send failed, detaching", zap.String("user_id", userID), zap.Error(err))
		r.Detach(ctx, userID)
	}
}

// BroadcastRoom fans message out to every session local to roomID, except
// excludeUser when non-empty.
func (r *Registry) BroadcastRoom(ctx context.Context, roomID string, message []byte, excludeUser string) {
	r.mu.RLock()
	members, ok := r.rooms[roomID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(members))
	for userID, session := range members {
		if userID != excludeUser {
			targets = append(targets, session)
		}
	}
	r.mu.RUnlock()

	for _, session := range targets {
		if err := session.Send(message); err != nil {
			r.logger.Debug("registry: broadcast send failed, detaching", zap.String("user_id", session.UserID), zap.Error(err))
			r.Detach(ctx, session.UserID)
		}
	}
}

// IsAttached reports whether userID currently has a live local session.
func (r *Registry) IsAttached(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// RoomSize returns the number of locally-attached sessions for roomID.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

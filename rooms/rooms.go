// Package rooms implements the Room Lifecycle Manager (spec §4.4): room
// creation, joining, leaving and game kickoff, consumed by the Action
// Gateway.
package rooms

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memecaption/domain"
	"memecaption/errs"
	"memecaption/store"
)

const joinCodeRetryBudget = 10

const joinCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ProfileLookup resolves the subset of user attributes room creation needs
// to gate on completeness and bias demographic derivation.
type ProfileLookup interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
}

// Limits bounds room capacity and join codes, configured at startup (spec §6).
type Limits struct {
	MinCapacity  int
	MaxCapacity  int
	CodeLength   int
}

func DefaultLimits() Limits {
	return Limits{MinCapacity: 3, MaxCapacity: 8, CodeLength: 6}
}

// Manager is the C4 component.
type Manager struct {
	store    store.Store
	profiles ProfileLookup
	limits   Limits
}

func New(s store.Store, profiles ProfileLookup, limits Limits) *Manager {
	return &Manager{store: s, profiles: profiles, limits: limits}
}

func generateJoinCode(length int) (string, error) {
	out := make([]byte, length)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rooms: generate join code: %w", err)
	}
	for i, b := range buf {
		out[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(out), nil
}

// CreateRoom requires a complete profile, rejects a creator who already
// owns a non-terminal room, derives the demographic, and generates a join
// code when requested or when the room is private.
func (m *Manager) CreateRoom(ctx context.Context, creatorID string, capacity int, public bool, wantCode bool) (domain.Room, error) {
	profile, err := m.profiles.GetProfile(ctx, creatorID)
	if err != nil {
		return domain.Room{}, fmt.Errorf("rooms: get profile: %w", err)
	}
	if !profile.Complete() {
		return domain.Room{}, fmt.Errorf("profile incomplete: %w", errs.ErrValidationFailed)
	}

	if _, ok, err := m.store.GetUserCurrentRoom(ctx, creatorID); err != nil {
		return domain.Room{}, fmt.Errorf("rooms: check current room: %w", err)
	} else if ok {
		return domain.Room{}, fmt.Errorf("creator already owns an active room: %w", errs.ErrConflict)
	}

	if capacity < m.limits.MinCapacity || capacity > m.limits.MaxCapacity {
		return domain.Room{}, fmt.Errorf("capacity %d out of bounds [%d,%d]: %w", capacity, m.limits.MinCapacity, m.limits.MaxCapacity, errs.ErrValidationFailed)
	}

	visibility := domain.VisibilityPrivate
	demographic := domain.DemographicMixed
	if public {
		visibility = domain.VisibilityPublic
		demographic = domain.DemographicForAge(profile.AgeOn(time.Now()))
	}

	room := domain.Room{
		ID:          uuid.NewString(),
		CreatorID:   creatorID,
		Capacity:    capacity,
		Visibility:  visibility,
		Demographic: demographic,
		Status:      domain.RoomWaiting,
		CreatedAt:   time.Now(),
	}
	creator := domain.Participant{
		RoomID:         room.ID,
		UserID:         creatorID,
		Membership:     domain.MembershipActive,
		Connection:     domain.ConnConnected,
		LastActivityAt: room.CreatedAt,
		LastPingAt:     room.CreatedAt,
		JoinedAt:       room.CreatedAt,
	}

	if wantCode || !public {
		var lastErr error
		for attempt := 0; attempt < joinCodeRetryBudget; attempt++ {
			code, err := generateJoinCode(m.limits.CodeLength)
			if err != nil {
				return domain.Room{}, err
			}
			room.Code = code
			if err := m.store.CreateRoom(ctx, room, creator); err != nil {
				if errs.Classify(err) == errs.KindConflict {
					lastErr = err
					continue
				}
				return domain.Room{}, fmt.Errorf("rooms: create room: %w", err)
			}
			return room, nil
		}
		return domain.Room{}, fmt.Errorf("rooms: exhausted join code retries: %w", lastErr)
	}

	if err := m.store.CreateRoom(ctx, room, creator); err != nil {
		return domain.Room{}, fmt.Errorf("rooms: create room: %w", err)
	}
	return room, nil
}

// JoinByID refuses private rooms; the caller must use JoinByCode for those.
func (m *Manager) JoinByID(ctx context.Context, userID, roomID string) (domain.Room, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Room{}, fmt.Errorf("rooms: get room: %w", err)
	}
	if room.Visibility == domain.VisibilityPrivate {
		return domain.Room{}, fmt.Errorf("room %s is private: %w", roomID, errs.ErrPermissionDenied)
	}
	if err := m.join(ctx, userID, room); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// JoinByCode bypasses the public/private gate.
func (m *Manager) JoinByCode(ctx context.Context, userID, code string) (domain.Room, error) {
	room, err := m.store.GetRoomByCode(ctx, code)
	if err != nil {
		return domain.Room{}, fmt.Errorf("rooms: get room by code: %w", err)
	}
	if err := m.join(ctx, userID, room); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func (m *Manager) join(ctx context.Context, userID string, room domain.Room) error {
	if room.Status != domain.RoomWaiting {
		return fmt.Errorf("room %s is not waiting: %w", room.ID, errs.ErrValidationFailed)
	}
	active, err := m.store.CountActiveParticipants(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("rooms: count active participants: %w", err)
	}
	if active >= room.Capacity {
		return fmt.Errorf("room %s is full: %w", room.ID, errs.ErrValidationFailed)
	}

	now := time.Now()
	participant := domain.Participant{
		RoomID:         room.ID,
		UserID:         userID,
		Membership:     domain.MembershipActive,
		Connection:     domain.ConnConnected,
		LastActivityAt: now,
		LastPingAt:     now,
		JoinedAt:       now,
	}
	if err := m.store.UpsertActiveParticipant(ctx, participant); err != nil {
		return fmt.Errorf("rooms: upsert participant: %w", err)
	}
	return nil
}

// Leave sets membership to left. If the leaver was the creator and the
// room was still waiting, the room transitions to cancelled.
func (m *Manager) Leave(ctx context.Context, userID, roomID string) error {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("rooms: get room: %w", err)
	}
	if err := m.store.SetParticipantMembership(ctx, roomID, userID, domain.MembershipLeft); err != nil {
		return fmt.Errorf("rooms: set participant membership: %w", err)
	}
	if room.CreatorID == userID && room.Status == domain.RoomWaiting {
		if err := m.store.SetRoomStatus(ctx, roomID, domain.RoomCancelled); err != nil {
			return fmt.Errorf("rooms: cancel room: %w", err)
		}
	}
	return nil
}

// StartGame is creator-only, requires the room be waiting and at least
// three active participants. It transitions the room to playing and
// creates a Game in starting; the coordinator's Begin takes over from there.
func (m *Manager) StartGame(ctx context.Context, userID, roomID string) (domain.Game, error) {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Game{}, fmt.Errorf("rooms: get room: %w", err)
	}
	if room.CreatorID != userID {
		return domain.Game{}, fmt.Errorf("only the creator may start the game: %w", errs.ErrPermissionDenied)
	}
	if room.Status != domain.RoomWaiting {
		return domain.Game{}, fmt.Errorf("room %s is not waiting: %w", roomID, errs.ErrValidationFailed)
	}
	active, err := m.store.CountActiveParticipants(ctx, roomID)
	if err != nil {
		return domain.Game{}, fmt.Errorf("rooms: count active participants: %w", err)
	}
	if active < 3 {
		return domain.Game{}, fmt.Errorf("at least 3 active participants required: %w", errs.ErrValidationFailed)
	}

	if err := m.store.SetRoomStatus(ctx, roomID, domain.RoomPlaying); err != nil {
		return domain.Game{}, fmt.Errorf("rooms: set room playing: %w", err)
	}
	game := domain.Game{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Status:    domain.GameStarting,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateGame(ctx, game); err != nil {
		return domain.Game{}, fmt.Errorf("rooms: create game: %w", err)
	}
	return game, nil
}

// ListPublic returns public, waiting rooms with free capacity.
func (m *Manager) ListPublic(ctx context.Context, limit int) ([]domain.Room, error) {
	rooms, err := m.store.ListPublicWaiting(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("rooms: list public waiting: %w", err)
	}
	return rooms, nil
}

// GetUserCurrentRoom returns the one non-terminal room the user belongs
// to, if any.
func (m *Manager) GetUserCurrentRoom(ctx context.Context, userID string) (domain.Room, bool, error) {
	room, ok, err := m.store.GetUserCurrentRoom(ctx, userID)
	if err != nil {
		return domain.Room{}, false, fmt.Errorf("rooms: get user current room: %w", err)
	}
	return room, ok, nil
}

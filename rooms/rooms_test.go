package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/domain"
	"memecaption/store/mem"
)

type fakeProfiles struct {
	profiles map[string]domain.Profile
}

func newFakeProfiles() *fakeProfiles { return &fakeProfiles{profiles: make(map[string]domain.Profile)} }

func (f *fakeProfiles) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	return f.profiles[userID], nil
}

func completeProfile(userID string, age int) domain.Profile {
	return domain.Profile{
		UserID:    userID,
		Nickname:  userID,
		BirthDate: time.Now().AddDate(-age, 0, 0),
		Gender:    "nonbinary",
	}
}

func newTestManager() (*Manager, *mem.Store, *fakeProfiles) {
	s := mem.New()
	profiles := newFakeProfiles()
	return New(s, profiles, DefaultLimits()), s, profiles
}

func TestManager_CreateRoomRejectsIncompleteProfile(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.CreateRoom(context.Background(), "alice", 4, true, false)
	assert.Error(t, err)
}

func TestManager_CreateRoomDerivesDemographicFromAge(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 10)

	room, err := m.CreateRoom(context.Background(), "alice", 4, true, false)
	require.NoError(t, err)
	assert.Equal(t, domain.DemographicKids, room.Demographic)
	assert.Equal(t, domain.VisibilityPublic, room.Visibility)
}

func TestManager_CreateRoomPrivateIsMixedAndCoded(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)

	room, err := m.CreateRoom(context.Background(), "alice", 4, false, false)
	require.NoError(t, err)
	assert.Equal(t, domain.DemographicMixed, room.Demographic)
	assert.Len(t, room.Code, 6)
}

func TestManager_CreateRoomRejectsSecondActiveRoom(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)

	_, err := m.CreateRoom(context.Background(), "alice", 4, true, false)
	require.NoError(t, err)

	_, err = m.CreateRoom(context.Background(), "alice", 4, true, false)
	assert.Error(t, err)
}

func TestManager_JoinByIDRefusesPrivateRoom(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 4, false, false)
	require.NoError(t, err)

	_, err = m.JoinByID(context.Background(), "bob", room.ID)
	assert.Error(t, err)
}

func TestManager_JoinByCodeSucceedsOnPrivateRoom(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 4, false, false)
	require.NoError(t, err)

	joined, err := m.JoinByCode(context.Background(), "bob", room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, joined.ID)
}

func TestManager_JoinRejectsFullRoom(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 3, true, false)
	require.NoError(t, err)

	_, err = m.JoinByID(context.Background(), "bob", room.ID)
	require.NoError(t, err)
	_, err = m.JoinByID(context.Background(), "carol", room.ID)
	require.NoError(t, err)

	_, err = m.JoinByID(context.Background(), "dave", room.ID)
	assert.Error(t, err)
}

func TestManager_LeaveCancelsWaitingRoomWhenCreatorLeaves(t *testing.T) {
	m, s, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 4, true, false)
	require.NoError(t, err)

	require.NoError(t, m.Leave(context.Background(), "alice", room.ID))

	got, err := s.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomCancelled, got.Status)
}

func TestManager_StartGameRequiresThreeActiveParticipants(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 8, true, false)
	require.NoError(t, err)
	_, err = m.JoinByID(context.Background(), "bob", room.ID)
	require.NoError(t, err)

	_, err = m.StartGame(context.Background(), "alice", room.ID)
	assert.Error(t, err)

	_, err = m.JoinByID(context.Background(), "carol", room.ID)
	require.NoError(t, err)

	game, err := m.StartGame(context.Background(), "alice", room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameStarting, game.Status)
}

func TestManager_StartGameRequiresCreator(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 8, true, false)
	require.NoError(t, err)
	_, err = m.JoinByID(context.Background(), "bob", room.ID)
	require.NoError(t, err)
	_, err = m.JoinByID(context.Background(), "carol", room.ID)
	require.NoError(t, err)

	_, err = m.StartGame(context.Background(), "bob", room.ID)
	assert.Error(t, err)
}

func TestManager_ListPublicOnlyReturnsWaitingRoomsWithCapacity(t *testing.T) {
	m, _, profiles := newTestManager()
	profiles.profiles["alice"] = completeProfile("alice", 25)
	room, err := m.CreateRoom(context.Background(), "alice", 3, true, false)
	require.NoError(t, err)

	list, err := m.ListPublic(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, room.ID, list[0].ID)
}

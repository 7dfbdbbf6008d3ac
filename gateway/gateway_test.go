package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/authprovider"
	"memecaption/bus"
	"memecaption/catalog"
	"memecaption/coordinator"
	"memecaption/domain"
	"memecaption/presence"
	"memecaption/registry"
	"memecaption/rooms"
	"memecaption/rounds"
	"memecaption/store/mem"
)

type fakeLookup struct{ store *mem.Store }

func (f fakeLookup) GetUserCurrentRoom(ctx context.Context, userID string) (string, bool, error) {
	room, ok, err := f.store.GetUserCurrentRoom(ctx, userID)
	if err != nil || !ok {
		return "", false, err
	}
	return room.ID, true, nil
}

func newTestGateway(t *testing.T) (*Gateway, *mem.Store, *authprovider.Reference) {
	t.Helper()
	s := mem.New()
	b := bus.NewLocal()
	tracker := presence.New(s, presence.DefaultThresholds())
	auth := authprovider.NewReference("test-secret")
	cat := catalog.NewStatic("https://cdn.example.com/%s/%d.png", map[domain.CardType][]int{
		domain.CardStandard: {1, 2, 3},
	})
	reg := registry.New(fakeLookup{store: s}, b, nil)
	roomManager := rooms.New(s, auth, rooms.DefaultLimits())
	roundCtrl := rounds.New(s, tracker, b, nil, rounds.DefaultSchedule())
	coord := coordinator.New(s, roundCtrl, cat, b)

	gw := New(reg, roomManager, roundCtrl, coord, b, tracker, auth, cat, nil)
	return gw, s, auth
}

func completeProfile(userID string, age int) domain.Profile {
	return domain.Profile{UserID: userID, Nickname: userID, BirthDate: time.Now().AddDate(-age, 0, 0), Gender: "nonbinary"}
}

func TestGateway_JoinRoomPublishesEvent(t *testing.T) {
	gw, s, auth := newTestGateway(t)
	auth.SetProfile(completeProfile("alice", 25))
	auth.SetProfile(completeProfile("bob", 25))

	room, err := gw.rooms.CreateRoom(context.Background(), "alice", 4, true, false)
	require.NoError(t, err)

	var received []bus.Event
	require.NoError(t, gw.eventBus.Subscribe(context.Background(), room.ID, func(e bus.Event) {
		received = append(received, e)
	}))

	payload, _ := json.Marshal(map[string]string{"room_id": room.ID})
	_, err = gw.handleAction(context.Background(), "bob", "join_room", payload)
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, bus.KindPlayerJoined, received[0].Kind)

	count, err := s.CountActiveParticipants(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGateway_LeaveRoomRejectsWhenNotInRoom(t *testing.T) {
	gw, _, auth := newTestGateway(t)
	auth.SetProfile(completeProfile("alice", 25))

	_, err := gw.handleAction(context.Background(), "alice", "leave_room", nil)
	assert.Error(t, err)
}

func TestGateway_StartGameBeginsFirstRound(t *testing.T) {
	gw, s, auth := newTestGateway(t)
	for _, userID := range []string{"alice", "bob", "carol"} {
		auth.SetProfile(completeProfile(userID, 25))
	}

	room, err := gw.rooms.CreateRoom(context.Background(), "alice", 8, true, false)
	require.NoError(t, err)
	_, err = gw.rooms.JoinByID(context.Background(), "bob", room.ID)
	require.NoError(t, err)
	_, err = gw.rooms.JoinByID(context.Background(), "carol", room.ID)
	require.NoError(t, err)

	resp, err := gw.handleAction(context.Background(), "alice", "start_game", nil)
	require.NoError(t, err)
	result, ok := resp.(map[string]any)
	require.True(t, ok)
	gameID, _ := result["game_id"].(string)
	require.NotEmpty(t, gameID)

	game, err := s.GetGame(context.Background(), gameID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameCardSelection, game.Status)
}

func TestGateway_UnknownActionIsRejected(t *testing.T) {
	gw, _, auth := newTestGateway(t)
	auth.SetProfile(completeProfile("alice", 25))

	_, err := gw.handleAction(context.Background(), "alice", "not_a_real_action", nil)
	assert.Error(t, err)
}

func TestGateway_PingRequiresRoomMembership(t *testing.T) {
	gw, _, auth := newTestGateway(t)
	auth.SetProfile(completeProfile("alice", 25))

	_, err := gw.handleAction(context.Background(), "alice", "ping", nil)
	assert.Error(t, err)
}

func TestGateway_SubmitCardChoiceRejectsUnknownCardType(t *testing.T) {
	gw, _, auth := newTestGateway(t)
	auth.SetProfile(completeProfile("alice", 25))

	payload, _ := json.Marshal(map[string]any{"round_id": uuid.NewString(), "card_type": "bogus", "card_number": 1})
	_, err := gw.handleAction(context.Background(), "alice", "submit_card_choice", payload)
	assert.Error(t, err)
}

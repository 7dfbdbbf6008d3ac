package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/bus"
	"memecaption/catalog"
	"memecaption/domain"
	"memecaption/presence"
	"memecaption/rounds"
	"memecaption/store"
	"memecaption/store/mem"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *mem.Store, *bus.Local) {
	t.Helper()
	s := mem.New()
	b := bus.NewLocal()
	tracker := presence.New(s, presence.DefaultThresholds())
	cat := catalog.NewStatic("https://cdn.example.com/%s/%d.png", map[domain.CardType][]int{
		domain.CardStandard: {1, 2, 3},
	})
	roundCtrl := rounds.New(s, tracker, b, nil, rounds.DefaultSchedule())
	coord := New(s, roundCtrl, cat, b)
	return coord, s, b
}

func setupRoomAndGame(t *testing.T, s *mem.Store, n int) (domain.Room, domain.Game, []string) {
	t.Helper()
	room := domain.Room{
		ID: uuid.NewString(), CreatorID: "player-0", Capacity: 8,
		Visibility: domain.VisibilityPublic, Demographic: domain.DemographicMixed,
		Status: domain.RoomPlaying, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRoom(context.Background(), room, domain.Participant{
		RoomID: room.ID, UserID: "player-0", Membership: domain.MembershipActive,
		Connection: domain.ConnConnected, JoinedAt: time.Now(),
	}))
	userIDs := []string{"player-0"}
	for i := 1; i < n; i++ {
		userID := uuid.NewString()
		userIDs = append(userIDs, userID)
		require.NoError(t, s.UpsertActiveParticipant(context.Background(), domain.Participant{
			RoomID: room.ID, UserID: userID, Membership: domain.MembershipActive,
			Connection: domain.ConnConnected, JoinedAt: time.Now(),
		}))
	}
	for _, userID := range userIDs {
		require.NoError(t, s.AddUserCard(context.Background(), userID, domain.CardStandard, 1))
	}
	game := domain.Game{ID: uuid.NewString(), RoomID: room.ID, Status: domain.GameStarting, CreatedAt: time.Now()}
	require.NoError(t, s.CreateGame(context.Background(), game))
	return room, game, userIDs
}

func TestCoordinator_BeginStartsFirstRound(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	_, game, _ := setupRoomAndGame(t, s, 3)

	require.NoError(t, coord.Begin(context.Background(), game.ID))

	updated, err := s.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameCardSelection, updated.Status)
	assert.Equal(t, 1, updated.CurrentRound)
}

func TestCoordinator_EndWithNoRoundsHasNoWinner(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	room, game, _ := setupRoomAndGame(t, s, 3)

	require.NoError(t, coord.End(context.Background(), game.ID, "too few players"))

	updated, err := s.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameFinished, updated.Status)
	assert.Empty(t, updated.WinnerID)

	updatedRoom, err := s.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomFinished, updatedRoom.Status)
}

func TestCoordinator_EndAwardsMostRoundWinsAndCard(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	_, game, userIDs := setupRoomAndGame(t, s, 3)

	now := time.Now()
	require.NoError(t, s.RecordRoundWinner(context.Background(), game.ID, store.RoundWinner{RoundNumber: 1, UserID: userIDs[1], SubmittedAt: now}))
	require.NoError(t, s.RecordRoundWinner(context.Background(), game.ID, store.RoundWinner{RoundNumber: 2, UserID: userIDs[1], SubmittedAt: now.Add(time.Minute)}))
	require.NoError(t, s.RecordRoundWinner(context.Background(), game.ID, store.RoundWinner{RoundNumber: 3, UserID: userIDs[2], SubmittedAt: now.Add(2 * time.Minute)}))

	require.NoError(t, coord.End(context.Background(), game.ID, "round limit reached"))

	updated, err := s.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, userIDs[1], updated.WinnerID)

	owned, err := s.ListOwnedCardNumbers(context.Background(), userIDs[1], domain.CardStandard)
	require.NoError(t, err)
	assert.Len(t, owned, 2) // standard card 1 from setup plus the awarded one
}

func TestCoordinator_EndTieBreaksByEarliestWin(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	_, game, userIDs := setupRoomAndGame(t, s, 3)

	now := time.Now()
	require.NoError(t, s.RecordRoundWinner(context.Background(), game.ID, store.RoundWinner{RoundNumber: 1, UserID: userIDs[1], SubmittedAt: now.Add(time.Minute)}))
	require.NoError(t, s.RecordRoundWinner(context.Background(), game.ID, store.RoundWinner{RoundNumber: 2, UserID: userIDs[2], SubmittedAt: now}))

	require.NoError(t, coord.End(context.Background(), game.ID, "round limit reached"))

	updated, err := s.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, userIDs[2], updated.WinnerID)
}

func TestCoordinator_EndIsIdempotent(t *testing.T) {
	coord, s, _ := newTestCoordinator(t)
	_, game, _ := setupRoomAndGame(t, s, 3)

	require.NoError(t, coord.End(context.Background(), game.ID, "round limit reached"))
	require.NoError(t, coord.End(context.Background(), game.ID, "round limit reached"))
}

func TestCoordinator_EndSkipsCardWhenWinnerOwnsWholeSet(t *testing.T) {
	s := mem.New()
	b := bus.NewLocal()
	tracker := presence.New(s, presence.DefaultThresholds())
	cat := catalog.NewStatic("https://cdn.example.com/%s/%d.png", map[domain.CardType][]int{
		domain.CardStandard: {1},
	})
	roundCtrl := rounds.New(s, tracker, b, nil, rounds.DefaultSchedule())
	coord := New(s, roundCtrl, cat, b)

	_, game, userIDs := setupRoomAndGame(t, s, 3)
	require.NoError(t, s.RecordRoundWinner(context.Background(), game.ID, store.RoundWinner{RoundNumber: 1, UserID: userIDs[0], SubmittedAt: time.Now()}))

	require.NoError(t, coord.End(context.Background(), game.ID, "round limit reached"))

	owned, err := s.ListOwnedCardNumbers(context.Background(), userIDs[0], domain.CardStandard)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, owned)
}

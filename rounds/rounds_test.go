package rounds

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/bus"
	"memecaption/domain"
	"memecaption/presence"
	"memecaption/situations"
	"memecaption/store/mem"
)

type fakeGenerator struct {
	mu   sync.Mutex
	jobs []situations.Job
}

func (f *fakeGenerator) Enqueue(ctx context.Context, job situations.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type harness struct {
	store      *mem.Store
	bus        *bus.Local
	controller *Controller
	generator  *fakeGenerator

	mu     sync.Mutex
	ended  []string
	reason string
	fired  []string
}

func newHarness() *harness {
	s := mem.New()
	b := bus.NewLocal()
	tracker := presence.New(s, presence.DefaultThresholds())
	gen := &fakeGenerator{}
	schedule := DefaultSchedule()
	ctrl := New(s, tracker, b, gen, schedule)

	h := &harness{store: s, bus: b, controller: ctrl, generator: gen}
	ctrl.SetCallbacks(
		func(ctx context.Context, gameID, reason string) error {
			h.mu.Lock()
			h.ended = append(h.ended, gameID)
			h.reason = reason
			h.mu.Unlock()
			return nil
		},
		func(ctx context.Context, gameID string) {
			h.mu.Lock()
			h.fired = append(h.fired, gameID)
			h.mu.Unlock()
		},
	)
	return h
}

func (h *harness) setupRoomWithPlayers(t *testing.T, n int) (domain.Room, domain.Game, []string) {
	t.Helper()
	room := domain.Room{
		ID:          uuid.NewString(),
		CreatorID:   "player-0",
		Capacity:    8,
		Visibility:  domain.VisibilityPublic,
		Demographic: domain.DemographicMixed,
		Status:      domain.RoomPlaying,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, h.store.CreateRoom(context.Background(), room, domain.Participant{
		RoomID: room.ID, UserID: "player-0", Membership: domain.MembershipActive,
		Connection: domain.ConnConnected, JoinedAt: time.Now(),
	}))

	userIDs := []string{"player-0"}
	for i := 1; i < n; i++ {
		userID := fmt.Sprintf("player-%d", i)
		userIDs = append(userIDs, userID)
		require.NoError(t, h.store.UpsertActiveParticipant(context.Background(), domain.Participant{
			RoomID: room.ID, UserID: userID, Membership: domain.MembershipActive,
			Connection: domain.ConnConnected, JoinedAt: time.Now(),
		}))
	}

	for _, userID := range userIDs {
		require.NoError(t, h.store.AddUserCard(context.Background(), userID, domain.CardStandard, 1))
	}

	game := domain.Game{ID: uuid.NewString(), RoomID: room.ID, Status: domain.GameStarting, CreatedAt: time.Now()}
	require.NoError(t, h.store.CreateGame(context.Background(), game))

	return room, game, userIDs
}

func TestController_StartRoundAdvancesGameAndCreatesRound(t *testing.T) {
	h := newHarness()
	_, game, _ := h.setupRoomWithPlayers(t, 3)

	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "A narrow hallway."))

	updated, err := h.store.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameCardSelection, updated.Status)
	assert.Equal(t, 1, updated.CurrentRound)

	round, ok, err := h.store.GetLatestRound(context.Background(), game.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A narrow hallway.", round.SituationText)
	assert.Equal(t, 50, round.DurationSeconds)
}

func TestController_StartRoundEnqueuesGenerationWhenTextOmitted(t *testing.T) {
	h := newHarness()
	_, game, _ := h.setupRoomWithPlayers(t, 3)

	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, ""))

	round, ok, err := h.store.GetLatestRound(context.Background(), game.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Generating...", round.SituationText)

	h.generator.mu.Lock()
	defer h.generator.mu.Unlock()
	assert.Len(t, h.generator.jobs, 1)
	assert.Equal(t, round.ID, h.generator.jobs[0].RoundID)
}

func TestController_SubmitChoiceRejectsWithoutCardOwnership(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)

	err := h.controller.SubmitChoice(context.Background(), round.ID, userIDs[0], domain.CardStandard, 99)
	assert.Error(t, err)
}

func TestController_SubmitChoiceRejectsDuplicateSubmission(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)

	require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userIDs[0], domain.CardStandard, 1))
	err := h.controller.SubmitChoice(context.Background(), round.ID, userIDs[0], domain.CardStandard, 1)
	assert.Error(t, err)
}

func TestController_AllChoicesSubmittedAdvancesToVoting(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)

	for _, userID := range userIDs {
		require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userID, domain.CardStandard, 1))
	}

	updated, err := h.store.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameVoting, updated.Status)
}

func TestController_SubmitChoiceSucceedsWhenConnectedCountDropsBelowThree(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)

	// player-2 is still active but its socket has dropped, so the
	// early-advance count (connected actives) is 2, not 3.
	_, err := h.store.IncrementDisconnectCount(context.Background(), game.RoomID, userIDs[2])
	require.NoError(t, err)

	require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userIDs[0], domain.CardStandard, 1))
	// The second connected participant's choice makes count == connected
	// (2 == 2), which would trigger the early-advance optimisation, but
	// two choices is still below BeginVoting's hard floor of three; the
	// submission itself must still succeed.
	err = h.controller.SubmitChoice(context.Background(), round.ID, userIDs[1], domain.CardStandard, 1)
	require.NoError(t, err)

	updated, err := h.store.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameCardSelection, updated.Status)
}

func TestController_BeginVotingRefusesFewerThanThreeChoices(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 4)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)

	require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userIDs[0], domain.CardStandard, 1))
	err := h.controller.BeginVoting(context.Background(), round.ID)
	assert.Error(t, err)
}

func TestController_SubmitVoteRejectsVotingForOwnChoice(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)
	for _, userID := range userIDs {
		require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userID, domain.CardStandard, 1))
	}
	choice, err := h.store.ListChoices(context.Background(), round.ID)
	require.NoError(t, err)

	var ownChoiceID string
	for _, c := range choice {
		if c.UserID == userIDs[0] {
			ownChoiceID = c.ID
		}
	}
	require.NotEmpty(t, ownChoiceID)

	err = h.controller.SubmitVote(context.Background(), round.ID, userIDs[0], ownChoiceID)
	assert.Error(t, err)
}

func TestController_FinaliseRoundAwardsWinnerAndPublishesResults(t *testing.T) {
	h := newHarness()
	room, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)
	for _, userID := range userIDs {
		require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userID, domain.CardStandard, 1))
	}
	choices, err := h.store.ListChoices(context.Background(), round.ID)
	require.NoError(t, err)

	var winningChoiceID string
	for _, c := range choices {
		if c.UserID == userIDs[1] {
			winningChoiceID = c.ID
		}
	}
	require.NotEmpty(t, winningChoiceID)

	var received []bus.Event
	require.NoError(t, h.bus.Subscribe(context.Background(), room.ID, func(e bus.Event) {
		received = append(received, e)
	}))

	require.NoError(t, h.controller.SubmitVote(context.Background(), round.ID, userIDs[0], winningChoiceID))
	require.NoError(t, h.controller.SubmitVote(context.Background(), round.ID, userIDs[2], winningChoiceID))
	// Two votes with three connected participants do not trigger the
	// early finalise, so the round is finalised explicitly.
	require.NoError(t, h.controller.FinaliseRound(context.Background(), round.ID))

	updated, err := h.store.GetGame(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GameRoundResults, updated.Status)

	winners, err := h.store.ListRoundWinners(context.Background(), game.ID)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, userIDs[1], winners[0].UserID)

	var sawResults bool
	for _, e := range received {
		if e.Kind == bus.KindRoundResultsCalculated {
			sawResults = true
		}
	}
	assert.True(t, sawResults)
}

func TestController_FinaliseRoundIsIdempotentOnceAdvanced(t *testing.T) {
	h := newHarness()
	_, game, userIDs := h.setupRoomWithPlayers(t, 3)
	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))
	round, _, _ := h.store.GetLatestRound(context.Background(), game.ID)
	for _, userID := range userIDs {
		require.NoError(t, h.controller.SubmitChoice(context.Background(), round.ID, userID, domain.CardStandard, 1))
	}
	choices, err := h.store.ListChoices(context.Background(), round.ID)
	require.NoError(t, err)

	require.NoError(t, h.controller.SubmitVote(context.Background(), round.ID, userIDs[0], choices[1].ID))
	require.NoError(t, h.controller.SubmitVote(context.Background(), round.ID, userIDs[1], choices[0].ID))
	require.NoError(t, h.controller.SubmitVote(context.Background(), round.ID, userIDs[2], choices[0].ID))

	// game has already advanced past voting via early-advance; a direct
	// FinaliseRound call must be a no-op rather than double-awarding.
	require.NoError(t, h.controller.FinaliseRound(context.Background(), round.ID))

	winners, err := h.store.ListRoundWinners(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Len(t, winners, 1)
}

func TestController_StartRoundEndsGameWhenBelowMinimum(t *testing.T) {
	h := newHarness()
	room, game, userIDs := h.setupRoomWithPlayers(t, 3)

	for i := 0; i < 3; i++ {
		_, err := h.store.IncrementMissedActions(context.Background(), room.ID, userIDs[1])
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := h.store.IncrementDisconnectCount(context.Background(), room.ID, userIDs[2])
		require.NoError(t, err)
	}

	require.NoError(t, h.controller.StartRound(context.Background(), game.ID, "text"))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Contains(t, h.ended, game.ID)
}

func TestController_WinningChoiceBreaksTiesByEarliestSubmission(t *testing.T) {
	now := time.Now()
	choices := []domain.Choice{
		{ID: "late", UserID: "a", SubmittedAt: now.Add(2 * time.Second)},
		{ID: "early", UserID: "b", SubmittedAt: now},
	}
	votes := []domain.Vote{
		{ChoiceID: "late", VoterID: "x"},
		{ChoiceID: "early", VoterID: "y"},
	}
	assert.Equal(t, "early", winningChoice(choices, votes))
}

func TestController_WinningChoiceWithNoVotesIsEmpty(t *testing.T) {
	assert.Equal(t, "", winningChoice(nil, nil))
}

// Package rounds implements the Round Controller (spec §4.5): the
// per-round phase machine (card_selection → voting → round_results),
// deadline scheduling and the early-advance completion conditions.
//
// Deadline scheduling is grounded on the teacher's RoomInputProvider
// (backend/game/driver_service.go): a goroutine races a decision signal
// against ctx.Done(), generalized here from "wait for one player's card
// play" to "wait for the whole round's selection or voting deadline."
// Cancellation is the idempotent guard the spec calls for: a fired timer
// rechecks game status before acting, so no explicit cancel plumbing is
// needed alongside it.
package rounds

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"memecaption/bus"
	"memecaption/domain"
	"memecaption/errs"
	"memecaption/presence"
	"memecaption/situations"
	"memecaption/store"
)

// Schedule is the tunable timing configuration of spec §4.5.
type Schedule struct {
	SelectionSeconds  [domain.MaxRounds + 1]int // indexed 1..7; index 0 unused
	VotingDuration     time.Duration
	ResultsDisplayTime time.Duration
}

func DefaultSchedule() Schedule {
	return Schedule{
		SelectionSeconds:   [domain.MaxRounds + 1]int{0, 50, 45, 40, 35, 30, 30, 30},
		VotingDuration:     180 * time.Second,
		ResultsDisplayTime: 5 * time.Second,
	}
}

// EndGameFunc ends a game for reason (e.g. "too few players"). Supplied by
// the coordinator to avoid an import cycle between rounds and coordinator.
type EndGameFunc func(ctx context.Context, gameID, reason string) error

// RoundFinishedFunc is invoked ResultsDisplayTime after a round finalises,
// so the coordinator can start the next round or end the game. Supplied
// the same way as EndGameFunc.
type RoundFinishedFunc func(ctx context.Context, gameID string)

// Controller is the C5 component.
type Controller struct {
	store     store.Store
	presence  *presence.Tracker
	bus       bus.Bus
	generator situations.Generator
	schedule  Schedule

	endGame       EndGameFunc
	roundFinished RoundFinishedFunc
}

func New(s store.Store, tracker *presence.Tracker, eventBus bus.Bus, generator situations.Generator, schedule Schedule) *Controller {
	return &Controller{store: s, presence: tracker, bus: eventBus, generator: generator, schedule: schedule}
}

// SetCallbacks wires the coordinator-owned hooks. Must be called once
// during startup wiring before the controller serves any round.
func (c *Controller) SetCallbacks(endGame EndGameFunc, roundFinished RoundFinishedFunc) {
	c.endGame = endGame
	c.roundFinished = roundFinished
}

func (c *Controller) publish(ctx context.Context, roomID string, kind bus.Kind, gameID, roundID string, payload map[string]any) {
	_ = c.bus.Publish(ctx, bus.Event{
		RoomID:    roomID,
		Kind:      kind,
		GameID:    gameID,
		RoundID:   roundID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (c *Controller) connectedActiveCount(ctx context.Context, roomID string) (int, error) {
	participants, err := c.store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range participants {
		if p.Connection == domain.ConnConnected {
			n++
		}
	}
	return n, nil
}

// StartRound runs the C5 start_round operation. situationText may be
// empty, in which case a placeholder is stored and a generation job is
// enqueued; the generator publishes situation_generated asynchronously
// when it completes.
func (c *Controller) StartRound(ctx context.Context, gameID string, situationText string) error {
	game, err := c.store.GetGame(ctx, gameID)
	if err != nil {
		return fmt.Errorf("rounds: get game: %w", err)
	}

	excluded, err := c.presence.CleanupExcluded(ctx, game.RoomID)
	if err != nil {
		return fmt.Errorf("rounds: cleanup excluded: %w", err)
	}
	if len(excluded) > 0 {
		active, err := c.presence.ActiveCount(ctx, game.RoomID)
		if err != nil {
			return fmt.Errorf("rounds: active count: %w", err)
		}
		if active < 3 {
			return c.endGame(ctx, gameID, "too few players")
		}
	}

	nextRound := game.CurrentRound + 1
	if nextRound > domain.MaxRounds {
		return c.endGame(ctx, gameID, "round limit reached")
	}
	durationSeconds := c.schedule.SelectionSeconds[nextRound]

	placeholder := situationText == ""
	if placeholder {
		situationText = "Generating..."
	}

	now := time.Now()
	round := domain.Round{
		ID:                uuid.NewString(),
		GameID:            gameID,
		Number:            nextRound,
		SituationText:     situationText,
		DurationSeconds:   durationSeconds,
		StartedAt:         now,
		SelectionDeadline: now.Add(time.Duration(durationSeconds) * time.Second),
	}
	round.VotingDeadline = round.SelectionDeadline.Add(c.schedule.VotingDuration)

	if err := c.store.CreateRound(ctx, round); err != nil {
		return fmt.Errorf("rounds: create round: %w", err)
	}

	if placeholder {
		if c.generator == nil {
			c.fallbackSituation(ctx, round.ID)
		} else if err := c.generator.Enqueue(ctx, situations.Job{GameID: gameID, RoundID: round.ID, Demographic: domain.DemographicMixed}); err != nil {
			c.fallbackSituation(ctx, round.ID)
		}
	}

	if _, err := c.store.AdvanceToCardSelection(ctx, gameID); err != nil {
		return fmt.Errorf("rounds: advance to card selection: %w", err)
	}

	c.publish(ctx, game.RoomID, bus.KindRoundStarted, gameID, round.ID, map[string]any{"round_number": round.Number})

	go c.runSelectionTimer(game.RoomID, gameID, round.ID, round.SelectionDeadline)
	go c.runVotingTimer(game.RoomID, gameID, round.ID, round.VotingDeadline)

	return nil
}

func (c *Controller) fallbackSituation(ctx context.Context, roundID string) {
	text := situations.Fallback()
	if err := c.store.UpdateRoundSituationText(ctx, roundID, text); err != nil {
		return
	}
}

// SubmitChoice is accepted only while the game is in card_selection, before
// the selection deadline, by an active participant who has not yet chosen
// and who owns the card.
func (c *Controller) SubmitChoice(ctx context.Context, roundID, userID string, cardType domain.CardType, cardNumber int) error {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: get round: %w", err)
	}
	game, err := c.store.GetGame(ctx, round.GameID)
	if err != nil {
		return fmt.Errorf("rounds: get game: %w", err)
	}
	if game.Status != domain.GameCardSelection {
		return fmt.Errorf("game %s is not in card_selection: %w", game.ID, errs.ErrValidationFailed)
	}
	if time.Now().After(round.SelectionDeadline) {
		return fmt.Errorf("selection deadline has passed: %w", errs.ErrValidationFailed)
	}
	participant, err := c.store.GetParticipant(ctx, game.RoomID, userID)
	if err != nil {
		return fmt.Errorf("rounds: get participant: %w", err)
	}
	if participant.Membership != domain.MembershipActive {
		return fmt.Errorf("user %s is not an active participant: %w", userID, errs.ErrPermissionDenied)
	}
	if already, err := c.store.HasChoice(ctx, roundID, userID); err != nil {
		return fmt.Errorf("rounds: has choice: %w", err)
	} else if already {
		return fmt.Errorf("user %s already chose this round: %w", userID, errs.ErrValidationFailed)
	}
	owns, err := c.store.UserOwnsCard(ctx, userID, cardType, cardNumber)
	if err != nil {
		return fmt.Errorf("rounds: user owns card: %w", err)
	}
	if !owns {
		return fmt.Errorf("user %s does not own card %s/%d: %w", userID, cardType, cardNumber, errs.ErrValidationFailed)
	}

	choice := domain.Choice{
		ID:          uuid.NewString(),
		RoundID:     roundID,
		UserID:      userID,
		CardType:    cardType,
		CardNumber:  cardNumber,
		SubmittedAt: time.Now(),
	}
	if err := c.store.InsertChoice(ctx, choice); err != nil {
		return fmt.Errorf("rounds: insert choice: %w", err)
	}
	if err := c.presence.Touch(ctx, game.RoomID, userID); err != nil {
		return fmt.Errorf("rounds: touch presence: %w", err)
	}
	c.publish(ctx, game.RoomID, bus.KindPlayerChoiceSubmitted, game.ID, roundID, map[string]any{"user_id": userID})

	return c.checkSelectionCompletion(ctx, game.RoomID, roundID)
}

func (c *Controller) checkSelectionCompletion(ctx context.Context, roomID, roundID string) error {
	connected, err := c.connectedActiveCount(ctx, roomID)
	if err != nil {
		return fmt.Errorf("rounds: connected active count: %w", err)
	}
	if connected < 2 {
		return nil
	}
	count, err := c.store.CountChoices(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: count choices: %w", err)
	}
	if count >= connected && count >= 3 {
		return c.BeginVoting(ctx, roundID)
	}
	return nil
}

// BeginVoting does nothing once the game has left card_selection, and
// refuses while the round has fewer than three choices.
func (c *Controller) BeginVoting(ctx context.Context, roundID string) error {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: get round: %w", err)
	}
	game, err := c.store.GetGame(ctx, round.GameID)
	if err != nil {
		return fmt.Errorf("rounds: get game: %w", err)
	}
	if game.Status != domain.GameCardSelection {
		return nil // idempotent guard: already advanced
	}
	count, err := c.store.CountChoices(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: count choices: %w", err)
	}
	if count < 3 {
		return fmt.Errorf("round %s has fewer than 3 choices: %w", roundID, errs.ErrValidationFailed)
	}
	if err := c.store.SetGameStatus(ctx, game.ID, domain.GameVoting); err != nil {
		return fmt.Errorf("rounds: set game voting: %w", err)
	}
	c.publish(ctx, game.RoomID, bus.KindVotingStarted, game.ID, roundID, nil)
	return nil
}

// SubmitVote is accepted only while the game is in voting, before the
// voting deadline, by an active participant who has not yet voted, for a
// choice belonging to a different user.
func (c *Controller) SubmitVote(ctx context.Context, roundID, voterID, choiceID string) error {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: get round: %w", err)
	}
	game, err := c.store.GetGame(ctx, round.GameID)
	if err != nil {
		return fmt.Errorf("rounds: get game: %w", err)
	}
	if game.Status != domain.GameVoting {
		return fmt.Errorf("game %s is not in voting: %w", game.ID, errs.ErrValidationFailed)
	}
	if time.Now().After(round.VotingDeadline) {
		return fmt.Errorf("voting deadline has passed: %w", errs.ErrValidationFailed)
	}
	participant, err := c.store.GetParticipant(ctx, game.RoomID, voterID)
	if err != nil {
		return fmt.Errorf("rounds: get participant: %w", err)
	}
	if participant.Membership != domain.MembershipActive {
		return fmt.Errorf("user %s is not an active participant: %w", voterID, errs.ErrPermissionDenied)
	}
	if already, err := c.store.HasVote(ctx, roundID, voterID); err != nil {
		return fmt.Errorf("rounds: has vote: %w", err)
	} else if already {
		return fmt.Errorf("user %s already voted this round: %w", voterID, errs.ErrValidationFailed)
	}
	choice, err := c.store.GetChoice(ctx, choiceID)
	if err != nil {
		return fmt.Errorf("rounds: get choice: %w", err)
	}
	if choice.UserID == voterID {
		return fmt.Errorf("user %s cannot vote for their own choice: %w", voterID, errs.ErrValidationFailed)
	}

	vote := domain.Vote{
		ID:        uuid.NewString(),
		RoundID:   roundID,
		VoterID:   voterID,
		ChoiceID:  choiceID,
		CreatedAt: time.Now(),
	}
	if err := c.store.InsertVote(ctx, vote); err != nil {
		return fmt.Errorf("rounds: insert vote: %w", err)
	}
	if err := c.presence.Touch(ctx, game.RoomID, voterID); err != nil {
		return fmt.Errorf("rounds: touch presence: %w", err)
	}
	c.publish(ctx, game.RoomID, bus.KindVoteSubmitted, game.ID, roundID, map[string]any{"voter_id": voterID})

	return c.checkVotingCompletion(ctx, game.RoomID, roundID)
}

func (c *Controller) checkVotingCompletion(ctx context.Context, roomID, roundID string) error {
	connected, err := c.connectedActiveCount(ctx, roomID)
	if err != nil {
		return fmt.Errorf("rounds: connected active count: %w", err)
	}
	if connected < 2 {
		return nil
	}
	count, err := c.store.CountVotes(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: count votes: %w", err)
	}
	if count >= connected {
		return c.finaliseRound(ctx, roundID, false)
	}
	return nil
}

// FinaliseRound is the public entry point used by tests; the
// deadline path uses the internal autoAdvanced variant directly.
func (c *Controller) FinaliseRound(ctx context.Context, roundID string) error {
	return c.finaliseRound(ctx, roundID, false)
}

func (c *Controller) finaliseRound(ctx context.Context, roundID string, autoAdvanced bool) error {
	round, err := c.store.GetRound(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: get round: %w", err)
	}
	game, err := c.store.GetGame(ctx, round.GameID)
	if err != nil {
		return fmt.Errorf("rounds: get game: %w", err)
	}
	if game.Status != domain.GameVoting {
		return nil // idempotent guard: already finalised or advanced
	}

	choices, err := c.store.ListChoices(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: list choices: %w", err)
	}
	votes, err := c.store.ListVotes(ctx, roundID)
	if err != nil {
		return fmt.Errorf("rounds: list votes: %w", err)
	}

	winnerChoiceID := winningChoice(choices, votes)

	if winnerChoiceID != "" {
		winningChoice, err := c.store.GetChoice(ctx, winnerChoiceID)
		if err != nil {
			return fmt.Errorf("rounds: get winning choice: %w", err)
		}
		if err := c.store.AddRatingPoints(ctx, winningChoice.UserID, 1); err != nil {
			return fmt.Errorf("rounds: add rating points: %w", err)
		}
		if err := c.store.RecordRoundWinner(ctx, game.ID, store.RoundWinner{
			RoundNumber: round.Number,
			UserID:      winningChoice.UserID,
			SubmittedAt: winningChoice.SubmittedAt,
		}); err != nil {
			return fmt.Errorf("rounds: record round winner: %w", err)
		}
	}

	if err := c.store.SetGameStatus(ctx, game.ID, domain.GameRoundResults); err != nil {
		return fmt.Errorf("rounds: set game round_results: %w", err)
	}
	if err := c.store.SetRoundFinished(ctx, roundID, time.Now(), autoAdvanced); err != nil {
		return fmt.Errorf("rounds: set round finished: %w", err)
	}

	c.publish(ctx, game.RoomID, bus.KindRoundResultsCalculated, game.ID, roundID, map[string]any{
		"round_number":   round.Number,
		"winner_choice":  winnerChoiceID,
		"total_choices":  len(choices),
		"total_votes":    len(votes),
	})

	go func() {
		time.Sleep(c.schedule.ResultsDisplayTime)
		c.roundFinished(context.Background(), game.ID)
	}()

	return nil
}

// winningChoice picks the choice with the most votes, breaking ties by
// earliest submission. Returns "" if there are no votes.
func winningChoice(choices []domain.Choice, votes []domain.Vote) string {
	if len(votes) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, v := range votes {
		counts[v.ChoiceID]++
	}

	ordered := append([]domain.Choice(nil), choices...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt) })

	best := ""
	bestCount := 0
	for _, ch := range ordered {
		n := counts[ch.ID]
		if n > bestCount {
			bestCount = n
			best = ch.ID
		}
	}
	return best
}

// ResumeDeadlines re-derives an outstanding deadline timer for a game
// still in card_selection or voting, from the latest round's persisted
// deadlines. Used at startup (spec §5: deadlines survive process restart
// logically, re-derived from selection_deadline/voting_deadline) — a
// no-op for any other game status.
func (c *Controller) ResumeDeadlines(ctx context.Context, gameID string) error {
	game, err := c.store.GetGame(ctx, gameID)
	if err != nil {
		return fmt.Errorf("rounds: get game: %w", err)
	}
	round, ok, err := c.store.GetLatestRound(ctx, gameID)
	if err != nil {
		return fmt.Errorf("rounds: get latest round: %w", err)
	}
	if !ok {
		return nil
	}

	switch game.Status {
	case domain.GameCardSelection:
		go c.runSelectionTimer(game.RoomID, gameID, round.ID, round.SelectionDeadline)
	case domain.GameVoting:
		go c.runVotingTimer(game.RoomID, gameID, round.ID, round.VotingDeadline)
	}
	return nil
}

func (c *Controller) runSelectionTimer(roomID, gameID, roundID string, deadline time.Time) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	<-ctx.Done()
	if ctx.Err() != context.DeadlineExceeded {
		return
	}
	c.onSelectionDeadline(context.Background(), roomID, gameID, roundID)
}

func (c *Controller) onSelectionDeadline(ctx context.Context, roomID, gameID, roundID string) {
	game, err := c.store.GetGame(ctx, gameID)
	if err != nil || game.Status != domain.GameCardSelection {
		return
	}

	participants, err := c.store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		return
	}
	for _, p := range participants {
		has, err := c.store.HasChoice(ctx, roundID, p.UserID)
		if err != nil || has {
			continue
		}
		_, _ = c.presence.RecordMissed(ctx, roomID, p.UserID, presence.PhaseCardSelection)
	}

	count, err := c.store.CountChoices(ctx, roundID)
	if err != nil {
		return
	}
	if count >= 3 {
		_ = c.BeginVoting(ctx, roundID)
	} else {
		_ = c.endGame(ctx, gameID, "insufficient choices")
	}
}

func (c *Controller) runVotingTimer(roomID, gameID, roundID string, deadline time.Time) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	<-ctx.Done()
	if ctx.Err() != context.DeadlineExceeded {
		return
	}
	c.onVotingDeadline(context.Background(), roomID, gameID, roundID)
}

func (c *Controller) onVotingDeadline(ctx context.Context, roomID, gameID, roundID string) {
	game, err := c.store.GetGame(ctx, gameID)
	if err != nil || game.Status != domain.GameVoting {
		return
	}

	participants, err := c.store.ListActiveParticipants(ctx, roomID)
	if err != nil {
		return
	}
	for _, p := range participants {
		has, err := c.store.HasVote(ctx, roundID, p.UserID)
		if err != nil || has {
			continue
		}
		_, _ = c.presence.RecordMissed(ctx, roomID, p.UserID, presence.PhaseVoting)
	}

	_ = c.finaliseRound(ctx, roundID, true)
}

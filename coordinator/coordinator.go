// Package coordinator implements the Game Coordinator (spec §4.6): starts
// the first round, advances round to round after each round_results display,
// and ends the game once the round limit is reached or too few players
// remain, tallying wins and handing out the game-level reward.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"memecaption/bus"
	"memecaption/catalog"
	"memecaption/domain"
	"memecaption/rounds"
	"memecaption/store"
)

// GameWinnerRatingPoints is the reward for winning a whole game (spec §4.6),
// distinct from the +1 a round winner gets from the round controller.
const GameWinnerRatingPoints = 5

// Coordinator is the C6 component. It owns no state of its own beyond its
// collaborators; every fact it needs comes from the store.
type Coordinator struct {
	store    store.Store
	rounds   *rounds.Controller
	catalog  catalog.Catalogue
	eventBus bus.Bus
}

// New wires a Coordinator to its round controller: the coordinator supplies
// the EndGame and RoundFinished callbacks the controller needs to close the
// loop without an import cycle between the two packages.
func New(s store.Store, roundController *rounds.Controller, cat catalog.Catalogue, eventBus bus.Bus) *Coordinator {
	c := &Coordinator{store: s, rounds: roundController, catalog: cat, eventBus: eventBus}
	roundController.SetCallbacks(c.End, c.advanceAfterResults)
	return c
}

// Begin starts round one of a freshly created game.
func (c *Coordinator) Begin(ctx context.Context, gameID string) error {
	return c.rounds.StartRound(ctx, gameID, "")
}

// advanceAfterResults is invoked by the round controller's results-display
// timer. It starts the next round, or ends the game once the round limit is
// reached.
func (c *Coordinator) advanceAfterResults(ctx context.Context, gameID string) {
	game, err := c.store.GetGame(ctx, gameID)
	if err != nil {
		return
	}
	if game.Status == domain.GameFinished {
		return // idempotent guard: already ended (e.g. by a concurrent End call)
	}
	if game.CurrentRound >= domain.MaxRounds {
		_ = c.End(ctx, gameID, "round limit reached")
		return
	}
	_ = c.rounds.StartRound(ctx, gameID, "")
}

// End finalises a game: tallies round wins, rewards the winner with rating
// points and a random unowned standard card, marks the game finished and the
// room finished, and publishes game_ended.
func (c *Coordinator) End(ctx context.Context, gameID, reason string) error {
	game, err := c.store.GetGame(ctx, gameID)
	if err != nil {
		return fmt.Errorf("coordinator: get game: %w", err)
	}
	if game.Status == domain.GameFinished {
		return nil // idempotent guard
	}

	winners, err := c.store.ListRoundWinners(ctx, gameID)
	if err != nil {
		return fmt.Errorf("coordinator: list round winners: %w", err)
	}

	gameWinnerID := tallyGameWinner(winners)

	if gameWinnerID != "" {
		if err := c.store.AddRatingPoints(ctx, gameWinnerID, GameWinnerRatingPoints); err != nil {
			return fmt.Errorf("coordinator: add rating points: %w", err)
		}
		if err := c.awardRandomCard(ctx, gameWinnerID); err != nil {
			return fmt.Errorf("coordinator: award random card: %w", err)
		}
	}

	now := time.Now()
	if err := c.store.FinishGame(ctx, gameID, gameWinnerID, now); err != nil {
		return fmt.Errorf("coordinator: finish game: %w", err)
	}
	if err := c.store.SetRoomStatus(ctx, game.RoomID, domain.RoomFinished); err != nil {
		return fmt.Errorf("coordinator: set room finished: %w", err)
	}

	_ = c.eventBus.Publish(ctx, bus.Event{
		RoomID:    game.RoomID,
		Kind:      bus.KindGameEnded,
		GameID:    gameID,
		Payload:   map[string]any{"winner_id": gameWinnerID, "reason": reason},
		Timestamp: now,
	})

	return nil
}

// tallyGameWinner picks the participant with the most round wins, breaking
// ties by whose earliest winning round was submitted first.
func tallyGameWinner(winners []store.RoundWinner) string {
	if len(winners) == 0 {
		return ""
	}

	wins := make(map[string]int)
	earliest := make(map[string]time.Time)
	for _, w := range winners {
		wins[w.UserID]++
		if first, ok := earliest[w.UserID]; !ok || w.SubmittedAt.Before(first) {
			earliest[w.UserID] = w.SubmittedAt
		}
	}

	var best string
	for userID, count := range wins {
		if best == "" {
			best = userID
			continue
		}
		switch {
		case count > wins[best]:
			best = userID
		case count == wins[best] && earliest[userID].Before(earliest[best]):
			best = userID
		}
	}
	return best
}

func (c *Coordinator) awardRandomCard(ctx context.Context, userID string) error {
	folder, err := c.catalog.ListFolder(ctx, domain.CardStandard)
	if err != nil {
		return fmt.Errorf("list folder: %w", err)
	}
	owned, err := c.store.ListOwnedCardNumbers(ctx, userID, domain.CardStandard)
	if err != nil {
		return fmt.Errorf("list owned card numbers: %w", err)
	}
	ownedSet := make(map[int]bool, len(owned))
	for _, n := range owned {
		ownedSet[n] = true
	}

	var unowned []int
	for _, n := range folder {
		if !ownedSet[n] {
			unowned = append(unowned, n)
		}
	}
	if len(unowned) == 0 {
		return nil // winner already owns the whole standard set
	}

	chosen := unowned[rand.Intn(len(unowned))]
	if err := c.store.AddUserCard(ctx, userID, domain.CardStandard, chosen); err != nil {
		return fmt.Errorf("add user card: %w", err)
	}
	return nil
}

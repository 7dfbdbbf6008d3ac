// Package store defines the persistence boundary for the room coordinator.
// The database is the source of truth (spec §5): every component reads and
// writes through this interface, never holding authoritative state purely
// in memory. Two implementations exist: store/pg (jackc/pgx/v5 against
// Postgres) for production, and store/mem (map+mutex, grounded on the
// teacher's original in-memory roomService) for tests.
package store

import (
	"context"
	"time"

	"memecaption/domain"
)

// RoundWinner is one round's outcome, used by the coordinator to compute
// the game winner with earliest-submission tie-breaking (spec §4.6).
type RoundWinner struct {
	RoundNumber int
	UserID      string
	SubmittedAt time.Time
}

// Store is the full persistence surface consumed by rooms, rounds,
// coordinator and presence. Every method that mutates more than one row is
// implemented atomically by the underlying store.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, room domain.Room, creator domain.Participant) error
	GetRoom(ctx context.Context, roomID string) (domain.Room, error)
	GetRoomByCode(ctx context.Context, code string) (domain.Room, error)
	SetRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error
	ListPublicWaiting(ctx context.Context, limit int) ([]domain.Room, error)
	GetUserCurrentRoom(ctx context.Context, userID string) (domain.Room, bool, error)

	// Participants
	UpsertActiveParticipant(ctx context.Context, p domain.Participant) error
	GetParticipant(ctx context.Context, roomID, userID string) (domain.Participant, error)
	ListActiveParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
	CountActiveParticipants(ctx context.Context, roomID string) (int, error)
	SetParticipantMembership(ctx context.Context, roomID, userID string, status domain.ParticipantMembershipStatus) error
	TouchParticipant(ctx context.Context, roomID, userID string, now time.Time) error
	IncrementDisconnectCount(ctx context.Context, roomID, userID string) (int, error)
	IncrementMissedActions(ctx context.Context, roomID, userID string) (int, error)
	ListStaleConnected(ctx context.Context, roomID string, cutoff time.Time) ([]domain.Participant, error)
	SetParticipantConnectionTimeout(ctx context.Context, roomID, userID string) error
	ListExclusionCandidates(ctx context.Context, roomID string, maxDisconnects, maxMissed int) ([]string, error)
	MarkParticipantsLeft(ctx context.Context, roomID string, userIDs []string) error

	// Games
	CreateGame(ctx context.Context, game domain.Game) error
	GetGame(ctx context.Context, gameID string) (domain.Game, error)
	GetNonFinishedGameForRoom(ctx context.Context, roomID string) (domain.Game, bool, error)
	ListGamesInStatuses(ctx context.Context, statuses []domain.GameStatus) ([]domain.Game, error)
	AdvanceToCardSelection(ctx context.Context, gameID string) (newRound int, err error)
	SetGameStatus(ctx context.Context, gameID string, status domain.GameStatus) error
	FinishGame(ctx context.Context, gameID, winnerID string, finishedAt time.Time) error

	// Rounds
	CreateRound(ctx context.Context, round domain.Round) error
	GetRound(ctx context.Context, roundID string) (domain.Round, error)
	GetLatestRound(ctx context.Context, gameID string) (domain.Round, bool, error)
	UpdateRoundSituationText(ctx context.Context, roundID, text string) error
	SetRoundFinished(ctx context.Context, roundID string, finishedAt time.Time, autoAdvanced bool) error

	// Choices
	InsertChoice(ctx context.Context, choice domain.Choice) error
	HasChoice(ctx context.Context, roundID, userID string) (bool, error)
	CountChoices(ctx context.Context, roundID string) (int, error)
	ListChoices(ctx context.Context, roundID string) ([]domain.Choice, error)

	// Votes
	InsertVote(ctx context.Context, vote domain.Vote) error
	HasVote(ctx context.Context, roundID, userID string) (bool, error)
	CountVotes(ctx context.Context, roundID string) (int, error)
	ListVotes(ctx context.Context, roundID string) ([]domain.Vote, error)
	GetChoice(ctx context.Context, choiceID string) (domain.Choice, error)

	// Round outcomes, rating and cards
	RecordRoundWinner(ctx context.Context, gameID string, winner RoundWinner) error
	ListRoundWinners(ctx context.Context, gameID string) ([]RoundWinner, error)
	AddRatingPoints(ctx context.Context, userID string, delta int) error
	UserOwnsCard(ctx context.Context, userID string, cardType domain.CardType, number int) (bool, error)
	ListOwnedCardNumbers(ctx context.Context, userID string, cardType domain.CardType) ([]int, error)
	AddUserCard(ctx context.Context, userID string, cardType domain.CardType, number int) error
}

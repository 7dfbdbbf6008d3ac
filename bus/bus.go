// Package bus implements the Event Bus (spec §4.1): best-effort fan-out of
// room-scoped events between server instances. Publish failures are
// non-fatal to the caller: publishers ignore the error and the state change
// they report stands. Clients on this instance receive events only through
// its own bus subscription, so an event whose publish fails reaches no
// client, local or remote.
package bus

import (
	"context"
	"time"
)

// Kind is the closed tagged set of event kinds spec §4.1 names.
type Kind string

const (
	KindSituationGenerating        Kind = "situation_generating"
	KindSituationGenerated         Kind = "situation_generated"
	KindSituationGenerationFailed  Kind = "situation_generation_failed"
	KindRoundStarted               Kind = "round_started"
	KindVotingStarted              Kind = "voting_started"
	KindPlayerChoiceSubmitted      Kind = "player_choice_submitted"
	KindVoteSubmitted              Kind = "vote_submitted"
	KindRoundResultsCalculated     Kind = "round_results_calculated"
	KindGameEnded                  Kind = "game_ended"
	KindPlayerJoined               Kind = "player_joined"
	KindPlayerLeft                 Kind = "player_left"
	KindPlayerDisconnected         Kind = "player_disconnected"
	KindPlayerReconnected          Kind = "player_reconnected"
	KindTimeoutWarning             Kind = "timeout_warning"
)

// Event is one fan-out message scoped to a single room.
type Event struct {
	RoomID    string
	Kind      Kind
	GameID    string // empty when not applicable
	RoundID   string // empty when not applicable
	Payload   map[string]any
	Timestamp time.Time
}

// Handler processes one delivered Event. Handlers must be idempotent:
// delivery is at-least-once, and ordering across different event kinds is
// not guaranteed.
type Handler func(Event)

// Bus is the narrow interface every component depends on. Implementations:
// Redis (cross-instance, production) and Local (single-process, tests).
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, roomID string, handler Handler) error
	Unsubscribe(roomID string) error
}

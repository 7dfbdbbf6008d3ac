// Package presence implements the Player Presence Tracker (spec §4.3): per
// active participant, four counters and two timestamps, against the
// thresholds lifted from the original Python PlayerManager
// (TIMEOUT_SECONDS=30, MAX_DISCONNECT_COUNT=3, MAX_MISSED_ACTIONS=2). The
// tracker reports; it never itself drives a phase transition.
package presence

import (
	"context"
	"fmt"
	"time"

	"memecaption/store"
)

// Phase names a missed action for record_missed.
type Phase string

const (
	PhaseCardSelection Phase = "card_selection"
	PhaseVoting         Phase = "voting"
)

// Thresholds are the presence limits. DefaultThresholds matches spec §4.3.
type Thresholds struct {
	Timeout           time.Duration
	MaxDisconnects    int
	MaxMissedActions int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Timeout:           30 * time.Second,
		MaxDisconnects:    3,
		MaxMissedActions: 2,
	}
}

// Decision reports the outcome of a counter-incrementing operation.
type Decision struct {
	Excluded bool
}

// Tracker is the presence tracker for one process; all state lives in the
// store so any instance can serve any room.
type Tracker struct {
	store      store.Store
	thresholds Thresholds
}

func New(s store.Store, thresholds Thresholds) *Tracker {
	return &Tracker{store: s, thresholds: thresholds}
}

// Touch updates last-activity and last-ping and resets connection status to
// connected.
func (t *Tracker) Touch(ctx context.Context, roomID, userID string) error {
	if err := t.store.TouchParticipant(ctx, roomID, userID, time.Now()); err != nil {
		return fmt.Errorf("presence: touch: %w", err)
	}
	return nil
}

// MarkDisconnected increments the disconnect counter and reports whether
// the participant has now reached MaxDisconnects.
func (t *Tracker) MarkDisconnected(ctx context.Context, roomID, userID string) (Decision, error) {
	n, err := t.store.IncrementDisconnectCount(ctx, roomID, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("presence: mark disconnected: %w", err)
	}
	return Decision{Excluded: n >= t.thresholds.MaxDisconnects}, nil
}

// RecordMissed increments the missed-action counter (shared between the
// two phases) and reports whether the participant has now reached
// MaxMissedActions.
func (t *Tracker) RecordMissed(ctx context.Context, roomID, userID string, phase Phase) (Decision, error) {
	n, err := t.store.IncrementMissedActions(ctx, roomID, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("presence: record missed (%s): %w", phase, err)
	}
	return Decision{Excluded: n >= t.thresholds.MaxMissedActions}, nil
}

// ScanTimeouts promotes stale connected participants to timeout in one
// pass and returns the user IDs changed.
func (t *Tracker) ScanTimeouts(ctx context.Context, roomID string) ([]string, error) {
	cutoff := time.Now().Add(-t.thresholds.Timeout)
	stale, err := t.store.ListStaleConnected(ctx, roomID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("presence: list stale connected: %w", err)
	}

	changed := make([]string, 0, len(stale))
	for _, p := range stale {
		if err := t.store.SetParticipantConnectionTimeout(ctx, roomID, p.UserID); err != nil {
			return changed, fmt.Errorf("presence: set timeout for %s: %w", p.UserID, err)
		}
		changed = append(changed, p.UserID)
	}
	return changed, nil
}

// CleanupExcluded marks as left anyone whose counters have reached the hard
// limits and returns their user identities.
func (t *Tracker) CleanupExcluded(ctx context.Context, roomID string) ([]string, error) {
	candidates, err := t.store.ListExclusionCandidates(ctx, roomID, t.thresholds.MaxDisconnects, t.thresholds.MaxMissedActions)
	if err != nil {
		return nil, fmt.Errorf("presence: list exclusion candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if err := t.store.MarkParticipantsLeft(ctx, roomID, candidates); err != nil {
		return nil, fmt.Errorf("presence: mark participants left: %w", err)
	}
	return candidates, nil
}

// ActiveCount is a small convenience used by the round controller to decide
// whether a room can continue after exclusions.
func (t *Tracker) ActiveCount(ctx context.Context, roomID string) (int, error) {
	n, err := t.store.CountActiveParticipants(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("presence: count active participants: %w", err)
	}
	return n, nil
}

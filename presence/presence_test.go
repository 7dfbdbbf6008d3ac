package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memecaption/domain"
	"memecaption/store/mem"
)

func newRoomWithParticipant(t *testing.T, s *mem.Store, userID string) string {
	t.Helper()
	room := domain.Room{ID: "room-1", CreatorID: userID, Capacity: 4, CreatedAt: time.Now()}
	participant := domain.Participant{RoomID: "room-1", UserID: userID, JoinedAt: time.Now(), LastActivityAt: time.Now()}
	require.NoError(t, s.CreateRoom(context.Background(), room, participant))
	return room.ID
}

func TestTracker_MarkDisconnectedExcludesAfterThreshold(t *testing.T) {
	s := mem.New()
	roomID := newRoomWithParticipant(t, s, "alice")
	tracker := New(s, DefaultThresholds())
	ctx := context.Background()

	var last Decision
	for i := 0; i < 2; i++ {
		d, err := tracker.MarkDisconnected(ctx, roomID, "alice")
		require.NoError(t, err)
		last = d
	}
	assert.False(t, last.Excluded, "two disconnects stay under the limit")

	d, err := tracker.MarkDisconnected(ctx, roomID, "alice")
	require.NoError(t, err)
	assert.True(t, d.Excluded, "third disconnect hits the limit and excludes")
}

func TestTracker_RecordMissedExcludesAfterThreshold(t *testing.T) {
	s := mem.New()
	roomID := newRoomWithParticipant(t, s, "alice")
	tracker := New(s, DefaultThresholds())
	ctx := context.Background()

	d1, err := tracker.RecordMissed(ctx, roomID, "alice", PhaseCardSelection)
	require.NoError(t, err)
	assert.False(t, d1.Excluded, "one missed action stays under the limit")

	d2, err := tracker.RecordMissed(ctx, roomID, "alice", PhaseVoting)
	require.NoError(t, err)
	assert.True(t, d2.Excluded, "second missed action hits the limit and excludes")
}

func TestTracker_ScanTimeoutsPromotesStaleParticipants(t *testing.T) {
	s := mem.New()
	roomID := newRoomWithParticipant(t, s, "alice")
	tracker := New(s, Thresholds{Timeout: time.Millisecond, MaxDisconnects: 3, MaxMissedActions: 2})
	ctx := context.Background()

	require.NoError(t, tracker.Touch(ctx, roomID, "alice"))
	time.Sleep(5 * time.Millisecond)

	changed, err := tracker.ScanTimeouts(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, changed)

	p, err := s.GetParticipant(ctx, roomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnTimeout, p.Connection)
}

func TestTracker_CleanupExcludedMarksLeft(t *testing.T) {
	s := mem.New()
	roomID := newRoomWithParticipant(t, s, "alice")
	tracker := New(s, DefaultThresholds())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tracker.MarkDisconnected(ctx, roomID, "alice")
		require.NoError(t, err)
	}

	excluded, err := tracker.CleanupExcluded(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, excluded)

	p, err := s.GetParticipant(ctx, roomID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.MembershipLeft, p.Membership)
}

func TestTracker_CleanupExcludedNoCandidates(t *testing.T) {
	s := mem.New()
	roomID := newRoomWithParticipant(t, s, "alice")
	tracker := New(s, DefaultThresholds())

	excluded, err := tracker.CleanupExcluded(context.Background(), roomID)
	require.NoError(t, err)
	assert.Empty(t, excluded)
}

// Package mem is an in-memory Store implementation, grounded on the
// teacher's original roomService (map+sync.RWMutex, no external dependency)
// generalized to the full entity set of spec §3. It backs component tests
// and the single-process development mode; store/pg backs production.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"memecaption/domain"
	"memecaption/errs"
	"memecaption/store"
)

type Store struct {
	mu sync.RWMutex

	rooms        map[string]*domain.Room
	roomsByCode  map[string]string // code -> roomID
	participants map[string]map[string]*domain.Participant // roomID -> userID -> participant

	games          map[string]*domain.Game
	gamesByRoom    map[string]string // roomID -> non-finished gameID
	rounds         map[string]*domain.Round
	roundsByGame   map[string][]string // gameID -> ordered roundIDs

	choices map[string][]*domain.Choice // roundID -> choices
	votes   map[string][]*domain.Vote   // roundID -> votes

	roundWinners map[string][]store.RoundWinner // gameID -> winners
	ratings      map[string]int                  // userID -> rating
	userCards    map[string]map[domain.CardType]map[int]bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		rooms:        make(map[string]*domain.Room),
		roomsByCode:  make(map[string]string),
		participants: make(map[string]map[string]*domain.Participant),
		games:        make(map[string]*domain.Game),
		gamesByRoom:  make(map[string]string),
		rounds:       make(map[string]*domain.Round),
		roundsByGame: make(map[string][]string),
		choices:      make(map[string][]*domain.Choice),
		votes:        make(map[string][]*domain.Vote),
		roundWinners: make(map[string][]store.RoundWinner),
		ratings:      make(map[string]int),
		userCards:    make(map[string]map[domain.CardType]map[int]bool),
	}
}

func copyRoom(r *domain.Room) domain.Room { return *r }

func copyParticipant(p *domain.Participant) domain.Participant { return *p }

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, room domain.Room, creator domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.Code != "" {
		if _, exists := s.roomsByCode[room.Code]; exists {
			return fmt.Errorf("join code %s already in use: %w", room.Code, errs.ErrConflict)
		}
	}
	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("room %s already exists: %w", room.ID, errs.ErrConflict)
	}

	cp := room
	s.rooms[room.ID] = &cp
	if room.Code != "" {
		s.roomsByCode[room.Code] = room.ID
	}

	cpP := creator
	s.participants[room.ID] = map[string]*domain.Participant{creator.UserID: &cpP}

	return nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return domain.Room{}, fmt.Errorf("room %s: %w", roomID, errs.ErrNotFound)
	}
	return copyRoom(r), nil
}

func (s *Store) GetRoomByCode(ctx context.Context, code string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roomsByCode[code]
	if !ok {
		return domain.Room{}, fmt.Errorf("room code %s: %w", code, errs.ErrNotFound)
	}
	return copyRoom(s.rooms[id]), nil
}

func (s *Store) SetRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, errs.ErrNotFound)
	}
	r.Status = status
	return nil
}

func (s *Store) ListPublicWaiting(ctx context.Context, limit int) ([]domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Room
	for _, r := range s.rooms {
		if r.Visibility == domain.VisibilityPublic && r.Status == domain.RoomWaiting {
			active, _ := s.countActiveLocked(r.ID)
			if active < r.Capacity {
				out = append(out, copyRoom(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetUserCurrentRoom(ctx context.Context, userID string) (domain.Room, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for roomID, members := range s.participants {
		p, ok := members[userID]
		if !ok || p.Membership != domain.MembershipActive {
			continue
		}
		r := s.rooms[roomID]
		if r.Status == domain.RoomWaiting || r.Status == domain.RoomPlaying {
			return copyRoom(r), true, nil
		}
	}
	return domain.Room{}, false, nil
}

// --- Participants ---

func (s *Store) UpsertActiveParticipant(ctx context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.participants[p.RoomID]
	if !ok {
		members = make(map[string]*domain.Participant)
		s.participants[p.RoomID] = members
	}
	if existing, ok := members[p.UserID]; ok && existing.Membership == domain.MembershipActive {
		return nil
	}
	cp := p
	members[p.UserID] = &cp
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, roomID, userID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.participants[roomID]
	if !ok {
		return domain.Participant{}, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	p, ok := members[userID]
	if !ok {
		return domain.Participant{}, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	return copyParticipant(p), nil
}

func (s *Store) ListActiveParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.participants[roomID] {
		if p.Membership == domain.MembershipActive {
			out = append(out, copyParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) countActiveLocked(roomID string) (int, error) {
	n := 0
	for _, p := range s.participants[roomID] {
		if p.Membership == domain.MembershipActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountActiveParticipants(ctx context.Context, roomID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countActiveLocked(roomID)
}

func (s *Store) SetParticipantMembership(ctx context.Context, roomID, userID string, status domain.ParticipantMembershipStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	if p.Membership == domain.MembershipLeft {
		return nil // terminal; does not revert (spec §3 invariant)
	}
	p.Membership = status
	return nil
}

func (s *Store) TouchParticipant(ctx context.Context, roomID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	p.LastActivityAt = now
	p.LastPingAt = now
	p.Connection = domain.ConnConnected
	return nil
}

func (s *Store) IncrementDisconnectCount(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return 0, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	p.DisconnectCount++
	p.Connection = domain.ConnDisconnected
	p.LastActivityAt = time.Now()
	return p.DisconnectCount, nil
}

func (s *Store) IncrementMissedActions(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return 0, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	p.MissedActions++
	return p.MissedActions, nil
}

func (s *Store) ListStaleConnected(ctx context.Context, roomID string, cutoff time.Time) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.participants[roomID] {
		if p.Membership == domain.MembershipActive && p.Connection == domain.ConnConnected && p.LastActivityAt.Before(cutoff) {
			out = append(out, copyParticipant(p))
		}
	}
	return out, nil
}

func (s *Store) SetParticipantConnectionTimeout(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID][userID]
	if !ok {
		return fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	p.Connection = domain.ConnTimeout
	return nil
}

func (s *Store) ListExclusionCandidates(ctx context.Context, roomID string, maxDisconnects, maxMissed int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.participants[roomID] {
		if p.Membership != domain.MembershipActive {
			continue
		}
		if p.DisconnectCount >= maxDisconnects || p.MissedActions >= maxMissed {
			out = append(out, p.UserID)
		}
	}
	return out, nil
}

func (s *Store) MarkParticipantsLeft(ctx context.Context, roomID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range userIDs {
		if p, ok := s.participants[roomID][uid]; ok {
			p.Membership = domain.MembershipLeft
		}
	}
	return nil
}

// --- Games ---

func (s *Store) CreateGame(ctx context.Context, game domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.gamesByRoom[game.RoomID]; ok {
		if g, ok2 := s.games[existing]; ok2 && g.Status != domain.GameFinished {
			return fmt.Errorf("room %s already has an active game: %w", game.RoomID, errs.ErrConflict)
		}
	}
	cp := game
	s.games[game.ID] = &cp
	s.gamesByRoom[game.RoomID] = game.ID
	return nil
}

func (s *Store) GetGame(ctx context.Context, gameID string) (domain.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[gameID]
	if !ok {
		return domain.Game{}, fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	return *g, nil
}

func (s *Store) GetNonFinishedGameForRoom(ctx context.Context, roomID string) (domain.Game, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.gamesByRoom[roomID]
	if !ok {
		return domain.Game{}, false, nil
	}
	g, ok := s.games[id]
	if !ok || g.Status == domain.GameFinished {
		return domain.Game{}, false, nil
	}
	return *g, true, nil
}

func (s *Store) ListGamesInStatuses(ctx context.Context, statuses []domain.GameStatus) ([]domain.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[domain.GameStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.Game
	for _, g := range s.games {
		if want[g.Status] {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *Store) AdvanceToCardSelection(ctx context.Context, gameID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return 0, fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	g.CurrentRound++
	g.Status = domain.GameCardSelection
	return g.CurrentRound, nil
}

func (s *Store) SetGameStatus(ctx context.Context, gameID string, status domain.GameStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	g.Status = status
	return nil
}

func (s *Store) FinishGame(ctx context.Context, gameID, winnerID string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	g.Status = domain.GameFinished
	g.WinnerID = winnerID
	g.FinishedAt = finishedAt
	return nil
}

// --- Rounds ---

func (s *Store) CreateRound(ctx context.Context, round domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[round.ID]; ok {
		return fmt.Errorf("round %s already exists: %w", round.ID, errs.ErrConflict)
	}
	cp := round
	s.rounds[round.ID] = &cp
	s.roundsByGame[round.GameID] = append(s.roundsByGame[round.GameID], round.ID)
	return nil
}

func (s *Store) GetRound(ctx context.Context, roundID string) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return domain.Round{}, fmt.Errorf("round %s: %w", roundID, errs.ErrNotFound)
	}
	return *r, nil
}

func (s *Store) GetLatestRound(ctx context.Context, gameID string) (domain.Round, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roundsByGame[gameID]
	if len(ids) == 0 {
		return domain.Round{}, false, nil
	}
	return *s.rounds[ids[len(ids)-1]], true, nil
}

func (s *Store) UpdateRoundSituationText(ctx context.Context, roundID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return fmt.Errorf("round %s: %w", roundID, errs.ErrNotFound)
	}
	r.SituationText = text
	return nil
}

func (s *Store) SetRoundFinished(ctx context.Context, roundID string, finishedAt time.Time, autoAdvanced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return fmt.Errorf("round %s: %w", roundID, errs.ErrNotFound)
	}
	r.FinishedAt = finishedAt
	r.AutoAdvanced = autoAdvanced
	return nil
}

// --- Choices ---

func (s *Store) InsertChoice(ctx context.Context, choice domain.Choice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.choices[choice.RoundID] {
		if c.UserID == choice.UserID {
			return fmt.Errorf("user %s already chose in round %s: %w", choice.UserID, choice.RoundID, errs.ErrValidationFailed)
		}
	}
	cp := choice
	s.choices[choice.RoundID] = append(s.choices[choice.RoundID], &cp)
	return nil
}

func (s *Store) HasChoice(ctx context.Context, roundID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.choices[roundID] {
		if c.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CountChoices(ctx context.Context, roundID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.choices[roundID]), nil
}

func (s *Store) ListChoices(ctx context.Context, roundID string) ([]domain.Choice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Choice, 0, len(s.choices[roundID]))
	for _, c := range s.choices[roundID] {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) GetChoice(ctx context.Context, choiceID string) (domain.Choice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.choices {
		for _, c := range list {
			if c.ID == choiceID {
				return *c, nil
			}
		}
	}
	return domain.Choice{}, fmt.Errorf("choice %s: %w", choiceID, errs.ErrNotFound)
}

// --- Votes ---

func (s *Store) InsertVote(ctx context.Context, vote domain.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes[vote.RoundID] {
		if v.VoterID == vote.VoterID {
			return fmt.Errorf("user %s already voted in round %s: %w", vote.VoterID, vote.RoundID, errs.ErrValidationFailed)
		}
	}
	cp := vote
	s.votes[vote.RoundID] = append(s.votes[vote.RoundID], &cp)
	return nil
}

func (s *Store) HasVote(ctx context.Context, roundID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.votes[roundID] {
		if v.VoterID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CountVotes(ctx context.Context, roundID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.votes[roundID]), nil
}

func (s *Store) ListVotes(ctx context.Context, roundID string) ([]domain.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Vote, 0, len(s.votes[roundID]))
	for _, v := range s.votes[roundID] {
		out = append(out, *v)
	}
	return out, nil
}

// --- Round outcomes, rating, cards ---

func (s *Store) RecordRoundWinner(ctx context.Context, gameID string, winner store.RoundWinner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundWinners[gameID] = append(s.roundWinners[gameID], winner)
	return nil
}

func (s *Store) ListRoundWinners(ctx context.Context, gameID string) ([]store.RoundWinner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.RoundWinner, len(s.roundWinners[gameID]))
	copy(out, s.roundWinners[gameID])
	return out, nil
}

func (s *Store) AddRatingPoints(ctx context.Context, userID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[userID] += delta
	return nil
}

func (s *Store) UserOwnsCard(ctx context.Context, userID string, cardType domain.CardType, number int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byType, ok := s.userCards[userID]
	if !ok {
		return false, nil
	}
	return byType[cardType][number], nil
}

func (s *Store) ListOwnedCardNumbers(ctx context.Context, userID string, cardType domain.CardType) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for n, owned := range s.userCards[userID][cardType] {
		if owned {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (s *Store) AddUserCard(ctx context.Context, userID string, cardType domain.CardType, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.userCards[userID]
	if !ok {
		byType = make(map[domain.CardType]map[int]bool)
		s.userCards[userID] = byType
	}
	numbers, ok := byType[cardType]
	if !ok {
		numbers = make(map[int]bool)
		byType[cardType] = numbers
	}
	numbers[number] = true
	return nil
}

var _ store.Store = (*Store)(nil)

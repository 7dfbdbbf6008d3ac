// Package pg is the Postgres-backed store.Store implementation, used in
// production. It talks to the database through a pgxpool.Pool and matches
// the schema in schema.sql.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memecaption/domain"
	"memecaption/errs"
	"memecaption/store"
)

// Store implements store.Store against Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn and returns a ready Store. Callers must
// call Close when done.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	// pgx surfaces Postgres error code 23505 on unique_violation; callers
	// that need finer-grained handling can inspect err directly.
	return err != nil && containsSQLState(err, "23505")
}

func containsSQLState(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == code
	}
	return false
}

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, room domain.Room, creator domain.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg: begin create room: %w", err)
	}
	defer tx.Rollback(ctx)

	var code *string
	if room.Code != "" {
		code = &room.Code
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO rooms (id, creator_id, capacity, visibility, code, demographic, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		room.ID, room.CreatorID, room.Capacity, int(room.Visibility), code, string(room.Demographic), int(room.Status), room.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("join code %s already in use: %w", room.Code, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("pg: insert room: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO room_participants (room_id, user_id, membership, connection, last_activity_at, last_ping_at, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		room.ID, creator.UserID, int(creator.Membership), int(creator.Connection), creator.LastActivityAt, creator.LastPingAt, creator.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("pg: insert creator participant: %w", err)
	}
	return tx.Commit(ctx)
}

func scanRoom(row pgx.Row) (domain.Room, error) {
	var r domain.Room
	var visibility, status int
	var demographic string
	var code *string
	err := row.Scan(&r.ID, &r.CreatorID, &r.Capacity, &visibility, &code, &demographic, &status, &r.CreatedAt)
	if err != nil {
		return domain.Room{}, err
	}
	r.Visibility = domain.Visibility(visibility)
	r.Status = domain.RoomStatus(status)
	r.Demographic = domain.Demographic(demographic)
	if code != nil {
		r.Code = *code
	}
	return r, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, creator_id, capacity, visibility, code, demographic, status, created_at
		FROM rooms WHERE id = $1`, roomID)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, fmt.Errorf("room %s: %w", roomID, errs.ErrNotFound)
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("pg: get room: %w", err)
	}
	return r, nil
}

func (s *Store) GetRoomByCode(ctx context.Context, code string) (domain.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, creator_id, capacity, visibility, code, demographic, status, created_at
		FROM rooms WHERE code = $1`, code)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, fmt.Errorf("room code %s: %w", code, errs.ErrNotFound)
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("pg: get room by code: %w", err)
	}
	return r, nil
}

func (s *Store) SetRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rooms SET status = $1 WHERE id = $2`, int(status), roomID)
	if err != nil {
		return fmt.Errorf("pg: set room status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %s: %w", roomID, errs.ErrNotFound)
	}
	return nil
}

func (s *Store) ListPublicWaiting(ctx context.Context, limit int) ([]domain.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.creator_id, r.capacity, r.visibility, r.code, r.demographic, r.status, r.created_at
		FROM rooms r
		WHERE r.visibility = $1 AND r.status = $2
		  AND (SELECT count(*) FROM room_participants p WHERE p.room_id = r.id AND p.membership = $3) < r.capacity
		ORDER BY r.created_at DESC
		LIMIT $4`,
		int(domain.VisibilityPublic), int(domain.RoomWaiting), int(domain.MembershipActive), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: list public rooms: %w", err)
	}
	defer rows.Close()

	var out []domain.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetUserCurrentRoom(ctx context.Context, userID string) (domain.Room, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.id, r.creator_id, r.capacity, r.visibility, r.code, r.demographic, r.status, r.created_at
		FROM rooms r
		JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = $1 AND p.membership = $2 AND r.status IN ($3, $4)
		ORDER BY r.created_at DESC
		LIMIT 1`,
		userID, int(domain.MembershipActive), int(domain.RoomWaiting), int(domain.RoomPlaying),
	)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, false, nil
	}
	if err != nil {
		return domain.Room{}, false, fmt.Errorf("pg: get user current room: %w", err)
	}
	return r, true, nil
}

// --- Participants ---

func (s *Store) UpsertActiveParticipant(ctx context.Context, p domain.Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_participants (room_id, user_id, membership, connection, last_activity_at, last_ping_at, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			membership = EXCLUDED.membership,
			connection = EXCLUDED.connection,
			last_activity_at = EXCLUDED.last_activity_at
		WHERE room_participants.membership != $3`,
		p.RoomID, p.UserID, int(p.Membership), int(p.Connection), p.LastActivityAt, p.LastPingAt, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("pg: upsert participant: %w", err)
	}
	return nil
}

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var p domain.Participant
	var membership, connection int
	err := row.Scan(&p.RoomID, &p.UserID, &membership, &connection, &p.LastActivityAt, &p.LastPingAt, &p.DisconnectCount, &p.MissedActions, &p.JoinedAt)
	if err != nil {
		return domain.Participant{}, err
	}
	p.Membership = domain.ParticipantMembershipStatus(membership)
	p.Connection = domain.ParticipantConnectionStatus(connection)
	return p, nil
}

func (s *Store) GetParticipant(ctx context.Context, roomID, userID string) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT room_id, user_id, membership, connection, last_activity_at, last_ping_at, disconnect_count, missed_actions, joined_at
		FROM room_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("pg: get participant: %w", err)
	}
	return p, nil
}

func (s *Store) ListActiveParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, user_id, membership, connection, last_activity_at, last_ping_at, disconnect_count, missed_actions, joined_at
		FROM room_participants WHERE room_id = $1 AND membership = $2
		ORDER BY joined_at ASC`, roomID, int(domain.MembershipActive))
	if err != nil {
		return nil, fmt.Errorf("pg: list active participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveParticipants(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM room_participants WHERE room_id = $1 AND membership = $2`,
		roomID, int(domain.MembershipActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pg: count active participants: %w", err)
	}
	return n, nil
}

func (s *Store) SetParticipantMembership(ctx context.Context, roomID, userID string, status domain.ParticipantMembershipStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE room_participants SET membership = $1
		WHERE room_id = $2 AND user_id = $3 AND membership != $4`,
		int(status), roomID, userID, int(domain.MembershipLeft))
	if err != nil {
		return fmt.Errorf("pg: set participant membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		_ = s.pool.QueryRow(ctx, `SELECT true FROM room_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID).Scan(&exists)
		if !exists {
			return fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) TouchParticipant(ctx context.Context, roomID, userID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE room_participants SET last_activity_at = $1, last_ping_at = $1, connection = $2
		WHERE room_id = $3 AND user_id = $4`,
		now, int(domain.ConnConnected), roomID, userID)
	if err != nil {
		return fmt.Errorf("pg: touch participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementDisconnectCount(ctx context.Context, roomID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE room_participants SET disconnect_count = disconnect_count + 1, connection = $1, last_activity_at = now()
		WHERE room_id = $2 AND user_id = $3
		RETURNING disconnect_count`,
		int(domain.ConnDisconnected), roomID, userID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("pg: increment disconnect count: %w", err)
	}
	return n, nil
}

func (s *Store) IncrementMissedActions(ctx context.Context, roomID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE room_participants SET missed_actions = missed_actions + 1
		WHERE room_id = $1 AND user_id = $2
		RETURNING missed_actions`, roomID, userID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("pg: increment missed actions: %w", err)
	}
	return n, nil
}

func (s *Store) ListStaleConnected(ctx context.Context, roomID string, cutoff time.Time) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, user_id, membership, connection, last_activity_at, last_ping_at, disconnect_count, missed_actions, joined_at
		FROM room_participants
		WHERE room_id = $1 AND membership = $2 AND connection = $3 AND last_activity_at < $4`,
		roomID, int(domain.MembershipActive), int(domain.ConnConnected), cutoff)
	if err != nil {
		return nil, fmt.Errorf("pg: list stale connected: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetParticipantConnectionTimeout(ctx context.Context, roomID, userID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE room_participants SET connection = $1 WHERE room_id = $2 AND user_id = $3`,
		int(domain.ConnTimeout), roomID, userID)
	if err != nil {
		return fmt.Errorf("pg: set connection timeout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%s: %w", roomID, userID, errs.ErrNotFound)
	}
	return nil
}

func (s *Store) ListExclusionCandidates(ctx context.Context, roomID string, maxDisconnects, maxMissed int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM room_participants
		WHERE room_id = $1 AND membership = $2 AND (disconnect_count >= $3 OR missed_actions >= $4)`,
		roomID, int(domain.MembershipActive), maxDisconnects, maxMissed)
	if err != nil {
		return nil, fmt.Errorf("pg: list exclusion candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("pg: scan user id: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (s *Store) MarkParticipantsLeft(ctx context.Context, roomID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE room_participants SET membership = $1 WHERE room_id = $2 AND user_id = ANY($3)`,
		int(domain.MembershipLeft), roomID, userIDs)
	if err != nil {
		return fmt.Errorf("pg: mark participants left: %w", err)
	}
	return nil
}

// --- Games ---

func (s *Store) CreateGame(ctx context.Context, game domain.Game) error {
	var winner *string
	if game.WinnerID != "" {
		winner = &game.WinnerID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO games (id, room_id, status, current_round, winner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		game.ID, game.RoomID, int(game.Status), game.CurrentRound, winner, game.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pg: create game: %w", err)
	}
	return nil
}

func scanGame(row pgx.Row) (domain.Game, error) {
	var g domain.Game
	var status int
	var winner *string
	var finishedAt *time.Time
	err := row.Scan(&g.ID, &g.RoomID, &status, &g.CurrentRound, &winner, &g.CreatedAt, &finishedAt)
	if err != nil {
		return domain.Game{}, err
	}
	g.Status = domain.GameStatus(status)
	if winner != nil {
		g.WinnerID = *winner
	}
	if finishedAt != nil {
		g.FinishedAt = *finishedAt
	}
	return g, nil
}

func (s *Store) GetGame(ctx context.Context, gameID string) (domain.Game, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, status, current_round, winner_id, created_at, finished_at
		FROM games WHERE id = $1`, gameID)
	g, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Game{}, fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	if err != nil {
		return domain.Game{}, fmt.Errorf("pg: get game: %w", err)
	}
	return g, nil
}

func (s *Store) GetNonFinishedGameForRoom(ctx context.Context, roomID string) (domain.Game, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, status, current_round, winner_id, created_at, finished_at
		FROM games WHERE room_id = $1 AND status != $2
		ORDER BY created_at DESC LIMIT 1`, roomID, int(domain.GameFinished))
	g, err := scanGame(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Game{}, false, nil
	}
	if err != nil {
		return domain.Game{}, false, fmt.Errorf("pg: get non-finished game: %w", err)
	}
	return g, true, nil
}

func (s *Store) ListGamesInStatuses(ctx context.Context, statuses []domain.GameStatus) ([]domain.Game, error) {
	codes := make([]int, len(statuses))
	for i, st := range statuses {
		codes[i] = int(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, status, current_round, winner_id, created_at, finished_at
		FROM games WHERE status = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("pg: list games in statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan game: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceToCardSelection(ctx context.Context, gameID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE games SET current_round = current_round + 1, status = $1
		WHERE id = $2
		RETURNING current_round`, int(domain.GameCardSelection), gameID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("pg: advance to card selection: %w", err)
	}
	return n, nil
}

func (s *Store) SetGameStatus(ctx context.Context, gameID string, status domain.GameStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE games SET status = $1 WHERE id = $2`, int(status), gameID)
	if err != nil {
		return fmt.Errorf("pg: set game status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	return nil
}

func (s *Store) FinishGame(ctx context.Context, gameID, winnerID string, finishedAt time.Time) error {
	var winner *string
	if winnerID != "" {
		winner = &winnerID
	}
	tag, err := s.pool.Exec(ctx, `UPDATE games SET status = $1, winner_id = $2, finished_at = $3 WHERE id = $4`,
		int(domain.GameFinished), winner, finishedAt, gameID)
	if err != nil {
		return fmt.Errorf("pg: finish game: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", gameID, errs.ErrNotFound)
	}
	return nil
}

// --- Rounds ---

func (s *Store) CreateRound(ctx context.Context, round domain.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_rounds (id, game_id, number, situation_text, duration_seconds, selection_deadline, voting_deadline, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		round.ID, round.GameID, round.Number, round.SituationText, round.DurationSeconds, round.SelectionDeadline, round.VotingDeadline, round.StartedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("round %s already exists: %w", round.ID, errs.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("pg: create round: %w", err)
	}
	return nil
}

func scanRound(row pgx.Row) (domain.Round, error) {
	var r domain.Round
	var finishedAt *time.Time
	err := row.Scan(&r.ID, &r.GameID, &r.Number, &r.SituationText, &r.DurationSeconds, &r.SelectionDeadline, &r.VotingDeadline, &r.StartedAt, &finishedAt, &r.AutoAdvanced)
	if err != nil {
		return domain.Round{}, err
	}
	if finishedAt != nil {
		r.FinishedAt = *finishedAt
	}
	return r, nil
}

func (s *Store) GetRound(ctx context.Context, roundID string) (domain.Round, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, game_id, number, situation_text, duration_seconds, selection_deadline, voting_deadline, started_at, finished_at, auto_advanced
		FROM game_rounds WHERE id = $1`, roundID)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, fmt.Errorf("round %s: %w", roundID, errs.ErrNotFound)
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("pg: get round: %w", err)
	}
	return r, nil
}

func (s *Store) GetLatestRound(ctx context.Context, gameID string) (domain.Round, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, game_id, number, situation_text, duration_seconds, selection_deadline, voting_deadline, started_at, finished_at, auto_advanced
		FROM game_rounds WHERE game_id = $1 ORDER BY number DESC LIMIT 1`, gameID)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, false, nil
	}
	if err != nil {
		return domain.Round{}, false, fmt.Errorf("pg: get latest round: %w", err)
	}
	return r, true, nil
}

func (s *Store) UpdateRoundSituationText(ctx context.Context, roundID, text string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE game_rounds SET situation_text = $1 WHERE id = $2`, text, roundID)
	if err != nil {
		return fmt.Errorf("pg: update round situation text: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s: %w", roundID, errs.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRoundFinished(ctx context.Context, roundID string, finishedAt time.Time, autoAdvanced bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE game_rounds SET finished_at = $1, auto_advanced = $2 WHERE id = $3`,
		finishedAt, autoAdvanced, roundID)
	if err != nil {
		return fmt.Errorf("pg: set round finished: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s: %w", roundID, errs.ErrNotFound)
	}
	return nil
}

// --- Choices ---

func (s *Store) InsertChoice(ctx context.Context, choice domain.Choice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO player_choices (id, round_id, user_id, card_type, card_number, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		choice.ID, choice.RoundID, choice.UserID, int(choice.CardType), choice.CardNumber, choice.SubmittedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already chose in round %s: %w", choice.UserID, choice.RoundID, errs.ErrValidationFailed)
	}
	if err != nil {
		return fmt.Errorf("pg: insert choice: %w", err)
	}
	return nil
}

func (s *Store) HasChoice(ctx context.Context, roundID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT true FROM player_choices WHERE round_id = $1 AND user_id = $2`, roundID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pg: has choice: %w", err)
	}
	return exists, nil
}

func (s *Store) CountChoices(ctx context.Context, roundID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM player_choices WHERE round_id = $1`, roundID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pg: count choices: %w", err)
	}
	return n, nil
}

func scanChoice(row pgx.Row) (domain.Choice, error) {
	var c domain.Choice
	var cardType int
	err := row.Scan(&c.ID, &c.RoundID, &c.UserID, &cardType, &c.CardNumber, &c.SubmittedAt)
	if err != nil {
		return domain.Choice{}, err
	}
	c.CardType = domain.CardType(cardType)
	return c, nil
}

func (s *Store) ListChoices(ctx context.Context, roundID string) ([]domain.Choice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, user_id, card_type, card_number, submitted_at
		FROM player_choices WHERE round_id = $1 ORDER BY submitted_at ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("pg: list choices: %w", err)
	}
	defer rows.Close()

	var out []domain.Choice
	for rows.Next() {
		c, err := scanChoice(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan choice: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChoice(ctx context.Context, choiceID string) (domain.Choice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, round_id, user_id, card_type, card_number, submitted_at
		FROM player_choices WHERE id = $1`, choiceID)
	c, err := scanChoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Choice{}, fmt.Errorf("choice %s: %w", choiceID, errs.ErrNotFound)
	}
	if err != nil {
		return domain.Choice{}, fmt.Errorf("pg: get choice: %w", err)
	}
	return c, nil
}

// --- Votes ---

func (s *Store) InsertVote(ctx context.Context, vote domain.Vote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO votes (id, round_id, voter_id, choice_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		vote.ID, vote.RoundID, vote.VoterID, vote.ChoiceID, vote.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already voted in round %s: %w", vote.VoterID, vote.RoundID, errs.ErrValidationFailed)
	}
	if err != nil {
		return fmt.Errorf("pg: insert vote: %w", err)
	}
	return nil
}

func (s *Store) HasVote(ctx context.Context, roundID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT true FROM votes WHERE round_id = $1 AND voter_id = $2`, roundID, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pg: has vote: %w", err)
	}
	return exists, nil
}

func (s *Store) CountVotes(ctx context.Context, roundID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM votes WHERE round_id = $1`, roundID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pg: count votes: %w", err)
	}
	return n, nil
}

func (s *Store) ListVotes(ctx context.Context, roundID string) ([]domain.Vote, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, round_id, voter_id, choice_id, created_at
		FROM votes WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, fmt.Errorf("pg: list votes: %w", err)
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ID, &v.RoundID, &v.VoterID, &v.ChoiceID, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Round outcomes, rating, cards ---

func (s *Store) RecordRoundWinner(ctx context.Context, gameID string, winner store.RoundWinner) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO round_winners (game_id, round_number, user_id, submitted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (game_id, round_number) DO UPDATE SET user_id = EXCLUDED.user_id, submitted_at = EXCLUDED.submitted_at`,
		gameID, winner.RoundNumber, winner.UserID, winner.SubmittedAt)
	if err != nil {
		return fmt.Errorf("pg: record round winner: %w", err)
	}
	return nil
}

func (s *Store) ListRoundWinners(ctx context.Context, gameID string) ([]store.RoundWinner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_number, user_id, submitted_at FROM round_winners WHERE game_id = $1 ORDER BY round_number ASC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("pg: list round winners: %w", err)
	}
	defer rows.Close()

	var out []store.RoundWinner
	for rows.Next() {
		var w store.RoundWinner
		if err := rows.Scan(&w.RoundNumber, &w.UserID, &w.SubmittedAt); err != nil {
			return nil, fmt.Errorf("pg: scan round winner: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) AddRatingPoints(ctx context.Context, userID string, delta int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_ratings (user_id, points) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET points = user_ratings.points + $2`, userID, delta)
	if err != nil {
		return fmt.Errorf("pg: add rating points: %w", err)
	}
	return nil
}

func (s *Store) UserOwnsCard(ctx context.Context, userID string, cardType domain.CardType, number int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT true FROM user_cards WHERE user_id = $1 AND card_type = $2 AND card_number = $3`,
		userID, int(cardType), number).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pg: user owns card: %w", err)
	}
	return exists, nil
}

func (s *Store) ListOwnedCardNumbers(ctx context.Context, userID string, cardType domain.CardType) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT card_number FROM user_cards WHERE user_id = $1 AND card_type = $2 ORDER BY card_number ASC`,
		userID, int(cardType))
	if err != nil {
		return nil, fmt.Errorf("pg: list owned card numbers: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("pg: scan card number: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) AddUserCard(ctx context.Context, userID string, cardType domain.CardType, number int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_cards (user_id, card_type, card_number) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, card_type, card_number) DO NOTHING`, userID, int(cardType), number)
	if err != nil {
		return fmt.Errorf("pg: add user card: %w", err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)

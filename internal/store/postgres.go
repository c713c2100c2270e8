package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"corkboard/api/internal/activity"
	"corkboard/api/internal/ordering"
	"corkboard/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@corkboard.local'))
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListBoards(ctx context.Context) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at
		FROM boards
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var boards []Board
	for rows.Next() {
		var board Board
		if err := rows.Scan(&board.ID, &board.Title, &board.OwnerID, &board.CreatedAt, &board.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, board)
	}
	return boards, rows.Err()
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at FROM boards WHERE id=$1
	`, boardID).Scan(&board.ID, &board.Title, &board.OwnerID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, title, owner_id) VALUES ($1, $2, $3)
	`, board.ID, board.Title, board.OwnerID)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameBoard(ctx context.Context, boardID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE boards SET title=$2, updated_at=NOW() WHERE id=$1
	`, boardID, title)
	if err != nil {
		return fmt.Errorf("rename board: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// BoardCascadeCounts reports how many columns and cards a board delete would
// take with it. Read before the delete so the audit event can record it.
func (s *PostgresStore) BoardCascadeCounts(ctx context.Context, boardID string) (columns, cards int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM columns WHERE board_id=$1),
			(SELECT COUNT(*) FROM cards WHERE column_id IN (SELECT id FROM columns WHERE board_id=$1))
	`, boardID).Scan(&columns, &cards)
	if err != nil {
		return 0, 0, fmt.Errorf("count board children: %w", err)
	}
	return columns, cards, nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, title, position, created_at, updated_at
		FROM columns
		WHERE board_id=$1
		ORDER BY position
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var column Column
		if err := rows.Scan(&column.ID, &column.BoardID, &column.Title, &column.Position, &column.CreatedAt, &column.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (Column, error) {
	var column Column
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, title, position, created_at, updated_at FROM columns WHERE id=$1
	`, columnID).Scan(&column.ID, &column.BoardID, &column.Title, &column.Position, &column.CreatedAt, &column.UpdatedAt)
	if err != nil {
		return Column{}, err
	}
	return column, nil
}

func (s *PostgresStore) UpdateColumnTitle(ctx context.Context, columnID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE columns SET title=$2, updated_at=NOW() WHERE id=$1
	`, columnID, title)
	if err != nil {
		return fmt.Errorf("update column title: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListCards(ctx context.Context, columnID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, column_id, title, description, priority, assignee_id, due_date, position, created_at, updated_at
		FROM cards
		WHERE column_id=$1
		ORDER BY position
	`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []Card
	for rows.Next() {
		var card Card
		if err := rows.Scan(&card.ID, &card.ColumnID, &card.Title, &card.Description, &card.Priority,
			&card.AssigneeID, &card.DueDate, &card.Position, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	var card Card
	err := s.db.QueryRowContext(ctx, `
		SELECT id, column_id, title, description, priority, assignee_id, due_date, position, created_at, updated_at
		FROM cards WHERE id=$1
	`, cardID).Scan(&card.ID, &card.ColumnID, &card.Title, &card.Description, &card.Priority,
		&card.AssigneeID, &card.DueDate, &card.Position, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return Card{}, err
	}
	return card, nil
}

// UpdateCardFields rewrites a card's editable fields. Position and column are
// owned by the ordering engine and never touched here.
func (s *PostgresStore) UpdateCardFields(ctx context.Context, card Card) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cards
		SET title=$2, description=$3, priority=$4, assignee_id=$5, due_date=$6, updated_at=NOW()
		WHERE id=$1
	`, card.ID, card.Title, card.Description, card.Priority, card.AssigneeID, card.DueDate)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateCardAssignee(ctx context.Context, cardID string, assigneeID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cards SET assignee_id=$2, updated_at=NOW() WHERE id=$1
	`, cardID, assigneeID)
	if err != nil {
		return fmt.Errorf("update card assignee: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertActivity persists one audit event and returns the stored record with
// the acting user's display name resolved.
func (s *PostgresStore) InsertActivity(ctx context.Context, event activity.Event) (activity.Record, error) {
	meta, err := json.Marshal(event.Meta)
	if err != nil {
		return activity.Record{}, fmt.Errorf("marshal activity meta: %w", err)
	}

	record := activity.Record{
		ID:         util.NewID("act"),
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Action:     event.Action,
		BoardID:    event.BoardID,
		ColumnID:   event.ColumnID,
		UserID:     event.UserID,
		Meta:       event.Meta,
	}
	const insertActivity = `
		INSERT INTO activities (id, entity_type, entity_id, action, board_id, column_id, user_id, meta)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		RETURNING created_at, COALESCE((SELECT display_name FROM users WHERE id=NULLIF($7, '')), '')
	`
	err = s.db.QueryRowContext(ctx, insertActivity,
		record.ID, record.EntityType, record.EntityID, record.Action,
		record.BoardID, record.ColumnID, record.UserID, meta,
	).Scan(&record.CreatedAt, &record.UserName)
	if err != nil {
		return activity.Record{}, fmt.Errorf("insert activity: %w", err)
	}
	return record, nil
}

// ListBoardActivities returns a board's audit trail, newest first.
func (s *PostgresStore) ListBoardActivities(ctx context.Context, boardID string, limit int) ([]activity.Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.entity_type, a.entity_id, a.action, a.board_id,
			COALESCE(a.column_id, ''), COALESCE(a.user_id, ''), COALESCE(u.display_name, ''),
			a.meta, a.created_at
		FROM activities a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.board_id=$1
		ORDER BY a.created_at DESC, a.id DESC
		LIMIT $2
	`, boardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var records []activity.Record
	for rows.Next() {
		var record activity.Record
		var meta []byte
		if err := rows.Scan(&record.ID, &record.EntityType, &record.EntityID, &record.Action,
			&record.BoardID, &record.ColumnID, &record.UserID, &record.UserName, &meta, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &record.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal activity meta: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RunInTransaction runs fn inside one database transaction and exposes it as
// an ordering.Tx. The concrete value is a *PgTx, which also carries the row
// mutations the ordering engine's callbacks need.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx ordering.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PgTx implements ordering.Tx over a live transaction. Positions live in the
// columns and cards tables; the parent tables double as scope locks.
type PgTx struct {
	tx *sql.Tx
}

// LockScope takes a row lock on the scope's parent. Locking the parent
// serializes every position shift in the scope, and a missing parent row is
// how an unknown board or column surfaces.
func (t *PgTx) LockScope(ctx context.Context, scope ordering.Scope) error {
	query := `SELECT id FROM boards WHERE id=$1 FOR UPDATE`
	if scope.Kind == ordering.KindCard {
		query = `SELECT id FROM columns WHERE id=$1 FOR UPDATE`
	}
	var id string
	err := t.tx.QueryRowContext(ctx, query, scope.ParentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scope parent %s: %w", scope.ParentID, ordering.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock scope: %w", err)
	}
	return nil
}

func (t *PgTx) SiblingCount(ctx context.Context, scope ordering.Scope) (int, error) {
	query := `SELECT COUNT(*) FROM columns WHERE board_id=$1`
	if scope.Kind == ordering.KindCard {
		query = `SELECT COUNT(*) FROM cards WHERE column_id=$1`
	}
	var count int
	if err := t.tx.QueryRowContext(ctx, query, scope.ParentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count siblings: %w", err)
	}
	return count, nil
}

func (t *PgTx) PositionOf(ctx context.Context, scope ordering.Scope, id string) (int, error) {
	query := `SELECT position FROM columns WHERE id=$2 AND board_id=$1`
	if scope.Kind == ordering.KindCard {
		query = `SELECT position FROM cards WHERE id=$2 AND column_id=$1`
	}
	var position int
	err := t.tx.QueryRowContext(ctx, query, scope.ParentID, id).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("member %s: %w", id, ordering.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read position: %w", err)
	}
	return position, nil
}

func (t *PgTx) ShiftRange(ctx context.Context, scope ordering.Scope, lo, hi, delta int) error {
	table, parent := "columns", "board_id"
	if scope.Kind == ordering.KindCard {
		table, parent = "cards", "column_id"
	}
	query := fmt.Sprintf(`UPDATE %s SET position = position + $2 WHERE %s=$1 AND position >= $3`, table, parent)
	args := []any{scope.ParentID, delta, lo}
	if hi >= 0 {
		query += ` AND position <= $4`
		args = append(args, hi)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("shift positions: %w", err)
	}
	return nil
}

func (t *PgTx) PlaceMember(ctx context.Context, scope ordering.Scope, id string, position int) error {
	query := `UPDATE columns SET board_id=$1, position=$3, updated_at=NOW() WHERE id=$2`
	if scope.Kind == ordering.KindCard {
		query = `UPDATE cards SET column_id=$1, position=$3, updated_at=NOW() WHERE id=$2`
	}
	result, err := t.tx.ExecContext(ctx, query, scope.ParentID, id, position)
	if err != nil {
		return fmt.Errorf("place member: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("member %s: %w", id, ordering.ErrNotFound)
	}
	return nil
}

// InsertColumn writes a new column row at the position the ordering engine
// resolved.
func (t *PgTx) InsertColumn(ctx context.Context, column Column, position int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO columns (id, board_id, title, position) VALUES ($1, $2, $3, $4)
	`, column.ID, column.BoardID, column.Title, position)
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

// DeleteColumn removes a column and its cards, reporting how many cards went
// with it.
func (t *PgTx) DeleteColumn(ctx context.Context, columnID string) (int, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM cards WHERE column_id=$1`, columnID)
	if err != nil {
		return 0, fmt.Errorf("delete column cards: %w", err)
	}
	cards, _ := result.RowsAffected()
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM columns WHERE id=$1`, columnID); err != nil {
		return 0, fmt.Errorf("delete column: %w", err)
	}
	return int(cards), nil
}

func (t *PgTx) InsertCard(ctx context.Context, card Card, position int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cards (id, column_id, title, description, priority, assignee_id, due_date, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, card.ID, card.ColumnID, card.Title, card.Description, card.Priority, card.AssigneeID, card.DueDate, position)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (t *PgTx) DeleteCard(ctx context.Context, cardID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID); err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return nil
}

// Package app wires the HTTP API to the ordering engine, the activity
// pipeline and the store. Every board mutation runs its position bookkeeping
// in one transaction, then hands before/after snapshots to the classifier;
// audit failures never fail the mutation that produced them.
package app

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/activity"
	"corkboard/api/internal/auth"
	"corkboard/api/internal/config"
	"corkboard/api/internal/ordering"
	"corkboard/api/internal/store"
	"corkboard/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)

	ListBoards(ctx context.Context) ([]store.Board, error)
	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	InsertBoard(ctx context.Context, board store.Board) error
	RenameBoard(ctx context.Context, boardID, title string) error
	BoardCascadeCounts(ctx context.Context, boardID string) (columns, cards int, err error)
	DeleteBoard(ctx context.Context, boardID string) error

	ListColumns(ctx context.Context, boardID string) ([]store.Column, error)
	GetColumn(ctx context.Context, columnID string) (store.Column, error)
	UpdateColumnTitle(ctx context.Context, columnID, title string) error

	ListCards(ctx context.Context, columnID string) ([]store.Card, error)
	GetCard(ctx context.Context, cardID string) (store.Card, error)
	UpdateCardFields(ctx context.Context, card store.Card) error
	UpdateCardAssignee(ctx context.Context, cardID string, assigneeID *string) error

	ListBoardActivities(ctx context.Context, boardID string, limit int) ([]activity.Record, error)
	Ping(ctx context.Context) error

	RunInTransaction(ctx context.Context, fn func(tx ordering.Tx) error) error
}

// rowWriter is the mutation surface an ordering.Tx must expose so the engine
// callbacks can write the member row inside the same transaction.
type rowWriter interface {
	InsertColumn(ctx context.Context, column store.Column, position int) error
	DeleteColumn(ctx context.Context, columnID string) (cards int, err error)
	InsertCard(ctx context.Context, card store.Card, position int) error
	DeleteCard(ctx context.Context, cardID string) error
}

// auditor is the scheduler surface the service needs.
type auditor interface {
	Submit(ctx context.Context, event activity.Event)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	engine     *ordering.Engine
	activities auditor
	logger     *log.Logger
}

func New(cfg config.Config, dataStore dataStore, activities auditor, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		engine:     ordering.NewEngine(dataStore),
		activities: activities,
		logger:     logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(400, "INVALID_NAME", "Name is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, err
	}
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: user.ID, UserName: user.DisplayName, ExpiresAt: expiresAt}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

type ColumnView struct {
	store.Column
	Cards []store.Card
}

type BoardView struct {
	store.Board
	Columns []ColumnView
}

func (s *Service) ListBoards(ctx context.Context) ([]store.Board, error) {
	return s.store.ListBoards(ctx)
}

func (s *Service) GetBoardView(ctx context.Context, boardID string) (BoardView, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return BoardView{}, err
	}
	columns, err := s.store.ListColumns(ctx, boardID)
	if err != nil {
		return BoardView{}, err
	}
	view := BoardView{Board: board, Columns: make([]ColumnView, 0, len(columns))}
	for _, column := range columns {
		cards, err := s.store.ListCards(ctx, column.ID)
		if err != nil {
			return BoardView{}, err
		}
		view.Columns = append(view.Columns, ColumnView{Column: column, Cards: cards})
	}
	return view, nil
}

func (s *Service) CreateBoard(ctx context.Context, session Session, title string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, domainError(400, "INVALID_TITLE", "Title is required", nil)
	}
	board := store.Board{ID: util.NewID("brd"), Title: title, OwnerID: session.UserID}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return store.Board{}, err
	}
	s.activities.Submit(ctx, activity.BoardCreated(session.UserID, board.ID, board.Title))
	return s.store.GetBoard(ctx, board.ID)
}

func (s *Service) RenameBoard(ctx context.Context, session Session, boardID, title string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, domainError(400, "INVALID_TITLE", "Title is required", nil)
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, err
	}
	if err := s.store.RenameBoard(ctx, boardID, title); err != nil {
		return store.Board{}, err
	}
	for _, event := range activity.BoardRenamed(session.UserID, boardID, board.Title, title) {
		s.activities.Submit(ctx, event)
	}
	return s.store.GetBoard(ctx, boardID)
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	columns, cards, err := s.store.BoardCascadeCounts(ctx, boardID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	s.logger.WithFields(log.Fields{
		"boardId": boardID,
		"columns": columns,
		"cards":   cards,
	}).Info("board deleted")
	s.activities.Submit(ctx, activity.BoardDeleted(session.UserID, boardID, board.Title, columns, cards))
	return nil
}

func (s *Service) ListBoardActivities(ctx context.Context, boardID string, limit int) ([]activity.Record, error) {
	if _, err := s.store.GetBoard(ctx, boardID); err != nil {
		return nil, err
	}
	return s.store.ListBoardActivities(ctx, boardID, limit)
}

func (s *Service) CreateColumn(ctx context.Context, session Session, boardID, title string, position *int) (store.Column, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Column{}, domainError(400, "INVALID_TITLE", "Title is required", nil)
	}
	column := store.Column{ID: util.NewID("col"), BoardID: boardID, Title: title}
	resolved, err := s.engine.Insert(ctx, ordering.ColumnsOf(boardID), position, func(tx ordering.Tx, pos int) error {
		return tx.(rowWriter).InsertColumn(ctx, column, pos)
	})
	if err != nil {
		return store.Column{}, err
	}
	column.Position = resolved
	s.activities.Submit(ctx, activity.ColumnCreated(session.UserID, columnSnapshot(column)))
	return s.store.GetColumn(ctx, column.ID)
}

type UpdateColumnInput struct {
	Title    *string `json:"title"`
	Position *int    `json:"position"`
}

func (s *Service) UpdateColumn(ctx context.Context, session Session, columnID string, input UpdateColumnInput) (store.Column, error) {
	before, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return store.Column{}, err
	}
	after := before

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Column{}, domainError(400, "INVALID_TITLE", "Title is required", nil)
		}
		if err := s.store.UpdateColumnTitle(ctx, columnID, title); err != nil {
			return store.Column{}, err
		}
		after.Title = title
	}

	if input.Position != nil {
		placement, err := s.engine.Reorder(ctx, ordering.ColumnsOf(before.BoardID), columnID, *input.Position)
		if err != nil {
			return store.Column{}, err
		}
		if placement.Moved {
			after.Position = placement.NewPosition
		}
	}

	for _, event := range activity.ColumnChanges(session.UserID, columnSnapshot(before), columnSnapshot(after)) {
		s.activities.Submit(ctx, event)
	}
	return s.store.GetColumn(ctx, columnID)
}

func (s *Service) DeleteColumn(ctx context.Context, session Session, columnID string) error {
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return err
	}
	cardCount := 0
	_, err = s.engine.Remove(ctx, ordering.ColumnsOf(column.BoardID), columnID, func(tx ordering.Tx) error {
		cards, err := tx.(rowWriter).DeleteColumn(ctx, columnID)
		cardCount = cards
		return err
	})
	if err != nil {
		return err
	}
	s.activities.Submit(ctx, activity.ColumnDeleted(session.UserID, columnSnapshot(column), cardCount))
	return nil
}

type CreateCardInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
	Position    *int       `json:"position"`
}

func (s *Service) CreateCard(ctx context.Context, session Session, columnID string, input CreateCardInput) (store.Card, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return store.Card{}, domainError(400, "INVALID_TITLE", "Title is required", nil)
	}
	if input.Priority == "" {
		input.Priority = "medium"
	}
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return store.Card{}, err
	}
	assigneeName, err := s.resolveAssigneeName(ctx, input.AssigneeID)
	if err != nil {
		return store.Card{}, err
	}

	card := store.Card{
		ID:          util.NewID("crd"),
		ColumnID:    columnID,
		Title:       input.Title,
		Description: input.Description,
		Priority:    input.Priority,
		AssigneeID:  input.AssigneeID,
		DueDate:     input.DueDate,
	}
	resolved, err := s.engine.Insert(ctx, ordering.CardsOf(columnID), input.Position, func(tx ordering.Tx, pos int) error {
		return tx.(rowWriter).InsertCard(ctx, card, pos)
	})
	if err != nil {
		return store.Card{}, err
	}
	card.Position = resolved
	s.activities.Submit(ctx, activity.CardCreated(column.BoardID, session.UserID, cardSnapshot(card, column.Title, assigneeName)))
	return s.store.GetCard(ctx, card.ID)
}

type UpdateCardInput struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
	ClearDue    bool       `json:"clearDueDate"`
	ColumnID    *string    `json:"columnId"`
	Position    *int       `json:"position"`
}

// UpdateCard applies field edits and, when columnId or position is present,
// routes the structural part through the ordering engine. One request can
// yield two activity events: UPDATE for the fields and MOVE or REORDER for
// the placement.
func (s *Service) UpdateCard(ctx context.Context, session Session, cardID string, input UpdateCardInput) (store.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, err
	}
	fromColumn, err := s.store.GetColumn(ctx, card.ColumnID)
	if err != nil {
		return store.Card{}, err
	}
	beforeName, err := s.resolveAssigneeName(ctx, card.AssigneeID)
	if err != nil {
		return store.Card{}, err
	}
	before := cardSnapshot(card, fromColumn.Title, beforeName)

	updated := card
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Card{}, domainError(400, "INVALID_TITLE", "Title is required", nil)
		}
		updated.Title = title
	}
	if input.Description != nil {
		updated.Description = *input.Description
	}
	if input.Priority != nil {
		updated.Priority = *input.Priority
	}
	if input.DueDate != nil {
		updated.DueDate = input.DueDate
	}
	if input.ClearDue {
		updated.DueDate = nil
	}
	afterName := beforeName
	if input.AssigneeID != nil {
		// Changing the assignee through a general update is an UPDATE,
		// not an ASSIGN; the dedicated endpoint handles those.
		if *input.AssigneeID == "" {
			updated.AssigneeID = nil
			afterName = ""
		} else {
			updated.AssigneeID = input.AssigneeID
			if afterName, err = s.resolveAssigneeName(ctx, input.AssigneeID); err != nil {
				return store.Card{}, err
			}
		}
	}
	if updated != card {
		if err := s.store.UpdateCardFields(ctx, updated); err != nil {
			return store.Card{}, err
		}
	}

	toColumn := fromColumn
	if input.ColumnID != nil && *input.ColumnID != card.ColumnID {
		toColumn, err = s.store.GetColumn(ctx, *input.ColumnID)
		if err != nil {
			return store.Card{}, err
		}
		if toColumn.BoardID != fromColumn.BoardID {
			return store.Card{}, domainError(400, "CROSS_BOARD_FORBIDDEN", "Cards cannot move between boards", nil)
		}
		target := 0
		if input.Position != nil {
			target = *input.Position
		}
		placement, err := s.engine.Move(ctx, ordering.CardsOf(card.ColumnID), ordering.CardsOf(toColumn.ID), cardID, target)
		if err != nil {
			return store.Card{}, err
		}
		updated.ColumnID = toColumn.ID
		updated.Position = placement.NewPosition
	} else if input.Position != nil {
		placement, err := s.engine.Reorder(ctx, ordering.CardsOf(card.ColumnID), cardID, *input.Position)
		if err != nil {
			return store.Card{}, err
		}
		if placement.Moved {
			updated.Position = placement.NewPosition
		}
	}

	after := cardSnapshot(updated, toColumn.Title, afterName)
	for _, event := range activity.CardChanges(fromColumn.BoardID, session.UserID, before, after) {
		s.activities.Submit(ctx, event)
	}
	return s.store.GetCard(ctx, cardID)
}

// AssignCard is the dedicated assignee operation: unlike a general update it
// emits ASSIGN or UNASSIGN instead of UPDATE.
func (s *Service) AssignCard(ctx context.Context, session Session, cardID string, assigneeID *string) (store.Card, error) {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, err
	}
	column, err := s.store.GetColumn(ctx, card.ColumnID)
	if err != nil {
		return store.Card{}, err
	}
	beforeName, err := s.resolveAssigneeName(ctx, card.AssigneeID)
	if err != nil {
		return store.Card{}, err
	}
	afterName, err := s.resolveAssigneeName(ctx, assigneeID)
	if err != nil {
		return store.Card{}, err
	}

	if err := s.store.UpdateCardAssignee(ctx, cardID, assigneeID); err != nil {
		return store.Card{}, err
	}

	updated := card
	updated.AssigneeID = assigneeID
	before := cardSnapshot(card, column.Title, beforeName)
	after := cardSnapshot(updated, column.Title, afterName)
	for _, event := range activity.CardAssignment(column.BoardID, session.UserID, before, after) {
		s.activities.Submit(ctx, event)
	}
	return s.store.GetCard(ctx, cardID)
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) error {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	column, err := s.store.GetColumn(ctx, card.ColumnID)
	if err != nil {
		return err
	}
	assigneeName, err := s.resolveAssigneeName(ctx, card.AssigneeID)
	if err != nil {
		return err
	}
	if _, err := s.engine.Remove(ctx, ordering.CardsOf(card.ColumnID), cardID, func(tx ordering.Tx) error {
		return tx.(rowWriter).DeleteCard(ctx, cardID)
	}); err != nil {
		return err
	}
	s.activities.Submit(ctx, activity.CardDeleted(column.BoardID, session.UserID, cardSnapshot(card, column.Title, assigneeName)))
	return nil
}

func (s *Service) resolveAssigneeName(ctx context.Context, assigneeID *string) (string, error) {
	if assigneeID == nil || *assigneeID == "" {
		return "", nil
	}
	user, err := s.store.GetUserByID(ctx, *assigneeID)
	if err != nil {
		return "", domainError(400, "UNKNOWN_ASSIGNEE", "Assignee does not exist", nil)
	}
	return user.DisplayName, nil
}

func columnSnapshot(column store.Column) activity.ColumnSnapshot {
	return activity.ColumnSnapshot{
		ID:       column.ID,
		BoardID:  column.BoardID,
		Title:    column.Title,
		Position: column.Position,
	}
}

func cardSnapshot(card store.Card, columnTitle, assigneeName string) activity.CardSnapshot {
	snapshot := activity.CardSnapshot{
		ID:          card.ID,
		ColumnID:    card.ColumnID,
		ColumnTitle: columnTitle,
		Title:       card.Title,
		Description: card.Description,
		Priority:    card.Priority,
		DueDate:     card.DueDate,
		Position:    card.Position,
	}
	if card.AssigneeID != nil {
		snapshot.AssigneeID = *card.AssigneeID
		snapshot.AssigneeName = assigneeName
	}
	return snapshot
}

package app

import (
	"time"

	"corkboard/api/internal/store"
)

type boardJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type columnJSON struct {
	ID       string     `json:"id"`
	BoardID  string     `json:"boardId"`
	Title    string     `json:"title"`
	Position int        `json:"position"`
	Cards    []cardJSON `json:"cards,omitempty"`
}

type cardJSON struct {
	ID          string     `json:"id"`
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
	Position    int        `json:"position"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func boardPayload(board store.Board) boardJSON {
	return boardJSON{
		ID:        board.ID,
		Title:     board.Title,
		OwnerID:   board.OwnerID,
		CreatedAt: board.CreatedAt,
		UpdatedAt: board.UpdatedAt,
	}
}

func boardPayloads(boards []store.Board) []boardJSON {
	payloads := make([]boardJSON, 0, len(boards))
	for _, board := range boards {
		payloads = append(payloads, boardPayload(board))
	}
	return payloads
}

func columnPayload(column store.Column) columnJSON {
	return columnJSON{
		ID:       column.ID,
		BoardID:  column.BoardID,
		Title:    column.Title,
		Position: column.Position,
	}
}

func cardPayload(card store.Card) cardJSON {
	return cardJSON{
		ID:          card.ID,
		ColumnID:    card.ColumnID,
		Title:       card.Title,
		Description: card.Description,
		Priority:    card.Priority,
		AssigneeID:  card.AssigneeID,
		DueDate:     card.DueDate,
		Position:    card.Position,
		CreatedAt:   card.CreatedAt,
		UpdatedAt:   card.UpdatedAt,
	}
}

func boardViewPayload(view BoardView) map[string]any {
	columns := make([]columnJSON, 0, len(view.Columns))
	for _, column := range view.Columns {
		payload := columnPayload(column.Column)
		payload.Cards = make([]cardJSON, 0, len(column.Cards))
		for _, card := range column.Cards {
			payload.Cards = append(payload.Cards, cardPayload(card))
		}
		columns = append(columns, payload)
	}
	return map[string]any{
		"board":   boardPayload(view.Board),
		"columns": columns,
	}
}

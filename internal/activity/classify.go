package activity

import "time"

// CardSnapshot captures a card's visible fields at a point in time. The
// classifier only trusts snapshot diffs, never the caller's intent: a request
// that changes nothing yields no events.
type CardSnapshot struct {
	ID           string
	ColumnID     string
	ColumnTitle  string
	Title        string
	Description  string
	Priority     string
	AssigneeID   string
	AssigneeName string
	DueDate      *time.Time
	Position     int
}

type ColumnSnapshot struct {
	ID       string
	BoardID  string
	Title    string
	Position int
}

func snapshotMeta(card CardSnapshot) map[string]any {
	meta := map[string]any{
		"title":       card.Title,
		"description": card.Description,
		"priority":    card.Priority,
		"position":    card.Position,
		"columnTitle": card.ColumnTitle,
	}
	if card.AssigneeID != "" {
		meta["assigneeId"] = card.AssigneeID
		meta["assigneeName"] = card.AssigneeName
	}
	if card.DueDate != nil {
		meta["dueDate"] = card.DueDate.UTC().Format(time.RFC3339)
	}
	return meta
}

// CardCreated classifies a card creation: one HIGH event carrying a snapshot
// of the card's visible fields.
func CardCreated(boardID, userID string, card CardSnapshot) Event {
	return Event{
		EntityType: EntityCard,
		EntityID:   card.ID,
		Action:     ActionCreate,
		BoardID:    boardID,
		ColumnID:   card.ColumnID,
		UserID:     userID,
		Meta:       snapshotMeta(card),
		Priority:   PriorityHigh,
	}
}

// CardDeleted classifies a card deletion with the pre-delete snapshot.
func CardDeleted(boardID, userID string, card CardSnapshot) Event {
	return Event{
		EntityType: EntityCard,
		EntityID:   card.ID,
		Action:     ActionDelete,
		BoardID:    boardID,
		ColumnID:   card.ColumnID,
		UserID:     userID,
		Meta:       snapshotMeta(card),
		Priority:   PriorityHigh,
	}
}

func dueDateEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func dueDateValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// CardChanges diffs two card snapshots from the same request and emits zero,
// one, or two events: an UPDATE (HIGH) for field changes and a REORDER or
// MOVE (LOW) for a position change, independently of each other.
func CardChanges(boardID, userID string, before, after CardSnapshot) []Event {
	events := make([]Event, 0, 2)

	changes := make([]string, 0, 5)
	oldValues := make(map[string]any)
	newValues := make(map[string]any)
	record := func(field string, oldValue, newValue any) {
		changes = append(changes, field)
		oldValues[field] = oldValue
		newValues[field] = newValue
	}
	if before.Title != after.Title {
		record("title", before.Title, after.Title)
	}
	if before.Description != after.Description {
		record("description", before.Description, after.Description)
	}
	if before.Priority != after.Priority {
		record("priority", before.Priority, after.Priority)
	}
	if before.AssigneeID != after.AssigneeID {
		record("assigneeId", before.AssigneeID, after.AssigneeID)
	}
	if !dueDateEqual(before.DueDate, after.DueDate) {
		record("dueDate", dueDateValue(before.DueDate), dueDateValue(after.DueDate))
	}

	if len(changes) > 0 {
		meta := map[string]any{
			"changes":   changes,
			"oldValues": oldValues,
			"newValues": newValues,
		}
		if _, changed := newValues["assigneeId"]; changed && after.AssigneeID != "" {
			meta["assigneeName"] = after.AssigneeName
		}
		events = append(events, Event{
			EntityType: EntityCard,
			EntityID:   after.ID,
			Action:     ActionUpdate,
			BoardID:    boardID,
			ColumnID:   after.ColumnID,
			UserID:     userID,
			Meta:       meta,
			Priority:   PriorityHigh,
		})
	}

	switch {
	case before.ColumnID != after.ColumnID:
		events = append(events, Event{
			EntityType: EntityCard,
			EntityID:   after.ID,
			Action:     ActionMove,
			BoardID:    boardID,
			ColumnID:   after.ColumnID,
			UserID:     userID,
			Meta: map[string]any{
				"oldPosition":     before.Position,
				"newPosition":     after.Position,
				"fromColumnId":    before.ColumnID,
				"fromColumnTitle": before.ColumnTitle,
				"toColumnId":      after.ColumnID,
				"toColumnTitle":   after.ColumnTitle,
			},
			Priority: PriorityLow,
		})
	case before.Position != after.Position:
		events = append(events, Event{
			EntityType: EntityCard,
			EntityID:   after.ID,
			Action:     ActionReorder,
			BoardID:    boardID,
			ColumnID:   after.ColumnID,
			UserID:     userID,
			Meta: map[string]any{
				"oldPosition": before.Position,
				"newPosition": after.Position,
				"columnTitle": after.ColumnTitle,
			},
			Priority: PriorityLow,
		})
	}

	return events
}

// CardAssignment classifies the dedicated assignee operation. Unlike a
// general update, it emits ASSIGN or UNASSIGN; identical assignee means no
// event.
func CardAssignment(boardID, userID string, before, after CardSnapshot) []Event {
	if before.AssigneeID == after.AssigneeID {
		return nil
	}
	action := ActionAssign
	meta := map[string]any{
		"assigneeId":   after.AssigneeID,
		"assigneeName": after.AssigneeName,
	}
	if after.AssigneeID == "" {
		action = ActionUnassign
		meta = map[string]any{
			"previousAssigneeId":   before.AssigneeID,
			"previousAssigneeName": before.AssigneeName,
		}
	}
	return []Event{{
		EntityType: EntityCard,
		EntityID:   after.ID,
		Action:     action,
		BoardID:    boardID,
		ColumnID:   after.ColumnID,
		UserID:     userID,
		Meta:       meta,
		Priority:   PriorityHigh,
	}}
}

func ColumnCreated(userID string, column ColumnSnapshot) Event {
	return Event{
		EntityType: EntityColumn,
		EntityID:   column.ID,
		Action:     ActionCreate,
		BoardID:    column.BoardID,
		ColumnID:   column.ID,
		UserID:     userID,
		Meta: map[string]any{
			"title":    column.Title,
			"position": column.Position,
		},
		Priority: PriorityHigh,
	}
}

func ColumnDeleted(userID string, column ColumnSnapshot, cardCount int) Event {
	meta := map[string]any{
		"title":    column.Title,
		"position": column.Position,
	}
	if cardCount > 0 {
		meta["cascadeDeleted"] = map[string]any{"cards": cardCount}
	}
	return Event{
		EntityType: EntityColumn,
		EntityID:   column.ID,
		Action:     ActionDelete,
		BoardID:    column.BoardID,
		ColumnID:   column.ID,
		UserID:     userID,
		Meta:       meta,
		Priority:   PriorityHigh,
	}
}

// ColumnChanges mirrors CardChanges for columns: a rename is an UPDATE
// (HIGH), a position change a REORDER (LOW), both when both happened.
func ColumnChanges(userID string, before, after ColumnSnapshot) []Event {
	events := make([]Event, 0, 2)
	if before.Title != after.Title {
		events = append(events, Event{
			EntityType: EntityColumn,
			EntityID:   after.ID,
			Action:     ActionUpdate,
			BoardID:    after.BoardID,
			ColumnID:   after.ID,
			UserID:     userID,
			Meta: map[string]any{
				"changes":   []string{"title"},
				"oldValues": map[string]any{"title": before.Title},
				"newValues": map[string]any{"title": after.Title},
			},
			Priority: PriorityHigh,
		})
	}
	if before.Position != after.Position {
		events = append(events, Event{
			EntityType: EntityColumn,
			EntityID:   after.ID,
			Action:     ActionReorder,
			BoardID:    after.BoardID,
			ColumnID:   after.ID,
			UserID:     userID,
			Meta: map[string]any{
				"oldPosition": before.Position,
				"newPosition": after.Position,
			},
			Priority: PriorityLow,
		})
	}
	return events
}

func BoardCreated(userID, boardID, title string) Event {
	return Event{
		EntityType: EntityBoard,
		EntityID:   boardID,
		Action:     ActionCreate,
		BoardID:    boardID,
		UserID:     userID,
		Meta:       map[string]any{"title": title},
		Priority:   PriorityHigh,
	}
}

// BoardRenamed returns no event when the title is unchanged.
func BoardRenamed(userID, boardID, oldTitle, newTitle string) []Event {
	if oldTitle == newTitle {
		return nil
	}
	return []Event{{
		EntityType: EntityBoard,
		EntityID:   boardID,
		Action:     ActionUpdate,
		BoardID:    boardID,
		UserID:     userID,
		Meta: map[string]any{
			"changes":   []string{"title"},
			"oldValues": map[string]any{"title": oldTitle},
			"newValues": map[string]any{"title": newTitle},
		},
		Priority: PriorityHigh,
	}}
}

// BoardDeleted records cascade counts only when something was cascaded.
func BoardDeleted(userID, boardID, title string, columnCount, cardCount int) Event {
	meta := map[string]any{"title": title}
	if columnCount > 0 || cardCount > 0 {
		meta["cascadeDeleted"] = map[string]any{
			"columns": columnCount,
			"cards":   cardCount,
		}
	}
	return Event{
		EntityType: EntityBoard,
		EntityID:   boardID,
		Action:     ActionDelete,
		BoardID:    boardID,
		UserID:     userID,
		Meta:       meta,
		Priority:   PriorityHigh,
	}
}

// Package activity turns board mutations into an audit trail: the classifier
// derives events from before/after snapshots, the scheduler persists them with
// priority-appropriate latency, and successful writes are broadcast to the
// board's real-time room.
package activity

import "time"

type EntityType string

const (
	EntityBoard  EntityType = "BOARD"
	EntityColumn EntityType = "COLUMN"
	EntityCard   EntityType = "CARD"
)

type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionMove     Action = "MOVE"
	ActionReorder  Action = "REORDER"
	ActionAssign   Action = "ASSIGN"
	ActionUnassign Action = "UNASSIGN"
)

// Priority decides the persistence path: HIGH events are written before the
// triggering request completes, LOW events are batched.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Event is a classified, not-yet-persisted audit entry.
type Event struct {
	EntityType EntityType
	EntityID   string
	Action     Action
	BoardID    string
	ColumnID   string
	UserID     string
	Meta       map[string]any
	Priority   Priority
}

// Record is the persisted form of an Event, as stored and as broadcast.
type Record struct {
	ID         string         `json:"id"`
	EntityType EntityType     `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     Action         `json:"action"`
	BoardID    string         `json:"boardId"`
	ColumnID   string         `json:"columnId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	UserName   string         `json:"userName,omitempty"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  time.Time      `json:"createdAt"`
}

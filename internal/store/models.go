package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Board struct {
	ID        string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Column struct {
	ID        string
	BoardID   string
	Title     string
	Position  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Card struct {
	ID          string
	ColumnID    string
	Title       string
	Description string
	Priority    string
	AssigneeID  *string
	DueDate     *time.Time
	Position    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

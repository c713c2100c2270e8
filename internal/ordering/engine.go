// Package ordering maintains contiguous zero-based positions for sibling
// collections: columns within a board, cards within a column. Every operation
// runs inside a single storage transaction so concurrent shifts on the same
// scope cannot leave gaps or duplicates.
package ordering

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindColumn Kind = "column"
	KindCard   Kind = "card"
)

// Scope identifies one sibling group: a board's columns or a column's cards.
type Scope struct {
	Kind     Kind
	ParentID string
}

func ColumnsOf(boardID string) Scope { return Scope{Kind: KindColumn, ParentID: boardID} }
func CardsOf(columnID string) Scope  { return Scope{Kind: KindCard, ParentID: columnID} }

var (
	ErrNotFound            = errors.New("ordering: member not found")
	ErrInvalidPosition     = errors.New("ordering: position out of range")
	ErrCrossScopeForbidden = errors.New("ordering: member cannot change scope")
)

// Tx is the transactional view the engine needs from storage. ShiftRange
// applies delta to every position in [lo, hi]; hi < 0 means unbounded.
// LockScope must also fail with ErrNotFound when the parent does not exist.
type Tx interface {
	LockScope(ctx context.Context, scope Scope) error
	SiblingCount(ctx context.Context, scope Scope) (int, error)
	PositionOf(ctx context.Context, scope Scope, id string) (int, error)
	ShiftRange(ctx context.Context, scope Scope, lo, hi, delta int) error
	PlaceMember(ctx context.Context, scope Scope, id string, position int) error
}

type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Placement reports where a member ended up after an operation.
type Placement struct {
	OldPosition int
	NewPosition int
	Moved       bool
}

type Engine struct {
	db TxRunner
}

func NewEngine(db TxRunner) *Engine {
	return &Engine{db: db}
}

// Insert opens a slot at the requested position (append when nil) and calls
// create with the transaction and the resolved position. The caller's create
// writes the new member row at that position.
func (e *Engine) Insert(ctx context.Context, scope Scope, requested *int, create func(tx Tx, position int) error) (int, error) {
	position := 0
	err := e.db.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		count, err := tx.SiblingCount(ctx, scope)
		if err != nil {
			return err
		}
		position = count
		if requested != nil {
			if *requested < 0 || *requested > count {
				return fmt.Errorf("insert at %d with %d siblings: %w", *requested, count, ErrInvalidPosition)
			}
			position = *requested
		}
		if position < count {
			if err := tx.ShiftRange(ctx, scope, position, -1, +1); err != nil {
				return err
			}
		}
		return create(tx, position)
	})
	if err != nil {
		return 0, err
	}
	return position, nil
}

// Remove deletes the member through del and closes the gap it leaves.
// Deleting an id not present in the scope is ErrNotFound, never a no-op.
func (e *Engine) Remove(ctx context.Context, scope Scope, id string, del func(tx Tx) error) (int, error) {
	oldPosition := 0
	err := e.db.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		pos, err := tx.PositionOf(ctx, scope, id)
		if err != nil {
			return err
		}
		oldPosition = pos
		if err := del(tx); err != nil {
			return err
		}
		return tx.ShiftRange(ctx, scope, pos+1, -1, -1)
	})
	if err != nil {
		return 0, err
	}
	return oldPosition, nil
}

// Reorder moves a member to newPosition within its own scope. A reorder to
// the current position is a no-op and reports Moved=false so that no
// activity event is emitted for it.
func (e *Engine) Reorder(ctx context.Context, scope Scope, id string, newPosition int) (Placement, error) {
	var placement Placement
	err := e.db.RunInTransaction(ctx, func(tx Tx) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		oldPosition, err := tx.PositionOf(ctx, scope, id)
		if err != nil {
			return err
		}
		count, err := tx.SiblingCount(ctx, scope)
		if err != nil {
			return err
		}
		if newPosition < 0 || newPosition >= count {
			return fmt.Errorf("reorder to %d with %d siblings: %w", newPosition, count, ErrInvalidPosition)
		}
		placement = Placement{OldPosition: oldPosition, NewPosition: newPosition}
		if newPosition == oldPosition {
			return nil
		}
		if newPosition < oldPosition {
			if err := tx.ShiftRange(ctx, scope, newPosition, oldPosition-1, +1); err != nil {
				return err
			}
		} else {
			if err := tx.ShiftRange(ctx, scope, oldPosition+1, newPosition, -1); err != nil {
				return err
			}
		}
		if err := tx.PlaceMember(ctx, scope, id, newPosition); err != nil {
			return err
		}
		placement.Moved = true
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	return placement, nil
}

// Move transfers a card between scopes: close the gap in the source, open a
// slot in the destination, then rewrite the member's scope and position.
// targetPosition is clamped into [0, count(destination)] so a stale client
// position cannot point past the destination's end under concurrent inserts.
// Only cards may change scope; columns are pinned to their board.
func (e *Engine) Move(ctx context.Context, from, to Scope, id string, targetPosition int) (Placement, error) {
	if from.Kind != to.Kind {
		return Placement{}, fmt.Errorf("move from %s scope to %s scope: %w", from.Kind, to.Kind, ErrCrossScopeForbidden)
	}
	if from.ParentID == to.ParentID {
		return e.Reorder(ctx, from, id, targetPosition)
	}
	if from.Kind != KindCard {
		return Placement{}, fmt.Errorf("%s members are pinned to their parent: %w", from.Kind, ErrCrossScopeForbidden)
	}

	var placement Placement
	err := e.db.RunInTransaction(ctx, func(tx Tx) error {
		// Lock both scopes in a stable order so two opposing moves
		// cannot deadlock on each other's locks.
		first, second := from, to
		if second.ParentID < first.ParentID {
			first, second = second, first
		}
		if err := tx.LockScope(ctx, first); err != nil {
			return err
		}
		if err := tx.LockScope(ctx, second); err != nil {
			return err
		}

		oldPosition, err := tx.PositionOf(ctx, from, id)
		if err != nil {
			return err
		}
		destCount, err := tx.SiblingCount(ctx, to)
		if err != nil {
			return err
		}
		newPosition := targetPosition
		if newPosition < 0 {
			newPosition = 0
		}
		if newPosition > destCount {
			newPosition = destCount
		}

		if err := tx.ShiftRange(ctx, from, oldPosition+1, -1, -1); err != nil {
			return err
		}
		if newPosition < destCount {
			if err := tx.ShiftRange(ctx, to, newPosition, -1, +1); err != nil {
				return err
			}
		}
		if err := tx.PlaceMember(ctx, to, id, newPosition); err != nil {
			return err
		}
		placement = Placement{OldPosition: oldPosition, NewPosition: newPosition, Moved: true}
		return nil
	})
	if err != nil {
		return Placement{}, err
	}
	return placement, nil
}

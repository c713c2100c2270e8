package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"corkboard/api/internal/ordering"
	"corkboard/api/internal/util"
)

// TestPositionShiftsStayContiguous drives the ordering engine against a real
// Postgres schema: inserts, a cross-column move and a delete must leave every
// column's cards at positions 0..n-1 with no gaps or duplicates.
func TestPositionShiftsStayContiguous(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	pg := NewPostgresStore(db)
	engine := ordering.NewEngine(pg)

	user, err := pg.EnsureUserByName(ctx, "Integration Tester")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	board := Board{ID: util.NewID("brd"), Title: "integration", OwnerID: user.ID}
	if err := pg.InsertBoard(ctx, board); err != nil {
		t.Fatalf("insert board: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, board.ID)
		_, _ = db.ExecContext(ctx, `DELETE FROM activities WHERE board_id=$1`, board.ID)
	}()

	makeColumn := func(title string) Column {
		column := Column{ID: util.NewID("col"), BoardID: board.ID, Title: title}
		_, err := engine.Insert(ctx, ordering.ColumnsOf(board.ID), nil, func(tx ordering.Tx, position int) error {
			return tx.(*PgTx).InsertColumn(ctx, column, position)
		})
		if err != nil {
			t.Fatalf("insert column %s: %v", title, err)
		}
		return column
	}
	todo := makeColumn("Todo")
	doing := makeColumn("Doing")

	makeCard := func(column Column, title string) Card {
		card := Card{ID: util.NewID("crd"), ColumnID: column.ID, Title: title, Priority: "medium"}
		_, err := engine.Insert(ctx, ordering.CardsOf(column.ID), nil, func(tx ordering.Tx, position int) error {
			return tx.(*PgTx).InsertCard(ctx, card, position)
		})
		if err != nil {
			t.Fatalf("insert card %s: %v", title, err)
		}
		return card
	}
	a := makeCard(todo, "a")
	b := makeCard(todo, "b")
	c := makeCard(todo, "c")
	_ = makeCard(doing, "d")

	// Move b into the middle of Doing.
	placement, err := engine.Move(ctx, ordering.CardsOf(todo.ID), ordering.CardsOf(doing.ID), b.ID, 0)
	if err != nil {
		t.Fatalf("move card: %v", err)
	}
	if placement.OldPosition != 1 || placement.NewPosition != 0 {
		t.Fatalf("unexpected placement %+v", placement)
	}

	// Delete a; c must compact to position 0.
	if _, err := engine.Remove(ctx, ordering.CardsOf(todo.ID), a.ID, func(tx ordering.Tx) error {
		return tx.(*PgTx).DeleteCard(ctx, a.ID)
	}); err != nil {
		t.Fatalf("remove card: %v", err)
	}

	assertContiguous(t, db, todo.ID, []string{c.ID})
	rows := cardPositions(t, db, doing.ID)
	if len(rows) != 2 || rows[0] != b.ID {
		t.Fatalf("unexpected Doing order: %v", rows)
	}
	assertContiguous(t, db, doing.ID, rows)

	// Reorder within Doing and check again.
	if _, err := engine.Reorder(ctx, ordering.CardsOf(doing.ID), b.ID, 1); err != nil {
		t.Fatalf("reorder card: %v", err)
	}
	rows = cardPositions(t, db, doing.ID)
	if rows[1] != b.ID {
		t.Fatalf("expected %s at position 1, got order %v", b.ID, rows)
	}
}

func cardPositions(t *testing.T, db *sql.DB, columnID string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT id FROM cards WHERE column_id=$1 ORDER BY position`, columnID)
	if err != nil {
		t.Fatalf("query positions: %v", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan id: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func assertContiguous(t *testing.T, db *sql.DB, columnID string, wantOrder []string) {
	t.Helper()
	rows, err := db.Query(`SELECT id, position FROM cards WHERE column_id=$1 ORDER BY position`, columnID)
	if err != nil {
		t.Fatalf("query cards: %v", err)
	}
	defer rows.Close()
	i := 0
	for rows.Next() {
		var id string
		var position int
		if err := rows.Scan(&id, &position); err != nil {
			t.Fatalf("scan card: %v", err)
		}
		if position != i {
			t.Fatalf("gap in positions: %s at %d, want %d", id, position, i)
		}
		if i < len(wantOrder) && wantOrder[i] != id {
			t.Fatalf("unexpected order at %d: got %s want %s", i, id, wantOrder[i])
		}
		i++
	}
	if i != len(wantOrder) {
		t.Fatalf("expected %d cards, found %d", len(wantOrder), i)
	}
}

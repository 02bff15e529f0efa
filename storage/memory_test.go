package storage

import (
	"context"
	"testing"

	"boardsync/domain"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	task := domain.Task{
		ID:      "t1",
		BoardID: "b1",
		Type:    domain.TaskText,
		Title:   "Buy milk",
		Content: domain.TextContent("2%"),
		Order:   0,
	}
	if _, err := m.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, task); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	found, err := m.FindByID(ctx, "b1", "t1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.Title != "Buy milk" {
		t.Fatalf("unexpected task: %+v", found)
	}

	// Mutating the returned copy must not leak into the store.
	found.Title = "tampered"
	again, _ := m.FindByID(ctx, "b1", "t1")
	if again.Title != "Buy milk" {
		t.Fatal("store state shared with caller copy")
	}

	title := "Buy oat milk"
	updated, err := m.Update(ctx, "b1", "t1", domain.TaskPatch{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "Buy oat milk" {
		t.Fatalf("patch not applied: %+v", updated)
	}

	if missing, err := m.Update(ctx, "b1", "nope", domain.TaskPatch{Title: &title}); err != nil || missing != nil {
		t.Fatalf("update of missing task should be (nil, nil), got (%v, %v)", missing, err)
	}

	removed, err := m.Delete(ctx, "b1", "t1")
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	removed, err = m.Delete(ctx, "b1", "t1")
	if err != nil || removed {
		t.Fatalf("second delete should be a no-op, removed=%v err=%v", removed, err)
	}
}

func TestMemoryListByBoardSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, task := range []domain.Task{
		{ID: "t2", BoardID: "b1", Type: domain.TaskText, Title: "two", Content: domain.TextContent(""), Order: 2},
		{ID: "t0", BoardID: "b1", Type: domain.TaskText, Title: "zero", Content: domain.TextContent(""), Order: 0},
		{ID: "t1", BoardID: "b1", Type: domain.TaskText, Title: "one", Content: domain.TextContent(""), Order: 1},
		{ID: "x", BoardID: "b2", Type: domain.TaskText, Title: "other board", Content: domain.TextContent(""), Order: 0},
	} {
		if _, err := m.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	tasks, err := m.ListByBoard(ctx, "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, want := range []string{"t0", "t1", "t2"} {
		if tasks[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, tasks[i].ID)
		}
	}
}

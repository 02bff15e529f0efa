package storage

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"boardsync/domain"
)

func TestEscapeOData(t *testing.T) {
	cases := []struct{ in, want string }{
		{"b1", "b1"},
		{"team's board", "team''s board"},
		{"''", "''''"},
	}
	for _, tc := range cases {
		if got := escapeOData(tc.in); got != tc.want {
			t.Fatalf("escapeOData(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTaskEntityRoundTrip(t *testing.T) {
	created := time.Date(2024, 6, 1, 10, 0, 0, 123456789, time.UTC)
	tasks := []domain.Task{
		{
			ID:        "t1",
			BoardID:   "b1",
			Type:      domain.TaskText,
			Title:     "note",
			Content:   domain.TextContent("hello"),
			Order:     3,
			CreatedAt: created,
			UpdatedAt: created.Add(time.Minute),
		},
		{
			ID:             "c1",
			BoardID:        "b1",
			Type:           domain.TaskChecklist,
			Title:          "list",
			Content:        domain.ChecklistContent([]string{"milk", "eggs"}),
			CompletedItems: []bool{true, false},
			Pinned:         true,
			CreatedAt:      created,
			UpdatedAt:      created,
		},
	}
	for _, task := range tasks {
		ent, err := encodeTask(task)
		if err != nil {
			t.Fatalf("encode %s: %v", task.ID, err)
		}
		if ent.PartitionKey != task.BoardID || ent.RowKey != task.ID {
			t.Fatalf("keys not mapped: %+v", ent.Entity)
		}
		data, err := json.Marshal(ent)
		if err != nil {
			t.Fatalf("marshal %s: %v", task.ID, err)
		}
		back, err := decodeTask(data)
		if err != nil {
			t.Fatalf("decode %s: %v", task.ID, err)
		}
		if !reflect.DeepEqual(back, task) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, task)
		}
	}
}

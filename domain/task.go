package domain

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// TaskType determines how a task's content is interpreted.
type TaskType string

const (
	TaskText      TaskType = "text"
	TaskChecklist TaskType = "checklist"
)

const maxTitleLen = 1000

var (
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrInvalidTitle    = errors.New("title must be 1-1000 characters")
	ErrContentShape    = errors.New("content shape does not match task type")
)

// Content is the tagged union behind a task's content field: a single string
// for text tasks, an ordered item list for checklists. The wire and storage
// representation is either a JSON string or a JSON array, matching the task
// type, so the union is resolved explicitly at the (de)serialization boundary.
type Content struct {
	text  string
	items []string
	list  bool
}

// TextContent wraps a plain string for a text task.
func TextContent(s string) Content {
	return Content{text: s}
}

// ChecklistContent wraps an item list for a checklist task.
func ChecklistContent(items []string) Content {
	copied := append([]string(nil), items...)
	if copied == nil {
		copied = []string{}
	}
	return Content{items: copied, list: true}
}

// IsList reports whether the content holds checklist items.
func (c Content) IsList() bool { return c.list }

// Text returns the text form. Empty for checklist content.
func (c Content) Text() string { return c.text }

// Items returns a copy of the checklist items. Nil for text content.
func (c Content) Items() []string {
	if !c.list {
		return nil
	}
	return append([]string(nil), c.items...)
}

// Len returns the number of checklist items, or 0 for text content.
func (c Content) Len() int {
	if !c.list {
		return 0
	}
	return len(c.items)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.list {
		return sonic.Marshal(c.items)
	}
	return sonic.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var items []string
	if err := sonic.Unmarshal(data, &items); err == nil {
		*c = ChecklistContent(items)
		return nil
	}
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("content must be a string or a string array: %w", err)
	}
	*c = TextContent(s)
	return nil
}

// Task represents a single board item.
type Task struct {
	ID             string    `json:"id"`
	BoardID        string    `json:"boardId"`
	Type           TaskType  `json:"type"`
	Title          string    `json:"title"`
	Content        Content   `json:"content"`
	CompletedItems []bool    `json:"completedItems,omitempty"`
	Pinned         bool      `json:"pinned"`
	Order          int       `json:"order"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Validate checks the structural invariants of a task. It does not check id
// or board assignment; creation paths fill those in before persisting.
func (t Task) Validate() error {
	switch t.Type {
	case TaskText, TaskChecklist:
	default:
		return ErrInvalidTaskType
	}
	if n := utf8.RuneCountInString(t.Title); n < 1 || n > maxTitleLen {
		return ErrInvalidTitle
	}
	if (t.Type == TaskChecklist) != t.Content.IsList() {
		return ErrContentShape
	}
	if t.Type == TaskChecklist && t.CompletedItems != nil && len(t.CompletedItems) != t.Content.Len() {
		return fmt.Errorf("completedItems length %d does not match %d content items", len(t.CompletedItems), t.Content.Len())
	}
	return nil
}

// NormalizeCompleted pads or truncates CompletedItems so its length matches
// the checklist content. No-op for text tasks.
func (t *Task) NormalizeCompleted() {
	if t.Type != TaskChecklist {
		t.CompletedItems = nil
		return
	}
	want := t.Content.Len()
	switch {
	case len(t.CompletedItems) > want:
		t.CompletedItems = t.CompletedItems[:want]
	case len(t.CompletedItems) < want:
		padded := make([]bool, want)
		copy(padded, t.CompletedItems)
		t.CompletedItems = padded
	}
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	out.CompletedItems = append([]bool(nil), t.CompletedItems...)
	if t.Content.list {
		out.Content = ChecklistContent(t.Content.items)
	}
	return out
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title          *string    `json:"title,omitempty"`
	Content        *Content   `json:"content,omitempty"`
	CompletedItems *[]bool    `json:"completedItems,omitempty"`
	Pinned         *bool      `json:"pinned,omitempty"`
	Order          *int       `json:"order,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Apply copies the patch's set fields onto the task.
func (t *Task) Apply(p TaskPatch) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Content != nil {
		t.Content = *p.Content
	}
	if p.CompletedItems != nil {
		t.CompletedItems = append([]bool(nil), (*p.CompletedItems)...)
	}
	if p.Pinned != nil {
		t.Pinned = *p.Pinned
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	if p.UpdatedAt != nil {
		t.UpdatedAt = *p.UpdatedAt
	}
}

// FullPatch returns a patch covering every mutable field of the task, used
// when the wire carries a whole record and the server applies it last-write-wins.
func (t Task) FullPatch() TaskPatch {
	title := t.Title
	content := t.Content
	completed := append([]bool(nil), t.CompletedItems...)
	pinned := t.Pinned
	order := t.Order
	return TaskPatch{
		Title:          &title,
		Content:        &content,
		CompletedItems: &completed,
		Pinned:         &pinned,
		Order:          &order,
	}
}

// TaskDraft is the creation payload. Order is a pointer so the server can
// tell "place at 0" apart from "assign the next free order".
type TaskDraft struct {
	ID             string    `json:"id,omitempty"`
	BoardID        string    `json:"boardId"`
	Type           TaskType  `json:"type"`
	Title          string    `json:"title"`
	Content        Content   `json:"content"`
	CompletedItems []bool    `json:"completedItems,omitempty"`
	Pinned         bool      `json:"pinned"`
	Order          *int      `json:"order,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Task materializes the draft. Zero Order when unset; callers decide whether
// to compute a real one.
func (d TaskDraft) Task() Task {
	t := Task{
		ID:             d.ID,
		BoardID:        d.BoardID,
		Type:           d.Type,
		Title:          d.Title,
		Content:        d.Content,
		CompletedItems: append([]bool(nil), d.CompletedItems...),
		Pinned:         d.Pinned,
		CreatedAt:      d.CreatedAt,
	}
	if d.Order != nil {
		t.Order = *d.Order
	}
	t.NormalizeCompleted()
	return t
}

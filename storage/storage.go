package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync/domain"
)

// TaskStore is the durable record keeper for tasks, keyed by id and scoped
// by board. The reconciler is its only caller.
type TaskStore interface {
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	FindByID(ctx context.Context, boardID, id string) (*domain.Task, error)
	Update(ctx context.Context, boardID, id string, p domain.TaskPatch) (*domain.Task, error)
	Delete(ctx context.Context, boardID, id string) (bool, error)
	ListByBoard(ctx context.Context, boardID string) ([]domain.Task, error)
}

// Tables stores tasks in Azure Table Storage, one partition per board.
type Tables struct {
	taskTable *aztables.Client
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tasksTable string) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Tables{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Type           string `json:"Type"`
	Title          string `json:"Title"`
	Content        string `json:"Content"`
	CompletedItems string `json:"CompletedItems"`
	Pinned         bool   `json:"Pinned"`
	Order          int    `json:"Order"`
	CreatedAt      string `json:"CreatedAt"`
	UpdatedAt      string `json:"UpdatedAt"`
}

// encodeTask converts a task to its table entity. List-typed fields become
// JSON text columns; the table service has no native array type.
func encodeTask(t domain.Task) (taskEntity, error) {
	content, err := json.Marshal(t.Content)
	if err != nil {
		return taskEntity{}, fmt.Errorf("encode content: %w", err)
	}
	completed, err := json.Marshal(t.CompletedItems)
	if err != nil {
		return taskEntity{}, fmt.Errorf("encode completedItems: %w", err)
	}
	return taskEntity{
		Entity:         aztables.Entity{PartitionKey: t.BoardID, RowKey: t.ID},
		Type:           string(t.Type),
		Title:          t.Title,
		Content:        string(content),
		CompletedItems: string(completed),
		Pinned:         t.Pinned,
		Order:          t.Order,
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:      ent.RowKey,
		BoardID: ent.PartitionKey,
		Type:    domain.TaskType(ent.Type),
		Title:   ent.Title,
		Pinned:  ent.Pinned,
		Order:   ent.Order,
	}
	if ent.Content != "" {
		if err := json.Unmarshal([]byte(ent.Content), &t.Content); err != nil {
			return domain.Task{}, fmt.Errorf("decode content for %s: %w", ent.RowKey, err)
		}
	}
	if ent.CompletedItems != "" {
		if err := json.Unmarshal([]byte(ent.CompletedItems), &t.CompletedItems); err != nil {
			return domain.Task{}, fmt.Errorf("decode completedItems for %s: %w", ent.RowKey, err)
		}
	}
	if ent.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, fmt.Errorf("decode createdAt for %s: %w", ent.RowKey, err)
		}
		t.CreatedAt = ts
	}
	if ent.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
		if err != nil {
			return domain.Task{}, fmt.Errorf("decode updatedAt for %s: %w", ent.RowKey, err)
		}
		t.UpdatedAt = ts
	}
	return t, nil
}

func (s *Tables) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	ent, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Tables) FindByID(ctx context.Context, boardID, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, boardID, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Tables) Update(ctx context.Context, boardID, id string, p domain.TaskPatch) (*domain.Task, error) {
	t, err := s.FindByID(ctx, boardID, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	t.Apply(p)
	ent, err := encodeTask(*t)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	opts := &aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}
	if _, err := s.taskTable.UpdateEntity(ctx, data, opts); err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *Tables) Delete(ctx context.Context, boardID, id string) (bool, error) {
	if _, err := s.taskTable.DeleteEntity(ctx, boardID, id, nil); err != nil {
		if statusCode(err) == 404 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Tables) ListByBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + escapeOData(boardID) + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// escapeOData doubles single quotes per the OData string literal rules.
// Board ids arrive from clients and may contain anything.
func escapeOData(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/storage"
)

// Broadcaster fans an event out to every member of a board room.
type Broadcaster interface {
	Broadcast(boardID string, event string, data any)
}

// Reconciler is the single writer against the task store. It serializes all
// mutations for a board relative to each other, across instances when the
// locker carries a Redis lease, and broadcasts the canonical result only
// after persistence succeeded.
type Reconciler struct {
	store  storage.TaskStore
	hub    Broadcaster
	locker *BoardLocker
	logger *log.Logger
	now    func() time.Time
}

func NewReconciler(store storage.TaskStore, hub Broadcaster, locker *BoardLocker, logger *log.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		hub:    hub,
		locker: locker,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleJoin returns the board's current task list, ordered by the sort
// contract. The caller sends it to the joining session only.
func (r *Reconciler) HandleJoin(ctx context.Context, boardID string) ([]domain.Task, error) {
	if boardID == "" {
		return nil, fmt.Errorf("board id is required")
	}
	return r.store.ListByBoard(ctx, boardID)
}

// HandleCreate persists a new task and broadcasts taskCreated. A client
// generated id is accepted as authoritative; a replayed create for an id the
// store already holds re-broadcasts the stored record instead of inserting a
// duplicate.
func (r *Reconciler) HandleCreate(ctx context.Context, draft domain.TaskDraft) error {
	t := draft.Task()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.BoardID == "" {
		return fmt.Errorf("board id is required")
	}

	unlock, err := r.locker.Lock(ctx, t.BoardID)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := r.store.FindByID(ctx, t.BoardID, t.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		r.logger.WithFields(log.Fields{"task": t.ID, "board": t.BoardID}).Debug("replayed create for existing task")
		r.hub.Broadcast(t.BoardID, domain.EventTaskCreated, *existing)
		return nil
	}

	if draft.Order == nil {
		tasks, err := r.store.ListByBoard(ctx, t.BoardID)
		if err != nil {
			return err
		}
		t.Order = domain.NextOrderValue(domain.Orders(tasks))
	}
	now := r.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	created, err := r.store.Create(ctx, t)
	if err != nil {
		return err
	}
	r.hub.Broadcast(t.BoardID, domain.EventTaskCreated, created)
	return nil
}

// HandleUpdate applies a full-record update last-write-wins and broadcasts
// taskUpdated. An update for a missing id is a logged no-op: the task was
// deleted while this edit was in flight.
func (r *Reconciler) HandleUpdate(ctx context.Context, t domain.Task) error {
	if t.ID == "" || t.BoardID == "" {
		return fmt.Errorf("task id and board id are required")
	}
	if err := t.Validate(); err != nil {
		return err
	}

	unlock, err := r.locker.Lock(ctx, t.BoardID)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := r.store.FindByID(ctx, t.BoardID, t.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		r.logger.WithFields(log.Fields{"task": t.ID, "board": t.BoardID}).Warn("update for missing task")
		return nil
	}

	patch := t.FullPatch()
	now := r.now()
	patch.UpdatedAt = &now
	updated, err := r.store.Update(ctx, t.BoardID, t.ID, patch)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	r.hub.Broadcast(t.BoardID, domain.EventTaskUpdated, updated)
	return nil
}

// HandleDelete removes a task and broadcasts taskDeleted with the id.
// Deleting an absent id is a no-op without a broadcast.
func (r *Reconciler) HandleDelete(ctx context.Context, boardID, id string) error {
	if id == "" || boardID == "" {
		return fmt.Errorf("task id and board id are required")
	}

	unlock, err := r.locker.Lock(ctx, boardID)
	if err != nil {
		return err
	}
	defer unlock()

	removed, err := r.store.Delete(ctx, boardID, id)
	if err != nil {
		return err
	}
	if !removed {
		r.logger.WithFields(log.Fields{"task": id, "board": boardID}).Debug("delete for missing task")
		return nil
	}
	r.hub.Broadcast(boardID, domain.EventTaskDeleted, id)
	return nil
}

// HandleToggle flips one checklist item and broadcasts taskUpdated. Missing
// tasks, non-checklist tasks, and out-of-range indexes are logged no-ops.
func (r *Reconciler) HandleToggle(ctx context.Context, boardID string, data domain.ToggleCompleteData) error {
	if data.TaskID == "" || boardID == "" {
		return fmt.Errorf("task id and board id are required")
	}

	unlock, err := r.locker.Lock(ctx, boardID)
	if err != nil {
		return err
	}
	defer unlock()

	t, err := r.store.FindByID(ctx, boardID, data.TaskID)
	if err != nil {
		return err
	}
	if t == nil || t.Type != domain.TaskChecklist || t.CompletedItems == nil {
		r.logger.WithFields(log.Fields{"task": data.TaskID, "board": boardID}).Warn("toggle for missing or non-checklist task")
		return nil
	}
	if data.ItemIndex < 0 || data.ItemIndex >= len(t.CompletedItems) {
		r.logger.WithFields(log.Fields{"task": data.TaskID, "index": data.ItemIndex}).Warn("toggle index out of range")
		return nil
	}

	completed := append([]bool(nil), t.CompletedItems...)
	completed[data.ItemIndex] = !completed[data.ItemIndex]
	now := r.now()
	updated, err := r.store.Update(ctx, boardID, data.TaskID, domain.TaskPatch{CompletedItems: &completed, UpdatedAt: &now})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	r.hub.Broadcast(boardID, domain.EventTaskUpdated, updated)
	return nil
}

// HandleReorder assigns order = index for each id in the batch, then
// broadcasts a full tasks snapshot. The snapshot, rather than N taskUpdated
// deltas, guarantees every client converges to one order even when single
// messages would arrive out of sequence.
func (r *Reconciler) HandleReorder(ctx context.Context, boardID string, ids []string) error {
	if boardID == "" {
		return fmt.Errorf("board id is required")
	}

	unlock, err := r.locker.Lock(ctx, boardID)
	if err != nil {
		return err
	}
	defer unlock()

	now := r.now()
	for id, i := range domain.Reindex(ids) {
		order := i
		updated, err := r.store.Update(ctx, boardID, id, domain.TaskPatch{Order: &order, UpdatedAt: &now})
		if err != nil {
			return err
		}
		if updated == nil {
			r.logger.WithFields(log.Fields{"task": id, "board": boardID}).Warn("reorder references missing task")
		}
	}

	tasks, err := r.store.ListByBoard(ctx, boardID)
	if err != nil {
		return err
	}
	r.hub.Broadcast(boardID, domain.EventTasks, tasks)
	return nil
}

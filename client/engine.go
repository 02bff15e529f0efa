package client

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Sender carries client-originated events to the server. Implemented by
// *Session; tests substitute a stub.
type Sender interface {
	Send(event string, data any) error
}

// Engine owns the client's working task list and keeps it a convergent
// mirror of server state, tolerant of disconnection. Mutations apply locally
// first, are persisted to the snapshot, and are either emitted on the
// channel or queued until the next reconnect. Inbound canonical records
// replace local copies wholesale by id; nothing is field-merged.
type Engine struct {
	boardID  string
	logger   *log.Logger
	snapshot *Snapshot
	sender   Sender

	mu        sync.Mutex
	tasks     []domain.Task
	queue     pendingQueue
	connected bool
	now       func() time.Time
	onChange  func([]domain.Task)
}

// NewEngine loads the snapshot (if any) and returns an engine for one board.
// snapshot and sender may each be nil: no durable local state, or a
// permanently offline engine, respectively.
func NewEngine(boardID string, snapshot *Snapshot, sender Sender, logger *log.Logger) (*Engine, error) {
	e := &Engine{
		boardID:  boardID,
		logger:   logger,
		snapshot: snapshot,
		sender:   sender,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if snapshot != nil {
		tasks, err := snapshot.Load()
		if err != nil {
			return nil, err
		}
		e.tasks = tasks
		domain.SortTasks(e.tasks)
	}
	return e, nil
}

// SetOnChange registers a listener invoked with a copy of the task list
// after every local or inbound change. The listener runs outside the engine
// lock and may call back into the engine. Used by UIs; may be nil.
func (e *Engine) SetOnChange(fn func([]domain.Task)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// BoardID returns the board this engine mirrors.
func (e *Engine) BoardID() string { return e.boardID }

// Connected reports whether the channel is live. False means offline mode:
// every operation still succeeds locally and is queued.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Pending returns the number of queued, unsent mutations.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.size()
}

// Tasks returns a copy of the current task list in display order.
func (e *Engine) Tasks() []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyTasksLocked()
}

func (e *Engine) copyTasksLocked() []domain.Task {
	out := make([]domain.Task, len(e.tasks))
	for i, t := range e.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Create applies a new task optimistically and routes the create to the
// server. A missing id is assigned here so the optimistic copy and the
// canonical record share one identity.
func (e *Engine) Create(draft domain.TaskDraft) domain.Task {
	var notify func()
	defer runNotify(&notify)
	e.mu.Lock()
	defer e.mu.Unlock()

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	draft.BoardID = e.boardID
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = e.now()
	}

	t := draft.Task()
	if draft.Order == nil {
		t.Order = domain.NextOrderValue(domain.Orders(e.tasks))
	}
	t.UpdatedAt = e.now()

	e.tasks = append(e.tasks, t.Clone())
	domain.SortTasks(e.tasks)
	e.persistLocked()

	if !e.trySend(domain.EventCreateTask, draft) {
		e.queue.addCreate(draft)
	}
	notify = e.notifyLocked()
	return t
}

// Update replaces the local copy by id and routes the full record to the
// server.
func (e *Engine) Update(t domain.Task) {
	var notify func()
	defer runNotify(&notify)
	e.mu.Lock()
	defer e.mu.Unlock()

	t.BoardID = e.boardID
	t.UpdatedAt = e.now()
	for i := range e.tasks {
		if e.tasks[i].ID == t.ID {
			e.tasks[i] = t.Clone()
			break
		}
	}
	domain.SortTasks(e.tasks)
	e.persistLocked()

	if !e.trySend(domain.EventUpdateTask, t) {
		e.queue.addUpdate(t)
	}
	notify = e.notifyLocked()
}

// Delete removes the task locally and routes the deletion.
func (e *Engine) Delete(id string) {
	var notify func()
	defer runNotify(&notify)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removeLocked(id)
	e.persistLocked()

	target := domain.DeleteTarget{ID: id, BoardID: e.boardID}
	if !e.trySend(domain.EventDeleteTask, target) {
		e.queue.addDelete(target)
	}
	notify = e.notifyLocked()
}

// ToggleComplete flips one checklist item. Returns false, without error or
// side effect, when the task is absent, not a checklist, or the index is out
// of range.
func (e *Engine) ToggleComplete(id string, itemIndex int) bool {
	var notify func()
	defer runNotify(&notify)
	e.mu.Lock()
	defer e.mu.Unlock()

	var t *domain.Task
	for i := range e.tasks {
		if e.tasks[i].ID == id {
			t = &e.tasks[i]
			break
		}
	}
	if t == nil || t.Type != domain.TaskChecklist {
		return false
	}
	if itemIndex < 0 || itemIndex >= len(t.CompletedItems) {
		return false
	}

	t.CompletedItems[itemIndex] = !t.CompletedItems[itemIndex]
	t.UpdatedAt = e.now()
	e.persistLocked()

	if !e.trySend(domain.EventToggleComplete, domain.ToggleCompleteData{TaskID: id, ItemIndex: itemIndex}) {
		// Offline the toggle resolves to a whole-record update, so replaying
		// it later is last-write-wins rather than a double flip.
		e.queue.addUpdate(t.Clone())
	}
	notify = e.notifyLocked()
	return true
}

// Reorder recomputes each task's order as its index in newOrderedIds and
// applies the dense result locally. Connected, the batch goes out as one
// reorderTasks event so the server answers with a convergent snapshot;
// offline, only the tasks whose order actually changed are queued as
// updates.
func (e *Engine) Reorder(newOrderedIds []string) {
	var notify func()
	defer runNotify(&notify)
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := domain.Reindex(newOrderedIds)
	changed := make([]domain.Task, 0)
	for i := range e.tasks {
		pos, ok := idx[e.tasks[i].ID]
		if !ok || e.tasks[i].Order == pos {
			continue
		}
		e.tasks[i].Order = pos
		e.tasks[i].UpdatedAt = e.now()
		changed = append(changed, e.tasks[i].Clone())
	}
	if len(changed) == 0 {
		return
	}
	domain.SortTasks(e.tasks)
	e.persistLocked()

	if e.connected && e.sender != nil {
		if err := e.sender.Send(domain.EventReorderTasks, newOrderedIds); err == nil {
			notify = e.notifyLocked()
			return
		}
		e.connected = false
	}
	for _, t := range changed {
		e.queue.addUpdate(t)
	}
	notify = e.notifyLocked()
}

// HandleConnected is called by the session after every successful (re)
// connect: rejoin the board room, then flush the pending queue in the fixed
// sequence creates, updates, deletes, FIFO within each bucket.
func (e *Engine) HandleConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sender == nil {
		return
	}
	if err := e.sender.Send(domain.EventJoinBoard, e.boardID); err != nil {
		e.logger.Warnf("join board %s: %v", e.boardID, err)
		return
	}
	e.connected = true
	e.flushLocked()
}

// HandleDisconnected transitions to offline mode. No local operation is ever
// rejected because of it.
func (e *Engine) HandleDisconnected() {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
}

// flushLocked drains the queue. Entries leave the queue only once the
// channel accepted them; a mid-flush failure keeps the remainder for the
// next reconnect.
func (e *Engine) flushLocked() {
	for len(e.queue.creates) > 0 {
		if err := e.sender.Send(domain.EventCreateTask, e.queue.creates[0]); err != nil {
			e.connected = false
			return
		}
		e.queue.creates = e.queue.creates[1:]
	}
	for len(e.queue.updates) > 0 {
		if err := e.sender.Send(domain.EventUpdateTask, e.queue.updates[0]); err != nil {
			e.connected = false
			return
		}
		e.queue.updates = e.queue.updates[1:]
	}
	for len(e.queue.deletes) > 0 {
		if err := e.sender.Send(domain.EventDeleteTask, e.queue.deletes[0]); err != nil {
			e.connected = false
			return
		}
		e.queue.deletes = e.queue.deletes[1:]
	}
}

// HandleServerEvent applies one canonical broadcast. Every inbound record is
// the most recent truth for its id and overwrites the local copy.
func (e *Engine) HandleServerEvent(env domain.Envelope) {
	switch env.Event {
	case domain.EventTasks:
		var tasks []domain.Task
		if err := sonic.Unmarshal(env.Data, &tasks); err != nil {
			e.logger.Errorf("parse tasks snapshot: %v", err)
			return
		}
		e.mu.Lock()
		e.tasks = tasks
		domain.SortTasks(e.tasks)
		e.persistLocked()
		notify := e.notifyLocked()
		e.mu.Unlock()
		runNotify(&notify)

	case domain.EventTaskCreated, domain.EventTaskUpdated:
		var t domain.Task
		if err := sonic.Unmarshal(env.Data, &t); err != nil {
			e.logger.Errorf("parse %s: %v", env.Event, err)
			return
		}
		e.mu.Lock()
		e.upsertLocked(t)
		domain.SortTasks(e.tasks)
		e.persistLocked()
		notify := e.notifyLocked()
		e.mu.Unlock()
		runNotify(&notify)

	case domain.EventTaskDeleted:
		var id string
		if err := sonic.Unmarshal(env.Data, &id); err != nil {
			e.logger.Errorf("parse taskDeleted: %v", err)
			return
		}
		e.mu.Lock()
		e.removeLocked(id)
		e.persistLocked()
		notify := e.notifyLocked()
		e.mu.Unlock()
		runNotify(&notify)

	case domain.EventError:
		var data domain.ErrorData
		if err := sonic.Unmarshal(env.Data, &data); err != nil {
			e.logger.Errorf("parse error event: %v", err)
			return
		}
		e.logger.Warnf("server rejected operation: %s", data.Message)

	default:
		e.logger.Debugf("ignoring unknown event %s", env.Event)
	}
}

func (e *Engine) upsertLocked(t domain.Task) {
	for i := range e.tasks {
		if e.tasks[i].ID == t.ID {
			e.tasks[i] = t.Clone()
			return
		}
	}
	e.tasks = append(e.tasks, t.Clone())
}

// removeLocked deletes by id. Removing an absent id is a no-op.
func (e *Engine) removeLocked(id string) {
	for i := range e.tasks {
		if e.tasks[i].ID == id {
			e.tasks = append(e.tasks[:i], e.tasks[i+1:]...)
			return
		}
	}
}

func (e *Engine) trySend(event string, data any) bool {
	if !e.connected || e.sender == nil {
		return false
	}
	if err := e.sender.Send(event, data); err != nil {
		e.logger.Warnf("send %s, switching offline: %v", event, err)
		e.connected = false
		return false
	}
	return true
}

func (e *Engine) persistLocked() {
	if e.snapshot == nil {
		return
	}
	if err := e.snapshot.Save(e.tasks); err != nil {
		e.logger.Errorf("persist snapshot: %v", err)
	}
}

// runNotify fires a listener closure captured during a mutation. In the
// mutation methods it is deferred before the lock, so it runs once the lock
// is released.
func runNotify(notify *func()) {
	if *notify != nil {
		(*notify)()
	}
}

// notifyLocked captures the change listener and a list copy while the lock is
// held. The returned closure runs after the lock is released, so a listener
// may call back into the engine.
func (e *Engine) notifyLocked() func() {
	if e.onChange == nil {
		return nil
	}
	fn := e.onChange
	tasks := e.copyTasksLocked()
	return func() { fn(tasks) }
}

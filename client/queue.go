package client

import "boardsync/domain"

// pendingQueue buffers mutations issued while disconnected. Three FIFO
// buckets, drained on reconnect in the fixed sequence creates, updates,
// deletes. Held in memory only: a restart while offline loses the queue but
// not the separately persisted task snapshot.
type pendingQueue struct {
	creates []domain.TaskDraft
	updates []domain.Task
	deletes []domain.DeleteTarget
}

func (q *pendingQueue) addCreate(d domain.TaskDraft) {
	q.creates = append(q.creates, d)
}

func (q *pendingQueue) addUpdate(t domain.Task) {
	q.updates = append(q.updates, t)
}

func (q *pendingQueue) addDelete(d domain.DeleteTarget) {
	q.deletes = append(q.deletes, d)
}

func (q *pendingQueue) size() int {
	return len(q.creates) + len(q.updates) + len(q.deletes)
}

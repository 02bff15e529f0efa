package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL        = 10 * time.Second
	lockRetryDelay = 25 * time.Millisecond
	lockWait       = 5 * time.Second
)

// releaseScript deletes the lease only while this holder still owns it; an
// expired lease taken over by another instance must never be released here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// BoardLocker serializes board mutations. In-process callers queue on a
// per-board mutex; with a Redis client the locker additionally holds a
// per-board lease, so several server instances sharing one task store never
// interleave mutations for the same board.
type BoardLocker struct {
	redis *redis.Client

	mu     sync.Mutex
	boards map[string]*sync.Mutex
}

// NewBoardLocker creates a locker. client may be nil for single-instance
// deployments; locking is then process-local only.
func NewBoardLocker(client *redis.Client) *BoardLocker {
	return &BoardLocker{redis: client, boards: make(map[string]*sync.Mutex)}
}

func (l *BoardLocker) boardMutex(boardID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	bm, ok := l.boards[boardID]
	if !ok {
		bm = &sync.Mutex{}
		l.boards[boardID] = bm
	}
	return bm
}

// Lock acquires the board's mutation lock and returns its release func.
func (l *BoardLocker) Lock(ctx context.Context, boardID string) (func(), error) {
	bm := l.boardMutex(boardID)
	bm.Lock()
	if l.redis == nil {
		return bm.Unlock, nil
	}

	key := "lock:board:" + boardID
	token := uuid.NewString()
	deadline := time.Now().Add(lockWait)
	for {
		ok, err := l.redis.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			bm.Unlock()
			return nil, fmt.Errorf("acquire lock for board %s: %w", boardID, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			bm.Unlock()
			return nil, fmt.Errorf("board %s is locked by another instance", boardID)
		}
		select {
		case <-ctx.Done():
			bm.Unlock()
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}

	return func() {
		relCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		// Best effort: the lease expires on its own, a lost early release
		// only delays the next writer.
		_ = releaseScript.Run(relCtx, l.redis, []string{key}, token).Err()
		bm.Unlock()
	}, nil
}

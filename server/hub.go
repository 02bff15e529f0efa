package server

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const writeTimeout = 5 * time.Second

// Hub tracks board rooms and their connected sessions and fans broadcasts
// out to every room member. With a Redis relay configured, broadcasts take a
// round-trip through a pub/sub channel so that every server instance
// delivers them to its own local members.
type Hub struct {
	logger       *log.Logger
	relay        *redis.Client
	relayChannel string

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// NewHub creates a hub. relay may be nil for single-instance deployments;
// broadcasts are then delivered directly.
func NewHub(logger *log.Logger, relay *redis.Client, relayChannel string) *Hub {
	return &Hub{
		logger:       logger,
		relay:        relay,
		relayChannel: relayChannel,
		rooms:        make(map[string]map[*Session]struct{}),
	}
}

// Session is one connected client. It belongs to at most one board room.
type Session struct {
	conn *websocket.Conn
	hub  *Hub

	mu      sync.Mutex
	boardID string
}

// NewSession wraps an accepted connection. The session joins no room until
// the client sends joinBoard.
func (h *Hub) NewSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn, hub: h}
}

// BoardID returns the room the session currently belongs to.
func (s *Session) BoardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardID
}

// Send delivers a single event to this session only.
func (s *Session) Send(event string, data any) error {
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *Session) write(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

// Join moves the session into the given board room, leaving any previous one.
func (h *Hub) Join(s *Session, boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.mu.Lock()
	prev := s.boardID
	s.boardID = boardID
	s.mu.Unlock()

	if prev != "" {
		if members, ok := h.rooms[prev]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, prev)
			}
		}
	}
	members, ok := h.rooms[boardID]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[boardID] = members
	}
	members[s] = struct{}{}
}

// Leave removes the session from its room. Safe to call repeatedly.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.mu.Lock()
	boardID := s.boardID
	s.boardID = ""
	s.mu.Unlock()

	if boardID == "" {
		return
	}
	if members, ok := h.rooms[boardID]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, boardID)
		}
	}
}

// RoomSize reports the member count of a board room.
func (h *Hub) RoomSize(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[boardID])
}

type relayMessage struct {
	BoardID string                 `json:"boardId"`
	Frame   sonic.NoCopyRawMessage `json:"frame"`
}

// Broadcast sends an event to every member of the board room, the origin
// session included.
func (h *Hub) Broadcast(boardID string, event string, data any) {
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		h.logger.Errorf("broadcast %s: %v", event, err)
		return
	}
	frame, err := env.Encode()
	if err != nil {
		h.logger.Errorf("broadcast %s: %v", event, err)
		return
	}
	if h.relay != nil {
		payload, err := sonic.Marshal(relayMessage{BoardID: boardID, Frame: frame})
		if err != nil {
			h.logger.Errorf("encode relay message: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := h.relay.Publish(ctx, h.relayChannel, payload).Err(); err != nil {
			h.logger.Errorf("unable to publish updates for board %s: %v", boardID, err)
			// This instance's own members still get the event; only the
			// other instances miss it while the relay is down.
			h.deliverLocal(boardID, frame)
		}
		return
	}
	h.deliverLocal(boardID, frame)
}

func (h *Hub) deliverLocal(boardID string, frame []byte) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[boardID]))
	for s := range h.rooms[boardID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if err := s.write(frame); err != nil {
			h.logger.Warnf("dropping session on board %s: %v", boardID, err)
			h.Leave(s)
			_ = s.conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}
}

// RunRelay consumes the pub/sub channel and delivers relayed broadcasts to
// local room members. Blocks until ctx is done; resubscribes if the
// subscription channel closes.
func (h *Hub) RunRelay(ctx context.Context) {
	if h.relay == nil {
		return
	}
	for {
		sub := h.relay.Subscribe(ctx, h.relayChannel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var rm relayMessage
				if err := sonic.Unmarshal([]byte(msg.Payload), &rm); err != nil {
					h.logger.Errorf("unable to parse relay message: %v", err)
					continue
				}
				h.deliverLocal(rm.BoardID, rm.Frame)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("relay channel closed, resubscribing")
		time.Sleep(time.Second)
	}
}

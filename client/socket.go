package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// ErrDisconnected is returned by Send while the channel is down. Callers
// queue the mutation instead of failing the operation.
var ErrDisconnected = errors.New("channel disconnected")

const (
	sendTimeout    = 5 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// EventHandler receives channel lifecycle and server events. Implemented by
// *Engine.
type EventHandler interface {
	HandleConnected()
	HandleDisconnected()
	HandleServerEvent(env domain.Envelope)
}

// Session owns one websocket connection to the server and reconnects with
// capped backoff. It is an explicit object handed to the engine, not module
// state; its lifecycle is Run's context.
type Session struct {
	url    string
	logger *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSession(url string, logger *log.Logger) *Session {
	return &Session{url: url, logger: logger}
}

// Send emits one event. Fails with ErrDisconnected while offline.
func (s *Session) Send(event string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Run dials, hands connectivity transitions and inbound events to the
// handler, and redials on loss until ctx is done. Reconnection is
// transparent: HandleConnected fires after every successful dial so the
// engine rejoins its room and flushes its queue.
func (s *Session) Run(ctx context.Context, handler EventHandler) {
	backoff := initialBackoff
	for {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnf("dial %s: %v", s.url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		handler.HandleConnected()
		s.readLoop(ctx, conn, handler)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.CloseNow()
		handler.HandleDisconnected()

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, handler EventHandler) {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := domain.DecodeEnvelope(frame)
		if err != nil {
			s.logger.Errorf("bad frame from server: %v", err)
			continue
		}
		handler.HandleServerEvent(env)
	}
}

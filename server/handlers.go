package server

import (
	"context"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Register wires up the sync channel endpoints on the provided Echo instance.
func Register(e *echo.Echo, rec *Reconciler, hub *Hub, logger *log.Logger) {
	e.GET("/ws", serveChannel(rec, hub, logger))
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func serveChannel(rec *Reconciler, hub *Hub, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Errorf("websocket upgrade failed: %v", err)
			return nil
		}
		session := hub.NewSession(conn)
		logger.Debug("client connected")

		ctx := c.Request().Context()
		defer func() {
			hub.Leave(session)
			_ = conn.CloseNow()
			logger.Debug("client disconnected")
		}()

		for {
			_, frame, err := conn.Read(ctx)
			if err != nil {
				return nil
			}
			env, err := domain.DecodeEnvelope(frame)
			if err != nil {
				sendError(session, logger, err.Error())
				continue
			}
			dispatch(ctx, rec, hub, session, logger, env)
		}
	}
}

// dispatch routes one inbound event. No failure here ever terminates the
// session; malformed payloads and store errors come back as session-scoped
// error events.
func dispatch(ctx context.Context, rec *Reconciler, hub *Hub, session *Session, logger *log.Logger, env domain.Envelope) {
	switch env.Event {
	case domain.EventJoinBoard:
		var boardID string
		if err := sonic.Unmarshal(env.Data, &boardID); err != nil || boardID == "" {
			sendError(session, logger, "joinBoard requires a board id")
			return
		}
		hub.Join(session, boardID)
		tasks, err := rec.HandleJoin(ctx, boardID)
		if err != nil {
			sendError(session, logger, err.Error())
			return
		}
		if err := session.Send(domain.EventTasks, tasks); err != nil {
			logger.Warnf("send join snapshot: %v", err)
		}

	case domain.EventCreateTask:
		var draft domain.TaskDraft
		if err := sonic.Unmarshal(env.Data, &draft); err != nil {
			sendError(session, logger, "invalid createTask payload")
			return
		}
		if draft.BoardID == "" {
			draft.BoardID = session.BoardID()
		}
		if err := rec.HandleCreate(ctx, draft); err != nil {
			sendError(session, logger, err.Error())
		}

	case domain.EventUpdateTask:
		var t domain.Task
		if err := sonic.Unmarshal(env.Data, &t); err != nil {
			sendError(session, logger, "invalid updateTask payload")
			return
		}
		if t.BoardID == "" {
			t.BoardID = session.BoardID()
		}
		if err := rec.HandleUpdate(ctx, t); err != nil {
			sendError(session, logger, err.Error())
		}

	case domain.EventDeleteTask:
		var target domain.DeleteTarget
		if err := sonic.Unmarshal(env.Data, &target); err != nil {
			sendError(session, logger, "invalid deleteTask payload")
			return
		}
		if target.BoardID == "" {
			target.BoardID = session.BoardID()
		}
		if err := rec.HandleDelete(ctx, target.BoardID, target.ID); err != nil {
			sendError(session, logger, err.Error())
		}

	case domain.EventToggleComplete:
		var data domain.ToggleCompleteData
		if err := sonic.Unmarshal(env.Data, &data); err != nil {
			sendError(session, logger, "invalid toggleComplete payload")
			return
		}
		if err := rec.HandleToggle(ctx, session.BoardID(), data); err != nil {
			sendError(session, logger, err.Error())
		}

	case domain.EventReorderTasks:
		var ids []string
		if err := sonic.Unmarshal(env.Data, &ids); err != nil {
			sendError(session, logger, "invalid reorderTasks payload")
			return
		}
		if err := rec.HandleReorder(ctx, session.BoardID(), ids); err != nil {
			sendError(session, logger, err.Error())
		}

	default:
		sendError(session, logger, "unknown event "+env.Event)
	}
}

func sendError(session *Session, logger *log.Logger, message string) {
	logger.Warnf("session error: %s", message)
	if err := session.Send(domain.EventError, domain.ErrorData{Message: message}); err != nil {
		logger.Debugf("send error event: %v", err)
	}
}

package server

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/storage"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startTestServer(t *testing.T, store storage.TaskStore, relay *redis.Client, relayChannel string) string {
	t.Helper()
	logger := quietLogger()
	hub := NewHub(logger, relay, relayChannel)
	rec := NewReconciler(store, hub, NewBoardLocker(nil), logger)
	e := echo.New()
	Register(e, rec, hub, logger)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	if relay != nil {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go hub.RunRelay(ctx)
	}
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialChannel(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	frame, err := env.Encode()
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := domain.DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func joinBoard(t *testing.T, conn *websocket.Conn, boardID string) []domain.Task {
	t.Helper()
	sendEvent(t, conn, domain.EventJoinBoard, boardID)
	env := readEnvelope(t, conn)
	if env.Event != domain.EventTasks {
		t.Fatalf("expected tasks snapshot, got %s", env.Event)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(env.Data, &tasks); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return tasks
}

func TestJoinDeliversOrderedSnapshot(t *testing.T) {
	store := storage.NewMemory()
	seed := []domain.Task{
		{ID: "b", BoardID: "b1", Type: domain.TaskText, Title: "second", Content: domain.TextContent(""), Order: 1},
		{ID: "a", BoardID: "b1", Type: domain.TaskText, Title: "first", Content: domain.TextContent(""), Order: 0},
		{ID: "x", BoardID: "other", Type: domain.TaskText, Title: "elsewhere", Content: domain.TextContent(""), Order: 0},
	}
	for _, task := range seed {
		if _, err := store.Create(context.Background(), task); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	url := startTestServer(t, store, nil, "")

	conn := dialChannel(t, url)
	tasks := joinBoard(t, conn, "b1")
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Fatalf("unexpected snapshot: %+v", tasks)
	}
}

func TestCreateBroadcastsToWholeRoom(t *testing.T) {
	url := startTestServer(t, storage.NewMemory(), nil, "")

	alice := dialChannel(t, url)
	bob := dialChannel(t, url)
	joinBoard(t, alice, "b1")
	joinBoard(t, bob, "b1")

	draft := domain.TaskDraft{
		ID:      "t1",
		BoardID: "b1",
		Type:    domain.TaskText,
		Title:   "shared note",
		Content: domain.TextContent("hello"),
	}
	sendEvent(t, alice, domain.EventCreateTask, draft)

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readEnvelope(t, conn)
		if env.Event != domain.EventTaskCreated {
			t.Fatalf("expected taskCreated, got %s", env.Event)
		}
		var task domain.Task
		if err := sonic.Unmarshal(env.Data, &task); err != nil {
			t.Fatalf("decode task: %v", err)
		}
		if task.ID != "t1" || task.Title != "shared note" {
			t.Fatalf("unexpected task: %+v", task)
		}
	}
}

func TestBroadcastStaysInRoom(t *testing.T) {
	url := startTestServer(t, storage.NewMemory(), nil, "")

	member := dialChannel(t, url)
	outsider := dialChannel(t, url)
	joinBoard(t, member, "b1")
	joinBoard(t, outsider, "b2")

	sendEvent(t, member, domain.EventCreateTask, domain.TaskDraft{
		ID: "t1", BoardID: "b1", Type: domain.TaskText, Title: "private", Content: domain.TextContent(""),
	})
	if env := readEnvelope(t, member); env.Event != domain.EventTaskCreated {
		t.Fatalf("expected taskCreated, got %s", env.Event)
	}

	// The outsider must see nothing from b1. Probe with a follow-up event of
	// its own; the next frame it reads has to be that probe's answer.
	sendEvent(t, outsider, domain.EventCreateTask, domain.TaskDraft{
		ID: "t2", BoardID: "b2", Type: domain.TaskText, Title: "probe", Content: domain.TextContent(""),
	})
	env := readEnvelope(t, outsider)
	if env.Event != domain.EventTaskCreated {
		t.Fatalf("expected probe taskCreated, got %s", env.Event)
	}
	var task domain.Task
	if err := sonic.Unmarshal(env.Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID != "t2" {
		t.Fatalf("event from another room leaked: %+v", task)
	}
}

func TestMalformedPayloadAnswersWithErrorEvent(t *testing.T) {
	url := startTestServer(t, storage.NewMemory(), nil, "")

	conn := dialChannel(t, url)
	joinBoard(t, conn, "b1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"createTask","data":42}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Event != domain.EventError {
		t.Fatalf("expected error event, got %s", env.Event)
	}
	var errData domain.ErrorData
	if err := sonic.Unmarshal(env.Data, &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData.Message == "" {
		t.Fatal("error event carries no message")
	}

	// The session survives the failure.
	sendEvent(t, conn, domain.EventCreateTask, domain.TaskDraft{
		ID: "t1", BoardID: "b1", Type: domain.TaskText, Title: "still alive", Content: domain.TextContent(""),
	})
	if env := readEnvelope(t, conn); env.Event != domain.EventTaskCreated {
		t.Fatalf("expected taskCreated after error, got %s", env.Event)
	}
}

func TestUnknownEventAnswersWithError(t *testing.T) {
	url := startTestServer(t, storage.NewMemory(), nil, "")
	conn := dialChannel(t, url)
	sendEvent(t, conn, "frobnicate", nil)
	if env := readEnvelope(t, conn); env.Event != domain.EventError {
		t.Fatalf("expected error event, got %s", env.Event)
	}
}

func TestDeleteAcceptsBothPayloadShapes(t *testing.T) {
	url := startTestServer(t, storage.NewMemory(), nil, "")
	conn := dialChannel(t, url)
	joinBoard(t, conn, "b1")

	sendEvent(t, conn, domain.EventCreateTask, domain.TaskDraft{
		ID: "t1", BoardID: "b1", Type: domain.TaskText, Title: "by string", Content: domain.TextContent(""),
	})
	readEnvelope(t, conn)
	sendEvent(t, conn, domain.EventCreateTask, domain.TaskDraft{
		ID: "t2", BoardID: "b1", Type: domain.TaskText, Title: "by object", Content: domain.TextContent(""),
	})
	readEnvelope(t, conn)

	// Bare string id.
	sendEvent(t, conn, domain.EventDeleteTask, "t1")
	env := readEnvelope(t, conn)
	if env.Event != domain.EventTaskDeleted {
		t.Fatalf("expected taskDeleted, got %s", env.Event)
	}
	var id string
	if err := sonic.Unmarshal(env.Data, &id); err != nil || id != "t1" {
		t.Fatalf("unexpected taskDeleted payload: %s (%v)", env.Data, err)
	}

	// Object form.
	sendEvent(t, conn, domain.EventDeleteTask, domain.DeleteTarget{ID: "t2", BoardID: "b1"})
	env = readEnvelope(t, conn)
	if env.Event != domain.EventTaskDeleted {
		t.Fatalf("expected taskDeleted, got %s", env.Event)
	}
	if err := sonic.Unmarshal(env.Data, &id); err != nil || id != "t2" {
		t.Fatalf("unexpected taskDeleted payload: %s (%v)", env.Data, err)
	}
}

func TestRelayOutageFallsBackToLocalDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	url := startTestServer(t, storage.NewMemory(), client, "board-updates")
	conn := dialChannel(t, url)
	joinBoard(t, conn, "b1")

	mr.Close()

	sendEvent(t, conn, domain.EventCreateTask, domain.TaskDraft{
		ID: "t1", BoardID: "b1", Type: domain.TaskText, Title: "survives outage", Content: domain.TextContent(""),
	})
	env := readEnvelope(t, conn)
	if env.Event != domain.EventTaskCreated {
		t.Fatalf("expected taskCreated via local delivery, got %s", env.Event)
	}
	var task domain.Task
	if err := sonic.Unmarshal(env.Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Title != "survives outage" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestRelayBridgesServerInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	store := storage.NewMemory()
	newClient := func() *redis.Client {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return client
	}

	urlA := startTestServer(t, store, newClient(), "board-updates")
	urlB := startTestServer(t, store, newClient(), "board-updates")

	alice := dialChannel(t, urlA)
	bob := dialChannel(t, urlB)
	joinBoard(t, alice, "b1")
	joinBoard(t, bob, "b1")

	// Give both relay loops a moment to establish their subscriptions.
	time.Sleep(200 * time.Millisecond)

	sendEvent(t, alice, domain.EventCreateTask, domain.TaskDraft{
		ID: "t1", BoardID: "b1", Type: domain.TaskText, Title: "cross instance", Content: domain.TextContent(""),
	})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := readEnvelope(t, conn)
		if env.Event != domain.EventTaskCreated {
			t.Fatalf("%s: expected taskCreated, got %s", name, env.Event)
		}
		var task domain.Task
		if err := sonic.Unmarshal(env.Data, &task); err != nil {
			t.Fatalf("%s: decode task: %v", name, err)
		}
		if task.Title != "cross instance" {
			t.Fatalf("%s: unexpected task: %+v", name, task)
		}
	}
}

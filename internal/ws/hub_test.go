package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxhq/conductor/internal/bus"
	cerrors "github.com/veloxhq/conductor/internal/errors"
	"github.com/veloxhq/conductor/internal/model"
)

// stubFinder knows a fixed set of projects.
type stubFinder struct {
	known map[string]bool
}

func (s *stubFinder) Get(projectID string) (*model.Project, error) {
	if s.known[projectID] {
		return &model.Project{ID: projectID}, nil
	}
	return nil, cerrors.ErrNotFound
}

func newTestHub(t *testing.T) (*bus.Bus, string) {
	t.Helper()
	events := bus.New(zerolog.Nop())
	t.Cleanup(events.Close)

	hub := NewHub(events, &stubFinder{known: map[string]bool{"p1": true, "p2": true}}, nil, zerolog.Nop())
	t.Cleanup(hub.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleConnection)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return events, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame clientFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestSubscribe_ReceivesEventsInOrder(t *testing.T) {
	events, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "subscribe", ProjectID: "p1"})
	ack := readFrame(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "p1", ack.ProjectID)

	for i := 0; i < 3; i++ {
		events.Publish(bus.Event{ProjectID: "p1", Type: bus.TypeNewMessage})
	}

	for i := 1; i <= 3; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, "event", frame.Type)
		require.NotNil(t, frame.Event)
		assert.Equal(t, bus.TypeNewMessage, frame.Event.Type)
		assert.Equal(t, int64(i), frame.Event.Seq)
	}
}

func TestSubscribe_UnknownProject(t *testing.T) {
	_, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "subscribe", ProjectID: "ghost"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "unknown project")
}

func TestSubscribe_MissingProjectID(t *testing.T) {
	_, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "subscribe"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestPing(t *testing.T) {
	_, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "ping"})
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Type)
}

func TestUnknownFrameType(t *testing.T) {
	_, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "shout"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "unknown frame type")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	events, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "subscribe", ProjectID: "p1"})
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	send(t, conn, clientFrame{Type: "unsubscribe", ProjectID: "p1"})
	require.Equal(t, "unsubscribed", readFrame(t, conn).Type)

	events.Publish(bus.Event{ProjectID: "p1", Type: bus.TypeNewMessage})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var frame serverFrame
	err := conn.ReadJSON(&frame)
	assert.Error(t, err, "no event should arrive after unsubscribe")
}

func TestSubscribe_TwoProjects(t *testing.T) {
	events, url := newTestHub(t)
	conn := dialHub(t, url)

	send(t, conn, clientFrame{Type: "subscribe", ProjectID: "p1"})
	require.Equal(t, "subscribed", readFrame(t, conn).Type)
	send(t, conn, clientFrame{Type: "subscribe", ProjectID: "p2"})
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	events.Publish(bus.Event{ProjectID: "p1", Type: bus.TypeProjectStatusChanged})
	events.Publish(bus.Event{ProjectID: "p2", Type: bus.TypeAgentStuck})

	got := map[string]bus.Type{}
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, "event", frame.Type)
		got[frame.ProjectID] = frame.Event.Type
	}
	assert.Equal(t, bus.TypeProjectStatusChanged, got["p1"])
	assert.Equal(t, bus.TypeAgentStuck, got["p2"])
}

func TestSubscribe_NoReplayOfHistory(t *testing.T) {
	events, url := newTestHub(t)

	// Published before any subscription exists.
	events.Publish(bus.Event{ProjectID: "p1", Type: bus.TypeProjectCreated})

	conn := dialHub(t, url)
	send(t, conn, clientFrame{Type: "subscribe", ProjectID: "p1"})
	require.Equal(t, "subscribed", readFrame(t, conn).Type)

	events.Publish(bus.Event{ProjectID: "p1", Type: bus.TypeNewMessage})

	frame := readFrame(t, conn)
	require.Equal(t, "event", frame.Type)
	assert.Equal(t, bus.TypeNewMessage, frame.Event.Type)
}

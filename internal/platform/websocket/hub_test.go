package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/ipd/internal/platform/events"
)

func newClient(hub *Hub, id, tenant string, topics ...string) *Client {
	return &Client{ID: id, Tenant: tenant, Topics: topics, Send: make(chan []byte, sendBuffer), hub: hub}
}

func mustEvent(t *testing.T, typ, subject string) events.Event {
	t.Helper()
	ev, err := events.New(typ, subject, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "c1", "", events.TopicDischarge, "bogus")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(events.TopicDischarge) != 1 {
		t.Fatalf("expected 1 discharge subscriber, got %d", hub.TopicCount(events.TopicDischarge))
	}
	if hub.TopicCount("bogus") != 0 {
		t.Error("expected unknown topic to be ignored")
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(events.TopicDischarge) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
	hub.Unregister(client)
}

func TestHub_PublishRoutesByTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	board := newClient(hub, "board", "", events.TopicDischarge)
	theatre := newClient(hub, "theatre", "", events.TopicTheatre)
	follower := newClient(hub, "follower", "", "visit:V1")
	both := newClient(hub, "both", "", events.TopicDischarge, "visit:V1")
	for _, c := range []*Client{board, theatre, follower, both} {
		hub.Register(c)
	}

	hub.Publish(context.Background(), mustEvent(t, events.TypeChecklistUpdated, "V1"))

	for _, c := range []*Client{board, follower, both} {
		select {
		case msg := <-c.Send:
			var got events.Event
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != events.TypeChecklistUpdated || got.SubjectID != "V1" {
				t.Errorf("%s: unexpected event %+v", c.ID, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive event", c.ID)
		}
	}
	if len(both.Send) != 0 {
		t.Error("client on two matching topics must receive the event once")
	}
	if len(theatre.Send) != 0 {
		t.Error("theatre board must not receive discharge events")
	}
}

func TestHub_PublishTenantIsolation(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	north := newClient(hub, "north", "north", events.TopicTheatre)
	south := newClient(hub, "south", "south", events.TopicTheatre)
	hub.Register(north)
	hub.Register(south)

	ev := mustEvent(t, events.TypeTheatreStatusChanged, "T1")
	ev.Tenant = "north"
	hub.Publish(context.Background(), ev)

	if len(north.Send) != 1 {
		t.Error("expected tenant's own board to receive the event")
	}
	if len(south.Send) != 0 {
		t.Error("expected other tenant to be isolated")
	}
}

func TestHub_PublishDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{events.TopicDischarge}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(slow)

	ev := mustEvent(t, events.TypeChecklistUpdated, "V1")
	hub.Publish(context.Background(), ev)
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish must not fail for slow clients: %v", err)
	}
	if len(slow.Send) != 1 {
		t.Errorf("expected one buffered event, got %d", len(slow.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(hub, "c", "")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"visit:V1", "theatre_patient:T1", "visit:", "visit:V1"}})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}
	if hub.TopicCount("visit:V1") != 1 || hub.TopicCount("theatre_patient:T1") != 1 {
		t.Fatal("expected subscriptions to be recorded")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"visit:V1"}})
	if hub.TopicCount("visit:V1") != 0 {
		t.Fatal("expected visit:V1 to be removed")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "theatre_patient:T1" {
		t.Fatalf("unexpected remaining topics %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "noop", Topics: []string{events.TopicTheatre}})
	if hub.TopicCount(events.TopicTheatre) != 0 {
		t.Fatal("unknown action must be ignored")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ev := mustEvent(t, events.TypeTheatreStatusChanged, "T1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient(hub, "c", "", events.TopicTheatre)
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), ev)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	err := NewHandler(NewHub(zerolog.Nop()), nil).HandleConnect(e.NewContext(req, rec))
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"https://ipd.example.org"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(req) {
		t.Error("expected foreign origin to be rejected")
	}
	req.Header.Set("Origin", "https://ipd.example.org")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected configured origin to be accepted")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=theatre"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount(events.TopicTheatre) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(events.TopicTheatre) != 1 {
		t.Fatal("expected the connection to be subscribed from the query parameter")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"visit:V9"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	for hub.TopicCount("visit:V9") != 1 && time.Now().Before(deadline.Add(time.Second)) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), mustEvent(t, events.TypeGatePassIssued, "V9"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != events.TypeGatePassIssued || received.SubjectID != "V9" {
		t.Fatalf("unexpected event %+v", received)
	}
}

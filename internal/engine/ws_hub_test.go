package engine_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voyapay/rate-engine/internal/engine"
)

func newTestHub(t *testing.T) (*engine.WSHub, string) {
	t.Helper()
	h := engine.NewWSHub()
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, h *engine.WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", want, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_BroadcastReachesAllClients(t *testing.T) {
	h, url := newTestHub(t)

	c1 := dialWS(t, url)
	defer c1.Close()
	c2 := dialWS(t, url)
	defer c2.Close()
	waitForClients(t, h, 2)

	h.Broadcast(engine.WSMessage{
		Type:         "rate_update",
		CurrencyCode: "USD",
		BaseRate:     "1352.5",
		Source:       "centralbank",
	})

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client never received broadcast: %v", err)
		}
		if !strings.Contains(string(data), `"currency_code":"USD"`) {
			t.Errorf("unexpected message: %s", data)
		}
	}
}

func TestWSHub_FailedClientEvictedWhileBroadcasting(t *testing.T) {
	h, url := newTestHub(t)

	doomed := dialWS(t, url)
	healthy := dialWS(t, url)
	defer healthy.Close()
	waitForClients(t, h, 2)

	// Kill one client; server-side writes to it start failing while
	// broadcasts keep flowing.
	doomed.Close()
	for i := 0; i < 50; i++ {
		h.Broadcast(engine.WSMessage{Type: "rate_update", CurrencyCode: "JPY", BaseRate: "9.12"})
		time.Sleep(time.Millisecond)
	}

	waitForClients(t, h, 1)

	// The surviving client still receives broadcasts after the eviction.
	h.Broadcast(engine.WSMessage{Type: "rate_update", CurrencyCode: "EUR", BaseRate: "1480.25"})
	healthy.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := healthy.ReadMessage(); err != nil {
		t.Fatalf("healthy client stopped receiving after eviction: %v", err)
	}
}

func TestWSHub_DisconnectUnregisters(t *testing.T) {
	h, url := newTestHub(t)

	conn := dialWS(t, url)
	waitForClients(t, h, 1)

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitForClients(t, h, 0)
}

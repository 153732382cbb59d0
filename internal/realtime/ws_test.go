package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func allowAnyToken(_ *http.Request, _ string) (string, error) {
	return "usr_1", nil
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
}

func liveSubscriptions(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, table := range h.subs {
		n += len(table)
	}
	return n
}

func waitForSubscriptions(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if liveSubscriptions(h) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d live subscriptions, got %d", want, liveSubscriptions(h))
}

func TestHandlerRequiresToken(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(Handler(hub, allowAnyToken))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?tables=posts")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestHandlerRejectsInvalidToken(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	deny := func(_ *http.Request, _ string) (string, error) {
		return "", errors.New("invalid token")
	}
	srv := httptest.NewServer(Handler(hub, deny))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?token=bad&tables=posts")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected token, got %d", resp.StatusCode)
	}
	if liveSubscriptions(hub) != 0 {
		t.Fatalf("expected no subscriptions, got %d", liveSubscriptions(hub))
	}
}

func TestHandlerRequiresTables(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(Handler(hub, allowAnyToken))
	defer srv.Close()

	for _, query := range []string{"token=tok", "token=tok&tables=", "token=tok&tables=,%20,"} {
		resp, err := http.Get(srv.URL + "/?" + query)
		if err != nil {
			t.Fatalf("request %q: %v", query, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422 for %q, got %d", query, resp.StatusCode)
		}
	}
}

func TestHandlerDeliversEventsAsJSON(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(Handler(hub, allowAnyToken))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=tok&tables=posts"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	waitForSubscriptions(t, hub, 1)
	hub.Publish(NewEvent("posts", KindInsert, "post_1", "usr_1", map[string]string{"id": "post_1", "title": "hello"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode event: %v payload=%s", err, payload)
	}
	if ev.Table != "posts" || ev.Kind != KindInsert || ev.RowID != "post_1" || ev.Actor != "usr_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	var row map[string]string
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row["title"] != "hello" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestHandlerReleasesSubscriptionsOnClientClose(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(Handler(hub, allowAnyToken))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=tok&tables=posts,users"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()

	waitForSubscriptions(t, hub, 2)

	// Dropping the connection must release every table subscription.
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForSubscriptions(t, hub, 0)

	// The feed keeps working for later subscribers.
	hub.Publish(NewEvent("posts", KindUpdate, "post_1", "", nil))
	sub := hub.Subscribe("posts")
	defer sub.Close()
	hub.Publish(NewEvent("posts", KindUpdate, "post_2", "", nil))
	select {
	case ev := <-sub.Events():
		if ev.RowID != "post_2" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}

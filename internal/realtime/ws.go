package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth gates the connection; origin checks belong to the
		// CORS policy of the surrounding deployment.
		return true
	},
}

// AuthFunc validates the token query parameter and returns the user id.
type AuthFunc func(r *http.Request, token string) (string, error)

// Handler upgrades to a WebSocket and streams change-feed events for the
// requested tables (`?tables=posts,users`). Every subscription is closed
// on every exit path: client close, read error, write error, hub close.
func Handler(hub *Hub, authorize AuthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}
		userID, err := authorize(r, token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		tables := splitTables(r.URL.Query().Get("tables"))
		if len(tables) == 0 {
			http.Error(w, "tables required", http.StatusUnprocessableEntity)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("realtime: websocket upgrade failed: %v", err)
			return
		}

		client := &wsClient{
			conn:   conn,
			userID: userID,
			send:   make(chan Event, subscriptionBuffer),
			done:   make(chan struct{}),
		}
		for _, table := range tables {
			client.subs = append(client.subs, hub.Subscribe(table))
		}

		for _, sub := range client.subs {
			go client.forward(sub)
		}
		go client.writePump()
		go client.readPump()
	}
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	subs   []*Subscription
	send   chan Event
	done   chan struct{}
	once   sync.Once
}

// teardown closes every subscription exactly once; done stops the
// forwarders so nothing writes to send after the conn is gone.
func (c *wsClient) teardown() {
	c.once.Do(func() {
		close(c.done)
		for _, sub := range c.subs {
			sub.Close()
		}
		_ = c.conn.Close()
	})
}

func (c *wsClient) forward(sub *Subscription) {
	for ev := range sub.Events() {
		select {
		case c.send <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// Clients only send control frames; any read error means the
		// connection is gone.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("realtime: websocket read error for %s: %v", c.userID, err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("realtime: marshal event: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func splitTables(raw string) []string {
	var tables []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tables = append(tables, trimmed)
		}
	}
	return tables
}

package events

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	// defaultQueueDepth is the per-session send buffer when the config
	// does not set eventQueueDepth.
	defaultQueueDepth = 256
)

// clientRequest is an inbound control message.
type clientRequest struct {
	Action string `json:"action"` // "subscribe", "unsubscribe", "ping"
	Topic  string `json:"topic"`
}

// Client is one websocket session. userID is empty for anonymous
// sessions, which can only use public topics.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id     string
	userID string

	// dropped counts messages lost to a full send buffer since the
	// last notice.
	dropped atomic.Int64

	limiter *rate.Limiter
	logger  log.Logger
}

// NewClient wraps an upgraded connection. queueDepth sizes the
// outbound event buffer; msgRate bounds inbound control messages per
// second.
func NewClient(hub *Hub, conn *websocket.Conn, id, userID string, queueDepth, msgRate int, logger log.Logger) *Client {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if msgRate <= 0 {
		msgRate = 20
	}
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, queueDepth),
		id:      id,
		userID:  userID,
		limiter: rate.NewLimiter(rate.Limit(msgRate), msgRate),
		logger:  logger.With("client", id),
	}
}

// UserID returns the session's user id, empty when anonymous.
func (c *Client) UserID() string {
	return c.userID
}

// enqueue marshals and queues a message, counting it as dropped if the
// buffer is full.
func (c *Client) enqueue(msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(raw)
}

// trySend queues raw without blocking. A full buffer sheds the oldest
// queued message first, so a stalled session resumes with the freshest
// state; every shed message counts toward the next "dropped" notice.
func (c *Client) trySend(raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
	}
	select {
	case <-c.send:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Client) closeSend() {
	close(c.send)
}

// readPump consumes control messages until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error", "err", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("rate_limited", "too many messages")
			continue
		}

		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendError("invalid_message", "failed to parse message")
			continue
		}
		c.handleRequest(&req)
	}
}

// writePump drains the send buffer to the connection and keeps the
// session alive with pings. A pending drop count turns into a notice
// before the next message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if n := c.dropped.Swap(0); n > 0 {
				notice, _ := json.Marshal(&Message{
					Type: "dropped",
					Data: map[string]int64{"count": n},
				})
				if err := c.conn.WriteMessage(websocket.TextMessage, notice); err != nil {
					return
				}
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req *clientRequest) {
	switch req.Action {
	case "subscribe":
		if req.Topic == "" {
			c.sendError("invalid_topic", "topic cannot be empty")
			return
		}
		if !c.canAccess(req.Topic) {
			c.sendError("unauthorized", "not authorized for topic "+req.Topic)
			return
		}
		c.hub.subscribe <- &subscriptionRequest{client: c, topic: req.Topic}
	case "unsubscribe":
		c.hub.unsubscribe <- &subscriptionRequest{client: c, topic: req.Topic}
	case "ping":
		c.enqueue(&Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().UnixMilli()}})
	default:
		c.sendError("unknown_action", "unknown action "+req.Action)
	}
}

// canAccess allows public topics for everyone and user topics only for
// the matching session.
func (c *Client) canAccess(topic string) bool {
	for _, prefix := range []string{TopicPrice, TopicOrderBook, TopicTrades} {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	if topic == TopicSystem {
		return true
	}
	for _, prefix := range []string{TopicUserOrders, TopicUserTrades, TopicUserAssets} {
		if strings.HasPrefix(topic, prefix) {
			return c.userID != "" && topic == prefix+c.userID
		}
	}
	return false
}

func (c *Client) sendError(code, msg string) {
	c.enqueue(&Message{Type: "error", Data: map[string]string{"code": code, "message": msg}})
}

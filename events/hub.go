// Package events fans out market and account events to websocket
// subscribers. Delivery is best-effort: a slow session drops messages
// rather than stalling the matching path, and learns how many it lost.
package events

import (
	"encoding/json"
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/spot-dex/metrics"
)

// Topic prefixes. Market topics are public; user topics are private to
// the named user.
const (
	TopicPrice      = "price:"      // price:BTCUSDT - ticker updates
	TopicOrderBook  = "orderbook:"  // orderbook:BTCUSDT - depth deltas
	TopicTrades     = "trades:"     // trades:BTCUSDT - public executions
	TopicUserOrders = "userOrders:" // userOrders:42 - order updates
	TopicUserTrades = "userTrades:" // userTrades:42 - own executions
	TopicUserAssets = "userAssets:" // userAssets:42 - balance updates
	TopicSystem     = "system"      // engine halts and operator notices
)

// Message is the envelope every broadcast uses.
type Message struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data,omitempty"`
}

// subscriptionRequest moves a subscribe/unsubscribe into the hub loop.
type subscriptionRequest struct {
	client *Client
	topic  string
}

// Hub routes messages to subscribed clients. All registration and
// subscription changes funnel through the run loop; broadcasts take
// the read lock only.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest
	done        chan struct{}

	onSubscribe func(client *Client, topic string)

	logger log.Logger
	mets   *metrics.Collector
}

// NewHub creates a hub. onSubscribe, if non-nil, runs after each new
// subscription; the server uses it to push a depth snapshot to fresh
// orderbook subscribers.
func NewHub(logger log.Logger, onSubscribe func(client *Client, topic string)) *Hub {
	return &Hub{
		topics:      make(map[string]map[*Client]bool),
		register:    make(chan *Client, 64),
		unregister:  make(chan *Client, 64),
		subscribe:   make(chan *subscriptionRequest, 256),
		unsubscribe: make(chan *subscriptionRequest, 256),
		done:        make(chan struct{}),
		onSubscribe: onSubscribe,
		logger:      logger.With("module", "events"),
		mets:        metrics.GetCollector(),
	}
}

// Run drives registration and subscription changes until Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mets.WSConnectionsActive.Inc()
			h.logger.Debug("client connected", "client", client.id, "user", client.userID)

		case client := <-h.unregister:
			h.dropClient(client)

		case req := <-h.subscribe:
			h.addSubscription(req.client, req.topic)

		case req := <-h.unsubscribe:
			h.removeSubscription(req.client, req.topic)

		case <-h.done:
			return
		}
	}
}

// Stop terminates the run loop. Existing clients close via their pumps.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) addSubscription(client *Client, topic string) {
	h.mu.Lock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[*Client]bool)
	}
	h.topics[topic][client] = true
	h.mu.Unlock()

	client.enqueue(&Message{Type: "subscribed", Topic: topic})
	if h.onSubscribe != nil {
		h.onSubscribe(client, topic)
	}
}

func (h *Hub) removeSubscription(client *Client, topic string) {
	h.mu.Lock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	client.enqueue(&Message{Type: "unsubscribed", Topic: topic})
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	for topic, subs := range h.topics {
		if subs[client] {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.mu.Unlock()

	client.closeSend()
	h.mets.WSConnectionsActive.Dec()
	h.logger.Debug("client disconnected", "client", client.id, "user", client.userID)
}

// Broadcast sends a typed payload to every subscriber of topic. Slow
// subscribers drop the message and are told how many they missed.
func (h *Hub) Broadcast(topic, msgType string, data interface{}) {
	h.mu.RLock()
	subs, ok := h.topics[topic]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(subs))
	for c := range subs {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	raw, err := json.Marshal(&Message{Type: msgType, Topic: topic, Data: data})
	if err != nil {
		h.logger.Error("marshal broadcast", "topic", topic, "err", err)
		return
	}

	for _, c := range clients {
		if c.trySend(raw) {
			h.mets.EventsPublished.WithLabelValues(msgType).Inc()
		} else {
			h.mets.EventsDropped.WithLabelValues(msgType).Inc()
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

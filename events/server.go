package events

import (
	"net/http"
	"strings"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openalpha/spot-dex/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The core sits behind a gateway that enforces origins.
		return true
	},
}

// DepthProvider serves the snapshot pushed to fresh orderbook
// subscribers. The engine service implements it.
type DepthProvider interface {
	Depth(symbol string, n int) (*types.DepthView, error)
}

// Server upgrades websocket sessions and hands them to the hub.
type Server struct {
	hub        *Hub
	depth      DepthProvider
	depthN     int
	queueDepth int
	msgRate    int
	logger     log.Logger
}

// NewServer wires the websocket entry point. depthN is the snapshot
// size sent on orderbook subscription, queueDepth the per-session
// outbound buffer, msgRate the inbound control message rate per
// session.
func NewServer(depth DepthProvider, depthN, queueDepth, msgRate int, logger log.Logger) *Server {
	s := &Server{
		depth:      depth,
		depthN:     depthN,
		queueDepth: queueDepth,
		msgRate:    msgRate,
		logger:     logger.With("module", "ws"),
	}
	s.hub = NewHub(logger, s.onSubscribe)
	return s
}

// Hub returns the server's hub for publishers.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start launches the hub loop.
func (s *Server) Start() {
	go s.hub.Run()
}

// Stop terminates the hub loop.
func (s *Server) Stop() {
	s.hub.Stop()
}

// onSubscribe pushes a full depth snapshot to a fresh orderbook
// subscriber so deltas have a base to apply against.
func (s *Server) onSubscribe(client *Client, topic string) {
	if !strings.HasPrefix(topic, TopicOrderBook) {
		return
	}
	symbol := strings.TrimPrefix(topic, TopicOrderBook)
	snap, err := s.depth.Depth(symbol, s.depthN)
	if err != nil {
		s.logger.Debug("depth snapshot on subscribe", "symbol", symbol, "err", err)
		return
	}
	client.enqueue(&Message{Type: "depth_snapshot", Topic: topic, Data: snap})
}

// ServeWS handles the websocket upgrade. The user_id query parameter
// is trusted: authentication happens at the gateway in front of the
// core.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "err", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	client := NewClient(s.hub, conn, uuid.NewString(), userID, s.queueDepth, s.msgRate, s.logger)

	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

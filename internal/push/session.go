// Package push delivers queued envelopes over long-lived WebSocket sessions.
// A session layers a short-interval poll loop and a keepalive loop over the
// same mailbox operations the HTTP surface exposes; it owns no persistent
// state, relying entirely on client acks to stop redelivery.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/relay/internal/mailbox"
	"gitlab.com/secp/services/relay/internal/metrics"
	"gitlab.com/secp/services/relay/internal/models"
)

// deliveryPollLimit bounds how many messages one delivery tick pushes.
// Un-acked messages simply come around again on the next tick.
const deliveryPollLimit = 10

type Gateway struct {
	mailbox  *mailbox.Service
	log      *slog.Logger
	upgrader websocket.Upgrader

	pollInterval time.Duration
	pingInterval time.Duration
}

func NewGateway(mb *mailbox.Service, log *slog.Logger, pollInterval, pingInterval time.Duration) *Gateway {
	return &Gateway{
		mailbox: mb,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  128 * 1024,
			WriteBufferSize: 128 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins (configure appropriately for production)
			},
		},
		pollInterval: pollInterval,
		pingInterval: pingInterval,
	}
}

// ServeWs upgrades the request and runs the session loop until the client
// disconnects.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	metrics.WsSessions.Inc()
	defer metrics.WsSessions.Dec()

	sess := &session{
		gateway: g,
		conn:    conn,
	}
	sess.run()
}

// inboundFrame carries one client frame (or the read error that ended the
// connection) from the read pump to the session loop.
type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// session is the per-connection state machine. keyHash is empty while
// unsubscribed; a new subscribe replaces it without closing the connection.
type session struct {
	gateway *Gateway
	conn    *websocket.Conn
	keyHash string
}

// run multiplexes inbound frames, the delivery ticker and the keepalive
// ticker. Exactly one event is serviced at a time, and all writes happen
// from this goroutine.
func (s *session) run() {
	defer s.conn.Close()

	done := make(chan struct{})
	defer close(done)

	inbound := make(chan inboundFrame)
	go s.readPump(inbound, done)

	deliveryTicker := time.NewTicker(s.gateway.pollInterval)
	defer deliveryTicker.Stop()
	keepaliveTicker := time.NewTicker(s.gateway.pingInterval)
	defer keepaliveTicker.Stop()

	for {
		select {
		case frame, ok := <-inbound:
			if !ok || frame.err != nil {
				if s.keyHash != "" {
					s.gateway.log.Debug("websocket disconnected", "key_hash", s.keyHash)
				}
				return
			}
			if frame.messageType == websocket.BinaryMessage {
				if err := s.writeJSON(models.NewWsError("Binary messages not supported")); err != nil {
					return
				}
				continue
			}
			if !s.handleFrame(frame.data) {
				return
			}

		case <-deliveryTicker.C:
			if !s.deliverPending() {
				return
			}

		case <-keepaliveTicker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readPump feeds client frames into the session loop. It is the only reader
// of the connection; done unblocks it when the loop exits first.
func (s *session) readPump(inbound chan<- inboundFrame, done <-chan struct{}) {
	defer close(inbound)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.gateway.log.Debug("websocket read error", "error", err)
			}
			select {
			case inbound <- inboundFrame{err: err}:
			case <-done:
			}
			return
		}
		select {
		case inbound <- inboundFrame{messageType: messageType, data: data}:
		case <-done:
			return
		}
	}
}

// handleFrame processes one text frame from the client. Protocol errors are
// reported back without closing the connection; only write failures end the
// session. Returns false when the session should terminate.
func (s *session) handleFrame(data []byte) bool {
	var frame models.WsClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.gateway.log.Warn("failed to parse websocket frame", "error", err)
		return s.writeJSON(models.NewWsError("Invalid message format")) == nil
	}

	switch frame.Type {
	case models.WsTypeSubscribe:
		if frame.KeyHash == "" || len(frame.KeyHash) > models.MaxKeyHashLen {
			return s.writeJSON(models.NewWsError("Invalid key_hash")) == nil
		}
		s.keyHash = frame.KeyHash
		s.gateway.log.Debug("websocket subscribed", "key_hash", frame.KeyHash)
		return s.writeJSON(models.NewWsSubscribed(frame.KeyHash)) == nil

	case models.WsTypeAck:
		if s.keyHash == "" {
			return s.writeJSON(models.NewWsError("Not subscribed")) == nil
		}
		deleted, err := s.gateway.mailbox.Delete(context.Background(), s.keyHash, frame.MessageIDs)
		if err != nil {
			s.gateway.log.Error("websocket ack failed", "error", err)
			return s.writeJSON(models.NewWsError("Failed to acknowledge messages")) == nil
		}
		metrics.MessagesAcked.Add(float64(deleted))
		return s.writeJSON(models.NewWsAcked(deleted)) == nil

	case models.WsTypePing:
		return s.writeJSON(models.NewWsPong()) == nil

	default:
		return s.writeJSON(models.NewWsError("Unknown message type")) == nil
	}
}

// deliverPending pushes everything at the queue head to the client. Polling
// from the head on every tick, with no per-connection cursor, means un-acked
// messages are re-sent each interval until acked or expired; the client's
// ack is the only "don't redeliver" signal. Returns false on write failure.
func (s *session) deliverPending() bool {
	if s.keyHash == "" {
		return true
	}

	messages, _, err := s.gateway.mailbox.Poll(context.Background(), s.keyHash, deliveryPollLimit, "")
	if err != nil {
		// Storage hiccups are not fatal to the session; the next tick retries.
		s.gateway.log.Error("failed to poll messages for websocket", "error", err)
		return true
	}

	for _, envelope := range messages {
		if err := s.writeJSON(models.NewWsNewMessage(envelope)); err != nil {
			return false
		}
		metrics.MessagesPushed.Inc()
	}
	return true
}

func (s *session) writeJSON(v interface{}) error {
	return s.conn.WriteJSON(v)
}

package push

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/relay/internal/mailbox"
	"gitlab.com/secp/services/relay/internal/models"
)

func newTestGateway(t *testing.T) (*Gateway, *mailbox.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mb := mailbox.NewService(rdb, log)
	// Fast delivery ticks; keepalive far away so it never interferes.
	return NewGateway(mb, log, 30*time.Millisecond, time.Hour), mb
}

func dialTestGateway(t *testing.T, gw *Gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWs))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads server frames until one of the wanted type arrives,
// tolerating interleaved delivery frames.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == wantType {
			return frame
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for %s", wantType)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func testEnvelope(nonce string) models.Envelope {
	return models.Envelope{
		RecipientKeyHash: "recipient-ws",
		EncryptedPayload: "cGF5bG9hZA==",
		TTLHours:         4,
		Priority:         models.PriorityNormal,
		Nonce:            nonce,
		CreatedAt:        time.Now().UnixMilli(),
	}
}

func TestSubscribeAndConfirm(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-ws"})
	frame := readFrame(t, conn, models.WsTypeSubscribed)
	assert.Equal(t, "recipient-ws", frame["key_hash"])
}

func TestSubscribeInvalidKeyHash(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: strings.Repeat("a", 65)})
	frame := readFrame(t, conn, models.WsTypeError)
	assert.Equal(t, "Invalid key_hash", frame["message"])

	// Connection stays usable after the protocol error.
	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-ws"})
	readFrame(t, conn, models.WsTypeSubscribed)
}

func TestDeliveryLoopPushesStoredMessages(t *testing.T) {
	gw, mb := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-ws"})
	readFrame(t, conn, models.WsTypeSubscribed)

	id, _, err := mb.Store(context.Background(), testEnvelope("n-push"))
	require.NoError(t, err)

	frame := readFrame(t, conn, models.WsTypeNewMessage)
	envelope, ok := frame["envelope"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, id, envelope["id"])
	assert.Equal(t, "recipient-ws", envelope["recipient_key_hash"])
}

func TestUnackedMessagesAreRedelivered(t *testing.T) {
	gw, mb := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-ws"})
	readFrame(t, conn, models.WsTypeSubscribed)

	id, _, err := mb.Store(context.Background(), testEnvelope("n-redeliver"))
	require.NoError(t, err)

	// No cursor is kept per connection, so the same message shows up on
	// consecutive ticks until acked.
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn, models.WsTypeNewMessage)
		envelope := frame["envelope"].(map[string]interface{})
		assert.Equal(t, id, envelope["id"])
	}
}

func TestAckStopsRedelivery(t *testing.T) {
	gw, mb := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-ws"})
	readFrame(t, conn, models.WsTypeSubscribed)

	id, _, err := mb.Store(context.Background(), testEnvelope("n-ack"))
	require.NoError(t, err)
	readFrame(t, conn, models.WsTypeNewMessage)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeAck, MessageIDs: []string{id}})
	frame := readFrame(t, conn, models.WsTypeAcked)
	assert.Equal(t, float64(1), frame["deleted"])

	count, err := mb.PendingCount(context.Background(), "recipient-ws")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestAckWhileUnsubscribed(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeAck, MessageIDs: []string{"some-id"}})
	frame := readFrame(t, conn, models.WsTypeError)
	assert.Equal(t, "Not subscribed", frame["message"])
}

func TestPingPong(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypePing})
	readFrame(t, conn, models.WsTypePong)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn, models.WsTypeError)
	assert.Equal(t, "Invalid message format", frame["message"])

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypePing})
	readFrame(t, conn, models.WsTypePong)
}

func TestBinaryFrameRejected(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	frame := readFrame(t, conn, models.WsTypeError)
	assert.Equal(t, "Binary messages not supported", frame["message"])
}

func TestResubscribeReplacesKeyHash(t *testing.T) {
	gw, mb := newTestGateway(t)
	conn := dialTestGateway(t, gw)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-old"})
	readFrame(t, conn, models.WsTypeSubscribed)

	sendFrame(t, conn, models.WsClientFrame{Type: models.WsTypeSubscribe, KeyHash: "recipient-new"})
	frame := readFrame(t, conn, models.WsTypeSubscribed)
	assert.Equal(t, "recipient-new", frame["key_hash"])

	// Messages for the new subscription arrive; the old queue is no longer
	// watched.
	env := testEnvelope("n-new")
	env.RecipientKeyHash = "recipient-new"
	id, _, err := mb.Store(context.Background(), env)
	require.NoError(t, err)

	got := readFrame(t, conn, models.WsTypeNewMessage)
	envelope := got["envelope"].(map[string]interface{})
	assert.Equal(t, id, envelope["id"])
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonbridge/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newPortServer runs script against every websocket that attaches and
// returns a ws:// base URL.
func newPortServer(t *testing.T, script func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(srv.Close)
	return strings.Replace(srv.URL, "http", "ws", 1)
}

func respondTo(ws *websocket.Conn, msg models.Message, result string) error {
	params, _ := json.Marshal(models.RPCResponse{Method: msg.Method, Result: json.RawMessage(result)})
	return ws.WriteJSON(models.Message{Method: models.MethodResponse, ID: msg.ID, Params: params})
}

func TestAskCorrelation(t *testing.T) {
	url := newPortServer(t, func(ws *websocket.Conn) {
		for {
			var msg models.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			//nolint:errcheck
			respondTo(ws, msg, `"pong"`)
		}
	})

	port := NewPort(url, models.PortNameContentScript, "https://dapp.example.com")
	require.NoError(t, port.Connect(context.Background()))
	defer port.Close()

	result, err := port.Ask(context.Background(), models.MethodPing, nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result))
}

func TestAskTimeoutRemovesPending(t *testing.T) {
	url := newPortServer(t, func(ws *websocket.Conn) {
		// swallow everything, never answer
		for {
			var msg models.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
		}
	})

	port := NewPort(url, models.PortNameContentScript, "https://dapp.example.com")
	require.NoError(t, port.Connect(context.Background()))
	defer port.Close()

	_, err := port.Ask(context.Background(), models.MethodPing, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrAskTimeout)

	port.mu.Lock()
	pending := len(port.pending)
	port.mu.Unlock()
	assert.Zero(t, pending)
}

func TestAskContextCancel(t *testing.T) {
	url := newPortServer(t, func(ws *websocket.Conn) {
		for {
			var msg models.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
		}
	})

	port := NewPort(url, models.PortNameContentScript, "https://dapp.example.com")
	require.NoError(t, port.Connect(context.Background()))
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := port.Ask(ctx, models.MethodPing, nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAskErrorResponse(t *testing.T) {
	url := newPortServer(t, func(ws *websocket.Conn) {
		for {
			var msg models.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			params, _ := json.Marshal(models.RPCResponse{
				Method: msg.Method,
				Error:  models.ErrUserDecline(),
			})
			//nolint:errcheck
			ws.WriteJSON(models.Message{Method: models.MethodResponse, ID: msg.ID, Params: params})
		}
	})

	port := NewPort(url, models.PortNameContentScript, "https://dapp.example.com")
	require.NoError(t, port.Connect(context.Background()))
	defer port.Close()

	_, err := port.Ask(context.Background(), models.MethodSendTransaction, nil, time.Second)
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeUserDecline, be.Code)
}

func TestUnmatchedResponseReachesBus(t *testing.T) {
	ready := make(chan struct{})
	url := newPortServer(t, func(ws *websocket.Conn) {
		<-ready
		//nolint:errcheck
		respondTo(ws, models.Message{Method: "anything", ID: 424242}, `"late"`)
		// keep the socket open while the client reads
		var msg models.Message
		//nolint:errcheck
		ws.ReadJSON(&msg)
	})

	port := NewPort(url, models.PortNameContentScript, "https://dapp.example.com")
	require.NoError(t, port.Connect(context.Background()))
	defer port.Close()

	got := make(chan models.Message, 1)
	port.Bus().On(models.MethodResponse, func(msg models.Message) {
		got <- msg
	})
	close(ready)

	select {
	case msg := <-got:
		assert.Equal(t, int64(424242), msg.ID)
	case <-time.After(time.Second):
		t.Fatal("unmatched response never reached the bus")
	}
}

func TestInboundEventReachesBus(t *testing.T) {
	ready := make(chan struct{})
	url := newPortServer(t, func(ws *websocket.Conn) {
		<-ready
		//nolint:errcheck
		ws.WriteJSON(models.Message{Method: models.EventAccountsChanged, Params: json.RawMessage(`["addr"]`)})
		var msg models.Message
		//nolint:errcheck
		ws.ReadJSON(&msg)
	})

	port := NewPort(url, models.PortNameContentScript, "https://dapp.example.com")
	require.NoError(t, port.Connect(context.Background()))
	defer port.Close()

	got := make(chan models.Message, 1)
	port.Bus().On(models.EventAccountsChanged, func(msg models.Message) {
		got <- msg
	})
	close(ready)

	select {
	case msg := <-got:
		assert.JSONEq(t, `["addr"]`, string(msg.Params))
	case <-time.After(time.Second):
		t.Fatal("event never reached the bus")
	}
}

func TestWriteStates(t *testing.T) {
	port := NewPort("ws://127.0.0.1:1", models.PortNameContentScript, "https://dapp.example.com")

	err := port.Post(models.Message{Method: models.MethodPing, ID: 1})
	assert.ErrorIs(t, err, ErrPortClosed)

	require.NoError(t, port.Close())
	err = port.Post(models.Message{Method: models.MethodPing, ID: 2})
	assert.ErrorIs(t, err, ErrContextGone)
}

func TestAskIDsMonotonic(t *testing.T) {
	port := NewPort("ws://127.0.0.1:1", models.PortNameContentScript, "https://dapp.example.com")

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := port.nextAskID()
		assert.Greater(t, id, prev)
		prev = id
	}
}

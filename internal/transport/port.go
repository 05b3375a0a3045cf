package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tonbridge/internal/models"
	"tonbridge/internal/pkg/eventbus"
)

const DefaultAskTimeout = 5 * time.Second

// Typed transport faults. The legacy platform reported these only as error
// message text ("Extension context invalidated", "disconnected port"); the
// strings survive in relay.Classify as a compatibility shim.
var (
	// ErrPortClosed: the background side dropped the channel; reconnect
	// and retry is expected to succeed.
	ErrPortClosed = errors.New("disconnected port")
	// ErrContextGone: the hosting context is being torn down for good;
	// callers must deregister and stop retrying.
	ErrContextGone = errors.New("extension context invalidated")
)

// Port is one duplex named channel from an untrusted context to the
// background process. It reconnects on unexpected drops; callers observe
// the gap only as latency or a single ErrPortClosed on an in-flight write.
type Port struct {
	name   string
	origin string
	url    string
	bus    *eventbus.Bus[models.Message]

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	lastAskID int64
	pending   map[int64]chan models.RPCResponse
}

func NewPort(url, name, origin string) *Port {
	return &Port{
		name:    name,
		origin:  origin,
		url:     url,
		bus:     eventbus.New[models.Message](),
		pending: map[int64]chan models.RPCResponse{},
	}
}

// Bus carries inbound messages re-dispatched by method name. Responses to
// Ask are consumed internally and never reach the bus.
func (p *Port) Bus() *eventbus.Bus[models.Message] {
	return p.bus
}

// Connect opens the channel and starts the inbound dispatch loop.
func (p *Port) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrContextGone
	}
	if p.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.dialURL(), nil)
	if err != nil {
		return err
	}
	p.conn = conn
	go p.readLoop(conn)
	return nil
}

func (p *Port) dialURL() string {
	u := p.url + "/port/" + p.name
	if p.origin != "" {
		u += "?origin=" + p.origin
	}
	return u
}

// Close tears the port down permanently.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send posts a fire-and-forget message.
func (p *Port) Send(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return p.write(models.Message{Method: method, Params: raw})
}

// Post writes a pre-built envelope, correlation id included. Used by the
// relay, which forwards page-assigned ids verbatim; the matching Response
// comes back on the bus rather than through a pending ask.
func (p *Port) Post(msg models.Message) error {
	return p.write(msg)
}

// Ask posts {method, id, params} and waits for the correlated Response.
// The pending entry is removed on success, timeout and cancellation alike,
// so a late response is silently dropped instead of resolving twice.
// timeout <= 0 means DefaultAskTimeout.
func (p *Port) Ask(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := p.nextAskID()
	ch := make(chan models.RPCResponse, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(models.Message{Method: method, ID: id, Params: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, models.ErrAskTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// nextAskID derives correlation ids from wall-clock milliseconds, bumped
// monotonically so two asks in the same millisecond stay distinguishable.
func (p *Port) nextAskID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := time.Now().UnixMilli()
	if id <= p.lastAskID {
		id = p.lastAskID + 1
	}
	p.lastAskID = id
	return id
}

func (p *Port) write(msg models.Message) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return ErrContextGone
	}
	if conn == nil {
		return ErrPortClosed
	}
	if err := conn.WriteJSON(msg); err != nil {
		p.dropConn(conn)
		return ErrPortClosed
	}
	return nil
}

func (p *Port) dropConn(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
}

func (p *Port) readLoop(conn *websocket.Conn) {
	for {
		var msg models.Message
		if err := conn.ReadJSON(&msg); err != nil {
			p.dropConn(conn)
			p.reconnect()
			return
		}

		if msg.Method == models.MethodResponse && msg.ID != 0 {
			p.mu.Lock()
			ch, ok := p.pending[msg.ID]
			p.mu.Unlock()
			if ok {
				var resp models.RPCResponse
				//nolint:errcheck
				json.Unmarshal(msg.Params, &resp)
				select {
				case ch <- resp:
				default:
				}
				continue
			}
			// No pending ask for this id: either it already timed out
			// (drop on the floor at the bus subscriber) or it belongs to
			// a relayed page request, so let the bus carry it.
		}

		p.bus.Emit(msg.Method, msg)
	}
}

func (p *Port) reconnect() {
	backoff := 100 * time.Millisecond
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.Connect(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrContextGone) {
			return
		}

		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

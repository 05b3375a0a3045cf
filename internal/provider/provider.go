// Package provider emulates the wallet object injected into a dApp page:
// a promise-style RPC surface over postMessage frames plus an event
// emitter, decoupled from whatever transport carries the frames.
package provider

import (
	"context"
	"encoding/json"
	"sync"

	"tonbridge/internal/models"
	"tonbridge/internal/pkg/eventbus"
)

// EventTonConnect is the synthetic event re-emitted for every
// TonConnect-level event frame.
const EventTonConnect = "tonConnect_event"

// PostFunc posts a frame into the page channel, the window.postMessage
// stand-in.
type PostFunc func(models.ProviderFrame)

type callResult struct {
	result json.RawMessage
	err    *models.BridgeError
}

type Provider struct {
	origin string
	post   PostFunc
	events *eventbus.Bus[json.RawMessage]

	mu       sync.Mutex
	detached bool
	nextID   int64
	pending  map[int64]chan callResult
}

func New(origin string, post PostFunc) *Provider {
	return &Provider{
		origin:  origin,
		post:    post,
		events:  eventbus.New[json.RawMessage](),
		pending: map[int64]chan callResult{},
	}
}

// Replace constructs a successor provider (page script re-injection). The
// id counter and the pending map move over, so calls in flight on the old
// instance resolve on the new one instead of being orphaned. The old
// instance stops handling frames.
func Replace(old *Provider, post PostFunc) *Provider {
	next := New(old.origin, post)
	old.mu.Lock()
	old.detached = true
	next.nextID = old.nextID
	next.pending = old.pending
	old.pending = map[int64]chan callResult{}
	old.mu.Unlock()
	return next
}

func (p *Provider) Events() *eventbus.Bus[json.RawMessage] {
	return p.events
}

// Send issues one JSON-RPC call. A single []any argument is spread into
// positional params.
func (p *Provider) Send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if method == "" {
		return nil, models.ErrBadRequest("method must be a non-empty string")
	}
	if len(params) == 1 {
		if spread, ok := params[0].([]any); ok {
			params = spread
		}
	}

	raws := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}

	ch := make(chan callResult, 1)
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.pending[id] = ch
	p.mu.Unlock()

	p.post(models.ProviderFrame{
		Type: models.FrameTypeProvider,
		Message: models.ProviderRequest{
			JSONRPC: models.JSONRPCVersion,
			ID:      id,
			Method:  method,
			Params:  raws,
			Origin:  p.origin,
		},
	})

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// HandleFrame processes one wallet->page frame. Frames of the wrong type
// or without a jsonrpc marker are ignored. A frame carrying an event field
// is re-emitted as a synthetic tonConnect_event; a frame with a known id
// resolves that call exactly once; an id-less frame with a recognized
// event method is emitted under that method.
func (p *Provider) HandleFrame(f models.APIFrame) {
	if f.Type != models.FrameTypeAPI || f.Message.JSONRPC == "" {
		return
	}

	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if f.Message.Event != "" {
		raw, err := json.Marshal(f.Message)
		if err != nil {
			return
		}
		p.events.Emit(EventTonConnect, raw)
		return
	}

	if f.Message.ID != nil {
		p.mu.Lock()
		ch, ok := p.pending[*f.Message.ID]
		if ok {
			delete(p.pending, *f.Message.ID)
		}
		p.mu.Unlock()
		if !ok {
			// unknown or already-resolved id
			return
		}
		ch <- callResult{result: f.Message.Result, err: f.Message.Error}
		return
	}

	switch f.Message.Method {
	case models.EventAccountsChanged, models.EventChainChanged:
		p.events.Emit(f.Message.Method, f.Message.Result)
	}
}

// PendingCount reports calls still awaiting a response.
func (p *Provider) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

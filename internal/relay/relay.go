// Package relay bridges page postMessage traffic to the background port.
// It is deliberately blind to request semantics: it validates origins,
// forwards envelopes, and survives transport churn.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"tonbridge/internal/models"
	"tonbridge/internal/pkg/eventbus"
	"tonbridge/internal/transport"
)

type FaultKind int

const (
	// FaultUnknown: not classifiable; fail the request, keep the relay.
	FaultUnknown FaultKind = iota
	// FaultPortDropped: background went idle; reconnect and retry once.
	FaultPortDropped
	// FaultContextGone: hosting context torn down; deregister, no retries.
	FaultContextGone
)

// Classify maps a transport failure to its fault kind. Typed errors are
// authoritative; the string matches are a compatibility shim for the
// legacy platform which reported faults only as message text.
func Classify(err error) FaultKind {
	switch {
	case err == nil:
		return FaultUnknown
	case errors.Is(err, transport.ErrContextGone):
		return FaultContextGone
	case errors.Is(err, transport.ErrPortClosed):
		return FaultPortDropped
	case strings.Contains(err.Error(), "Extension context invalidated"):
		return FaultContextGone
	case strings.Contains(err.Error(), "disconnected port"):
		return FaultPortDropped
	}
	return FaultUnknown
}

// BackgroundPort is the slice of transport.Port the relay depends on.
type BackgroundPort interface {
	Connect(ctx context.Context) error
	Post(msg models.Message) error
	Bus() *eventbus.Bus[models.Message]
	Close() error
}

// RequestEnvelope is the params body the relay forwards for every page
// request. Origin here is the page's claim; the background trusts only
// the origin the port authenticated with.
type RequestEnvelope struct {
	Params []json.RawMessage `json:"params"`
	Origin string            `json:"origin"`
}

type Relay struct {
	origin string
	port   BackgroundPort
	page   func(models.APIFrame)

	mu   sync.Mutex
	dead bool
	subs []*eventbus.Subscription
}

func New(origin string, port BackgroundPort, page func(models.APIFrame)) *Relay {
	return &Relay{origin: origin, port: port, page: page}
}

// Start opens the background port and begins translating inbound traffic
// back into page frames.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.port.Connect(ctx); err != nil {
		return err
	}

	bus := r.port.Bus()
	r.subs = append(r.subs,
		bus.On(models.MethodResponse, r.onResponse),
		bus.On(models.MethodWalletEvent, r.onWalletEvent),
		bus.On(models.EventAccountsChanged, r.onProviderEvent),
		bus.On(models.EventChainChanged, r.onProviderEvent),
	)
	return nil
}

// HandlePageFrame relays one page message to the background. A frame of
// the wrong type, or one whose claimed origin differs from the page the
// relay is actually running in, is dropped: a cross-frame script must not
// speak for this page.
func (r *Relay) HandlePageFrame(ctx context.Context, f models.ProviderFrame) {
	if f.Type != models.FrameTypeProvider {
		return
	}
	if f.Message.Origin != r.origin {
		return
	}
	r.mu.Lock()
	dead := r.dead
	r.mu.Unlock()
	if dead {
		return
	}

	params, err := json.Marshal(RequestEnvelope{Params: f.Message.Params, Origin: f.Message.Origin})
	if err != nil {
		r.page(syntheticError(f.Message.ID, f.Message.Method, err))
		return
	}
	msg := models.Message{Method: f.Message.Method, ID: f.Message.ID, Params: params}

	err = r.port.Post(msg)
	if err == nil {
		return
	}

	switch Classify(err) {
	case FaultContextGone:
		r.Teardown()
		return
	case FaultPortDropped:
		// the background went idle: reconnect and retry exactly once
		if rerr := r.port.Connect(ctx); rerr == nil {
			if rerr = r.port.Post(msg); rerr == nil {
				return
			}
		}
	}

	// the retry also failed: fabricate a response so the dApp's pending
	// promise rejects instead of hanging forever
	r.page(syntheticError(f.Message.ID, f.Message.Method, err))
}

// Teardown deregisters the relay permanently.
func (r *Relay) Teardown() {
	r.mu.Lock()
	if r.dead {
		r.mu.Unlock()
		return
	}
	r.dead = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	bus := r.port.Bus()
	for _, sub := range subs {
		bus.Off(sub)
	}
	//nolint:errcheck
	r.port.Close()
}

func (r *Relay) onResponse(msg models.Message) {
	var resp models.RPCResponse
	if err := json.Unmarshal(msg.Params, &resp); err != nil {
		return
	}
	id := msg.ID
	r.page(models.APIFrame{
		Type: models.FrameTypeAPI,
		Message: models.APIMessage{
			JSONRPC: models.JSONRPCVersion,
			ID:      &id,
			Method:  resp.Method,
			Result:  resp.Result,
			Error:   resp.Error,
		},
	})
}

func (r *Relay) onWalletEvent(msg models.Message) {
	var ev models.WalletEvent
	if err := json.Unmarshal(msg.Params, &ev); err != nil {
		return
	}
	r.page(models.APIFrame{
		Type: models.FrameTypeAPI,
		Message: models.APIMessage{
			JSONRPC: models.JSONRPCVersion,
			Event:   ev.Event,
			Payload: ev.Payload,
		},
	})
}

func (r *Relay) onProviderEvent(msg models.Message) {
	r.page(models.APIFrame{
		Type: models.FrameTypeAPI,
		Message: models.APIMessage{
			JSONRPC: models.JSONRPCVersion,
			Method:  msg.Method,
			Result:  msg.Params,
		},
	})
}

// syntheticError is shaped exactly like a real background response so the
// dApp never observes transport-internal retry behavior.
func syntheticError(id int64, method string, err error) models.APIFrame {
	return models.APIFrame{
		Type: models.FrameTypeAPI,
		Message: models.APIMessage{
			JSONRPC: models.JSONRPCVersion,
			ID:      &id,
			Method:  method,
			Error:   models.AsBridgeError(err),
		},
	}
}

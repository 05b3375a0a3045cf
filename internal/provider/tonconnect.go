package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tonbridge/internal/models"
)

// SupportedProtocolVersion is the highest TonConnect protocol version this
// bridge speaks.
const SupportedProtocolVersion = 2

// Bridge is the TonConnect-level surface a dApp integrates against.
// Failures never surface as errors from Connect/RestoreConnection: they
// are delivered as connect_error events so non-promise integrations still
// observe them.
type Bridge struct {
	provider *Provider

	mu        sync.Mutex
	nextCb    int
	callbacks map[int]func(models.WalletEvent)
}

func NewBridge(p *Provider) *Bridge {
	b := &Bridge{provider: p, callbacks: map[int]func(models.WalletEvent){}}
	p.Events().On(EventTonConnect, func(raw json.RawMessage) {
		var msg models.APIMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		ev := models.WalletEvent{Event: msg.Event, ID: eventID(), Payload: msg.Payload}
		b.Notify(ev)
	})
	return b
}

// Listen registers a callback for wallet events and returns its
// unsubscribe function.
func (b *Bridge) Listen(cb func(models.WalletEvent)) func() {
	b.mu.Lock()
	b.nextCb++
	id := b.nextCb
	b.callbacks[id] = cb
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.callbacks, id)
		b.mu.Unlock()
	}
}

// Notify invokes every registered callback and returns the event
// unchanged, supporting synchronous chaining.
func (b *Bridge) Notify(ev models.WalletEvent) models.WalletEvent {
	b.mu.Lock()
	cbs := make([]func(models.WalletEvent), 0, len(b.callbacks))
	for _, cb := range b.callbacks {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
	return ev
}

// Connect initiates a wallet connection. A protocol version above the
// supported one produces a connect_error event, not an error return.
func (b *Bridge) Connect(ctx context.Context, version int, req models.ConnectRequest) models.WalletEvent {
	if version > SupportedProtocolVersion {
		return b.notifyConnectError(models.ErrUnsupportedVersion(version, SupportedProtocolVersion))
	}

	result, err := b.provider.Send(ctx, models.MethodConnect, version, req)
	if err != nil {
		return b.notifyConnectError(models.AsBridgeError(err))
	}
	return b.Notify(models.WalletEvent{Event: models.WalletEventConnect, ID: eventID(), Payload: result})
}

// RestoreConnection replays a previously granted connection without user
// interaction.
func (b *Bridge) RestoreConnection(ctx context.Context) models.WalletEvent {
	result, err := b.provider.Send(ctx, models.MethodReconnect)
	if err != nil {
		return b.notifyConnectError(models.AsBridgeError(err))
	}
	return b.Notify(models.WalletEvent{Event: models.WalletEventConnect, ID: eventID(), Payload: result})
}

// Send forwards a wallet request (sendTransaction, signData). Errors come
// back as *models.BridgeError so callers can branch on the code.
func (b *Bridge) Send(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return b.provider.Send(ctx, method, params...)
}

// Disconnect revokes the connection and notifies listeners.
func (b *Bridge) Disconnect(ctx context.Context) models.WalletEvent {
	//nolint:errcheck
	b.provider.Send(ctx, models.MethodDisconnect)
	return b.Notify(models.WalletEvent{Event: models.WalletEventDisconnect, ID: eventID(), Payload: json.RawMessage(`{}`)})
}

func (b *Bridge) notifyConnectError(be *models.BridgeError) models.WalletEvent {
	payload, _ := json.Marshal(be)
	return b.Notify(models.WalletEvent{Event: models.WalletEventConnectError, ID: eventID(), Payload: payload})
}

func eventID() int64 {
	return time.Now().UnixMilli()
}

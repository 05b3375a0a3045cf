package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/samber/do"

	"tonbridge/internal/interfaces"
	"tonbridge/internal/models"
	"tonbridge/internal/provider"
	"tonbridge/internal/relay"
	"tonbridge/internal/transport"
)

type connectionStore interface {
	Get(ctx context.Context, origin string) (*models.Connection, error)
	Save(ctx context.Context, conn *models.Connection) error
	Remove(ctx context.Context, origin, walletID string) error
	FetchManifest(ctx context.Context, url string) (*models.DappManifest, error)
	LockConnect(ctx context.Context, origin string) (func(), error)
	Audit(ctx context.Context, ev *models.ConnectionEvent)
}

type notificationChannel interface {
	Enqueue(n *models.NotificationData) (<-chan Resolution, error)
	Resolve(id string, res Resolution) bool
	Current() *models.NotificationData
	PopupClosed()
}

type walletInfo interface {
	WalletID() string
	DeviceInfo() models.DeviceInfo
	AddressReply() models.ConnectItemReply
	ProofReply(ctx context.Context, origin, payload string) (*models.ConnectItemReply, error)
}

type apiProxy interface {
	Request(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

type linkInterceptor interface {
	Intercept(ctx context.Context, link string) (json.RawMessage, error)
}

type originPusher interface {
	PushToOrigin(origin string, msg models.Message) int
}

type bridgeResponder interface {
	SendResponse(ctx context.Context, conn *models.Connection, payload []byte) error
}

// ServiceRouter is the background dispatcher: every request from a port
// or from the remote bridge lands here, gets validated against the
// authenticated origin, and either completes synchronously or parks on
// the approval channel.
type ServiceRouter struct {
	connections   connectionStore
	notifications notificationChannel
	wallet        walletInfo
	tonapi        apiProxy
	tonlink       linkInterceptor
	pusher        originPusher
	limiter       interfaces.Limiter

	bridge bridgeResponder
}

func NewServiceRouter(container *do.Injector) (*ServiceRouter, error) {
	connections, err := do.Invoke[*ServiceConnections](container)
	if err != nil {
		return nil, err
	}

	notifications, err := do.Invoke[*ServiceNotifications](container)
	if err != nil {
		return nil, err
	}

	wallet, err := do.Invoke[*ServiceWallet](container)
	if err != nil {
		return nil, err
	}

	tonapi, err := do.Invoke[*ServiceTonAPI](container)
	if err != nil {
		return nil, err
	}

	hub, err := do.Invoke[*transport.Hub](container)
	if err != nil {
		return nil, err
	}

	lim, err := do.Invoke[interfaces.Limiter](container)
	if err != nil {
		return nil, err
	}

	tonlink, err := do.Invoke[*ServiceTonLink](container)
	if err != nil {
		return nil, err
	}

	return &ServiceRouter{
		connections:   connections,
		notifications: notifications,
		wallet:        wallet,
		tonapi:        tonapi,
		tonlink:       tonlink,
		pusher:        hub,
		limiter:       lim,
	}, nil
}

// SetBridge attaches the remote bridge responder once the SSE session
// exists. The router works without it; http responses are just dropped
// with a log line.
func (service *ServiceRouter) SetBridge(b bridgeResponder) {
	service.bridge = b
}

// HandlePortMessage is the transport.HandlerFunc wired into the hub.
func (service *ServiceRouter) HandlePortMessage(ctx context.Context, port *transport.Conn, msg models.Message) {
	switch port.Name {
	case models.PortNameUI:
		service.handleUIMessage(ctx, port, msg)
	case models.PortNameContentScript:
		service.handleContentMessage(ctx, port, msg)
	}
}

type resolveParams struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (service *ServiceRouter) handleUIMessage(_ context.Context, port *transport.Conn, msg models.Message) {
	respond := func(result any, bridgeErr *models.BridgeError) {
		if msg.ID == 0 {
			return
		}
		raw, err := marshalResult(result)
		if err != nil {
			bridgeErr = models.AsBridgeError(err)
			raw = nil
		}
		//nolint:errcheck
		port.Respond(msg.ID, msg.Method, raw, bridgeErr)
	}

	switch msg.Method {
	case models.MethodGetNotification:
		respond(service.notifications.Current(), nil)

	case models.MethodApproveRequest, models.MethodRejectRequest:
		var p resolveParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.ID == "" {
			respond(nil, models.ErrBadRequest("missing notification id"))
			return
		}
		kind := ResolutionApproved
		if msg.Method == models.MethodRejectRequest {
			kind = ResolutionRejected
		}
		ok := service.notifications.Resolve(p.ID, Resolution{Kind: kind, Payload: p.Payload})
		respond(ok, nil)

	case models.MethodPopupClosed:
		service.notifications.PopupClosed()
		respond(true, nil)

	default:
		respond(nil, models.ErrMethodNotSupported(msg.Method))
	}
}

func (service *ServiceRouter) handleContentMessage(ctx context.Context, port *transport.Conn, msg models.Message) {
	if msg.ID == 0 {
		return
	}
	respond := func(result json.RawMessage, err error) {
		var bridgeErr *models.BridgeError
		if err != nil {
			bridgeErr = models.AsBridgeError(err)
			result = nil
		}
		//nolint:errcheck
		port.Respond(msg.ID, msg.Method, result, bridgeErr)
	}

	limit := redis_rate.PerMinute(ORIGIN_RATE_LIMIT_PER_MINUTE)
	if err := service.limiter.Allow(ctx, LimitKeyOrigin(port.Origin), limit); err != nil {
		respond(nil, models.ErrBadRequest("too many requests"))
		return
	}

	// the origin the port authenticated with is the only one we trust; the
	// envelope's claim is ignored
	origin := port.Origin

	var env relay.RequestEnvelope
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &env); err != nil {
			respond(nil, models.ErrBadRequest("malformed request envelope"))
			return
		}
	}

	switch msg.Method {
	case models.MethodPing:
		respond(json.RawMessage(`"pong"`), nil)

	case models.MethodConnect:
		go func() {
			result, err := service.handleConnect(ctx, origin, msg.ID, env.Params)
			respond(result, err)
		}()

	case models.MethodReconnect:
		respond(service.handleReconnect(ctx, origin))

	case models.MethodDisconnect:
		respond(service.handleDisconnect(ctx, origin))

	case models.MethodSendTransaction:
		go func() {
			result, err := service.handleApproval(ctx, origin, models.RequestKindSendTransaction, msg.ID, env.Params)
			respond(result, err)
		}()

	case models.MethodSignData:
		go func() {
			result, err := service.handleApproval(ctx, origin, models.RequestKindSignData, msg.ID, env.Params)
			respond(result, err)
		}()

	case models.MethodTonAPIRequest:
		go func() {
			if len(env.Params) == 0 {
				respond(nil, models.ErrBadRequest("missing tonapi request"))
				return
			}
			respond(service.tonapi.Request(ctx, env.Params[0]))
		}()

	case models.MethodTonLink:
		var link string
		if len(env.Params) == 0 || json.Unmarshal(env.Params[0], &link) != nil {
			respond(nil, models.ErrBadRequest("missing link"))
			return
		}
		respond(service.tonlink.Intercept(ctx, link))

	default:
		respond(nil, models.ErrMethodNotSupported(msg.Method))
	}
}

// handleConnect runs the full connect flow: version gate, per-origin
// lock, silent replay for already-granted scopes, then manifest fetch and
// explicit user approval. A ton_proof item always forces the prompt.
func (service *ServiceRouter) handleConnect(ctx context.Context, origin string, requestID int64, params []json.RawMessage) (json.RawMessage, error) {
	if len(params) < 2 {
		return nil, models.ErrBadRequest("connect expects [version, request]")
	}
	var version int
	if err := json.Unmarshal(params[0], &version); err != nil {
		return nil, models.ErrBadRequest("malformed protocol version")
	}
	if version > provider.SupportedProtocolVersion {
		return nil, models.ErrUnsupportedVersion(version, provider.SupportedProtocolVersion)
	}
	var req models.ConnectRequest
	if err := json.Unmarshal(params[1], &req); err != nil {
		return nil, models.ErrBadRequest("malformed connect request")
	}
	if len(req.Items) == 0 {
		return nil, models.ErrBadRequest("empty connect items")
	}

	unlock, err := service.connections.LockConnect(ctx, origin)
	if err != nil {
		return nil, models.ErrBadRequest("a connect flow for this origin is already running")
	}
	defer unlock()

	proofPayload := ""
	wantsProof := false
	for _, item := range req.Items {
		if item.Name == models.ItemTonProof {
			wantsProof = true
			proofPayload = item.Payload
		}
	}

	if !wantsProof {
		if existing, gerr := service.connections.Get(ctx, origin); gerr == nil && existing != nil && allGranted(existing, req.Items) {
			return service.replayConnection(ctx, existing, req.Items)
		}
	}

	manifest, err := service.connections.FetchManifest(ctx, req.ManifestURL)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(struct {
		Manifest *models.DappManifest `json:"manifest"`
		Items    []models.ConnectItem `json:"items"`
	}{manifest, req.Items})
	if err != nil {
		return nil, err
	}

	pending := &models.PendingRequest{
		ID:        requestID,
		Kind:      models.RequestKindConnect,
		Origin:    origin,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	res, err := service.await(ctx, notificationFor(pending, manifest.IconURL))
	if err != nil {
		return nil, err
	}
	if res.Kind != ResolutionApproved {
		service.audit(ctx, origin, models.AuditKindReject)
		return nil, models.ErrUserDecline()
	}

	replies := make([]models.ConnectItemReply, 0, len(req.Items))
	for _, item := range req.Items {
		switch item.Name {
		case models.ItemTonAddr:
			replies = append(replies, service.wallet.AddressReply())
		case models.ItemTonProof:
			proof, perr := service.wallet.ProofReply(ctx, origin, proofPayload)
			if perr != nil {
				return nil, perr
			}
			replies = append(replies, *proof)
		}
		// unknown item names are skipped, not failed
	}

	conn := &models.Connection{
		Type:         models.ConnectionTypeInjected,
		Origin:       origin,
		Manifest:     manifest,
		ConnectItems: req.Items,
		Replies:      replies,
		WalletID:     service.wallet.WalletID(),
	}
	if err := service.connections.Save(ctx, conn); err != nil {
		return nil, err
	}
	service.audit(ctx, origin, models.AuditKindConnect)

	return marshalResult(models.ConnectEventPayload{Items: replies, Device: service.wallet.DeviceInfo()})
}

// replayConnection answers a repeat connect without user interaction.
// Address data is rebuilt fresh so a wallet-side change is reflected.
func (service *ServiceRouter) replayConnection(ctx context.Context, conn *models.Connection, items []models.ConnectItem) (json.RawMessage, error) {
	replies := make([]models.ConnectItemReply, 0, len(items))
	for _, item := range items {
		if item.Name == models.ItemTonAddr {
			replies = append(replies, service.wallet.AddressReply())
		}
	}
	conn.Replies = replies
	if err := service.connections.Save(ctx, conn); err != nil {
		return nil, err
	}
	service.audit(ctx, conn.Origin, models.AuditKindReconnect)

	return marshalResult(models.ConnectEventPayload{Items: replies, Device: service.wallet.DeviceInfo()})
}

// handleReconnect replays a stored connection. Pure read; never prompts.
func (service *ServiceRouter) handleReconnect(ctx context.Context, origin string) (json.RawMessage, error) {
	conn, err := service.connections.Get(ctx, origin)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, models.ErrUnknownApp(origin)
	}
	service.audit(ctx, origin, models.AuditKindReconnect)
	return marshalResult(models.ConnectEventPayload{Items: conn.Replies, Device: service.wallet.DeviceInfo()})
}

// handleDisconnect revokes the connection. Idempotent; the walletEvent
// push happens strictly after the store mutation.
func (service *ServiceRouter) handleDisconnect(ctx context.Context, origin string) (json.RawMessage, error) {
	if err := service.connections.Remove(ctx, origin, service.wallet.WalletID()); err != nil {
		return nil, err
	}
	service.audit(ctx, origin, models.AuditKindDisconnect)

	ev, err := json.Marshal(models.WalletEvent{
		Event:   models.WalletEventDisconnect,
		ID:      time.Now().UnixMilli(),
		Payload: json.RawMessage(`{}`),
	})
	if err == nil {
		service.pusher.PushToOrigin(origin, models.Message{Method: models.MethodWalletEvent, Params: ev})
	}
	return json.RawMessage(`{}`), nil
}

// handleApproval runs sendTransaction/signData: the origin must already
// be connected, then the raw request parks on the notification channel
// until the user decides.
func (service *ServiceRouter) handleApproval(ctx context.Context, origin string, kind models.RequestKind, requestID int64, params []json.RawMessage) (json.RawMessage, error) {
	conn, err := service.connections.Get(ctx, origin)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, models.ErrUnknownApp(origin)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	logo := ""
	if conn.Manifest != nil {
		logo = conn.Manifest.IconURL
	}

	pending := &models.PendingRequest{
		ID:         requestID,
		Kind:       kind,
		Origin:     origin,
		Connection: conn,
		Payload:    data,
		CreatedAt:  time.Now(),
	}
	res, err := service.await(ctx, notificationFor(pending, logo))
	if err != nil {
		return nil, err
	}
	if res.Kind != ResolutionApproved {
		service.audit(ctx, origin, models.AuditKindReject)
		return nil, models.ErrUserDecline()
	}
	service.audit(ctx, origin, models.AuditKindApprove)

	if len(res.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return res.Payload, nil
}

// notificationFor projects a pending request into its user-facing shape.
func notificationFor(req *models.PendingRequest, logo string) *models.NotificationData {
	kind := models.NotificationKindConnect
	switch req.Kind {
	case models.RequestKindSendTransaction:
		kind = models.NotificationKindSend
	case models.RequestKindSignData:
		kind = models.NotificationKindSign
	}
	return &models.NotificationData{
		Kind:      kind,
		RequestID: req.ID,
		Origin:    req.Origin,
		Logo:      logo,
		Data:      req.Payload,
	}
}

// await parks on the notification channel for one terminal resolution.
func (service *ServiceRouter) await(ctx context.Context, n *models.NotificationData) (Resolution, error) {
	ch, err := service.notifications.Enqueue(n)
	if err != nil {
		return Resolution{}, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		// the requester is gone; resolve so the notification leaves the queue
		service.notifications.Resolve(n.ID, Resolution{Kind: ResolutionClosed})
		return Resolution{}, ctx.Err()
	}
}

type bridgeRequest struct {
	ID     json.Number       `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type bridgeResponse struct {
	ID     json.Number         `json:"id"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *models.BridgeError `json:"error,omitempty"`
}

// HandleBridgeRequest serves one decrypted request arriving over the
// remote bridge. Same approval flow as the injected path, answered with
// an encrypted post instead of a port response.
func (service *ServiceRouter) HandleBridgeRequest(ctx context.Context, conn *models.Connection, payload json.RawMessage) {
	var req bridgeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("router: malformed bridge request from %s: %v", conn.Origin, err)
		return
	}

	// bridge request ids are strings on the wire; a non-numeric one still
	// round-trips through the response envelope untouched
	requestID, _ := req.ID.Int64()

	var result json.RawMessage
	var err error
	switch req.Method {
	case "sendTransaction":
		result, err = service.handleApproval(ctx, conn.Origin, models.RequestKindSendTransaction, requestID, req.Params)
	case "signData":
		result, err = service.handleApproval(ctx, conn.Origin, models.RequestKindSignData, requestID, req.Params)
	default:
		err = models.ErrMethodNotSupported(req.Method)
	}

	resp := bridgeResponse{ID: req.ID, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = models.AsBridgeError(err)
	}
	raw, merr := json.Marshal(resp)
	if merr != nil {
		return
	}

	if service.bridge == nil {
		log.Printf("router: no bridge attached, dropping response for %s", conn.Origin)
		return
	}
	if serr := service.bridge.SendResponse(ctx, conn, raw); serr != nil {
		log.Printf("router: cannot deliver bridge response to %s: %v", conn.Origin, serr)
	}
}

// HandleBridgeDisconnect revokes a connection the dApp abandoned from the
// remote side.
func (service *ServiceRouter) HandleBridgeDisconnect(ctx context.Context, conn *models.Connection) {
	if err := service.connections.Remove(ctx, conn.Origin, conn.WalletID); err != nil {
		log.Printf("router: cannot remove bridge connection %s: %v", conn.Origin, err)
		return
	}
	service.audit(ctx, conn.Origin, models.AuditKindDisconnect)
}

func (service *ServiceRouter) audit(ctx context.Context, origin, kind string) {
	service.connections.Audit(ctx, &models.ConnectionEvent{
		Origin:   origin,
		WalletID: service.wallet.WalletID(),
		Kind:     kind,
	})
}

func allGranted(conn *models.Connection, items []models.ConnectItem) bool {
	for _, item := range items {
		if !conn.Granted(item.Name) {
			return false
		}
	}
	return true
}

func marshalResult(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

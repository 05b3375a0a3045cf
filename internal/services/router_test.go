package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonbridge/internal/models"
)

const (
	testOrigin   = "https://dapp.example.com"
	testWalletID = "0:83dfd552e63929b1c8e8f0ab8eb6d13cd665ba7a2b1e3bae2f30f1c0a8f34f46"
)

type fakeStore struct {
	mu          sync.Mutex
	conns       map[string]*models.Connection
	manifests   map[string]*models.DappManifest
	audits      []string
	lockBusy    bool
	removeCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conns:     map[string]*models.Connection{},
		manifests: map[string]*models.DappManifest{},
	}
}

func (s *fakeStore) Get(_ context.Context, origin string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[origin], nil
}

func (s *fakeStore) Save(_ context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.Origin] = conn
	return nil
}

func (s *fakeStore) Remove(_ context.Context, origin, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCalls++
	delete(s.conns, origin)
	return nil
}

func (s *fakeStore) FetchManifest(_ context.Context, url string) (*models.DappManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.manifests[url]; ok {
		return m, nil
	}
	return nil, models.NewBridgeError(models.CodeManifestNotFound, "cannot fetch app manifest")
}

func (s *fakeStore) LockConnect(context.Context, string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockBusy {
		return nil, ErrConnectLock
	}
	return func() {}, nil
}

func (s *fakeStore) Audit(_ context.Context, ev *models.ConnectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, ev.Kind)
}

func (s *fakeStore) auditKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.audits))
	copy(out, s.audits)
	return out
}

type fakeWallet struct{}

func (fakeWallet) WalletID() string { return testWalletID }

func (fakeWallet) DeviceInfo() models.DeviceInfo {
	return models.DeviceInfo{Platform: PLATFORM_BROWSER, AppName: APP_NAME, MaxProtocolVersion: 2}
}

func (fakeWallet) AddressReply() models.ConnectItemReply {
	return models.ConnectItemReply{Name: models.ItemTonAddr, Address: testWalletID, Network: NETWORK_MAINNET}
}

func (fakeWallet) ProofReply(_ context.Context, _, payload string) (*models.ConnectItemReply, error) {
	return &models.ConnectItemReply{
		Name:  models.ItemTonProof,
		Proof: &models.TonProofReply{Payload: payload, Signature: "c2ln"},
	}, nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []models.Message
}

func (p *fakePusher) PushToOrigin(_ string, msg models.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, msg)
	return 1
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

func newTestRouter(store *fakeStore) (*ServiceRouter, *ServiceNotifications, *fakeUI, *fakePusher) {
	ui := &fakeUI{}
	notifications := NewNotificationsWithUI(ui)
	pusher := &fakePusher{}
	router := &ServiceRouter{
		connections:   store,
		notifications: notifications,
		wallet:        fakeWallet{},
		tonlink:       NewServiceTonLink(),
		pusher:        pusher,
	}
	return router, notifications, ui, pusher
}

// decideWhenSurfaced resolves the next surfaced notification.
func decideWhenSurfaced(t *testing.T, svc *ServiceNotifications, res Resolution) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if cur := svc.Current(); cur != nil {
				svc.Resolve(cur.ID, res)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func connectParams(t *testing.T, version int, req models.ConnectRequest) []json.RawMessage {
	t.Helper()
	v, err := json.Marshal(version)
	require.NoError(t, err)
	r, err := json.Marshal(req)
	require.NoError(t, err)
	return []json.RawMessage{v, r}
}

func TestConnectApproved(t *testing.T) {
	store := newFakeStore()
	store.manifests["https://dapp.example.com/manifest.json"] = &models.DappManifest{
		URL: testOrigin, Name: "Demo", IconURL: "https://dapp.example.com/icon.png",
	}
	router, notifications, ui, _ := newTestRouter(store)

	decideWhenSurfaced(t, notifications, Resolution{Kind: ResolutionApproved})

	result, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 2, models.ConnectRequest{
		ManifestURL: "https://dapp.example.com/manifest.json",
		Items: []models.ConnectItem{
			{Name: models.ItemTonAddr},
			{Name: models.ItemTonProof, Payload: "challenge"},
		},
	}))
	require.NoError(t, err)

	var payload models.ConnectEventPayload
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Len(t, payload.Items, 2)
	assert.Equal(t, models.ItemTonAddr, payload.Items[0].Name)
	assert.Equal(t, models.ItemTonProof, payload.Items[1].Name)
	assert.Equal(t, "challenge", payload.Items[1].Proof.Payload)
	assert.Equal(t, 2, payload.Device.MaxProtocolVersion)

	saved := store.conns[testOrigin]
	require.NotNil(t, saved)
	assert.Equal(t, models.ConnectionTypeInjected, saved.Type)
	assert.Equal(t, testWalletID, saved.WalletID)
	assert.Contains(t, store.auditKinds(), models.AuditKindConnect)
	assert.Equal(t, 1, ui.countOf(models.MethodShowNotification))
}

func TestConnectRejected(t *testing.T) {
	store := newFakeStore()
	store.manifests["https://dapp.example.com/manifest.json"] = &models.DappManifest{URL: testOrigin, Name: "Demo"}
	router, notifications, _, _ := newTestRouter(store)

	decideWhenSurfaced(t, notifications, Resolution{Kind: ResolutionRejected})

	_, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 2, models.ConnectRequest{
		ManifestURL: "https://dapp.example.com/manifest.json",
		Items:       []models.ConnectItem{{Name: models.ItemTonAddr}},
	}))
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeUserDecline, be.Code)
	assert.Nil(t, store.conns[testOrigin])
	assert.Contains(t, store.auditKinds(), models.AuditKindReject)
}

func TestConnectUnsupportedVersion(t *testing.T) {
	store := newFakeStore()
	router, _, ui, _ := newTestRouter(store)

	_, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 3, models.ConnectRequest{
		ManifestURL: "https://dapp.example.com/manifest.json",
		Items:       []models.ConnectItem{{Name: models.ItemTonAddr}},
	}))
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeUnsupportedVersion, be.Code)
	assert.Zero(t, ui.countOf(models.MethodShowNotification))
}

func TestConnectManifestMissing(t *testing.T) {
	store := newFakeStore()
	router, _, ui, _ := newTestRouter(store)

	_, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 2, models.ConnectRequest{
		ManifestURL: "https://nowhere.example.com/manifest.json",
		Items:       []models.ConnectItem{{Name: models.ItemTonAddr}},
	}))
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeManifestNotFound, be.Code)
	assert.Zero(t, ui.countOf(models.MethodShowNotification))
}

func TestConnectSilentReplay(t *testing.T) {
	store := newFakeStore()
	store.conns[testOrigin] = &models.Connection{
		Type:         models.ConnectionTypeInjected,
		Origin:       testOrigin,
		WalletID:     testWalletID,
		ConnectItems: []models.ConnectItem{{Name: models.ItemTonAddr}},
	}
	router, _, ui, _ := newTestRouter(store)

	result, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 2, models.ConnectRequest{
		ManifestURL: "https://dapp.example.com/manifest.json",
		Items:       []models.ConnectItem{{Name: models.ItemTonAddr}},
	}))
	require.NoError(t, err)

	var payload models.ConnectEventPayload
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Len(t, payload.Items, 1)
	assert.Equal(t, models.ItemTonAddr, payload.Items[0].Name)
	assert.Zero(t, ui.countOf(models.MethodShowNotification))
	assert.Contains(t, store.auditKinds(), models.AuditKindReconnect)
}

func TestConnectProofForcesPrompt(t *testing.T) {
	store := newFakeStore()
	store.conns[testOrigin] = &models.Connection{
		Type:         models.ConnectionTypeInjected,
		Origin:       testOrigin,
		WalletID:     testWalletID,
		ConnectItems: []models.ConnectItem{{Name: models.ItemTonAddr}, {Name: models.ItemTonProof}},
	}
	store.manifests["https://dapp.example.com/manifest.json"] = &models.DappManifest{URL: testOrigin, Name: "Demo"}
	router, notifications, ui, _ := newTestRouter(store)

	decideWhenSurfaced(t, notifications, Resolution{Kind: ResolutionApproved})

	_, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 2, models.ConnectRequest{
		ManifestURL: "https://dapp.example.com/manifest.json",
		Items: []models.ConnectItem{
			{Name: models.ItemTonAddr},
			{Name: models.ItemTonProof, Payload: "fresh-challenge"},
		},
	}))
	require.NoError(t, err)
	// granted or not, a proof request must go through the user
	assert.Equal(t, 1, ui.countOf(models.MethodShowNotification))
}

func TestConnectLockBusy(t *testing.T) {
	store := newFakeStore()
	store.lockBusy = true
	router, _, _, _ := newTestRouter(store)

	_, err := router.handleConnect(context.Background(), testOrigin, 1, connectParams(t, 2, models.ConnectRequest{
		ManifestURL: "https://dapp.example.com/manifest.json",
		Items:       []models.ConnectItem{{Name: models.ItemTonAddr}},
	}))
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeBadRequest, be.Code)
}

func TestReconnect(t *testing.T) {
	store := newFakeStore()
	router, _, _, _ := newTestRouter(store)

	_, err := router.handleReconnect(context.Background(), testOrigin)
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeUnknownApp, be.Code)

	store.conns[testOrigin] = &models.Connection{
		Origin:   testOrigin,
		WalletID: testWalletID,
		Replies:  []models.ConnectItemReply{{Name: models.ItemTonAddr, Address: testWalletID}},
	}

	result, err := router.handleReconnect(context.Background(), testOrigin)
	require.NoError(t, err)
	var payload models.ConnectEventPayload
	require.NoError(t, json.Unmarshal(result, &payload))
	require.Len(t, payload.Items, 1)
	assert.Equal(t, testWalletID, payload.Items[0].Address)
}

func TestDisconnect(t *testing.T) {
	store := newFakeStore()
	store.conns[testOrigin] = &models.Connection{Origin: testOrigin, WalletID: testWalletID}
	router, _, _, pusher := newTestRouter(store)

	result, err := router.handleDisconnect(context.Background(), testOrigin)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
	assert.Nil(t, store.conns[testOrigin])

	// the event push happens after the store mutation
	require.Equal(t, 1, pusher.count())
	msg := pusher.pushed[0]
	assert.Equal(t, models.MethodWalletEvent, msg.Method)
	var ev models.WalletEvent
	require.NoError(t, json.Unmarshal(msg.Params, &ev))
	assert.Equal(t, models.WalletEventDisconnect, ev.Event)

	// idempotent
	result, err = router.handleDisconnect(context.Background(), testOrigin)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(result))
	assert.Equal(t, 2, store.removeCalls)
}

func TestApprovalRequiresConnection(t *testing.T) {
	store := newFakeStore()
	router, _, ui, _ := newTestRouter(store)

	_, err := router.handleApproval(context.Background(), testOrigin, models.RequestKindSendTransaction, 1, nil)
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeUnknownApp, be.Code)
	// the connection check runs before any user interaction
	assert.Zero(t, ui.countOf(models.MethodShowNotification))
}

func TestApprovalApproved(t *testing.T) {
	store := newFakeStore()
	store.conns[testOrigin] = &models.Connection{Origin: testOrigin, WalletID: testWalletID}
	router, notifications, _, _ := newTestRouter(store)

	decideWhenSurfaced(t, notifications, Resolution{Kind: ResolutionApproved, Payload: json.RawMessage(`{"boc":"signed"}`)})

	result, err := router.handleApproval(context.Background(), testOrigin, models.RequestKindSendTransaction, 1, []json.RawMessage{json.RawMessage(`"boc"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"boc":"signed"}`, string(result))
	assert.Contains(t, store.auditKinds(), models.AuditKindApprove)
}

func TestApprovalDeclined(t *testing.T) {
	store := newFakeStore()
	store.conns[testOrigin] = &models.Connection{Origin: testOrigin, WalletID: testWalletID}
	router, notifications, _, _ := newTestRouter(store)

	decideWhenSurfaced(t, notifications, Resolution{Kind: ResolutionClosed})

	_, err := router.handleApproval(context.Background(), testOrigin, models.RequestKindSignData, 1, nil)
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeUserDecline, be.Code)
}

type fakeBridge struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *fakeBridge) SendResponse(_ context.Context, _ *models.Connection, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *fakeBridge) last(t *testing.T) bridgeResponse {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.payloads)
	var resp bridgeResponse
	require.NoError(t, json.Unmarshal(b.payloads[len(b.payloads)-1], &resp))
	return resp
}

func TestBridgeRequestApproved(t *testing.T) {
	store := newFakeStore()
	conn := &models.Connection{Type: models.ConnectionTypeHTTP, Origin: testOrigin, WalletID: testWalletID}
	store.conns[testOrigin] = conn
	router, notifications, _, _ := newTestRouter(store)
	bridge := &fakeBridge{}
	router.SetBridge(bridge)

	decideWhenSurfaced(t, notifications, Resolution{Kind: ResolutionApproved, Payload: json.RawMessage(`{"boc":"signed"}`)})

	router.HandleBridgeRequest(context.Background(), conn, json.RawMessage(`{"id":"77","method":"sendTransaction","params":["boc"]}`))

	resp := bridge.last(t)
	assert.Equal(t, json.Number("77"), resp.ID)
	assert.JSONEq(t, `{"boc":"signed"}`, string(resp.Result))
	assert.Nil(t, resp.Error)
}

func TestBridgeRequestUnsupportedMethod(t *testing.T) {
	store := newFakeStore()
	conn := &models.Connection{Type: models.ConnectionTypeHTTP, Origin: testOrigin, WalletID: testWalletID}
	store.conns[testOrigin] = conn
	router, _, _, _ := newTestRouter(store)
	bridge := &fakeBridge{}
	router.SetBridge(bridge)

	router.HandleBridgeRequest(context.Background(), conn, json.RawMessage(`{"id":"78","method":"mintMoney"}`))

	resp := bridge.last(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, models.CodeMethodNotSupported, resp.Error.Code)
}

func TestBridgeDisconnect(t *testing.T) {
	store := newFakeStore()
	conn := &models.Connection{Type: models.ConnectionTypeHTTP, Origin: testOrigin, WalletID: testWalletID}
	store.conns[testOrigin] = conn
	router, _, _, _ := newTestRouter(store)

	router.HandleBridgeDisconnect(context.Background(), conn)
	assert.Nil(t, store.conns[testOrigin])
	assert.Contains(t, store.auditKinds(), models.AuditKindDisconnect)
}

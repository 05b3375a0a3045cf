package models

import "encoding/json"

const (
	PortNameUI            = "TonkeeperUI"
	PortNameContentScript = "TonkeeperContentScript"
)

// MethodResponse is the reserved method name carried by every reply to an
// Ask; the original request id travels alongside it.
const MethodResponse = "Response"

const (
	MethodPing            = "ping"
	MethodConnect         = "tonConnect_connect"
	MethodReconnect       = "tonConnect_reconnect"
	MethodDisconnect      = "tonConnect_disconnect"
	MethodSendTransaction = "tonConnect_sendTransaction"
	MethodSignData        = "tonConnect_signData"
	MethodTonAPIRequest   = "tonapi_request"
	MethodTonLink         = "tonLink_intercept"
)

// UI port methods exchanged with the approval popup.
const (
	MethodShowNotification = "showNotification"
	MethodGetNotification  = "getNotification"
	MethodApproveRequest   = "approveRequest"
	MethodRejectRequest    = "rejectRequest"
	MethodPopupClosed      = "popupClosed"
	MethodOpenPopup        = "openPopup"
	MethodFocusPopup       = "focusPopup"
	MethodClosePopup       = "closePopup"
)

const (
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// MethodWalletEvent carries a pushed TonConnect event (connect_error,
// disconnect) from the background to a content port; params is a
// WalletEvent.
const MethodWalletEvent = "walletEvent"

// Message is the envelope exchanged over a background port. A non-zero ID
// marks a request/response pair; ID 0 is a fire-and-forget event.
type Message struct {
	Method string          `json:"method"`
	ID     int64           `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the params body of a MethodResponse message.
type RPCResponse struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *BridgeError    `json:"error,omitempty"`
}

const (
	FrameTypeProvider = "TonkeeperProvider"
	FrameTypeAPI      = "TonkeeperAPI"
)

const JSONRPCVersion = "2.0"

// ProviderFrame is posted by the injected provider into the page
// (dApp -> wallet direction).
type ProviderFrame struct {
	Type    string          `json:"type"`
	Message ProviderRequest `json:"message"`
}

type ProviderRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int64             `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	Origin  string            `json:"origin"`
}

// APIFrame is delivered back into the page (wallet -> dApp direction),
// either as a response correlated by ID or as a pushed event.
type APIFrame struct {
	Type    string     `json:"type"`
	Message APIMessage `json:"message"`
}

type APIMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *BridgeError    `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WalletEvent is a TonConnect-level event (connect, connect_error,
// disconnect) layered on top of the provider protocol.
type WalletEvent struct {
	Event   string          `json:"event"`
	ID      int64           `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

const (
	WalletEventConnect      = "connect"
	WalletEventConnectError = "connect_error"
	WalletEventDisconnect   = "disconnect"
)

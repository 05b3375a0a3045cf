package models

import (
	"encoding/json"
	"time"
)

type ConnectionType string

const (
	ConnectionTypeInjected ConnectionType = "injected"
	ConnectionTypeHTTP     ConnectionType = "http"
)

const (
	ItemTonAddr  = "ton_addr"
	ItemTonProof = "ton_proof"
)

// ConnectItem is one scope requested by a dApp at connect time.
type ConnectItem struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

// ConnectItemReply is the wallet's answer to one ConnectItem. Only the
// fields matching Name are populated.
type ConnectItemReply struct {
	Name            string         `json:"name"`
	Address         string         `json:"address,omitempty"`
	Network         string         `json:"network,omitempty"`
	PublicKey       string         `json:"publicKey,omitempty"`
	WalletStateInit string         `json:"walletStateInit,omitempty"`
	Proof           *TonProofReply `json:"proof,omitempty"`
}

type ConnectRequest struct {
	ManifestURL string        `json:"manifestUrl"`
	Items       []ConnectItem `json:"items"`
}

type ConnectEventPayload struct {
	Items  []ConnectItemReply `json:"items"`
	Device DeviceInfo         `json:"device"`
}

// SessionKeys identify one http bridge session. They are opaque outside
// pkg/sessioncrypto.
type SessionKeys struct {
	PublicKey string `json:"public_key" msgpack:"public_key"`
	SecretKey string `json:"-" msgpack:"secret_key"`
}

// Connection is one dApp's authorization to talk to one wallet, keyed by
// origin. At most one active connection exists per (origin, wallet) pair;
// rebinding an existing pair refreshes CreatedAt instead of duplicating.
type Connection struct {
	Type          ConnectionType     `json:"type" msgpack:"type"`
	Origin        string             `json:"origin" msgpack:"origin"`
	WebViewOrigin string             `json:"web_view_origin,omitempty" msgpack:"web_view_origin"`
	Manifest      *DappManifest      `json:"manifest,omitempty" msgpack:"manifest"`
	ConnectItems  []ConnectItem      `json:"connect_items" msgpack:"connect_items"`
	Replies       []ConnectItemReply `json:"replies" msgpack:"replies"`
	WalletID      string             `json:"wallet_id" msgpack:"wallet_id"`
	ClientID      string             `json:"client_id,omitempty" msgpack:"client_id"`
	SessionKeys   *SessionKeys       `json:"session_keys,omitempty" msgpack:"session_keys"`
	CreatedAt     time.Time          `json:"created_at" msgpack:"created_at"`
}

// Granted reports whether the connection already carries the named scope.
func (c *Connection) Granted(item string) bool {
	for _, it := range c.ConnectItems {
		if it.Name == item {
			return true
		}
	}
	return false
}

type RequestKind string

const (
	RequestKindConnect         RequestKind = "connect"
	RequestKindSendTransaction RequestKind = "sendTransaction"
	RequestKindSignData        RequestKind = "signData"
	RequestKindDisconnect      RequestKind = "disconnect"
)

// PendingRequest is one in-flight dApp request awaiting a terminal
// outcome. Exactly one of approve, reject or popup-closed terminates it.
type PendingRequest struct {
	ID         int64           `json:"id"`
	Kind       RequestKind     `json:"kind"`
	Origin     string          `json:"origin"`
	Connection *Connection     `json:"-"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const (
	NotificationKindConnect = "tonConnectRequest"
	NotificationKindSend    = "tonConnectSend"
	NotificationKindSign    = "tonConnectSign"
)

// NotificationData is the user-facing projection of a PendingRequest. Only
// the queue head is ever surfaced to the popup.
type NotificationData struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	RequestID int64           `json:"request_id"`
	Origin    string          `json:"origin"`
	Logo      string          `json:"logo,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

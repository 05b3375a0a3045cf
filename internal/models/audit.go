package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	AuditKindConnect    = "connect"
	AuditKindReconnect  = "reconnect"
	AuditKindApprove    = "approve"
	AuditKindReject     = "reject"
	AuditKindDisconnect = "disconnect"
)

// ConnectionEvent is one durable audit row for a connection lifecycle
// transition.
type ConnectionEvent struct {
	bun.BaseModel `bun:"table:connection_events,alias:ce"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Origin    string    `bun:"origin,notnull"`
	WalletID  string    `bun:"wallet_id"`
	Kind      string    `bun:"kind,notnull"`
	RequestID int64     `bun:"request_id"`
	Detail    string    `bun:"detail"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

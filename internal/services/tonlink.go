package services

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/tonkeeper/tongo"

	"tonbridge/internal/models"
)

// TransferIntent is a normalized ton:// or tonkeeper transfer link, ready
// to surface as a transaction prompt.
type TransferIntent struct {
	Address string `json:"address"`
	Amount  string `json:"amount,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ServiceTonLink recognizes transfer deep links clicked inside pages so
// the wallet can intercept them instead of losing the navigation.
type ServiceTonLink struct{}

func NewServiceTonLink() *ServiceTonLink {
	return &ServiceTonLink{}
}

// Intercept parses a candidate link. Links it does not recognize come
// back as a bad-request error and the caller lets the navigation proceed.
func (service *ServiceTonLink) Intercept(_ context.Context, link string) (json.RawMessage, error) {
	intent, err := ParseTransferLink(link)
	if err != nil {
		return nil, err
	}
	return json.Marshal(intent)
}

// ParseTransferLink accepts the two transfer forms in the wild:
//
//	ton://transfer/<address>?amount=..&text=..
//	https://app.tonkeeper.com/transfer/<address>?amount=..&text=..
func ParseTransferLink(link string) (*TransferIntent, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, models.ErrBadRequest("malformed link")
	}

	var address string
	switch {
	case u.Scheme == "ton" && u.Host == "transfer":
		address = strings.TrimPrefix(u.Path, "/")
	case u.Scheme == "https" && u.Host == "app.tonkeeper.com" && strings.HasPrefix(u.Path, "/transfer/"):
		address = strings.TrimPrefix(u.Path, "/transfer/")
	default:
		return nil, models.ErrBadRequest("not a transfer link")
	}

	if _, err := tongo.ParseAddress(address); err != nil {
		return nil, models.ErrBadRequest("invalid transfer address")
	}

	q := u.Query()
	return &TransferIntent{
		Address: address,
		Amount:  q.Get("amount"),
		Text:    q.Get("text"),
	}, nil
}

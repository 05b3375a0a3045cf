package handler

import (
	"errors"
	"strconv"

	"tonbridge/internal/datastore"
	"tonbridge/internal/services"

	"github.com/hiendaovinh/toolkit/pkg/errorx"
	"github.com/hiendaovinh/toolkit/pkg/httpx-echo"
	"github.com/labstack/echo/v4"
	"github.com/samber/do"
	"github.com/uptrace/bun"
)

type groupConnections struct {
	container *do.Injector
}

// List returns every connection held by the active wallet.
func (gr *groupConnections) List(c echo.Context) error {
	connections, err := do.Invoke[*services.ServiceConnections](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}
	wallet, err := do.Invoke[*services.ServiceWallet](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	ctx := c.Request().Context()
	conns, err := connections.ListByWallet(ctx, wallet.WalletID())
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}
	return httpx.RestAbort(c, conns, nil)
}

func (gr *groupConnections) Show(c echo.Context) error {
	connections, err := do.Invoke[*services.ServiceConnections](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	origin := c.Param("origin")
	if origin == "" {
		return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("origin is required"), errorx.Invalid))
	}

	ctx := c.Request().Context()
	conn, err := connections.Get(ctx, origin)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}
	if conn == nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("no connection for origin"), errorx.NotExist))
	}
	return httpx.RestAbort(c, conn, nil)
}

// Revoke drops every wallet binding for the origin, same as a wallet-side
// disconnect from the settings screen.
func (gr *groupConnections) Revoke(c echo.Context) error {
	connections, err := do.Invoke[*services.ServiceConnections](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	origin := c.Param("origin")
	if origin == "" {
		return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("origin is required"), errorx.Invalid))
	}

	ctx := c.Request().Context()
	if err := connections.Remove(ctx, origin, ""); err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}
	return httpx.RestAbort(c, true, nil)
}

// Events returns the audit trail for the origin, most recent first.
func (gr *groupConnections) Events(c echo.Context) error {
	postgresDB, err := do.Invoke[*bun.DB](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	origin := c.Param("origin")
	if origin == "" {
		return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("origin is required"), errorx.Invalid))
	}
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}

	ctx := c.Request().Context()
	events, err := datastore.FindConnectionEventsByOrigin(ctx, postgresDB, origin, limit)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}
	return httpx.RestAbort(c, events, nil)
}

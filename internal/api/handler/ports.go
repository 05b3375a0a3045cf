package handler

import (
	"errors"
	"net/http"

	"tonbridge/internal/models"
	"tonbridge/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/hiendaovinh/toolkit/pkg/errorx"
	"github.com/hiendaovinh/toolkit/pkg/httpx-echo"
	"github.com/labstack/echo/v4"
	"github.com/samber/do"
)

type groupPorts struct {
	container *do.Injector
	origins   []string
}

// upgrader accepts any Origin header; port identity comes from the
// authenticated query parameters, not the browser header, because shim
// processes do not send one.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Serve upgrades GET /port/:name into a long-lived port attachment.
// Content-script ports must declare the page origin they speak for; the
// UI port must not.
func (gr *groupPorts) Serve(c echo.Context) error {
	hub, err := do.Invoke[*transport.Hub](gr.container)
	if err != nil {
		return httpx.RestAbort(c, nil, errorx.Wrap(err, errorx.Service))
	}

	name := c.Param("name")
	origin := c.QueryParam("origin")

	switch name {
	case models.PortNameUI:
		if origin != "" {
			return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("ui port must not claim an origin"), errorx.Invalid))
		}
	case models.PortNameContentScript:
		if origin == "" {
			return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("origin is required"), errorx.Invalid))
		}
		if !gr.originAllowed(origin) {
			return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("origin not allowed"), errorx.Invalid))
		}
	default:
		return httpx.RestAbort(c, nil, errorx.Wrap(errors.New("unknown port name"), errorx.Invalid))
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	hub.Serve(c.Request().Context(), ws, name, origin)
	return nil
}

func (gr *groupPorts) originAllowed(origin string) bool {
	for _, o := range gr.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

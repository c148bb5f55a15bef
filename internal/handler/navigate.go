package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"viewport-proxy/internal/model"
	"viewport-proxy/internal/relay"
)

// NavigateHandler relays navigation events from rendered pages.
type NavigateHandler struct {
	relay  *relay.Relay
	logger *slog.Logger
}

// NewNavigateHandler creates a NavigateHandler.
func NewNavigateHandler(r *relay.Relay, logger *slog.Logger) *NavigateHandler {
	return &NavigateHandler{
		relay:  r,
		logger: logger.With("component", "navigate_handler"),
	}
}

// Handle proxies the navigation target for the viewer session. The response
// carries the session ID and the generation the result belongs to.
func (h *NavigateHandler) Handle(c echo.Context) error {
	in, err := bindTarget(c)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	out, err := h.relay.Navigate(c.Request().Context(), in.Session, model.NavigationEvent{URL: in.URL})
	if err != nil {
		return mapError(c, h.logger, err)
	}

	if err := out.Result.Err(); err != nil {
		status, body := errorStatus(err)
		logError(c, h.logger, status, err)
		body.Session = out.Session
		body.Seq = out.Seq
		return c.JSON(status, body)
	}

	resp := newProxyResponse(out.Result)
	resp.Session = out.Session
	resp.Seq = out.Seq
	return c.JSON(http.StatusOK, resp)
}

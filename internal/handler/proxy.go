package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"viewport-proxy/internal/model"
	"viewport-proxy/internal/relay"
	"viewport-proxy/internal/service"
)

// targetInput is accepted as a JSON body, a form, or query parameters.
type targetInput struct {
	URL     string `json:"url" form:"url" query:"url"`
	Session string `json:"session" form:"session" query:"session"`
}

type proxyResponse struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Strategy    string `json:"strategy"`
	Session     string `json:"session,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
}

type errorResponse struct {
	Error       string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
	Session     string   `json:"session,omitempty"`
	Seq         uint64   `json:"seq,omitempty"`
}

// ProxyHandler serves one-shot proxy requests.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the submitted URL and returns the rewritten document as
// JSON.
func (h *ProxyHandler) Handle(c echo.Context) error {
	in, err := bindTarget(c)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	res := h.service.Proxy(c.Request().Context(), model.TargetRequest{RawInput: in.URL})
	if err := res.Err(); err != nil {
		return mapError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, newProxyResponse(res))
}

// rawSandbox gives documents served from /raw an opaque origin, the same
// isolation the viewer's srcdoc frame gets.
const rawSandbox = "sandbox allow-scripts allow-forms allow-popups"

// Raw proxies ?url= and serves the document itself, for use as an iframe
// src.
func (h *ProxyHandler) Raw(c echo.Context) error {
	in, err := bindTarget(c)
	if err != nil {
		return mapError(c, h.logger, err)
	}

	res := h.service.Proxy(c.Request().Context(), model.TargetRequest{RawInput: in.URL})
	if err := res.Err(); err != nil {
		return mapError(c, h.logger, err)
	}
	c.Response().Header().Set("Content-Security-Policy", rawSandbox)
	body := res.Raw
	if body == nil {
		body = []byte(res.Body)
	}
	return c.Blob(http.StatusOK, res.ContentType, body)
}

func bindTarget(c echo.Context) (targetInput, error) {
	var in targetInput
	if err := c.Bind(&in); err != nil {
		return in, errors.Join(model.ErrInvalidURL, err)
	}
	if in.URL == "" {
		// Bind reads the query only for GET; POST callers may still use ?url=.
		in.URL = c.QueryParam("url")
	}
	return in, nil
}

func newProxyResponse(res *model.ProxyResult) proxyResponse {
	return proxyResponse{
		Content:     res.Body,
		ContentType: res.ContentType,
		URL:         res.URL,
		Title:       res.Title,
		Strategy:    res.Strategy,
	}
}

// errorStatus maps an error to its HTTP status and response body.
func errorStatus(err error) (int, errorResponse) {
	var fe *model.FailureError
	if errors.As(err, &fe) {
		body := errorResponse{Error: fe.Detail, Suggestions: fe.Suggestions}
		if errors.Is(err, model.ErrInvalidURL) {
			return http.StatusBadRequest, body
		}
		return http.StatusBadGateway, body
	}

	switch {
	case errors.Is(err, model.ErrInvalidURL):
		return http.StatusBadRequest, errorResponse{Error: "invalid request: a url is required"}
	case errors.Is(err, relay.ErrInvalidSession):
		return http.StatusBadRequest, errorResponse{Error: "invalid session id"}
	case errors.Is(err, relay.ErrSuperseded):
		return http.StatusConflict, errorResponse{Error: "navigation superseded by a newer request"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "upstream request timed out"}
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, errorResponse{Error: "client disconnected"}
	}
	return http.StatusBadGateway, errorResponse{Error: "proxy request failed"}
}

func mapError(c echo.Context, logger *slog.Logger, err error) error {
	status, body := errorStatus(err)
	logError(c, logger, status, err)
	return c.JSON(status, body)
}

func logError(c echo.Context, logger *slog.Logger, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(c.Request().Context(), level, "proxy error",
		"err", err,
		"status", status,
		"path", c.Request().URL.Path,
	)
}

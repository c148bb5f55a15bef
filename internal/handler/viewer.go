package handler

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed assets/viewer.html
var viewerHTML []byte

// Viewer serves the single-page viewer: a URL bar and a sandboxed frame that
// renders proxied documents and relays their navigation events.
func Viewer(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, viewerHTML)
}

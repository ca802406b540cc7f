package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abdusco/peeklink/web"
)

type PageHandler struct{}

func NewPageHandler() *PageHandler {
	return &PageHandler{}
}

func (h *PageHandler) ServeHome(c echo.Context) error {
	data, err := web.FS.ReadFile("index.html")
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to read index.html")
	}
	return c.Blob(http.StatusOK, "text/html; charset=utf-8", data)
}

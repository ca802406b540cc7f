package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/abdusco/peeklink/internal/codec"
	"github.com/abdusco/peeklink/internal/countdown"
	"github.com/abdusco/peeklink/web"
)

type ProceedRecorder interface {
	Create(ctx context.Context, destinationURL, userAgent, ipAddress string) error
}

type VisitHandler struct {
	visits   *countdown.Visits
	proceeds ProceedRecorder
}

func NewVisitHandler(visits *countdown.Visits, proceeds ProceedRecorder) *VisitHandler {
	return &VisitHandler{visits: visits, proceeds: proceeds}
}

type redirectPageData struct {
	VisitID        string
	DestinationURL string
	Title          string
	Description    string
}

type VisitResponse struct {
	countdown.Snapshot
	WarningMessage string `json:"warning_message,omitempty"`
}

type NavigateResponse struct {
	URL string `json:"url"`
}

// RedirectPage decodes the link and starts a countdown for this visit.
// Links without a usable destination go back to the home page.
func (h *VisitHandler) RedirectPage(c echo.Context) error {
	decoded, err := codec.DecodeQuery(c.QueryParams())
	if err != nil {
		log.Debug().Err(err).Str("query", c.QueryString()).Msg("undecodable redirect link")
		return c.Redirect(http.StatusFound, countdown.HomePath)
	}

	id, _ := h.visits.Start(decoded)

	data := redirectPageData{
		VisitID:        id,
		DestinationURL: decoded.DestinationURL,
		Title:          decoded.Title,
		Description:    decoded.Description,
	}
	if data.Title == "" {
		data.Title = "Ready to Visit"
	}
	if data.Description == "" {
		data.Description = "No description available"
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(http.StatusOK)
	return web.RedirectPage.Execute(c.Response(), data)
}

func (h *VisitHandler) GetVisit(c echo.Context) error {
	controller, err := h.controller(c)
	if err != nil {
		return err
	}

	snap := controller.Snapshot()
	resp := VisitResponse{Snapshot: snap}
	if snap.Warning {
		resp.WarningMessage = countdown.WarningMessage
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *VisitHandler) Proceed(c echo.Context) error {
	controller, err := h.controller(c)
	if err != nil {
		return err
	}

	dest, err := controller.Proceed()
	if errors.Is(err, countdown.ErrNotReady) {
		return echo.NewHTTPError(http.StatusConflict, "countdown has not finished")
	}
	if err != nil {
		return err
	}

	req := c.Request()
	if err := h.proceeds.Create(req.Context(), dest, req.UserAgent(), getClientIP(req)); err != nil {
		log.Error().Err(err).Str("destination", dest).Msg("failed to record proceed")
	}

	h.visits.End(c.Param("id"))
	log.Info().Str("visit", c.Param("id")).Str("destination", dest).Msg("visitor proceeding")

	return c.JSON(http.StatusOK, NavigateResponse{URL: dest})
}

func (h *VisitHandler) Cancel(c echo.Context) error {
	controller, err := h.controller(c)
	if err != nil {
		return err
	}

	home := controller.Cancel()
	h.visits.End(c.Param("id"))
	return c.JSON(http.StatusOK, NavigateResponse{URL: home})
}

func (h *VisitHandler) controller(c echo.Context) (*countdown.Controller, error) {
	controller, err := h.visits.Get(c.Param("id"))
	if errors.Is(err, countdown.ErrVisitNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "visit not found")
	}
	return controller, err
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		first = strings.TrimSpace(first)
		if ip := net.ParseIP(first); ip != nil {
			return first
		}
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return xri
		}
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

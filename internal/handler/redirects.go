package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/abdusco/peeklink/internal"
	"github.com/abdusco/peeklink/internal/codec"
	"github.com/abdusco/peeklink/internal/metrics"
	"github.com/abdusco/peeklink/internal/repo"
	"github.com/abdusco/peeklink/internal/resolver"
	"github.com/abdusco/peeklink/internal/store"
)

const (
	ModeAuto   = "auto"
	ModeManual = "manual"

	duplicateMessage = "This URL has already been generated. Please check your recent redirects."
)

type MetadataResolver interface {
	Resolve(ctx context.Context, url string) (internal.PreviewRecord, error)
}

type ProceedStatsReader interface {
	GetStats(ctx context.Context, destinationURL string) (*repo.ProceedStats, error)
}

type RedirectHandler struct {
	store    *store.Store
	resolver MetadataResolver
	codec    *codec.Codec
	proceeds ProceedStatsReader
	now      func() time.Time
}

func NewRedirectHandler(s *store.Store, r MetadataResolver, c *codec.Codec, proceeds ProceedStatsReader) *RedirectHandler {
	return &RedirectHandler{
		store:    s,
		resolver: r,
		codec:    c,
		proceeds: proceeds,
		now:      time.Now,
	}
}

type PreviewRequest struct {
	URL string `json:"url"`
}

type CreateRedirectRequest struct {
	URL         string  `json:"url"`
	Mode        string  `json:"mode"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (r *CreateRedirectRequest) Validate() error {
	r.URL = strings.TrimSpace(r.URL)
	if r.Mode == "" {
		r.Mode = ModeAuto
	}
	if r.Mode != ModeAuto && r.Mode != ModeManual {
		return errors.New("mode must be auto or manual")
	}
	return internal.ValidateDestination(r.URL)
}

type UpdateOverlayRequest struct {
	URL         string  `json:"url"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type RedirectResponse struct {
	ID             string                 `json:"id"`
	DestinationURL string                 `json:"destination_url"`
	Preview        internal.PreviewRecord `json:"preview"`
	Overlay        internal.Overlay       `json:"overlay"`
	RedirectURL    string                 `json:"redirect_url"`
	CreatedAt      time.Time              `json:"created_at"`
	Proceeds       int64                  `json:"proceeds"`
	LastProceedAt  *time.Time             `json:"last_proceed_at"`
}

type RedirectEnvelope struct {
	Link RedirectResponse `json:"link"`
}

type ListRedirectsResponse struct {
	Links []RedirectResponse `json:"links"`
}

// Preview resolves metadata without creating a link.
func (h *RedirectHandler) Preview(c echo.Context) error {
	var req PreviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	preview, err := h.resolver.Resolve(c.Request().Context(), strings.TrimSpace(req.URL))
	if err != nil {
		return resolveHTTPError(err)
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *RedirectHandler) CreateRedirect(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateRedirectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// checked before resolving so duplicates never cost a fetch
	if h.store.Contains(req.URL) {
		return echo.NewHTTPError(http.StatusConflict, duplicateMessage)
	}

	link := internal.RedirectLink{
		ID:             uuid.NewString(),
		DestinationURL: req.URL,
		CreatedAt:      h.now().UTC(),
	}

	switch req.Mode {
	case ModeManual:
		link.Preview = internal.PreviewRecord{
			Title:       lo.CoalesceOrEmpty(strings.TrimSpace(lo.FromPtr(req.Title)), "No title"),
			Description: lo.CoalesceOrEmpty(strings.TrimSpace(lo.FromPtr(req.Description)), "No description"),
		}
	default:
		preview, err := h.resolver.Resolve(ctx, req.URL)
		if err != nil {
			return resolveHTTPError(err)
		}
		link.Preview = preview
		link.Overlay = internal.Overlay{Title: req.Title, Description: req.Description}
	}
	link.RedirectURL = h.codec.Encode(link)

	if err := h.store.Add(ctx, link); err != nil {
		if errors.Is(err, internal.ErrDuplicateDestination) {
			return echo.NewHTTPError(http.StatusConflict, duplicateMessage)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save redirect")
	}

	metrics.RecordLinkCreated(req.Mode)
	log.Info().Str("id", link.ID).Str("mode", req.Mode).Str("destination", link.DestinationURL).Msg("redirect created")

	return c.JSON(http.StatusCreated, RedirectEnvelope{Link: h.toResponse(ctx, link)})
}

func (h *RedirectHandler) ListRedirects(c echo.Context) error {
	ctx := c.Request().Context()
	links := lo.Map(h.store.List(), func(link internal.RedirectLink, _ int) RedirectResponse {
		return h.toResponse(ctx, link)
	})
	return c.JSON(http.StatusOK, ListRedirectsResponse{Links: links})
}

func (h *RedirectHandler) DeleteRedirect(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.Remove(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete redirect")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *RedirectHandler) UpdateOverlay(c echo.Context) error {
	ctx := c.Request().Context()

	var req UpdateOverlayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}

	link, ok, err := h.store.UpdateOverlay(ctx, strings.TrimSpace(req.URL), internal.Overlay{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update redirect")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "redirect not found")
	}
	return c.JSON(http.StatusOK, RedirectEnvelope{Link: h.toResponse(ctx, link)})
}

func (h *RedirectHandler) toResponse(ctx context.Context, link internal.RedirectLink) RedirectResponse {
	resp := RedirectResponse{
		ID:             link.ID,
		DestinationURL: link.DestinationURL,
		Preview:        link.Preview,
		Overlay:        link.Overlay,
		RedirectURL:    link.RedirectURL,
		CreatedAt:      link.CreatedAt,
	}

	stats, err := h.proceeds.GetStats(ctx, link.DestinationURL)
	if err != nil {
		log.Warn().Err(err).Str("destination", link.DestinationURL).Msg("failed to load proceed stats")
		return resp
	}
	resp.Proceeds = stats.Total
	if stats.LastProceedAt != nil {
		resp.LastProceedAt = lo.ToPtr(stats.LastProceedAt.Time())
	}
	return resp
}

func resolveHTTPError(err error) error {
	if errors.Is(err, internal.ErrInvalidURL) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var resolveErr *resolver.ResolveError
	if errors.As(err, &resolveErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, resolveErr.Message()).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch metadata").SetInternal(err)
}

package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/abdusco/peeklink/internal"
	"github.com/abdusco/peeklink/internal/extract"
	"github.com/abdusco/peeklink/internal/fetcher"
	"github.com/abdusco/peeklink/internal/logger"
	"github.com/abdusco/peeklink/internal/metrics"
)

// PageFetcher returns the HTML of a page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ResolveError is returned when no HTML could be fetched. Message is safe to show to users.
type ResolveError struct {
	URL string
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.URL, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

func (e *ResolveError) Message() string {
	var fetchErr *fetcher.FetchError
	if errors.As(e.Err, &fetchErr) {
		switch fetchErr.Kind {
		case fetcher.KindTimeout:
			return "Request timed out. Please try again or use manual mode."
		case fetcher.KindHTTP:
			return "Failed to fetch URL. Please use manual mode instead."
		case fetcher.KindNetwork:
			return "Network error. Please check your connection or use manual mode."
		}
	}
	return "Failed to fetch metadata. Please use manual mode instead."
}

type Resolver struct {
	fetcher   PageFetcher
	extractor *extract.Extractor
	log       zerolog.Logger
}

func New(f PageFetcher, e *extract.Extractor) *Resolver {
	return &Resolver{
		fetcher:   f,
		extractor: e,
		log:       logger.With("component", "resolver"),
	}
}

func (r *Resolver) Resolve(ctx context.Context, url string) (internal.PreviewRecord, error) {
	if err := internal.ValidateDestination(url); err != nil {
		return internal.PreviewRecord{}, err
	}

	html, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.RecordResolve("failed")
		r.log.Warn().Err(err).Str("url", url).Msg("failed to resolve metadata")
		return internal.PreviewRecord{}, &ResolveError{URL: url, Err: err}
	}

	preview, err := r.extractor.FromHTML(bytes.NewReader(html), url)
	if err != nil {
		metrics.RecordResolve("failed")
		return internal.PreviewRecord{}, &ResolveError{URL: url, Err: err}
	}

	metrics.RecordResolve("ok")
	r.log.Debug().Str("url", url).Str("title", preview.Title).Msg("resolved metadata")
	return preview, nil
}

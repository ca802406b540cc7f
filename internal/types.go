package internal

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type PreviewRecord struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// Overlay holds user supplied values that take precedence over an extracted preview.
// A nil field means "not overridden".
type Overlay struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (o Overlay) Merge(other Overlay) Overlay {
	if other.Title != nil {
		o.Title = other.Title
	}
	if other.Description != nil {
		o.Description = other.Description
	}
	return o
}

type RedirectLink struct {
	ID             string        `json:"id"`
	DestinationURL string        `json:"destination_url"`
	Preview        PreviewRecord `json:"preview"`
	Overlay        Overlay       `json:"overlay"`
	RedirectURL    string        `json:"redirect_url"`
	CreatedAt      time.Time     `json:"created_at"`
}

// EffectivePreview returns the preview with the overlay applied. The image is never overlaid.
func (l RedirectLink) EffectivePreview() PreviewRecord {
	p := l.Preview
	if l.Overlay.Title != nil {
		p.Title = *l.Overlay.Title
	}
	if l.Overlay.Description != nil {
		p.Description = *l.Overlay.Description
	}
	return p
}

// ValidateDestination checks that raw is an absolute http(s) URL with a host.
func ValidateDestination(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: url must use http:// or https:// scheme", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url must have a valid host", ErrInvalidURL)
	}

	return nil
}

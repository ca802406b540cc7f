// Package extract reads preview metadata out of a parsed HTML document.
package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/abdusco/peeklink/internal"
)

const NoTitle = "No title available"

// TitleFallback decides what the title becomes when a page has none.
type TitleFallback int

const (
	TitleFallbackText TitleFallback = iota
	TitleFallbackURL
)

func ParseTitleFallback(s string) (TitleFallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return TitleFallbackText, nil
	case "url":
		return TitleFallbackURL, nil
	}
	return TitleFallbackText, fmt.Errorf("unknown title fallback %q", s)
}

var (
	titleSelectors = []string{
		`meta[property="og:title"]`,
		`meta[name="twitter:title"], meta[property="twitter:title"]`,
	}
	descriptionSelectors = []string{
		`meta[property="og:description"]`,
		`meta[name="twitter:description"], meta[property="twitter:description"]`,
		`meta[name="description"]`,
	}
	imageSelectors = []string{
		`meta[property="og:image"]`,
		`meta[name="twitter:image"], meta[property="twitter:image"]`,
		`meta[name="twitter:image:src"], meta[property="twitter:image:src"]`,
	}
)

type Extractor struct {
	fallback TitleFallback
}

func New(fallback TitleFallback) *Extractor {
	return &Extractor{fallback: fallback}
}

// FromHTML parses r and extracts a preview. pageURL is only used for the title fallback.
func (e *Extractor) FromHTML(r io.Reader, pageURL string) (internal.PreviewRecord, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return internal.PreviewRecord{}, fmt.Errorf("parse html: %w", err)
	}
	return e.Extract(doc, pageURL), nil
}

// Extract never fails: fields without a match are left empty, except the title
// which falls back according to the extractor's TitleFallback.
func (e *Extractor) Extract(doc *goquery.Document, pageURL string) internal.PreviewRecord {
	title := firstContent(doc, titleSelectors)
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		title = e.fallbackTitle(pageURL)
	}

	return internal.PreviewRecord{
		Title:       title,
		Description: firstContent(doc, descriptionSelectors),
		Image:       firstContent(doc, imageSelectors),
	}
}

func (e *Extractor) fallbackTitle(pageURL string) string {
	if e.fallback == TitleFallbackURL && pageURL != "" {
		return strings.TrimSpace(pageURL)
	}
	return NoTitle
}

func firstContent(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = strings.TrimSpace(s.AttrOr("content", ""))
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// Package codec turns a redirect link into a followable URL and back.
//
// Wire format: <base>/u?u=<destination>&title=<title>&des=<description>.
// Only u is required. The legacy form /u?=<destination> is still accepted.
// The image is never encoded.
package codec

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/abdusco/peeklink/internal"
)

const (
	Path             = "/u"
	ParamDestination = "u"
	ParamTitle       = "title"
	ParamDescription = "des"
)

type Decoded struct {
	DestinationURL string `json:"destination_url"`
	Title          string `json:"title"`
	Description    string `json:"description"`
}

type Codec struct {
	base string
}

// New returns a codec producing links under base, e.g. "https://peek.example".
// An empty base produces relative links.
func New(base string) *Codec {
	return &Codec{base: strings.TrimRight(base, "/")}
}

// Encode writes the destination and the effective title and description (overlay applied).
func (c *Codec) Encode(link internal.RedirectLink) string {
	p := link.EffectivePreview()

	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString(Path)
	b.WriteString("?")
	b.WriteString(ParamDestination + "=" + escape(link.DestinationURL))
	b.WriteString("&" + ParamTitle + "=" + escape(p.Title))
	b.WriteString("&" + ParamDescription + "=" + escape(p.Description))
	return b.String()
}

func (c *Codec) Decode(raw string) (Decoded, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Decoded{}, fmt.Errorf("parse redirect url: %w", err)
	}
	// malformed pairs are dropped, the rest is still usable
	values, _ := url.ParseQuery(u.RawQuery)
	return DecodeQuery(values)
}

// DecodeQuery decodes already parsed query parameters.
func DecodeQuery(values url.Values) (Decoded, error) {
	dest := strings.TrimSpace(values.Get(ParamDestination))
	if dest == "" {
		dest = strings.TrimSpace(values.Get(""))
	}
	if dest == "" {
		return Decoded{}, internal.ErrMissingDestination
	}
	if err := internal.ValidateDestination(dest); err != nil {
		return Decoded{}, err
	}

	return Decoded{
		DestinationURL: dest,
		Title:          values.Get(ParamTitle),
		Description:    values.Get(ParamDescription),
	}, nil
}

// escape matches JavaScript's encodeURIComponent closely enough for query values.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

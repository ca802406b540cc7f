package web

import (
	"embed"
	"html/template"
)

//go:embed *.html *.css
var FS embed.FS

var RedirectPage = template.Must(template.ParseFS(FS, "redirect.html"))

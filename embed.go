package marketchat

import "embed"

// TemplateFS contains the HTML templates of the web interface, split into layouts, pages and the
// partials that render conversation parts.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the script and stylesheet served under /static.
//
//go:embed static/*
var StaticFS embed.FS

// Package render turns a conversation into HTML. Build maps messages, status and error text to a
// view model without touching anything else; the Renderer then executes the embedded templates over
// that view. Tool outputs become cards and SVG charts, text parts are rendered as Markdown.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"log/slog"

	marketchat "github.com/MegaGrindStone/market-chat"
	"github.com/MegaGrindStone/market-chat/internal/models"
	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer executes the page and conversation templates.
type Renderer struct {
	templates *template.Template
	md        goldmark.Markdown
	logger    *slog.Logger
}

// Page is the data of the home page.
type Page struct {
	ChatID       string
	Conversation Conversation
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithLogger sets the renderer logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

// New parses the embedded templates.
func New(opts ...Option) (*Renderer, error) {
	tmpl, err := template.ParseFS(
		marketchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("error parsing templates: %w", err)
	}

	r := &Renderer{
		templates: tmpl,
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(
					highlighting.WithStyle("github"),
					highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
				),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("module", "render"))
	return r, nil
}

// Page writes the whole home page.
func (r *Renderer) Page(w io.Writer, p Page) error {
	return r.templates.ExecuteTemplate(w, "home.html", p)
}

// Conversation writes the conversation fragment pushed to the page on every change.
func (r *Renderer) Conversation(w io.Writer, c Conversation) error {
	return r.templates.ExecuteTemplate(w, "conversation", c)
}

// ConversationHTML builds and renders messages in one go.
func (r *Renderer) ConversationHTML(messages []models.Message, status models.Status, errText string) (string, error) {
	var buf bytes.Buffer
	if err := r.Conversation(&buf, r.Build(messages, status, errText)); err != nil {
		return "", fmt.Errorf("error executing conversation template: %w", err)
	}
	return buf.String(), nil
}

// markdown converts text to HTML. Raw HTML in text is dropped by goldmark. On failure the text is
// shown escaped.
func (r *Renderer) markdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(text), &buf); err != nil {
		r.logger.Warn("Failed to render markdown", slog.String("err", err.Error()))
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String())
}

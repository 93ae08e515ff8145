// Package email renders the transactional emails sent after provisioning.
package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"provisioner/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Template names a pair of embedded templates.
type Template string

const (
	// TemplateWelcome greets a first-time subscriber and carries the access link.
	TemplateWelcome Template = "welcome"
	// TemplateWelcomeBack tells a returning subscriber their access is active
	// again. It never carries a link.
	TemplateWelcomeBack Template = "welcome_back"
)

var subjects = map[Template]string{
	TemplateWelcome:     "Welcome! Your access is ready",
	TemplateWelcomeBack: "Welcome back! Your subscription is active",
}

// Data is passed into the templates.
type Data struct {
	Name       string
	Email      string
	AccessLink string
	SiteURL    string
}

// Rendered holds the content ready for transmission.
type Rendered struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// RendererConfig holds the parameters needed to construct a Renderer.
type RendererConfig struct {
	FromAddress string
	FromName    string
	SiteURL     string
}

// Renderer renders the embedded templates with html/template and
// text/template. Each HTML template is parsed on top of base.html.
type Renderer struct {
	html    map[Template]*template.Template
	text    map[Template]*texttemplate.Template
	sender  types.Sender
	siteURL string
}

// NewRenderer parses the embedded templates. It fails if any template is
// missing or does not parse.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		html:    make(map[Template]*template.Template),
		text:    make(map[Template]*texttemplate.Template),
		sender:  types.Sender{Address: cfg.FromAddress, Name: cfg.FromName},
		siteURL: cfg.SiteURL,
	}

	baseHTML, err := templateFS.ReadFile("templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("renderer: failed to read base.html: %w", err)
	}

	for _, name := range []Template{TemplateWelcome, TemplateWelcomeBack} {
		htmlContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.html", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.html: %w", name, err)
		}
		htmlTmpl, err := template.New("base").Parse(string(baseHTML))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse base.html: %w", err)
		}
		if _, err := htmlTmpl.Parse(string(htmlContent)); err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		r.html[name] = htmlTmpl

		txtContent, err := templateFS.ReadFile(fmt.Sprintf("templates/%s.txt", name))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to read %s.txt: %w", name, err)
		}
		txtTmpl, err := texttemplate.New(string(name)).Parse(string(txtContent))
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.text[name] = txtTmpl
	}

	return r, nil
}

// Sender is the configured From identity.
func (r *Renderer) Sender() types.Sender {
	return r.sender
}

// Render executes both bodies of tmpl with data.
func (r *Renderer) Render(tmpl Template, data Data) (*Rendered, error) {
	htmlTmpl, ok := r.html[tmpl]
	if !ok {
		return nil, fmt.Errorf("renderer: no HTML template %q", tmpl)
	}
	txtTmpl, ok := r.text[tmpl]
	if !ok {
		return nil, fmt.Errorf("renderer: no text template %q", tmpl)
	}
	if data.SiteURL == "" {
		data.SiteURL = r.siteURL
	}

	var htmlBuf bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: failed to render HTML for %q: %w", tmpl, err)
	}
	var txtBuf bytes.Buffer
	if err := txtTmpl.Execute(&txtBuf, data); err != nil {
		return nil, fmt.Errorf("renderer: failed to render text for %q: %w", tmpl, err)
	}

	return &Rendered{
		Subject:  subjects[tmpl],
		BodyHTML: htmlBuf.String(),
		BodyText: txtBuf.String(),
	}, nil
}

package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// RenderedEmail is the content handed to the transport.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

type templateData struct {
	Name        string
	SiteName    string
	DaysLeft    int
	LockoutDate string
	Delayed     bool
}

var templateFuncs = map[string]any{
	"plural": func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return many
	},
}

// Renderer renders warning and lockout mails from the embedded templates.
// Each kind has a text and an HTML file defining "subject" and "body"; the
// subject comes from the text file.
type Renderer struct {
	html     map[types.MailKind]*template.Template
	text     map[types.MailKind]*texttemplate.Template
	from     types.SenderIdentity
	siteName string
	location *time.Location
}

type RendererConfig struct {
	FromAddress string
	FromName    string
	SiteName    string
	// Location formats the lockout date. Defaults to UTC.
	Location *time.Location
}

func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{
		html:     make(map[types.MailKind]*template.Template),
		text:     make(map[types.MailKind]*texttemplate.Template),
		from:     types.SenderIdentity{Name: cfg.FromName, Address: cfg.FromAddress},
		siteName: cfg.SiteName,
		location: loc,
	}

	for _, kind := range []types.MailKind{types.MailKindWarning, types.MailKindLockout} {
		name := kind.String()

		htmlTmpl, err := template.New("base.html").Funcs(templateFuncs).
			ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("renderer: parse %s.html: %w", name, err)
		}
		r.html[kind] = htmlTmpl

		txtTmpl, err := texttemplate.New(name+".txt").Funcs(templateFuncs).
			ParseFS(templateFS, "templates/"+name+".txt")
		if err != nil {
			return nil, fmt.Errorf("renderer: parse %s.txt: %w", name, err)
		}
		r.text[kind] = txtTmpl
	}
	return r, nil
}

// Render returns the content for n and the sender identity.
func (r *Renderer) Render(n scheduler.Notice) (*RenderedEmail, types.SenderIdentity, error) {
	htmlTmpl, ok := r.html[n.Kind]
	if !ok {
		return nil, types.SenderIdentity{}, types.NewAppError(types.ErrCodeInternalTemplate, fmt.Sprintf("no template for mail kind %d", n.Kind), nil)
	}
	txtTmpl := r.text[n.Kind]

	data := templateData{
		Name:        n.User.Name,
		SiteName:    r.siteName,
		DaysLeft:    n.DaysLeft,
		LockoutDate: n.LockoutAt.In(r.location).Format("January 2, 2006"),
		Delayed:     n.ScheduledAt != nil,
	}

	var subject, text, html bytes.Buffer
	if err := txtTmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, types.SenderIdentity{}, types.NewAppError(types.ErrCodeInternalTemplate, "render subject for "+n.Kind.String(), err)
	}
	if err := txtTmpl.ExecuteTemplate(&text, "body", data); err != nil {
		return nil, types.SenderIdentity{}, types.NewAppError(types.ErrCodeInternalTemplate, "render text body for "+n.Kind.String(), err)
	}
	if err := htmlTmpl.ExecuteTemplate(&html, "base.html", data); err != nil {
		return nil, types.SenderIdentity{}, types.NewAppError(types.ErrCodeInternalTemplate, "render html body for "+n.Kind.String(), err)
	}

	return &RenderedEmail{
		Subject:  strings.TrimSpace(subject.String()),
		BodyText: strings.TrimLeft(text.String(), "\n"),
		BodyHTML: html.String(),
	}, r.from, nil
}

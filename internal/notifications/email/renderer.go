package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"
	texttemplate "text/template"
	"time"

	"courier/internal/types"
)

// RenderedEmail holds the rendered content of a stored template.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
	Type     types.EmailType
}

type parsedTemplate struct {
	updatedAt time.Time
	subject   *texttemplate.Template
	html      *template.Template
	text      *texttemplate.Template
}

// Renderer renders email_templates rows. Subject and text bodies go through
// text/template, HTML bodies through html/template so data is escaped. Parsed
// templates are cached per code until the row's updated_at changes.
type Renderer struct {
	store TemplateStore

	mu    sync.Mutex
	cache map[string]*parsedTemplate
}

func NewRenderer(store TemplateStore) *Renderer {
	return &Renderer{store: store, cache: make(map[string]*parsedTemplate)}
}

// Render loads the template named code and executes it with data. A missing
// key renders as the zero value instead of failing.
func (r *Renderer) Render(ctx context.Context, code string, data map[string]any) (*RenderedEmail, error) {
	tmpl, err := r.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}

	parsed, err := r.parsed(tmpl)
	if err != nil {
		return nil, err
	}

	var subject, htmlBuf, txtBuf bytes.Buffer
	if parsed.subject != nil {
		if err := parsed.subject.Execute(&subject, data); err != nil {
			return nil, renderError(code, "subject", err)
		}
	}
	if parsed.html != nil {
		if err := parsed.html.Execute(&htmlBuf, data); err != nil {
			return nil, renderError(code, "html", err)
		}
	}
	if parsed.text != nil {
		if err := parsed.text.Execute(&txtBuf, data); err != nil {
			return nil, renderError(code, "text", err)
		}
	}

	return &RenderedEmail{
		Subject:  subject.String(),
		BodyHTML: htmlBuf.String(),
		BodyText: txtBuf.String(),
		Type:     tmpl.Type,
	}, nil
}

func (r *Renderer) parsed(t *types.EmailTemplate) (*parsedTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[t.Code]; ok && p.updatedAt.Equal(t.UpdatedAt) {
		return p, nil
	}

	p := &parsedTemplate{updatedAt: t.UpdatedAt}
	var err error
	if t.Subject != "" {
		if p.subject, err = texttemplate.New(t.Code + ".subject").Option("missingkey=zero").Parse(t.Subject); err != nil {
			return nil, renderError(t.Code, "subject", err)
		}
	}
	if t.HTMLBody != "" {
		if p.html, err = template.New(t.Code + ".html").Option("missingkey=zero").Parse(t.HTMLBody); err != nil {
			return nil, renderError(t.Code, "html", err)
		}
	}
	if t.TextBody != "" {
		if p.text, err = texttemplate.New(t.Code + ".txt").Option("missingkey=zero").Parse(t.TextBody); err != nil {
			return nil, renderError(t.Code, "text", err)
		}
	}
	r.cache[t.Code] = p
	return p, nil
}

func renderError(code, part string, err error) error {
	return types.NewAppError(types.ErrCodeInternalTemplate,
		fmt.Sprintf("failed to render %s of template %q", part, code), err)
}

package db

import (
	"context"

	"courier/internal/types"
)

// TemplateRepository reads stored email templates.
type TemplateRepository struct {
	db DBTX
}

func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Get returns the template registered under code.
func (r *TemplateRepository) Get(ctx context.Context, code string) (*types.EmailTemplate, error) {
	var t types.EmailTemplate
	err := r.db.QueryRow(ctx,
		`SELECT code, email_type, subject, COALESCE(html_body, ''), COALESCE(text_body, ''), updated_at
		 FROM email_templates WHERE code = $1`,
		code,
	).Scan(&t.Code, &t.Type, &t.Subject, &t.HTMLBody, &t.TextBody, &t.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "template not found: "+code, err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get template", err)
	}
	return &t, nil
}

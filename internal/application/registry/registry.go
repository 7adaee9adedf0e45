// Package registry resolves the applicable approval flow template for a
// request. Selection is read-only; template authoring and versioning are
// administrative concerns outside this package.
package registry

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// RequestContext carries the scoping attributes consumed from the request domain
type RequestContext struct {
	CompanyID   string `json:"company_id"`
	Category    string `json:"category"`
	RequestType string `json:"request_type"`
	AmountCents int64  `json:"amount_cents"`
}

// Registry resolves request contexts to templates
type Registry struct {
	templates port.TemplateRepository
	logger    *zap.Logger
}

// NewRegistry creates a template registry
func NewRegistry(templates port.TemplateRepository, logger *zap.Logger) *Registry {
	return &Registry{
		templates: templates,
		logger:    logger,
	}
}

// Resolve picks the template whose scope covers the request context. Among
// templates for the same company/category/request type whose half-open
// amount range contains the amount, ties break by narrowest range, then by
// most recent creation. Whether a missing template means "no approval
// required" or a hard error is the caller's policy.
func (r *Registry) Resolve(ctx context.Context, rc RequestContext) (*entity.ApprovalFlowTemplate, error) {
	candidates, err := r.templates.FindByScope(ctx, rc.CompanyID, rc.Category, rc.RequestType)
	if err != nil {
		return nil, fmt.Errorf("find templates for company %s: %w", rc.CompanyID, err)
	}

	matched := candidates[:0:0]
	for _, tmpl := range candidates {
		if tmpl.ContainsAmount(rc.AmountCents) {
			matched = append(matched, tmpl)
		}
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: company=%s category=%s type=%s amount=%d",
			wf.ErrNoTemplateMatched, rc.CompanyID, rc.Category, rc.RequestType, rc.AmountCents)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		si, sj := matched[i].RangeSpan(), matched[j].RangeSpan()
		if si != sj {
			return si < sj
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	selected := matched[0]
	r.logger.Debug("Template resolved",
		zap.Int64("template_id", selected.ID),
		zap.Int("template_version", selected.Version),
		zap.String("request_type", rc.RequestType),
		zap.Int64("amount_cents", rc.AmountCents))

	return selected, nil
}

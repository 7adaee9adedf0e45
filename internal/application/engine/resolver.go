package engine

import (
	"context"
	"fmt"

	"github.com/buildpm/approval-engine/internal/domain/entity"
	wf "github.com/buildpm/approval-engine/internal/domain/workflow"
)

// resolveApprover evaluates a step's approver rule. Resolution is lazy: it
// runs at step activation, not at template authoring, so role membership
// changes between steps are honored.
func (e *Engine) resolveApprover(ctx context.Context, companyID, requestID string, def entity.ApprovalStepDefinition) (string, error) {
	rule := def.Approver

	switch rule.Kind {
	case entity.ApproverFixed:
		if rule.UserID == "" {
			return "", fmt.Errorf("fixed rule at position %d: %w", def.Position, wf.ErrNoApprover)
		}
		return rule.UserID, nil

	case entity.ApproverRole:
		users, err := e.directory.UsersWithRole(ctx, companyID, rule.Role)
		if err != nil {
			return "", fmt.Errorf("lookup role %s in company %s: %w", rule.Role, companyID, err)
		}
		if len(users) == 0 {
			return "", fmt.Errorf("role %s in company %s: %w", rule.Role, companyID, wf.ErrNoApprover)
		}
		return users[0], nil

	case entity.ApproverDynamic:
		fn, ok := e.resolvers[rule.ResolverKey]
		if !ok {
			return "", fmt.Errorf("no resolver registered for key %s: %w", rule.ResolverKey, wf.ErrNoApprover)
		}
		return fn(ctx, companyID, requestID, def)

	default:
		return "", fmt.Errorf("unknown approver rule kind %q at position %d", rule.Kind, def.Position)
	}
}

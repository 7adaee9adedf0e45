package port

import (
	"context"

	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
)

// IdentityDirectory resolves identities owned by the request/user domain.
// The engine consumes it for approver resolution and notification addressing.
type IdentityDirectory interface {
	// RequesterOf returns the user who raised the request
	RequesterOf(ctx context.Context, requestID string) (string, error)

	// UsersWithRole returns user ids holding the role within a company
	UsersWithRole(ctx context.Context, companyID, role string) ([]string, error)
}

// DynamicResolver computes an approver for rules of kind DYNAMIC. Resolvers
// are registered on the engine under the rule's resolver key.
type DynamicResolver func(ctx context.Context, companyID, requestID string, step entity.ApprovalStepDefinition) (string, error)

// NotificationSink is the client of the external notification dispatcher.
// Send failures are logged at the bridge boundary and never propagate back
// into the state machine.
type NotificationSink interface {
	Send(ctx context.Context, intent *event.NotificationIntent) error
}

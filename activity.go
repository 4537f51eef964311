package linking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LinkingAction enumerates audit actions.
type LinkingAction string

const (
	ActionCreated  LinkingAction = "created"
	ActionLinked   LinkingAction = "linked"
	ActionPromoted LinkingAction = "promoted"
	ActionDemoted  LinkingAction = "demoted"
	ActionUnlinked LinkingAction = "unlinked"
	ActionMerged   LinkingAction = "merged"
)

// IsValid reports whether a is a known action.
func (a LinkingAction) IsValid() bool {
	switch a {
	case ActionCreated, ActionLinked, ActionPromoted, ActionDemoted, ActionUnlinked, ActionMerged:
		return true
	default:
		return false
	}
}

// LinkingEvent is an append only audit record. It is never read back for
// decisions.
type LinkingEvent struct {
	ID           string         `json:"id"`
	IdentityID   string         `json:"identity_id"`
	Action       LinkingAction  `json:"action"`
	ProviderKind ProviderKind   `json:"provider,omitempty"`
	ExternalID   string         `json:"external_id,omitempty"`
	PreviousRole Role           `json:"previous_role,omitempty"`
	NewRole      Role           `json:"new_role,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// EventLogFunc adapts a function to the EventLog interface.
type EventLogFunc func(ctx context.Context, event LinkingEvent) error

// Append implements EventLog.
func (f EventLogFunc) Append(ctx context.Context, event LinkingEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopEventLog struct{}

func (noopEventLog) Append(context.Context, LinkingEvent) error {
	return nil
}

func normalizeEventLog(l EventLog) EventLog {
	if l == nil {
		return noopEventLog{}
	}
	return l
}

// appendEvent fills defaults and records the event. Failures are logged.
func appendEvent(ctx context.Context, log EventLog, logger Logger, now func() time.Time, event LinkingEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}
	if err := log.Append(ctx, event); err != nil {
		logger.Warn("linking event append failed",
			"action", event.Action,
			"identity_id", event.IdentityID,
			"error", err,
		)
	}
}

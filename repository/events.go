package repository

import (
	"context"

	"github.com/goliatone/go-linking"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// NewLinkingEventsRepository returns the generic repository for audit rows.
func NewLinkingEventsRepository(db *bun.DB) repository.Repository[*LinkingEventModel] {
	handlers := repository.ModelHandlers[*LinkingEventModel]{
		NewRecord: func() *LinkingEventModel {
			return &LinkingEventModel{}
		},
		GetID: func(record *LinkingEventModel) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *LinkingEventModel, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "identity_id"
		},
	}
	return repository.NewRepository(db, handlers)
}

// LinkingEvents implements linking.EventLog on top of the generic repository.
type LinkingEvents struct {
	repo repository.Repository[*LinkingEventModel]
}

var _ linking.EventLog = (*LinkingEvents)(nil)

// NewLinkingEvents creates a new event log.
func NewLinkingEvents(repo repository.Repository[*LinkingEventModel]) *LinkingEvents {
	return &LinkingEvents{repo: repo}
}

// Append implements linking.EventLog.
func (e *LinkingEvents) Append(ctx context.Context, event linking.LinkingEvent) error {
	record := fromEvent(event)
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	_, err := e.repo.Create(ctx, record)
	return err
}

// ForIdentity returns the events recorded for identityID, oldest first.
func (e *LinkingEvents) ForIdentity(ctx context.Context, identityID string) ([]linking.LinkingEvent, error) {
	records, _, err := e.repo.List(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("identity_id = ?", identityID).Order("occurred_at ASC")
	})
	if err != nil {
		return nil, err
	}
	events := make([]linking.LinkingEvent, 0, len(records))
	for _, r := range records {
		events = append(events, toEvent(r))
	}
	return events, nil
}

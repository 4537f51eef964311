package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Manager bundles the Bun backed stores over one database.
type Manager struct {
	db         *bun.DB
	identities *Identities
	events     *LinkingEvents
	codes      *CodeStore
}

// NewManager wires every store to db.
func NewManager(db *bun.DB, opts ...CodeStoreOption) *Manager {
	return &Manager{
		db:         db,
		identities: NewIdentities(db),
		events:     NewLinkingEvents(NewLinkingEventsRepository(db)),
		codes:      NewCodeStore(db, opts...),
	}
}

func (m *Manager) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}

	if m.identities == nil {
		return errors.New("repository identities should be initialized")
	}

	if m.events == nil {
		return errors.New("repository events should be initialized")
	}

	if m.codes == nil {
		return errors.New("repository codes should be initialized")
	}

	return nil
}

func (m *Manager) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m *Manager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m *Manager) Identities() *Identities {
	return m.identities
}

func (m *Manager) Events() *LinkingEvents {
	return m.events
}

func (m *Manager) Codes() *CodeStore {
	return m.codes
}

// IsNotFound reports whether err is a go-repository-bun not found error or
// sql.ErrNoRows.
func IsNotFound(err error) bool {
	return repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows)
}

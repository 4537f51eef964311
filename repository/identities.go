package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/goliatone/go-linking"
	"github.com/uptrace/bun"
)

// Identities implements linking.IdentityRepository using Bun.
type Identities struct {
	db *bun.DB
}

var _ linking.IdentityRepository = (*Identities)(nil)

// NewIdentities creates a new repository.
func NewIdentities(db *bun.DB) *Identities {
	return &Identities{db: db}
}

func orderBindings(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Order("pb.linked_at ASC", "pb.provider ASC")
}

// FindByID implements linking.IdentityRepository.
func (r *Identities) FindByID(ctx context.Context, id string) (*linking.Identity, error) {
	var model IdentityModel
	err := r.db.NewSelect().
		Model(&model).
		Relation("Bindings", orderBindings).
		Where("i.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return toIdentity(&model), nil
}

// FindByProviderBinding implements linking.IdentityRepository.
func (r *Identities) FindByProviderBinding(ctx context.Context, kind linking.ProviderKind, externalID string) (*linking.Identity, error) {
	bound := r.db.NewSelect().
		Model((*BindingModel)(nil)).
		Column("identity_id").
		Where("provider = ? AND external_id = ?", string(kind), externalID)

	var model IdentityModel
	err := r.db.NewSelect().
		Model(&model).
		Relation("Bindings", orderBindings).
		Where("i.id IN (?)", bound).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return toIdentity(&model), nil
}

// FindLinkableByEmail implements linking.IdentityRepository. The oldest
// matching identity wins when several share the email.
func (r *Identities) FindLinkableByEmail(ctx context.Context, email string, excluding linking.ProviderKind) (*linking.Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, linking.ErrIdentityNotFound
	}

	bound := r.db.NewSelect().
		Model((*BindingModel)(nil)).
		Column("identity_id").
		Where("provider = ?", string(excluding))

	var model IdentityModel
	err := r.db.NewSelect().
		Model(&model).
		Relation("Bindings", orderBindings).
		Where("i.email = ?", email).
		Where("i.id NOT IN (?)", bound).
		Order("i.created_at ASC", "i.id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return toIdentity(&model), nil
}

// Create implements linking.IdentityRepository. The identity row and its
// bindings are written in one transaction.
func (r *Identities) Create(ctx context.Context, identity *linking.Identity) (*linking.Identity, error) {
	model := fromIdentity(identity)
	if model.Version < 1 {
		model.Version = 1
	}
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(model).Exec(ctx); err != nil {
			return err
		}
		if len(model.Bindings) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&model.Bindings).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}
	created := identity.Clone()
	created.Version = model.Version
	return created, nil
}

// Save implements linking.IdentityRepository. The update only applies when
// the stored version still matches identity.Version, otherwise
// linking.ErrStaleIdentity is returned and nothing is written. Bindings are
// diffed against the stored set so unchanged rows are left alone.
func (r *Identities) Save(ctx context.Context, identity *linking.Identity) (*linking.Identity, error) {
	model := fromIdentity(identity)
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(model).
			Column("display_name", "email", "profile_image_url", "role", "highest_role", "mode", "updated_at").
			Set("version = version + 1").
			WherePK().
			Where("version = ?", identity.Version).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			exists, err := tx.NewSelect().
				Model((*IdentityModel)(nil)).
				Where("id = ?", identity.ID).
				Exists(ctx)
			if err != nil {
				return err
			}
			if exists {
				return linking.ErrStaleIdentity
			}
			return sql.ErrNoRows
		}

		var stored []*BindingModel
		if err := tx.NewSelect().
			Model(&stored).
			Where("identity_id = ?", identity.ID).
			Scan(ctx); err != nil {
			return err
		}

		wanted := make(map[string]*BindingModel, len(model.Bindings))
		for _, b := range model.Bindings {
			wanted[b.Provider] = b
		}

		current := make(map[string]*BindingModel, len(stored))
		for _, b := range stored {
			if w, ok := wanted[b.Provider]; ok && w.ExternalID == b.ExternalID {
				current[b.Provider] = b
				continue
			}
			if _, err := tx.NewDelete().
				Model((*BindingModel)(nil)).
				Where("identity_id = ? AND provider = ?", b.IdentityID, b.Provider).
				Exec(ctx); err != nil {
				return err
			}
		}

		for _, b := range model.Bindings {
			if _, ok := current[b.Provider]; ok {
				continue
			}
			if _, err := tx.NewInsert().Model(b).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	saved := identity.Clone()
	saved.Version = identity.Version + 1
	return saved, nil
}

// Count returns the number of stored identities.
func (r *Identities) Count(ctx context.Context) (int, error) {
	return r.db.NewSelect().Model((*IdentityModel)(nil)).Count(ctx)
}

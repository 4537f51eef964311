package repository

import (
	"time"

	"github.com/goliatone/go-linking"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// IdentityModel is the Bun model for identities.
type IdentityModel struct {
	bun.BaseModel `bun:"table:identities,alias:i"`

	ID              string          `bun:"id,pk"`
	DisplayName     string          `bun:"display_name,notnull"`
	Email           string          `bun:"email,nullzero"`
	ProfileImageURL string          `bun:"profile_image_url,nullzero"`
	Role            string          `bun:"role,notnull"`
	HighestRole     string          `bun:"highest_role,notnull"`
	Mode            string          `bun:"mode,nullzero"`
	Version         int64           `bun:"version,notnull"`
	CreatedAt       time.Time       `bun:"created_at,notnull"`
	UpdatedAt       time.Time       `bun:"updated_at,notnull"`
	Bindings        []*BindingModel `bun:"rel:has-many,join:id=identity_id"`
}

// BindingModel is the Bun model for provider bindings. The table enforces
// one binding per (identity, provider) and per (provider, external id).
type BindingModel struct {
	bun.BaseModel `bun:"table:provider_bindings,alias:pb"`

	IdentityID string    `bun:"identity_id,pk"`
	Provider   string    `bun:"provider,pk"`
	ExternalID string    `bun:"external_id,notnull"`
	LinkedAt   time.Time `bun:"linked_at,notnull"`
}

// LinkingEventModel is the Bun model for the audit trail.
type LinkingEventModel struct {
	bun.BaseModel `bun:"table:linking_events,alias:le"`

	ID           uuid.UUID      `bun:"id,pk,type:uuid"`
	IdentityID   string         `bun:"identity_id,notnull"`
	Action       string         `bun:"action,notnull"`
	Provider     string         `bun:"provider,nullzero"`
	ExternalID   string         `bun:"external_id,nullzero"`
	PreviousRole string         `bun:"previous_role,nullzero"`
	NewRole      string         `bun:"new_role,nullzero"`
	Metadata     map[string]any `bun:"metadata,type:jsonb"`
	OccurredAt   time.Time      `bun:"occurred_at,notnull"`
}

// CodeModel is the Bun model for ephemeral codes. Times are unix nanoseconds
// so expiry comparisons behave the same on every dialect; zero ExpiresAt
// means no expiry.
type CodeModel struct {
	bun.BaseModel `bun:"table:ephemeral_codes,alias:ec"`

	Key       string `bun:"key,pk"`
	Value     string `bun:"value,notnull"`
	ExpiresAt int64  `bun:"expires_at,notnull"`
	ClaimedAt *int64 `bun:"claimed_at"`
}

func toIdentity(m *IdentityModel) *linking.Identity {
	if m == nil {
		return nil
	}
	identity := &linking.Identity{
		ID:              m.ID,
		DisplayName:     m.DisplayName,
		Email:           m.Email,
		ProfileImageURL: m.ProfileImageURL,
		Role:            linking.Role(m.Role),
		HighestRole:     linking.Role(m.HighestRole),
		Mode:            m.Mode,
		Version:         m.Version,
		Bindings:        make([]linking.ProviderBinding, 0, len(m.Bindings)),
		Timestamps: linking.Timestamps{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
	}
	for _, b := range m.Bindings {
		identity.Bindings = append(identity.Bindings, linking.ProviderBinding{
			Kind:       linking.ProviderKind(b.Provider),
			ExternalID: b.ExternalID,
			LinkedAt:   b.LinkedAt,
		})
	}
	return identity
}

func fromIdentity(identity *linking.Identity) *IdentityModel {
	m := &IdentityModel{
		ID:              identity.ID,
		DisplayName:     identity.DisplayName,
		Email:           identity.Email,
		ProfileImageURL: identity.ProfileImageURL,
		Role:            string(identity.Role),
		HighestRole:     string(identity.HighestRole),
		Mode:            identity.Mode,
		Version:         identity.Version,
		CreatedAt:       identity.CreatedAt.UTC(),
		UpdatedAt:       identity.UpdatedAt.UTC(),
	}
	for _, b := range identity.Bindings {
		m.Bindings = append(m.Bindings, fromBinding(identity.ID, b))
	}
	return m
}

func fromBinding(identityID string, b linking.ProviderBinding) *BindingModel {
	return &BindingModel{
		IdentityID: identityID,
		Provider:   string(b.Kind),
		ExternalID: b.ExternalID,
		LinkedAt:   b.LinkedAt.UTC(),
	}
}

func fromEvent(event linking.LinkingEvent) *LinkingEventModel {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		id = uuid.Nil
	}
	return &LinkingEventModel{
		ID:           id,
		IdentityID:   event.IdentityID,
		Action:       string(event.Action),
		Provider:     string(event.ProviderKind),
		ExternalID:   event.ExternalID,
		PreviousRole: string(event.PreviousRole),
		NewRole:      string(event.NewRole),
		Metadata:     event.Metadata,
		OccurredAt:   event.OccurredAt.UTC(),
	}
}

func toEvent(m *LinkingEventModel) linking.LinkingEvent {
	return linking.LinkingEvent{
		ID:           m.ID.String(),
		IdentityID:   m.IdentityID,
		Action:       linking.LinkingAction(m.Action),
		ProviderKind: linking.ProviderKind(m.Provider),
		ExternalID:   m.ExternalID,
		PreviousRole: linking.Role(m.PreviousRole),
		NewRole:      linking.Role(m.NewRole),
		Metadata:     m.Metadata,
		OccurredAt:   m.OccurredAt,
	}
}

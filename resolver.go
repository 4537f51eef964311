package linking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// maxSaveAttempts bounds how often a change is reapplied after a concurrent
// writer bumped the identity version.
const maxSaveAttempts = 3

// errUnchanged stops mutate without writing.
var errUnchanged = errors.New("identity unchanged")

// IDGenerator assigns ids to new identities.
type IDGenerator func(a VerifiedAssertion) string

// RandomIDs generates random UUIDs.
func RandomIDs(VerifiedAssertion) string {
	return uuid.NewString()
}

// HashedIDs derives the identity id from the first provider binding, so a
// replayed first sign in always targets the same row.
func HashedIDs(a VerifiedAssertion) string {
	id, err := hashid.NewUUID(string(a.Kind) + ":" + a.ExternalID)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock injects a custom clock (useful for tests).
func WithResolverClock(clock func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithResolverEventLog sets the audit log.
func WithResolverEventLog(log EventLog) ResolverOption {
	return func(r *Resolver) {
		r.events = normalizeEventLog(log)
	}
}

// WithResolverLogger overrides the logger.
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = normalizeLogger(logger)
	}
}

// WithIDGenerator overrides how new identity ids are assigned.
func WithIDGenerator(gen IDGenerator) ResolverOption {
	return func(r *Resolver) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithImageMirror mirrors profile images through queue once a resolution
// has committed.
func WithImageMirror(mirror ImageMirror, queue TaskQueue) ResolverOption {
	return func(r *Resolver) {
		r.mirror = mirror
		r.tasks = queue
	}
}

// Resolver reconciles verified provider assertions with stored identities.
type Resolver struct {
	repo   IdentityRepository
	events EventLog
	logger Logger
	now    func() time.Time
	newID  IDGenerator
	mirror ImageMirror
	tasks  TaskQueue
	tel    *instruments
}

// NewResolver creates a Resolver over repo.
func NewResolver(repo IdentityRepository, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		repo:   repo,
		events: noopEventLog{},
		logger: defLogger{},
		now:    time.Now,
		newID:  RandomIDs,
		tel:    newInstruments(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve maps a verified assertion to an identity. Lookup order is provider
// binding, then a linkable email match, then creation.
func (r *Resolver) Resolve(ctx context.Context, assertion VerifiedAssertion, platform Platform) (*Identity, Outcome, error) {
	ctx, span := r.tel.start(ctx, "resolve",
		attribute.String("provider", string(assertion.Kind)),
		attribute.String("platform", string(platform)),
	)
	identity, outcome, err := r.resolve(ctx, assertion, platform)
	r.tel.finish(ctx, span, "resolve", string(outcome), err)
	return identity, outcome, err
}

func (r *Resolver) resolve(ctx context.Context, assertion VerifiedAssertion, platform Platform) (*Identity, Outcome, error) {
	a, err := normalizeAssertion(assertion)
	if err != nil {
		return nil, "", err
	}

	existing, err := r.findByBinding(ctx, a.Kind, a.ExternalID)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return r.refreshProfile(ctx, existing, a), OutcomeExistingLogin, nil
	}

	if a.Email != "" {
		linkable, err := r.repo.FindLinkableByEmail(ctx, a.Email, a.Kind)
		if err != nil && !IsIdentityNotFound(err) {
			return nil, "", unavailable(err, "failed to look up identity by email")
		}
		if linkable != nil {
			linked, _, err := r.attach(ctx, linkable, a, ProviderLinked(a.Kind), map[string]any{"via": "email"})
			if err != nil {
				return nil, "", err
			}
			return linked, OutcomeAccountLinked, nil
		}
	}

	created, err := r.create(ctx, a, platform)
	if err != nil {
		// A concurrent first sign in for the same binding won the insert.
		if HasTextCode(err, TextCodeAccountAlreadyLinked) {
			if winner, ferr := r.findByBinding(ctx, a.Kind, a.ExternalID); ferr == nil && winner != nil {
				return winner, OutcomeExistingLogin, nil
			}
		}
		return nil, "", err
	}
	return created, OutcomeNewIdentityCreated, nil
}

// LinkProvider attaches the asserted provider to ownerID without consulting
// email. It fails with ErrAccountAlreadyLinked when the owner already holds a
// binding of that kind or the external id belongs to any identity.
func (r *Resolver) LinkProvider(ctx context.Context, ownerID string, assertion VerifiedAssertion, trigger PromotionTrigger) (*Identity, Role, error) {
	a, err := normalizeAssertion(assertion)
	if err != nil {
		return nil, "", err
	}

	owner, err := r.repo.FindByID(ctx, ownerID)
	if err != nil {
		return nil, "", unavailable(err, "failed to load owner identity")
	}

	if owner.HasBinding(a.Kind) {
		return nil, "", ErrAccountAlreadyLinked
	}

	bound, err := r.findByBinding(ctx, a.Kind, a.ExternalID)
	if err != nil {
		return nil, "", err
	}
	if bound != nil {
		r.logger.Info("provider account bound elsewhere",
			"provider", a.Kind,
			"owner_id", ownerID,
			"bound_to", bound.ID,
		)
		return nil, "", ErrAccountAlreadyLinked
	}

	return r.attach(ctx, owner, a, trigger, nil)
}

// Promote applies the promotion policy to an identity for an external domain
// event. It reports whether the role changed; nothing is written otherwise.
func (r *Resolver) Promote(ctx context.Context, identityID string, trigger PromotionTrigger) (*Identity, bool, error) {
	identity, err := r.repo.FindByID(ctx, identityID)
	if err != nil {
		return nil, false, unavailable(err, "failed to load identity")
	}

	var prev, next Role
	saved, current, err := r.mutate(ctx, identity, func(updated *Identity) error {
		prev = updated.Role
		next = DecidePromotion(prev, trigger)
		if next == prev {
			return errUnchanged
		}
		updated.SetRole(next)
		updated.Touch(r.now())
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return current, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "failed to save promoted identity")
	}

	r.record(ctx, LinkingEvent{
		IdentityID:   saved.ID,
		Action:       ActionPromoted,
		ProviderKind: trigger.Provider,
		PreviousRole: prev,
		NewRole:      next,
		Metadata:     map[string]any{"trigger": string(trigger.Kind)},
	})
	return saved, true, nil
}

// Unlink removes the binding for kind. The last binding cannot be removed and
// the role is left untouched.
func (r *Resolver) Unlink(ctx context.Context, identityID string, kind ProviderKind) (*Identity, error) {
	if !kind.IsValid() {
		return nil, ErrInvalidAssertion
	}

	identity, err := r.repo.FindByID(ctx, identityID)
	if err != nil {
		return nil, unavailable(err, "failed to load identity")
	}

	var binding ProviderBinding
	saved, _, err := r.mutate(ctx, identity, func(updated *Identity) error {
		var ok bool
		if binding, ok = updated.Binding(kind); !ok {
			return ErrNotFound
		}
		if len(updated.Bindings) == 1 {
			return ErrLastBinding
		}
		kept := updated.Bindings[:0]
		for _, b := range updated.Bindings {
			if b.Kind != kind {
				kept = append(kept, b)
			}
		}
		updated.Bindings = kept
		updated.Touch(r.now())
		return nil
	})
	if err != nil {
		return nil, unavailable(err, "failed to save identity")
	}

	r.record(ctx, LinkingEvent{
		IdentityID:   saved.ID,
		Action:       ActionUnlinked,
		ProviderKind: kind,
		ExternalID:   binding.ExternalID,
		PreviousRole: saved.Role,
		NewRole:      saved.Role,
	})
	return saved, nil
}

// Identity loads an identity by id.
func (r *Resolver) Identity(ctx context.Context, identityID string) (*Identity, error) {
	identity, err := r.repo.FindByID(ctx, identityID)
	if err != nil {
		return nil, unavailable(err, "failed to load identity")
	}
	return identity, nil
}

// Bindings lists the provider bindings of an identity.
func (r *Resolver) Bindings(ctx context.Context, identityID string) ([]ProviderBinding, error) {
	identity, err := r.repo.FindByID(ctx, identityID)
	if err != nil {
		return nil, unavailable(err, "failed to load identity")
	}
	return identity.Bindings, nil
}

func (r *Resolver) findByBinding(ctx context.Context, kind ProviderKind, externalID string) (*Identity, error) {
	identity, err := r.repo.FindByProviderBinding(ctx, kind, externalID)
	if err != nil {
		if IsIdentityNotFound(err) {
			return nil, nil
		}
		return nil, unavailable(err, "failed to look up provider binding")
	}
	return identity, nil
}

// refreshProfile writes changed profile fields. Failures are logged and the
// stored identity is returned as is.
func (r *Resolver) refreshProfile(ctx context.Context, existing *Identity, a VerifiedAssertion) *Identity {
	var imageChanged bool
	saved, current, err := r.mutate(ctx, existing, func(updated *Identity) error {
		changed := false
		imageChanged = false
		if a.DisplayName != "" && a.DisplayName != updated.DisplayName {
			updated.DisplayName = a.DisplayName
			changed = true
		}
		if a.Email != "" && a.Email != updated.Email {
			updated.Email = a.Email
			changed = true
		}
		if a.ProfileImageURL != "" && a.ProfileImageURL != updated.ProfileImageURL {
			updated.ProfileImageURL = a.ProfileImageURL
			changed = true
			imageChanged = true
		}
		if !changed {
			return errUnchanged
		}
		updated.Touch(r.now())
		return nil
	})
	if current == nil {
		current = existing
	}
	if errors.Is(err, errUnchanged) {
		return current
	}
	if err != nil {
		r.logger.Warn("profile refresh failed",
			"identity_id", existing.ID,
			"provider", a.Kind,
			"error", err,
		)
		return current
	}

	if imageChanged {
		r.mirrorImage(saved)
	}
	return saved
}

func (r *Resolver) attach(ctx context.Context, owner *Identity, a VerifiedAssertion, trigger PromotionTrigger, meta map[string]any) (*Identity, Role, error) {
	now := r.now()
	var (
		prev, next Role
		fillImage  bool
	)
	saved, _, err := r.mutate(ctx, owner, func(updated *Identity) error {
		if updated.HasBinding(a.Kind) {
			return ErrAccountAlreadyLinked
		}
		updated.Bindings = append(updated.Bindings, ProviderBinding{
			Kind:       a.Kind,
			ExternalID: a.ExternalID,
			LinkedAt:   now,
		})

		prev = updated.Role
		next = DecidePromotion(prev, trigger)
		updated.SetRole(next)

		fillImage = updated.ProfileImageURL == "" && a.ProfileImageURL != ""
		if updated.Email == "" {
			updated.Email = a.Email
		}
		if fillImage {
			updated.ProfileImageURL = a.ProfileImageURL
		}
		updated.Touch(now)
		return nil
	})
	if err != nil {
		return nil, "", unavailable(err, "failed to save linked identity")
	}

	r.record(ctx, LinkingEvent{
		IdentityID:   saved.ID,
		Action:       ActionLinked,
		ProviderKind: a.Kind,
		ExternalID:   a.ExternalID,
		PreviousRole: prev,
		NewRole:      next,
		Metadata:     mergeMeta(meta, map[string]any{"trigger": string(trigger.Kind)}),
	})
	if next != prev {
		r.record(ctx, LinkingEvent{
			IdentityID:   saved.ID,
			Action:       ActionPromoted,
			ProviderKind: a.Kind,
			ExternalID:   a.ExternalID,
			PreviousRole: prev,
			NewRole:      next,
			Metadata:     map[string]any{"trigger": string(trigger.Kind)},
		})
	}

	if fillImage {
		r.mirrorImage(saved)
	}
	return saved, prev, nil
}

// mutate applies change to a copy of identity and saves it. A save that loses
// to a concurrent writer reloads the identity and applies change again, so
// change must be safe to rerun. It also returns the snapshot change last ran
// against, which is nil only when a reload failed.
func (r *Resolver) mutate(ctx context.Context, identity *Identity, change func(*Identity) error) (saved, current *Identity, err error) {
	current = identity
	for attempt := 1; ; attempt++ {
		updated := current.Clone()
		if err := change(updated); err != nil {
			return nil, current, err
		}

		saved, err = r.repo.Save(ctx, updated)
		if err == nil {
			return saved, current, nil
		}
		if !IsStaleIdentity(err) || attempt >= maxSaveAttempts {
			return nil, current, err
		}

		r.logger.Debug("identity changed concurrently, reapplying",
			"identity_id", identity.ID,
			"attempt", attempt,
		)
		if current, err = r.repo.FindByID(ctx, identity.ID); err != nil {
			return nil, nil, err
		}
	}
}

func (r *Resolver) create(ctx context.Context, a VerifiedAssertion, platform Platform) (*Identity, error) {
	now := r.now()
	identity := &Identity{
		ID:              r.newID(a),
		DisplayName:     displayNameFor(a),
		Email:           a.Email,
		ProfileImageURL: a.ProfileImageURL,
		Bindings: []ProviderBinding{{
			Kind:       a.Kind,
			ExternalID: a.ExternalID,
			LinkedAt:   now,
		}},
	}
	identity.SetRole(platform.SeedRole())
	identity.Touch(now)

	created, err := r.repo.Create(ctx, identity)
	if err != nil {
		return nil, unavailable(err, "failed to create identity")
	}

	r.record(ctx, LinkingEvent{
		IdentityID:   created.ID,
		Action:       ActionCreated,
		ProviderKind: a.Kind,
		ExternalID:   a.ExternalID,
		NewRole:      created.Role,
		Metadata:     map[string]any{"platform": string(platform)},
	})

	r.mirrorImage(created)
	return created, nil
}

func (r *Resolver) record(ctx context.Context, event LinkingEvent) {
	appendEvent(ctx, r.events, r.logger, r.now, event)
}

func (r *Resolver) mirrorImage(identity *Identity) {
	if r.mirror == nil || r.tasks == nil || identity.ProfileImageURL == "" {
		return
	}
	id, url := identity.ID, identity.ProfileImageURL
	if !r.tasks.Submit("mirror_profile_image", func(ctx context.Context) error {
		return r.mirror.Mirror(ctx, id, url)
	}) {
		r.logger.Warn("profile image mirror dropped", "identity_id", id)
	}
}

func displayNameFor(a VerifiedAssertion) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if local, _, ok := strings.Cut(a.Email, "@"); ok && local != "" {
		return local
	}
	return a.Kind.Info().Label + " user"
}

func mergeMeta(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

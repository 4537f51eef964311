package linking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goliatone/go-featuregate/gate"
	"go.opentelemetry.io/otel/attribute"
)

const (
	pairingCodePrefix  = "pairing:code:"
	pairingOwnerPrefix = "pairing:owner:"
	pairingDonePrefix  = "pairing:done:"

	// pairingRetention keeps finished or expired codes readable for status
	// queries after the confirm window closes.
	pairingRetention = time.Minute

	maxCodeAttempts = 5
)

func pairingCodeKey(code string) string { return pairingCodePrefix + code }
func pairingOwnerKey(owner string) string { return pairingOwnerPrefix + owner }
func pairingDoneKey(code string) string { return pairingDonePrefix + code }

// ProviderLinker attaches a provider to an existing identity.
type ProviderLinker interface {
	LinkProvider(ctx context.Context, ownerID string, assertion VerifiedAssertion, trigger PromotionTrigger) (*Identity, Role, error)
}

// PairingStatus describes a pairing code without consuming it.
type PairingStatus struct {
	Code         string       `json:"code"`
	State        PairingState `json:"state"`
	ExpiresAt    time.Time    `json:"expires_at"`
	ConsumedKind ProviderKind `json:"consumed_kind,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// PairingOption customizes a PairingCoordinator.
type PairingOption func(*PairingCoordinator)

// WithPairingClock injects a custom clock (useful for tests).
func WithPairingClock(clock func() time.Time) PairingOption {
	return func(p *PairingCoordinator) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithPairingLogger overrides the logger.
func WithPairingLogger(logger Logger) PairingOption {
	return func(p *PairingCoordinator) {
		p.logger = normalizeLogger(logger)
	}
}

// WithPairingFeatureGate guards IssuePairing with FeaturePairing.
func WithPairingFeatureGate(featureGate gate.FeatureGate) PairingOption {
	return func(p *PairingCoordinator) {
		p.featureGate = featureGate
	}
}

// WithPairingCodes overrides the code generator.
func WithPairingCodes(codes CodeGenerator) PairingOption {
	return func(p *PairingCoordinator) {
		if codes != nil {
			p.codes = codes
		}
	}
}

// PairingCoordinator issues pairing codes and consumes them to link a second
// provider to the issuing identity.
type PairingCoordinator struct {
	store       CodeStore
	linker      ProviderLinker
	codes       CodeGenerator
	ttl         time.Duration
	now         func() time.Time
	logger      Logger
	featureGate gate.FeatureGate
	tel         *instruments
}

// NewPairingCoordinator creates a coordinator over store and linker.
func NewPairingCoordinator(store CodeStore, linker ProviderLinker, cfg Config, opts ...PairingOption) *PairingCoordinator {
	cfg = cfg.WithDefaults()
	p := &PairingCoordinator{
		store:  store,
		linker: linker,
		codes:  NewCodeGenerator(cfg),
		ttl:    cfg.PairingTTL,
		now:    time.Now,
		logger: defLogger{},
		tel:    newInstruments(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if err := cfg.Validate(); err != nil {
		p.logger.Warn("pairing config out of range", "error", err)
	}
	return p
}

// IssuePairing creates a pairing code for ownerID. Any code previously issued
// for the owner stops working before the new one is returned.
func (p *PairingCoordinator) IssuePairing(ctx context.Context, ownerID string) (*PairingTicket, error) {
	if err := requireFeature(ctx, p.featureGate, FeaturePairing); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, withMeta(ErrInvalidAssertion, map[string]any{"field": "owner_id"})
	}

	ownerKey := pairingOwnerKey(ownerID)
	prev, ok, err := p.store.Get(ctx, ownerKey)
	if err != nil {
		return nil, unavailable(err, "failed to read pending pairing")
	}
	if ok {
		if err := p.store.Delete(ctx, pairingCodeKey(string(prev.Value))); err != nil {
			return nil, unavailable(err, "failed to supersede pending pairing")
		}
		p.logger.Debug("pairing superseded", "owner_id", ownerID)
	}

	now := p.now()
	req := PairingRequest{
		OwnerID:   ownerID,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ttl),
	}

	for attempt := 0; attempt < maxCodeAttempts && req.Code == ""; attempt++ {
		code, err := p.codes.PairingCode()
		if err != nil {
			return nil, unavailable(err, "failed to generate pairing code")
		}
		payload, err := json.Marshal(PairingRequest{
			Code:      code,
			OwnerID:   req.OwnerID,
			CreatedAt: req.CreatedAt,
			ExpiresAt: req.ExpiresAt,
		})
		if err != nil {
			return nil, unavailable(err, "failed to encode pairing request")
		}
		stored, err := p.store.PutIfAbsent(ctx, pairingCodeKey(code), payload, p.ttl+pairingRetention)
		if err != nil {
			return nil, unavailable(err, "failed to store pairing code")
		}
		if stored {
			req.Code = code
		}
	}
	if req.Code == "" {
		return nil, unavailable(errCodeSpaceExhausted, "failed to allocate pairing code")
	}

	if err := p.store.Put(ctx, ownerKey, []byte(req.Code), p.ttl+pairingRetention); err != nil {
		return nil, unavailable(err, "failed to record pending pairing")
	}

	p.logger.Info("pairing issued", "owner_id", ownerID, "expires_at", req.ExpiresAt)
	return &PairingTicket{Code: req.Code, ExpiresAt: req.ExpiresAt}, nil
}

// ConfirmPairing consumes code and links the asserted provider to the code's
// owner. Concurrent confirms for one code yield exactly one success, every
// other caller gets ErrAlreadyConsumed.
func (p *PairingCoordinator) ConfirmPairing(ctx context.Context, code string, assertion VerifiedAssertion) (*LinkResult, error) {
	ctx, span := p.tel.start(ctx, "confirm_pairing", attribute.String("provider", string(assertion.Kind)))
	result, err := p.confirm(ctx, NormalizePairingCode(code), assertion)
	outcome := ""
	if result != nil {
		outcome = string(result.Outcome)
	}
	p.tel.finish(ctx, span, "confirm_pairing", outcome, err)
	return result, err
}

func (p *PairingCoordinator) confirm(ctx context.Context, code string, assertion VerifiedAssertion) (*LinkResult, error) {
	if code == "" {
		return nil, ErrNotFound
	}

	a, err := normalizeAssertion(assertion)
	if err != nil {
		return nil, err
	}

	key := pairingCodeKey(code)
	entry, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, unavailable(err, "failed to read pairing code")
	}
	if !ok {
		return nil, ErrNotFound
	}

	req, err := decodePairingRequest(entry.Value)
	if err != nil {
		return nil, unavailable(err, "failed to decode pairing request")
	}

	if state := p.stateOf(entry, req); !state.CanTransition(PairingConsumed) {
		return nil, state.confirmError()
	}

	if _, claimed, err := p.store.Claim(ctx, key); err != nil {
		return nil, unavailable(err, "failed to claim pairing code")
	} else if !claimed {
		return nil, p.lostClaim(ctx, key)
	}

	// The claim may land after the deadline the check above passed.
	if p.now().After(req.ExpiresAt) {
		return nil, ErrExpired
	}

	current, ok, err := p.store.Get(ctx, pairingOwnerKey(req.OwnerID))
	if err != nil {
		return nil, unavailable(err, "failed to read pending pairing")
	}
	if !ok || string(current.Value) != code {
		p.logger.Info("superseded pairing code presented", "owner_id", req.OwnerID)
		return nil, ErrNotFound
	}

	identity, prevRole, err := p.linker.LinkProvider(ctx, req.OwnerID, a, Paired(a.Kind))
	if err != nil {
		p.logger.Warn("pairing link failed after claim",
			"owner_id", req.OwnerID,
			"provider", a.Kind,
			"error", err,
		)
		return nil, err
	}

	p.complete(ctx, req, a)

	return &LinkResult{
		Outcome:      OutcomeAccountLinked,
		Identity:     identity,
		PreviousRole: prevRole,
	}, nil
}

// PairingStatus reports the state of a code without consuming it.
func (p *PairingCoordinator) PairingStatus(ctx context.Context, code string) (*PairingStatus, error) {
	code = NormalizePairingCode(code)
	if code == "" {
		return nil, ErrNotFound
	}

	entry, ok, err := p.store.Get(ctx, pairingCodeKey(code))
	if err != nil {
		return nil, unavailable(err, "failed to read pairing code")
	}
	if !ok {
		return nil, ErrNotFound
	}

	req, err := decodePairingRequest(entry.Value)
	if err != nil {
		return nil, unavailable(err, "failed to decode pairing request")
	}

	status := &PairingStatus{
		Code:      code,
		State:     p.stateOf(entry, req),
		ExpiresAt: req.ExpiresAt,
	}

	if status.State == PairingConsumed {
		if done, ok, err := p.store.Get(ctx, pairingDoneKey(code)); err == nil && ok {
			if completed, err := decodePairingRequest(done.Value); err == nil {
				status.ConsumedKind = completed.ConsumedKind
				status.CompletedAt = completed.CompletedAt
			}
		}
	}

	if status.State == PairingPending {
		current, ok, err := p.store.Get(ctx, pairingOwnerKey(req.OwnerID))
		if err != nil {
			return nil, unavailable(err, "failed to read pending pairing")
		}
		if !ok || string(current.Value) != code {
			return nil, ErrNotFound
		}
	}
	return status, nil
}

func (p *PairingCoordinator) stateOf(entry CodeEntry, req PairingRequest) PairingState {
	switch {
	case entry.Claimed():
		return PairingConsumed
	case p.now().After(req.ExpiresAt):
		return PairingExpired
	default:
		return PairingPending
	}
}

// lostClaim tells a replay apart from a code removed by supersession.
func (p *PairingCoordinator) lostClaim(ctx context.Context, key string) error {
	entry, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return unavailable(err, "failed to read pairing code")
	}
	if !ok {
		return ErrNotFound
	}
	if entry.Claimed() {
		return ErrAlreadyConsumed
	}
	return ErrExpired
}

// complete records who consumed the code. Failures are logged, the link has
// already committed.
func (p *PairingCoordinator) complete(ctx context.Context, req PairingRequest, a VerifiedAssertion) {
	now := p.now()
	req.Consumed = true
	req.ConsumedBy = a.ExternalID
	req.ConsumedKind = a.Kind
	req.CompletedAt = &now

	payload, err := json.Marshal(req)
	if err == nil {
		ttl := req.ExpiresAt.Sub(now) + pairingRetention
		err = p.store.Put(ctx, pairingDoneKey(req.Code), payload, ttl)
	}
	if err != nil {
		p.logger.Warn("pairing completion bookkeeping failed", "owner_id", req.OwnerID, "error", err)
	}
}

func decodePairingRequest(b []byte) (PairingRequest, error) {
	var req PairingRequest
	err := json.Unmarshal(b, &req)
	return req, err
}

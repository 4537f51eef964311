package linking

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-featuregate/gate"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	deviceTicketPrefix = "device:ticket:"
	deviceTokenPrefix  = "device:token:"
	deviceCodePrefix   = "device:code:"
	// operatorNamespace labels the operator ticket in logs. It never shares
	// keys with issued tickets.
	operatorNamespace = "device:operator"
)

func deviceTicketKey(id string) string { return deviceTicketPrefix + id }
func deviceTokenKey(token string) string { return deviceTokenPrefix + token }
func deviceCodeKey(code string) string { return deviceCodePrefix + code }

// DeviceLoginOption customizes a DeviceLoginCoordinator.
type DeviceLoginOption func(*DeviceLoginCoordinator)

// WithDeviceLoginClock injects a custom clock (useful for tests).
func WithDeviceLoginClock(clock func() time.Time) DeviceLoginOption {
	return func(d *DeviceLoginCoordinator) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithDeviceLoginLogger overrides the logger.
func WithDeviceLoginLogger(logger Logger) DeviceLoginOption {
	return func(d *DeviceLoginCoordinator) {
		d.logger = normalizeLogger(logger)
	}
}

// WithDeviceLoginFeatureGate guards IssueLoginTicket with FeatureDeviceLogin.
func WithDeviceLoginFeatureGate(featureGate gate.FeatureGate) DeviceLoginOption {
	return func(d *DeviceLoginCoordinator) {
		d.featureGate = featureGate
	}
}

// WithDeviceLoginCodes overrides the code generator.
func WithDeviceLoginCodes(codes CodeGenerator) DeviceLoginOption {
	return func(d *DeviceLoginCoordinator) {
		if codes != nil {
			d.codes = codes
		}
	}
}

// DeviceLoginCoordinator lets a second device assume an identity that is
// already signed in elsewhere. It never mutates identities.
type DeviceLoginCoordinator struct {
	store       CodeStore
	codes       CodeGenerator
	ttl         time.Duration
	operator    OperatorTicket
	now         func() time.Time
	logger      Logger
	featureGate gate.FeatureGate
	tel         *instruments
}

// NewDeviceLoginCoordinator creates a coordinator over store.
func NewDeviceLoginCoordinator(store CodeStore, cfg Config, opts ...DeviceLoginOption) *DeviceLoginCoordinator {
	cfg = cfg.WithDefaults()
	d := &DeviceLoginCoordinator{
		store:    store,
		codes:    NewCodeGenerator(cfg),
		ttl:      cfg.DeviceLoginTTL,
		operator: cfg.OperatorTicket,
		now:      time.Now,
		logger:   defLogger{},
		tel:      newInstruments(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if err := cfg.Validate(); err != nil {
		d.logger.Warn("device login config out of range", "error", err)
	}
	return d
}

// IssueLoginTicket creates a ticket for ownerID reachable by QR token and by
// short code.
func (d *DeviceLoginCoordinator) IssueLoginTicket(ctx context.Context, ownerID string) (*DeviceLoginTicket, error) {
	if err := requireFeature(ctx, d.featureGate, FeatureDeviceLogin); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, withMeta(ErrInvalidAssertion, map[string]any{"field": "owner_id"})
	}

	token, err := d.codes.QRToken()
	if err != nil {
		return nil, unavailable(err, "failed to generate login token")
	}

	ticket := &DeviceLoginTicket{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		QRToken:   token,
		ExpiresAt: d.now().Add(d.ttl),
	}

	for attempt := 0; attempt < maxCodeAttempts && ticket.ShortCode == ""; attempt++ {
		code, err := d.codes.ShortCode()
		if err != nil {
			return nil, unavailable(err, "failed to generate short code")
		}
		if d.isOperatorCode(code) {
			continue
		}
		stored, err := d.store.PutIfAbsent(ctx, deviceCodeKey(code), []byte(ticket.ID), d.ttl)
		if err != nil {
			return nil, unavailable(err, "failed to store short code")
		}
		if stored {
			ticket.ShortCode = code
		}
	}
	if ticket.ShortCode == "" {
		return nil, unavailable(errCodeSpaceExhausted, "failed to allocate short code")
	}

	payload, err := json.Marshal(ticket)
	if err != nil {
		return nil, unavailable(err, "failed to encode login ticket")
	}
	if err := d.store.Put(ctx, deviceTicketKey(ticket.ID), payload, d.ttl); err != nil {
		d.release(ctx, deviceCodeKey(ticket.ShortCode))
		return nil, unavailable(err, "failed to store login ticket")
	}
	if err := d.store.Put(ctx, deviceTokenKey(token), []byte(ticket.ID), d.ttl); err != nil {
		d.release(ctx, deviceCodeKey(ticket.ShortCode), deviceTicketKey(ticket.ID))
		return nil, unavailable(err, "failed to store login token")
	}

	d.logger.Info("device login ticket issued", "owner_id", ownerID, "ticket_id", ticket.ID)
	return ticket, nil
}

// RedeemByToken redeems the QR channel of a ticket and returns its owner.
func (d *DeviceLoginCoordinator) RedeemByToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNotFound
	}
	return d.redeem(ctx, "token", deviceTokenKey(token))
}

// RedeemByShortCode redeems the typed channel of a ticket and returns its
// owner. The configured operator code resolves without being consumed.
func (d *DeviceLoginCoordinator) RedeemByShortCode(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ErrNotFound
	}
	if d.isOperatorCode(code) {
		d.logger.Warn("operator test ticket redeemed", "namespace", operatorNamespace, "owner_id", d.operator.OwnerID)
		return d.operator.OwnerID, nil
	}
	return d.redeem(ctx, "short_code", deviceCodeKey(code))
}

// redeem resolves a channel to its ticket and claims the ticket key. Both
// channels share that key, so only one redemption can win.
func (d *DeviceLoginCoordinator) redeem(ctx context.Context, channel, channelKey string) (ownerID string, err error) {
	ctx, span := d.tel.start(ctx, "redeem_login_ticket", attribute.String("channel", channel))
	defer func() {
		d.tel.finish(ctx, span, "redeem_login_ticket", channel, err)
	}()

	entry, ok, err := d.store.Get(ctx, channelKey)
	if err != nil {
		return "", unavailable(err, "failed to read login channel")
	}
	if !ok || entry.Expired(d.now()) {
		return "", ErrNotFound
	}

	ticketID := string(entry.Value)
	value, claimed, err := d.store.Claim(ctx, deviceTicketKey(ticketID))
	if err != nil {
		return "", unavailable(err, "failed to claim login ticket")
	}
	if !claimed {
		return "", ErrNotFound
	}

	var ticket DeviceLoginTicket
	if err := json.Unmarshal(value, &ticket); err != nil {
		return "", unavailable(err, "failed to decode login ticket")
	}

	d.release(ctx,
		deviceTokenKey(ticket.QRToken),
		deviceCodeKey(ticket.ShortCode),
		deviceTicketKey(ticket.ID),
	)

	if d.now().After(ticket.ExpiresAt) {
		return "", ErrNotFound
	}

	d.logger.Info("device login ticket redeemed", "owner_id", ticket.OwnerID, "channel", channel)
	return ticket.OwnerID, nil
}

// release deletes keys, logging failures. Callers have already settled the
// outcome.
func (d *DeviceLoginCoordinator) release(ctx context.Context, keys ...string) {
	if err := d.store.Delete(ctx, keys...); err != nil {
		d.logger.Warn("device login cleanup failed", "error", err)
	}
}

func (d *DeviceLoginCoordinator) isOperatorCode(code string) bool {
	if !d.operator.Enabled() {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(d.operator.Code)) == 1
}

package linking

import (
	"context"
	"log/slog"
	"time"
)

// Logger is the logging contract used across the package. *slog.Logger and
// go-logger loggers satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type defLogger struct{}

func (defLogger) Debug(msg string, args ...any) { slog.Default().Debug("LINKING "+msg, args...) }
func (defLogger) Info(msg string, args ...any)  { slog.Default().Info("LINKING "+msg, args...) }
func (defLogger) Warn(msg string, args ...any)  { slog.Default().Warn("LINKING "+msg, args...) }
func (defLogger) Error(msg string, args ...any) { slog.Default().Error("LINKING "+msg, args...) }

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}

// CodeEntry is a stored ephemeral value with its bookkeeping.
type CodeEntry struct {
	Value     []byte
	ExpiresAt time.Time
	ClaimedAt *time.Time
}

// Claimed reports whether the entry was claimed.
func (e CodeEntry) Claimed() bool {
	return e.ClaimedAt != nil
}

// Expired reports whether the entry is past its expiry at now.
func (e CodeEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// CodeStore is a key value store with per key TTL and an atomic claim.
//
// Claim must be indivisible: if the key exists, is unexpired and unclaimed it
// is marked claimed and its value returned with ok true, otherwise ok is false.
// Claimed entries stay readable through Get until they expire so callers can
// tell a replay from an unknown key. A zero ttl means the entry never expires.
type CodeStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (CodeEntry, bool, error)
	Claim(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// IdentityRepository persists the identity aggregate. Implementations must
// enforce uniqueness of (provider, external id) and of (identity, provider)
// and report violations as ErrAccountAlreadyLinked.
type IdentityRepository interface {
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByProviderBinding(ctx context.Context, kind ProviderKind, externalID string) (*Identity, error)
	// FindLinkableByEmail returns an identity with the email that has no
	// binding for excluding.
	FindLinkableByEmail(ctx context.Context, email string, excluding ProviderKind) (*Identity, error)
	Create(ctx context.Context, identity *Identity) (*Identity, error)
	// Save writes identity only if the stored Version still equals
	// identity.Version, otherwise it returns ErrStaleIdentity. The returned
	// identity carries the bumped version.
	Save(ctx context.Context, identity *Identity) (*Identity, error)
}

// EventLog is the append only audit trail.
type EventLog interface {
	Append(ctx context.Context, event LinkingEvent) error
}

// AssertionVerifier turns a raw provider credential into a verified
// assertion, failing with ErrVerificationFailed.
type AssertionVerifier interface {
	Verify(ctx context.Context, kind ProviderKind, credential string) (VerifiedAssertion, error)
}

// SessionIssuer mints session credentials for a resolved identity.
type SessionIssuer interface {
	Issue(ctx context.Context, identity *Identity) (string, error)
}

// SessionVerifier resolves a session credential into an identity id.
type SessionVerifier interface {
	IdentityID(ctx context.Context, token string) (string, error)
}

// ImageMirror copies a provider hosted profile image into owned storage.
type ImageMirror interface {
	Mirror(ctx context.Context, identityID, sourceURL string) error
}

// TaskQueue runs fire and forget work after the caller's result is final.
type TaskQueue interface {
	Submit(name string, task func(ctx context.Context) error) bool
}

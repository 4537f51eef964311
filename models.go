package linking

import (
	"strings"
	"time"
)

// Timestamps is embedded by aggregates that track creation and last
// modification. The write path updates it explicitly through Touch.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch sets UpdatedAt, and CreatedAt when it is still zero.
func (t *Timestamps) Touch(now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// ProviderKind identifies a third-party identity provider.
type ProviderKind string

const (
	ProviderGoogle   ProviderKind = "google"
	ProviderMeta     ProviderKind = "meta"
	ProviderFacebook ProviderKind = "facebook"
)

// ProviderInfo describes a provider variant.
type ProviderInfo struct {
	Label string
	// CreationCapable providers imply the account creates content, linking
	// one promotes the identity.
	CreationCapable bool
}

var providerKinds = map[ProviderKind]ProviderInfo{
	ProviderGoogle:   {Label: "Google"},
	ProviderMeta:     {Label: "Meta", CreationCapable: true},
	ProviderFacebook: {Label: "Facebook"},
}

// ParseProviderKind normalizes and validates a provider name.
func ParseProviderKind(s string) (ProviderKind, bool) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	_, ok := providerKinds[kind]
	return kind, ok
}

// IsValid reports whether kind is a known provider.
func (k ProviderKind) IsValid() bool {
	_, ok := providerKinds[k]
	return ok
}

// Info returns the provider descriptor, zero value for unknown kinds.
func (k ProviderKind) Info() ProviderInfo {
	return providerKinds[k]
}

// CreationCapable reports whether linking this provider promotes an identity.
func (k ProviderKind) CreationCapable() bool {
	return providerKinds[k].CreationCapable
}

func (k ProviderKind) String() string {
	return string(k)
}

// ProviderKinds returns every supported provider in a stable order.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderGoogle, ProviderMeta, ProviderFacebook}
}

// ProviderBinding attaches a provider assigned external id to an identity.
type ProviderBinding struct {
	Kind       ProviderKind `json:"provider"`
	ExternalID string       `json:"external_id"`
	LinkedAt   time.Time    `json:"linked_at"`
}

// Platform is the client platform a sign in originates from.
type Platform string

const (
	PlatformVR     Platform = "vr"
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

// SeedRole is the role a brand new identity starts with on this platform.
func (p Platform) SeedRole() Role {
	if p == PlatformVR {
		return RoleArtist
	}
	return RoleUser
}

// Identity is the account aggregate.
type Identity struct {
	ID              string            `json:"id"`
	DisplayName     string            `json:"display_name"`
	Email           string            `json:"email,omitempty"`
	ProfileImageURL string            `json:"profile_image_url,omitempty"`
	Bindings        []ProviderBinding `json:"bindings"`
	Role            Role              `json:"role"`
	HighestRole     Role              `json:"highest_role"`
	Mode            string            `json:"mode,omitempty"`
	// Version is bumped on every save. A save carrying an older version is
	// rejected with ErrStaleIdentity.
	Version int64 `json:"version"`
	Timestamps
}

// Binding returns the binding for kind, if any.
func (i *Identity) Binding(kind ProviderKind) (ProviderBinding, bool) {
	for _, b := range i.Bindings {
		if b.Kind == kind {
			return b, true
		}
	}
	return ProviderBinding{}, false
}

// HasBinding reports whether the identity is bound to kind.
func (i *Identity) HasBinding(kind ProviderKind) bool {
	_, ok := i.Binding(kind)
	return ok
}

// SetRole assigns role and keeps HighestRole in sync.
func (i *Identity) SetRole(role Role) {
	i.Role = role
	i.HighestRole = i.HighestRole.Max(role)
}

// RoleFloor is the lowest role the current bindings allow.
func (i *Identity) RoleFloor() Role {
	floor := RoleGuest
	for _, b := range i.Bindings {
		if b.Kind.CreationCapable() {
			floor = floor.Max(RoleArtist)
		}
	}
	return floor
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.Bindings = append([]ProviderBinding(nil), i.Bindings...)
	return &out
}

// VerifiedAssertion is a provider identity that an upstream verifier has
// already checked.
type VerifiedAssertion struct {
	Kind            ProviderKind `json:"provider"`
	ExternalID      string       `json:"external_id"`
	Email           string       `json:"email,omitempty"`
	DisplayName     string       `json:"display_name,omitempty"`
	ProfileImageURL string       `json:"profile_image_url,omitempty"`
}

// Outcome is the result category of a resolution.
type Outcome string

const (
	OutcomeExistingLogin      Outcome = "EXISTING_LOGIN"
	OutcomeAccountLinked      Outcome = "ACCOUNT_LINKED"
	OutcomeNewIdentityCreated Outcome = "NEW_IDENTITY_CREATED"
)

// LinkResult is returned by a successful pairing confirmation.
type LinkResult struct {
	Outcome      Outcome   `json:"outcome"`
	Identity     *Identity `json:"identity"`
	PreviousRole Role      `json:"previous_role"`
}

// PairingRequest is the value stored for a pending pairing code.
type PairingRequest struct {
	Code         string       `json:"code"`
	OwnerID      string       `json:"owner_id"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Consumed     bool         `json:"consumed"`
	ConsumedBy   string       `json:"consumed_by,omitempty"`
	ConsumedKind ProviderKind `json:"consumed_kind,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// PairingTicket is what the issuing device displays.
type PairingTicket struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DeviceLoginTicket authorizes a second device to act as OwnerID.
type DeviceLoginTicket struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	QRToken   string    `json:"qr_token"`
	ShortCode string    `json:"short_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

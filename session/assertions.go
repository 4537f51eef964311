package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-linking"
)

// AssertionClaims is the signed envelope an upstream provider gateway hands
// to clients after it verified the provider login.
type AssertionClaims struct {
	jwt.RegisteredClaims
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Picture  string `json:"picture,omitempty"`
}

// AssertionVerifier implements linking.AssertionVerifier for HS256 assertion
// envelopes, one shared secret per provider.
type AssertionVerifier struct {
	keys     map[linking.ProviderKind][]byte
	audience string
	now      func() time.Time
}

var _ linking.AssertionVerifier = (*AssertionVerifier)(nil)

// NewAssertionVerifier creates a verifier. Providers without a key are
// rejected.
func NewAssertionVerifier(keys map[string]string, audience string) *AssertionVerifier {
	v := &AssertionVerifier{
		keys:     make(map[linking.ProviderKind][]byte, len(keys)),
		audience: audience,
		now:      time.Now,
	}
	for name, key := range keys {
		kind, ok := linking.ParseProviderKind(name)
		if !ok || key == "" {
			continue
		}
		v.keys[kind] = []byte(key)
	}
	return v
}

// Verify implements linking.AssertionVerifier.
func (v *AssertionVerifier) Verify(_ context.Context, kind linking.ProviderKind, credential string) (linking.VerifiedAssertion, error) {
	key, ok := v.keys[kind]
	if !ok {
		return linking.VerifiedAssertion{}, v.failed(nil, "provider not configured", kind)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &AssertionClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(credential), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, opts...)
	if err != nil {
		return linking.VerifiedAssertion{}, v.failed(err, "assertion rejected", kind)
	}

	if linking.ProviderKind(strings.ToLower(claims.Provider)) != kind {
		return linking.VerifiedAssertion{}, v.failed(nil, "assertion issued for another provider", kind)
	}

	return linking.VerifiedAssertion{
		Kind:            kind,
		ExternalID:      claims.Subject,
		Email:           claims.Email,
		DisplayName:     claims.Name,
		ProfileImageURL: claims.Picture,
	}, nil
}

func (v *AssertionVerifier) failed(cause error, reason string, kind linking.ProviderKind) error {
	meta := map[string]any{"provider": string(kind), "reason": reason}
	if cause == nil {
		return linking.ErrVerificationFailed.Clone().WithMetadata(meta)
	}
	return errors.Wrap(cause, errors.CategoryAuth, linking.ErrVerificationFailed.Message).
		WithTextCode(linking.TextCodeVerificationFailed).
		WithCode(errors.CodeUnauthorized).
		WithMetadata(meta)
}

// SignAssertion produces an envelope the verifier accepts. Provider gateways
// and tests use it.
func SignAssertion(key string, claims AssertionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign assertion")
	}
	return signed, nil
}

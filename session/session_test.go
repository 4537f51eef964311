package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-linking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity() *linking.Identity {
	return &linking.Identity{
		ID:          "id-42",
		Role:        linking.RoleArtist,
		HighestRole: linking.RoleArtist,
		Bindings: []linking.ProviderBinding{
			{Kind: linking.ProviderGoogle, ExternalID: "g-1"},
			{Kind: linking.ProviderMeta, ExternalID: "m-1"},
		},
	}
}

func TestNewServiceRequiresKey(t *testing.T) {
	_, err := NewService(Config{})
	assert.ErrorIs(t, err, ErrSigningKeyRequired)
}

func TestServiceIssueAndValidate(t *testing.T) {
	svc, err := NewService(Config{
		SigningKey: "secret",
		Issuer:     "linkd",
		Audience:   []string{"clients"},
	})
	require.NoError(t, err)

	token, err := svc.Issue(context.Background(), testIdentity())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "id-42", claims.Subject)
	assert.Equal(t, "ARTIST", claims.Role)
	assert.Equal(t, []string{"google", "meta"}, claims.Providers)
	assert.NotEmpty(t, claims.ID)

	id, err := svc.IdentityID(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "id-42", id)
}

func TestServiceRejectsExpiredToken(t *testing.T) {
	now := time.Now()
	svc, err := NewService(Config{SigningKey: "secret", TTL: time.Minute}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	token, err := svc.Issue(context.Background(), testIdentity())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestServiceRejectsForeignKeyAndIssuer(t *testing.T) {
	issuer, err := NewService(Config{SigningKey: "one", Issuer: "a"})
	require.NoError(t, err)
	token, err := issuer.Issue(context.Background(), testIdentity())
	require.NoError(t, err)

	otherKey, err := NewService(Config{SigningKey: "two", Issuer: "a"})
	require.NoError(t, err)
	_, err = otherKey.Validate(token)
	assert.True(t, hasTextCode(err, "TOKEN_MALFORMED"))

	otherIssuer, err := NewService(Config{SigningKey: "one", Issuer: "b"})
	require.NoError(t, err)
	_, err = otherIssuer.Validate(token)
	assert.True(t, hasTextCode(err, "TOKEN_MALFORMED"))

	_, err = issuer.IdentityID(context.Background(), "not-a-jwt")
	assert.Error(t, err)
}

func TestServiceIssueRequiresIdentity(t *testing.T) {
	svc, err := NewService(Config{SigningKey: "secret"})
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), nil)
	assert.Error(t, err)
}

func signedAssertion(t *testing.T, key, provider, subject string, exp time.Time) string {
	t.Helper()
	token, err := SignAssertion(key, AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"linkd"},
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Provider: provider,
		Email:    "sam@example.com",
		Name:     "Sam",
		Picture:  "https://cdn.example.com/sam.png",
	})
	require.NoError(t, err)
	return token
}

func TestAssertionVerifierAccepts(t *testing.T) {
	v := NewAssertionVerifier(map[string]string{"meta": "meta-secret", "google": "google-secret"}, "linkd")

	credential := signedAssertion(t, "meta-secret", "meta", "m-77", time.Now().Add(time.Minute))
	a, err := v.Verify(context.Background(), linking.ProviderMeta, credential)
	require.NoError(t, err)

	assert.Equal(t, linking.ProviderMeta, a.Kind)
	assert.Equal(t, "m-77", a.ExternalID)
	assert.Equal(t, "sam@example.com", a.Email)
	assert.Equal(t, "Sam", a.DisplayName)
	assert.Equal(t, "https://cdn.example.com/sam.png", a.ProfileImageURL)
}

func TestAssertionVerifierRejects(t *testing.T) {
	v := NewAssertionVerifier(map[string]string{"meta": "meta-secret", "google": "google-secret", "unknown": "x"}, "linkd")
	ctx := context.Background()
	future := time.Now().Add(time.Minute)

	cases := []struct {
		name       string
		kind       linking.ProviderKind
		credential string
	}{
		{"wrong key", linking.ProviderMeta, signedAssertion(t, "google-secret", "meta", "m-1", future)},
		{"other provider claim", linking.ProviderMeta, signedAssertion(t, "meta-secret", "google", "m-1", future)},
		{"expired", linking.ProviderMeta, signedAssertion(t, "meta-secret", "meta", "m-1", time.Now().Add(-time.Minute))},
		{"unconfigured provider", linking.ProviderFacebook, signedAssertion(t, "meta-secret", "facebook", "f-1", future)},
		{"garbage", linking.ProviderGoogle, "garbage"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tc.kind, tc.credential)
			assert.True(t, linking.HasTextCode(err, linking.TextCodeVerificationFailed), "got %v", err)
		})
	}
}

func hasTextCode(err error, code string) bool {
	return linking.HasTextCode(err, code)
}

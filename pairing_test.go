package linking_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-linking"
	"github.com/goliatone/go-linking/codestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pairingFixture struct {
	clock    *testClock
	repo     *memIdentities
	events   *recordedEvents
	store    *codestore.MemoryStore
	resolver *linking.Resolver
	pairing  *linking.PairingCoordinator
}

func newPairingFixture(t *testing.T, opts ...linking.PairingOption) *pairingFixture {
	t.Helper()

	f := &pairingFixture{
		clock:  newTestClock(),
		repo:   newMemIdentities(googleUser("U1", "g-1", "u1@example.com")),
		events: &recordedEvents{},
	}
	f.store = codestore.NewMemoryStore(
		codestore.WithClock(f.clock.Now),
		codestore.WithSweepInterval(0),
	)
	f.resolver = linking.NewResolver(f.repo,
		linking.WithResolverEventLog(f.events),
		linking.WithResolverClock(f.clock.Now),
	)
	f.pairing = linking.NewPairingCoordinator(f.store, f.resolver, linking.DefaultConfig(),
		append([]linking.PairingOption{linking.WithPairingClock(f.clock.Now)}, opts...)...,
	)
	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func metaAssertion(externalID string) linking.VerifiedAssertion {
	return linking.VerifiedAssertion{Kind: linking.ProviderMeta, ExternalID: externalID}
}

func TestPairingRoundTripPromotesOwner(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ticket.Code), 26)
	assert.Equal(t, f.clock.Now().Add(linking.DefaultPairingTTL), ticket.ExpiresAt)

	result, err := f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	require.NoError(t, err)

	assert.Equal(t, linking.OutcomeAccountLinked, result.Outcome)
	assert.Equal(t, linking.RoleUser, result.PreviousRole)
	assert.Equal(t, linking.RoleArtist, result.Identity.Role)
	assert.Equal(t, "U1", result.Identity.ID)
	assert.True(t, result.Identity.HasBinding(linking.ProviderGoogle))
	binding, ok := result.Identity.Binding(linking.ProviderMeta)
	require.True(t, ok)
	assert.Equal(t, "m-42", binding.ExternalID)

	assert.Equal(t, 1, f.events.Count(linking.ActionLinked))
	assert.Equal(t, 1, f.events.Count(linking.ActionPromoted))

	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-43"))
	assert.ErrorIs(t, err, linking.ErrAlreadyConsumed)
}

func TestPairingWithNonCreatorProviderKeepsRole(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	result, err := f.pairing.ConfirmPairing(ctx, ticket.Code, linking.VerifiedAssertion{
		Kind:       linking.ProviderFacebook,
		ExternalID: "fb-1",
	})
	require.NoError(t, err)
	assert.Equal(t, linking.RoleUser, result.Identity.Role)
	assert.Equal(t, 0, f.events.Count(linking.ActionPromoted))
}

func TestConfirmPairingSingleConsumer(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		consumed  int
		other     []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, linking.ErrAlreadyConsumed):
				consumed++
			default:
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, consumed)
	assert.Empty(t, other)

	owner := f.repo.Get("U1")
	assert.Len(t, owner.Bindings, 2)
	assert.Equal(t, 1, f.events.Count(linking.ActionLinked))
}

func TestConfirmPairingExpiryDominatesEviction(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	f.clock.Advance(linking.DefaultPairingTTL + time.Second)

	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrExpired)
	assert.False(t, f.repo.Get("U1").HasBinding(linking.ProviderMeta))

	f.clock.Advance(time.Hour)
	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrNotFound)
}

func TestIssuePairingSupersedesPendingCode(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	first, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)
	second, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)
	require.NotEqual(t, first.Code, second.Code)

	_, err = f.pairing.ConfirmPairing(ctx, first.Code, metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrNotFound)

	_, err = f.pairing.PairingStatus(ctx, first.Code)
	assert.ErrorIs(t, err, linking.ErrNotFound)

	result, err := f.pairing.ConfirmPairing(ctx, second.Code, metaAssertion("m-42"))
	require.NoError(t, err)
	assert.Equal(t, linking.OutcomeAccountLinked, result.Outcome)
}

func TestConfirmPairingAcceptsTypedCode(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	typed := strings.ToLower(ticket.Code[:4] + "-" + ticket.Code[4:])
	_, err = f.pairing.ConfirmPairing(ctx, typed, metaAssertion("m-42"))
	require.NoError(t, err)
}

func TestConfirmPairingErrors(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	_, err := f.pairing.ConfirmPairing(ctx, "", metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrNotFound)

	_, err = f.pairing.ConfirmPairing(ctx, "UNKNOWNCODE", metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrNotFound)

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, linking.VerifiedAssertion{Kind: linking.ProviderMeta})
	assert.True(t, linking.HasTextCode(err, linking.TextCodeInvalidAssertion))

	// The malformed assertion left the code claimable, this attempt burns it.
	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, linking.VerifiedAssertion{
		Kind:       linking.ProviderGoogle,
		ExternalID: "g-other",
	})
	assert.ErrorIs(t, err, linking.ErrAccountAlreadyLinked)

	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrAlreadyConsumed)
}

func TestConfirmPairingRepositoryFailureKeepsCodeConsumed(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	f.repo.failSave = errors.New("primary unavailable")
	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	require.Error(t, err)
	assert.True(t, linking.HasTextCode(err, linking.TextCodeRepositoryUnavailable))

	f.repo.failSave = nil
	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	assert.ErrorIs(t, err, linking.ErrAlreadyConsumed)
	assert.False(t, f.repo.Get("U1").HasBinding(linking.ProviderMeta))
}

func TestPairingStatus(t *testing.T) {
	f := newPairingFixture(t)
	ctx := context.Background()

	ticket, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	status, err := f.pairing.PairingStatus(ctx, ticket.Code)
	require.NoError(t, err)
	assert.Equal(t, linking.PairingPending, status.State)
	assert.Equal(t, ticket.ExpiresAt, status.ExpiresAt)

	_, err = f.pairing.ConfirmPairing(ctx, ticket.Code, metaAssertion("m-42"))
	require.NoError(t, err)

	status, err = f.pairing.PairingStatus(ctx, ticket.Code)
	require.NoError(t, err)
	assert.Equal(t, linking.PairingConsumed, status.State)
	assert.Equal(t, linking.ProviderMeta, status.ConsumedKind)
	require.NotNil(t, status.CompletedAt)

	pending, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)
	f.clock.Advance(linking.DefaultPairingTTL + time.Second)

	status, err = f.pairing.PairingStatus(ctx, pending.Code)
	require.NoError(t, err)
	assert.Equal(t, linking.PairingExpired, status.State)
}

func TestIssuePairingValidation(t *testing.T) {
	f := newPairingFixture(t)

	_, err := f.pairing.IssuePairing(context.Background(), "")
	assert.True(t, linking.HasTextCode(err, linking.TextCodeInvalidAssertion))
}

func TestIssuePairingFeatureDisabled(t *testing.T) {
	f := newPairingFixture(t, linking.WithPairingFeatureGate(linking.StaticFeatureGate{
		linking.FeaturePairing: false,
	}))

	_, err := f.pairing.IssuePairing(context.Background(), "U1")
	require.Error(t, err)
	assert.True(t, linking.HasTextCode(err, linking.TextCodeFeatureDisabled))
}

type fixedCodes struct {
	mu      sync.Mutex
	pairing []string
	short   []string
}

func (c *fixedCodes) PairingCode() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := c.pairing[0]
	if len(c.pairing) > 1 {
		c.pairing = c.pairing[1:]
	}
	return code, nil
}

func (c *fixedCodes) QRToken() (string, error) {
	return "qr-token-0123456789abcdef", nil
}

func (c *fixedCodes) ShortCode() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := c.short[0]
	if len(c.short) > 1 {
		c.short = c.short[1:]
	}
	return code, nil
}

func TestIssuePairingWithNegativeCodeSize(t *testing.T) {
	store := codestore.NewMemoryStore(codestore.WithSweepInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	resolver := linking.NewResolver(newMemIdentities(googleUser("U1", "g-1", "")))
	pairing := linking.NewPairingCoordinator(store, resolver, linking.Config{PairingCodeBytes: -1})

	var ticket *linking.PairingTicket
	require.NotPanics(t, func() {
		var err error
		ticket, err = pairing.IssuePairing(context.Background(), "U1")
		require.NoError(t, err)
	})
	assert.Len(t, ticket.Code, 26)
}

func TestIssuePairingRetriesCollidingCodes(t *testing.T) {
	codes := &fixedCodes{pairing: []string{"AAAA", "AAAA", "BBBB"}}
	f := newPairingFixture(t, linking.WithPairingCodes(codes))
	ctx := context.Background()

	first, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "AAAA", first.Code)

	second, err := f.pairing.IssuePairing(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, "BBBB", second.Code)
}

func TestIssuePairingGivesUpWhenCodeSpaceIsExhausted(t *testing.T) {
	codes := &fixedCodes{pairing: []string{"AAAA"}}
	f := newPairingFixture(t, linking.WithPairingCodes(codes))
	ctx := context.Background()

	_, err := f.pairing.IssuePairing(ctx, "U1")
	require.NoError(t, err)

	_, err = f.pairing.IssuePairing(ctx, "U2")
	require.Error(t, err)
	assert.True(t, linking.HasTextCode(err, linking.TextCodeRepositoryUnavailable))
}

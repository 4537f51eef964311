package linking_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-linking"
	"github.com/stretchr/testify/mock"
)

// MockAssertionVerifier implements linking.AssertionVerifier
type MockAssertionVerifier struct {
	mock.Mock
}

func (m *MockAssertionVerifier) Verify(ctx context.Context, kind linking.ProviderKind, credential string) (linking.VerifiedAssertion, error) {
	args := m.Called(ctx, kind, credential)
	return args.Get(0).(linking.VerifiedAssertion), args.Error(1)
}

// MockSessions implements linking.SessionIssuer and linking.SessionVerifier
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Issue(ctx context.Context, identity *linking.Identity) (string, error) {
	args := m.Called(ctx, identity)
	return args.String(0), args.Error(1)
}

func (m *MockSessions) IdentityID(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

// memIdentities is an in-memory linking.IdentityRepository that enforces the
// binding uniqueness rules and counts writes.
type memIdentities struct {
	mu       sync.Mutex
	byID     map[string]*linking.Identity
	writes   int
	failSave error
	failFind error
	stale    int
	// beforeSave runs once, outside the lock, ahead of the next Save.
	beforeSave func()
}

func newMemIdentities(seed ...*linking.Identity) *memIdentities {
	m := &memIdentities{byID: map[string]*linking.Identity{}}
	for _, identity := range seed {
		m.byID[identity.ID] = identity.Clone()
	}
	return m
}

func (m *memIdentities) FindByID(_ context.Context, id string) (*linking.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFind != nil {
		return nil, m.failFind
	}
	identity, ok := m.byID[id]
	if !ok {
		return nil, linking.ErrIdentityNotFound
	}
	return identity.Clone(), nil
}

func (m *memIdentities) FindByProviderBinding(_ context.Context, kind linking.ProviderKind, externalID string) (*linking.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFind != nil {
		return nil, m.failFind
	}
	if owner := m.ownerOf(kind, externalID); owner != nil {
		return owner.Clone(), nil
	}
	return nil, linking.ErrIdentityNotFound
}

func (m *memIdentities) FindLinkableByEmail(_ context.Context, email string, excluding linking.ProviderKind) (*linking.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFind != nil {
		return nil, m.failFind
	}
	for _, identity := range m.byID {
		if email != "" && strings.EqualFold(identity.Email, email) && !identity.HasBinding(excluding) {
			return identity.Clone(), nil
		}
	}
	return nil, linking.ErrIdentityNotFound
}

func (m *memIdentities) Create(_ context.Context, identity *linking.Identity) (*linking.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[identity.ID]; exists {
		return nil, linking.ErrAccountAlreadyLinked
	}
	if err := m.checkBindings(identity); err != nil {
		return nil, err
	}
	created := identity.Clone()
	if created.Version < 1 {
		created.Version = 1
	}
	m.byID[identity.ID] = created
	m.writes++
	return created.Clone(), nil
}

func (m *memIdentities) Save(_ context.Context, identity *linking.Identity) (*linking.Identity, error) {
	m.mu.Lock()
	hook := m.beforeSave
	m.beforeSave = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return nil, m.failSave
	}
	stored, exists := m.byID[identity.ID]
	if !exists {
		return nil, linking.ErrIdentityNotFound
	}
	if stored.Version != identity.Version {
		m.stale++
		return nil, linking.ErrStaleIdentity
	}
	if err := m.checkBindings(identity); err != nil {
		return nil, err
	}
	saved := identity.Clone()
	saved.Version++
	m.byID[identity.ID] = saved
	m.writes++
	return saved.Clone(), nil
}

func (m *memIdentities) StaleSaves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

func (m *memIdentities) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memIdentities) Get(id string) *linking.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].Clone()
}

func (m *memIdentities) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *memIdentities) ownerOf(kind linking.ProviderKind, externalID string) *linking.Identity {
	for _, identity := range m.byID {
		if b, ok := identity.Binding(kind); ok && b.ExternalID == externalID {
			return identity
		}
	}
	return nil
}

func (m *memIdentities) checkBindings(identity *linking.Identity) error {
	seen := map[linking.ProviderKind]bool{}
	for _, b := range identity.Bindings {
		if seen[b.Kind] {
			return linking.ErrAccountAlreadyLinked
		}
		seen[b.Kind] = true
		if owner := m.ownerOf(b.Kind, b.ExternalID); owner != nil && owner.ID != identity.ID {
			return linking.ErrAccountAlreadyLinked
		}
	}
	return nil
}

// recordedEvents is a linking.EventLog that keeps appended events.
type recordedEvents struct {
	mu     sync.Mutex
	events []linking.LinkingEvent
}

func (r *recordedEvents) Append(_ context.Context, event linking.LinkingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordedEvents) Actions() []linking.LinkingAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]linking.LinkingAction, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

func (r *recordedEvents) Count(action linking.LinkingAction) int {
	n := 0
	for _, a := range r.Actions() {
		if a == action {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func googleUser(id, externalID, email string) *linking.Identity {
	identity := &linking.Identity{
		ID:          id,
		DisplayName: "User " + id,
		Email:       email,
		Bindings: []linking.ProviderBinding{{
			Kind:       linking.ProviderGoogle,
			ExternalID: externalID,
			LinkedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
	identity.SetRole(linking.RoleUser)
	return identity
}

package linking

import (
	"testing"
	"time"
)

func TestTimestampsTouch(t *testing.T) {
	var ts Timestamps
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	ts.Touch(first)
	ts.Touch(later)

	if !ts.CreatedAt.Equal(first) {
		t.Fatalf("expected created_at %v, got %v", first, ts.CreatedAt)
	}
	if !ts.UpdatedAt.Equal(later) {
		t.Fatalf("expected updated_at %v, got %v", later, ts.UpdatedAt)
	}
}

func TestParseProviderKind(t *testing.T) {
	cases := []struct {
		input  string
		expect ProviderKind
		ok     bool
	}{
		{input: "google", expect: ProviderGoogle, ok: true},
		{input: " Meta ", expect: ProviderMeta, ok: true},
		{input: "FACEBOOK", expect: ProviderFacebook, ok: true},
		{input: "github", ok: false},
		{input: "", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			kind, ok := ParseProviderKind(tc.input)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && kind != tc.expect {
				t.Fatalf("expected %q, got %q", tc.expect, kind)
			}
		})
	}
}

func TestProviderCreationCapable(t *testing.T) {
	if !ProviderMeta.CreationCapable() {
		t.Fatal("meta should be creation capable")
	}
	if ProviderGoogle.CreationCapable() || ProviderFacebook.CreationCapable() {
		t.Fatal("google and facebook should not be creation capable")
	}
	if ProviderKind("other").CreationCapable() {
		t.Fatal("unknown kinds should not be creation capable")
	}
}

func TestPlatformSeedRole(t *testing.T) {
	if PlatformVR.SeedRole() != RoleArtist {
		t.Fatalf("expected vr to seed %s", RoleArtist)
	}
	for _, p := range []Platform{PlatformWeb, PlatformMobile, Platform("")} {
		if p.SeedRole() != RoleUser {
			t.Fatalf("expected %q to seed %s, got %s", p, RoleUser, p.SeedRole())
		}
	}
}

func TestIdentitySetRoleTracksHighest(t *testing.T) {
	identity := &Identity{}

	identity.SetRole(RoleArtist)
	identity.SetRole(RoleUser)

	if identity.Role != RoleUser {
		t.Fatalf("expected role %s, got %s", RoleUser, identity.Role)
	}
	if identity.HighestRole != RoleArtist {
		t.Fatalf("expected highest role %s, got %s", RoleArtist, identity.HighestRole)
	}
}

func TestIdentityRoleFloor(t *testing.T) {
	identity := &Identity{Bindings: []ProviderBinding{{Kind: ProviderGoogle, ExternalID: "g"}}}
	if floor := identity.RoleFloor(); floor != RoleGuest {
		t.Fatalf("expected %s, got %s", RoleGuest, floor)
	}

	identity.Bindings = append(identity.Bindings, ProviderBinding{Kind: ProviderMeta, ExternalID: "m"})
	if floor := identity.RoleFloor(); floor != RoleArtist {
		t.Fatalf("expected %s, got %s", RoleArtist, floor)
	}
}

func TestIdentityClone(t *testing.T) {
	var nilIdentity *Identity
	if nilIdentity.Clone() != nil {
		t.Fatal("expected nil clone")
	}

	identity := &Identity{ID: "a", Bindings: []ProviderBinding{{Kind: ProviderGoogle, ExternalID: "g"}}}
	clone := identity.Clone()
	clone.Bindings[0].ExternalID = "changed"
	clone.Bindings = append(clone.Bindings, ProviderBinding{Kind: ProviderMeta})

	if identity.Bindings[0].ExternalID != "g" || len(identity.Bindings) != 1 {
		t.Fatalf("clone shares bindings with source: %+v", identity.Bindings)
	}
	if !identity.HasBinding(ProviderGoogle) || identity.HasBinding(ProviderMeta) {
		t.Fatal("unexpected binding set on source")
	}
}

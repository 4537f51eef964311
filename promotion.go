package linking

import "fmt"

// TriggerKind is a domain event that may promote an identity.
type TriggerKind string

const (
	TriggerFirstCreativeUpload TriggerKind = "first_creative_upload"
	TriggerProviderLinked      TriggerKind = "provider_linked"
	TriggerPaired              TriggerKind = "paired"
)

// PromotionTrigger is the input to DecidePromotion. Provider is only
// meaningful for linking triggers.
type PromotionTrigger struct {
	Kind     TriggerKind
	Provider ProviderKind
}

// FirstCreativeUpload is the trigger sent when an identity publishes its
// first creative content.
func FirstCreativeUpload() PromotionTrigger {
	return PromotionTrigger{Kind: TriggerFirstCreativeUpload}
}

// ProviderLinked is the trigger for an email based link.
func ProviderLinked(kind ProviderKind) PromotionTrigger {
	return PromotionTrigger{Kind: TriggerProviderLinked, Provider: kind}
}

// Paired is the trigger for a pairing confirmation.
func Paired(kind ProviderKind) PromotionTrigger {
	return PromotionTrigger{Kind: TriggerPaired, Provider: kind}
}

func (t PromotionTrigger) elevates() bool {
	switch t.Kind {
	case TriggerFirstCreativeUpload:
		return true
	case TriggerProviderLinked, TriggerPaired:
		return t.Provider.CreationCapable()
	default:
		return false
	}
}

// DecidePromotion maps the current role and a trigger to the resulting role.
// It never lowers a role. An unknown current role is a programming error.
func DecidePromotion(current Role, trigger PromotionTrigger) Role {
	if !current.IsValid() {
		panic(fmt.Sprintf("linking: promotion for unknown role %q", current))
	}

	next := current
	if trigger.elevates() && current.Level() < RoleArtist.Level() {
		next = RoleArtist
	}

	if next.Level() < current.Level() {
		panic(fmt.Sprintf("linking: promotion would demote %s to %s", current, next))
	}
	return next
}

// Package activitymap flattens linking events into feed entries for
// downstream consumers (activity feeds, analytics, log sinks).
package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-linking"
)

const (
	DefaultChannel = "linking"
	DefaultActor   = "system"
)

// RoleChange is set on entries whose event moved the identity role.
type RoleChange struct {
	From linking.Role `json:"from"`
	To   linking.Role `json:"to"`
}

// Entry is one feed line.
type Entry struct {
	Actor    string         `json:"actor"`
	Verb     string         `json:"verb"`
	Subject  string         `json:"subject"`
	Provider string         `json:"provider,omitempty"`
	Account  string         `json:"account,omitempty"`
	Role     *RoleChange    `json:"role,omitempty"`
	Channel  string         `json:"channel"`
	Extra    map[string]any `json:"extra,omitempty"`
	At       time.Time      `json:"at"`
}

// Mapper converts events into entries. The zero value is ready to use.
type Mapper struct {
	// Channel tags every entry (default: "linking")
	Channel string
	// Actor is used for events that carry no identity id (default: "system")
	Actor string
	// Subject picks the entry subject, the identity id when nil
	Subject func(linking.LinkingEvent) string
	// Now stamps events with a zero OccurredAt
	Now func() time.Time
}

// Map converts a single event.
func (m Mapper) Map(event linking.LinkingEvent) Entry {
	identityID := strings.TrimSpace(event.IdentityID)

	entry := Entry{
		Actor:    identityID,
		Verb:     "identity." + string(event.Action),
		Subject:  identityID,
		Provider: string(event.ProviderKind),
		Account:  event.ExternalID,
		Channel:  orDefault(m.Channel, DefaultChannel),
		At:       event.OccurredAt,
	}
	if entry.Actor == "" {
		entry.Actor = orDefault(m.Actor, DefaultActor)
	}
	if m.Subject != nil {
		entry.Subject = strings.TrimSpace(m.Subject(event))
	}
	if event.PreviousRole != "" && event.PreviousRole != event.NewRole {
		entry.Role = &RoleChange{From: event.PreviousRole, To: event.NewRole}
	}
	if len(event.Metadata) > 0 {
		entry.Extra = make(map[string]any, len(event.Metadata))
		for k, v := range event.Metadata {
			entry.Extra[k] = v
		}
	}
	if entry.At.IsZero() {
		now := time.Now
		if m.Now != nil {
			now = m.Now
		}
		entry.At = now().UTC()
	}
	return entry
}

// Map converts event with the zero Mapper.
func Map(event linking.LinkingEvent) Entry {
	return Mapper{}.Map(event)
}

// BindingSubject addresses the provider binding instead of the identity,
// e.g. "google:g-5".
func BindingSubject(event linking.LinkingEvent) string {
	if event.ProviderKind == "" {
		return event.IdentityID
	}
	return string(event.ProviderKind) + ":" + event.ExternalID
}

// Tee appends to next and then emits the mapped entry. Nothing is emitted
// when next fails.
func Tee(next linking.EventLog, m Mapper, emit func(context.Context, Entry)) linking.EventLog {
	return linking.EventLogFunc(func(ctx context.Context, event linking.LinkingEvent) error {
		if next != nil {
			if err := next.Append(ctx, event); err != nil {
				return err
			}
		}
		if emit != nil {
			emit(ctx, m.Map(event))
		}
		return nil
	})
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}

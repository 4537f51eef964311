package linking

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

func validProviderKind(value interface{}) error {
	kind, _ := value.(ProviderKind)
	if !kind.IsValid() {
		return validation.NewError("validation_provider_kind", "must be a supported provider")
	}
	return nil
}

// Validate checks the minimum an assertion must carry.
func (a VerifiedAssertion) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Kind, validation.Required, validation.By(validProviderKind)),
		validation.Field(&a.ExternalID, validation.Required, validation.Length(1, 255)),
		validation.Field(&a.Email, is.Email),
		validation.Field(&a.DisplayName, validation.Length(0, 255)),
		validation.Field(&a.ProfileImageURL, is.URL),
	)
}

// normalizeAssertion trims fields and validates the result, returning an
// ErrInvalidAssertion carrying the field errors.
func normalizeAssertion(a VerifiedAssertion) (VerifiedAssertion, error) {
	a.Kind = ProviderKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
	a.ExternalID = strings.TrimSpace(a.ExternalID)
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	a.DisplayName = strings.TrimSpace(a.DisplayName)
	a.ProfileImageURL = strings.TrimSpace(a.ProfileImageURL)

	if err := a.Validate(); err != nil {
		return a, withMeta(ErrInvalidAssertion, map[string]any{"fields": err.Error()})
	}
	return a, nil
}

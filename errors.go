package linking

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidAssertion      = "INVALID_ASSERTION"
	TextCodeNotFound              = "NOT_FOUND"
	TextCodeExpired               = "EXPIRED"
	TextCodeAlreadyConsumed       = "ALREADY_CONSUMED"
	TextCodeAccountAlreadyLinked  = "ACCOUNT_ALREADY_LINKED"
	TextCodeVerificationFailed    = "VERIFICATION_FAILED"
	TextCodeRepositoryUnavailable = "REPOSITORY_UNAVAILABLE"
	TextCodeLastBinding           = "LAST_BINDING"
	TextCodeFeatureDisabled       = "FEATURE_DISABLED"
	TextCodeUnauthorized          = "UNAUTHORIZED"
	TextCodeIdentityNotFound      = "IDENTITY_NOT_FOUND"
	TextCodeStaleIdentity         = "IDENTITY_CONFLICT"
)

// ErrInvalidAssertion is returned for assertions missing a provider kind or
// external id. Callers should not retry.
var ErrInvalidAssertion = goerrors.New("invalid provider assertion", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidAssertion).
	WithCode(goerrors.CodeBadRequest)

// ErrNotFound is returned for unknown, evicted or superseded codes and tickets.
var ErrNotFound = goerrors.New("code not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrExpired is returned when a code is past its expiry, evicted or not.
var ErrExpired = goerrors.New("code expired", goerrors.CategoryBadInput).
	WithTextCode(TextCodeExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrAlreadyConsumed is returned to every confirm that lost the claim.
var ErrAlreadyConsumed = goerrors.New("code already consumed", goerrors.CategoryConflict).
	WithTextCode(TextCodeAlreadyConsumed).
	WithCode(goerrors.CodeConflict)

// ErrAccountAlreadyLinked is returned when a provider account is bound to a
// different identity, or the identity already holds a binding for the kind.
var ErrAccountAlreadyLinked = goerrors.New("provider account already linked", goerrors.CategoryConflict).
	WithTextCode(TextCodeAccountAlreadyLinked).
	WithCode(goerrors.CodeConflict)

// ErrVerificationFailed is returned when the upstream provider check fails.
var ErrVerificationFailed = goerrors.New("provider verification failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeVerificationFailed).
	WithCode(goerrors.CodeUnauthorized)

// ErrRepositoryUnavailable wraps transient storage failures.
var ErrRepositoryUnavailable = goerrors.New("repository unavailable", goerrors.CategoryInternal).
	WithTextCode(TextCodeRepositoryUnavailable).
	WithCode(goerrors.CodeInternal)

// ErrLastBinding is returned when unlinking would leave an identity without
// any provider binding.
var ErrLastBinding = goerrors.New("cannot remove the last provider binding", goerrors.CategoryConflict).
	WithTextCode(TextCodeLastBinding).
	WithCode(goerrors.CodeConflict)

// ErrFeatureDisabled is returned when a feature gate turns a flow off.
var ErrFeatureDisabled = goerrors.New("feature disabled", goerrors.CategoryAuthz).
	WithTextCode(TextCodeFeatureDisabled).
	WithCode(goerrors.CodeForbidden)

// ErrUnauthorized is returned by the HTTP layer when no valid session is present.
var ErrUnauthorized = goerrors.New("unauthorized", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(goerrors.CodeUnauthorized)

// ErrIdentityNotFound is returned by repositories when no identity matches.
var ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeIdentityNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrStaleIdentity is returned by Save when the stored identity changed since
// the snapshot was loaded. Reload and reapply the change.
var ErrStaleIdentity = goerrors.New("identity was modified concurrently", goerrors.CategoryConflict).
	WithTextCode(TextCodeStaleIdentity).
	WithCode(goerrors.CodeConflict)

// withMeta clones a sentinel before attaching metadata, sentinels are shared.
func withMeta(sentinel *goerrors.Error, meta map[string]any) error {
	return sentinel.Clone().WithMetadata(meta)
}

// unavailable wraps an infrastructure error as ErrRepositoryUnavailable.
// Errors that already carry a domain text code pass through unchanged.
func unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" {
		return err
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode(TextCodeRepositoryUnavailable).
		WithCode(goerrors.CodeInternal)
}

// HasTextCode reports whether err is a go-errors error with the given text code.
func HasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// IsIdentityNotFound reports whether err means the identity does not exist.
func IsIdentityNotFound(err error) bool {
	return HasTextCode(err, TextCodeIdentityNotFound)
}

// IsStaleIdentity reports whether err is a lost optimistic concurrency check.
func IsStaleIdentity(err error) bool {
	return HasTextCode(err, TextCodeStaleIdentity)
}

func errorTextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}
	return "UNKNOWN"
}

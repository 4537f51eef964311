package linking

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-featuregate/gate"
	"github.com/goliatone/go-featuregate/gate/guard"
)

// Feature gate keys checked before issuing codes.
const (
	FeaturePairing     = "linking.pairing"
	FeatureDeviceLogin = "linking.device_login"
)

func normalizeFeatureGateError(err error) error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return err
	}

	return goerrors.Wrap(err, goerrors.CategoryAuthz, "Feature gate check failed").
		WithTextCode(TextCodeFeatureDisabled).
		WithCode(goerrors.CodeForbidden)
}

// requireFeature is a no-op when no gate is configured.
func requireFeature(ctx context.Context, featureGate gate.FeatureGate, key string) error {
	if featureGate == nil {
		return nil
	}
	return guard.Require(ctx, featureGate, key,
		guard.WithDisabledError(ErrFeatureDisabled),
		guard.WithErrorMapper(normalizeFeatureGateError),
	)
}

// StaticFeatureGate is a gate.FeatureGate backed by a fixed map. Keys that are
// not listed resolve enabled.
type StaticFeatureGate map[string]bool

var _ gate.FeatureGate = StaticFeatureGate(nil)

// Enabled implements gate.FeatureGate.
func (s StaticFeatureGate) Enabled(_ context.Context, key string, _ ...gate.ResolveOption) (bool, error) {
	if enabled, ok := s[key]; ok {
		return enabled, nil
	}
	return true, nil
}

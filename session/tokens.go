// Package session issues and validates the bearer tokens handed to resolved
// identities.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-linking"
	"github.com/google/uuid"
)

// DefaultTTL is used when Config.TTL is zero.
const DefaultTTL = 24 * time.Hour

// ErrTokenExpired is returned for session tokens past their expiry.
var ErrTokenExpired = errors.New("session token expired", errors.CategoryAuth).
	WithTextCode("TOKEN_EXPIRED").
	WithCode(errors.CodeUnauthorized)

// ErrTokenMalformed is returned for tokens that fail to parse or verify.
var ErrTokenMalformed = errors.New("session token malformed", errors.CategoryAuth).
	WithTextCode("TOKEN_MALFORMED").
	WithCode(errors.CodeUnauthorized)

var ErrSigningKeyRequired = errors.New("signing key is required", errors.CategoryBadInput).
	WithTextCode("SIGNING_KEY_REQUIRED")

// Config configures a Service.
type Config struct {
	SigningKey string        `mapstructure:"signing_key"`
	TTL        time.Duration `mapstructure:"ttl"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   []string      `mapstructure:"audience"`
}

// Claims are the registered claims plus the identity snapshot at issue time.
type Claims struct {
	jwt.RegisteredClaims
	Role        string   `json:"role,omitempty"`
	HighestRole string   `json:"highest_role,omitempty"`
	Providers   []string `json:"providers,omitempty"`
}

// Service implements linking.SessionIssuer and linking.SessionVerifier with
// HS256 JWTs.
type Service struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	now        func() time.Time
	logger     linking.Logger
}

var (
	_ linking.SessionIssuer   = (*Service)(nil)
	_ linking.SessionVerifier = (*Service)(nil)
)

// Option customizes a Service.
type Option func(*Service)

// WithClock injects a custom clock (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger linking.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service. The signing key is required.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.SigningKey == "" {
		return nil, ErrSigningKeyRequired
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &Service{
		signingKey: []byte(cfg.SigningKey),
		ttl:        cfg.TTL,
		issuer:     cfg.Issuer,
		audience:   jwt.ClaimStrings(cfg.Audience),
		now:        time.Now,
		logger:     nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Issue implements linking.SessionIssuer.
func (s *Service) Issue(ctx context.Context, identity *linking.Identity) (string, error) {
	if identity == nil || identity.ID == "" {
		return "", errors.New("identity must not be empty", errors.CategoryInternal)
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   identity.ID,
			Audience:  s.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Role:        string(identity.Role),
		HighestRole: string(identity.HighestRole),
	}
	for _, b := range identity.Bindings {
		claims.Providers = append(claims.Providers, string(b.Kind))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign session token")
	}
	return signed, nil
}

// Validate parses token and returns its claims.
func (s *Service) Validate(token string) (*Claims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(s.issuer))
	}
	if len(s.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(s.audience...))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			s.logger.Error("session token has unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithTextCode(ErrTokenMalformed.TextCode)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// IdentityID implements linking.SessionVerifier.
func (s *Service) IdentityID(_ context.Context, token string) (string, error) {
	claims, err := s.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

package linking

import (
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// DefaultIdentityContextKey is the router locals key holding the caller's
// identity id once RequireSession has run.
const DefaultIdentityContextKey = "identity_id"

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	// IdentityContextKey is the router locals key for the caller identity id
	// (default: "identity_id")
	IdentityContextKey string

	// AuthHeader carries the bearer session (default: "Authorization")
	AuthHeader string
}

// HTTPController exposes pairing, device login and resolution over go-router.
type HTTPController struct {
	resolver    *Resolver
	pairing     *PairingCoordinator
	deviceLogin *DeviceLoginCoordinator
	verifier    AssertionVerifier
	issuer      SessionIssuer
	sessions    SessionVerifier
	logger      Logger
	config      HTTPConfig
}

// HTTPControllerOption customizes an HTTPController.
type HTTPControllerOption func(*HTTPController)

// WithSessionIssuer adds a session token to successful resolve, confirm and
// redeem responses.
func WithSessionIssuer(issuer SessionIssuer) HTTPControllerOption {
	return func(c *HTTPController) {
		c.issuer = issuer
	}
}

// WithSessionVerifier enables RequireSession.
func WithSessionVerifier(sessions SessionVerifier) HTTPControllerOption {
	return func(c *HTTPController) {
		c.sessions = sessions
	}
}

// WithControllerLogger overrides the logger.
func WithControllerLogger(logger Logger) HTTPControllerOption {
	return func(c *HTTPController) {
		c.logger = normalizeLogger(logger)
	}
}

// NewHTTPController creates the controller.
func NewHTTPController(resolver *Resolver, pairing *PairingCoordinator, deviceLogin *DeviceLoginCoordinator, verifier AssertionVerifier, cfg HTTPConfig, opts ...HTTPControllerOption) *HTTPController {
	if cfg.IdentityContextKey == "" {
		cfg.IdentityContextKey = DefaultIdentityContextKey
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}

	c := &HTTPController{
		resolver:    resolver,
		pairing:     pairing,
		deviceLogin: deviceLogin,
		verifier:    verifier,
		logger:      defLogger{},
		config:      cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// RegisterRoutes registers every route on group.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar) {
	auth := c.RequireSession()

	group.Post("/auth/:provider", c.Resolve)
	group.Get("/identities/me/bindings", c.ListBindings, auth)
	group.Delete("/identities/me/bindings/:provider", c.Unlink, auth)

	group.Post("/pairing", c.IssuePairing, auth)
	group.Post("/pairing/confirm", c.ConfirmPairing)
	group.Get("/pairing/:code/status", c.PairingStatus)

	group.Post("/device-login/ticket", c.IssueLoginTicket, auth)
	group.Post("/device-login/redeem", c.RedeemLoginTicket)
}

// RequireSession resolves the bearer session into the identity id local.
func (c *HTTPController) RequireSession() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if c.sessions == nil {
				return c.renderError(ctx, ErrUnauthorized)
			}

			raw := strings.TrimSpace(ctx.Header(c.config.AuthHeader))
			scheme, token, ok := strings.Cut(raw, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return c.renderError(ctx, ErrUnauthorized)
			}

			identityID, err := c.sessions.IdentityID(ctx.Context(), strings.TrimSpace(token))
			if err != nil || identityID == "" {
				c.logger.Debug("session rejected", "error", err)
				return c.renderError(ctx, ErrUnauthorized)
			}

			ctx.Locals(c.config.IdentityContextKey, identityID)
			return next(ctx)
		}
	}
}

// ResolvePayload is the body of POST /auth/:provider.
type ResolvePayload struct {
	Credential string `json:"credential" form:"credential"`
	Platform   string `json:"platform" form:"platform"`
}

// Validate implements validation.Validatable.
func (p ResolvePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Credential, validation.Required),
		validation.Field(&p.Platform, validation.In(string(PlatformVR), string(PlatformWeb), string(PlatformMobile))),
	)
}

// Resolve signs a device in with a provider credential.
func (c *HTTPController) Resolve(ctx router.Context) error {
	kind, ok := ParseProviderKind(ctx.Param("provider"))
	if !ok {
		return c.renderError(ctx, ErrInvalidAssertion)
	}

	payload := new(ResolvePayload)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, withMeta(ErrInvalidAssertion, map[string]any{"body": err.Error()}))
	}
	if err := payload.Validate(); err != nil {
		return c.renderError(ctx, withMeta(ErrInvalidAssertion, map[string]any{"fields": err.Error()}))
	}

	assertion, err := c.verify(ctx, kind, payload.Credential)
	if err != nil {
		return c.renderError(ctx, err)
	}

	platform := Platform(payload.Platform)
	if platform == "" {
		platform = PlatformWeb
	}

	identity, outcome, err := c.resolver.Resolve(ctx.Context(), assertion, platform)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return c.renderIdentity(ctx, router.StatusOK, map[string]any{
		"outcome": outcome,
	}, identity)
}

// ListBindings returns the caller's provider bindings.
func (c *HTTPController) ListBindings(ctx router.Context) error {
	identityID := c.identityID(ctx)
	if identityID == "" {
		return c.renderError(ctx, ErrUnauthorized)
	}

	bindings, err := c.resolver.Bindings(ctx.Context(), identityID)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"bindings": bindings,
	})
}

// Unlink removes one of the caller's provider bindings.
func (c *HTTPController) Unlink(ctx router.Context) error {
	identityID := c.identityID(ctx)
	if identityID == "" {
		return c.renderError(ctx, ErrUnauthorized)
	}

	kind, ok := ParseProviderKind(ctx.Param("provider"))
	if !ok {
		return c.renderError(ctx, ErrInvalidAssertion)
	}

	identity, err := c.resolver.Unlink(ctx.Context(), identityID, kind)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"identity": identity,
	})
}

// IssuePairing starts a pairing for the caller.
func (c *HTTPController) IssuePairing(ctx router.Context) error {
	identityID := c.identityID(ctx)
	if identityID == "" {
		return c.renderError(ctx, ErrUnauthorized)
	}

	ticket, err := c.pairing.IssuePairing(ctx.Context(), identityID)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, ticket)
}

// ConfirmPairingPayload is the body of POST /pairing/confirm.
type ConfirmPairingPayload struct {
	Code       string `json:"code" form:"code"`
	Provider   string `json:"provider" form:"provider"`
	Credential string `json:"credential" form:"credential"`
}

// Validate implements validation.Validatable.
func (p ConfirmPairingPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Code, validation.Required, validation.Length(4, 128)),
		validation.Field(&p.Provider, validation.Required),
		validation.Field(&p.Credential, validation.Required),
	)
}

// ConfirmPairing consumes a code from the second device.
func (c *HTTPController) ConfirmPairing(ctx router.Context) error {
	payload := new(ConfirmPairingPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, withMeta(ErrInvalidAssertion, map[string]any{"body": err.Error()}))
	}
	if err := payload.Validate(); err != nil {
		return c.renderError(ctx, withMeta(ErrInvalidAssertion, map[string]any{"fields": err.Error()}))
	}

	kind, ok := ParseProviderKind(payload.Provider)
	if !ok {
		return c.renderError(ctx, ErrInvalidAssertion)
	}

	assertion, err := c.verify(ctx, kind, payload.Credential)
	if err != nil {
		return c.renderError(ctx, err)
	}

	result, err := c.pairing.ConfirmPairing(ctx.Context(), payload.Code, assertion)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return c.renderIdentity(ctx, router.StatusOK, map[string]any{
		"outcome":       result.Outcome,
		"previous_role": result.PreviousRole,
	}, result.Identity)
}

// PairingStatus reports a code's state.
func (c *HTTPController) PairingStatus(ctx router.Context) error {
	status, err := c.pairing.PairingStatus(ctx.Context(), ctx.Param("code"))
	if err != nil {
		return c.renderError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, status)
}

// IssueLoginTicket creates a device login ticket for the caller.
func (c *HTTPController) IssueLoginTicket(ctx router.Context) error {
	identityID := c.identityID(ctx)
	if identityID == "" {
		return c.renderError(ctx, ErrUnauthorized)
	}

	ticket, err := c.deviceLogin.IssueLoginTicket(ctx.Context(), identityID)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, map[string]any{
		"qr_token":   ticket.QRToken,
		"short_code": ticket.ShortCode,
		"expires_at": ticket.ExpiresAt,
	})
}

// RedeemLoginPayload is the body of POST /device-login/redeem. Exactly one
// channel must be set.
type RedeemLoginPayload struct {
	QRToken   string `json:"qr_token" form:"qr_token"`
	ShortCode string `json:"short_code" form:"short_code"`
}

// Validate implements validation.Validatable.
func (p RedeemLoginPayload) Validate() error {
	if p.QRToken == "" && p.ShortCode == "" {
		return errors.New("qr_token or short_code is required")
	}
	if p.QRToken != "" && p.ShortCode != "" {
		return errors.New("only one of qr_token or short_code may be set")
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.QRToken, validation.Length(16, 512)),
		validation.Field(&p.ShortCode, validation.Length(4, 12), is.Digit),
	)
}

// RedeemLoginTicket redeems a ticket on the second device.
func (c *HTTPController) RedeemLoginTicket(ctx router.Context) error {
	payload := new(RedeemLoginPayload)
	if err := ctx.Bind(payload); err != nil {
		return c.renderError(ctx, withMeta(ErrInvalidAssertion, map[string]any{"body": err.Error()}))
	}
	if err := payload.Validate(); err != nil {
		return c.renderError(ctx, withMeta(ErrInvalidAssertion, map[string]any{"fields": err.Error()}))
	}

	var (
		ownerID string
		err     error
	)
	if payload.QRToken != "" {
		ownerID, err = c.deviceLogin.RedeemByToken(ctx.Context(), payload.QRToken)
	} else {
		ownerID, err = c.deviceLogin.RedeemByShortCode(ctx.Context(), payload.ShortCode)
	}
	if err != nil {
		return c.renderError(ctx, err)
	}

	identity, err := c.resolver.Identity(ctx.Context(), ownerID)
	if err != nil {
		return c.renderError(ctx, err)
	}

	return c.renderIdentity(ctx, router.StatusOK, map[string]any{}, identity)
}

func (c *HTTPController) verify(ctx router.Context, kind ProviderKind, credential string) (VerifiedAssertion, error) {
	if c.verifier == nil {
		return VerifiedAssertion{}, ErrVerificationFailed
	}
	assertion, err := c.verifier.Verify(ctx.Context(), kind, credential)
	if err != nil {
		if HasTextCode(err, TextCodeVerificationFailed) {
			return VerifiedAssertion{}, err
		}
		c.logger.Info("provider verification failed", "provider", kind, "error", err)
		return VerifiedAssertion{}, ErrVerificationFailed
	}
	return assertion, nil
}

func (c *HTTPController) renderIdentity(ctx router.Context, status int, body map[string]any, identity *Identity) error {
	body["identity"] = identity
	if c.issuer != nil && identity != nil {
		token, err := c.issuer.Issue(ctx.Context(), identity)
		if err != nil {
			return c.renderError(ctx, err)
		}
		body["token"] = token
	}
	return ctx.JSON(status, body)
}

func (c *HTTPController) identityID(ctx router.Context) string {
	id, _ := ctx.Locals(c.config.IdentityContextKey).(string)
	return id
}

func (c *HTTPController) renderError(ctx router.Context, err error) error {
	status := StatusForError(err)

	body := map[string]any{
		"code":    TextCodeRepositoryUnavailable,
		"message": "internal error",
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		body["code"] = richErr.TextCode
		body["message"] = richErr.Message
		if len(richErr.Metadata) > 0 && status < http.StatusInternalServerError {
			body["metadata"] = richErr.Metadata
		}
	}

	if status >= http.StatusInternalServerError {
		c.logger.Error("request failed", "status", status, "error", err)
	} else {
		c.logger.Debug("request rejected", "status", status, "error", print.MaybePrettyJSON(body))
	}

	return ctx.JSON(status, map[string]any{"error": body})
}

var statusByTextCode = map[string]int{
	TextCodeInvalidAssertion:      http.StatusBadRequest,
	TextCodeNotFound:              http.StatusNotFound,
	TextCodeIdentityNotFound:      http.StatusNotFound,
	TextCodeExpired:               http.StatusGone,
	TextCodeAlreadyConsumed:       http.StatusConflict,
	TextCodeAccountAlreadyLinked:  http.StatusConflict,
	TextCodeLastBinding:           http.StatusConflict,
	TextCodeStaleIdentity:         http.StatusConflict,
	TextCodeVerificationFailed:    http.StatusUnauthorized,
	TextCodeUnauthorized:          http.StatusUnauthorized,
	TextCodeFeatureDisabled:       http.StatusForbidden,
	TextCodeRepositoryUnavailable: http.StatusServiceUnavailable,
}

// StatusForError maps a domain error to an HTTP status code.
func StatusForError(err error) int {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return http.StatusInternalServerError
	}
	if status, ok := statusByTextCode[richErr.TextCode]; ok {
		return status
	}
	if richErr.Code >= 400 && richErr.Code < 600 {
		return richErr.Code
	}
	return http.StatusInternalServerError
}

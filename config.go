package linking

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultPairingTTL       = 5 * time.Minute
	DefaultDeviceLoginTTL   = 3 * time.Minute
	DefaultPairingCodeBytes = 16
	DefaultShortCodeDigits  = 6
	DefaultQRTokenBytes     = 32
)

// OperatorTicket is a fixed device login code for internal tooling. It never
// expires and is never consumed.
type OperatorTicket struct {
	Code    string `mapstructure:"code" json:"-"`
	OwnerID string `mapstructure:"owner_id" json:"owner_id"`
}

// Enabled reports whether both fields are set.
func (o OperatorTicket) Enabled() bool {
	return o.Code != "" && o.OwnerID != ""
}

// Config holds the tunables of the coordinators.
type Config struct {
	PairingTTL       time.Duration  `mapstructure:"pairing_ttl" json:"pairing_ttl"`
	DeviceLoginTTL   time.Duration  `mapstructure:"device_login_ttl" json:"device_login_ttl"`
	PairingCodeBytes int            `mapstructure:"pairing_code_bytes" json:"pairing_code_bytes"`
	ShortCodeDigits  int            `mapstructure:"short_code_digits" json:"short_code_digits"`
	QRTokenBytes     int            `mapstructure:"qr_token_bytes" json:"qr_token_bytes"`
	OperatorTicket   OperatorTicket `mapstructure:"operator_ticket" json:"operator_ticket"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{
		PairingTTL:       DefaultPairingTTL,
		DeviceLoginTTL:   DefaultDeviceLoginTTL,
		PairingCodeBytes: DefaultPairingCodeBytes,
		ShortCodeDigits:  DefaultShortCodeDigits,
		QRTokenBytes:     DefaultQRTokenBytes,
	}
}

// WithDefaults fills zero or negative fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.PairingTTL <= 0 {
		c.PairingTTL = def.PairingTTL
	}
	if c.DeviceLoginTTL <= 0 {
		c.DeviceLoginTTL = def.DeviceLoginTTL
	}
	if c.PairingCodeBytes <= 0 {
		c.PairingCodeBytes = def.PairingCodeBytes
	}
	if c.ShortCodeDigits <= 0 {
		c.ShortCodeDigits = def.ShortCodeDigits
	}
	if c.QRTokenBytes <= 0 {
		c.QRTokenBytes = def.QRTokenBytes
	}
	return c
}

// Validate checks the configuration. Pairing codes need at least 128 bits.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PairingTTL, validation.Required, validation.Min(time.Second), validation.Max(time.Hour)),
		validation.Field(&c.DeviceLoginTTL, validation.Required, validation.Min(time.Second), validation.Max(time.Hour)),
		validation.Field(&c.PairingCodeBytes, validation.Required, validation.Min(16), validation.Max(64)),
		validation.Field(&c.ShortCodeDigits, validation.Required, validation.Min(4), validation.Max(12)),
		validation.Field(&c.QRTokenBytes, validation.Required, validation.Min(16), validation.Max(128)),
		validation.Field(&c.OperatorTicket),
	)
}

// Validate implements validation.Validatable.
func (o OperatorTicket) Validate() error {
	pairedWith := func(other string) validation.RuleFunc {
		return func(value interface{}) error {
			s, _ := value.(string)
			if s == "" && other != "" {
				return errors.New("is required when the operator ticket is configured")
			}
			return nil
		}
	}
	return validation.ValidateStruct(&o,
		validation.Field(&o.Code, validation.By(pairedWith(o.OwnerID)), validation.Length(4, 64)),
		validation.Field(&o.OwnerID, validation.By(pairedWith(o.Code))),
	)
}

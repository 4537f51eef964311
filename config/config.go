// Package config loads linkd configuration from an optional file and LINKD_
// prefixed environment variables using Viper.
package config

import (
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-linking"
	"github.com/goliatone/go-linking/repository"
	"github.com/goliatone/go-linking/session"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, LINKD_SERVER_ADDR sets
// server.addr.
const EnvPrefix = "LINKD"

const (
	CodeStoreMemory = "memory"
	CodeStoreSQL    = "sql"
)

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `mapstructure:"addr" json:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	BodyLimit       int           `mapstructure:"body_limit" json:"body_limit"`
}

// Database configures persistence. An empty DSN is rejected.
type Database struct {
	DSN         string        `mapstructure:"dsn" json:"-"`
	Migrate     bool          `mapstructure:"migrate" json:"migrate"`
	Debug       bool          `mapstructure:"debug" json:"debug"`
	PingTimeout time.Duration `mapstructure:"ping_timeout" json:"ping_timeout"`
	// Fixtures is a directory of fixture files seeded after migrations.
	Fixtures string `mapstructure:"fixtures" json:"fixtures,omitempty"`
}

// ClientConfig adapts the section for repository.Connect.
func (d Database) ClientConfig(serviceName string) repository.ClientConfig {
	cfg := repository.ClientConfig{
		DSN:            d.DSN,
		Debug:          d.Debug,
		PingTimeout:    d.PingTimeout,
		OtelIdentifier: serviceName,
	}
	if d.Fixtures != "" {
		cfg.Fixtures = os.DirFS(d.Fixtures)
	}
	return cfg
}

// CodeStore selects where pairing codes and login tickets live.
type CodeStore struct {
	Backend       string        `mapstructure:"backend" json:"backend"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

// Providers holds the shared secrets used to verify provider assertions.
type Providers struct {
	Keys     map[string]string `mapstructure:"keys" json:"-"`
	Audience string            `mapstructure:"audience" json:"audience"`
}

// Features toggles the code issuing flows.
type Features struct {
	Pairing     bool `mapstructure:"pairing" json:"pairing"`
	DeviceLogin bool `mapstructure:"device_login" json:"device_login"`
}

// Tasks sizes the background worker queue.
type Tasks struct {
	Workers   int `mapstructure:"workers" json:"workers"`
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

// Media configures profile image mirroring. Mirroring is off when Dir is
// empty.
type Media struct {
	Dir      string        `mapstructure:"dir" json:"dir"`
	MaxBytes int           `mapstructure:"max_bytes" json:"max_bytes"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Log configures the process logger.
type Log struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Telemetry configures OTLP export. Tracing is off when Endpoint is empty.
type Telemetry struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Insecure    bool   `mapstructure:"insecure" json:"insecure"`
}

// Config is the full linkd configuration.
type Config struct {
	Server    Server         `mapstructure:"server" json:"server"`
	Database  Database       `mapstructure:"database" json:"database"`
	CodeStore CodeStore      `mapstructure:"code_store" json:"code_store"`
	Session   session.Config `mapstructure:"session" json:"-"`
	Providers Providers      `mapstructure:"providers" json:"providers"`
	Linking   linking.Config `mapstructure:"linking" json:"linking"`
	Features  Features       `mapstructure:"features" json:"features"`
	Tasks     Tasks          `mapstructure:"tasks" json:"tasks"`
	Media     Media          `mapstructure:"media" json:"media"`
	Log       Log            `mapstructure:"log" json:"log"`
	Telemetry Telemetry      `mapstructure:"telemetry" json:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.body_limit", 1<<20)

	v.SetDefault("database.dsn", "file:linkd.db?cache=shared")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.debug", false)
	v.SetDefault("database.ping_timeout", 5*time.Second)
	v.SetDefault("database.fixtures", "")

	v.SetDefault("code_store.backend", CodeStoreMemory)
	v.SetDefault("code_store.sweep_interval", 30*time.Second)

	v.SetDefault("session.signing_key", "")
	v.SetDefault("session.ttl", session.DefaultTTL)
	v.SetDefault("session.issuer", "linkd")
	v.SetDefault("session.audience", []string{})

	v.SetDefault("providers.keys", map[string]string{})
	v.SetDefault("providers.audience", "linkd")

	v.SetDefault("linking.pairing_ttl", linking.DefaultPairingTTL)
	v.SetDefault("linking.device_login_ttl", linking.DefaultDeviceLoginTTL)
	v.SetDefault("linking.pairing_code_bytes", linking.DefaultPairingCodeBytes)
	v.SetDefault("linking.short_code_digits", linking.DefaultShortCodeDigits)
	v.SetDefault("linking.qr_token_bytes", linking.DefaultQRTokenBytes)
	v.SetDefault("linking.operator_ticket.code", "")
	v.SetDefault("linking.operator_ticket.owner_id", "")

	v.SetDefault("features.pairing", true)
	v.SetDefault("features.device_login", true)

	v.SetDefault("tasks.workers", 2)
	v.SetDefault("tasks.queue_size", 64)

	v.SetDefault("media.dir", "")
	v.SetDefault("media.max_bytes", 2<<20)
	v.SetDefault("media.timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "linkd")
	v.SetDefault("telemetry.insecure", false)
}

// Load reads path when it is not empty, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to read config file").
				WithTextCode("CONFIG_READ_FAILED").
				WithMetadata(map[string]any{"path": path})
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to decode config").
			WithTextCode("CONFIG_DECODE_FAILED")
	}
	cfg.Linking = cfg.Linking.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid config").
			WithTextCode("CONFIG_INVALID")
	}
	return &cfg, nil
}

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Database),
		validation.Field(&c.CodeStore),
		validation.Field(&c.Session, validation.By(validSession)),
		validation.Field(&c.Linking),
		validation.Field(&c.Tasks),
		validation.Field(&c.Media),
		validation.Field(&c.Log),
		validation.Field(&c.Telemetry),
	)
}

func validSession(value interface{}) error {
	s, _ := value.(session.Config)
	return validation.ValidateStruct(&s,
		validation.Field(&s.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&s.TTL, validation.Min(time.Minute)),
	)
}

func (s Server) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Addr, validation.Required),
		validation.Field(&s.ShutdownTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.BodyLimit, validation.Min(0)),
	)
}

func (d Database) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.DSN, validation.Required),
		validation.Field(&d.PingTimeout, validation.Min(time.Duration(0))),
	)
}

func (c CodeStore) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(CodeStoreMemory, CodeStoreSQL)),
		validation.Field(&c.SweepInterval, validation.Min(time.Duration(0))),
	)
}

func (t Tasks) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&t.QueueSize, validation.Min(0)),
	)
}

func (m Media) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MaxBytes, validation.Min(0)),
		validation.Field(&m.Timeout, validation.Min(time.Duration(0))),
	)
}

func (l Log) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("console", "pretty")),
	)
}

func (t Telemetry) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Endpoint, is.DialString),
	)
}

// FeatureGate returns a static gate over the configured flags.
func (c Config) FeatureGate() linking.StaticFeatureGate {
	return linking.StaticFeatureGate{
		linking.FeaturePairing:     c.Features.Pairing,
		linking.FeatureDeviceLogin: c.Features.DeviceLogin,
	}
}

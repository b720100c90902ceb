package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/credentials/ldapstore"
)

// fileConfig is the on-disk TOML layout. Durations are strings such as "5m".
type fileConfig struct {
	Server struct {
		Address         string        `toml:"address"`
		ReadTimeout     time.Duration `toml:"read_timeout"`
		WriteTimeout    time.Duration `toml:"write_timeout"`
		ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
		CookieSecure    bool          `toml:"cookie_secure"`
		CookieDomain    string        `toml:"cookie_domain"`
	} `toml:"server"`

	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"log"`

	Redis struct {
		Address  string `toml:"address"`
		Username string `toml:"username"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`

	AuthenticationBackend struct {
		Type string `toml:"type"`
		File struct {
			Path  string `toml:"path"`
			Watch bool   `toml:"watch"`
		} `toml:"file"`
		LDAP struct {
			URL                  string        `toml:"url"`
			StartTLS             bool          `toml:"start_tls"`
			TLSSkipVerify        bool          `toml:"tls_skip_verify"`
			Timeout              time.Duration `toml:"timeout"`
			BaseDN               string        `toml:"base_dn"`
			AdditionalUsersDN    string        `toml:"additional_users_dn"`
			AdditionalGroupsDN   string        `toml:"additional_groups_dn"`
			UsersFilter          string        `toml:"users_filter"`
			GroupsFilter         string        `toml:"groups_filter"`
			UsernameAttribute    string        `toml:"username_attribute"`
			MailAttribute        string        `toml:"mail_attribute"`
			DisplayNameAttribute string        `toml:"display_name_attribute"`
			GroupNameAttribute   string        `toml:"group_name_attribute"`
			User                 string        `toml:"user"`
			Password             string        `toml:"password"`
			PasswordModifyMode   string        `toml:"password_modify_mode"`
		} `toml:"ldap"`
	} `toml:"authentication_backend"`

	Storage struct {
		SQLitePath string `toml:"sqlite_path"`
		// TraceLog is "redis" or "sqlite".
		TraceLog string `toml:"trace_log"`
	} `toml:"storage"`

	Session struct {
		IdleTimeout           time.Duration `toml:"idle_timeout"`
		AbsoluteLifetime      time.Duration `toml:"absolute_lifetime"`
		SlidingExpiration     *bool         `toml:"sliding_expiration"`
		RotateOnFirstFactor   *bool         `toml:"rotate_on_first_factor"`
		SafeRedirectionDomain string        `toml:"safe_redirection_domain"`
	} `toml:"session"`

	Regulation struct {
		Enabled     *bool         `toml:"enabled"`
		MaxAttempts int           `toml:"max_attempts"`
		Window      time.Duration `toml:"window"`
	} `toml:"regulation"`

	TOTP struct {
		Issuer    string `toml:"issuer"`
		Algorithm string `toml:"algorithm"`
		Digits    int    `toml:"digits"`
		Period    int    `toml:"period"`
		Skew      *uint  `toml:"skew"`
	} `toml:"totp"`

	WebAuthn struct {
		RPID             string        `toml:"rp_id"`
		RPDisplayName    string        `toml:"rp_display_name"`
		RPOrigins        []string      `toml:"rp_origins"`
		Timeout          time.Duration `toml:"timeout"`
		UserVerification string        `toml:"user_verification"`
	} `toml:"webauthn"`

	IdentityValidation struct {
		BaseURL     string        `toml:"base_url"`
		TokenMaxAge time.Duration `toml:"token_max_age"`
	} `toml:"identity_validation"`

	Link struct {
		SigningMethod string `toml:"signing_method"`
		// Keys are base64 (standard encoding). For hs256 only PrivateKey is
		// read and holds the shared secret.
		PrivateKey string `toml:"private_key"`
		PublicKey  string `toml:"public_key"`
		KeyID      string `toml:"key_id"`
		// VerifyKeys maps key IDs to base64 public keys accepted during a
		// rotation.
		VerifyKeys map[string]string `toml:"verify_keys"`
	} `toml:"link"`

	Password struct {
		MinLength int `toml:"min_length"`
		MaxLength int `toml:"max_length"`
		Rounds    int `toml:"rounds"`
	} `toml:"password"`

	Notifier struct {
		Filesystem struct {
			Path string `toml:"path"`
		} `toml:"filesystem"`
	} `toml:"notifier"`

	Audit struct {
		Enabled    bool `toml:"enabled"`
		BufferSize int  `toml:"buffer_size"`
	} `toml:"audit"`

	Metrics struct {
		Enabled           bool   `toml:"enabled"`
		LatencyHistograms bool   `toml:"latency_histograms"`
		Path              string `toml:"path"`
	} `toml:"metrics"`

	ProductionMode bool `toml:"production_mode"`
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.Server.Address = ":9091"
	fc.Server.ReadTimeout = 10 * time.Second
	fc.Server.WriteTimeout = 10 * time.Second
	fc.Server.ShutdownTimeout = 15 * time.Second
	fc.Server.CookieSecure = true
	fc.Log.Level = "info"
	fc.Redis.Address = "localhost:6379"
	fc.AuthenticationBackend.Type = "file"
	fc.AuthenticationBackend.File.Path = "users.yml"
	fc.Storage.SQLitePath = "authgate.db"
	fc.Storage.TraceLog = "redis"
	fc.Notifier.Filesystem.Path = "notification.txt"
	fc.Metrics.Path = "/metrics"
	return fc
}

// loadConfig reads path over the defaults. Unknown keys are an error so that
// typos do not silently fall back to defaults.
func loadConfig(path string) (fileConfig, error) {
	fc := defaultFileConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return fc, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fc, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return fc, fc.validate()
}

func (fc fileConfig) validate() error {
	switch fc.AuthenticationBackend.Type {
	case "file":
		if fc.AuthenticationBackend.File.Path == "" {
			return errors.New("authentication_backend.file.path is required")
		}
	case "ldap":
		if fc.AuthenticationBackend.LDAP.URL == "" {
			return errors.New("authentication_backend.ldap.url is required")
		}
	default:
		return fmt.Errorf("authentication_backend.type %q is not supported", fc.AuthenticationBackend.Type)
	}
	switch fc.Storage.TraceLog {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("storage.trace_log %q is not supported", fc.Storage.TraceLog)
	}
	if fc.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required")
	}
	if fc.Notifier.Filesystem.Path == "" {
		return errors.New("notifier.filesystem.path is required")
	}
	return nil
}

// engineConfig overlays the file settings on [authgate.DefaultConfig]. Zero
// values keep the engine default.
func (fc fileConfig) engineConfig() (authgate.Config, error) {
	cfg := authgate.DefaultConfig()

	s := fc.Session
	if s.IdleTimeout > 0 {
		cfg.Session.IdleTimeout = s.IdleTimeout
	}
	if s.AbsoluteLifetime > 0 {
		cfg.Session.AbsoluteLifetime = s.AbsoluteLifetime
	}
	if s.SlidingExpiration != nil {
		cfg.Session.SlidingExpiration = *s.SlidingExpiration
	}
	if s.RotateOnFirstFactor != nil {
		cfg.Session.RotateOnFirstFactor = *s.RotateOnFirstFactor
	}
	cfg.Session.SafeRedirectionDomain = s.SafeRedirectionDomain

	if fc.Regulation.Enabled != nil {
		cfg.Regulation.Enabled = *fc.Regulation.Enabled
	}
	if fc.Regulation.MaxAttempts > 0 {
		cfg.Regulation.MaxAttempts = fc.Regulation.MaxAttempts
	}
	if fc.Regulation.Window > 0 {
		cfg.Regulation.Window = fc.Regulation.Window
	}

	t := fc.TOTP
	if t.Issuer != "" {
		cfg.TOTP.Issuer = t.Issuer
	}
	if t.Algorithm != "" {
		cfg.TOTP.Algorithm = t.Algorithm
	}
	if t.Digits > 0 {
		cfg.TOTP.Digits = t.Digits
	}
	if t.Period > 0 {
		cfg.TOTP.Period = t.Period
	}
	if t.Skew != nil {
		cfg.TOTP.Skew = *t.Skew
	}

	w := fc.WebAuthn
	cfg.WebAuthn.RPID = w.RPID
	cfg.WebAuthn.RPOrigins = append([]string(nil), w.RPOrigins...)
	if w.RPDisplayName != "" {
		cfg.WebAuthn.RPDisplayName = w.RPDisplayName
	}
	if w.Timeout > 0 {
		cfg.WebAuthn.Timeout = w.Timeout
	}
	if w.UserVerification != "" {
		cfg.WebAuthn.UserVerification = w.UserVerification
	}

	cfg.IdentityValidation.BaseURL = fc.IdentityValidation.BaseURL
	if fc.IdentityValidation.TokenMaxAge > 0 {
		cfg.IdentityValidation.TokenMaxAge = fc.IdentityValidation.TokenMaxAge
	}

	if fc.Link.SigningMethod != "" {
		cfg.Link.SigningMethod = fc.Link.SigningMethod
	}
	cfg.Link.KeyID = fc.Link.KeyID
	var err error
	if cfg.Link.PrivateKey, err = decodeKey("link.private_key", fc.Link.PrivateKey); err != nil {
		return cfg, err
	}
	if cfg.Link.PublicKey, err = decodeKey("link.public_key", fc.Link.PublicKey); err != nil {
		return cfg, err
	}
	for kid, v := range fc.Link.VerifyKeys {
		key, err := decodeKey("link.verify_keys."+kid, v)
		if err != nil {
			return cfg, err
		}
		if cfg.Link.VerifyKeys == nil {
			cfg.Link.VerifyKeys = make(map[string][]byte, len(fc.Link.VerifyKeys))
		}
		cfg.Link.VerifyKeys[kid] = key
	}

	if fc.Password.MinLength > 0 {
		cfg.Password.MinLength = fc.Password.MinLength
	}
	if fc.Password.MaxLength > 0 {
		cfg.Password.MaxLength = fc.Password.MaxLength
	}
	if fc.Password.Rounds > 0 {
		cfg.Password.Hashing.Rounds = fc.Password.Rounds
	}

	cfg.Audit.Enabled = fc.Audit.Enabled
	if fc.Audit.BufferSize > 0 {
		cfg.Audit.BufferSize = fc.Audit.BufferSize
	}
	cfg.Metrics.Enabled = fc.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = fc.Metrics.LatencyHistograms
	cfg.Security.ProductionMode = fc.ProductionMode

	return cfg, cfg.Validate()
}

func (fc fileConfig) ldapConfig() ldapstore.Config {
	l := fc.AuthenticationBackend.LDAP
	cfg := ldapstore.DefaultConfig()
	cfg.URL = l.URL
	cfg.StartTLS = l.StartTLS
	cfg.TLSSkipVerify = l.TLSSkipVerify
	cfg.BaseDN = l.BaseDN
	cfg.AdditionalUsersDN = l.AdditionalUsersDN
	cfg.AdditionalGroupsDN = l.AdditionalGroupsDN
	cfg.User = l.User
	cfg.Password = l.Password
	if l.Timeout > 0 {
		cfg.Timeout = l.Timeout
	}
	setIfNotEmpty(&cfg.UsersFilter, l.UsersFilter)
	setIfNotEmpty(&cfg.GroupsFilter, l.GroupsFilter)
	setIfNotEmpty(&cfg.UsernameAttribute, l.UsernameAttribute)
	setIfNotEmpty(&cfg.MailAttribute, l.MailAttribute)
	setIfNotEmpty(&cfg.DisplayNameAttribute, l.DisplayNameAttribute)
	setIfNotEmpty(&cfg.GroupNameAttribute, l.GroupNameAttribute)
	setIfNotEmpty(&cfg.PasswordModifyMode, l.PasswordModifyMode)
	return cfg
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func decodeKey(name, v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

package authgate

import (
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/MrEthical07/authgate/secondfactor"
)

type totpManager struct {
	config TOTPConfig
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	cfg.Algorithm = strings.ToUpper(cfg.Algorithm)
	return &totpManager{config: cfg}
}

// Generate creates a fresh secret for account and returns the stored
// configuration together with its otpauth:// provisioning URI.
func (m *totpManager) Generate(account string, now time.Time) (secondfactor.TOTPConfig, string, error) {
	if m == nil {
		return secondfactor.TOTPConfig{}, "", ErrEngineNotReady
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      uint(m.config.Period),
		SecretSize:  m.config.SecretSize,
		Digits:      otpDigits(m.config.Digits),
		Algorithm:   otpAlgorithm(m.config.Algorithm),
	})
	if err != nil {
		return secondfactor.TOTPConfig{}, "", err
	}

	cfg := secondfactor.TOTPConfig{
		Username:  account,
		Secret:    key.Secret(),
		Algorithm: m.config.Algorithm,
		Digits:    m.config.Digits,
		Period:    m.config.Period,
		CreatedAt: now,
	}
	return cfg, key.URL(), nil
}

// Validate checks code against cfg at t, accepting config.Skew steps on
// either side. A code of the wrong length is a mismatch, not an error.
func (m *totpManager) Validate(code string, cfg *secondfactor.TOTPConfig, t time.Time) (bool, error) {
	if m == nil {
		return false, ErrEngineNotReady
	}
	if cfg == nil || cfg.Secret == "" {
		return false, secondfactor.ErrNotFound
	}

	period := cfg.Period
	if period <= 0 {
		period = m.config.Period
	}
	digits := cfg.Digits
	if digits <= 0 {
		digits = m.config.Digits
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = m.config.Algorithm
	}

	ok, err := totp.ValidateCustom(strings.TrimSpace(code), cfg.Secret, t.UTC(), totp.ValidateOpts{
		Period:    uint(period),
		Skew:      m.config.Skew,
		Digits:    otpDigits(digits),
		Algorithm: otpAlgorithm(alg),
	})
	if err != nil {
		if errors.Is(err, otp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func otpDigits(n int) otp.Digits {
	if n == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

func otpAlgorithm(name string) otp.Algorithm {
	switch strings.ToUpper(name) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}

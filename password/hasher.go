package password

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
)

// Algorithm names a digest scheme. The value is the tag embedded in the digest.
type Algorithm string

const (
	// PBKDF2SHA512 is the default scheme.
	PBKDF2SHA512 Algorithm = "pbkdf2-sha512"
	// PBKDF2SHA256 is accepted for verification and hashing.
	PBKDF2SHA256 Algorithm = "pbkdf2-sha256"
	// Argon2id is the memory-hard scheme.
	Argon2id Algorithm = "argon2id"
)

const (
	// DefaultRounds is the PBKDF2 iteration count used when Config.Rounds is zero.
	DefaultRounds = 500000
	// DefaultSaltLength is the salt size in bytes used when Config.SaltLength is zero.
	DefaultSaltLength = 16
	// DefaultMaxPasswordBytes bounds the plaintext length accepted by Hash and Verify.
	DefaultMaxPasswordBytes = 1024

	minRounds     = 1000
	minSaltLength = 8
	minKeyLength  = 16
)

// Config selects the scheme and cost used for new digests.
type Config struct {
	Algorithm        Algorithm
	Rounds           int
	SaltLength       int
	KeyLength        int
	MaxPasswordBytes int
	Argon2           Argon2Params
}

// Argon2Params holds the argon2id cost parameters.
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
}

// DefaultConfig returns the pbkdf2-sha512 policy with 500000 rounds and a 16 byte salt.
func DefaultConfig() Config {
	return Config{
		Algorithm:        PBKDF2SHA512,
		Rounds:           DefaultRounds,
		SaltLength:       DefaultSaltLength,
		KeyLength:        64,
		MaxPasswordBytes: DefaultMaxPasswordBytes,
		Argon2: Argon2Params{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
		},
	}
}

// Hasher produces digests under a fixed policy. It is safe for concurrent use.
type Hasher struct {
	config Config
}

// New validates cfg, fills zero fields from DefaultConfig and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	def := DefaultConfig()
	if cfg.Algorithm == "" {
		cfg.Algorithm = def.Algorithm
	}
	if cfg.Rounds == 0 {
		cfg.Rounds = def.Rounds
	}
	if cfg.SaltLength == 0 {
		cfg.SaltLength = def.SaltLength
	}
	if cfg.KeyLength == 0 {
		cfg.KeyLength = keyLengthFor(cfg.Algorithm)
	}
	if cfg.MaxPasswordBytes == 0 {
		cfg.MaxPasswordBytes = def.MaxPasswordBytes
	}
	if cfg.Argon2 == (Argon2Params{}) {
		cfg.Argon2 = def.Argon2
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Hasher{config: cfg}, nil
}

// Config returns the effective policy.
func (h *Hasher) Config() Config {
	return h.config
}

// Hash digests password with a fresh random salt under the configured policy.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) > h.config.MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	switch h.config.Algorithm {
	case Argon2id:
		return hashArgon2id(password, salt, h.config.Argon2, uint32(h.config.KeyLength)), nil
	default:
		return hashPBKDF2(h.config.Algorithm, password, salt, h.config.Rounds, h.config.KeyLength)
	}
}

// HashWithSalt digests password with PBKDF2-SHA512 using the given rounds and salt.
// It exists for deterministic fixtures; production code should call Hash.
func HashWithSalt(password string, rounds int, salt []byte) (string, error) {
	if rounds < 1 {
		return "", errors.New("rounds must be positive")
	}
	if len(salt) == 0 {
		return "", errors.New("salt required")
	}
	return hashPBKDF2(PBKDF2SHA512, password, salt, rounds, keyLengthFor(PBKDF2SHA512))
}

// Verify reports whether password matches digest. Malformed digests never match.
func Verify(password, digest string) bool {
	ok, err := Check(password, digest)
	return err == nil && ok
}

// Check is Verify with the parse failure surfaced as ErrMalformedDigest or
// ErrUnsupportedAlgorithm.
func Check(password, digest string) (bool, error) {
	return check(password, digest, DefaultMaxPasswordBytes)
}

// Check is the package level Check bounded by the hasher's MaxPasswordBytes
// instead of the default.
func (h *Hasher) Check(password, digest string) (bool, error) {
	return check(password, digest, h.config.MaxPasswordBytes)
}

func check(password, digest string, maxBytes int) (bool, error) {
	if maxBytes > 0 && len(password) > maxBytes {
		return false, nil
	}

	switch algorithmOf(digest) {
	case PBKDF2SHA512, PBKDF2SHA256:
		parsed, err := parsePBKDF2(digest)
		if err != nil {
			return false, err
		}
		return parsed.matches(password), nil
	case Argon2id:
		parsed, err := parseArgon2id(digest)
		if err != nil {
			return false, err
		}
		return parsed.matches(password), nil
	case "":
		return false, ErrMalformedDigest
	default:
		return false, ErrUnsupportedAlgorithm
	}
}

// NeedsRehash reports whether digest was produced by a different scheme or weaker
// parameters than the hasher's policy. Malformed digests always need a rehash.
func (h *Hasher) NeedsRehash(digest string) bool {
	alg := algorithmOf(digest)
	if alg != h.config.Algorithm {
		return true
	}

	switch alg {
	case Argon2id:
		parsed, err := parseArgon2id(digest)
		if err != nil {
			return true
		}
		return parsed.params.Memory < h.config.Argon2.Memory ||
			parsed.params.Time < h.config.Argon2.Time ||
			parsed.params.Parallelism < h.config.Argon2.Parallelism ||
			len(parsed.key) != h.config.KeyLength
	default:
		parsed, err := parsePBKDF2(digest)
		if err != nil {
			return true
		}
		return parsed.rounds < h.config.Rounds || len(parsed.key) != h.config.KeyLength
	}
}

func algorithmOf(digest string) Algorithm {
	if !strings.HasPrefix(digest, "$") {
		return ""
	}
	rest := digest[1:]
	end := strings.IndexByte(rest, '$')
	if end <= 0 {
		return ""
	}
	return Algorithm(rest[:end])
}

func keyLengthFor(alg Algorithm) int {
	switch alg {
	case PBKDF2SHA256, Argon2id:
		return 32
	default:
		return 64
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Algorithm {
	case PBKDF2SHA512, PBKDF2SHA256:
		if cfg.Rounds < minRounds {
			return errors.New("password rounds must be >= 1000")
		}
	case Argon2id:
		if err := validateArgon2Params(cfg.Argon2); err != nil {
			return err
		}
	default:
		return ErrUnsupportedAlgorithm
	}
	if cfg.SaltLength < minSaltLength {
		return errors.New("password salt length must be >= 8")
	}
	if cfg.KeyLength < minKeyLength {
		return errors.New("password key length must be >= 16")
	}
	if cfg.MaxPasswordBytes < 0 {
		return errors.New("password max bytes must not be negative")
	}
	return nil
}

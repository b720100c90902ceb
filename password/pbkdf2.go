package password

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

type parsedPBKDF2 struct {
	alg    Algorithm
	rounds int
	salt   []byte
	key    []byte
}

func pbkdf2Hash(alg Algorithm) func() hash.Hash {
	if alg == PBKDF2SHA256 {
		return sha256.New
	}
	return sha512.New
}

func hashPBKDF2(alg Algorithm, password string, salt []byte, rounds, keyLength int) (string, error) {
	key := pbkdf2.Key([]byte(password), salt, rounds, keyLength, pbkdf2Hash(alg))

	return fmt.Sprintf(
		"$%s$%d$%s$%s",
		alg,
		rounds,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

func parsePBKDF2(digest string) (*parsedPBKDF2, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 5 || parts[0] != "" {
		return nil, ErrMalformedDigest
	}

	alg := Algorithm(parts[1])
	if alg != PBKDF2SHA512 && alg != PBKDF2SHA256 {
		return nil, ErrUnsupportedAlgorithm
	}

	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds < 1 {
		return nil, ErrMalformedDigest
	}

	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(salt) == 0 {
		return nil, ErrMalformedDigest
	}

	key, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(key) < minKeyLength {
		return nil, ErrMalformedDigest
	}

	return &parsedPBKDF2{alg: alg, rounds: rounds, salt: salt, key: key}, nil
}

func (p *parsedPBKDF2) matches(password string) bool {
	computed := pbkdf2.Key([]byte(password), p.salt, p.rounds, len(p.key), pbkdf2Hash(p.alg))
	return subtle.ConstantTimeCompare(computed, p.key) == 1
}

package password

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
)

type parsedArgon2 struct {
	params Argon2Params
	salt   []byte
	key    []byte
}

func hashArgon2id(password string, salt []byte, p Argon2Params, keyLength uint32) string {
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, keyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		Argon2id,
		argon2.Version,
		p.Memory,
		p.Time,
		p.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	)
}

func (p *parsedArgon2) matches(password string) bool {
	computed := argon2.IDKey(
		[]byte(password),
		p.salt,
		p.params.Time,
		p.params.Memory,
		p.params.Parallelism,
		uint32(len(p.key)),
	)
	return subtle.ConstantTimeCompare(computed, p.key) == 1
}

func parseArgon2id(digest string) (*parsedArgon2, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrMalformedDigest
	}
	if Algorithm(parts[1]) != Argon2id {
		return nil, ErrUnsupportedAlgorithm
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, ErrMalformedDigest
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, ErrMalformedDigest
	}

	params, err := parseArgon2Params(parts[3])
	if err != nil {
		return nil, ErrMalformedDigest
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return nil, ErrMalformedDigest
	}

	key, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, ErrMalformedDigest
	}

	return &parsedArgon2{params: params, salt: salt, key: key}, nil
}

func parseArgon2Params(part string) (Argon2Params, error) {
	var params Argon2Params

	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return params, errors.New("invalid parameter format")
	}

	var memorySet, timeSet, parallelismSet bool
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return params, errors.New("invalid parameter entry")
		}

		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return params, errors.New("invalid memory parameter")
			}
			params.Memory = uint32(v)
			memorySet = true
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return params, errors.New("invalid time parameter")
			}
			params.Time = uint32(v)
			timeSet = true
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return params, errors.New("invalid parallelism parameter")
			}
			params.Parallelism = uint8(v)
			parallelismSet = true
		default:
			return params, errors.New("unsupported parameter")
		}
	}

	if !memorySet || !timeSet || !parallelismSet {
		return params, errors.New("missing parameters")
	}
	return params, nil
}

func validateArgon2Params(p Argon2Params) error {
	if p.Memory < minMemoryKB {
		return errors.New("password memory must be >= 8192 KB")
	}
	if p.Time < minTimeCost {
		return errors.New("password time must be >= 1")
	}
	if p.Parallelism < minParallelism {
		return errors.New("password parallelism must be >= 1")
	}
	return nil
}

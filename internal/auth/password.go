package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
)

var errMalformedHash = errors.New("operator_password_hash is not an argon2id PHC string")

// PasswordHasher produces and checks the PHC strings stored in
// operator_password_hash.
type PasswordHasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

func NewPasswordHasher() *PasswordHasher {
	return &PasswordHasher{
		memory:      64 * 1024, // KiB, the cell PC is small
		iterations:  3,
		parallelism: uint8(min(runtime.NumCPU(), 4)),
		saltLength:  16,
		keyLength:   32,
	}
}

// phc is one decoded $argon2id$v=19$m=..,t=..,p=..$salt$key string.
type phc struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (p phc) String() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.iterations, p.parallelism,
		b64.EncodeToString(p.salt), b64.EncodeToString(p.key))
}

func parsePHC(s string) (phc, error) {
	var p phc
	fields := strings.Split(strings.TrimPrefix(s, "$"), "$")
	if len(fields) != 5 || fields[0] != "argon2id" {
		return p, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[1], "v=%d", &version); err != nil {
		return p, errMalformedHash
	}
	if version != argon2.Version {
		return p, fmt.Errorf("argon2 version %d not supported", version)
	}
	if _, err := fmt.Sscanf(fields[2], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, fmt.Errorf("argon2 parameters %q: %w", fields[2], err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(fields[3]); err != nil {
		return p, fmt.Errorf("argon2 salt: %w", err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return p, fmt.Errorf("argon2 key: %w", err)
	}
	if len(p.key) == 0 {
		return p, errMalformedHash
	}
	return p, nil
}

// HashPassword derives an argon2id key with a fresh salt.
func (ph *PasswordHasher) HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}

	p := phc{memory: ph.memory, iterations: ph.iterations, parallelism: ph.parallelism}
	p.salt = make([]byte, ph.saltLength)
	if _, err := rand.Read(p.salt); err != nil {
		return "", fmt.Errorf("reading salt: %w", err)
	}
	p.key = argon2.IDKey([]byte(password), p.salt, p.iterations, p.memory, p.parallelism, ph.keyLength)
	return p.String(), nil
}

// VerifyPassword re-derives the key with the parameters stored in
// encodedHash, so hashes made with other settings keep working.
func (ph *PasswordHasher) VerifyPassword(password, encodedHash string) (bool, error) {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(p.key, key) == 1, nil
}

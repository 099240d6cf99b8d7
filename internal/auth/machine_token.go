package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	machineTokenPrefix = "mt_"
	secretBytes        = 32
)

// MachineTokenGenerator handles the tokens a supervising system (MES, cell
// PLC gateway) uses to send stop and abort without an operator login.
// Only sha256 hashes end up in machine_token_hashes.
type MachineTokenGenerator struct{}

func NewMachineTokenGenerator() *MachineTokenGenerator {
	return &MachineTokenGenerator{}
}

// GenerateMachineToken returns a token of the form mt_<uuid>_<hex secret>
// together with its configured hash.
func (m *MachineTokenGenerator) GenerateMachineToken() (token, hash string, err error) {
	secret := make([]byte, secretBytes)
	if _, err = rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("reading token secret: %w", err)
	}

	var b strings.Builder
	b.WriteString(machineTokenPrefix)
	b.WriteString(uuid.NewString())
	b.WriteByte('_')
	b.WriteString(hex.EncodeToString(secret))

	token = b.String()
	return token, m.HashToken(token), nil
}

func (m *MachineTokenGenerator) HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (m *MachineTokenGenerator) ValidateTokenFormat(token string) bool {
	body, ok := strings.CutPrefix(token, machineTokenPrefix)
	if !ok {
		return false
	}
	id, secret, ok := strings.Cut(body, "_")
	if !ok || len(secret) != 2*secretBytes {
		return false
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return false
	}
	return uuid.Validate(id) == nil
}

// Matches checks token against every configured hash without stopping at
// the first hit.
func (m *MachineTokenGenerator) Matches(token string, hashes []string) bool {
	if !m.ValidateTokenFormat(token) {
		return false
	}
	sum := []byte(m.HashToken(token))
	hit := 0
	for _, h := range hashes {
		hit |= subtle.ConstantTimeCompare(sum, []byte(strings.ToLower(h)))
	}
	return hit == 1
}

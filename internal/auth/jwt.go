package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "machine-tending"

// JWTClaims identify whoever sends stop/abort commands to the cell.
type JWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTHandler signs and checks HS256 access tokens. There are no refresh
// tokens, an expired token means a new login.
type JWTHandler struct {
	key    []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

func NewJWTHandler(secretKey string, accessTTL time.Duration) *JWTHandler {
	return &JWTHandler{
		key: []byte(secretKey),
		ttl: accessTTL,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}
}

func (j *JWTHandler) GenerateAccessToken(username, role string) (string, time.Time, error) {
	issued := j.now()
	expires := issued.Add(j.ttl)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}).SignedString(j.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expires, nil
}

func (j *JWTHandler) ValidateAccessToken(raw string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	if _, err := j.parser.ParseWithClaims(raw, claims, j.keyFunc); err != nil {
		return nil, fmt.Errorf("access token rejected: %w", err)
	}
	if claims.Role == "" {
		return nil, errors.New("access token carries no role")
	}
	return claims, nil
}

func (j *JWTHandler) keyFunc(*jwt.Token) (any, error) {
	return j.key, nil
}

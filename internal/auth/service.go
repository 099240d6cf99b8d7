package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/MachineTending/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermMonitor  Permission = "monitor"
	PermOperator Permission = "operator"
	PermAdmin    Permission = "admin"
)

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("operator login not configured")
	ErrInvalidToken       = errors.New("invalid token")
	ErrJWTDisabled        = errors.New("JWT secret not configured")
)

// AuthService authenticates the single configured operator and machine
// tokens. There is no user store; credentials come from the app config.
// Without a usable JWT secret only machine tokens are accepted.
type AuthService struct {
	jwtHandler      *JWTHandler
	passwordHasher  *PasswordHasher
	machineTokenGen *MachineTokenGenerator
	logger          *zap.Logger

	operatorUsername     string
	operatorPasswordHash string
	machineTokenHashes   []string
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	a := &AuthService{
		passwordHasher:       NewPasswordHasher(),
		machineTokenGen:      NewMachineTokenGenerator(),
		logger:               logger,
		operatorUsername:     cfg.OperatorUsername,
		operatorPasswordHash: cfg.OperatorPasswordHash,
		machineTokenHashes:   cfg.MachineTokenHashes,
	}

	if cfg.IsProductionReady() {
		a.jwtHandler = NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL)
	} else {
		logger.Warn("JWT secret not set or too short, operator login and access tokens disabled",
			zap.String("env", cfg.SecretEnv()))
	}
	return a
}

// Login checks the operator credentials and returns an access token.
func (a *AuthService) Login(_ context.Context, username, password, ipAddress string) (string, time.Time, error) {
	if a.operatorPasswordHash == "" || a.jwtHandler == nil {
		return "", time.Time{}, ErrLoginDisabled
	}

	if username != a.operatorUsername {
		a.logAuthEvent("user_login_failed", username, ipAddress, "unknown user")
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, a.operatorPasswordHash)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("operator password hash: %w", err)
	}
	if !valid {
		a.logAuthEvent("user_login_failed", username, ipAddress, "invalid password")
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtHandler.GenerateAccessToken(username, RoleOperator)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logAuthEvent("user_login_success", username, ipAddress, "")
	return token, expiresAt, nil
}

// IssueToken signs a token for role without a password check. It backs
// the CLI for provisioning admin tokens.
func (a *AuthService) IssueToken(username, role string) (string, time.Time, error) {
	if a.jwtHandler == nil {
		return "", time.Time{}, ErrJWTDisabled
	}
	return a.jwtHandler.GenerateAccessToken(username, role)
}

// ValidateMachineToken checks a machine token against the configured hashes.
func (a *AuthService) ValidateMachineToken(token string) ([]Permission, error) {
	if !a.machineTokenGen.Matches(token, a.machineTokenHashes) {
		return nil, ErrInvalidToken
	}
	return []Permission{PermMonitor, PermOperator}, nil
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *AuthService) ValidateToken(_ context.Context, token string) ([]Permission, error) {
	if claims, err := a.validateJWT(token); err == nil {
		return roleToPermissions(claims.Role), nil
	}
	return a.ValidateMachineToken(token)
}

func (a *AuthService) validateJWT(token string) (*JWTClaims, error) {
	if a.jwtHandler == nil {
		return nil, ErrJWTDisabled
	}
	return a.jwtHandler.ValidateAccessToken(token)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermMonitor, PermOperator, PermAdmin}
	case RoleOperator:
		return []Permission{PermMonitor, PermOperator}
	default:
		return []Permission{PermMonitor}
	}
}

func (a *AuthService) logAuthEvent(event, username, ip, reason string) {
	a.logger.Info("Auth event",
		zap.String("event", event),
		zap.String("username", username),
		zap.String("ip", ip),
		zap.String("reason", reason))
}

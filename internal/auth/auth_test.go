package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/MachineTending/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

// testHasher keeps argon2 cheap in tests.
func testHasher() *PasswordHasher {
	return &PasswordHasher{memory: 1024, iterations: 1, parallelism: 1, saltLength: 16, keyLength: 32}
}

func newTestService(t *testing.T, password string, tokenHashes ...string) *AuthService {
	t.Helper()
	t.Setenv("MT_TEST_JWT_SECRET", testSecret)

	var hash string
	if password != "" {
		var err error
		hash, err = testHasher().HashPassword(password)
		require.NoError(t, err)
	}

	svc := NewAuthService(config.AuthConfig{
		JWTSecretEnv:         "MT_TEST_JWT_SECRET",
		AccessTokenTTL:       time.Minute,
		OperatorUsername:     "operator",
		OperatorPasswordHash: hash,
		MachineTokenHashes:   tokenHashes,
	}, zap.NewNop())
	svc.passwordHasher = testHasher()
	return svc
}

func TestPasswordRoundTrip(t *testing.T) {
	h := testHasher()
	hash, err := h.HashPassword("s3cret")
	require.NoError(t, err)

	ok, err := h.VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.VerifyPassword("s3cret", "$bcrypt$nope")
	assert.Error(t, err)

	_, err = h.HashPassword("")
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	svc := newTestService(t, "s3cret")
	ctx := context.Background()

	token, expiresAt, err := svc.Login(ctx, "operator", "s3cret", "127.0.0.1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	perms, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermMonitor, PermOperator}, perms)

	_, _, err = svc.Login(ctx, "operator", "wrong", "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "admin", "s3cret", "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	svc := newTestService(t, "")
	_, _, err := svc.Login(context.Background(), "operator", "anything", "")
	assert.ErrorIs(t, err, ErrLoginDisabled)
}

func TestJWTRejectsForeignSecret(t *testing.T) {
	other := NewJWTHandler("another-secret-another-secret-xx", time.Minute)
	token, _, err := other.GenerateAccessToken("operator", RoleAdmin)
	require.NoError(t, err)

	svc := newTestService(t, "")
	_, err = svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMissingSecretDisablesJWT(t *testing.T) {
	t.Setenv("MT_TEST_NO_SECRET", "")
	hash, err := testHasher().HashPassword("s3cret")
	require.NoError(t, err)
	token, _, err := NewMachineTokenGenerator().GenerateMachineToken()
	require.NoError(t, err)

	svc := NewAuthService(config.AuthConfig{
		JWTSecretEnv:         "MT_TEST_NO_SECRET",
		AccessTokenTTL:       time.Minute,
		OperatorUsername:     "operator",
		OperatorPasswordHash: hash,
		MachineTokenHashes:   []string{NewMachineTokenGenerator().HashToken(token)},
	}, zap.NewNop())
	svc.passwordHasher = testHasher()
	ctx := context.Background()

	_, _, err = svc.Login(ctx, "operator", "s3cret", "127.0.0.1")
	assert.ErrorIs(t, err, ErrLoginDisabled)

	_, _, err = svc.IssueToken("operator", RoleAdmin)
	assert.ErrorIs(t, err, ErrJWTDisabled)

	// A token signed with an empty or well-known key must not pass.
	for _, key := range []string{"", "dev-secret-change-in-production-min-32-chars"} {
		forged, _, err := NewJWTHandler(key, time.Minute).GenerateAccessToken("intruder", RoleAdmin)
		if err != nil {
			continue
		}
		_, err = svc.ValidateToken(ctx, forged)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}

	perms, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Contains(t, perms, PermOperator)
}

func TestJWTExpired(t *testing.T) {
	h := NewJWTHandler(testSecret, -time.Minute)
	token, _, err := h.GenerateAccessToken("operator", RoleOperator)
	require.NoError(t, err)

	_, err = h.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestMachineToken(t *testing.T) {
	gen := NewMachineTokenGenerator()
	token, hash, err := gen.GenerateMachineToken()
	require.NoError(t, err)
	assert.True(t, gen.ValidateTokenFormat(token))
	assert.Len(t, hash, 64)

	svc := newTestService(t, "", hash)
	perms, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Contains(t, perms, PermOperator)
	assert.NotContains(t, perms, PermAdmin)

	other, _, err := gen.GenerateMachineToken()
	require.NoError(t, err)
	_, err = svc.ValidateToken(context.Background(), other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.False(t, gen.ValidateTokenFormat("tk_"+token[3:]))
	assert.False(t, gen.ValidateTokenFormat("mt_not-a-uuid_abc"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t, "")

	operatorToken, _, err := svc.IssueToken("operator", RoleOperator)
	require.NoError(t, err)
	monitorToken, _, err := svc.IssueToken("viewer", "viewer")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/cmd", svc.AuthMiddleware(), RequirePermission(PermOperator), func(c *gin.Context) {
		c.String(http.StatusOK, Username(c))
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"monitor only", "Bearer " + monitorToken, http.StatusForbidden},
		{"operator", "Bearer " + operatorToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/cmd", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "operator", w.Body.String())
			}
		})
	}
}

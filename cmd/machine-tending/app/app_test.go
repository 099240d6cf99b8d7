package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/MachineTending/internal/auth"
	"github.com/KevinKickass/MachineTending/internal/config"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRequiresThreeArguments(t *testing.T) {
	_, err := execute(t, "", "app.json", "rtde.xml")
	assert.Error(t, err)

	_, err = execute(t, "", "app.json", "rtde.xml", "true", "extra")
	assert.Error(t, err)
}

func TestRootRejectsStructuredOutputFlag(t *testing.T) {
	_, err := execute(t, "", "app.json", "rtde.xml", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "structured-output")
}

func TestRootReportsMissingConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "", filepath.Join(dir, "app.json"), filepath.Join(dir, "rtde.xml"), "false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "machine-tending dev"))

	out, err = execute(t, "", "version", "--format", "json")
	require.NoError(t, err)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info.Version)
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "s3cret\n", "hash-password")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	ok, err := auth.NewPasswordHasher().VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = execute(t, "\n", "hash-password")
	assert.Error(t, err)
}

func TestMachineToken(t *testing.T) {
	out, err := execute(t, "", "machine-token")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	token := strings.TrimSpace(strings.TrimPrefix(lines[0], "token:"))
	hash := strings.TrimSpace(strings.TrimPrefix(lines[1], "hash:"))

	gen := auth.NewMachineTokenGenerator()
	assert.True(t, gen.ValidateTokenFormat(token))
	assert.Equal(t, gen.HashToken(token), hash)
}

func TestIssueToken(t *testing.T) {
	t.Setenv("MT_APP_TEST_SECRET", "app-test-secret-0123456789abcdef")
	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jwt_secret_env": "MT_APP_TEST_SECRET"}`), 0o600))

	out, err := execute(t, "", "issue-token", path, "--role", "admin", "--username", "maintenance")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	handler := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.AccessTokenTTL)
	claims, err := handler.ValidateAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "maintenance", claims.Username)
	assert.Equal(t, auth.RoleAdmin, claims.Role)

	_, err = execute(t, "", "issue-token", path, "--role", "root")
	assert.Error(t, err)
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	t.Setenv("MT_APP_TEST_SECRET", "")
	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"jwt_secret_env": "MT_APP_TEST_SECRET"}`), 0o600))

	out, err := execute(t, "", "issue-token", path, "--role", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MT_APP_TEST_SECRET")
	assert.Empty(t, out)
}

package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverTriesProvidersInOrder(t *testing.T) {
	t.Setenv("CLONEBOX_TEST_SECRET", "from-env")

	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".clonebox.env")
	require.NoError(t, os.WriteFile(dotenvPath, []byte("CLONEBOX_TEST_SECRET=from-dotenv\n"), 0o600))

	resolver := NewResolver(zerolog.Nop(), NewEnvProvider(), NewDotenvProvider(dotenvPath))

	secret, err := resolver.Resolve(context.Background(), types.SecretReference{Path: "CLONEBOX_TEST_SECRET"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", secret.Reveal())
	assert.Equal(t, types.SecretProviderEnv, secret.ProviderName)
}

func TestResolverFallsThroughToNextProvider(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".clonebox.env")
	require.NoError(t, os.WriteFile(dotenvPath, []byte("ONLY_IN_DOTENV=dotenv-value\n"), 0o600))

	resolver := NewResolver(zerolog.Nop(), NewEnvProvider(), NewDotenvProvider(dotenvPath))

	secret, err := resolver.Resolve(context.Background(), types.SecretReference{Path: "ONLY_IN_DOTENV"})
	require.NoError(t, err)
	assert.Equal(t, "dotenv-value", secret.Reveal())
	assert.Equal(t, types.SecretProviderDotenv, secret.ProviderName)
}

func TestResolverNotFound(t *testing.T) {
	resolver := NewResolver(zerolog.Nop(), NewEnvProvider())
	_, err := resolver.Resolve(context.Background(), types.SecretReference{Path: "CLONEBOX_DEFINITELY_UNSET"})
	require.Error(t, err)
	assert.Equal(t, types.ErrSecretNotFound, types.KindOf(err))
}

func TestResolverHonorsExplicitProvider(t *testing.T) {
	t.Setenv("CLONEBOX_TEST_SECRET_2", "from-env")
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".clonebox.env")
	require.NoError(t, os.WriteFile(dotenvPath, []byte("CLONEBOX_TEST_SECRET_2=from-dotenv\n"), 0o600))

	resolver := NewResolver(zerolog.Nop(), NewEnvProvider(), NewDotenvProvider(dotenvPath))

	secret, err := resolver.Resolve(context.Background(), types.SecretReference{
		Provider: types.SecretProviderDotenv,
		Path:     "CLONEBOX_TEST_SECRET_2",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", secret.Reveal())
}

func TestSecretStringNeverLeaksValue(t *testing.T) {
	secret := types.NewSecret("super-secret-value", types.SecretProviderEnv, time.Now())
	assert.NotContains(t, secret.String(), "super-secret-value")
	assert.Equal(t, "super-secret-value", secret.Reveal())
}

func TestGeneratePasswordRejectsShortLength(t *testing.T) {
	_, err := GeneratePassword(8)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.KindOf(err))
}

func TestGeneratePasswordMeetsLength(t *testing.T) {
	pw, err := GeneratePassword(24)
	require.NoError(t, err)
	assert.Len(t, pw, 24)
}

func TestGenerateOneTimePasswordIsUsable(t *testing.T) {
	otp, err := GenerateOneTimePassword()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(otp), 16)
}

func TestHashPasswordProducesBcryptHash(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.Contains(t, hash, "$2")
}

func TestGenerateSSHKeyPair(t *testing.T) {
	pair, err := GenerateSSHKeyPair("clonebox@test-vm")
	require.NoError(t, err)
	assert.Contains(t, pair.PublicKeyAuthorizedFormat, "ssh-ed25519")
	assert.Contains(t, pair.PublicKeyAuthorizedFormat, "clonebox@test-vm")
	assert.Contains(t, string(pair.PrivateKeyPEM), "PRIVATE KEY")
}

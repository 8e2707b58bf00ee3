package cloudinit

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/clonebox-dev/clonebox/pkg/secrets"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	resolver := secrets.NewResolver(zerolog.Nop(), secrets.NewEnvProvider())
	return New(resolver)
}

func TestRenderUserDataSSHKeyLiteralSourceDisablesPassword(t *testing.T) {
	cfg := types.VMConfig{
		Name:     "dev",
		Username: "dev",
		Auth: types.AuthConfig{
			Method: types.AuthMethodSSHKey,
			SSHKey: &types.SSHKeyAuth{Sources: []types.SSHKeySource{
				{Kind: types.SSHKeySourceLiteral, Value: "ssh-ed25519 AAAAC3Nz test@host"},
			}},
		},
	}

	doc, genKey, genPassword, secretsUsed, err := testBuilder().renderUserData(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, genKey)
	assert.Empty(t, genPassword)
	assert.Empty(t, secretsUsed)
	assert.Contains(t, doc, "disable_root: true")
	assert.Contains(t, doc, "ssh_pwauth: false")
	assert.Contains(t, doc, "lock_passwd: true")
	assert.Contains(t, doc, "ssh-ed25519 AAAAC3Nz test@host")
}

func TestRenderUserDataSSHKeyWithNoSourcesGeneratesAndSavesKey(t *testing.T) {
	cfg := types.VMConfig{
		Name:     "dev",
		Username: "dev",
		Auth:     types.AuthConfig{Method: types.AuthMethodSSHKey, SSHKey: &types.SSHKeyAuth{}},
	}

	dir := t.TempDir()
	doc, genKey, _, _, err := testBuilder().renderUserData(context.Background(), cfg, dir)
	require.NoError(t, err)
	require.NotNil(t, genKey)
	assert.Contains(t, doc, "ssh-ed25519")

	privKeyPath := dir + "/ssh_key"
	info, err := os.Stat(privKeyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRenderUserDataOneTimePasswordSetsChpasswdExpire(t *testing.T) {
	cfg := types.VMConfig{
		Name:     "dev",
		Username: "dev",
		Auth:     types.AuthConfig{Method: types.AuthMethodOneTimePassword, OneTimePassword: &types.OneTimePasswordAuth{Length: 20}},
	}

	doc, genKey, genPassword, secretsUsed, err := testBuilder().renderUserData(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, genKey)
	assert.NotEmpty(t, genPassword)
	assert.Empty(t, secretsUsed)
	assert.Contains(t, doc, "expire: true")
	assert.Contains(t, doc, "ssh_pwauth: true")
	assert.True(t, strings.Contains(doc, genPassword))
}

func TestRenderUserDataPasswordAuthHashesSecretBeforeWriting(t *testing.T) {
	t.Setenv("DEV_PASSWORD", "hunter2hunter2")
	cfg := types.VMConfig{
		Name:     "dev",
		Username: "dev",
		Auth: types.AuthConfig{
			Method:   types.AuthMethodPassword,
			Password: &types.PasswordAuth{SecretRef: types.SecretReference{Path: "DEV_PASSWORD"}},
		},
	}

	doc, _, _, secretsUsed, err := testBuilder().renderUserData(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.NotContains(t, doc, "hunter2hunter2")
	assert.Contains(t, doc, "hashed_passwd:")
	assert.Equal(t, []string{"env:DEV_PASSWORD"}, secretsUsed)
}

func TestRenderUserDataAppendsPostCommandsAndServiceEnable(t *testing.T) {
	cfg := types.VMConfig{
		Name:     "dev",
		Username: "dev",
		Auth: types.AuthConfig{
			Method: types.AuthMethodSSHKey,
			SSHKey: &types.SSHKeyAuth{Sources: []types.SSHKeySource{{Kind: types.SSHKeySourceLiteral, Value: "ssh-ed25519 AAAA x"}}},
		},
		Services:     []string{"docker"},
		PostCommands: []string{"touch /tmp/provisioned"},
	}

	doc, _, _, _, err := testBuilder().renderUserData(context.Background(), cfg, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, doc, "systemctl enable --now docker")
	assert.Contains(t, doc, "touch /tmp/provisioned")
}

func TestRenderNetworkConfigOnlyForCustomBridge(t *testing.T) {
	doc, err := renderNetworkConfig(types.NetworkModeUserMode)
	require.NoError(t, err)
	assert.Empty(t, doc)

	doc, err = renderNetworkConfig(types.NetworkModeCustomBridge)
	require.NoError(t, err)
	assert.Contains(t, doc, "version: 2")
}

package app

import (
	"path/filepath"
	"testing"

	"github.com/clonebox-dev/clonebox/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBuildWithoutABackendOverrideFailsCleanlyWhenLibvirtdUnreachable(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StateRoot = filepath.Join(dir, "state")
	cfg.ImagesRoot = filepath.Join(dir, "images")
	cfg.HypervisorURI = "qemu:///session"

	_, err := NewBuilder(cfg, zerolog.Nop()).Build()
	assert.Error(t, err)
}

func TestLibvirtSocketPathHonorsXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/4242")
	assert.Equal(t, "/run/user/4242/libvirt/libvirt-sock", libvirtSocketPath("qemu:///session"))
	assert.Equal(t, "/var/run/libvirt/libvirt-sock", libvirtSocketPath("qemu:///system"))
}

package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	domains map[string]hypervisor.State
	stopped []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{domains: map[string]hypervisor.State{}}
}

func (f *fakeBackend) Define(ctx context.Context, cfg hypervisor.DomainConfig) error {
	f.domains[cfg.Name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) Undefine(ctx context.Context, name string) error {
	delete(f.domains, name)
	return nil
}
func (f *fakeBackend) Start(ctx context.Context, name string) error {
	f.domains[name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.stopped = append(f.stopped, name)
	f.domains[name] = hypervisor.StateShutdown
	return nil
}
func (f *fakeBackend) Destroy(ctx context.Context, name string) error {
	delete(f.domains, name)
	return nil
}
func (f *fakeBackend) Info(ctx context.Context, name string) (hypervisor.Info, error) {
	return hypervisor.Info{Name: name, State: f.domains[name]}, nil
}
func (f *fakeBackend) Exists(ctx context.Context, name string) (bool, error) {
	_, ok := f.domains[name]
	return ok, nil
}
func (f *fakeBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	for n := range f.domains {
		names = append(names, n)
	}
	return names, nil
}
func (f *fakeBackend) Snapshot(ctx context.Context, name, destPath string) error { return nil }
func (f *fakeBackend) Revert(ctx context.Context, cfg hypervisor.DomainConfig, srcPath string) error {
	f.domains[cfg.Name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) SnapshotDiskInternal(ctx context.Context, name, snapshotName string) error {
	return nil
}
func (f *fakeBackend) DeleteDiskSnapshotInternal(ctx context.Context, name, snapshotName string) error {
	return nil
}
func (f *fakeBackend) Exec(ctx context.Context, name string, argv []string, input []byte) (hypervisor.ExecResult, error) {
	return hypervisor.ExecResult{}, nil
}
func (f *fakeBackend) Capabilities() hypervisor.Capabilities { return hypervisor.Capabilities{} }

func TestDestroyStopsRunningDomainThenRemovesVMDir(t *testing.T) {
	imagesRoot := t.TempDir()
	vmDir := filepath.Join(imagesRoot, "dev")
	require.NoError(t, os.MkdirAll(vmDir, 0o755))

	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning

	deps := Deps{Backend: backend, ImagesRoot: imagesRoot, Logger: zerolog.Nop()}
	err := Destroy(context.Background(), deps, "dev", 5*time.Second)
	require.NoError(t, err)

	assert.Contains(t, backend.stopped, "dev")
	_, statErr := os.Stat(vmDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDestroyMissingDomainReturnsNotFound(t *testing.T) {
	deps := Deps{Backend: newFakeBackend(), ImagesRoot: t.TempDir(), Logger: zerolog.Nop()}
	err := Destroy(context.Background(), deps, "ghost", 5*time.Second)
	assert.Error(t, err)
}

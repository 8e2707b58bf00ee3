package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/provision"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	domains map[string]hypervisor.State
	started []string
	stopped []string
}

func newFakeBackend(known ...string) *fakeBackend {
	f := &fakeBackend{domains: map[string]hypervisor.State{}}
	for _, n := range known {
		f.domains[n] = hypervisor.StateShutdown
	}
	return f
}

func (f *fakeBackend) Define(ctx context.Context, cfg hypervisor.DomainConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[cfg.Name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) Undefine(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, name)
	return nil
}
func (f *fakeBackend) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	f.domains[name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	f.domains[name] = hypervisor.StateShutdown
	return nil
}
func (f *fakeBackend) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, name)
	return nil
}
func (f *fakeBackend) Info(ctx context.Context, name string) (hypervisor.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hypervisor.Info{Name: name, State: f.domains[name]}, nil
}
func (f *fakeBackend) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.domains[name]
	return ok, nil
}
func (f *fakeBackend) List(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBackend) Snapshot(ctx context.Context, name, destPath string) error { return nil }
func (f *fakeBackend) Revert(ctx context.Context, cfg hypervisor.DomainConfig, srcPath string) error {
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

type fakeCache struct {
	mu  sync.Mutex
	vms map[string]types.OrchestratedVM
}

func newFakeCache() *fakeCache { return &fakeCache{vms: map[string]types.OrchestratedVM{}} }

func (c *fakeCache) PutSnapshot(snap types.Snapshot) error              { return nil }
func (c *fakeCache) DeleteSnapshot(vmName, snapshotName string) error   { return nil }
func (c *fakeCache) ListSnapshots(vmName string) ([]types.Snapshot, error) { return nil, nil }
func (c *fakeCache) ReplaceSnapshots(vmName string, snaps []types.Snapshot) error { return nil }
func (c *fakeCache) PutOrchestratedVM(vm types.OrchestratedVM) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vms[vm.Name] = vm
	return nil
}
func (c *fakeCache) GetOrchestratedVM(name string) (types.OrchestratedVM, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vm, ok := c.vms[name]
	return vm, ok, nil
}
func (c *fakeCache) ListOrchestratedVMs() ([]types.OrchestratedVM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.OrchestratedVM, 0, len(c.vms))
	for _, vm := range c.vms {
		out = append(out, vm)
	}
	return out, nil
}
func (c *fakeCache) DeleteOrchestratedVM(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vms, name)
	return nil
}
func (c *fakeCache) Close() error { return nil }

func noopResolver(ctx context.Context, vm types.OrchestratedVM) (types.VMConfig, error) {
	return types.VMConfig{Name: vm.Name}, nil
}

func TestUpStartsExistingVMsInDependencyOrder(t *testing.T) {
	backend := newFakeBackend("db", "app")
	cache := newFakeCache()
	m := New(Deps{
		Provision: provision.Deps{Backend: backend, Logger: zerolog.Nop()},
		Cache:     cache,
		Resolver:  noopResolver,
		Logger:    zerolog.Nop(),
	})

	vms := []types.OrchestratedVM{vm("app", "db"), vm("db")}
	result, err := m.Up(context.Background(), vms, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"db", "app"}, result.Started)
	assert.Empty(t, result.Failed)
	assert.ElementsMatch(t, []string{"db", "app"}, backend.started)

	statuses, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}

func TestUpSkipsDependentsOfAFailedVM(t *testing.T) {
	backend := newFakeBackend("db") // "app" is not known, so Exists returns false and Create is attempted and fails (no CloudInit/Disks configured)
	cache := newFakeCache()
	m := New(Deps{
		Provision: provision.Deps{Backend: backend, Logger: zerolog.Nop()},
		Cache:     cache,
		Resolver:  noopResolver,
		Logger:    zerolog.Nop(),
	})

	vms := []types.OrchestratedVM{vm("web", "app"), vm("app", "db"), vm("db")}
	result, err := m.Up(context.Background(), vms, nil)
	require.NoError(t, err)

	assert.Contains(t, result.Started, "db")
	assert.Contains(t, result.Failed, "app")
	assert.Contains(t, result.Skipped, "web")
}

func TestDownStopsInReverseOrder(t *testing.T) {
	backend := newFakeBackend("db", "app")
	cache := newFakeCache()
	m := New(Deps{
		Provision: provision.Deps{Backend: backend, Logger: zerolog.Nop()},
		Cache:     cache,
		Resolver:  noopResolver,
		Logger:    zerolog.Nop(),
	})

	vms := []types.OrchestratedVM{vm("app", "db"), vm("db")}
	require.NoError(t, m.Down(context.Background(), vms))

	require.Len(t, backend.stopped, 2)
	assert.Equal(t, "app", backend.stopped[0])
	assert.Equal(t, "db", backend.stopped[1])
}

package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/disk"
	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	domains   map[string]hypervisor.State
	stopped   []string
	started   []string
	destroyed []string
	diskSnaps []string
	reverted  []string
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
	f.started = append(f.started, name)
	f.domains[name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.stopped = append(f.stopped, name)
	f.domains[name] = hypervisor.StateShutdown
	return nil
}
func (f *fakeBackend) Destroy(ctx context.Context, name string) error {
	f.destroyed = append(f.destroyed, name)
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
	f.reverted = append(f.reverted, cfg.Name)
	f.domains[cfg.Name] = hypervisor.StateRunning
	return nil
}
func (f *fakeBackend) SnapshotDiskInternal(ctx context.Context, name, snapshotName string) error {
	f.diskSnaps = append(f.diskSnaps, snapshotName)
	return nil
}
func (f *fakeBackend) DeleteDiskSnapshotInternal(ctx context.Context, name, snapshotName string) error {
	return nil
}
func (f *fakeBackend) Exec(ctx context.Context, name string, argv []string, input []byte) (hypervisor.ExecResult, error) {
	return hypervisor.ExecResult{}, nil
}
func (f *fakeBackend) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{SupportsSnapshot: true}
}

func testManager(t *testing.T, backend *fakeBackend) *Manager {
	t.Helper()
	return New(Deps{
		Backend:    backend,
		Disks:      disk.New(runner.New(), zerolog.Nop()),
		ImagesRoot: t.TempDir(),
		StateRoot:  t.TempDir(),
		Logger:     zerolog.Nop(),
	})
}

func TestCreateFirstSnapshotHasNoParent(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)

	snap, err := m.Create(context.Background(), CreateOptions{VMName: "dev", Name: "base", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)
	assert.Empty(t, snap.ParentName)
	assert.Contains(t, backend.diskSnaps, "base")

	current, err := m.readCurrent("dev")
	require.NoError(t, err)
	assert.Equal(t, "base", current)
}

func TestCreateDuplicateNameRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)

	ctx := context.Background()
	_, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: "base", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)

	_, err = m.Create(ctx, CreateOptions{VMName: "dev", Name: "base", Type: types.SnapshotDiskOnly})
	require.Error(t, err)
	assert.Equal(t, types.ErrAlreadyExists, types.KindOf(err))
}

func TestCreateChildLinksToParentAndUpdatesCurrent(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: "base", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)
	child, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: "child", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)

	assert.Equal(t, "base", child.ParentName)

	all, err := m.readAll("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, all["base"].Children)

	current, err := m.readCurrent("dev")
	require.NoError(t, err)
	assert.Equal(t, "child", current)
}

func TestTreeComputesRootsAndCurrent(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: "root-a", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)

	tree, err := m.Tree(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"root-a"}, tree.RootNames)
	assert.Equal(t, "root-a", tree.CurrentName)
}

func TestDeleteRejectsNonRecursiveWithChildren(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: "base", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{VMName: "dev", Name: "child", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)

	err = m.Delete(ctx, "dev", "base", false)
	require.Error(t, err)
	assert.Equal(t, types.ErrPreconditionFailed, types.KindOf(err))
}

func TestDeleteRecursiveRemovesSubtree(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: "base", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{VMName: "dev", Name: "child", Type: types.SnapshotDiskOnly})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "dev", "base", true))

	all, err := m.readAll("dev")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRestoreFullWithMemoryDestroysAndRevertsAndBacksUp(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{
		VMName:       "dev",
		Name:         "base",
		Type:         types.SnapshotFullWithMemory,
		DomainConfig: hypervisor.DomainConfig{Name: "dev", VCPUs: 2},
	})
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, "dev", "base", true, true))

	assert.Contains(t, backend.destroyed, "dev")
	assert.Contains(t, backend.reverted, "dev")

	all, err := m.readAll("dev")
	require.NoError(t, err)
	foundBackup := false
	for name := range all {
		if name != "base" {
			foundBackup = true
		}
	}
	assert.True(t, foundBackup, "expected a pre-restore backup snapshot to exist")

	current, err := m.readCurrent("dev")
	require.NoError(t, err)
	assert.Equal(t, "base", current)
}

func TestRestoreStartAfterFalseStopsMemoryRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{
		VMName:       "dev",
		Name:         "base",
		Type:         types.SnapshotFullWithMemory,
		DomainConfig: hypervisor.DomainConfig{Name: "dev", VCPUs: 2},
	})
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, "dev", "base", false, true))

	// Backend.Revert always leaves the domain running; startAfter=false
	// means restore stops it back down afterward.
	assert.Contains(t, backend.stopped, "dev")
}

func TestRestoreWithoutBackupCreatesNoExtraSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateOptions{
		VMName:       "dev",
		Name:         "base",
		Type:         types.SnapshotFullWithMemory,
		DomainConfig: hypervisor.DomainConfig{Name: "dev", VCPUs: 2},
	})
	require.NoError(t, err)

	require.NoError(t, m.Restore(ctx, "dev", "base", true, false))

	all, err := m.readAll("dev")
	require.NoError(t, err)
	assert.Len(t, all, 1, "createBackup=false must not add a pre-restore snapshot")
}

func TestEnforcePolicyRemovesOverMaxCount(t *testing.T) {
	backend := newFakeBackend()
	backend.domains["dev"] = hypervisor.StateRunning
	m := testManager(t, backend)
	ctx := context.Background()

	policy := types.SnapshotPolicy{Name: "nightly", MaxCount: 1}
	for _, name := range []string{"s1", "s2", "s3"} {
		_, err := m.Create(ctx, CreateOptions{VMName: "dev", Name: name, Type: types.SnapshotDiskOnly, AutoPolicy: policy.Name})
		require.NoError(t, err)
		// Reset the current pointer so each snapshot is an independent root
		// rather than a child of the last, keeping the sweep free to evict
		// any of them regardless of parent/child protection.
		require.NoError(t, m.writeCurrent("dev", ""))
	}

	removed, err := m.EnforcePolicy(ctx, "dev", policy)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	all, err := m.readAll("dev")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestValidateSnapshotNameRejectsLeadingUnderscore(t *testing.T) {
	err := validateSnapshotName("_current")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidArgument, types.KindOf(err))
}

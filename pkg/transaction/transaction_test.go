package transaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDomains struct {
	destroyed, undefined []string
	failUndefine         bool
}

func (f *fakeDomains) Destroy(ctx context.Context, name string) error {
	f.destroyed = append(f.destroyed, name)
	return nil
}

func (f *fakeDomains) Undefine(ctx context.Context, name string) error {
	f.undefined = append(f.undefined, name)
	if f.failUndefine {
		return assert.AnError
	}
	return nil
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestCommitDeletesJournal(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open(context.Background(), Options{TargetName: "dev", JournalDir: dir, Logger: testLogger()})
	require.NoError(t, err)

	diskPath := filepath.Join(dir, "root.qcow2")
	require.NoError(t, os.WriteFile(diskPath, []byte("x"), 0o644))
	tx.Register(types.ArtifactDiskImage, diskPath, nil, false)

	require.NoError(t, tx.Commit(context.Background()))
	assert.NoFileExists(t, filepath.Join(dir, tx.ID()+".json"))
}

func TestRollbackRemovesArtifactsInLIFOOrder(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open(context.Background(), Options{TargetName: "dev", JournalDir: dir, Logger: testLogger()})
	require.NoError(t, err)

	vmDir := filepath.Join(dir, "vm")
	require.NoError(t, os.MkdirAll(vmDir, 0o755))
	tx.Register(types.ArtifactDirectory, vmDir, nil, false)

	diskPath := filepath.Join(vmDir, "root.qcow2")
	require.NoError(t, os.WriteFile(diskPath, []byte("x"), 0o644))
	tx.Register(types.ArtifactDiskImage, diskPath, nil, false)

	fd := &fakeDomains{}
	tx.domains = fd
	tx.Register(types.ArtifactDomain, "dev", nil, false)

	err = tx.Rollback(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrTransactionRolledBack, types.KindOf(err))

	assert.NoDirExists(t, vmDir)
	assert.Equal(t, []string{"dev"}, fd.undefined)
	assert.Empty(t, fd.destroyed)

	journal, err := readJournal(filepath.Join(dir, tx.ID()+".json"))
	require.NoError(t, err)
	assert.Equal(t, types.TransactionRolledBack, journal.State)
	assert.Len(t, journal.Artifacts, 3)
}

func TestRollbackIdempotentArtifactIsNotCleaned(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open(context.Background(), Options{TargetName: "dev", JournalDir: dir, Logger: testLogger()})
	require.NoError(t, err)

	preexisting := filepath.Join(dir, "preexisting")
	require.NoError(t, os.MkdirAll(preexisting, 0o755))
	tx.Register(types.ArtifactDirectory, preexisting, nil, true)

	require.Error(t, tx.Rollback(context.Background()))
	assert.DirExists(t, preexisting)
}

func TestOpenRejectsConcurrentTransactionOnSameTarget(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open(context.Background(), Options{TargetName: "dev", JournalDir: dir, Logger: testLogger()})
	require.NoError(t, err)
	defer tx.Rollback(context.Background())

	_, err = Open(context.Background(), Options{TargetName: "dev", JournalDir: dir, Logger: testLogger()})
	require.Error(t, err)
	assert.Equal(t, types.ErrPreconditionFailed, types.KindOf(err))
}

func TestRecoverRollsBackIncompleteJournalsAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open(context.Background(), Options{TargetName: "dev", JournalDir: dir, Logger: testLogger()})
	require.NoError(t, err)

	seedPath := filepath.Join(dir, "cloud-init.iso")
	require.NoError(t, os.WriteFile(seedPath, []byte("iso"), 0o644))
	tx.Register(types.ArtifactSeedISO, seedPath, nil, false)
	// Simulate the process dying here: no Commit, no Rollback, lock released.
	tx.lock.release()
	tx.finished = true

	fd := &fakeDomains{}
	recovered, err := Recover(context.Background(), dir, fd, nil, testLogger())
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, types.TransactionRolledBack, recovered[0].State)
	assert.NoFileExists(t, seedPath)

	recovered2, err := Recover(context.Background(), dir, fd, nil, testLogger())
	require.NoError(t, err)
	assert.Empty(t, recovered2)
}

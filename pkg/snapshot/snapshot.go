package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/audit"
	"github.com/clonebox-dev/clonebox/pkg/disk"
	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/metrics"
	"github.com/clonebox-dev/clonebox/pkg/storage"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
)

// defaultStopTimeout bounds the graceful stop Restore performs when
// startAfter=false leaves a memory-reverted domain that Backend.Revert
// already started back down.
const defaultStopTimeout = 30 * time.Second

// Deps wires the Snapshot Manager's collaborators, following the same
// explicit-struct convention as provision.Deps.
type Deps struct {
	Backend    hypervisor.Backend
	Disks      *disk.Manager
	Cache      storage.Cache
	Audit      *audit.Sink
	ImagesRoot string
	StateRoot  string
	Logger     zerolog.Logger
}

// Manager is the Snapshot Manager (§4.7).
type Manager struct {
	backend    hypervisor.Backend
	disks      *disk.Manager
	cache      storage.Cache
	audit      *audit.Sink
	imagesRoot string
	stateRoot  string
	logger     zerolog.Logger
	locks      *vmLocks
}

// New constructs a Manager.
func New(deps Deps) *Manager {
	return &Manager{
		backend:    deps.Backend,
		disks:      deps.Disks,
		cache:      deps.Cache,
		audit:      deps.Audit,
		imagesRoot: deps.ImagesRoot,
		stateRoot:  deps.StateRoot,
		logger:     deps.Logger,
		locks:      newVMLocks(),
	}
}

// CreateOptions describes a new snapshot. DomainConfig is required when Type
// is SnapshotFullWithMemory (Restore needs it to redefine the domain from
// the saved memory image) and ignored otherwise.
type CreateOptions struct {
	VMName       string
	Name         string
	Type         types.SnapshotType
	Description  string
	Tags         []string
	AutoPolicy   string
	ExpiresAt    *time.Time
	DomainConfig hypervisor.DomainConfig
}

func validateSnapshotName(name string) error {
	if name == "" || strings.HasPrefix(name, "_") || strings.ContainsAny(name, "/\\") {
		return types.NewError(types.ErrInvalidArgument, name,
			fmt.Errorf("snapshot name must be non-empty, contain no path separators, and not start with '_'"))
	}
	return nil
}

// Create takes a new point-in-time snapshot of opts.VMName, per §4.7. The
// new snapshot's parent is whichever snapshot is currently "current" for
// the VM (empty for the VM's first snapshot), and it becomes current itself
// on success.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (types.Snapshot, error) {
	unlock := m.locks.lock(opts.VMName)
	defer unlock()
	return m.createLocked(ctx, opts)
}

func (m *Manager) createLocked(ctx context.Context, opts CreateOptions) (types.Snapshot, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SnapshotOperationDuration, "create")

	if err := validateSnapshotName(opts.Name); err != nil {
		return types.Snapshot{}, err
	}

	existing, err := m.readAll(opts.VMName)
	if err != nil {
		return types.Snapshot{}, types.NewError(types.ErrInternal, opts.VMName, err)
	}
	if _, ok := existing[opts.Name]; ok {
		return types.Snapshot{}, types.NewError(types.ErrAlreadyExists, opts.Name, nil)
	}

	parentName, err := m.readCurrent(opts.VMName)
	if err != nil {
		return types.Snapshot{}, types.NewError(types.ErrInternal, opts.VMName, err)
	}

	diskPath := m.diskPath(opts.VMName)
	running, err := m.isRunning(ctx, opts.VMName)
	if err != nil {
		return types.Snapshot{}, err
	}

	switch opts.Type {
	case types.SnapshotDiskOnly:
		if running {
			if err := m.backend.SnapshotDiskInternal(ctx, opts.VMName, opts.Name); err != nil {
				return types.Snapshot{}, err
			}
		} else {
			if err := m.disks.InternalSnapshot(ctx, diskPath, opts.Name); err != nil {
				return types.Snapshot{}, err
			}
		}
	case types.SnapshotFullWithMemory:
		if !running {
			return types.Snapshot{}, types.NewError(types.ErrPreconditionFailed, opts.VMName,
				fmt.Errorf("full_with_memory snapshot requires a running domain"))
		}
		if err := m.backend.Snapshot(ctx, opts.VMName, m.memoryImagePath(opts.VMName, opts.Name)); err != nil {
			return types.Snapshot{}, err
		}
		if err := m.writeDomainConfig(opts.VMName, opts.Name, opts.DomainConfig); err != nil {
			return types.Snapshot{}, types.NewError(types.ErrInternal, opts.Name, err)
		}
	case types.SnapshotExternal:
		if _, err := m.disks.Snapshot(ctx, diskPath, opts.Name); err != nil {
			return types.Snapshot{}, err
		}
	default:
		return types.Snapshot{}, types.NewError(types.ErrInvalidArgument, opts.VMName,
			fmt.Errorf("unknown snapshot type %q", opts.Type))
	}

	var sizeBytes int64
	if info, err := m.disks.Info(ctx, diskPath); err == nil {
		sizeBytes = info.ActualSize
	}

	snap := types.Snapshot{
		Name:        opts.Name,
		VMName:      opts.VMName,
		Type:        opts.Type,
		State:       types.SnapshotStateReady,
		CreatedAt:   time.Now().UTC(),
		Description: opts.Description,
		ParentName:  parentName,
		Children:    nil,
		SizeBytes:   sizeBytes,
		Tags:        opts.Tags,
		AutoPolicy:  opts.AutoPolicy,
		ExpiresAt:   opts.ExpiresAt,
	}
	if err := m.writeSnapshot(snap); err != nil {
		return types.Snapshot{}, types.NewError(types.ErrInternal, opts.Name, err)
	}

	if parentName != "" {
		if parent, ok := existing[parentName]; ok {
			parent.Children = append(parent.Children, opts.Name)
			if err := m.writeSnapshot(parent); err != nil {
				m.logger.Warn().Err(err).Str("parent", parentName).Msg("snapshot: failed to record child link")
			}
		}
	}
	if err := m.writeCurrent(opts.VMName, opts.Name); err != nil {
		m.logger.Warn().Err(err).Str("vm", opts.VMName).Msg("snapshot: failed to update current pointer")
	}

	metrics.SnapshotsTotal.WithLabelValues(opts.VMName).Inc()
	m.recordAudit("snapshot.create", opts.VMName, opts.Name, audit.OutcomeSuccess, nil)
	m.logger.Info().Str("vm", opts.VMName).Str("snapshot", opts.Name).Str("type", string(opts.Type)).Msg("snapshot created")
	return snap, nil
}

// List returns vmName's snapshots newest-first.
func (m *Manager) List(ctx context.Context, vmName string) ([]types.Snapshot, error) {
	snaps, err := m.readAll(vmName)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, vmName, err)
	}
	return sortedByCreatedDesc(snaps), nil
}

// Tree computes vmName's snapshot forest on demand from its flat metadata
// (see doc.go): roots are snapshots with no parent, and CurrentName is
// whichever snapshot Create or Restore last marked current.
func (m *Manager) Tree(ctx context.Context, vmName string) (types.SnapshotTree, error) {
	snaps, err := m.readAll(vmName)
	if err != nil {
		return types.SnapshotTree{}, types.NewError(types.ErrInternal, vmName, err)
	}
	current, err := m.readCurrent(vmName)
	if err != nil {
		return types.SnapshotTree{}, types.NewError(types.ErrInternal, vmName, err)
	}

	var roots []string
	for _, s := range sortedByCreatedDesc(snaps) {
		if s.ParentName == "" {
			roots = append(roots, s.Name)
		}
	}
	return types.SnapshotTree{VMName: vmName, RootNames: roots, CurrentName: current}, nil
}

// Restore reverts vmName to snapshotName, per §4.7. When createBackup is
// set, a "pre-restore-<timestamp>" snapshot is taken first; if the revert
// itself then fails, that backup is retained (never cleaned up) so the
// operator can recover — the restore as a whole still reports
// RestoreFailed. startAfter controls whether the VM is left running after
// a successful revert; it has no effect on the backup step, which always
// uses a disk_only snapshot regardless of the VM's running state.
func (m *Manager) Restore(ctx context.Context, vmName, snapshotName string, startAfter, createBackup bool) error {
	unlock := m.locks.lock(vmName)
	defer unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SnapshotOperationDuration, "restore")

	snaps, err := m.readAll(vmName)
	if err != nil {
		return types.NewError(types.ErrInternal, vmName, err)
	}
	target, ok := snaps[snapshotName]
	if !ok {
		return types.NewError(types.ErrNotFound, snapshotName, nil)
	}

	var backupName string
	if createBackup {
		backupName = fmt.Sprintf("%s-pre-restore-%d", snapshotName, time.Now().UnixNano())
		backup, err := m.createLocked(ctx, CreateOptions{
			VMName:      vmName,
			Name:        backupName,
			Type:        types.SnapshotDiskOnly,
			Description: fmt.Sprintf("automatic backup before restoring %q", snapshotName),
			Tags:        []string{"auto", "pre_restore"},
		})
		if err != nil {
			m.recordAudit("snapshot.restore", vmName, snapshotName, audit.OutcomeFailure, err)
			return types.NewError(types.ErrInternal, vmName, fmt.Errorf("create pre-restore backup: %w", err)).
				WithRemediation("restore aborted before any state changed; no backup was created")
		}
		backupName = backup.Name
	}

	if err := m.stopDomain(ctx, vmName); err != nil {
		m.recordAudit("snapshot.restore", vmName, snapshotName, audit.OutcomeFailure, err)
		return types.NewError(types.ErrInternal, vmName, fmt.Errorf("stop before revert: %w", err))
	}

	if err := m.revertTo(ctx, vmName, target); err != nil {
		m.recordAudit("snapshot.restore", vmName, snapshotName, audit.OutcomeFailure, err)
		wrapped := types.NewError(types.ErrInternal, snapshotName, err)
		if backupName != "" {
			wrapped = wrapped.WithRemediation(fmt.Sprintf("revert failed; pre-restore state was preserved as snapshot %q", backupName))
		}
		return wrapped
	}

	if startAfter {
		if err := m.startIfStopped(ctx, vmName, target); err != nil {
			m.recordAudit("snapshot.restore", vmName, snapshotName, audit.OutcomeFailure, err)
			return types.NewError(types.ErrInternal, vmName, fmt.Errorf("start after revert: %w", err))
		}
	} else if target.Type == types.SnapshotFullWithMemory {
		// Revert for a full-memory snapshot always leaves the domain
		// running (there is no "defined but stopped" memory state); honor
		// startAfter=false by stopping it back down.
		if err := m.backend.Stop(ctx, vmName, defaultStopTimeout); err != nil {
			m.logger.Warn().Err(err).Str("vm", vmName).Msg("snapshot: failed to stop domain after memory revert with startAfter=false")
		}
	}

	if err := m.writeCurrent(vmName, snapshotName); err != nil {
		m.logger.Warn().Err(err).Str("vm", vmName).Msg("snapshot: failed to update current pointer after restore")
	}
	m.recordAudit("snapshot.restore", vmName, snapshotName, audit.OutcomeSuccess, nil)
	m.logger.Info().Str("vm", vmName).Str("snapshot", snapshotName).Msg("snapshot restored")
	return nil
}

// stopDomain force-stops vmName if it is currently running, per §4.7's
// "force-stop the VM; then revert through the backend". A disk revert
// while the domain still holds the qcow2 file open would corrupt it, and
// a memory revert needs the domain fully absent before Backend.Revert
// redefines it, so restore always uses the forceful path rather than
// stopIfRunning's graceful Stop.
func (m *Manager) stopDomain(ctx context.Context, vmName string) error {
	running, err := m.isRunning(ctx, vmName)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	return m.backend.Destroy(ctx, vmName)
}

// startIfStopped brings vmName to running after a successful revert, when
// the caller asked for startAfter=true. A full_with_memory revert already
// leaves the domain running via Backend.Revert, so this is a no-op for
// that snapshot type.
func (m *Manager) startIfStopped(ctx context.Context, vmName string, target types.Snapshot) error {
	if target.Type == types.SnapshotFullWithMemory {
		return nil
	}
	return m.backend.Start(ctx, vmName)
}

func (m *Manager) revertTo(ctx context.Context, vmName string, target types.Snapshot) error {
	diskPath := m.diskPath(vmName)

	switch target.Type {
	case types.SnapshotDiskOnly:
		return m.disks.ApplyInternalSnapshot(ctx, diskPath, target.Name)

	case types.SnapshotFullWithMemory:
		cfg, err := m.readDomainConfig(vmName, target.Name)
		if err != nil {
			return types.NewError(types.ErrInternal, target.Name, fmt.Errorf("read domain config sidecar: %w", err))
		}
		return m.backend.Revert(ctx, cfg, m.memoryImagePath(vmName, target.Name))

	case types.SnapshotExternal:
		snapshotPath := disk.SnapshotPath(diskPath, target.Name)
		return m.disks.RestoreFromSnapshot(ctx, diskPath, snapshotPath)

	default:
		return types.NewError(types.ErrInvalidArgument, vmName, fmt.Errorf("unknown snapshot type %q", target.Type))
	}
}

// Delete removes snapshotName. A snapshot with children is rejected with
// PreconditionFailed unless recursive is set, in which case its whole
// subtree is deleted depth-first.
func (m *Manager) Delete(ctx context.Context, vmName, snapshotName string, recursive bool) error {
	unlock := m.locks.lock(vmName)
	defer unlock()
	return m.deleteLocked(ctx, vmName, snapshotName, recursive)
}

func (m *Manager) deleteLocked(ctx context.Context, vmName, snapshotName string, recursive bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SnapshotOperationDuration, "delete")

	snaps, err := m.readAll(vmName)
	if err != nil {
		return types.NewError(types.ErrInternal, vmName, err)
	}
	target, ok := snaps[snapshotName]
	if !ok {
		return types.NewError(types.ErrNotFound, snapshotName, nil)
	}
	if len(target.Children) > 0 && !recursive {
		return types.NewError(types.ErrPreconditionFailed, snapshotName,
			fmt.Errorf("snapshot has %d child snapshot(s); delete recursively or delete children first", len(target.Children)))
	}

	for _, child := range append([]string{}, target.Children...) {
		if err := m.deleteLocked(ctx, vmName, child, true); err != nil {
			return err
		}
	}

	if err := m.deleteSnapshotFiles(vmName, snapshotName); err != nil {
		return types.NewError(types.ErrInternal, snapshotName, err)
	}

	if target.ParentName != "" {
		if parent, ok := snaps[target.ParentName]; ok {
			parent.Children = removeName(parent.Children, snapshotName)
			if err := m.writeSnapshot(parent); err != nil {
				m.logger.Warn().Err(err).Str("parent", target.ParentName).Msg("snapshot: failed to unlink deleted child")
			}
		}
	}

	if current, err := m.readCurrent(vmName); err == nil && current == snapshotName {
		if err := m.writeCurrent(vmName, target.ParentName); err != nil {
			m.logger.Warn().Err(err).Str("vm", vmName).Msg("snapshot: failed to update current pointer after delete")
		}
	}

	metrics.SnapshotsTotal.WithLabelValues(vmName).Dec()
	m.recordAudit("snapshot.delete", vmName, snapshotName, audit.OutcomeSuccess, nil)
	m.logger.Info().Str("vm", vmName).Str("snapshot", snapshotName).Msg("snapshot deleted")
	return nil
}

func removeName(names []string, target string) []string {
	var out []string
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) isRunning(ctx context.Context, vmName string) (bool, error) {
	exists, err := m.backend.Exists(ctx, vmName)
	if err != nil {
		return false, types.NewError(types.ErrInternal, vmName, err)
	}
	if !exists {
		return false, nil
	}
	info, err := m.backend.Info(ctx, vmName)
	if err != nil {
		return false, err
	}
	return info.State == hypervisor.StateRunning, nil
}

func (m *Manager) recordAudit(eventType, vmName, snapshotName string, outcome audit.Outcome, cause error) {
	if m.audit == nil {
		return
	}
	rec := audit.Record{
		EventType: eventType,
		Outcome:   outcome,
		Actor:     audit.CurrentActor(),
		Target:    &audit.Target{Kind: "snapshot", Name: vmName + "/" + snapshotName},
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	if err := m.audit.Record(rec); err != nil {
		m.logger.Warn().Err(err).Msg("snapshot: failed to write audit record")
	}
}

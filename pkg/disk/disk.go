// Package disk is the Disk Manager: disk image lifecycle on the host
// filesystem, implemented entirely by shelling out to qemu-img through the
// Process Runner (§4.4). It never talks to the hypervisor directly.
package disk

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultFormat is used when a caller doesn't specify one.
const DefaultFormat = "qcow2"

// createTimeout and the other timeouts below bound a single qemu-img
// invocation; image creation and resize are normally fast, but a backing
// file on slow or network storage can still take a while.
const (
	createTimeout   = 60 * time.Second
	resizeTimeout   = 60 * time.Second
	infoTimeout     = 15 * time.Second
	snapshotTimeout = 120 * time.Second
)

// Info describes one disk image, as reported by `qemu-img info --output=json`.
type Info struct {
	VirtualSize int64
	ActualSize  int64
	Format      string
	Backing     string // empty if the image has no backing file
}

// Manager is the Disk Manager.
type Manager struct {
	run    *runner.Runner
	logger zerolog.Logger
}

// New constructs a Manager over run.
func New(run *runner.Runner, logger zerolog.Logger) *Manager {
	return &Manager{run: run, logger: logger}
}

// Create makes a new disk image at path. When backing is non-empty, path is
// created as a copy-on-write overlay referencing backing (which must
// already exist and be readable); size must be >= backing's virtual size.
// Create fails with AlreadyExists if path already exists — callers that
// want idempotent re-entry (the Transaction Engine's idempotency rule)
// must Info() first and skip the Create call themselves.
func (m *Manager) Create(ctx context.Context, path string, size int64, format, backing string) error {
	if format == "" {
		format = DefaultFormat
	}
	if _, err := os.Stat(path); err == nil {
		return types.NewError(types.ErrAlreadyExists, path, nil)
	}

	var backingSize int64
	if backing != "" {
		info, err := m.Info(ctx, backing)
		if err != nil {
			return err
		}
		backingSize = info.VirtualSize
		if size > 0 && size < backingSize {
			return types.NewError(types.ErrInvalidArgument, path,
				fmt.Errorf("overlay size %d is smaller than backing image virtual size %d", size, backingSize))
		}
	}

	argv := []string{"qemu-img", "create", "-f", format}
	if backing != "" {
		backingFormat, err := m.formatOf(ctx, backing)
		if err != nil {
			return err
		}
		argv = append(argv, "-F", backingFormat, "-b", backing)
	}
	argv = append(argv, path)
	// size<=0 with a backing file means "inherit the backing image's
	// virtual size", which qemu-img does automatically when no size
	// argument is given alongside -b.
	if size > 0 {
		argv = append(argv, strconv.FormatInt(size, 10))
	}

	result, err := m.run.Run(ctx, runner.Invocation{Argv: argv, Timeout: createTimeout})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img create: %s", result.Stderr))
	}
	return nil
}

// Resize expands path to newSize. Shrinking is forbidden: Resize first
// calls Info and rejects newSize < current virtual size with
// InvalidArgument. Resizing to the current size is a no-op that still
// succeeds (§8 boundary behaviour).
func (m *Manager) Resize(ctx context.Context, path string, newSize int64) error {
	info, err := m.Info(ctx, path)
	if err != nil {
		return err
	}
	if newSize < info.VirtualSize {
		return types.NewError(types.ErrInvalidArgument, path,
			fmt.Errorf("new size %d is smaller than current virtual size %d", newSize, info.VirtualSize))
	}
	if newSize == info.VirtualSize {
		return nil
	}

	result, err := m.run.Run(ctx, runner.Invocation{
		Argv:    []string{"qemu-img", "resize", path, strconv.FormatInt(newSize, 10)},
		Timeout: resizeTimeout,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img resize: %s", result.Stderr))
	}
	return nil
}

// Info inspects a disk image.
func (m *Manager) Info(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, types.NewError(types.ErrNotFound, path, err)
	}
	result, err := m.run.Run(ctx, runner.Invocation{
		Argv:    []string{"qemu-img", "info", "--output=json", path},
		Timeout: infoTimeout,
	})
	if err != nil {
		return Info{}, err
	}
	if result.ExitCode != 0 {
		return Info{}, types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img info: %s", result.Stderr))
	}
	return parseQemuImgInfo(result.Stdout, path)
}

func (m *Manager) formatOf(ctx context.Context, path string) (string, error) {
	info, err := m.Info(ctx, path)
	if err != nil {
		return "", err
	}
	return info.Format, nil
}

// SnapshotPath computes the external-snapshot file name Snapshot uses for
// path and snapshotName, without creating anything. Restore flows that need
// to locate a previously created external snapshot call this directly
// rather than recreating Snapshot's naming logic themselves.
func SnapshotPath(path, snapshotName string) string {
	base, ext := splitExt(path)
	return fmt.Sprintf("%s.%s%s", base, snapshotName, ext)
}

// Snapshot creates an external (separate-file) snapshot of path. The
// returned snapshotPath is path with the snapshot name appended before the
// extension.
func (m *Manager) Snapshot(ctx context.Context, path, snapshotName string) (string, error) {
	snapshotPath := SnapshotPath(path, snapshotName)
	if err := m.Create(ctx, snapshotPath, 0, "", path); err != nil {
		return "", err
	}
	return snapshotPath, nil
}

// Delete removes path if present. Delete is idempotent: a missing path is
// not an error.
func (m *Manager) Delete(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.NewError(types.ErrInternal, path, err)
	}
	return nil
}

// InternalSnapshot records a named point-in-time snapshot inside path's
// own qcow2 file via `qemu-img snapshot -c`, for a disk not currently
// attached to a running domain. A running domain's qcow2 file is held
// open by QEMU, so the Snapshot Manager uses
// hypervisor.Backend.SnapshotDiskInternal (over QMP) in that case instead;
// this method is the stopped-domain counterpart of the same disk_only
// snapshot type.
func (m *Manager) InternalSnapshot(ctx context.Context, path, snapshotName string) error {
	result, err := m.run.Run(ctx, runner.Invocation{
		Argv:    []string{"qemu-img", "snapshot", "-c", snapshotName, path},
		Timeout: snapshotTimeout,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img snapshot -c: %s", result.Stderr))
	}
	return nil
}

// DeleteInternalSnapshot removes a named internal snapshot from path's
// qcow2 file via `qemu-img snapshot -d`. Idempotent in the same sense as
// Delete: a snapshot name that's already gone is not treated specially
// here, callers check existence via metadata first.
func (m *Manager) DeleteInternalSnapshot(ctx context.Context, path, snapshotName string) error {
	result, err := m.run.Run(ctx, runner.Invocation{
		Argv:    []string{"qemu-img", "snapshot", "-d", snapshotName, path},
		Timeout: snapshotTimeout,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img snapshot -d: %s", result.Stderr))
	}
	return nil
}

// ApplyInternalSnapshot reverts path's qcow2 file to a previously taken
// internal snapshot via `qemu-img snapshot -a`. The disk must not be
// attached to a running domain.
func (m *Manager) ApplyInternalSnapshot(ctx context.Context, path, snapshotName string) error {
	result, err := m.run.Run(ctx, runner.Invocation{
		Argv:    []string{"qemu-img", "snapshot", "-a", snapshotName, path},
		Timeout: snapshotTimeout,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img snapshot -a: %s", result.Stderr))
	}
	return nil
}

// RestoreFromSnapshot replaces path's contents with snapshotPath's via
// `qemu-img convert`, writing to a temporary file first and renaming it
// into place so a failed or interrupted convert never leaves path
// half-written.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, path, snapshotPath string) error {
	tmpPath := path + ".restoring"
	result, err := m.run.Run(ctx, runner.Invocation{
		Argv:    []string{"qemu-img", "convert", "-O", DefaultFormat, snapshotPath, tmpPath},
		Timeout: snapshotTimeout,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		os.Remove(tmpPath)
		return types.NewError(types.ErrExternalToolError, path, fmt.Errorf("qemu-img convert: %s", result.Stderr))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return types.NewError(types.ErrInternal, path, err)
	}
	return nil
}

func splitExt(path string) (base, ext string) {
	if idx := strings.LastIndex(path, "."); idx > strings.LastIndex(path, "/") && idx != -1 {
		return path[:idx], path[idx:]
	}
	return path, ""
}

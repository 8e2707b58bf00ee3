package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/types"
)

// currentPointerFile names the file that tracks which snapshot is
// "current" for a VM, per the SnapshotTree.CurrentName field. It is not a
// valid snapshot name (snapshot names are validated to exclude a leading
// underscore) so it never collides with a real metadata file in the same
// directory.
const currentPointerFile = "_current"

// domainConfigSuffix names the sidecar file recording the DomainConfig a
// full_with_memory snapshot was taken against, so Restore can redefine the
// domain from the saved memory image. disk_only and external snapshots
// don't need one: reverting them leaves the existing domain definition
// untouched.
const domainConfigSuffix = ".domain.json"

// vmLocks serializes metadata writes per VM (§5: "snapshot metadata
// directory writes are sequential per VM"), using a coarse-grained mutex
// rather than a filesystem lock since the Snapshot Manager lives in a
// single process per host.
type vmLocks struct {
	mu    sync.Mutex
	byVM  map[string]*sync.Mutex
}

func newVMLocks() *vmLocks {
	return &vmLocks{byVM: make(map[string]*sync.Mutex)}
}

func (l *vmLocks) lock(vmName string) func() {
	l.mu.Lock()
	m, ok := l.byVM[vmName]
	if !ok {
		m = &sync.Mutex{}
		l.byVM[vmName] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (m *Manager) vmDir(vmName string) string {
	return filepath.Join(m.stateRoot, "snapshots", vmName)
}

func (m *Manager) metadataPath(vmName, snapshotName string) string {
	return filepath.Join(m.vmDir(vmName), snapshotName+".json")
}

func (m *Manager) domainConfigPath(vmName, snapshotName string) string {
	return filepath.Join(m.vmDir(vmName), snapshotName+domainConfigSuffix)
}

func (m *Manager) diskPath(vmName string) string {
	return filepath.Join(m.imagesRoot, vmName, "root.qcow2")
}

// memoryImagePath is where a full_with_memory snapshot's migrate-to-file
// stream lands.
func (m *Manager) memoryImagePath(vmName, snapshotName string) string {
	return filepath.Join(m.vmDir(vmName), snapshotName+".mem")
}

func (m *Manager) currentPointerPath(vmName string) string {
	return filepath.Join(m.vmDir(vmName), currentPointerFile)
}

// readAll loads every snapshot metadata file for vmName. An unreadable or
// unparsable file is skipped rather than failing the whole call — §4.7's
// "missing metadata is synthesized with default fields" extends naturally
// to "corrupt metadata is dropped rather than propagated", since a single
// damaged file shouldn't make every other snapshot invisible.
func (m *Manager) readAll(vmName string) (map[string]types.Snapshot, error) {
	out := make(map[string]types.Snapshot)
	entries, err := os.ReadDir(m.vmDir(vmName))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.vmDir(vmName), name))
		if err != nil {
			m.logger.Warn().Err(err).Str("file", name).Msg("snapshot: unreadable metadata file, skipping")
			continue
		}
		var snap types.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			m.logger.Warn().Err(err).Str("file", name).Msg("snapshot: unparsable metadata file, skipping")
			continue
		}
		out[snap.Name] = snap
	}
	return out, nil
}

// sortedByCreatedDesc returns snaps ordered newest-first, per §4.7's List
// contract.
func sortedByCreatedDesc(snaps map[string]types.Snapshot) []types.Snapshot {
	out := make([]types.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) writeSnapshot(snap types.Snapshot) error {
	if err := os.MkdirAll(m.vmDir(snap.VMName), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.metadataPath(snap.VMName, snap.Name), data, 0o644); err != nil {
		return err
	}
	if m.cache != nil {
		if err := m.cache.PutSnapshot(snap); err != nil {
			m.logger.Warn().Err(err).Str("snapshot", snap.Name).Msg("snapshot: cache mirror write failed")
		}
	}
	return nil
}

func (m *Manager) deleteSnapshotFiles(vmName, snapshotName string) error {
	if err := os.Remove(m.metadataPath(vmName, snapshotName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(m.domainConfigPath(vmName, snapshotName))
	_ = os.Remove(m.memoryImagePath(vmName, snapshotName))
	if m.cache != nil {
		if err := m.cache.DeleteSnapshot(vmName, snapshotName); err != nil {
			m.logger.Warn().Err(err).Str("snapshot", snapshotName).Msg("snapshot: cache mirror delete failed")
		}
	}
	return nil
}

func (m *Manager) readCurrent(vmName string) (string, error) {
	data, err := os.ReadFile(m.currentPointerPath(vmName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (m *Manager) writeCurrent(vmName, snapshotName string) error {
	if err := os.MkdirAll(m.vmDir(vmName), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.currentPointerPath(vmName), []byte(snapshotName), 0o644)
}

func (m *Manager) writeDomainConfig(vmName, snapshotName string, cfg hypervisor.DomainConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(m.domainConfigPath(vmName, snapshotName), data, 0o644)
}

func (m *Manager) readDomainConfig(vmName, snapshotName string) (hypervisor.DomainConfig, error) {
	var cfg hypervisor.DomainConfig
	data, err := os.ReadFile(m.domainConfigPath(vmName, snapshotName))
	if err != nil {
		return cfg, err
	}
	err = json.Unmarshal(data, &cfg)
	return cfg, err
}

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clonebox-dev/clonebox/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSnapshots    = []byte("snapshots")
	bucketOrchestrated = []byte("orchestrated")
)

// BoltCache implements Cache using bbolt.
type BoltCache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cache database at
// <state_root>/cache.db and rebuilds the snapshots bucket from every
// <state_root>/snapshots/<vm_name>/<snapshot_name>.json file it can read.
// A corrupt or unreadable snapshot file is skipped, not fatal: the JSON
// files remain authoritative regardless of what made it into the cache.
func Open(stateRoot string) (*BoltCache, error) {
	dbPath := filepath.Join(stateRoot, "cache.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketOrchestrated} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &BoltCache{db: db}
	if err := c.rebuildSnapshotsFromDisk(stateRoot); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *BoltCache) rebuildSnapshotsFromDisk(stateRoot string) error {
	snapshotsRoot := filepath.Join(stateRoot, "snapshots")
	vmDirs, err := os.ReadDir(snapshotsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list snapshot directory: %w", err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		for _, vmDir := range vmDirs {
			if !vmDir.IsDir() {
				continue
			}
			vmName := vmDir.Name()
			files, err := os.ReadDir(filepath.Join(snapshotsRoot, vmName))
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
					continue
				}
				data, err := os.ReadFile(filepath.Join(snapshotsRoot, vmName, f.Name()))
				if err != nil {
					continue
				}
				var snap types.Snapshot
				if err := json.Unmarshal(data, &snap); err != nil {
					continue
				}
				if err := b.Put(snapshotKey(vmName, snap.Name), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func snapshotKey(vmName, snapshotName string) []byte {
	return []byte(vmName + "/" + snapshotName)
}

// Close closes the underlying database.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// PutSnapshot mirrors snap into the cache, keyed by vm_name/snapshot_name.
func (c *BoltCache) PutSnapshot(snap types.Snapshot) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put(snapshotKey(snap.VMName, snap.Name), data)
	})
}

// DeleteSnapshot removes a snapshot's cache entry. Idempotent.
func (c *BoltCache) DeleteSnapshot(vmName, snapshotName string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(snapshotKey(vmName, snapshotName))
	})
}

// ListSnapshots returns every cached snapshot for vmName, in no particular
// order; callers that need sorting (§4.7's "sorted by created_at
// descending") sort the result themselves.
func (c *BoltCache) ListSnapshots(vmName string) ([]types.Snapshot, error) {
	var out []types.Snapshot
	prefix := []byte(vmName + "/")
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	return out, err
}

// ReplaceSnapshots atomically swaps the entire cached set for vmName with
// snaps, used after a reconciliation pass against the hypervisor and the
// metadata directory (§4.7's list operation).
func (c *BoltCache) ReplaceSnapshots(vmName string, snaps []types.Snapshot) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		prefix := []byte(vmName + "/")
		cur := b.Cursor()
		var stale [][]byte
		for k, _ := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cur.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, snap := range snaps {
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Put(snapshotKey(vmName, snap.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutOrchestratedVM mirrors the Orchestrator's last-known state for one VM.
func (c *BoltCache) PutOrchestratedVM(vm types.OrchestratedVM) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(vm)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOrchestrated).Put([]byte(vm.Name), data)
	})
}

// GetOrchestratedVM returns the last-known state for name, if cached.
func (c *BoltCache) GetOrchestratedVM(name string) (types.OrchestratedVM, bool, error) {
	var vm types.OrchestratedVM
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOrchestrated).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &vm)
	})
	return vm, found, err
}

// ListOrchestratedVMs returns every cached VM state.
func (c *BoltCache) ListOrchestratedVMs() ([]types.OrchestratedVM, error) {
	var out []types.OrchestratedVM
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrchestrated).ForEach(func(k, v []byte) error {
			var vm types.OrchestratedVM
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			out = append(out, vm)
			return nil
		})
	})
	return out, err
}

// DeleteOrchestratedVM removes a VM's cached state. Idempotent.
func (c *BoltCache) DeleteOrchestratedVM(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOrchestrated).Delete([]byte(name))
	})
}

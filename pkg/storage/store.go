package storage

import "github.com/clonebox-dev/clonebox/pkg/types"

// Cache is the read-side interface the Snapshot Manager and Orchestrator
// depend on. Every write here is a mirror of a write already durably made
// to an authoritative JSON file elsewhere; Cache itself is free to be
// dropped and rebuilt at any time.
type Cache interface {
	PutSnapshot(snap types.Snapshot) error
	DeleteSnapshot(vmName, snapshotName string) error
	ListSnapshots(vmName string) ([]types.Snapshot, error)
	ReplaceSnapshots(vmName string, snaps []types.Snapshot) error

	PutOrchestratedVM(vm types.OrchestratedVM) error
	GetOrchestratedVM(name string) (types.OrchestratedVM, bool, error)
	ListOrchestratedVMs() ([]types.OrchestratedVM, error)
	DeleteOrchestratedVM(name string) error

	Close() error
}

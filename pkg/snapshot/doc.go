// Package snapshot is the Snapshot Manager: point-in-time VM snapshots
// forming a parent/child forest per VM, a JSON side-table persisting their
// metadata, restore-with-backup semantics, and retention policy
// enforcement (§4.7).
//
// A Snapshot's authoritative record is the JSON file under
// <state_root>/snapshots/<vm_name>/<snapshot_name>.json; the bbolt-backed
// storage.Cache is a rebuildable mirror used for fast listing, exactly the
// arrangement storage.Cache documents for itself. The forest is never
// represented with pointers between Snapshot values — per §9's "Cyclic
// references in the snapshot tree" design note, Tree is computed on demand
// from a flat slice plus a name index, so a corrupt parent pointer can
// never produce a pointer cycle, only a dangling reference that List
// surfaces as-is for the caller to notice.
package snapshot

/*
Package storage is a non-authoritative read cache for two kinds of
frequently-listed state: the Snapshot Manager's per-VM snapshot side-table
and the Orchestrator's last-known VM states.

The authoritative record for a snapshot is always the JSON file under
<state_root>/snapshots/<vm_name>/<snapshot_name>.json (§6 of the host
filesystem layout contract); this package exists only so `list`/`tree`/
`status` calls don't have to re-walk and re-parse that directory tree on
every invocation. On Open, the cache is rebuilt from the JSON files it can
reach, so a stale or missing bbolt file is never a correctness problem —
at worst, the first call after a cold open pays the cost of a rebuild.

# Architecture

	┌─────────────────── CACHE STORE ───────────────────┐
	│                                                     │
	│  ┌───────────────────────────────────────┐        │
	│  │              Cache                      │        │
	│  │  - File: <state_root>/cache.db          │        │
	│  │  - Format: B+tree (bbolt)                │        │
	│  └──────────────────┬──────────────────────┘        │
	│                     │                                 │
	│  ┌──────────────────▼──────────────────────┐        │
	│  │            Bucket Structure               │        │
	│  │  snapshots     (vm_name/snapshot_name)    │        │
	│  │  orchestrated  (vm_name)                  │        │
	│  └───────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────┘

Reads go through db.View; writes through db.Update, same as bbolt's own
transaction model. Nothing here ever blocks a create/restore/delete
operation on a cache write succeeding — callers write through the cache
best-effort, after the authoritative JSON file is already on disk.
*/
package storage

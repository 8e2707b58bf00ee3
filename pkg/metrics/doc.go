/*
Package metrics exposes CloneBox's Prometheus instrumentation: one counter
or histogram per core-component operation (transaction commit/rollback,
guest exec, disk operations, snapshot operations, probe runs, orchestration
runs), plus a Timer helper for measuring operation duration without
threading a time.Time through every call site.

Handler returns the promhttp handler for mounting under a metrics endpoint;
CloneBox does not run its own metrics server, that's left to the embedding
process.
*/
package metrics

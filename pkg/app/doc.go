// Package app assembles CloneBox's components into the App a CLI command
// runs against, via an explicit Builder rather than reflection-based
// auto-wiring (see SPEC_FULL's "Decorator-based DI" design note).
package app

// Package cloudinit renders CloneBox's per-VM first-boot configuration as
// a cloud-init seed volume.
//
// The three documents it produces — user-data, meta-data, and an optional
// network-config — follow cloud-init's own #cloud-config and network
// config v2 vocabularies directly; CloneBox adds nothing of its own to
// that wire format; a generated seed image should look the same as one a
// human operator would have hand-written.
//
// Authentication materialization (§4.5) is the one place this package
// makes policy decisions rather than just rendering configuration: which
// auth method disables password login, which one generates and persists a
// keypair, and which one hashes a password before it reaches the seed.
package cloudinit

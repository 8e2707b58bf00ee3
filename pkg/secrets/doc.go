// Package secrets also generates credentials consumed by the Cloud-Init
// Builder: passwords, one-time passwords, and ed25519 SSH key pairs. None
// of these ever touch disk in plaintext outside the seed image itself.
package secrets

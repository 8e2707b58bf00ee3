package secrets

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

// defaultProbeTimeout bounds an IsAvailable check against an external CLI
// (vault status, sops --version) so an unreachable backend doesn't stall
// resolution.
const defaultProbeTimeout = 3 * time.Second

// defaultResolveTimeout bounds an actual secret-fetch call to an external
// CLI.
const defaultResolveTimeout = 15 * time.Second

// passwordAlphabet excludes characters that are visually ambiguous
// (0/O, 1/l/I) when a generated password is read off a terminal.
const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789!@#%^*"

// GeneratePassword returns a cryptographically random password of at least
// length characters drawn from passwordAlphabet. length below 16 is
// rejected; CloneBox never generates a password weaker than that floor.
func GeneratePassword(length int) (string, error) {
	if length < 16 {
		return "", types.NewError(types.ErrInvalidArgument, "", fmt.Errorf("password length must be >= 16, got %d", length))
	}
	out := make([]byte, length)
	alphabetLen := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", types.NewError(types.ErrInternal, "", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

// GenerateOneTimePassword returns a short, single-use random token suitable
// for first-boot authentication, distinct from GeneratePassword in that it
// is meant to be rotated out by the guest on first login rather than kept.
func GenerateOneTimePassword() (string, error) {
	return GeneratePassword(20)
}

// HashPassword bcrypt-hashes a plaintext password for embedding in
// cloud-init's chpasswd module. CloneBox's own auth methods (ssh_key,
// one_time_password) never need this; it exists only to support the
// deprecated password AuthMethod without storing plaintext in the seed
// image's rendered template.
func HashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", types.NewError(types.ErrInternal, "", err)
	}
	return string(hashed), nil
}

// SSHKeyPair is a generated ed25519 key pair in the forms cloud-init and
// OpenSSH expect: an authorized_keys-format public key and a PEM-encoded
// private key.
type SSHKeyPair struct {
	PublicKeyAuthorizedFormat string
	PrivateKeyPEM             []byte
}

// GenerateSSHKeyPair generates a fresh ed25519 key pair. comment is
// embedded in the public key line (typically "clonebox@<vm-name>").
func GenerateSSHKeyPair(comment string) (SSHKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SSHKeyPair{}, types.NewError(types.ErrInternal, "", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return SSHKeyPair{}, types.NewError(types.ErrInternal, "", err)
	}
	authorizedLine := ssh.MarshalAuthorizedKey(sshPub)
	line := string(authorizedLine)
	if comment != "" {
		line = line[:len(line)-1] + " " + comment + "\n"
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return SSHKeyPair{}, types.NewError(types.ErrInternal, "", err)
	}

	return SSHKeyPair{
		PublicKeyAuthorizedFormat: line,
		PrivateKeyPEM:             pem.EncodeToMemory(pemBlock),
	}, nil
}

// Package cloudinit is the Cloud-Init Builder: it renders a VM's
// first-boot configuration into cloud-init's own YAML vocabulary and
// packs it into a cidata-labelled ISO-9660 seed volume the Hypervisor
// Backend attaches as a CD-ROM device.
package cloudinit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/secrets"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"gopkg.in/yaml.v3"
)

// githubFetchTimeout and gitlabFetchTimeout bound the HTTPS key-source
// fetches; §4.5 requires "a 10-second timeout" and that network failures
// surface as errors rather than being silently skipped.
const keySourceFetchTimeout = 10 * time.Second

// Result is what Build reports back to the caller so the Transaction
// Engine can register the generated artifacts and the CLI can print
// connection instructions.
type Result struct {
	ISOPath           string
	GeneratedSSHKey   *secrets.SSHKeyPair // nil unless a key was generated on the user's behalf
	GeneratedPassword string              // one_time_password only; never persisted to disk
	// SecretsUsed is every SecretReference this build resolved through the
	// Secrets Resolver, formatted "<provider>:<path>" per §6's audit-log
	// contract. It never carries a resolved value.
	SecretsUsed []string
}

// userData mirrors the subset of cloud-init's #cloud-config vocabulary
// CloneBox emits. Field order matches cloud-init's own documentation
// examples, which keeps a rendered user-data file easy to eyeball.
type userData struct {
	Users      []cloudUser  `yaml:"users"`
	DisableRoot bool        `yaml:"disable_root"`
	SSHPwauth  bool         `yaml:"ssh_pwauth"`
	Packages   []string     `yaml:"packages,omitempty"`
	Chpasswd   *chpasswd    `yaml:"chpasswd,omitempty"`
	RunCmd     []string     `yaml:"runcmd,omitempty"`
	Mounts     [][]string   `yaml:"mounts,omitempty"`
	WriteFiles []writeFile  `yaml:"write_files,omitempty"`
	BootCmd    []string     `yaml:"bootcmd,omitempty"`
}

type cloudUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	HashedPasswd      string   `yaml:"hashed_passwd,omitempty"`
}

type chpasswd struct {
	Expire bool             `yaml:"expire"`
	Users  []chpasswdUser   `yaml:"users"`
}

type chpasswdUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"` // "text" for a plaintext one-time password
}

type writeFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions"`
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// networkConfigV2 mirrors cloud-init's "network config version 2" format,
// used only for the (currently single) custom-bridge static-IP case; DHCP
// configurations omit network-config entirely and let the guest's default
// NIC behavior take over.
type networkConfigV2 struct {
	Version   int                      `yaml:"version"`
	Ethernets map[string]ethernetEntry `yaml:"ethernets"`
}

type ethernetEntry struct {
	DHCP4 bool `yaml:"dhcp4"`
}

// Builder is the Cloud-Init Builder.
type Builder struct {
	resolver *secrets.Resolver
	client   *http.Client
}

// New constructs a Builder. resolver is used only for the deprecated
// password AuthMethod's SecretReference.
func New(resolver *secrets.Resolver) *Builder {
	return &Builder{
		resolver: resolver,
		client:   &http.Client{Timeout: keySourceFetchTimeout},
	}
}

// renderUserData builds the user-data document and materializes any
// generated credential (SSH key pair, one-time password) the VM directory
// or the caller needs. It also returns the provider:path of every secret
// resolved along the way, for the caller's audit record.
func (b *Builder) renderUserData(ctx context.Context, cfg types.VMConfig, vmDir string) (string, *secrets.SSHKeyPair, string, []string, error) {
	user := cloudUser{
		Name:       cfg.Username,
		Sudo:       "ALL=(ALL) NOPASSWD:ALL",
		LockPasswd: true,
	}

	doc := userData{
		DisableRoot: true,
		SSHPwauth:   false,
		Packages:    cfg.Packages,
	}

	var generatedKey *secrets.SSHKeyPair
	var generatedPassword string
	var secretsUsed []string

	switch cfg.Auth.Method {
	case types.AuthMethodSSHKey:
		keys, genKey, err := b.materializeSSHKeys(ctx, cfg.Auth.SSHKey, vmDir)
		if err != nil {
			return "", nil, "", nil, err
		}
		user.SSHAuthorizedKeys = keys
		generatedKey = genKey

	case types.AuthMethodOneTimePassword:
		length := 16
		if cfg.Auth.OneTimePassword != nil && cfg.Auth.OneTimePassword.Length > 0 {
			length = cfg.Auth.OneTimePassword.Length
		}
		password, err := secrets.GeneratePassword(length)
		if err != nil {
			return "", nil, "", nil, err
		}
		generatedPassword = password
		doc.SSHPwauth = true
		doc.Chpasswd = &chpasswd{
			Expire: true,
			Users:  []chpasswdUser{{Name: cfg.Username, Password: password, Type: "text"}},
		}
		doc.BootCmd = append(doc.BootCmd, fmt.Sprintf(
			`sh -c 'echo "one-time password for %s: %s" > /dev/console'`, cfg.Username, password))

	case types.AuthMethodPassword:
		ref := cfg.Auth.Password.SecretRef
		secret, err := b.resolver.Resolve(ctx, ref)
		if err != nil {
			return "", nil, "", nil, err
		}
		hashed, err := secrets.HashPassword(secret.Reveal())
		if err != nil {
			return "", nil, "", nil, err
		}
		user.HashedPasswd = hashed
		doc.SSHPwauth = true
		secretsUsed = append(secretsUsed, fmt.Sprintf("%s:%s", secret.ProviderName, ref.Path))

	default:
		return "", nil, "", nil, types.NewError(types.ErrInvalidArgument, cfg.Name,
			fmt.Errorf("unknown auth method %q", cfg.Auth.Method))
	}

	doc.Users = []cloudUser{user}
	doc.RunCmd = append(doc.RunCmd, serviceEnableCommands(cfg.Services)...)
	doc.RunCmd = append(doc.RunCmd, cfg.PostCommands...)

	for _, m := range cfg.PathMounts {
		opts := "rw"
		if m.ReadOnly {
			opts = "ro"
		}
		doc.Mounts = append(doc.Mounts, []string{m.HostPath, m.GuestPath, "9p", fmt.Sprintf("trans=virtio,version=9p2000.L,%s", opts), "0", "0"})
	}

	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return "", nil, "", nil, types.NewError(types.ErrInternal, cfg.Name, err)
	}
	return "#cloud-config\n" + string(rendered), generatedKey, generatedPassword, secretsUsed, nil
}

func serviceEnableCommands(services []string) []string {
	cmds := make([]string, 0, len(services))
	for _, svc := range services {
		cmds = append(cmds, fmt.Sprintf("systemctl enable --now %s", svc))
	}
	return cmds
}

// materializeSSHKeys resolves every configured source to zero or more
// authorized_keys lines. If no source is literal/file/fetched — i.e. the
// caller asked for ssh_key auth with nothing to seed it — a fresh ed25519
// pair is generated and its private half is saved to vmDir/ssh_key (0600).
func (b *Builder) materializeSSHKeys(ctx context.Context, auth *types.SSHKeyAuth, vmDir string) ([]string, *secrets.SSHKeyPair, error) {
	var keys []string
	if auth != nil {
		for _, src := range auth.Sources {
			lines, err := b.resolveSSHSource(ctx, src)
			if err != nil {
				return nil, nil, err
			}
			keys = append(keys, lines...)
		}
	}
	if len(keys) > 0 {
		return keys, nil, nil
	}

	pair, err := secrets.GenerateSSHKeyPair(fmt.Sprintf("clonebox@%s", filepath.Base(vmDir)))
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(filepath.Join(vmDir, "ssh_key"), pair.PrivateKeyPEM, 0o600); err != nil {
		return nil, nil, types.NewError(types.ErrInternal, vmDir, err)
	}
	if err := os.WriteFile(filepath.Join(vmDir, "ssh_key.pub"), []byte(pair.PublicKeyAuthorizedFormat), 0o644); err != nil {
		return nil, nil, types.NewError(types.ErrInternal, vmDir, err)
	}
	return []string{strings.TrimSuffix(pair.PublicKeyAuthorizedFormat, "\n")}, &pair, nil
}

func (b *Builder) resolveSSHSource(ctx context.Context, src types.SSHKeySource) ([]string, error) {
	switch src.Kind {
	case types.SSHKeySourceLiteral:
		return []string{strings.TrimSpace(src.Value)}, nil
	case types.SSHKeySourceFile:
		data, err := os.ReadFile(src.Value)
		if err != nil {
			return nil, types.NewError(types.ErrNotFound, src.Value, err)
		}
		return splitKeyLines(string(data)), nil
	case types.SSHKeySourceGitHub:
		return b.fetchKeys(ctx, fmt.Sprintf("https://github.com/%s.keys", src.Value))
	case types.SSHKeySourceGitLab:
		user := src.Value
		host := "gitlab.com"
		if idx := strings.Index(src.Value, "@"); idx >= 0 {
			user, host = src.Value[:idx], src.Value[idx+1:]
		}
		return b.fetchKeys(ctx, fmt.Sprintf("https://%s/%s.keys", host, user))
	default:
		return nil, types.NewError(types.ErrInvalidArgument, src.Value, fmt.Errorf("unknown ssh key source %q", src.Kind))
	}
}

func (b *Builder) fetchKeys(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, url, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrExternalToolError, url, fmt.Errorf("fetch ssh keys: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrExternalToolError, url, fmt.Errorf("fetch ssh keys: unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, types.NewError(types.ErrExternalToolError, url, fmt.Errorf("read ssh keys response: %w", err))
	}
	return splitKeyLines(string(body)), nil
}

func splitKeyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func renderMetaData(name string) (string, error) {
	md := metaData{InstanceID: name, LocalHostname: name}
	out, err := yaml.Marshal(md)
	if err != nil {
		return "", types.NewError(types.ErrInternal, name, err)
	}
	return string(out), nil
}

func renderNetworkConfig(mode types.NetworkMode) (string, error) {
	if mode != types.NetworkModeCustomBridge {
		return "", nil
	}
	cfg := networkConfigV2{Version: 2, Ethernets: map[string]ethernetEntry{"eth0": {DHCP4: true}}}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", types.NewError(types.ErrInternal, "", err)
	}
	return string(out), nil
}

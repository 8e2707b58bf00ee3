package secrets

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"gopkg.in/yaml.v3"
)

// lookupDotted navigates a dotted key path (e.g. "db.password") into a
// decrypted sops/age document. The document may be JSON or YAML; both
// unmarshal into the same generic map shape. Per §4.2, sops and age both
// address a field by "a dotted path into the decrypted document" rather
// than sops's own --extract JSON-pointer syntax, so this is done once here
// and shared by both providers instead of shelling out twice.
func lookupDotted(document []byte, dottedKey string) (string, bool, error) {
	var root any
	if err := yaml.Unmarshal(document, &root); err != nil {
		return "", false, fmt.Errorf("decoding decrypted document: %w", err)
	}
	if dottedKey == "" {
		return strings.TrimSpace(string(document)), true, nil
	}

	cur := root
	for _, segment := range strings.Split(dottedKey, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false, nil
		}
		cur, ok = m[segment]
		if !ok {
			return "", false, nil
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true, nil
	case nil:
		return "", false, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
}

// EnvProvider resolves secrets from the process environment. ref.Path is
// the environment variable name.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() types.SecretProvider { return types.SecretProviderEnv }

func (p *EnvProvider) IsAvailable(_ context.Context, ref types.SecretReference) bool {
	return ref.Path != ""
}

func (p *EnvProvider) Get(_ context.Context, ref types.SecretReference) (string, bool, error) {
	v, ok := os.LookupEnv(ref.Path)
	return v, ok, nil
}

// DotenvProvider resolves secrets from a KEY=VALUE file, typically
// .clonebox.env alongside the VM config. ref.Path is the key name; the file
// path is fixed at construction.
type DotenvProvider struct {
	filePath string
}

func NewDotenvProvider(filePath string) *DotenvProvider {
	return &DotenvProvider{filePath: filePath}
}

func (p *DotenvProvider) Name() types.SecretProvider { return types.SecretProviderDotenv }

func (p *DotenvProvider) IsAvailable(_ context.Context, _ types.SecretReference) bool {
	_, err := os.Stat(p.filePath)
	return err == nil
}

func (p *DotenvProvider) Get(_ context.Context, ref types.SecretReference) (string, bool, error) {
	f, err := os.Open(p.filePath)
	if err != nil {
		return "", false, types.NewError(types.ErrProviderError, p.filePath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key != ref.Path {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		return value, true, nil
	}
	if err := scanner.Err(); err != nil {
		return "", false, types.NewError(types.ErrProviderError, p.filePath, err)
	}
	return "", false, nil
}

// VaultProvider resolves secrets from a HashiCorp Vault KV mount via the
// vault CLI, run through the Process Runner so timeout and capture limits
// are uniform with every other external tool invocation. ref.Path is
// "mount/path#field".
type VaultProvider struct {
	run     *runner.Runner
	address string
}

func NewVaultProvider(run *runner.Runner, address string) *VaultProvider {
	return &VaultProvider{run: run, address: address}
}

func (p *VaultProvider) Name() types.SecretProvider { return types.SecretProviderVault }

func (p *VaultProvider) IsAvailable(ctx context.Context, _ types.SecretReference) bool {
	_, err := p.run.Run(ctx, runner.Invocation{Argv: []string{"vault", "status"}, Timeout: defaultProbeTimeout})
	return err == nil
}

func (p *VaultProvider) Get(ctx context.Context, ref types.SecretReference) (string, bool, error) {
	field := ref.Key
	env := os.Environ()
	if p.address != "" {
		env = append(env, "VAULT_ADDR="+p.address)
	}
	result, err := p.run.Run(ctx, runner.Invocation{
		Argv:    []string{"vault", "kv", "get", "-format=json", ref.Path},
		Env:     env,
		Timeout: defaultResolveTimeout,
	})
	if err != nil {
		return "", false, types.NewError(types.ErrProviderError, ref.Path, err)
	}
	if result.ExitCode != 0 {
		return "", false, nil
	}
	var payload struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(result.Stdout, &payload); err != nil {
		return "", false, types.NewError(types.ErrProviderError, ref.Path, err)
	}
	if field == "" {
		field = "value"
	}
	v, ok := payload.Data.Data[field]
	return v, ok, nil
}

// SopsProvider decrypts a sops-managed secrets file. ref.Path is the
// encrypted file; ref.Key, if set, is a dotted path into the decrypted
// document (per §4.2's table — "dotted path into decrypted document", not
// sops's own --extract JSON-pointer syntax).
type SopsProvider struct {
	run *runner.Runner
}

func NewSopsProvider(run *runner.Runner) *SopsProvider {
	return &SopsProvider{run: run}
}

func (p *SopsProvider) Name() types.SecretProvider { return types.SecretProviderSops }

func (p *SopsProvider) IsAvailable(ctx context.Context, ref types.SecretReference) bool {
	if ref.Path == "" {
		return false
	}
	if _, err := os.Stat(ref.Path); err != nil {
		return false
	}
	_, err := p.run.Run(ctx, runner.Invocation{Argv: []string{"sops", "--version"}, Timeout: defaultProbeTimeout})
	return err == nil
}

func (p *SopsProvider) Get(ctx context.Context, ref types.SecretReference) (string, bool, error) {
	result, err := p.run.Run(ctx, runner.Invocation{
		Argv:    []string{"sops", "--decrypt", ref.Path},
		Timeout: defaultResolveTimeout,
	})
	if err != nil {
		return "", false, types.NewError(types.ErrProviderError, ref.Path, err)
	}
	if result.ExitCode != 0 {
		return "", false, nil
	}
	value, found, err := lookupDotted(result.Stdout, ref.Key)
	if err != nil {
		return "", false, types.NewError(types.ErrProviderError, ref.Path, err)
	}
	return value, found, nil
}

// AgeProvider decrypts an age-encrypted file; ref.Path is the encrypted
// file's path, ref.Key (if set) is a dotted path into the decrypted
// document, and identityPath is the age identity (private key) file used
// to decrypt it.
type AgeProvider struct {
	run          *runner.Runner
	identityPath string
}

func NewAgeProvider(run *runner.Runner, identityPath string) *AgeProvider {
	return &AgeProvider{run: run, identityPath: identityPath}
}

func (p *AgeProvider) Name() types.SecretProvider { return types.SecretProviderAge }

func (p *AgeProvider) IsAvailable(_ context.Context, ref types.SecretReference) bool {
	if _, err := os.Stat(p.identityPath); err != nil {
		return false
	}
	_, err := os.Stat(ref.Path)
	return err == nil
}

func (p *AgeProvider) Get(ctx context.Context, ref types.SecretReference) (string, bool, error) {
	result, err := p.run.Run(ctx, runner.Invocation{
		Argv:    []string{"age", "--decrypt", "--identity", p.identityPath, ref.Path},
		Timeout: defaultResolveTimeout,
	})
	if err != nil {
		return "", false, types.NewError(types.ErrProviderError, ref.Path, err)
	}
	if result.ExitCode != 0 {
		return "", false, nil
	}
	value, found, err := lookupDotted(result.Stdout, ref.Key)
	if err != nil {
		return "", false, types.NewError(types.ErrProviderError, ref.Path, err)
	}
	return value, found, nil
}

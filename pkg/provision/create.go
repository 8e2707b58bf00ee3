// Package provision implements the control flow §2 calls out under
// "Control flow (create)": CLI builds a types.VMConfig, the Transaction
// Engine opens a scope, and the Cloud-Init Builder, Disk Manager, Network
// Manager, and Hypervisor Backend are invoked in order with the result
// either committed or rolled back as one unit.
package provision

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/clonebox-dev/clonebox/pkg/audit"
	"github.com/clonebox-dev/clonebox/pkg/cloudinit"
	"github.com/clonebox-dev/clonebox/pkg/disk"
	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/network"
	"github.com/clonebox-dev/clonebox/pkg/transaction"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
)

// defaultBridgeNetwork is the libvirt network name CloneBox ensures active
// for NetworkModeDefaultBridge, matching libvirt's own convention for its
// out-of-the-box NAT network.
const defaultBridgeNetwork = "default"

// guestSSHPort is the port every seed image's sshd listens on; it's what
// user-mode networking's hostfwd rule maps an allocated host port to.
const guestSSHPort = 22

// vmNamePattern enforces §3's VMConfig.Name invariant: `[a-z][a-z0-9-]{0,62}`.
var vmNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Deps bundles the concrete components a Create/Destroy call composes.
// Callers obtain one from pkg/app's builder rather than constructing it by
// hand.
type Deps struct {
	Backend    hypervisor.Backend
	Disks      *disk.Manager
	Networks   *network.Manager
	CloudInit  *cloudinit.Builder
	Ports      *network.PortAllocator
	Audit      *audit.Sink
	ImagesRoot string
	JournalDir string
	Logger     zerolog.Logger
}

// CreateResult is what a successful Create reports back to the caller.
type CreateResult struct {
	VMDir           string
	DiskPath        string
	ISOPath         string
	HostSSHPort     int
	GeneratedSSHKey bool
	OneTimePassword string
}

// Create provisions a new VM per cfg. It is crash-safe: a failure at any
// point rolls back everything this call created, in reverse order, via the
// Transaction Engine.
func Create(ctx context.Context, deps Deps, cfg types.VMConfig) (CreateResult, error) {
	if err := validate(cfg); err != nil {
		return CreateResult{}, err
	}

	tx, err := transaction.Open(ctx, transaction.Options{
		TargetName: cfg.Name,
		JournalDir: deps.JournalDir,
		Domains:    deps.Backend,
		Networks:   deps.Networks,
		Logger:     deps.Logger,
	})
	if err != nil {
		return CreateResult{}, err
	}
	var finishErr error
	defer tx.Finish(ctx, &finishErr)

	vmDir := filepath.Join(deps.ImagesRoot, cfg.Name)
	if _, statErr := os.Stat(vmDir); statErr == nil {
		finishErr = types.NewError(types.ErrAlreadyExists, cfg.Name, fmt.Errorf("vm directory already exists: %s", vmDir))
		return CreateResult{}, finishErr
	}
	if mkErr := os.MkdirAll(vmDir, 0o755); mkErr != nil {
		finishErr = types.NewError(types.ErrInternal, cfg.Name, mkErr)
		return CreateResult{}, finishErr
	}
	tx.Register(types.ArtifactDirectory, vmDir, nil, false)

	diskPath := filepath.Join(vmDir, "root.qcow2")
	if diskErr := deps.Disks.Create(ctx, diskPath, cfg.DiskSizeBytes, "qcow2", cfg.BaseImagePath); diskErr != nil {
		finishErr = diskErr
		return CreateResult{}, finishErr
	}
	tx.Register(types.ArtifactDiskImage, diskPath, map[string]string{"base": cfg.BaseImagePath}, false)

	isoPath := filepath.Join(vmDir, "cloud-init.iso")
	ciResult, ciErr := deps.CloudInit.Build(ctx, cfg, vmDir, isoPath)
	if ciErr != nil {
		finishErr = ciErr
		return CreateResult{}, finishErr
	}
	tx.Register(types.ArtifactSeedISO, isoPath, nil, false)
	if ciResult.GeneratedSSHKey != nil {
		tx.Register(types.ArtifactFile, filepath.Join(vmDir, "ssh_key"), nil, false)
		tx.Register(types.ArtifactFile, filepath.Join(vmDir, "ssh_key.pub"), nil, false)
	}

	mac, macErr := randomMAC()
	if macErr != nil {
		finishErr = types.NewError(types.ErrInternal, cfg.Name, macErr)
		return CreateResult{}, finishErr
	}

	domainCfg := hypervisor.DomainConfig{
		Name:      cfg.Name,
		VCPUs:     cfg.VCPUs,
		MemoryMiB: cfg.MemoryBytes / (1024 * 1024),
		Disks:     []hypervisor.Disk{{Path: diskPath, Format: "qcow2"}},
		CDROMPaths: []string{isoPath},
		SerialLog: filepath.Join(vmDir, "serial.log"),
	}

	hostPort := 0
	switch cfg.NetworkMode {
	case types.NetworkModeDefaultBridge:
		// libvirt installs ship "default" already defined; the empty XML
		// document is only reached if it's somehow missing, in which case
		// EnsureActive's define step fails loudly rather than guessing at
		// a NAT topology on the caller's behalf.
		if netErr := deps.Networks.EnsureActive(ctx, defaultBridgeNetwork, ""); netErr != nil {
			finishErr = netErr
			return CreateResult{}, finishErr
		}
		domainCfg.NICs = []hypervisor.NIC{{MAC: mac}}
	case types.NetworkModeCustomBridge:
		bridgeName := cfg.Name + "-net"
		if netErr := deps.Networks.EnsureActive(ctx, bridgeName, customBridgeXML(bridgeName)); netErr != nil {
			finishErr = netErr
			return CreateResult{}, finishErr
		}
		tx.RegisterCustom(bridgeName, nil, func(ctx context.Context) error {
			return deps.Networks.Destroy(ctx, bridgeName)
		})
		domainCfg.NICs = []hypervisor.NIC{{MAC: mac}}
	case types.NetworkModeUserMode, types.NetworkModeAuto:
		port, portErr := deps.Ports.Allocate(filepath.Join(vmDir, "ssh_port"))
		if portErr != nil {
			finishErr = portErr
			return CreateResult{}, finishErr
		}
		hostPort = port
		domainCfg.ExtraArgs = []string{
			"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:%d", port, guestSSHPort),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", mac),
		}
	default:
		finishErr = types.NewError(types.ErrInvalidArgument, cfg.Name, fmt.Errorf("unknown network mode %q", cfg.NetworkMode))
		return CreateResult{}, finishErr
	}

	if defErr := deps.Backend.Define(ctx, domainCfg); defErr != nil {
		finishErr = defErr
		return CreateResult{}, finishErr
	}
	tx.Register(types.ArtifactDomain, cfg.Name, nil, false)

	if commitErr := tx.Commit(ctx); commitErr != nil {
		finishErr = commitErr
		return CreateResult{}, finishErr
	}

	recordCreateAudit(deps.Audit, deps.Logger, cfg.Name, ciResult.SecretsUsed, audit.OutcomeSuccess, nil)

	return CreateResult{
		VMDir:           vmDir,
		DiskPath:        diskPath,
		ISOPath:         isoPath,
		HostSSHPort:     hostPort,
		GeneratedSSHKey: ciResult.GeneratedSSHKey != nil,
		OneTimePassword: ciResult.GeneratedPassword,
	}, nil
}

// recordCreateAudit writes the vm.create audit record. secretsUsed holds
// "<provider>:<path>" strings, never a resolved value, per §6.
func recordCreateAudit(sink *audit.Sink, logger zerolog.Logger, vmName string, secretsUsed []string, outcome audit.Outcome, cause error) {
	if sink == nil {
		return
	}
	rec := audit.Record{
		EventType: "vm.create",
		Outcome:   outcome,
		Actor:     audit.CurrentActor(),
		Target:    &audit.Target{Kind: "vm", Name: vmName},
	}
	if len(secretsUsed) > 0 {
		rec.Details = map[string]string{"secrets_used": strings.Join(secretsUsed, ",")}
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	if err := sink.Record(rec); err != nil {
		logger.Warn().Err(err).Msg("provision: failed to write audit record")
	}
}

func validate(cfg types.VMConfig) error {
	if cfg.Name == "" {
		return types.NewError(types.ErrInvalidArgument, "", fmt.Errorf("vm name required"))
	}
	if !vmNamePattern.MatchString(cfg.Name) {
		return types.NewError(types.ErrInvalidArgument, cfg.Name,
			fmt.Errorf("vm name must match %s", vmNamePattern.String()))
	}
	if cfg.VCPUs <= 0 {
		return types.NewError(types.ErrInvalidArgument, cfg.Name, fmt.Errorf("vcpus must be positive"))
	}
	if cfg.MemoryBytes <= 0 {
		return types.NewError(types.ErrInvalidArgument, cfg.Name, fmt.Errorf("memory must be positive"))
	}
	if cfg.BaseImagePath == "" {
		return types.NewError(types.ErrInvalidArgument, cfg.Name, fmt.Errorf("base image required"))
	}
	return nil
}

func randomMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}

func customBridgeXML(name string) string {
	return fmt.Sprintf(`<network><name>%s</name><forward mode='nat'/><bridge name='virbr-%s' stp='on' delay='0'/><ip address='192.168.%d.1' netmask='255.255.255.0'><dhcp><range start='192.168.%d.2' end='192.168.%d.254'/></dhcp></ip></network>`,
		name, name, subnetOctet(name), subnetOctet(name), subnetOctet(name))
}

func subnetOctet(name string) int {
	h := 0
	for _, c := range name {
		h = (h*31 + int(c)) % 200
	}
	return h + 10
}

// Command clonebox is the thin invocation surface over the core described
// by §1's "Deliberately out of scope" list: the interactive menus and rich
// terminal rendering that a full CLI product would carry live elsewhere.
// What's here is the minimum every headless operation needs — per §6,
// "every interactive prompt must have a --yes / config-driven alternative"
// — and nothing more: nine subcommands, each a few lines that load config,
// build an App, and call straight into the package the spec names.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/clonebox-dev/clonebox/pkg/app"
	"github.com/clonebox-dev/clonebox/pkg/config"
	"github.com/clonebox-dev/clonebox/pkg/log"
	"github.com/clonebox-dev/clonebox/pkg/metrics"
	"github.com/clonebox-dev/clonebox/pkg/orchestrator"
	"github.com/clonebox-dev/clonebox/pkg/provision"
	"github.com/clonebox-dev/clonebox/pkg/snapshot"
	"github.com/clonebox-dev/clonebox/pkg/transaction"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version information, set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgPath    string
	metricsBnd string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	return types.KindOf(err).ExitCode()
}

var rootCmd = &cobra.Command{
	Use:     "clonebox",
	Short:   "CloneBox turns local machine state into a reproducible KVM/QEMU virtual machine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("clonebox %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to clonebox.yaml (defaults to ~/.clonebox/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&metricsBnd, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090) for the duration of the command")

	rootCmd.AddCommand(createCmd, destroyCmd, recoverCmd, upCmd, downCmd, statusCmd, snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd, snapshotTreeCmd, snapshotRestoreCmd, snapshotDeleteCmd)
}

func buildApp(cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat == "json", Output: os.Stderr})

	var stopMetrics func()
	if metricsBnd != "" {
		srv := &http.Server{Addr: metricsBnd, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		stopMetrics = func() { srv.Close() }
	}

	a, err := app.NewBuilder(cfg, log.Logger).Build()
	if err != nil {
		if stopMetrics != nil {
			stopMetrics()
		}
		return nil, nil, err
	}
	cleanup := func() {
		a.Close()
		if stopMetrics != nil {
			stopMetrics()
		}
	}
	return a, cleanup, nil
}

var createCmd = &cobra.Command{
	Use:   "create <vm-config.yaml>",
	Short: "Provision a new VM from a VMConfig document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return types.NewError(types.ErrInvalidArgument, args[0], err)
		}
		var vmCfg types.VMConfig
		if err := yaml.Unmarshal(data, &vmCfg); err != nil {
			return types.NewError(types.ErrInvalidArgument, args[0], err)
		}

		result, err := provision.Create(cmd.Context(), a.Provision, vmCfg)
		if err != nil {
			return err
		}
		fmt.Printf("created %s: disk=%s iso=%s\n", vmCfg.Name, result.DiskPath, result.ISOPath)
		if result.HostSSHPort != 0 {
			fmt.Printf("  ssh -p %d %s@127.0.0.1\n", result.HostSSHPort, vmCfg.Username)
		}
		if result.OneTimePassword != "" {
			fmt.Printf("  one-time password: %s (forced change on first login)\n", result.OneTimePassword)
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Stop, undefine, and remove a VM's on-disk state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return provision.Destroy(cmd.Context(), a.Provision, args[0], a.Config.StopGraceTimeout)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Roll back any transaction journal left by a crashed create or destroy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		journals, err := transaction.Recover(cmd.Context(), a.Config.TransactionsDir(), a.Provision.Backend, a.Provision.Networks, a.Logger)
		if err != nil {
			return err
		}
		if len(journals) == 0 {
			fmt.Println("nothing to recover")
			return nil
		}
		for _, j := range journals {
			fmt.Printf("%s: %s -> %s\n", j.TransactionID, j.TargetName, j.State)
		}
		return nil
	},
}

var composeFile string

var upCmd = &cobra.Command{
	Use:   "up [vm-names...]",
	Short: "Bring a compose document's VMs up, level by level, with health gating",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		vms, err := orchestrator.LoadComposeFile(composeFile)
		if err != nil {
			return err
		}
		result, err := a.Orchestrator.Up(cmd.Context(), vms, args)
		if err != nil {
			return err
		}
		fmt.Printf("started: %v\nfailed: %v\nskipped: %v\n", result.Started, result.Failed, result.Skipped)
		if len(result.Failed) > 0 {
			return types.NewError(types.ErrPreconditionFailed, "", fmt.Errorf("%d vm(s) failed to reach healthy", len(result.Failed)))
		}
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop a compose document's VMs in strict reverse dependency order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		vms, err := orchestrator.LoadComposeFile(composeFile)
		if err != nil {
			return err
		}
		return a.Orchestrator.Down(cmd.Context(), vms)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print each orchestrated VM's last-known state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		vms, err := a.Orchestrator.Status(cmd.Context())
		if err != nil {
			return err
		}
		for _, vm := range vms {
			fmt.Printf("%-20s %-10s %s\n", vm.Name, vm.State, vm.Error)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list, restore, and delete VM snapshots",
}

var (
	snapType        string
	snapDescription string
	snapTags        []string
)

func init() {
	upCmd.Flags().StringVar(&composeFile, "compose", "clonebox-compose.yaml", "path to the compose document")
	downCmd.Flags().StringVar(&composeFile, "compose", "clonebox-compose.yaml", "path to the compose document")

	snapshotCmd.PersistentFlags().StringVar(&snapType, "type", "disk_only", "disk_only | full_with_memory | external")
	snapshotCmd.PersistentFlags().StringVar(&snapDescription, "description", "", "human-readable description")
	snapshotCmd.PersistentFlags().StringSliceVar(&snapTags, "tags", nil, "comma-separated tags")
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <vm-name> <snapshot-name>",
	Short: "Take a new point-in-time snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		_, err = a.Snapshots.Create(cmd.Context(), snapshot.CreateOptions{
			VMName:      args[0],
			Name:        args[1],
			Type:        types.SnapshotType(snapType),
			Description: snapDescription,
			Tags:        snapTags,
		})
		return err
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <vm-name>",
	Short: "List a VM's snapshots, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		snaps, err := a.Snapshots.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, s := range snaps {
			fmt.Printf("%-30s %-10s %-20s parent=%s\n", s.Name, s.Type, s.State, s.ParentName)
		}
		return nil
	},
}

var snapshotTreeCmd = &cobra.Command{
	Use:   "tree <vm-name>",
	Short: "Print a VM's snapshot tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		tree, err := a.Snapshots.Tree(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("roots: %v\ncurrent: %s\n", tree.RootNames, tree.CurrentName)
		return nil
	},
}

var (
	restoreStartAfter   bool
	restoreCreateBackup bool
)

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <vm-name> <snapshot-name>",
	Short: "Revert a VM to a prior snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return a.Snapshots.Restore(cmd.Context(), args[0], args[1], restoreStartAfter, restoreCreateBackup)
	},
}

var deleteRecursive bool

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <vm-name> <snapshot-name>",
	Short: "Delete a snapshot, optionally with its descendants",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return a.Snapshots.Delete(cmd.Context(), args[0], args[1], deleteRecursive)
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotRestoreCmd.Flags().BoolVar(&restoreStartAfter, "start", true, "start the VM after a successful revert")
	snapshotRestoreCmd.Flags().BoolVar(&restoreCreateBackup, "backup", true, "snapshot current state before reverting")
	snapshotDeleteCmd.Flags().BoolVar(&deleteRecursive, "recursive", false, "delete descendant snapshots too")
}

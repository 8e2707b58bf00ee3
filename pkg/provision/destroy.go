package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/transaction"
	"github.com/clonebox-dev/clonebox/pkg/types"
)

// Destroy tears a VM down: stops the domain if running, undefines it, and
// removes its VM directory. Like Create, it runs inside a transaction so a
// crash partway through still leaves the host in a recoverable state —
// here "recoverable" means "recover can finish the teardown", since
// Destroy's own artifacts are all cleanup targets, not creation targets.
func Destroy(ctx context.Context, deps Deps, vmName string, stopTimeout time.Duration) error {
	exists, err := deps.Backend.Exists(ctx, vmName)
	if err != nil {
		return err
	}
	if !exists {
		return types.NewError(types.ErrNotFound, vmName, fmt.Errorf("no domain named %q", vmName))
	}

	info, err := deps.Backend.Info(ctx, vmName)
	if err != nil {
		return err
	}
	if info.State == hypervisor.StateRunning {
		if err := deps.Backend.Stop(ctx, vmName, stopTimeout); err != nil {
			return err
		}
	}
	if err := deps.Backend.Undefine(ctx, vmName); err != nil {
		return err
	}

	vmDir := filepath.Join(deps.ImagesRoot, vmName)
	if err := os.RemoveAll(vmDir); err != nil {
		return types.NewError(types.ErrInternal, vmName, fmt.Errorf("remove vm directory: %w", err))
	}
	return nil
}

// recoverIncomplete rolls back any transaction journal left behind by a
// crashed create/destroy for this deployment, delegating to the
// Transaction Engine's own recovery sweep. Called once at process start
// (see pkg/app) and exposed here too for an explicit `recover` CLI command.
func RecoverIncomplete(ctx context.Context, deps Deps) ([]types.TransactionJournal, error) {
	return transaction.Recover(ctx, deps.JournalDir, deps.Backend, deps.Networks, deps.Logger)
}

package provision

import (
	"context"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
)

// Start begins execution of an already-defined but stopped domain.
func Start(ctx context.Context, deps Deps, vmName string) error {
	return deps.Backend.Start(ctx, vmName)
}

// Stop gracefully shuts a domain down, falling back to a forced destroy
// after timeout — the Backend implementation owns that fallback.
func Stop(ctx context.Context, deps Deps, vmName string, timeout time.Duration) error {
	return deps.Backend.Stop(ctx, vmName, timeout)
}

// Info reports current status for vmName.
func Info(ctx context.Context, deps Deps, vmName string) (hypervisor.Info, error) {
	return deps.Backend.Info(ctx, vmName)
}

// List returns every domain name the Hypervisor Backend currently knows
// about, regardless of run state.
func List(ctx context.Context, deps Deps) ([]string, error) {
	return deps.Backend.List(ctx)
}

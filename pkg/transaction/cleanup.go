package transaction

import (
	"context"
	"os"

	"github.com/clonebox-dev/clonebox/pkg/types"
)

// defaultCleanup applies the per-kind cleanup semantics of §4.6 to a single
// artifact. It must be idempotent: every branch tolerates the target
// already being absent.
func defaultCleanup(ctx context.Context, domains DomainCleaner, networks NetworkCleaner, artifact types.Artifact) error {
	switch artifact.Kind {
	case types.ArtifactDirectory:
		return os.RemoveAll(artifact.Identifier)

	case types.ArtifactFile, types.ArtifactDiskImage, types.ArtifactSeedISO:
		if err := os.Remove(artifact.Identifier); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil

	case types.ArtifactDomain:
		if domains == nil {
			return nil
		}
		// Undefine already destroys the domain first if it's active and
		// tolerates it being absent or already stopped; calling Destroy
		// separately here would abort this branch on a defined-but-not-
		// running domain, since a backend's Destroy errors on "domain is
		// not running" rather than treating it as a no-op.
		return domains.Undefine(ctx, artifact.Identifier)

	case types.ArtifactNetwork:
		if networks == nil {
			return nil
		}
		return networks.Destroy(ctx, artifact.Identifier)

	default:
		return nil
	}
}

package snapshot

import (
	"context"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/metrics"
	"github.com/clonebox-dev/clonebox/pkg/types"
)

// EnforcePolicy sweeps vmName's snapshots tagged with policy.Name and
// removes whichever ones policy no longer wants kept, in the fixed order
// described in §4.7: first anything past its ExpiresAt, then anything
// beyond policy.MaxCount (oldest first), then — if still over budget —
// anything pushing the tagged set's total size past policy.MaxSizeBytes.
// A snapshot that's still someone else's parent is skipped rather than
// force-deleted, so EnforcePolicy never silently discards history a
// manual Delete would have refused to.
func (m *Manager) EnforcePolicy(ctx context.Context, vmName string, policy types.SnapshotPolicy) ([]string, error) {
	unlock := m.locks.lock(vmName)
	defer unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SnapshotOperationDuration, "enforce_policy")
	metrics.PolicySweepsTotal.Inc()

	all, err := m.readAll(vmName)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, vmName, err)
	}

	tagged := make(map[string]types.Snapshot)
	for name, s := range all {
		if hasTagOrAutoPolicy(s, policy.Name) {
			tagged[name] = s
		}
	}

	var removed []string
	now := time.Now().UTC()

	for name, s := range tagged {
		if s.ExpiresAt != nil && s.ExpiresAt.Before(now) && len(s.Children) == 0 {
			if err := m.deleteLocked(ctx, vmName, name, false); err != nil {
				m.logger.Warn().Err(err).Str("snapshot", name).Msg("snapshot: policy sweep failed to delete expired snapshot")
				continue
			}
			delete(tagged, name)
			removed = append(removed, name)
		}
	}

	if policy.MaxCount > 0 {
		ordered := sortedByCreatedDesc(tagged)
		for i := policy.MaxCount; i < len(ordered); i++ {
			s := ordered[i]
			if len(s.Children) > 0 {
				continue
			}
			if err := m.deleteLocked(ctx, vmName, s.Name, false); err != nil {
				m.logger.Warn().Err(err).Str("snapshot", s.Name).Msg("snapshot: policy sweep failed to delete over-count snapshot")
				continue
			}
			delete(tagged, s.Name)
			removed = append(removed, s.Name)
		}
	}

	if policy.MaxSizeBytes > 0 {
		ordered := sortedByCreatedDesc(tagged)
		var total int64
		for _, s := range ordered {
			total += s.SizeBytes
		}
		// Evict oldest-first until the tagged set's footprint fits, same as
		// the max-count pass above.
		for i := len(ordered) - 1; i >= 0 && total > policy.MaxSizeBytes; i-- {
			s := ordered[i]
			if len(s.Children) > 0 {
				continue
			}
			if err := m.deleteLocked(ctx, vmName, s.Name, false); err != nil {
				m.logger.Warn().Err(err).Str("snapshot", s.Name).Msg("snapshot: policy sweep failed to delete oversized-set snapshot")
				continue
			}
			total -= s.SizeBytes
			removed = append(removed, s.Name)
		}
	}

	m.logger.Info().Str("vm", vmName).Str("policy", policy.Name).Int("removed", len(removed)).Msg("policy sweep complete")
	return removed, nil
}

func hasTagOrAutoPolicy(s types.Snapshot, policyName string) bool {
	if s.AutoPolicy == policyName {
		return true
	}
	for _, t := range s.Tags {
		if t == policyName {
			return true
		}
	}
	return false
}

package snapshot

import (
	"context"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/robfig/cron/v3"
)

// PolicyEntry pairs a retention policy with the VM it applies to, for
// registration with a Scheduler. A VMConfig with a non-nil SnapshotPolicy
// whose Triggers includes schedule_triggered contributes one of these.
type PolicyEntry struct {
	VMName string
	Policy types.SnapshotPolicy
}

// Scheduler runs EnforcePolicy sweeps on each registered policy's own cron
// schedule, using robfig/cron/v3 the same way the rest of the ecosystem
// drives periodic jobs off a standard 5-field expression.
type Scheduler struct {
	manager *Manager
	cron    *cron.Cron
	entries []PolicyEntry
}

// NewScheduler constructs a Scheduler over manager. Only entries whose
// Policy.Triggers includes SnapshotTriggerSchedule and whose Schedule is
// non-empty are registered; the rest are silently ignored since they're
// enforced some other way (pre_restore sweeps run inline from Restore,
// manual sweeps are triggered directly by a caller).
func NewScheduler(manager *Manager, entries []PolicyEntry) *Scheduler {
	return &Scheduler{manager: manager, cron: cron.New(), entries: entries}
}

// Run registers every scheduled policy and blocks until ctx is cancelled,
// at which point the cron loop and any in-flight sweep are allowed to
// finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, entry := range s.entries {
		if !isScheduleTriggered(entry.Policy) {
			continue
		}
		entry := entry
		if _, err := s.cron.AddFunc(entry.Policy.Schedule, func() {
			if _, err := s.manager.EnforcePolicy(ctx, entry.VMName, entry.Policy); err != nil {
				s.manager.logger.Warn().Err(err).
					Str("vm", entry.VMName).
					Str("policy", entry.Policy.Name).
					Msg("snapshot: scheduled policy sweep failed")
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func isScheduleTriggered(policy types.SnapshotPolicy) bool {
	if policy.Schedule == "" {
		return false
	}
	for _, t := range policy.Triggers {
		if t == types.SnapshotTriggerSchedule {
			return true
		}
	}
	return false
}

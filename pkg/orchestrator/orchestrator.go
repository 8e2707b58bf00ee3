package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/audit"
	"github.com/clonebox-dev/clonebox/pkg/health"
	"github.com/clonebox-dev/clonebox/pkg/metrics"
	"github.com/clonebox-dev/clonebox/pkg/provision"
	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/storage"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// defaultHealthGateTimeout is how long Up waits for a level's health gate
// to turn healthy before declaring the VM failed, per §4.9.
const defaultHealthGateTimeout = 300 * time.Second

// defaultStopGraceTimeout is how long Down waits for a graceful shutdown
// before the Backend's own forced-destroy fallback kicks in.
const defaultStopGraceTimeout = 30 * time.Second

// healthPollInterval paces the health-gate poll loop; it is independent of
// any individual probe's own Interval since the gate only cares about
// reaching a terminal status, not about a steady cadence.
const healthPollInterval = 2 * time.Second

// ConfigResolver turns one compose-document entry into the full VMConfig
// Provision needs, following whatever convention compose.go's caller uses
// to locate vm.ConfigSource (a file path, an inline fragment, ...). The
// Orchestrator itself is agnostic to that convention.
type ConfigResolver func(ctx context.Context, vm types.OrchestratedVM) (types.VMConfig, error)

// Deps wires the Orchestrator's collaborators.
type Deps struct {
	Provision         provision.Deps
	Cache             storage.Cache
	Audit             *audit.Sink
	Resolver          ConfigResolver
	Run               *runner.Runner
	Logger            zerolog.Logger
	HealthGateTimeout time.Duration
	StopGraceTimeout  time.Duration
}

// Manager is the Orchestrator.
type Manager struct {
	deps Deps
}

// New constructs a Manager, applying the default gate and grace timeouts
// when deps leaves them unset.
func New(deps Deps) *Manager {
	if deps.HealthGateTimeout <= 0 {
		deps.HealthGateTimeout = defaultHealthGateTimeout
	}
	if deps.StopGraceTimeout <= 0 {
		deps.StopGraceTimeout = defaultStopGraceTimeout
	}
	return &Manager{deps: deps}
}

// UpResult reports what happened to every VM Up attempted.
type UpResult struct {
	Started []string
	Failed  []string
	Skipped []string // transitive dependents of a Failed VM, never attempted
}

// Up brings vms online level by level: every VM in a level is created (if
// needed) and started in parallel, and Up waits for the whole level to
// clear its health gate before moving to the next. A VM whose health gate
// never clears is marked Failed, and every VM that transitively depends on
// it — in this level or a later one — is Skipped rather than started, per
// §4.9's "a failure blocks only its dependents" rule. targetNames, when
// non-empty, restricts the run to that subset's dependency closure;
// when empty, every VM in vms is targeted.
func (m *Manager) Up(ctx context.Context, vms []types.OrchestratedVM, targetNames []string) (UpResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OrchestrationUpDuration)

	scoped := vms
	if len(targetNames) > 0 {
		var err error
		scoped, err = Closure(vms, targetNames)
		if err != nil {
			return UpResult{}, fmt.Errorf("resolve target closure: %w", err)
		}
	}

	levels, err := BuildLevels(scoped)
	if err != nil {
		return UpResult{}, err
	}

	result := UpResult{}
	failed := make(map[string]bool)

	for _, level := range levels {
		grp, gctx := errgroup.WithContext(ctx)
		outcomes := make(chan struct {
			name   string
			failed bool
			skip   bool
		}, len(level))

		for _, vm := range level {
			vm := vm
			blocked := false
			for _, dep := range vm.DependsOn {
				if failed[dep] {
					blocked = true
					break
				}
			}
			if blocked {
				outcomes <- struct {
					name   string
					failed bool
					skip   bool
				}{vm.Name, false, true}
				continue
			}

			grp.Go(func() error {
				ok := m.bringUp(gctx, vm)
				outcomes <- struct {
					name   string
					failed bool
					skip   bool
				}{vm.Name, !ok, false}
				return nil
			})
		}

		_ = grp.Wait()
		close(outcomes)
		for o := range outcomes {
			switch {
			case o.skip:
				result.Skipped = append(result.Skipped, o.name)
				failed[o.name] = true // a skipped VM blocks its own dependents too
			case o.failed:
				result.Failed = append(result.Failed, o.name)
				failed[o.name] = true
			default:
				result.Started = append(result.Started, o.name)
			}
		}
	}

	return result, nil
}

// bringUp provisions (if necessary) and starts a single VM, then blocks on
// its health gate. It never returns an error: every failure mode is
// reported via the returned bool and logged, so one VM's failure can never
// abort the errgroup driving its level-mates.
func (m *Manager) bringUp(ctx context.Context, vm types.OrchestratedVM) bool {
	logger := m.deps.Logger.With().Str("vm", vm.Name).Logger()

	cfg, err := m.deps.Resolver(ctx, vm)
	if err != nil {
		logger.Error().Err(err).Msg("orchestrator: failed to resolve vm config")
		m.markFailed(vm.Name, err)
		return false
	}

	exists, err := m.deps.Provision.Backend.Exists(ctx, vm.Name)
	if err != nil {
		logger.Error().Err(err).Msg("orchestrator: failed to query domain existence")
		m.markFailed(vm.Name, err)
		return false
	}
	if !exists {
		if _, err := provision.Create(ctx, m.deps.Provision, cfg); err != nil {
			logger.Error().Err(err).Msg("orchestrator: create failed")
			m.markFailed(vm.Name, err)
			return false
		}
	} else if err := provision.Start(ctx, m.deps.Provision, vm.Name); err != nil {
		logger.Error().Err(err).Msg("orchestrator: start failed")
		m.markFailed(vm.Name, err)
		return false
	}

	if !m.waitHealthy(ctx, vm, cfg) {
		metrics.VMsStartedTotal.WithLabelValues("failed").Inc()
		m.markFailed(vm.Name, fmt.Errorf("health gate did not clear within %s", m.deps.HealthGateTimeout))
		return false
	}

	metrics.VMsStartedTotal.WithLabelValues("running").Inc()
	m.markState(vm, types.OrchestratedRunning, "")
	m.recordAudit("orchestrator.up", vm.Name, audit.OutcomeSuccess, nil)
	return true
}

// waitHealthy polls vm's health gate (if any) until it reports healthy, the
// gate timeout elapses, or ctx is cancelled. A VM with no HealthGate is
// considered healthy as soon as Provision reports it running.
func (m *Manager) waitHealthy(ctx context.Context, vm types.OrchestratedVM, cfg types.VMConfig) bool {
	if vm.HealthGate == nil || *vm.HealthGate == "" {
		return true
	}

	monitor, err := health.NewVMMonitor(vm.Name, cfg.HealthCheckConfigs, m.deps.Provision.Backend, m.deps.Run, m.deps.Logger)
	if err != nil {
		m.deps.Logger.Warn().Err(err).Str("vm", vm.Name).Msg("orchestrator: failed to build health monitor for gate")
		return false
	}

	deadline := time.Now().Add(m.deps.HealthGateTimeout)
	for {
		result, err := monitor.EvaluateOne(ctx, *vm.HealthGate)
		if err == nil && result.Status == types.HealthHealthy {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(healthPollInterval):
		}
	}
}

// Down stops vms in strict reverse dependency order: every VM in the last
// level is stopped before any VM in the level before it starts stopping,
// so a dependency is never torn down while something still using it is
// shutting down.
func (m *Manager) Down(ctx context.Context, vms []types.OrchestratedVM) error {
	levels, err := BuildLevels(vms)
	if err != nil {
		return err
	}

	// §4.9: "sequentially within a level (shutdown is inherently
	// I/O-light)" — unlike Up's level-parallel start, Down walks each
	// level's VMs one at a time.
	for _, level := range reverseLevels(levels) {
		for _, vm := range level {
			if err := m.deps.Provision.Backend.Stop(ctx, vm.Name, m.deps.StopGraceTimeout); err != nil {
				m.deps.Logger.Warn().Err(err).Str("vm", vm.Name).Msg("orchestrator: stop failed")
				m.markFailed(vm.Name, err)
				continue
			}
			m.markState(vm, types.OrchestratedStopped, "")
			m.recordAudit("orchestrator.down", vm.Name, audit.OutcomeSuccess, nil)
		}
	}
	return nil
}

// Status is a read-only snapshot of every VM's last-known orchestration
// state, sourced entirely from the cache — it never itself probes the
// hypervisor or the health gate.
func (m *Manager) Status(ctx context.Context) ([]types.OrchestratedVM, error) {
	if m.deps.Cache == nil {
		return nil, nil
	}
	return m.deps.Cache.ListOrchestratedVMs()
}

func (m *Manager) markState(vm types.OrchestratedVM, state types.OrchestratedVMState, errMsg string) {
	vm.State = state
	vm.Error = errMsg
	if m.deps.Cache == nil {
		return
	}
	if err := m.deps.Cache.PutOrchestratedVM(vm); err != nil {
		m.deps.Logger.Warn().Err(err).Str("vm", vm.Name).Msg("orchestrator: failed to persist vm state")
	}
}

func (m *Manager) markFailed(vmName string, cause error) {
	m.markState(types.OrchestratedVM{Name: vmName}, types.OrchestratedFailed, cause.Error())
	m.recordAudit("orchestrator.up", vmName, audit.OutcomeFailure, cause)
}

func (m *Manager) recordAudit(eventType, vmName string, outcome audit.Outcome, cause error) {
	if m.deps.Audit == nil {
		return
	}
	rec := audit.Record{
		EventType: eventType,
		Outcome:   outcome,
		Actor:     audit.CurrentActor(),
		Target:    &audit.Target{Kind: "orchestrated_vm", Name: vmName},
	}
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}
	if err := m.deps.Audit.Record(rec); err != nil {
		m.deps.Logger.Warn().Err(err).Msg("orchestrator: failed to write audit record")
	}
}

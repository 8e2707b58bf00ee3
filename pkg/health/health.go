package health

import (
	"context"
	"sync"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/hypervisor"
	"github.com/clonebox-dev/clonebox/pkg/metrics"
	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
)

// Prober is the interface every probe type implements. Probe returns the
// raw observed status for this single run — never types.HealthUnknown,
// which is reserved for a VM with no configured probes at all (see
// Aggregate). A probe that cannot complete (agent unreachable, dial
// refused, command not found) reports HealthUnhealthy with a message
// explaining why, not an error: per §7, the Health Engine absorbs
// per-probe failures rather than surfacing them.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) (status types.HealthStatus, message string, details map[string]string)
}

// newProber constructs the typed Prober for cfg.ProbeType. backend is used
// by guest-targeted probe types (command with run_in_guest, and any future
// guest probe); run is used by host-targeted probe types that shell out.
func newProber(cfg types.HealthCheckConfig, backend hypervisor.Backend, run *runner.Runner) (Prober, error) {
	switch cfg.ProbeType {
	case types.ProbeTCP:
		return newTCPProber(cfg.ProbeConfig)
	case types.ProbeHTTP:
		return newHTTPProber(cfg.ProbeConfig)
	case types.ProbeCommand:
		return newCommandProber(cfg.ProbeConfig, backend, run)
	case types.ProbeScript:
		return newScriptProber(cfg.ProbeConfig, run)
	case types.ProbeDisk:
		return newDiskProber(cfg.ProbeConfig)
	case types.ProbeMemory:
		return newMemoryProber(cfg.ProbeConfig)
	case types.ProbeProcess:
		return newProcessProber(cfg.ProbeConfig, run)
	case types.ProbeDNS:
		return newDNSProber(cfg.ProbeConfig)
	default:
		return nil, types.NewError(types.ErrInvalidArgument, string(cfg.ProbeType), nil)
	}
}

// probeState is the mutable per-probe evaluation state the engine tracks
// across runs: consecutive counters plus the Prober instance built once at
// registration time.
type probeState struct {
	mu      sync.Mutex
	cfg     types.HealthCheckConfig
	prober  Prober
	result  types.HealthCheckResult
	started bool // true once at least one observation has been recorded
}

// VMMonitor evaluates and tracks every configured probe for a single VM.
// It does not itself schedule anything — see Scheduler for the recurring
// loop — so a caller can also invoke EvaluateOnce for a synchronous,
// ad-hoc status check (e.g. the Orchestrator's health gate poll).
type VMMonitor struct {
	vmName  string
	probes  map[string]*probeState
	backend hypervisor.Backend
	run     *runner.Runner
	logger  zerolog.Logger
}

// NewVMMonitor constructs a monitor for vmName evaluating every cfg in
// checks. An invalid probe config surfaces immediately rather than at
// first evaluation.
func NewVMMonitor(vmName string, checks []types.HealthCheckConfig, backend hypervisor.Backend, run *runner.Runner, logger zerolog.Logger) (*VMMonitor, error) {
	m := &VMMonitor{
		vmName:  vmName,
		probes:  make(map[string]*probeState, len(checks)),
		backend: backend,
		run:     run,
		logger:  logger,
	}
	for _, cfg := range checks {
		prober, err := newProber(cfg, backend, run)
		if err != nil {
			return nil, err
		}
		m.probes[cfg.Name] = &probeState{cfg: cfg, prober: prober}
	}
	return m, nil
}

// EvaluateOne runs a single named probe once, updates its consecutive
// counters, dispatches on_failure/on_recovery on a status transition, and
// returns the resulting HealthCheckResult.
func (m *VMMonitor) EvaluateOne(ctx context.Context, name string) (types.HealthCheckResult, error) {
	ps, ok := m.probes[name]
	if !ok {
		return types.HealthCheckResult{}, types.NewError(types.ErrNotFound, name, nil)
	}
	return m.evaluate(ctx, ps), nil
}

// EvaluateAll runs every configured probe once (sequentially; callers
// wanting probe-level parallelism use Scheduler) and returns the VM's
// aggregate status alongside the individual results.
func (m *VMMonitor) EvaluateAll(ctx context.Context) (types.HealthStatus, []types.HealthCheckResult) {
	results := make([]types.HealthCheckResult, 0, len(m.probes))
	for _, ps := range m.probes {
		results = append(results, m.evaluate(ctx, ps))
	}
	return Aggregate(m.configsOf(results), results), results
}

func (m *VMMonitor) configsOf(results []types.HealthCheckResult) []types.HealthCheckConfig {
	out := make([]types.HealthCheckConfig, 0, len(results))
	for _, r := range results {
		if ps, ok := m.probes[r.Name]; ok {
			out = append(out, ps.cfg)
		}
	}
	return out
}

func (m *VMMonitor) evaluate(ctx context.Context, ps *probeState) types.HealthCheckResult {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	timeout := ps.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.NewTimer()
	raw, message, details := ps.prober.Probe(probeCtx, timeout)
	timer.ObserveDurationVec(metrics.ProbeDuration, string(ps.cfg.ProbeType))
	metrics.ProbesTotal.WithLabelValues(string(ps.cfg.ProbeType), string(raw)).Inc()

	previousStatus := ps.result.Status
	wasStarted := ps.started
	wasHealthy := wasStarted && previousStatus == types.HealthHealthy

	if raw == types.HealthHealthy {
		ps.result.ConsecutiveSuccesses++
		ps.result.ConsecutiveFailures = 0
	} else {
		ps.result.ConsecutiveFailures++
		ps.result.ConsecutiveSuccesses = 0
	}

	failureThreshold := ps.cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	successThreshold := ps.cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 1
	}

	declared := declareStatus(ps.result.ConsecutiveFailures, ps.result.ConsecutiveSuccesses, failureThreshold, successThreshold, previousStatus, ps.started)

	ps.result.Name = ps.cfg.Name
	ps.result.Status = declared
	ps.result.ObservedAt = time.Now().UTC()
	ps.result.Duration = timer.Duration()
	ps.result.Message = message
	ps.result.Details = details
	ps.started = true

	nowHealthy := declared == types.HealthHealthy
	if wasStarted && wasHealthy != nowHealthy {
		transition := "to_unhealthy"
		if nowHealthy {
			transition = "to_healthy"
		}
		metrics.HealthTransitionsTotal.WithLabelValues(ps.cfg.Name, transition).Inc()
		dispatchTransition(ctx, m.run, m.logger, ps.cfg, nowHealthy)
	}

	return ps.result
}

// declareStatus implements §4.8's threshold derivation: failures at or
// above threshold is unhealthy; any outstanding failure is degraded;
// reaching the success threshold (from a non-healthy run, or on the very
// first observation) is healthy.
func declareStatus(failures, successes, failureThreshold, successThreshold int, previous types.HealthStatus, started bool) types.HealthStatus {
	if failures >= failureThreshold {
		return types.HealthUnhealthy
	}
	if failures > 0 {
		return types.HealthDegraded
	}
	if successes >= successThreshold {
		return types.HealthHealthy
	}
	if !started {
		return types.HealthUnknown
	}
	return previous
}

// Aggregate implements §4.8's per-VM rollup: unhealthy if any critical
// probe is unhealthy; else degraded if any probe is unhealthy or degraded;
// else healthy if at least one result exists; else unknown (no probes
// configured, or none have reported yet).
func Aggregate(cfgs []types.HealthCheckConfig, results []types.HealthCheckResult) types.HealthStatus {
	if len(results) == 0 {
		return types.HealthUnknown
	}
	criticalByName := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		criticalByName[c.Name] = c.Critical
	}

	anyDegradedOrUnhealthy := false
	for _, r := range results {
		if r.Status == types.HealthUnhealthy && criticalByName[r.Name] {
			return types.HealthUnhealthy
		}
		if r.Status == types.HealthUnhealthy || r.Status == types.HealthDegraded {
			anyDegradedOrUnhealthy = true
		}
	}
	if anyDegradedOrUnhealthy {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

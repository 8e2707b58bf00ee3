package health

import (
	"context"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/runner"
	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/rs/zerolog"
)

// actionTimeout bounds how long an on_failure/on_recovery command gets
// before it is killed; these run fire-and-forget relative to the probe
// that triggered them, so a hung action script never blocks scheduling.
const actionTimeout = 30 * time.Second

// dispatchTransition runs cfg.OnFailure or cfg.OnRecovery (whichever
// applies to the transition just observed) on the host via run. A failing
// or missing action is logged, never propagated: §4.8 treats actions as
// best-effort side effects of a health transition, not part of the
// declared status itself.
func dispatchTransition(ctx context.Context, run *runner.Runner, logger zerolog.Logger, cfg types.HealthCheckConfig, nowHealthy bool) {
	argv := cfg.OnFailure
	if nowHealthy {
		argv = cfg.OnRecovery
	}
	if len(argv) == 0 {
		return
	}

	actionCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), actionTimeout)
	defer cancel()

	result, err := run.Run(actionCtx, runner.Invocation{Argv: argv, Timeout: actionTimeout})
	if err != nil {
		logger.Warn().Err(err).Str("probe", cfg.Name).Strs("argv", argv).Msg("health action failed to run")
		return
	}
	if result.ExitCode != 0 {
		logger.Warn().Str("probe", cfg.Name).Strs("argv", argv).Int("exit_code", result.ExitCode).
			Str("stderr", string(result.Stderr)).Msg("health action exited non-zero")
	}
}

/*
Package log provides structured logging for CloneBox using zerolog.

# Usage

Initializing the logger:

	import "github.com/clonebox-dev/clonebox/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	txLog := log.WithComponent("transaction")
	txLog.Info().Str("transaction_id", txID).Msg("transaction opened")

	vmLog := log.WithVMName("dev")
	vmLog.Warn().Msg("health check degraded")

# Design

A single package-level zerolog.Logger is initialized once via Init and
never mutated afterward; every other component derives a child logger from
it with WithComponent/WithVMName/WithTransactionID/WithTarget rather than
logging through the global instance directly, so tests can inject a
buffer-backed logger per component.

Never log a types.Secret's revealed value; types.Secret.String() always
returns a fixed redacted token, so logging the struct itself is safe, but
logging the result of Secret.Reveal() is not and must never appear in this
codebase.
*/
package log

// Package transaction is the Transaction Engine: the crash-safe artifact
// registry and LIFO rollback machinery described in §4.6. A Transaction
// wraps every side effect a provisioning operation performs (directory,
// disk, seed ISO, domain, network) behind a journal that survives a crash,
// so a half-finished `create` never leaves orphaned state on disk or in the
// hypervisor.
package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DomainCleaner is the subset of hypervisor.Backend the engine needs to
// clean up a "domain" artifact: Undefine already destroys it first if
// active and tolerates it being absent, so that's the only method the
// engine calls.
type DomainCleaner interface {
	Undefine(ctx context.Context, name string) error
}

// NetworkCleaner is the subset of a network manager needed to clean up a
// "network" artifact.
type NetworkCleaner interface {
	Destroy(ctx context.Context, name string) error
}

// CleanupFunc is a caller-supplied cleanup for a custom artifact registered
// via Register. It must be idempotent: Rollback may call it for an artifact
// whose side effect was only partially applied.
type CleanupFunc func(ctx context.Context) error

// Transaction is a single provisioning operation's crash-safe scope. A
// Transaction is not safe for concurrent use by multiple goroutines; it is
// owned by the single call stack that opened it.
type Transaction struct {
	id         string
	targetName string
	journalDir string
	domains    DomainCleaner
	networks   NetworkCleaner
	logger     zerolog.Logger

	journal  types.TransactionJournal
	cleanups []CleanupFunc // parallel to journal.Artifacts; nil entries use kind-default cleanup

	lock     *flock
	finished bool
}

// Options configures Open.
type Options struct {
	TargetName string
	JournalDir string
	Domains    DomainCleaner // may be nil if this transaction never touches a domain
	Networks   NetworkCleaner
	Logger     zerolog.Logger
}

// Open begins a new transaction for TargetName. It acquires an advisory
// filesystem lock keyed by target name so at most one transaction per
// target runs at a time (§5), and persists a "pending" journal before
// returning so a crash between Open and the first artifact is still
// recoverable.
func Open(ctx context.Context, opts Options) (*Transaction, error) {
	if opts.TargetName == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "", fmt.Errorf("target name required"))
	}
	if err := os.MkdirAll(opts.JournalDir, 0o755); err != nil {
		return nil, types.NewError(types.ErrInternal, opts.TargetName, err)
	}

	lockPath := filepath.Join(opts.JournalDir, opts.TargetName+".lock")
	lock, err := acquireFlock(lockPath)
	if err != nil {
		return nil, types.NewError(types.ErrPreconditionFailed, opts.TargetName,
			fmt.Errorf("another transaction is already in progress for %s: %w", opts.TargetName, err)).
			WithRemediation(fmt.Sprintf("wait for the in-progress transaction on %q to finish, or run `recover`", opts.TargetName))
	}

	now := time.Now().UTC()
	id := fmt.Sprintf("%s-%s-%s", opts.TargetName, now.Format("20060102150405"), uuid.New().String()[:8])

	tx := &Transaction{
		id:         id,
		targetName: opts.TargetName,
		journalDir: opts.JournalDir,
		domains:    opts.Domains,
		networks:   opts.Networks,
		logger:     opts.Logger,
		lock:       lock,
		journal: types.TransactionJournal{
			TransactionID: id,
			TargetName:    opts.TargetName,
			State:         types.TransactionPending,
			Artifacts:     nil,
			StartedAt:     now,
		},
	}
	if err := tx.persistJournal(); err != nil {
		lock.release()
		return nil, err
	}
	return tx, nil
}

// ID returns the transaction's identifier, as written to the journal
// filename and to every artifact's log lines.
func (t *Transaction) ID() string { return t.id }

// journalPath returns <journal_dir>/<transaction_id>.json.
func (t *Transaction) journalPath() string {
	return filepath.Join(t.journalDir, t.id+".json")
}

func (t *Transaction) persistJournal() error {
	if err := writeJournalAtomic(t.journalPath(), t.journal); err != nil {
		return types.NewError(types.ErrInternal, t.targetName, err)
	}
	return nil
}

// Register appends an artifact of a built-in kind to the transaction's
// history and persists the journal immediately. It does not perform the
// side effect itself — callers create the resource first, then register it
// so a failure partway through resource creation never leaves an
// unregistered (and therefore unrolled-back) artifact.
//
// alreadyExisted implements the idempotency rule of §4.6: when the target
// was already present with equivalent content before this call, the
// artifact is recorded for audit purposes in the in-memory list returned by
// Artifacts, but it is NOT added to the journal and will not be cleaned up
// on rollback.
func (t *Transaction) Register(kind types.ArtifactKind, identifier string, metadata map[string]string, alreadyExisted bool) {
	artifact := types.Artifact{
		Kind:       kind,
		Identifier: identifier,
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
	if alreadyExisted {
		t.logger.Debug().Str("identifier", identifier).Str("kind", string(kind)).
			Msg("artifact pre-existed, not registering for rollback")
		return
	}
	t.journal.Artifacts = append(t.journal.Artifacts, artifact)
	t.cleanups = append(t.cleanups, nil)
	t.journal.State = types.TransactionInProgress
	if err := t.persistJournal(); err != nil {
		t.logger.Error().Err(err).Msg("failed to persist journal after artifact registration")
	}
}

// RegisterCustom registers an artifact with a caller-supplied cleanup,
// for resources the built-in kind-based cleanup in cleanup.go doesn't know
// how to undo (e.g. a third-party API call made on the caller's behalf).
func (t *Transaction) RegisterCustom(identifier string, metadata map[string]string, cleanup CleanupFunc) {
	artifact := types.Artifact{
		Kind:       types.ArtifactFile,
		Identifier: identifier,
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
	t.journal.Artifacts = append(t.journal.Artifacts, artifact)
	t.cleanups = append(t.cleanups, cleanup)
	t.journal.State = types.TransactionInProgress
	if err := t.persistJournal(); err != nil {
		t.logger.Error().Err(err).Msg("failed to persist journal after artifact registration")
	}
}

// Artifacts returns a copy of the artifacts registered so far, in creation
// order.
func (t *Transaction) Artifacts() []types.Artifact {
	out := make([]types.Artifact, len(t.journal.Artifacts))
	copy(out, t.journal.Artifacts)
	return out
}

// Commit marks the transaction successful: the journal is marked committed
// and then deleted, per the adopted reading of the two divergent
// transaction-engine descriptions in the source (§9 Open Questions).
// Calling Commit more than once, or calling it after Rollback, is a
// programming error and returns ErrInternal.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.finished {
		return types.NewError(types.ErrInternal, t.targetName, fmt.Errorf("transaction already finished"))
	}
	now := time.Now().UTC()
	t.journal.State = types.TransactionCommitted
	t.journal.CompletedAt = &now
	if err := os.Remove(t.journalPath()); err != nil && !os.IsNotExist(err) {
		t.logger.Error().Err(err).Msg("failed to delete journal after commit")
	}
	t.finished = true
	t.lock.release()
	return nil
}

// Rollback cleans up every registered artifact in strict reverse (LIFO)
// order. A single artifact's cleanup failure is logged and does not stop
// the sweep over the remaining artifacts (§4.6). The journal is retained in
// state rolled_back, or failed_rollback if at least one cleanup failed, for
// audit and crash-recovery purposes.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.finished {
		return nil
	}
	failures := rollbackArtifacts(ctx, t.logger, t.domains, t.networks, t.journal.Artifacts, t.cleanups)

	now := time.Now().UTC()
	t.journal.CompletedAt = &now
	if failures > 0 {
		t.journal.State = types.TransactionFailedRollback
		t.journal.Error = fmt.Sprintf("%d artifact(s) failed cleanup", failures)
	} else {
		t.journal.State = types.TransactionRolledBack
	}
	if err := t.persistJournal(); err != nil {
		t.logger.Error().Err(err).Msg("failed to persist journal after rollback")
	}
	t.finished = true
	t.lock.release()

	if failures > 0 {
		return types.NewError(types.ErrInternal, t.targetName,
			fmt.Errorf("rollback completed with %d cleanup failure(s); see journal %s", failures, t.journalPath()))
	}
	return types.NewError(types.ErrTransactionRolledBack, t.targetName, nil).
		WithRemediation(fmt.Sprintf("inspect the rolled-back journal at %s", t.journalPath()))
}

// Finish is the scoped-guard helper named in §9 "Scoped acquisition": call
// it via defer immediately after Open. If the transaction was already
// committed, Finish is a no-op; otherwise it rolls back. *errOut is set to
// the rollback's error only when *errOut was nil, so a caller's own error
// is never masked by a cosmetic rollback-reporting error.
func (t *Transaction) Finish(ctx context.Context, errOut *error) {
	if t.finished {
		return
	}
	rbErr := t.Rollback(ctx)
	if *errOut == nil {
		*errOut = rbErr
	}
}

// rollbackArtifacts visits artifacts in reverse order, using cleanups[i]
// when set and the kind-default cleanup (cleanup.go) otherwise. It returns
// the number of artifacts whose cleanup failed.
func rollbackArtifacts(ctx context.Context, logger zerolog.Logger, domains DomainCleaner, networks NetworkCleaner, artifacts []types.Artifact, cleanups []CleanupFunc) int {
	failures := 0
	for i := len(artifacts) - 1; i >= 0; i-- {
		artifact := artifacts[i]
		var err error
		if i < len(cleanups) && cleanups[i] != nil {
			err = cleanups[i](ctx)
		} else {
			err = defaultCleanup(ctx, domains, networks, artifact)
		}
		if err != nil {
			failures++
			logger.Error().Err(err).
				Str("kind", string(artifact.Kind)).
				Str("identifier", artifact.Identifier).
				Msg("rollback: artifact cleanup failed, continuing with remaining artifacts")
			continue
		}
		logger.Debug().
			Str("kind", string(artifact.Kind)).
			Str("identifier", artifact.Identifier).
			Msg("rollback: artifact cleaned up")
	}
	return failures
}

// Recover scans journalDir for journals left in pending or in_progress
// state — evidence of a process that died mid-transaction — and rolls each
// one back using its recorded artifacts. It is safe to call repeatedly:
// journals already resolved (committed journals don't exist; rolled_back
// and failed_rollback ones are skipped) make a second call a no-op.
func Recover(ctx context.Context, journalDir string, domains DomainCleaner, networks NetworkCleaner, logger zerolog.Logger) ([]types.TransactionJournal, error) {
	entries, err := os.ReadDir(journalDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.NewError(types.ErrInternal, "", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var recovered []types.TransactionJournal
	for _, name := range names {
		path := filepath.Join(journalDir, name)
		journal, err := readJournal(path)
		if err != nil {
			logger.Error().Err(err).Str("journal", path).Msg("recover: unreadable journal, skipping")
			continue
		}
		if journal.State != types.TransactionPending && journal.State != types.TransactionInProgress {
			continue
		}

		logger.Warn().Str("transaction_id", journal.TransactionID).Str("target", journal.TargetName).
			Msg("recover: found incomplete transaction, rolling back")

		failures := rollbackArtifacts(ctx, logger, domains, networks, journal.Artifacts, nil)
		now := time.Now().UTC()
		journal.CompletedAt = &now
		if failures > 0 {
			journal.State = types.TransactionFailedRollback
			journal.Error = fmt.Sprintf("%d artifact(s) failed cleanup during recovery", failures)
		} else {
			journal.State = types.TransactionRolledBack
		}
		if err := writeJournalAtomic(path, journal); err != nil {
			logger.Error().Err(err).Str("journal", path).Msg("recover: failed to persist rolled-back journal")
		}
		recovered = append(recovered, journal)
	}
	return recovered, nil
}

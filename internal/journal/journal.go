package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/franz/dedup-janitor/internal/hasher"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/util"
)

// Stager makes and checks verified copies of files before they are removed
type Stager interface {
	Stage(ctx context.Context, op *store.Operation) (*store.ManifestEntry, error)
	Verify(entry *store.ManifestEntry) error
}

// Applier performs and reverses operations on the filesystem
type Applier interface {
	Apply(ctx context.Context, op *store.Operation, backup *store.ManifestEntry) error
	IsApplied(op *store.Operation, backup *store.ManifestEntry) (bool, error)
	Revert(ctx context.Context, op *store.Operation, backup *store.ManifestEntry) error
}

// Intent describes an operation to append to an open transaction
type Intent struct {
	Kind        store.OpKind
	Source      string
	Destination string
	Hash        string
	Size        int64
	Reverses    string

	// Keep is the surviving copy that justifies removing Source. Commit
	// refuses to proceed unless it still exists and, when KeepHash is set,
	// still has those bytes.
	Keep     string
	KeepHash string
}

func (i Intent) validate() error {
	switch {
	case i.Source == "":
		return errors.New("source path is required")
	case i.Hash == "":
		return errors.New("content hash is required")
	case i.Keep != "" && i.Keep == i.Source:
		return errors.New("a file cannot be its own keeper")
	}
	switch i.Kind {
	case store.OpDelete:
	case store.OpMove, store.OpRestore:
		if i.Destination == "" {
			return fmt.Errorf("%s requires a destination", i.Kind)
		}
		if i.Destination == i.Source {
			return fmt.Errorf("%s source and destination are the same", i.Kind)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", i.Kind)
	}
	return nil
}

// Config holds journal configuration
type Config struct {
	Store            *store.Store
	Lock             *TransactionContext
	Stager           Stager
	Executor         Applier
	Logger           *report.EventLogger
	StageConcurrency int
}

// Journal is the write-ahead transaction log. Every mutation is recorded
// before it happens: record intent, verify backup, mutate, mark applied.
type Journal struct {
	store   *store.Store
	lock    *TransactionContext
	stager  Stager
	exec    Applier
	logger  *report.EventLogger
	workers int

	mu     sync.Mutex
	active string // transaction this journal opened and still holds the lock for

	now     func() time.Time
	newOpID func() string
	newTxID func() string
	crashAt func(phase string) bool
}

// errCrash stops a commit dead, as a process crash would
var errCrash = errors.New("simulated crash")

// New creates a journal
func New(cfg *Config) *Journal {
	if cfg.StageConcurrency <= 0 {
		cfg.StageConcurrency = 4
	}
	return &Journal{
		store:   cfg.Store,
		lock:    cfg.Lock,
		stager:  cfg.Stager,
		exec:    cfg.Executor,
		logger:  cfg.Logger,
		workers: cfg.StageConcurrency,
		now:     time.Now,
		newOpID: uuid.NewString,
		newTxID: uuid.NewString,
	}
}

// Store exposes the underlying journal store
func (j *Journal) Store() *store.Store {
	return j.store
}

// Begin opens a transaction and takes the global write lock until it is
// committed or rolled back. Fails with util.ErrTransactionBusy if another
// transaction is open.
func (j *Journal) Begin(ctx context.Context, note string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active != "" {
		return "", fmt.Errorf("transaction %s is open: %w", j.active, util.ErrTransactionBusy)
	}
	if err := j.lock.acquire(); err != nil {
		return "", err
	}

	tx := &store.Transaction{ID: j.newTxID(), Status: store.TxOpen, Note: note, CreatedAt: j.now()}
	if err := j.store.InsertTransaction(tx); err != nil {
		j.lock.release()
		return "", fmt.Errorf("begin: %w", err)
	}
	j.active = tx.ID
	util.DebugLog("Journal: began %s (%s)", tx.ID, note)
	return tx.ID, nil
}

// Append records an operation intent in an open transaction and returns its id.
// Fails with util.ErrClosedTransaction if the transaction is not open.
func (j *Journal) Append(ctx context.Context, txID string, intent Intent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := intent.validate(); err != nil {
		return "", fmt.Errorf("append to %s: %w", txID, err)
	}
	op := &store.Operation{
		ID:          j.newOpID(),
		TxID:        txID,
		Kind:        intent.Kind,
		Source:      intent.Source,
		Destination: intent.Destination,
		Hash:        intent.Hash,
		Size:        intent.Size,
		Reverses:    intent.Reverses,
		KeepPath:    intent.Keep,
		KeepHash:    intent.KeepHash,
		Timestamp:   j.now(),
	}
	if err := j.store.AppendOperation(op); err != nil {
		return "", err
	}
	return op.ID, nil
}

// hold returns a release func for the write lock, taking the lock unless
// this journal already holds it for txID
func (j *Journal) hold(txID string) (func(), error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if txID != "" && j.active == txID {
		return func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			j.active = ""
			j.lock.release()
		}, nil
	}
	if j.active != "" {
		return nil, fmt.Errorf("transaction %s is open: %w", j.active, util.ErrTransactionBusy)
	}
	if err := j.lock.acquire(); err != nil {
		return nil, err
	}
	return j.lock.release, nil
}

func (j *Journal) openTransaction(txID string) (*store.Transaction, []*store.Operation, error) {
	tx, err := j.store.GetTransaction(txID)
	if err != nil {
		return nil, nil, err
	}
	if tx.Status != store.TxOpen {
		return nil, nil, fmt.Errorf("transaction %s is %s: %w", txID, tx.Status, util.ErrClosedTransaction)
	}
	ops, err := j.store.ListOperations(txID)
	if err != nil {
		return nil, nil, fmt.Errorf("list operations of %s: %w", txID, err)
	}
	return tx, ops, nil
}

// Commit applies every operation of txID or none of them. Each removal is
// staged and its backup verified, and its keeper checked, before anything
// on disk changes; a missing or unverified backup or keeper fails with
// util.ErrIntegrity. Any failure reverts what was applied, including an
// operation that failed partway, and closes the transaction as rolled back.
func (j *Journal) Commit(ctx context.Context, txID string) error {
	release, err := j.hold(txID)
	if err != nil {
		return err
	}
	defer release()

	_, ops, err := j.openTransaction(txID)
	if err != nil {
		return err
	}

	backups, err := j.stageAll(ctx, txID, ops)
	if err != nil {
		return j.abort(txID, nil, backups, err)
	}
	if j.crashed("staged") {
		return errCrash
	}
	if err := j.verifyAll(txID, ops, backups); err != nil {
		return j.abort(txID, nil, backups, err)
	}

	// Point of no return: recovery rolls this transaction forward from here
	if err := j.store.MarkCommitRequested(txID, j.now()); err != nil {
		return j.abort(txID, nil, backups, fmt.Errorf("mark commit requested: %w", err))
	}
	if j.crashed("commit_requested") {
		return errCrash
	}

	// The mutation phase runs to completion or full revert regardless of cancellation
	mctx := context.WithoutCancel(ctx)
	for i, op := range ops {
		if err := j.exec.Apply(mctx, op, backups[op.ID]); err != nil {
			j.recordError(op, err)
			// the failed op may have left a partial effect; Revert only undoes what it wrote
			return j.abort(txID, ops[:i+1], backups, fmt.Errorf("apply %s %s: %w", op.Kind, op.Source, err))
		}
		if j.crashed(fmt.Sprintf("applied:%d", op.Seq)) {
			return errCrash
		}
	}

	if err := j.store.FinalizeTransaction(txID, store.TxCommitted, store.OpApplied, j.now()); err != nil {
		// Files are mutated but the journal still says open; recovery will
		// roll forward and find every operation already applied.
		return util.WrapKind(util.ErrIntegrity, "finalize "+txID, err)
	}
	j.logger.LogTransaction(report.EventCommit, txID, len(ops), "", nil)
	util.InfoLog("Committed transaction %s (%d operations)", txID, len(ops))
	return nil
}

// stageAll copies every removed file into the holding area in parallel and
// looks up the backups restore operations depend on
func (j *Journal) stageAll(ctx context.Context, txID string, ops []*store.Operation) (map[string]*store.ManifestEntry, error) {
	backups := make(map[string]*store.ManifestEntry, len(ops))
	var mu sync.Mutex

	p := pool.New().WithContext(ctx).WithMaxGoroutines(j.workers).WithCancelOnError().WithFirstError()
	for _, op := range ops {
		if !op.Destructive() {
			continue
		}
		p.Go(func(ctx context.Context) error {
			entry, err := j.stager.Stage(ctx, op)
			if err != nil {
				return fmt.Errorf("stage %s: %w", op.Source, err)
			}
			mu.Lock()
			backups[op.ID] = entry
			mu.Unlock()
			return nil
		})
	}
	err := p.Wait()

	for _, op := range ops {
		if op.Kind == store.OpRestore && op.Reverses != "" {
			if entry, lerr := j.store.GetManifestEntry(op.Reverses); lerr == nil {
				backups[op.ID] = entry
			}
		}
	}
	return backups, err
}

// verifyAll re-reads every backup from the manifest and checks it on disk.
// Restore operations instead check that the bytes they will put back are intact.
// Keepers are checked last, as close to the commit point as possible.
func (j *Journal) verifyAll(txID string, ops []*store.Operation, backups map[string]*store.ManifestEntry) error {
	for _, op := range ops {
		if op.Kind == store.OpRestore {
			got, _, err := hasher.SumFile(context.Background(), op.Source)
			if err != nil || got != op.Hash {
				if err == nil {
					err = errors.New("content changed")
				}
				return util.WrapKind(util.ErrIntegrity, "commit "+txID, fmt.Errorf("restore source %s: %w", op.Source, err))
			}
			continue
		}

		entry, err := j.store.GetManifestEntry(op.ID)
		if err == nil {
			err = j.stager.Verify(entry)
		}
		if err != nil {
			return util.WrapKind(util.ErrIntegrity, "commit "+txID,
				fmt.Errorf("operation %s (%s) has no verified backup: %w", op.ID, op.Source, err))
		}
		backups[op.ID] = entry
	}
	return j.verifyKeepers(txID, ops)
}

// verifyKeepers checks that every removal's keeper is still on disk with the
// bytes it was chosen for, and is not itself removed by this transaction
func (j *Journal) verifyKeepers(txID string, ops []*store.Operation) error {
	removed := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.Destructive() {
			removed[op.Source] = true
		}
	}

	checked := make(map[string]error)
	for _, op := range ops {
		if op.KeepPath == "" {
			continue
		}
		if removed[op.KeepPath] {
			return util.WrapKind(util.ErrIntegrity, "commit "+txID,
				fmt.Errorf("keeper %s of %s is removed by the same transaction", op.KeepPath, op.Source))
		}
		key := op.KeepPath + "\x00" + op.KeepHash
		err, seen := checked[key]
		if !seen {
			err = checkKeeper(op.KeepPath, op.KeepHash)
			checked[key] = err
		}
		if err != nil {
			return util.WrapKind(util.ErrIntegrity, "commit "+txID,
				fmt.Errorf("keeper of %s: %w", op.Source, err))
		}
	}
	return nil
}

func checkKeeper(path, hash string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if hash == "" {
		return nil
	}
	got, _, err := hasher.SumFile(context.Background(), path)
	if err != nil {
		return err
	}
	if got != hash {
		return fmt.Errorf("%s content changed (hash %s, planned %s)", path, hasher.Short(got), hasher.Short(hash))
	}
	return nil
}

// abort reverts applied operations newest first and closes the transaction
// as rolled back. If a revert fails the transaction stays open for recovery.
func (j *Journal) abort(txID string, applied []*store.Operation, backups map[string]*store.ManifestEntry, cause error) error {
	if errors.Is(cause, errCrash) {
		return cause
	}
	util.ErrorLog("Commit of %s failed: %v", txID, cause)

	ctx := context.Background()
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		if err := j.exec.Revert(ctx, op, backups[op.ID]); err != nil {
			j.recordError(op, err)
			j.logger.LogTransaction(report.EventRollback, txID, len(applied), "revert failed", err)
			return util.WrapKind(util.ErrIntegrity, "rollback "+txID,
				errors.Join(cause, fmt.Errorf("operation %s left applied: %w", op.ID, err)))
		}
	}

	if err := j.store.FinalizeTransaction(txID, store.TxRolledBack, store.OpUndone, j.now()); err != nil {
		return errors.Join(cause, fmt.Errorf("finalize rollback: %w", err))
	}
	j.logger.LogTransaction(report.EventRollback, txID, len(applied), cause.Error(), cause)
	return fmt.Errorf("transaction %s rolled back: %w", txID, cause)
}

// Rollback abandons an open transaction. Operations already on disk are
// reverted in reverse append order.
func (j *Journal) Rollback(ctx context.Context, txID string) error {
	release, err := j.hold(txID)
	if err != nil {
		return err
	}
	defer release()
	return j.rollback(ctx, txID)
}

func (j *Journal) rollback(ctx context.Context, txID string) error {
	tx, ops, err := j.openTransaction(txID)
	if err != nil {
		return err
	}

	// Nothing is mutated before the commit point
	if !tx.CommitRequestedAt.IsZero() {
		mctx := context.WithoutCancel(ctx)
		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			backup := j.backupFor(op)
			applied, err := j.exec.IsApplied(op, backup)
			if err != nil {
				return util.WrapKind(util.ErrIntegrity, "rollback "+txID, fmt.Errorf("operation %s: %w", op.ID, err))
			}
			if !applied {
				continue
			}
			if err := j.exec.Revert(mctx, op, backup); err != nil {
				j.recordError(op, err)
				return util.WrapKind(util.ErrIntegrity, "rollback "+txID, fmt.Errorf("operation %s: %w", op.ID, err))
			}
		}
	}

	if err := j.store.FinalizeTransaction(txID, store.TxRolledBack, store.OpUndone, j.now()); err != nil {
		return err
	}
	j.logger.LogTransaction(report.EventRollback, txID, len(ops), "rollback requested", nil)
	util.InfoLog("Rolled back transaction %s", txID)
	return nil
}

// RecoveryReport lists how each interrupted transaction was resolved
type RecoveryReport struct {
	RolledForward []string
	RolledBack    []string
	Unresolved    map[string]error
}

// Recover resolves transactions left open by a crash. One that never
// reached the commit point is rolled back. One that did is rolled forward
// when every backup still verifies, re-applying only what is missing, and
// rolled back otherwise. Nothing is left pending unless a revert fails.
func (j *Journal) Recover(ctx context.Context) (*RecoveryReport, error) {
	release, err := j.hold("")
	if err != nil {
		return nil, err
	}
	defer release()

	open, err := j.store.ListOpenTransactions()
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}

	rep := &RecoveryReport{Unresolved: make(map[string]error)}
	for _, tx := range open {
		if tx.CommitRequestedAt.IsZero() {
			if err := j.rollback(ctx, tx.ID); err != nil {
				rep.Unresolved[tx.ID] = err
				continue
			}
			rep.RolledBack = append(rep.RolledBack, tx.ID)
			continue
		}

		ferr := j.rollForward(ctx, tx.ID)
		if ferr == nil {
			rep.RolledForward = append(rep.RolledForward, tx.ID)
			continue
		}
		util.WarnLog("Recovery: cannot complete %s, rolling back: %v", tx.ID, ferr)
		if err := j.rollback(ctx, tx.ID); err != nil {
			rep.Unresolved[tx.ID] = errors.Join(ferr, err)
			continue
		}
		rep.RolledBack = append(rep.RolledBack, tx.ID)
	}

	for _, id := range rep.RolledForward {
		j.logger.LogTransaction(report.EventRecover, id, 0, "rolled forward", nil)
	}
	for _, id := range rep.RolledBack {
		j.logger.LogTransaction(report.EventRecover, id, 0, "rolled back", nil)
	}
	ids := make([]string, 0, len(rep.Unresolved))
	for id := range rep.Unresolved {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		j.logger.LogTransaction(report.EventRecover, id, 0, "unresolved", rep.Unresolved[id])
		errs = append(errs, fmt.Errorf("%s: %w", id, rep.Unresolved[id]))
	}

	if len(open) > 0 {
		util.InfoLog("Recovery: %d rolled forward, %d rolled back, %d unresolved",
			len(rep.RolledForward), len(rep.RolledBack), len(rep.Unresolved))
	}
	if len(errs) > 0 {
		return rep, util.WrapKind(util.ErrIntegrity, "recover", errors.Join(errs...))
	}
	return rep, nil
}

func (j *Journal) rollForward(ctx context.Context, txID string) error {
	_, ops, err := j.openTransaction(txID)
	if err != nil {
		return err
	}
	mctx := context.WithoutCancel(ctx)
	for _, op := range ops {
		backup := j.backupFor(op)
		applied, err := j.exec.IsApplied(op, backup)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if op.Destructive() {
			if backup == nil {
				return util.WrapKind(util.ErrIntegrity, "recover "+op.ID, errors.New("no backup recorded"))
			}
			if err := j.stager.Verify(backup); err != nil {
				return err
			}
		}
		if err := j.exec.Apply(mctx, op, backup); err != nil {
			j.recordError(op, err)
			return err
		}
	}
	return j.store.FinalizeTransaction(txID, store.TxCommitted, store.OpApplied, j.now())
}

// backupFor returns the staged copy an operation relies on, if any
func (j *Journal) backupFor(op *store.Operation) *store.ManifestEntry {
	id := op.ID
	if op.Kind == store.OpRestore {
		id = op.Reverses
	}
	if id == "" {
		return nil
	}
	entry, err := j.store.GetManifestEntry(id)
	if err != nil {
		return nil
	}
	return entry
}

func (j *Journal) recordError(op *store.Operation, cause error) {
	if err := j.store.SetOperationError(op.ID, cause.Error()); err != nil {
		util.WarnLog("Record error on %s: %v", op.ID, err)
	}
}

func (j *Journal) crashed(phase string) bool {
	return j.crashAt != nil && j.crashAt(phase)
}

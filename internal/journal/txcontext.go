package journal

import (
	"errors"
	"fmt"

	"github.com/franz/dedup-janitor/internal/util"
)

// TransactionContext is the global write lock: at most one transaction is
// open and mutating the filesystem at a time. It combines an in-process
// slot with an advisory file lock so that separate processes sharing a
// journal also exclude each other. Callers own it and pass it to New.
type TransactionContext struct {
	slot     chan struct{}
	lockPath string
	lock     *util.FileLock
}

// NewTransactionContext creates a write lock backed by the file at lockPath
func NewTransactionContext(lockPath string) *TransactionContext {
	return &TransactionContext{slot: make(chan struct{}, 1), lockPath: lockPath}
}

// acquire takes the lock without waiting
func (c *TransactionContext) acquire() error {
	select {
	case c.slot <- struct{}{}:
	default:
		return fmt.Errorf("write lock held in this process: %w", util.ErrTransactionBusy)
	}

	lock, err := util.TryLockFile(c.lockPath)
	if err != nil {
		<-c.slot
		if errors.Is(err, util.ErrLocked) {
			return fmt.Errorf("write lock held by another process: %w", util.ErrTransactionBusy)
		}
		return err
	}
	c.lock = lock
	return nil
}

func (c *TransactionContext) release() {
	if err := c.lock.Unlock(); err != nil {
		util.WarnLog("Release journal lock: %v", err)
	}
	c.lock = nil
	<-c.slot
}

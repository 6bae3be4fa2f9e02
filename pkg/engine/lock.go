package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// LockRequest describes the stage that wants the lock.
type LockRequest struct {
	OwnerToken     string
	StageID        string
	StageDirectory string
}

// LockStatus is the current holder of a lock as seen by an operator.
type LockStatus struct {
	Record *LockRecord `json:"record,omitempty"`

	// Stale is true when the holder ran on this host and its process is gone.
	// A stale lock is only reported; clearing it is an operator decision.
	Stale bool `json:"stale"`
}

// Held returns true if any owner holds the lock.
func (s *LockStatus) Held() bool {
	return s != nil && s.Record != nil
}

// StageLock provides mutual exclusion over a project's staging directory and
// the right to change its live codebase. The owner record lives in a
// LockStore so it survives process restarts.
type StageLock struct {
	store       LockStore
	audit       AuditRecorder
	projectRoot string
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics

	hostname     string
	pid          int
	now          func() time.Time
	processAlive func(pid int) bool
}

// NewStageLock creates a lock for projectRoot. audit may be nil.
func NewStageLock(store LockStore, audit AuditRecorder, projectRoot string, logger *telemetry.Logger, metrics *telemetry.Metrics) *StageLock {
	if logger == nil {
		logger = telemetry.Nop()
	}
	hostname, _ := os.Hostname()
	return &StageLock{
		store:        store,
		audit:        audit,
		projectRoot:  projectRoot,
		logger:       logger.NewComponentLogger("stage_lock").WithProjectRoot(projectRoot),
		metrics:      metrics,
		hostname:     hostname,
		pid:          os.Getpid(),
		now:          func() time.Time { return time.Now().UTC() },
		processAlive: isProcessRunning,
	}
}

// ProjectRoot returns the project root the lock guards.
func (l *StageLock) ProjectRoot() string {
	return l.projectRoot
}

// Acquire claims the lock for req.OwnerToken. Acquiring again with the token
// that already holds it returns the same handle.
func (l *StageLock) Acquire(ctx context.Context, req LockRequest) (LockHandle, error) {
	if req.OwnerToken == "" {
		return LockHandle{}, fmt.Errorf("owner token is required")
	}
	handle := LockHandle{ProjectRoot: l.projectRoot, OwnerToken: req.OwnerToken}

	existing, err := l.store.GetLock(ctx, l.projectRoot)
	if err != nil {
		return LockHandle{}, fmt.Errorf("failed to read lock record: %w", err)
	}
	if existing != nil {
		if existing.OwnerToken == req.OwnerToken {
			return handle, nil
		}
		l.metrics.RecordLockConflict()
		return LockHandle{}, NewStageOwnershipError(existing)
	}

	record := &LockRecord{
		ProjectRoot:    l.projectRoot,
		OwnerToken:     req.OwnerToken,
		StageID:        req.StageID,
		StageDirectory: req.StageDirectory,
		PID:            l.pid,
		Hostname:       l.hostname,
		AcquiredAt:     l.now(),
	}

	if err := l.store.InsertLock(ctx, record); err != nil {
		if errors.Is(err, ErrLockRecordExists) {
			// Lost the race to another process between read and insert.
			holder, _ := l.store.GetLock(ctx, l.projectRoot)
			if holder != nil && holder.OwnerToken == req.OwnerToken {
				return handle, nil
			}
			l.metrics.RecordLockConflict()
			return LockHandle{}, NewStageOwnershipError(holder)
		}
		return LockHandle{}, fmt.Errorf("failed to write lock record: %w", err)
	}

	l.logger.WithStageID(req.StageID).Debug("stage lock acquired")
	return handle, nil
}

// Release gives the lock up. Releasing an unheld lock is a no-op; releasing
// a lock held by someone else fails with an ownership mismatch.
func (l *StageLock) Release(ctx context.Context, handle LockHandle) error {
	if handle.ProjectRoot != "" && handle.ProjectRoot != l.projectRoot {
		return NewOwnershipMismatchError(l.projectRoot, "", handle.OwnerToken).
			WithDetail("handle_project_root", handle.ProjectRoot)
	}

	deleted, err := l.store.DeleteLock(ctx, l.projectRoot, handle.OwnerToken)
	if err != nil {
		return fmt.Errorf("failed to delete lock record: %w", err)
	}
	if deleted {
		l.logger.Debug("stage lock released")
		return nil
	}

	current, err := l.store.GetLock(ctx, l.projectRoot)
	if err != nil {
		return fmt.Errorf("failed to read lock record: %w", err)
	}
	if current == nil {
		return nil
	}
	return NewOwnershipMismatchError(l.projectRoot, current.OwnerToken, handle.OwnerToken)
}

// CheckOwner fails with an ownership mismatch unless ownerToken holds the
// lock. A stage whose lock was force-cleared or taken by another stage no
// longer owns the live codebase.
func (l *StageLock) CheckOwner(ctx context.Context, ownerToken string) error {
	record, err := l.store.GetLock(ctx, l.projectRoot)
	if err != nil {
		return fmt.Errorf("failed to read lock record: %w", err)
	}
	if record == nil {
		return NewOwnershipMismatchError(l.projectRoot, "", ownerToken)
	}
	if record.OwnerToken != ownerToken {
		return NewOwnershipMismatchError(l.projectRoot, record.OwnerToken, ownerToken).
			WithDetail("holder_stage_id", record.StageID)
	}
	return nil
}

// IsAvailable reports whether nobody holds the lock.
func (l *StageLock) IsAvailable(ctx context.Context) (bool, error) {
	record, err := l.store.GetLock(ctx, l.projectRoot)
	if err != nil {
		return false, fmt.Errorf("failed to read lock record: %w", err)
	}
	return record == nil, nil
}

// Inspect returns the current holder and whether it looks stale.
func (l *StageLock) Inspect(ctx context.Context) (*LockStatus, error) {
	record, err := l.store.GetLock(ctx, l.projectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}
	status := &LockStatus{Record: record}
	if record != nil && record.Hostname == l.hostname && record.PID > 0 {
		status.Stale = !l.processAlive(record.PID)
	}
	return status, nil
}

// ForceClear removes the lock whoever holds it. It is an operator escape
// hatch for crashed processes and is never called by the update flow.
func (l *StageLock) ForceClear(ctx context.Context, actor, reason string) (*LockRecord, error) {
	record, err := l.store.GetLock(ctx, l.projectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}
	if record == nil {
		return nil, nil
	}

	if _, err := l.store.ForceDeleteLock(ctx, l.projectRoot); err != nil {
		return nil, fmt.Errorf("failed to delete lock record: %w", err)
	}

	l.metrics.RecordLockForceClear()
	l.logger.
		WithStageID(record.StageID).
		WithField("actor", actor).
		WithField("reason", reason).
		WithField("holder_pid", record.PID).
		WithField("holder_host", record.Hostname).
		Warn("stage lock force-cleared by operator")

	if l.audit != nil {
		entry := &AuditEntry{
			Action:      "lock.force_clear",
			Actor:       actor,
			ProjectRoot: l.projectRoot,
			StageID:     record.StageID,
			Details: map[string]interface{}{
				"reason":      reason,
				"owner_token": record.OwnerToken,
				"pid":         record.PID,
				"hostname":    record.Hostname,
				"acquired_at": record.AcquiredAt.Format(time.RFC3339),
			},
			Timestamp: l.now(),
		}
		if err := l.audit.RecordAudit(ctx, entry); err != nil {
			return record, fmt.Errorf("lock cleared but audit entry failed: %w", err)
		}
	}

	return record, nil
}

// isProcessRunning checks whether a process with the given PID exists.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

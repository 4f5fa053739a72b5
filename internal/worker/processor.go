package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CloudVault/internal/apperr"
	"CloudVault/internal/audit"
	"CloudVault/internal/derive"
	"CloudVault/internal/scanner"
	"CloudVault/internal/storage"
	"CloudVault/internal/task"
	"CloudVault/model"

	"go.uber.org/zap"
)

// Job outcomes, used as the metrics label.
const (
	outcomeReady     = "ready"
	outcomeInfected  = "infected"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
	outcomeDeferred  = "deferred"
	outcomeSkipped   = "skipped"
	outcomeCancelled = "cancelled"
	outcomeRequeued  = "requeued"
)

// errTransient marks store failures that carry no domain meaning.
var errTransient = errors.New("transient store failure")

// Error reasons stored on records in error or infected.
const (
	reasonInfected         = "infected"
	reasonRetriesExhausted = "retries_exhausted"
	reasonQuotaExceeded    = "quota_exceeded"
	reasonObjectMissing    = "object_missing"
	reasonProcessingFailed = "processing_failed"
)

// Process runs one job. A nil error means the outcome is durably recorded and
// the delivery may be acked; an error asks for redelivery.
func (w *Worker) Process(ctx context.Context, job task.ProcessingJob) (string, error) {
	log := w.log.With(zap.String("file_id", job.FileID), zap.Int("attempt", job.Attempt))
	rec, err := w.files.Get(ctx, job.FileID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Info("record gone, dropping job")
		return outcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}

	now := w.now()
	switch rec.Status {
	case model.StatusPending:
	case model.StatusScanning, model.StatusProcessing:
		if rec.LeaseHeld(now) {
			delay := rec.LeaseUntil.Sub(now)
			if err := w.queue.PublishDelayed(ctx, job, delay); err != nil {
				return "", err
			}
			log.Debug("lease held elsewhere, deferring", zap.Duration("delay", delay))
			return outcomeDeferred, nil
		}
		log.Info("reclaiming record with expired lease", zap.String("status", rec.Status.String()))
	default:
		return w.settleTerminal(ctx, log, rec)
	}

	resume := rec.Status == model.StatusProcessing
	claimStatus := model.StatusScanning
	if resume {
		claimStatus = model.StatusProcessing
	}
	attempts := rec.Attempts + 1
	lease := now.Add(w.cfg.LeaseTTL)
	claimed, err := w.files.CompareAndSet(ctx, rec, claimStatus, model.FileUpdate{
		Attempts:   &attempts,
		LeaseUntil: leasePtr(&lease),
	})
	if errors.Is(err, apperr.ErrConflict) {
		log.Info("claim lost, dropping job")
		return outcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	log = log.With(zap.Int("claim", claimed.Attempts))

	if !resume {
		verdict, err := w.scan(ctx, claimed)
		if err != nil {
			return w.failAttempt(ctx, log, job, claimed, err)
		}
		if verdict == scanner.Malicious {
			return w.quarantine(ctx, log, claimed)
		}
	}

	var meta *derive.Metadata
	if w.deriver != nil && w.deriver.Supports(claimed.MimeType) {
		if !resume {
			renewed := w.now().Add(w.cfg.LeaseTTL)
			claimed, err = w.transition(ctx, log, claimed, model.StatusProcessing, model.FileUpdate{LeaseUntil: leasePtr(&renewed)})
			if err != nil {
				return w.lost(ctx, log, claimed, err)
			}
		}
		m, err := w.derive(ctx, claimed)
		if err != nil {
			return w.failAttempt(ctx, log, job, claimed, err)
		}
		meta = &m
	}
	return w.finish(ctx, log, job, claimed, meta)
}

func (w *Worker) scan(ctx context.Context, rec *model.FileRecord) (scanner.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ScanTimeout)
	defer cancel()
	return w.scanner.Scan(ctx, rec.StorageKey)
}

func (w *Worker) derive(ctx context.Context, rec *model.FileRecord) (derive.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.DeriveTimeout)
	defer cancel()
	return w.deriver.Derive(ctx, rec.StorageKey, rec.MimeType)
}

// finish reconciles the reservation to the stored size, marks the record ready
// and commits the reservation.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, job task.ProcessingJob, rec *model.FileRecord, meta *derive.Metadata) (string, error) {
	info, err := w.objects.StatObject(ctx, rec.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return w.fail(ctx, log, job, rec, reasonObjectMissing, err, false)
		}
		return w.failAttempt(ctx, log, job, rec, fmt.Errorf("%w: stat object: %v", errTransient, err))
	}
	size := info.Size
	if size != rec.SizeBytes {
		if _, err := w.ledger.Adjust(ctx, rec.ReservationID, size); err != nil {
			switch {
			case errors.Is(err, apperr.ErrQuotaExceeded):
				return w.fail(ctx, log, job, rec, reasonQuotaExceeded, err, false)
			case errors.Is(err, apperr.ErrAlreadyFinalized):
				return w.lost(ctx, log, rec, apperr.ErrConflict)
			}
			return "", err
		}
		log.Info("reservation reconciled", zap.Int64("declared", rec.SizeBytes), zap.Int64("observed", size))
	}

	upd := model.FileUpdate{
		SizeBytes:   &size,
		LeaseUntil:  leasePtr(nil),
		ErrorReason: strPtr(""),
	}
	if meta != nil {
		upd.Checksum = &meta.Checksum
		upd.DetectedType = &meta.ContentType
		upd.Width = &meta.Width
		upd.Height = &meta.Height
	}
	ready, err := w.transition(ctx, log, rec, model.StatusReady, upd)
	if err != nil {
		return w.lost(ctx, log, rec, err)
	}
	if _, err := w.ledger.CommitHeld(ctx, ready.ReservationID); err != nil {
		return "", fmt.Errorf("commit reservation: %w", err)
	}

	details := map[string]string{"size": strconv.FormatInt(size, 10)}
	if meta != nil {
		details["checksum"] = meta.Checksum
	}
	w.record(ctx, log, ready, audit.FileReady, details)
	log.Info("file ready", zap.Int64("size", size))
	return outcomeReady, nil
}

func (w *Worker) quarantine(ctx context.Context, log *zap.Logger, rec *model.FileRecord) (string, error) {
	infected, err := w.transition(ctx, log, rec, model.StatusInfected, model.FileUpdate{
		ErrorReason: strPtr(reasonInfected),
		LeaseUntil:  leasePtr(nil),
	})
	if err != nil {
		return w.lost(ctx, log, rec, err)
	}
	if _, err := w.ledger.ReleaseHeld(ctx, infected.ReservationID); err != nil {
		return "", fmt.Errorf("release reservation: %w", err)
	}
	w.record(ctx, log, infected, audit.FileInfected, map[string]string{"name": infected.Name})
	log.Warn("file infected")
	return outcomeInfected, nil
}

// failAttempt retries recoverable failures until the claim budget is spent.
func (w *Worker) failAttempt(ctx context.Context, log *zap.Logger, job task.ProcessingJob, rec *model.FileRecord, cause error) (string, error) {
	if !recoverable(cause) {
		reason := reasonProcessingFailed
		if errors.Is(cause, storage.ErrObjectNotFound) {
			reason = reasonObjectMissing
		}
		return w.fail(ctx, log, job, rec, reason, cause, false)
	}
	if rec.Attempts >= w.cfg.RetryMax {
		return w.fail(ctx, log, job, rec, reasonRetriesExhausted,
			fmt.Errorf("%w: %v", apperr.ErrRetriesExhausted, cause), true)
	}

	// Same status, lease cleared, so the retried job can claim it right away.
	released, err := w.transition(ctx, log, rec, rec.Status, model.FileUpdate{LeaseUntil: leasePtr(nil)})
	if err != nil {
		return w.lost(ctx, log, rec, err)
	}
	next := job
	next.Attempt = released.Attempts
	delay := task.PickRetryDelay(released.Attempts, w.cfg.RetryDelays)
	if err := w.queue.PublishDelayed(ctx, next, delay); err != nil {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	log.Warn("recoverable failure, retry scheduled", zap.Duration("delay", delay), zap.Error(cause))
	return outcomeRetried, nil
}

// fail moves the record to error and releases its hold. Exhausted jobs are
// also parked on the dead-letter queue.
func (w *Worker) fail(ctx context.Context, log *zap.Logger, job task.ProcessingJob, rec *model.FileRecord, reason string, cause error, deadLetter bool) (string, error) {
	failed, err := w.transition(ctx, log, rec, model.StatusError, model.FileUpdate{
		ErrorReason: &reason,
		LeaseUntil:  leasePtr(nil),
	})
	if err != nil {
		return w.lost(ctx, log, rec, err)
	}
	if _, err := w.ledger.ReleaseHeld(ctx, failed.ReservationID); err != nil {
		return "", fmt.Errorf("release reservation: %w", err)
	}
	if deadLetter {
		dl := task.DeadLetter{
			FileID:   failed.ID,
			Attempt:  failed.Attempts,
			Error:    cause.Error(),
			FailedAt: w.now(),
		}
		if err := w.queue.DeadLetter(ctx, dl); err != nil {
			log.Error("dead-letter publish failed", zap.Error(err))
		}
	}
	w.record(ctx, log, failed, audit.FileFailed, map[string]string{"reason": reason})
	log.Warn("file failed", zap.String("reason", reason), zap.Error(cause))
	return outcomeFailed, nil
}

// settleTerminal handles a job for a record that is already done. The
// ledger refuses a second finalization, so this only does work after a crash
// between the status change and the ledger update. The terminal audit event
// of that crashed run is emitted here.
func (w *Worker) settleTerminal(ctx context.Context, log *zap.Logger, rec *model.FileRecord) (string, error) {
	var (
		settled bool
		err     error
		action  string
	)
	switch rec.Status {
	case model.StatusReady:
		settled, err = w.ledger.CommitHeld(ctx, rec.ReservationID)
		action = audit.FileReady
	case model.StatusInfected:
		settled, err = w.ledger.ReleaseHeld(ctx, rec.ReservationID)
		action = audit.FileInfected
	case model.StatusError:
		settled, err = w.ledger.ReleaseHeld(ctx, rec.ReservationID)
		action = audit.FileFailed
	}
	if err != nil {
		return "", err
	}
	if settled {
		w.record(ctx, log, rec, action, map[string]string{"recovered": "true"})
		log.Info("repaired ledger for settled record", zap.String("status", rec.Status.String()))
	} else {
		log.Debug("record already settled, dropping job", zap.String("status", rec.Status.String()))
	}
	return outcomeSkipped, nil
}

// lost handles a failed compare-and-set. When the record was trashed while
// this claim ran, the hold this claim loaded is released instead of committed.
func (w *Worker) lost(ctx context.Context, log *zap.Logger, rec *model.FileRecord, casErr error) (string, error) {
	if !errors.Is(casErr, apperr.ErrConflict) {
		return "", casErr
	}
	cur, err := w.files.Get(ctx, rec.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Info("record purged mid-flight")
		_, err := w.ledger.ReleaseHeld(ctx, rec.ReservationID)
		return outcomeCancelled, err
	}
	if err != nil {
		return "", err
	}
	if cur.Status == model.StatusTrashed {
		if _, err := w.ledger.ReleaseHeld(ctx, rec.ReservationID); err != nil {
			return "", err
		}
		log.Info("record trashed mid-flight, reservation released")
		return outcomeCancelled, nil
	}
	log.Info("record changed by another claim, dropping job", zap.String("status", cur.Status.String()))
	return outcomeSkipped, nil
}

func (w *Worker) transition(ctx context.Context, log *zap.Logger, rec *model.FileRecord, to model.FileStatus, upd model.FileUpdate) (*model.FileRecord, error) {
	next, err := w.files.CompareAndSet(ctx, rec, to, upd)
	if err != nil {
		log.Debug("transition rejected", zap.String("from", rec.Status.String()), zap.String("to", to.String()), zap.Error(err))
		return rec, err
	}
	return next, nil
}

func (w *Worker) record(ctx context.Context, log *zap.Logger, rec *model.FileRecord, action string, details map[string]string) {
	if w.audit == nil {
		return
	}
	e := audit.Event{
		Action:       action,
		ResourceType: audit.ResourceFile,
		ResourceID:   rec.ID,
		OwnerID:      rec.OwnerID,
		Details:      details,
		At:           w.now(),
	}
	if err := w.audit.Record(ctx, e); err != nil {
		log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

// recoverable reports whether a failed step may be retried. A missing object
// never comes back.
func recoverable(err error) bool {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false
	}
	return apperr.IsRecoverable(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errTransient)
}

func leasePtr(t *time.Time) **time.Time { return &t }

func strPtr(s string) *string { return &s }

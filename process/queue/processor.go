// Package queue drains the image transfer queue: claim pending entries,
// resize, upload to Drive, write the URL back onto the owning application
// and keep retry/failure bookkeeping. One bad entry never aborts a batch.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"

	"onboard/models"
	"onboard/pkg/drive"
	"onboard/pkg/resize"
)

// DefaultBatchLimit caps how many entries a single run claims.
const DefaultBatchLimit = 10

// DocumentUploader is the slice of the drive uploader the processor needs.
type DocumentUploader interface {
	UploadApplicantDocuments(ctx context.Context, fullName string, files map[string]string) (map[string]drive.Result, error)
}

// fieldToLogical translates an application column name into the
// uploader-facing logical field name.
var fieldToLogical = map[string]string{
	"proof_of_billing_url":    "proofOfBilling",
	"house_front_picture_url": "houseFrontPicture",
	"primary_id_front_url":    "primaryIdFront",
	"primary_id_back_url":     "primaryIdBack",
	"signature_url":           "signature",
}

// Result aggregates one processing run. Skipped is reserved and always 0.
type Result struct {
	Processed int
	Failed    int
	Skipped   int
}

// Stats is the queue counts snapshot consumed by the scheduler and the
// admin dashboard.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

type Processor struct {
	db       *gorm.DB
	uploader DocumentUploader
}

func New(db *gorm.DB, uploader DocumentUploader) *Processor {
	return &Processor{db: db, uploader: uploader}
}

// entryFailure carries the failure kind decided at the point of capture.
type entryFailure struct {
	Kind string
	Err  error
}

func (f *entryFailure) Error() string { return f.Err.Error() }

func permanentf(format string, args ...any) error {
	return &entryFailure{Kind: models.FailurePermanent, Err: fmt.Errorf(format, args...)}
}

func transientf(format string, args ...any) error {
	return &entryFailure{Kind: models.FailureTransient, Err: fmt.Errorf(format, args...)}
}

// ProcessPending claims up to limit pending entries oldest-first and
// processes them strictly sequentially. Per-entry failures are recorded on
// the row; only the initial queue query can fail the call itself.
func (p *Processor) ProcessPending(ctx context.Context, limit int) (Result, error) {
	var out Result
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	// One policy lookup per run; entries within a batch resize uniformly.
	policy, err := resize.ActivePolicy(p.db)
	if err != nil {
		log.Printf("queue: sizing policy unavailable, uploading originals: %v", err)
		policy = nil
	}

	var entries []models.ImageQueue
	if err := p.db.WithContext(ctx).
		Where("status = ?", models.ImageQueuePending).
		Order("created_at asc").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return out, fmt.Errorf("select pending: %w", err)
	}

	for i := range entries {
		e := &entries[i]
		if !p.claim(ctx, e) {
			// Lost the row to a concurrent run; leave it alone.
			log.Printf("queue: entry %d already claimed elsewhere", e.ID)
			continue
		}
		if err := p.runEntry(ctx, e, policy); err != nil {
			p.markFailed(ctx, e, err)
			out.Failed++
			log.Printf("queue: entry %d failed: %v", e.ID, err)
		} else {
			out.Processed++
			log.Printf("queue: entry %d completed (%s)", e.ID, e.FieldName)
		}
	}
	return out, nil
}

// claim atomically transitions pending -> processing, checking the affected
// row count so two overlapping runs cannot both own the same entry.
func (p *Processor) claim(ctx context.Context, e *models.ImageQueue) bool {
	now := time.Now()
	res := p.db.WithContext(ctx).Model(&models.ImageQueue{}).
		Where("id = ? AND status = ?", e.ID, models.ImageQueuePending).
		Updates(map[string]any{"status": models.ImageQueueProcessing, "claimed_at": now})
	if res.Error != nil {
		log.Printf("queue: claim entry %d: %v", e.ID, res.Error)
		return false
	}
	if res.RowsAffected == 0 {
		return false
	}
	e.Status = models.ImageQueueProcessing
	e.ClaimedAt = &now
	return true
}

func (p *Processor) runEntry(ctx context.Context, e *models.ImageQueue, policy *resize.Policy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = transientf("panic while processing entry %d: %v", e.ID, r)
		}
	}()

	if _, statErr := os.Stat(e.LocalPath); statErr != nil {
		return permanentf("local file missing: %s", e.LocalPath)
	}

	var app models.SubscriberApplication
	if dbErr := p.db.WithContext(ctx).First(&app, e.ApplicationID).Error; dbErr != nil {
		if errors.Is(dbErr, gorm.ErrRecordNotFound) {
			return permanentf("application %d not found", e.ApplicationID)
		}
		return transientf("load application %d: %v", e.ApplicationID, dbErr)
	}

	// Resize failures are never fatal for the entry: fall back to the
	// original file.
	uploadPath := e.LocalPath
	resizedPath := ""
	if resize.IsImageMIME(resize.DetectMIME(e.LocalPath)) {
		dst := resize.ResizedPath(e.LocalPath)
		ok, rerr := resize.Resize(e.LocalPath, dst, policy)
		if rerr != nil {
			log.Printf("queue: resize entry %d: %v (uploading original)", e.ID, rerr)
		}
		if ok {
			uploadPath = dst
			resizedPath = dst
		}
	}

	logical, ok := fieldToLogical[e.FieldName]
	if !ok {
		return permanentf("no logical field mapping for %q", e.FieldName)
	}

	results, upErr := p.uploader.UploadApplicantDocuments(ctx, app.FullName(), map[string]string{logical: uploadPath})
	if upErr != nil {
		return transientf("upload: %v", upErr)
	}
	res, ok := results[logical]
	if !ok {
		keys := make([]string, 0, len(results))
		for k := range results {
			keys = append(keys, k)
		}
		return permanentf("uploader returned no result for %q (got keys %v)", logical, keys)
	}
	if !res.Shared {
		log.Printf("queue: entry %d uploaded but not publicly shared (file %s)", e.ID, res.FileID)
	}

	if dbErr := p.db.WithContext(ctx).Model(&models.SubscriberApplication{}).
		Where("id = ?", app.ID).
		Update(e.FieldName, res.URL).Error; dbErr != nil {
		return transientf("update application %d column %s: %v", app.ID, e.FieldName, dbErr)
	}

	now := time.Now()
	if dbErr := p.db.WithContext(ctx).Model(e).Updates(map[string]any{
		"status":        models.ImageQueueCompleted,
		"remote_url":    res.URL,
		"processed_at":  now,
		"error_message": "",
		"failure_kind":  "",
	}).Error; dbErr != nil {
		return transientf("mark entry %d completed: %v", e.ID, dbErr)
	}

	// Best-effort cleanup. A completed entry never reverts because a local
	// delete went wrong.
	if resizedPath != "" && resizedPath != e.LocalPath {
		if rmErr := os.Remove(resizedPath); rmErr != nil {
			log.Printf("queue: cleanup resized %s: %v", resizedPath, rmErr)
		}
	}
	if rmErr := os.Remove(e.LocalPath); rmErr != nil {
		log.Printf("queue: cleanup original %s: %v", e.LocalPath, rmErr)
	}
	return nil
}

func (p *Processor) markFailed(ctx context.Context, e *models.ImageQueue, cause error) {
	kind := models.FailureTransient
	var ef *entryFailure
	if errors.As(cause, &ef) {
		kind = ef.Kind
	}
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if err := p.db.WithContext(ctx).Model(e).Updates(map[string]any{
		"status":        models.ImageQueueFailed,
		"error_message": msg,
		"failure_kind":  kind,
		"retry_count":   gorm.Expr("retry_count + 1"),
	}).Error; err != nil {
		log.Printf("queue: record failure for entry %d: %v", e.ID, err)
	}
}

// RetryFailed resets retryable failed entries back to pending. The retry
// count keeps accumulating toward the cap; entries that failed permanently
// or exhausted their attempts are left for operator tooling.
func (p *Processor) RetryFailed(ctx context.Context) (int, error) {
	res := p.db.WithContext(ctx).Model(&models.ImageQueue{}).
		Where("status = ? AND retry_count < ? AND failure_kind <> ?",
			models.ImageQueueFailed, models.MaxRetryCount, models.FailurePermanent).
		Updates(map[string]any{
			"status":        models.ImageQueuePending,
			"error_message": "",
			"failure_kind":  "",
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("retry reset: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ReclaimStale recovers entries stuck in processing after a crashed run.
// Entries still under the retry cap go back to pending; exhausted ones are
// marked failed so they surface in the report instead of hanging forever.
func (p *Processor) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	res := p.db.WithContext(ctx).Model(&models.ImageQueue{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ? AND retry_count < ?",
			models.ImageQueueProcessing, cutoff, models.MaxRetryCount).
		Updates(map[string]any{"status": models.ImageQueuePending, "claimed_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale: %w", res.Error)
	}
	reclaimed := int(res.RowsAffected)

	expired := p.db.WithContext(ctx).Model(&models.ImageQueue{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ? AND retry_count >= ?",
			models.ImageQueueProcessing, cutoff, models.MaxRetryCount).
		Updates(map[string]any{
			"status":        models.ImageQueueFailed,
			"error_message": "abandoned after stale claim",
			"failure_kind":  models.FailureTransient,
		})
	if expired.Error != nil {
		return reclaimed, fmt.Errorf("expire stale: %w", expired.Error)
	}
	return reclaimed, nil
}

// CleanupCompleted deletes completed bookkeeping rows whose processed_at is
// older than daysOld days. Remote files and application URLs are untouched.
func (p *Processor) CleanupCompleted(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysOld)
	res := p.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at < ?",
			models.ImageQueueCompleted, cutoff).
		Delete(&models.ImageQueue{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup completed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Stats returns per-status queue counts.
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	counts := map[string]*int64{
		models.ImageQueuePending:    &s.Pending,
		models.ImageQueueProcessing: &s.Processing,
		models.ImageQueueCompleted:  &s.Completed,
		models.ImageQueueFailed:     &s.Failed,
	}
	for status, dst := range counts {
		if err := p.db.WithContext(ctx).Model(&models.ImageQueue{}).
			Where("status = ?", status).Count(dst).Error; err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", status, err)
		}
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed
	return s, nil
}

// LogicalField exposes the column -> logical translation for callers that
// validate intake fields.
func LogicalField(column string) (string, bool) {
	f, ok := fieldToLogical[column]
	return f, ok
}

// DocumentColumns lists the application columns fed by the queue.
func DocumentColumns() []string {
	cols := make([]string, 0, len(fieldToLogical))
	for c := range fieldToLogical {
		cols = append(cols, c)
	}
	return cols
}

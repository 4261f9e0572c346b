package queue

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"onboard/models"
	"onboard/pkg/drive"
)

func TestLogicalFieldCoversDocumentColumns(t *testing.T) {
	want := []string{
		"house_front_picture_url",
		"primary_id_back_url",
		"primary_id_front_url",
		"proof_of_billing_url",
		"signature_url",
	}
	got := DocumentColumns()
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("DocumentColumns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("DocumentColumns = %v, want %v", got, want)
		}
	}
	for _, col := range want {
		if _, ok := LogicalField(col); !ok {
			t.Errorf("LogicalField(%q) has no mapping", col)
		}
	}
	if _, ok := LogicalField("status"); ok {
		t.Error("LogicalField must reject non-document columns")
	}
}

// fakeUploader implements DocumentUploader without touching Drive.
type fakeUploader struct {
	err       error
	omitKeys  bool
	unshared  bool
	calls     int
	lastName  string
	lastFiles map[string]string
}

func (f *fakeUploader) UploadApplicantDocuments(_ context.Context, fullName string, files map[string]string) (map[string]drive.Result, error) {
	f.calls++
	f.lastName = fullName
	f.lastFiles = files
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]drive.Result{}
	if f.omitKeys {
		return out, nil
	}
	for k := range files {
		out[k] = drive.Result{FileID: "fake-file", URL: drive.ViewURL("fake-file"), Shared: !f.unshared}
	}
	return out, nil
}

// integration tests are opt-in. Set DB_DSN_TEST=1 and DB_DSN to run them.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Fatal("DB_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	for _, m := range []any{&models.SubscriberApplication{}, &models.ImageQueue{}, &models.ImageSetting{}} {
		if err := db.AutoMigrate(m); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	// isolate each test run
	db.Exec("DELETE FROM image_queues")
	db.Exec("DELETE FROM subscriber_applications")
	db.Exec("DELETE FROM image_settings")
	return db
}

func createApplication(t *testing.T, db *gorm.DB) models.SubscriberApplication {
	t.Helper()
	app := models.SubscriberApplication{
		FirstName: "Juan",
		LastName:  "Dela Cruz",
		Mobile:    "09171234567",
		Address:   "123 Mabini St",
	}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("create application: %v", err)
	}
	return app
}

func writeQueueJPEG(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "house.jpg")
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
	return path
}

func enqueue(t *testing.T, db *gorm.DB, appID uint, field, localPath string) models.ImageQueue {
	t.Helper()
	e := models.ImageQueue{
		ApplicationID:    appID,
		FieldName:        field,
		LocalPath:        localPath,
		OriginalFilename: filepath.Base(localPath),
		Status:           models.ImageQueuePending,
	}
	if err := db.Create(&e).Error; err != nil {
		t.Fatalf("create queue entry: %v", err)
	}
	return e
}

func reloadEntry(t *testing.T, db *gorm.DB, id uint) models.ImageQueue {
	t.Helper()
	var e models.ImageQueue
	if err := db.First(&e, id).Error; err != nil {
		t.Fatalf("reload entry %d: %v", id, err)
	}
	return e
}

func TestProcessPendingHappyPath(t *testing.T) {
	db := setupTestDB(t)
	db.Create(&models.ImageSetting{ScalePercent: 50, Status: models.ImageSettingActive})
	app := createApplication(t, db)
	local := writeQueueJPEG(t, t.TempDir())
	entry := enqueue(t, db, app.ID, "house_front_picture_url", local)

	up := &fakeUploader{}
	res, err := New(db, up).ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Failed != 0 || res.Skipped != 0 {
		t.Fatalf("run result = %+v", res)
	}
	if up.lastName != "Juan Dela Cruz" {
		t.Errorf("uploaded under name %q", up.lastName)
	}
	if _, ok := up.lastFiles["houseFrontPicture"]; !ok {
		t.Errorf("uploader got files %v, want houseFrontPicture", up.lastFiles)
	}

	got := reloadEntry(t, db, entry.ID)
	if got.Status != models.ImageQueueCompleted {
		t.Errorf("entry status = %q", got.Status)
	}
	if !strings.HasPrefix(got.RemoteURL, "https://drive.google.com/file/d/") || !strings.HasSuffix(got.RemoteURL, "/view") {
		t.Errorf("remote url = %q", got.RemoteURL)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not set")
	}

	var reloadedApp models.SubscriberApplication
	if err := db.First(&reloadedApp, app.ID).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedApp.HouseFrontPictureURL != got.RemoteURL {
		t.Errorf("application column = %q, want %q", reloadedApp.HouseFrontPictureURL, got.RemoteURL)
	}

	if _, statErr := os.Stat(local); !os.IsNotExist(statErr) {
		t.Error("local file should be removed after completion")
	}
}

func TestProcessPendingMissingFileIsPermanent(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	entry := enqueue(t, db, app.ID, "signature_url", filepath.Join(t.TempDir(), "gone.png"))

	res, err := New(db, &fakeUploader{}).ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 || res.Failed != 1 {
		t.Fatalf("run result = %+v", res)
	}
	got := reloadEntry(t, db, entry.ID)
	if got.Status != models.ImageQueueFailed {
		t.Errorf("status = %q", got.Status)
	}
	if got.FailureKind != models.FailurePermanent {
		t.Errorf("failure kind = %q, want permanent", got.FailureKind)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if !strings.Contains(got.ErrorMessage, "gone.png") {
		t.Errorf("error message %q does not name the missing file", got.ErrorMessage)
	}
}

func TestProcessPendingBatchIsolation(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	dir := t.TempDir()
	enqueue(t, db, app.ID, "proof_of_billing_url", writeQueueJPEG(t, dir))
	enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "missing.png"))
	dir2 := t.TempDir()
	enqueue(t, db, app.ID, "primary_id_front_url", writeQueueJPEG(t, dir2))

	res, err := New(db, &fakeUploader{}).ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 || res.Failed != 1 {
		t.Fatalf("run result = %+v, want 2 processed and 1 failed", res)
	}
}

func TestProcessPendingUploaderErrorIsTransient(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	entry := enqueue(t, db, app.ID, "proof_of_billing_url", writeQueueJPEG(t, t.TempDir()))

	up := &fakeUploader{err: errors.New("drive unavailable")}
	res, err := New(db, up).ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("run result = %+v", res)
	}
	got := reloadEntry(t, db, entry.ID)
	if got.FailureKind != models.FailureTransient {
		t.Errorf("failure kind = %q, want transient", got.FailureKind)
	}
}

func TestProcessPendingMissingResultKeyIsPermanent(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	entry := enqueue(t, db, app.ID, "proof_of_billing_url", writeQueueJPEG(t, t.TempDir()))

	res, err := New(db, &fakeUploader{omitKeys: true}).ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("run result = %+v", res)
	}
	got := reloadEntry(t, db, entry.ID)
	if got.FailureKind != models.FailurePermanent {
		t.Errorf("failure kind = %q, want permanent", got.FailureKind)
	}
	if !strings.Contains(got.ErrorMessage, "proofOfBilling") {
		t.Errorf("error message %q does not name the missing key", got.ErrorMessage)
	}
}

func TestProcessPendingUnsharedUploadStillCompletes(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	entry := enqueue(t, db, app.ID, "proof_of_billing_url", writeQueueJPEG(t, t.TempDir()))

	res, err := New(db, &fakeUploader{unshared: true}).ProcessPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Failed != 0 {
		t.Fatalf("run result = %+v", res)
	}
	if got := reloadEntry(t, db, entry.ID); got.Status != models.ImageQueueCompleted {
		t.Errorf("a failed share grant must not fail the entry, status = %q", got.Status)
	}
}

func TestRetryFailedGates(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	dir := t.TempDir()

	retryable := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "a.png"))
	db.Model(&retryable).Updates(map[string]any{
		"status": models.ImageQueueFailed, "failure_kind": models.FailureTransient,
		"retry_count": 1, "error_message": "timeout",
	})

	exhausted := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "b.png"))
	db.Model(&exhausted).Updates(map[string]any{
		"status": models.ImageQueueFailed, "failure_kind": models.FailureTransient,
		"retry_count": models.MaxRetryCount,
	})

	permanent := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "c.png"))
	db.Model(&permanent).Updates(map[string]any{
		"status": models.ImageQueueFailed, "failure_kind": models.FailurePermanent,
		"retry_count": 1,
	})

	n, err := New(db, nil).RetryFailed(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("RetryFailed reset %d entries, want 1", n)
	}
	if got := reloadEntry(t, db, retryable.ID); got.Status != models.ImageQueuePending || got.ErrorMessage != "" {
		t.Errorf("retryable entry after reset: status=%q msg=%q", got.Status, got.ErrorMessage)
	}
	if got := reloadEntry(t, db, exhausted.ID); got.Status != models.ImageQueueFailed {
		t.Error("exhausted entry must stay failed")
	}
	if got := reloadEntry(t, db, permanent.ID); got.Status != models.ImageQueueFailed {
		t.Error("permanent entry must stay failed")
	}
}

func TestThreeStrikesExhaustsRetry(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	// uploader always fails, file exists -> transient failure each attempt
	local := writeQueueJPEG(t, t.TempDir())
	entry := enqueue(t, db, app.ID, "proof_of_billing_url", local)
	p := New(db, &fakeUploader{err: errors.New("flaky")})

	for attempt := 1; attempt <= models.MaxRetryCount; attempt++ {
		if _, err := p.ProcessPending(context.Background(), 10); err != nil {
			t.Fatal(err)
		}
		got := reloadEntry(t, db, entry.ID)
		if got.RetryCount != attempt {
			t.Fatalf("after attempt %d retry_count = %d", attempt, got.RetryCount)
		}
		n, err := p.RetryFailed(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if attempt < models.MaxRetryCount && n != 1 {
			t.Fatalf("attempt %d: RetryFailed reset %d, want 1", attempt, n)
		}
		if attempt == models.MaxRetryCount && n != 0 {
			t.Fatalf("after %d attempts RetryFailed reset %d, want 0", attempt, n)
		}
	}
	if got := reloadEntry(t, db, entry.ID); got.Status != models.ImageQueueFailed {
		t.Errorf("exhausted entry status = %q, want failed", got.Status)
	}
}

func TestClaimPreventsDoubleProcessing(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	entry := enqueue(t, db, app.ID, "signature_url", filepath.Join(t.TempDir(), "x.png"))

	p := New(db, &fakeUploader{})
	if !p.claim(context.Background(), &entry) {
		t.Fatal("first claim should win")
	}
	stale := reloadEntry(t, db, entry.ID)
	if stale.Status != models.ImageQueueProcessing || stale.ClaimedAt == nil {
		t.Fatalf("claimed entry: status=%q claimed_at=%v", stale.Status, stale.ClaimedAt)
	}
	second := models.ImageQueue{ID: entry.ID}
	if p.claim(context.Background(), &second) {
		t.Fatal("second claim on a processing entry must lose")
	}
}

func TestReclaimStale(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)

	stuck := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "a.png"))
	db.Model(&stuck).Updates(map[string]any{"status": models.ImageQueueProcessing, "claimed_at": old})

	spent := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "b.png"))
	db.Model(&spent).Updates(map[string]any{
		"status": models.ImageQueueProcessing, "claimed_at": old,
		"retry_count": models.MaxRetryCount,
	})

	fresh := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "c.png"))
	db.Model(&fresh).Updates(map[string]any{"status": models.ImageQueueProcessing, "claimed_at": time.Now()})

	n, err := New(db, nil).ReclaimStale(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStale = %d, want 1", n)
	}
	if got := reloadEntry(t, db, stuck.ID); got.Status != models.ImageQueuePending || got.ClaimedAt != nil {
		t.Errorf("stuck entry after reclaim: status=%q claimed_at=%v", got.Status, got.ClaimedAt)
	}
	if got := reloadEntry(t, db, spent.ID); got.Status != models.ImageQueueFailed {
		t.Errorf("spent entry status = %q, want failed", got.Status)
	}
	if got := reloadEntry(t, db, fresh.ID); got.Status != models.ImageQueueProcessing {
		t.Errorf("fresh claim must be untouched, got %q", got.Status)
	}
}

func TestCleanupCompleted(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	dir := t.TempDir()

	old := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "a.png"))
	tenDaysAgo := time.Now().AddDate(0, 0, -10)
	db.Model(&old).Updates(map[string]any{"status": models.ImageQueueCompleted, "processed_at": tenDaysAgo})

	recent := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "b.png"))
	yesterday := time.Now().AddDate(0, 0, -1)
	db.Model(&recent).Updates(map[string]any{"status": models.ImageQueueCompleted, "processed_at": yesterday})

	n, err := New(db, nil).CleanupCompleted(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("CleanupCompleted deleted %d, want 1", n)
	}
	if err := db.First(&models.ImageQueue{}, old.ID).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("old completed entry should be deleted")
	}
	if err := db.First(&models.ImageQueue{}, recent.ID).Error; err != nil {
		t.Error("recent completed entry should be kept")
	}
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	app := createApplication(t, db)
	dir := t.TempDir()

	enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "a.png"))
	enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "b.png"))
	failed := enqueue(t, db, app.ID, "signature_url", filepath.Join(dir, "c.png"))
	db.Model(&failed).Update("status", models.ImageQueueFailed)

	s, err := New(db, nil).Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending != 2 || s.Failed != 1 || s.Processing != 0 || s.Completed != 0 || s.Total != 3 {
		t.Errorf("stats = %+v", s)
	}
}

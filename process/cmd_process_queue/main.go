// Scheduler entrypoint for the image transfer queue. Meant to be invoked by
// cron (overlap prevention belongs to the trigger); -watch and -interval
// cover ad-hoc daemon use during development.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"onboard/pkg/drive"
	"onboard/process/queue"
)

func mustInitDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatalf("DB_DSN must be set in environment to run this tool")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	return gdb
}

func main() {
	limit := flag.Int("limit", queue.DefaultBatchLimit, "max entries to process per run")
	runLog := flag.String("run-log", "logs/image_queue.log", "append-only run log file")
	stale := flag.Duration("stale", 30*time.Minute, "reclaim entries stuck in processing longer than this")
	watch := flag.Bool("watch", false, "watch the upload dir and run extra batches on new files")
	interval := flag.Duration("interval", 0, "re-run every interval (0 = run once)")
	flag.Parse()

	loadDotEnv()

	// Everything below is duplicated into stdout and the run log for
	// operational audit.
	if err := os.MkdirAll(filepath.Dir(*runLog), 0o755); err != nil {
		log.Fatalf("create log dir: %v", err)
	}
	f, err := os.OpenFile(*runLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("open run log %s: %v", *runLog, err)
	}
	defer f.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	ctx := context.Background()
	db := mustInitDBFromEnv()

	creds := os.Getenv("DRIVE_CREDENTIALS")
	if creds == "" {
		log.Fatal("DRIVE_CREDENTIALS must point at a service account JSON file")
	}
	uploader, err := drive.NewUploader(ctx, creds, os.Getenv("DRIVE_ROOT_FOLDER"))
	if err != nil {
		log.Fatalf("drive uploader: %v", err)
	}

	p := queue.New(db, uploader)

	runOnce(ctx, p, *limit, *stale)

	if *interval > 0 {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				runOnce(ctx, p, *limit, *stale)
			}
		}()
	}

	if *watch {
		if err := watchUploads(ctx, p, *limit, *stale); err != nil {
			log.Fatalf("watch failed: %v", err)
		}
	} else if *interval > 0 {
		select {} // interval loop runs until killed
	}
}

// runOnce is one scheduler invocation: header, stale reclaim, stats,
// optional batch, and a retry kick when this run produced failures.
// Individual entry failures are expected, normal outcomes.
func runOnce(ctx context.Context, p *queue.Processor, limit int, stale time.Duration) {
	log.Printf("=== image queue run started ===")

	if n, err := p.ReclaimStale(ctx, stale); err != nil {
		log.Printf("reclaim stale: %v", err)
	} else if n > 0 {
		log.Printf("reclaimed %d stale processing entries", n)
	}

	stats, err := p.Stats(ctx)
	if err != nil {
		log.Printf("stats: %v", err)
		return
	}
	log.Printf("queue: pending=%d processing=%d completed=%d failed=%d total=%d",
		stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Total)

	if stats.Pending == 0 {
		log.Printf("nothing pending, run finished")
		return
	}

	res, err := p.ProcessPending(ctx, limit)
	if err != nil {
		log.Printf("process pending: %v", err)
		return
	}
	log.Printf("run finished: processed=%d failed=%d skipped=%d", res.Processed, res.Failed, res.Skipped)

	if res.Failed > 0 {
		retried, err := p.RetryFailed(ctx)
		if err != nil {
			log.Printf("retry reset: %v", err)
			return
		}
		log.Printf("reset %d failed entries to pending for the next run", retried)
	}
}

// watchUploads triggers an extra batch when new files settle in the upload
// directory, debounced the same way the intake writes land.
func watchUploads(ctx context.Context, p *queue.Processor, limit int, stale time.Duration) error {
	dir := filepath.Join(uploadBaseDir(), "applications")
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Printf("watching %s (debounced) ...", dir)

	pending := map[string]time.Time{}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				pending[filepath.Base(ev.Name)] = time.Now()
			}
		case <-ticker.C:
			now := time.Now()
			settled := false
			for name, t := range pending {
				if now.Sub(t) > 300*time.Millisecond { // stable
					delete(pending, name)
					settled = true
				}
			}
			if settled {
				runOnce(ctx, p, limit, stale)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		}
	}
}

func uploadBaseDir() string {
	if v := os.Getenv("UPLOAD_BASE"); v != "" {
		return v
	}
	return "uploads"
}

// Minimal .env loader (non-destructive, local copy for this tool).
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if eq := strings.IndexByte(line, '='); eq > 0 {
			k := strings.TrimSpace(line[:eq])
			v := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(k); !exists {
				_ = os.Setenv(k, v)
			}
		}
	}
}

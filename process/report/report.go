package report

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"onboard/models"
)

func mustDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set in env")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	return gdb
}

// Run prints a queue health report: per-status counts, the age of the
// oldest pending entry, and the most recent failures with their messages.
func Run(failures int) {
	gdb := mustDBFromEnv()

	statuses := []string{
		models.ImageQueuePending,
		models.ImageQueueProcessing,
		models.ImageQueueCompleted,
		models.ImageQueueFailed,
	}
	fmt.Println("image queue report")
	var total int64
	for _, st := range statuses {
		var n int64
		if err := gdb.Model(&models.ImageQueue{}).Where("status = ?", st).Count(&n).Error; err != nil {
			log.Fatalf("count %s: %v", st, err)
		}
		total += n
		fmt.Printf("  %-10s %d\n", st, n)
	}
	fmt.Printf("  %-10s %d\n", "total", total)

	var oldest models.ImageQueue
	if err := gdb.Where("status = ?", models.ImageQueuePending).
		Order("created_at asc").First(&oldest).Error; err == nil {
		fmt.Printf("oldest pending: entry %d (%s), waiting %s\n",
			oldest.ID, oldest.FieldName, time.Since(oldest.CreatedAt).Round(time.Second))
	}

	var failed []models.ImageQueue
	if err := gdb.Where("status = ?", models.ImageQueueFailed).
		Order("updated_at desc").Limit(failures).Find(&failed).Error; err != nil {
		log.Fatalf("list failures: %v", err)
	}
	if len(failed) > 0 {
		fmt.Printf("recent failures (max %d):\n", failures)
		for _, e := range failed {
			fmt.Printf("  entry %d app=%d field=%s retries=%d kind=%s: %s\n",
				e.ID, e.ApplicationID, e.FieldName, e.RetryCount, e.FailureKind, e.ErrorMessage)
		}
	}
}

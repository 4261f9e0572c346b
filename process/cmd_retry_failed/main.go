// Operator tool: push failed queue entries back to pending. By default it
// honors the automatic-retry gate (retry cap, no permanent failures); -all
// overrides both for manual intervention after a root cause was fixed.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	all := flag.Bool("all", false, "also reset permanently failed and retry-exhausted entries")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	query := `UPDATE image_queues
		SET status='pending', error_message='', failure_kind='', claimed_at=NULL
		WHERE status='failed' AND retry_count < 3 AND failure_kind <> 'permanent'`
	if *all {
		query = `UPDATE image_queues
			SET status='pending', error_message='', failure_kind='', claimed_at=NULL
			WHERE status='failed'`
	}

	res, err := db.Exec(query)
	if err != nil {
		log.Fatalf("reset failed entries: %v", err)
	}
	n, _ := res.RowsAffected()

	var stuck int64
	if err := db.QueryRow(`SELECT count(*) FROM image_queues WHERE status='failed'`).Scan(&stuck); err != nil {
		log.Fatalf("count remaining: %v", err)
	}
	fmt.Printf("reset %d entries to pending; %d failed entries remain\n", n, stuck)
}

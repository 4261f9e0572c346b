// Operator tool: retention sweep over completed queue rows. Bookkeeping
// only — uploaded Drive files and application URLs are never touched.
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
	days := flag.Int("days", 7, "delete completed entries processed more than this many days ago")
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

	// Prune any local files a completed row still points at before the row
	// disappears (cleanup at processing time is best-effort only).
	rows, err := db.Query(`SELECT local_path FROM image_queues
		WHERE status='completed' AND processed_at IS NOT NULL
		  AND processed_at < now() - ($1 || ' days')::interval`, *days)
	if err != nil {
		log.Fatalf("select old completed: %v", err)
	}
	removed := 0
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			log.Printf("scan: %v", err)
			continue
		}
		if path == "" {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	rows.Close()

	res, err := db.Exec(`DELETE FROM image_queues
		WHERE status='completed' AND processed_at IS NOT NULL
		  AND processed_at < now() - ($1 || ' days')::interval`, *days)
	if err != nil {
		log.Fatalf("delete old completed: %v", err)
	}
	n, _ := res.RowsAffected()
	fmt.Printf("cleanup done: rows deleted=%d, leftover local files removed=%d\n", n, removed)
}

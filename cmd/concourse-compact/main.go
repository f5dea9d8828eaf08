// Command concourse-compact retires immutable database blocks whose
// revisions are wholly duplicated in a later block, freeing the disk
// space an earlier revision snapshot no longer needs. It runs offline,
// directly against a database directory no concourse-server holds
// open — like the teacher's warren-migrate tool, it takes a backup
// before making any destructive change.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/concoursedb/concourse/internal/database"
)

var (
	databaseDir = flag.String("database-dir", "./concourse-data/database", "Database directory (immutable blocks)")
	blockSize   = flag.Int64("block-size", database.DefaultBlockSize, "Immutable block size cap in bytes (must match the server's)")
	dryRun      = flag.Bool("dry-run", false, "Report what would be retired without deleting anything")
	skipBackup  = flag.Bool("skip-backup", false, "Skip copying the database directory before compacting")
	backupDir   = flag.String("backup-dir", "", "Where to copy database-dir before compacting (default: <database-dir>.backup)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)
	log.Println("Concourse compaction tool")
	log.Println("=========================")

	if _, err := os.Stat(*databaseDir); err != nil {
		log.Fatalf("database directory %s: %v", *databaseDir, err)
	}
	log.Printf("Database: %s", *databaseDir)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun && !*skipBackup {
		dst := *backupDir
		if dst == "" {
			dst = filepath.Clean(*databaseDir) + ".backup"
		}
		log.Printf("Backing up to: %s", dst)
		if err := copyTree(*databaseDir, dst); err != nil {
			log.Fatalf("backup failed: %v", err)
		}
		log.Println("backup complete")
	}

	db, err := database.Open(*databaseDir, *blockSize)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := db.DiscoverSearchSets(); err != nil {
		log.Fatalf("discover search block sets: %v", err)
	}

	attrs := db.SearchAttributes()
	log.Printf("found %d search block set(s)", len(attrs))

	report, err := db.Compact(*dryRun)
	if err != nil {
		log.Fatalf("compact: %v", err)
	}

	verb := "retired"
	if *dryRun {
		verb = "would retire"
	}
	log.Printf("%s %d primary block(s): %v", verb, len(report.Primary), report.Primary)
	log.Printf("%s %d secondary block(s): %v", verb, len(report.Secondary), report.Secondary)
	for attr, ids := range report.Search {
		log.Printf("%s %d search block(s) for %s: %v", verb, len(ids), attr, ids)
	}
	log.Printf("total %s: %d", verb, report.Total())

	if *dryRun {
		log.Println()
		log.Println("dry run complete, no changes made")
		log.Println("run without -dry-run to retire these blocks")
	} else {
		log.Println()
		log.Println("compaction complete")
	}
}

// copyTree recursively copies src to dst, used to snapshot the
// database directory before a destructive compaction run.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

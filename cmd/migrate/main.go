// migrate applies or rolls back the event ledger's sqlite schema, outside
// the agent's own auto-migrate-on-Open path, for operators who want to
// inspect or control migrations independently of starting the agent.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ep1cman/unifi-protect-backup/internal/ledger"
)

func main() {
	path := flag.String("path", "./events.sqlite", "path to the ledger sqlite file")
	upCmd := flag.Bool("up", false, "run all up migrations")
	downCmd := flag.Bool("down", false, "rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "run +/- steps")
	flag.Parse()

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", *path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Fatalf("open %s: %v", *path, err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping %s: %v", *path, err)
	}

	srcDriver, err := iofs.New(ledger.MigrationsFS, "migrations")
	if err != nil {
		log.Fatalf("load embedded migrations: %v", err)
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		log.Fatalf("create migrate driver: %v", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		log.Fatalf("init migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Println("running up migrations...")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration up failed: %v", err)
		}
		log.Println("migration up complete")
	case *downCmd:
		log.Println("running down migrations...")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration down failed: %v", err)
		}
		log.Println("migration down complete")
	case *stepsCmd != 0:
		log.Printf("running %d steps...", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("migration steps failed: %v", err)
		}
		log.Println("migration steps complete")
	default:
		log.Println("no command specified, use -up, -down, or -steps")
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("no version found (empty db?)")
		} else {
			log.Printf("current version: %d, dirty: %v", version, dirty)
		}
	}
	log.Printf("duration: %v", time.Since(start))
}

// Package main is a repair tool for dirty migration state. golang-migrate
// marks a version dirty when a migration starts and only clears the flag when
// it completes, so a crash part-way leaves the server refusing to start with
// "Dirty database version". This tool reports the current state and, when it
// is dirty, forces the recorded version so the next start-up can retry.
//
// Usage: fix-migration [version]. Without a version the dirty version itself
// is kept.
package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/emetrics/emetrics-backend/internal/config"
	"github.com/emetrics/emetrics-backend/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	target := int(version)
	if len(os.Args) > 1 {
		target, err = strconv.Atoi(os.Args[1])
		if err != nil || target < 0 {
			log.Fatalf("Invalid version %q", os.Args[1])
		}
	}

	log.Printf("Forcing migration version %d...", target)
	if err := db.ForceMigrationVersion(database.DB, target); err != nil {
		log.Fatalf("Failed to fix dirty state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}

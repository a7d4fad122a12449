// Package main is a diagnostic tool for tenant namespace drift. It connects to
// the database named in the server configuration and prints the migration
// state, the latest schema sync run and any mismatch between the rows of
// public.organizations and the tenant namespaces that actually exist. The
// binary exits non-zero when drift is found so it can gate deployments.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"github.com/emetrics/emetrics-backend/internal/config"
	"github.com/emetrics/emetrics-backend/internal/db"
	"github.com/emetrics/emetrics-backend/internal/db/repositories"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
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
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	fmt.Println("=== MIGRATIONS ===")
	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Version: %d (dirty: %v)\n", v, dirty)

	fmt.Println("\n=== LAST SYNC RUN ===")
	run, err := repositories.NewSyncRunRepository(database).Latest(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if run == nil {
		fmt.Println("No sync runs recorded!")
	} else {
		fmt.Printf("Run %s: %s (%s), %d namespaces, %d synced, %d failed, %d changes in %s\n",
			run.ID, run.Status, run.Trigger, run.Namespaces, run.PairsSynced, run.PairsFailed, run.Changes, run.Duration())
	}

	orgs, err := repositories.NewOrganizationRepository(database).ListIDs(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	namespaces, err := tenancy.NewRegistry(database).ListTenantNamespaces(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Println("\n=== TENANTS ===")
	fmt.Printf("Organizations: %d, namespaces: %d\n", len(orgs), len(namespaces))

	orphaned, missing := drift(orgs, namespaces)
	for _, ns := range orphaned {
		fmt.Printf("Namespace without organization: %s\n", ns)
	}
	for _, id := range missing {
		fmt.Printf("Organization without namespace: %s\n", id)
	}
	if len(orphaned)+len(missing) > 0 {
		os.Exit(1)
	}
	fmt.Println("No drift found")
}

// drift returns namespaces with no organization row and organizations with no
// namespace. Both inputs may be in any order; the results are sorted.
func drift(orgs, namespaces []string) (orphaned, missing []string) {
	known := make(map[string]bool, len(orgs))
	for _, id := range orgs {
		known[id] = true
	}
	present := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		present[ns] = true
		if !known[ns] {
			orphaned = append(orphaned, ns)
		}
	}
	for _, id := range orgs {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	slices.Sort(orphaned)
	slices.Sort(missing)
	return orphaned, missing
}

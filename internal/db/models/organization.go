// Package models defines the database model types for the rows the service
// owns in the public schema. Each type uses struct tags for both JSON
// serialization and sqlx row scanning. Tenant entity rows are not modelled
// here; they are described by the catalog and handled as column maps.
//
// organization.go defines the tenant record. The organization id is also the
// name of the tenant's namespace.
package models

import "time"

// Organization is one tenant, stored in public.organizations.
type Organization struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Email       string    `db:"email" json:"email"`
	PhoneNumber *string   `db:"phone_number" json:"phone_number,omitempty"`
	OwnerID     *string   `db:"owner_id" json:"owner_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

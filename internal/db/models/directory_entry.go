// Package models - directory_entry.go defines the cross-tenant user directory
// row used to resolve a user's tenant from an e-mail address at login.
package models

import "time"

// DirectoryEntry is one row of public.user_directory. Its ID equals the id of
// the matching row in the tenant's own users table.
type DirectoryEntry struct {
	ID           string    `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenant_id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"user_role" json:"role"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

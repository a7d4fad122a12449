package tenancy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIdentifierInvalid is returned when a tenant identifier fails format
	// validation. Nothing has touched storage when it is returned.
	ErrIdentifierInvalid = errors.New("tenant identifier is invalid")
	// ErrIdentifierCollision is returned when the identifier is already taken
	// by a tenant record or an existing namespace.
	ErrIdentifierCollision = errors.New("organization already exists")
	// ErrIdentifierExhausted is returned when every generated identifier collided.
	ErrIdentifierExhausted = errors.New("could not generate a unique tenant identifier")
	// ErrEmailTaken is returned when the owner e-mail is already in the user directory.
	ErrEmailTaken = errors.New("email is already registered")
	// ErrNamespaceProvisioningFailed is returned when CREATE SCHEMA itself failed.
	ErrNamespaceProvisioningFailed = errors.New("namespace provisioning failed")
	// ErrEntityMaterializationFailed is returned when the namespace was created
	// but one or more entities, or the tenant records, could not be written.
	// The namespace has been destroyed again when this is returned.
	ErrEntityMaterializationFailed = errors.New("entity materialization failed")
	// ErrUnknownTenant is returned when no namespace exists for a tenant identifier.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrTenantNotReady is returned when the tenant exists but has not yet
	// completed a synchronization pass.
	ErrTenantNotReady = errors.New("tenant is not ready")
	// ErrNotTenantEntity is returned when binding a global entity to a tenant
	// or a tenant entity to the public schema.
	ErrNotTenantEntity = errors.New("entity scope does not match binding")
	// ErrUnknownColumn is returned when a write names a column the entity does not define.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrReadOnlyColumn is returned when a write sets a column the handle
	// controls, such as a tenant entity's organization back-reference.
	ErrReadOnlyColumn = errors.New("column is read-only")
	// ErrRecordNotFound is returned by handles when no row matches the id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidRecordKey is returned when an id cannot be a value of the
	// entity's primary key type. Nothing is sent to the database.
	ErrInvalidRecordKey = errors.New("record id is malformed")
	// ErrInvalidRecord is returned when the database rejects a value: bad
	// input syntax, a missing required column or a dangling reference.
	ErrInvalidRecord = errors.New("record has an invalid value")
	// ErrRecordConflict is returned when a write collides with an existing
	// row, or a delete is blocked by rows that reference it.
	ErrRecordConflict = errors.New("record conflicts with existing data")
	// ErrSyncPartialFailure is returned by SyncReport.Err when at least one
	// (namespace, entity) pair failed.
	ErrSyncPartialFailure = errors.New("schema synchronization partially failed")
)

// EntityError is the failure of one entity inside one namespace.
type EntityError struct {
	Entity string
	Err    error
}

func (e EntityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Entity, e.Err)
}

func (e EntityError) Unwrap() error { return e.Err }

// MaterializationError aggregates every entity that failed to materialize in
// one namespace during provisioning.
type MaterializationError struct {
	Namespace string
	Failures  []EntityError
}

func (e *MaterializationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%s in namespace %q: %s", ErrEntityMaterializationFailed, e.Namespace, strings.Join(parts, "; "))
}

// Unwrap exposes the sentinel and every entity error to errors.Is / errors.As.
func (e *MaterializationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrEntityMaterializationFailed)
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// CompensationError reports that removing a half-provisioned namespace failed
// after the provisioning error Cause. The namespace needs manual cleanup.
type CompensationError struct {
	Namespace string
	Cause     error
	Err       error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%v; compensation failed, namespace %q requires manual intervention: %v", e.Cause, e.Namespace, e.Err)
}

func (e *CompensationError) Unwrap() []error {
	return []error{e.Cause, e.Err}
}

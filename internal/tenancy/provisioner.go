package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/emetrics/emetrics-backend/internal/auth"
	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/db/models"
	"github.com/emetrics/emetrics-backend/internal/db/repositories"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
)

const (
	// DefaultMaxGenerateAttempts bounds identifier generation retries.
	DefaultMaxGenerateAttempts = 5
	// DefaultCleanupTimeout bounds compensation and teardown.
	DefaultCleanupTimeout = 30 * time.Second

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	advisoryLockSQL       = "SELECT pg_advisory_xact_lock(hashtext($1))"

	recordsSavepointSQL         = "SAVEPOINT tenant_records"
	rollbackRecordsSavepointSQL = "ROLLBACK TO SAVEPOINT tenant_records"
)

// OwnerInfo describes the first administrator of a new organization.
type OwnerInfo struct {
	OrganizationName string
	Name             string
	Email            string
	PhoneNumber      string
	Password         string
}

// ProvisionerConfig tunes a Provisioner.
type ProvisionerConfig struct {
	MaxGenerateAttempts int
	CleanupTimeout      time.Duration
}

// Provisioner creates and tears down tenants: namespace, entities, tenant
// record, owner user and directory entry.
type Provisioner struct {
	db           *sqlx.DB
	lifecycle    *Lifecycle
	synchronizer *Synchronizer
	readiness    *Readiness
	orgs         *repositories.OrganizationRepository
	directory    *repositories.DirectoryRepository
	users        catalog.EntityDefinition
	cfg          ProvisionerConfig
}

// NewProvisioner wires a provisioner. readiness may be nil.
func NewProvisioner(db *sqlx.DB, synchronizer *Synchronizer, readiness *Readiness, cfg ProvisionerConfig) (*Provisioner, error) {
	users, ok := synchronizer.Catalog().Lookup(catalog.EntityUsers)
	if !ok || users.Scope != catalog.ScopeTenant {
		return nil, fmt.Errorf("catalog has no tenant %q entity", catalog.EntityUsers)
	}
	if cfg.MaxGenerateAttempts < 1 {
		cfg.MaxGenerateAttempts = DefaultMaxGenerateAttempts
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Provisioner{
		db:           db,
		lifecycle:    NewLifecycle(db),
		synchronizer: synchronizer,
		readiness:    readiness,
		orgs:         repositories.NewOrganizationRepository(db),
		directory:    repositories.NewDirectoryRepository(db),
		users:        users,
		cfg:          cfg,
	}, nil
}

// ProvisionTenant creates a tenant under candidateID, or under a generated
// identifier when candidateID is empty. The returned organization is fully
// committed; any failure after the namespace was created is compensated by
// destroying the namespace before the error is returned.
func (p *Provisioner) ProvisionTenant(ctx context.Context, candidateID string, owner OwnerInfo) (org *models.Organization, err error) {
	defer func() { telemetry.TenantProvisioningTotal.WithLabelValues(provisioningOutcome(err)).Inc() }()

	if candidateID != "" {
		if err := ValidateIdentifier(candidateID); err != nil {
			return nil, err
		}
	}

	taken, err := p.directory.EmailExists(ctx, owner.Email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrEmailTaken, owner.Email)
	}

	hash, err := auth.HashPassword(owner.Password)
	if err != nil {
		return nil, err
	}

	if candidateID != "" {
		return p.provisionOnce(ctx, candidateID, owner, hash)
	}

	for attempt := 1; attempt <= p.cfg.MaxGenerateAttempts; attempt++ {
		id := GenerateIdentifier(owner.OrganizationName)
		org, err := p.provisionOnce(ctx, id, owner, hash)
		if errors.Is(err, ErrIdentifierCollision) {
			slog.Warn("generated tenant identifier collided, retrying", "tenant_id", id, "attempt", attempt)
			continue
		}
		return org, err
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrIdentifierExhausted, p.cfg.MaxGenerateAttempts)
}

// provisionOnce runs one attempt for a validated identifier.
//
// The transaction holds a transaction-scoped advisory lock on the identifier
// for its whole life, including compensation, so a concurrent attempt for the
// same identifier waits and then sees either the committed record or nothing.
// The namespace and its tables are created outside the transaction; once they
// exist every failure path goes through compensate.
func (p *Provisioner) provisionOnce(ctx context.Context, id string, owner OwnerInfo, passwordHash string) (_ *models.Organization, err error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin provisioning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, advisoryLockSQL, id); err != nil {
		return nil, fmt.Errorf("failed to lock tenant identifier %q: %w", id, err)
	}

	existing, err := p.orgs.WithTx(tx).GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrIdentifierCollision, id)
	}
	exists, err := p.lifecycle.WithTx(tx).NamespaceExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		// A namespace without a record belongs to someone else's attempt or
		// is an orphan; either way it must not be touched here.
		return nil, fmt.Errorf("%w: namespace %q already exists", ErrIdentifierCollision, id)
	}

	if err := p.lifecycle.CreateNamespace(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNamespaceProvisioningFailed, err)
	}
	// Compensation runs while the advisory lock is still held; the deferred
	// Rollback above releases it afterwards. Record writes are undone first
	// through the savepoint so their row locks cannot block DROP SCHEMA.
	var recordsStarted bool
	defer func() {
		if err == nil {
			return
		}
		if recordsStarted {
			if _, rerr := tx.ExecContext(context.WithoutCancel(ctx), rollbackRecordsSavepointSQL); rerr != nil {
				_ = tx.Rollback()
			}
		}
		err = p.compensate(ctx, id, err)
	}()

	result, err := p.synchronizer.SyncNamespace(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntityMaterializationFailed, err)
	}
	if failed := result.Failed(); len(failed) > 0 {
		merr := &MaterializationError{Namespace: id}
		for _, f := range failed {
			merr.Failures = append(merr.Failures, EntityError{Entity: f.Entity, Err: f.Err})
		}
		return nil, merr
	}

	ownerID := uuid.NewString()
	org := &models.Organization{
		ID:      id,
		Name:    owner.OrganizationName,
		Email:   strings.ToLower(owner.Email),
		OwnerID: &ownerID,
	}
	if owner.PhoneNumber != "" {
		org.PhoneNumber = &owner.PhoneNumber
	}

	if _, err := tx.ExecContext(ctx, recordsSavepointSQL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEntityMaterializationFailed, err)
	}
	recordsStarted = true

	if err := p.orgs.WithTx(tx).Create(ctx, org); err != nil {
		return nil, mapRecordWriteError(err)
	}

	users := newHandle(tx, p.users, id)
	if _, err := users.Insert(ctx, Record{
		"id":            ownerID,
		"tenant_id":     id,
		"email":         org.Email,
		"name":          owner.Name,
		"phone_number":  org.PhoneNumber,
		"password_hash": passwordHash,
		"user_role":     catalog.RoleSuperAdmin,
	}); err != nil {
		return nil, mapRecordWriteError(err)
	}

	if err := p.directory.WithTx(tx).Create(ctx, &models.DirectoryEntry{
		ID:           ownerID,
		TenantID:     id,
		Email:        org.Email,
		Name:         owner.Name,
		PasswordHash: passwordHash,
		Role:         catalog.RoleSuperAdmin,
		IsActive:     true,
	}); err != nil {
		return nil, mapRecordWriteError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit tenant records: %w", ErrEntityMaterializationFailed, err)
	}

	slog.Info("tenant provisioned", "tenant_id", id, "owner_id", ownerID)
	return org, nil
}

// compensate destroys a half-provisioned namespace. It runs detached from the
// caller's context: a cancelled request must not leave an orphaned namespace.
func (p *Provisioner) compensate(ctx context.Context, id string, cause error) error {
	if p.readiness != nil {
		p.readiness.Forget(id)
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
	defer cancel()

	if err := p.lifecycle.DestroyNamespace(cctx, id); err != nil {
		slog.Error("provisioning compensation failed, manual intervention required",
			"namespace", id, "cause", cause, "error", err)
		return &CompensationError{Namespace: id, Cause: cause, Err: err}
	}
	slog.Warn("provisioning failed, namespace destroyed", "namespace", id, "cause", cause)
	return cause
}

// mapRecordWriteError classifies a failed record insert. Unique violations
// become collisions (or ErrEmailTaken for the e-mail constraints); anything
// else is a materialization failure.
func mapRecordWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		if strings.Contains(pqErr.Constraint, "email") {
			return fmt.Errorf("%w: %w", ErrEmailTaken, err)
		}
		return fmt.Errorf("%w: %w", ErrIdentifierCollision, err)
	}
	return fmt.Errorf("%w: failed to write tenant records: %w", ErrEntityMaterializationFailed, err)
}

// DeprovisionTenant removes the tenant record and destroys the namespace in
// one transaction. The work is detached from ctx and bounded by the cleanup
// timeout. A namespace without a record is still destroyed; neither existing
// is ErrUnknownTenant.
func (p *Provisioner) DeprovisionTenant(ctx context.Context, id string) (err error) {
	defer func() { telemetry.TenantDeprovisioningTotal.WithLabelValues(deprovisioningOutcome(err)).Inc() }()

	if err := ValidateIdentifier(id); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CleanupTimeout)
	defer cancel()

	tx, err := p.db.BeginTxx(cctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin teardown transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(cctx, advisoryLockSQL, id); err != nil {
		return fmt.Errorf("failed to lock tenant identifier %q: %w", id, err)
	}

	deleted, err := p.orgs.WithTx(tx).Delete(cctx, id)
	if err != nil {
		return err
	}
	lifecycle := p.lifecycle.WithTx(tx)
	exists, err := lifecycle.NamespaceExists(cctx, id)
	if err != nil {
		return err
	}
	if !deleted && !exists {
		return fmt.Errorf("%w: %q", ErrUnknownTenant, id)
	}
	if !deleted {
		slog.Warn("destroying namespace that has no tenant record", "namespace", id)
	}

	if err := lifecycle.DestroyNamespace(cctx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit teardown of %q: %w", id, err)
	}

	if p.readiness != nil {
		p.readiness.Forget(id)
	}
	slog.Info("tenant deprovisioned", "tenant_id", id, "had_record", deleted, "had_namespace", exists)
	return nil
}

func provisioningOutcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, ErrIdentifierCollision), errors.Is(err, ErrEmailTaken):
		return telemetry.OutcomeCollision
	case errors.Is(err, ErrIdentifierInvalid):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeFailure
	}
}

func deprovisioningOutcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.Is(err, ErrUnknownTenant):
		return telemetry.OutcomeUnknown
	case errors.Is(err, ErrIdentifierInvalid):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeFailure
	}
}

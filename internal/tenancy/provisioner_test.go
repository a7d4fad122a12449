package tenancy

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
)

const testTenant = "acme-corp"

var testOwner = OwnerInfo{
	OrganizationName: "Acme Corp",
	Name:             "Ada Owner",
	Email:            "Ada@Acme.test",
	PhoneNumber:      "+2348000000000",
	Password:         "s3cret-pass",
}

// bcryptArg matches a bcrypt hash of password.
type bcryptArg struct{ password string }

func (a bcryptArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && bcrypt.CompareHashAndPassword([]byte(s), []byte(a.password)) == nil
}

// identifierArg matches any valid tenant identifier.
type identifierArg struct{}

func (identifierArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && ValidateIdentifier(s) == nil
}

type provisionerFixture struct {
	p         *Provisioner
	mock      sqlmock.Sqlmock
	cat       *catalog.Catalog
	users     catalog.EntityDefinition
	readiness *Readiness
}

func newTestProvisioner(t *testing.T, cfg ProvisionerConfig) *provisionerFixture {
	t.Helper()
	def := catalog.Default()
	cat, err := catalog.New(
		mustLookup(t, def, catalog.EntityOrganizations),
		mustLookup(t, def, catalog.EntityUsers),
	)
	require.NoError(t, err)

	db, mock := newMockDB(t)
	readiness := NewReadiness()
	sync := NewSynchronizer(db, cat, SynchronizerConfig{Concurrency: 1, Readiness: readiness})
	p, err := NewProvisioner(db, sync, readiness, cfg)
	require.NoError(t, err)

	return &provisionerFixture{p: p, mock: mock, cat: cat, users: mustLookup(t, cat, catalog.EntityUsers), readiness: readiness}
}

func (f *provisionerFixture) expectEmailCheck(taken bool) {
	f.mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM user_directory WHERE email = \$1\)`).
		WithArgs("ada@acme.test").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(taken))
}

func (f *provisionerFixture) expectLock(id any) {
	f.mock.ExpectBegin()
	f.mock.ExpectExec(exact(advisoryLockSQL)).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
}

func orgColumns() []string {
	return []string{"id", "name", "email", "phone_number", "owner_id", "created_at", "updated_at"}
}

func (f *provisionerFixture) expectRecordLookup(id any, found bool) {
	rows := sqlmock.NewRows(orgColumns())
	if found {
		now := time.Now()
		rows.AddRow(testTenant, "Acme Corp", "ada@acme.test", nil, nil, now, now)
	}
	f.mock.ExpectQuery(`FROM organizations\s+WHERE id = \$1`).WithArgs(id).WillReturnRows(rows)
}

func (f *provisionerFixture) expectNamespaceCheck(id any, exists bool) {
	f.mock.ExpectQuery("FROM information_schema.schemata").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

// expectMaterialize expects namespace creation and table creation for testTenant.
func (f *provisionerFixture) expectMaterialize() {
	f.mock.ExpectExec(exact(`CREATE SCHEMA IF NOT EXISTS "acme-corp"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	expectCreateEntity(f.mock, ddlBuilder{catalog: f.cat}, testTenant, f.users)
}

func timestampRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now)
}

func (f *provisionerFixture) expectSavepoint() {
	f.mock.ExpectExec(exact(recordsSavepointSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *provisionerFixture) expectSavepointRollback() {
	f.mock.ExpectExec(exact(rollbackRecordsSavepointSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *provisionerFixture) expectRecordWrites() {
	f.expectSavepoint()
	f.mock.ExpectQuery("INSERT INTO organizations").
		WithArgs(testTenant, "Acme Corp", "ada@acme.test", "+2348000000000", sqlmock.AnyArg()).
		WillReturnRows(timestampRows())
	f.mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "acme-corp"."users"`)).
		WithArgs("ada@acme.test", sqlmock.AnyArg(), "Ada Owner", bcryptArg{"s3cret-pass"},
			"+2348000000000", testTenant, catalog.RoleSuperAdmin).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("owner", "ada@acme.test"))
	f.mock.ExpectQuery("INSERT INTO user_directory").
		WithArgs(sqlmock.AnyArg(), testTenant, "ada@acme.test", "Ada Owner", bcryptArg{"s3cret-pass"}, catalog.RoleSuperAdmin, true).
		WillReturnRows(timestampRows())
}

func (f *provisionerFixture) expectDrop(err error) {
	e := f.mock.ExpectExec(exact(`DROP SCHEMA IF EXISTS "acme-corp" CASCADE`))
	if err != nil {
		e.WillReturnError(err)
		return
	}
	e.WillReturnResult(sqlmock.NewResult(0, 0))
}

func provisioned(outcome string) float64 {
	return testutil.ToFloat64(telemetry.TenantProvisioningTotal.WithLabelValues(outcome))
}

func TestNewProvisioner_RequiresUsersEntity(t *testing.T) {
	db, _ := newMockDB(t)
	cat := catalog.MustNew(plainEntity("objectives"))
	_, err := NewProvisioner(db, NewSynchronizer(db, cat, SynchronizerConfig{}), nil, ProvisionerConfig{})
	require.Error(t, err)
}

func TestProvisionTenant_Success(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	before := provisioned(telemetry.OutcomeSuccess)

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, false)
	f.expectMaterialize()
	f.expectRecordWrites()
	f.mock.ExpectCommit()

	org, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	require.NoError(t, err)
	assert.Equal(t, testTenant, org.ID)
	assert.Equal(t, "ada@acme.test", org.Email)
	require.NotNil(t, org.OwnerID)
	require.NotNil(t, org.PhoneNumber)
	assert.False(t, org.CreatedAt.IsZero())
	assert.True(t, f.readiness.IsReady(testTenant))
	assert.Equal(t, before+1, provisioned(telemetry.OutcomeSuccess))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_InvalidIdentifierTouchesNothing(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	for _, id := range []string{"public", "pg_stats", "AB", `a"; DROP SCHEMA public; --`} {
		_, err := f.p.ProvisionTenant(context.Background(), id, testOwner)
		assert.True(t, errors.Is(err, ErrIdentifierInvalid), id)
	}
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_EmailTaken(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	f.expectEmailCheck(true)

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, ErrEmailTaken))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_RecordCollision(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	before := provisioned(telemetry.OutcomeCollision)

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, true)
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, ErrIdentifierCollision))
	assert.Equal(t, before+1, provisioned(telemetry.OutcomeCollision))
	require.NoError(t, f.mock.ExpectationsWereMet(), "an existing tenant is never modified")
}

func TestProvisionTenant_NamespaceCollisionLeavesNamespaceAlone(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, true)
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, ErrIdentifierCollision))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_CreateNamespaceFails(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, false)
	f.mock.ExpectExec("CREATE SCHEMA").WillReturnError(errDB)
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, ErrNamespaceProvisioningFailed))
	assert.True(t, errors.Is(err, errDB))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_MaterializationFailureCompensates(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	b := ddlBuilder{catalog: f.cat}

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, false)
	f.mock.ExpectExec(exact(`CREATE SCHEMA IF NOT EXISTS "acme-corp"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery("FROM information_schema.columns").WillReturnRows(columnRows())
	expectTableExists(f.mock, testTenant, catalog.EntityUsers, false)
	f.mock.ExpectExec(exact(b.createTable(testTenant, f.users))).WillReturnError(errDB)
	f.expectDrop(nil)
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntityMaterializationFailed))
	assert.True(t, errors.Is(err, errDB))

	var merr *MaterializationError
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Failures, 1)
	assert.Equal(t, catalog.EntityUsers, merr.Failures[0].Entity)

	assert.False(t, f.readiness.IsReady(testTenant))
	require.NoError(t, f.mock.ExpectationsWereMet(), "the namespace must be dropped")
}

func TestProvisionTenant_CompensationFailure(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, false)
	f.expectMaterialize()
	f.expectSavepoint()
	f.mock.ExpectQuery("INSERT INTO organizations").WillReturnError(errDB)
	f.expectSavepointRollback()
	f.expectDrop(errors.New("connection reset"))
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	var cerr *CompensationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, testTenant, cerr.Namespace)
	assert.True(t, errors.Is(err, ErrEntityMaterializationFailed))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_UniqueViolationMapping(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		want       error
	}{
		{"record race", "organizations_pkey", ErrIdentifierCollision},
		{"email race", "user_directory_email_key", ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestProvisioner(t, ProvisionerConfig{})

			f.expectEmailCheck(false)
			f.expectLock(testTenant)
			f.expectRecordLookup(testTenant, false)
			f.expectNamespaceCheck(testTenant, false)
			f.expectMaterialize()
			f.expectSavepoint()
			f.mock.ExpectQuery("INSERT INTO organizations").
				WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: tt.constraint})
			f.expectSavepointRollback()
			f.expectDrop(nil)
			f.mock.ExpectRollback()

			_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			require.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestProvisionTenant_LockPrecedesLookupAndDDL(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectEmailCheck(false)
	f.mock.ExpectBegin()
	f.mock.ExpectExec(exact(advisoryLockSQL)).WithArgs(testTenant).WillReturnError(errDB)
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, errDB))
	require.NoError(t, f.mock.ExpectationsWereMet(), "no lookup or DDL may run before the lock is held")
}

// A concurrent registration that commits the same identifier first surfaces
// as a unique violation on the organizations insert.
func TestProvisionTenant_ConcurrentSameIdentifierCollides(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	before := provisioned(telemetry.OutcomeCollision)

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, false)
	f.expectMaterialize()
	f.expectSavepoint()
	f.mock.ExpectQuery("INSERT INTO organizations").
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "organizations_pkey"})
	f.expectSavepointRollback()
	// The namespace is dropped before the transaction, and with it the
	// advisory lock, is released.
	f.expectDrop(nil)
	f.mock.ExpectRollback()

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, ErrIdentifierCollision), "got %v", err)
	assert.False(t, f.readiness.IsReady(testTenant))
	assert.Equal(t, before+1, provisioned(telemetry.OutcomeCollision))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_SavepointRollbackFailureReleasesTransaction(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectEmailCheck(false)
	f.expectLock(testTenant)
	f.expectRecordLookup(testTenant, false)
	f.expectNamespaceCheck(testTenant, false)
	f.expectMaterialize()
	f.expectSavepoint()
	f.mock.ExpectQuery("INSERT INTO organizations").WillReturnError(errDB)
	f.mock.ExpectExec(exact(rollbackRecordsSavepointSQL)).WillReturnError(errDB)
	f.mock.ExpectRollback()
	f.expectDrop(nil)

	_, err := f.p.ProvisionTenant(context.Background(), testTenant, testOwner)
	assert.True(t, errors.Is(err, ErrEntityMaterializationFailed))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_GeneratedIdentifierRetries(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{MaxGenerateAttempts: 3})
	id := identifierArg{}

	f.expectEmailCheck(false)
	// First attempt collides with an existing record.
	f.expectLock(id)
	f.expectRecordLookup(id, true)
	f.mock.ExpectRollback()
	// Second attempt succeeds.
	f.expectLock(id)
	f.expectRecordLookup(id, false)
	f.expectNamespaceCheck(id, false)
	f.mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "acmecorp-[0-9a-f]{8}-[0-9]{8}"`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery("FROM information_schema.columns").WithArgs(id, catalog.EntityUsers).WillReturnRows(columnRows())
	expectTableExists(f.mock, id, catalog.EntityUsers, false)
	f.mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "acmecorp-[^"]+"."users"`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "idx_users_user_role"`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.expectSavepoint()
	f.mock.ExpectQuery("INSERT INTO organizations").WillReturnRows(timestampRows())
	f.mock.ExpectQuery(`INSERT INTO "acmecorp-[^"]+"."users"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("owner"))
	f.mock.ExpectQuery("INSERT INTO user_directory").WillReturnRows(timestampRows())
	f.mock.ExpectCommit()

	org, err := f.p.ProvisionTenant(context.Background(), "", testOwner)
	require.NoError(t, err)
	assert.Regexp(t, `^acmecorp-[0-9a-f]{8}-[0-9]{8}$`, org.ID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestProvisionTenant_GeneratedIdentifierExhausted(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{MaxGenerateAttempts: 2})
	id := identifierArg{}

	f.expectEmailCheck(false)
	for range 2 {
		f.expectLock(id)
		f.expectRecordLookup(id, false)
		f.expectNamespaceCheck(id, true)
		f.mock.ExpectRollback()
	}

	_, err := f.p.ProvisionTenant(context.Background(), "", testOwner)
	assert.True(t, errors.Is(err, ErrIdentifierExhausted))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func (f *provisionerFixture) expectTeardown(deleted, exists bool) {
	f.expectLock(testTenant)
	var affected int64
	if deleted {
		affected = 1
	}
	f.mock.ExpectExec(`DELETE FROM organizations WHERE id = \$1`).
		WithArgs(testTenant).
		WillReturnResult(sqlmock.NewResult(0, affected))
	f.expectNamespaceCheck(testTenant, exists)
}

func TestDeprovisionTenant(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	f.readiness.MarkReady(testTenant)

	f.expectTeardown(true, true)
	f.expectDrop(nil)
	f.mock.ExpectCommit()

	require.NoError(t, f.p.DeprovisionTenant(context.Background(), testTenant))
	assert.False(t, f.readiness.IsReady(testTenant))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeprovisionTenant_DetachedFromCaller(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.expectTeardown(true, true)
	f.expectDrop(nil)
	f.mock.ExpectCommit()

	require.NoError(t, f.p.DeprovisionTenant(ctx, testTenant))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeprovisionTenant_OrphanNamespace(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectTeardown(false, true)
	f.expectDrop(nil)
	f.mock.ExpectCommit()

	require.NoError(t, f.p.DeprovisionTenant(context.Background(), testTenant))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeprovisionTenant_Unknown(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	before := testutil.ToFloat64(telemetry.TenantDeprovisioningTotal.WithLabelValues(telemetry.OutcomeUnknown))

	f.expectTeardown(false, false)
	f.mock.ExpectRollback()

	err := f.p.DeprovisionTenant(context.Background(), testTenant)
	assert.True(t, errors.Is(err, ErrUnknownTenant))
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.TenantDeprovisioningTotal.WithLabelValues(telemetry.OutcomeUnknown)))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeprovisionTenant_DropFailureRollsBack(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})

	f.expectTeardown(true, true)
	f.expectDrop(errDB)
	f.mock.ExpectRollback()

	err := f.p.DeprovisionTenant(context.Background(), testTenant)
	assert.True(t, errors.Is(err, errDB))
	require.NoError(t, f.mock.ExpectationsWereMet(), "the record delete must not be committed")
}

func TestDeprovisionTenant_InvalidIdentifier(t *testing.T) {
	f := newTestProvisioner(t, ProvisionerConfig{})
	assert.True(t, errors.Is(f.p.DeprovisionTenant(context.Background(), "public"), ErrIdentifierInvalid))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

package organizations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emetrics/emetrics-backend/internal/audit"
	"github.com/emetrics/emetrics-backend/internal/auth"
	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/db/models"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("EMX_JWT_SECRET", "test-jwt-secret-that-is-32-chars!!")
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeProvisioner struct {
	gotID    string
	gotOwner tenancy.OwnerInfo
	org      *models.Organization
	err      error
}

func (f *fakeProvisioner) ProvisionTenant(_ context.Context, id string, owner tenancy.OwnerInfo) (*models.Organization, error) {
	f.gotID = id
	f.gotOwner = owner
	return f.org, f.err
}

type fakeDirectory struct {
	entry *models.DirectoryEntry
	err   error
}

func (f *fakeDirectory) GetByEmail(context.Context, string) (*models.DirectoryEntry, error) {
	return f.entry, f.err
}

func newRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.POST("/register", h.Register())
	r.POST("/login", h.Login())
	return r
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validRegistration() RegisterRequest {
	return RegisterRequest{
		OrganizationName: "Acme Corp",
		Name:             "Ada Owner",
		Email:            "ada@acme.test",
		Password:         "s3cret-pass",
	}
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestRegister_Created(t *testing.T) {
	owner := "11111111-1111-1111-1111-111111111111"
	prov := &fakeProvisioner{org: &models.Organization{ID: "acme", Name: "Acme Corp", Email: "ada@acme.test", OwnerID: &owner}}
	r := newRouter(NewHandlers(prov, &fakeDirectory{}, time.Hour))

	req := validRegistration()
	req.TenantID = "acme"
	w := postJSON(r, "/register", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, "acme", prov.gotID)
	assert.Equal(t, "Ada Owner", prov.gotOwner.Name)
	assert.Equal(t, "s3cret-pass", prov.gotOwner.Password)

	var body struct {
		Organization models.Organization `json:"organization"`
		Token        string              `json:"token"`
		ExpiresIn    int64               `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "acme", body.Organization.ID)
	assert.EqualValues(t, 3600, body.ExpiresIn)

	claims, err := auth.ValidateJWT(body.Token)
	require.NoError(t, err)
	assert.Equal(t, owner, claims.UserID)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, catalog.RoleSuperAdmin, claims.Role)
	assert.False(t, claims.Admin)
}

func TestRegister_GeneratedIdentifier(t *testing.T) {
	prov := &fakeProvisioner{org: &models.Organization{ID: "acme-1a2b3c4d-5678"}}
	r := newRouter(NewHandlers(prov, &fakeDirectory{}, 0))

	w := postJSON(r, "/register", validRegistration())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, prov.gotID, "an absent tenant_id asks the provisioner to generate one")
}

func TestRegister_BadRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegisterRequest)
	}{
		{"missing organization name", func(r *RegisterRequest) { r.OrganizationName = "" }},
		{"invalid email", func(r *RegisterRequest) { r.Email = "not-an-email" }},
		{"short password", func(r *RegisterRequest) { r.Password = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvisioner{}
			req := validRegistration()
			tt.mutate(&req)

			w := postJSON(newRouter(NewHandlers(prov, &fakeDirectory{}, 0)), "/register", req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, prov.gotOwner.Email, "provisioner must not be called")
		})
	}
}

func TestRegister_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"collision", fmt.Errorf("%w: %q", tenancy.ErrIdentifierCollision, "acme"), http.StatusConflict, "organization already exists"},
		{"email taken", fmt.Errorf("%w: ada@acme.test", tenancy.ErrEmailTaken), http.StatusConflict, "email is already registered"},
		{"invalid identifier", fmt.Errorf("%w: %q", tenancy.ErrIdentifierInvalid, "Bad Id"), http.StatusBadRequest, "tenant identifier is invalid"},
		{"materialization", &tenancy.MaterializationError{Namespace: "acme"}, http.StatusInternalServerError, "could not create organization"},
		{"exhausted", tenancy.ErrIdentifierExhausted, http.StatusInternalServerError, "could not create organization"},
		{"compensation", &tenancy.CompensationError{Namespace: "acme", Cause: errors.New("a"), Err: errors.New("b")}, http.StatusInternalServerError, "could not create organization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(NewHandlers(&fakeProvisioner{err: tt.err}, &fakeDirectory{}, 0))
			w := postJSON(r, "/register", validRegistration())
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tt.msg), w.Body.String())
		})
	}
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func directoryEntry(t *testing.T, password string, active bool) *models.DirectoryEntry {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	return &models.DirectoryEntry{
		ID: "u-1", TenantID: "acme", Email: "ada@acme.test", PasswordHash: hash,
		Role: catalog.RoleEmployer, IsActive: active,
	}
}

func TestLogin_Success(t *testing.T) {
	dir := &fakeDirectory{entry: directoryEntry(t, "s3cret-pass", true)}
	w := postJSON(newRouter(NewHandlers(&fakeProvisioner{}, dir, time.Hour)), "/login",
		LoginRequest{Email: "ada@acme.test", Password: "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	claims, err := auth.ValidateJWT(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, catalog.RoleEmployer, claims.Role)
	assert.Equal(t, "u-1", claims.UserID)
}

func TestLogin_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		entry func(t *testing.T) *models.DirectoryEntry
	}{
		{"unknown user", func(*testing.T) *models.DirectoryEntry { return nil }},
		{"wrong password", func(t *testing.T) *models.DirectoryEntry { return directoryEntry(t, "other-pass", true) }},
		{"inactive", func(t *testing.T) *models.DirectoryEntry { return directoryEntry(t, "s3cret-pass", false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &fakeDirectory{entry: tt.entry(t)}
			w := postJSON(newRouter(NewHandlers(&fakeProvisioner{}, dir, 0)), "/login",
				LoginRequest{Email: "ada@acme.test", Password: "s3cret-pass"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "invalid credentials")
		})
	}
}

func TestLogin_AlwaysComparesPassword(t *testing.T) {
	tests := []struct {
		name     string
		entry    *models.DirectoryEntry
		wantHash string
	}{
		{"unknown user", nil, auth.DummyHash()},
		{"inactive", &models.DirectoryEntry{ID: "u-1", PasswordHash: "stored-hash"}, "stored-hash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hashes []string
			h := NewHandlers(&fakeProvisioner{}, &fakeDirectory{entry: tt.entry}, 0)
			h.checkPassword = func(hash, password string) error {
				hashes = append(hashes, hash)
				return auth.CheckPassword(hash, password)
			}

			w := postJSON(newRouter(h), "/login", LoginRequest{Email: "ada@acme.test", Password: "s3cret-pass"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, []string{tt.wantHash}, hashes)
		})
	}
}

func TestLogin_DirectoryError(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("db down")}
	w := postJSON(newRouter(NewHandlers(&fakeProvisioner{}, dir, 0)), "/login",
		LoginRequest{Email: "ada@acme.test", Password: "x"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

type captureAudit struct{ events []*audit.Event }

func (c *captureAudit) Ship(_ context.Context, e *audit.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *captureAudit) Close() error { return nil }

func TestRegister_Audited(t *testing.T) {
	rec := &captureAudit{}
	prov := &fakeProvisioner{org: &models.Organization{ID: "acme"}}
	r := newRouter(NewHandlers(prov, &fakeDirectory{}, 0).WithAudit(rec))

	require.Equal(t, http.StatusCreated, postJSON(r, "/register", validRegistration()).Code)

	prov.err = tenancy.ErrIdentifierCollision
	req := validRegistration()
	req.TenantID = "acme"
	require.Equal(t, http.StatusConflict, postJSON(r, "/register", req).Code)

	require.Len(t, rec.events, 2)
	ok, failed := rec.events[0], rec.events[1]
	assert.Equal(t, audit.ActionOrganizationRegistered, ok.Action)
	assert.Equal(t, audit.OutcomeSuccess, ok.Outcome)
	assert.Equal(t, "acme", ok.TenantID)
	assert.Equal(t, "ada@acme.test", ok.Metadata["email"])
	assert.Equal(t, audit.OutcomeFailure, failed.Outcome)
	assert.Equal(t, "acme", failed.TenantID)
	for _, e := range rec.events {
		assert.NotContains(t, fmt.Sprint(e.Metadata), "s3cret-pass", "passwords never reach the audit trail")
	}
}

func TestLogin_Audited(t *testing.T) {
	rec := &captureAudit{}
	dir := &fakeDirectory{entry: directoryEntry(t, "s3cret-pass", true)}
	r := newRouter(NewHandlers(&fakeProvisioner{}, dir, 0).WithAudit(rec))

	postJSON(r, "/login", LoginRequest{Email: "ada@acme.test", Password: "s3cret-pass"})
	postJSON(r, "/login", LoginRequest{Email: "ada@acme.test", Password: "wrong-pass"})

	require.Len(t, rec.events, 2)
	assert.Equal(t, audit.OutcomeSuccess, rec.events[0].Outcome)
	assert.Equal(t, "u-1", rec.events[0].Actor)
	assert.Equal(t, "acme", rec.events[0].TenantID)
	assert.Equal(t, audit.OutcomeFailure, rec.events[1].Outcome)
	assert.Empty(t, rec.events[1].TenantID)
}
